package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/rtds-project/rtds/pkg/httpclient"
)

type configExportCmd struct {
	Output string `arg:"" optional:"" default:"rtds_config.ods" help:"File to write the workbook to."`
}

func (cmd *configExportCmd) Run(opts *globalOptions) error {
	workbook, err := httpclient.New(opts.Endpoint).ExportConfig()
	if err != nil {
		return err
	}

	if err := os.WriteFile(cmd.Output, workbook, 0o644); err != nil {
		return err
	}

	fmt.Printf("wrote %s (%s)\n", cmd.Output, humanize.Bytes(uint64(len(workbook))))

	return nil
}

type configImportCmd struct {
	File   string `arg:"" type:"existingfile" help:"Workbook to upload."`
	Reload bool   `help:"Reload the scan loop after the import."`
}

func (cmd *configImportCmd) Run(opts *globalOptions) error {
	workbook, err := os.ReadFile(cmd.File)
	if err != nil {
		return err
	}

	client := httpclient.New(opts.Endpoint)
	if err := client.ImportConfig(filepath.Base(cmd.File), workbook); err != nil {
		return err
	}
	fmt.Printf("imported %s (%s)\n", cmd.File, humanize.Bytes(uint64(len(workbook))))

	if cmd.Reload {
		if err := client.Reload(); err != nil {
			return err
		}
		fmt.Println("reload requested")
	}

	return nil
}

type reloadCmd struct{}

func (cmd *reloadCmd) Run(opts *globalOptions) error {
	if err := httpclient.New(opts.Endpoint).Reload(); err != nil {
		return err
	}

	fmt.Println("reload requested")

	return nil
}
