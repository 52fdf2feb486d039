package main

import (
	"fmt"

	"github.com/alecthomas/kong"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type globalOptions struct {
	Endpoint string `help:"rtds api endpoint" default:"http://localhost:5001"`
}

var cli struct {
	globalOptions

	Status statusCmd `cmd:"" help:"Check that the server is alive."`

	Query struct {
		Current queryCurrentCmd `cmd:"" help:"Print the latest value of every tag."`
		State   queryStateCmd   `cmd:"" help:"Print the latest state of every service."`
		History queryHistoryCmd `cmd:"" help:"Print logged transitions from the history store."`
	} `cmd:""`

	Config struct {
		Export configExportCmd `cmd:"" help:"Download the stored configuration workbook."`
		Import configImportCmd `cmd:"" help:"Upload a configuration workbook."`
		Reload reloadCmd       `cmd:"" help:"Ask the scan loop to pick up the stored configuration."`
	} `cmd:""`

	Dump dumpCmd `cmd:"" help:"Dump current values, service states and recent history as one JSON document."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("rtds-cli"),
		kong.Description("rtds commandline tool"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli.globalOptions)
	ctx.FatalIfErrorf(err)
}

func printAsJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	fmt.Println(string(b))

	return nil
}
