package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/rtds-project/rtds/modules/api"
	"github.com/rtds-project/rtds/pkg/bus"
	"github.com/rtds-project/rtds/pkg/httpclient"
)

type statusCmd struct{}

func (cmd *statusCmd) Run(opts *globalOptions) error {
	status, err := httpclient.New(opts.Endpoint).Status()
	if err != nil {
		return err
	}

	fmt.Println(status)

	return nil
}

type queryCurrentCmd struct {
	JSON bool `help:"Print raw JSON instead of a table."`
}

func (cmd *queryCurrentCmd) Run(opts *globalOptions) error {
	entries, err := httpclient.New(opts.Endpoint).Current()
	if err != nil {
		return err
	}

	if cmd.JSON {
		return printAsJSON(entries)
	}

	renderValueTable(entries)
	return nil
}

type queryStateCmd struct {
	JSON bool `help:"Print raw JSON instead of a table."`
}

func (cmd *queryStateCmd) Run(opts *globalOptions) error {
	entries, err := httpclient.New(opts.Endpoint).State()
	if err != nil {
		return err
	}

	if cmd.JSON {
		return printAsJSON(entries)
	}

	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"service", "description", "state"})
	for _, e := range entries {
		tw.AppendRow(table.Row{e.ID, e.Description, e.Value})
	}
	fmt.Println(tw.Render())

	return nil
}

type queryHistoryCmd struct {
	Start string `arg:"" help:"Start of the window, RFC 3339."`
	Size  int    `arg:"" optional:"" default:"100" help:"Maximum number of rows."`

	JSON bool `help:"Print raw JSON instead of a table."`
}

func (cmd *queryHistoryCmd) Run(opts *globalOptions) error {
	start, err := time.Parse(time.RFC3339, cmd.Start)
	if err != nil {
		return fmt.Errorf("start time %q is not RFC 3339: %w", cmd.Start, err)
	}

	// history responses are gzipped
	entries, err := httpclient.NewWithCompression(opts.Endpoint).History(start, cmd.Size)
	if err != nil {
		return err
	}

	if cmd.JSON {
		return printAsJSON(entries)
	}

	renderValueTable(entries)
	return nil
}

func renderValueTable(entries []api.ValueEntry) {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"tag", "time", "age", "type", "status", "value"})
	for _, e := range entries {
		age := ""
		if tm, err := bus.ParseWireTime(e.Time); err == nil {
			age = humanize.Time(tm)
		}
		tw.AppendRow(table.Row{e.ID, e.Time, age, e.Type, e.Status, fmt.Sprint(e.Value)})
	}
	fmt.Println(tw.Render())
}
