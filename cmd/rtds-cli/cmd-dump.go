package main

import (
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rtds-project/rtds/modules/api"
	"github.com/rtds-project/rtds/pkg/httpclient"
)

type dumpCmd struct {
	Since time.Duration `default:"1h" help:"How far back to dump history."`
	Size  int           `default:"1000" help:"Maximum number of history rows."`
}

func (cmd *dumpCmd) Run(opts *globalOptions) error {
	var (
		current []api.ValueEntry
		states  []api.StateEntry
		history []api.ValueEntry
	)

	// The three endpoints are independent, fetch them in parallel.
	var g errgroup.Group
	g.Go(func() error {
		var err error
		current, err = httpclient.New(opts.Endpoint).Current()
		return err
	})
	g.Go(func() error {
		var err error
		states, err = httpclient.New(opts.Endpoint).State()
		return err
	})
	g.Go(func() error {
		var err error
		history, err = httpclient.NewWithCompression(opts.Endpoint).History(time.Now().Add(-cmd.Since), cmd.Size)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	return printAsJSON(map[string]any{
		"current": current,
		"state":   states,
		"history": history,
	})
}
