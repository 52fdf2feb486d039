package app

import (
	"context"
	"fmt"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rtds-project/rtds/modules/api"
	"github.com/rtds-project/rtds/modules/consumer"
	"github.com/rtds-project/rtds/modules/forwarder"
	"github.com/rtds-project/rtds/modules/historian"
	"github.com/rtds-project/rtds/modules/scanner"
	"github.com/rtds-project/rtds/pkg/metrics"
	"github.com/rtds-project/rtds/pkg/util/log"
	"github.com/rtds-project/rtds/rtdb"
)

// The various modules that make up rtds.
const (
	Server      string = "server"
	Store       string = "store"
	MetricsSink string = "metrics-sink"
	Historian   string = "historian"
	Scanner     string = "scanner"
	API         string = "api"
	Forwarder   string = "forwarder"
	Consumer    string = "consumer"
	All         string = "all"
)

func (t *App) initServer() (services.Service, error) {
	t.cfg.Server.MetricsNamespace = metricsNamespace
	t.cfg.Server.ExcludeRequestInLog = true

	prometheus.MustRegister(&t.cfg)

	DisableSignalHandling(&t.cfg.Server)

	serv, err := server.New(t.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to create server %w", err)
	}

	servicesToWaitFor := func() []services.Service {
		svs := []services.Service(nil)
		for m, s := range t.serviceMap {
			// Server should not wait for itself.
			if m != Server {
				svs = append(svs, s)
			}
		}
		return svs
	}

	t.Server = serv
	s := NewServerService(serv, servicesToWaitFor)

	return s, nil
}

func (t *App) initStore() (services.Service, error) {
	store, err := rtdb.Open(t.cfg.Store, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %w", err)
	}
	if err := store.CreateSchema(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create schema %w", err)
	}
	t.store = store

	stopping := func(_ error) error {
		// Keep the database open until everything that uses it has
		// terminated, the same way the server waits for its handlers.
		for m, s := range t.serviceMap {
			if m == Store || m == Server {
				continue
			}
			_ = s.AwaitTerminated(context.Background())
		}
		return t.store.Close()
	}

	return services.NewIdleService(nil, stopping), nil
}

func (t *App) initMetricsSink() (services.Service, error) {
	t.metricsSink = metrics.NewSink(prometheus.DefaultRegisterer, t.cfg.MetricsBufferSize, log.Logger)
	return t.metricsSink, nil
}

func (t *App) initHistorian() (services.Service, error) {
	h, err := historian.New(t.cfg.Historian, t.store, t.metricsSink, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create historian %w", err)
	}
	t.historian = h

	return t.historian, nil
}

func (t *App) initScanner() (services.Service, error) {
	s, err := scanner.New(t.cfg.Scanner, t.store, t.metricsSink, t.historian.Input(), t.commands, prometheus.DefaultRegisterer, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create scanner %w", err)
	}
	t.scanner = s

	t.Server.HTTP.Handle("/scanner/status", t.scanner.StatusHandler())

	return t.scanner, nil
}

func (t *App) initAPI() (services.Service, error) {
	a, err := api.New(t.cfg.API, t.store, t.commands, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create api %w", err)
	}
	t.api = a

	t.api.RegisterRoutes(t.Server.HTTP)

	return t.api, nil
}

func (t *App) initForwarder() (services.Service, error) {
	f, err := forwarder.New(t.cfg.Forwarder, t.store, t.metricsSink, prometheus.DefaultRegisterer, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create forwarder %w", err)
	}
	t.forwarder = f

	return t.forwarder, nil
}

func (t *App) initConsumer() (services.Service, error) {
	c, err := consumer.New(t.cfg.Consumer, t.store, prometheus.DefaultRegisterer, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer %w", err)
	}
	t.consumer = c

	return t.consumer, nil
}

func (t *App) setupModuleManager() error {
	mm := modules.NewManager(log.Logger)

	mm.RegisterModule(Server, t.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(Store, t.initStore, modules.UserInvisibleModule)
	mm.RegisterModule(MetricsSink, t.initMetricsSink, modules.UserInvisibleModule)
	mm.RegisterModule(Historian, t.initHistorian, modules.UserInvisibleModule)
	mm.RegisterModule(Scanner, t.initScanner)
	mm.RegisterModule(API, t.initAPI)
	mm.RegisterModule(Forwarder, t.initForwarder)
	mm.RegisterModule(Consumer, t.initConsumer)
	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		// Server:   nil,
		// Store:    nil,
		MetricsSink: {Server},
		Historian:   {Store, MetricsSink},
		Scanner:     {Server, Store, Historian, MetricsSink},
		API:         {Server, Store},
		Forwarder:   {Server, Store, MetricsSink},
		Consumer:    {Server, Store},
		All:         {Scanner, API},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	t.ModuleManager = mm

	return nil
}
