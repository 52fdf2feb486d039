package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/rtds-project/rtds/modules/api"
	"github.com/rtds-project/rtds/modules/consumer"
	"github.com/rtds-project/rtds/modules/forwarder"
	"github.com/rtds-project/rtds/modules/historian"
	"github.com/rtds-project/rtds/modules/scanner"
	"github.com/rtds-project/rtds/pkg/metrics"
	"github.com/rtds-project/rtds/pkg/util/log"
	"github.com/rtds-project/rtds/rtdb"
)

const metricsNamespace = "rtds"

// App is the root datastructure.
type App struct {
	cfg Config

	Server        *server.Server
	ModuleManager *modules.Manager

	store       *rtdb.Store
	metricsSink *metrics.Sink
	historian   *historian.Historian
	scanner     *scanner.Scanner
	api         *api.API
	forwarder   *forwarder.Forwarder
	consumer    *consumer.Consumer

	// commands carries control commands from the HTTP API to the scan
	// loop. The app owns it so the api and scanner modules can be
	// initialised independently.
	commands chan scanner.Command

	serviceMap     map[string]services.Service
	serviceManager *services.Manager
}

// New makes a new app.
func New(cfg Config) (*App, error) {
	app := &App{
		cfg:      cfg,
		commands: make(chan scanner.Command, cfg.Scanner.CommandQueueSize),
	}

	if err := app.setupModuleManager(); err != nil {
		return nil, fmt.Errorf("failed to setup module manager %w", err)
	}

	return app, nil
}

// Run starts, and blocks until a signal is received.
func (t *App) Run() error {
	if !t.ModuleManager.IsUserVisibleModule(t.cfg.Target) {
		level.Warn(log.Logger).Log("msg", "selected target is an internal module, is this intended?", "target", t.cfg.Target)
	}

	serviceMap, err := t.ModuleManager.InitModuleServices(t.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services %w", err)
	}
	t.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}
	t.serviceManager = sm

	// before starting the server, register /ready and /config handlers
	t.Server.HTTP.Path("/config").Handler(t.configHandler())
	t.Server.HTTP.Path("/ready").Handler(t.readyHandler(sm))

	// Let's listen for events from this manager, and log them.
	healthy := func() { level.Info(log.Logger).Log("msg", "rtds started") }
	stopped := func() { level.Info(log.Logger).Log("msg", "rtds stopped") }
	serviceFailed := func(service services.Service) {
		// if any service fails, stop everything
		sm.StopAsync()

		// let's find out which module failed
		for m, s := range t.serviceMap {
			if s == service {
				if errors.Is(service.FailureCase(), modules.ErrStopProcess) {
					level.Info(log.Logger).Log("msg", "received stop signal via return error", "module", m, "err", service.FailureCase())
				} else {
					level.Error(log.Logger).Log("msg", "module failed", "module", m, "err", service.FailureCase())
				}
				return
			}
		}

		level.Error(log.Logger).Log("msg", "module failed", "module", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	// Setup signal handler. If signal arrives, we stop the manager, which stops all the services.
	handler := signals.NewHandler(t.Server.Log)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	// Start all services. This can really only fail if some service is already
	// in other state than New, which should not be the case.
	err = sm.StartAsync(context.Background())
	if err != nil {
		return fmt.Errorf("failed to start service manager %w", err)
	}

	return sm.AwaitStopped(context.Background())
}

// Stop gracefully stops the running modules. Run returns once everything
// has terminated.
func (t *App) Stop() {
	if t.serviceManager != nil {
		t.serviceManager.StopAsync()
	}
}

func (t *App) configHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out, err := yaml.Marshal(t.cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/yaml")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(out); err != nil {
			level.Error(log.Logger).Log("msg", "error writing response", "err", err)
		}
	}
}

func (t *App) readyHandler(sm *services.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !sm.IsHealthy() {
			msg := bytes.Buffer{}
			msg.WriteString("Some services are not Running:\n")

			byState := sm.ServicesByState()
			for st, ls := range byState {
				msg.WriteString(fmt.Sprintf("%v: %d\n", st, len(ls)))
			}

			http.Error(w, msg.String(), http.StatusServiceUnavailable)
			return
		}

		// The scan loop has a special check that makes sure it completed
		// a cycle recently and has its configuration loaded.
		if t.scanner != nil {
			if err := t.scanner.Ready(); err != nil {
				http.Error(w, "Scanner not ready: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}

		http.Error(w, "ready", http.StatusOK)
	}
}
