package scanner

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/rtds-project/rtds/pkg/connector"
	"github.com/rtds-project/rtds/pkg/metrics"
	"github.com/rtds-project/rtds/pkg/model"
	"github.com/rtds-project/rtds/pkg/script"
	"github.com/rtds-project/rtds/pkg/snapshot"
	"github.com/rtds-project/rtds/rtdb"
)

const stopRunnersTimeout = 10 * time.Second

// Scanner owns the scan loop. Every ScanInterval it drains the
// connector read queues into the snapshot and runs the scripts; logged
// transitions flow out through the snapshot to the historian. Connector
// runners live on their own goroutines under a service manager that is
// rebuilt on every configuration reload.
//
// The snapshot, scripts and defs fields are owned by the scan loop
// goroutine. The runner fields are shared with the status handler and
// guarded by mtx.
type Scanner struct {
	services.Service

	cfg      Config
	store    *rtdb.Store
	sink     *metrics.Sink
	commands <-chan Command
	logger   log.Logger

	snap    *snapshot.Snapshot
	scripts []*script.Script
	defs    rtdb.ConfigSet

	mtx         sync.Mutex
	runners     map[string]*connector.Runner
	runnerMgr   *services.Manager
	watcher     *services.FailureWatcher
	tagCount    int
	scriptCount int

	lastCycleNano atomic.Int64
}

// New builds the scanner. Logged transitions are emitted to output,
// control commands are consumed from commands.
func New(cfg Config, store *rtdb.Store, sink *metrics.Sink, output chan<- model.Value, commands <-chan Command, reg prometheus.Registerer, logger log.Logger) (*Scanner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Scanner{
		cfg:      cfg,
		store:    store,
		sink:     sink,
		commands: commands,
		logger:   logger,
		snap:     snapshot.New(output, reg, logger),
	}
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s, nil
}

func (s *Scanner) starting(ctx context.Context) error {
	defs, err := s.store.LoadConfig(ctx)
	if err != nil {
		return errors.Wrap(err, "loading configuration")
	}
	return s.applyConfig(ctx, defs)
}

func (s *Scanner) running(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		// the watcher is replaced on reload, fetch it fresh
		var failed <-chan error
		s.mtx.Lock()
		if s.watcher != nil {
			failed = s.watcher.Chan()
		}
		s.mtx.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case err := <-failed:
			return errors.Wrap(err, "connector runner failed")
		case cmd := <-s.commands:
			if err := s.handleCommand(ctx, cmd); err != nil {
				return err
			}
		case <-ticker.C:
			s.scanCycle()
		}
	}
}

func (s *Scanner) stopping(_ error) error {
	ctx, cancel := context.WithTimeout(context.Background(), stopRunnersTimeout)
	defer cancel()
	s.stopRunners(ctx)
	return nil
}

// Ready is the readiness probe: the scan loop must have completed a
// cycle recently.
func (s *Scanner) Ready() error {
	if state := s.State(); state != services.Running {
		return errors.Errorf("scanner not running: %v", state)
	}
	nano := s.lastCycleNano.Load()
	if nano == 0 {
		return errors.New("no scan cycle completed yet")
	}
	if age := time.Since(time.Unix(0, nano)); age > s.cfg.MaxScanAge {
		return errors.Errorf("last scan cycle completed %v ago", age.Truncate(time.Millisecond))
	}
	return nil
}

func (s *Scanner) scanCycle() {
	started := time.Now()

	s.mtx.Lock()
	runners := s.runners
	s.mtx.Unlock()

	for _, r := range runners {
		s.drainReads(r)
	}

	now := time.Now().UTC()
	for _, sc := range s.scripts {
		sc.Run(now)
	}

	s.lastCycleNano.Store(time.Now().UnixNano())
	s.sink.Publish(metrics.ScanCycle(time.Since(started).Seconds()))
}

func (s *Scanner) drainReads(r *connector.Runner) {
	q := r.ReadQueue()
	for {
		select {
		case v := <-q:
			s.snap.Apply(v)
		default:
			return
		}
	}
}

func (s *Scanner) handleCommand(ctx context.Context, cmd Command) error {
	logger := log.With(s.logger, "command", cmd.Kind, "id", cmd.ID)

	switch cmd.Kind {
	case CommandReload:
		level.Info(logger).Log("msg", "reloading configuration")
		if err := s.reload(ctx, logger); err != nil {
			return err
		}
		level.Info(logger).Log("msg", "reload complete")
	default:
		level.Warn(logger).Log("msg", "unknown command dropped")
	}
	return nil
}

// reload rebuilds the runtime from the configuration tables. A config
// that cannot be loaded leaves the running one in place. A config that
// loads but cannot be applied falls back to the previous one; failing
// to restore that too is fatal.
func (s *Scanner) reload(ctx context.Context, logger log.Logger) error {
	defs, err := s.store.LoadConfig(ctx)
	if err != nil {
		level.Error(logger).Log("msg", "loading configuration failed, keeping the running one", "err", err)
		return nil
	}

	s.stopRunners(ctx)

	if err := s.applyConfig(ctx, defs); err != nil {
		level.Error(logger).Log("msg", "applying configuration failed, restoring the previous one", "err", err)
		if err := s.applyConfig(ctx, s.defs); err != nil {
			return errors.Wrap(err, "restoring previous configuration")
		}
	}
	return nil
}

// applyConfig builds tags, connectors and scripts from defs and starts
// the connector runners. Individually broken connectors, tags and
// scripts are skipped with an error log so one bad row cannot take down
// the rest.
func (s *Scanner) applyConfig(ctx context.Context, defs rtdb.ConfigSet) error {
	tags, byConnector := s.buildTags(defs)

	s.snap.Reset()
	for _, t := range tags {
		s.snap.Add(t)
	}

	runners := map[string]*connector.Runner{}
	var svcs []services.Service
	for _, row := range defs.Connectors {
		def := connector.Definition{
			Name:             row.Name,
			Cycle:            row.CycleDuration(),
			ConnectionString: row.ConnectionString,
			IsReadOnly:       row.IsReadOnly,
			Description:      row.Description,
		}
		conn, err := connector.New(def, byConnector[row.Name], s.logger)
		if err != nil {
			level.Error(s.logger).Log("msg", "skipping connector", "connector", row.Name, "err", err)
			continue
		}

		r := connector.NewRunner(conn, row.IsReadOnly, s.cfg.ReadQueueSize, s.sink, s.logger)
		runners[row.Name] = r
		svcs = append(svcs, r)
		s.snap.SetWriteQueue(row.Name, r.WriteQueue())
	}

	scripts := s.buildScripts(defs)

	var (
		mgr     *services.Manager
		watcher *services.FailureWatcher
	)
	if len(svcs) > 0 {
		var err error
		mgr, err = services.NewManager(svcs...)
		if err != nil {
			return errors.Wrap(err, "building connector manager")
		}
		watcher = services.NewFailureWatcher()
		watcher.WatchManager(mgr)

		if err := services.StartManagerAndAwaitHealthy(ctx, mgr); err != nil {
			_ = services.StopManagerAndAwaitStopped(ctx, mgr)
			return errors.Wrap(err, "starting connectors")
		}
	}

	s.mtx.Lock()
	s.runners = runners
	s.runnerMgr = mgr
	s.watcher = watcher
	s.tagCount = len(tags)
	s.scriptCount = len(scripts)
	s.mtx.Unlock()

	s.scripts = scripts
	s.defs = defs

	s.sink.Publish(metrics.TagsLoaded(len(tags)))
	s.sink.Publish(metrics.ConnectorsLoaded(len(runners)))
	level.Info(s.logger).Log("msg", "configuration applied",
		"connectors", len(runners), "tags", len(tags), "scripts", len(scripts))
	return nil
}

func (s *Scanner) buildTags(defs rtdb.ConfigSet) ([]*model.Tag, map[string][]*model.Tag) {
	known := map[string]bool{}
	for _, c := range defs.Connectors {
		known[c.Name] = true
	}

	var tags []*model.Tag
	byConnector := map[string][]*model.Tag{}
	for _, row := range defs.Tags {
		typ, err := model.ParseTagType(row.Type)
		if err != nil {
			level.Error(s.logger).Log("msg", "skipping tag", "tag", row.Name, "err", err)
			continue
		}
		t, err := model.NewTag(row.Name, typ, row.Min, row.Max, row.IsLog, row.ConnectorName, row.Source, row.Value, row.Description)
		if err != nil {
			level.Error(s.logger).Log("msg", "skipping tag", "tag", row.Name, "err", err)
			continue
		}
		tags = append(tags, t)

		if row.ConnectorName == "" {
			continue
		}
		if !known[row.ConnectorName] {
			level.Warn(s.logger).Log("msg", "tag references unknown connector and will never be sampled",
				"tag", row.Name, "connector", row.ConnectorName)
			continue
		}
		byConnector[row.ConnectorName] = append(byConnector[row.ConnectorName], t)
	}
	return tags, byConnector
}

func (s *Scanner) buildScripts(defs rtdb.ConfigSet) []*script.Script {
	var scripts []*script.Script
	for _, row := range defs.Scripts {
		def := script.Definition{
			Name:        row.Name,
			Cycle:       row.CycleDuration(),
			IsActive:    row.IsActive,
			Body:        row.Body,
			Description: row.Description,
		}
		sc, err := script.New(def, s.snap, s.sink, s.logger)
		if err != nil {
			level.Error(s.logger).Log("msg", "skipping script", "script", row.Name, "err", err)
			continue
		}
		scripts = append(scripts, sc)
	}
	return scripts
}

func (s *Scanner) stopRunners(ctx context.Context) {
	s.mtx.Lock()
	mgr := s.runnerMgr
	s.runners = nil
	s.runnerMgr = nil
	s.watcher = nil
	s.mtx.Unlock()

	if mgr == nil {
		return
	}
	if err := services.StopManagerAndAwaitStopped(ctx, mgr); err != nil {
		level.Warn(s.logger).Log("msg", "stopping connectors", "err", err)
	}
}
