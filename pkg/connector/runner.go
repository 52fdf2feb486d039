package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/rtds-project/rtds/pkg/metrics"
	"github.com/rtds-project/rtds/pkg/model"
)

const (
	stepOpen  = "open"
	stepRead  = "read"
	stepWrite = "write"
	stepClose = "close"
	stepCycle = "cycle"
)

// Runner drives one connector on its own goroutine. Sampled values are
// pushed to the read queue, drained by the scan loop; writes queued by
// the snapshot are drained here and handed to the connector. A step
// failure is recorded and logged, then the runner moves on to the next
// cycle; only a panic inside the connector fails the service.
type Runner struct {
	services.Service

	conn     Connector
	readOnly bool

	readQueue  chan model.Value
	writeQueue chan model.Value

	sink    *metrics.Sink
	logger  log.Logger
	logLim  *rate.Limiter
	lastErr atomic.Error
}

// NewRunner wraps conn in a service. queueSize bounds both queues.
func NewRunner(conn Connector, readOnly bool, queueSize int, sink *metrics.Sink, logger log.Logger) *Runner {
	r := &Runner{
		conn:       conn,
		readOnly:   readOnly,
		readQueue:  make(chan model.Value, queueSize),
		writeQueue: make(chan model.Value, queueSize),
		sink:       sink,
		logger:     log.With(logger, "connector", conn.Name()),
		logLim:     rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	r.Service = services.NewBasicService(nil, r.running, r.stopping)
	return r
}

// ReadQueue is drained by the scan loop every scan cycle.
func (r *Runner) ReadQueue() <-chan model.Value { return r.readQueue }

// WriteQueue receives values the snapshot routes to this connector.
func (r *Runner) WriteQueue() chan<- model.Value { return r.writeQueue }

// LastError reports the most recent cycle failure, nil after a clean
// cycle.
func (r *Runner) LastError() error { return r.lastErr.Load() }

func (r *Runner) running(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("connector %s panicked: %v", r.conn.Name(), p)
		}
	}()

	for {
		started := time.Now()
		r.runCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		pause := r.conn.Cycle() - time.Since(started)
		if pause > 0 {
			select {
			case <-time.After(pause):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (r *Runner) stopping(_ error) error {
	if rem, ok := r.conn.(remote); ok {
		if err := rem.Disconnect(); err != nil {
			level.Warn(r.logger).Log("msg", "error disconnecting device", "err", err)
		}
	}
	return nil
}

func (r *Runner) runCycle(ctx context.Context) {
	started := time.Now()
	err := r.sample(ctx)
	r.sink.Publish(metrics.ConnectorStep(r.conn.Name(), stepCycle, metrics.StatusFor(err), time.Since(started).Seconds()))

	if err != nil && ctx.Err() == nil {
		r.lastErr.Store(err)
		if r.logLim.Allow() {
			level.Error(r.logger).Log("msg", "connector cycle failed", "err", err)
		}
		return
	}
	if err == nil {
		r.lastErr.Store(nil)
	}
}

func (r *Runner) sample(ctx context.Context) (err error) {
	if oerr := r.step(stepOpen, func() error { return r.conn.Open(ctx) }); oerr != nil {
		return oerr
	}
	defer func() {
		cerr := r.step(stepClose, r.conn.Close)
		if err == nil {
			err = cerr
		}
	}()

	var values []model.Value
	if rerr := r.step(stepRead, func() error {
		var e error
		values, e = r.conn.Read(ctx)
		return e
	}); rerr != nil {
		return rerr
	}
	for _, v := range values {
		select {
		case r.readQueue <- v:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if r.readOnly {
		return nil
	}
	pending := r.drainWrites()
	if len(pending) == 0 {
		return nil
	}
	return r.step(stepWrite, func() error { return r.conn.Write(ctx, pending) })
}

func (r *Runner) drainWrites() []model.Value {
	var pending []model.Value
	for {
		select {
		case v := <-r.writeQueue:
			pending = append(pending, v)
		default:
			return pending
		}
	}
}

func (r *Runner) step(method string, fn func() error) error {
	started := time.Now()
	err := fn()
	r.sink.Publish(metrics.ConnectorStep(r.conn.Name(), method, metrics.StatusFor(err), time.Since(started).Seconds()))
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}
