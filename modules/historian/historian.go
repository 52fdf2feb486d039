package historian

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	"github.com/rtds-project/rtds/pkg/metrics"
	"github.com/rtds-project/rtds/pkg/model"
	"github.com/rtds-project/rtds/rtdb"
)

const (
	opBatchWrite    = "batch_write"
	opCurrentsWrite = "currents_write"
	opDeleteOld     = "delete_old_history"

	finalFlushTimeout = 5 * time.Second
)

// Historian drains the scan loop's logged transitions into the store.
// Values are written in batches: a burst flushes every BatchSize rows, a
// trickle flushes as soon as the input channel runs dry, so a value
// never waits on an interval timer. After every flush the retention
// window is enforced.
type Historian struct {
	services.Service

	cfg    Config
	store  *rtdb.Store
	sink   *metrics.Sink
	logger log.Logger

	input chan model.Value
}

func New(cfg Config, store *rtdb.Store, sink *metrics.Sink, logger log.Logger) (*Historian, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h := &Historian{
		cfg:    cfg,
		store:  store,
		sink:   sink,
		logger: logger,
		input:  make(chan model.Value, cfg.InputQueueSize),
	}
	h.Service = services.NewBasicService(nil, h.running, nil)
	return h, nil
}

// Input is the channel the scan loop emits logged transitions into.
func (h *Historian) Input() chan<- model.Value { return h.input }

func (h *Historian) running(ctx context.Context) error {
	batch := make([]model.Value, 0, h.cfg.BatchSize)

	for {
		select {
		case <-ctx.Done():
			// drain whatever the scan loop managed to queue before it
			// was stopped, then flush outside the dying context
			batch = h.drainInto(batch, len(batch)+len(h.input))
			flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
			h.flush(flushCtx, batch)
			cancel()
			return nil

		case v := <-h.input:
			batch = append(batch, v)
			batch = h.drainInto(batch, h.cfg.BatchSize)
			h.flush(ctx, batch)
			batch = batch[:0]
		}
	}
}

// drainInto moves buffered values into batch without blocking, up to
// limit.
func (h *Historian) drainInto(batch []model.Value, limit int) []model.Value {
	for len(batch) < limit {
		select {
		case v := <-h.input:
			batch = append(batch, v)
		default:
			return batch
		}
	}
	return batch
}

func (h *Historian) flush(ctx context.Context, batch []model.Value) {
	if len(batch) == 0 {
		return
	}

	hist := make([]rtdb.HistoryRow, len(batch))
	curr := make([]rtdb.CurrentRow, len(batch))
	for i, v := range batch {
		hist[i] = rtdb.HistoryRowFromValue(v)
		curr[i] = rtdb.CurrentRowFromValue(v)
	}

	start := time.Now()
	err := h.store.InsertHistory(ctx, hist)
	h.sink.Publish(metrics.StoreOp(opBatchWrite, metrics.StatusFor(err), time.Since(start).Seconds()))
	if err != nil {
		level.Error(h.logger).Log("msg", "history write failed, dropping batch", "rows", len(batch), "err", err)
		return
	}

	start = time.Now()
	err = h.store.UpsertCurrent(ctx, curr)
	h.sink.Publish(metrics.StoreOp(opCurrentsWrite, metrics.StatusFor(err), time.Since(start).Seconds()))
	if err != nil {
		level.Error(h.logger).Log("msg", "current values write failed", "rows", len(curr), "err", err)
	}

	h.deleteOld(ctx)
}

func (h *Historian) deleteOld(ctx context.Context) {
	if h.cfg.RetentionPeriod <= 0 {
		return
	}

	start := time.Now()
	n, err := h.store.DeleteOldHistory(ctx, time.Now().UTC().Add(-h.cfg.RetentionPeriod))
	h.sink.Publish(metrics.StoreOp(opDeleteOld, metrics.StatusFor(err), time.Since(start).Seconds()))
	if err != nil {
		level.Error(h.logger).Log("msg", "history retention failed", "err", err)
		return
	}
	if n > 0 {
		level.Debug(h.logger).Log("msg", "expired history dropped", "rows", n)
	}
}
