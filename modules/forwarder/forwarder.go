package forwarder

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/time/rate"

	"github.com/rtds-project/rtds/pkg/bus"
	"github.com/rtds-project/rtds/pkg/metrics"
	"github.com/rtds-project/rtds/rtdb"
)

// Forwarder ships history rows to the bus. It trails the history table
// behind a persisted cursor: rows past the cursor are produced as one
// JSON-array record per batch and the cursor advances only after the
// produce is acknowledged. A crash between produce and commit replays
// the batch, which the consumer's keyed upserts absorb.
type Forwarder struct {
	services.Service

	cfg    Config
	store  *rtdb.Store
	sink   *metrics.Sink
	reg    prometheus.Registerer
	logger log.Logger
	logLim *rate.Limiter

	client *kgo.Client
	cursor int64
}

func New(cfg Config, store *rtdb.Store, sink *metrics.Sink, reg prometheus.Registerer, logger log.Logger) (*Forwarder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f := &Forwarder{
		cfg:    cfg,
		store:  store,
		sink:   sink,
		reg:    reg,
		logger: logger,
		logLim: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	f.Service = services.NewBasicService(f.starting, f.running, f.stopping)
	return f, nil
}

func (f *Forwarder) starting(ctx context.Context) error {
	client, err := bus.NewWriterClient(f.cfg.Bus, bus.NewWriterClientMetrics("forwarder", f.reg), f.logger)
	if err != nil {
		return err
	}
	f.client = client

	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: time.Minute,
		MaxRetries: 10,
	})
	for boff.Ongoing() {
		err = f.client.Ping(ctx)
		if err == nil {
			break
		}
		level.Warn(f.logger).Log("msg", "ping kafka; will retry", "err", err)
		boff.Wait()
	}
	if err != nil {
		return errors.Wrap(err, "pinging kafka")
	}

	f.cursor, err = f.store.ProducerCursor(ctx)
	if err != nil {
		return err
	}
	level.Info(f.logger).Log("msg", "forwarder starting", "cursor", f.cursor, "topic", f.cfg.Bus.Topic)
	return nil
}

func (f *Forwarder) running(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := f.forwardOnce(ctx); err != nil && ctx.Err() == nil {
				if f.logLim.Allow() {
					level.Error(f.logger).Log("msg", "forwarding failed; will retry", "cursor", f.cursor, "err", err)
				}
			}
		}
	}
}

func (f *Forwarder) stopping(_ error) error {
	if f.client != nil {
		f.client.Close()
	}
	return nil
}

// forwardOnce drains everything past the cursor in batches. An error
// leaves the cursor where it was so the next tick retries the same
// rows.
func (f *Forwarder) forwardOnce(ctx context.Context) error {
	for {
		rows, err := f.store.HistoryAfter(ctx, f.cursor, f.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		msgs := make([]bus.HistoryMessage, len(rows))
		for i, r := range rows {
			msgs[i] = messageFromRow(r)
		}
		payload, err := bus.EncodeBatch(msgs)
		if err != nil {
			return err
		}

		started := time.Now()
		err = f.client.ProduceSync(ctx, &kgo.Record{Value: payload}).FirstErr()
		f.sink.Publish(metrics.ProducerSend(metrics.StatusFor(err), time.Since(started).Seconds()))
		if err != nil {
			return errors.Wrap(err, "producing history batch")
		}

		last := rows[len(rows)-1].ID
		if err := f.store.CommitCursor(ctx, last); err != nil {
			return err
		}
		f.cursor = last

		if len(rows) < f.cfg.BatchSize {
			return nil
		}
	}
}

func messageFromRow(r rtdb.HistoryRow) bus.HistoryMessage {
	m := bus.HistoryMessage{
		Tag:    r.TagID,
		Time:   bus.WireTime(r.TagTime),
		Type:   r.TypeName(),
		Status: r.Status,
	}
	switch {
	case r.Bool.Valid:
		v := r.Bool.Bool
		m.Bool = &v
	case r.Int.Valid:
		v := r.Int.Int64
		m.Int = &v
	case r.Float.Valid:
		v := r.Float.Float64
		m.Float = &v
	case r.Str.Valid:
		v := r.Str.String
		m.Str = &v
	}
	return m
}
