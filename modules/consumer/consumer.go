package consumer

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/multierror"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/time/rate"

	"github.com/rtds-project/rtds/pkg/bus"
	"github.com/rtds-project/rtds/rtdb"
)

const commitTimeout = 5 * time.Second

// Consumer reads history batches off the bus and writes them into the
// store. Offsets are marked only after the rows are durably inserted,
// so a crash replays at-least-once; the (tag, time) upsert on the
// history table absorbs the replays.
type Consumer struct {
	services.Service

	cfg    Config
	store  *rtdb.Store
	logger log.Logger
	logLim *rate.Limiter

	reg    prometheus.Registerer
	client *kgo.Client
	adm    *kadm.Client

	// partitions this consumer has seen records from, owned by the
	// poll loop.
	partitions map[int32]struct{}

	recordsConsumed prometheus.Counter
	decodeFailures  prometheus.Counter
	droppedMessages prometheus.Counter
	legacyBatches   prometheus.Counter
	rowsInserted    prometheus.Counter
	groupLag        *prometheus.GaugeVec
}

func New(cfg Config, store *rtdb.Store, reg prometheus.Registerer, logger log.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid consumer config")
	}

	c := &Consumer{
		cfg:        cfg,
		store:      store,
		logger:     logger,
		logLim:     rate.NewLimiter(rate.Every(10*time.Second), 1),
		reg:        reg,
		partitions: make(map[int32]struct{}),

		recordsConsumed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "rtds",
			Name:      "consumer_records_total",
			Help:      "Bus records consumed.",
		}),
		decodeFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "rtds",
			Name:      "consumer_record_decode_failures_total",
			Help:      "Bus records dropped because the payload did not decode.",
		}),
		droppedMessages: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "rtds",
			Name:      "consumer_dropped_messages_total",
			Help:      "Transitions dropped from otherwise decodable batches.",
		}),
		legacyBatches: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "rtds",
			Name:      "consumer_legacy_batches_total",
			Help:      "Batches received doubly JSON-encoded by older producers.",
		}),
		rowsInserted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "rtds",
			Name:      "consumer_rows_inserted_total",
			Help:      "History rows written to the store.",
		}),
		groupLag: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rtds",
			Name:      "consumer_group_partition_lag",
			Help:      "Lag of the consumer group per partition.",
		}, []string{"group", "partition"}),
	}

	c.Service = services.NewBasicService(c.starting, c.running, c.stopping)
	return c, nil
}

func (c *Consumer) starting(ctx context.Context) error {
	client, err := bus.NewReaderClient(c.cfg.Bus, bus.NewReaderClientMetrics("consumer", c.reg), c.logger)
	if err != nil {
		return err
	}
	c.client = client
	c.adm = kadm.NewClient(client)

	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: time.Minute,
		MaxRetries: 10,
	})
	for boff.Ongoing() {
		err = c.client.Ping(ctx)
		if err == nil {
			break
		}
		level.Warn(c.logger).Log("msg", "ping to the bus failed, retrying", "err", err)
		boff.Wait()
	}
	if err != nil {
		return errors.Wrap(err, "pinging the bus")
	}

	level.Info(c.logger).Log("msg", "consumer joined the bus", "topic", c.cfg.Bus.Topic, "group", c.cfg.Bus.GroupID)
	return nil
}

func (c *Consumer) running(ctx context.Context) error {
	lagExport := time.NewTicker(c.cfg.LagExportInterval)
	defer lagExport.Stop()

	for ctx.Err() == nil {
		select {
		case <-lagExport.C:
			c.exportLag(ctx)
			continue
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := fetches.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if c.logLim.Allow() {
				level.Error(c.logger).Log("msg", "encountered error while fetching", "err", collectFetchErrs(fetches))
			}
			continue
		}

		if err := c.consumeFetches(ctx, fetches); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

func (c *Consumer) stopping(_ error) error {
	if c.client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		level.Warn(c.logger).Log("msg", "committing marked offsets on shutdown failed", "err", err)
	}
	c.client.Close()
	return nil
}

func collectFetchErrs(fetches kgo.Fetches) error {
	mErr := multierror.New()
	fetches.EachError(func(_ string, _ int32, err error) {
		mErr.Add(err)
	})
	return mErr.Err()
}

// consumeFetches writes every decodable record to the store and marks
// it for commit. Records whose payload does not decode are marked too,
// otherwise a poison record would wedge the partition forever. A store
// failure after retries is returned and fails the service; nothing past
// the failing record gets marked, so those records are redelivered.
func (c *Consumer) consumeFetches(ctx context.Context, fetches kgo.Fetches) error {
	for _, rec := range fetches.Records() {
		c.recordsConsumed.Inc()
		c.partitions[rec.Partition] = struct{}{}

		rows, err := c.decodeRecord(rec)
		if err != nil {
			c.decodeFailures.Inc()
			if c.logLim.Allow() {
				level.Warn(c.logger).Log("msg", "dropping undecodable record", "partition", rec.Partition, "offset", rec.Offset, "err", err)
			}
			c.client.MarkCommitRecords(rec)
			continue
		}

		if err := c.insertWithRetries(ctx, rows); err != nil {
			return errors.Wrap(err, "writing history batch")
		}
		c.rowsInserted.Add(float64(len(rows)))
		c.client.MarkCommitRecords(rec)
	}
	return nil
}

func (c *Consumer) decodeRecord(rec *kgo.Record) ([]rtdb.HistoryRow, error) {
	msgs, legacy, err := bus.DecodeBatch(rec.Value)
	if err != nil {
		return nil, err
	}
	if legacy {
		c.legacyBatches.Inc()
	}

	rows := make([]rtdb.HistoryRow, 0, len(msgs))
	for i, m := range msgs {
		row, err := rowFromMessage(m)
		if err != nil {
			c.droppedMessages.Inc()
			if c.logLim.Allow() {
				level.Warn(c.logger).Log("msg", "dropping bad transition", "index", i, "offset", rec.Offset, "err", err)
			}
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (c *Consumer) insertWithRetries(ctx context.Context, rows []rtdb.HistoryRow) error {
	if len(rows) == 0 {
		return nil
	}

	var err error
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 2 * time.Second,
		MaxRetries: 10,
	})
	for boff.Ongoing() {
		err = c.store.InsertHistory(ctx, rows)
		if err == nil {
			return nil
		}
		level.Warn(c.logger).Log("msg", "history insert failed, retrying", "rows", len(rows), "err", err)
		boff.Wait()
	}
	return err
}

// rowFromMessage maps a wire transition onto its persisted form. The
// legacy array slot is folded into the string slot the store uses.
func rowFromMessage(m bus.HistoryMessage) (rtdb.HistoryRow, error) {
	if m.Tag == "" {
		return rtdb.HistoryRow{}, errors.New("transition has no tag")
	}
	t, err := bus.ParseWireTime(m.Time)
	if err != nil {
		return rtdb.HistoryRow{}, err
	}

	row := rtdb.HistoryRow{
		TagID:   m.Tag,
		TagTime: t,
		Type:    m.Type,
		Status:  m.Status,
	}
	switch {
	case m.Bool != nil:
		row.Bool = sql.NullBool{Bool: *m.Bool, Valid: true}
	case m.Int != nil:
		row.Int = sql.NullInt64{Int64: *m.Int, Valid: true}
	case m.Float != nil:
		row.Float = sql.NullFloat64{Float64: *m.Float, Valid: true}
	case m.Str != nil:
		row.Str = sql.NullString{String: *m.Str, Valid: true}
	case m.Array != nil:
		row.Str = sql.NullString{String: *m.Array, Valid: true}
	}
	return row, nil
}

func (c *Consumer) exportLag(ctx context.Context) {
	if len(c.partitions) == 0 {
		return
	}

	lag, err := c.groupLagNow(ctx)
	if err != nil {
		level.Warn(c.logger).Log("msg", "measuring consumer group lag failed", "err", err)
		return
	}
	for partition := range c.partitions {
		l, ok := lag.Lookup(c.cfg.Bus.Topic, partition)
		if !ok {
			continue
		}
		c.groupLag.WithLabelValues(c.cfg.Bus.GroupID, strconv.Itoa(int(partition))).Set(float64(l.Lag))
	}
}

func (c *Consumer) groupLagNow(ctx context.Context) (kadm.GroupLag, error) {
	offsets, err := c.adm.FetchOffsets(ctx, c.cfg.Bus.GroupID)
	if err != nil && !errors.Is(err, kerr.GroupIDNotFound) {
		return nil, errors.Wrap(err, "fetching group offsets")
	}
	if err := offsets.Error(); err != nil {
		return nil, errors.Wrap(err, "fetch offsets response")
	}

	startOffsets, err := c.adm.ListStartOffsets(ctx, c.cfg.Bus.Topic)
	if err != nil {
		return nil, errors.Wrap(err, "listing start offsets")
	}
	endOffsets, err := c.adm.ListEndOffsets(ctx, c.cfg.Bus.Topic)
	if err != nil {
		return nil, errors.Wrap(err, "listing end offsets")
	}

	// The lag is computed from committed offsets alone, so group
	// membership does not matter here.
	group := kadm.DescribedGroup{State: "Empty"}
	return kadm.CalculateGroupLagWithStartOffsets(group, offsets, startOffsets, endOffsets), nil
}
