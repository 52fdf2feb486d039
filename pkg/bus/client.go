package bus

import (
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

func commonClientOptions(cfg Config, metrics *kprom.Metrics, logger log.Logger) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.ClientID(cfg.ClientID),
		kgo.SeedBrokers(cfg.BootstrapServers...),
		kgo.DialTimeout(cfg.DialTimeout),
		kgo.WithLogger(newKgoLogger(logger)),

		// Kafka metadata can be stale for a while after topology
		// changes; keep the refresh tight so the single-topic clients
		// notice quickly.
		kgo.MetadataMinAge(10 * time.Second),
		kgo.MetadataMaxAge(time.Minute),
	}
	if metrics != nil {
		opts = append(opts, kgo.WithHooks(metrics))
	}
	return opts
}

// NewWriterClient returns the kgo.Client the forwarder produces with.
// Idempotent produce and all-ISR acks stay on so an acknowledged batch
// is durable before the cursor advances.
func NewWriterClient(cfg Config, metrics *kprom.Metrics, logger log.Logger, opts ...kgo.Opt) (*kgo.Client, error) {
	opts = append(opts, commonClientOptions(cfg, metrics, logger)...)
	opts = append(opts,
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProduceRequestTimeout(10*time.Second),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating kafka writer client")
	}
	return client, nil
}

// NewReaderClient returns the kgo.Client the consumer reads with: a
// group consumer starting at the earliest offset, committing only
// offsets explicitly marked after a successful store insert.
func NewReaderClient(cfg Config, metrics *kprom.Metrics, logger log.Logger, opts ...kgo.Opt) (*kgo.Client, error) {
	const fetchMaxBytes = 100_000_000

	opts = append(opts, commonClientOptions(cfg, metrics, logger)...)
	opts = append(opts,
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(cfg.AutoCommitInterval),
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(fetchMaxBytes),
		kgo.FetchMaxWait(5*time.Second),

		// Safety measure to avoid OOMing on invalid responses;
		// franz-go recommends 2x FetchMaxBytes.
		kgo.BrokerMaxReadBytes(2*fetchMaxBytes),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating kafka reader client")
	}
	return client, nil
}

// NewWriterClientMetrics builds the kprom hook set for producer clients.
func NewWriterClientMetrics(component string, reg prometheus.Registerer) *kprom.Metrics {
	return newClientMetrics("rtds_bus_writer", component, reg)
}

// NewReaderClientMetrics builds the kprom hook set for consumer clients.
func NewReaderClientMetrics(component string, reg prometheus.Registerer) *kprom.Metrics {
	return newClientMetrics("rtds_bus_reader", component, reg)
}

func newClientMetrics(namespace, component string, reg prometheus.Registerer) *kprom.Metrics {
	return kprom.NewMetrics(namespace,
		kprom.Registerer(prometheus.WrapRegistererWith(prometheus.Labels{"component": component}, reg)),
		kprom.FetchAndProduceDetail(kprom.Batches, kprom.Records, kprom.CompressedBytes, kprom.UncompressedBytes))
}
