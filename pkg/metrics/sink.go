package metrics

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rtds"

// Name selects the instrument a Metric is applied to.
type Name int

const (
	ScanCycleLatency Name = iota
	TagCounter
	ConnectorCounter
	ConnectorDuration
	StoreDuration
	ScriptDuration
	KafkaProducerDuration
)

// Status label values shared by every duration instrument.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metric is one typed observation sent across worker boundaries. Label
// order follows the instrument: connector durations carry
// {connector, method, status}, store durations {method, status}, script
// durations {script, status}, producer durations {status}.
type Metric struct {
	Name   Name
	Value  float64
	Labels []string
}

// Sink drains the metrics channel and applies each message to its
// Prometheus instrument. Publishing never blocks: when the channel is
// full the message is dropped and counted.
type Sink struct {
	services.Service

	ch     chan Metric
	logger log.Logger

	scanCycleLatency prometheus.Histogram
	tagsLoaded       prometheus.Counter
	connectorsLoaded prometheus.Counter
	connectorDur     *prometheus.HistogramVec
	storeDur         *prometheus.HistogramVec
	scriptDur        *prometheus.HistogramVec
	producerDur      *prometheus.HistogramVec
	dropped          prometheus.Counter
}

// NewSink registers the instruments on reg and returns a Sink service
// with the given channel capacity.
func NewSink(reg prometheus.Registerer, buffer int, logger log.Logger) *Sink {
	s := &Sink{
		ch:     make(chan Metric, buffer),
		logger: logger,

		scanCycleLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_cycle_latency_seconds",
			Help:      "Duration of one scan cycle.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
		tagsLoaded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tags_loaded_total",
			Help:      "Tags registered at startup and on reload.",
		}),
		connectorsLoaded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connectors_loaded_total",
			Help:      "Connectors started at startup and on reload.",
		}),
		connectorDur: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connector_duration_seconds",
			Help:      "Duration of connector lifecycle steps.",
			Buckets: []float64{
				0.0001, 0.0005, 0.01, 0.5, 1.05, 2.05, 3.05, 4.05,
				5.05, 10.05, 15.05, 30.05, 60.05, 90.05, 120.05,
			},
		}, []string{"connector", "method", "status"}),
		storeDur: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_duration_seconds",
			Help:      "Duration of history store operations.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method", "status"}),
		scriptDur: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "script_duration_seconds",
			Help:      "Duration of script executions.",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"script", "status"}),
		producerDur: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_producer_duration_seconds",
			Help:      "Duration of forwarder batch sends.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"status"}),
		dropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metrics_dropped_total",
			Help:      "Metric messages dropped because the sink channel was full.",
		}),
	}

	s.Service = services.NewBasicService(nil, s.running, nil)
	return s
}

func (s *Sink) running(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-s.ch:
			s.apply(m)
		}
	}
}

// Publish enqueues a metric message without blocking.
func (s *Sink) Publish(m Metric) {
	select {
	case s.ch <- m:
	default:
		s.dropped.Inc()
	}
}

func (s *Sink) apply(m Metric) {
	switch m.Name {
	case ScanCycleLatency:
		s.scanCycleLatency.Observe(m.Value)
	case TagCounter:
		s.tagsLoaded.Add(m.Value)
	case ConnectorCounter:
		s.connectorsLoaded.Add(m.Value)
	case ConnectorDuration:
		if len(m.Labels) == 3 {
			s.connectorDur.WithLabelValues(m.Labels...).Observe(m.Value)
			return
		}
		s.badLabels(m)
	case StoreDuration:
		if len(m.Labels) == 2 {
			s.storeDur.WithLabelValues(m.Labels...).Observe(m.Value)
			return
		}
		s.badLabels(m)
	case ScriptDuration:
		if len(m.Labels) == 2 {
			s.scriptDur.WithLabelValues(m.Labels...).Observe(m.Value)
			return
		}
		s.badLabels(m)
	case KafkaProducerDuration:
		if len(m.Labels) == 1 {
			s.producerDur.WithLabelValues(m.Labels...).Observe(m.Value)
			return
		}
		s.badLabels(m)
	default:
		level.Warn(s.logger).Log("msg", "metric message with unknown name", "name", int(m.Name))
	}
}

func (s *Sink) badLabels(m Metric) {
	level.Warn(s.logger).Log("msg", "metric message with unexpected label count", "name", int(m.Name), "labels", len(m.Labels))
}

// Helpers building the typed messages each component publishes.

func ScanCycle(seconds float64) Metric {
	return Metric{Name: ScanCycleLatency, Value: seconds}
}

func TagsLoaded(n int) Metric {
	return Metric{Name: TagCounter, Value: float64(n)}
}

func ConnectorsLoaded(n int) Metric {
	return Metric{Name: ConnectorCounter, Value: float64(n)}
}

func ConnectorStep(connector, method, status string, seconds float64) Metric {
	return Metric{Name: ConnectorDuration, Value: seconds, Labels: []string{connector, method, status}}
}

func StoreOp(method, status string, seconds float64) Metric {
	return Metric{Name: StoreDuration, Value: seconds, Labels: []string{method, status}}
}

func ScriptRun(script, status string, seconds float64) Metric {
	return Metric{Name: ScriptDuration, Value: seconds, Labels: []string{script, status}}
}

func ProducerSend(status string, seconds float64) Metric {
	return Metric{Name: KafkaProducerDuration, Value: seconds, Labels: []string{status}}
}

// StatusFor maps an error onto the status label.
func StatusFor(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusOK
}
