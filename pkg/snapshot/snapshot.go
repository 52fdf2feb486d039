package snapshot

import (
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/rtds-project/rtds/pkg/model"
)

// Snapshot is the live tag table. It routes incoming transitions to the
// owning connector's write queue, applies sampled transitions to the
// tags and emits logged transitions to the history channel.
//
// The snapshot is owned by the scan loop goroutine: Add, Get, Set and
// Apply are not safe for concurrent use. The history channel send is
// non-blocking so a stalled historian can never stall the scan loop.
type Snapshot struct {
	tags        map[string]*model.Tag
	writeQueues map[string]chan<- model.Value
	out         chan<- model.Value

	dropped     prometheus.Counter
	dropLimiter *rate.Limiter
	logger      log.Logger
}

// New builds an empty snapshot emitting logged transitions to out. The
// snapshot survives configuration reloads; use Reset to drop its
// contents before loading a new tag set.
func New(out chan<- model.Value, reg prometheus.Registerer, logger log.Logger) *Snapshot {
	return &Snapshot{
		tags:        map[string]*model.Tag{},
		writeQueues: map[string]chan<- model.Value{},
		out:         out,
		dropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "rtds",
			Name:      "snapshot_dropped_updates_total",
			Help:      "Logged tag transitions dropped because the history channel was full.",
		}),
		dropLimiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
		logger:      logger,
	}
}

// Reset drops every tag and write queue, keeping the history channel
// and instruments. Called before a configuration reload repopulates the
// snapshot.
func (s *Snapshot) Reset() {
	s.tags = map[string]*model.Tag{}
	s.writeQueues = map[string]chan<- model.Value{}
}

// Add registers a tag under its name. A tag added twice is replaced.
func (s *Snapshot) Add(t *model.Tag) {
	s.tags[t.Name] = t
}

// SetWriteQueue routes Set calls for tags owned by the named connector
// into q.
func (s *Snapshot) SetWriteQueue(connector string, q chan<- model.Value) {
	s.writeQueues[connector] = q
}

func (s *Snapshot) Len() int {
	return len(s.tags)
}

// Names returns the tag names in sorted order.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.tags))
	for n := range s.tags {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Get returns the current value of the named tag.
func (s *Snapshot) Get(name string) (model.Value, bool) {
	t, ok := s.tags[name]
	if !ok {
		return model.Value{}, false
	}
	return t.Snapshot(), true
}

// Set routes a transition towards its tag. Tags owned by a connector
// with a write queue have the transition queued for the device; it only
// lands in the snapshot once the connector samples it back. Everything
// else is applied directly.
func (s *Snapshot) Set(v model.Value) {
	t, ok := s.tags[v.Name]
	if !ok {
		level.Warn(s.logger).Log("msg", "set for unknown tag", "tag", v.Name)
		return
	}
	if q, ok := s.writeQueues[t.ConnectorName]; ok {
		select {
		case q <- v:
		default:
			level.Warn(s.logger).Log("msg", "connector write queue full, dropping write", "tag", v.Name, "connector", t.ConnectorName)
		}
		return
	}
	s.Apply(v)
}

// Apply clamps a transition into its tag and forwards it to the history
// channel when the tag is logged. Transitions for unknown tags or with
// a mismatched type are dropped.
func (s *Snapshot) Apply(v model.Value) {
	t, ok := s.tags[v.Name]
	if !ok {
		level.Warn(s.logger).Log("msg", "transition for unknown tag", "tag", v.Name)
		return
	}
	if v.Type != t.Type {
		level.Error(s.logger).Log("msg", "transition type does not match tag type", "tag", v.Name, "tag_type", t.Type, "value_type", v.Type)
		return
	}

	accepted := t.Set(v)
	if !t.IsLog {
		return
	}

	select {
	case s.out <- accepted:
	default:
		s.dropped.Inc()
		if s.dropLimiter.Allow() {
			level.Warn(s.logger).Log("msg", "history channel full, dropping transition", "tag", v.Name)
		}
	}
}
