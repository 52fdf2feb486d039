package script

import (
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtds-project/rtds/pkg/metrics"
	"github.com/rtds-project/rtds/pkg/model"
)

// mapHost is a trivial Host over a map, standing in for the snapshot.
type mapHost map[string]*model.Tag

func (h mapHost) Get(name string) (model.Value, bool) {
	t, ok := h[name]
	if !ok {
		return model.Value{}, false
	}
	return t.Snapshot(), true
}

func (h mapHost) Set(v model.Value) {
	if t, ok := h[v.Name]; ok {
		t.Set(v)
	}
}

func newHost(t *testing.T) mapHost {
	t.Helper()
	host := mapHost{}
	for _, name := range []string{"a", "b", "out"} {
		tag, err := model.NewTag(name, model.TypeFloat, 0, 0, true, "", "", "", "")
		require.NoError(t, err)
		host[name] = tag
	}
	return host
}

func newTestScript(t *testing.T, def Definition, host Host) *Script {
	t.Helper()
	sink := metrics.NewSink(prometheus.NewRegistry(), 64, log.NewNopLogger())
	s, err := New(def, host, sink, log.NewNopLogger())
	require.NoError(t, err)
	return s
}

func TestScriptComputesAndSets(t *testing.T) {
	host := newHost(t)
	host["a"].Set(model.FloatValue("a", 2))
	host["b"].Set(model.FloatValue("b", 3))

	s := newTestScript(t, Definition{
		Name:     "sum",
		Cycle:    time.Second,
		IsActive: true,
		Body:     `set("out", get("a") + get("b"))`,
	}, host)

	s.Run(time.Now().UTC())

	got, ok := host.Get("out")
	require.True(t, ok)
	assert.Equal(t, 5.0, got.Float)
}

func TestScriptCadence(t *testing.T) {
	host := newHost(t)
	s := newTestScript(t, Definition{
		Name:     "inc",
		Cycle:    10 * time.Second,
		IsActive: true,
		Body:     `set("out", get("out") + 1)`,
	}, host)

	base := time.Now().UTC()
	s.Run(base)
	s.Run(base.Add(5 * time.Second))  // within cycle, skipped
	s.Run(base.Add(10 * time.Second)) // boundary is exclusive, skipped
	s.Run(base.Add(11 * time.Second))

	got, _ := host.Get("out")
	assert.Equal(t, 2.0, got.Float)
}

func TestScriptCompileErrorDeactivates(t *testing.T) {
	host := newHost(t)
	s := newTestScript(t, Definition{
		Name:     "broken",
		Cycle:    time.Second,
		IsActive: true,
		Body:     `set("out",`,
	}, host)

	assert.False(t, s.Active())

	// Run is a no-op for a deactivated script.
	s.Run(time.Now().UTC())
	got, _ := host.Get("out")
	assert.Equal(t, 0.0, got.Float)
}

func TestScriptRuntimeErrorStaysActive(t *testing.T) {
	host := newHost(t)
	// Indexing a scalar only fails at evaluation time.
	s := newTestScript(t, Definition{
		Name:     "badindex",
		Cycle:    time.Nanosecond,
		IsActive: true,
		Body:     `get("a")[2]`,
	}, host)

	base := time.Now().UTC()
	s.Run(base)

	assert.True(t, s.Active())

	// And it keeps running on later cycles.
	host["a"].Set(model.FloatValue("a", 4))
	s.Run(base.Add(time.Second))
	assert.True(t, s.Active())
}

func TestScriptInactiveNeverRuns(t *testing.T) {
	host := newHost(t)
	s := newTestScript(t, Definition{
		Name:     "off",
		Cycle:    time.Nanosecond,
		IsActive: false,
		Body:     `set("out", 1)`,
	}, host)

	s.Run(time.Now().UTC())
	got, _ := host.Get("out")
	assert.Equal(t, 0.0, got.Float)
}

func TestScriptEmptyBodyErrors(t *testing.T) {
	sink := metrics.NewSink(prometheus.NewRegistry(), 64, log.NewNopLogger())
	_, err := New(Definition{Name: "empty", Body: "  "}, newHost(t), sink, log.NewNopLogger())
	assert.ErrorContains(t, err, "empty body")
}

func TestScriptSetCoercesToTagType(t *testing.T) {
	host := mapHost{}
	b, err := model.NewTag("flag", model.TypeBool, 0, 0, true, "", "", "", "")
	require.NoError(t, err)
	i, err := model.NewTag("count", model.TypeInt, 0, 0, true, "", "", "", "")
	require.NoError(t, err)
	host["flag"] = b
	host["count"] = i

	s := newTestScript(t, Definition{
		Name:     "coerce",
		Cycle:    time.Second,
		IsActive: true,
		Body:     `set("flag", 1) && set("count", 2.6)`,
	}, host)

	s.Run(time.Now().UTC())

	flag, _ := host.Get("flag")
	assert.True(t, flag.Bool)
	count, _ := host.Get("count")
	assert.Equal(t, int64(3), count.Int)
}
