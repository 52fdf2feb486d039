package snapshot

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtds-project/rtds/pkg/model"
)

func newTestSnapshot(t *testing.T, out chan model.Value) *Snapshot {
	t.Helper()
	return New(out, prometheus.NewRegistry(), log.NewNopLogger())
}

func mustTag(t *testing.T, name string, typ model.TagType, min, max float64, isLog bool, connector string) *model.Tag {
	t.Helper()
	tag, err := model.NewTag(name, typ, min, max, isLog, connector, "", "", "")
	require.NoError(t, err)
	return tag
}

func TestApplyClampsAndEmits(t *testing.T) {
	out := make(chan model.Value, 1)
	s := newTestSnapshot(t, out)
	s.Add(mustTag(t, "pressure", model.TypeFloat, 0, 10, true, ""))

	s.Apply(model.FloatValue("pressure", 15))

	got, ok := s.Get("pressure")
	require.True(t, ok)
	assert.Equal(t, 10.0, got.Float)
	assert.Equal(t, model.StatusClipped, got.Status)

	emitted := <-out
	assert.Equal(t, 10.0, emitted.Float)
	assert.Equal(t, model.StatusClipped, emitted.Status)
}

func TestApplyUnloggedTagDoesNotEmit(t *testing.T) {
	out := make(chan model.Value, 1)
	s := newTestSnapshot(t, out)
	s.Add(mustTag(t, "scratch", model.TypeFloat, 0, 0, false, ""))

	s.Apply(model.FloatValue("scratch", 1))

	assert.Len(t, out, 0)
	got, ok := s.Get("scratch")
	require.True(t, ok)
	assert.Equal(t, 1.0, got.Float)
}

func TestApplyDropsMismatchedType(t *testing.T) {
	out := make(chan model.Value, 1)
	s := newTestSnapshot(t, out)
	s.Add(mustTag(t, "valve", model.TypeBool, 0, 0, true, ""))

	s.Apply(model.FloatValue("valve", 1))

	assert.Len(t, out, 0)
	got, ok := s.Get("valve")
	require.True(t, ok)
	assert.False(t, got.Bool)
	assert.Equal(t, model.StatusOK, got.Status)
}

func TestApplyDropsWhenChannelFull(t *testing.T) {
	out := make(chan model.Value, 1)
	s := newTestSnapshot(t, out)
	s.Add(mustTag(t, "f", model.TypeFloat, 0, 0, true, ""))

	s.Apply(model.FloatValue("f", 1))
	s.Apply(model.FloatValue("f", 2))

	// The second transition is dropped, never blocked on.
	require.Len(t, out, 1)
	first := <-out
	assert.Equal(t, 1.0, first.Float)

	// The tag itself still took the write.
	got, _ := s.Get("f")
	assert.Equal(t, 2.0, got.Float)
}

func TestSetRoutesToWriteQueue(t *testing.T) {
	out := make(chan model.Value, 1)
	s := newTestSnapshot(t, out)
	s.Add(mustTag(t, "setpoint", model.TypeFloat, 0, 0, true, "plc1"))

	q := make(chan model.Value, 1)
	s.SetWriteQueue("plc1", q)

	s.Set(model.FloatValue("setpoint", 7))

	// Queued for the device, not applied to the snapshot.
	require.Len(t, q, 1)
	assert.Len(t, out, 0)
	got, _ := s.Get("setpoint")
	assert.Equal(t, 0.0, got.Float)
}

func TestSetWithoutQueueAppliesDirectly(t *testing.T) {
	out := make(chan model.Value, 1)
	s := newTestSnapshot(t, out)
	s.Add(mustTag(t, "computed", model.TypeFloat, 0, 0, true, ""))

	s.Set(model.FloatValue("computed", 3))

	require.Len(t, out, 1)
	got, _ := s.Get("computed")
	assert.Equal(t, 3.0, got.Float)
}

func TestResetDropsTags(t *testing.T) {
	out := make(chan model.Value, 1)
	s := newTestSnapshot(t, out)
	s.Add(mustTag(t, "a", model.TypeFloat, 0, 0, true, ""))
	require.Equal(t, 1, s.Len())

	s.Reset()

	assert.Equal(t, 0, s.Len())
	_, ok := s.Get("a")
	assert.False(t, ok)
}

func TestNamesSorted(t *testing.T) {
	s := newTestSnapshot(t, make(chan model.Value, 1))
	s.Add(mustTag(t, "b", model.TypeFloat, 0, 0, false, ""))
	s.Add(mustTag(t, "a", model.TypeFloat, 0, 0, false, ""))
	s.Add(mustTag(t, "c", model.TypeFloat, 0, 0, false, ""))

	assert.Equal(t, []string{"a", "b", "c"}, s.Names())
}
