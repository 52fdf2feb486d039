package consumer

import (
	"context"
	"encoding/json"
	"flag"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtds-project/rtds/pkg/bus"
	"github.com/rtds-project/rtds/pkg/bus/testbus"
	"github.com/rtds-project/rtds/rtdb"
)

const testTopic = "history_data"

func newTestStore(t *testing.T) *rtdb.Store {
	t.Helper()

	store, err := rtdb.Open(rtdb.Config{URL: "sqlite://"}, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	require.NoError(t, store.CreateSchema(context.Background()))
	return store
}

func newTestConsumer(t *testing.T, store *rtdb.Store, address string) *Consumer {
	t.Helper()

	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", &flag.FlagSet{})
	cfg.Bus.BootstrapServers = []string{address}
	cfg.Bus.Topic = testTopic

	c, err := New(cfg, store, prometheus.NewRegistry(), log.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), c))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), c))
	})
	return c
}

func storedRows(t *testing.T, store *rtdb.Store) []rtdb.HistoryRow {
	t.Helper()

	rows, err := store.HistoryAfter(context.Background(), 0, 100)
	require.NoError(t, err)
	return rows
}

func awaitRows(t *testing.T, store *rtdb.Store, n int) []rtdb.HistoryRow {
	t.Helper()

	require.Eventually(t, func() bool {
		rows, err := store.HistoryAfter(context.Background(), 0, 100)
		return err == nil && len(rows) == n
	}, 10*time.Second, 50*time.Millisecond, "expected %d stored rows", n)
	return storedRows(t, store)
}

func ptr[T any](v T) *T { return &v }

func TestConsumerWritesBatchesToStore(t *testing.T) {
	address := testbus.NewCluster(t, testTopic)
	store := newTestStore(t)
	newTestConsumer(t, store, address)

	producer := testbus.NewKafkaClient(t, address, testTopic)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testbus.SendBatch(context.Background(), t, producer, []bus.HistoryMessage{
		{Tag: "temp", Time: bus.WireTime(base), Type: "float", Status: 0, Float: ptr(21.5)},
		{Tag: "pump", Time: bus.WireTime(base.Add(time.Second)), Type: "bool", Status: 0, Bool: ptr(true)},
		{Tag: "count", Time: bus.WireTime(base.Add(2 * time.Second)), Type: "int", Status: -1, Int: ptr(int64(7))},
	})

	rows := awaitRows(t, store, 3)

	assert.Equal(t, "temp", rows[0].TagID)
	assert.Equal(t, "float", rows[0].TypeName())
	assert.Equal(t, 21.5, rows[0].Value())
	assert.True(t, rows[0].TagTime.Equal(base))

	assert.Equal(t, "pump", rows[1].TagID)
	assert.Equal(t, true, rows[1].Value())

	assert.Equal(t, "count", rows[2].TagID)
	assert.Equal(t, int64(7), rows[2].Value())
	assert.Equal(t, int32(-1), rows[2].Status)
}

func TestConsumerUnwrapsLegacyBatches(t *testing.T) {
	address := testbus.NewCluster(t, testTopic)
	store := newTestStore(t)
	c := newTestConsumer(t, store, address)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	inner, err := bus.EncodeBatch([]bus.HistoryMessage{
		{Tag: "profile", Time: bus.WireTime(base), Status: 0, Array: ptr("1,2.5")},
	})
	require.NoError(t, err)
	outer, err := json.Marshal(string(inner))
	require.NoError(t, err)

	producer := testbus.NewKafkaClient(t, address, testTopic)
	testbus.SendRaw(context.Background(), t, producer, outer)

	rows := awaitRows(t, store, 1)
	assert.Equal(t, "profile", rows[0].TagID)
	assert.Equal(t, "1,2.5", rows[0].Value())
	assert.Equal(t, "array", rows[0].TypeName())
	assert.Equal(t, 1.0, testutil.ToFloat64(c.legacyBatches))
}

func TestConsumerSkipsPoisonRecords(t *testing.T) {
	address := testbus.NewCluster(t, testTopic)
	store := newTestStore(t)
	c := newTestConsumer(t, store, address)

	producer := testbus.NewKafkaClient(t, address, testTopic)
	testbus.SendRaw(context.Background(), t, producer, []byte("not json at all"))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testbus.SendBatch(context.Background(), t, producer, []bus.HistoryMessage{
		{Tag: "temp", Time: bus.WireTime(base), Type: "float", Status: 0, Float: ptr(30.0)},
	})

	rows := awaitRows(t, store, 1)
	assert.Equal(t, "temp", rows[0].TagID)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.decodeFailures))
	assert.Equal(t, services.Running, c.State())
}

func TestConsumerDropsBadTransitionsInGoodBatches(t *testing.T) {
	address := testbus.NewCluster(t, testTopic)
	store := newTestStore(t)
	c := newTestConsumer(t, store, address)

	producer := testbus.NewKafkaClient(t, address, testTopic)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testbus.SendBatch(context.Background(), t, producer, []bus.HistoryMessage{
		{Tag: "", Time: bus.WireTime(base), Type: "float", Float: ptr(1.0)},
		{Tag: "flow", Time: "yesterday", Type: "float", Float: ptr(2.0)},
		{Tag: "flow", Time: bus.WireTime(base), Type: "float", Float: ptr(3.0)},
	})

	rows := awaitRows(t, store, 1)
	assert.Equal(t, "flow", rows[0].TagID)
	assert.Equal(t, 3.0, rows[0].Value())
	assert.Equal(t, 2.0, testutil.ToFloat64(c.droppedMessages))
}

func TestConsumerAbsorbsRedeliveredBatches(t *testing.T) {
	address := testbus.NewCluster(t, testTopic)
	store := newTestStore(t)
	newTestConsumer(t, store, address)

	producer := testbus.NewKafkaClient(t, address, testTopic)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testbus.SendBatch(context.Background(), t, producer, []bus.HistoryMessage{
		{Tag: "temp", Time: bus.WireTime(base), Type: "float", Status: 0, Float: ptr(21.5)},
	})
	testbus.SendBatch(context.Background(), t, producer, []bus.HistoryMessage{
		{Tag: "temp", Time: bus.WireTime(base), Type: "float", Status: 0, Float: ptr(22.0)},
	})

	require.Eventually(t, func() bool {
		rows, err := store.HistoryAfter(context.Background(), 0, 100)
		return err == nil && len(rows) == 1 && rows[0].Value() == 22.0
	}, 10*time.Second, 50*time.Millisecond)
}

func TestConsumerRejectsBadConfig(t *testing.T) {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", &flag.FlagSet{})
	cfg.Bus.GroupID = ""

	_, err := New(cfg, nil, prometheus.NewRegistry(), log.NewNopLogger())
	require.Error(t, err)
}
