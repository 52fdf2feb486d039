package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/rtds-project/rtds/pkg/bus"
)

const testTopic = "history_data"

func testConfig(address string) bus.Config {
	return bus.Config{
		BootstrapServers:   []string{address},
		Topic:              testTopic,
		ClientID:           "rtds-test",
		GroupID:            "history_consumer",
		SessionTimeout:     10 * time.Second,
		AutoCommitInterval: 100 * time.Millisecond,
		DialTimeout:        5 * time.Second,
	}
}

func TestWriterReaderEndToEnd(t *testing.T) {
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(1, testTopic))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)
	cfg := testConfig(cluster.ListenAddrs()[0])

	writer, err := bus.NewWriterClient(cfg, bus.NewWriterClientMetrics("test", prometheus.NewRegistry()), log.NewNopLogger())
	require.NoError(t, err)
	defer writer.Close()

	ctx := context.Background()
	require.NoError(t, writer.Ping(ctx))

	payload, err := bus.EncodeBatch([]bus.HistoryMessage{{Tag: "a", Time: bus.WireTime(time.Now()), Type: "int", Status: 0}})
	require.NoError(t, err)
	res := writer.ProduceSync(ctx, &kgo.Record{Topic: testTopic, Value: payload})
	require.NoError(t, res.FirstErr())

	reader, err := bus.NewReaderClient(cfg, bus.NewReaderClientMetrics("test", prometheus.NewRegistry()), log.NewNopLogger())
	require.NoError(t, err)
	defer reader.Close()

	pollCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	fetches := reader.PollFetches(pollCtx)
	require.NoError(t, fetches.Err())

	records := fetches.Records()
	require.Len(t, records, 1)

	msgs, legacy, err := bus.DecodeBatch(records[0].Value)
	require.NoError(t, err)
	assert.False(t, legacy)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a", msgs[0].Tag)
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig("localhost:9092")
	require.NoError(t, cfg.Validate())

	cfg.BootstrapServers = nil
	assert.Error(t, cfg.Validate())

	cfg = testConfig("localhost:9092")
	cfg.Topic = ""
	assert.Error(t, cfg.Validate())
}
