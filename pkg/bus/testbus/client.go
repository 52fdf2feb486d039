// Package testbus spins up in-process Kafka clusters for tests.
package testbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/rtds-project/rtds/pkg/bus"
)

// NewCluster starts a single-broker fake cluster seeding topic with one
// partition and returns its bootstrap address.
func NewCluster(t testing.TB, topic string) string {
	t.Helper()
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(1, topic))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)
	return cluster.ListenAddrs()[0]
}

// NewKafkaClient returns a plain client for producing test batches.
func NewKafkaClient(t testing.TB, address, topic string) *kgo.Client {
	t.Helper()
	client, err := kgo.NewClient(
		kgo.SeedBrokers(address),
		kgo.AllowAutoTopicCreation(),
		kgo.DefaultProduceTopic(topic),
	)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

// SendBatch produces one record carrying msgs as a JSON array.
func SendBatch(ctx context.Context, t testing.TB, client *kgo.Client, msgs []bus.HistoryMessage) {
	t.Helper()
	payload, err := bus.EncodeBatch(msgs)
	require.NoError(t, err)
	res := client.ProduceSync(ctx, &kgo.Record{Value: payload})
	require.NoError(t, res.FirstErr())
}

// SendRaw produces one record with an arbitrary payload, for exercising
// malformed and legacy encodings.
func SendRaw(ctx context.Context, t testing.TB, client *kgo.Client, payload []byte) {
	t.Helper()
	res := client.ProduceSync(ctx, &kgo.Record{Value: payload})
	require.NoError(t, res.FirstErr())
}

// PollOne fetches a single record from topic, failing the test after
// timeout.
func PollOne(t testing.TB, address, topic string, timeout time.Duration) *kgo.Record {
	t.Helper()
	client, err := kgo.NewClient(
		kgo.SeedBrokers(address),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	fetches := client.PollFetches(ctx)
	require.NoError(t, ctx.Err(), "timed out waiting for a record")
	require.NoError(t, fetches.Err())

	records := fetches.Records()
	require.NotEmpty(t, records)
	return records[0]
}
