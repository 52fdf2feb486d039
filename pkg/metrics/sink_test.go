package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestSink_AppliesMessages(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	reg := prometheus.NewRegistry()
	sink := NewSink(reg, 16, log.NewNopLogger())

	ctx := context.Background()
	require.NoError(t, services.StartAndAwaitRunning(ctx, sink))

	sink.Publish(ScanCycle(0.002))
	sink.Publish(TagsLoaded(5))
	sink.Publish(ConnectorsLoaded(2))
	sink.Publish(ConnectorStep("plc1", "read", StatusOK, 0.01))
	sink.Publish(StoreOp("batch_write", StatusError, 0.2))
	sink.Publish(ScriptRun("avg_temp", StatusOK, 0.0004))
	sink.Publish(ProducerSend(StatusOK, 0.05))

	// the sink applies asynchronously
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(sink.tagsLoaded) == 5 && testutil.ToFloat64(sink.connectorsLoaded) == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, testutil.CollectAndCount(reg, "rtds_scan_cycle_latency_seconds"))
	assert.Equal(t, 1, testutil.CollectAndCount(reg, "rtds_connector_duration_seconds"))
	assert.Equal(t, 1, testutil.CollectAndCount(reg, "rtds_store_duration_seconds"))
	assert.Equal(t, 1, testutil.CollectAndCount(reg, "rtds_script_duration_seconds"))
	assert.Equal(t, 1, testutil.CollectAndCount(reg, "rtds_kafka_producer_duration_seconds"))

	require.NoError(t, services.StopAndAwaitTerminated(ctx, sink))
}

func TestSink_DropsWhenFull(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewSink(reg, 1, log.NewNopLogger())

	// the sink is not running, so the second message has nowhere to go
	sink.Publish(ScanCycle(0.001))
	sink.Publish(ScanCycle(0.001))
	sink.Publish(ScanCycle(0.001))

	assert.Equal(t, 2.0, testutil.ToFloat64(sink.dropped))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, StatusOK, StatusFor(nil))
	assert.Equal(t, StatusError, StatusFor(errors.New("boom")))
}
