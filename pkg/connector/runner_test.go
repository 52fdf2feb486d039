package connector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"github.com/rtds-project/rtds/pkg/metrics"
	"github.com/rtds-project/rtds/pkg/model"
)

// fakeConnector counts lifecycle calls and emits a fixed value per read.
type fakeConnector struct {
	opens, reads, writes, closes atomic.Int64
	disconnects                  atomic.Int64

	readErr  error
	openErr  error
	panicOn  bool
	written  chan []model.Value
	emitName string
}

func (f *fakeConnector) Name() string         { return "fake" }
func (f *fakeConnector) Cycle() time.Duration { return 5 * time.Millisecond }

func (f *fakeConnector) Open(context.Context) error {
	f.opens.Inc()
	return f.openErr
}

func (f *fakeConnector) Read(context.Context) ([]model.Value, error) {
	f.reads.Inc()
	if f.panicOn {
		panic("device exploded")
	}
	if f.readErr != nil {
		return nil, f.readErr
	}
	return []model.Value{model.FloatValue(f.emitName, float64(f.reads.Load()))}, nil
}

func (f *fakeConnector) Write(_ context.Context, values []model.Value) error {
	f.writes.Inc()
	if f.written != nil {
		f.written <- values
	}
	return nil
}

func (f *fakeConnector) Close() error {
	f.closes.Inc()
	return nil
}

func (f *fakeConnector) Disconnect() error {
	f.disconnects.Inc()
	return nil
}

func newTestRunner(t *testing.T, conn Connector, readOnly bool) *Runner {
	t.Helper()
	sink := metrics.NewSink(prometheus.NewRegistry(), 1024, log.NewNopLogger())
	return NewRunner(conn, readOnly, 16, sink, log.NewNopLogger())
}

func TestRunnerSamplesEveryCycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := &fakeConnector{emitName: "t1"}
	r := newTestRunner(t, fake, true)

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), r))

	// Wait for a few values to flow through.
	var got []model.Value
	deadline := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case v := <-r.ReadQueue():
			got = append(got, v)
		case <-deadline:
			t.Fatal("timed out waiting for sampled values")
		}
	}

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), r))

	assert.Equal(t, 1.0, got[0].Float)
	assert.Equal(t, 2.0, got[1].Float)
	assert.GreaterOrEqual(t, fake.opens.Load(), int64(3))
	assert.Equal(t, fake.opens.Load(), fake.closes.Load())
	assert.Equal(t, int64(1), fake.disconnects.Load())
	assert.NoError(t, r.LastError())
}

func TestRunnerDrainsWritesToDevice(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := &fakeConnector{emitName: "t1", written: make(chan []model.Value, 16)}
	r := newTestRunner(t, fake, false)

	r.WriteQueue() <- model.FloatValue("sp", 7)

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), r))
	select {
	case values := <-fake.written:
		require.Len(t, values, 1)
		assert.Equal(t, 7.0, values[0].Float)
	case <-time.After(2 * time.Second):
		t.Fatal("write never reached the device")
	}
	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), r))
}

func TestRunnerReadOnlyNeverWrites(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := &fakeConnector{emitName: "t1"}
	r := newTestRunner(t, fake, true)

	r.WriteQueue() <- model.FloatValue("sp", 7)

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), r))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), r))

	assert.Equal(t, int64(0), fake.writes.Load())
}

func TestRunnerSurvivesStepErrors(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := &fakeConnector{emitName: "t1", readErr: errors.New("bus timeout")}
	r := newTestRunner(t, fake, true)

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), r))

	require.Eventually(t, func() bool {
		return fake.reads.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	// Still running despite every cycle failing, close always called.
	assert.Equal(t, services.Running, r.State())
	assert.ErrorContains(t, r.LastError(), "bus timeout")
	assert.GreaterOrEqual(t, fake.closes.Load(), int64(3))

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), r))
}

func TestRunnerPanicFailsService(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := &fakeConnector{emitName: "t1", panicOn: true}
	r := newTestRunner(t, fake, true)

	require.NoError(t, r.StartAsync(context.Background()))
	require.Error(t, r.AwaitTerminated(context.Background()))
	assert.Equal(t, services.Failed, r.State())
	assert.ErrorContains(t, r.FailureCase(), "panicked")
}
