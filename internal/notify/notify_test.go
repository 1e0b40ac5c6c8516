package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yairfalse/kartta/types"
)

// mockPublisher implements Publisher for testing.
type mockPublisher struct {
	mu         sync.Mutex
	published  []types.DiscoveryProgress
	closeCalls int
	publishErr error
	closeErr   error

	started chan struct{}
	release chan struct{}
}

func (m *mockPublisher) Publish(_ context.Context, p types.DiscoveryProgress) error {
	if m.started != nil {
		select {
		case m.started <- struct{}{}:
		default:
		}
	}
	if m.release != nil {
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, p)
	return m.publishErr
}

func (m *mockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	return m.closeErr
}

func (m *mockPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

func progress(id string, state types.SessionState, visited int64) types.DiscoveryProgress {
	return types.DiscoveryProgress{SessionID: id, State: state, UnitsVisited: visited}
}

func TestMulti_Publish(t *testing.T) {
	p1 := &mockPublisher{}
	p2 := &mockPublisher{}
	multi := NewMulti(p1, p2)

	require.NoError(t, multi.Publish(context.Background(), progress("s1", types.StateEnumerating, 1)))
	assert.Equal(t, 1, p1.count())
	assert.Equal(t, 1, p2.count())
}

func TestMulti_Publish_ErrorDoesNotStopOthers(t *testing.T) {
	p1 := &mockPublisher{publishErr: errors.New("publish failed")}
	p2 := &mockPublisher{}
	multi := NewMulti(p1, p2)

	err := multi.Publish(context.Background(), progress("s1", types.StateEnumerating, 1))
	assert.ErrorContains(t, err, "publish failed")
	assert.Equal(t, 1, p2.count())
}

func TestMulti_Close(t *testing.T) {
	p1 := &mockPublisher{closeErr: errors.New("close failed")}
	p2 := &mockPublisher{}
	multi := NewMulti(p1, p2)

	assert.Error(t, multi.Close())
	assert.Equal(t, 1, p1.closeCalls)
	assert.Equal(t, 1, p2.closeCalls)
}

func TestMulti_Empty(t *testing.T) {
	multi := NewMulti()
	require.NoError(t, multi.Publish(context.Background(), types.DiscoveryProgress{}))
	require.NoError(t, multi.Close())
}

func TestAsync_DropsWhenFull(t *testing.T) {
	next := &mockPublisher{started: make(chan struct{}, 1), release: make(chan struct{})}
	a := NewAsync(next, 1)
	ctx := context.Background()

	require.NoError(t, a.Publish(ctx, progress("s1", types.StateEnumerating, 1)))
	<-next.started

	// first is in flight; one slot left in the queue
	require.NoError(t, a.Publish(ctx, progress("s1", types.StateEnumerating, 2)))
	require.NoError(t, a.Publish(ctx, progress("s1", types.StateEnumerating, 3)))
	require.NoError(t, a.Publish(ctx, progress("s1", types.StateEnumerating, 4)))
	assert.Equal(t, int64(2), a.Dropped())

	close(next.release)
	require.NoError(t, a.Close())
	assert.Equal(t, 2, next.count())
	assert.Equal(t, int64(2), next.published[1].UnitsVisited)
	assert.Equal(t, 1, next.closeCalls)
}

func TestAsync_CloseDrains(t *testing.T) {
	next := &mockPublisher{}
	a := NewAsync(next, 8)
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, a.Publish(context.Background(), progress("s1", types.StateEnumerating, i)))
	}
	require.NoError(t, a.Close())
	assert.Equal(t, 5, next.count())
	assert.Zero(t, a.Dropped())
}

type fakeRedis struct {
	channel string
	payload []byte
	err     error
	closed  bool
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx, "publish", channel, message)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedis_Publish(t *testing.T) {
	fake := &fakeRedis{}
	r := &Redis{client: fake, channel: "kartta:progress"}

	p := progress("s1", types.StatePaused, 3)
	p.Errors = []types.DiscoveryError{*types.NewError(types.KindPermissionDenied, "forbidden").ForUnit("/subscriptions/a")}
	require.NoError(t, r.Publish(context.Background(), p))

	assert.Equal(t, "kartta:progress", fake.channel)
	var msg Message
	require.NoError(t, json.Unmarshal(fake.payload, &msg))
	assert.Equal(t, "progress", msg.Type)
	assert.Equal(t, "s1", msg.Progress.SessionID)
	assert.Equal(t, types.StatePaused, msg.Progress.State)
	require.Len(t, msg.Progress.Errors, 1)
	assert.Equal(t, types.KindPermissionDenied, msg.Progress.Errors[0].Kind)

	require.NoError(t, r.Close())
	assert.True(t, fake.closed)
}

func TestRedis_PublishError(t *testing.T) {
	r := &Redis{client: &fakeRedis{err: errors.New("connection refused")}, channel: "c"}
	err := r.Publish(context.Background(), progress("s1", types.StateEnumerating, 1))
	assert.ErrorContains(t, err, "connection refused")
}

func TestDeltaTracker(t *testing.T) {
	d := NewDeltaTracker()

	assert.Equal(t, int64(3), d.Update(progress("s1", types.StateEnumerating, 3)).UnitsVisited)
	assert.Equal(t, int64(2), d.Update(progress("s1", types.StateEnumerating, 5)).UnitsVisited)
	assert.Equal(t, int64(0), d.Update(progress("s1", types.StateEnumerating, 5)).UnitsVisited)
	assert.Equal(t, int64(0), d.Update(progress("s1", types.StateEnumerating, 1)).UnitsVisited, "counter reset re-bases")
	assert.Equal(t, int64(1), d.Update(progress("s1", types.StateEnumerating, 2)).UnitsVisited)
	assert.Equal(t, int64(4), d.Update(progress("s2", types.StateEnumerating, 4)).UnitsVisited)
	assert.Equal(t, 2, d.Sessions())

	d.Update(progress("s1", types.StateCompleted, 2))
	assert.Equal(t, 1, d.Sessions())
}

func TestMetrics_Publish(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(provider.Meter("kartta"))
	require.NoError(t, err)

	ctx := context.Background()
	p := progress("s1", types.StateEnumerating, 2)
	p.Buffered = 7
	p.CheckpointSequence = 4
	require.NoError(t, m.Publish(ctx, p))
	p.UnitsVisited = 5
	require.NoError(t, m.Publish(ctx, p))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	got := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			got[metric.Name] = metric
		}
	}

	visited := got["kartta.session.units.visited"].Data.(metricdata.Sum[int64])
	require.Len(t, visited.DataPoints, 1)
	assert.Equal(t, int64(5), visited.DataPoints[0].Value)

	buffered := got["kartta.session.buffered"].Data.(metricdata.Gauge[int64])
	require.Len(t, buffered.DataPoints, 1)
	assert.Equal(t, int64(7), buffered.DataPoints[0].Value)

	// terminal sessions drop out of the gauges
	p.State = types.StateCompleted
	require.NoError(t, m.Publish(ctx, p))
	rm = metricdata.ResourceMetrics{}
	require.NoError(t, reader.Collect(ctx, &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name == "kartta.session.buffered" {
				assert.Empty(t, metric.Data.(metricdata.Gauge[int64]).DataPoints)
			}
		}
	}
}
