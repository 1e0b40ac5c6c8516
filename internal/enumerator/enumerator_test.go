package enumerator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/kartta/internal/filter"
	"github.com/yairfalse/kartta/internal/ratelimit"
	"github.com/yairfalse/kartta/internal/source"
	"github.com/yairfalse/kartta/internal/stream"
	"github.com/yairfalse/kartta/types"
)

var (
	sub = types.SubscriptionUnit("", "sub-1")
	rgA = types.ResourceGroupUnit(sub.ID, "rg-a")
	rgB = types.ResourceGroupUnit(sub.ID, "rg-b")
	rgC = types.ResourceGroupUnit(sub.ID, "rg-c")
)

func testFixture(pageSize int) *source.Static {
	s := source.NewStatic("fixture", pageSize)
	for _, rg := range []types.ScopeUnit{rgA, rgB, rgC} {
		s.AddUnit(rg)
		for i := 0; i < 2; i++ {
			s.AddResource(rg.ID, types.RawResource{
				ID:   fmt.Sprintf("%s/providers/microsoft.compute/virtualmachines/vm%d", rg.ID, i),
				Type: "Microsoft.Compute/virtualMachines",
				Name: fmt.Sprintf("vm%d", i),
			})
		}
	}
	return s
}

func fastConfig() Config {
	return Config{Workers: 4, MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func fastLimiter() *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{Rate: 10000, Burst: 100})
}

type result struct {
	exhausted bool
	err       error
	items     []stream.Item
}

func run(t *testing.T, e *Enumerator, roots []types.ScopeUnit, completed func(string) bool, stop <-chan struct{}) result {
	t.Helper()
	out := make(chan stream.Item, 4)
	var (
		items []stream.Item
		wg    sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for it := range out {
			items = append(items, it)
		}
	}()
	exhausted, err := e.Run(context.Background(), roots, completed, out, stop)
	close(out)
	wg.Wait()
	return result{exhausted: exhausted, err: err, items: items}
}

func markers(items []stream.Item, kind stream.Kind) map[string]stream.Item {
	m := make(map[string]stream.Item)
	for _, it := range items {
		if it.Kind == kind {
			m[it.Unit.ID] = it
		}
	}
	return m
}

func TestRun_ListsHierarchy(t *testing.T) {
	e := New(testFixture(1), fastLimiter(), nil, fastConfig(), Hooks{})
	res := run(t, e, []types.ScopeUnit{sub}, nil, nil)

	require.NoError(t, res.err)
	assert.True(t, res.exhausted)

	nodes := 0
	for _, it := range res.items {
		if it.Kind == stream.Node {
			nodes++
		}
	}
	assert.Equal(t, 10, nodes, "1 subscription + 3 groups + 6 resources")

	listed := markers(res.items, stream.UnitListed)
	assert.Len(t, listed, 4)
	assert.ElementsMatch(t, []string{rgA.ID, rgB.ID, rgC.ID}, listed[sub.ID].Children)
}

func TestRun_MarkerFollowsUnitResources(t *testing.T) {
	e := New(testFixture(1), fastLimiter(), nil, fastConfig(), Hooks{})
	res := run(t, e, []types.ScopeUnit{sub}, nil, nil)
	require.NoError(t, res.err)

	markerAt := make(map[string]int)
	for i, it := range res.items {
		if it.Kind == stream.UnitListed {
			markerAt[it.Unit.ID] = i
		}
	}
	for i, it := range res.items {
		if it.Kind != stream.Node {
			continue
		}
		pos, ok := markerAt[it.Unit.ID]
		require.True(t, ok)
		assert.Less(t, i, pos, "node %s emitted after its unit marker", it.Resource.ID)
	}
}

func TestRun_PermissionDeniedUnitIsSkipped(t *testing.T) {
	src := testFixture(10)
	src.Fail(rgB.ID, &source.PermissionError{Err: errors.New("403")}, -1)

	var (
		mu     sync.Mutex
		failed []*types.DiscoveryError
	)
	hooks := Hooks{UnitFailed: func(_ types.ScopeUnit, err *types.DiscoveryError) {
		mu.Lock()
		failed = append(failed, err)
		mu.Unlock()
	}}
	e := New(src, fastLimiter(), nil, fastConfig(), hooks)
	res := run(t, e, []types.ScopeUnit{sub}, nil, nil)

	require.NoError(t, res.err)
	assert.True(t, res.exhausted)
	assert.Equal(t, 1, src.Calls(rgB.ID), "permission errors are not retried")

	require.Len(t, failed, 1)
	assert.Equal(t, types.KindPermissionDenied, failed[0].Kind)
	assert.Equal(t, rgB.ID, failed[0].UnitID)
	assert.False(t, failed[0].Retryable)

	assert.Contains(t, markers(res.items, stream.UnitFailed), rgB.ID)
	listed := markers(res.items, stream.UnitListed)
	assert.Contains(t, listed, rgA.ID)
	assert.Contains(t, listed, rgC.ID)
	assert.NotContains(t, listed, rgB.ID)
}

func TestRun_RetriesTransientErrors(t *testing.T) {
	src := testFixture(10)
	src.Fail(rgA.ID, errors.New("connection reset"), 2)

	e := New(src, fastLimiter(), nil, fastConfig(), Hooks{})
	res := run(t, e, []types.ScopeUnit{sub}, nil, nil)

	require.NoError(t, res.err)
	assert.Equal(t, 3, src.Calls(rgA.ID))
	assert.Contains(t, markers(res.items, stream.UnitListed), rgA.ID)
	assert.Empty(t, markers(res.items, stream.UnitFailed))
}

func TestRun_RetriesExhausted(t *testing.T) {
	src := testFixture(10)
	src.Fail(rgC.ID, errors.New("503 service unavailable"), -1)

	var failed *types.DiscoveryError
	hooks := Hooks{UnitFailed: func(_ types.ScopeUnit, err *types.DiscoveryError) { failed = err }}
	cfg := fastConfig()
	cfg.MaxRetries = 2
	e := New(src, fastLimiter(), nil, cfg, hooks)
	res := run(t, e, []types.ScopeUnit{sub}, nil, nil)

	require.NoError(t, res.err)
	assert.True(t, res.exhausted)
	assert.Equal(t, 3, src.Calls(rgC.ID))
	require.NotNil(t, failed)
	assert.Equal(t, types.KindTransientSource, failed.Kind)
	assert.Equal(t, 3, failed.Attempts)
	assert.True(t, failed.Retryable)
	assert.Contains(t, markers(res.items, stream.UnitFailed), rgC.ID)
}

func TestRun_ThrottleSlowsLimiter(t *testing.T) {
	src := testFixture(10)
	src.Fail(rgA.ID, &source.ThrottleError{RetryAfter: 5 * time.Millisecond, Err: errors.New("429")}, 1)

	var throttles int
	var mu sync.Mutex
	hooks := Hooks{Throttled: func(types.ScopeUnit, time.Duration) {
		mu.Lock()
		throttles++
		mu.Unlock()
	}}
	limiter := fastLimiter()
	e := New(src, limiter, nil, fastConfig(), hooks)
	res := run(t, e, []types.ScopeUnit{sub}, nil, nil)

	require.NoError(t, res.err)
	assert.Equal(t, 1, throttles)
	assert.Equal(t, int64(1), limiter.Stats().Throttles)
	assert.Less(t, float64(limiter.Limit()), float64(10000))
	assert.Contains(t, markers(res.items, stream.UnitListed), rgA.ID)
}

func TestRun_SkipsCompletedUnits(t *testing.T) {
	src := testFixture(10)
	e := New(src, fastLimiter(), nil, fastConfig(), Hooks{})
	completed := func(id string) bool { return id == rgA.ID }
	res := run(t, e, []types.ScopeUnit{sub}, completed, nil)

	require.NoError(t, res.err)
	assert.True(t, res.exhausted)
	assert.Equal(t, 0, src.Calls(rgA.ID))

	listed := markers(res.items, stream.UnitListed)
	assert.NotContains(t, listed, rgA.ID)
	assert.Contains(t, listed[sub.ID].Children, rgA.ID, "completed children still count towards the parent")
}

func TestRun_CompletedRootIsExhausted(t *testing.T) {
	src := testFixture(10)
	e := New(src, fastLimiter(), nil, fastConfig(), Hooks{})
	res := run(t, e, []types.ScopeUnit{sub}, func(string) bool { return true }, nil)

	require.NoError(t, res.err)
	assert.True(t, res.exhausted)
	assert.Empty(t, res.items)
}

func TestRun_StopAbandonsUnitBeforeNextPage(t *testing.T) {
	src := testFixture(1)
	stop := make(chan struct{})
	var once sync.Once
	src.OnList(func(unit types.ScopeUnit, _ string) {
		if unit.Kind == types.ScopeResourceGroup {
			once.Do(func() { close(stop) })
		}
	})

	cfg := fastConfig()
	cfg.Workers = 1
	e := New(src, fastLimiter(), nil, cfg, Hooks{})
	res := run(t, e, []types.ScopeUnit{sub}, nil, stop)

	require.NoError(t, res.err)
	assert.False(t, res.exhausted)

	listed := markers(res.items, stream.UnitListed)
	assert.Len(t, listed, 1)
	assert.Contains(t, listed, sub.ID)
	assert.Empty(t, markers(res.items, stream.UnitFailed))
	assert.Equal(t, 1, src.Calls(rgA.ID)+src.Calls(rgB.ID)+src.Calls(rgC.ID), "no page is requested after stop")
}

// slowLister answers after a delay unless its context ends first.
type slowLister struct {
	delay   time.Duration
	started chan struct{}
	once    sync.Once

	mu       sync.Mutex
	calls    int
	aborted  bool
	finished bool
}

func (l *slowLister) Name() string { return "slow" }

func (l *slowLister) List(ctx context.Context, unit types.ScopeUnit, _ string) (source.Page, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	l.once.Do(func() { close(l.started) })

	select {
	case <-ctx.Done():
		l.mu.Lock()
		l.aborted = true
		l.mu.Unlock()
		return source.Page{}, ctx.Err()
	case <-time.After(l.delay):
	}

	l.mu.Lock()
	l.finished = true
	l.mu.Unlock()
	return source.Page{
		Resources:     []types.RawResource{{ID: unit.ID + "/providers/x/r0", Type: "x"}},
		NextPageToken: "next",
	}, nil
}

func TestRun_StopLetsInFlightCallFinish(t *testing.T) {
	lister := &slowLister{delay: 50 * time.Millisecond, started: make(chan struct{})}
	stop := make(chan struct{})
	go func() {
		<-lister.started
		close(stop)
	}()

	e := New(lister, fastLimiter(), nil, fastConfig(), Hooks{})
	res := run(t, e, []types.ScopeUnit{rgA}, nil, stop)

	require.NoError(t, res.err)
	assert.False(t, res.exhausted)

	lister.mu.Lock()
	defer lister.mu.Unlock()
	assert.False(t, lister.aborted, "the call in flight was cancelled")
	assert.True(t, lister.finished)
	assert.Equal(t, 1, lister.calls)

	var resources []string
	for _, it := range res.items {
		if it.Kind == stream.Node && it.Resource.ID != rgA.ID {
			resources = append(resources, it.Resource.ID)
		}
	}
	assert.Equal(t, []string{rgA.ID + "/providers/x/r0"}, resources, "the finished page is still emitted")
	assert.Empty(t, markers(res.items, stream.UnitListed))
	assert.Empty(t, markers(res.items, stream.UnitFailed))
}

func TestRun_StopEndsBackoff(t *testing.T) {
	src := testFixture(10)
	src.Fail(rgA.ID, errors.New("503 service unavailable"), -1)
	stop := make(chan struct{})
	var once sync.Once
	src.OnList(func(types.ScopeUnit, string) { once.Do(func() { close(stop) }) })

	cfg := fastConfig()
	cfg.InitialBackoff = 10 * time.Second
	cfg.MaxBackoff = 10 * time.Second
	e := New(src, fastLimiter(), nil, cfg, Hooks{})

	began := time.Now()
	res := run(t, e, []types.ScopeUnit{rgA}, nil, stop)

	require.NoError(t, res.err)
	assert.False(t, res.exhausted)
	assert.Less(t, time.Since(began), 2*time.Second)
	assert.Equal(t, 1, src.Calls(rgA.ID))
	assert.Empty(t, markers(res.items, stream.UnitFailed), "a stopped unit is not failed")
}

func TestRun_AppliesFilter(t *testing.T) {
	src := testFixture(10)
	src.AddResource(rgA.ID, types.RawResource{
		ID:   rgA.ID + "/providers/microsoft.storage/storageaccounts/sa1",
		Type: "Microsoft.Storage/storageAccounts",
	})

	f, err := filter.New(types.DiscoveryScope{
		ResourceTypes:   []string{"Microsoft.Compute/virtualMachines"},
		ExcludePatterns: []string{"*/resourcegroups/rg-c"},
	})
	require.NoError(t, err)

	e := New(src, fastLimiter(), f, fastConfig(), Hooks{})
	res := run(t, e, []types.ScopeUnit{sub}, nil, nil)
	require.NoError(t, res.err)

	for _, it := range res.items {
		if it.Kind == stream.Node {
			assert.NotEqual(t, "Microsoft.Storage/storageAccounts", it.Resource.Type)
		}
	}
	assert.Equal(t, 0, src.Calls(rgC.ID))
	assert.NotContains(t, markers(res.items, stream.UnitListed)[sub.ID].Children, rgC.ID)
}

func TestRun_ContextCancel(t *testing.T) {
	src := testFixture(1)
	src.SetDelay(50 * time.Millisecond)
	e := New(src, fastLimiter(), nil, fastConfig(), Hooks{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	out := make(chan stream.Item, 100)
	exhausted, err := e.Run(ctx, []types.ScopeUnit{sub}, nil, out, nil)
	assert.False(t, exhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_HooksCountProgress(t *testing.T) {
	var (
		mu        sync.Mutex
		known     int
		visited   int
		resources int
	)
	hooks := Hooks{
		UnitsDiscovered: func(n int) { mu.Lock(); known += n; mu.Unlock() },
		UnitVisited:     func(types.ScopeUnit) { mu.Lock(); visited++; mu.Unlock() },
		ResourceEmitted: func(types.RawResource) { mu.Lock(); resources++; mu.Unlock() },
	}
	e := New(testFixture(10), fastLimiter(), nil, fastConfig(), hooks)
	res := run(t, e, []types.ScopeUnit{sub}, nil, nil)
	require.NoError(t, res.err)

	assert.Equal(t, 4, known)
	assert.Equal(t, 4, visited)
	assert.Equal(t, 6, resources)
}
