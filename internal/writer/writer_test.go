package writer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/kartta/internal/sink/memory"
	"github.com/yairfalse/kartta/internal/stream"
	"github.com/yairfalse/kartta/storage"
	"github.com/yairfalse/kartta/types"
)

var (
	sub = types.SubscriptionUnit("", "sub-1")
	rgA = types.ResourceGroupUnit(sub.ID, "rg-a")
	rgB = types.ResourceGroupUnit(sub.ID, "rg-b")
)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func entry(r types.RawResource) types.IndexEntry {
	return types.IndexEntry{ID: r.Key(), Type: r.Type, UnitID: r.UnitID}
}

func fastConfig() Config {
	return Config{BatchSize: 100, FlushInterval: time.Hour, MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func resource(unit types.ScopeUnit, i int) stream.Item {
	r := types.RawResource{ID: fmt.Sprintf("%s/providers/x/r%d", unit.ID, i), Type: "x", UnitID: unit.ID}
	return stream.Item{Kind: stream.Node, Unit: unit, Resource: r}
}

func unitNode(u types.ScopeUnit) stream.Item {
	return stream.Item{Kind: stream.Node, Unit: u, Resource: u.Node()}
}

func listedItem(u types.ScopeUnit, children ...string) stream.Item {
	return stream.Item{Kind: stream.UnitListed, Unit: u, Children: children}
}

func feed(items ...stream.Item) <-chan stream.Item {
	ch := make(chan stream.Item, len(items))
	for _, it := range items {
		ch <- it
	}
	close(ch)
	return ch
}

func TestWriter_BatchesBySize(t *testing.T) {
	st := openStore(t)
	mem := memory.New()
	var results []Result
	cfg := fastConfig()
	cfg.BatchSize = 3
	w := New("s1", mem, st, types.Checkpoint{}, entry, nil, cfg, Hooks{Committed: func(r Result) { results = append(results, r) }})

	var items []stream.Item
	for i := 0; i < 7; i++ {
		items = append(items, resource(rgA, i))
	}
	require.NoError(t, w.Run(context.Background(), feed(items...), nil))

	require.Len(t, results, 3)
	assert.Equal(t, 3, results[0].Resources)
	assert.Equal(t, 1, results[2].Resources)
	assert.Equal(t, uint64(3), results[2].Sequence)
	assert.Equal(t, 3, mem.Writes())
	assert.Len(t, mem.Snapshot().Nodes, 7)

	cp, err := st.LoadCheckpoint("s1")
	require.NoError(t, err)
	assert.Len(t, cp.PersistedResources, 7)

	idx, err := st.LoadIndex("s1")
	require.NoError(t, err)
	assert.Len(t, idx, 7)
}

func TestWriter_CompletesHierarchy(t *testing.T) {
	st := openStore(t)
	w := New("s1", memory.New(), st, types.Checkpoint{}, entry, nil, fastConfig(), Hooks{})

	require.NoError(t, w.Run(context.Background(), feed(
		unitNode(sub),
		unitNode(rgA),
		resource(rgA, 0),
		listedItem(sub, rgA.ID, rgB.ID),
		listedItem(rgA),
		unitNode(rgB),
		listedItem(rgB),
	), nil))

	cp, err := st.LoadCheckpoint("s1")
	require.NoError(t, err)
	assert.Equal(t, []string{sub.ID, rgA.ID, rgB.ID}, cp.CompletedUnits)
}

func TestWriter_FailedChildBlocksParent(t *testing.T) {
	st := openStore(t)
	w := New("s1", memory.New(), st, types.Checkpoint{}, entry, nil, fastConfig(), Hooks{})

	require.NoError(t, w.Run(context.Background(), feed(
		unitNode(sub),
		unitNode(rgA),
		listedItem(rgA),
		unitNode(rgB),
		stream.Item{Kind: stream.UnitFailed, Unit: rgB},
		listedItem(sub, rgA.ID, rgB.ID),
	), nil))

	cp, err := st.LoadCheckpoint("s1")
	require.NoError(t, err)
	assert.Equal(t, []string{rgA.ID}, cp.CompletedUnits)
	assert.True(t, w.Tracker().IsFailed(rgB.ID))
	assert.False(t, w.Tracker().IsComplete(sub.ID))
}

func TestWriter_CountsOnlyNewResources(t *testing.T) {
	st := openStore(t)
	mem := memory.New()
	from := types.Checkpoint{PersistedResources: []string{
		resource(rgA, 0).Resource.Key(),
		resource(rgA, 1).Resource.Key(),
	}}
	var results []Result
	w := New("s1", mem, st, from, entry, nil, fastConfig(), Hooks{Committed: func(r Result) { results = append(results, r) }})

	// A unit listed again after a resume repeats what was persisted.
	require.NoError(t, w.Run(context.Background(), feed(
		unitNode(rgA),
		resource(rgA, 0),
		resource(rgA, 1),
		resource(rgA, 1),
		resource(rgA, 2),
		listedItem(rgA),
	), nil))

	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Resources)
	assert.Equal(t, 4, results[0].Nodes, "repeated nodes are still upserted")
}

func TestWriter_SeededCompletionCountsForParent(t *testing.T) {
	st := openStore(t)
	w := New("s1", memory.New(), st, types.Checkpoint{CompletedUnits: []string{rgA.ID}}, entry, nil, fastConfig(), Hooks{})

	require.NoError(t, w.Run(context.Background(), feed(
		unitNode(sub),
		listedItem(sub, rgA.ID),
	), nil))

	cp, err := st.LoadCheckpoint("s1")
	require.NoError(t, err)
	assert.Equal(t, []string{sub.ID}, cp.CompletedUnits)
}

func TestWriter_DiscardDropsTail(t *testing.T) {
	st := openStore(t)
	mem := memory.New()
	w := New("s1", mem, st, types.Checkpoint{}, entry, nil, fastConfig(), Hooks{})

	require.NoError(t, w.Run(context.Background(), feed(resource(rgA, 0), listedItem(rgA)), func() bool { return true }))

	assert.Equal(t, 0, mem.Writes())
	_, err := st.LoadCheckpoint("s1")
	assert.ErrorIs(t, err, types.ErrNoCheckpoint)
}

func TestWriter_EmptyRunStillCommits(t *testing.T) {
	st := openStore(t)
	w := New("s1", memory.New(), st, types.Checkpoint{}, entry, nil, fastConfig(), Hooks{})

	require.NoError(t, w.Run(context.Background(), feed(), func() bool { return false }))

	cp, err := st.LoadCheckpoint("s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cp.Sequence)
}

func TestWriter_SinkRetry(t *testing.T) {
	st := openStore(t)
	mem := memory.New()
	mem.FailNext(2, errors.New("connection reset"))
	w := New("s1", mem, st, types.Checkpoint{}, entry, nil, fastConfig(), Hooks{})

	require.NoError(t, w.Run(context.Background(), feed(resource(rgA, 0)), nil))
	assert.Len(t, mem.Snapshot().Nodes, 1)
}

func TestWriter_SinkExhaustedIsPersistenceError(t *testing.T) {
	st := openStore(t)
	mem := memory.New()
	mem.FailNext(-1, errors.New("database unavailable"))
	w := New("s1", mem, st, types.Checkpoint{}, entry, nil, fastConfig(), Hooks{})

	err := w.Run(context.Background(), feed(resource(rgA, 0), listedItem(rgA)), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPersistence)

	var derr *types.DiscoveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, 3, derr.Attempts)

	_, err = st.LoadCheckpoint("s1")
	assert.ErrorIs(t, err, types.ErrNoCheckpoint, "nothing is checkpointed past a failed batch")
}

func TestWriter_FlushInterval(t *testing.T) {
	st := openStore(t)
	mem := memory.New()
	cfg := fastConfig()
	cfg.FlushInterval = 5 * time.Millisecond
	w := New("s1", mem, st, types.Checkpoint{}, entry, nil, cfg, Hooks{})

	in := make(chan stream.Item, 1)
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background(), in, nil) }()

	in <- resource(rgA, 0)
	assert.Eventually(t, func() bool { return mem.HasNode(resource(rgA, 0).Resource.ID) }, time.Second, 5*time.Millisecond)

	close(in)
	require.NoError(t, <-done)
}

func TestWriter_MergesEdgesWithinBatch(t *testing.T) {
	st := openStore(t)
	mem := memory.New()
	w := New("s1", mem, st, types.Checkpoint{}, entry, nil, fastConfig(), Hooks{})

	a, b := resource(rgA, 0), resource(rgA, 1)
	e1 := types.Relationship{SourceID: a.Resource.Key(), TargetID: b.Resource.Key(), Kind: types.DependsOn, Confidence: 0.5, Evidence: []string{"tag:owner"}}
	e2 := e1
	e2.Confidence = 0.9
	e2.Evidence = []string{"ref:depends_on"}

	require.NoError(t, w.Run(context.Background(), feed(
		a, b,
		stream.Item{Kind: stream.Edge, Edge: e1},
		stream.Item{Kind: stream.Edge, Edge: e2},
	), nil))

	edges := mem.Snapshot().Edges
	require.Len(t, edges, 1)
	assert.Equal(t, 0.9, edges[0].Confidence)
	assert.Equal(t, []string{"ref:depends_on", "tag:owner"}, edges[0].Evidence)
}

func TestTracker_ChildBeforeParent(t *testing.T) {
	tr := NewTracker(nil)
	assert.Equal(t, []string{rgA.ID}, tr.Listed(rgA.ID, nil))
	assert.True(t, tr.IsComplete(rgA.ID))

	assert.Empty(t, tr.Listed(sub.ID, []string{rgA.ID, rgB.ID}))
	assert.Equal(t, []string{sub.ID, rgB.ID}, tr.Listed(rgB.ID, nil))
	assert.Nil(t, tr.Listed(rgB.ID, nil), "listing twice is a no-op")
}

func TestTracker_FailedDescendantNeverCompletes(t *testing.T) {
	rgC := types.ResourceGroupUnit(sub.ID, "rg-c")
	part := types.PartitionUnit(rgC.ID, "Microsoft.Compute/virtualMachines")

	tr := NewTracker(nil)
	tr.Listed(sub.ID, []string{rgC.ID})
	tr.Listed(rgC.ID, []string{part.ID})
	tr.Failed(part.ID)

	assert.Empty(t, tr.Listed(part.ID, nil))
	assert.False(t, tr.IsComplete(rgC.ID))
	assert.False(t, tr.IsComplete(sub.ID))
}
