package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/kartta/internal/sink"
	"github.com/yairfalse/kartta/types"
)

func batch(id string, edges ...types.Relationship) sink.Batch {
	return sink.Batch{
		ID:    id,
		Nodes: []sink.Node{{ID: "a", Type: "t"}, {ID: "b", Type: "t"}},
		Edges: edges,
	}
}

func TestSink_ReplayedBatchIsNoop(t *testing.T) {
	s := New()
	ctx := context.Background()
	e := types.Relationship{SourceID: "a", TargetID: "b", Kind: types.DependsOn, Confidence: 0.9, Evidence: []string{"ref:depends_on"}}

	require.NoError(t, s.UpsertBatch(ctx, batch("b1", e)))
	require.NoError(t, s.UpsertBatch(ctx, batch("b1", e)))

	g := s.Snapshot()
	assert.Len(t, g.Nodes, 2)
	assert.Len(t, g.Edges, 1)
	assert.Equal(t, 2, s.Applied("b1"))
	assert.Equal(t, 2, s.Writes())
}

func TestSink_EdgeMergeKeepsOneRecordPerKey(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.UpsertBatch(ctx, batch("b1",
		types.Relationship{SourceID: "a", TargetID: "b", Kind: types.DependsOn, Confidence: 0.5, Evidence: []string{"tag:owner"}},
	)))
	require.NoError(t, s.UpsertBatch(ctx, batch("b2",
		types.Relationship{SourceID: "a", TargetID: "b", Kind: types.DependsOn, Confidence: 0.9, Evidence: []string{"ref:managed_by"}},
		types.Relationship{SourceID: "a", TargetID: "b", Kind: types.NetworkConnected, Confidence: 0.9, Evidence: []string{"ref:subnet"}},
	)))

	g := s.Snapshot()
	require.Len(t, g.Edges, 2, "different kinds between the same pair coexist")
	assert.Equal(t, types.DependsOn, g.Edges[0].Kind)
	assert.Equal(t, 0.9, g.Edges[0].Confidence)
	assert.Equal(t, []string{"ref:managed_by", "tag:owner"}, g.Edges[0].Evidence)
}

func TestSink_FailNext(t *testing.T) {
	s := New()
	boom := errors.New("connection refused")
	s.FailNext(1, boom)

	assert.ErrorIs(t, s.UpsertBatch(context.Background(), batch("b1")), boom)
	assert.NoError(t, s.UpsertBatch(context.Background(), batch("b1")))
	assert.True(t, s.HasNode("A"))
}
