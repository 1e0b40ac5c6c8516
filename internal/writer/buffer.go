package writer

import (
	"github.com/yairfalse/kartta/internal/sink"
	"github.com/yairfalse/kartta/internal/stream"
	"github.com/yairfalse/kartta/types"
)

type listedUnit struct {
	id       string
	children []string
}

// buffer accumulates one batch. Nodes are deduplicated by ID and edges
// merged by key before the batch is written.
type buffer struct {
	nodes     map[string]sink.Node
	edges     map[types.EdgeKey]types.Relationship
	entries   []types.IndexEntry
	listed    []listedUnit
	items     int
	// IDs of the resource nodes in nodes, in arrival order.
	resources []string
}

func newBuffer() buffer {
	return buffer{
		nodes: make(map[string]sink.Node),
		edges: make(map[types.EdgeKey]types.Relationship),
	}
}

func (b *buffer) add(item stream.Item, entry func(types.RawResource) types.IndexEntry) {
	b.items++
	switch item.Kind {
	case stream.Node:
		n := sink.NodeFrom(item.Resource)
		if _, seen := b.nodes[n.ID]; !seen {
			if entry != nil {
				b.entries = append(b.entries, entry(item.Resource))
			}
			if item.Resource.ID != item.Unit.ID {
				b.resources = append(b.resources, n.ID)
			}
		}
		b.nodes[n.ID] = n
	case stream.Edge:
		key := item.Edge.Key()
		if prev, ok := b.edges[key]; ok {
			b.edges[key] = prev.Merge(item.Edge)
		} else {
			b.edges[key] = item.Edge
		}
	case stream.UnitListed:
		b.listed = append(b.listed, listedUnit{id: item.Unit.ID, children: item.Children})
	}
}

func (b *buffer) empty() bool {
	return b.items == 0
}

func (b *buffer) batch(id, sessionID string, seq uint64) sink.Batch {
	out := sink.Batch{
		ID:        id,
		SessionID: sessionID,
		Sequence:  seq,
		Nodes:     make([]sink.Node, 0, len(b.nodes)),
		Edges:     make([]types.Relationship, 0, len(b.edges)),
	}
	for _, n := range b.nodes {
		out.Nodes = append(out.Nodes, n)
	}
	for _, e := range b.edges {
		out.Edges = append(out.Edges, e)
	}
	out.Sort()
	return out
}
