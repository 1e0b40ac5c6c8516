// Package sink defines the graph persistence boundary.
package sink

import (
	"context"
	"sort"

	"github.com/yairfalse/kartta/types"
)

// Node is a graph vertex keyed by normalized resource ID.
type Node struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name,omitempty"`
	Region   string            `json:"region,omitempty"`
	Provider string            `json:"provider,omitempty"`
	UnitID   string            `json:"unit_id,omitempty"`
	SourceID string            `json:"source_id,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
	Props    map[string]any    `json:"props,omitempty"`
}

// NodeFrom converts a raw resource into a node.
func NodeFrom(r types.RawResource) Node {
	n := Node{
		ID:       r.Key(),
		Type:     r.Type,
		Name:     r.Name,
		Region:   r.Region,
		Provider: r.Provider,
		UnitID:   r.UnitID,
		Props:    r.Props,
	}
	if r.ID != n.ID {
		n.SourceID = r.ID
	}
	if len(r.Tags) > 0 {
		n.Tags = make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			n.Tags[k] = v
		}
	}
	return n
}

// Batch is one idempotent unit of writing. Nodes are written before
// edges; re-applying a batch with the same ID must not duplicate
// anything.
type Batch struct {
	ID        string
	SessionID string
	Sequence  uint64
	Nodes     []Node
	Edges     []types.Relationship
}

// Sort orders nodes by ID and edges by key.
func (b *Batch) Sort() {
	sort.Slice(b.Nodes, func(i, j int) bool { return b.Nodes[i].ID < b.Nodes[j].ID })
	sort.Slice(b.Edges, func(i, j int) bool { return b.Edges[i].Key().Less(b.Edges[j].Key()) })
}

// Empty reports whether the batch carries nothing to write.
func (b Batch) Empty() bool {
	return len(b.Nodes) == 0 && len(b.Edges) == 0
}

// Sink persists batches.
type Sink interface {
	UpsertBatch(ctx context.Context, b Batch) error
	Close(ctx context.Context) error
}
