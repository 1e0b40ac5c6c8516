// Package stream defines the records that flow between the pipeline
// stages: enumerator -> inferencer -> graph writer.
package stream

import (
	"context"

	"github.com/yairfalse/kartta/types"
)

// Kind tags an Item.
type Kind int

const (
	// Node carries a resource to persist.
	Node Kind = iota + 1
	// Edge carries an inferred relationship.
	Edge
	// UnitListed marks that every page of a unit has been emitted.
	// It always follows the unit's resources on the same stream.
	UnitListed
	// UnitFailed marks a unit whose listing was abandoned with an error.
	UnitFailed
)

func (k Kind) String() string {
	switch k {
	case Node:
		return "node"
	case Edge:
		return "edge"
	case UnitListed:
		return "unit_listed"
	case UnitFailed:
		return "unit_failed"
	}
	return "unknown"
}

// Item is one record on a pipeline channel.
type Item struct {
	Kind     Kind
	Unit     types.ScopeUnit
	Resource types.RawResource
	Edge     types.Relationship
	// Children lists the admitted child unit IDs of a UnitListed unit.
	Children []string
}

// IsMarker reports whether the item is a unit marker.
func (i Item) IsMarker() bool {
	return i.Kind == UnitListed || i.Kind == UnitFailed
}

// Send delivers item unless ctx is done first.
func Send(ctx context.Context, out chan<- Item, item Item) error {
	select {
	case out <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
