package notify

import (
	"sync"

	"github.com/yairfalse/kartta/types"
)

// Delta is the growth of the cumulative counters between two snapshots.
type Delta struct {
	UnitsVisited           int64
	ResourcesFound         int64
	ResourcesPersisted     int64
	RelationshipsPersisted int64
}

// DeltaTracker remembers the previous snapshot of every session.
type DeltaTracker struct {
	mu       sync.Mutex
	previous map[string]types.DiscoveryProgress
}

// NewDeltaTracker creates an empty tracker.
func NewDeltaTracker() *DeltaTracker {
	return &DeltaTracker{previous: make(map[string]types.DiscoveryProgress)}
}

// Update stores p and returns its growth over the previous snapshot of
// the same session. The first snapshot counts in full. A counter that
// went backwards re-bases without a negative delta. Terminal snapshots
// release the session.
func (d *DeltaTracker) Update(p types.DiscoveryProgress) Delta {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.previous[p.SessionID]
	out := Delta{
		UnitsVisited:           grow(prev.UnitsVisited, p.UnitsVisited),
		ResourcesFound:         grow(prev.ResourcesFound, p.ResourcesFound),
		ResourcesPersisted:     grow(prev.ResourcesPersisted, p.ResourcesPersisted),
		RelationshipsPersisted: grow(prev.RelationshipsPersisted, p.RelationshipsPersisted),
	}

	if p.State.Terminal() {
		delete(d.previous, p.SessionID)
	} else {
		d.previous[p.SessionID] = p
	}
	return out
}

// Sessions returns the number of tracked sessions.
func (d *DeltaTracker) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.previous)
}

func grow(prev, cur int64) int64 {
	if cur <= prev {
		return 0
	}
	return cur - prev
}
