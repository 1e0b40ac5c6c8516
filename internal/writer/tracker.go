package writer

import "sort"

// Tracker decides when a scope unit is complete: its own marker has been
// committed and every child unit is complete. Failed units never
// complete, and neither do their ancestors.
type Tracker struct {
	children map[string][]string
	parent   map[string]string
	complete map[string]bool
	failed   map[string]bool
}

// NewTracker creates a tracker seeded with already completed units.
func NewTracker(completed []string) *Tracker {
	t := &Tracker{
		children: make(map[string][]string),
		parent:   make(map[string]string),
		complete: make(map[string]bool, len(completed)),
		failed:   make(map[string]bool),
	}
	for _, id := range completed {
		t.complete[id] = true
	}
	return t
}

// Listed records that unit and everything before it is durable. It
// returns the units that became complete as a result, sorted.
func (t *Tracker) Listed(unit string, children []string) []string {
	if t.complete[unit] {
		return nil
	}
	t.children[unit] = children
	for _, c := range children {
		t.parent[c] = unit
	}

	var done []string
	for u := unit; u != ""; u = t.parent[u] {
		if !t.ready(u) {
			break
		}
		t.complete[u] = true
		delete(t.children, u)
		done = append(done, u)
	}
	sort.Strings(done)
	return done
}

// Failed records a unit that will not complete in this run.
func (t *Tracker) Failed(unit string) {
	t.failed[unit] = true
}

// IsComplete reports whether unit is complete.
func (t *Tracker) IsComplete(unit string) bool {
	return t.complete[unit]
}

// IsFailed reports whether unit failed.
func (t *Tracker) IsFailed(unit string) bool {
	return t.failed[unit]
}

func (t *Tracker) ready(u string) bool {
	if t.complete[u] || t.failed[u] {
		return false
	}
	children, listed := t.children[u]
	if !listed {
		return false
	}
	for _, c := range children {
		if !t.complete[c] {
			return false
		}
	}
	return true
}
