package inference

import (
	"sort"
	"time"

	"github.com/yairfalse/kartta/types"
)

// Pending is an edge waiting for one of its endpoints to be observed.
type Pending struct {
	Edge types.Relationship
	// Unit is the scope unit the edge is attributed to.
	Unit string
	// Waiting is the normalized ID of the missing endpoint.
	Waiting string
	Added   time.Time

	gone bool
}

// PendingBuffer holds unresolved edges keyed by the endpoint they wait
// for. An edge key is held at most once; re-adding merges evidence.
// Entries leave the buffer by resolution, expiry, or overflow eviction.
type PendingBuffer struct {
	limit int
	ttl   time.Duration

	byTarget map[string][]*Pending
	byKey    map[types.EdgeKey]*Pending
	fifo     []*Pending
}

// NewPendingBuffer creates a buffer. A zero limit or ttl disables that
// bound.
func NewPendingBuffer(limit int, ttl time.Duration) *PendingBuffer {
	return &PendingBuffer{
		limit:    limit,
		ttl:      ttl,
		byTarget: make(map[string][]*Pending),
		byKey:    make(map[types.EdgeKey]*Pending),
	}
}

// Add holds edge until waiting is observed. It returns added=false when
// the key was already held, and any entry evicted to stay within limit.
func (b *PendingBuffer) Add(edge types.Relationship, unit, waiting string, now time.Time) (added bool, evicted []Pending) {
	key := edge.Key()
	if p, ok := b.byKey[key]; ok {
		p.Edge = p.Edge.Merge(edge)
		return false, nil
	}

	if b.limit > 0 {
		for len(b.byKey) >= b.limit {
			oldest := b.popOldest()
			if oldest == nil {
				break
			}
			evicted = append(evicted, *oldest)
		}
	}

	p := &Pending{Edge: edge, Unit: unit, Waiting: waiting, Added: now}
	b.byKey[key] = p
	b.byTarget[waiting] = append(b.byTarget[waiting], p)
	b.fifo = append(b.fifo, p)
	return true, evicted
}

// Resolve removes and returns every edge waiting for id, in key order.
func (b *PendingBuffer) Resolve(id string) []Pending {
	list := b.byTarget[id]
	if len(list) == 0 {
		return nil
	}
	delete(b.byTarget, id)

	out := make([]Pending, 0, len(list))
	for _, p := range list {
		p.gone = true
		delete(b.byKey, p.Edge.Key())
		out = append(out, *p)
	}
	sortPending(out)
	b.compact()
	return out
}

// Expire removes and returns entries older than the TTL.
func (b *PendingBuffer) Expire(now time.Time) []Pending {
	if b.ttl <= 0 {
		return nil
	}
	var out []Pending
	for {
		p := b.peekOldest()
		if p == nil || now.Sub(p.Added) < b.ttl {
			break
		}
		out = append(out, *b.popOldest())
	}
	return out
}

// Drain removes and returns everything, in key order.
func (b *PendingBuffer) Drain() []Pending {
	out := make([]Pending, 0, len(b.byKey))
	for _, p := range b.byKey {
		out = append(out, *p)
	}
	sortPending(out)
	b.byTarget = make(map[string][]*Pending)
	b.byKey = make(map[types.EdgeKey]*Pending)
	b.fifo = nil
	return out
}

// Len returns the number of held edges.
func (b *PendingBuffer) Len() int {
	return len(b.byKey)
}

func (b *PendingBuffer) peekOldest() *Pending {
	for len(b.fifo) > 0 && b.fifo[0].gone {
		b.fifo = b.fifo[1:]
	}
	if len(b.fifo) == 0 {
		return nil
	}
	return b.fifo[0]
}

func (b *PendingBuffer) popOldest() *Pending {
	p := b.peekOldest()
	if p == nil {
		return nil
	}
	b.fifo = b.fifo[1:]
	p.gone = true
	delete(b.byKey, p.Edge.Key())

	list := b.byTarget[p.Waiting]
	for i, q := range list {
		if q == p {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.byTarget, p.Waiting)
	} else {
		b.byTarget[p.Waiting] = list
	}
	return p
}

// compact drops resolved entries from the FIFO once they dominate it.
func (b *PendingBuffer) compact() {
	if len(b.fifo) < 64 || len(b.fifo) < 2*len(b.byKey) {
		return
	}
	live := b.fifo[:0]
	for _, p := range b.fifo {
		if !p.gone {
			live = append(live, p)
		}
	}
	for i := len(live); i < len(b.fifo); i++ {
		b.fifo[i] = nil
	}
	b.fifo = live
}

func sortPending(ps []Pending) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Edge.Key().Less(ps[j].Edge.Key()) })
}
