package enumerator

import (
	"context"
	"sync"

	"github.com/yairfalse/kartta/types"
)

// Frontier is the shared work queue of units to list. It knows when
// traversal is finished: nothing queued and nothing in flight.
type Frontier struct {
	mu      sync.Mutex
	queue   []types.ScopeUnit
	pending int
	known   int
	wake    chan struct{}
}

// NewFrontier creates an empty frontier.
func NewFrontier() *Frontier {
	return &Frontier{wake: make(chan struct{})}
}

// Push queues a unit.
func (f *Frontier) Push(u types.ScopeUnit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, u)
	f.pending++
	f.known++
	f.broadcastLocked()
}

// Pop returns the next unit. It returns false once the frontier is
// drained, stop is closed, or ctx is done. Every unit returned must be
// acknowledged with Done.
func (f *Frontier) Pop(ctx context.Context, stop <-chan struct{}) (types.ScopeUnit, bool) {
	for {
		select {
		case <-stop:
			return types.ScopeUnit{}, false
		default:
		}

		f.mu.Lock()
		if len(f.queue) > 0 {
			u := f.queue[0]
			f.queue[0] = types.ScopeUnit{}
			f.queue = f.queue[1:]
			f.mu.Unlock()
			return u, true
		}
		if f.pending == 0 {
			f.mu.Unlock()
			return types.ScopeUnit{}, false
		}
		wake := f.wake
		f.mu.Unlock()

		select {
		case <-wake:
		case <-stop:
			return types.ScopeUnit{}, false
		case <-ctx.Done():
			return types.ScopeUnit{}, false
		}
	}
}

// Done acknowledges a popped unit after its children were pushed.
func (f *Frontier) Done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending--
	f.broadcastLocked()
}

// Drained reports whether traversal finished.
func (f *Frontier) Drained() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending == 0
}

// Known returns how many units were ever pushed.
func (f *Frontier) Known() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.known
}

func (f *Frontier) broadcastLocked() {
	close(f.wake)
	f.wake = make(chan struct{})
}
