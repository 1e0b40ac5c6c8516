package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/kartta/types"
)

// Async decouples a slow publisher from the session controller. Publish
// never blocks: when the queue is full the snapshot is dropped and
// counted. Snapshots are cumulative, so a dropped one is superseded by
// the next.
type Async struct {
	next    Publisher
	queue   chan types.DiscoveryProgress
	timeout time.Duration
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewAsync starts the delivery goroutine. size is the queue capacity.
func NewAsync(next Publisher, size int) *Async {
	if size < 1 {
		size = 1
	}
	a := &Async{
		next:    next,
		queue:   make(chan types.DiscoveryProgress, size),
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for p := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Publish(ctx, p); err != nil {
			log.Warn().Err(err).Str("session_id", p.SessionID).Msg("progress publish failed")
		}
		cancel()
	}
}

// Publish enqueues p, or drops it when the queue is full.
func (a *Async) Publish(_ context.Context, p types.DiscoveryProgress) error {
	select {
	case a.queue <- p:
	default:
		a.dropped.Add(1)
	}
	return nil
}

// Dropped returns how many snapshots were dropped.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close drains the queue, then closes the wrapped publisher. Publish
// must not be called after Close.
func (a *Async) Close() error {
	a.closeOnce.Do(func() { close(a.queue) })
	<-a.done
	return a.next.Close()
}
