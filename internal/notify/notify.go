// Package notify publishes session progress snapshots to observers.
package notify

import (
	"context"
	"errors"

	"github.com/yairfalse/kartta/types"
)

// Publisher outputs progress snapshots to a backend.
type Publisher interface {
	// Publish sends one snapshot.
	Publish(ctx context.Context, p types.DiscoveryProgress) error

	// Close cleans up resources.
	Close() error
}

// Multi fans out to multiple publishers.
type Multi struct {
	publishers []Publisher
}

// NewMulti creates a publisher that sends to multiple backends.
func NewMulti(publishers ...Publisher) *Multi {
	return &Multi{publishers: publishers}
}

// Publish sends to every publisher. One failing backend does not starve
// the others; the errors are joined.
func (m *Multi) Publish(ctx context.Context, p types.DiscoveryProgress) error {
	var errs []error
	for _, pub := range m.publishers {
		if err := pub.Publish(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all publishers.
func (m *Multi) Close() error {
	var errs []error
	for _, pub := range m.publishers {
		if err := pub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, types.DiscoveryProgress) error { return nil }
func (Nop) Close() error { return nil }
