// Package inference derives typed relationships from the resource stream.
//
// The inferencer is the single goroutine between the enumerator and the
// graph writer. It forwards every node, emits an edge as soon as both
// endpoints have been observed, and holds edges with a missing endpoint
// in a PendingBuffer until the endpoint arrives. A unit's completion
// marker is held back while any pending edge is attributed to it, so the
// writer never completes a unit whose edges are still in flight.
package inference

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/kartta/internal/stream"
	"github.com/yairfalse/kartta/types"
)

// Config tunes inference.
type Config struct {
	IdentityTypes []string      `yaml:"identity_types"`
	OwnershipTags []string      `yaml:"ownership_tags"`
	PendingLimit  int           `yaml:"pending_limit"`
	PendingTTL    time.Duration `yaml:"pending_ttl"`
}

// DefaultConfig returns the defaults: Azure managed identities and AWS
// IAM roles are identities; owner-style tags link them to resources.
func DefaultConfig() Config {
	return Config{
		IdentityTypes: []string{
			"Microsoft.ManagedIdentity/userAssignedIdentities",
			"aws:iam:role",
		},
		OwnershipTags: []string{"owner", "managed-by", "service"},
		PendingLimit:  100000,
	}
}

// Hooks receive inference events. Any may be nil.
type Hooks struct {
	EdgeInferred func(edge types.Relationship)
	// Dangling is called for an edge whose endpoint was never observed,
	// or that left the pending buffer through expiry or overflow.
	Dangling func(edge types.Relationship, unitID string)
}

// Inferencer applies rules to the resource stream.
type Inferencer struct {
	rules   []Rule
	index   *Index
	pending *PendingBuffer
	hooks   Hooks
	now     func() time.Time

	unitPending map[string]int
	held        map[string]stream.Item
	touched     map[string]bool
}

// New creates an inferencer seeded with previously persisted resources.
func New(cfg Config, seed []types.IndexEntry, hooks Hooks) *Inferencer {
	idx := NewIndex(cfg.IdentityTypes, cfg.OwnershipTags)
	idx.Seed(seed)
	return &Inferencer{
		rules:       DefaultRules(),
		index:       idx,
		pending:     NewPendingBuffer(cfg.PendingLimit, cfg.PendingTTL),
		hooks:       hooks,
		now:         time.Now,
		unitPending: make(map[string]int),
		held:        make(map[string]stream.Item),
		touched:     make(map[string]bool),
	}
}

// Index exposes the rolling index.
func (inf *Inferencer) Index() *Index { return inf.index }

// Pending returns the number of unresolved edges.
func (inf *Inferencer) Pending() int { return inf.pending.Len() }

// Run consumes in until it is closed, writing to out. It does not close
// out. When in closes, finishing decides the fate of what is still
// pending: on a finished scan unresolved edges become dangling and held
// markers are released; on a pause or cancel both are dropped so the
// affected units are listed again on resume.
func (inf *Inferencer) Run(ctx context.Context, in <-chan stream.Item, out chan<- stream.Item, finishing func() bool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-in:
			if !ok {
				return inf.finish(ctx, out, finishing != nil && finishing())
			}
			if err := inf.handle(ctx, item, out); err != nil {
				return err
			}
		}
	}
}

func (inf *Inferencer) handle(ctx context.Context, item stream.Item, out chan<- stream.Item) error {
	switch item.Kind {
	case stream.Node:
		return inf.node(ctx, item, out)
	case stream.UnitListed:
		if inf.unitPending[item.Unit.ID] > 0 {
			inf.held[item.Unit.ID] = item
			return nil
		}
		return stream.Send(ctx, out, item)
	default:
		return stream.Send(ctx, out, item)
	}
}

func (inf *Inferencer) node(ctx context.Context, item stream.Item, out chan<- stream.Item) error {
	r := item.Resource
	if r.UnitID == "" {
		r.UnitID = item.Unit.ID
	}
	id := r.Key()
	inf.index.Add(inf.index.Entry(r))

	if err := stream.Send(ctx, out, item); err != nil {
		return err
	}

	// Edges that were waiting for this resource.
	for _, p := range inf.pending.Resolve(id) {
		if missing := inf.missing(p.Edge); missing != "" {
			// The other endpoint is unknown too; keep waiting on it.
			inf.hold(p.Edge, p.Unit, missing)
			inf.unitPending[p.Unit]--
			continue
		}
		if err := inf.emit(ctx, p.Edge, out); err != nil {
			return err
		}
		inf.unitPending[p.Unit]--
		inf.touched[p.Unit] = true
	}

	for _, rule := range inf.rules {
		for _, edge := range rule.Infer(r, item.Unit, inf.index) {
			if missing := inf.missing(edge); missing != "" {
				inf.hold(edge, item.Unit.ID, missing)
				continue
			}
			if err := inf.emit(ctx, edge, out); err != nil {
				return err
			}
		}
	}

	for _, p := range inf.pending.Expire(inf.now()) {
		inf.dangle(p)
	}

	return inf.release(ctx, out)
}

// missing returns the endpoint of edge not yet observed, or "".
func (inf *Inferencer) missing(edge types.Relationship) string {
	if !inf.index.Has(edge.SourceID) {
		return edge.SourceID
	}
	if !inf.index.Has(edge.TargetID) {
		return edge.TargetID
	}
	return ""
}

func (inf *Inferencer) hold(edge types.Relationship, unit, waiting string) {
	added, evicted := inf.pending.Add(edge, unit, waiting, inf.now())
	if added {
		inf.unitPending[unit]++
	}
	for _, p := range evicted {
		inf.dangle(p)
	}
}

func (inf *Inferencer) dangle(p Pending) {
	inf.unitPending[p.Unit]--
	inf.touched[p.Unit] = true
	log.Debug().
		Str("source", p.Edge.SourceID).
		Str("target", p.Edge.TargetID).
		Str("kind", string(p.Edge.Kind)).
		Msg("dangling reference")
	if inf.hooks.Dangling != nil {
		inf.hooks.Dangling(p.Edge, p.Unit)
	}
}

func (inf *Inferencer) emit(ctx context.Context, edge types.Relationship, out chan<- stream.Item) error {
	if err := stream.Send(ctx, out, stream.Item{Kind: stream.Edge, Edge: edge}); err != nil {
		return err
	}
	if inf.hooks.EdgeInferred != nil {
		inf.hooks.EdgeInferred(edge)
	}
	return nil
}

// release forwards held markers of touched units with nothing left
// pending.
func (inf *Inferencer) release(ctx context.Context, out chan<- stream.Item) error {
	for unit := range inf.touched {
		delete(inf.touched, unit)
		if inf.unitPending[unit] > 0 {
			continue
		}
		delete(inf.unitPending, unit)
		marker, ok := inf.held[unit]
		if !ok {
			continue
		}
		delete(inf.held, unit)
		if err := stream.Send(ctx, out, marker); err != nil {
			return err
		}
	}
	return nil
}

func (inf *Inferencer) finish(ctx context.Context, out chan<- stream.Item, finishing bool) error {
	remaining := inf.pending.Drain()
	if !finishing {
		if len(remaining) > 0 || len(inf.held) > 0 {
			log.Debug().
				Int("pending", len(remaining)).
				Int("held_markers", len(inf.held)).
				Msg("dropping unresolved edges on stop")
		}
		inf.unitPending = make(map[string]int)
		inf.held = make(map[string]stream.Item)
		inf.touched = make(map[string]bool)
		return nil
	}

	for _, p := range remaining {
		inf.dangle(p)
	}
	if err := inf.release(ctx, out); err != nil {
		return err
	}
	for unit, marker := range inf.held {
		delete(inf.held, unit)
		if err := stream.Send(ctx, out, marker); err != nil {
			return err
		}
	}
	return nil
}
