package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/kartta/internal/enumerator"
	"github.com/yairfalse/kartta/internal/filter"
	"github.com/yairfalse/kartta/internal/inference"
	"github.com/yairfalse/kartta/internal/stream"
	"github.com/yairfalse/kartta/internal/writer"
	"github.com/yairfalse/kartta/types"
	"github.com/yairfalse/kartta/wal"
)

// launch starts a pipeline for s from checkpoint cp. seed holds the
// index entries of the resources cp has already persisted. It reports
// false when s already runs or cannot be started from its state.
func (e *Engine) launch(s *session, cfg Config, cp types.Checkpoint, seed []types.IndexEntry) bool {
	s.mu.Lock()
	state, resume := s.rec.State, s.rec.ResumeState
	if s.run != nil || (state != types.StateInitializing && state != types.StatePaused) {
		s.mu.Unlock()
		return false
	}
	base := s.rec.Progress
	base.Buffered = 0
	base.UnitsKnown = int64(len(cp.CompletedUnits))
	base.UnitsVisited = int64(len(cp.CompletedUnits))
	// Failed units are listed again by every run.
	base.UnitsFailed = 0
	// Resources count once per ID. The checkpoint is the record of what
	// is in the graph; everything found but not persisted is found again.
	base.ResourcesFound = persistedResources(seed)
	base.ResourcesPersisted = base.ResourcesFound
	if base.StartedAt.IsZero() {
		base.StartedAt = time.Now().UTC()
	}
	s.rec.Progress = base
	s.cfg = cfg
	r := newRun(uuid.NewString()[:8], base, cp)
	s.run = r
	s.mu.Unlock()

	if state == types.StatePaused {
		if resume == "" {
			resume = types.StateEnumerating
		}
		if err := e.transition(e.ctx, s, resume, "resumed"); err != nil {
			log.Error().Err(err).Str("session_id", s.rec.ID).Msg("resume transition failed")
			s.mu.Lock()
			s.run = nil
			s.mu.Unlock()
			close(r.done)
			return false
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(r.done)
		e.execute(s, r, cp, seed)
	}()
	return true
}

// persistedResources counts the resource entries of a checkpoint index,
// leaving out the nodes of scope units.
func persistedResources(seed []types.IndexEntry) int64 {
	var n int64
	for _, e := range seed {
		if !e.IsUnitNode() {
			n++
		}
	}
	return n
}

// execute runs the three stages until enumeration is exhausted or
// stopped, then settles the final state.
func (e *Engine) execute(s *session, r *run, cp types.Checkpoint, seed []types.IndexEntry) {
	s.mu.Lock()
	id, scope, cfg := s.rec.ID, s.rec.Scope, s.cfg
	s.mu.Unlock()

	ctx, span := e.deps.Tracer.Start(e.ctx, "kartta.session.run",
		trace.WithAttributes(
			attribute.String("session.id", id),
			attribute.String("scope.kind", string(scope.Kind)),
			attribute.String("scope.provider", scope.Provider),
			attribute.Int64("checkpoint.sequence", int64(cp.Sequence)),
		))
	defer span.End()

	err := e.pipeline(ctx, s, r, cp, seed, scope, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.settle(ctx, s, r, err)
}

func (e *Engine) pipeline(ctx context.Context, s *session, r *run, cp types.Checkpoint, seed []types.IndexEntry, scope types.DiscoveryScope, cfg Config) error {
	id := s.rec.ID

	lister, err := e.lister(scope)
	if err != nil {
		return types.WrapError(types.KindInvalidScope, "unknown provider", err)
	}
	f, err := filter.New(scope, filter.WithExcludeTags(cfg.ExcludeTags), filter.WithPolicy(cfg.Policy))
	if err != nil {
		return types.WrapError(types.KindInvalidScope, "build scope filter", err)
	}
	limiter := e.limiterFor(lister.Name(), cfg.RateLimit)

	completed := make(map[string]bool, len(cp.CompletedUnits))
	for _, u := range cp.CompletedUnits {
		completed[u] = true
	}

	var (
		exhausted atomic.Bool
		q1        = make(chan stream.Item, cfg.QueueDepth)
		q2        = make(chan stream.Item, cfg.QueueDepth)
	)

	enum := enumerator.New(lister, limiter, f, cfg.Enumerator, enumerator.Hooks{
		UnitsDiscovered: func(n int) {
			r.unitsKnown.Add(int64(n))
			e.advance(ctx, s, types.StateEnumerating)
		},
		UnitVisited: func(unit types.ScopeUnit) {
			r.unitsVisited.Add(1)
			e.deps.Metrics.RecordUnitVisited(ctx, unit.Kind)
		},
		UnitFailed: func(_ types.ScopeUnit, derr *types.DiscoveryError) {
			r.unitsFailed.Add(1)
			s.addError(*derr)
			e.journalError(id, derr)
			e.deps.Logger.LogUnitError(ctx, id, derr)
			e.deps.Metrics.RecordUnitError(ctx, derr.Kind)
		},
		ResourceEmitted: func(res types.RawResource) {
			if !r.markFound(res) {
				return
			}
			r.found.Add(1)
			r.observeBuffer()
			e.deps.Metrics.RecordResource(ctx, res.Provider)
		},
		Throttled: func(unit types.ScopeUnit, retryAfter time.Duration) {
			e.deps.Metrics.RecordThrottle(ctx)
			log.Debug().
				Str("session_id", id).
				Str("unit_id", unit.ID).
				Dur("retry_after", retryAfter).
				Msg("source throttled")
		},
	})

	inf := inference.New(cfg.Inference, seed, inference.Hooks{
		EdgeInferred: func(edge types.Relationship) {
			r.inferred.Add(1)
			e.advance(ctx, s, types.StateInferring)
			e.deps.Metrics.RecordRelationship(ctx, edge.Kind)
		},
		Dangling: func(edge types.Relationship, unitID string) {
			r.dangling.Add(1)
			s.addDangling(edge)
			e.journal(wal.EntryDangling, id, map[string]any{"edge": edge, "unit_id": unitID})
			e.deps.Logger.LogDangling(ctx, id, edge)
			e.deps.Metrics.RecordDangling(ctx, edge.Kind)
		},
	})

	wr := writer.New(id, e.deps.Sink, e.deps.Store, cp, inf.Index().Entry, limiter, cfg.Writer, writer.Hooks{
		Writing: func() {
			e.advance(ctx, s, types.StatePersisting)
		},
		Committed: func(res writer.Result) {
			r.persisted.Add(int64(res.Resources))
			r.edges.Add(int64(res.Edges))
			r.sequence.Store(res.Sequence)
			e.deps.Metrics.RecordBatch(ctx, res.Duration, res.Nodes, res.Edges)
			e.journal(wal.EntryCheckpoint, id, map[string]any{
				"batch":     res.BatchID,
				"sequence":  res.Sequence,
				"completed": res.Completed,
			})
		},
	})

	stopTicker := e.tick(s, r, cfg.ProgressInterval)
	defer stopTicker()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(q1)
		done, err := enum.Run(gctx, scope.RootUnits(), func(u string) bool { return completed[u] }, q1, r.stop)
		exhausted.Store(done && err == nil)
		return err
	})
	g.Go(func() error {
		defer close(q2)
		return inf.Run(gctx, q1, q2, exhausted.Load)
	})
	g.Go(func() error {
		return wr.Run(gctx, q2, func() bool { return r.wants() == intentCancel })
	})
	err = g.Wait()

	if err == nil && !exhausted.Load() && r.wants() == intentNone {
		// Enumeration stopped without a request; only engine shutdown
		// does that.
		err = ctx.Err()
	}
	if err == nil && exhausted.Load() && r.wants() == intentPause {
		// The walk finished before the pause landed.
		r.intent.Store(int32(intentNone))
	}
	if err == nil && exhausted.Load() && resolvedNothing(scope, r) {
		return types.NewError(types.KindInvalidScope, "tenant "+scope.TenantID+" resolves to no units")
	}
	return err
}

// resolvedNothing reports whether a tenant scope was listed without
// yielding a single unit or resource. Tenant roots are the only ones
// whose units are known only after listing them.
func resolvedNothing(scope types.DiscoveryScope, r *run) bool {
	if scope.Kind != types.ScopeTenant {
		return false
	}
	p := r.progress(types.DiscoveryProgress{})
	return p.UnitsKnown <= int64(len(scope.RootUnits())) && p.UnitsFailed == 0 && p.ResourcesFound == 0
}

// tick publishes a snapshot every interval until the returned func is
// called. The func returns once the last snapshot has been handed off.
func (e *Engine) tick(s *session, r *run, interval time.Duration) func() {
	quit := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-quit:
				return
			case <-t.C:
				e.publish(s.snapshot().Progress)
			}
		}
	}()
	return func() {
		close(quit)
		<-exited
	}
}

// settle picks the final state of a run and folds its counters into
// the session record.
func (e *Engine) settle(ctx context.Context, s *session, r *run, err error) {
	id := s.rec.ID
	to, reason := types.StateCompleted, "enumeration exhausted"

	switch {
	case r.wants() == intentCancel:
		to, reason = types.StateCancelled, "cancelled"
	case err == nil && r.wants() == intentPause:
		to, reason = types.StatePaused, "paused"
	case err == nil:
	case errors.Is(err, context.Canceled) && e.ctx.Err() != nil:
		to, reason = types.StatePaused, "engine shutting down"
	default:
		var derr *types.DiscoveryError
		if !errors.As(err, &derr) {
			derr = types.WrapError(types.KindPersistence, "pipeline failed", err)
		}
		s.addError(*derr)
		e.journalError(id, derr)
		to, reason = types.StateFailed, derr.Error()
	}

	// A run that finished before its first unit was resolved still has to
	// pass through ENUMERATING.
	if to == types.StateCompleted && s.state() == types.StateInitializing {
		e.advance(ctx, s, types.StateEnumerating)
	}

	// Whatever was not persisted by now is dropped with the run.
	r.finished.Store(true)
	s.mu.Lock()
	s.rec.Progress = r.progress(s.rec.Progress)
	s.mu.Unlock()

	// Shutdown must still persist the final state.
	if terr := e.transition(context.WithoutCancel(ctx), s, to, reason); terr != nil {
		log.Error().Err(terr).Str("session_id", id).Msg("final transition failed")
		e.save(s)
	}

	s.mu.Lock()
	s.run = nil
	s.mu.Unlock()

	p := s.snapshot().Progress
	log.Info().
		Str("session_id", id).
		Str("run_id", r.id).
		Str("state", string(p.State)).
		Int64("units_visited", p.UnitsVisited).
		Int64("units_failed", p.UnitsFailed).
		Int64("resources", p.ResourcesPersisted).
		Int64("relationships", p.RelationshipsPersisted).
		Int64("dangling", p.RelationshipsDangling).
		Uint64("checkpoint", p.CheckpointSequence).
		Msg("session run finished")
}
