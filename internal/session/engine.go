// Package session is the discovery session controller. It owns the
// session state machine and drives the enumerate, infer and persist
// pipeline for every running session.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/yairfalse/kartta/internal/filter"
	"github.com/yairfalse/kartta/internal/notify"
	"github.com/yairfalse/kartta/internal/ratelimit"
	"github.com/yairfalse/kartta/internal/source"
	"github.com/yairfalse/kartta/internal/telemetry"
	"github.com/yairfalse/kartta/storage"
	"github.com/yairfalse/kartta/types"
	"github.com/yairfalse/kartta/wal"
)

var (
	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned when an operation is not allowed
	// in the session's current state.
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine closed")
)

// Engine runs discovery sessions. All methods are safe for concurrent
// use.
type Engine struct {
	deps      Deps
	publisher *notify.Async

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool

	// One limiter per provider, shared by every session listing it.
	limitMu  sync.Mutex
	limiters map[string]*ratelimit.Limiter
}

// Open creates an engine. Sessions the store shows as running are from
// a process that died; they are marked PAUSED so they can be resumed.
func Open(deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if deps.Sources == nil {
		return nil, errors.New("session: source registry is required")
	}
	if deps.Sink == nil {
		return nil, errors.New("session: sink is required")
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.NewLogger(os.Stderr, "kartta")
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("kartta/session")
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.Nop{}
	}
	if deps.PublishQueue <= 0 {
		deps.PublishQueue = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		deps:      deps,
		publisher: notify.NewAsync(deps.Publisher, deps.PublishQueue),
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*session),
		limiters:  make(map[string]*ratelimit.Limiter),
	}
	if err := e.recover(); err != nil {
		cancel()
		_ = e.publisher.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) recover() error {
	records, err := e.deps.Store.ListSessions()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, rec := range records {
		s := &session{rec: rec, cfg: e.deps.Defaults}
		e.sessions[rec.ID] = s
		if !rec.State.Active() {
			continue
		}
		if err := e.transition(e.ctx, s, types.StatePaused, "recovered after restart"); err != nil {
			return fmt.Errorf("recover session %s: %w", rec.ID, err)
		}
		log.Info().
			Str("session_id", rec.ID).
			Str("was", string(rec.State)).
			Msg("session recovered as paused")
	}
	return nil
}

// StartSession validates scope and credentials, creates a session in
// INITIALIZING and starts its pipeline. Nothing is created when
// validation fails.
func (e *Engine) StartSession(ctx context.Context, scope types.DiscoveryScope, cfg Config) (string, error) {
	if err := e.checkOpen(); err != nil {
		return "", err
	}
	cfg = cfg.withDefaults()
	if err := e.preflight(ctx, scope, cfg); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	s := &session{
		cfg: cfg,
		rec: types.SessionRecord{
			ID:        id,
			Scope:     scope,
			State:     types.StateInitializing,
			CreatedAt: now,
			UpdatedAt: now,
			Progress:  types.DiscoveryProgress{SessionID: id, StartedAt: now, UpdatedAt: now},
		},
	}
	if err := e.deps.Store.SaveSession(s.rec); err != nil {
		return "", types.WrapError(types.KindPersistence, "save session", err)
	}
	e.journal(wal.EntryCreated, id, scope)

	e.mu.Lock()
	e.sessions[id] = s
	e.mu.Unlock()

	log.Info().
		Str("session_id", id).
		Str("provider", scope.Provider).
		Str("scope", string(scope.Kind)).
		Int("roots", len(scope.RootUnits())).
		Msg("session started")

	e.launch(s, cfg, types.Checkpoint{SessionID: id}, nil)
	return id, nil
}

// preflight runs the checks that must pass before a session exists.
func (e *Engine) preflight(ctx context.Context, scope types.DiscoveryScope, cfg Config) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if len(scope.RootUnits()) == 0 {
		return types.NewError(types.KindInvalidScope, "scope resolves to no units")
	}
	if _, err := e.deps.Sources.Get(scope.Provider); err != nil {
		return types.WrapError(types.KindInvalidScope, "unknown provider", err)
	}
	if _, err := filter.New(scope, filter.WithExcludeTags(cfg.ExcludeTags), filter.WithPolicy(cfg.Policy)); err != nil {
		return types.WrapError(types.KindInvalidScope, "build scope filter", err)
	}
	if cfg.Credentials != nil {
		if _, err := cfg.Credentials.Token(ctx); err != nil {
			return types.WrapError(types.KindCredential, "acquire token", err)
		}
	}
	return nil
}

// PauseSession stops enumeration, lets in-flight batches commit and
// waits until the session is PAUSED or ctx ends. Pausing a paused
// session is a no-op.
func (e *Engine) PauseSession(ctx context.Context, id string) error {
	return e.interrupt(ctx, id, intentPause)
}

// CancelSession stops the session and discards any unflushed batch. The
// last committed checkpoint stays readable. Cancelling a cancelled
// session is a no-op.
func (e *Engine) CancelSession(ctx context.Context, id string) error {
	return e.interrupt(ctx, id, intentCancel)
}

func (e *Engine) interrupt(ctx context.Context, id string, want intent) error {
	s, err := e.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	state, r := s.rec.State, s.run
	s.mu.Unlock()

	switch {
	case want == intentPause && state == types.StatePaused:
		return nil
	case want == intentCancel && state == types.StateCancelled:
		return nil
	case state.Terminal():
		return fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, id, state)
	}

	if r == nil {
		if state != types.StatePaused {
			return nil
		}
		// Paused with no pipeline: only cancel has anything to do.
		return e.transition(ctx, s, types.StateCancelled, "cancelled while paused")
	}

	r.request(want)
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResumeSession restarts a paused session from its last checkpoint.
func (e *Engine) ResumeSession(ctx context.Context, id string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	s, err := e.get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	state, scope, cfg := s.rec.State, s.rec.Scope, s.cfg
	s.mu.Unlock()
	switch {
	case state.Active():
		return nil
	case state != types.StatePaused:
		return fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, id, state)
	}

	cp, err := e.deps.Store.LoadCheckpoint(id)
	if err != nil {
		return err
	}
	cfg = cfg.withDefaults()
	if err := e.preflight(ctx, scope, cfg); err != nil {
		return err
	}
	seed, err := e.deps.Store.LoadIndex(id)
	if err != nil {
		return types.WrapError(types.KindPersistence, "load checkpoint index", err)
	}

	if !e.launch(s, cfg, cp, seed) && s.state() == types.StatePaused {
		return fmt.Errorf("%w: session %s could not be resumed", ErrInvalidTransition, id)
	}
	return nil
}

// RetrySession starts a new session seeded with a copy of the last
// checkpoint of a FAILED session.
func (e *Engine) RetrySession(ctx context.Context, failedID string) (string, error) {
	if err := e.checkOpen(); err != nil {
		return "", err
	}
	old, err := e.get(failedID)
	if err != nil {
		return "", err
	}
	old.mu.Lock()
	state, scope, cfg := old.rec.State, old.rec.Scope, old.cfg
	old.mu.Unlock()
	if state != types.StateFailed {
		return "", fmt.Errorf("%w: only failed sessions can be retried, %s is %s", ErrInvalidTransition, failedID, state)
	}

	cfg = cfg.withDefaults()
	if err := e.preflight(ctx, scope, cfg); err != nil {
		return "", err
	}

	id := uuid.NewString()
	cp := types.Checkpoint{SessionID: id}
	var seed []types.IndexEntry
	switch err := e.deps.Store.CopyCheckpoint(failedID, id); {
	case err == nil:
		if cp, err = e.deps.Store.LoadCheckpoint(id); err != nil {
			return "", err
		}
		if seed, err = e.deps.Store.LoadIndex(id); err != nil {
			return "", types.WrapError(types.KindPersistence, "load checkpoint index", err)
		}
	case errors.Is(err, types.ErrNoCheckpoint):
	default:
		return "", types.WrapError(types.KindPersistence, "copy checkpoint", err)
	}

	now := time.Now().UTC()
	s := &session{
		cfg: cfg,
		rec: types.SessionRecord{
			ID:        id,
			Scope:     scope,
			State:     types.StateInitializing,
			RetryOf:   failedID,
			CreatedAt: now,
			UpdatedAt: now,
			Progress:  types.DiscoveryProgress{SessionID: id, StartedAt: now, UpdatedAt: now},
		},
	}
	if err := e.deps.Store.SaveSession(s.rec); err != nil {
		return "", types.WrapError(types.KindPersistence, "save session", err)
	}
	e.journal(wal.EntryCreated, id, map[string]any{"scope": scope, "retry_of": failedID})

	e.mu.Lock()
	e.sessions[id] = s
	e.mu.Unlock()

	log.Info().
		Str("session_id", id).
		Str("retry_of", failedID).
		Int("completed_units", len(cp.CompletedUnits)).
		Msg("session retried")

	e.launch(s, cfg, cp, seed)
	return id, nil
}

// limiterFor returns the limiter of provider, creating it from cfg on
// first use. Later sessions share it whatever their own config says.
func (e *Engine) limiterFor(provider string, cfg ratelimit.Config) *ratelimit.Limiter {
	e.limitMu.Lock()
	defer e.limitMu.Unlock()
	if l, ok := e.limiters[provider]; ok {
		return l
	}
	l := ratelimit.New(cfg)
	e.limiters[provider] = l
	return l
}

// GetProgress returns a snapshot without waiting on the pipeline.
func (e *Engine) GetProgress(id string) (types.DiscoveryProgress, error) {
	s, err := e.get(id)
	if err != nil {
		return types.DiscoveryProgress{}, err
	}
	return s.snapshot().Progress, nil
}

// GetCheckpoint returns the last committed checkpoint.
func (e *Engine) GetCheckpoint(id string) (types.Checkpoint, error) {
	if _, err := e.get(id); err != nil {
		return types.Checkpoint{}, err
	}
	return e.deps.Store.LoadCheckpoint(id)
}

// GetDangling returns the edges dropped because an endpoint never
// arrived.
func (e *Engine) GetDangling(id string) ([]types.Relationship, error) {
	s, err := e.get(id)
	if err != nil {
		return nil, err
	}
	return s.snapshot().Dangling, nil
}

// GetSession returns the full session record.
func (e *Engine) GetSession(id string) (types.SessionRecord, error) {
	s, err := e.get(id)
	if err != nil {
		return types.SessionRecord{}, err
	}
	return s.snapshot(), nil
}

// ListSessions returns every known session, newest first.
func (e *Engine) ListSessions() []types.SessionRecord {
	e.mu.RLock()
	out := make([]types.SessionRecord, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s.snapshot())
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Wait blocks until the session's pipeline has stopped and returns the
// state it stopped in.
func (e *Engine) Wait(ctx context.Context, id string) (types.SessionState, error) {
	s, err := e.get(id)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return s.state(), ctx.Err()
		}
	}
	return s.state(), nil
}

// Close stops every running session, leaving them PAUSED, and closes the
// publisher. Deps other than the publisher stay owned by the caller.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return e.publisher.Close()
}

func (e *Engine) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

func (e *Engine) get(id string) (*session, error) {
	e.mu.RLock()
	s, ok := e.sessions[id]
	e.mu.RUnlock()
	if ok {
		return s, nil
	}

	// Another process may have created it in the same store.
	rec, err := e.deps.Store.LoadSession(id)
	if errors.Is(err, storage.ErrSessionNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, types.WrapError(types.KindPersistence, "load session", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[id]; ok {
		return s, nil
	}
	s = &session{rec: rec, cfg: e.deps.Defaults}
	e.sessions[id] = s
	return s, nil
}

// transition moves s to state to, persists the record and notifies
// observers. A transition to the current state is a no-op.
func (e *Engine) transition(ctx context.Context, s *session, to types.SessionState, reason string) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	from := s.rec.State
	if from == to {
		s.mu.Unlock()
		return nil
	}
	if !types.CanTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	now := time.Now().UTC()
	s.rec.State = to
	s.rec.UpdatedAt = now
	switch {
	case to == types.StatePaused && from.Stage() > 0:
		s.rec.ResumeState = from
	case to == types.StatePaused:
		s.rec.ResumeState = types.StateEnumerating
	case from == types.StatePaused:
		s.rec.ResumeState = ""
	}
	rec := s.snapshotLocked()
	rec.Progress.UpdatedAt = now
	s.mu.Unlock()

	if err := e.deps.Store.SaveSession(rec); err != nil {
		log.Error().Err(err).Str("session_id", rec.ID).Msg("failed to persist session record")
	}
	e.journal(wal.EntryTransition, rec.ID, map[string]any{"from": from, "to": to, "reason": reason})
	e.deps.Logger.LogSessionTransition(ctx, rec.ID, from, to, reason)
	e.deps.Metrics.RecordTransition(ctx, from, to)
	e.publish(rec.Progress)
	return nil
}

// advance moves a running session forward to a later pipeline stage.
// It never moves backwards and never leaves a non-active state.
func (e *Engine) advance(ctx context.Context, s *session, to types.SessionState) {
	s.mu.Lock()
	cur := s.rec.State
	s.mu.Unlock()
	if !cur.Active() || to.Stage() <= cur.Stage() {
		return
	}
	if err := e.transition(ctx, s, to, "pipeline advanced"); err != nil && !errors.Is(err, ErrInvalidTransition) {
		log.Warn().Err(err).Str("session_id", s.rec.ID).Msg("stage transition failed")
	}
}

// save persists the current record without a state change.
func (e *Engine) save(s *session) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	rec := s.snapshot()
	if err := e.deps.Store.SaveSession(rec); err != nil {
		log.Error().Err(err).Str("session_id", rec.ID).Msg("failed to persist session record")
	}
}

func (e *Engine) publish(p types.DiscoveryProgress) {
	p.UpdatedAt = time.Now().UTC()
	if err := e.publisher.Publish(e.ctx, p); err != nil {
		log.Debug().Err(err).Str("session_id", p.SessionID).Msg("progress publish failed")
	}
}

func (e *Engine) journal(t wal.EntryType, sessionID string, data any) {
	if e.deps.Journal == nil {
		return
	}
	if err := e.deps.Journal.Append(t, sessionID, data); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Str("entry", string(t)).Msg("journal append failed")
	}
}

func (e *Engine) journalError(sessionID string, derr *types.DiscoveryError) {
	if e.deps.Journal == nil {
		return
	}
	if err := e.deps.Journal.AppendError(wal.EntryError, sessionID, derr, derr); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("journal append failed")
	}
}

// lister resolves the lister for a scope; preflight already checked it.
func (e *Engine) lister(scope types.DiscoveryScope) (source.Lister, error) {
	return e.deps.Sources.Get(scope.Provider)
}
