// Package writer batches the inferred graph into the persistence sink
// and advances the session checkpoint after every committed batch.
package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/kartta/internal/ratelimit"
	"github.com/yairfalse/kartta/internal/sink"
	"github.com/yairfalse/kartta/internal/stream"
	"github.com/yairfalse/kartta/storage"
	"github.com/yairfalse/kartta/types"
)

// Config tunes batching and sink retries.
type Config struct {
	BatchSize      int           `yaml:"batch_size"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:      500,
		FlushInterval:  2 * time.Second,
		MaxRetries:     5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	return c
}

// Result describes one committed batch. Resources counts only resources
// the checkpoint did not hold before this batch, so a resume that lists
// a unit again does not count its resources twice.
type Result struct {
	BatchID   string
	Sequence  uint64
	Nodes     int
	Resources int
	Edges     int
	Completed []string
	Duration  time.Duration
}

// Hooks receive writer events. Any may be nil.
type Hooks struct {
	// Writing is called before the first sink write of a run.
	Writing   func()
	Committed func(r Result)
}

// Writer is the single consumer at the end of the pipeline and the only
// writer of the session checkpoint.
type Writer struct {
	sessionID   string
	runID       string
	sink        sink.Sink
	checkpoints storage.CheckpointWriter
	tracker     *Tracker
	persisted   map[string]struct{}
	entry       func(types.RawResource) types.IndexEntry
	limiter     *ratelimit.Limiter
	cfg         Config
	hooks       Hooks

	batchSeq uint64
	wrote    bool
	buf      buffer
}

// New creates a writer for one pipeline run starting at checkpoint from.
// Its completed units seed the tracker; entry builds the persisted index
// entry of a node. limiter may be nil when the sink is not rate limited.
func New(sessionID string, s sink.Sink, checkpoints storage.CheckpointWriter, from types.Checkpoint, entry func(types.RawResource) types.IndexEntry, limiter *ratelimit.Limiter, cfg Config, hooks Hooks) *Writer {
	persisted := make(map[string]struct{}, len(from.PersistedResources))
	for _, id := range from.PersistedResources {
		persisted[types.NormalizeID(id)] = struct{}{}
	}
	return &Writer{
		sessionID:   sessionID,
		runID:       uuid.NewString()[:8],
		sink:        s,
		checkpoints: checkpoints,
		tracker:     NewTracker(from.CompletedUnits),
		persisted:   persisted,
		entry:       entry,
		limiter:     limiter,
		cfg:         cfg.withDefaults(),
		hooks:       hooks,
		buf:         newBuffer(),
	}
}

// Tracker exposes unit completion state.
func (w *Writer) Tracker() *Tracker { return w.tracker }

// Run consumes in until it closes. When discard reports true at that
// point the unflushed tail is dropped; otherwise it is flushed and a
// final checkpoint is committed, even if nothing is left to write. A
// returned error is a PersistenceError or cancellation.
func (w *Writer) Run(ctx context.Context, in <-chan stream.Item, discard func() bool) error {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if w.buf.empty() {
				continue
			}
			if err := w.flush(ctx); err != nil {
				return err
			}

		case item, ok := <-in:
			if !ok {
				if discard != nil && discard() {
					log.Debug().
						Str("session_id", w.sessionID).
						Int("items", w.buf.items).
						Msg("discarding unflushed batch")
					w.buf = newBuffer()
					return nil
				}
				return w.flush(ctx)
			}
			w.buf.add(item, w.entry)
			if item.Kind == stream.UnitFailed {
				w.tracker.Failed(item.Unit.ID)
			}
			if w.buf.items >= w.cfg.BatchSize {
				if err := w.flush(ctx); err != nil {
					return err
				}
			}
		}
	}
}

// flush writes the buffered batch, then commits the checkpoint delta.
// The sink write is idempotent, so a crash between the two only repeats
// work on resume.
func (w *Writer) flush(ctx context.Context) error {
	start := time.Now()
	buf := w.buf
	w.buf = newBuffer()

	w.batchSeq++
	batch := buf.batch(fmt.Sprintf("%s/%s/%d", w.sessionID, w.runID, w.batchSeq), w.sessionID, w.batchSeq)

	if !batch.Empty() {
		if !w.wrote {
			w.wrote = true
			if w.hooks.Writing != nil {
				w.hooks.Writing()
			}
		}
		if err := w.upsert(ctx, batch); err != nil {
			return err
		}
	}

	var completed []string
	for _, unit := range buf.listed {
		completed = append(completed, w.tracker.Listed(unit.id, unit.children)...)
	}

	seq, err := w.commit(ctx, storage.Commit{CompletedUnits: completed, Persisted: buf.entries})
	if err != nil {
		return err
	}

	fresh := 0
	for _, id := range buf.resources {
		if _, ok := w.persisted[id]; !ok {
			w.persisted[id] = struct{}{}
			fresh++
		}
	}

	res := Result{
		BatchID:   batch.ID,
		Sequence:  seq,
		Nodes:     len(batch.Nodes),
		Resources: fresh,
		Edges:     len(batch.Edges),
		Completed: completed,
		Duration:  time.Since(start),
	}
	log.Debug().
		Str("session_id", w.sessionID).
		Str("batch", batch.ID).
		Uint64("checkpoint", seq).
		Int("nodes", res.Nodes).
		Int("edges", res.Edges).
		Int("completed", len(completed)).
		Dur("took", res.Duration).
		Msg("batch committed")
	if w.hooks.Committed != nil {
		w.hooks.Committed(res)
	}
	return nil
}

func (w *Writer) upsert(ctx context.Context, batch sink.Batch) error {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
		}
		attempts++
		err := w.sink.UpsertBatch(ctx, batch)
		if err != nil && ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, w.retryOptions("upsert batch "+batch.ID)...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	derr := types.WrapError(types.KindPersistence, fmt.Sprintf("upsert batch %s failed after %d attempts", batch.ID, attempts), err)
	derr.Attempts = attempts
	return derr
}

func (w *Writer) commit(ctx context.Context, c storage.Commit) (uint64, error) {
	seq, err := backoff.Retry(ctx, func() (uint64, error) {
		seq, err := w.checkpoints.CommitCheckpoint(ctx, w.sessionID, c)
		if err != nil && ctx.Err() != nil {
			return 0, backoff.Permanent(err)
		}
		return seq, err
	}, w.retryOptions("commit checkpoint")...)
	if err == nil {
		return seq, nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	return 0, types.WrapError(types.KindPersistence, "commit checkpoint", err)
}

func (w *Writer) retryOptions(op string) []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialBackoff
	b.MaxInterval = w.cfg.MaxBackoff
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(w.cfg.MaxRetries + 1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Str("session_id", w.sessionID).Dur("next", next).Msgf("retrying %s", op)
		}),
	}
}
