// Package enumerator walks a discovery scope and streams the resources it
// finds. Units are listed by a bounded pool of workers; every upstream
// call goes through the shared rate limiter.
package enumerator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/kartta/internal/filter"
	"github.com/yairfalse/kartta/internal/ratelimit"
	"github.com/yairfalse/kartta/internal/source"
	"github.com/yairfalse/kartta/internal/stream"
	"github.com/yairfalse/kartta/types"
)

var errStopped = errors.New("enumeration stopped")

// Config tunes the worker pool and retry policy.
type Config struct {
	Workers        int           `yaml:"workers"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        10,
		MaxRetries:     5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
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

// Hooks receive progress notifications. Any of them may be nil; they
// are called concurrently from the workers.
type Hooks struct {
	UnitsDiscovered func(n int)
	UnitVisited     func(unit types.ScopeUnit)
	UnitFailed      func(unit types.ScopeUnit, err *types.DiscoveryError)
	ResourceEmitted func(r types.RawResource)
	Throttled       func(unit types.ScopeUnit, retryAfter time.Duration)
}

// Enumerator lists units through a Lister.
type Enumerator struct {
	lister  source.Lister
	limiter *ratelimit.Limiter
	filter  *filter.Filter
	cfg     Config
	hooks   Hooks
}

// New creates an enumerator. A nil filter admits everything.
func New(lister source.Lister, limiter *ratelimit.Limiter, f *filter.Filter, cfg Config, hooks Hooks) *Enumerator {
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.DefaultConfig())
	}
	return &Enumerator{
		lister:  lister,
		limiter: limiter,
		filter:  f,
		cfg:     cfg.withDefaults(),
		hooks:   hooks,
	}
}

// Run traverses roots until the scope is exhausted, stop is closed, or
// ctx is done. Units for which completed returns true are not listed
// again. Run never closes out.
//
// exhausted is true only when every reachable unit was dispatched and
// finished. After a stop it is false: calls already made to the source
// finish and their pages are emitted, then in-flight units are abandoned
// without a marker before their next page.
func (e *Enumerator) Run(ctx context.Context, roots []types.ScopeUnit, completed func(unitID string) bool, out chan<- stream.Item, stop <-chan struct{}) (exhausted bool, err error) {
	if completed == nil {
		completed = func(string) bool { return false }
	}

	frontier := NewFrontier()
	for _, u := range roots {
		if completed(u.ID) {
			continue
		}
		frontier.Push(u)
	}
	e.discovered(frontier.Known())

	g, gctx := errgroup.WithContext(ctx)

	// Waiting for a token or sitting out a backoff ends on stop. A call
	// already made to the source is left to finish.
	waitCtx, cancelWait := context.WithCancel(gctx)
	defer cancelWait()
	go func() {
		select {
		case <-stop:
			cancelWait()
		case <-waitCtx.Done():
		}
	}()

	w := &walk{
		Enumerator: e,
		completed:  completed,
		frontier:   frontier,
		out:        out,
		stop:       stop,
		waitCtx:    waitCtx,
	}
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				unit, ok := frontier.Pop(gctx, stop)
				if !ok {
					return gctx.Err()
				}
				err := w.process(gctx, unit)
				frontier.Done()
				if err != nil {
					return err
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return frontier.Drained() && !stopped(stop), nil
}

// walk is the state of one Run shared by its workers.
type walk struct {
	*Enumerator
	completed func(string) bool
	frontier  *Frontier
	out       chan<- stream.Item
	stop      <-chan struct{}
	waitCtx   context.Context
}

// process lists every page of a unit. It returns an error only for
// cancellation; source failures are recorded against the unit.
func (w *walk) process(ctx context.Context, unit types.ScopeUnit) error {
	logger := log.With().Str("unit", unit.ID).Logger()

	if unit.IsContainer() {
		if err := stream.Send(ctx, w.out, stream.Item{Kind: stream.Node, Unit: unit, Resource: unit.Node()}); err != nil {
			return err
		}
	}

	var (
		children []string
		token    string
	)
	for {
		if stopped(w.stop) {
			logger.Debug().Msg("unit abandoned on stop")
			return nil
		}

		page, attempts, err := w.list(ctx, unit, token)
		if err != nil {
			if stopped(w.stop) {
				logger.Debug().Msg("unit abandoned on stop")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			derr := unitError(unit, err, attempts)
			logger.Warn().Err(err).Str("kind", string(derr.Kind)).Int("attempts", attempts).Msg("unit failed")
			if w.hooks.UnitFailed != nil {
				w.hooks.UnitFailed(unit, derr)
			}
			return stream.Send(ctx, w.out, stream.Item{Kind: stream.UnitFailed, Unit: unit})
		}

		added := 0
		for _, child := range page.Children {
			if w.filter != nil && !w.filter.AdmitUnit(child) {
				continue
			}
			if child.ParentID == "" {
				child.ParentID = unit.ID
			}
			children = append(children, child.ID)
			if w.completed(child.ID) {
				continue
			}
			w.frontier.Push(child)
			added++
		}
		w.discovered(added)

		for _, r := range page.Resources {
			if r.UnitID == "" {
				r.UnitID = unit.ID
			}
			if r.Provider == "" {
				r.Provider = w.lister.Name()
			}
			if w.filter != nil {
				ok, err := w.filter.AdmitResource(ctx, r)
				if err != nil {
					logger.Warn().Err(err).Str("resource", r.ID).Msg("admission policy failed, skipping resource")
					continue
				}
				if !ok {
					continue
				}
			}
			if err := stream.Send(ctx, w.out, stream.Item{Kind: stream.Node, Unit: unit, Resource: r}); err != nil {
				return err
			}
			if w.hooks.ResourceEmitted != nil {
				w.hooks.ResourceEmitted(r)
			}
		}

		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}

	if w.hooks.UnitVisited != nil {
		w.hooks.UnitVisited(unit)
	}
	logger.Debug().Int("children", len(children)).Msg("unit listed")
	return stream.Send(ctx, w.out, stream.Item{Kind: stream.UnitListed, Unit: unit, Children: children})
}

// list fetches one page, retrying transient failures with exponential
// backoff. Permission failures are not retried; an expired credential
// mid-session is retried like any transient failure. A stop ends the
// retries between attempts, never during one.
func (w *walk) list(ctx context.Context, unit types.ScopeUnit, token string) (source.Page, int, error) {
	attempts := 0
	op := func() (source.Page, error) {
		if stopped(w.stop) {
			return source.Page{}, backoff.Permanent(errStopped)
		}
		if err := w.limiter.Wait(w.waitCtx); err != nil {
			return source.Page{}, backoff.Permanent(err)
		}
		attempts++
		page, err := w.lister.List(ctx, unit, token)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return source.Page{}, backoff.Permanent(err)
		}
		kind, retryAfter := source.Classify(err)
		switch kind {
		case types.KindTransientSource, types.KindCredential:
			if source.IsThrottle(err) {
				w.limiter.Throttled(retryAfter)
				if w.hooks.Throttled != nil {
					w.hooks.Throttled(unit, retryAfter)
				}
			}
			return source.Page{}, err
		default:
			return source.Page{}, backoff.Permanent(err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialBackoff
	b.MaxInterval = w.cfg.MaxBackoff

	page, err := backoff.Retry(w.waitCtx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(w.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug().Err(err).Str("unit", unit.ID).Dur("next", next).Msg("retrying list")
		}),
	)
	return page, attempts, err
}

func (e *Enumerator) discovered(n int) {
	if n > 0 && e.hooks.UnitsDiscovered != nil {
		e.hooks.UnitsDiscovered(n)
	}
}

// unitError converts a listing failure into the taxonomy. A credential
// failure after the session started is treated as transient.
func unitError(unit types.ScopeUnit, err error, attempts int) *types.DiscoveryError {
	kind, _ := source.Classify(err)
	var derr *types.DiscoveryError
	switch kind {
	case types.KindPermissionDenied:
		derr = types.WrapError(types.KindPermissionDenied, "access denied listing unit", err)
	default:
		derr = types.WrapError(types.KindTransientSource, fmt.Sprintf("listing failed after %d attempts", attempts), err)
		derr.Retryable = true
	}
	derr.Attempts = attempts
	return derr.ForUnit(unit.ID)
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
