package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/kartta/internal/session"
	"github.com/yairfalse/kartta/types"
)

var (
	discoverKind    string
	discoverTenant  string
	discoverTargets []string
	discoverTypes   []string
	discoverRegions []string
	discoverExclude []string
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Start a discovery session and wait for it",
	Long: `Start a discovery session over the configured scope and follow it
until it stops.

Ctrl+C pauses the session instead of abandoning it. A paused session
keeps its checkpoint and continues with "kartta resume".`,
	Example: `  kartta discover -c kartta.yaml
  kartta discover --kind tenant --tenant contoso.onmicrosoft.com
  kartta discover --kind subscription --target 0000-1111 --target 2222-3333
  kartta discover --kind resource_group --target 0000-1111/rg-web
  kartta discover --type Microsoft.Compute/virtualMachines --region westeurope`,
	RunE: runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)

	f := discoverCmd.Flags()
	f.StringVar(&discoverKind, "kind", "", "Scope kind (tenant, subscription, resource_group)")
	f.StringVar(&discoverTenant, "tenant", "", "Tenant ID for tenant scopes")
	f.StringSliceVar(&discoverTargets, "target", nil, "Scope targets (repeatable)")
	f.StringSliceVar(&discoverTypes, "type", nil, "Only persist these resource types")
	f.StringSliceVar(&discoverRegions, "region", nil, "Only persist resources in these regions")
	f.StringSliceVar(&discoverExclude, "exclude", nil, "Glob patterns of resource IDs to skip")
}

// scopeFromFlags starts from the configured scope and applies any flag
// the user set.
func scopeFromFlags(cmd *cobra.Command, a *app) types.DiscoveryScope {
	scope := a.cfg.Scope
	if scope.Provider == "" || scope.Provider == a.cfg.Source.Kind {
		scope.Provider = a.provider
	}
	f := cmd.Flags()
	if f.Changed("kind") {
		scope.Kind = types.ScopeKind(discoverKind)
	}
	if f.Changed("tenant") {
		scope.TenantID = discoverTenant
	}
	if f.Changed("target") {
		scope.Targets = discoverTargets
	}
	if f.Changed("type") {
		scope.ResourceTypes = discoverTypes
	}
	if f.Changed("region") {
		scope.Regions = discoverRegions
	}
	if f.Changed("exclude") {
		scope.ExcludePatterns = discoverExclude
	}
	return scope
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))

	scope := scopeFromFlags(cmd, a)
	id, err := a.engine.StartSession(ctx, scope, a.session)
	if err != nil {
		return err
	}
	log.Info().
		Str("session_id", id).
		Str("provider", scope.Provider).
		Str("kind", string(scope.Kind)).
		Strs("targets", scope.Targets).
		Msg("discovery started")

	return follow(ctx, a, id)
}

// follow logs progress until the session stops. A cancelled ctx pauses
// the session.
func follow(ctx context.Context, a *app, id string) error {
	interval := a.cfg.Engine.ProgressInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	done := make(chan types.SessionState, 1)
	go func() {
		state, _ := a.engine.Wait(context.Background(), id)
		done <- state
	}()

	for {
		select {
		case state := <-done:
			return report(a, id, state)
		case <-ticker.C:
			if p, err := a.engine.GetProgress(id); err == nil {
				logProgress(p)
			}
		case <-ctx.Done():
			log.Info().Str("session_id", id).Msg("interrupted, pausing session")
			pauseCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := a.engine.PauseSession(pauseCtx, id)
			cancel()
			// The session may have stopped on its own meanwhile.
			if err != nil && !errors.Is(err, session.ErrInvalidTransition) {
				return fmt.Errorf("pause session: %w", err)
			}
			return report(a, id, <-done)
		}
	}
}

func logProgress(p types.DiscoveryProgress) {
	log.Info().
		Str("session_id", p.SessionID).
		Str("state", string(p.State)).
		Int64("units_visited", p.UnitsVisited).
		Int64("units_known", p.UnitsKnown).
		Int64("resources_found", p.ResourcesFound).
		Int64("resources_persisted", p.ResourcesPersisted).
		Int64("relationships", p.RelationshipsPersisted).
		Int64("buffered", p.Buffered).
		Msg("progress")
}

// report prints the final snapshot and turns a failed session into an
// error so the exit status reflects it.
func report(a *app, id string, state types.SessionState) error {
	p, err := a.engine.GetProgress(id)
	if err != nil {
		return err
	}
	logProgress(p)
	for _, e := range p.Errors {
		log.Warn().
			Str("kind", string(e.Kind)).
			Str("unit_id", e.UnitID).
			Msg(e.Message)
	}

	switch state {
	case types.StateCompleted:
		fmt.Printf("Session %s completed: %d resources, %d relationships, %d units failed\n",
			id, p.ResourcesPersisted, p.RelationshipsPersisted, p.UnitsFailed)
	case types.StatePaused:
		fmt.Printf("Session %s paused. Continue with: kartta resume %s\n", id, id)
	case types.StateCancelled:
		fmt.Printf("Session %s cancelled\n", id)
	case types.StateFailed:
		return fmt.Errorf("session %s failed (retry with: kartta retry %s)", id, id)
	}
	return nil
}
