package notify

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/kartta/types"
)

// Log writes snapshots to the global logger. Active sessions log at
// debug level; terminal and paused snapshots at info.
type Log struct{}

// Publish implements Publisher.
func (Log) Publish(_ context.Context, p types.DiscoveryProgress) error {
	level := zerolog.DebugLevel
	if !p.State.Active() {
		level = zerolog.InfoLevel
	}
	log.WithLevel(level).
		Str("session_id", p.SessionID).
		Str("state", string(p.State)).
		Int64("units_visited", p.UnitsVisited).
		Int64("units_known", p.UnitsKnown).
		Int64("units_failed", p.UnitsFailed).
		Int64("resources_found", p.ResourcesFound).
		Int64("resources_persisted", p.ResourcesPersisted).
		Int64("relationships", p.RelationshipsInferred).
		Int64("buffered", p.Buffered).
		Uint64("checkpoint", p.CheckpointSequence).
		Msg("session progress")
	return nil
}

// Close implements Publisher.
func (Log) Close() error { return nil }
