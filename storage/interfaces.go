package storage

import (
	"context"

	"github.com/yairfalse/kartta/types"
)

// CheckpointWriter commits checkpoint progress. A commit is atomic: the
// sequence bump, the completed units and the persisted index entries
// land together or not at all.
type CheckpointWriter interface {
	CommitCheckpoint(ctx context.Context, sessionID string, c Commit) (sequence uint64, err error)
}

// CheckpointReader reads committed checkpoints.
type CheckpointReader interface {
	LoadCheckpoint(sessionID string) (types.Checkpoint, error)
	LoadIndex(sessionID string) ([]types.IndexEntry, error)
}

// SessionStore persists session records.
type SessionStore interface {
	SaveSession(rec types.SessionRecord) error
	LoadSession(id string) (types.SessionRecord, error)
	ListSessions() ([]types.SessionRecord, error)
}

// Commit is the delta of one checkpoint.
type Commit struct {
	CompletedUnits []string
	Persisted      []types.IndexEntry
}
