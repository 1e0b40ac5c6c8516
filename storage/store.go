// Package storage keeps session records and checkpoints in bbolt.
package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/kartta/types"
)

// Bucket names in bbolt. completed and persisted hold one nested bucket
// per session.
var (
	bucketSessions    = []byte("sessions")
	bucketCheckpoints = []byte("checkpoints")
	bucketCompleted   = []byte("completed")
	bucketPersisted   = []byte("persisted")
	bucketMeta        = []byte("meta")
)

// ErrSessionNotFound is returned by LoadSession for unknown IDs.
var ErrSessionNotFound = errors.New("session not found")

// Store is the durable checkpoint and session store.
type Store struct {
	mu sync.RWMutex

	db *bbolt.DB

	// In-memory copies of each session's completed/persisted sets,
	// rebuilt lazily from disk.
	indexes map[string]*checkpointIndex
}

type checkpointIndex struct {
	sequence  uint64
	createdAt time.Time
	completed *btree.BTreeG[string]
	persisted *btree.BTreeG[string]
}

func newCheckpointIndex() *checkpointIndex {
	less := func(a, b string) bool { return a < b }
	return &checkpointIndex{
		completed: btree.NewG[string](32, less),
		persisted: btree.NewG[string](32, less),
	}
}

// checkpointHeader is the per-session record in the checkpoints bucket.
type checkpointHeader struct {
	Sequence  uint64    `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
}

// Open opens or creates the store under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(dir, "kartta.db"), 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketSessions, bucketCheckpoints, bucketCompleted, bucketPersisted, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &Store{db: db, indexes: make(map[string]*checkpointIndex)}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}

// CommitCheckpoint writes a new checkpoint for sessionID and returns its
// sequence, which is always the previous sequence plus one.
func (s *Store) CommitCheckpoint(ctx context.Context, sessionID string, c Commit) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.indexLocked(sessionID)
	if err != nil {
		return 0, err
	}

	header := checkpointHeader{Sequence: idx.sequence + 1, CreatedAt: time.Now().UTC()}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		value, err := json.Marshal(header)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketCheckpoints).Put([]byte(sessionID), value); err != nil {
			return err
		}

		completed, err := tx.Bucket(bucketCompleted).CreateBucketIfNotExists([]byte(sessionID))
		if err != nil {
			return err
		}
		for _, unitID := range c.CompletedUnits {
			if err := completed.Put([]byte(unitID), uint64ToBytes(header.Sequence)); err != nil {
				return err
			}
		}

		persisted, err := tx.Bucket(bucketPersisted).CreateBucketIfNotExists([]byte(sessionID))
		if err != nil {
			return err
		}
		for _, entry := range c.Persisted {
			value, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if err := persisted.Put([]byte(types.NormalizeID(entry.ID)), value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("commit checkpoint %d: %w", header.Sequence, err)
	}

	// Update in-memory index only after the transaction is durable
	idx.sequence = header.Sequence
	idx.createdAt = header.CreatedAt
	for _, unitID := range c.CompletedUnits {
		idx.completed.ReplaceOrInsert(unitID)
	}
	for _, entry := range c.Persisted {
		idx.persisted.ReplaceOrInsert(types.NormalizeID(entry.ID))
	}

	return header.Sequence, nil
}

// LoadCheckpoint returns the latest checkpoint of a session, or a
// NoCheckpoint error.
func (s *Store) LoadCheckpoint(sessionID string) (types.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.indexLocked(sessionID)
	if err != nil {
		return types.Checkpoint{}, err
	}
	if idx.sequence == 0 {
		return types.Checkpoint{}, types.NewError(types.KindNoCheckpoint, "session "+sessionID+" has no checkpoint")
	}

	cp := types.Checkpoint{
		SessionID:          sessionID,
		Sequence:           idx.sequence,
		CompletedUnits:     make([]string, 0, idx.completed.Len()),
		PersistedResources: make([]string, 0, idx.persisted.Len()),
		CreatedAt:          idx.createdAt,
	}
	idx.completed.Ascend(func(id string) bool {
		cp.CompletedUnits = append(cp.CompletedUnits, id)
		return true
	})
	idx.persisted.Ascend(func(id string) bool {
		cp.PersistedResources = append(cp.PersistedResources, id)
		return true
	})
	return cp, nil
}

// Sequence returns the latest checkpoint sequence, 0 if none.
func (s *Store) Sequence(sessionID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.indexLocked(sessionID)
	if err != nil {
		return 0, err
	}
	return idx.sequence, nil
}

// LoadIndex returns the inference index entries of every persisted
// resource of a session, sorted by ID.
func (s *Store) LoadIndex(sessionID string) ([]types.IndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []types.IndexEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketPersisted).Bucket([]byte(sessionID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var entry types.IndexEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}
	return entries, nil
}

// CopyCheckpoint seeds session to with the checkpoint and index of
// session from. The copy keeps the source sequence.
func (s *Store) CopyCheckpoint(from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		header := tx.Bucket(bucketCheckpoints).Get([]byte(from))
		if header == nil {
			return types.NewError(types.KindNoCheckpoint, "session "+from+" has no checkpoint")
		}
		if err := tx.Bucket(bucketCheckpoints).Put([]byte(to), append([]byte(nil), header...)); err != nil {
			return err
		}
		for _, name := range [][]byte{bucketCompleted, bucketPersisted} {
			parent := tx.Bucket(name)
			src := parent.Bucket([]byte(from))
			if src == nil {
				continue
			}
			dst, err := parent.CreateBucketIfNotExists([]byte(to))
			if err != nil {
				return err
			}
			if err := src.ForEach(func(k, v []byte) error {
				return dst.Put(append([]byte(nil), k...), append([]byte(nil), v...))
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("copy checkpoint %s -> %s: %w", from, to, err)
	}
	delete(s.indexes, to)
	return nil
}

// indexLocked returns the cached index of a session, rebuilding it from
// disk on first use. Called with mu held.
func (s *Store) indexLocked(sessionID string) (*checkpointIndex, error) {
	if idx, ok := s.indexes[sessionID]; ok {
		return idx, nil
	}

	idx := newCheckpointIndex()
	err := s.db.View(func(tx *bbolt.Tx) error {
		if raw := tx.Bucket(bucketCheckpoints).Get([]byte(sessionID)); raw != nil {
			var header checkpointHeader
			if err := json.Unmarshal(raw, &header); err != nil {
				return err
			}
			idx.sequence = header.Sequence
			idx.createdAt = header.CreatedAt
		}
		if b := tx.Bucket(bucketCompleted).Bucket([]byte(sessionID)); b != nil {
			if err := b.ForEach(func(k, _ []byte) error {
				idx.completed.ReplaceOrInsert(string(k))
				return nil
			}); err != nil {
				return err
			}
		}
		if b := tx.Bucket(bucketPersisted).Bucket([]byte(sessionID)); b != nil {
			return b.ForEach(func(k, _ []byte) error {
				idx.persisted.ReplaceOrInsert(string(k))
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rebuild checkpoint index: %w", err)
	}

	s.indexes[sessionID] = idx
	return idx, nil
}

// SaveSession upserts a session record.
func (s *Store) SaveSession(rec types.SessionRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(rec.ID), value)
	})
}

// LoadSession returns a session record.
func (s *Store) LoadSession(id string) (types.SessionRecord, error) {
	var rec types.SessionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketSessions).Get([]byte(id))
		if raw == nil {
			return ErrSessionNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return types.SessionRecord{}, fmt.Errorf("load session %s: %w", id, err)
	}
	return rec, nil
}

// ListSessions returns every session, oldest first.
func (s *Store) ListSessions() ([]types.SessionRecord, error) {
	var recs []types.SessionRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, v []byte) error {
			var rec types.SessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
	return recs, nil
}

func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}
