package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/yairfalse/kartta/types"
)

type intent int32

const (
	intentNone intent = iota
	intentPause
	intentCancel
)

// session is the in-memory side of a SessionRecord. mu guards the
// record fields and is only held for in-memory updates, so snapshots
// never wait on the pipeline or on disk. persistMu orders writes of the
// record to the store.
type session struct {
	mu        sync.Mutex
	persistMu sync.Mutex

	rec types.SessionRecord
	cfg Config

	// Set while a pipeline runs for this session.
	run *run
}

// run holds the counters of one pipeline execution. Totals carried from
// earlier runs of the same session live in base.
type run struct {
	id     string
	base   types.DiscoveryProgress
	intent atomic.Int32
	stop   chan struct{}
	once   sync.Once
	done   chan struct{}

	unitsKnown   atomic.Int64
	unitsVisited atomic.Int64
	unitsFailed  atomic.Int64
	found        atomic.Int64
	inferred     atomic.Int64
	persisted    atomic.Int64
	edges        atomic.Int64
	dangling     atomic.Int64
	peak         atomic.Int64
	sequence     atomic.Uint64
	finished     atomic.Bool

	// Resource IDs found so far, including those the starting checkpoint
	// had already persisted.
	seenMu sync.Mutex
	seen   map[string]struct{}
}

func newRun(id string, base types.DiscoveryProgress, cp types.Checkpoint) *run {
	r := &run{
		id:   id,
		base: base,
		stop: make(chan struct{}),
		done: make(chan struct{}),
		seen: make(map[string]struct{}, len(cp.PersistedResources)),
	}
	for _, rid := range cp.PersistedResources {
		r.seen[types.NormalizeID(rid)] = struct{}{}
	}
	r.sequence.Store(cp.Sequence)
	r.peak.Store(base.BufferedPeak)
	return r
}

// request records the first intent and stops enumeration. Later
// requests do not override it.
func (r *run) request(i intent) {
	r.intent.CompareAndSwap(int32(intentNone), int32(i))
	r.once.Do(func() { close(r.stop) })
}

// markFound records a found resource and reports whether it is new to
// the session.
func (r *run) markFound(res types.RawResource) bool {
	key := res.Key()
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	if _, ok := r.seen[key]; ok {
		return false
	}
	r.seen[key] = struct{}{}
	return true
}

func (r *run) wants() intent {
	return intent(r.intent.Load())
}

func (r *run) buffered() int64 {
	if r.finished.Load() {
		return 0
	}
	b := r.found.Load() - r.persisted.Load()
	if b < 0 {
		return 0
	}
	return b
}

func (r *run) observeBuffer() {
	b := r.buffered()
	for {
		peak := r.peak.Load()
		if b <= peak || r.peak.CompareAndSwap(peak, b) {
			return
		}
	}
}

// progress overlays the run counters on base.
func (r *run) progress(p types.DiscoveryProgress) types.DiscoveryProgress {
	p.UnitsKnown = r.base.UnitsKnown + r.unitsKnown.Load()
	p.UnitsVisited = r.base.UnitsVisited + r.unitsVisited.Load()
	p.UnitsFailed = r.base.UnitsFailed + r.unitsFailed.Load()
	p.ResourcesFound = r.base.ResourcesFound + r.found.Load()
	p.RelationshipsInferred = r.base.RelationshipsInferred + r.inferred.Load()
	p.ResourcesPersisted = r.base.ResourcesPersisted + r.persisted.Load()
	p.RelationshipsPersisted = r.base.RelationshipsPersisted + r.edges.Load()
	p.RelationshipsDangling = r.base.RelationshipsDangling + r.dangling.Load()
	p.Buffered = r.buffered()
	p.BufferedPeak = r.peak.Load()
	p.CheckpointSequence = r.sequence.Load()
	return p
}

// snapshotLocked returns the current record with live counters. The
// caller holds s.mu.
func (s *session) snapshotLocked() types.SessionRecord {
	rec := s.rec
	if s.run != nil {
		rec.Progress = s.run.progress(rec.Progress)
	}
	rec.Progress.SessionID = rec.ID
	rec.Progress.State = rec.State
	rec.Progress.Errors = append([]types.DiscoveryError(nil), rec.Progress.Errors...)
	rec.Dangling = append([]types.Relationship(nil), rec.Dangling...)
	return rec
}

func (s *session) snapshot() types.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *session) state() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.State
}

func (s *session) addError(err types.DiscoveryError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.Progress.Errors = append(s.rec.Progress.Errors, err)
	s.rec.UpdatedAt = time.Now().UTC()
}

func (s *session) addDangling(edge types.Relationship) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec.Dangling = append(s.rec.Dangling, edge)
}
