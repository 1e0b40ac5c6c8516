package types

import (
	"sort"
	"time"
)

// SessionState is a state of the session lifecycle.
type SessionState string

const (
	StateInitializing SessionState = "INITIALIZING"
	StateEnumerating  SessionState = "ENUMERATING"
	StateInferring    SessionState = "INFERRING"
	StatePersisting   SessionState = "PERSISTING"
	StatePaused       SessionState = "PAUSED"
	StateCompleted    SessionState = "COMPLETED"
	StateFailed       SessionState = "FAILED"
	StateCancelled    SessionState = "CANCELLED"
)

// Terminal reports whether no transition can leave s.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Active reports whether a pipeline is running in state s.
func (s SessionState) Active() bool {
	return s == StateInitializing || s == StateEnumerating || s == StateInferring || s == StatePersisting
}

// Stage returns the ordering of the active pipeline stages, or 0.
func (s SessionState) Stage() int {
	switch s {
	case StateEnumerating:
		return 1
	case StateInferring:
		return 2
	case StatePersisting:
		return 3
	}
	return 0
}

var transitions = map[SessionState][]SessionState{
	StateInitializing: {StateEnumerating, StatePaused, StateCancelled, StateFailed},
	StateEnumerating:  {StateInferring, StatePersisting, StatePaused, StateCancelled, StateFailed, StateCompleted},
	StateInferring:    {StatePersisting, StatePaused, StateCancelled, StateFailed, StateCompleted},
	StatePersisting:   {StatePaused, StateCancelled, StateFailed, StateCompleted},
	StatePaused:       {StateEnumerating, StateInferring, StatePersisting, StateCancelled, StateFailed},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Checkpoint is the durable resumption point of a session. Sequence is
// strictly increasing; both sets only grow.
type Checkpoint struct {
	SessionID          string    `json:"session_id"`
	Sequence           uint64    `json:"sequence"`
	CompletedUnits     []string  `json:"completed_units"`
	PersistedResources []string  `json:"persisted_resources"`
	CreatedAt          time.Time `json:"created_at"`
}

// IsCompleted reports whether unitID is in the completed set.
func (c Checkpoint) IsCompleted(unitID string) bool {
	return containsSorted(c.CompletedUnits, unitID)
}

// IsPersisted reports whether resourceID is in the persisted set.
func (c Checkpoint) IsPersisted(resourceID string) bool {
	return containsSorted(c.PersistedResources, NormalizeID(resourceID))
}

// Clone returns a deep copy.
func (c Checkpoint) Clone() Checkpoint {
	out := c
	out.CompletedUnits = append([]string(nil), c.CompletedUnits...)
	out.PersistedResources = append([]string(nil), c.PersistedResources...)
	return out
}

func containsSorted(s []string, v string) bool {
	i := sort.SearchStrings(s, v)
	return i < len(s) && s[i] == v
}

// IndexEntry is the compact form of a persisted resource that inference
// needs to resolve references after a resume.
type IndexEntry struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	UnitID string `json:"unit_id"`
	Tags   Tags   `json:"tags,omitempty"`
}

// IsUnitNode reports whether e is the graph node of a scope unit rather
// than a listed resource.
func (e IndexEntry) IsUnitNode() bool {
	return NormalizeID(e.ID) == NormalizeID(e.UnitID)
}

// DiscoveryProgress is a point-in-time snapshot of a session.
type DiscoveryProgress struct {
	SessionID              string           `json:"session_id"`
	State                  SessionState     `json:"state"`
	UnitsVisited           int64            `json:"units_visited"`
	UnitsKnown             int64            `json:"units_known"`
	UnitsFailed            int64            `json:"units_failed"`
	ResourcesFound         int64            `json:"resources_found"`
	RelationshipsInferred  int64            `json:"relationships_inferred"`
	ResourcesPersisted     int64            `json:"resources_persisted"`
	RelationshipsPersisted int64            `json:"relationships_persisted"`
	RelationshipsDangling  int64            `json:"relationships_dangling"`
	Buffered               int64            `json:"buffered"`
	BufferedPeak           int64            `json:"buffered_peak"`
	CheckpointSequence     uint64           `json:"checkpoint_sequence"`
	Errors                 []DiscoveryError `json:"errors,omitempty"`
	StartedAt              time.Time        `json:"started_at"`
	UpdatedAt              time.Time        `json:"updated_at"`
}

// SessionRecord is the persisted form of a session.
type SessionRecord struct {
	ID          string            `json:"id"`
	Scope       DiscoveryScope    `json:"scope"`
	State       SessionState      `json:"state"`
	ResumeState SessionState      `json:"resume_state,omitempty"`
	RetryOf     string            `json:"retry_of,omitempty"`
	Progress    DiscoveryProgress `json:"progress"`
	Dangling    []Relationship    `json:"dangling,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}
