package types

import "sort"

// RelationshipKind is the type of an inferred edge.
type RelationshipKind string

const (
	Contains         RelationshipKind = "CONTAINS"
	DependsOn        RelationshipKind = "DEPENDS_ON"
	NetworkConnected RelationshipKind = "NETWORK_CONNECTED"
	IdentityAccess   RelationshipKind = "IDENTITY_ACCESS"
)

// Relationship is a directed, typed edge between two resources.
type Relationship struct {
	SourceID   string           `json:"source_id"`
	TargetID   string           `json:"target_id"`
	Kind       RelationshipKind `json:"kind"`
	Confidence float64          `json:"confidence"`
	Evidence   []string         `json:"evidence"`
}

// EdgeKey is the natural key of an edge. At most one record per key is
// ever persisted.
type EdgeKey struct {
	SourceID string
	TargetID string
	Kind     RelationshipKind
}

// Key returns the natural key of r.
func (r Relationship) Key() EdgeKey {
	return EdgeKey{SourceID: r.SourceID, TargetID: r.TargetID, Kind: r.Kind}
}

// Less orders edge keys for deterministic batches.
func (k EdgeKey) Less(o EdgeKey) bool {
	if k.SourceID != o.SourceID {
		return k.SourceID < o.SourceID
	}
	if k.TargetID != o.TargetID {
		return k.TargetID < o.TargetID
	}
	return k.Kind < o.Kind
}

// Merge combines two records of the same edge: evidence is unioned and
// the highest confidence wins. Merge is commutative.
func (r Relationship) Merge(o Relationship) Relationship {
	out := r
	if o.Confidence > out.Confidence {
		out.Confidence = o.Confidence
	}
	out.Evidence = MergeEvidence(r.Evidence, o.Evidence)
	return out
}

// MergeEvidence returns the sorted union of two evidence lists.
func MergeEvidence(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, e := range a {
		set[e] = struct{}{}
	}
	for _, e := range b {
		set[e] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for e := range set {
		if e != "" {
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out
}
