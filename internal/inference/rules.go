package inference

import (
	"github.com/yairfalse/kartta/types"
)

// Confidence levels per rule. Structural facts outrank references,
// which outrank tag heuristics.
const (
	ContainmentConfidence = 1.0
	ReferenceConfidence   = 0.9
	OwnershipConfidence   = 0.5
)

// Rule derives relationships from one newly observed resource. Rules
// see the index including r itself and must be deterministic.
type Rule interface {
	Name() string
	Infer(r types.RawResource, unit types.ScopeUnit, idx *Index) []types.Relationship
}

// DefaultRules returns the rules in evaluation order.
func DefaultRules() []Rule {
	return []Rule{ContainmentRule{}, ReferenceRule{}, OwnershipTagRule{}}
}

// ContainmentRule links a resource to the unit node that contains it,
// and a unit node to its parent unit.
type ContainmentRule struct{}

func (ContainmentRule) Name() string { return "containment" }

func (ContainmentRule) Infer(r types.RawResource, unit types.ScopeUnit, _ *Index) []types.Relationship {
	id := r.Key()
	var parent string
	if id == types.NormalizeID(unit.ID) && unit.IsContainer() {
		parent = unit.ParentID
	} else {
		parent = unit.ContainerID()
	}
	parent = types.NormalizeID(parent)
	if parent == "" || parent == id {
		return nil
	}
	return []types.Relationship{{
		SourceID:   parent,
		TargetID:   id,
		Kind:       types.Contains,
		Confidence: ContainmentConfidence,
		Evidence:   []string{"containment:" + string(unit.Kind)},
	}}
}

// ReferenceRule turns well-known reference fields into edges from the
// resource to the referenced ID.
type ReferenceRule struct{}

func (ReferenceRule) Name() string { return "reference" }

func (ReferenceRule) Infer(r types.RawResource, _ types.ScopeUnit, _ *Index) []types.Relationship {
	if len(r.Refs) == 0 {
		return nil
	}
	id := r.Key()
	out := make([]types.Relationship, 0, len(r.Refs))
	for _, ref := range types.SortReferences(append([]types.Reference(nil), r.Refs...)) {
		target := types.NormalizeID(ref.Target)
		if target == "" || target == id {
			continue
		}
		out = append(out, types.Relationship{
			SourceID:   id,
			TargetID:   target,
			Kind:       ref.Field.RelationshipKind(),
			Confidence: ReferenceConfidence,
			Evidence:   []string{"ref:" + string(ref.Field)},
		})
	}
	return out
}

// OwnershipTagRule links identity resources to the resources that share
// an ownership tag value with them. The edge always points from the
// identity, whichever side arrives second.
type OwnershipTagRule struct{}

func (OwnershipTagRule) Name() string { return "ownership_tag" }

func (OwnershipTagRule) Infer(r types.RawResource, _ types.ScopeUnit, idx *Index) []types.Relationship {
	id := r.Key()
	identity := idx.IsIdentity(r.Type)

	var out []types.Relationship
	for _, key := range idx.TagKeys() {
		value := r.Tags.Get(key)
		if value == "" {
			continue
		}
		evidence := []string{"tag:" + key}
		if identity {
			for _, member := range idx.Members(key, value) {
				out = append(out, ownershipEdge(id, member, evidence))
			}
			continue
		}
		for _, ident := range idx.Identities(key, value) {
			out = append(out, ownershipEdge(ident, id, evidence))
		}
	}
	return out
}

func ownershipEdge(identity, target string, evidence []string) types.Relationship {
	return types.Relationship{
		SourceID:   identity,
		TargetID:   target,
		Kind:       types.IdentityAccess,
		Confidence: OwnershipConfidence,
		Evidence:   evidence,
	}
}
