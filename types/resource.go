package types

import (
	"sort"
	"strings"
)

// RawResource is one resource as returned by the source, before inference.
type RawResource struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name,omitempty"`
	Region   string            `json:"region,omitempty"`
	UnitID   string            `json:"unit_id"`
	Tags     Tags              `json:"tags,omitempty"`
	Refs     []Reference       `json:"refs,omitempty"`
	Props    map[string]any    `json:"props,omitempty"`
	Provider string            `json:"provider,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

// Key returns the normalized identity used for matching references.
// Cloud resource IDs are case-insensitive.
func (r RawResource) Key() string {
	return NormalizeID(r.ID)
}

// NormalizeID canonicalizes a resource ID for comparisons.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// RefField names a well-known reference extracted from a resource.
type RefField string

const (
	RefManagedBy        RefField = "managed_by"
	RefDependsOn        RefField = "depends_on"
	RefAttachedTo       RefField = "attached_to"
	RefSubnet           RefField = "subnet"
	RefVirtualNetwork   RefField = "virtual_network"
	RefNetworkInterface RefField = "network_interface"
	RefPublicIP         RefField = "public_ip"
	RefSecurityGroup    RefField = "security_group"
	RefIdentity         RefField = "identity"
)

// RelationshipKind maps a reference field onto the edge it produces.
func (f RefField) RelationshipKind() RelationshipKind {
	switch f {
	case RefSubnet, RefVirtualNetwork, RefNetworkInterface, RefPublicIP, RefSecurityGroup:
		return NetworkConnected
	case RefIdentity:
		return IdentityAccess
	default:
		return DependsOn
	}
}

// Reference is a typed pointer from a resource to another resource ID.
type Reference struct {
	Field  RefField `json:"field"`
	Target string   `json:"target"`
}

type refPath struct {
	field RefField
	path  []string
}

// Paths into an ARM-style property bag. "[]" fans out over arrays and
// "{}" over map keys.
var wellKnownRefs = []refPath{
	{RefManagedBy, []string{"managedBy"}},
	{RefIdentity, []string{"identity", "userAssignedIdentities", "{}"}},
	{RefNetworkInterface, []string{"properties", "networkProfile", "networkInterfaces", "[]", "id"}},
	{RefSubnet, []string{"properties", "ipConfigurations", "[]", "properties", "subnet", "id"}},
	{RefPublicIP, []string{"properties", "ipConfigurations", "[]", "properties", "publicIPAddress", "id"}},
	{RefSecurityGroup, []string{"properties", "networkSecurityGroup", "id"}},
	{RefVirtualNetwork, []string{"properties", "virtualNetwork", "id"}},
	{RefSubnet, []string{"properties", "subnet", "id"}},
	{RefAttachedTo, []string{"properties", "virtualMachine", "id"}},
	{RefDependsOn, []string{"properties", "serverFarmId"}},
	{RefDependsOn, []string{"properties", "storageProfile", "osDisk", "managedDisk", "id"}},
	{RefDependsOn, []string{"properties", "storageProfile", "dataDisks", "[]", "managedDisk", "id"}},
}

// ExtractReferences pulls well-known reference fields out of an opaque
// property bag. Fields not in the table stay opaque in Props.
func ExtractReferences(props map[string]any) []Reference {
	if len(props) == 0 {
		return nil
	}
	var refs []Reference
	for _, p := range wellKnownRefs {
		for _, target := range walk(props, p.path) {
			refs = append(refs, Reference{Field: p.field, Target: target})
		}
	}
	return SortReferences(refs)
}

func walk(node any, path []string) []string {
	if len(path) == 0 {
		if s, ok := node.(string); ok && s != "" {
			return []string{s}
		}
		return nil
	}
	switch seg := path[0]; seg {
	case "[]":
		items, ok := node.([]any)
		if !ok {
			return nil
		}
		var out []string
		for _, item := range items {
			out = append(out, walk(item, path[1:])...)
		}
		return out
	case "{}":
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		out := make([]string, 0, len(m))
		for k := range m {
			if k != "" {
				out = append(out, k)
			}
		}
		return out
	default:
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		child, ok := m[seg]
		if !ok {
			return nil
		}
		return walk(child, path[1:])
	}
}

// SortReferences orders and de-duplicates references.
func SortReferences(refs []Reference) []Reference {
	if len(refs) == 0 {
		return nil
	}
	seen := make(map[Reference]bool, len(refs))
	out := refs[:0]
	for _, r := range refs {
		r.Target = strings.TrimSpace(r.Target)
		if r.Target == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Field != out[j].Field {
			return out[i].Field < out[j].Field
		}
		return out[i].Target < out[j].Target
	})
	return out
}
