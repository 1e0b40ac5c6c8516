package types

import (
	"fmt"
	"sort"
	"strings"
)

// ScopeKind identifies the level of the resource hierarchy a unit covers.
type ScopeKind string

const (
	ScopeTenant        ScopeKind = "tenant"
	ScopeSubscription  ScopeKind = "subscription"
	ScopeResourceGroup ScopeKind = "resource_group"
	ScopePartition     ScopeKind = "partition"
)

// Valid reports whether k is a known scope kind.
func (k ScopeKind) Valid() bool {
	switch k {
	case ScopeTenant, ScopeSubscription, ScopeResourceGroup, ScopePartition:
		return true
	}
	return false
}

// DiscoveryScope is the input boundary of a session.
type DiscoveryScope struct {
	Provider string    `json:"provider" yaml:"provider"`
	Kind     ScopeKind `json:"kind" yaml:"kind"`
	TenantID string    `json:"tenant_id,omitempty" yaml:"tenant_id"`

	// Targets are subscription IDs for ScopeSubscription and
	// "<subscription>/<group>" pairs for ScopeResourceGroup.
	Targets []string `json:"targets,omitempty" yaml:"targets"`

	ResourceTypes   []string          `json:"resource_types,omitempty" yaml:"resource_types"`
	Regions         []string          `json:"regions,omitempty" yaml:"regions"`
	Tags            map[string]string `json:"tags,omitempty" yaml:"tags"`
	ExcludePatterns []string          `json:"exclude_patterns,omitempty" yaml:"exclude_patterns"`
}

// Validate checks the scope is well formed. It does not check that the
// scope resolves to at least one unit; RootUnits callers do that.
func (s DiscoveryScope) Validate() error {
	if !s.Kind.Valid() || s.Kind == ScopePartition {
		return NewError(KindInvalidScope, fmt.Sprintf("unsupported scope kind %q", s.Kind))
	}
	switch s.Kind {
	case ScopeTenant:
		if s.TenantID == "" {
			return NewError(KindInvalidScope, "tenant scope requires tenant_id")
		}
	case ScopeResourceGroup:
		for _, t := range s.Targets {
			if sub, group, ok := strings.Cut(t, "/"); !ok || sub == "" || group == "" {
				return NewError(KindInvalidScope, fmt.Sprintf("resource group target %q must be <subscription>/<group>", t))
			}
		}
	}
	return nil
}

// RootUnits returns the units discovery starts from, sorted by ID.
func (s DiscoveryScope) RootUnits() []ScopeUnit {
	var units []ScopeUnit
	switch s.Kind {
	case ScopeTenant:
		units = append(units, TenantUnit(s.TenantID))
	case ScopeSubscription:
		for _, sub := range dedupe(s.Targets) {
			units = append(units, SubscriptionUnit("", sub))
		}
	case ScopeResourceGroup:
		for _, t := range dedupe(s.Targets) {
			sub, group, _ := strings.Cut(t, "/")
			units = append(units, ResourceGroupUnit(SubscriptionUnitID(sub), group))
		}
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// ScopeUnit is one traversable node of the hierarchy. IDs are
// stable across runs so a checkpoint can refer to them.
type ScopeUnit struct {
	ID       string            `json:"id"`
	Kind     ScopeKind         `json:"kind"`
	ParentID string            `json:"parent_id,omitempty"`
	Name     string            `json:"name"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

// IsContainer reports whether the unit is itself a node in the graph.
func (u ScopeUnit) IsContainer() bool {
	return u.Kind != ScopePartition
}

// ContainerID returns the graph node that directly contains resources
// listed under u.
func (u ScopeUnit) ContainerID() string {
	if u.IsContainer() {
		return u.ID
	}
	return u.ParentID
}

// Attr returns a unit attribute or "".
func (u ScopeUnit) Attr(key string) string {
	if u.Attrs == nil {
		return ""
	}
	return u.Attrs[key]
}

// NodeType is the graph type used for the unit node.
func (u ScopeUnit) NodeType() string {
	switch u.Kind {
	case ScopeTenant:
		return "kartta/tenant"
	case ScopeSubscription:
		return "kartta/subscription"
	case ScopeResourceGroup:
		return "kartta/resource_group"
	}
	return "kartta/partition"
}

// Node returns the RawResource representing the unit in the graph.
func (u ScopeUnit) Node() RawResource {
	return RawResource{
		ID:     u.ID,
		Type:   u.NodeType(),
		Name:   u.Name,
		UnitID: u.ID,
		Region: u.Attr("location"),
	}
}

// TenantUnitID returns the stable unit ID of a tenant.
func TenantUnitID(tenant string) string {
	return "/tenants/" + strings.ToLower(tenant)
}

// SubscriptionUnitID returns the stable unit ID of a subscription.
func SubscriptionUnitID(sub string) string {
	return "/subscriptions/" + strings.ToLower(sub)
}

// TenantUnit builds the root unit of a tenant scope.
func TenantUnit(tenant string) ScopeUnit {
	return ScopeUnit{ID: TenantUnitID(tenant), Kind: ScopeTenant, Name: tenant}
}

// SubscriptionUnit builds a subscription unit under parentID (may be empty).
func SubscriptionUnit(parentID, sub string) ScopeUnit {
	return ScopeUnit{ID: SubscriptionUnitID(sub), Kind: ScopeSubscription, ParentID: parentID, Name: sub}
}

// ResourceGroupUnit builds a group unit under a subscription unit.
func ResourceGroupUnit(subscriptionID, group string) ScopeUnit {
	return ScopeUnit{
		ID:       subscriptionID + "/resourcegroups/" + strings.ToLower(group),
		Kind:     ScopeResourceGroup,
		ParentID: subscriptionID,
		Name:     group,
	}
}

// PartitionUnit builds a resource-type partition under a group unit.
func PartitionUnit(groupID, resourceType string) ScopeUnit {
	return ScopeUnit{
		ID:       groupID + "/types/" + strings.ToLower(resourceType),
		Kind:     ScopePartition,
		ParentID: groupID,
		Name:     resourceType,
		Attrs:    map[string]string{"resource_type": resourceType},
	}
}
