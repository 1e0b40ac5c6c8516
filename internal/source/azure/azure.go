// Package azure lists an Azure tenant through the paged source contract:
// tenant, then subscriptions, then resource groups, then resources.
// Page tokens are the nextLink URLs returned by Resource Manager.
package azure

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armsubscriptions"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/kartta/internal/source"
	"github.com/yairfalse/kartta/types"
)

// Provider is the lister name used in scopes and registries.
const Provider = "azure"

// SubscriptionPage is one page of subscriptions.
type SubscriptionPage struct {
	Subscriptions []*armsubscriptions.Subscription
	NextLink      string
}

// GroupPage is one page of resource groups.
type GroupPage struct {
	Groups   []*armresources.ResourceGroup
	NextLink string
}

// ResourcePage is one page of resources in a group.
type ResourcePage struct {
	Resources []*armresources.GenericResourceExpanded
	NextLink  string
}

// API is the part of Resource Manager the lister uses. An empty
// nextLink requests the first page.
type API interface {
	ListSubscriptions(ctx context.Context, nextLink string) (SubscriptionPage, error)
	ListResourceGroups(ctx context.Context, subscriptionID, nextLink string) (GroupPage, error)
	ListResources(ctx context.Context, subscriptionID, group, nextLink string) (ResourcePage, error)
}

// Lister implements source.Lister for Azure.
type Lister struct {
	api API
}

var _ source.Lister = (*Lister)(nil)

// NewWithAPI creates a lister over api.
func NewWithAPI(api API) *Lister {
	return &Lister{api: api}
}

// Name returns the provider name.
func (l *Lister) Name() string { return Provider }

// List returns one page of the unit.
func (l *Lister) List(ctx context.Context, unit types.ScopeUnit, pageToken string) (source.Page, error) {
	var (
		page source.Page
		err  error
	)
	switch unit.Kind {
	case types.ScopeTenant:
		page, err = l.listTenant(ctx, unit, pageToken)
	case types.ScopeSubscription:
		page, err = l.listSubscription(ctx, unit, pageToken)
	case types.ScopeResourceGroup:
		page, err = l.listGroup(ctx, unit, pageToken)
	default:
		return source.Page{}, fmt.Errorf("azure: unsupported unit kind %q", unit.Kind)
	}
	if err != nil {
		return source.Page{}, classify(err)
	}
	return page, nil
}

func (l *Lister) listTenant(ctx context.Context, unit types.ScopeUnit, nextLink string) (source.Page, error) {
	out, err := l.api.ListSubscriptions(ctx, nextLink)
	if err != nil {
		return source.Page{}, fmt.Errorf("list subscriptions: %w", err)
	}

	page := source.Page{NextPageToken: out.NextLink}
	for _, sub := range out.Subscriptions {
		if sub == nil || sub.SubscriptionID == nil {
			continue
		}
		// The credential may see subscriptions of other tenants.
		if tenant := deref(sub.TenantID); tenant != "" && !strings.EqualFold(tenant, unit.Name) {
			continue
		}
		state := ""
		if sub.State != nil {
			state = string(*sub.State)
		}
		if state == string(armsubscriptions.SubscriptionStateDisabled) || state == string(armsubscriptions.SubscriptionStateDeleted) {
			log.Debug().Str("subscription", *sub.SubscriptionID).Str("state", state).Msg("skipping inactive subscription")
			continue
		}
		child := types.SubscriptionUnit(unit.ID, *sub.SubscriptionID)
		child.Attrs = map[string]string{
			"display_name": deref(sub.DisplayName),
			"state":        state,
		}
		page.Children = append(page.Children, child)
	}
	return page, nil
}

func (l *Lister) listSubscription(ctx context.Context, unit types.ScopeUnit, nextLink string) (source.Page, error) {
	subID := unit.Name
	out, err := l.api.ListResourceGroups(ctx, subID, nextLink)
	if err != nil {
		return source.Page{}, fmt.Errorf("list resource groups of %s: %w", subID, err)
	}

	page := source.Page{NextPageToken: out.NextLink}
	for _, g := range out.Groups {
		if g == nil || g.Name == nil {
			continue
		}
		child := types.ResourceGroupUnit(unit.ID, *g.Name)
		child.Attrs = map[string]string{
			"location":       deref(g.Location),
			"subscription":   subID,
			"resource_group": *g.Name,
		}
		page.Children = append(page.Children, child)
	}
	return page, nil
}

func (l *Lister) listGroup(ctx context.Context, unit types.ScopeUnit, nextLink string) (source.Page, error) {
	subID := unit.Attr("subscription")
	if subID == "" {
		subID = strings.TrimPrefix(unit.ParentID, types.SubscriptionUnitID(""))
	}
	group := unit.Attr("resource_group")
	if group == "" {
		group = unit.Name
	}

	out, err := l.api.ListResources(ctx, subID, group, nextLink)
	if err != nil {
		return source.Page{}, fmt.Errorf("list resources of %s/%s: %w", subID, group, err)
	}

	page := source.Page{NextPageToken: out.NextLink}
	for _, res := range out.Resources {
		if res == nil || res.ID == nil {
			continue
		}
		page.Resources = append(page.Resources, convert(unit, res))
	}
	return page, nil
}

// convert maps a Resource Manager resource onto a RawResource. References
// come from managedBy, user-assigned identities and, when Resource
// Manager returned them, the well-known property paths.
func convert(unit types.ScopeUnit, res *armresources.GenericResourceExpanded) types.RawResource {
	r := types.RawResource{
		ID:       *res.ID,
		Type:     deref(res.Type),
		Name:     deref(res.Name),
		Region:   deref(res.Location),
		UnitID:   unit.ID,
		Tags:     types.TagsFromPointers(res.Tags),
		Provider: Provider,
	}

	props := map[string]any{}
	if m, ok := res.Properties.(map[string]any); ok && len(m) > 0 {
		props["properties"] = m
	}
	if res.Kind != nil {
		props["kind"] = *res.Kind
	}
	if res.SKU != nil && res.SKU.Name != nil {
		props["sku"] = *res.SKU.Name
	}
	if res.ProvisioningState != nil {
		props["provisioning_state"] = *res.ProvisioningState
	}
	if len(props) > 0 {
		r.Props = props
	}

	refs := types.ExtractReferences(r.Props)
	if managedBy := deref(res.ManagedBy); managedBy != "" {
		refs = append(refs, types.Reference{Field: types.RefManagedBy, Target: managedBy})
	}
	if res.Identity != nil {
		ids := make([]string, 0, len(res.Identity.UserAssignedIdentities))
		for id := range res.Identity.UserAssignedIdentities {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			refs = append(refs, types.Reference{Field: types.RefIdentity, Target: id})
		}
	}
	r.Refs = types.SortReferences(refs)
	return r
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
