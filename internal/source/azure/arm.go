package azure

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armsubscriptions"
)

// Options configures the Resource Manager clients.
type Options struct {
	// ClientOptions are passed to every client. Nil uses the SDK defaults.
	ClientOptions *arm.ClientOptions
	// PageSize caps the resources and groups returned per page ($top).
	// Zero leaves paging to Resource Manager.
	PageSize int32
}

// New creates a lister backed by Resource Manager.
func New(cred azcore.TokenCredential, opts Options) (*Lister, error) {
	api, err := NewARM(cred, opts)
	if err != nil {
		return nil, err
	}
	return NewWithAPI(api), nil
}

// ARM implements API with the Resource Manager SDK. First pages go
// through the generated pagers; continuation pages follow nextLink over
// the same authenticated pipeline, which is what the pagers do
// internally.
type ARM struct {
	cred azcore.TokenCredential
	opts Options

	subs *armsubscriptions.Client
	raw  *arm.Client

	mu        sync.Mutex
	groups    map[string]*armresources.ResourceGroupsClient
	resources map[string]*armresources.Client
}

var _ API = (*ARM)(nil)

// NewARM creates the Resource Manager clients.
func NewARM(cred azcore.TokenCredential, opts Options) (*ARM, error) {
	subs, err := armsubscriptions.NewClient(cred, opts.ClientOptions)
	if err != nil {
		return nil, fmt.Errorf("create subscriptions client: %w", err)
	}
	raw, err := arm.NewClient("kartta", "v1.0.0", cred, opts.ClientOptions)
	if err != nil {
		return nil, fmt.Errorf("create resource manager client: %w", err)
	}
	return &ARM{
		cred:      cred,
		opts:      opts,
		subs:      subs,
		raw:       raw,
		groups:    make(map[string]*armresources.ResourceGroupsClient),
		resources: make(map[string]*armresources.Client),
	}, nil
}

// ListSubscriptions implements API.
func (a *ARM) ListSubscriptions(ctx context.Context, nextLink string) (SubscriptionPage, error) {
	var result armsubscriptions.SubscriptionListResult
	if nextLink == "" {
		resp, err := a.subs.NewListPager(nil).NextPage(ctx)
		if err != nil {
			return SubscriptionPage{}, err
		}
		result = resp.SubscriptionListResult
	} else if err := a.follow(ctx, nextLink, &result); err != nil {
		return SubscriptionPage{}, err
	}
	return SubscriptionPage{Subscriptions: result.Value, NextLink: deref(result.NextLink)}, nil
}

// ListResourceGroups implements API.
func (a *ARM) ListResourceGroups(ctx context.Context, subscriptionID, nextLink string) (GroupPage, error) {
	var result armresources.ResourceGroupListResult
	if nextLink == "" {
		client, err := a.groupsClient(subscriptionID)
		if err != nil {
			return GroupPage{}, err
		}
		resp, err := client.NewListPager(&armresources.ResourceGroupsClientListOptions{Top: a.top()}).NextPage(ctx)
		if err != nil {
			return GroupPage{}, err
		}
		result = resp.ResourceGroupListResult
	} else if err := a.follow(ctx, nextLink, &result); err != nil {
		return GroupPage{}, err
	}
	return GroupPage{Groups: result.Value, NextLink: deref(result.NextLink)}, nil
}

// ListResources implements API.
func (a *ARM) ListResources(ctx context.Context, subscriptionID, group, nextLink string) (ResourcePage, error) {
	var result armresources.ResourceListResult
	if nextLink == "" {
		client, err := a.resourcesClient(subscriptionID)
		if err != nil {
			return ResourcePage{}, err
		}
		pager := client.NewListByResourceGroupPager(group, &armresources.ClientListByResourceGroupOptions{
			Top:    a.top(),
			Expand: &expandFields,
		})
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return ResourcePage{}, err
		}
		result = resp.ResourceListResult
	} else if err := a.follow(ctx, nextLink, &result); err != nil {
		return ResourcePage{}, err
	}
	return ResourcePage{Resources: result.Value, NextLink: deref(result.NextLink)}, nil
}

var expandFields = "provisioningState"

func (a *ARM) top() *int32 {
	if a.opts.PageSize <= 0 {
		return nil
	}
	top := a.opts.PageSize
	return &top
}

// follow fetches a nextLink page into result.
func (a *ARM) follow(ctx context.Context, nextLink string, result any) error {
	req, err := runtime.NewRequest(ctx, http.MethodGet, nextLink)
	if err != nil {
		return err
	}
	resp, err := a.raw.Pipeline().Do(req)
	if err != nil {
		return err
	}
	if !runtime.HasStatusCode(resp, http.StatusOK) {
		return runtime.NewResponseError(resp)
	}
	return runtime.UnmarshalAsJSON(resp, result)
}

func (a *ARM) groupsClient(subscriptionID string) (*armresources.ResourceGroupsClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.groups[subscriptionID]; ok {
		return c, nil
	}
	c, err := armresources.NewResourceGroupsClient(subscriptionID, a.cred, a.opts.ClientOptions)
	if err != nil {
		return nil, fmt.Errorf("create resource groups client: %w", err)
	}
	a.groups[subscriptionID] = c
	return c, nil
}

func (a *ARM) resourcesClient(subscriptionID string) (*armresources.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.resources[subscriptionID]; ok {
		return c, nil
	}
	c, err := armresources.NewClient(subscriptionID, a.cred, a.opts.ClientOptions)
	if err != nil {
		return nil, fmt.Errorf("create resources client: %w", err)
	}
	a.resources[subscriptionID] = c
	return c, nil
}
