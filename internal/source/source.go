// Package source defines the paged listing contract the enumerator
// drives, plus the typed errors every provider maps its failures onto.
package source

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/yairfalse/kartta/types"
)

// Page is one page of a unit listing.
type Page struct {
	Resources []types.RawResource
	// Children are units discovered under the listed unit. Providers
	// return them on the first page only.
	Children []types.ScopeUnit
	// NextPageToken is empty on the last page.
	NextPageToken string
}

// Lister lists the direct contents of one scope unit, a page at a time.
// Implementations must be safe for concurrent use by many workers.
type Lister interface {
	// Name returns the provider identifier ("azure", "aws", "fixture").
	Name() string

	// List returns the page at pageToken ("" for the first page).
	List(ctx context.Context, unit types.ScopeUnit, pageToken string) (Page, error)
}

// Registry holds the listers available to sessions, keyed by provider.
type Registry struct {
	mu      sync.RWMutex
	listers map[string]Lister
}

// NewRegistry creates a registry pre-populated with listers.
func NewRegistry(listers ...Lister) *Registry {
	r := &Registry{listers: make(map[string]Lister)}
	for _, l := range listers {
		r.Register(l)
	}
	return r
}

// Register adds or replaces a lister.
func (r *Registry) Register(l Lister) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listers[l.Name()] = l
}

// Get returns the lister for a provider.
func (r *Registry) Get(name string) (Lister, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listers[name]
	if !ok {
		return nil, fmt.Errorf("no lister registered for provider %q", name)
	}
	return l, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.listers))
	for name := range r.listers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
