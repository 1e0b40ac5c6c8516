// Package filter decides which units and resources a session admits.
package filter

import (
	"context"
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/yairfalse/kartta/types"
)

// Filter applies the scope's type, region, tag and exclude-pattern
// restrictions, plus an optional admission policy.
type Filter struct {
	includeTypes map[string]bool
	regions      map[string]bool
	includeTags  map[string]string
	excludeTags  map[string]string
	exclude      []glob.Glob
	policy       *Policy
}

// Option customizes a Filter.
type Option func(*Filter)

// WithExcludeTags drops resources carrying any of the given tags.
func WithExcludeTags(tags map[string]string) Option {
	return func(f *Filter) { f.excludeTags = tags }
}

// WithPolicy evaluates every resource against an admission policy.
func WithPolicy(p *Policy) Option {
	return func(f *Filter) { f.policy = p }
}

// New creates a Filter from the scope. A malformed exclude pattern is an
// InvalidScope error.
func New(scope types.DiscoveryScope, opts ...Option) (*Filter, error) {
	f := &Filter{
		includeTypes: make(map[string]bool),
		regions:      make(map[string]bool),
		includeTags:  scope.Tags,
	}
	for _, t := range scope.ResourceTypes {
		f.includeTypes[strings.ToLower(t)] = true
	}
	for _, r := range scope.Regions {
		f.regions[normalizeRegion(r)] = true
	}
	for _, p := range scope.ExcludePatterns {
		g, err := glob.Compile(strings.ToLower(p))
		if err != nil {
			return nil, types.WrapError(types.KindInvalidScope, fmt.Sprintf("exclude pattern %q", p), err)
		}
		f.exclude = append(f.exclude, g)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func normalizeRegion(r string) string {
	return strings.ReplaceAll(strings.ToLower(r), " ", "")
}

// ShouldScanType returns true if the given resource type should be listed.
func (f *Filter) ShouldScanType(typ string) bool {
	return len(f.includeTypes) == 0 || f.includeTypes[strings.ToLower(typ)]
}

// ShouldScanRegion returns true if the region is in scope.
func (f *Filter) ShouldScanRegion(region string) bool {
	return len(f.regions) == 0 || region == "" || f.regions[normalizeRegion(region)]
}

// Excluded reports whether id matches an exclude pattern.
func (f *Filter) Excluded(id string) bool {
	lower := strings.ToLower(id)
	for _, g := range f.exclude {
		if g.Match(lower) {
			return true
		}
	}
	return false
}

// AdmitUnit reports whether a discovered child unit should be traversed.
func (f *Filter) AdmitUnit(u types.ScopeUnit) bool {
	if f.Excluded(u.ID) {
		return false
	}
	if u.Kind == types.ScopePartition {
		if typ := u.Attr("resource_type"); typ != "" && !f.ShouldScanType(typ) {
			return false
		}
		if region := u.Attr("region"); region != "" && !f.ShouldScanRegion(region) {
			return false
		}
	}
	return true
}

// AdmitResource reports whether a listed resource passes the filters.
func (f *Filter) AdmitResource(ctx context.Context, r types.RawResource) (bool, error) {
	if f.Excluded(r.ID) || !f.ShouldScanType(r.Type) || !f.ShouldScanRegion(r.Region) {
		return false, nil
	}

	// Include tags (whitelist) - ALL must match
	if len(f.includeTags) > 0 && !r.Tags.Matches(f.includeTags) {
		return false, nil
	}

	// Exclude tags (blacklist) - ANY match excludes
	for k, v := range f.excludeTags {
		if r.Tags.Get(k) == v {
			return false, nil
		}
	}

	if f.policy != nil {
		return f.policy.Admit(ctx, r)
	}
	return true, nil
}

// IsEmpty returns true if no filters are configured.
func (f *Filter) IsEmpty() bool {
	return len(f.includeTypes) == 0 && len(f.regions) == 0 && len(f.includeTags) == 0 &&
		len(f.excludeTags) == 0 && len(f.exclude) == 0 && f.policy == nil
}
