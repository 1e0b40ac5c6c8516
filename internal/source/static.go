package source

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/kartta/types"
)

// Static serves a fixed hierarchy from memory. It backs dry runs from a
// fixture file and the engine tests.
type Static struct {
	name     string
	pageSize int

	mu        sync.Mutex
	children  map[string][]types.ScopeUnit
	resources map[string][]types.RawResource
	faults    map[string]*fault
	calls     map[string]int
	delay     time.Duration
	hook      func(unit types.ScopeUnit, pageToken string)
}

type fault struct {
	err   error
	times int // negative: fail forever
}

// NewStatic creates an empty static lister.
func NewStatic(name string, pageSize int) *Static {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Static{
		name:      name,
		pageSize:  pageSize,
		children:  make(map[string][]types.ScopeUnit),
		resources: make(map[string][]types.RawResource),
		faults:    make(map[string]*fault),
		calls:     make(map[string]int),
	}
}

// Name returns the provider name.
func (s *Static) Name() string { return s.name }

// AddUnit registers unit as a child of its parent.
func (s *Static) AddUnit(unit types.ScopeUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children[unit.ParentID] = append(s.children[unit.ParentID], unit)
}

// AddResource registers a resource directly under unitID.
func (s *Static) AddResource(unitID string, r types.RawResource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.UnitID = unitID
	if len(r.Refs) == 0 {
		r.Refs = types.ExtractReferences(r.Props)
	}
	if r.Provider == "" {
		r.Provider = s.name
	}
	s.resources[unitID] = append(s.resources[unitID], r)
}

// Fail makes the next times calls for unitID return err. A negative
// times fails every call.
func (s *Static) Fail(unitID string, err error, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[unitID] = &fault{err: err, times: times}
}

// SetDelay adds latency to every call.
func (s *Static) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// OnList registers a hook invoked at the start of every call.
func (s *Static) OnList(fn func(unit types.ScopeUnit, pageToken string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

// Calls returns how many times unitID has been listed.
func (s *Static) Calls(unitID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[unitID]
}

// List implements Lister.
func (s *Static) List(ctx context.Context, unit types.ScopeUnit, pageToken string) (Page, error) {
	s.mu.Lock()
	s.calls[unit.ID]++
	delay, hook := s.delay, s.hook
	var injected error
	if f, ok := s.faults[unit.ID]; ok && f.times != 0 {
		injected = f.err
		if f.times > 0 {
			f.times--
		}
	}
	s.mu.Unlock()

	if hook != nil {
		hook(unit, pageToken)
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return Page{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if injected != nil {
		return Page{}, injected
	}

	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("invalid page token %q", pageToken)
		}
		offset = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var page Page
	if offset == 0 {
		page.Children = append([]types.ScopeUnit(nil), s.children[unit.ID]...)
	}
	all := s.resources[unit.ID]
	if offset < len(all) {
		end := offset + s.pageSize
		if end > len(all) {
			end = len(all)
		}
		page.Resources = append([]types.RawResource(nil), all[offset:end]...)
		if end < len(all) {
			page.NextPageToken = strconv.Itoa(end)
		}
	}
	return page, nil
}

// Fixture is the YAML form of a static hierarchy.
type Fixture struct {
	Provider      string                `yaml:"provider"`
	Tenant        string                `yaml:"tenant"`
	PageSize      int                   `yaml:"page_size"`
	Subscriptions []FixtureSubscription `yaml:"subscriptions"`
}

// FixtureSubscription is one subscription in a fixture.
type FixtureSubscription struct {
	ID     string         `yaml:"id"`
	Name   string         `yaml:"name"`
	Deny   bool           `yaml:"deny"`
	Groups []FixtureGroup `yaml:"groups"`
}

// FixtureGroup is one resource group in a fixture.
type FixtureGroup struct {
	Name      string            `yaml:"name"`
	Location  string            `yaml:"location"`
	Deny      bool              `yaml:"deny"`
	Tags      map[string]string `yaml:"tags"`
	Resources []FixtureResource `yaml:"resources"`
}

// FixtureResource is one resource in a fixture.
type FixtureResource struct {
	ID       string            `yaml:"id"`
	Type     string            `yaml:"type"`
	Name     string            `yaml:"name"`
	Location string            `yaml:"location"`
	Tags     map[string]string `yaml:"tags"`
	Props    map[string]any    `yaml:"props"`
	Refs     []types.Reference `yaml:"refs"`
}

// LoadFixture reads a fixture file into a Static lister.
func LoadFixture(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	return FromFixture(fx), nil
}

// FromFixture builds a Static lister from a parsed fixture.
func FromFixture(fx Fixture) *Static {
	name := fx.Provider
	if name == "" {
		name = "fixture"
	}
	s := NewStatic(name, fx.PageSize)

	tenantID := ""
	if fx.Tenant != "" {
		tenantID = types.TenantUnitID(fx.Tenant)
	}
	denied := &PermissionError{Err: fmt.Errorf("fixture denies access")}

	for _, sub := range fx.Subscriptions {
		su := types.SubscriptionUnit(tenantID, sub.ID)
		if sub.Name != "" {
			su.Name = sub.Name
		}
		s.AddUnit(su)
		if sub.Deny {
			s.Fail(su.ID, denied, -1)
		}

		groups := append([]FixtureGroup(nil), sub.Groups...)
		sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
		for _, g := range groups {
			gu := types.ResourceGroupUnit(su.ID, g.Name)
			gu.Attrs = map[string]string{"location": g.Location}
			s.AddUnit(gu)
			if g.Deny {
				s.Fail(gu.ID, denied, -1)
			}
			for _, r := range g.Resources {
				s.AddResource(gu.ID, types.RawResource{
					ID:     r.ID,
					Type:   r.Type,
					Name:   r.Name,
					Region: r.Location,
					Tags:   types.TagsFromMap(r.Tags),
					Props:  r.Props,
					Refs:   types.SortReferences(r.Refs),
				})
			}
		}
	}
	return s
}
