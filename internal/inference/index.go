package inference

import (
	"sort"
	"strings"

	"github.com/yairfalse/kartta/types"
)

type tagPair struct {
	key   string
	value string
}

// Index is the rolling view of every resource seen in the session,
// keyed by normalized ID. It is owned by the single inference goroutine.
type Index struct {
	entries       map[string]types.IndexEntry
	identityTypes map[string]bool
	tagKeys       []string

	// ownership tag value -> resource IDs, split by identity or not
	identities map[tagPair][]string
	members    map[tagPair][]string
}

// NewIndex creates an index. identityTypes and tagKeys drive the
// ownership heuristics and are matched case-insensitively.
func NewIndex(identityTypes, tagKeys []string) *Index {
	idx := &Index{
		entries:       make(map[string]types.IndexEntry),
		identityTypes: make(map[string]bool, len(identityTypes)),
		identities:    make(map[tagPair][]string),
		members:       make(map[tagPair][]string),
	}
	for _, t := range identityTypes {
		idx.identityTypes[strings.ToLower(t)] = true
	}
	for _, k := range tagKeys {
		idx.tagKeys = append(idx.tagKeys, strings.ToLower(k))
	}
	return idx
}

// Entry builds the index entry for a resource.
func (idx *Index) Entry(r types.RawResource) types.IndexEntry {
	return types.IndexEntry{
		ID:     r.Key(),
		Type:   r.Type,
		UnitID: r.UnitID,
		Tags:   r.Tags.Subset(idx.tagKeys),
	}
}

// Add records an entry. It reports false if the ID was already known.
func (idx *Index) Add(e types.IndexEntry) bool {
	e.ID = types.NormalizeID(e.ID)
	if _, ok := idx.entries[e.ID]; ok {
		return false
	}
	idx.entries[e.ID] = e

	byTag := idx.members
	if idx.IsIdentity(e.Type) {
		byTag = idx.identities
	}
	for k, v := range e.Tags {
		p := tagPair{key: strings.ToLower(k), value: v}
		byTag[p] = append(byTag[p], e.ID)
	}
	return true
}

// Seed adds previously persisted entries.
func (idx *Index) Seed(entries []types.IndexEntry) {
	for _, e := range entries {
		idx.Add(e)
	}
}

// Has reports whether id has been observed.
func (idx *Index) Has(id string) bool {
	_, ok := idx.entries[types.NormalizeID(id)]
	return ok
}

// Get returns the entry for id.
func (idx *Index) Get(id string) (types.IndexEntry, bool) {
	e, ok := idx.entries[types.NormalizeID(id)]
	return e, ok
}

// Len returns the number of known resources.
func (idx *Index) Len() int {
	return len(idx.entries)
}

// IsIdentity reports whether typ is a designated identity type.
func (idx *Index) IsIdentity(typ string) bool {
	return idx.identityTypes[strings.ToLower(typ)]
}

// TagKeys returns the ownership tag keys, lower-cased.
func (idx *Index) TagKeys() []string {
	return idx.tagKeys
}

// Identities returns identity IDs sharing key=value, sorted.
func (idx *Index) Identities(key, value string) []string {
	return sorted(idx.identities[tagPair{key: strings.ToLower(key), value: value}])
}

// Members returns non-identity IDs sharing key=value, sorted.
func (idx *Index) Members(key, value string) []string {
	return sorted(idx.members[tagPair{key: strings.ToLower(key), value: value}])
}

func sorted(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
