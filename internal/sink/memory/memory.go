// Package memory is an in-process graph sink used for dry runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yairfalse/kartta/internal/sink"
	"github.com/yairfalse/kartta/types"
)

// Graph is a sorted snapshot of the sink contents.
type Graph struct {
	Nodes []sink.Node
	Edges []types.Relationship
}

// Sink keeps the graph in maps. It is safe for concurrent use.
type Sink struct {
	mu      sync.Mutex
	nodes   map[string]sink.Node
	edges   map[types.EdgeKey]types.Relationship
	applied map[string]int
	writes  int

	delay    time.Duration
	failures int
	failErr  error
	onUpsert func(b sink.Batch)
}

// New creates an empty sink.
func New() *Sink {
	return &Sink{
		nodes:   make(map[string]sink.Node),
		edges:   make(map[types.EdgeKey]types.Relationship),
		applied: make(map[string]int),
	}
}

// SetDelay slows every upsert down, simulating a slow database.
func (s *Sink) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// FailNext makes the next n upserts return err. A negative n fails
// every upsert.
func (s *Sink) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.failErr = err
}

// OnUpsert registers a hook called before each successful upsert.
func (s *Sink) OnUpsert(fn func(b sink.Batch)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpsert = fn
}

// UpsertBatch implements sink.Sink. A batch ID that was already applied
// is acknowledged without being applied again.
func (s *Sink) UpsertBatch(ctx context.Context, b sink.Batch) error {
	s.mu.Lock()
	delay, hook := s.delay, s.onUpsert
	var injected error
	if s.failures != 0 {
		injected = s.failErr
		if s.failures > 0 {
			s.failures--
		}
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if injected != nil {
		return injected
	}
	if hook != nil {
		hook(b)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if _, ok := s.applied[b.ID]; ok && b.ID != "" {
		s.applied[b.ID]++
		return nil
	}
	s.applied[b.ID] = 1

	for _, n := range b.Nodes {
		s.nodes[n.ID] = n
	}
	for _, e := range b.Edges {
		if prev, ok := s.edges[e.Key()]; ok {
			e = prev.Merge(e)
		} else {
			e.Evidence = types.MergeEvidence(e.Evidence, nil)
		}
		s.edges[e.Key()] = e
	}
	return nil
}

// Close implements sink.Sink.
func (s *Sink) Close(context.Context) error { return nil }

// Snapshot returns the graph sorted by node ID and edge key.
func (s *Sink) Snapshot() Graph {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := Graph{
		Nodes: make([]sink.Node, 0, len(s.nodes)),
		Edges: make([]types.Relationship, 0, len(s.edges)),
	}
	for _, n := range s.nodes {
		g.Nodes = append(g.Nodes, n)
	}
	for _, e := range s.edges {
		g.Edges = append(g.Edges, e)
	}
	sort.Slice(g.Nodes, func(i, j int) bool { return g.Nodes[i].ID < g.Nodes[j].ID })
	sort.Slice(g.Edges, func(i, j int) bool { return g.Edges[i].Key().Less(g.Edges[j].Key()) })
	return g
}

// HasNode reports whether id was written.
func (s *Sink) HasNode(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[types.NormalizeID(id)]
	return ok
}

// Writes returns the number of upserts acknowledged, including replays.
func (s *Sink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Applied returns how many times batch id was acknowledged.
func (s *Sink) Applied(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied[id]
}
