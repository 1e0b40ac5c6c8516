// Package graphdb persists the discovered graph into Neo4j.
package graphdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/yairfalse/kartta/internal/sink"
	"github.com/yairfalse/kartta/types"
)

// Config holds the Neo4j connection parameters.
type Config struct {
	URI                  string `yaml:"uri"`
	Username             string `yaml:"username"`
	Password             string `yaml:"password"`
	Database             string `yaml:"database"`
	MaxConnectionPool    int    `yaml:"max_connection_pool"`
	ConnectionTimeoutSec int    `yaml:"connection_timeout_sec"`
}

var schema = []string{
	"CREATE CONSTRAINT kartta_resource_id IF NOT EXISTS FOR (n:Resource) REQUIRE n.id IS UNIQUE",
	"CREATE CONSTRAINT kartta_batch_id IF NOT EXISTS FOR (b:KarttaBatch) REQUIRE b.id IS UNIQUE",
	"CREATE INDEX kartta_resource_type IF NOT EXISTS FOR (n:Resource) ON (n.type)",
}

const upsertNodes = `UNWIND $rows AS row
MERGE (n:Resource {id: row.id})
SET n.type = row.type,
    n.name = row.name,
    n.region = row.region,
    n.provider = row.provider,
    n.unit_id = row.unit_id,
    n.source_id = row.source_id,
    n.tags = row.tags,
    n.props = row.props,
    n.session_id = $session_id`

// Evidence is unioned and the higher confidence kept, so replays and
// overlapping batches converge on the same edge.
const upsertEdgesTemplate = `UNWIND $rows AS row
MATCH (s:Resource {id: row.source})
MATCH (t:Resource {id: row.target})
MERGE (s)-[r:%s]->(t)
SET r.confidence = CASE WHEN r.confidence IS NULL OR r.confidence < row.confidence THEN row.confidence ELSE r.confidence END,
    r.evidence = [x IN coalesce(r.evidence, []) WHERE NOT x IN row.evidence] + row.evidence,
    r.session_id = $session_id`

const markBatch = `MERGE (b:KarttaBatch {id: $id})
SET b.session_id = $session_id, b.sequence = $sequence, b.nodes = $nodes, b.edges = $edges`

// Statement is one Cypher query with its parameters.
type Statement struct {
	Query  string
	Params map[string]any
}

// Sink writes batches in a single write transaction each.
type Sink struct {
	driver   neo4j.DriverWithContext
	database string
}

// New connects to Neo4j and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("neo4j uri is required")
	}
	auth := neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth, func(conf *neo4j.Config) {
		if cfg.MaxConnectionPool > 0 {
			conf.MaxConnectionPoolSize = cfg.MaxConnectionPool
		}
		if cfg.ConnectionTimeoutSec > 0 {
			conf.SocketConnectTimeout = time.Duration(cfg.ConnectionTimeoutSec) * time.Second
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j unreachable: %w", err)
	}
	return &Sink{driver: driver, database: cfg.Database}, nil
}

// EnsureSchema creates the constraints the MERGE statements rely on.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database, AccessMode: neo4j.AccessModeWrite})
	defer sess.Close(ctx)
	for _, q := range schema {
		res, err := sess.Run(ctx, q, nil)
		if err != nil {
			return fmt.Errorf("apply schema %q: %w", q, err)
		}
		if _, err := res.Consume(ctx); err != nil {
			return fmt.Errorf("apply schema %q: %w", q, err)
		}
	}
	return nil
}

// UpsertBatch implements sink.Sink.
func (s *Sink) UpsertBatch(ctx context.Context, b sink.Batch) error {
	stmts, err := Statements(b)
	if err != nil {
		return err
	}
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database, AccessMode: neo4j.AccessModeWrite})
	defer sess.Close(ctx)

	_, err = sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, st := range stmts {
			res, err := tx.Run(ctx, st.Query, st.Params)
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("upsert batch %s: %w", b.ID, err)
	}
	return nil
}

// Close implements sink.Sink.
func (s *Sink) Close(ctx context.Context) error {
	if s == nil || s.driver == nil {
		return nil
	}
	return s.driver.Close(ctx)
}

// Statements renders a batch as the ordered statements of one
// transaction: nodes, then edges grouped by kind, then the batch marker.
func Statements(b sink.Batch) ([]Statement, error) {
	var out []Statement

	if len(b.Nodes) > 0 {
		rows := make([]map[string]any, 0, len(b.Nodes))
		for _, n := range b.Nodes {
			row, err := nodeRow(n)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		out = append(out, Statement{
			Query:  upsertNodes,
			Params: map[string]any{"rows": rows, "session_id": b.SessionID},
		})
	}

	grouped := make(map[types.RelationshipKind][]map[string]any)
	for _, e := range b.Edges {
		if !validKind(e.Kind) {
			return nil, fmt.Errorf("unsupported relationship kind %q", e.Kind)
		}
		grouped[e.Kind] = append(grouped[e.Kind], map[string]any{
			"source":     e.SourceID,
			"target":     e.TargetID,
			"confidence": e.Confidence,
			"evidence":   types.MergeEvidence(e.Evidence, nil),
		})
	}
	kinds := make([]string, 0, len(grouped))
	for k := range grouped {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		out = append(out, Statement{
			Query:  fmt.Sprintf(upsertEdgesTemplate, k),
			Params: map[string]any{"rows": grouped[types.RelationshipKind(k)], "session_id": b.SessionID},
		})
	}

	out = append(out, Statement{
		Query: markBatch,
		Params: map[string]any{
			"id":         b.ID,
			"session_id": b.SessionID,
			"sequence":   int64(b.Sequence),
			"nodes":      int64(len(b.Nodes)),
			"edges":      int64(len(b.Edges)),
		},
	})
	return out, nil
}

// Neo4j properties cannot hold maps, so tags and props are stored as
// JSON strings.
func nodeRow(n sink.Node) (map[string]any, error) {
	tags, err := jsonString(n.Tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags of %s: %w", n.ID, err)
	}
	props, err := jsonString(n.Props)
	if err != nil {
		return nil, fmt.Errorf("encode props of %s: %w", n.ID, err)
	}
	return map[string]any{
		"id":        n.ID,
		"type":      n.Type,
		"name":      n.Name,
		"region":    n.Region,
		"provider":  n.Provider,
		"unit_id":   n.UnitID,
		"source_id": n.SourceID,
		"tags":      tags,
		"props":     props,
	}, nil
}

func jsonString[T any](v map[string]T) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func validKind(k types.RelationshipKind) bool {
	switch k {
	case types.Contains, types.DependsOn, types.NetworkConnected, types.IdentityAccess:
		return true
	}
	return false
}
