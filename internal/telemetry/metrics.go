package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/kartta/types"
)

// EngineMetrics holds the discovery engine instruments.
type EngineMetrics struct {
	unitsVisited  metric.Int64Counter
	unitErrors    metric.Int64Counter
	resources     metric.Int64Counter
	relationships metric.Int64Counter
	dangling      metric.Int64Counter
	throttles     metric.Int64Counter
	batchDuration metric.Float64Histogram
	transitions   metric.Int64Counter
}

// NewEngineMetrics creates the instruments on meter.
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	m := &EngineMetrics{}
	var err error

	m.unitsVisited, err = meter.Int64Counter(
		"kartta.units.visited",
		metric.WithDescription("Scope units fully listed"),
		metric.WithUnit("{unit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create units_visited: %w", err)
	}

	m.unitErrors, err = meter.Int64Counter(
		"kartta.unit.errors",
		metric.WithDescription("Scope units that failed to list"),
		metric.WithUnit("{unit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create unit_errors: %w", err)
	}

	m.resources, err = meter.Int64Counter(
		"kartta.resources.found",
		metric.WithDescription("Raw resources emitted by enumeration"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create resources_found: %w", err)
	}

	m.relationships, err = meter.Int64Counter(
		"kartta.relationships.inferred",
		metric.WithDescription("Relationships emitted by inference"),
		metric.WithUnit("{relationship}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create relationships_inferred: %w", err)
	}

	m.dangling, err = meter.Int64Counter(
		"kartta.relationships.dangling",
		metric.WithDescription("Relationships whose endpoint was never observed"),
		metric.WithUnit("{relationship}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create relationships_dangling: %w", err)
	}

	m.throttles, err = meter.Int64Counter(
		"kartta.ratelimit.throttles",
		metric.WithDescription("Throttle signals received from the upstream API"),
		metric.WithUnit("{signal}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create throttles: %w", err)
	}

	m.batchDuration, err = meter.Float64Histogram(
		"kartta.batch.duration",
		metric.WithDescription("Time to persist a batch and commit its checkpoint"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create batch_duration: %w", err)
	}

	m.transitions, err = meter.Int64Counter(
		"kartta.session.transitions",
		metric.WithDescription("Session state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create session_transitions: %w", err)
	}

	return m, nil
}

// RecordUnitVisited counts a listed unit.
func (m *EngineMetrics) RecordUnitVisited(ctx context.Context, kind types.ScopeKind) {
	if m == nil {
		return
	}
	m.unitsVisited.Add(ctx, 1, metric.WithAttributes(attribute.String("unit.kind", string(kind))))
}

// RecordUnitError counts a failed unit by error kind.
func (m *EngineMetrics) RecordUnitError(ctx context.Context, kind types.ErrorKind) {
	if m == nil {
		return
	}
	m.unitErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("error.type", string(kind))))
}

// RecordResource counts an emitted resource.
func (m *EngineMetrics) RecordResource(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.resources.Add(ctx, 1, metric.WithAttributes(attribute.String("cloud.provider", provider)))
}

// RecordRelationship counts an inferred edge.
func (m *EngineMetrics) RecordRelationship(ctx context.Context, kind types.RelationshipKind) {
	if m == nil {
		return
	}
	m.relationships.Add(ctx, 1, metric.WithAttributes(attribute.String("relationship.kind", string(kind))))
}

// RecordDangling counts a dangling edge.
func (m *EngineMetrics) RecordDangling(ctx context.Context, kind types.RelationshipKind) {
	if m == nil {
		return
	}
	m.dangling.Add(ctx, 1, metric.WithAttributes(attribute.String("relationship.kind", string(kind))))
}

// RecordThrottle counts a throttle signal.
func (m *EngineMetrics) RecordThrottle(ctx context.Context) {
	if m == nil {
		return
	}
	m.throttles.Add(ctx, 1)
}

// RecordBatch records a committed batch.
func (m *EngineMetrics) RecordBatch(ctx context.Context, d time.Duration, nodes, edges int) {
	if m == nil {
		return
	}
	m.batchDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.Bool("batch.empty", nodes == 0 && edges == 0),
	))
}

// RecordTransition counts a session state change.
func (m *EngineMetrics) RecordTransition(ctx context.Context, from, to types.SessionState) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state.from", string(from)),
		attribute.String("state.to", string(to)),
	))
}
