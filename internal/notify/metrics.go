package notify

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/kartta/types"
)

// Metrics exposes progress through OTEL instruments: gauges for the
// latest snapshot of every session and counters fed by the difference
// between consecutive snapshots.
type Metrics struct {
	sessionInfo metric.Int64ObservableGauge
	buffered    metric.Int64ObservableGauge
	unitsKnown  metric.Int64ObservableGauge
	checkpoint  metric.Int64ObservableGauge

	unitsVisited       metric.Int64Counter
	resourcesFound     metric.Int64Counter
	resourcesPersisted metric.Int64Counter
	relationships      metric.Int64Counter

	mu     sync.RWMutex
	latest map[string]types.DiscoveryProgress
	deltas *DeltaTracker
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{
		latest: make(map[string]types.DiscoveryProgress),
		deltas: NewDeltaTracker(),
	}
	if err := m.initMetrics(meter); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics(meter metric.Meter) error {
	var err error

	m.sessionInfo, err = meter.Int64ObservableGauge(
		"kartta.session.info",
		metric.WithDescription("Discovery session state, one series per session"),
	)
	if err != nil {
		return fmt.Errorf("create session_info gauge: %w", err)
	}

	m.buffered, err = meter.Int64ObservableGauge(
		"kartta.session.buffered",
		metric.WithDescription("Resources enumerated but not yet persisted"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return fmt.Errorf("create buffered gauge: %w", err)
	}

	m.unitsKnown, err = meter.Int64ObservableGauge(
		"kartta.session.units.known",
		metric.WithDescription("Scope units discovered so far"),
		metric.WithUnit("{unit}"),
	)
	if err != nil {
		return fmt.Errorf("create units_known gauge: %w", err)
	}

	m.checkpoint, err = meter.Int64ObservableGauge(
		"kartta.session.checkpoint",
		metric.WithDescription("Latest committed checkpoint sequence"),
	)
	if err != nil {
		return fmt.Errorf("create checkpoint gauge: %w", err)
	}

	if _, err := meter.RegisterCallback(m.observe, m.sessionInfo, m.buffered, m.unitsKnown, m.checkpoint); err != nil {
		return fmt.Errorf("register callback: %w", err)
	}

	m.unitsVisited, err = meter.Int64Counter(
		"kartta.session.units.visited",
		metric.WithDescription("Scope units listed"),
		metric.WithUnit("{unit}"),
	)
	if err != nil {
		return fmt.Errorf("create units_visited counter: %w", err)
	}

	m.resourcesFound, err = meter.Int64Counter(
		"kartta.session.resources.found",
		metric.WithDescription("Resources enumerated"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return fmt.Errorf("create resources_found counter: %w", err)
	}

	m.resourcesPersisted, err = meter.Int64Counter(
		"kartta.session.resources.persisted",
		metric.WithDescription("Resources persisted to the graph"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return fmt.Errorf("create resources_persisted counter: %w", err)
	}

	m.relationships, err = meter.Int64Counter(
		"kartta.session.relationships.persisted",
		metric.WithDescription("Relationships persisted to the graph"),
		metric.WithUnit("{relationship}"),
	)
	if err != nil {
		return fmt.Errorf("create relationships counter: %w", err)
	}

	return nil
}

// Publish records p.
func (m *Metrics) Publish(ctx context.Context, p types.DiscoveryProgress) error {
	attrs := metric.WithAttributes(attribute.String("session.id", p.SessionID))

	d := m.deltas.Update(p)
	if d.UnitsVisited > 0 {
		m.unitsVisited.Add(ctx, d.UnitsVisited, attrs)
	}
	if d.ResourcesFound > 0 {
		m.resourcesFound.Add(ctx, d.ResourcesFound, attrs)
	}
	if d.ResourcesPersisted > 0 {
		m.resourcesPersisted.Add(ctx, d.ResourcesPersisted, attrs)
	}
	if d.RelationshipsPersisted > 0 {
		m.relationships.Add(ctx, d.RelationshipsPersisted, attrs)
	}

	m.mu.Lock()
	if p.State.Terminal() {
		delete(m.latest, p.SessionID)
	} else {
		m.latest[p.SessionID] = p
	}
	m.mu.Unlock()
	return nil
}

func (m *Metrics) observe(_ context.Context, o metric.Observer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, p := range m.latest {
		session := attribute.String("session.id", id)
		o.ObserveInt64(m.sessionInfo, 1, metric.WithAttributes(session, attribute.String("state", string(p.State))))
		o.ObserveInt64(m.buffered, p.Buffered, metric.WithAttributes(session))
		o.ObserveInt64(m.unitsKnown, p.UnitsKnown, metric.WithAttributes(session))
		o.ObserveInt64(m.checkpoint, int64(p.CheckpointSequence), metric.WithAttributes(session))
	}
	return nil
}

// Close implements Publisher.
func (m *Metrics) Close() error {
	return nil
}
