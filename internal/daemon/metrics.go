package daemon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DaemonMetrics holds the HTTP surface metrics using OTEL semantic conventions
type DaemonMetrics struct {
	requests        metric.Int64Counter
	requestDuration metric.Float64Histogram
	sessionsStarted metric.Int64Counter
}

// NewDaemonMetrics creates daemon metrics on meter.
func NewDaemonMetrics(meter metric.Meter) (*DaemonMetrics, error) {
	requests, err := meter.Int64Counter(
		"kartta.daemon.requests",
		metric.WithDescription("Number of API requests served"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"kartta.daemon.request.duration",
		metric.WithDescription("Duration of API requests"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	sessionsStarted, err := meter.Int64Counter(
		"kartta.daemon.sessions.started",
		metric.WithDescription("Number of sessions started over the API"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		requests:        requests,
		requestDuration: requestDuration,
		sessionsStarted: sessionsStarted,
	}, nil
}

// RecordRequest records one served request.
func (m *DaemonMetrics) RecordRequest(ctx context.Context, route string, status int, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("http.route", route),
		attribute.Int("http.response.status_code", status),
	)
	m.requests.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordSessionStarted records a session started over the API.
func (m *DaemonMetrics) RecordSessionStarted(ctx context.Context, provider string) {
	m.sessionsStarted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("cloud.provider", provider),
		),
	)
}
