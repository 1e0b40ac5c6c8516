package telemetry

import (
	"context"
	"io"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/kartta/types"
)

// OTELHook adds trace and span IDs to every log entry
type OTELHook struct{}

func (h OTELHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	ctx := e.GetCtx()
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	e.Str("trace_id", span.SpanContext().TraceID().String())
	e.Str("span_id", span.SpanContext().SpanID().String())

	if level == zerolog.ErrorLevel {
		span.SetStatus(codes.Error, msg)
	}
}

// Logger wraps zerolog with OTEL integration
type Logger struct {
	zerolog.Logger
}

// NewLogger creates a logger writing to w with the OTEL hook attached.
func NewLogger(w io.Writer, service string) *Logger {
	logger := zerolog.New(w).
		With().
		Timestamp().
		Str("service", service).
		Logger().
		Hook(OTELHook{})

	return &Logger{Logger: logger}
}

// WithContext returns a logger with context (for trace propagation)
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.Logger.With().Ctx(ctx).Logger()
	return &logger
}

// LogSessionTransition records a session state change.
func (l *Logger) LogSessionTransition(ctx context.Context, sessionID string, from, to types.SessionState, reason string) {
	event := l.WithContext(ctx).Info()
	if to == types.StateFailed {
		event = l.WithContext(ctx).Error()
	}
	event.
		Str("session_id", sessionID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("session state changed")
}

// LogUnitError records a unit that could not be listed. Permission
// problems are expected in large tenants and logged as warnings.
func (l *Logger) LogUnitError(ctx context.Context, sessionID string, err *types.DiscoveryError) {
	event := l.WithContext(ctx).Error()
	if err.Kind == types.KindPermissionDenied {
		event = l.WithContext(ctx).Warn()
	}
	event.
		Err(err).
		Str("session_id", sessionID).
		Str("unit_id", err.UnitID).
		Str("kind", string(err.Kind)).
		Int("attempts", err.Attempts).
		Msg("unit listing failed")
}

// LogDangling records an edge whose endpoint never arrived.
func (l *Logger) LogDangling(ctx context.Context, sessionID string, edge types.Relationship) {
	l.WithContext(ctx).Warn().
		Str("session_id", sessionID).
		Str("source", edge.SourceID).
		Str("target", edge.TargetID).
		Str("kind", string(edge.Kind)).
		Msg("dangling reference")
}
