package session

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/kartta/internal/credentials"
	"github.com/yairfalse/kartta/internal/enumerator"
	"github.com/yairfalse/kartta/internal/filter"
	"github.com/yairfalse/kartta/internal/inference"
	"github.com/yairfalse/kartta/internal/notify"
	"github.com/yairfalse/kartta/internal/ratelimit"
	"github.com/yairfalse/kartta/internal/sink"
	"github.com/yairfalse/kartta/internal/source"
	"github.com/yairfalse/kartta/internal/telemetry"
	"github.com/yairfalse/kartta/internal/writer"
	"github.com/yairfalse/kartta/storage"
	"github.com/yairfalse/kartta/wal"
)

// Config tunes one session. A zero Config uses the production defaults.
type Config struct {
	Enumerator enumerator.Config
	Writer     writer.Config
	Inference  inference.Config
	RateLimit  ratelimit.Config

	// QueueDepth bounds each of the two queues between the stages.
	QueueDepth int

	// ProgressInterval is how often snapshots are published while a
	// session runs. Transitions are always published.
	ProgressInterval time.Duration

	ExcludeTags map[string]string
	Policy      *filter.Policy

	// Credentials are checked before any session state is created.
	// Nil skips the check, which only makes sense for fixture sources.
	Credentials credentials.Provider
}

const (
	defaultQueueDepth       = 1000
	defaultProgressInterval = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Enumerator.Workers <= 0 {
		c.Enumerator.Workers = enumerator.DefaultConfig().Workers
	}
	if c.Writer.BatchSize <= 0 {
		c.Writer.BatchSize = writer.DefaultConfig().BatchSize
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = defaultProgressInterval
	}
	return c
}

// BufferBound is the most resources that can be enumerated but not yet
// persisted at any moment: both queues full, one full batch in the
// writer, one item in the hands of each enumerator worker and one in
// the inferencer.
func (c Config) BufferBound() int64 {
	c = c.withDefaults()
	return int64(2*c.QueueDepth + c.Writer.BatchSize + c.Enumerator.Workers + 1)
}

// Deps are the collaborators shared by every session of an engine.
type Deps struct {
	Store   *storage.Store
	Sources *source.Registry
	Sink    sink.Sink

	// Optional.
	Journal   *wal.WAL
	Publisher notify.Publisher
	Metrics   *telemetry.EngineMetrics
	Logger    *telemetry.Logger
	Tracer    trace.Tracer

	// Defaults is used for sessions resumed or retried without an
	// in-memory Config, such as those recovered after a restart.
	Defaults Config

	// PublishQueue sizes the asynchronous publisher buffer.
	PublishQueue int
}
