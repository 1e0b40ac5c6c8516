package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/yairfalse/kartta/internal/config"
	"github.com/yairfalse/kartta/internal/credentials"
	"github.com/yairfalse/kartta/internal/filter"
	"github.com/yairfalse/kartta/internal/notify"
	"github.com/yairfalse/kartta/internal/session"
	"github.com/yairfalse/kartta/internal/sink"
	"github.com/yairfalse/kartta/internal/sink/graphdb"
	"github.com/yairfalse/kartta/internal/sink/memory"
	"github.com/yairfalse/kartta/internal/source"
	"github.com/yairfalse/kartta/internal/source/aws"
	"github.com/yairfalse/kartta/internal/source/azure"
	"github.com/yairfalse/kartta/internal/telemetry"
	"github.com/yairfalse/kartta/storage"
	"github.com/yairfalse/kartta/wal"
)

// app is everything a command needs, opened from the loaded config.
type app struct {
	cfg       *config.Config
	telemetry *telemetry.Provider
	store     *storage.Store
	journal   *wal.WAL
	sink      sink.Sink
	engine    *session.Engine
	session   session.Config
	// provider is the name the configured lister registered under.
	provider string
}

func journalDir(c *config.Config) string {
	return filepath.Join(c.Storage.Path, "journal")
}

func journalConfig(c *config.Config) wal.Config {
	jc := wal.DefaultConfig()
	if days := int(c.Storage.JournalMaxAge.Hours() / 24); days > 0 {
		jc.RetentionDays = days
	}
	return jc
}

// openApp wires the engine. Extra readers are attached to the meter
// provider.
func openApp(ctx context.Context, c *config.Config, readers ...sdkmetric.Reader) (a *app, err error) {
	a = &app{cfg: c}
	defer func() {
		if err != nil {
			a.close(context.WithoutCancel(ctx))
		}
	}()

	a.telemetry, err = telemetry.NewProvider(ctx, c.OTEL, readers...)
	if err != nil {
		return a, fmt.Errorf("init telemetry: %w", err)
	}

	a.store, err = storage.Open(c.Storage.Path)
	if err != nil {
		return a, err
	}
	a.journal, err = wal.OpenWithConfig(journalDir(c), journalConfig(c))
	if err != nil {
		return a, fmt.Errorf("open journal: %w", err)
	}

	lister, creds, err := newSource(ctx, c.Source)
	if err != nil {
		return a, err
	}
	a.provider = lister.Name()

	a.sink, err = newSink(ctx, c.Sink)
	if err != nil {
		return a, err
	}

	publisher, err := newPublisher(ctx, c.Notify, a.telemetry)
	if err != nil {
		return a, err
	}

	a.session = session.Config{
		Enumerator:       c.Engine.Enumerator(),
		Writer:           c.Engine.Writer(),
		Inference:        c.Inference,
		RateLimit:        c.RateLimit,
		QueueDepth:       c.Engine.QueueDepth,
		ProgressInterval: c.Engine.ProgressInterval,
		ExcludeTags:      c.Filter.ExcludeTags,
		Credentials:      creds,
	}
	if c.Filter.Policy != "" {
		a.session.Policy, err = filter.LoadPolicy(ctx, c.Filter.Policy)
		if err != nil {
			_ = publisher.Close()
			return a, err
		}
	}

	a.engine, err = session.Open(session.Deps{
		Store:        a.store,
		Sources:      source.NewRegistry(lister),
		Sink:         a.sink,
		Journal:      a.journal,
		Publisher:    publisher,
		Metrics:      a.telemetry.Metrics(),
		Logger:       telemetry.NewLogger(logWriter(c.Log), c.OTEL.ServiceName),
		Tracer:       a.telemetry.Tracer(),
		Defaults:     a.session,
		PublishQueue: c.Notify.QueueSize,
	})
	if err != nil {
		_ = publisher.Close()
		return a, err
	}
	return a, nil
}

// close releases everything in reverse order of opening. The engine
// goes first so running sessions are paused before the store closes.
func (a *app) close(ctx context.Context) {
	if a.engine != nil {
		if err := a.engine.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("engine close")
		}
	}
	if a.sink != nil {
		if err := a.sink.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("sink close")
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			log.Warn().Err(err).Msg("journal close")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("store close")
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown")
		}
	}
}

func newSource(ctx context.Context, sc config.SourceConfig) (source.Lister, credentials.Provider, error) {
	switch sc.Kind {
	case "azure":
		creds, err := credentials.NewAzure(sc.TenantID)
		if err != nil {
			return nil, nil, err
		}
		lister, err := azure.New(creds.Credential(), azure.Options{PageSize: int32(sc.PageSize)})
		if err != nil {
			return nil, nil, err
		}
		return lister, creds, nil
	case "aws":
		opts := aws.Options{
			Profile:    sc.Profile,
			Regions:    sc.Regions,
			HomeRegion: sc.HomeRegion,
		}
		awsCfg, err := aws.LoadConfig(ctx, opts)
		if err != nil {
			return nil, nil, err
		}
		return aws.NewFromConfig(awsCfg, opts), credentials.NewAWS(awsCfg), nil
	case "fixture":
		lister, err := source.LoadFixture(sc.Fixture)
		if err != nil {
			return nil, nil, err
		}
		return lister, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown source kind %q", sc.Kind)
}

func newSink(ctx context.Context, sc config.SinkConfig) (sink.Sink, error) {
	if sc.Kind != "neo4j" {
		return memory.New(), nil
	}
	g, err := graphdb.New(ctx, sc.Neo4j)
	if err != nil {
		return nil, err
	}
	if err := g.EnsureSchema(ctx); err != nil {
		return nil, errors.Join(err, g.Close(ctx))
	}
	return g, nil
}

func newPublisher(ctx context.Context, nc config.NotifyConfig, tel *telemetry.Provider) (notify.Publisher, error) {
	var pubs []notify.Publisher
	if nc.Log {
		pubs = append(pubs, notify.Log{})
	}
	if nc.Metrics {
		m, err := notify.NewMetrics(tel.Meter())
		if err != nil {
			return nil, fmt.Errorf("progress metrics: %w", err)
		}
		pubs = append(pubs, m)
	}
	if nc.Redis.Addr != "" {
		r, err := notify.NewRedis(ctx, notify.RedisOptions{
			Addr:     nc.Redis.Addr,
			Password: nc.Redis.Password,
			DB:       nc.Redis.DB,
			Channel:  nc.Redis.Channel,
		})
		if err != nil {
			return nil, errors.Join(err, notify.NewMulti(pubs...).Close())
		}
		pubs = append(pubs, r)
	}
	if len(pubs) == 0 {
		return notify.Nop{}, nil
	}
	return notify.NewMulti(pubs...), nil
}
