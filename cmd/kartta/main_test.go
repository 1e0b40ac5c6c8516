package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/kartta/internal/config"
	"github.com/yairfalse/kartta/internal/notify"
	"github.com/yairfalse/kartta/types"
	"github.com/yairfalse/kartta/wal"
)

const testFixture = `
provider: azure
page_size: 10
subscriptions:
  - id: sub-1
    groups:
      - name: rg-web
        location: westeurope
        resources:
          - id: /subscriptions/sub-1/resourceGroups/rg-web/providers/Microsoft.Web/sites/app
            type: Microsoft.Web/sites
            name: app
            location: westeurope
      - name: rg-locked
        deny: true
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	fixture := filepath.Join(dir, "fixture.yaml")
	require.NoError(t, os.WriteFile(fixture, []byte(testFixture), 0o644))

	c := config.Default()
	c.Source.Kind = "fixture"
	c.Source.Fixture = fixture
	c.Scope.Provider = "fixture"
	c.Scope.Kind = types.ScopeSubscription
	c.Scope.Targets = []string{"sub-1"}
	c.Storage.Path = filepath.Join(dir, "data")
	c.Engine.MaxRetries = 1
	c.Engine.InitialBackoff = time.Millisecond
	c.Engine.MaxBackoff = time.Millisecond
	c.Engine.FlushInterval = 10 * time.Millisecond
	require.NoError(t, c.Validate())
	return c
}

func TestOpenApp_FixtureSessionCompletes(t *testing.T) {
	c := testConfig(t)
	ctx := context.Background()

	a, err := openApp(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, "azure", a.provider)

	scope := scopeFromFlags(discoverCmd, a)
	assert.Equal(t, "azure", scope.Provider, "the configured kind maps to the fixture's provider")

	id, err := a.engine.StartSession(ctx, scope, a.session)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	state, err := a.engine.Wait(waitCtx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, state)
	require.NoError(t, report(a, id, state))

	p, err := a.engine.GetProgress(id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.ResourcesPersisted)
	assert.Equal(t, int64(1), p.UnitsFailed)

	var out bytes.Buffer
	require.NoError(t, printSessions(&out, a.engine.ListSessions()))
	assert.Contains(t, out.String(), id)
	assert.Contains(t, out.String(), "COMPLETED")

	a.close(ctx)

	var entries []wal.EntryType
	err = wal.Replay(journalDir(c), journalConfig(c).FilePrefix, id, func(e *wal.Entry) error {
		entries = append(entries, e.Type)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, wal.EntryCreated, entries[0])
	assert.Contains(t, entries, wal.EntryError)
	assert.Contains(t, entries, wal.EntryCheckpoint)
}

func TestOpenApp_SessionsSurviveReopen(t *testing.T) {
	c := testConfig(t)
	ctx := context.Background()

	a, err := openApp(ctx, c)
	require.NoError(t, err)
	id, err := a.engine.StartSession(ctx, scopeFromFlags(discoverCmd, a), a.session)
	require.NoError(t, err)
	_, err = a.engine.Wait(ctx, id)
	require.NoError(t, err)
	a.close(ctx)

	a, err = openApp(ctx, c)
	require.NoError(t, err)
	defer a.close(ctx)

	rec, err := a.engine.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, rec.State)

	cp, err := a.engine.GetCheckpoint(id)
	require.NoError(t, err)
	sub := types.SubscriptionUnitID("sub-1")
	assert.True(t, cp.IsCompleted(types.ResourceGroupUnit(sub, "rg-web").ID))
	assert.False(t, cp.IsCompleted(types.ResourceGroupUnit(sub, "rg-locked").ID))
}

func TestOpenApp_MissingFixture(t *testing.T) {
	c := testConfig(t)
	c.Source.Fixture = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := openApp(context.Background(), c)
	assert.Error(t, err)
}

func TestJournalConfig_RetentionFromMaxAge(t *testing.T) {
	c := config.Default()
	c.Storage.JournalMaxAge = 72 * time.Hour
	assert.Equal(t, 3, journalConfig(c).RetentionDays)

	c.Storage.JournalMaxAge = time.Hour
	assert.Equal(t, wal.DefaultConfig().RetentionDays, journalConfig(c).RetentionDays)
}

func TestNewPublisher(t *testing.T) {
	pub, err := newPublisher(context.Background(), config.NotifyConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, notify.Nop{}, pub)

	pub, err = newPublisher(context.Background(), config.NotifyConfig{Log: true}, nil)
	require.NoError(t, err)
	assert.IsType(t, &notify.Multi{}, pub)
	require.NoError(t, pub.Close())
}

func TestSetupLogging_RejectsUnknownLevel(t *testing.T) {
	assert.Error(t, setupLogging(config.LogConfig{Level: "loud"}))
	assert.NoError(t, setupLogging(config.LogConfig{Level: "warn", Format: "json"}))
}
