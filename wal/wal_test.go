package wal

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transition struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func TestWAL_AppendAndRead(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, w.Append(EntryCreated, "sess-1", nil))
	require.NoError(t, w.Append(EntryTransition, "sess-1", transition{From: "INITIALIZING", To: "ENUMERATING"}))
	require.NoError(t, w.AppendError(EntryError, "sess-1", map[string]string{"unit": "u1"}, errors.New("403 forbidden")))
	require.NoError(t, w.Close())

	files := listFiles(dir, "kartta")
	require.Len(t, files, 1)

	reader, err := NewReader(files[0])
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()

	expected := []EntryType{EntryCreated, EntryTransition, EntryError}
	for i, typ := range expected {
		entry, err := reader.Next()
		require.NoError(t, err)
		assert.Equal(t, typ, entry.Type)
		assert.Equal(t, int64(i+1), entry.Sequence)
		assert.Equal(t, "sess-1", entry.SessionID)
	}

	_, err = reader.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWAL_SequenceContinuesAcrossOpen(t *testing.T) {
	dir := t.TempDir()

	w1, err := Open(dir)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, w1.Append(EntryCheckpoint, "s", i))
	}
	require.NoError(t, w1.Close())

	w2, err := Open(dir)
	require.NoError(t, err)
	defer func() { _ = w2.Close() }()

	assert.Equal(t, int64(3), w2.Sequence())
	require.NoError(t, w2.Append(EntryCheckpoint, "s", 3))
	assert.Equal(t, int64(4), w2.Sequence())
}

func TestWAL_Rotation(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig()
	config.MaxFileSize = 300

	w, err := OpenWithConfig(dir, config)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, w.Append(EntryTransition, "s", transition{From: "A", To: "B"}))
	}
	require.NoError(t, w.Close())

	assert.Greater(t, len(listFiles(dir, "kartta")), 1)

	var seqs []int64
	require.NoError(t, Replay(dir, "", "s", func(e *Entry) error {
		seqs = append(seqs, e.Sequence)
		return nil
	}))
	require.Len(t, seqs, 20)
	for i, seq := range seqs {
		assert.Equal(t, int64(i+1), seq)
	}
}

func TestReplay_FiltersBySession(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, w.Append(EntryCreated, "a", nil))
	require.NoError(t, w.Append(EntryCreated, "b", nil))
	require.NoError(t, w.Append(EntryTransition, "a", transition{From: "PAUSED", To: "ENUMERATING"}))
	require.NoError(t, w.Close())

	var got []EntryType
	require.NoError(t, Replay(dir, "kartta", "a", func(e *Entry) error {
		got = append(got, e.Type)
		return nil
	}))
	assert.Equal(t, []EntryType{EntryCreated, EntryTransition}, got)

	var tr transition
	require.NoError(t, Replay(dir, "", "a", func(e *Entry) error {
		if e.Type == EntryTransition {
			return json.Unmarshal(e.Data, &tr)
		}
		return nil
	}))
	assert.Equal(t, "ENUMERATING", tr.To)

	stop := errors.New("stop")
	assert.ErrorIs(t, Replay(dir, "", "", func(*Entry) error { return stop }), stop)
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, w.Append(EntryCreated, "s", nil))
	require.NoError(t, w.Close())

	old := filepath.Join(dir, "kartta-20200101-000000-000000000.wal")
	require.NoError(t, os.WriteFile(old, []byte("{}\n"), 0o644))
	past := time.Now().AddDate(0, 0, -60)
	require.NoError(t, os.Chtimes(old, past, past))

	stats, err := Cleanup(dir, DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.FilesRemoved)
	assert.Equal(t, int64(3), stats.BytesFreed)
	assert.Len(t, listFiles(dir, "kartta"), 1)
}
