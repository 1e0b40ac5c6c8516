// Package wal is the append-only session journal: every state
// transition, recorded error and checkpoint of a session is written here
// as one JSON line, for audit and post-mortem replay.
package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// EntryType defines the type of journal entry
type EntryType string

const (
	EntryCreated    EntryType = "created"
	EntryTransition EntryType = "transition"
	EntryError      EntryType = "error"
	EntryCheckpoint EntryType = "checkpoint"
	EntryDangling   EntryType = "dangling"
)

// Entry represents a single journal entry
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Type      EntryType       `json:"type"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Config controls file naming, rotation and retention.
type Config struct {
	FilePrefix    string
	MaxFileSize   int64
	RetentionDays int
}

// DefaultConfig returns the journal defaults.
func DefaultConfig() Config {
	return Config{
		FilePrefix:    "kartta",
		MaxFileSize:   64 * 1024 * 1024,
		RetentionDays: 30,
	}
}

// WAL is the journal writer. Safe for concurrent use.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	size     int64
	sequence int64
	dir      string
	config   Config
}

// Open opens a journal in dir with the default config.
func Open(dir string) (*WAL, error) {
	return OpenWithConfig(dir, DefaultConfig())
}

// OpenWithConfig opens a journal in dir. The sequence continues from the
// highest sequence found in existing files.
func OpenWithConfig(dir string, config Config) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = DefaultConfig().MaxFileSize
	}

	w := &WAL{dir: dir, config: config}
	w.loadSequence()
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) openFile() error {
	// Nanosecond suffix keeps rotated files unique and ordered by name
	name := fmt.Sprintf("%s-%s-%09d.wal", w.config.FilePrefix,
		time.Now().UTC().Format("20060102-150405"), time.Now().Nanosecond())
	file, err := os.OpenFile(filepath.Join(w.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal file: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)
	w.size = 0
	return nil
}

// Close flushes and closes the journal
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Sequence returns the last written sequence.
func (w *WAL) Sequence() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sequence
}

// Append adds an entry for sessionID.
func (w *WAL) Append(entryType EntryType, sessionID string, data any) error {
	return w.append(entryType, sessionID, data, nil)
}

// AppendError adds an entry carrying an error.
func (w *WAL) AppendError(entryType EntryType, sessionID string, data any, errToLog error) error {
	return w.append(entryType, sessionID, data, errToLog)
}

func (w *WAL) append(entryType EntryType, sessionID string, data any, errToLog error) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal data: %w", err)
		}
		raw = b
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.sequence++
	entry := Entry{
		Timestamp: time.Now().UTC(),
		Sequence:  w.sequence,
		Type:      entryType,
		SessionID: sessionID,
		Data:      raw,
	}
	if errToLog != nil {
		entry.Error = errToLog.Error()
	}
	return w.writeEntry(entry)
}

// writeEntry writes a single entry, rotating first if the current file
// is full. Called with mu held.
func (w *WAL) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	line = append(line, '\n')

	if w.shouldRotate() {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	n, err := w.writer.Write(line)
	if err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	w.size += int64(n)

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return w.file.Sync()
}

func (w *WAL) shouldRotate() bool {
	return w.size > 0 && w.size >= w.config.MaxFileSize
}

func (w *WAL) rotate() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("flush before rotate: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close before rotate: %w", err)
	}
	return w.openFile()
}

// loadSequence finds the last sequence number across existing files
func (w *WAL) loadSequence() {
	for _, file := range listFiles(w.dir, w.config.FilePrefix) {
		reader, err := NewReader(file)
		if err != nil {
			continue
		}
		for {
			entry, err := reader.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				continue
			}
			if entry.Sequence > w.sequence {
				w.sequence = entry.Sequence
			}
		}
		_ = reader.Close()
	}
}

func listFiles(dir, prefix string) []string {
	files, err := filepath.Glob(filepath.Join(dir, prefix+"-*.wal"))
	if err != nil {
		return nil
	}
	sort.Strings(files)
	return files
}

// Reader provides journal replay
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader creates a reader for one journal file
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Reader{scanner: scanner, file: file}, nil
}

// Next reads the next entry. It returns io.EOF at the end.
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay calls handler, in sequence order, for every entry of sessionID
// (all sessions when sessionID is empty).
func Replay(dir, prefix, sessionID string, handler func(*Entry) error) error {
	if prefix == "" {
		prefix = DefaultConfig().FilePrefix
	}

	var entries []*Entry
	for _, file := range listFiles(dir, prefix) {
		reader, err := NewReader(file)
		if err != nil {
			return err
		}
		for {
			entry, err := reader.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				_ = reader.Close()
				return err
			}
			if sessionID == "" || entry.SessionID == sessionID {
				entries = append(entries, entry)
			}
		}
		_ = reader.Close()
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })
	for _, entry := range entries {
		if err := handler(entry); err != nil {
			return err
		}
	}
	return nil
}
