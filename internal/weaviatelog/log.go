// Package weaviatelog provides an opt-in JSONL query logger for the
// retrieval backend, gated by WEAVIATE_QUERY_LOG / WEAVIATE_QUERY_LOG_DIR
// (see spec's environment-flags list), in the same structured-logging style
// as cmd/pipelined's slog.NewJSONHandler usage.
package weaviatelog

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const defaultLogDir = "."

// Logger appends one JSON line per logged query to a process-wide file,
// guarded by a mutex since multiple goroutines may log concurrently.
type Logger struct {
	enabled bool
	path    string

	mu   sync.Mutex
	file *os.File
}

// Entry is one logged query/response pair.
type Entry struct {
	TimestampUTC  time.Time      `json:"ts_utc"`
	Repository    string         `json:"repository"`
	SnapshotID    string         `json:"snapshot_id"`
	SearchType    string         `json:"search_type"`
	Query         string         `json:"query"`
	TopK          int            `json:"top_k"`
	Filters       map[string]any `json:"filters,omitempty"`
	HitCount      int            `json:"hit_count"`
	DurationMS    int64          `json:"duration_ms"`
	Error         string         `json:"error,omitempty"`
}

// FromEnv builds a Logger from WEAVIATE_QUERY_LOG ("1" enables) and
// WEAVIATE_QUERY_LOG_DIR (default "."). A disabled Logger's Log is a no-op,
// so callers never need to branch on whether logging is turned on.
func FromEnv() *Logger {
	enabled := os.Getenv("WEAVIATE_QUERY_LOG") == "1"
	dir := os.Getenv("WEAVIATE_QUERY_LOG_DIR")
	if dir == "" {
		dir = defaultLogDir
	}
	return &Logger{enabled: enabled, path: filepath.Join(dir, "weaviate_queries.jsonl")}
}

// Log appends entry as one JSON line. Failures are reported via the default
// slog logger and otherwise swallowed — query logging is a diagnostic
// side-channel, never a reason to fail a search.
func (l *Logger) Log(entry Entry) {
	if l == nil || !l.enabled {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureOpenLocked(); err != nil {
		slog.Error("weaviatelog: open failed", "path", l.path, "err", err)
		return
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		slog.Error("weaviatelog: marshal failed", "err", err)
		return
	}
	raw = append(raw, '\n')
	if _, err := l.file.Write(raw); err != nil {
		slog.Error("weaviatelog: write failed", "path", l.path, "err", err)
	}
}

func (l *Logger) ensureOpenLocked() error {
	if l.file != nil {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// Close releases the underlying file handle, if open.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
