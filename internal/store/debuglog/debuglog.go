// Package debuglog writes newline-delimited JSON diagnostic events for one
// session, enabled with --debug.
package debuglog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger appends one JSON object per line to debug/{sessionID}.log.
type Logger struct {
	mu sync.Mutex
	f  *os.File
}

// Open creates the session debug log (mode 0600). A nil *Logger is safe to
// use; all writes become no-ops.
func Open(dir, sessionID string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create debug dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, sessionID+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open debug log: %w", err)
	}
	return &Logger{f: f}, nil
}

// Event appends one diagnostic record.
func (l *Logger) Event(kind string, fields map[string]any) {
	if l == nil {
		return
	}
	record := map[string]any{
		"ts":   time.Now().UTC().Format(time.RFC3339Nano),
		"kind": kind,
	}
	for k, v := range fields {
		record[k] = v
	}
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.f.Write(append(data, '\n'))
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	return l.f.Close()
}
