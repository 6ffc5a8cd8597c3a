package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// dailyRotatingWriter appends to ~/.agent/logs/agent-YYYY-MM-DD.log, opening
// the next day's file the first time a write crosses midnight. The teacher's
// own logging package does not rotate files either, so this stays a small
// stdlib writer rather than pulling in a rotation library.
type dailyRotatingWriter struct {
	mu   sync.Mutex
	dir  string
	day  string
	file *os.File
}

// NewDailyRotatingWriter returns a writer appending daily log files under
// dir, creating dir if it does not exist.
func NewDailyRotatingWriter(dir string) (*dailyRotatingWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &dailyRotatingWriter{dir: dir}, nil
}

func (w *dailyRotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	today := time.Now().UTC().Format("2006-01-02")
	if w.file == nil || today != w.day {
		if w.file != nil {
			_ = w.file.Close()
		}
		path := filepath.Join(w.dir, fmt.Sprintf("agent-%s.log", today))
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return 0, err
		}
		w.file = f
		w.day = today
	}
	return w.file.Write(p)
}

func (w *dailyRotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

// sessionWriter opens one append-only log file for a single session run,
// matching the ~/.agent/logs/sessions/<op>-<ts>-<session>.log naming.
type sessionWriter struct {
	file *os.File
}

// NewSessionWriter opens (creating if absent) the per-session log file for
// op (e.g. "work", "iterate") and sessionID under dir.
func NewSessionWriter(dir, op, sessionID string) (*sessionWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	ts := time.Now().UTC().Format("20060102T150405Z")
	path := filepath.Join(dir, fmt.Sprintf("%s-%s-%s.log", op, ts, sessionID))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &sessionWriter{file: f}, nil
}

func (w *sessionWriter) Write(p []byte) (int, error) { return w.file.Write(p) }
func (w *sessionWriter) Close() error                 { return w.file.Close() }
