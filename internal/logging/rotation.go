package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const backupStamp = "20060102T150405.000000000"

// RotatingWriter appends to log_file and moves it aside once it passes the
// size limit. Rotated files are named <path>.<UTC timestamp> and only the
// newest maxBackups are kept. Safe for concurrent use.
type RotatingWriter struct {
	mu        sync.Mutex
	path      string
	limit     int64
	keep      int
	f         *os.File
	size      int64
	rotations int
	now       func() time.Time
}

func NewRotatingWriter(path string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	return openRotating(path, int64(maxSizeMB)<<20, maxBackups, time.Now)
}

func openRotating(path string, limit int64, keep int, now func() time.Time) (*RotatingWriter, error) {
	if limit <= 0 {
		limit = 10 << 20
	}
	if keep <= 0 {
		keep = 3
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	w := &RotatingWriter{path: path, limit: limit, keep: keep, now: now}
	if err := w.open(); err != nil {
		return nil, err
	}
	// Each CLI run is short, so an earlier run may have left the file over the limit
	if w.size >= limit {
		if err := w.rotate(); err != nil {
			w.f.Close()
			return nil, err
		}
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.limit {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("log rotation: %w", err)
		}
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// Rotations reports how many times the file was moved aside by this writer.
func (w *RotatingWriter) Rotations() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotations
}

// TeeWriter keeps stderr output while also writing log_file.
func TeeWriter(w1, w2 io.Writer) io.Writer {
	return io.MultiWriter(w1, w2)
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.f = f
	w.size = info.Size()
	return nil
}

func (w *RotatingWriter) rotate() error {
	if w.f != nil {
		w.f.Close()
		w.f = nil
	}
	dst := w.path + "." + w.now().UTC().Format(backupStamp)
	if err := os.Rename(w.path, dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("move log aside: %w", err)
	}
	w.rotations++

	old := w.backups()
	for len(old) > w.keep {
		if err := os.Remove(old[0]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune %s: %w", old[0], err)
		}
		old = old[1:]
	}
	return w.open()
}

// backups lists rotated files oldest first.
func (w *RotatingWriter) backups() []string {
	matches, _ := filepath.Glob(w.path + ".*")
	var out []string
	for _, m := range matches {
		stamp := strings.TrimPrefix(m, w.path+".")
		if _, err := time.Parse(backupStamp, stamp); err == nil {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}
