// Package session tracks the signed-in identity after a completed
// enrollment or an accepted authentication.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/bioauth/internal/audit"
	"github.com/breeze-rmm/bioauth/internal/bioerr"
	"github.com/breeze-rmm/bioauth/internal/logging"
)

var log = logging.L("session")

// Record is the persisted login.
type Record struct {
	ID         string    `yaml:"id"`
	Identity   string    `yaml:"identity"`
	LoggedInAt time.Time `yaml:"logged_in_at"`
}

// Manager is the application session surface.
type Manager interface {
	Login(ctx context.Context, identity string) error
	Logout(ctx context.Context) error
	Current() (Record, bool)
}

// FileManager keeps the session in a YAML file so that `bioauth status`
// in a later process sees the login.
type FileManager struct {
	mu    sync.Mutex
	path  string
	audit audit.Recorder
	now   func() time.Time
}

var _ Manager = (*FileManager)(nil)

// NewFileManager stores the session at path. rec may be nil.
func NewFileManager(path string, rec audit.Recorder) *FileManager {
	if rec == nil {
		rec = (*audit.Logger)(nil)
	}
	return &FileManager{path: path, audit: rec, now: time.Now}
}

// Path returns the session file location.
func (m *FileManager) Path() string { return m.path }

// Login replaces any existing session with one for identity.
func (m *FileManager) Login(ctx context.Context, identity string) error {
	const op = "session.Login"
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return bioerr.Validation(op, "identity is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rec := Record{
		ID:         uuid.NewString(),
		Identity:   identity,
		LoggedInAt: m.now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.readLocked(); ok && prev.Identity != identity {
		log.Info("replacing existing session", "previous", prev.Identity)
	}
	if err := m.writeLocked(rec); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	m.audit.Record(audit.Event{Type: audit.EventLogin, Identity: identity, Details: map[string]any{"sessionId": rec.ID}})
	log.Info("logged in", logging.KeyIdentity, identity)
	return nil
}

// Logout clears the session. Logging out with no session is not an error.
func (m *FileManager) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.readLocked()
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("session.Logout: %w", err)
	}
	if !ok {
		return nil
	}

	m.audit.Record(audit.Event{Type: audit.EventLogout, Identity: prev.Identity, Details: map[string]any{"sessionId": prev.ID}})
	log.Info("logged out", logging.KeyIdentity, prev.Identity)
	return nil
}

// Current returns the active session, if any.
func (m *FileManager) Current() (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readLocked()
}

func (m *FileManager) readLocked() (Record, bool) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to read session file", "path", m.path, logging.KeyError, err)
		}
		return Record{}, false
	}
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		log.Warn("session file is corrupt, ignoring it", "path", m.path, logging.KeyError, err)
		return Record{}, false
	}
	if rec.Identity == "" {
		return Record{}, false
	}
	return rec, true
}

// writeLocked replaces the file atomically with owner-only permissions.
func (m *FileManager) writeLocked(rec Record) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return err
	}
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".session-*.yaml")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, m.path)
}
