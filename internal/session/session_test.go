package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/uuid"

	"github.com/breeze-rmm/bioauth/internal/audit"
	"github.com/breeze-rmm/bioauth/internal/bioerr"
)

type recordingAudit struct {
	events []audit.Event
}

func (r *recordingAudit) Record(ev audit.Event) { r.events = append(r.events, ev) }

func TestLoginPersistsRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.yaml")
	rec := &recordingAudit{}
	m := NewFileManager(path, rec)

	if err := m.Login(context.Background(), "  alice "); err != nil {
		t.Fatalf("Login: %v", err)
	}
	cur, ok := m.Current()
	if !ok || cur.Identity != "alice" {
		t.Fatalf("Current() = %+v, %v", cur, ok)
	}
	if _, err := uuid.Parse(cur.ID); err != nil {
		t.Fatalf("session ID %q is not a UUID: %v", cur.ID, err)
	}

	// A second manager on the same file sees the login.
	other := NewFileManager(path, nil)
	if got, ok := other.Current(); !ok || got.ID != cur.ID {
		t.Fatalf("other.Current() = %+v, %v", got, ok)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Fatalf("mode = %o, want 600", perm)
		}
	}
	if len(rec.events) != 1 || rec.events[0].Type != audit.EventLogin || rec.events[0].Identity != "alice" {
		t.Fatalf("audit events = %+v", rec.events)
	}
}

func TestLoginRejectsEmptyIdentity(t *testing.T) {
	m := NewFileManager(filepath.Join(t.TempDir(), "session.yaml"), nil)
	if err := m.Login(context.Background(), "   "); !errors.Is(err, bioerr.ErrValidation) {
		t.Fatalf("err = %v, want Validation", err)
	}
	if _, ok := m.Current(); ok {
		t.Fatal("session created for empty identity")
	}
}

func TestLoginReplacesSession(t *testing.T) {
	m := NewFileManager(filepath.Join(t.TempDir(), "session.yaml"), nil)
	ctx := context.Background()
	if err := m.Login(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	first, _ := m.Current()
	if err := m.Login(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	cur, ok := m.Current()
	if !ok || cur.Identity != "bob" || cur.ID == first.ID {
		t.Fatalf("Current() = %+v", cur)
	}
}

func TestLogout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	rec := &recordingAudit{}
	m := NewFileManager(path, rec)
	ctx := context.Background()

	if err := m.Logout(ctx); err != nil {
		t.Fatalf("Logout without session: %v", err)
	}
	if len(rec.events) != 0 {
		t.Fatalf("audit events = %+v, want none", rec.events)
	}

	if err := m.Login(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := m.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, ok := m.Current(); ok {
		t.Fatal("session survived logout")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("session file still present: %v", err)
	}
	if last := rec.events[len(rec.events)-1]; last.Type != audit.EventLogout || last.Identity != "alice" {
		t.Fatalf("last audit event = %+v", last)
	}
}

func TestCorruptFileIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	if err := os.WriteFile(path, []byte("identity: [unterminated"), 0600); err != nil {
		t.Fatal(err)
	}
	m := NewFileManager(path, nil)
	if _, ok := m.Current(); ok {
		t.Fatal("corrupt session file reported as a session")
	}
	if err := m.Login(context.Background(), "alice"); err != nil {
		t.Fatalf("Login over corrupt file: %v", err)
	}
}

func TestLoginHonoursCancelledContext(t *testing.T) {
	m := NewFileManager(filepath.Join(t.TempDir(), "session.yaml"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Login(ctx, "alice"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
