package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/breeze-rmm/bioauth/internal/config"
)

func TestNilLoggerIsNoop(t *testing.T) {
	var l *Logger
	l.Record(Event{Type: EventLogin, Identity: "alice"})
	if err := l.Close(); err != nil {
		t.Fatalf("nil Close() returned error: %v", err)
	}
	if got := l.DroppedCount(); got != -1 {
		t.Fatalf("nil DroppedCount() = %d, want -1", got)
	}
	var _ Recorder = l
}

func TestNewLoggerCreatesFileUnderDataDir(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")

	l, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Close()

	if want := filepath.Join(cfg.DataDir, "audit.jsonl"); l.Path() != want {
		t.Fatalf("Path() = %q, want %q", l.Path(), want)
	}
	info, err := os.Stat(l.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("audit perm = %o, want 600", perm)
	}
}

func TestRecordWritesChainedEntries(t *testing.T) {
	l := newTestLogger(t)
	l.Record(Event{Type: EventEnrollStarted, Identity: "alice"})
	l.Record(Event{Type: EventSampleAccepted, Identity: "alice", Modality: "face", Details: map[string]any{"bytes": 20480}})
	l.Record(Event{Type: EventAuthFailed, Identity: "bob", Modality: "voice", AttemptID: "a-1"})
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].PrevHash != "genesis" {
		t.Fatalf("entry[0].PrevHash = %q, want genesis", entries[0].PrevHash)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].EntryHash {
			t.Fatalf("entry[%d] does not link to entry[%d]", i, i-1)
		}
	}
	if entries[2].Identity != "bob" || entries[2].Modality != "voice" || entries[2].AttemptID != "a-1" {
		t.Fatalf("entry[2] = %+v", entries[2])
	}

	res, err := Verify(l.filePath)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.BrokenAt != 0 || res.Entries != 3 {
		t.Fatalf("Verify = %+v, want intact chain of 3", res)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := newTestLogger(t)
	l.Record(Event{Type: EventEnrollStarted, Identity: "alice"})
	l.Record(Event{Type: EventEnrollCompleted, Identity: "alice"})
	l.Close()

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), `"identity":"alice"`, `"identity":"mallory"`, 1)
	if err := os.WriteFile(l.filePath, []byte(tampered), 0600); err != nil {
		t.Fatal(err)
	}

	res, err := Verify(l.filePath)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.BrokenAt != 1 {
		t.Fatalf("BrokenAt = %d, want 1 (%s)", res.BrokenAt, res.Reason)
	}
}

func TestNewLoggerResumesChain(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	l, err := NewLogger(cfg)
	if err != nil {
		t.Fatal(err)
	}
	l.Record(Event{Type: EventLogin, Identity: "alice"})
	l.Close()

	l2, err := NewLogger(cfg)
	if err != nil {
		t.Fatal(err)
	}
	l2.Record(Event{Type: EventLogout, Identity: "alice"})
	l2.Close()

	res, err := Verify(l2.Path())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.BrokenAt != 0 || res.Entries != 2 {
		t.Fatalf("Verify = %+v, want intact chain of 2", res)
	}
}

func TestRotationSentinelLinksAcrossFiles(t *testing.T) {
	l := newTestLogger(t)
	l.maxSize = 1024

	for i := 0; i < 20; i++ {
		l.Record(Event{Type: EventSampleAccepted, Identity: "alice", Modality: "face", Details: map[string]any{"i": i}})
	}
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) == 0 {
		t.Fatal("no entries in current log file after rotation")
	}
	if entries[0].EventType != EventLogRotated {
		t.Fatalf("first entry eventType = %q, want %q", entries[0].EventType, EventLogRotated)
	}
	if prev, _ := entries[0].Details["previousFile"].(string); prev != "audit.jsonl.1" {
		t.Fatalf("previousFile = %q", prev)
	}

	backup := readEntries(t, l.filePath+".1")
	if len(backup) == 0 {
		t.Fatal("no entries in backup file")
	}
	if entries[0].PrevHash != backup[len(backup)-1].EntryHash {
		t.Fatalf("sentinel prevHash = %q, want last backup hash %q", entries[0].PrevHash, backup[len(backup)-1].EntryHash)
	}
	if res, _ := Verify(l.filePath); res.BrokenAt != 0 {
		t.Fatalf("rotated file chain broken: %+v", res)
	}
}

func TestDroppedCountOnWriteFailure(t *testing.T) {
	l := newTestLogger(t)

	l.file.Close()
	f, err := os.Open(l.filePath)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	l.file = f
	before := l.prevHash

	l.Record(Event{Type: EventAuthSucceeded, Identity: "alice"})

	if got := l.DroppedCount(); got != 1 {
		t.Fatalf("DroppedCount() = %d, want 1", got)
	}
	if l.prevHash != before {
		t.Fatal("chain advanced after a failed write")
	}
	l.file.Close()
}

func TestRecordAfterCloseIsDropped(t *testing.T) {
	l := newTestLogger(t)
	l.Close()
	l.Record(Event{Type: EventLogout})
	if got := l.DroppedCount(); got != 1 {
		t.Fatalf("DroppedCount() = %d, want 1", got)
	}
}

func TestDurableEvents(t *testing.T) {
	for _, e := range []string{EventEnrollCompleted, EventLogin, EventLogout} {
		if !durable[e] {
			t.Errorf("event %q should be durable", e)
		}
	}
	for _, e := range []string{EventSampleAccepted, EventAuthFailed} {
		if durable[e] {
			t.Errorf("event %q should not be durable", e)
		}
	}
}

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	l, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return l
}

func readEntries(t *testing.T, filePath string) []Entry {
	t.Helper()
	data, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil
	}
	var entries []Entry
	for _, line := range strings.Split(trimmed, "\n") {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("unmarshal line %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}
