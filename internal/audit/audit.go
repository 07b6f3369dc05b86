// Package audit keeps a tamper-evident JSONL trail of enrollment,
// authentication and session events. Entries never carry sample bytes.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/bioauth/internal/config"
	"github.com/breeze-rmm/bioauth/internal/logging"
)

var log = logging.L("audit")

const (
	EventEnrollStarted   = "enroll_started"
	EventSampleAccepted  = "sample_accepted"
	EventSampleRejected  = "sample_rejected"
	EventEnrollCompleted = "enroll_completed"
	EventEnrollAbandoned = "enroll_abandoned"
	EventAuthSucceeded   = "auth_succeeded"
	EventAuthFailed      = "auth_failed"
	EventLogin           = "session_login"
	EventLogout          = "session_logout"
	EventLogRotated      = "log_rotated"

	genesisHash     = "genesis"
	chainBrokenHash = "chain-broken"
)

// durable events are fsynced after writing.
var durable = map[string]bool{
	EventEnrollCompleted: true,
	EventLogin:           true,
	EventLogout:          true,
}

// Entry is a single audit record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	Identity  string         `json:"identity,omitempty"`
	Modality  string         `json:"modality,omitempty"`
	AttemptID string         `json:"attemptId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Event is what callers hand to Record.
type Event struct {
	Type      string
	Identity  string
	Modality  string
	AttemptID string
	Details   map[string]any
}

// Recorder is implemented by *Logger. A nil *Logger is a valid no-op
// Recorder.
type Recorder interface {
	Record(ev Event)
}

// Logger writes JSONL entries linked by a SHA-256 hash chain. After
// rotation the first entry of the new file is a log_rotated sentinel whose
// prevHash links to the last entry of the old file.
type Logger struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
	now        func() time.Time
}

// NewLogger opens {dataDir}/audit.jsonl and resumes the chain from its last
// entry.
func NewLogger(cfg *config.Config) (*Logger, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create audit data dir: %w", err)
	}

	maxSize := cfg.AuditMaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := cfg.AuditMaxBackups
	if maxBackups <= 0 {
		maxBackups = 3
	}

	l := &Logger{
		filePath:   filepath.Join(dataDir, "audit.jsonl"),
		maxSize:    int64(maxSize) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   genesisHash,
		now:        time.Now,
	}

	if last, err := lastHash(l.filePath); err != nil {
		log.Warn("audit log tail unreadable, starting a new chain", logging.KeyError, err)
	} else if last != "" {
		l.prevHash = last
	}

	if err := l.openFile(); err != nil {
		return nil, err
	}

	log.Debug("audit logger started", "path", l.filePath)
	return l, nil
}

// Path returns the active audit file.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// Record appends ev. The chain advances only after a successful write, so a
// failed write leaves the next entry linked to the same prevHash. Safe on a
// nil receiver.
func (l *Logger) Record(ev Event) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		l.dropped.Add(1)
		return
	}

	entry := Entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		EventType: ev.Type,
		Identity:  ev.Identity,
		Modality:  ev.Modality,
		AttemptID: ev.AttemptID,
		Details:   ev.Details,
		PrevHash:  l.prevHash,
	}

	if err := l.appendLocked(&entry, true); err != nil {
		log.Error("audit entry dropped", logging.KeyError, err, "eventType", ev.Type)
		l.dropped.Add(1)
		return
	}

	if durable[ev.Type] {
		if err := l.file.Sync(); err != nil {
			log.Error("audit fsync failed", logging.KeyError, err, "eventType", ev.Type)
		}
	}
}

func (l *Logger) appendLocked(entry *Entry, mayRotate bool) error {
	hash, err := computeHash(*entry)
	if err != nil {
		return err
	}
	entry.EntryHash = hash

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	if mayRotate && l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
		// The sentinel moved the chain; relink and rehash.
		entry.PrevHash = l.prevHash
		return l.appendLocked(entry, false)
	}

	if l.file == nil {
		return fmt.Errorf("audit log closed")
	}
	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	l.written += int64(n)
	l.prevHash = entry.EntryHash
	return nil
}

// Close closes the audit file. Safe on a nil receiver.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// DroppedCount returns the number of entries that failed to write, or -1
// for a nil logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// computeHash length-prefixes every field so no field value can imitate a
// delimiter.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.Identity, entry.Modality, entry.AttemptID, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Logger) openFile() error {
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = f
	l.written = info.Size()
	return nil
}

func (l *Logger) rotate() error {
	linkTo := l.prevHash

	if l.file != nil {
		l.file.Close()
	}

	for i := l.maxBackups; i >= 2; i-- {
		src, dst := l.backupName(i-1), l.backupName(i)
		if i == l.maxBackups {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				log.Warn("audit rotation: remove oldest backup failed", "path", dst, logging.KeyError, err)
			}
		}
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			log.Warn("audit rotation: rename backup failed", "src", src, "dst", dst, logging.KeyError, err)
		}
	}
	if err := os.Rename(l.filePath, l.backupName(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("audit rotation: rename current log failed", logging.KeyError, err)
	}

	if err := l.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  linkTo,
		Details:   map[string]any{"previousFile": filepath.Base(l.backupName(1))},
	}
	if err := l.appendLocked(&sentinel, false); err != nil {
		log.Error("rotation sentinel failed, hash chain broken", logging.KeyError, err)
		l.dropped.Add(1)
		l.prevHash = chainBrokenHash
	}
	return nil
}

func (l *Logger) backupName(index int) string {
	if index == 0 {
		return l.filePath
	}
	return fmt.Sprintf("%s.%d", l.filePath, index)
}

// VerifyResult summarizes a chain check of one audit file.
type VerifyResult struct {
	Entries int
	// BrokenAt is the 1-based line of the first entry whose hash or link does
	// not match, or 0 when the chain is intact.
	BrokenAt int
	Reason   string
}

// Verify re-hashes every entry in path and checks the prevHash links. The
// first entry may link to anything (genesis or a rotated predecessor).
func Verify(path string) (VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{}, err
	}
	defer f.Close()

	var (
		res  VerifyResult
		prev string
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		res.Entries++
		line := res.Entries

		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			res.BrokenAt, res.Reason = line, "malformed entry"
			return res, nil
		}
		want, err := computeHash(e)
		if err != nil {
			return res, err
		}
		if want != e.EntryHash {
			res.BrokenAt, res.Reason = line, "entry hash mismatch"
			return res, nil
		}
		if line > 1 && e.PrevHash != prev {
			res.BrokenAt, res.Reason = line, "prevHash does not link to previous entry"
			return res, nil
		}
		prev = e.EntryHash
	}
	return res, sc.Err()
}

func lastHash(path string) (string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	var last string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if json.Unmarshal(sc.Bytes(), &e) == nil && e.EntryHash != "" {
			last = e.EntryHash
		}
	}
	return last, sc.Err()
}
