// Package devlock takes advisory per-device lock files so two bioauth
// processes on the same host never hold the same camera or microphone.
package devlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/breeze-rmm/bioauth/internal/capture"
	"github.com/breeze-rmm/bioauth/internal/logging"
)

var log = logging.L("devlock")

// errWouldBlock is returned by tryFlock when another process holds the lock.
var errWouldBlock = errors.New("devlock: lock held elsewhere")

// Dir hands out locks as files named <dir>/<device>.lock.
type Dir struct {
	path string

	mu   sync.Mutex
	held map[string]*os.File
}

var _ capture.DeviceLocker = (*Dir)(nil)

// New creates the lock directory if needed.
func New(dir string) (*Dir, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &Dir{path: dir, held: make(map[string]*os.File)}, nil
}

// TryLock acquires the named lock without blocking. It fails with
// capture.ErrDeviceBusy when any process, this one included, holds it.
func (d *Dir) TryLock(name string) (func() error, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.held[name]; ok {
		return nil, fmt.Errorf("%s: %w", name, capture.ErrDeviceBusy)
	}

	p := filepath.Join(d.path, name+".lock")
	f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := tryFlock(f); err != nil {
		f.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, fmt.Errorf("%s: %w", name, capture.ErrDeviceBusy)
		}
		return nil, fmt.Errorf("lock %s: %w", name, err)
	}

	if err := f.Truncate(0); err == nil {
		fmt.Fprintf(f, "%d\n", os.Getpid())
	}
	d.held[name] = f
	log.Debug("device lock acquired", logging.KeyDevice, name)

	var once sync.Once
	return func() error {
		var uerr error
		once.Do(func() { uerr = d.unlock(name, f) })
		return uerr
	}, nil
}

func (d *Dir) unlock(name string, f *os.File) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.held[name] == f {
		delete(d.held, name)
	}
	err := funlock(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Holder returns the pid written into the named lock file, or 0.
func (d *Dir) Holder(name string) int {
	data, err := os.ReadFile(filepath.Join(d.path, name+".lock"))
	if err != nil {
		return 0
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0
	}
	return pid
}
