package devlock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/breeze-rmm/bioauth/internal/capture"
)

func TestTryLockAndUnlock(t *testing.T) {
	d, err := New(filepath.Join(t.TempDir(), "locks"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	unlock, err := d.TryLock("camera")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if got := d.Holder("camera"); got != os.Getpid() {
		t.Fatalf("Holder() = %d, want %d", got, os.Getpid())
	}

	if _, err := d.TryLock("camera"); !errors.Is(err, capture.ErrDeviceBusy) {
		t.Fatalf("second TryLock err = %v, want ErrDeviceBusy", err)
	}

	if err := unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := unlock(); err != nil {
		t.Fatalf("second unlock: %v", err)
	}

	again, err := d.TryLock("camera")
	if err != nil {
		t.Fatalf("TryLock after unlock: %v", err)
	}
	again()
}

func TestLocksAreIndependentPerDevice(t *testing.T) {
	d, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cam, err := d.TryLock("camera")
	if err != nil {
		t.Fatal(err)
	}
	defer cam()
	mic, err := d.TryLock("microphone")
	if err != nil {
		t.Fatalf("microphone lock blocked by camera: %v", err)
	}
	mic()
}

func TestHolderMissingFile(t *testing.T) {
	d, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if got := d.Holder("camera"); got != 0 {
		t.Fatalf("Holder() = %d, want 0", got)
	}
}
