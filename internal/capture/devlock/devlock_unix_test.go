//go:build unix

package devlock

import (
	"errors"
	"testing"

	"github.com/breeze-rmm/bioauth/internal/capture"
)

// Two Dir values open separate file descriptions, just like two processes.
func TestFlockExcludesOtherHolders(t *testing.T) {
	dir := t.TempDir()
	a, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	unlock, err := a.TryLock("microphone")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if _, err := b.TryLock("microphone"); !errors.Is(err, capture.ErrDeviceBusy) {
		t.Fatalf("TryLock from other holder err = %v, want ErrDeviceBusy", err)
	}
	if err := unlock(); err != nil {
		t.Fatal(err)
	}

	unlockB, err := b.TryLock("microphone")
	if err != nil {
		t.Fatalf("TryLock after release: %v", err)
	}
	unlockB()
}
