//go:build linux

package ffmpeg

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"syscall"

	"github.com/breeze-rmm/bioauth/internal/capture"
)

// probeDeviceNode opens a /dev node read-only to tell a missing camera from
// a refused one before ffmpeg is started.
func probeDeviceNode(device string) error {
	if !strings.HasPrefix(device, "/dev/") {
		return nil
	}
	f, err := os.OpenFile(device, os.O_RDONLY|syscall.O_NONBLOCK, 0)
	switch {
	case err == nil:
		return f.Close()
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s: %w", device, capture.ErrNoDevice)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%s: %w", device, capture.ErrPermissionDenied)
	case errors.Is(err, syscall.EBUSY):
		return fmt.Errorf("%s: %w", device, capture.ErrDeviceBusy)
	}
	return err
}
