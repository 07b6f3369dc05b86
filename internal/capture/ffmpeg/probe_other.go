//go:build !linux

package ffmpeg

// Device nodes are not files on this platform; ffmpeg's stderr is
// classified instead.
func probeDeviceNode(device string) error { return nil }
