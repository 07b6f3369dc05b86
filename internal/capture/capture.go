// Package capture owns the camera and microphone.
//
// A Manager hands out at most one live Handle per device kind. Acquiring a
// kind that is already held releases the previous handle before the new one
// is opened, so two flows can never share a device. The hardware itself is
// reached through a Runtime, which keeps the manager independent of how a
// platform exposes capture (ffmpeg subprocesses in production, fakes in
// tests).
package capture

import (
	"context"
	"errors"
	"image"
	"mime"
	"strings"
)

// Kind is the type of capture device.
type Kind string

const (
	Camera     Kind = "camera"
	Microphone Kind = "microphone"
)

// Encoding is the MIME type of a recorded audio container, for example
// "audio/webm;codecs=opus". The empty Encoding asks the runtime for its
// default container.
type Encoding string

// DefaultEncoding selects whatever container the runtime prefers.
const DefaultEncoding Encoding = ""

func (e Encoding) String() string {
	if e == DefaultEncoding {
		return "runtime-default"
	}
	return string(e)
}

// MediaType returns the bare media type ("audio/webm") of the encoding.
func (e Encoding) MediaType() string {
	mt, _, err := mime.ParseMediaType(string(e))
	if err != nil {
		return strings.TrimSpace(strings.ToLower(string(e)))
	}
	return mt
}

// Codecs returns the codecs parameter split on commas, or nil.
func (e Encoding) Codecs() []string {
	_, params, err := mime.ParseMediaType(string(e))
	if err != nil || params["codecs"] == "" {
		return nil
	}
	parts := strings.Split(params["codecs"], ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// Constraints describe the requested camera stream.
type Constraints struct {
	Width  int
	Height int
	Device string // runtime-specific device name, empty for the default camera
}

// Capabilities reports which audio encodings a runtime can record.
type Capabilities interface {
	Supports(enc Encoding) bool
}

// CapabilitySet is a static Capabilities value.
type CapabilitySet map[Encoding]bool

func (s CapabilitySet) Supports(enc Encoding) bool { return s[enc] }

// VideoStream is a live camera stream.
type VideoStream interface {
	// Frame returns the most recent frame, or ErrNoFrame if the stream has
	// not produced one yet.
	Frame() (image.Image, error)
	// Stop releases the camera. It must be safe to call more than once.
	Stop() error
}

// AudioStream is an open microphone bound to a negotiated encoding.
type AudioStream interface {
	Encoding() Encoding
	// Record starts a recorder that delivers encoded container bytes to sink
	// in order. sink is never called after the recorder's Stop returns.
	Record(sink func(chunk []byte)) (Recorder, error)
	// Stop releases the microphone. It must be safe to call more than once.
	Stop() error
}

// Recorder is a running audio recording.
type Recorder interface {
	// Stop ends the recording and flushes buffered data to the sink.
	Stop() error
}

// Runtime is the device capability surface of the host.
type Runtime interface {
	OpenCamera(ctx context.Context, c Constraints) (VideoStream, error)
	OpenMicrophone(ctx context.Context, enc Encoding) (AudioStream, error)
	Capabilities(ctx context.Context) (Capabilities, error)
}

// DeviceLocker provides cross-process exclusion per device kind.
type DeviceLocker interface {
	TryLock(name string) (unlock func() error, err error)
}

var (
	// ErrNoFrame is returned by VideoStream.Frame before the first frame.
	ErrNoFrame = errors.New("capture: video stream has not produced a frame")
	// ErrPermissionDenied is returned when the OS refuses device access.
	ErrPermissionDenied = errors.New("capture: device permission denied")
	// ErrNoDevice is returned when the requested device does not exist.
	ErrNoDevice = errors.New("capture: device not found")
	// ErrDeviceBusy is returned when another process holds the device.
	ErrDeviceBusy = errors.New("capture: device in use by another process")
	// ErrReleased is returned when a released handle is used.
	ErrReleased = errors.New("capture: handle released")
	// ErrWrongKind is returned when a handle is used for the other modality.
	ErrWrongKind = errors.New("capture: handle is of the wrong kind")
)
