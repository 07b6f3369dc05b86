// Package sample turns live capture handles into uploadable biometric
// samples: a single JPEG frame from the camera or a bounded audio clip from
// the microphone.
package sample

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/draw"
	"image/jpeg"
	"time"

	"github.com/breeze-rmm/bioauth/internal/bioerr"
	"github.com/breeze-rmm/bioauth/internal/capture"
	"github.com/breeze-rmm/bioauth/internal/logging"
	"github.com/breeze-rmm/bioauth/internal/secmem"
)

var log = logging.L("sample")

// Modality is the kind of payload a Sample carries.
type Modality string

const (
	Image Modality = "image"
	Audio Modality = "audio"
)

const (
	DefaultJPEGQuality = 80
	DefaultClip        = 3000 * time.Millisecond

	jpegMediaType = "image/jpeg"
	// Sent when the runtime chose a container and did not name it.
	unknownAudioType = "application/octet-stream"
)

// Sample is one captured payload. The bytes live in a secmem.Payload that
// the upload takes once and wipes.
type Sample struct {
	Modality   Modality
	Payload    *secmem.Payload
	Encoding   string // MIME type of Payload
	Duration   time.Duration
	CapturedAt time.Time
}

// Size returns the payload length in bytes.
func (s *Sample) Size() int {
	if s == nil {
		return 0
	}
	return s.Payload.Len()
}

// Discard wipes the payload. Safe on nil and after upload.
func (s *Sample) Discard() {
	if s != nil {
		s.Payload.Wipe()
	}
}

// Collector extracts samples from capture handles.
type Collector struct {
	quality int
	clock   Clock
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock replaces the wall clock, for tests.
func WithClock(c Clock) Option {
	return func(col *Collector) { col.clock = c }
}

// NewCollector creates a Collector encoding frames at the given JPEG
// quality (1 to 100; out-of-range values use the default).
func NewCollector(quality int, opts ...Option) *Collector {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	c := &Collector{quality: quality, clock: realClock{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Quality returns the JPEG quality in use.
func (c *Collector) Quality() int { return c.quality }

// CaptureImageFrame snapshots the camera's current frame as a JPEG.
func (c *Collector) CaptureImageFrame(ctx context.Context, h *capture.Handle) (*Sample, error) {
	const op = "sample.CaptureImageFrame"

	if err := ctx.Err(); err != nil {
		return nil, bioerr.Wrap(bioerr.KindCapture, op, err)
	}
	if !h.Live() {
		return nil, &bioerr.Error{Kind: bioerr.KindCapture, Op: op, Message: "camera is not active", Err: capture.ErrReleased}
	}
	if h.Kind() != capture.Camera {
		return nil, &bioerr.Error{Kind: bioerr.KindCapture, Op: op, Message: "handle is not a camera", Err: capture.ErrWrongKind}
	}

	img, err := h.Frame()
	if err != nil {
		msg := "failed to read camera frame"
		if errors.Is(err, capture.ErrNoFrame) {
			msg = "camera has not produced a frame yet"
		}
		return nil, &bioerr.Error{Kind: bioerr.KindCapture, Op: op, Message: msg, Err: err}
	}

	data, err := EncodeJPEG(img, c.quality)
	if err != nil {
		return nil, &bioerr.Error{Kind: bioerr.KindCapture, Op: op, Message: "failed to encode frame", Err: err}
	}

	b := img.Bounds()
	log.Debug("frame captured", "width", b.Dx(), "height", b.Dy(), "jpegBytes", len(data))
	return &Sample{
		Modality:   Image,
		Payload:    secmem.NewPayload(data, jpegMediaType),
		Encoding:   jpegMediaType,
		CapturedAt: c.clock.Now(),
	}, nil
}

// EncodeJPEG encodes img with the given quality (clamped to 1..100).
// Paletted and other exotic models are flattened to RGBA first.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}

	switch img.(type) {
	case *image.RGBA, *image.YCbCr, *image.Gray, *image.NRGBA:
	default:
		rgba := image.NewRGBA(img.Bounds())
		draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
		img = rgba
	}

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CaptureAudioClip records for d (or until ctx is cancelled) and returns the
// assembled clip.
func (c *Collector) CaptureAudioClip(ctx context.Context, h *capture.Handle, d time.Duration) (*Sample, error) {
	rec, err := c.StartAudioClip(ctx, h, d)
	if err != nil {
		return nil, err
	}
	<-rec.Done()
	return rec.Result()
}
