// Package capturetest provides an in-memory capture.Runtime for tests.
package capturetest

import (
	"context"
	"image"
	"image/color"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/bioauth/internal/capture"
)

// Runtime is a scriptable capture.Runtime. The zero value opens devices
// that deliver a grey 64x48 frame and support every encoding.
type Runtime struct {
	mu sync.Mutex

	// CameraErr and MicErr make the next opens fail.
	CameraErr error
	MicErr    error
	CapsErr   error
	// Supported limits the encodings; nil supports everything.
	Supported capture.CapabilitySet
	// NoFrame makes cameras return capture.ErrNoFrame.
	NoFrame bool
	// Chunks are delivered to the sink when a recorder starts.
	Chunks [][]byte

	CameraOpens atomic.Int32
	MicOpens    atomic.Int32
	video       []*VideoStream
	audio       []*AudioStream
}

var _ capture.Runtime = (*Runtime)(nil)

type allCaps struct{}

func (allCaps) Supports(capture.Encoding) bool { return true }

func (r *Runtime) Capabilities(ctx context.Context) (capture.Capabilities, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CapsErr != nil {
		return nil, r.CapsErr
	}
	if r.Supported == nil {
		return allCaps{}, nil
	}
	return r.Supported, nil
}

func (r *Runtime) OpenCamera(ctx context.Context, c capture.Constraints) (capture.VideoStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CameraErr != nil {
		return nil, r.CameraErr
	}
	r.CameraOpens.Add(1)
	w, h := c.Width, c.Height
	if w <= 0 || h <= 0 {
		w, h = 64, 48
	}
	s := &VideoStream{width: w, height: h, noFrame: r.NoFrame}
	r.video = append(r.video, s)
	return s, nil
}

func (r *Runtime) OpenMicrophone(ctx context.Context, enc capture.Encoding) (capture.AudioStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.MicErr != nil {
		return nil, r.MicErr
	}
	r.MicOpens.Add(1)
	s := &AudioStream{enc: enc, chunks: r.Chunks}
	r.audio = append(r.audio, s)
	return s, nil
}

// LiveStreams returns the number of opened streams that are not stopped.
func (r *Runtime) LiveStreams() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.video {
		if !s.Stopped() {
			n++
		}
	}
	for _, s := range r.audio {
		if !s.Stopped() {
			n++
		}
	}
	return n
}

// VideoStream is a fake camera stream.
type VideoStream struct {
	width, height int
	noFrame       bool
	stops         atomic.Int32
}

func (s *VideoStream) Frame() (image.Image, error) {
	if s.noFrame {
		return nil, capture.ErrNoFrame
	}
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			img.Set(x, y, color.RGBA{R: 128, G: 128, B: 128, A: 255})
		}
	}
	return img, nil
}

func (s *VideoStream) Stop() error {
	s.stops.Add(1)
	return nil
}

func (s *VideoStream) Stopped() bool { return s.stops.Load() > 0 }

// Stops returns how many times Stop was called.
func (s *VideoStream) Stops() int { return int(s.stops.Load()) }

// AudioStream is a fake microphone.
type AudioStream struct {
	enc    capture.Encoding
	chunks [][]byte
	stops  atomic.Int32
}

func (s *AudioStream) Encoding() capture.Encoding { return s.enc }

// Record delivers the scripted chunks immediately and a final chunk on Stop.
func (s *AudioStream) Record(sink func([]byte)) (capture.Recorder, error) {
	for _, c := range s.chunks {
		sink(append([]byte(nil), c...))
	}
	return &Recorder{sink: sink}, nil
}

func (s *AudioStream) Stop() error {
	s.stops.Add(1)
	return nil
}

func (s *AudioStream) Stopped() bool { return s.stops.Load() > 0 }

// Recorder is a fake recording; Stop flushes one trailing chunk.
type Recorder struct {
	mu      sync.Mutex
	sink    func([]byte)
	stopped bool
	Stops   atomic.Int32
}

// Trailer is the chunk every fake recorder flushes on Stop.
var Trailer = []byte("END")

func (r *Recorder) Stop() error {
	r.Stops.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil
	}
	r.stopped = true
	r.sink(append([]byte(nil), Trailer...))
	return nil
}
