// Package ffmpeg implements capture.Runtime with ffmpeg subprocesses: the
// camera is read as an MJPEG pipe and each recording is one encoder process
// writing the container to stdout.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/breeze-rmm/bioauth/internal/capture"
	"github.com/breeze-rmm/bioauth/internal/logging"
)

var log = logging.L("ffmpeg")

const (
	defaultStartupGrace = 3 * time.Second
	stopTimeout         = 5 * time.Second
	stderrTail          = 4096
	readChunk           = 32 * 1024
)

// Options configure the runtime.
type Options struct {
	Path        string // ffmpeg binary, looked up in PATH when bare
	VideoDevice string
	AudioDevice string
	// StartupGrace bounds how long OpenCamera waits for the first frame.
	StartupGrace time.Duration
}

// Runtime is a capture.Runtime backed by ffmpeg.
type Runtime struct {
	opts Options
	goos string

	capsOnce sync.Once
	caps     codecTable
	capsErr  error
}

var _ capture.Runtime = (*Runtime)(nil)

func New(opts Options) *Runtime {
	if opts.Path == "" {
		opts.Path = "ffmpeg"
	}
	if opts.StartupGrace <= 0 {
		opts.StartupGrace = defaultStartupGrace
	}
	return &Runtime{opts: opts, goos: runtime.GOOS}
}

func (r *Runtime) binary() (string, error) {
	p, err := exec.LookPath(r.opts.Path)
	if err != nil {
		return "", fmt.Errorf("ffmpeg not found at %q: %w", r.opts.Path, err)
	}
	return p, nil
}

// Version returns the first line of `ffmpeg -version`.
func (r *Runtime) Version(ctx context.Context) (string, error) {
	bin, err := r.binary()
	if err != nil {
		return "", err
	}
	out, err := exec.CommandContext(ctx, bin, "-hide_banner", "-version").Output()
	if err != nil {
		return "", fmt.Errorf("ffmpeg -version: %w", err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

// Capabilities queries the encoders and muxers once and caches them.
func (r *Runtime) Capabilities(ctx context.Context) (capture.Capabilities, error) {
	r.capsOnce.Do(func() {
		bin, err := r.binary()
		if err != nil {
			r.capsErr = err
			return
		}
		enc, err := exec.CommandContext(ctx, bin, "-hide_banner", "-encoders").Output()
		if err != nil {
			r.capsErr = fmt.Errorf("list ffmpeg encoders: %w", err)
			return
		}
		mux, err := exec.CommandContext(ctx, bin, "-hide_banner", "-muxers").Output()
		if err != nil {
			r.capsErr = fmt.Errorf("list ffmpeg muxers: %w", err)
			return
		}
		r.caps = codecTable{encoders: parseEncoders(enc), muxers: parseMuxers(mux)}
		log.Debug("ffmpeg capabilities loaded", "encoders", len(r.caps.encoders), "muxers", len(r.caps.muxers))
	})
	if r.capsErr != nil {
		return nil, r.capsErr
	}
	return r.caps, nil
}

// VideoDevices lists candidate camera device nodes. Only Linux exposes them
// as files; other platforms return nil.
func (r *Runtime) VideoDevices() []string {
	if r.goos != "linux" {
		return nil
	}
	matches, _ := filepath.Glob("/dev/video*")
	sort.Strings(matches)
	return matches
}

// OpenCamera starts the MJPEG pipe and waits up to StartupGrace for the
// first frame. A process that exits during the wait is classified from its
// stderr.
func (r *Runtime) OpenCamera(ctx context.Context, c capture.Constraints) (capture.VideoStream, error) {
	device := c.Device
	if device == "" {
		device = r.opts.VideoDevice
	}
	args, err := cameraArgs(r.goos, device, c.Width, c.Height)
	if err != nil {
		return nil, err
	}
	if device == "" {
		device = driverFor(r.goos).defaultVideo
	}
	if err := probeDeviceNode(device); err != nil {
		return nil, err
	}
	bin, err := r.binary()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	s := &cameraStream{
		cmd:    cmd,
		stderr: &tailBuffer{max: stderrTail},
		first:  make(chan struct{}),
		exited: make(chan struct{}),
	}
	cmd.Stderr = s.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg camera: %w", err)
	}
	go s.read(stdout)

	timer := time.NewTimer(r.opts.StartupGrace)
	defer timer.Stop()
	select {
	case <-s.first:
	case <-s.exited:
		return nil, s.exitError()
	case <-timer.C:
		log.Warn("camera produced no frame during startup", "grace", r.opts.StartupGrace.String())
	case <-ctx.Done():
		s.Stop()
		return nil, ctx.Err()
	}
	return s, nil
}

type cameraStream struct {
	cmd    *exec.Cmd
	stderr *tailBuffer

	mu      sync.Mutex
	latest  []byte
	waitErr error

	firstOnce sync.Once
	first     chan struct{}
	exited    chan struct{}
	stopOnce  sync.Once
}

func (s *cameraStream) read(stdout io.Reader) {
	split := newFrameSplitter(func(frame []byte) {
		s.mu.Lock()
		s.latest = frame
		s.mu.Unlock()
		s.firstOnce.Do(func() { close(s.first) })
	})
	_, _ = io.CopyBuffer(split, stdout, make([]byte, readChunk))

	err := s.cmd.Wait()
	s.mu.Lock()
	s.waitErr = err
	s.mu.Unlock()
	close(s.exited)
}

func (s *cameraStream) exitError() error {
	s.mu.Lock()
	waitErr := s.waitErr
	s.mu.Unlock()
	tail := s.stderr.String()
	if cause := classifyStderr(tail); cause != nil {
		return fmt.Errorf("ffmpeg camera: %s: %w", tail, cause)
	}
	if waitErr == nil {
		waitErr = errors.New("exited without producing a frame")
	}
	return fmt.Errorf("ffmpeg camera: %w (stderr: %s)", waitErr, tail)
}

func (s *cameraStream) Frame() (image.Image, error) {
	s.mu.Lock()
	frame := s.latest
	s.mu.Unlock()
	if frame == nil {
		select {
		case <-s.exited:
			return nil, errors.Join(capture.ErrNoFrame, s.exitError())
		default:
			return nil, capture.ErrNoFrame
		}
	}
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("decode camera frame: %w", err)
	}
	return img, nil
}

func (s *cameraStream) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		if s.cmd.Process != nil {
			if kerr := s.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
				err = kerr
			}
		}
		select {
		case <-s.exited:
		case <-time.After(stopTimeout):
			err = errors.New("ffmpeg camera did not exit")
		}
	})
	return err
}

// OpenMicrophone probes the input once so refusal and absence surface at
// acquisition time, then returns a stream whose recordings each run their
// own encoder process.
func (r *Runtime) OpenMicrophone(ctx context.Context, enc capture.Encoding) (capture.AudioStream, error) {
	if _, ok := specFor(enc); !ok {
		return nil, fmt.Errorf("no ffmpeg mapping for %s", enc)
	}
	args, err := probeArgs(r.goos, r.opts.AudioDevice)
	if err != nil {
		return nil, err
	}
	bin, err := r.binary()
	if err != nil {
		return nil, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	stderr := &tailBuffer{max: stderrTail}
	cmd := exec.CommandContext(probeCtx, bin, args...)
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		tail := stderr.String()
		if cause := classifyStderr(tail); cause != nil {
			return nil, fmt.Errorf("ffmpeg microphone: %s: %w", tail, cause)
		}
		return nil, fmt.Errorf("ffmpeg microphone probe: %w (stderr: %s)", err, tail)
	}

	return &micStream{bin: bin, goos: r.goos, device: r.opts.AudioDevice, enc: enc}, nil
}

// defaultContainer is what specFor records for capture.DefaultEncoding.
const defaultContainer capture.Encoding = "audio/wav"

func (m *micStream) Encoding() capture.Encoding {
	if m.enc == capture.DefaultEncoding {
		return defaultContainer
	}
	return m.enc
}

type micStream struct {
	bin    string
	goos   string
	device string
	enc    capture.Encoding

	mu      sync.Mutex
	active  map[*recorder]struct{}
	stopped bool
}

func (m *micStream) Record(sink func([]byte)) (capture.Recorder, error) {
	args, err := recordArgs(m.goos, m.device, m.enc)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, capture.ErrReleased
	}

	cmd := exec.Command(m.bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	rec := &recorder{cmd: cmd, stderr: &tailBuffer{max: stderrTail}, done: make(chan struct{}), owner: m}
	cmd.Stderr = rec.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg recorder: %w", err)
	}
	if m.active == nil {
		m.active = make(map[*recorder]struct{})
	}
	m.active[rec] = struct{}{}

	go rec.read(stdout, sink)
	log.Debug("recording started", "encoding", m.enc.String(), "pid", cmd.Process.Pid)
	return rec, nil
}

func (m *micStream) forget(rec *recorder) {
	m.mu.Lock()
	delete(m.active, rec)
	m.mu.Unlock()
}

func (m *micStream) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	recs := make([]*recorder, 0, len(m.active))
	for rec := range m.active {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	var errs []error
	for _, rec := range recs {
		if err := rec.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type recorder struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
	owner  *micStream
	done   chan struct{}

	once    sync.Once
	stopErr error
}

func (r *recorder) read(stdout io.Reader, sink func([]byte)) {
	defer close(r.done)
	buf := make([]byte, readChunk)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			sink(chunk)
		}
		if err != nil {
			return
		}
	}
}

// Stop asks ffmpeg to finish the container, waits for the remaining bytes to
// reach the sink, and returns once. A process that ignores the interrupt is
// killed after stopTimeout.
func (r *recorder) Stop() error {
	r.once.Do(func() {
		defer r.owner.forget(r)

		if err := interrupt(r.cmd.Process); err != nil {
			_ = r.cmd.Process.Kill()
		}
		select {
		case <-r.done:
		case <-time.After(stopTimeout):
			log.Warn("recorder ignored interrupt, killing")
			_ = r.cmd.Process.Kill()
			<-r.done
		}

		err := r.cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// ffmpeg exits 255 on interrupt after finalizing the file.
			if tail := r.stderr.String(); tail != "" {
				log.Warn("recorder stderr", "stderr", tail)
			}
			err = nil
		}
		r.stopErr = err
	})
	return r.stopErr
}

func interrupt(p *os.Process) error {
	if runtime.GOOS == "windows" {
		return errors.New("interrupt unsupported")
	}
	return p.Signal(os.Interrupt)
}
