package capture

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/bioauth/internal/bioerr"
	"github.com/breeze-rmm/bioauth/internal/health"
	"github.com/breeze-rmm/bioauth/internal/logging"
)

var log = logging.L("capture")

// ManagerConfig holds optional collaborators of a Manager.
type ManagerConfig struct {
	// Locker adds cross-process exclusion. Nil disables it.
	Locker DeviceLocker
	// Health receives device status updates. Nil disables reporting.
	Health *health.Monitor
}

// Manager acquires and releases capture devices with single ownership per
// kind.
type Manager struct {
	runtime Runtime
	cfg     ManagerConfig

	mu     sync.Mutex
	held   map[Kind]*Handle
	nextID atomic.Uint64
}

// NewManager creates a Manager on top of rt.
func NewManager(rt Runtime, cfg ManagerConfig) *Manager {
	return &Manager{
		runtime: rt,
		cfg:     cfg,
		held:    make(map[Kind]*Handle),
	}
}

// AcquireVideo opens the camera. Any camera handle already held by this
// manager is released first. Refusal or absence fails immediately with a
// DeviceUnavailable error; there is no retry.
func (m *Manager) AcquireVideo(ctx context.Context, c Constraints) (*Handle, error) {
	const op = "capture.AcquireVideo"

	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseHeldLocked(Camera)

	unlock, err := m.lockDevice(Camera)
	if err != nil {
		return nil, m.unavailable(op, Camera, err)
	}

	stream, err := m.runtime.OpenCamera(ctx, c)
	if err != nil {
		unlockQuietly(unlock)
		return nil, m.unavailable(op, Camera, err)
	}

	h := m.newHandle(Camera, DefaultEncoding, unlock)
	h.video = stream
	m.held[Camera] = h
	m.report(Camera, health.Healthy, "")

	log.Info("camera acquired", "handle", h.id, "width", c.Width, "height", c.Height)
	return h, nil
}

// AcquireAudio opens the microphone with the first encoding from prefs the
// runtime supports. Any microphone handle already held is released first.
// When no encoding is supported it fails with UnsupportedFormat before the
// microphone is opened, so no handle is left behind.
func (m *Manager) AcquireAudio(ctx context.Context, prefs []Encoding) (*Handle, error) {
	const op = "capture.AcquireAudio"

	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseHeldLocked(Microphone)

	caps, err := m.runtime.Capabilities(ctx)
	if err != nil {
		return nil, m.unavailable(op, Microphone, err)
	}
	enc, err := Negotiate(caps, prefs)
	if err != nil {
		m.report(Microphone, health.Degraded, bioerr.Message(err))
		return nil, bioerr.Wrap(bioerr.KindUnsupportedFormat, op, err)
	}

	unlock, err := m.lockDevice(Microphone)
	if err != nil {
		return nil, m.unavailable(op, Microphone, err)
	}

	stream, err := m.runtime.OpenMicrophone(ctx, enc)
	if err != nil {
		unlockQuietly(unlock)
		return nil, m.unavailable(op, Microphone, err)
	}

	h := m.newHandle(Microphone, enc, unlock)
	h.audio = stream
	m.held[Microphone] = h
	m.report(Microphone, health.Healthy, "")

	log.Info("microphone acquired", "handle", h.id, "encoding", enc.String())
	return h, nil
}

// Release stops h. It is a no-op for nil or already released handles.
func (m *Manager) Release(h *Handle) {
	h.Release()
}

// ReleaseAll releases every handle held by the manager.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.held))
	for _, h := range m.held {
		handles = append(handles, h)
	}
	m.held = make(map[Kind]*Handle)
	m.mu.Unlock()

	for _, h := range handles {
		h.stop()
	}
}

// Held returns the live handle of the given kind, or nil.
func (m *Manager) Held(kind Kind) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[kind]
}

func (m *Manager) newHandle(kind Kind, enc Encoding, unlock func() error) *Handle {
	return &Handle{
		id:         m.nextID.Add(1),
		kind:       kind,
		encoding:   enc,
		owner:      m,
		unlock:     unlock,
		acquiredAt: time.Now(),
	}
}

// releaseHeldLocked stops the held handle of kind. Caller holds m.mu.
func (m *Manager) releaseHeldLocked(kind Kind) {
	prev := m.held[kind]
	if prev == nil {
		return
	}
	delete(m.held, kind)
	log.Debug("releasing previous handle before reacquire", logging.KeyDevice, string(kind), "handle", prev.id)
	prev.stop()
}

func (m *Manager) forget(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[h.kind] == h {
		delete(m.held, h.kind)
	}
}

func (m *Manager) lockDevice(kind Kind) (func() error, error) {
	if m.cfg.Locker == nil {
		return nil, nil
	}
	return m.cfg.Locker.TryLock(string(kind))
}

func (m *Manager) unavailable(op string, kind Kind, err error) error {
	var msg string
	switch {
	case errors.Is(err, ErrPermissionDenied):
		msg = string(kind) + " access denied"
	case errors.Is(err, ErrNoDevice):
		msg = "no " + string(kind) + " found"
	case errors.Is(err, ErrDeviceBusy):
		msg = string(kind) + " is in use by another process"
	default:
		msg = "failed to open " + string(kind)
	}
	m.report(kind, health.Unhealthy, msg)
	log.Warn("device unavailable", logging.KeyDevice, string(kind), logging.KeyError, err)
	return &bioerr.Error{Kind: bioerr.KindDeviceUnavailable, Op: op, Message: msg, Err: err}
}

func (m *Manager) report(kind Kind, status health.Status, message string) {
	if m.cfg.Health == nil {
		return
	}
	m.cfg.Health.Update(string(kind), status, message)
}

func unlockQuietly(unlock func() error) {
	if unlock == nil {
		return
	}
	if err := unlock(); err != nil {
		log.Warn("device unlock failed", logging.KeyError, err)
	}
}

// Handle is an acquired capture device. Release is idempotent.
type Handle struct {
	id         uint64
	kind       Kind
	encoding   Encoding
	video      VideoStream
	audio      AudioStream
	owner      *Manager
	unlock     func() error
	acquiredAt time.Time

	once     sync.Once
	released atomic.Bool
}

// ID is a process-unique handle number, useful in logs.
func (h *Handle) ID() uint64 { return h.id }

// Kind returns the device kind.
func (h *Handle) Kind() Kind { return h.kind }

// Encoding returns the negotiated audio encoding (microphone only).
func (h *Handle) Encoding() Encoding { return h.encoding }

// Container returns the MIME type of the bytes a recording produces. It
// differs from Encoding when the runtime default was negotiated, and is
// empty when the runtime does not say.
func (h *Handle) Container() Encoding {
	if h == nil || h.audio == nil {
		return DefaultEncoding
	}
	if enc := h.audio.Encoding(); enc != DefaultEncoding {
		return enc
	}
	return h.encoding
}

// AcquiredAt returns when the handle was opened.
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }

// Live reports whether the handle has not been released.
func (h *Handle) Live() bool {
	return h != nil && !h.released.Load()
}

// Frame returns the current camera frame.
func (h *Handle) Frame() (image.Image, error) {
	if !h.Live() {
		return nil, ErrReleased
	}
	if h.kind != Camera || h.video == nil {
		return nil, ErrWrongKind
	}
	return h.video.Frame()
}

// Record starts a recorder on the microphone.
func (h *Handle) Record(sink func(chunk []byte)) (Recorder, error) {
	if !h.Live() {
		return nil, ErrReleased
	}
	if h.kind != Microphone || h.audio == nil {
		return nil, ErrWrongKind
	}
	return h.audio.Record(sink)
}

// Release stops all underlying tracks and marks the handle dead. Safe to
// call on nil, on a released handle, and from several goroutines.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	if h.owner != nil {
		h.owner.forget(h)
	}
	h.stop()
}

func (h *Handle) stop() {
	h.once.Do(func() {
		h.released.Store(true)

		var err error
		switch {
		case h.video != nil:
			err = h.video.Stop()
		case h.audio != nil:
			err = h.audio.Stop()
		}
		if err != nil {
			log.Warn("device stop failed", logging.KeyDevice, string(h.kind), "handle", h.id, logging.KeyError, err)
		}
		unlockQuietly(h.unlock)

		log.Debug("device released", logging.KeyDevice, string(h.kind), "handle", h.id,
			logging.KeyDurationMs, time.Since(h.acquiredAt).Milliseconds())
	})
}
