package capture_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/breeze-rmm/bioauth/internal/bioerr"
	"github.com/breeze-rmm/bioauth/internal/capture"
	"github.com/breeze-rmm/bioauth/internal/capture/capturetest"
	"github.com/breeze-rmm/bioauth/internal/health"
)

const (
	encA capture.Encoding = "audio/webm;codecs=opus"
	encB capture.Encoding = "audio/webm"
	encC capture.Encoding = "audio/wav"
)

func TestNegotiatePicksFirstSupported(t *testing.T) {
	caps := capture.CapabilitySet{encC: true}
	got, err := capture.Negotiate(caps, []capture.Encoding{encA, encB, encC})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if got != encC {
		t.Fatalf("Negotiate = %q, want %q", got, encC)
	}
}

func TestNegotiateNoneSupported(t *testing.T) {
	_, err := capture.Negotiate(capture.CapabilitySet{}, []capture.Encoding{encA, encB})
	if !errors.Is(err, bioerr.ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want UnsupportedFormat", err)
	}
	if !strings.Contains(err.Error(), "audio/webm") {
		t.Fatalf("error %q should name tried encodings", err)
	}

	if _, err := capture.Negotiate(nil, nil); !errors.Is(err, bioerr.ErrUnsupportedFormat) {
		t.Fatalf("empty prefs err = %v, want UnsupportedFormat", err)
	}
}

func TestNegotiateDefaultAlwaysSupported(t *testing.T) {
	got, err := capture.Negotiate(capture.CapabilitySet{}, []capture.Encoding{encA, capture.DefaultEncoding})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if got != capture.DefaultEncoding {
		t.Fatalf("Negotiate = %q, want runtime default", got)
	}
}

func TestEncodingParts(t *testing.T) {
	if mt := encA.MediaType(); mt != "audio/webm" {
		t.Fatalf("MediaType() = %q", mt)
	}
	if c := encA.Codecs(); len(c) != 1 || c[0] != "opus" {
		t.Fatalf("Codecs() = %v", c)
	}
	if c := encC.Codecs(); c != nil {
		t.Fatalf("Codecs() = %v, want nil", c)
	}
	if s := capture.DefaultEncoding.String(); s != "runtime-default" {
		t.Fatalf("String() = %q", s)
	}
	encs := capture.ParseEncodings([]string{" audio/wav ", ""})
	if len(encs) != 2 || encs[0] != encC || encs[1] != capture.DefaultEncoding {
		t.Fatalf("ParseEncodings = %v", encs)
	}
}

func TestAcquireAudioUnsupportedLeavesNoHandle(t *testing.T) {
	rt := &capturetest.Runtime{Supported: capture.CapabilitySet{}}
	mon := health.NewMonitor()
	m := capture.NewManager(rt, capture.ManagerConfig{Health: mon})

	h, err := m.AcquireAudio(context.Background(), []capture.Encoding{encA, encB})
	if !errors.Is(err, bioerr.ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want UnsupportedFormat", err)
	}
	if h != nil {
		t.Fatal("handle returned on failure")
	}
	if m.Held(capture.Microphone) != nil {
		t.Fatal("manager holds a microphone after UnsupportedFormat")
	}
	if n := rt.MicOpens.Load(); n != 0 {
		t.Fatalf("microphone opened %d times, want 0", n)
	}
	if c, _ := mon.Get("microphone"); c.Status != health.Degraded {
		t.Fatalf("microphone health = %q, want degraded", c.Status)
	}
}

func TestAcquireAudioCarriesNegotiatedEncoding(t *testing.T) {
	rt := &capturetest.Runtime{Supported: capture.CapabilitySet{encC: true}}
	m := capture.NewManager(rt, capture.ManagerConfig{})

	h, err := m.AcquireAudio(context.Background(), []capture.Encoding{encA, encB, encC})
	if err != nil {
		t.Fatalf("AcquireAudio: %v", err)
	}
	defer h.Release()
	if h.Encoding() != encC {
		t.Fatalf("Encoding() = %q, want %q", h.Encoding(), encC)
	}
	if h.Kind() != capture.Microphone || !h.Live() {
		t.Fatalf("handle kind=%q live=%v", h.Kind(), h.Live())
	}
}

func TestAcquireVideoDeviceUnavailable(t *testing.T) {
	for _, cause := range []error{capture.ErrPermissionDenied, capture.ErrNoDevice, capture.ErrDeviceBusy} {
		rt := &capturetest.Runtime{CameraErr: cause}
		mon := health.NewMonitor()
		m := capture.NewManager(rt, capture.ManagerConfig{Health: mon})

		_, err := m.AcquireVideo(context.Background(), capture.Constraints{Width: 640, Height: 480})
		if !errors.Is(err, bioerr.ErrDeviceUnavailable) {
			t.Fatalf("err = %v, want DeviceUnavailable", err)
		}
		if !errors.Is(err, cause) {
			t.Fatalf("err = %v, should wrap %v", err, cause)
		}
		if m.Held(capture.Camera) != nil {
			t.Fatal("camera held after failed open")
		}
		if c, _ := mon.Get("camera"); c.Status != health.Unhealthy {
			t.Fatalf("camera health = %q, want unhealthy", c.Status)
		}
	}
}

func TestReacquireReleasesPreviousHandle(t *testing.T) {
	rt := &capturetest.Runtime{}
	m := capture.NewManager(rt, capture.ManagerConfig{})
	ctx := context.Background()

	first, err := m.AcquireVideo(ctx, capture.Constraints{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.AcquireVideo(ctx, capture.Constraints{})
	if err != nil {
		t.Fatal(err)
	}
	defer second.Release()

	if first.Live() {
		t.Fatal("previous camera handle still live after reacquire")
	}
	if m.Held(capture.Camera) != second {
		t.Fatal("manager does not hold the new handle")
	}
	if n := rt.LiveStreams(); n != 1 {
		t.Fatalf("live streams = %d, want 1", n)
	}
	if _, err := first.Frame(); !errors.Is(err, capture.ErrReleased) {
		t.Fatalf("Frame on released handle err = %v, want ErrReleased", err)
	}
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	rt := &capturetest.Runtime{}
	m := capture.NewManager(rt, capture.ManagerConfig{})

	h, err := m.AcquireVideo(context.Background(), capture.Constraints{})
	if err != nil {
		t.Fatal(err)
	}
	h.Release()
	h.Release()
	m.Release(h)

	var nilHandle *capture.Handle
	nilHandle.Release()
	m.Release(nil)

	if h.Live() {
		t.Fatal("handle live after Release")
	}
	if m.Held(capture.Camera) != nil {
		t.Fatal("manager still holds released handle")
	}
	if n := rt.LiveStreams(); n != 0 {
		t.Fatalf("live streams = %d, want 0", n)
	}
}

func TestConcurrentReleaseStopsOnce(t *testing.T) {
	rt := &capturetest.Runtime{}
	m := capture.NewManager(rt, capture.ManagerConfig{})
	h, err := m.AcquireAudio(context.Background(), []capture.Encoding{encA})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Release()
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.ReleaseAll()
	}()
	wg.Wait()

	if rt.LiveStreams() != 0 {
		t.Fatal("stream still live")
	}
}

func TestReleaseAllReleasesEveryKind(t *testing.T) {
	rt := &capturetest.Runtime{}
	m := capture.NewManager(rt, capture.ManagerConfig{})
	ctx := context.Background()

	cam, err := m.AcquireVideo(ctx, capture.Constraints{})
	if err != nil {
		t.Fatal(err)
	}
	mic, err := m.AcquireAudio(ctx, []capture.Encoding{capture.DefaultEncoding})
	if err != nil {
		t.Fatal(err)
	}

	m.ReleaseAll()
	if cam.Live() || mic.Live() {
		t.Fatal("handles live after ReleaseAll")
	}
	if m.Held(capture.Camera) != nil || m.Held(capture.Microphone) != nil {
		t.Fatal("manager holds handles after ReleaseAll")
	}
}

func TestHandleWrongKind(t *testing.T) {
	rt := &capturetest.Runtime{}
	m := capture.NewManager(rt, capture.ManagerConfig{})
	defer m.ReleaseAll()

	cam, err := m.AcquireVideo(context.Background(), capture.Constraints{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cam.Record(func([]byte) {}); !errors.Is(err, capture.ErrWrongKind) {
		t.Fatalf("Record on camera err = %v, want ErrWrongKind", err)
	}
}

type fakeLocker struct {
	mu     sync.Mutex
	held   map[string]bool
	denied bool
}

func (l *fakeLocker) TryLock(name string) (func() error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.denied || l.held[name] {
		return nil, capture.ErrDeviceBusy
	}
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	l.held[name] = true
	return func() error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, name)
		return nil
	}, nil
}

func TestLockerHeldAcrossHandleLifetime(t *testing.T) {
	rt := &capturetest.Runtime{}
	lk := &fakeLocker{}
	m := capture.NewManager(rt, capture.ManagerConfig{Locker: lk})

	h, err := m.AcquireVideo(context.Background(), capture.Constraints{})
	if err != nil {
		t.Fatal(err)
	}
	if !lk.held["camera"] {
		t.Fatal("camera lock not held while handle live")
	}
	h.Release()
	if lk.held["camera"] {
		t.Fatal("camera lock still held after release")
	}

	lk.denied = true
	_, err = m.AcquireVideo(context.Background(), capture.Constraints{})
	if !errors.Is(err, bioerr.ErrDeviceUnavailable) || !errors.Is(err, capture.ErrDeviceBusy) {
		t.Fatalf("err = %v, want DeviceUnavailable wrapping ErrDeviceBusy", err)
	}
	if rt.CameraOpens.Load() != 1 {
		t.Fatalf("camera opened %d times, want 1", rt.CameraOpens.Load())
	}
}
