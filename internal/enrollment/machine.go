// Package enrollment drives the ordered registration protocol: identity,
// then face samples, then voice samples, then completion. The server's
// next_step hint is the only thing that moves a session between capture
// steps; sample counters are for display.
package enrollment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/breeze-rmm/bioauth/internal/audit"
	"github.com/breeze-rmm/bioauth/internal/bioerr"
	"github.com/breeze-rmm/bioauth/internal/capture"
	"github.com/breeze-rmm/bioauth/internal/credential"
	"github.com/breeze-rmm/bioauth/internal/logging"
	"github.com/breeze-rmm/bioauth/internal/sample"
	"github.com/breeze-rmm/bioauth/internal/session"
)

var log = logging.L("enrollment")

const (
	// DefaultFaceTarget is the face sample count shown when Config leaves it unset.
	DefaultFaceTarget = 3
	// DefaultVoiceTarget is the voice sample count shown when Config leaves it unset.
	DefaultVoiceTarget = 3
)

// Devices is the part of capture.Manager the machine uses.
type Devices interface {
	AcquireVideo(ctx context.Context, c capture.Constraints) (*capture.Handle, error)
	AcquireAudio(ctx context.Context, prefs []capture.Encoding) (*capture.Handle, error)
	ReleaseAll()
}

// Config wires a Machine.
type Config struct {
	Service   credential.Service
	Devices   Devices
	Collector *sample.Collector
	Sessions  session.Manager
	Audit     audit.Recorder

	Camera     capture.Constraints
	AudioPrefs []capture.Encoding
	VoiceClip  time.Duration

	// Display-only targets for Progress.
	FaceTarget  int
	VoiceTarget int

	// OnRecording is called with each voice recording once it is running,
	// so a caller can stop it early.
	OnRecording func(*sample.Recording)
}

// Session is a snapshot of an enrollment.
type Session struct {
	Identity    string
	Step        Step
	FaceCount   int
	VoiceCount  int
	InFlight    bool
	LastMessage string
}

// Result describes the outcome of one submit.
type Result struct {
	Step     Step
	Message  string
	NextStep string
	// Ignored is set when the submit was dropped because another upload was
	// still in flight.
	Ignored bool
	// Advanced is set when the submit moved the session to a later step.
	Advanced bool
}

// Progress reports sample counts against the configured targets.
type Progress struct {
	Face        int
	FaceTarget  int
	Voice       int
	VoiceTarget int
}

func (p Progress) String() string {
	return fmt.Sprintf("face %d/%d, voice %d/%d", p.Face, p.FaceTarget, p.Voice, p.VoiceTarget)
}

// Machine is one enrollment attempt. All methods are safe for concurrent
// use; submits that overlap an in-flight upload are ignored. Once a started
// enrollment is abandoned the machine is finished and a new one is needed to
// retry.
type Machine struct {
	cfg Config

	mu        sync.Mutex
	sess      Session
	camera    *capture.Handle
	mic       *capture.Handle
	abandoned bool
}

// New returns a machine at the Username step.
func New(cfg Config) *Machine {
	if cfg.Collector == nil {
		cfg.Collector = sample.NewCollector(sample.DefaultJPEGQuality)
	}
	if cfg.VoiceClip <= 0 {
		cfg.VoiceClip = sample.DefaultClip
	}
	if cfg.FaceTarget <= 0 {
		cfg.FaceTarget = DefaultFaceTarget
	}
	if cfg.VoiceTarget <= 0 {
		cfg.VoiceTarget = DefaultVoiceTarget
	}
	if cfg.Audit == nil {
		cfg.Audit = (*audit.Logger)(nil)
	}
	return &Machine{cfg: cfg}
}

// Session returns a snapshot of the current state.
func (m *Machine) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

// Progress returns the display counters.
func (m *Machine) Progress() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Progress{
		Face:        m.sess.FaceCount,
		FaceTarget:  m.cfg.FaceTarget,
		Voice:       m.sess.VoiceCount,
		VoiceTarget: m.cfg.VoiceTarget,
	}
}

// flowContext tags credential requests with the enrollment they belong to.
func flowContext(ctx context.Context, identity string, modality sample.Modality) context.Context {
	return logging.NewContext(ctx, logging.WithIdentity(log, identity, string(modality)))
}

func (m *Machine) logger() *slog.Logger {
	return log.With(logging.KeyIdentity, m.sess.Identity, logging.KeyStep, m.sess.Step.String())
}

// begin claims the in-flight flag for a submit that is valid in want. It
// returns ignored=true when another upload is running.
func (m *Machine) begin(op string, want Step) (ignored bool, err error) {
	if err := m.abandonedLocked(op); err != nil {
		return false, err
	}
	if m.sess.Identity == "" {
		return false, bioerr.Validation(op, "submit an identity first")
	}
	if m.sess.Step != want {
		return false, bioerr.Newf(bioerr.KindInvalidState, op, "not valid in step %s", m.sess.Step)
	}
	if m.sess.InFlight {
		return true, nil
	}
	m.sess.InFlight = true
	return false, nil
}

func (m *Machine) abandonedLocked(op string) error {
	if m.abandoned {
		return bioerr.New(bioerr.KindInvalidState, op, "enrollment abandoned")
	}
	return nil
}

func (m *Machine) resultLocked(resp credential.Response) Result {
	return Result{Step: m.sess.Step, Message: resp.Message, NextStep: resp.NextStep}
}

func (m *Machine) ignoredLocked() Result {
	return Result{Step: m.sess.Step, Ignored: true}
}

// SubmitUsername starts enrollment for identity and opens the camera.
func (m *Machine) SubmitUsername(ctx context.Context, identity string) (Result, error) {
	const op = "enrollment.SubmitUsername"
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Result{Step: m.Session().Step}, bioerr.Validation(op, "identity is required")
	}

	m.mu.Lock()
	if err := m.abandonedLocked(op); err != nil {
		step := m.sess.Step
		m.mu.Unlock()
		return Result{Step: step}, err
	}
	if m.sess.Step != Username || m.sess.Identity != "" {
		step := m.sess.Step
		m.mu.Unlock()
		return Result{Step: step}, bioerr.Newf(bioerr.KindInvalidState, op, "enrollment already started in step %s", step)
	}
	if m.sess.InFlight {
		r := m.ignoredLocked()
		m.mu.Unlock()
		return r, nil
	}
	m.sess.InFlight = true
	m.mu.Unlock()

	resp, err := m.cfg.Service.StartEnrollment(flowContext(ctx, identity, ""), identity)
	defer m.finish()

	m.mu.Lock()
	if err != nil {
		m.sess.LastMessage = bioerr.Message(err)
		r := m.resultLocked(resp)
		m.mu.Unlock()
		log.Warn("enrollment start failed", logging.KeyIdentity, identity, logging.KeyError, err)
		return r, err
	}
	if err := m.abandonedLocked(op); err != nil {
		r := m.resultLocked(resp)
		m.cfg.Audit.Record(audit.Event{Type: audit.EventEnrollAbandoned, Identity: identity,
			Details: map[string]any{"step": m.sess.Step.String()}})
		m.mu.Unlock()
		log.Info("enrollment abandoned while starting", logging.KeyIdentity, identity)
		return r, err
	}
	next, err := Next(m.sess.Step, EventStarted)
	if err != nil {
		r := m.resultLocked(resp)
		m.mu.Unlock()
		return r, err
	}
	m.sess.Identity = identity
	m.sess.Step = next
	m.sess.LastMessage = resp.Message
	r := m.resultLocked(resp)
	r.Advanced = true
	m.cfg.Audit.Record(audit.Event{Type: audit.EventEnrollStarted, Identity: identity})
	m.logger().Info("enrollment started")
	m.mu.Unlock()

	if _, err := m.openCamera(ctx, op); err != nil {
		return r, err
	}
	return r, nil
}

// SubmitFaceSample captures one frame and uploads it.
func (m *Machine) SubmitFaceSample(ctx context.Context) (Result, error) {
	const op = "enrollment.SubmitFaceSample"

	m.mu.Lock()
	ignored, err := m.begin(op, FaceCapture)
	if err != nil || ignored {
		r := Result{Step: m.sess.Step, Ignored: ignored}
		m.mu.Unlock()
		return r, err
	}
	defer m.finish()
	camera := m.camera
	identity := m.sess.Identity
	m.mu.Unlock()

	if !camera.Live() {
		if camera, err = m.openCamera(ctx, op); err != nil {
			return Result{Step: FaceCapture}, err
		}
	}

	s, err := m.cfg.Collector.CaptureImageFrame(ctx, camera)
	if err != nil {
		return m.failed(op, sample.Image, err)
	}
	resp, err := m.cfg.Service.EnrollFace(flowContext(ctx, identity, sample.Image), identity, s)
	s.Discard()
	if err != nil {
		return m.failed(op, sample.Image, err)
	}

	m.mu.Lock()
	m.sess.FaceCount++
	m.sess.LastMessage = resp.Message
	m.cfg.Audit.Record(audit.Event{Type: audit.EventSampleAccepted, Identity: identity, Modality: string(sample.Image),
		Details: map[string]any{"count": m.sess.FaceCount, "nextStep": resp.NextStep}})
	m.logger().Info("face sample accepted", "count", m.sess.FaceCount, "nextStep", resp.NextStep)

	if resp.NextStep != credential.NextVoiceEnrollment {
		r := m.resultLocked(resp)
		m.mu.Unlock()
		return r, nil
	}
	if err := m.abandonedLocked(op); err != nil {
		r := m.resultLocked(resp)
		m.mu.Unlock()
		return r, err
	}
	next, err := Next(m.sess.Step, EventVoiceRequested)
	if err != nil {
		r := m.resultLocked(resp)
		m.mu.Unlock()
		return r, err
	}
	m.camera.Release()
	m.camera = nil
	m.sess.Step = next
	r := m.resultLocked(resp)
	r.Advanced = true
	m.logger().Info("moving to voice capture")
	m.mu.Unlock()

	if _, err := m.openMic(ctx, op); err != nil {
		return r, err
	}
	return r, nil
}

// SubmitVoiceSample records one clip and uploads it. When the server asks
// for completion the enrollment is finished in the same call.
func (m *Machine) SubmitVoiceSample(ctx context.Context) (Result, error) {
	const op = "enrollment.SubmitVoiceSample"

	m.mu.Lock()
	ignored, err := m.begin(op, VoiceCapture)
	if err != nil || ignored {
		r := Result{Step: m.sess.Step, Ignored: ignored}
		m.mu.Unlock()
		return r, err
	}
	defer m.finish()
	mic := m.mic
	identity := m.sess.Identity
	m.mu.Unlock()

	if !mic.Live() {
		if mic, err = m.openMic(ctx, op); err != nil {
			return Result{Step: VoiceCapture}, err
		}
	}

	rec, err := m.cfg.Collector.StartAudioClip(ctx, mic, m.cfg.VoiceClip)
	if err != nil {
		return m.failed(op, sample.Audio, err)
	}
	if m.cfg.OnRecording != nil {
		m.cfg.OnRecording(rec)
	}
	<-rec.Done()
	s, err := rec.Result()
	if err != nil {
		return m.failed(op, sample.Audio, err)
	}
	resp, err := m.cfg.Service.EnrollVoice(flowContext(ctx, identity, sample.Audio), identity, s)
	s.Discard()
	if err != nil {
		return m.failed(op, sample.Audio, err)
	}

	m.mu.Lock()
	m.sess.VoiceCount++
	m.sess.LastMessage = resp.Message
	m.cfg.Audit.Record(audit.Event{Type: audit.EventSampleAccepted, Identity: identity, Modality: string(sample.Audio),
		Details: map[string]any{"count": m.sess.VoiceCount, "nextStep": resp.NextStep}})
	m.logger().Info("voice sample accepted", "count", m.sess.VoiceCount, "nextStep", resp.NextStep)

	if resp.NextStep != credential.NextCompleteRegistration {
		r := m.resultLocked(resp)
		m.mu.Unlock()
		return r, nil
	}
	m.mu.Unlock()

	return m.complete(ctx, op, identity)
}

// CompleteEnrollment asks the server to finish. On success the session is
// Complete, every device is released and the identity is logged in.
func (m *Machine) CompleteEnrollment(ctx context.Context) (Result, error) {
	const op = "enrollment.CompleteEnrollment"

	m.mu.Lock()
	ignored, err := m.begin(op, VoiceCapture)
	if err != nil || ignored {
		r := Result{Step: m.sess.Step, Ignored: ignored}
		m.mu.Unlock()
		return r, err
	}
	identity := m.sess.Identity
	m.mu.Unlock()
	defer m.finish()

	return m.complete(ctx, op, identity)
}

// complete runs with the in-flight flag held and m.mu released.
func (m *Machine) complete(ctx context.Context, op, identity string) (Result, error) {
	m.mu.Lock()
	if err := m.abandonedLocked(op); err != nil {
		r := Result{Step: m.sess.Step}
		m.mu.Unlock()
		return r, err
	}
	m.mu.Unlock()

	resp, err := m.cfg.Service.FinishEnrollment(flowContext(ctx, identity, ""), identity)

	m.mu.Lock()
	if err != nil {
		m.sess.LastMessage = bioerr.Message(err)
		m.logger().Warn("enrollment completion failed", logging.KeyError, err)
		r := m.resultLocked(resp)
		m.mu.Unlock()
		return r, err
	}
	next, err := Next(m.sess.Step, EventFinished)
	if err != nil {
		r := m.resultLocked(resp)
		m.mu.Unlock()
		return r, err
	}
	m.sess.Step = next
	m.sess.LastMessage = resp.Message
	m.releaseLocked()
	r := m.resultLocked(resp)
	r.Advanced = true
	m.cfg.Audit.Record(audit.Event{Type: audit.EventEnrollCompleted, Identity: identity,
		Details: map[string]any{"faceSamples": m.sess.FaceCount, "voiceSamples": m.sess.VoiceCount}})
	m.logger().Info("enrollment complete")
	m.mu.Unlock()

	if m.cfg.Sessions != nil {
		if err := m.cfg.Sessions.Login(ctx, identity); err != nil {
			return r, fmt.Errorf("enrollment complete but login failed: %w", err)
		}
	}
	return r, nil
}

// Abandon releases every device. It can be called at any step and any
// number of times. After a started enrollment is abandoned every submit,
// including one already in flight, fails with InvalidState and holds no
// device.
func (m *Machine) Abandon() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()
	if m.abandoned || m.sess.Step == Complete {
		return
	}
	if m.sess.Identity != "" || m.sess.InFlight {
		m.abandoned = true
	}
	if m.sess.Identity != "" {
		m.cfg.Audit.Record(audit.Event{Type: audit.EventEnrollAbandoned, Identity: m.sess.Identity,
			Details: map[string]any{"step": m.sess.Step.String()}})
		m.logger().Info("enrollment abandoned")
	}
}

// Close is Abandon.
func (m *Machine) Close() error {
	m.Abandon()
	return nil
}

// failed records an upload or capture failure and keeps the step.
func (m *Machine) failed(op string, modality sample.Modality, err error) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sess.LastMessage = bioerr.Message(err)
	if bioerr.KindOf(err) == bioerr.KindServerRejection {
		m.cfg.Audit.Record(audit.Event{Type: audit.EventSampleRejected, Identity: m.sess.Identity, Modality: string(modality),
			Details: map[string]any{"message": m.sess.LastMessage}})
	}
	m.logger().Warn("sample not accepted", logging.KeyModality, string(modality), logging.KeyError, err)
	return Result{Step: m.sess.Step, Message: m.sess.LastMessage}, bioerr.Wrap(bioerr.KindCapture, op, err)
}

func (m *Machine) finish() {
	m.mu.Lock()
	m.sess.InFlight = false
	m.mu.Unlock()
}

// openCamera runs with the in-flight flag held and m.mu released. A handle
// acquired after Abandon is released again before returning.
func (m *Machine) openCamera(ctx context.Context, op string) (*capture.Handle, error) {
	h, err := m.cfg.Devices.AcquireVideo(ctx, m.cfg.Camera)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.sess.LastMessage = bioerr.Message(err)
		m.logger().Warn("camera unavailable", logging.KeyError, err)
		return nil, err
	}
	if err := m.abandonedLocked(op); err != nil {
		h.Release()
		return nil, err
	}
	m.camera = h
	return h, nil
}

func (m *Machine) openMic(ctx context.Context, op string) (*capture.Handle, error) {
	h, err := m.cfg.Devices.AcquireAudio(ctx, m.cfg.AudioPrefs)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.sess.LastMessage = bioerr.Message(err)
		m.logger().Warn("microphone unavailable", logging.KeyError, err)
		return nil, err
	}
	if err := m.abandonedLocked(op); err != nil {
		h.Release()
		return nil, err
	}
	m.mic = h
	return h, nil
}

func (m *Machine) releaseLocked() {
	m.camera.Release()
	m.mic.Release()
	m.camera, m.mic = nil, nil
	if m.cfg.Devices != nil {
		m.cfg.Devices.ReleaseAll()
	}
}
