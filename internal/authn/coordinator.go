// Package authn runs single-shot biometric authentication attempts against
// the credential service and logs the identity in on acceptance.
package authn

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/bioauth/internal/audit"
	"github.com/breeze-rmm/bioauth/internal/bioerr"
	"github.com/breeze-rmm/bioauth/internal/capture"
	"github.com/breeze-rmm/bioauth/internal/credential"
	"github.com/breeze-rmm/bioauth/internal/logging"
	"github.com/breeze-rmm/bioauth/internal/sample"
	"github.com/breeze-rmm/bioauth/internal/session"
	"github.com/breeze-rmm/bioauth/internal/workerpool"
)

var log = logging.L("authn")

const (
	// DefaultHistorySize is the number of finished attempts kept per identity.
	DefaultHistorySize = 10
	// DefaultMaxConcurrent bounds background attempts when Config leaves it unset.
	DefaultMaxConcurrent = 2
)

// Outcome of an Attempt.
type Outcome string

const (
	Pending  Outcome = "pending"
	Accepted Outcome = "accepted"
	Rejected Outcome = "rejected"
	Errored  Outcome = "errored"
)

// Attempt is one authentication try.
type Attempt struct {
	ID         string
	Identity   string
	Modality   sample.Modality
	Outcome    Outcome
	Message    string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Devices is the part of capture.Manager the coordinator uses.
type Devices interface {
	AcquireVideo(ctx context.Context, c capture.Constraints) (*capture.Handle, error)
	AcquireAudio(ctx context.Context, prefs []capture.Encoding) (*capture.Handle, error)
}

// Config wires a Coordinator.
type Config struct {
	Service   credential.Service
	Devices   Devices
	Collector *sample.Collector
	Sessions  session.Manager
	Audit     audit.Recorder

	Camera     capture.Constraints
	AudioPrefs []capture.Encoding
	VoiceClip  time.Duration

	// MaxConcurrent bounds background attempts started with Begin.
	MaxConcurrent int
	// HistorySize is the number of finished attempts kept per identity.
	HistorySize int

	OnRecording func(*sample.Recording)
}

// Coordinator allows at most one pending attempt per identity.
type Coordinator struct {
	cfg  Config
	pool *workerpool.Pool
	now  func() time.Time

	mu      sync.Mutex
	pending map[string]*Attempt
	history map[string][]Attempt
}

// New returns a coordinator with a worker pool sized from cfg.
func New(cfg Config) *Coordinator {
	if cfg.Collector == nil {
		cfg.Collector = sample.NewCollector(sample.DefaultJPEGQuality)
	}
	if cfg.VoiceClip <= 0 {
		cfg.VoiceClip = sample.DefaultClip
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.Audit == nil {
		cfg.Audit = (*audit.Logger)(nil)
	}
	return &Coordinator{
		cfg:     cfg,
		pool:    workerpool.New(cfg.MaxConcurrent, cfg.MaxConcurrent*2),
		now:     time.Now,
		pending: make(map[string]*Attempt),
		history: make(map[string][]Attempt),
	}
}

// AuthenticateFace captures one frame and verifies it.
func (c *Coordinator) AuthenticateFace(ctx context.Context, identity string) (*Attempt, error) {
	return c.authenticate(ctx, "authn.AuthenticateFace", sample.Image, identity)
}

// AuthenticateVoice records one clip and verifies it.
func (c *Coordinator) AuthenticateVoice(ctx context.Context, identity string) (*Attempt, error) {
	return c.authenticate(ctx, "authn.AuthenticateVoice", sample.Audio, identity)
}

func (c *Coordinator) authenticate(ctx context.Context, op string, modality sample.Modality, identity string) (*Attempt, error) {
	a, err := c.reserve(op, modality, identity)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, a)
}

// PendingAttempt is a background attempt started with Begin.
type PendingAttempt struct {
	id      string
	done    chan struct{}
	attempt *Attempt
	err     error
}

// ID returns the attempt ID.
func (p *PendingAttempt) ID() string { return p.id }

// Done is closed when the attempt has finished.
func (p *PendingAttempt) Done() <-chan struct{} { return p.done }

// Wait blocks until the attempt finishes or ctx is done. It returns either a
// finished attempt or an error.
func (p *PendingAttempt) Wait(ctx context.Context) (*Attempt, error) {
	select {
	case <-p.done:
		if p.attempt == nil && p.err == nil {
			return nil, bioerr.New(bioerr.KindInvalidState, "authn.Wait", "attempt ended without a result")
		}
		return p.attempt, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Begin validates and reserves the identity synchronously, then runs the
// attempt on the worker pool. The attempt is cancelled when ctx is or when
// the coordinator closes.
func (c *Coordinator) Begin(ctx context.Context, modality sample.Modality, identity string) (*PendingAttempt, error) {
	const op = "authn.Begin"
	if modality != sample.Image && modality != sample.Audio {
		return nil, bioerr.Newf(bioerr.KindValidation, op, "unknown modality %q", modality)
	}
	a, err := c.reserve(op, modality, identity)
	if err != nil {
		return nil, err
	}

	p := &PendingAttempt{id: a.ID, done: make(chan struct{})}
	err = c.pool.Go(ctx, func(runCtx context.Context) {
		defer close(p.done)
		p.attempt, p.err = c.run(runCtx, a)
	})
	switch {
	case errors.Is(err, workerpool.ErrFull):
		c.unreserve(a)
		return nil, bioerr.New(bioerr.KindBusy, op, "too many authentication attempts in progress")
	case err != nil:
		c.unreserve(a)
		return nil, &bioerr.Error{Kind: bioerr.KindInvalidState, Op: op, Message: "coordinator is closed", Err: err}
	}
	return p, nil
}

// Attempts returns the finished attempts for identity, oldest first, plus
// the pending one if any.
func (c *Coordinator) Attempts(identity string) []Attempt {
	identity = strings.TrimSpace(identity)
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]Attempt(nil), c.history[identity]...)
	if p, ok := c.pending[identity]; ok {
		out = append(out, *p)
	}
	return out
}

// Close stops accepting background attempts and waits for running ones.
// Attempts still running when ctx ends are cancelled.
func (c *Coordinator) Close(ctx context.Context) error {
	return c.pool.Shutdown(ctx)
}

func (c *Coordinator) reserve(op string, modality sample.Modality, identity string) (*Attempt, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, bioerr.Validation(op, "identity is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[identity]; ok {
		return nil, bioerr.Newf(bioerr.KindBusy, op, "an authentication attempt for %s is already in progress (%s)", identity, p.ID)
	}
	a := &Attempt{
		ID:        uuid.NewString(),
		Identity:  identity,
		Modality:  modality,
		Outcome:   Pending,
		StartedAt: c.now(),
	}
	c.pending[identity] = a
	return a, nil
}

func (c *Coordinator) unreserve(a *Attempt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[a.Identity] == a {
		delete(c.pending, a.Identity)
	}
}

// run always finishes a, including when verification panics.
func (c *Coordinator) run(ctx context.Context, a *Attempt) (result *Attempt, err error) {
	logger := logging.WithIdentity(log, a.Identity, string(a.Modality)).With(logging.KeyAttemptID, a.ID)
	ctx = logging.NewContext(ctx, logger)
	logger.Info("authentication started")

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		logger.Error("authentication panicked", "panic", r, "stack", string(debug.Stack()))
		result = c.finish(a, Errored, "internal error")
		err = &bioerr.Error{Kind: bioerr.KindInvalidState, Op: "authn.run", Message: "internal error",
			Err: fmt.Errorf("panic: %v", r)}
		c.cfg.Audit.Record(audit.Event{Type: audit.EventAuthFailed, Identity: a.Identity, Modality: string(a.Modality), AttemptID: a.ID,
			Details: map[string]any{"outcome": string(Errored), "message": "internal error"}})
	}()

	resp, err := c.verify(ctx, a)
	outcome := Accepted
	message := resp.Message
	switch {
	case err == nil:
	case bioerr.KindOf(err) == bioerr.KindServerRejection:
		outcome = Rejected
		message = bioerr.Message(err)
	default:
		outcome = Errored
		message = bioerr.Message(err)
	}

	if outcome == Accepted && c.cfg.Sessions != nil {
		if lerr := c.cfg.Sessions.Login(ctx, a.Identity); lerr != nil {
			outcome = Errored
			message = "verified but login failed"
			err = fmt.Errorf("authn: %w", lerr)
		}
	}

	done := c.finish(a, outcome, message)

	evType := audit.EventAuthFailed
	if outcome == Accepted {
		evType = audit.EventAuthSucceeded
	}
	c.cfg.Audit.Record(audit.Event{Type: evType, Identity: a.Identity, Modality: string(a.Modality), AttemptID: a.ID,
		Details: map[string]any{"outcome": string(outcome), "message": message}})
	logger.Info("authentication finished", "outcome", string(outcome),
		logging.KeyDurationMs, done.FinishedAt.Sub(done.StartedAt).Milliseconds())

	return done, err
}

// verify acquires the device for a's modality, captures one sample and
// sends it. The device is released before returning.
func (c *Coordinator) verify(ctx context.Context, a *Attempt) (credential.Response, error) {
	switch a.Modality {
	case sample.Image:
		h, err := c.cfg.Devices.AcquireVideo(ctx, c.cfg.Camera)
		if err != nil {
			return credential.Response{}, err
		}
		defer h.Release()
		s, err := c.cfg.Collector.CaptureImageFrame(ctx, h)
		if err != nil {
			return credential.Response{}, err
		}
		h.Release()
		defer s.Discard()
		return c.cfg.Service.VerifyFace(ctx, a.Identity, s)

	case sample.Audio:
		h, err := c.cfg.Devices.AcquireAudio(ctx, c.cfg.AudioPrefs)
		if err != nil {
			return credential.Response{}, err
		}
		defer h.Release()
		rec, err := c.cfg.Collector.StartAudioClip(ctx, h, c.cfg.VoiceClip)
		if err != nil {
			return credential.Response{}, err
		}
		if c.cfg.OnRecording != nil {
			c.cfg.OnRecording(rec)
		}
		<-rec.Done()
		s, err := rec.Result()
		if err != nil {
			return credential.Response{}, err
		}
		h.Release()
		defer s.Discard()
		return c.cfg.Service.VerifyVoice(ctx, a.Identity, s)
	}
	return credential.Response{}, bioerr.Newf(bioerr.KindValidation, "authn.verify", "unknown modality %q", a.Modality)
}

// finish records the outcome once; a second call for the same attempt only
// returns a copy.
func (c *Coordinator) finish(a *Attempt, outcome Outcome, message string) *Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()

	if a.Outcome != Pending {
		done := *a
		return &done
	}

	a.Outcome = outcome
	a.Message = message
	a.FinishedAt = c.now()
	if c.pending[a.Identity] == a {
		delete(c.pending, a.Identity)
	}

	hist := append(c.history[a.Identity], *a)
	if over := len(hist) - c.cfg.HistorySize; over > 0 {
		hist = append([]Attempt(nil), hist[over:]...)
	}
	c.history[a.Identity] = hist

	done := *a
	return &done
}
