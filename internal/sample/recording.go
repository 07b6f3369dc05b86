package sample

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/bioauth/internal/bioerr"
	"github.com/breeze-rmm/bioauth/internal/capture"
	"github.com/breeze-rmm/bioauth/internal/logging"
	"github.com/breeze-rmm/bioauth/internal/secmem"
)

// Why a recording ended.
type StopReason string

const (
	StopTimer    StopReason = "timer"
	StopManual   StopReason = "manual"
	StopCanceled StopReason = "canceled"
)

// RecordOption configures a single recording.
type RecordOption func(*Recording)

// WithOnComplete registers fn to run exactly once when the recording ends,
// however it ends. Done is already closed when fn runs, so fn may call
// Stop, Wait or Result.
func WithOnComplete(fn func(*Sample, error)) RecordOption {
	return func(r *Recording) { r.onComplete = fn }
}

// Recording is a running audio clip. It completes on whichever happens
// first: the duration elapsing, Stop, or context cancellation.
type Recording struct {
	clock      Clock
	encoding   string
	limit      time.Duration
	startedAt  time.Time
	recorder   capture.Recorder
	timer      Timer
	onComplete func(*Sample, error)

	mu     sync.Mutex
	chunks [][]byte
	size   int

	completed atomic.Bool
	done      chan struct{}
	reason    StopReason
	sample    *Sample
	err       error
}

// StartAudioClip begins recording on a microphone handle. The returned
// Recording is already running.
func (c *Collector) StartAudioClip(ctx context.Context, h *capture.Handle, d time.Duration, opts ...RecordOption) (*Recording, error) {
	const op = "sample.StartAudioClip"

	if d <= 0 {
		return nil, bioerr.Validation(op, "clip duration must be positive")
	}
	if err := ctx.Err(); err != nil {
		return nil, bioerr.Wrap(bioerr.KindCapture, op, err)
	}
	if !h.Live() {
		return nil, &bioerr.Error{Kind: bioerr.KindCapture, Op: op, Message: "microphone is not active", Err: capture.ErrReleased}
	}
	if h.Kind() != capture.Microphone {
		return nil, &bioerr.Error{Kind: bioerr.KindCapture, Op: op, Message: "handle is not a microphone", Err: capture.ErrWrongKind}
	}

	encoding := string(h.Container())
	if encoding == "" {
		encoding = unknownAudioType
	}
	r := &Recording{
		clock:    c.clock,
		encoding: encoding,
		limit:    d,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	rec, err := h.Record(r.appendChunk)
	if err != nil {
		return nil, &bioerr.Error{Kind: bioerr.KindCapture, Op: op, Message: "failed to start recording", Err: err}
	}
	r.recorder = rec
	r.startedAt = c.clock.Now()
	r.mu.Lock()
	r.timer = c.clock.AfterFunc(d, func() { r.finish(StopTimer, nil) })
	r.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			r.finish(StopCanceled, ctx.Err())
		case <-r.done:
		}
	}()

	log.Debug("recording started", "limitMs", d.Milliseconds(), "encoding", encoding)
	return r, nil
}

func (r *Recording) appendChunk(chunk []byte) {
	r.mu.Lock()
	r.chunks = append(r.chunks, chunk)
	r.size += len(chunk)
	r.mu.Unlock()
}

// Stop ends the recording early and waits for the result. Calling it after
// the recording already completed returns that result.
func (r *Recording) Stop() (*Sample, error) {
	r.finish(StopManual, nil)
	<-r.done
	return r.Result()
}

// Done is closed once the recording has completed.
func (r *Recording) Done() <-chan struct{} { return r.done }

// Wait blocks until the recording completes or ctx is done. A ctx that ends
// first does not stop the recording.
func (r *Recording) Wait(ctx context.Context) (*Sample, error) {
	select {
	case <-r.done:
		return r.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome. Before completion it returns nil, nil.
func (r *Recording) Result() (*Sample, error) {
	select {
	case <-r.done:
		return r.sample, r.err
	default:
		return nil, nil
	}
}

// Reason reports why the recording ended, or "" while it runs.
func (r *Recording) Reason() StopReason {
	select {
	case <-r.done:
		return r.reason
	default:
		return ""
	}
}

// Limit returns the configured maximum duration.
func (r *Recording) Limit() time.Duration { return r.limit }

// finish runs once, for the first of timer, Stop and cancellation.
func (r *Recording) finish(reason StopReason, cause error) {
	if !r.completed.CompareAndSwap(false, true) {
		return
	}
	const op = "sample.Recording"

	r.mu.Lock()
	timer := r.timer
	r.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	stopErr := r.recorder.Stop()
	elapsed := r.clock.Now().Sub(r.startedAt)
	if elapsed > r.limit {
		elapsed = r.limit
	}

	r.mu.Lock()
	data := make([]byte, 0, r.size)
	for i, c := range r.chunks {
		data = append(data, c...)
		clear(c)
		r.chunks[i] = nil
	}
	r.chunks = nil
	r.mu.Unlock()

	var (
		s   *Sample
		err error
	)
	switch {
	case cause != nil:
		err = &bioerr.Error{Kind: bioerr.KindCapture, Op: op, Message: "recording cancelled", Err: cause}
	case stopErr != nil:
		err = &bioerr.Error{Kind: bioerr.KindCapture, Op: op, Message: "recorder failed", Err: stopErr}
	case len(data) == 0:
		err = bioerr.New(bioerr.KindCapture, op, "recording produced no audio")
	default:
		s = &Sample{
			Modality:   Audio,
			Payload:    secmem.NewPayload(data, r.encoding),
			Encoding:   r.encoding,
			Duration:   elapsed,
			CapturedAt: r.startedAt,
		}
		data = nil
	}
	if data != nil {
		clear(data)
	}

	r.reason, r.sample, r.err = reason, s, err
	log.Debug("recording finished", "reason", string(reason), logging.KeyDurationMs, elapsed.Milliseconds(), "audioBytes", s.Size())

	close(r.done)
	if r.onComplete != nil {
		r.onComplete(s, err)
	}
}
