package enrollment

import (
	"github.com/breeze-rmm/bioauth/internal/bioerr"
)

// Step is the position in the enrollment protocol. Steps only move forward,
// one at a time, in declaration order.
type Step int

const (
	Username Step = iota
	FaceCapture
	VoiceCapture
	Complete
)

func (s Step) String() string {
	switch s {
	case Username:
		return "username"
	case FaceCapture:
		return "face_capture"
	case VoiceCapture:
		return "voice_capture"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Event is a confirmed server outcome that may move the protocol forward.
type Event string

const (
	// StartEnrollment succeeded.
	EventStarted Event = "started"
	// The server answered a face upload with next_step=voice_enrollment.
	EventVoiceRequested Event = "voice_requested"
	// FinishEnrollment succeeded.
	EventFinished Event = "finished"
)

// Next is the transition function. Any pairing other than the three forward
// edges is an InvalidState error and the caller keeps its current step.
func Next(step Step, ev Event) (Step, error) {
	switch {
	case step == Username && ev == EventStarted:
		return FaceCapture, nil
	case step == FaceCapture && ev == EventVoiceRequested:
		return VoiceCapture, nil
	case step == VoiceCapture && ev == EventFinished:
		return Complete, nil
	}
	return step, bioerr.Newf(bioerr.KindInvalidState, "enrollment.Next", "event %s is not valid in step %s", ev, step)
}
