// Package credential talks to the remote credential service that stores
// biometric templates and performs matching.
package credential

import (
	"context"

	"github.com/breeze-rmm/bioauth/internal/sample"
)

// Server next_step hints.
const (
	NextFaceEnrollment       = "face_enrollment"
	NextVoiceEnrollment      = "voice_enrollment"
	NextCompleteRegistration = "complete_registration"
)

// Response is the body every credential endpoint returns. NextStep is empty
// when the server omitted it or sent null.
type Response struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	NextStep string `json:"next_step"`
}

// Service is the remote credential service. Implementations return a
// Network error for transport failures and non-2xx statuses, and a
// ServerRejection error carrying the server message when the body says
// success is false. Samples passed in are consumed: their payload is taken
// once and zeroed whatever the outcome.
type Service interface {
	StartEnrollment(ctx context.Context, identity string) (Response, error)
	EnrollFace(ctx context.Context, identity string, s *sample.Sample) (Response, error)
	EnrollVoice(ctx context.Context, identity string, s *sample.Sample) (Response, error)
	FinishEnrollment(ctx context.Context, identity string) (Response, error)
	VerifyFace(ctx context.Context, identity string, s *sample.Sample) (Response, error)
	VerifyVoice(ctx context.Context, identity string, s *sample.Sample) (Response, error)
}
