// Package credentialtest provides a scripted credential.Service for tests.
package credentialtest

import (
	"context"
	"sync"

	"github.com/breeze-rmm/bioauth/internal/bioerr"
	"github.com/breeze-rmm/bioauth/internal/credential"
	"github.com/breeze-rmm/bioauth/internal/sample"
)

// Method names recorded in Calls.
const (
	StartEnrollment  = "StartEnrollment"
	EnrollFace       = "EnrollFace"
	EnrollVoice      = "EnrollVoice"
	FinishEnrollment = "FinishEnrollment"
	VerifyFace       = "VerifyFace"
	VerifyVoice      = "VerifyVoice"
)

// Reply is one scripted answer. A Response with Success false and no Err
// is turned into a ServerRejection the way the HTTP client does.
type Reply struct {
	Response credential.Response
	Err      error
}

// OK is a successful reply carrying next.
func OK(message, next string) Reply {
	return Reply{Response: credential.Response{Success: true, Message: message, NextStep: next}}
}

// Reject is a success:false reply.
func Reject(message string) Reply {
	return Reply{Response: credential.Response{Success: false, Message: message}}
}

// Call is one recorded invocation.
type Call struct {
	Method      string
	Identity    string
	SampleBytes int
	Encoding    string
}

// Service answers each method from its script in order; once a script is
// exhausted its last reply repeats. Methods without a script succeed with
// no next step.
type Service struct {
	mu      sync.Mutex
	scripts map[string][]Reply
	calls   []Call

	// Hook, when set, runs inside every call before the reply is returned.
	Hook func(ctx context.Context, method string)
}

var _ credential.Service = (*Service)(nil)

func New() *Service {
	return &Service{scripts: make(map[string][]Reply)}
}

// Script queues replies for method.
func (s *Service) Script(method string, replies ...Reply) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[method] = append(s.scripts[method], replies...)
	return s
}

// Calls returns a copy of the recorded calls.
func (s *Service) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Count returns how many times method was called.
func (s *Service) Count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (s *Service) StartEnrollment(ctx context.Context, identity string) (credential.Response, error) {
	return s.answer(ctx, StartEnrollment, identity, nil)
}

func (s *Service) EnrollFace(ctx context.Context, identity string, smp *sample.Sample) (credential.Response, error) {
	return s.answer(ctx, EnrollFace, identity, smp)
}

func (s *Service) EnrollVoice(ctx context.Context, identity string, smp *sample.Sample) (credential.Response, error) {
	return s.answer(ctx, EnrollVoice, identity, smp)
}

func (s *Service) FinishEnrollment(ctx context.Context, identity string) (credential.Response, error) {
	return s.answer(ctx, FinishEnrollment, identity, nil)
}

func (s *Service) VerifyFace(ctx context.Context, identity string, smp *sample.Sample) (credential.Response, error) {
	return s.answer(ctx, VerifyFace, identity, smp)
}

func (s *Service) VerifyVoice(ctx context.Context, identity string, smp *sample.Sample) (credential.Response, error) {
	return s.answer(ctx, VerifyVoice, identity, smp)
}

func (s *Service) answer(ctx context.Context, method, identity string, smp *sample.Sample) (credential.Response, error) {
	call := Call{Method: method, Identity: identity}
	if smp != nil {
		data, release, err := smp.Payload.Take()
		call.SampleBytes = len(data)
		call.Encoding = smp.Encoding
		release()
		if err != nil {
			return credential.Response{}, bioerr.Wrap(bioerr.KindCapture, "credentialtest."+method, err)
		}
	}

	s.mu.Lock()
	s.calls = append(s.calls, call)
	reply := Reply{Response: credential.Response{Success: true}}
	if script := s.scripts[method]; len(script) > 0 {
		reply = script[0]
		if len(script) > 1 {
			s.scripts[method] = script[1:]
		}
	}
	hook := s.Hook
	s.mu.Unlock()

	if hook != nil {
		hook(ctx, method)
	}
	if err := ctx.Err(); err != nil {
		return credential.Response{}, &bioerr.Error{Kind: bioerr.KindNetwork, Op: "credentialtest." + method, Err: err}
	}
	if reply.Err != nil {
		return reply.Response, reply.Err
	}
	if !reply.Response.Success {
		return reply.Response, bioerr.Rejected("credentialtest."+method, reply.Response.Message)
	}
	return reply.Response, nil
}
