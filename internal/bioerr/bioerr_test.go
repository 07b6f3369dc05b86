package bioerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesSentinelByKind(t *testing.T) {
	err := Validation("authn.AuthenticateFace", "identity is required")
	if !errors.Is(err, ErrValidation) {
		t.Fatal("validation error should match ErrValidation")
	}
	if errors.Is(err, ErrBusy) {
		t.Fatal("validation error should not match ErrBusy")
	}
}

func TestIsThroughFmtWrap(t *testing.T) {
	inner := New(KindBusy, "authn.Begin", "attempt already pending")
	err := fmt.Errorf("login: %w", inner)
	if !errors.Is(err, ErrBusy) {
		t.Fatal("wrapped busy error should match ErrBusy")
	}
	if got := KindOf(err); got != KindBusy {
		t.Fatalf("KindOf = %q, want %q", got, KindBusy)
	}
}

func TestWrapKeepsInnerKind(t *testing.T) {
	inner := New(KindUnsupportedFormat, "capture.AcquireAudio", "no supported encoding")
	err := Wrap(KindDeviceUnavailable, "enrollment.SubmitFaceSample", inner)
	if got := KindOf(err); got != KindUnsupportedFormat {
		t.Fatalf("KindOf = %q, want %q", got, KindUnsupportedFormat)
	}
	if Wrap(KindNetwork, "op", nil) != nil {
		t.Fatal("Wrap(nil) should return nil")
	}
}

func TestWrapClassifiesPlainError(t *testing.T) {
	err := Wrap(KindNetwork, "credential.EnrollFace", errors.New("connection refused"))
	if !errors.Is(err, ErrNetwork) {
		t.Fatal("wrapped plain error should match ErrNetwork")
	}
	if got := err.Error(); got != "credential.EnrollFace: connection refused" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestMessageReturnsServerText(t *testing.T) {
	err := fmt.Errorf("verify: %w", Rejected("credential.VerifyFace", "no match"))
	if got := Message(err); got != "no match" {
		t.Fatalf("Message = %q, want %q", got, "no match")
	}
	if got := Message(errors.New("plain")); got != "plain" {
		t.Fatalf("Message(plain) = %q", got)
	}
}

func TestRejectedDefaultMessage(t *testing.T) {
	if got := Rejected("op", "").Message; got == "" {
		t.Fatal("Rejected with empty server message should get a default")
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(New(KindNetwork, "op", "timeout")) {
		t.Fatal("network errors are retryable")
	}
	if !Retryable(Rejected("op", "no face detected")) {
		t.Fatal("server rejections are retryable")
	}
	if Retryable(Validation("op", "empty")) {
		t.Fatal("validation errors are not retryable")
	}
	if Retryable(errors.New("unclassified")) {
		t.Fatal("unclassified errors are not retryable")
	}
}
