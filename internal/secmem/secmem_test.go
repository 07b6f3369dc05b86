package secmem

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestPayloadTakeOnce(t *testing.T) {
	p := NewPayload([]byte{0xff, 0xd8, 0xff, 0xe0}, "image/jpeg")

	data, release, err := p.Take()
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if len(data) != 4 || data[0] != 0xff {
		t.Fatalf("Take data = %v", data)
	}

	if _, _, err := p.Take(); !errors.Is(err, ErrConsumed) {
		t.Fatalf("second Take err = %v, want ErrConsumed", err)
	}

	release()
	for i, b := range data {
		if b != 0 {
			t.Fatalf("data[%d] = %x after release, want 0", i, b)
		}
	}
	if p.Len() != 0 {
		t.Fatalf("Len() after release = %d, want 0", p.Len())
	}
}

func TestPayloadWipeBeforeTake(t *testing.T) {
	p := NewPayload([]byte("RIFF"), "audio/wav")
	p.Wipe()
	p.Wipe()
	if !p.Consumed() {
		t.Fatal("Consumed() = false after Wipe")
	}
	if _, _, err := p.Take(); !errors.Is(err, ErrConsumed) {
		t.Fatalf("Take after Wipe err = %v, want ErrConsumed", err)
	}
}

func TestPayloadNilSafe(t *testing.T) {
	var p *Payload
	p.Wipe()
	if p.Len() != 0 || p.MediaType() != "" || !p.Consumed() {
		t.Fatal("nil payload should be empty and consumed")
	}
	if _, release, err := p.Take(); err == nil {
		t.Fatal("Take on nil should fail")
	} else {
		release()
	}
}

func TestPayloadNeverPrintsBytes(t *testing.T) {
	p := NewPayload([]byte("secret-voice"), "audio/webm")
	if s := p.String(); strings.Contains(s, "secret") {
		t.Fatalf("String() = %q leaks bytes", s)
	}
	data, _ := json.Marshal(p)
	if string(data) != `"[REDACTED]"` {
		t.Fatalf("MarshalJSON = %s", data)
	}
}

func TestSecureStringRevealAndZero(t *testing.T) {
	s := NewSecureString("hunter2")
	if got := s.Reveal(); got != "hunter2" {
		t.Fatalf("Reveal() = %q, want hunter2", got)
	}
	s.Zero()
	if got := s.Reveal(); got != "" {
		t.Fatalf("Reveal() after Zero() = %q, want empty", got)
	}
	if !s.IsZeroed() || !s.warnedOnce.Load() {
		t.Fatal("expected zeroed state and one warning")
	}
}

func TestSecureStringNil(t *testing.T) {
	var s *SecureString
	s.Zero()
	if s.Reveal() != "" || s.IsZeroed() || !s.Empty() {
		t.Fatal("nil SecureString should be empty and not zeroed")
	}
}

func TestSecureStringFormatRedacted(t *testing.T) {
	s := NewSecureString("secret")
	for _, format := range []string{"%s", "%v", "%+v", "%#v", "%q"} {
		if got := fmt.Sprintf(format, s); got != "[REDACTED]" {
			t.Errorf("fmt.Sprintf(%q, s) = %q, want [REDACTED]", format, got)
		}
	}

	type holder struct {
		Token *SecureString `json:"token"`
	}
	data, err := json.Marshal(holder{Token: s})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{"token":"[REDACTED]"}` {
		t.Fatalf("Marshal = %s", data)
	}

	var back SecureString
	if err := json.Unmarshal([]byte(`"x"`), &back); err == nil {
		t.Fatal("UnmarshalJSON should fail")
	}
}

func TestSecureStringConcurrentRevealAndZero(t *testing.T) {
	s := NewSecureString("concurrent")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Reveal()
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Zero()
	}()
	wg.Wait()

	if got := s.Reveal(); got != "" {
		t.Fatalf("Reveal() = %q, want empty", got)
	}
}
