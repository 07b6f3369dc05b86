// Package secmem holds biometric sample bytes and the service token with
// best-effort zeroing. The Go runtime may copy backing arrays, so wiping is
// not a guarantee; it only shortens how long plaintext stays reachable.
package secmem

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/bioauth/internal/logging"
)

var log = logging.L("secmem")

const redacted = "[REDACTED]"

// ErrConsumed is returned when a Payload is taken a second time.
var ErrConsumed = errors.New("secmem: payload already consumed")

// Payload is a captured sample (JPEG frame or audio clip) that may be handed
// to exactly one upload. After Wipe, or after the upload that took it calls
// the returned release func, the bytes are zeroed.
type Payload struct {
	mu        sync.Mutex
	data      []byte
	mediaType string
	taken     bool
	wiped     atomic.Bool
}

// NewPayload takes ownership of data. The caller must not keep using it.
func NewPayload(data []byte, mediaType string) *Payload {
	return &Payload{data: data, mediaType: mediaType}
}

// MediaType returns the MIME type the payload was encoded with.
func (p *Payload) MediaType() string {
	if p == nil {
		return ""
	}
	return p.mediaType
}

// Len returns the payload size in bytes, or 0 after it has been wiped.
func (p *Payload) Len() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.data)
}

// Take hands the bytes to a single consumer. The release func zeroes them and
// must be called once the consumer is done.
func (p *Payload) Take() ([]byte, func(), error) {
	if p == nil {
		return nil, func() {}, ErrConsumed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.taken || p.wiped.Load() {
		return nil, func() {}, ErrConsumed
	}
	p.taken = true
	return p.data, p.Wipe, nil
}

// Consumed reports whether the payload was taken or wiped.
func (p *Payload) Consumed() bool {
	if p == nil {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.taken || p.wiped.Load()
}

// Wipe zeroes the bytes. Safe to call more than once and on nil.
func (p *Payload) Wipe() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.data)
	p.data = nil
	p.wiped.Store(true)
}

func (p *Payload) String() string {
	return fmt.Sprintf("payload(%s, %d bytes)", p.MediaType(), p.Len())
}

func (p *Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted)
}

// SecureString holds the credential service token. Every formatting path
// prints [REDACTED]; Reveal is the only way to read the plaintext.
type SecureString struct {
	mu         sync.Mutex
	data       []byte
	zeroed     atomic.Bool
	warnedOnce atomic.Bool
}

func NewSecureString(s string) *SecureString {
	return &SecureString{data: []byte(s)}
}

// Reveal returns the plaintext, or "" for nil or zeroed values.
func (s *SecureString) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	val := string(s.data)
	s.mu.Unlock()

	if s.zeroed.Load() {
		if s.warnedOnce.CompareAndSwap(false, true) {
			log.Warn("token read after it was wiped")
		}
		return ""
	}
	return val
}

// Empty reports whether no token is set.
func (s *SecureString) Empty() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data) == 0
}

func (s *SecureString) IsZeroed() bool {
	return s != nil && s.zeroed.Load()
}

func (s *SecureString) String() string   { return redacted }
func (s *SecureString) GoString() string { return redacted }

func (s *SecureString) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, redacted)
}

func (s *SecureString) MarshalJSON() ([]byte, error) {
	return json.Marshal(redacted)
}

func (s *SecureString) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// UnmarshalJSON refuses to populate a token from JSON input.
func (s *SecureString) UnmarshalJSON(data []byte) error {
	return errors.New("secmem: cannot deserialize into SecureString")
}

// Zero overwrites the token in place.
func (s *SecureString) Zero() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.data)
	s.data = nil
	s.zeroed.Store(true)
}
