package ffmpeg

import (
	"bufio"
	"bytes"
	"strings"
	"sync"

	"github.com/breeze-rmm/bioauth/internal/capture"
)

// codecTable is what `ffmpeg -encoders` and `ffmpeg -muxers` report.
type codecTable struct {
	encoders map[string]bool
	muxers   map[string]bool
}

// Supports reports whether both the encoder and muxer behind enc exist.
func (t codecTable) Supports(enc capture.Encoding) bool {
	spec, ok := specFor(enc)
	if !ok {
		return false
	}
	return t.encoders[spec.codec] && t.muxers[spec.muxer]
}

// parseEncoders reads the audio encoders from `ffmpeg -encoders`. Rows
// after the " ------" separator look like " A....D libopus  libopus Opus".
func parseEncoders(out []byte) map[string]bool {
	return parseTable(out, func(flags string) bool {
		return len(flags) == 6 && flags[0] == 'A'
	})
}

// parseMuxers reads `ffmpeg -muxers`, whose rows look like " E webm  WebM".
// Newer builds print combined lists such as " E mov,mp4,m4a".
func parseMuxers(out []byte) map[string]bool {
	return parseTable(out, func(flags string) bool {
		return strings.Contains(flags, "E") && strings.Trim(flags, "DEd.") == ""
	})
}

func parseTable(out []byte, keep func(flags string) bool) map[string]bool {
	names := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(out))
	inRows := false
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			inRows = true
			continue
		}
		if !inRows {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || !keep(fields[0]) {
			continue
		}
		for _, name := range strings.Split(fields[1], ",") {
			names[name] = true
		}
	}
	return names
}

// classifyStderr maps ffmpeg's device error text onto capture errors.
func classifyStderr(stderr string) error {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "permission denied"), strings.Contains(s, "not authorized"):
		return capture.ErrPermissionDenied
	case strings.Contains(s, "device or resource busy"):
		return capture.ErrDeviceBusy
	case strings.Contains(s, "no such file or directory"),
		strings.Contains(s, "no such device"),
		strings.Contains(s, "could not find"),
		strings.Contains(s, "cannot open audio device"),
		strings.Contains(s, "input/output error"):
		return capture.ErrNoDevice
	}
	return nil
}

var (
	soi = []byte{0xff, 0xd8}
	eoi = []byte{0xff, 0xd9}
)

// frameSplitter cuts an MJPEG byte stream into complete JPEG images.
type frameSplitter struct {
	buf     []byte
	onFrame func(frame []byte)
	maxBuf  int
}

func newFrameSplitter(onFrame func([]byte)) *frameSplitter {
	return &frameSplitter{onFrame: onFrame, maxBuf: 16 << 20}
}

func (s *frameSplitter) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	for {
		start := bytes.Index(s.buf, soi)
		if start < 0 {
			// Keep a trailing 0xff, it may begin the next marker.
			if n := len(s.buf); n > 0 && s.buf[n-1] == 0xff {
				s.buf = append(s.buf[:0], 0xff)
			} else {
				s.buf = s.buf[:0]
			}
			return len(p), nil
		}
		end := bytes.Index(s.buf[start+2:], eoi)
		if end < 0 {
			if start > 0 {
				s.buf = append(s.buf[:0], s.buf[start:]...)
			}
			if len(s.buf) > s.maxBuf {
				s.buf = s.buf[:0]
			}
			return len(p), nil
		}
		end += start + 2 + len(eoi)
		frame := make([]byte, end-start)
		copy(frame, s.buf[start:end])
		s.onFrame(frame)
		s.buf = append(s.buf[:0], s.buf[end:]...)
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
