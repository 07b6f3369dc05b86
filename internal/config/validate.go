package config

import (
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult splits problems into fatals, which must stop the CLI,
// and warnings, which were auto-corrected.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal problem was found.
func (r ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

// All returns fatals followed by warnings.
func (r ValidationResult) All() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// Validate checks the config and returns every problem found.
func (c *Config) Validate() []error {
	return c.ValidateTiered().All()
}

// ValidateTiered checks the config for invalid values. Values that would break
// capture or uploads are clamped to safe bounds and reported as warnings.
// Everything is logged; the caller decides whether to continue.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("server_url %q is not a valid URL: %w", c.ServerURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			r.Fatals = append(r.Fatals, fmt.Errorf("server_url scheme must be http or https, got %q", u.Scheme))
		}
	}

	for _, ch := range c.APIToken {
		if unicode.IsControl(ch) {
			r.Fatals = append(r.Fatals, fmt.Errorf("api_token contains control characters"))
			break
		}
	}

	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		r.Fatals = append(r.Fatals, fmt.Errorf("tls_cert_file and tls_key_file must be set together"))
	}

	for _, enc := range c.AudioEncodings {
		if enc == "" {
			continue
		}
		mediaType, _, err := mime.ParseMediaType(enc)
		if err != nil || !strings.HasPrefix(mediaType, "audio/") {
			r.Fatals = append(r.Fatals, fmt.Errorf("audio_encodings entry %q is not an audio MIME type", enc))
		}
	}

	c.RequestTimeoutSeconds = r.clamp("request_timeout_seconds", c.RequestTimeoutSeconds, 1, 300)
	c.CameraWidth = r.clamp("camera_width", c.CameraWidth, 160, 3840)
	c.CameraHeight = r.clamp("camera_height", c.CameraHeight, 120, 2160)
	c.JPEGQuality = r.clamp("jpeg_quality", c.JPEGQuality, 1, 100)
	c.VoiceClipMs = r.clamp("voice_clip_ms", c.VoiceClipMs, 500, 30000)
	c.FaceSampleTarget = r.clamp("face_sample_target", c.FaceSampleTarget, 1, 50)
	c.VoiceSampleTarget = r.clamp("voice_sample_target", c.VoiceSampleTarget, 1, 50)
	c.MaxConcurrentAuth = r.clamp("max_concurrent_auth", c.MaxConcurrentAuth, 1, 16)

	if len(c.AudioEncodings) == 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("audio_encodings is empty, using defaults"))
		c.AudioEncodings = append([]string(nil), DefaultAudioEncodings...)
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range r.Fatals {
		slog.Error("config validation", "error", err)
	}
	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}

	return r
}

func (r *ValidationResult) clamp(key string, v, lo, hi int) int {
	if v < lo {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", key, v, lo))
		return lo
	}
	if v > hi {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, v, hi))
		return hi
	}
	return v
}
