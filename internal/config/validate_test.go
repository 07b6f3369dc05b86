package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateTieredDefaultsAreClean(t *testing.T) {
	cfg := Default()
	result := cfg.ValidateTiered()
	if len(result.All()) != 0 {
		t.Fatalf("default config should validate cleanly, got %v", result.All())
	}
}

func TestValidateTieredInvalidURLSchemeIsFatal(t *testing.T) {
	cfg := Default()
	cfg.ServerURL = "ftp://example.com"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("invalid URL scheme should be fatal")
	}
}

func TestValidateTieredControlCharsInTokenIsFatal(t *testing.T) {
	cfg := Default()
	cfg.APIToken = "token\x00with\x01control"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("control chars in token should be fatal")
	}
}

func TestValidateTieredHalfConfiguredTLSIsFatal(t *testing.T) {
	cfg := Default()
	cfg.TLSCertFile = "/etc/bioauth/client.crt"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("cert without key should be fatal")
	}
}

func TestValidateTieredNonAudioEncodingIsFatal(t *testing.T) {
	cfg := Default()
	cfg.AudioEncodings = []string{"video/webm", "audio/wav"}
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("non-audio MIME type should be fatal")
	}
	found := false
	for _, err := range result.Fatals {
		if strings.Contains(err.Error(), "video/webm") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected video/webm in fatals, got %v", result.Fatals)
	}
}

func TestValidateTieredJPEGQualityClampingIsWarning(t *testing.T) {
	cfg := Default()
	cfg.JPEGQuality = 0
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped quality should be warning, not fatal: %v", result.Fatals)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for clamped quality")
	}
	if cfg.JPEGQuality != 1 {
		t.Fatalf("JPEGQuality = %d, want 1 (clamped)", cfg.JPEGQuality)
	}
}

func TestValidateTieredVoiceClipClamping(t *testing.T) {
	cfg := Default()
	cfg.VoiceClipMs = 120000
	cfg.ValidateTiered()
	if cfg.VoiceClipMs != 30000 {
		t.Fatalf("VoiceClipMs = %d, want 30000 (clamped)", cfg.VoiceClipMs)
	}
}

func TestValidateTieredEmptyEncodingsRestoresDefaults(t *testing.T) {
	cfg := Default()
	cfg.AudioEncodings = nil
	result := cfg.ValidateTiered()
	if len(result.Warnings) == 0 {
		t.Fatal("expected warning for empty encodings")
	}
	if len(cfg.AudioEncodings) != len(DefaultAudioEncodings) {
		t.Fatalf("AudioEncodings = %v, want defaults", cfg.AudioEncodings)
	}
}

func TestValidateTieredUnknownLogFormatIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "xml"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("log format should be warning: %v", result.Fatals)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("warnings = %v, want 1", result.Warnings)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bioauth.yaml")

	cfg := Default()
	cfg.ServerURL = "https://creds.example.com"
	cfg.VideoDevice = "/dev/video2"
	cfg.AudioEncodings = []string{"audio/ogg;codecs=opus", "audio/wav"}
	if err := SaveTo(cfg, path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("config perm = %o, want 600", perm)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ServerURL != cfg.ServerURL {
		t.Fatalf("ServerURL = %q, want %q", loaded.ServerURL, cfg.ServerURL)
	}
	if loaded.VideoDevice != "/dev/video2" {
		t.Fatalf("VideoDevice = %q", loaded.VideoDevice)
	}
	if len(loaded.AudioEncodings) != 2 || loaded.AudioEncodings[0] != "audio/ogg;codecs=opus" {
		t.Fatalf("AudioEncodings = %v", loaded.AudioEncodings)
	}
}

func TestSessionPathDefaultsUnderDataDir(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/var/lib/bioauth"
	if got := cfg.SessionPath(); got != filepath.Join("/var/lib/bioauth", "session.yaml") {
		t.Fatalf("SessionPath() = %q", got)
	}
	cfg.SessionFile = "/tmp/s.yaml"
	if got := cfg.SessionPath(); got != "/tmp/s.yaml" {
		t.Fatalf("SessionPath() = %q, want override", got)
	}
}
