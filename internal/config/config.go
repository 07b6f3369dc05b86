package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

type Config struct {
	ServerURL             string `mapstructure:"server_url"`
	APIToken              string `mapstructure:"api_token"`
	TLSCertFile           string `mapstructure:"tls_cert_file"`
	TLSKeyFile            string `mapstructure:"tls_key_file"`
	TLSCAFile             string `mapstructure:"tls_ca_file"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`

	// Capture
	FFmpegPath     string   `mapstructure:"ffmpeg_path"`
	VideoDevice    string   `mapstructure:"video_device"`
	CameraWidth    int      `mapstructure:"camera_width"`
	CameraHeight   int      `mapstructure:"camera_height"`
	JPEGQuality    int      `mapstructure:"jpeg_quality"`
	AudioDevice    string   `mapstructure:"audio_device"`
	AudioEncodings []string `mapstructure:"audio_encodings"`
	VoiceClipMs    int      `mapstructure:"voice_clip_ms"`

	// Display-only progress targets; the server's next_step decides transitions.
	FaceSampleTarget  int `mapstructure:"face_sample_target"`
	VoiceSampleTarget int `mapstructure:"voice_sample_target"`

	MaxConcurrentAuth int    `mapstructure:"max_concurrent_auth"`
	SessionFile       string `mapstructure:"session_file"`
	DataDir           string `mapstructure:"data_dir"`

	AuditEnabled    bool `mapstructure:"audit_enabled"`
	AuditMaxSizeMB  int  `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int  `mapstructure:"audit_max_backups"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
}

// DefaultAudioEncodings mirrors the recorder fallback order used by browser
// clients; the trailing empty entry selects the runtime default.
var DefaultAudioEncodings = []string{
	"audio/webm;codecs=opus",
	"audio/webm",
	"audio/wav",
	"",
}

func Default() *Config {
	return &Config{
		RequestTimeoutSeconds: 30,
		FFmpegPath:            "ffmpeg",
		CameraWidth:           640,
		CameraHeight:          480,
		JPEGQuality:           80,
		AudioDevice:           "default",
		AudioEncodings:        append([]string(nil), DefaultAudioEncodings...),
		VoiceClipMs:           3000,
		FaceSampleTarget:      3,
		VoiceSampleTarget:     3,
		MaxConcurrentAuth:     2,
		AuditEnabled:          true,
		AuditMaxSizeMB:        10,
		AuditMaxBackups:       3,
		LogLevel:              "info",
		LogFormat:             "text",
		LogMaxSizeMB:          10,
		LogMaxBackups:         3,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("bioauth")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("BIOAUTH")
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// The preference list is replaced, not merged, when the file sets one
	cfg.AudioEncodings = nil
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if !v.IsSet("audio_encodings") {
		cfg.AudioEncodings = append([]string(nil), DefaultAudioEncodings...)
	}

	return cfg, nil
}

// bindEnv registers every key so AutomaticEnv can override values that are
// absent from the config file.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"server_url", "api_token", "tls_cert_file", "tls_key_file", "tls_ca_file",
		"request_timeout_seconds", "ffmpeg_path", "video_device", "camera_width",
		"camera_height", "jpeg_quality", "audio_device", "voice_clip_ms",
		"session_file", "data_dir", "audit_enabled", "log_level", "log_format", "log_file",
	} {
		_ = v.BindEnv(key)
	}
}

// SaveTo writes cfg to cfgFile, or to bioauth.yaml in the config dir when
// cfgFile is empty. The file is left owner-only.
func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	v.Set("server_url", cfg.ServerURL)
	v.Set("api_token", cfg.APIToken)
	v.Set("tls_cert_file", cfg.TLSCertFile)
	v.Set("tls_key_file", cfg.TLSKeyFile)
	v.Set("tls_ca_file", cfg.TLSCAFile)
	v.Set("request_timeout_seconds", cfg.RequestTimeoutSeconds)
	v.Set("ffmpeg_path", cfg.FFmpegPath)
	v.Set("video_device", cfg.VideoDevice)
	v.Set("camera_width", cfg.CameraWidth)
	v.Set("camera_height", cfg.CameraHeight)
	v.Set("jpeg_quality", cfg.JPEGQuality)
	v.Set("audio_device", cfg.AudioDevice)
	v.Set("audio_encodings", cfg.AudioEncodings)
	v.Set("voice_clip_ms", cfg.VoiceClipMs)
	v.Set("face_sample_target", cfg.FaceSampleTarget)
	v.Set("voice_sample_target", cfg.VoiceSampleTarget)
	v.Set("max_concurrent_auth", cfg.MaxConcurrentAuth)
	v.Set("session_file", cfg.SessionFile)
	v.Set("data_dir", cfg.DataDir)
	v.Set("audit_enabled", cfg.AuditEnabled)
	v.Set("audit_max_size_mb", cfg.AuditMaxSizeMB)
	v.Set("audit_max_backups", cfg.AuditMaxBackups)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_format", cfg.LogFormat)
	v.Set("log_file", cfg.LogFile)
	v.Set("log_max_size_mb", cfg.LogMaxSizeMB)
	v.Set("log_max_backups", cfg.LogMaxBackups)

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(configDir(), "bioauth.yaml")
	}
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Owner-only: the file may carry the API token
	return os.Chmod(cfgPath, 0600)
}

// GetDataDir returns the directory for the session record, audit log and
// device lock files.
func (c *Config) GetDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return filepath.Join(configDir(), "data")
}

// SessionPath returns the session record location.
func (c *Config) SessionPath() string {
	if c.SessionFile != "" {
		return c.SessionFile
	}
	return filepath.Join(c.GetDataDir(), "session.yaml")
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "Bioauth")
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Application Support", "Bioauth")
		}
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "bioauth")
	}
	return ".bioauth"
}
