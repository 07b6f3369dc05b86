package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/breeze-rmm/bioauth/internal/audit"
	"github.com/breeze-rmm/bioauth/internal/bioerr"
	"github.com/breeze-rmm/bioauth/internal/capture"
	"github.com/breeze-rmm/bioauth/internal/capture/devlock"
	"github.com/breeze-rmm/bioauth/internal/capture/ffmpeg"
	"github.com/breeze-rmm/bioauth/internal/config"
	"github.com/breeze-rmm/bioauth/internal/credential"
	"github.com/breeze-rmm/bioauth/internal/health"
	"github.com/breeze-rmm/bioauth/internal/logging"
	"github.com/breeze-rmm/bioauth/internal/sample"
	"github.com/breeze-rmm/bioauth/internal/session"
)

var log = logging.L("main")

// app holds everything a command needs. Fields a command does not ask for
// stay nil.
type app struct {
	cfg      *config.Config
	audit    *audit.Logger
	health   *health.Monitor
	runtime  *ffmpeg.Runtime
	devices  *capture.Manager
	locks    *devlock.Dir
	client   *credential.Client
	sessions *session.FileManager
	logFile  *logging.RotatingWriter

	lines chan string
}

type appNeeds struct {
	devices bool
	client  bool
}

// loadConfig reads the config file, applies --server and validates.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if res := cfg.ValidateTiered(); res.HasFatals() {
		return nil, errors.Join(res.Fatals...)
	}
	return cfg, nil
}

func newApp(needs appNeeds) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, health: health.NewMonitor()}

	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			return nil, err
		}
		a.logFile = rw
		out = logging.TeeWriter(os.Stderr, rw)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)

	if cfg.AuditEnabled {
		al, err := audit.NewLogger(cfg)
		if err != nil {
			log.Warn("audit log unavailable, continuing without it", logging.KeyError, err)
		} else {
			a.audit = al
		}
	}
	a.sessions = session.NewFileManager(cfg.SessionPath(), a.audit)

	if needs.client {
		client, err := credential.FromConfig(cfg)
		if err != nil {
			a.close()
			return nil, err
		}
		a.client = client
	}

	if needs.devices {
		locks, err := devlock.New(filepath.Join(cfg.GetDataDir(), "locks"))
		if err != nil {
			a.close()
			return nil, err
		}
		a.locks = locks
		a.runtime = ffmpeg.New(ffmpeg.Options{
			Path:        cfg.FFmpegPath,
			VideoDevice: cfg.VideoDevice,
			AudioDevice: cfg.AudioDevice,
		})
		a.devices = capture.NewManager(a.runtime, capture.ManagerConfig{Locker: locks, Health: a.health})
	}
	return a, nil
}

func (a *app) close() {
	if a.devices != nil {
		a.devices.ReleaseAll()
	}
	if a.audit != nil {
		if n := a.audit.DroppedCount(); n > 0 {
			log.Warn("audit entries were dropped", "count", n)
		}
		a.audit.Close()
	}
	if a.health != nil && len(a.health.All()) > 0 && a.health.Overall() != health.Healthy {
		log.Debug("health at exit", "summary", a.health.Summary())
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}

func (a *app) camera() capture.Constraints {
	return capture.Constraints{Width: a.cfg.CameraWidth, Height: a.cfg.CameraHeight}
}

func (a *app) audioPrefs() []capture.Encoding {
	return capture.ParseEncodings(a.cfg.AudioEncodings)
}

func (a *app) voiceClip() time.Duration {
	return time.Duration(a.cfg.VoiceClipMs) * time.Millisecond
}

func (a *app) collector() *sample.Collector {
	return sample.NewCollector(a.cfg.JPEGQuality)
}

// readLines starts a single stdin reader shared by every prompt.
func (a *app) readLines() <-chan string {
	if a.lines == nil {
		a.lines = make(chan string)
		go func() {
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				a.lines <- sc.Text()
			}
			close(a.lines)
		}()
	}
	return a.lines
}

// waitEnter prints prompt and blocks until the user presses Enter.
func (a *app) waitEnter(ctx context.Context, prompt string) error {
	fmt.Print(prompt)
	select {
	case _, ok := <-a.readLines():
		if !ok {
			return io.EOF
		}
		return nil
	case <-ctx.Done():
		fmt.Println()
		return ctx.Err()
	}
}

// stopOnEnter lets the user end a voice clip early.
func (a *app) stopOnEnter(rec *sample.Recording) {
	if !interactive() {
		return
	}
	fmt.Printf("Recording for up to %s, press Enter to stop early...\n", rec.Limit())
	lines := a.readLines()
	go func() {
		select {
		case <-lines:
			rec.Stop()
		case <-rec.Done():
		}
	}()
}

// describe formats an error for the terminal.
func describe(err error) string {
	switch bioerr.KindOf(err) {
	case bioerr.KindServerRejection:
		return "rejected: " + bioerr.Message(err)
	case bioerr.KindDeviceUnavailable, bioerr.KindUnsupportedFormat:
		return bioerr.Message(err)
	case bioerr.KindNetwork:
		return "credential service error: " + bioerr.Message(err)
	}
	return err.Error()
}
