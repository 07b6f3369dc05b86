package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/bioauth/internal/audit"
	"github.com/breeze-rmm/bioauth/internal/capture"
	"github.com/breeze-rmm/bioauth/internal/credential"
	"github.com/breeze-rmm/bioauth/internal/health"
	"github.com/breeze-rmm/bioauth/internal/httputil"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session, credential service and audit trail state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context())
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List capture devices and supported audio encodings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDevices(cmd.Context())
	},
}

func runStatus(ctx context.Context) error {
	a, err := newApp(appNeeds{})
	if err != nil {
		return err
	}
	defer a.close()

	if cur, ok := a.sessions.Current(); ok {
		fmt.Printf("Session:  %s (since %s)\n", cur.Identity, cur.LoggedInAt.Local().Format(time.RFC1123))
	} else {
		fmt.Println("Session:  none")
	}
	fmt.Printf("Platform: %s\n", httputil.Platform())

	checkServer(ctx, a)
	checkAudit(a)

	fmt.Println()
	for _, c := range a.health.All() {
		line := fmt.Sprintf("  %-8s %s", c.Name, c.Status)
		if c.Message != "" {
			line += ": " + c.Message
		}
		fmt.Println(line)
	}
	fmt.Printf("Overall: %s\n", a.health.Overall())
	return nil
}

func checkServer(ctx context.Context, a *app) {
	if a.cfg.ServerURL == "" {
		a.health.Update(health.Server, health.Unknown, "server_url not configured")
		return
	}
	client, err := credential.FromConfig(a.cfg)
	if err != nil {
		a.health.Update(health.Server, health.Unhealthy, err.Error())
		return
	}
	fmt.Printf("Server:   %s\n", client.BaseURL())
	if exp, ok := credential.TokenExpiry(a.cfg.APIToken); ok {
		state := "valid until"
		if time.Now().After(exp) {
			state = "expired"
		}
		fmt.Printf("Token:    %s %s\n", state, exp.Local().Format(time.RFC1123))
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	info, err := client.Ping(pingCtx)
	if err != nil {
		a.health.Update(health.Server, health.Unhealthy, describe(err))
		return
	}
	msg := info.Message
	if info.Version != "" {
		msg += " (v" + info.Version + ")"
	}
	a.health.Update(health.Server, health.Healthy, msg)
}

func checkAudit(a *app) {
	if a.audit == nil {
		a.health.Update(health.Audit, health.Unknown, "audit log disabled")
		return
	}
	res, err := audit.Verify(a.audit.Path())
	switch {
	case errors.Is(err, os.ErrNotExist):
		a.health.Update(health.Audit, health.Healthy, "no entries yet")
	case err != nil:
		a.health.Update(health.Audit, health.Unhealthy, err.Error())
	case res.BrokenAt > 0:
		a.health.Update(health.Audit, health.Unhealthy,
			fmt.Sprintf("chain broken at line %d: %s", res.BrokenAt, res.Reason))
	default:
		a.health.Update(health.Audit, health.Healthy, fmt.Sprintf("%d entries, chain intact", res.Entries))
	}
}

func runDevices(ctx context.Context) error {
	a, err := newApp(appNeeds{devices: true})
	if err != nil {
		return err
	}
	defer a.close()

	v, err := a.runtime.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Println(v)

	fmt.Println("\nCameras:")
	cams := a.runtime.VideoDevices()
	if len(cams) == 0 {
		fmt.Println("  (none found; set video_device explicitly)")
	}
	for _, d := range cams {
		fmt.Println("  " + d)
	}
	for _, kind := range []capture.Kind{capture.Camera, capture.Microphone} {
		if pid := a.locks.Holder(string(kind)); pid > 0 {
			fmt.Printf("  %s is in use by pid %d\n", kind, pid)
		}
	}

	caps, err := a.runtime.Capabilities(ctx)
	if err != nil {
		return err
	}
	prefs := a.audioPrefs()
	fmt.Println("\nAudio encodings (in preference order):")
	for _, enc := range prefs {
		name := string(enc)
		supported := enc == capture.DefaultEncoding || caps.Supports(enc)
		if enc == capture.DefaultEncoding {
			name = "(runtime default)"
		}
		fmt.Printf("  %-28s %v\n", name, supported)
	}
	chosen, err := capture.Negotiate(caps, prefs)
	if err != nil {
		fmt.Println("\nNo usable audio encoding:", describe(err))
		return nil
	}
	if chosen == capture.DefaultEncoding {
		fmt.Println("\nSelected: runtime default")
	} else {
		fmt.Println("\nSelected:", chosen)
	}
	return nil
}
