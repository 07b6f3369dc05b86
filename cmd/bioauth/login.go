package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/bioauth/internal/authn"
	"github.com/breeze-rmm/bioauth/internal/sample"
)

var loginCmd = &cobra.Command{
	Use:       "login face|voice <identity>",
	Short:     "Log in with a face or voice sample",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"face", "voice"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var modality sample.Modality
		switch args[0] {
		case "face":
			modality = sample.Image
		case "voice":
			modality = sample.Audio
		default:
			return fmt.Errorf("unknown factor %q, use face or voice", args[0])
		}
		return runLogin(cmd.Context(), modality, args[1])
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the current session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(appNeeds{})
		if err != nil {
			return err
		}
		defer a.close()

		cur, ok := a.sessions.Current()
		if err := a.sessions.Logout(cmd.Context()); err != nil {
			return err
		}
		if ok {
			fmt.Printf("Logged out %s\n", cur.Identity)
		} else {
			fmt.Println("No active session")
		}
		return nil
	},
}

func runLogin(ctx context.Context, modality sample.Modality, identity string) error {
	a, err := newApp(appNeeds{devices: true, client: true})
	if err != nil {
		return err
	}
	defer a.close()

	c := authn.New(authn.Config{
		Service:       a.client,
		Devices:       a.devices,
		Collector:     a.collector(),
		Sessions:      a.sessions,
		Audit:         a.audit,
		Camera:        a.camera(),
		AudioPrefs:    a.audioPrefs(),
		VoiceClip:     a.voiceClip(),
		MaxConcurrent: a.cfg.MaxConcurrentAuth,
		OnRecording:   a.stopOnEnter,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		c.Close(shutdownCtx)
	}()

	if modality == sample.Audio && interactive() {
		if err := a.waitEnter(ctx, fmt.Sprintf("Press Enter and speak for %s ", a.voiceClip())); err != nil {
			return err
		}
	}

	p, err := c.Begin(ctx, modality, identity)
	if err != nil {
		return fmt.Errorf("login not started: %s", describe(err))
	}
	attempt, err := p.Wait(ctx)
	if err != nil {
		if attempt != nil && attempt.Outcome == authn.Rejected {
			return fmt.Errorf("login failed: %s", attempt.Message)
		}
		return fmt.Errorf("login failed: %s", describe(err))
	}
	fmt.Printf("Logged in as %s (%s)\n", attempt.Identity, attempt.Message)
	return nil
}
