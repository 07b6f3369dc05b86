package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/bioauth/internal/bioerr"
	"github.com/breeze-rmm/bioauth/internal/enrollment"
)

var (
	maxSamples int
	noPrompt   bool
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <identity>",
	Short: "Register face and voice samples for an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnroll(cmd.Context(), args[0])
	},
}

func init() {
	enrollCmd.Flags().IntVar(&maxSamples, "max-samples", 20, "give up after this many capture attempts")
	enrollCmd.Flags().BoolVar(&noPrompt, "no-prompt", false, "capture without waiting for Enter before each sample (implied when stdin is not a terminal)")
}

func runEnroll(ctx context.Context, identity string) error {
	a, err := newApp(appNeeds{devices: true, client: true})
	if err != nil {
		return err
	}
	defer a.close()

	m := enrollment.New(enrollment.Config{
		Service:     a.client,
		Devices:     a.devices,
		Collector:   a.collector(),
		Sessions:    a.sessions,
		Audit:       a.audit,
		Camera:      a.camera(),
		AudioPrefs:  a.audioPrefs(),
		VoiceClip:   a.voiceClip(),
		FaceTarget:  a.cfg.FaceSampleTarget,
		VoiceTarget: a.cfg.VoiceSampleTarget,
		OnRecording: a.stopOnEnter,
	})
	defer m.Close()

	fmt.Printf("Enrolling %q with %s\n", identity, a.client.BaseURL())
	r, err := m.SubmitUsername(ctx, identity)
	if err != nil {
		return fmt.Errorf("enrollment not started: %s", describe(err))
	}
	if r.Message != "" {
		fmt.Println(r.Message)
	}

	for attempts := 0; ; attempts++ {
		sess := m.Session()
		if sess.Step == enrollment.Complete {
			fmt.Printf("Enrollment complete, logged in as %s\n", sess.Identity)
			return nil
		}
		if attempts >= maxSamples {
			return fmt.Errorf("stopped after %d samples in step %s (%s)", attempts, sess.Step, m.Progress())
		}

		var err error
		switch sess.Step {
		case enrollment.FaceCapture:
			if err = prompt(ctx, a, "Look at the camera and press Enter to capture a face sample "); err != nil {
				return err
			}
			r, err = m.SubmitFaceSample(ctx)
		case enrollment.VoiceCapture:
			if err = prompt(ctx, a, fmt.Sprintf("Press Enter and speak for %s ", a.voiceClip())); err != nil {
				return err
			}
			r, err = m.SubmitVoiceSample(ctx)
		default:
			return fmt.Errorf("unexpected step %s", sess.Step)
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Println(describe(err))
			if !bioerr.Retryable(err) {
				return err
			}
			continue
		}
		if r.Message != "" {
			fmt.Printf("%s (%s)\n", r.Message, m.Progress())
		}
	}
}

func prompt(ctx context.Context, a *app, text string) error {
	if noPrompt || !interactive() {
		return ctx.Err()
	}
	return a.waitEnter(ctx, text)
}
