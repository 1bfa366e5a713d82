package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/sebas/isip/internal/config"
	"github.com/sebas/isip/internal/engine/sipua"
	"github.com/sebas/isip/internal/session"
	"github.com/sebas/isip/internal/speech"
	"github.com/sebas/isip/internal/suite"
	"github.com/sebas/isip/internal/target"
)

func targetFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "gateway", Usage: "SIP gateway host (default SIP_GATEWAY)"},
		&cli.StringFlag{Name: "from", Usage: "caller identity, used as auth user when --auth-user is empty"},
		&cli.StringFlag{Name: "auth-user", Usage: "SIP auth user (default SIP_USERNAME)"},
		&cli.StringFlag{Name: "auth-password", Usage: "SIP auth password (default SIP_PASSWORD)"},
		&cli.StringFlag{Name: "local-ip", Usage: "local address to bind SIP and RTP"},
		&cli.IntFlag{Name: "local-port", Usage: "local SIP port"},
		&cli.DurationFlag{Name: "timeout", Usage: "maximum call length (default from config)"},
		&cli.StringFlag{Name: "output-dir", Usage: "where recordings are written", Value: "artifacts"},
	}
}

func resolveTarget(cmd *cli.Command, cfg *config.Config, sipTo string) (target.Target, error) {
	o := target.Overrides{
		Gateway:      cmd.String("gateway"),
		From:         cmd.String("from"),
		AuthUser:     cmd.String("auth-user"),
		AuthPassword: cmd.String("auth-password"),
		LocalIP:      cmd.String("local-ip"),
		LocalPort:    int(cmd.Int("local-port")),
	}
	if o.LocalIP == "" {
		o.LocalIP = cfg.SIP.LocalIP
	}
	if o.LocalPort == 0 {
		o.LocalPort = cfg.SIP.LocalPort
	}
	return target.Resolve(sipTo, o, targetEnv(cfg))
}

func callTimeout(cmd *cli.Command, cfg *config.Config) time.Duration {
	if d := cmd.Duration("timeout"); d > 0 {
		return d
	}
	return cfg.Calls.Timeout
}

// startClient starts one engine for tgt. The caller must Stop it.
func startClient(ctx context.Context, cfg *config.Config, tgt target.Target, log *slog.Logger) (*session.Client, error) {
	client := session.NewClient(sipua.New(), tgt, sessionOptions(cfg, log))
	if err := client.Start(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// transcriberOrNil returns the configured transcriber, or nil without a key.
func transcriberOrNil(cfg *config.Config, log *slog.Logger) speech.Transcriber {
	tr, err := newTranscriber(cfg)
	if err != nil {
		log.Debug("Transcription disabled", "reason", err)
		return nil
	}
	return tr
}

func callCommand() *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "place one call, play a prompt and record the answer",
		ArgsUsage: "sip:<destination>@<domain>",
		Flags: append(targetFlags(),
			&cli.StringFlag{Name: "prompt-file", Usage: "WAV file to play", Value: "prompt.wav"},
			&cli.StringFlag{Name: "prompt-text", Usage: "synthesize this text as the prompt"},
			&cli.StringFlag{Name: "voice", Usage: "voice for --prompt-text"},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, log, err := loadConfig(cmd, false)
			if err != nil {
				return err
			}
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one target, got %d", cmd.Args().Len())
			}
			tgt, err := resolveTarget(cmd, cfg, cmd.Args().First())
			if err != nil {
				return err
			}

			outDir := cmd.String("output-dir")
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}

			promptFile := cmd.String("prompt-file")
			if text := cmd.String("prompt-text"); text != "" {
				synth, err := newSynthesizer(cfg)
				if err != nil {
					return err
				}
				promptFile = filepath.Join(outDir, "prompt.wav")
				if err := speech.SynthesizeToFile(ctx, synth, text, cmd.String("voice"), promptFile); err != nil {
					return fmt.Errorf("synthesize prompt: %w", err)
				}
			}
			if _, err := os.Stat(promptFile); err != nil {
				log.Warn("Prompt file not found, calling without a prompt", "path", promptFile)
				promptFile = ""
			}

			client, err := startClient(ctx, cfg, tgt, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := client.Stop(); err != nil {
					log.Warn("Engine teardown failed", "error", err)
				}
			}()

			res, err := client.Run(ctx, session.Scenario{
				Phone:      tgt.Phone,
				PromptFile: promptFile,
				RecordFile: filepath.Join(outDir, "response.wav"),
				Timeout:    callTimeout(cmd, cfg),
			})
			if err != nil {
				return err
			}
			suite.Report(ctx, os.Stdout, "call", res, transcriberOrNil(cfg, log))
			if res.Error != "" {
				return fmt.Errorf("call failed: %s", res.Error)
			}
			return nil
		},
	}
}

func suiteCommand() *cli.Command {
	return &cli.Command{
		Name:      "suite",
		Usage:     "run every test in a YAML or JSON suite through one engine",
		ArgsUsage: "<suite-file>",
		Flags: append(targetFlags(),
			&cli.StringFlag{Name: "prompt-dir", Usage: "where synthesized per-test prompts are written", Value: "prompts"},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, log, err := loadConfig(cmd, false)
			if err != nil {
				return err
			}
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one suite file, got %d", cmd.Args().Len())
			}
			s, err := suite.Load(cmd.Args().First())
			if err != nil {
				return err
			}

			// The suite-level phone only selects the account; each test
			// supplies its own destination.
			phone := s.Phone
			if phone == "" {
				phone = s.Tests[0].Phone
			}
			tgt, err := resolveTarget(cmd, cfg, "sip:"+phone)
			if err != nil {
				return err
			}

			synth, tr, err := optionalServices(cfg, log)
			if err != nil {
				return err
			}

			client, err := startClient(ctx, cfg, tgt, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := client.Stop(); err != nil {
					log.Warn("Engine teardown failed", "error", err)
				}
			}()

			r := &suite.Runner{
				Client:      client,
				Synthesizer: synth,
				Transcriber: tr,
				PromptDir:   cmd.String("prompt-dir"),
				OutputDir:   cmd.String("output-dir"),
				Timeout:     callTimeout(cmd, cfg),
				Out:         os.Stdout,
				Logger:      log,
			}
			outcomes, err := r.Run(ctx, s)
			if err != nil {
				return err
			}
			failed := 0
			for _, o := range outcomes {
				if !o.Result.Established {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d tests failed", failed, len(outcomes))
			}
			return nil
		},
	}
}
