package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/sebas/isip/internal/config"
	"github.com/sebas/isip/internal/logger"
)

const version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:    "isip",
		Usage:   "place outbound SIP calls that speak a prompt, record the answer and transcribe it",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML config file",
				Sources: cli.EnvVars("ISIP_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file loaded before reading the environment",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error (overrides config)",
			},
		},
		Commands: []*cli.Command{
			callCommand(),
			suiteCommand(),
			serveCommand(),
			mcpCommand(),
			tokenCommand(),
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("isip failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the dotenv file and config, then initializes logging for
// isip and the SIP stack.
// MCP mode logs to stderr because stdout carries the protocol.
func loadConfig(cmd *cli.Command, stderr bool) (*config.Config, *slog.Logger, error) {
	if err := config.LoadDotEnv(cmd.String("env-file")); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if lvl := cmd.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	out := os.Stdout
	if stderr {
		out = os.Stderr
	}
	log := logger.InitLogger(cfg.LogLevel, out)
	logger.InitSIPLogger(log, cfg.LogLevel)
	return cfg, log, nil
}
