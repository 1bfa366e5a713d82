package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sebas/isip/internal/callgate"
	"github.com/sebas/isip/internal/callsvc"
	"github.com/sebas/isip/internal/config"
	"github.com/sebas/isip/internal/engine"
	"github.com/sebas/isip/internal/engine/sipua"
	"github.com/sebas/isip/internal/history"
	"github.com/sebas/isip/internal/metrics"
	"github.com/sebas/isip/internal/orchestrator"
	"github.com/sebas/isip/internal/session"
	"github.com/sebas/isip/internal/speech"
	"github.com/sebas/isip/internal/target"
)

const registerInterval = 100 * time.Millisecond

func sessionOptions(cfg *config.Config, log *slog.Logger) session.Options {
	return session.Options{
		Engine: engine.Config{
			LocalIP:    cfg.SIP.LocalIP,
			LocalPort:  cfg.SIP.LocalPort,
			UserAgent:  cfg.SIP.UserAgent,
			RTPPortMin: cfg.SIP.RTPPortMin,
			RTPPortMax: cfg.SIP.RTPPortMax,
			Logger:     log,
		},
		RegisterAttempts: int(cfg.SIP.RegisterWait / registerInterval),
		RegisterInterval: registerInterval,
		Logger:           log,
	}
}

// targetEnv prefers the process environment and falls back to config values.
func targetEnv(cfg *config.Config) target.Env {
	return target.Chain(os.Getenv, target.MapEnv(cfg.TargetEnv()))
}

func newSynthesizer(cfg *config.Config) (speech.Synthesizer, error) {
	return speech.NewSynthesizer(speech.VoiceService{
		Provider: speech.Provider(cfg.Voice.Provider),
		Model:    cfg.Voice.Model,
		Voice:    cfg.Voice.Voice,
		APIKey:   cfg.Voice.APIKey,
		BaseURL:  cfg.Voice.BaseURL,
	})
}

func newTranscriber(cfg *config.Config) (speech.Transcriber, error) {
	return speech.NewTranscriber(speech.VoiceService{
		Provider: speech.Provider(cfg.Transcription.Provider),
		Model:    cfg.Transcription.Model,
		APIKey:   cfg.Transcription.APIKey,
		BaseURL:  cfg.Transcription.BaseURL,
	})
}

// optionalServices builds whichever speech services are configured. A
// missing API key disables the service; any other error is returned.
func optionalServices(cfg *config.Config, log *slog.Logger) (speech.Synthesizer, speech.Transcriber, error) {
	synth, err := newSynthesizer(cfg)
	if err != nil {
		if !errors.Is(err, speech.ErrMissingAPIKey) {
			return nil, nil, fmt.Errorf("voice service: %w", err)
		}
		log.Warn("Text-to-speech disabled", "reason", err)
	}
	tr, err := newTranscriber(cfg)
	if err != nil {
		if !errors.Is(err, speech.ErrMissingAPIKey) {
			return nil, nil, fmt.Errorf("transcription service: %w", err)
		}
		log.Warn("Transcription disabled", "reason", err)
	}
	return synth, tr, nil
}

// stack is everything the serve and mcp commands share.
type stack struct {
	svc     *callsvc.Service
	metrics *metrics.Metrics
	orch    *orchestrator.Orchestrator
	history string
	gate    string
	closers []func()
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func buildStack(ctx context.Context, cfg *config.Config, log *slog.Logger) (*stack, error) {
	st := &stack{metrics: metrics.New()}

	synth, tr, err := optionalServices(cfg, log)
	if err != nil {
		return nil, err
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Synthesizer: synth,
		Transcriber: tr,
		OutputDir:   cfg.OutputDir,
		Engine:      sipua.New,
		Session:     sessionOptions(cfg, log),
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	st.orch = orch

	var repo history.Repository = history.NewMemoryRepo()
	st.history = "memory"
	if cfg.Postgres.DSN != "" {
		pool, err := history.OpenPostgres(ctx, cfg.Postgres.DSN, history.PoolConfig{})
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, pool.Close)
		pg, err := history.NewPostgresRepo(ctx, pool)
		if err != nil {
			st.Close()
			return nil, err
		}
		repo = pg
		st.history = "postgres"
	}

	gateOpts := []callgate.Option{callgate.WithLogger(log)}
	st.gate = fmt.Sprintf("local(%d)", cfg.Calls.MaxConcurrent)
	if cfg.Redis.Addr != "" {
		rdb, err := callgate.OpenRedis(ctx, callgate.RedisConfig{Addr: cfg.Redis.Addr})
		if err != nil {
			st.Close()
			return nil, err
		}
		st.closers = append(st.closers, func() { _ = rdb.Close() })
		gateOpts = append(gateOpts, callgate.WithRedis(rdb, cfg.Redis.CapKey, cfg.Calls.MaxConcurrent, cfg.Redis.CapTTL))
		st.gate += fmt.Sprintf(" + redis %s", cfg.Redis.Addr)
	}

	svc, err := callsvc.New(callsvc.Options{
		Orchestrator:   orch,
		History:        repo,
		Gate:           callgate.New(cfg.Calls.MaxConcurrent, gateOpts...),
		Metrics:        st.metrics,
		Env:            targetEnv(cfg),
		LocalIP:        cfg.SIP.LocalIP,
		LocalPort:      cfg.SIP.LocalPort,
		DefaultTimeout: cfg.Calls.Timeout,
		MaxTimeout:     cfg.Calls.MaxTimeout,
		Logger:         log,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	st.svc = svc
	st.closers = append(st.closers, svc.Wait)
	return st, nil
}
