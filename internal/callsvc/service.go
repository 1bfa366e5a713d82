// Package callsvc is the call service shared by the HTTP API and the MCP
// server: it resolves the target, gates concurrency, runs the orchestrator
// on a worker goroutine and appends the outcome to the call history.
package callsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sebas/isip/internal/callgate"
	"github.com/sebas/isip/internal/history"
	"github.com/sebas/isip/internal/metrics"
	"github.com/sebas/isip/internal/orchestrator"
	"github.com/sebas/isip/internal/speech"
	"github.com/sebas/isip/internal/target"
)

// ErrInvalidRequest wraps request validation failures.
var ErrInvalidRequest = errors.New("invalid call request")

// Quick-call defaults.
const (
	QuickTTSModel = "tts-1"
	QuickSTTModel = "nova-2"
)

// DefaultMaxTimeout caps requested call timeouts when Options sets no limit.
const DefaultMaxTimeout = 10 * time.Minute

// Largest number of seconds a time.Duration can hold.
const maxDurationSeconds = float64(math.MaxInt64 / int64(time.Second))

// CallRequest is a full-featured call.
type CallRequest struct {
	Phone   string
	Prompt  string
	Voice   string
	Timeout time.Duration
}

// QuickRequest is a call with services auto-configured from the environment.
type QuickRequest struct {
	Phone    string
	Prompt   string
	Gateway  string
	Username string
	Password string
}

// Outcome pairs the stored record with the orchestrator result.
type Outcome struct {
	Record history.Record
	Result orchestrator.Result
}

// Options configure a Service.
type Options struct {
	Orchestrator *orchestrator.Orchestrator
	History      history.Repository
	Gate         *callgate.Gate
	Metrics      *metrics.Metrics // optional
	Env          target.Env
	// LocalIP and LocalPort bind each call's SIP transport. Concurrent calls
	// take consecutive ports starting at LocalPort, one per gate slot.
	LocalIP   string
	LocalPort int
	// DefaultTimeout applies when a request sets no timeout; requests above
	// MaxTimeout are rejected.
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	// QuickServices builds the quick-call speech services. Defaults to
	// OpenAI tts-1 and Deepgram nova-2 with keys from Env.
	QuickServices func() (speech.Synthesizer, speech.Transcriber, error)
	Logger        *slog.Logger
}

// Service places calls and records them.
type Service struct {
	orch    *orchestrator.Orchestrator
	history history.Repository
	gate    *callgate.Gate
	metrics *metrics.Metrics
	env     target.Env
	localIP string
	ports   chan int
	log     *slog.Logger

	defaultTimeout time.Duration
	maxTimeout     time.Duration

	quickServices func() (speech.Synthesizer, speech.Transcriber, error)
	quickMu       sync.Mutex
	quick         *orchestrator.Orchestrator

	wg sync.WaitGroup
}

// New returns a Service. Only Orchestrator is required.
func New(opts Options) (*Service, error) {
	if opts.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if opts.History == nil {
		opts.History = history.NewMemoryRepo()
	}
	if opts.Gate == nil {
		opts.Gate = callgate.New(1)
	}
	if opts.Env == nil {
		opts.Env = func(string) string { return "" }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LocalPort <= 0 {
		opts.LocalPort = target.DefaultLocalPort
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = orchestrator.DefaultTimeout
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = max(DefaultMaxTimeout, opts.DefaultTimeout)
	}
	if opts.DefaultTimeout > opts.MaxTimeout {
		return nil, fmt.Errorf("default timeout %s exceeds max timeout %s", opts.DefaultTimeout, opts.MaxTimeout)
	}
	ports := make(chan int, opts.Gate.Limit())
	for i := 0; i < opts.Gate.Limit(); i++ {
		ports <- opts.LocalPort + i
	}
	s := &Service{
		orch:          opts.Orchestrator,
		history:       opts.History,
		gate:          opts.Gate,
		metrics:       opts.Metrics,
		env:           opts.Env,
		localIP:       opts.LocalIP,
		ports:         ports,
		log:            opts.Logger.With("component", "callsvc"),
		defaultTimeout: opts.DefaultTimeout,
		maxTimeout:     opts.MaxTimeout,
		quickServices:  opts.QuickServices,
	}
	if s.quickServices == nil {
		s.quickServices = s.envQuickServices
	}
	return s, nil
}

// MakeCall calls phone through the default gateway and speaks prompt.
func (s *Service) MakeCall(ctx context.Context, req CallRequest) (Outcome, error) {
	if err := validate(req.Phone, req.Prompt); err != nil {
		return Outcome{}, err
	}
	timeout, err := s.timeout(req.Timeout)
	if err != nil {
		return Outcome{}, err
	}
	tgt, err := target.Resolve(phoneURI(req.Phone, ""), target.Overrides{}, s.env)
	if err != nil {
		return Outcome{}, err
	}
	return s.run(ctx, s.orch, tgt, req.Phone, req.Prompt, orchestrator.Request{
		PromptText: req.Prompt,
		Voice:      req.Voice,
		Timeout:    timeout,
	})
}

// QuickCall places a call with OpenAI TTS and Deepgram STT configured from
// the environment. Gateway and credentials fall back to the environment.
func (s *Service) QuickCall(ctx context.Context, req QuickRequest) (Outcome, error) {
	if err := validate(req.Phone, req.Prompt); err != nil {
		return Outcome{}, err
	}
	tgt, err := target.Resolve(phoneURI(req.Phone, req.Gateway), target.Overrides{
		AuthUser:     req.Username,
		AuthPassword: req.Password,
	}, s.env)
	if err != nil {
		return Outcome{}, err
	}
	orch, err := s.quickOrchestrator()
	if err != nil {
		return Outcome{}, err
	}
	return s.run(ctx, orch, tgt, req.Phone, req.Prompt, orchestrator.Request{
		PromptText: req.Prompt,
		Timeout:    s.defaultTimeout,
	})
}

// MaxTimeout is the longest call a request may ask for.
func (s *Service) MaxTimeout() time.Duration {
	return s.maxTimeout
}

// List returns up to limit records, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]history.Record, error) {
	return s.history.List(ctx, limit)
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id int64) (history.Record, error) {
	return s.history.Get(ctx, id)
}

// Wait blocks until in-flight calls have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) run(ctx context.Context, orch *orchestrator.Orchestrator, tgt target.Target, phone, prompt string, req orchestrator.Request) (Outcome, error) {
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		if s.metrics != nil {
			s.metrics.CallsTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		}
		return Outcome{}, err
	}
	// The gate bounds in-flight calls to cap(s.ports), so a port is free.
	port := <-s.ports
	tgt.LocalPort = port
	if tgt.LocalIP == "" {
		tgt.LocalIP = s.localIP
	}

	log := s.log.With("phone", phone, "gateway", tgt.Gateway, "local_port", port)
	log.Info("[CallService] Placing call")

	// The call runs to completion even if the caller goes away, so the
	// engine is always torn down and the record always written.
	done := make(chan Outcome, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		defer func() { s.ports <- port }()

		if s.metrics != nil {
			s.metrics.ActiveCalls.Inc()
			defer s.metrics.ActiveCalls.Dec()
		}

		res := orch.Call(context.WithoutCancel(ctx), tgt, req)
		s.observe(res)

		rec, err := s.history.Add(context.WithoutCancel(ctx), history.Record{
			Phone:         phone,
			Prompt:        prompt,
			Duration:      res.Duration,
			Established:   res.Established,
			Transcript:    res.Transcript,
			RecordingPath: res.Recording,
			PromptPath:    res.PromptFile,
			Error:         res.Error,
		})
		if err != nil {
			log.Error("[CallService] Failed to record call", "error", err)
		}
		log.Info("[CallService] Call recorded", "id", rec.ID, "established", res.Established)
		done <- Outcome{Record: rec, Result: res}
	}()

	select {
	case out := <-done:
		return out, nil
	case <-ctx.Done():
		return Outcome{}, fmt.Errorf("call still running: %w", ctx.Err())
	}
}

func (s *Service) observe(res orchestrator.Result) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveCall(res.Established, res.Duration)
	switch {
	case res.Transcript == "":
	case res.Transcript == orchestrator.TranscriptNotConfigured:
		s.metrics.ObserveTranscript("unconfigured")
	case strings.HasPrefix(res.Transcript, orchestrator.TranscriptFailedPrefix):
		s.metrics.ObserveTranscript("failed")
	default:
		s.metrics.ObserveTranscript("ok")
	}
}

func (s *Service) quickOrchestrator() (*orchestrator.Orchestrator, error) {
	s.quickMu.Lock()
	defer s.quickMu.Unlock()
	if s.quick != nil {
		return s.quick, nil
	}
	synth, tr, err := s.quickServices()
	if err != nil {
		return nil, err
	}
	s.quick = s.orch.WithServices(synth, tr)
	return s.quick, nil
}

func (s *Service) envQuickServices() (speech.Synthesizer, speech.Transcriber, error) {
	synth, err := speech.NewSynthesizer(speech.VoiceService{
		Provider: speech.ProviderOpenAI,
		Model:    QuickTTSModel,
		Getenv:   s.env,
	})
	if err != nil {
		return nil, nil, err
	}
	tr, err := speech.NewTranscriber(speech.VoiceService{
		Provider: speech.ProviderDeepgram,
		Model:    QuickSTTModel,
		Getenv:   s.env,
	})
	if err != nil {
		return nil, nil, err
	}
	return synth, tr, nil
}

func (s *Service) timeout(d time.Duration) (time.Duration, error) {
	switch {
	case d < 0:
		return 0, fmt.Errorf("%w: timeout must not be negative", ErrInvalidRequest)
	case d == 0:
		return s.defaultTimeout, nil
	case d > s.maxTimeout:
		return 0, fmt.Errorf("%w: timeout %s exceeds the %s limit", ErrInvalidRequest, d, s.maxTimeout)
	}
	return d, nil
}

// TimeoutFromSeconds converts a client-supplied timeout in seconds. Zero
// means the service default.
func TimeoutFromSeconds(sec float64) (time.Duration, error) {
	if math.IsNaN(sec) || sec < 0 {
		return 0, fmt.Errorf("%w: timeout must be a non-negative number of seconds", ErrInvalidRequest)
	}
	if sec > maxDurationSeconds {
		return 0, fmt.Errorf("%w: timeout of %g seconds is out of range", ErrInvalidRequest, sec)
	}
	return time.Duration(sec * float64(time.Second)), nil
}

func validate(phone, prompt string) error {
	if strings.TrimSpace(phone) == "" {
		return fmt.Errorf("%w: phone is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	return nil
}

// phoneURI builds the target descriptor. An empty gateway leaves the domain
// to be resolved from the environment.
func phoneURI(phone, gateway string) string {
	return "sip:" + strings.TrimSpace(phone) + "@" + strings.TrimSpace(gateway)
}
