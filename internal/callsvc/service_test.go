package callsvc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sebas/isip/internal/audio"
	"github.com/sebas/isip/internal/engine/enginetest"
	"github.com/sebas/isip/internal/history"
	"github.com/sebas/isip/internal/metrics"
	"github.com/sebas/isip/internal/orchestrator"
	"github.com/sebas/isip/internal/session"
	"github.com/sebas/isip/internal/speech"
	"github.com/sebas/isip/internal/target"
)

type fakeSynth struct{}

func (fakeSynth) Synthesize(context.Context, speech.SynthesisRequest) ([]byte, error) {
	return audio.EncodeWAV(&audio.Clip{SampleRate: 8000, Channels: 1, PCM: make([]byte, 800)}), nil
}

type fakeTranscriber string

func (f fakeTranscriber) Transcribe(context.Context, []byte) (string, error) { return string(f), nil }

var testEnv = target.MapEnv(map[string]string{
	"SIP_GATEWAY":  "gw.test",
	"SIP_USERNAME": "u",
	"SIP_PASSWORD": "p",
})

func newTestService(t *testing.T, env target.Env, quick func() (speech.Synthesizer, speech.Transcriber, error)) (*Service, *enginetest.Factory, *metrics.Metrics) {
	t.Helper()
	return newTestServiceWith(t, env, quick, nil)
}

func newTestServiceWith(t *testing.T, env target.Env, quick func() (speech.Synthesizer, speech.Transcriber, error), tune func(*Options)) (*Service, *enginetest.Factory, *metrics.Metrics) {
	t.Helper()
	clock := enginetest.NewClock()
	factory := &enginetest.Factory{Clock: clock, Script: enginetest.Script{Steps: enginetest.Answered(time.Second, 3*time.Second)}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch, err := orchestrator.New(orchestrator.Options{
		Synthesizer: fakeSynth{},
		Transcriber: fakeTranscriber("hello back"),
		OutputDir:   filepath.Join(t.TempDir(), "out"),
		Engine:      factory.New,
		Session:     session.Options{Now: clock.Now},
		Logger:      logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	m := metrics.New()
	opts := Options{
		Orchestrator:  orch,
		History:       history.NewMemoryRepo(),
		Metrics:       m,
		Env:           env,
		QuickServices: quick,
		Logger:        logger,
	}
	if tune != nil {
		tune(&opts)
	}
	svc, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return svc, factory, m
}

func TestMakeCallRecordsHistory(t *testing.T) {
	svc, factory, m := newTestService(t, testEnv, nil)
	ctx := context.Background()

	out, err := svc.MakeCall(ctx, CallRequest{Phone: "+19999999999", Prompt: "Hi there"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !out.Result.OK() {
		t.Fatalf("expected OK result, got %+v", out.Result)
	}
	if out.Record.ID != 1 || out.Record.Transcript != "hello back" || out.Record.Prompt != "Hi there" {
		t.Errorf("unexpected record %+v", out.Record)
	}
	if out.Record.Duration != 2*time.Second {
		t.Errorf("expected 2s duration, got %v", out.Record.Duration)
	}

	if cfg := factory.Engines()[0].Config(); cfg.LocalPort != target.DefaultLocalPort {
		t.Errorf("expected SIP port %d, got %d", target.DefaultLocalPort, cfg.LocalPort)
	}

	accounts := factory.Engines()[0].Accounts()
	if len(accounts) != 1 || accounts[0].ID != "sip:u@gw.test" {
		t.Errorf("expected account from env, got %+v", accounts)
	}

	recs, _ := svc.List(ctx, 10)
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if got := testutil.ToFloat64(m.CallsTotal.WithLabelValues(metrics.OutcomeEstablished)); got != 1 {
		t.Errorf("expected established counter 1, got %v", got)
	}
}

func TestMakeCallValidation(t *testing.T) {
	svc, factory, _ := newTestService(t, testEnv, nil)
	for _, req := range []CallRequest{{Prompt: "x"}, {Phone: "+1"}} {
		if _, err := svc.MakeCall(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%+v: expected ErrInvalidRequest, got %v", req, err)
		}
	}
	if len(factory.Engines()) != 0 {
		t.Error("invalid requests must not create engines")
	}
}

func TestMakeCallMissingCredentials(t *testing.T) {
	svc, _, _ := newTestService(t, target.MapEnv(map[string]string{"SIP_GATEWAY": "gw.test"}), nil)
	_, err := svc.MakeCall(context.Background(), CallRequest{Phone: "+1", Prompt: "x"})
	var fe *target.FieldError
	if !errors.As(err, &fe) || fe.Field != target.FieldAuthUser {
		t.Fatalf("expected auth_user field error, got %v", err)
	}
}

func TestQuickCallUsesOverridesAndQuickServices(t *testing.T) {
	built := 0
	quick := func() (speech.Synthesizer, speech.Transcriber, error) {
		built++
		return fakeSynth{}, fakeTranscriber("quick reply"), nil
	}
	svc, factory, _ := newTestService(t, target.MapEnv(nil), quick)

	for i := 0; i < 2; i++ {
		out, err := svc.QuickCall(context.Background(), QuickRequest{
			Phone: "+1555", Prompt: "Hello", Gateway: "other.gw", Username: "alice", Password: "pw",
		})
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		if out.Result.Transcript != "quick reply" {
			t.Errorf("expected quick transcriber, got %q", out.Result.Transcript)
		}
	}
	if built != 1 {
		t.Errorf("expected quick services built once, got %d", built)
	}
	if id := factory.Engines()[0].Accounts()[0].ID; id != "sip:alice@other.gw" {
		t.Errorf("unexpected account %s", id)
	}
}

func TestQuickCallMissingKeys(t *testing.T) {
	svc, _, _ := newTestService(t, testEnv, nil)
	_, err := svc.QuickCall(context.Background(), QuickRequest{Phone: "+1", Prompt: "x"})
	var cfgErr *speech.ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Provider != speech.ProviderOpenAI {
		t.Fatalf("expected openai config error, got %v", err)
	}
}

func TestGetUnknownRecord(t *testing.T) {
	svc, _, _ := newTestService(t, testEnv, nil)
	if _, err := svc.Get(context.Background(), 7); !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMakeCallTimeouts(t *testing.T) {
	svc, factory, _ := newTestServiceWith(t, testEnv, nil, func(o *Options) {
		o.DefaultTimeout = 5 * time.Second
		o.MaxTimeout = 20 * time.Second
	})
	factory.Script = enginetest.Script{Steps: enginetest.Answered(time.Second, time.Hour)}
	ctx := context.Background()

	out, err := svc.MakeCall(ctx, CallRequest{Phone: "+1", Prompt: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result.Duration != 4*time.Second {
		t.Errorf("expected the default 5s timeout, got duration %v", out.Result.Duration)
	}

	out, err = svc.MakeCall(ctx, CallRequest{Phone: "+1", Prompt: "x", Timeout: 20 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if out.Result.Duration != 19*time.Second {
		t.Errorf("expected the 20s limit to be allowed, got duration %v", out.Result.Duration)
	}

	for _, d := range []time.Duration{-time.Second, 21 * time.Second} {
		if _, err := svc.MakeCall(ctx, CallRequest{Phone: "+1", Prompt: "x", Timeout: d}); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%v: expected ErrInvalidRequest, got %v", d, err)
		}
	}
	if n := len(factory.Engines()); n != 2 {
		t.Errorf("rejected timeouts must not create engines, got %d engines", n)
	}
	if svc.MaxTimeout() != 20*time.Second {
		t.Errorf("unexpected max timeout %v", svc.MaxTimeout())
	}
}

func TestNewRejectsDefaultAboveMax(t *testing.T) {
	orch, err := orchestrator.New(orchestrator.Options{
		OutputDir: t.TempDir(),
		Engine:    (&enginetest.Factory{}).New,
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = New(Options{Orchestrator: orch, DefaultTimeout: time.Minute, MaxTimeout: time.Second})
	if err == nil || !strings.Contains(err.Error(), "exceeds max timeout") {
		t.Fatalf("expected a limit error, got %v", err)
	}
}

func TestTimeoutFromSeconds(t *testing.T) {
	tests := []struct {
		sec     float64
		want    time.Duration
		wantErr bool
	}{
		{sec: 0, want: 0},
		{sec: 1.5, want: 1500 * time.Millisecond},
		{sec: 600, want: 10 * time.Minute},
		{sec: -1, wantErr: true},
		{sec: math.NaN(), wantErr: true},
		{sec: math.Inf(1), wantErr: true},
		{sec: 1e300, wantErr: true},
	}
	for _, tt := range tests {
		got, err := TimeoutFromSeconds(tt.sec)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("%g: expected ErrInvalidRequest, got %v, %v", tt.sec, got, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%g: expected %v, got %v, %v", tt.sec, tt.want, got, err)
		}
	}
}

func TestObserveClassifiesTranscripts(t *testing.T) {
	svc, _, m := newTestService(t, testEnv, nil)
	for _, tr := range []string{
		"hello",
		orchestrator.TranscriptNotConfigured,
		orchestrator.TranscriptFailed(errors.New("quota exceeded")),
		"",
	} {
		svc.observe(orchestrator.Result{Established: true, Transcript: tr})
	}
	for label, want := range map[string]float64{"ok": 1, "unconfigured": 1, "failed": 1} {
		if got := testutil.ToFloat64(m.Transcriptions.WithLabelValues(label)); got != want {
			t.Errorf("%s: expected %v, got %v", label, want, got)
		}
	}
}
