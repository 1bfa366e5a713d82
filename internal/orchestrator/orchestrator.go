// Package orchestrator runs a complete AI voice call: prepare the prompt,
// place the call through a fresh engine, then transcribe the response.
// Every failure is folded into the Result.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sebas/isip/internal/engine"
	"github.com/sebas/isip/internal/session"
	"github.com/sebas/isip/internal/speech"
	"github.com/sebas/isip/internal/target"
)

const (
	// DefaultTimeout applies when a Request does not set one.
	DefaultTimeout = 30 * time.Second

	// TranscriptNotConfigured is the transcript of a call placed without a
	// transcriber.
	TranscriptNotConfigured = "[transcription service not configured]"
	// TranscriptFailedPrefix starts the transcript of a call whose
	// transcription returned an error.
	TranscriptFailedPrefix = "[transcription failed: "
)

// TranscriptFailed renders a transcription error as a transcript.
func TranscriptFailed(err error) string {
	return TranscriptFailedPrefix + err.Error() + "]"
}

// Request describes one call. PromptFile wins over PromptText.
type Request struct {
	PromptText string
	PromptFile string
	Voice      string
	Timeout    time.Duration
	Transcribe *bool // nil means true
}

func (r Request) transcribe() bool {
	return r.Transcribe == nil || *r.Transcribe
}

// Result is the outcome of Call.
type Result struct {
	Established bool
	Duration    time.Duration
	Recording   string
	Transcript  string
	PromptFile  string
	Status      int
	Reason      string
	Error       string
}

// OK reports whether the call connected without an error.
func (r Result) OK() bool {
	return r.Established && r.Error == ""
}

// Options configure an Orchestrator.
type Options struct {
	Synthesizer speech.Synthesizer // optional
	Transcriber speech.Transcriber // optional
	OutputDir   string
	Engine      engine.Factory
	Session     session.Options
	Logger      *slog.Logger
}

// Orchestrator places calls one engine per attempt.
type Orchestrator struct {
	synth       speech.Synthesizer
	transcriber speech.Transcriber
	outputDir   string
	newEngine   engine.Factory
	sessionOpts session.Options
	log         *slog.Logger

	// Shared by every Orchestrator derived with WithServices so artifact
	// names in outputDir never collide.
	counter *atomic.Int64
}

// New creates the output directory and returns an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine factory is required")
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "sippy_output"
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Session.Logger == nil {
		opts.Session.Logger = opts.Logger
	}
	return &Orchestrator{
		synth:       opts.Synthesizer,
		transcriber: opts.Transcriber,
		outputDir:   opts.OutputDir,
		newEngine:   opts.Engine,
		sessionOpts: opts.Session,
		log:         opts.Logger.With("component", "orchestrator"),
		counter:     new(atomic.Int64),
	}, nil
}

// WithServices returns an Orchestrator that uses s and t for speech but
// shares o's engine, output directory and call counter.
func (o *Orchestrator) WithServices(s speech.Synthesizer, t speech.Transcriber) *Orchestrator {
	return &Orchestrator{
		synth:       s,
		transcriber: t,
		outputDir:   o.outputDir,
		newEngine:   o.newEngine,
		sessionOpts: o.sessionOpts,
		log:         o.log,
		counter:     o.counter,
	}
}

// OutputDir returns where prompts and recordings are written.
func (o *Orchestrator) OutputDir() string {
	return o.outputDir
}

// Calls returns how many call attempts have been started.
func (o *Orchestrator) Calls() int64 {
	return o.counter.Load()
}

// Call runs one attempt against tgt. It never returns an error: failures
// are reported through Result.Error with Established=false.
func (o *Orchestrator) Call(ctx context.Context, tgt target.Target, req Request) Result {
	n := o.counter.Add(1)
	callID := fmt.Sprintf("call_%03d", n)
	log := o.log.With("call", callID, "phone", tgt.Phone)

	promptFile := req.PromptFile
	if req.PromptText != "" && promptFile == "" {
		if o.synth == nil {
			return Result{Error: "Voice service required for text-to-speech. Configure a voice service."}
		}
		promptFile = filepath.Join(o.outputDir, callID+"_prompt.wav")
		if err := speech.SynthesizeToFile(ctx, o.synth, req.PromptText, req.Voice, promptFile); err != nil {
			log.Warn("[Orchestrator] Prompt synthesis failed", "error", err)
			return Result{Error: fmt.Sprintf("Failed to synthesize prompt: %v", err)}
		}
		log.Info("[Orchestrator] Prompt synthesized", "path", promptFile)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	sc := session.Scenario{
		Phone:      tgt.Phone,
		PromptFile: promptFile,
		RecordFile: filepath.Join(o.outputDir, callID+"_response.wav"),
		Timeout:    timeout,
	}

	sres, err := o.runSession(ctx, tgt, sc)
	if err != nil {
		log.Warn("[Orchestrator] Call failed", "error", err)
		return Result{PromptFile: promptFile, Error: fmt.Sprintf("Call failed: %v", err)}
	}

	res := Result{
		Established: sres.Established,
		Duration:    sres.Duration,
		Recording:   sres.Recording,
		PromptFile:  promptFile,
		Status:      sres.Status,
		Reason:      sres.Reason,
	}
	if sres.Error != "" {
		res.Error = "Call failed: " + sres.Error
	}

	if req.transcribe() && res.Recording != "" {
		res.Transcript = o.transcribe(ctx, res.Recording, log)
	}

	log.Info("[Orchestrator] Call complete",
		"established", res.Established,
		"duration", res.Duration,
		"transcribed", res.Transcript != "",
	)
	return res
}

// runSession owns one engine for the attempt and always tears it down.
func (o *Orchestrator) runSession(ctx context.Context, tgt target.Target, sc session.Scenario) (res session.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()

	client := session.NewClient(o.newEngine(), tgt, o.sessionOpts)
	if err := client.Start(ctx); err != nil {
		return session.Result{}, err
	}
	defer func() {
		if stopErr := client.Stop(); stopErr != nil {
			o.log.Warn("[Orchestrator] Engine teardown failed", "error", stopErr)
		}
	}()
	return client.Run(ctx, sc)
}

func (o *Orchestrator) transcribe(ctx context.Context, path string, log *slog.Logger) string {
	data, err := os.ReadFile(path)
	if err != nil {
		// The recording vanished after the session checked it.
		return ""
	}
	if o.transcriber == nil {
		return TranscriptNotConfigured
	}
	text, err := o.transcriber.Transcribe(ctx, data)
	if err != nil {
		log.Warn("[Orchestrator] Transcription failed", "error", err)
		return TranscriptFailed(err)
	}
	return text
}
