// Package suite runs a file of call scenarios through one engine and
// reports PASS/FAIL per test.
package suite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sebas/isip/internal/orchestrator"
	"github.com/sebas/isip/internal/session"
	"github.com/sebas/isip/internal/speech"
)

// Suite is the file format. JSON files parse as YAML.
type Suite struct {
	Phone string `yaml:"phone"`
	Tests []Test `yaml:"tests"`
}

// Test is one scenario in a suite.
type Test struct {
	Name       string `yaml:"name"`
	Phone      string `yaml:"phone"`
	Prompt     string `yaml:"prompt"`
	PromptFile string `yaml:"prompt_file"`
}

// Load reads and validates a suite file.
func Load(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suite: %w", err)
	}
	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse suite %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks every test has a name and a phone.
func (s *Suite) Validate() error {
	if len(s.Tests) == 0 {
		return errors.New("suite has no tests")
	}
	var errs []error
	for i, t := range s.Tests {
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("test %d missing name", i+1))
			continue
		}
		if t.Phone == "" && s.Phone == "" {
			errs = append(errs, fmt.Errorf("test %s missing phone number", t.Name))
		}
	}
	return errors.Join(errs...)
}

// ScenarioRunner places one scenario; session.Client implements it.
type ScenarioRunner interface {
	Run(ctx context.Context, sc session.Scenario) (session.Result, error)
}

// Runner runs every test of a suite through one client.
type Runner struct {
	Client      ScenarioRunner
	Synthesizer speech.Synthesizer // optional; prompts are synthesized into PromptDir
	Transcriber speech.Transcriber // optional
	PromptDir   string
	OutputDir   string
	Timeout     time.Duration
	Out         io.Writer
	Logger      *slog.Logger
}

// Outcome is the result of one test.
type Outcome struct {
	Name       string
	Result     session.Result
	Transcript string
}

// Run executes the tests in order. It stops early only when the client
// reports an error; failed calls are reported and the suite continues.
func (r *Runner) Run(ctx context.Context, s *Suite) ([]Outcome, error) {
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(r.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	var out []Outcome
	for _, t := range s.Tests {
		phone := t.Phone
		if phone == "" {
			phone = s.Phone
		}

		promptFile := r.promptFor(ctx, t, log)
		if promptFile != "" {
			if _, err := os.Stat(promptFile); err != nil {
				promptFile = ""
			}
		}

		res, err := r.Client.Run(ctx, session.Scenario{
			Phone:      phone,
			PromptFile: promptFile,
			RecordFile: filepath.Join(r.OutputDir, t.Name+"_response.wav"),
			Timeout:    r.Timeout,
		})
		if err != nil {
			return out, fmt.Errorf("test %s: %w", t.Name, err)
		}

		o := Outcome{Name: t.Name, Result: res}
		o.Transcript = Report(ctx, r.Out, t.Name, res, r.Transcriber)
		out = append(out, o)
	}
	return out, nil
}

func (r *Runner) promptFor(ctx context.Context, t Test, log *slog.Logger) string {
	if r.PromptDir == "" {
		if t.PromptFile != "" {
			return t.PromptFile
		}
		return "prompt.wav"
	}
	path := filepath.Join(r.PromptDir, t.Name+".wav")
	if r.Synthesizer != nil && t.Prompt != "" {
		if err := speech.SynthesizeToFile(ctx, r.Synthesizer, t.Prompt, "", path); err != nil {
			log.Warn("[Suite] Prompt synthesis failed", "test", t.Name, "error", err)
		}
	}
	return path
}

// Report prints "[label] PASS|FAIL duration=… recording=…" and, when a
// recording and transcriber exist, the transcript line. It returns the
// transcript, if any.
func Report(ctx context.Context, w io.Writer, label string, res session.Result, tr speech.Transcriber) string {
	if w == nil {
		w = io.Discard
	}
	status := "FAIL"
	if res.Established {
		status = "PASS"
	}
	recording := res.Recording
	if recording == "" {
		recording = "None"
	}
	fmt.Fprintf(w, "[%s] %s duration=%.1fs recording=%s\n", label, status, res.Duration.Seconds(), recording)

	if res.Recording == "" || tr == nil {
		return ""
	}
	data, err := os.ReadFile(res.Recording)
	if err != nil {
		fmt.Fprintf(w, "[%s] transcript: %s\n", label, orchestrator.TranscriptFailed(err))
		return ""
	}
	text, err := tr.Transcribe(ctx, data)
	if err != nil {
		text = orchestrator.TranscriptFailed(err)
	}
	fmt.Fprintf(w, "[%s] transcript: %s\n", label, text)
	return text
}
