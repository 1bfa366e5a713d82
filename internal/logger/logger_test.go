package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" WARN ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHandlerFormatsAttrsAndFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	SetLevel("info")
	defer SetLevel("info")

	l := slog.New(NewHandler(&buf)).With("component", "session")
	l.Debug("hidden")
	l.Info("call placed", "uri", "sip:100@pbx.local")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record should be filtered, got %q", out)
	}
	if !strings.Contains(out, "[INFO] call placed component=session uri=sip:100@pbx.local") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestContextLogger(t *testing.T) {
	if From(context.Background()) != slog.Default() {
		t.Fatal("expected default logger when context has none")
	}
	l := slog.New(NewHandler())
	ctx := With(context.Background(), l)
	if From(ctx) != l {
		t.Fatal("expected logger stored in context")
	}
}

func TestJSONParsingWriter(t *testing.T) {
	var buf bytes.Buffer
	SetLevel("info")
	defer SetLevel("info")
	w := NewJSONParsingWriter(slog.New(NewHandler(&buf)))

	lines := `{"level":"debug","caller":"Server","time":"2026-01-02T15:04:05Z","message":"hidden"}
{"level":"warn","caller":"transport","time":"2026-01-02T15:04:05Z","port":5060,"addr":"10.0.0.1","message":"udp read failed"}
plain text line
`
	n, err := w.Write([]byte(lines))
	if err != nil || n != len(lines) {
		t.Fatalf("Write = %d, %v", n, err)
	}

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line should be filtered at info, got %q", out)
	}
	if !strings.Contains(out, "[WARN] udp read failed addr=10.0.0.1 port=5060\n") {
		t.Errorf("warn line not reformatted: %q", out)
	}
	if strings.Contains(out, "caller=") || strings.Contains(out, "time=") {
		t.Errorf("standard fields should be dropped: %q", out)
	}
	if !strings.Contains(out, "[INFO] plain text line") {
		t.Errorf("non-JSON line missing: %q", out)
	}
}

func TestInitSIPLoggerFollowsLevel(t *testing.T) {
	prevLogger, prevLevel := zlog.Logger, zerolog.GlobalLevel()
	defer func() {
		zlog.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
		SetLevel("info")
	}()

	var buf bytes.Buffer
	SetLevel("warn")
	InitSIPLogger(slog.New(NewHandler(&buf)), "warn")

	zlog.Info().Msg("received request")
	zlog.Warn().Str("method", "INVITE").Msg("transaction timed out")

	out := buf.String()
	if strings.Contains(out, "received request") {
		t.Errorf("info should be filtered at warn, got %q", out)
	}
	if !strings.Contains(out, "[WARN] transaction timed out method=INVITE") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestZerologLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"info":  zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"":      zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ZerologLevel(in); got != want {
			t.Errorf("ZerologLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
