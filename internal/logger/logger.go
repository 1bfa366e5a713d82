package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

var (
	globalLevel  = slog.LevelInfo
	handlerMutex sync.RWMutex
)

// SetLevel sets the global log level
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	globalLevel = level
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()

	switch globalLevel {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseLevel parses a string to an slog level. Unknown values map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// lineHandler renders records as "[15:04:05] [INFO] msg k=v" to every output.
type lineHandler struct {
	outs  []io.Writer
	attrs []slog.Attr
	group string
	mu    *sync.Mutex
}

// Handle implements slog.Handler
func (h *lineHandler) Handle(_ context.Context, record slog.Record) error {
	if !h.Enabled(context.Background(), record.Level) {
		return nil
	}

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(record.Time.Format("15:04:05"))
	b.WriteString("] [")
	b.WriteString(strings.ToUpper(record.Level.String()))
	b.WriteString("] ")
	b.WriteString(record.Message)

	write := func(a slog.Attr) {
		if a.Equal(slog.Attr{}) {
			return
		}
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		b.WriteString(" ")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(a.Value.Resolve().String())
	}
	for _, a := range h.attrs {
		write(a)
	}
	record.Attrs(func(a slog.Attr) bool {
		write(a)
		return true
	})
	b.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, out := range h.outs {
		if out != nil {
			_, _ = io.WriteString(out, b.String())
		}
	}
	return nil
}

// WithAttrs implements slog.Handler
func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

// WithGroup implements slog.Handler
func (h *lineHandler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group != "" {
		name = next.group + "." + name
	}
	next.group = name
	return &next
}

// Enabled implements slog.Handler
func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return level >= globalLevel
}

// NewHandler returns the line handler writing to the given outputs.
func NewHandler(outputs ...io.Writer) slog.Handler {
	return &lineHandler{outs: outputs, mu: &sync.Mutex{}}
}

// InitLogger sets the global level and installs a default logger writing to outputs.
func InitLogger(level string, outputs ...io.Writer) *slog.Logger {
	SetLevel(level)
	l := slog.New(NewHandler(outputs...))
	slog.SetDefault(l)
	return l
}

// JSONParsingWriter converts the JSON lines zerolog writes for the SIP stack
// into records on a slog.Logger, so they share its format and level filter.
// Lines that are not JSON are logged as info messages.
type JSONParsingWriter struct {
	log *slog.Logger
}

// NewJSONParsingWriter returns a writer logging to l.
func NewJSONParsingWriter(l *slog.Logger) *JSONParsingWriter {
	return &JSONParsingWriter{log: l}
}

// Write implements io.Writer and parses JSON logs
func (w *JSONParsingWriter) Write(p []byte) (int, error) {
	for _, line := range bytes.Split(p, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			w.writeLine(line)
		}
	}
	return len(p), nil
}

func (w *JSONParsingWriter) writeLine(line []byte) {
	var entry map[string]any
	if line[0] != '{' || json.Unmarshal(line, &entry) != nil {
		w.log.Info(string(line))
		return
	}

	level := slog.LevelInfo
	if lv, ok := entry[zerolog.LevelFieldName]; ok {
		level = zerologToSlog(fmt.Sprint(lv))
	}
	message := "unknown"
	if msg, ok := entry[zerolog.MessageFieldName]; ok {
		message = fmt.Sprint(msg)
	}

	keys := make([]string, 0, len(entry))
	for k := range entry {
		switch k {
		case zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.TimestampFieldName, zerolog.CallerFieldName:
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	args := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, k, entry[k])
	}
	w.log.Log(context.Background(), level, message, args...)
}

func zerologToSlog(s string) slog.Level {
	switch s {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error", "fatal", "panic":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ZerologLevel maps a log level name to the zerolog level.
func ZerologLevel(s string) zerolog.Level {
	switch ParseLevel(s) {
	case slog.LevelDebug:
		return zerolog.DebugLevel
	case slog.LevelWarn:
		return zerolog.WarnLevel
	case slog.LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// InitSIPLogger points the global zerolog logger, which the SIP stack copies
// when its user agent is created, at l and filters it at level.
func InitSIPLogger(l *slog.Logger, level string) {
	zerolog.SetGlobalLevel(ZerologLevel(level))
	zlog.Logger = zerolog.New(NewJSONParsingWriter(l)).With().Timestamp().Logger()
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}
