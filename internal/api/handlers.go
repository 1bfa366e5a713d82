// Package api is the HTTP front end: place calls and read the call history.
package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sebas/isip/internal/callgate"
	"github.com/sebas/isip/internal/callsvc"
	"github.com/sebas/isip/internal/history"
	"github.com/sebas/isip/internal/logger"
	"github.com/sebas/isip/internal/speech"
	"github.com/sebas/isip/internal/target"
)

const (
	defaultListLimit = 10
	maxListLimit     = 100
	noTranscript     = "[No transcript available]"
)

// CallService is what the handlers need from callsvc.
type CallService interface {
	MakeCall(ctx context.Context, req callsvc.CallRequest) (callsvc.Outcome, error)
	QuickCall(ctx context.Context, req callsvc.QuickRequest) (callsvc.Outcome, error)
	List(ctx context.Context, limit int) ([]history.Record, error)
	Get(ctx context.Context, id int64) (history.Record, error)
}

// Handlers groups the HTTP handlers. Keep them thin: parse, call the
// service, render JSON.
type Handlers struct {
	Calls CallService
}

type makeCallRequest struct {
	Phone          string  `json:"phone"`
	Prompt         string  `json:"prompt"`
	Voice          string  `json:"voice,omitempty"`
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
}

type quickCallRequest struct {
	Phone    string `json:"phone"`
	Prompt   string `json:"prompt"`
	Gateway  string `json:"gateway,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type callResponse struct {
	ID              int64     `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	Phone           string    `json:"phone"`
	Prompt          string    `json:"prompt"`
	Established     bool      `json:"established"`
	DurationSeconds float64   `json:"duration_seconds"`
	Transcript      string    `json:"transcript,omitempty"`
	RecordingPath   string    `json:"recording_path,omitempty"`
	PromptPath      string    `json:"prompt_path,omitempty"`
	Error           string    `json:"error,omitempty"`
}

func toResponse(r history.Record) callResponse {
	return callResponse{
		ID:              r.ID,
		Timestamp:       r.Timestamp,
		Phone:           r.Phone,
		Prompt:          r.Prompt,
		Established:     r.Established,
		DurationSeconds: r.Duration.Seconds(),
		Transcript:      r.Transcript,
		RecordingPath:   r.RecordingPath,
		PromptPath:      r.PromptPath,
		Error:           r.Error,
	}
}

func (h Handlers) MakeCall(c *gin.Context) {
	var req makeCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	timeout, err := callsvc.TimeoutFromSeconds(req.TimeoutSeconds)
	if err != nil {
		abortWithError(c, err)
		return
	}
	out, err := h.Calls.MakeCall(c.Request.Context(), callsvc.CallRequest{
		Phone:   req.Phone,
		Prompt:  req.Prompt,
		Voice:   req.Voice,
		Timeout: timeout,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(out.Record))
}

func (h Handlers) QuickCall(c *gin.Context) {
	var req quickCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	out, err := h.Calls.QuickCall(c.Request.Context(), callsvc.QuickRequest(req))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(out.Record))
}

func (h Handlers) ListCalls(c *gin.Context) {
	limit := defaultListLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}
	recs, err := h.Calls.List(c.Request.Context(), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	out := make([]callResponse, 0, len(recs))
	for _, r := range recs {
		out = append(out, toResponse(r))
	}
	c.JSON(http.StatusOK, gin.H{"calls": out})
}

func (h Handlers) GetCall(c *gin.Context) {
	rec, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toResponse(rec))
}

func (h Handlers) GetTranscript(c *gin.Context) {
	rec, ok := h.lookup(c)
	if !ok {
		return
	}
	text := rec.Transcript
	if text == "" {
		text = noTranscript
	}
	c.String(http.StatusOK, text)
}

func (h Handlers) GetRecording(c *gin.Context) {
	rec, ok := h.lookup(c)
	if !ok {
		return
	}
	if rec.RecordingPath == "" {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call has no recording"})
		return
	}
	if _, err := os.Stat(rec.RecordingPath); err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "recording file missing"})
		return
	}
	c.Header("Content-Type", "audio/wav")
	c.File(rec.RecordingPath)
}

func (h Handlers) lookup(c *gin.Context) (history.Record, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid call id"})
		return history.Record{}, false
	}
	rec, err := h.Calls.Get(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return history.Record{}, false
	}
	return rec, true
}

func abortWithError(c *gin.Context, err error) {
	var (
		fieldErr *target.FieldError
		cfgErr   *speech.ConfigError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, callsvc.ErrInvalidRequest), errors.As(err, &fieldErr):
		status = http.StatusBadRequest
	case errors.Is(err, history.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, callgate.ErrBusy):
		status = http.StatusTooManyRequests
	case errors.As(err, &cfgErr):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		logger.From(c.Request.Context()).Error("[API] Request failed", "error", err)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
