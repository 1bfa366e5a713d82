package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sebas/isip/internal/callsvc"
	"github.com/sebas/isip/internal/history"
)

const (
	defaultVoice      = "alloy"
	defaultListLimit  = 10
	transcriptPreview = 80
)

type makeCallInput struct {
	Phone   string  `json:"phone" jsonschema:"Phone number to call (E.164 format, e.g., +19999999999)"`
	Prompt  string  `json:"prompt" jsonschema:"Text to speak during the call (will be converted to audio via TTS)"`
	Timeout float64 `json:"timeout,omitempty" jsonschema:"Call timeout in seconds (default: the configured call timeout, 30 unless changed)"`
	Voice   string  `json:"voice,omitempty" jsonschema:"TTS voice to use (alloy, nova, shimmer, echo, fable, onyx)"`
}

type quickCallInput struct {
	Phone  string `json:"phone" jsonschema:"Phone number to call (E.164 format)"`
	Prompt string `json:"prompt" jsonschema:"What to say during the call"`
}

type listInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum number of recordings to return (default: 10)"`
}

type transcriptInput struct {
	CallID int64 `json:"call_id" jsonschema:"Call ID from list_recordings"`
}

func (s *Server) addTools() {
	sdk.AddTool(s.mcp, &sdk.Tool{
		Name: "make_call",
		Description: "Make a SIP phone call with TTS prompt and transcription. " +
			"Returns call duration, transcript, and recording info. " +
			"Use this for full-featured calls with custom configuration.",
		InputSchema: inputSchema[makeCallInput](map[string]any{"voice": defaultVoice}),
	}, s.makeCall)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name: "quick_call",
		Description: "Make a quick SIP call with minimal configuration. " +
			"Simpler than make_call, uses defaults for everything. " +
			"Perfect for simple test calls or quick messages.",
	}, s.quickCall)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name: "list_recordings",
		Description: "List recent call recordings made through this MCP server session. " +
			"Returns call ID, timestamp, phone number, duration, and transcript.",
		InputSchema: inputSchema[listInput](map[string]any{"limit": defaultListLimit}),
	}, s.listRecordings)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name: "get_transcript",
		Description: "Get the full transcript of a specific call by ID. " +
			"Use list_recordings first to get call IDs.",
	}, s.getTranscript)
}

// inputSchema infers the schema of T and sets property defaults, which the
// SDK applies before decoding arguments.
func inputSchema[T any](defaults map[string]any) *jsonschema.Schema {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		panic(fmt.Sprintf("input schema: %v", err))
	}
	for name, v := range defaults {
		raw, err := json.Marshal(v)
		if err != nil {
			panic(err)
		}
		schema.Properties[name].Default = raw
	}
	return schema
}

func (s *Server) makeCall(ctx context.Context, _ *sdk.CallToolRequest, in makeCallInput) (*sdk.CallToolResult, any, error) {
	voice := in.Voice
	if voice == "" {
		voice = defaultVoice
	}
	timeout, err := callsvc.TimeoutFromSeconds(in.Timeout)
	if err != nil {
		return textResult("Error making call: " + err.Error()), nil, nil
	}

	out, err := s.calls.MakeCall(ctx, callsvc.CallRequest{
		Phone:   in.Phone,
		Prompt:  in.Prompt,
		Voice:   voice,
		Timeout: timeout,
	})
	if err != nil {
		return textResult("Error making call: " + err.Error()), nil, nil
	}
	s.publish(out.Record)

	res := out.Result
	if res.Established {
		return textResult(fmt.Sprintf("✓ Call completed successfully!\n\n"+
			"Call ID: %d\nPhone: %s\nDuration: %.2f seconds\nRecording: %s\n\nTranscript:\n%s",
			out.Record.ID, in.Phone, res.Duration.Seconds(), orNone(res.Recording),
			orDefault(res.Transcript, "[No transcript available]"))), nil, nil
	}
	return textResult(fmt.Sprintf("✗ Call failed\n\nPhone: %s\nError: %s",
		in.Phone, orDefault(res.Error, "Unknown error"))), nil, nil
}

func (s *Server) quickCall(ctx context.Context, _ *sdk.CallToolRequest, in quickCallInput) (*sdk.CallToolResult, any, error) {
	out, err := s.calls.QuickCall(ctx, callsvc.QuickRequest{Phone: in.Phone, Prompt: in.Prompt})
	if err != nil {
		return textResult("Error: " + err.Error()), nil, nil
	}
	s.publish(out.Record)

	res := out.Result
	return textResult(fmt.Sprintf("✓ Quick call completed!\n\n"+
		"Call ID: %d\nEstablished: %t\nDuration: %.2fs\nResponse: %s",
		out.Record.ID, res.Established, res.Duration.Seconds(),
		orDefault(res.Transcript, "[No response]"))), nil, nil
}

func (s *Server) listRecordings(ctx context.Context, _ *sdk.CallToolRequest, in listInput) (*sdk.CallToolResult, any, error) {
	if in.Limit < 1 {
		return textResult("No recordings yet. Make a call first!"), nil, nil
	}
	recs, err := s.calls.List(ctx, in.Limit)
	if err != nil {
		return nil, nil, err
	}
	if len(recs) == 0 {
		return textResult("No recordings yet. Make a call first!"), nil, nil
	}

	lines := []string{"Recent Calls:\n"}
	for _, r := range recs {
		lines = append(lines, fmt.Sprintf("%s Call #%d - %s\n   Time: %s\n   Duration: %.2fs\n   Transcript: %s...\n",
			statusMark(r.Established), r.ID, r.Phone, r.Timestamp.Format(time.RFC3339),
			r.Duration.Seconds(), truncate(orDefault(r.Transcript, "[None]"), transcriptPreview)))
	}
	return textResult(strings.Join(lines, "\n")), nil, nil
}

func (s *Server) getTranscript(ctx context.Context, _ *sdk.CallToolRequest, in transcriptInput) (*sdk.CallToolResult, any, error) {
	r, err := s.calls.Get(ctx, in.CallID)
	if errors.Is(err, history.ErrNotFound) {
		return textResult(fmt.Sprintf("Call #%d not found", in.CallID)), nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	status := "✗ Failed"
	if r.Established {
		status = "✓ Connected"
	}
	return textResult(fmt.Sprintf("Call #%d Transcript\n%s\n\n"+
		"Phone: %s\nTime: %s\nDuration: %.2f seconds\nStatus: %s\n\n"+
		"You said:\n%s\n\nThey said:\n%s\n",
		r.ID, strings.Repeat("=", 60), r.Phone, r.Timestamp.Format(time.RFC3339),
		r.Duration.Seconds(), status, r.Prompt,
		orDefault(r.Transcript, "[No transcript available]"))), nil, nil
}

func textResult(text string) *sdk.CallToolResult {
	return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: text}}}
}

func statusMark(ok bool) string {
	if ok {
		return "✓"
	}
	return "✗"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func orNone(s string) string {
	return orDefault(s, "None")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
