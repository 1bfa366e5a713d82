package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	elevenLabsBaseURL      = "https://api.elevenlabs.io"
	defaultElevenLabsModel = "eleven_multilingual_v2"
	defaultElevenLabsVoice = "21m00Tcm4TlvDq8ikWAM"
	elevenLabsOutputFormat = "mp3_44100_128"
)

type elevenLabs struct {
	http    *http.Client
	baseURL string
	apiKey  string
	model   string
	voice   string
}

func newElevenLabs(vs VoiceService) *elevenLabs {
	base := vs.BaseURL
	if base == "" {
		base = elevenLabsBaseURL
	}
	model := vs.Model
	if model == "" {
		model = defaultElevenLabsModel
	}
	voice := vs.Voice
	if voice == DefaultVoice {
		voice = defaultElevenLabsVoice
	}
	return &elevenLabs{
		http:    vs.HTTPClient,
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  vs.APIKey,
		model:   model,
		voice:   voice,
	}
}

type elevenLabsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

// Synthesize returns MP3 audio for the request's voice ID.
func (e *elevenLabs) Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error) {
	voice := req.Voice
	if voice == "" {
		voice = e.voice
	}
	body, err := json.Marshal(elevenLabsRequest{Text: req.Text, ModelID: e.model})
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		e.baseURL, url.PathEscape(voice), elevenLabsOutputFormat)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", e.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")

	resp, err := e.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("elevenlabs: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read elevenlabs audio: %w", err)
	}
	return data, nil
}
