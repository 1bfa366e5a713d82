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
	deepgramBaseURL      = "https://api.deepgram.com"
	defaultDeepgramModel = "nova-2"
)

type deepgram struct {
	http    *http.Client
	baseURL string
	apiKey  string
	model   string
}

func newDeepgram(vs VoiceService) *deepgram {
	base := vs.BaseURL
	if base == "" {
		base = deepgramBaseURL
	}
	model := vs.Model
	if model == "" {
		model = defaultDeepgramModel
	}
	return &deepgram{
		http:    vs.HTTPClient,
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  vs.APIKey,
		model:   model,
	}
}

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe posts the WAV to the pre-recorded listen endpoint.
func (d *deepgram) Transcribe(ctx context.Context, wav []byte) (string, error) {
	q := url.Values{}
	q.Set("model", d.model)
	q.Set("smart_format", "true")
	endpoint := d.baseURL + "/v1/listen?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(wav))
	if err != nil {
		return "", fmt.Errorf("deepgram request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := d.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("deepgram: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("deepgram: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out deepgramResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("deepgram: decode response: %w", err)
	}
	if len(out.Results.Channels) == 0 || len(out.Results.Channels[0].Alternatives) == 0 {
		return "", fmt.Errorf("deepgram: response has no transcript")
	}
	return out.Results.Channels[0].Alternatives[0].Transcript, nil
}
