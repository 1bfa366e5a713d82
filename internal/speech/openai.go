package speech

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const (
	defaultOpenAITTSModel = "tts-1"
	defaultOpenAISTTModel = openai.Whisper1
)

// openAIService speaks through /audio/speech and transcribes with Whisper.
type openAIService struct {
	client *openai.Client
	model  string
	voice  string
}

func newOpenAI(vs VoiceService) *openAIService {
	cfg := openai.DefaultConfig(vs.APIKey)
	if vs.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(vs.BaseURL, "/") + "/v1"
	}
	cfg.HTTPClient = vs.HTTPClient
	return &openAIService{
		client: openai.NewClientWithConfig(cfg),
		model:  vs.Model,
		voice:  vs.Voice,
	}
}

// Synthesize returns MP3 audio.
func (s *openAIService) Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error) {
	model := s.model
	// Realtime and chat models cannot serve the speech endpoint.
	if model == "" || !strings.HasPrefix(model, "tts") {
		model = defaultOpenAITTSModel
	}
	voice := req.Voice
	if voice == "" {
		voice = s.voice
	}

	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(model),
		Input:          req.Text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, fmt.Errorf("openai speech: %w", err)
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read openai speech: %w", err)
	}
	return data, nil
}

// Transcribe sends the recording to Whisper.
func (s *openAIService) Transcribe(ctx context.Context, wav []byte) (string, error) {
	model := s.model
	if model == "" || strings.HasPrefix(model, "tts") {
		model = defaultOpenAISTTModel
	}
	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    model,
		FilePath: "recording.wav",
		Reader:   bytes.NewReader(wav),
	})
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	return resp.Text, nil
}
