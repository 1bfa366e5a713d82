// Package speech wraps the cloud text-to-speech and speech-to-text APIs
// used to produce call prompts and transcribe recordings.
package speech

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sebas/isip/internal/audio"
)

// Provider names a speech vendor.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderDeepgram   Provider = "deepgram"
	ProviderElevenLabs Provider = "elevenlabs"
)

// Capability is what a provider is used for.
type Capability string

const (
	CapabilityTTS Capability = "text-to-speech"
	CapabilitySTT Capability = "speech-to-text"
)

var capabilities = map[Provider]map[Capability]bool{
	ProviderOpenAI:     {CapabilityTTS: true, CapabilitySTT: true},
	ProviderDeepgram:   {CapabilitySTT: true},
	ProviderElevenLabs: {CapabilityTTS: true},
}

var apiKeyEnv = map[Provider]string{
	ProviderOpenAI:     "OPENAI_API_KEY",
	ProviderDeepgram:   "DEEPGRAM_API_KEY",
	ProviderElevenLabs: "ELEVENLABS_API_KEY",
}

// Supports reports whether p offers capability c.
func (p Provider) Supports(c Capability) bool {
	return capabilities[p][c]
}

// APIKeyEnv returns the environment variable holding p's API key.
func (p Provider) APIKeyEnv() string {
	return apiKeyEnv[p]
}

// ErrMissingAPIKey is wrapped by the ConfigError returned when no key is set.
var ErrMissingAPIKey = errors.New("API key required")

// ConfigError reports an unusable voice service configuration.
type ConfigError struct {
	Provider Provider
	Reason   string
	Err      error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("speech provider %q: %s", e.Provider, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// DefaultVoice is used when a TTS service does not name one.
const DefaultVoice = "alloy"

const defaultHTTPTimeout = 60 * time.Second

// VoiceService configures one provider for one capability.
type VoiceService struct {
	Provider Provider
	Model    string
	APIKey   string // falls back to the provider's environment variable
	Voice    string // TTS only
	BaseURL  string // overrides the provider endpoint

	HTTPClient *http.Client
	Getenv     func(string) string
}

func (vs VoiceService) resolve(c Capability) (VoiceService, error) {
	if _, known := capabilities[vs.Provider]; !known {
		return vs, &ConfigError{Provider: vs.Provider, Reason: "unsupported provider"}
	}
	if !vs.Provider.Supports(c) {
		return vs, &ConfigError{Provider: vs.Provider, Reason: "does not support " + string(c)}
	}
	if vs.Getenv == nil {
		vs.Getenv = os.Getenv
	}
	if vs.APIKey == "" {
		vs.APIKey = vs.Getenv(vs.Provider.APIKeyEnv())
	}
	if vs.APIKey == "" {
		return vs, &ConfigError{
			Provider: vs.Provider,
			Reason:   fmt.Sprintf("API key required; set %s or pass an API key", vs.Provider.APIKeyEnv()),
			Err:      ErrMissingAPIKey,
		}
	}
	if vs.Voice == "" {
		vs.Voice = DefaultVoice
	}
	if vs.HTTPClient == nil {
		vs.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return vs, nil
}

// SynthesisRequest asks for spoken audio.
type SynthesisRequest struct {
	Text       string
	Voice      string // overrides the service voice
	SampleRate int    // desired output rate; providers may ignore it
}

// Synthesizer turns text into encoded audio (MP3, WAV or raw PCM).
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error)
}

// Transcriber turns a WAV recording into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// NewSynthesizer returns the TTS client for vs, failing fast on an
// unsupported provider or missing key.
func NewSynthesizer(vs VoiceService) (Synthesizer, error) {
	vs, err := vs.resolve(CapabilityTTS)
	if err != nil {
		return nil, err
	}
	switch vs.Provider {
	case ProviderOpenAI:
		return newOpenAI(vs), nil
	case ProviderElevenLabs:
		return newElevenLabs(vs), nil
	}
	return nil, &ConfigError{Provider: vs.Provider, Reason: "no synthesizer"}
}

// NewTranscriber returns the STT client for vs.
func NewTranscriber(vs VoiceService) (Transcriber, error) {
	vs, err := vs.resolve(CapabilitySTT)
	if err != nil {
		return nil, err
	}
	switch vs.Provider {
	case ProviderOpenAI:
		return newOpenAI(vs), nil
	case ProviderDeepgram:
		return newDeepgram(vs), nil
	}
	return nil, &ConfigError{Provider: vs.Provider, Reason: "no transcriber"}
}

// SynthesizeToFile synthesizes text and writes it to path as an 8 kHz mono
// 16-bit WAV ready for playback into a call.
func SynthesizeToFile(ctx context.Context, s Synthesizer, text, voice, path string) error {
	data, err := s.Synthesize(ctx, SynthesisRequest{Text: text, Voice: voice, SampleRate: audio.TelephonyRate})
	if err != nil {
		return err
	}
	clip, err := audio.Decode(data)
	switch {
	case errors.Is(err, audio.ErrUnknownFormat):
		// Raw PCM responses carry no header; treat them as telephony-rate mono.
		clip = &audio.Clip{SampleRate: audio.TelephonyRate, Channels: 1, PCM: data}
	case err != nil:
		return fmt.Errorf("decode prompt audio: %w", err)
	}
	clip, err = audio.ToTelephony(clip)
	if err != nil {
		return fmt.Errorf("convert prompt audio: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create prompt dir: %w", err)
	}
	return audio.WriteWAVFile(path, clip)
}
