package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// ErrUnknownFormat is returned when Decode cannot identify the container.
var ErrUnknownFormat = errors.New("unknown audio format")

// DecodeMP3 decodes an MP3 stream. go-mp3 always yields 16-bit stereo.
func DecodeMP3(r io.Reader) (*Clip, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("mp3 decoder: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("decode mp3: %w", err)
	}
	return &Clip{SampleRate: dec.SampleRate(), Channels: 2, PCM: pcm}, nil
}

// Decode sniffs WAV or MP3 data and returns the PCM clip.
func Decode(data []byte) (*Clip, error) {
	switch {
	case IsWAV(data):
		return ReadWAV(bytes.NewReader(data))
	case IsMP3(data):
		return DecodeMP3(bytes.NewReader(data))
	default:
		return nil, ErrUnknownFormat
	}
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// IsMP3 reports whether data starts with an ID3 tag or an MPEG frame sync.
func IsMP3(data []byte) bool {
	if len(data) >= 3 && string(data[0:3]) == "ID3" {
		return true
	}
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}
