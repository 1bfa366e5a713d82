package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
)

// TelephonyRate is the sample rate used on the wire and in artifacts.
const TelephonyRate = 8000

// ToMono averages interleaved channels into one.
func ToMono(c *Clip) (*Clip, error) {
	switch {
	case c.Channels == 1:
		return c, nil
	case c.Channels < 1:
		return nil, fmt.Errorf("unsupported number of channels: %d", c.Channels)
	}

	frameBytes := 2 * c.Channels
	frames := len(c.PCM) / frameBytes
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		var sum int32
		for ch := 0; ch < c.Channels; ch++ {
			off := i*frameBytes + ch*2
			sum += int32(int16(binary.LittleEndian.Uint16(c.PCM[off:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/int32(c.Channels))))
	}
	return &Clip{SampleRate: c.SampleRate, Channels: 1, PCM: out}, nil
}

// Resample converts mono PCM to the target rate by linear interpolation.
func Resample(c *Clip, targetRate int) (*Clip, error) {
	if c.Channels != 1 {
		return nil, fmt.Errorf("resample expects mono input, got %d channels", c.Channels)
	}
	if targetRate <= 0 || c.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", c.SampleRate, targetRate)
	}
	if c.SampleRate == targetRate {
		return c, nil
	}

	in := len(c.PCM) / 2
	if in == 0 {
		return &Clip{SampleRate: targetRate, Channels: 1}, nil
	}
	ratio := float64(c.SampleRate) / float64(targetRate)
	outSamples := int(float64(in) / ratio)
	out := make([]byte, outSamples*2)

	sample := func(i int) float64 {
		if i >= in {
			i = in - 1
		}
		return float64(int16(binary.LittleEndian.Uint16(c.PCM[i*2:])))
	}
	for i := 0; i < outSamples; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		v := sample(idx)*(1-frac) + sample(idx+1)*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}

	slog.Debug("[Audio] Resampled", "from", c.SampleRate, "to", targetRate, "samples", outSamples)
	return &Clip{SampleRate: targetRate, Channels: 1, PCM: out}, nil
}

// ToTelephony normalises a clip to 8 kHz mono 16-bit PCM.
func ToTelephony(c *Clip) (*Clip, error) {
	mono, err := ToMono(c)
	if err != nil {
		return nil, err
	}
	return Resample(mono, TelephonyRate)
}
