package audio

import (
	"strconv"
	"time"

	"github.com/zaf/g711"
)

// Codec describes a G.711 audio codec carried over RTP.
type Codec struct {
	Name        string        // rtpmap encoding name
	PayloadType uint8         // static RTP payload type
	SampleRate  uint32        // clock rate in Hz
	SampleDur   time.Duration // packetisation interval
	encode      func([]byte) []byte
	decode      func([]byte) []byte
}

// Supported codecs, in offer order.
var (
	// CodecPCMU is G.711 µ-law.
	CodecPCMU = Codec{"PCMU", 0, 8000, 20 * time.Millisecond, g711.EncodeUlaw, g711.DecodeUlaw}
	// CodecPCMA is G.711 A-law.
	CodecPCMA = Codec{"PCMA", 8, 8000, 20 * time.Millisecond, g711.EncodeAlaw, g711.DecodeAlaw}
)

// Codecs returns the supported codecs in preference order.
func Codecs() []Codec {
	return []Codec{CodecPCMU, CodecPCMA}
}

// CodecByPayloadType looks up a codec by RTP payload type.
func CodecByPayloadType(pt uint8) (Codec, bool) {
	for _, c := range Codecs() {
		if c.PayloadType == pt {
			return c, true
		}
	}
	return Codec{}, false
}

// CodecByFormat looks up a codec by SDP format string ("0", "8").
func CodecByFormat(format string) (Codec, bool) {
	pt, err := strconv.Atoi(format)
	if err != nil || pt < 0 || pt > 127 {
		return Codec{}, false
	}
	return CodecByPayloadType(uint8(pt))
}

// Format returns the SDP format string for the codec.
func (c Codec) Format() string {
	return strconv.Itoa(int(c.PayloadType))
}

// SamplesPerFrame returns the number of samples in one frame (160 at 8 kHz / 20 ms).
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.SampleDur) / int(time.Second)
}

// TimestampIncrement returns the RTP timestamp increment per frame.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}

// PCMFrameBytes returns the size of one frame of 16-bit PCM.
func (c Codec) PCMFrameBytes() int {
	return c.SamplesPerFrame() * 2
}

// Encode converts 16-bit PCM to the codec payload.
func (c Codec) Encode(pcm []byte) []byte {
	return c.encode(pcm)
}

// Decode converts a codec payload to 16-bit PCM.
func (c Codec) Decode(payload []byte) []byte {
	return c.decode(payload)
}

// Frames splits 16-bit PCM into codec-sized frames, padding the last with silence.
func (c Codec) Frames(pcm []byte) [][]byte {
	size := c.PCMFrameBytes()
	if size == 0 || len(pcm) == 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(pcm)+size-1)/size)
	for off := 0; off < len(pcm); off += size {
		end := off + size
		if end <= len(pcm) {
			frames = append(frames, pcm[off:end])
			continue
		}
		last := make([]byte, size)
		copy(last, pcm[off:])
		frames = append(frames, last)
	}
	return frames
}
