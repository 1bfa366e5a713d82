package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

const wavHeaderSize = 44

// Clip is 16-bit little-endian interleaved PCM audio.
type Clip struct {
	SampleRate int
	Channels   int
	PCM        []byte
}

// Duration returns the playback length in seconds.
func (c *Clip) Duration() float64 {
	if c == nil || c.SampleRate == 0 || c.Channels == 0 {
		return 0
	}
	return float64(len(c.PCM)/2/c.Channels) / float64(c.SampleRate)
}

// ReadWAVFile parses a PCM WAV file.
func ReadWAVFile(path string) (*Clip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wav: %w", err)
	}
	return ReadWAV(bytes.NewReader(data))
}

// ReadWAV parses a RIFF/WAVE stream holding 16-bit PCM.
func ReadWAV(r io.ReadSeeker) (*Clip, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, errors.New("not a RIFF/WAVE stream")
	}

	clip := &Clip{}
	var bits uint16
	haveFmt := false
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("fmt chunk too short: %d", size)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			if format := binary.LittleEndian.Uint16(body[0:2]); format != 1 {
				return nil, fmt.Errorf("only PCM audio format (1) is supported, got %d", format)
			}
			clip.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			clip.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bits = binary.LittleEndian.Uint16(body[14:16])
			if bits != 16 {
				return nil, fmt.Errorf("only 16-bit samples are supported, got %d", bits)
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, errors.New("data chunk before fmt chunk")
			}
			// Recorders that were not closed leave a zero or oversized length.
			if size == 0 || size == 0xFFFFFFFF {
				pcm, err := io.ReadAll(r)
				if err != nil {
					return nil, fmt.Errorf("read audio data: %w", err)
				}
				clip.PCM = pcm[:len(pcm)-len(pcm)%2]
				return clip, nil
			}
			pcm := make([]byte, size)
			n, err := io.ReadFull(r, pcm)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("read audio data: %w", err)
			}
			clip.PCM = pcm[:n-n%2]
			return clip, nil

		default:
			skip := int64(size) + int64(size%2)
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skip chunk %q: %w", id, err)
			}
		}
	}
	return nil, errors.New("data chunk not found in WAV stream")
}

// EncodeWAV serialises a clip as a canonical 44-byte-header WAV.
func EncodeWAV(c *Clip) []byte {
	buf := make([]byte, wavHeaderSize+len(c.PCM))
	putWAVHeader(buf, c.SampleRate, c.Channels, len(c.PCM))
	copy(buf[wavHeaderSize:], c.PCM)
	return buf
}

// WriteWAVFile writes a clip to path.
func WriteWAVFile(path string, c *Clip) error {
	if err := os.WriteFile(path, EncodeWAV(c), 0o644); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

func putWAVHeader(buf []byte, sampleRate, channels, dataLen int) {
	blockAlign := channels * 2
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))
}

// WAVWriter streams PCM to a WAV file. The header is written on creation
// and its sizes are patched on Close, so the file exists from the start.
type WAVWriter struct {
	mu         sync.Mutex
	f          *os.File
	sampleRate int
	channels   int
	written    int
	closed     bool
}

// CreateWAV creates (or truncates) path and writes a placeholder header.
func CreateWAV(path string, sampleRate, channels int) (*WAVWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav: %w", err)
	}
	hdr := make([]byte, wavHeaderSize)
	putWAVHeader(hdr, sampleRate, channels, 0)
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	return &WAVWriter{f: f, sampleRate: sampleRate, channels: channels}, nil
}

// Write appends 16-bit PCM.
func (w *WAVWriter) Write(pcm []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, os.ErrClosed
	}
	n, err := w.f.Write(pcm)
	w.written += n
	return n, err
}

// Written returns the number of PCM bytes written so far.
func (w *WAVWriter) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Close patches the header sizes and closes the file. It is idempotent.
func (w *WAVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	hdr := make([]byte, wavHeaderSize)
	putWAVHeader(hdr, w.sampleRate, w.channels, w.written)
	if _, err := w.f.WriteAt(hdr, 0); err != nil {
		w.f.Close()
		return fmt.Errorf("patch wav header: %w", err)
	}
	return w.f.Close()
}
