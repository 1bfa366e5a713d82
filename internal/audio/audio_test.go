package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func pcmOf(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestWAVFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	in := &Clip{SampleRate: 8000, Channels: 1, PCM: pcmOf(0, 1000, -1000, 32767)}
	if err := WriteWAVFile(path, in); err != nil {
		t.Fatal(err)
	}

	got, err := ReadWAVFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.SampleRate != 8000 || got.Channels != 1 {
		t.Errorf("unexpected format %d Hz / %d ch", got.SampleRate, got.Channels)
	}
	if !bytes.Equal(got.PCM, in.PCM) {
		t.Errorf("pcm mismatch")
	}
}

func TestReadWAVRejectsNonPCM(t *testing.T) {
	data := EncodeWAV(&Clip{SampleRate: 8000, Channels: 1, PCM: pcmOf(1)})
	binary.LittleEndian.PutUint16(data[20:22], 3) // IEEE float
	if _, err := ReadWAV(bytes.NewReader(data)); err == nil {
		t.Fatal("expected error for non-PCM format")
	}
}

func TestWAVWriterPatchesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.wav")
	w, err := CreateWAV(path, 8000, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file should exist right after create: %v", err)
	}
	if _, err := w.Write(pcmOf(1, 2, 3)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}

	clip, err := ReadWAVFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(clip.PCM) != 6 {
		t.Errorf("expected 6 pcm bytes, got %d", len(clip.PCM))
	}
}

func TestReadWAVUnclosedRecorder(t *testing.T) {
	data := EncodeWAV(&Clip{SampleRate: 8000, Channels: 1})
	data = append(data, pcmOf(5, 6)...)
	clip, err := ReadWAV(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if len(clip.PCM) != 4 {
		t.Errorf("expected trailing pcm to be read, got %d bytes", len(clip.PCM))
	}
}

func TestToTelephony(t *testing.T) {
	// 16 kHz stereo, 320 frames -> 8 kHz mono, 160 samples.
	frames := 320
	pcm := make([]byte, frames*4)
	for i := 0; i < frames; i++ {
		binary.LittleEndian.PutUint16(pcm[i*4:], uint16(int16(100)))
		binary.LittleEndian.PutUint16(pcm[i*4+2:], uint16(int16(300)))
	}
	out, err := ToTelephony(&Clip{SampleRate: 16000, Channels: 2, PCM: pcm})
	if err != nil {
		t.Fatal(err)
	}
	if out.SampleRate != TelephonyRate || out.Channels != 1 {
		t.Fatalf("unexpected format %d/%d", out.SampleRate, out.Channels)
	}
	if len(out.PCM) != 160*2 {
		t.Errorf("expected 160 samples, got %d", len(out.PCM)/2)
	}
	if s := int16(binary.LittleEndian.Uint16(out.PCM[10:])); s != 200 {
		t.Errorf("expected averaged sample 200, got %d", s)
	}
}

func TestDecodeSniffing(t *testing.T) {
	wav := EncodeWAV(&Clip{SampleRate: 8000, Channels: 1, PCM: pcmOf(7)})
	clip, err := Decode(wav)
	if err != nil {
		t.Fatalf("decode wav: %v", err)
	}
	if len(clip.PCM) != 2 {
		t.Errorf("unexpected pcm length %d", len(clip.PCM))
	}

	if !IsMP3([]byte("ID3\x04")) || !IsMP3([]byte{0xFF, 0xFB, 0x90}) {
		t.Error("mp3 signatures not recognised")
	}
	if _, err := Decode([]byte("hello")); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestCodecFramesAndLookup(t *testing.T) {
	c, ok := CodecByFormat("8")
	if !ok || c.Name != "PCMA" {
		t.Fatalf("expected PCMA for format 8, got %+v", c)
	}
	if _, ok := CodecByFormat("101"); ok {
		t.Error("telephone-event should not resolve to an audio codec")
	}

	frames := CodecPCMU.Frames(make([]byte, 400))
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if len(frames[1]) != CodecPCMU.PCMFrameBytes() {
		t.Errorf("last frame should be padded to %d bytes", CodecPCMU.PCMFrameBytes())
	}

	payload := CodecPCMU.Encode(frames[0])
	if len(payload) != CodecPCMU.SamplesPerFrame() {
		t.Errorf("expected %d payload bytes, got %d", CodecPCMU.SamplesPerFrame(), len(payload))
	}
	if back := CodecPCMU.Decode(payload); len(back) != len(frames[0]) {
		t.Errorf("decode length %d, want %d", len(back), len(frames[0]))
	}
}
