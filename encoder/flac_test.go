package encoder

import (
	"encoding/binary"
	"math"
	"testing"
)

// two seconds of 440 Hz sine, the kind of signal a capture session produces
func sinePCM(seconds float64) []byte {
	n := int(float64(SampleRate) * seconds)
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		t := float64(i) / float64(SampleRate)
		s := int16(math.Sin(2*math.Pi*440*t) * 0.5 * 32767)
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

func TestFlacEncoder(t *testing.T) {
	samples := SamplesFromPCM(sinePCM(2.0))

	enc, err := NewFlac()
	if err != nil {
		t.Fatalf("NewFlac: %v", err)
	}

	var totalFed uint64
	for i := 0; i < len(samples); i += BlockSize {
		end := i + BlockSize
		if end > len(samples) {
			end = len(samples)
		}
		block := samples[i:end]
		if err := enc.EncodeBlock(block); err != nil {
			t.Fatalf("EncodeBlock at offset %d: %v", i, err)
		}
		totalFed += uint64(len(block))
	}

	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if enc.TotalFrames() != totalFed {
		t.Errorf("TotalFrames = %d, want %d", enc.TotalFrames(), totalFed)
	}

	flacData := enc.Bytes()
	if len(flacData) < 4 || string(flacData[:4]) != "fLaC" {
		t.Fatal("output does not start with FLAC magic")
	}

	rawSize := len(samples) * 2
	t.Logf("Raw: %d bytes, FLAC: %d bytes (%.1f%% compression)",
		rawSize, len(flacData), (1-float64(len(flacData))/float64(rawSize))*100)
}

func TestFlacEncoderEmpty(t *testing.T) {
	enc, err := NewFlac()
	if err != nil {
		t.Fatalf("NewFlac: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if enc.TotalFrames() != 0 {
		t.Errorf("TotalFrames = %d, want 0", enc.TotalFrames())
	}
	flacData := enc.Bytes()
	if len(flacData) < 4 || string(flacData[:4]) != "fLaC" {
		t.Fatal("empty stream should still carry the FLAC header")
	}
}

func TestEncodeAll(t *testing.T) {
	pcm := sinePCM(0.5)

	enc, err := NewFlac()
	if err != nil {
		t.Fatalf("NewFlac: %v", err)
	}
	if err := EncodeAll(enc, pcm); err != nil {
		t.Fatalf("EncodeAll: %v", err)
	}
	if got, want := enc.TotalFrames(), uint64(len(pcm)/2); got != want {
		t.Errorf("TotalFrames = %d, want %d", got, want)
	}
}

func TestSamplesFromPCMOddTail(t *testing.T) {
	samples := SamplesFromPCM([]byte{0x01, 0x02, 0x03})
	if len(samples) != 1 {
		t.Fatalf("len = %d, want 1 (odd trailing byte ignored)", len(samples))
	}
	if samples[0] != 0x0201 {
		t.Errorf("sample = %#x, want 0x0201 (little-endian)", samples[0])
	}
}
