package voice

import (
	"encoding/binary"
	"math"
	"testing"

	"parley/encoder"
)

func pcmConst(level float64, samples int) []byte {
	buf := make([]byte, samples*2)
	v := int16(level * 32767)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func TestRMSLevel(t *testing.T) {
	if got := rmsLevel(nil); got != 0 {
		t.Errorf("rmsLevel(nil) = %v, want 0", got)
	}
	if got := rmsLevel([]byte{0x01}); got != 0 {
		t.Errorf("rmsLevel(single byte) = %v, want 0", got)
	}
	if got := rmsLevel(pcmConst(0, 320)); got != 0 {
		t.Errorf("rmsLevel(silence) = %v, want 0", got)
	}
	if got := rmsLevel(pcmConst(0.5, 320)); math.Abs(got-0.5) > 0.001 {
		t.Errorf("rmsLevel(half scale) = %v, want ~0.5", got)
	}
	if got := rmsLevel(pcmConst(1.0, 320)); got < 0.999 || got > 1.0 {
		t.Errorf("rmsLevel(full scale) = %v, want ~1.0", got)
	}
}

func TestSpeechDetectorHysteresis(t *testing.T) {
	d := newSpeechDetector(encoder.SampleRate)
	frame := func(level float64) []byte { return pcmConst(level, d.frameBytes/2) }

	for i := 1; i < detectEnterFrames; i++ {
		d.process(frame(0.1))
		if d.inSpeech {
			t.Fatalf("entered speech after %d loud frames", i)
		}
	}
	d.process(frame(0.1))
	if !d.inSpeech {
		t.Fatalf("not in speech after %d loud frames", detectEnterFrames)
	}

	// a short pause does not leave speech
	for i := 0; i < detectLeaveFrames-1; i++ {
		d.process(frame(0))
	}
	if !d.inSpeech {
		t.Fatal("left speech during a short pause")
	}
	d.process(frame(0))
	if d.inSpeech {
		t.Fatal("still in speech after a long quiet stretch")
	}
}

func TestSpeechDetectorPartialFrames(t *testing.T) {
	d := newSpeechDetector(encoder.SampleRate)
	loud := pcmConst(0.1, d.frameBytes/2*detectEnterFrames)

	// deliver in odd-sized chunks; the detector reassembles frames
	for len(loud) > 0 {
		n := 100
		if n > len(loud) {
			n = len(loud)
		}
		d.process(loud[:n])
		loud = loud[n:]
	}
	if !d.inSpeech {
		t.Fatal("chunked delivery never entered speech")
	}
}

func TestTickHadSpeech(t *testing.T) {
	d := newSpeechDetector(encoder.SampleRate)
	frame := func(level float64) []byte { return pcmConst(level, d.frameBytes/2) }

	if d.tickHadSpeech() {
		t.Fatal("empty tick reported speech")
	}

	for i := 0; i < detectEnterFrames; i++ {
		d.process(frame(0.1))
	}
	if !d.tickHadSpeech() {
		t.Fatal("tick with speech reported silence")
	}

	// let the detector leave speech, then flush the counters
	for i := 0; i < detectLeaveFrames+5; i++ {
		d.process(frame(0))
	}
	d.tickHadSpeech()

	for i := 0; i < 20; i++ {
		d.process(frame(0))
	}
	if d.tickHadSpeech() {
		t.Fatal("fully quiet tick reported speech")
	}
}
