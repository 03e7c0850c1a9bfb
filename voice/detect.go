package voice

const (
	detectFrameMs     = 20
	detectEnterLevel  = 0.015
	detectLeaveLevel  = 0.008
	detectEnterFrames = 3  // ~60ms of voice to enter speech
	detectLeaveFrames = 30 // ~600ms of quiet to leave it
	speechTickRatio   = 0.10
)

// speechDetector classifies 20 ms frames as speech or silence from RMS
// energy with hysteresis: entering speech takes a short loud burst,
// leaving it takes a much longer quiet stretch, so pauses between words
// do not flicker the state.
//
// Not safe for concurrent use; the Source serializes access under its
// lock.
type speechDetector struct {
	frameBytes int
	buf        []byte

	inSpeech bool
	enterRun int
	leaveRun int

	totalFrames  int
	speechFrames int
	tickTotal    int
	tickSpeech   int
}

func newSpeechDetector(sampleRate int) *speechDetector {
	return &speechDetector{frameBytes: sampleRate * detectFrameMs / 1000 * 2}
}

// process consumes PCM16LE and advances the detector one frame at a
// time. A partial frame carries over to the next call.
func (d *speechDetector) process(data []byte) {
	d.buf = append(d.buf, data...)
	for len(d.buf) >= d.frameBytes {
		frame := d.buf[:d.frameBytes]
		d.buf = d.buf[d.frameBytes:]
		d.step(rmsLevel(frame))
	}
}

func (d *speechDetector) step(level float64) {
	d.totalFrames++
	if d.inSpeech {
		if level < detectLeaveLevel {
			d.leaveRun++
			if d.leaveRun >= detectLeaveFrames {
				d.inSpeech = false
				d.leaveRun = 0
			}
		} else {
			d.leaveRun = 0
		}
	} else {
		if level >= detectEnterLevel {
			d.enterRun++
			if d.enterRun >= detectEnterFrames {
				d.inSpeech = true
				d.enterRun = 0
			}
		} else {
			d.enterRun = 0
		}
	}
	if d.inSpeech {
		d.speechFrames++
	}
}

// tickHadSpeech reports whether at least a tenth of the frames since
// the previous call fell inside speech.
func (d *speechDetector) tickHadSpeech() bool {
	t := d.totalFrames - d.tickTotal
	spoken := d.speechFrames - d.tickSpeech
	d.tickTotal, d.tickSpeech = d.totalFrames, d.speechFrames
	if t == 0 {
		return false
	}
	return float64(spoken)/float64(t) >= speechTickRatio
}
