// Package beep plays short audible cues for capture start/end and
// errors. Playback is fire-and-forget; a machine with no output device
// stays silent rather than failing.
package beep

var disabled bool

// Disable turns all cues off. Used by tests and -fake mode.
func Disable() { disabled = true }

const (
	sampleRate = 44100

	// Start beep: high pitch, short
	startFreq   = 1200
	startVolume = 0.5
	startDecay  = 60

	// End beep: medium pitch, slightly longer
	endFreq   = 900
	endVolume = 0.5
	endDecay  = 40

	// Error beep: low pitch double-beep
	errorFreq   = 350
	errorVolume = 0.6
	errorDecay  = 30
)
