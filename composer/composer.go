// Package composer decides what the chat input line shows and when a
// spoken message may be sent. A Machine consumes capture and transcript
// events from the voice source and reduces them into a Snapshot the UI
// renders; it performs no I/O of its own. Everything the caller must do
// in response to an event comes back as an Effect, which keeps every
// transition deterministic and testable without timers or goroutines.
package composer

import (
	"strings"
	"time"
)

// Placeholder is shown while capture runs but the transcript is still
// too short to display.
const Placeholder = "Listening..."

const (
	// minWords is how many words a transcript needs before it is worth
	// showing, and later sending.
	minWords = 4
	// debounceDelay is how long the machine waits after capture ends
	// before deciding the transcript is ready. Recognizers keep revising
	// for a moment after the microphone closes; acting immediately would
	// flash the send control during natural pauses.
	debounceDelay = 300 * time.Millisecond
)

// Phase is the composer's coarse state.
type Phase int

const (
	// Idle: no capture session, empty composer.
	Idle Phase = iota
	// Listening: a capture session is running or still settling.
	Listening
	// Ready: the transcript passed the send gate; Send is valid.
	Ready
)

// Snapshot is the UI-facing view of the composer. It has a single
// writer (the Machine) and holds the invariant that ShowSend is never
// set while ShowProgress is, nor without a real transcript behind it.
type Snapshot struct {
	DisplayText  string
	WordCount    int
	ShowProgress bool
	ShowSend     bool
}

// Check asks the caller to deliver ReadyCheck(Gen) after Delay. The
// generation makes a superseded check harmless: the machine bumps it on
// every transition that invalidates pending evaluations.
type Check struct {
	Gen   int
	Delay time.Duration
}

// Effect is what a transition asks its caller to do. Zero means
// nothing. Send carries the outgoing message text when non-empty.
type Effect struct {
	Start       bool
	Stop        bool
	ClearSource bool
	Send        string
	Check       *Check
}

// Machine reduces capture signals into the composer Snapshot. Not safe
// for concurrent use; the UI loop owns it and feeds it events one at a
// time.
type Machine struct {
	snap       Snapshot
	phase      Phase
	capturing  bool
	transcript string
	checkGen   int
}

func New() *Machine { return &Machine{} }

// Snapshot returns the current UI-facing state.
func (m *Machine) Snapshot() Snapshot { return m.snap }

// Phase returns the coarse composer state.
func (m *Machine) Phase() Phase { return m.phase }

// WordCount reports the number of non-empty whitespace-separated
// tokens in text.
func WordCount(text string) int { return len(strings.Fields(text)) }

// Toggle flips the microphone. While a session runs it asks for a stop
// and leaves the decision about readiness to the capture-ended path;
// otherwise it resets the composer and asks for a fresh session,
// clearing whatever transcript the source still buffers.
func (m *Machine) Toggle() Effect {
	if m.capturing {
		return Effect{Stop: true}
	}
	m.reset()
	// The machine owns the session from this moment; the source's own
	// capture signal confirms it a beat later.
	m.capturing = true
	m.phase = Listening
	m.snap.DisplayText = Placeholder
	m.snap.ShowProgress = true
	return Effect{ClearSource: true, Start: true}
}

// TranscriptChanged folds in a transcript revision. Each value is the
// recognizer's full running hypothesis, never a delta; repeats of the
// current transcript are ignored.
func (m *Machine) TranscriptChanged(text string) Effect {
	if text == m.transcript {
		return Effect{}
	}
	m.transcript = text
	wc := WordCount(text)
	m.snap.WordCount = wc

	if m.capturing {
		// While capturing the send gate stays shut no matter how long
		// the transcript gets; only the display reacts.
		m.applyText(text, wc)
		return Effect{}
	}

	if text == "" {
		m.reset()
		return Effect{}
	}

	// A revision after capture ended: batch providers answer only now,
	// and streaming finals can trail the microphone by a moment.
	if m.phase == Ready && wc >= minWords {
		// The gate already opened; swap the text under it rather than
		// flashing the send control off and on.
		m.applyText(text, wc)
		return Effect{}
	}
	m.applyText(text, wc)
	m.snap.ShowSend = false
	m.phase = Listening
	m.checkGen++
	return Effect{Check: &Check{Gen: m.checkGen, Delay: debounceDelay}}
}

// CaptureChanged folds in the source's capture-active flag. Only
// transitions matter; the falling edge schedules the guarded readiness
// evaluation instead of deciding on the spot.
func (m *Machine) CaptureChanged(active bool) Effect {
	if active == m.capturing {
		return Effect{}
	}
	m.capturing = active
	if active {
		return Effect{}
	}
	m.checkGen++
	return Effect{Check: &Check{Gen: m.checkGen, Delay: debounceDelay}}
}

// ReadyCheck delivers a scheduled evaluation. Stale generations and
// checks firing after capture resumed are discarded, so a quick
// stop/start can never be pre-empted by a leftover timer. A passing
// guard opens the send gate; a failing one empties the composer.
func (m *Machine) ReadyCheck(gen int) Effect {
	if gen != m.checkGen || m.capturing {
		return Effect{}
	}
	if m.snap.DisplayText != "" && m.snap.DisplayText != Placeholder && m.snap.WordCount >= minWords {
		m.snap.ShowProgress = false
		m.snap.ShowSend = true
		m.phase = Ready
		return Effect{}
	}
	m.reset()
	return Effect{ClearSource: true}
}

// Send hands off the composed message and empties the composer. A call
// while the send gate is shut is a no-op.
func (m *Machine) Send() Effect {
	if !m.snap.ShowSend {
		return Effect{}
	}
	text := m.snap.DisplayText
	m.reset()
	return Effect{Send: text, ClearSource: true}
}

// StartFailed reports that the session requested by the last Toggle
// never began. The composer returns to idle; recovery is another
// explicit Toggle, never an automatic retry.
func (m *Machine) StartFailed() {
	m.reset()
}

func (m *Machine) applyText(text string, wc int) {
	if wc >= minWords {
		m.snap.DisplayText = text
		m.snap.ShowProgress = false
	} else {
		m.snap.DisplayText = Placeholder
		m.snap.ShowProgress = true
	}
}

// reset returns the machine to its initial state and invalidates any
// pending check.
func (m *Machine) reset() {
	m.snap = Snapshot{}
	m.phase = Idle
	m.capturing = false
	m.transcript = ""
	m.checkGen++
}
