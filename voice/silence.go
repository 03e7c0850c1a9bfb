package voice

import "time"

const (
	tickInterval        = 100 * time.Millisecond
	silenceWarnAfter    = 6 * time.Second
	silenceAutoCloseDur = 20 * time.Second
	speechMinRatio      = 0.10
	speechClearRatio    = 0.25 // higher bar to clear the warning (hysteresis)
)

// SilenceEvent classifies what a silence-monitor tick noticed.
type SilenceEvent int

const (
	SilenceNone      SilenceEvent = iota
	SilenceWarn                   // no voice for the warn window
	SilenceWarnClear              // speech resumed after a warning
	SilenceAutoClose              // quiet long enough to end the session
)

// silenceMonitor keeps a ring of per-tick speech verdicts. A mostly
// quiet warn window triggers a warning; a quiet full window asks for an
// auto-close.
type silenceMonitor struct {
	warnAt   int
	windowSz int

	ticks       int
	window      []bool
	speechCount int
	warned      bool
}

func newSilenceMonitor() *silenceMonitor {
	warnAt := int(silenceWarnAfter / tickInterval)
	windowSz := int(silenceAutoCloseDur / tickInterval)
	return &silenceMonitor{
		warnAt:   warnAt,
		windowSz: windowSz,
		window:   make([]bool, windowSz),
	}
}

// ratio reports the speech fraction over the most recent n ticks.
func (m *silenceMonitor) ratio(n int) float64 {
	if m.ticks < n {
		n = m.ticks
	}
	if n == 0 {
		return 1.0
	}
	count := 0
	for i := 0; i < n; i++ {
		if m.window[(m.ticks-1-i+m.windowSz)%m.windowSz] {
			count++
		}
	}
	return float64(count) / float64(n)
}

func (m *silenceMonitor) Tick(hasSpeech bool) SilenceEvent {
	idx := m.ticks % m.windowSz
	if m.ticks >= m.windowSz && m.window[idx] {
		m.speechCount--
	}
	m.window[idx] = hasSpeech
	if hasSpeech {
		m.speechCount++
	}
	m.ticks++

	r := m.ratio(m.warnAt)

	if m.ticks >= m.warnAt && r < speechMinRatio && !m.warned {
		m.warned = true
		return SilenceWarn
	}
	if m.warned && r >= speechClearRatio {
		m.warned = false
		return SilenceWarnClear
	}

	if m.ticks >= m.windowSz && float64(m.speechCount)/float64(m.windowSz) < speechMinRatio {
		return SilenceAutoClose
	}

	return SilenceNone
}
