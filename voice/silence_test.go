package voice

import "testing"

func TestSilenceWarnAfterQuietWindow(t *testing.T) {
	m := newSilenceMonitor()
	warnTick := int(silenceWarnAfter / tickInterval)

	for i := 1; i < warnTick; i++ {
		if ev := m.Tick(false); ev != SilenceNone {
			t.Fatalf("tick %d: got %v before the warn window", i, ev)
		}
	}
	if ev := m.Tick(false); ev != SilenceWarn {
		t.Fatalf("tick %d: got %v, want SilenceWarn", warnTick, ev)
	}
	if ev := m.Tick(false); ev != SilenceNone {
		t.Fatalf("warning repeated: %v", ev)
	}
}

func TestSpeechSuppressesWarning(t *testing.T) {
	m := newSilenceMonitor()

	// one spoken tick in five keeps the ratio above the floor,
	// long past the auto-close window
	for i := 0; i < 400; i++ {
		if ev := m.Tick(i%5 == 0); ev != SilenceNone {
			t.Fatalf("tick %d: unexpected %v", i, ev)
		}
	}
}

func TestWarningClearsOnSustainedSpeech(t *testing.T) {
	m := newSilenceMonitor()
	warnTick := int(silenceWarnAfter / tickInterval)

	for i := 1; i < warnTick; i++ {
		m.Tick(false)
	}
	if ev := m.Tick(false); ev != SilenceWarn {
		t.Fatalf("no warning after %d quiet ticks: %v", warnTick, ev)
	}

	// clearing takes a higher speech ratio than warning did
	clearAt := int(float64(warnTick) * speechClearRatio)
	for i := 1; i < clearAt; i++ {
		if ev := m.Tick(true); ev != SilenceNone {
			t.Fatalf("speech tick %d: got %v before the clear bar", i, ev)
		}
	}
	if ev := m.Tick(true); ev != SilenceWarnClear {
		t.Fatalf("speech tick %d: got %v, want SilenceWarnClear", clearAt, ev)
	}
}

func TestSilenceAutoCloseAfterFullWindow(t *testing.T) {
	m := newSilenceMonitor()
	warnTick := int(silenceWarnAfter / tickInterval)
	closeTick := int(silenceAutoCloseDur / tickInterval)

	for i := 1; i <= closeTick; i++ {
		ev := m.Tick(false)
		switch i {
		case warnTick:
			if ev != SilenceWarn {
				t.Fatalf("tick %d: got %v, want SilenceWarn", i, ev)
			}
		case closeTick:
			if ev != SilenceAutoClose {
				t.Fatalf("tick %d: got %v, want SilenceAutoClose", i, ev)
			}
		default:
			if ev != SilenceNone {
				t.Fatalf("tick %d: unexpected %v", i, ev)
			}
		}
	}
}
