package voice

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"parley/audio"
	"parley/beep"
	"parley/encoder"
	"parley/transcriber"
)

func TestMain(m *testing.M) {
	beep.Disable()
	os.Exit(m.Run())
}

func newTestSource(t *testing.T, actx *audio.FakeContext, tr transcriber.Transcriber) *Source {
	t.Helper()
	src, err := New(Config{Context: actx, Transcriber: tr, SampleRate: encoder.SampleRate})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(src.Close)
	return src
}

// waitSignal reads signals until one matches, or fails the test.
func waitSignal(t *testing.T, src *Source, what string, ok func(Signal) bool) Signal {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case sig := <-src.Signals():
			if ok(sig) {
				return sig
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
			return Signal{}
		}
	}
}

// assertNoSignal drains signals for a while and fails on a match.
func assertNoSignal(t *testing.T, src *Source, what string, bad func(Signal) bool) {
	t.Helper()
	deadline := time.After(150 * time.Millisecond)
	for {
		select {
		case sig := <-src.Signals():
			if bad(sig) {
				t.Fatalf("unexpected signal (%s): %+v", what, sig)
			}
		case <-deadline:
			return
		}
	}
}

func TestStartStopPublishesCapturing(t *testing.T) {
	actx := audio.NewFakeContext(audio.Silence(encoder.SampleRate, 50*time.Millisecond), encoder.SampleRate, false)
	src := newTestSource(t, actx, transcriber.NewFake("", nil))

	if err := src.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitSignal(t, src, "capture on", func(s Signal) bool { return s.Capturing })

	src.Stop()
	waitSignal(t, src, "capture off", func(s Signal) bool { return !s.Capturing })
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	actx := audio.NewFakeContext(nil, encoder.SampleRate, false)
	src := newTestSource(t, actx, transcriber.NewFake("", nil))

	src.Stop()
	assertNoSignal(t, src, "signal without a session", func(Signal) bool { return true })
}

func TestStopTwiceSameAsOnce(t *testing.T) {
	actx := audio.NewFakeContext(audio.Silence(encoder.SampleRate, 50*time.Millisecond), encoder.SampleRate, false)
	src := newTestSource(t, actx, transcriber.NewFake("", nil))

	if err := src.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.Stop()
	waitSignal(t, src, "capture off", func(s Signal) bool { return !s.Capturing })

	src.Stop()
	assertNoSignal(t, src, "capture on after double stop", func(s Signal) bool { return s.Capturing })

	// the source stays usable
	if err := src.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitSignal(t, src, "capture on again", func(s Signal) bool { return s.Capturing })
	src.Stop()
}

func TestLoudnessFollowsAudio(t *testing.T) {
	actx := audio.NewFakeContext(audio.SpeechTone(encoder.SampleRate, 300*time.Millisecond), encoder.SampleRate, true)
	src := newTestSource(t, actx, transcriber.NewFake("", nil))

	if err := src.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitSignal(t, src, "nonzero loudness", func(s Signal) bool { return s.Capturing && s.Loudness > 0.05 })

	src.Stop()
	sig := waitSignal(t, src, "capture off", func(s Signal) bool { return !s.Capturing })
	if sig.Loudness != 0 {
		t.Errorf("loudness after stop = %v, want 0", sig.Loudness)
	}
}

func TestTranscriptRevisionsReplace(t *testing.T) {
	actx := audio.NewFakeContext(audio.Silence(encoder.SampleRate, 50*time.Millisecond), encoder.SampleRate, false)
	tr := transcriber.NewFake("hello there old friend", nil)
	src := newTestSource(t, actx, tr)

	if err := src.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess := tr.LastSession()

	sess.Emit("hello")
	waitSignal(t, src, "first revision", func(s Signal) bool { return s.Capturing && s.Transcript == "hello" })

	sess.Emit("hello there")
	waitSignal(t, src, "second revision", func(s Signal) bool { return s.Transcript == "hello there" })

	src.Stop()
	waitSignal(t, src, "final transcript", func(s Signal) bool {
		return !s.Capturing && s.Transcript == "hello there old friend"
	})
}

func TestEmptyFinalClearsTranscript(t *testing.T) {
	actx := audio.NewFakeContext(audio.Silence(encoder.SampleRate, 50*time.Millisecond), encoder.SampleRate, false)
	tr := transcriber.NewFake("", nil)
	src := newTestSource(t, actx, tr)

	if err := src.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tr.LastSession().Emit("some words spoken here")
	waitSignal(t, src, "running transcript", func(s Signal) bool { return s.Transcript == "some words spoken here" })

	src.Stop()
	waitSignal(t, src, "empty final", func(s Signal) bool { return !s.Capturing && s.Transcript == "" })
}

func TestRecognizerErrorKeepsTranscript(t *testing.T) {
	actx := audio.NewFakeContext(audio.Silence(encoder.SampleRate, 50*time.Millisecond), encoder.SampleRate, false)
	tr := transcriber.NewFake("", nil)
	src := newTestSource(t, actx, tr)

	if err := src.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess := tr.LastSession()
	sess.Emit("four words right here")
	waitSignal(t, src, "running transcript", func(s Signal) bool { return s.Transcript == "four words right here" })

	sess.Finish("", errors.New("service unavailable"))
	src.Stop()

	select {
	case ev := <-src.Events():
		if ev.Err == nil {
			t.Fatalf("want error event, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error event after failed finalize")
	}
	waitSignal(t, src, "capture off", func(s Signal) bool { return !s.Capturing })
	assertNoSignal(t, src, "transcript replaced", func(s Signal) bool { return s.Transcript != "four words right here" })
}

func TestRecognizerDeathStopsCapture(t *testing.T) {
	actx := audio.NewFakeContext(audio.Silence(encoder.SampleRate, 50*time.Millisecond), encoder.SampleRate, false)
	tr := transcriber.NewFake("", nil)
	src := newTestSource(t, actx, tr)

	if err := src.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitSignal(t, src, "capture on", func(s Signal) bool { return s.Capturing })

	tr.LastSession().Terminate(errors.New("socket closed"))

	waitSignal(t, src, "autonomous stop", func(s Signal) bool { return !s.Capturing })
	select {
	case ev := <-src.Events():
		if ev.Err == nil {
			t.Fatalf("want error event, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error event after stream death")
	}
}

func TestStartWhileActiveRestarts(t *testing.T) {
	actx := audio.NewFakeContext(audio.Silence(encoder.SampleRate, 50*time.Millisecond), encoder.SampleRate, false)
	tr := transcriber.NewFake("", nil)
	src := newTestSource(t, actx, tr)

	if err := src.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := tr.LastSession()
	first.Emit("words from the first session")
	waitSignal(t, src, "first transcript", func(s Signal) bool { return s.Transcript == "words from the first session" })

	if err := src.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	second := tr.LastSession()
	if second == first {
		t.Fatal("restart reused the old recognizer session")
	}

	// the superseded session gets closed out
	deadline := time.After(2 * time.Second)
	for open := true; open; {
		select {
		case _, ok := <-first.Updates():
			open = ok
		case <-deadline:
			t.Fatal("old session never closed")
		}
	}

	waitSignal(t, src, "fresh transcript", func(s Signal) bool { return s.Capturing && s.Transcript == "" })
	src.Stop()
}

func TestClearKeepsCapture(t *testing.T) {
	actx := audio.NewFakeContext(audio.Silence(encoder.SampleRate, 50*time.Millisecond), encoder.SampleRate, false)
	tr := transcriber.NewFake("", nil)
	src := newTestSource(t, actx, tr)

	if err := src.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tr.LastSession().Emit("do not keep this")
	waitSignal(t, src, "running transcript", func(s Signal) bool { return s.Transcript == "do not keep this" })

	src.Clear()
	waitSignal(t, src, "cleared transcript", func(s Signal) bool { return s.Capturing && s.Transcript == "" })
	src.Stop()
}

func TestClearAfterStopDropsLateFinal(t *testing.T) {
	actx := audio.NewFakeContext(audio.Silence(encoder.SampleRate, 50*time.Millisecond), encoder.SampleRate, false)
	tr := transcriber.NewFake("send the report to ann", nil)
	src := newTestSource(t, actx, tr)

	if err := src.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess := tr.LastSession()
	sess.Emit("send the report to ann")
	waitSignal(t, src, "running transcript", func(s Signal) bool { return s.Transcript == "send the report to ann" })

	// Keep the finalize in flight while the transcript gets consumed.
	release := sess.HoldClose()
	src.Stop()
	waitSignal(t, src, "capture off", func(s Signal) bool { return !s.Capturing })

	src.Clear()
	waitSignal(t, src, "cleared transcript", func(s Signal) bool { return s.Transcript == "" })

	// The late final belongs to a retired session; cleared means cleared.
	release()
	assertNoSignal(t, src, "cleared text resurrected", func(s Signal) bool { return s.Transcript != "" })
}

func TestStartFailures(t *testing.T) {
	t.Run("permission", func(t *testing.T) {
		actx := audio.NewFakeContext(nil, encoder.SampleRate, false)
		actx.FailStart = fmt.Errorf("open mic: %w", audio.ErrPermission)
		src := newTestSource(t, actx, transcriber.NewFake("", nil))

		err := src.Start()
		if !errors.Is(err, ErrPermissionDenied) {
			t.Fatalf("Start error = %v, want ErrPermissionDenied", err)
		}
		waitSignal(t, src, "rolled back", func(s Signal) bool { return !s.Capturing })
	})

	t.Run("engine", func(t *testing.T) {
		actx := audio.NewFakeContext(nil, encoder.SampleRate, false)
		actx.FailStart = errors.New("device init failed")
		src := newTestSource(t, actx, transcriber.NewFake("", nil))

		err := src.Start()
		if !errors.Is(err, ErrAudioConfig) {
			t.Fatalf("Start error = %v, want ErrAudioConfig", err)
		}
	})
}

func TestSessionDumpWritesFlac(t *testing.T) {
	dir := t.TempDir()
	actx := audio.NewFakeContext(audio.SpeechTone(encoder.SampleRate, 100*time.Millisecond), encoder.SampleRate, false)
	src, err := New(Config{
		Context:     actx,
		Transcriber: transcriber.NewFake("", nil),
		SampleRate:  encoder.SampleRate,
		DumpDir:     dir,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(src.Close)

	if err := src.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.Stop()

	// the dump lands in the background after stop
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, _ := os.ReadDir(dir)
		for _, e := range entries {
			if !strings.HasSuffix(e.Name(), ".flac") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err == nil && len(data) >= 4 && string(data[:4]) == "fLaC" {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("no FLAC dump written")
}
