// Package voice owns the microphone-to-transcript pipeline. A Source
// runs at most one capture session at a time: it feeds PCM to a
// recognizer, folds recognizer revisions and audio loudness into
// Signals, and watches for silence. Consumers read the latest Signal
// and render it; stale signals are dropped, never queued.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"parley/audio"
	"parley/beep"
	"parley/encoder"
	"parley/log"
	"parley/transcriber"
)

var (
	// ErrPermissionDenied marks a start failure caused by the OS
	// refusing microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrAudioConfig marks a start failure in the capture engine itself.
	ErrAudioConfig = errors.New("audio capture failed")
)

// Signal is one snapshot of the pipeline state. Every update produces a
// fresh Signal that supersedes the previous one; delivery is
// latest-wins over a capacity-1 channel.
type Signal struct {
	Transcript string
	Capturing  bool
	Loudness   float64 // RMS of the latest chunk, in [0,1]
}

// Event reports discrete occurrences outside the rolling Signal state:
// silence-monitor verdicts and terminal recognizer errors.
type Event struct {
	Silence SilenceEvent
	Err     error
}

type Config struct {
	Context     audio.Context
	Device      *audio.DeviceInfo // nil selects the default device
	Transcriber transcriber.Transcriber
	SampleRate  int    // defaults to encoder.SampleRate
	Language    string // BCP-47 hint passed to the recognizer
	DumpDir     string // write each session as FLAC here when non-empty
}

// Source drives capture sessions. All fields behind mu belong to the
// current generation; goroutines spawned for an older generation check
// gen before touching anything, so a superseded session cannot publish.
type Source struct {
	cfg     Config
	device  audio.CaptureDevice
	signals chan Signal
	events  chan Event

	mu         sync.Mutex
	gen        int
	capturing  bool
	transcript string
	loudness   float64
	sess       transcriber.Session
	dump       *sessionDump
	det        *speechDetector
	stopTick   chan struct{}
}

// New opens the capture device once; sessions reuse it.
func New(cfg Config) (*Source, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = encoder.SampleRate
	}
	device, err := cfg.Context.NewCapture(cfg.Device, audio.CaptureConfig{
		SampleRate: uint32(cfg.SampleRate),
		Channels:   1,
	})
	if err != nil {
		if errors.Is(err, audio.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrAudioConfig, err)
	}
	return &Source{
		cfg:     cfg,
		device:  device,
		signals: make(chan Signal, 1),
		events:  make(chan Event, 8),
	}, nil
}

// Signals delivers pipeline snapshots, newest first. An undelivered
// signal is replaced, not queued.
func (s *Source) Signals() <-chan Signal { return s.signals }

// Events delivers silence verdicts and recognizer failures.
func (s *Source) Events() <-chan Event { return s.events }

func (s *Source) DeviceName() string { return s.device.DeviceName() }

// Start begins a capture session. An already-active session is torn
// down first, so at most one session ever runs. The recognizer dials in
// the background while audio buffers; a late dial failure stops the
// source on its own instead of failing Start.
func (s *Source) Start() error {
	s.mu.Lock()
	if s.capturing {
		gen := s.gen
		s.mu.Unlock()
		s.stop(gen)
		s.mu.Lock()
	}
	s.gen++
	gen := s.gen
	s.transcript = ""
	s.loudness = 0
	s.det = newSpeechDetector(s.cfg.SampleRate)
	s.mu.Unlock()

	sess, err := s.cfg.Transcriber.NewSession(context.Background(), transcriber.SessionConfig{
		SampleRate: s.cfg.SampleRate,
		Language:   s.cfg.Language,
	})
	if err != nil {
		return fmt.Errorf("recognizer session: %w", err)
	}

	var dump *sessionDump
	if s.cfg.DumpDir != "" {
		if dump, err = newSessionDump(s.cfg.DumpDir); err != nil {
			log.Warnf("session dump: %v", err)
			dump = nil
		}
	}

	s.device.SetCallback(func(data []byte, _ uint32) { s.onAudio(gen, sess, dump, data) })

	// State flips before the device starts; backends may deliver the
	// first chunks during Start and the onAudio guard must let them in.
	stopTick := make(chan struct{})
	s.mu.Lock()
	s.capturing = true
	s.sess = sess
	s.dump = dump
	s.stopTick = stopTick
	s.publishLocked()
	s.mu.Unlock()

	if err := s.device.Start(); err != nil {
		s.device.ClearCallback()
		s.mu.Lock()
		if s.gen == gen {
			s.capturing = false
			s.loudness = 0
			s.sess = nil
			s.dump = nil
			s.stopTick = nil
			s.publishLocked()
		}
		s.mu.Unlock()
		sess.Close()
		if errors.Is(err, audio.ErrPermission) {
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return fmt.Errorf("%w: %v", ErrAudioConfig, err)
	}

	go beep.PlayStart()
	log.Info("capture start: " + s.device.DeviceName())
	go s.forwardUpdates(gen, sess)
	go s.runTicker(gen, stopTick)
	return nil
}

// Stop ends the active session, if any. Capturing flips false and is
// published before Stop returns; recognition finalizes in the
// background and its result arrives as one more Signal.
func (s *Source) Stop() {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.stop(gen)
}

// stop tears down the session of generation gen. Calls for a
// superseded generation are no-ops, so a queued auto-stop cannot kill
// the session that replaced it.
func (s *Source) stop(gen int) {
	s.mu.Lock()
	if s.gen != gen || !s.capturing {
		s.mu.Unlock()
		return
	}
	s.capturing = false
	s.loudness = 0
	sess := s.sess
	dump := s.dump
	stopTick := s.stopTick
	s.sess = nil
	s.dump = nil
	s.stopTick = nil
	s.publishLocked()
	s.mu.Unlock()

	// Stop blocks until in-flight callbacks return, which makes it safe
	// to close the recognizer session afterwards.
	s.device.Stop()
	s.device.ClearCallback()
	close(stopTick)
	go beep.PlayEnd()
	log.Info("capture stop")

	go s.finalize(gen, sess, dump)
}

// Clear wipes the exposed transcript without touching capture state.
// Between sessions it also retires the generation: once the text has
// been consumed, a finalize still draining the stopped session must not
// republish it.
func (s *Source) Clear() {
	s.mu.Lock()
	s.transcript = ""
	if !s.capturing {
		s.gen++
	}
	s.publishLocked()
	s.mu.Unlock()
}

// Close stops any active session and releases the audio device.
func (s *Source) Close() {
	s.Stop()
	s.device.Close()
}

// publishLocked pushes the current state as a Signal. mu must be held;
// that serializes publishers, so the replace loop cannot livelock.
func (s *Source) publishLocked() {
	sig := Signal{Transcript: s.transcript, Capturing: s.capturing, Loudness: s.loudness}
	for {
		select {
		case s.signals <- sig:
			return
		default:
		}
		select {
		case <-s.signals:
		default:
		}
	}
}

func (s *Source) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

// onAudio runs on the capture callback goroutine for every PCM chunk.
func (s *Source) onAudio(gen int, sess transcriber.Session, dump *sessionDump, data []byte) {
	if len(data) < 2 {
		return
	}
	level := rmsLevel(data)

	s.mu.Lock()
	if s.gen != gen || !s.capturing {
		s.mu.Unlock()
		return
	}
	s.loudness = level
	s.det.process(data)
	s.publishLocked()
	s.mu.Unlock()

	// The backend may reuse its buffer after the callback returns.
	pcm := make([]byte, len(data))
	copy(pcm, data)
	sess.Feed(pcm)
	if dump != nil {
		dump.write(pcm)
	}
}

// forwardUpdates republishes recognizer revisions as signals. The
// updates channel closing while this generation still captures means
// the stream died under us; the source then stops itself and the
// finalize path surfaces the error.
func (s *Source) forwardUpdates(gen int, sess transcriber.Session) {
	for text := range sess.Updates() {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.transcript = text
		s.publishLocked()
		s.mu.Unlock()
	}

	s.mu.Lock()
	died := s.gen == gen && s.capturing
	s.mu.Unlock()
	if died {
		log.Warn("recognizer stream ended early")
		s.stop(gen)
	}
}

// finalize drains the recognizer after capture stopped. The final text
// replaces the running transcript outright, empty results included; a
// recognizer error keeps the last transcript and surfaces as an Event.
func (s *Source) finalize(gen int, sess transcriber.Session, dump *sessionDump) {
	if dump != nil {
		if path, err := dump.close(); err != nil {
			log.Warnf("session dump: %v", err)
		} else if path != "" {
			log.Info("session dump: " + path)
		}
	}

	res, err := sess.Close()
	if err != nil {
		log.Errorf("recognizer close: %v", err)
		beep.PlayError()
		s.emit(Event{Err: err})
		return
	}
	if res.NoSpeech {
		log.Info("no speech")
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.transcript = res.Text
	s.publishLocked()
	s.mu.Unlock()
}

// runTicker samples the speech detector every tick and feeds the
// silence monitor. A long-enough quiet stretch first warns, then ends
// the session.
func (s *Source) runTicker(gen int, stop <-chan struct{}) {
	mon := newSilenceMonitor()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		if s.gen != gen || !s.capturing {
			s.mu.Unlock()
			return
		}
		speech := s.det.tickHadSpeech()
		s.mu.Unlock()

		switch mon.Tick(speech) {
		case SilenceWarn:
			log.Info("no voice detected")
			beep.PlayError()
			s.emit(Event{Silence: SilenceWarn})
		case SilenceWarnClear:
			s.emit(Event{Silence: SilenceWarnClear})
		case SilenceAutoClose:
			log.Info("silence auto close")
			s.emit(Event{Silence: SilenceAutoClose})
			s.stop(gen)
			return
		}
	}
}
