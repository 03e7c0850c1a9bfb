package transcriber

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// FakeTranscriber scripts transcription for tests. Script entries play
// back as running-transcript revisions spaced by Interval; Final and
// Err decide what Close returns. A session also exposes Emit and Finish
// so a test can drive revisions by hand instead.
type FakeTranscriber struct {
	baseTranscriber
	Script   []string
	Final    string
	Err      error
	Interval time.Duration

	mu   sync.Mutex
	last *FakeSession
}

func NewFake(final string, err error) *FakeTranscriber {
	return &FakeTranscriber{Final: final, Err: err}
}

func (f *FakeTranscriber) Name() string { return "fake" }

func (f *FakeTranscriber) NewSession(_ context.Context, cfg SessionConfig) (Session, error) {
	if cfg.Language != "" {
		f.SetLanguage(cfg.Language)
	}
	s := &FakeSession{
		updates: make(chan string, 16),
		final:   f.Final,
		err:     f.Err,
	}
	f.mu.Lock()
	f.last = s
	f.mu.Unlock()

	if len(f.Script) > 0 {
		interval := f.Interval
		if interval <= 0 {
			interval = 50 * time.Millisecond
		}
		go s.runScript(f.Script, interval)
	}
	return s, nil
}

// LastSession returns the most recently opened session, for tests that
// need to poke it directly.
func (f *FakeTranscriber) LastSession() *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type FakeSession struct {
	updates  chan string
	fedBytes atomic.Uint64

	mu        sync.Mutex
	final     string
	err       error
	closed    bool
	closeGate chan struct{}
}

func (s *FakeSession) Feed(pcm []byte) { s.fedBytes.Add(uint64(len(pcm))) }

func (s *FakeSession) Updates() <-chan string { return s.updates }

// Emit publishes one running-transcript revision.
func (s *FakeSession) Emit(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- text:
	default:
	}
}

// Finish overrides what Close will return.
func (s *FakeSession) Finish(text string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.final = text
	s.err = err
}

// FedBytes reports how much PCM the session has swallowed.
func (s *FakeSession) FedBytes() uint64 { return s.fedBytes.Load() }

// HoldClose makes Close block until the returned release func runs, the
// way a slow provider keeps finalizing after capture has stopped.
func (s *FakeSession) HoldClose() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.closeGate = gate
	s.mu.Unlock()
	return func() { close(gate) }
}

// Terminate closes the updates channel without a Close call, the way a
// dead stream does.
func (s *FakeSession) Terminate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if err != nil {
		s.err = err
	}
	close(s.updates)
}

func (s *FakeSession) Close() (Result, error) {
	s.mu.Lock()
	gate := s.closeGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.updates)
	}
	if s.err != nil {
		return Result{}, fmt.Errorf("fake transcriber: %w", s.err)
	}
	return Result{Text: s.final, HasText: s.final != "", NoSpeech: s.final == ""}, nil
}

func (s *FakeSession) runScript(script []string, interval time.Duration) {
	for _, text := range script {
		time.Sleep(interval)
		s.Emit(text)
	}
}
