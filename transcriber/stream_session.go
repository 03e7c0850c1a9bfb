package transcriber

import (
	"strings"
	"sync"
	"time"

	"parley/log"
)

const (
	streamChunkMs      = 200
	streamFinalizeIdle = 200 * time.Millisecond
	streamFinalizeMax  = 1000 * time.Millisecond
)

// rawStream is a provider's live connection. Send ships one binary PCM
// chunk, CloseSend asks the server to finalize pending audio, Recv
// blocks for the next transcript revision.
type rawStream interface {
	Send(pcm []byte) error
	CloseSend() error
	Recv() (streamUpdate, error)
	Close() error
}

type streamUpdate struct {
	Transcript   string
	IsFinal      bool
	SpeechFinal  bool
	FromFinalize bool
}

// streamSession pumps PCM to a rawStream and folds its revisions into
// one running transcript. Finalized text accumulates in committed; the
// newest unconfirmed hypothesis rides along as interim and is replaced
// wholesale by the next revision. Every change to the combined text is
// published on updates.
//
// Dialing happens in the background so Feed can buffer audio before the
// connection is up.
type streamSession struct {
	ws        rawStream
	chunkSize int
	audioCh   chan []byte
	updates   chan string
	connected chan struct{} // closed when the dial finishes, well or badly

	sendDone      chan struct{}
	recvDone      chan struct{}
	finalized     chan struct{}
	finalizedOnce sync.Once
	updatesOnce   sync.Once

	feedBuf []byte
	feedMu  sync.Mutex

	mu        sync.Mutex
	committed string
	interim   string
	err       error
	errOnce   sync.Once
	closing   bool
	stats     streamStats
}

type streamStats struct {
	ConnectDur   time.Duration
	SentChunks   int
	SentBytes    uint64
	RecvMessages int
	RecvFinal    int
	RecvInterim  int
	FinalizeWait time.Duration
}

func newStreamSession(sampleRate int, dial func() (rawStream, error)) *streamSession {
	ss := &streamSession{
		chunkSize: sampleRate * 2 * streamChunkMs / 1000,
		audioCh:   make(chan []byte, 128),
		updates:   make(chan string, 16),
		sendDone:  make(chan struct{}),
		recvDone:  make(chan struct{}),
		finalized: make(chan struct{}),
		connected: make(chan struct{}),
	}

	go func() {
		connectStart := time.Now()
		ws, err := dial()
		ss.mu.Lock()
		ss.stats.ConnectDur = time.Since(connectStart)
		ss.mu.Unlock()

		if err != nil {
			ss.setErr(err)
			close(ss.sendDone)
			close(ss.recvDone)
			close(ss.connected)
			ss.finishUpdates("")
			return
		}

		ss.ws = ws
		close(ss.connected)
		go ss.runSender()
		go ss.runReceiver()
	}()

	return ss
}

func (s *streamSession) Feed(pcm []byte) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.feedMu.Lock()
	s.feedBuf = append(s.feedBuf, pcm...)
	var chunks [][]byte
	for len(s.feedBuf) >= s.chunkSize {
		chunk := make([]byte, s.chunkSize)
		copy(chunk, s.feedBuf[:s.chunkSize])
		s.feedBuf = s.feedBuf[s.chunkSize:]
		chunks = append(chunks, chunk)
	}
	s.feedMu.Unlock()

	for _, chunk := range chunks {
		s.audioCh <- chunk
	}
}

func (s *streamSession) Updates() <-chan string {
	return s.updates
}

func (s *streamSession) Close() (Result, error) {
	<-s.connected

	// If the dial or the session itself failed, drain and return the
	// error with whatever text made it through
	s.mu.Lock()
	if s.err != nil {
		sessionErr := s.err
		text := strings.TrimSpace(joinText(s.committed, s.interim))
		s.mu.Unlock()
		go func() { // drain audioCh so any blocked Feed() unblocks
			for range s.audioCh {
			}
		}()
		s.feedMu.Lock()
		s.feedBuf = nil
		s.feedMu.Unlock()
		close(s.audioCh)
		<-s.sendDone
		<-s.recvDone
		s.finishUpdates("")
		return Result{Text: text, HasText: text != "", NoSpeech: text == ""}, sessionErr
	}
	s.mu.Unlock()

	// Flush remaining buffered PCM. The sender can die on a Send error
	// with the channel full; its exit unblocks the flush and the tail is
	// lost with the connection.
	s.feedMu.Lock()
	if len(s.feedBuf) > 0 {
		tail := make([]byte, len(s.feedBuf))
		copy(tail, s.feedBuf)
		s.feedBuf = nil
		select {
		case s.audioCh <- tail:
		case <-s.sendDone:
		}
	}
	s.feedMu.Unlock()
	close(s.audioCh)
	finalizeStart := time.Now()

	<-s.sendDone

	// Wait for the server's finalize acknowledgment, then a brief quiet
	// period for stragglers
	select {
	case <-s.finalized:
		time.Sleep(streamFinalizeIdle)
	case <-time.After(streamFinalizeMax):
	}

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.ws.Close()
	select {
	case <-s.recvDone:
	case <-time.After(2 * time.Second):
		log.Warn("stream receiver drain timeout")
	}

	s.mu.Lock()
	// An interim with no final behind it is still the best transcript of
	// that audio; keep it rather than drop the user's last words.
	finalText := joinText(s.committed, s.interim)
	stats := s.stats
	stats.FinalizeWait = time.Since(finalizeStart)
	sessionErr := s.err
	s.mu.Unlock()

	// Guarantee the consumer sees the final text even if the last
	// non-blocking publish was dropped
	s.finishUpdates(finalText)

	text := strings.TrimSpace(finalText)
	noSpeech := text == ""

	bytesPerSecond := s.chunkSize * 1000 / streamChunkMs
	log.Recognition(log.StreamMetrics{
		ConnectMs:    float64(stats.ConnectDur.Milliseconds()),
		FinalizeMs:   float64(stats.FinalizeWait.Milliseconds()),
		AudioS:       float64(stats.SentBytes) / float64(bytesPerSecond),
		SentChunks:   stats.SentChunks,
		SentKB:       float64(stats.SentBytes) / 1024,
		RecvMessages: stats.RecvMessages,
		RecvFinal:    stats.RecvFinal,
	})

	return Result{
		Text:     text,
		HasText:  !noSpeech,
		NoSpeech: noSpeech,
	}, sessionErr
}

func (s *streamSession) runSender() {
	defer close(s.sendDone)
	for chunk := range s.audioCh {
		if err := s.ws.Send(chunk); err != nil {
			s.setErr(err)
			return
		}
		s.mu.Lock()
		s.stats.SentChunks++
		s.stats.SentBytes += uint64(len(chunk))
		s.mu.Unlock()
	}
	if err := s.ws.CloseSend(); err != nil {
		s.setErr(err)
	}
}

func (s *streamSession) runReceiver() {
	defer close(s.recvDone)
	for {
		update, err := s.ws.Recv()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			s.setErr(err)
			// A receive failure outside Close means the stream died under
			// us. Closing updates is the death signal consumers watch for.
			s.finishUpdates("")
			return
		}

		if update.FromFinalize {
			s.finalizedOnce.Do(func() { close(s.finalized) })
		}

		isFinal := update.IsFinal || update.SpeechFinal || update.FromFinalize

		s.mu.Lock()
		s.stats.RecvMessages++
		if isFinal {
			s.stats.RecvFinal++
		} else {
			s.stats.RecvInterim++
		}

		prev := joinText(s.committed, s.interim)
		if isFinal {
			if update.Transcript != "" {
				s.committed = joinText(s.committed, update.Transcript)
			}
			s.interim = ""
		} else {
			s.interim = update.Transcript
		}
		now := joinText(s.committed, s.interim)
		s.mu.Unlock()

		if now == prev {
			continue
		}
		select {
		case s.updates <- now:
		default:
		}
	}
}

// finishUpdates publishes the final text (best effort) and closes the
// updates channel. Safe to call from multiple termination paths; only
// the first call wins.
func (s *streamSession) finishUpdates(final string) {
	s.updatesOnce.Do(func() {
		if final != "" {
			select {
			case s.updates <- final:
			default:
			}
		}
		close(s.updates)
	})
}

func (s *streamSession) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		if s.ws != nil {
			s.ws.Close()
		}
	})
}

func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + " " + b
}
