package transcriber

// SessionConfig describes one capture worth of audio. The audio is
// always PCM16LE mono.
type SessionConfig struct {
	SampleRate int
	Language   string
}

// Result is the outcome of a closed session. Text carries the full
// transcript with surrounding whitespace trimmed. NoSpeech is set when
// the provider heard nothing usable.
type Result struct {
	Text     string
	HasText  bool
	NoSpeech bool
}

// Session accepts audio and produces transcript text.
//
// Feed never blocks on the network. Updates delivers the full running
// transcript after every revision; each value replaces the previous one
// outright, it is never a delta. Close flushes pending audio, waits for
// the provider's final answer and closes the updates channel. Callers
// must stop feeding before Close.
//
// The updates channel closes exactly once, on any termination. If it
// closes before the caller asked for Close, the session is dead and
// Close will report the error.
type Session interface {
	Feed(pcm []byte)
	Updates() <-chan string
	Close() (Result, error)
}
