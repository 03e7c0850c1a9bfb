// Package transcriber turns PCM audio into text. A Transcriber is a
// configured provider; a Session covers a single capture from first
// sample to final transcript. Streaming providers revise the transcript
// while audio is still arriving, batch providers answer once at Close.
package transcriber

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Failures shared by all providers. Callers match with errors.Is.
var (
	ErrAuth        = errors.New("speech service rejected the API key")
	ErrRateLimited = errors.New("speech service rate limit exceeded")
	ErrTooLarge    = errors.New("audio payload too large")
)

// NetworkMetrics breaks one HTTP request into its phases.
type NetworkMetrics struct {
	ConnWait   time.Duration
	DNS        time.Duration
	TCP        time.Duration
	TLS        time.Duration
	ReqHeaders time.Duration
	ReqBody    time.Duration
	TTFB       time.Duration
	Download   time.Duration
	Total      time.Duration
	ConnReused bool
}

func (m *NetworkMetrics) Sum() time.Duration {
	return m.ConnWait + m.DNS + m.TCP + m.TLS + m.ReqHeaders + m.ReqBody + m.TTFB + m.Download
}

type Transcriber interface {
	Name() string
	SetLanguage(lang string)
	GetLanguage() string
	NewSession(ctx context.Context, cfg SessionConfig) (Session, error)
}

type baseTranscriber struct {
	lang string
}

func (b *baseTranscriber) SetLanguage(lang string) { b.lang = lang }

func (b *baseTranscriber) GetLanguage() string { return b.lang }

// New selects a provider. An explicit name requires that provider's key
// to be present; with an empty name the first configured provider wins,
// streaming before batch.
func New(name string) (Transcriber, error) {
	dgKey := os.Getenv("DEEPGRAM_API_KEY")
	groqKey := os.Getenv("GROQ_API_KEY")
	oaKey := os.Getenv("OPENAI_API_KEY")

	switch name {
	case "deepgram":
		if dgKey == "" {
			return nil, fmt.Errorf("deepgram selected but DEEPGRAM_API_KEY is not set")
		}
		return NewDeepgram(dgKey), nil
	case "groq":
		if groqKey == "" {
			return nil, fmt.Errorf("groq selected but GROQ_API_KEY is not set")
		}
		return NewGroq(groqKey), nil
	case "openai":
		if oaKey == "" {
			return nil, fmt.Errorf("openai selected but OPENAI_API_KEY is not set")
		}
		return NewOpenAI(oaKey), nil
	case "":
		if dgKey != "" {
			return NewDeepgram(dgKey), nil
		}
		if groqKey != "" {
			return NewGroq(groqKey), nil
		}
		if oaKey != "" {
			return NewOpenAI(oaKey), nil
		}
		return nil, fmt.Errorf("set DEEPGRAM_API_KEY, GROQ_API_KEY or OPENAI_API_KEY environment variable")
	}
	return nil, fmt.Errorf("unknown transcriber %q", name)
}

func firstNonEmpty(h http.Header, keys ...string) string {
	for _, k := range keys {
		if v := h.Get(k); v != "" {
			return v
		}
	}
	return "?"
}

func statusError(provider string, status int, body []byte) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: %w", provider, ErrAuth)
	case http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%s: %w", provider, ErrTooLarge)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w", provider, ErrRateLimited)
	}
	msg := string(body)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Errorf("%s API error %d: %s", provider, status, msg)
}
