package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Fake scripts generation for tests and demo mode. Replies play back in
// order, one word per delta spaced by Interval; after the script runs
// out it echoes the last user message. Err fails every exchange.
type Fake struct {
	Replies  []string
	Interval time.Duration
	Err      error

	mu    sync.Mutex
	calls int
}

func NewFake(replies ...string) *Fake {
	return &Fake{Replies: replies}
}

func (f *Fake) Model() string { return "fake" }

func (f *Fake) ChatStream(ctx context.Context, msgs []Message, onDelta func(string)) (*Reply, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	f.mu.Lock()
	var text string
	if f.calls < len(f.Replies) {
		text = f.Replies[f.calls]
	} else {
		text = "You said: " + lastUserContent(msgs)
	}
	f.calls++
	interval := f.Interval
	f.mu.Unlock()

	words := strings.Fields(text)
	for i, w := range words {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if interval > 0 {
			time.Sleep(interval)
		}
		if onDelta != nil {
			if i > 0 {
				w = " " + w
			}
			onDelta(w)
		}
	}
	msg := Message{Role: RoleAssistant, Content: text}
	return &Reply{
		Content: text,
		Turn:    []Message{msg},
		Stats:   Stats{PromptTokens: len(msgs), OutputTokens: len(words)},
	}, nil
}

func (f *Fake) Digest(ctx context.Context, msgs []Message) (*Digest, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	n := 0
	for _, m := range msgs {
		if m.Role == RoleUser {
			n++
		}
	}
	return &Digest{
		Title:     "Scripted conversation",
		Summary:   fmt.Sprintf("A conversation with %d user message(s), answered from a script.", n),
		Sentiment: "neutral",
	}, nil
}

// Calls reports how many exchanges have run.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func lastUserContent(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].Content
		}
	}
	return "nothing yet"
}
