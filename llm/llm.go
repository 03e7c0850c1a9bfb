// Package llm talks to an Ollama-compatible chat server. A Client is
// bound to one host and model and exposes plain chat, NDJSON streaming,
// schema-constrained generation and local tool dispatch. One generation
// runs at a time; a second request while one is in flight fails fast
// with ErrBusy instead of queueing behind a slow model.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultHost is where a stock Ollama install listens.
const DefaultHost = "http://127.0.0.1:11434"

// maxToolRounds bounds how many times one exchange may go back to the
// model with tool results before it must answer in text.
const maxToolRounds = 3

// Failures callers match with errors.Is.
var (
	ErrBusy              = errors.New("a generation is already running")
	ErrRateLimited       = errors.New("model server rate limit exceeded")
	ErrModelUnavailable  = errors.New("model is not available on the server")
	ErrContextWindow     = errors.New("conversation no longer fits the model context window")
	ErrUnsupportedLocale = errors.New("unsupported reply language")
)

// DecodeError reports schema-constrained output that was valid JSON but
// did not fit the requested shape.
type DecodeError struct {
	Raw string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("generation does not match the requested schema: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// SchemaError reports that the server rejected the format constraint
// itself.
type SchemaError struct {
	Detail string
}

func (e *SchemaError) Error() string {
	return "server rejected the output schema: " + e.Detail
}

// RefusalError reports that the model answered a schema-constrained
// request with prose instead of JSON, typically an explanation of why
// it would not comply.
type RefusalError struct {
	Explanation string
}

func (e *RefusalError) Error() string {
	expl := strings.TrimSpace(e.Explanation)
	if len(expl) > 120 {
		expl = expl[:120] + "..."
	}
	return "model declined the request: " + expl
}

// Roles used in chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one chat turn in the server's wire shape.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
}

// Stats carries the server's own accounting for a generation. Token
// counts are summed across tool rounds.
type Stats struct {
	PromptTokens int
	OutputTokens int
	Load         time.Duration
	Eval         time.Duration
}

// Reply is the outcome of one exchange. Turn holds every message the
// exchange appended to the conversation, tool rounds included, so the
// caller can extend its history with exactly what the model saw.
type Reply struct {
	Content   string
	Turn      []Message
	ToolsUsed []string
	Stats     Stats
	Metrics   Metrics
}

// Generator is the slice of the client the chat UI depends on; the
// scripted fake implements it for demo mode.
type Generator interface {
	Model() string
	ChatStream(ctx context.Context, msgs []Message, onDelta func(string)) (*Reply, error)
	Digest(ctx context.Context, msgs []Message) (*Digest, error)
}

// Config configures a Client. Zero values fall back to DefaultHost and
// no tool calling.
type Config struct {
	Host  string
	Model string
	// Lang is a two-letter reply-language code. The client installs a
	// system prompt directing the model to answer in that language;
	// codes outside the supported set fail construction.
	Lang  string
	Tools *Toolset
}

type Client struct {
	host   string
	model  string
	system string
	tools  *Toolset
	http   *http.Client
	busy   atomic.Bool
}

// New builds a Client. Fails with ErrUnsupportedLocale when cfg.Lang is
// not a supported reply language.
func New(cfg Config) (*Client, error) {
	system, err := languagePrompt(cfg.Lang)
	if err != nil {
		return nil, err
	}
	host := strings.TrimSuffix(cfg.Host, "/")
	if host == "" {
		host = DefaultHost
	}
	return &Client{
		host:   host,
		model:  cfg.Model,
		system: system,
		tools:  cfg.Tools,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        2,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

func (c *Client) Model() string { return c.model }

// Chat runs one exchange without streaming and returns the final reply.
func (c *Client) Chat(ctx context.Context, msgs []Message) (*Reply, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()
	return c.exchange(ctx, msgs, nil)
}

// ChatStream runs one exchange, delivering content deltas to onDelta as
// they arrive. onDelta runs on the client's goroutine; callers marshal
// it onto their own loop. Tool rounds happen between deltas, so the
// stream can pause while a tool runs.
func (c *Client) ChatStream(ctx context.Context, msgs []Message, onDelta func(string)) (*Reply, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()
	return c.exchange(ctx, msgs, onDelta)
}

// Structured asks for output constrained to a JSON schema and decodes
// it into out. Prose instead of JSON is a RefusalError; JSON that does
// not fit out is a DecodeError.
func (c *Client) Structured(ctx context.Context, msgs []Message, schema json.RawMessage, out any) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()
	return c.structured(ctx, msgs, schema, out)
}

// Ping checks that the server answers /api/tags and that the configured
// model is present in its tag list.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("build tags request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("model server unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return apiError(resp.StatusCode, string(body))
	}
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("decode tags response: %w", err)
	}
	for _, m := range tags.Models {
		if tagMatches(m.Name, c.model) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q is not in the server tag list", ErrModelUnavailable, c.model)
}

// tagMatches compares a server tag like "llama3.2:latest" against a
// configured model name with or without a tag suffix.
func tagMatches(tag, model string) bool {
	if tag == model {
		return true
	}
	if base, _, ok := strings.Cut(tag, ":"); ok && base == model {
		return true
	}
	return false
}

func (c *Client) acquire() error {
	if !c.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	return nil
}

func (c *Client) release() { c.busy.Store(false) }

// withSystem prepends the reply-language prompt when one is configured.
func (c *Client) withSystem(msgs []Message) []Message {
	if c.system == "" {
		return msgs
	}
	out := make([]Message, 0, len(msgs)+1)
	out = append(out, Message{Role: RoleSystem, Content: c.system})
	return append(out, msgs...)
}

// exchange drives one user turn to completion: invoke the model, run
// any requested tools, feed the results back, repeat within the round
// bound. The final request of a bounded exchange advertises no tools so
// the model has to answer in text.
func (c *Client) exchange(ctx context.Context, msgs []Message, onDelta func(string)) (*Reply, error) {
	start := time.Now()
	conv := c.withSystem(msgs)
	reply := &Reply{}

	for round := 0; ; round++ {
		var defs []Tool
		if c.tools != nil && round < maxToolRounds {
			defs = c.tools.Defs()
		}
		msg, stats, metrics, err := c.invoke(ctx, conv, defs, nil, onDelta)
		if err != nil {
			return nil, err
		}
		reply.Stats.PromptTokens += stats.PromptTokens
		reply.Stats.OutputTokens += stats.OutputTokens
		reply.Stats.Load += stats.Load
		reply.Stats.Eval += stats.Eval
		reply.Metrics = metrics
		reply.Turn = append(reply.Turn, msg)

		// Hard stop at the round bound even if the server still asks
		// for tools it was not offered.
		if len(msg.ToolCalls) == 0 || round >= maxToolRounds {
			reply.Content = msg.Content
			reply.Metrics.Total = time.Since(start)
			return reply, nil
		}

		conv = append(conv, msg)
		for _, tc := range msg.ToolCalls {
			name := tc.Function.Name
			out, err := c.tools.Call(name, tc.Function.Arguments)
			if err != nil {
				// The model gets the failure and decides what to do
				// with it; a bad tool call is not a failed exchange.
				out = "tool error: " + err.Error()
			}
			reply.ToolsUsed = append(reply.ToolsUsed, name)
			toolMsg := Message{Role: RoleTool, Content: out, ToolName: name}
			reply.Turn = append(reply.Turn, toolMsg)
			conv = append(conv, toolMsg)
		}
	}
}

func (c *Client) structured(ctx context.Context, msgs []Message, schema json.RawMessage, out any) error {
	msg, _, _, err := c.invoke(ctx, c.withSystem(msgs), nil, schema, nil)
	if err != nil {
		return err
	}
	content := strings.TrimSpace(msg.Content)
	if !json.Valid([]byte(content)) {
		return &RefusalError{Explanation: msg.Content}
	}
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return &DecodeError{Raw: content, Err: err}
	}
	return nil
}

// Wire shapes for /api/chat. Durations are nanoseconds on the wire.
type chatRequest struct {
	Model    string          `json:"model"`
	Messages []Message       `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []Tool          `json:"tools,omitempty"`
	Format   json.RawMessage `json:"format,omitempty"`
}

type chatResponse struct {
	Model           string  `json:"model"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason"`
	TotalDuration   int64   `json:"total_duration"`
	LoadDuration    int64   `json:"load_duration"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
	EvalDuration    int64   `json:"eval_duration"`
	Error           string  `json:"error"`
}

// invoke performs a single /api/chat round trip. With onDelta set it
// streams NDJSON chunks and assembles the full assistant message;
// otherwise it reads one response object.
func (c *Client) invoke(ctx context.Context, msgs []Message, tools []Tool, format json.RawMessage, onDelta func(string)) (Message, Stats, Metrics, error) {
	var zero Message
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: msgs,
		Stream:   onDelta != nil,
		Tools:    tools,
		Format:   format,
	})
	if err != nil {
		return zero, Stats{}, Metrics{}, fmt.Errorf("marshal chat request: %w", err)
	}

	tctx, metrics := traceContext(ctx)
	req, err := http.NewRequestWithContext(tctx, http.MethodPost, c.host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return zero, Stats{}, Metrics{}, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return zero, Stats{}, Metrics{}, fmt.Errorf("model server unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return zero, Stats{}, Metrics{}, apiError(resp.StatusCode, string(raw))
	}

	var msg Message
	var stats Stats
	dec := json.NewDecoder(resp.Body)
	if onDelta == nil {
		var one chatResponse
		if err := dec.Decode(&one); err != nil {
			return zero, Stats{}, Metrics{}, fmt.Errorf("decode chat response: %w", err)
		}
		if one.Error != "" {
			return zero, Stats{}, Metrics{}, apiError(resp.StatusCode, one.Error)
		}
		msg = one.Message
		stats = statsFrom(one)
	} else {
		var content strings.Builder
		msg.Role = RoleAssistant
		for {
			var chunk chatResponse
			if err := dec.Decode(&chunk); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return zero, Stats{}, Metrics{}, fmt.Errorf("decode chat stream: %w", err)
			}
			if chunk.Error != "" {
				return zero, Stats{}, Metrics{}, apiError(resp.StatusCode, chunk.Error)
			}
			if chunk.Message.Content != "" {
				content.WriteString(chunk.Message.Content)
				onDelta(chunk.Message.Content)
			}
			msg.ToolCalls = append(msg.ToolCalls, chunk.Message.ToolCalls...)
			if chunk.Done {
				stats = statsFrom(chunk)
				break
			}
		}
		msg.Content = content.String()
	}
	metrics.Total = time.Since(start)
	if msg.Role == "" {
		msg.Role = RoleAssistant
	}
	return msg, stats, *metrics, nil
}

func statsFrom(r chatResponse) Stats {
	return Stats{
		PromptTokens: r.PromptEvalCount,
		OutputTokens: r.EvalCount,
		Load:         time.Duration(r.LoadDuration),
		Eval:         time.Duration(r.EvalDuration),
	}
}

// apiError maps a server failure onto the package taxonomy. The server
// reports problems either through HTTP status or an error field in an
// otherwise healthy response body.
func apiError(status int, raw string) error {
	msg := raw
	var wire struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(raw), &wire) == nil && wire.Error != "" {
		msg = wire.Error
	}
	lower := strings.ToLower(msg)

	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	case status == http.StatusNotFound, strings.Contains(lower, "not found"):
		return fmt.Errorf("%w: %s", ErrModelUnavailable, msg)
	case status == http.StatusRequestEntityTooLarge,
		strings.Contains(lower, "context length"),
		strings.Contains(lower, "context size"),
		strings.Contains(lower, "context window"):
		return fmt.Errorf("%w: %s", ErrContextWindow, msg)
	case status == http.StatusBadRequest && (strings.Contains(lower, "format") || strings.Contains(lower, "schema")):
		return &SchemaError{Detail: msg}
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if status == http.StatusOK {
		return fmt.Errorf("model server error: %s", msg)
	}
	return fmt.Errorf("model server error %d: %s", status, msg)
}
