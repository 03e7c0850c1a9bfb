package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, cfg Config, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg.Host = srv.URL
	if cfg.Model == "" {
		cfg.Model = "llama3.2"
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func decodeChat(t *testing.T, r *http.Request) chatRequest {
	t.Helper()
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return req
}

func writeChunks(t *testing.T, w http.ResponseWriter, chunks ...string) {
	t.Helper()
	for _, c := range chunks {
		fmt.Fprintln(w, c)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func TestChat(t *testing.T) {
	c := newTestClient(t, Config{Model: "llama3.2"}, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q", r.URL.Path)
		}
		req := decodeChat(t, r)
		if req.Model != "llama3.2" {
			t.Errorf("model = %q", req.Model)
		}
		if req.Stream {
			t.Error("Chat must not request streaming")
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != RoleUser {
			t.Errorf("messages = %+v", req.Messages)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message":           map[string]any{"role": "assistant", "content": "hi there"},
			"done":              true,
			"prompt_eval_count": 12,
			"eval_count":        5,
			"load_duration":     1_000_000,
			"eval_duration":     2_000_000,
		})
	})

	reply, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hello"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply.Content != "hi there" {
		t.Errorf("Content = %q", reply.Content)
	}
	if len(reply.Turn) != 1 || reply.Turn[0].Role != RoleAssistant {
		t.Errorf("Turn = %+v", reply.Turn)
	}
	if reply.Stats.PromptTokens != 12 || reply.Stats.OutputTokens != 5 {
		t.Errorf("Stats = %+v", reply.Stats)
	}
	if reply.Stats.Eval != 2*time.Millisecond {
		t.Errorf("Eval = %v", reply.Stats.Eval)
	}
	if reply.Metrics.Total <= 0 {
		t.Error("Metrics.Total not measured")
	}
}

func TestChatInstallsLanguagePrompt(t *testing.T) {
	c := newTestClient(t, Config{Lang: "tr"}, func(w http.ResponseWriter, r *http.Request) {
		req := decodeChat(t, r)
		if len(req.Messages) != 2 {
			t.Fatalf("messages = %+v, want system + user", req.Messages)
		}
		if req.Messages[0].Role != RoleSystem || !strings.Contains(req.Messages[0].Content, "Turkish") {
			t.Errorf("system prompt = %+v", req.Messages[0])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"role": "assistant", "content": "merhaba"},
			"done":    true,
		})
	})

	if _, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
}

func TestNewRejectsUnknownLanguage(t *testing.T) {
	_, err := New(Config{Lang: "xx"})
	if !errors.Is(err, ErrUnsupportedLocale) {
		t.Fatalf("err = %v, want ErrUnsupportedLocale", err)
	}
}

func TestChatStream(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		req := decodeChat(t, r)
		if !req.Stream {
			t.Error("ChatStream must request streaming")
		}
		writeChunks(t, w,
			`{"message":{"role":"assistant","content":"The "},"done":false}`,
			`{"message":{"role":"assistant","content":"answer "},"done":false}`,
			`{"message":{"role":"assistant","content":"is "},"done":false}`,
			`{"message":{"role":"assistant","content":"42."},"done":true,"prompt_eval_count":7,"eval_count":4}`,
		)
	})

	var deltas []string
	reply, err := c.ChatStream(context.Background(), []Message{{Role: RoleUser, Content: "?"}}, func(d string) {
		deltas = append(deltas, d)
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if got := strings.Join(deltas, ""); got != "The answer is 42." {
		t.Errorf("deltas assemble to %q", got)
	}
	if reply.Content != "The answer is 42." {
		t.Errorf("Content = %q", reply.Content)
	}
	if reply.Stats.OutputTokens != 4 {
		t.Errorf("OutputTokens = %d", reply.Stats.OutputTokens)
	}
}

func TestChatStreamToolRound(t *testing.T) {
	var requests int
	c := newTestClient(t, Config{Tools: DefaultToolset()}, func(w http.ResponseWriter, r *http.Request) {
		requests++
		req := decodeChat(t, r)
		switch requests {
		case 1:
			if len(req.Tools) != 2 {
				t.Errorf("advertised %d tools, want 2", len(req.Tools))
			}
			writeChunks(t, w,
				`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"current_time","arguments":{}}}]},"done":true}`,
			)
		case 2:
			last := req.Messages[len(req.Messages)-1]
			if last.Role != RoleTool || last.ToolName != "current_time" {
				t.Errorf("tool result message = %+v", last)
			}
			if !strings.Contains(last.Content, "time") {
				t.Errorf("tool result content = %q", last.Content)
			}
			writeChunks(t, w,
				`{"message":{"role":"assistant","content":"It is late."},"done":true}`,
			)
		default:
			t.Errorf("unexpected request %d", requests)
		}
	})

	var deltas []string
	reply, err := c.ChatStream(context.Background(), []Message{{Role: RoleUser, Content: "what time is it"}}, func(d string) {
		deltas = append(deltas, d)
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if reply.Content != "It is late." {
		t.Errorf("Content = %q", reply.Content)
	}
	if got := strings.Join(deltas, ""); got != "It is late." {
		t.Errorf("deltas assemble to %q", got)
	}
	if len(reply.ToolsUsed) != 1 || reply.ToolsUsed[0] != "current_time" {
		t.Errorf("ToolsUsed = %v", reply.ToolsUsed)
	}
	// The turn carries the tool exchange so callers can append it to
	// their history verbatim.
	if len(reply.Turn) != 3 {
		t.Fatalf("Turn has %d messages, want 3", len(reply.Turn))
	}
	if reply.Turn[0].Role != RoleAssistant || len(reply.Turn[0].ToolCalls) != 1 {
		t.Errorf("Turn[0] = %+v", reply.Turn[0])
	}
	if reply.Turn[1].Role != RoleTool {
		t.Errorf("Turn[1] = %+v", reply.Turn[1])
	}
}

func TestChatToolRoundsBounded(t *testing.T) {
	var requests int
	var lastHadTools bool
	c := newTestClient(t, Config{Tools: DefaultToolset()}, func(w http.ResponseWriter, r *http.Request) {
		requests++
		req := decodeChat(t, r)
		lastHadTools = len(req.Tools) > 0
		// A pathological model that always wants another tool run.
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{
				"role":       "assistant",
				"content":    "",
				"tool_calls": []map[string]any{{"function": map[string]any{"name": "current_time", "arguments": map[string]any{}}}},
			},
			"done": true,
		})
	})

	reply, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "loop forever"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if requests != maxToolRounds+1 {
		t.Errorf("made %d requests, want %d", requests, maxToolRounds+1)
	}
	if lastHadTools {
		t.Error("final bounded request still advertised tools")
	}
	if len(reply.ToolsUsed) != maxToolRounds {
		t.Errorf("ToolsUsed = %v, want %d entries", reply.ToolsUsed, maxToolRounds)
	}
}

func TestStructured(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`)
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		req := decodeChat(t, r)
		if len(req.Format) == 0 {
			t.Error("format constraint missing from request")
		}
		var f struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(req.Format, &f); err != nil || f.Type != "object" {
			t.Errorf("format = %s", req.Format)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"role": "assistant", "content": `{"city":"Izmir"}`},
			"done":    true,
		})
	})

	var out struct {
		City string `json:"city"`
	}
	if err := c.Structured(context.Background(), []Message{{Role: RoleUser, Content: "where"}}, schema, &out); err != nil {
		t.Fatalf("Structured: %v", err)
	}
	if out.City != "Izmir" {
		t.Errorf("City = %q", out.City)
	}
}

func TestStructuredRefusal(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"role": "assistant", "content": "I cannot help with that request."},
			"done":    true,
		})
	})

	var out struct{}
	err := c.Structured(context.Background(), nil, json.RawMessage(`{"type":"object"}`), &out)
	var refusal *RefusalError
	if !errors.As(err, &refusal) {
		t.Fatalf("err = %v, want RefusalError", err)
	}
	if !strings.Contains(refusal.Explanation, "cannot help") {
		t.Errorf("Explanation = %q", refusal.Explanation)
	}
}

func TestStructuredDecodeError(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"role": "assistant", "content": `{"count":"three"}`},
			"done":    true,
		})
	})

	var out struct {
		Count int `json:"count"`
	}
	err := c.Structured(context.Background(), nil, json.RawMessage(`{"type":"object"}`), &out)
	var decode *DecodeError
	if !errors.As(err, &decode) {
		t.Fatalf("err = %v, want DecodeError", err)
	}
	if decode.Raw != `{"count":"three"}` {
		t.Errorf("Raw = %q", decode.Raw)
	}
}

func TestDigest(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		req := decodeChat(t, r)
		if len(req.Format) == 0 {
			t.Error("digest request has no schema")
		}
		prompt := req.Messages[len(req.Messages)-1].Content
		if !strings.Contains(prompt, "user: hello") || !strings.Contains(prompt, "assistant: hi") {
			t.Errorf("transcript missing from prompt: %q", prompt)
		}
		if strings.Contains(prompt, "secret system rule") {
			t.Error("system message leaked into the digest transcript")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"role": "assistant", "content": `{"title":"Greeting","summary":"A short hello.","sentiment":"positive"}`},
			"done":    true,
		})
	})

	d, err := c.Digest(context.Background(), []Message{
		{Role: RoleSystem, Content: "secret system rule"},
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "hi"},
		{Role: RoleTool, Content: `{"time":"now"}`, ToolName: "current_time"},
	})
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if d.Title != "Greeting" || d.Sentiment != "positive" {
		t.Errorf("digest = %+v", d)
	}
}

func TestDigestNothingToSummarize(t *testing.T) {
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be made")
	})
	if _, err := c.Digest(context.Background(), []Message{{Role: RoleSystem, Content: "rules"}}); err == nil {
		t.Fatal("expected an error for an empty conversation")
	}
}

func TestChatBusy(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"role": "assistant", "content": "done"},
			"done":    true,
		})
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "slow"}})
		errCh <- err
	}()
	<-entered

	if _, err := c.Chat(context.Background(), nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("second chat err = %v, want ErrBusy", err)
	}

	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first chat: %v", err)
	}
}

func TestAPIErrorTaxonomy(t *testing.T) {
	for _, tt := range []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusTooManyRequests, `{"error":"slow down"}`, ErrRateLimited},
		{http.StatusNotFound, `{"error":"model \"llama9\" not found, try pulling it first"}`, ErrModelUnavailable},
		{http.StatusInternalServerError, `{"error":"model runner not found"}`, ErrModelUnavailable},
		{http.StatusRequestEntityTooLarge, `{"error":"request body too large"}`, ErrContextWindow},
		{http.StatusInternalServerError, `{"error":"prompt exceeds the context window"}`, ErrContextWindow},
	} {
		c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(tt.body))
		})
		_, err := c.Chat(context.Background(), nil)
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d %s: got %v, want %v", tt.status, tt.body, err, tt.want)
		}
	}

	t.Run("schema rejected", func(t *testing.T) {
		c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid format specification"}`))
		})
		_, err := c.Chat(context.Background(), nil)
		var schemaErr *SchemaError
		if !errors.As(err, &schemaErr) {
			t.Fatalf("err = %v, want SchemaError", err)
		}
	})

	t.Run("generic", func(t *testing.T) {
		c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("boom"))
		})
		_, err := c.Chat(context.Background(), nil)
		if err == nil || !strings.Contains(err.Error(), "error 500") {
			t.Errorf("generic error = %v", err)
		}
	})

	t.Run("inline stream error", func(t *testing.T) {
		c := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
			writeChunks(t, w,
				`{"message":{"role":"assistant","content":"par"},"done":false}`,
				`{"error":"model \"llama9\" not found"}`,
			)
		})
		_, err := c.ChatStream(context.Background(), nil, func(string) {})
		if !errors.Is(err, ErrModelUnavailable) {
			t.Errorf("inline error = %v, want ErrModelUnavailable", err)
		}
	})
}

func TestPing(t *testing.T) {
	tags := func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{
				{"name": "llama3.2:latest"},
				{"name": "qwen2.5:0.5b"},
			},
		})
	}

	t.Run("model present", func(t *testing.T) {
		c := newTestClient(t, Config{Model: "llama3.2"}, tags)
		if err := c.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	})

	t.Run("exact tag", func(t *testing.T) {
		c := newTestClient(t, Config{Model: "qwen2.5:0.5b"}, tags)
		if err := c.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	})

	t.Run("model missing", func(t *testing.T) {
		c := newTestClient(t, Config{Model: "mistral"}, tags)
		if err := c.Ping(context.Background()); !errors.Is(err, ErrModelUnavailable) {
			t.Fatalf("Ping err = %v, want ErrModelUnavailable", err)
		}
	})

	t.Run("server down", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(tags))
		srv.Close()
		c, err := New(Config{Host: srv.URL, Model: "llama3.2"})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := c.Ping(context.Background()); err == nil {
			t.Fatal("expected an error against a closed server")
		}
	})
}

func TestFakeGenerator(t *testing.T) {
	f := NewFake("scripted answer number one")

	var deltas []string
	reply, err := f.ChatStream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, func(d string) {
		deltas = append(deltas, d)
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if reply.Content != "scripted answer number one" {
		t.Errorf("Content = %q", reply.Content)
	}
	if got := strings.Join(deltas, ""); got != reply.Content {
		t.Errorf("deltas assemble to %q", got)
	}

	// After the script runs out it echoes.
	reply, err = f.ChatStream(context.Background(), []Message{{Role: RoleUser, Content: "anyone home"}}, nil)
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if !strings.Contains(reply.Content, "anyone home") {
		t.Errorf("echo reply = %q", reply.Content)
	}
	if f.Calls() != 2 {
		t.Errorf("Calls = %d", f.Calls())
	}

	d, err := f.Digest(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if d.Sentiment != "neutral" {
		t.Errorf("Sentiment = %q", d.Sentiment)
	}
}
