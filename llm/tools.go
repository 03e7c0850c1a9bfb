package llm

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"
)

// Tool is a callable function advertised to the model, in the server's
// wire shape.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is the model asking for a tool to run. Arguments arrive as a
// JSON object, not a string.
type ToolCall struct {
	Function ToolCallFunction `json:"function"`
}

type ToolCallFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolHandler executes one call and returns the result the model reads.
type ToolHandler func(args json.RawMessage) (string, error)

// Toolset pairs advertised tool definitions with their local handlers.
// Registration order is preserved on the wire.
type Toolset struct {
	defs     []Tool
	handlers map[string]ToolHandler
}

func NewToolset() *Toolset {
	return &Toolset{handlers: map[string]ToolHandler{}}
}

// DefaultToolset carries the built-in demo tools.
func DefaultToolset() *Toolset {
	ts := NewToolset()
	ts.Register(Tool{
		Type: "function",
		Function: ToolFunction{
			Name:        "current_time",
			Description: "Get the current date and time, optionally in a specific IANA timezone.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"timezone": {
						"type": "string",
						"description": "IANA timezone name such as Europe/Istanbul. Defaults to the local timezone."
					}
				}
			}`),
		},
	}, currentTime)
	ts.Register(Tool{
		Type: "function",
		Function: ToolFunction{
			Name:        "roll_dice",
			Description: "Roll one or more dice and return the individual rolls and their total.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"sides": {
						"type": "integer",
						"description": "Number of sides per die, default 6."
					},
					"count": {
						"type": "integer",
						"description": "Number of dice to roll, default 1."
					}
				}
			}`),
		},
	}, rollDice)
	return ts
}

func (t *Toolset) Register(def Tool, h ToolHandler) {
	t.defs = append(t.defs, def)
	t.handlers[def.Function.Name] = h
}

// Defs returns the definitions advertised on each request.
func (t *Toolset) Defs() []Tool { return t.defs }

// Names lists the registered tool names in registration order.
func (t *Toolset) Names() []string {
	names := make([]string, len(t.defs))
	for i, d := range t.defs {
		names[i] = d.Function.Name
	}
	return names
}

// Call dispatches one tool call. Unknown names are an error the caller
// feeds back to the model.
func (t *Toolset) Call(name string, args json.RawMessage) (string, error) {
	h, ok := t.handlers[name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	return h(args)
}

func currentTime(args json.RawMessage) (string, error) {
	var in struct {
		Timezone string `json:"timezone"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("bad current_time arguments: %w", err)
		}
	}
	now := time.Now()
	if in.Timezone != "" {
		loc, err := time.LoadLocation(in.Timezone)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", in.Timezone)
		}
		now = now.In(loc)
	}
	out, _ := json.Marshal(map[string]string{
		"time":     now.Format(time.RFC1123),
		"timezone": now.Location().String(),
	})
	return string(out), nil
}

func rollDice(args json.RawMessage) (string, error) {
	in := struct {
		Sides int `json:"sides"`
		Count int `json:"count"`
	}{Sides: 6, Count: 1}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("bad roll_dice arguments: %w", err)
		}
	}
	if in.Sides < 2 || in.Sides > 1000 {
		return "", fmt.Errorf("sides must be between 2 and 1000, got %d", in.Sides)
	}
	if in.Count < 1 || in.Count > 100 {
		return "", fmt.Errorf("count must be between 1 and 100, got %d", in.Count)
	}
	rolls := make([]int, in.Count)
	total := 0
	for i := range rolls {
		rolls[i] = rand.IntN(in.Sides) + 1
		total += rolls[i]
	}
	out, _ := json.Marshal(map[string]any{
		"rolls": rolls,
		"total": total,
	})
	return string(out), nil
}
