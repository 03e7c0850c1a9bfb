package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Digest is a schema-constrained summary of a conversation.
type Digest struct {
	Title     string `json:"title"`
	Summary   string `json:"summary"`
	Sentiment string `json:"sentiment"`
}

var digestSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"title": {
			"type": "string",
			"description": "A short title for the conversation, at most eight words."
		},
		"summary": {
			"type": "string",
			"description": "One or two sentences summarizing the conversation."
		},
		"sentiment": {
			"type": "string",
			"enum": ["positive", "neutral", "negative"]
		}
	},
	"required": ["title", "summary", "sentiment"]
}`)

// Digest summarizes the conversation so far via schema-constrained
// generation. System and tool bookkeeping messages are left out of the
// transcript the model reads.
func (c *Client) Digest(ctx context.Context, msgs []Message) (*Digest, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()

	var transcript strings.Builder
	for _, m := range msgs {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			continue
		}
		if m.Content == "" {
			continue
		}
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}
	if transcript.Len() == 0 {
		return nil, fmt.Errorf("nothing to digest yet")
	}

	prompt := []Message{{
		Role: RoleUser,
		Content: "Digest the following conversation into a title, a summary and an overall sentiment.\n\n" +
			transcript.String(),
	}}
	var d Digest
	if err := c.structured(ctx, prompt, digestSchema, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
