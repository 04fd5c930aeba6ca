// Package conversation normalizes archived chat turns into a canonical
// role/text shape and renders them for prompts.
package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role is the speaker of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleUnknown   Role = "unknown"
)

// ParseRole maps a raw role to a Role. Empty means user; anything
// unrecognized becomes RoleUnknown.
func ParseRole(raw string) Role {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "user", "human":
		return RoleUser
	case "assistant", "ai":
		return RoleAssistant
	case "system":
		return RoleSystem
	default:
		return RoleUnknown
	}
}

// RawTurn is a stored turn record. Only role, content and display are read.
// Content is either a JSON string or an array of content blocks.
type RawTurn struct {
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Display string          `json:"display,omitempty"`
}

// contentBlock is one element of an array-valued content field.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Text resolves the body, preferring content and falling back to display
// only when content is absent or empty. Whitespace-only content is kept, so
// Normalize drops the turn.
func (r RawTurn) Text() string {
	if text := contentText(r.Content); text != "" {
		return text
	}
	return r.Display
}

func contentText(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if (b.Type == "" || b.Type == "text") && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}

	return ""
}

// NewRawTurn builds a RawTurn with string content. Handy for tests and CLIs.
func NewRawTurn(role, content string) RawTurn {
	data, _ := json.Marshal(content)
	return RawTurn{Role: role, Content: data}
}

// Turn is a normalized turn with non-empty text.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// ParseRawTurns decodes a JSON array of turn records, as stored in
// chat_histories.messages.
func ParseRawTurns(data []byte) ([]RawTurn, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var turns []RawTurn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("decoding turns: %w", err)
	}
	return turns, nil
}
