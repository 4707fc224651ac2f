// Package llm defines the streaming model client used by the agents and its
// provider implementations.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/ashureev/sqlsight/internal/domain"
)

// ErrNoClient is returned when a provider was constructed without credentials.
var ErrNoClient = errors.New("llm: client not initialized")

// ToolSpec advertises a capability to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is one model invocation.
type Request struct {
	Model     string
	System    string
	Messages  []domain.Message
	Tools     []ToolSpec
	MaxTokens int
}

// StopReason explains why the model stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Chunk is one streamed fragment. Exactly one of Reasoning, Text, ToolCall or
// StopReason is set.
type Chunk struct {
	Reasoning  string
	Text       string
	ToolCall   *domain.ToolCall
	StopReason StopReason
}

// Client streams model output in generation order.
type Client interface {
	Name() string
	Stream(ctx context.Context, req *Request) iter.Seq2[*Chunk, error]
}

// ProviderError wraps a provider failure with the model that produced it.
type ProviderError struct {
	Provider string
	Model    string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// schemaObject decodes a tool schema, falling back to an empty object schema.
func schemaObject(raw json.RawMessage) map[string]any {
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil || schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return schema
}

// toolInput decodes tool call arguments for providers that want a document.
func toolInput(raw json.RawMessage) map[string]any {
	var input map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &input) != nil || input == nil {
		input = map[string]any{}
	}
	return input
}

// turn is a provider-neutral message whose tool results have been folded into
// the user role, as Bedrock and Anthropic require.
type turn struct {
	role    domain.Role
	text    []string
	calls   []domain.ToolCall
	results []domain.Message
}

// alternate merges consecutive same-role messages and folds tool results into
// user turns so roles strictly alternate.
func alternate(messages []domain.Message) []turn {
	var out []turn
	for _, m := range messages {
		role := m.Role
		if role == domain.RoleTool {
			role = domain.RoleUser
		}
		if len(out) == 0 || out[len(out)-1].role != role {
			out = append(out, turn{role: role})
		}
		t := &out[len(out)-1]
		switch {
		case m.Role == domain.RoleTool:
			t.results = append(t.results, m)
		default:
			if m.Content != "" {
				t.text = append(t.text, m.Content)
			}
			t.calls = append(t.calls, m.ToolCalls...)
		}
	}
	return out
}
