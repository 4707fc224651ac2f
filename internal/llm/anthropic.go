package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ashureev/sqlsight/internal/domain"
)

// DefaultAnthropicModel is used when no model id is configured.
const DefaultAnthropicModel = "claude-3-7-sonnet-latest"

const defaultAnthropicMaxTokens = 4096

// Anthropic streams from the Anthropic Messages API.
type Anthropic struct {
	client *anthropic.Client
	model  string
}

// NewAnthropic returns a client for apiKey. opts are passed to the SDK
// after the key, so they can override the base URL or retry policy.
func NewAnthropic(apiKey, model string, opts ...option.RequestOption) *Anthropic {
	if model == "" {
		model = DefaultAnthropicModel
	}
	if apiKey == "" {
		return &Anthropic{model: model}
	}
	client := anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &Anthropic{client: &client, model: model}
}

// Name implements Client.
func (a *Anthropic) Name() string { return "anthropic" }

// Stream implements Client.
func (a *Anthropic) Stream(ctx context.Context, req *Request) iter.Seq2[*Chunk, error] {
	return func(yield func(*Chunk, error) bool) {
		if a.client == nil {
			yield(nil, ErrNoClient)
			return
		}
		model := req.Model
		if model == "" {
			model = a.model
		}
		params, err := anthropicParams(model, req)
		if err != nil {
			yield(nil, &ProviderError{Provider: "anthropic", Model: model, Err: err})
			return
		}

		stream := a.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		var (
			call  *domain.ToolCall
			input strings.Builder
		)
		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					tu := block.AsToolUse()
					call = &domain.ToolCall{ID: tu.ID, Name: tu.Name}
					input.Reset()
				}
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" && !yield(&Chunk{Text: delta.Text}, nil) {
						return
					}
				case "thinking_delta":
					if delta.Thinking != "" && !yield(&Chunk{Reasoning: delta.Thinking}, nil) {
						return
					}
				case "input_json_delta":
					input.WriteString(delta.PartialJSON)
				}
			case "content_block_stop":
				if call != nil {
					call.Input = rawInput(input.String())
					if !yield(&Chunk{ToolCall: call}, nil) {
						return
					}
					call = nil
				}
			case "message_delta":
				if reason := event.AsMessageDelta().Delta.StopReason; reason != "" {
					if !yield(&Chunk{StopReason: anthropicStop(string(reason))}, nil) {
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			yield(nil, &ProviderError{Provider: "anthropic", Model: model, Err: err})
		}
	}
}

func anthropicParams(model string, req *Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  anthropicMessages(req.Messages),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, t := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Schema, &schema); err != nil {
			return params, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		tool := anthropic.ToolUnionParamOfTool(schema, t.Name)
		tool.OfTool.Description = anthropic.String(t.Description)
		params.Tools = append(params.Tools, tool)
	}
	return params, nil
}

func anthropicMessages(messages []domain.Message) []anthropic.MessageParam {
	turns := alternate(messages)
	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		var content []anthropic.ContentBlockParamUnion
		for _, r := range t.results {
			content = append(content, anthropic.NewToolResultBlock(r.ToolCallID, r.Content, strings.HasPrefix(r.Content, "Error")))
		}
		for _, text := range t.text {
			content = append(content, anthropic.NewTextBlock(text))
		}
		for _, c := range t.calls {
			content = append(content, anthropic.NewToolUseBlock(c.ID, toolInput(c.Input), c.Name))
		}
		if len(content) == 0 {
			continue
		}
		if t.role == domain.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out
}

func anthropicStop(reason string) StopReason {
	switch reason {
	case "tool_use":
		return StopToolUse
	case "max_tokens":
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}
