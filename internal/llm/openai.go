package llm

import (
	"context"
	"errors"
	"io"
	"iter"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ashureev/sqlsight/internal/domain"
)

// DefaultOpenAIModel is used when no model id is configured.
const DefaultOpenAIModel = "gpt-4o"

// OpenAI streams from the Chat Completions API, or any compatible endpoint.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI returns a client for apiKey. A non-empty baseURL targets an
// OpenAI-compatible server.
func NewOpenAI(apiKey, baseURL, model string) *OpenAI {
	if model == "" {
		model = DefaultOpenAIModel
	}
	if apiKey == "" {
		return &OpenAI{model: model}
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model}
}

// Name implements Client.
func (o *OpenAI) Name() string { return "openai" }

// Stream implements Client.
func (o *OpenAI) Stream(ctx context.Context, req *Request) iter.Seq2[*Chunk, error] {
	return func(yield func(*Chunk, error) bool) {
		if o.client == nil {
			yield(nil, ErrNoClient)
			return
		}
		model := req.Model
		if model == "" {
			model = o.model
		}

		chatReq := openai.ChatCompletionRequest{
			Model:    model,
			Messages: openAIMessages(req.System, req.Messages),
			Stream:   true,
		}
		if req.MaxTokens > 0 {
			chatReq.MaxCompletionTokens = req.MaxTokens
		}
		for _, t := range req.Tools {
			chatReq.Tools = append(chatReq.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  schemaObject(t.Schema),
				},
			})
		}

		stream, err := o.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			yield(nil, &ProviderError{Provider: "openai", Model: model, Err: err})
			return
		}
		defer stream.Close()

		calls := make(map[int]*domain.ToolCall)
		var args = make(map[int][]byte)
		stopped := false
		flush := func() bool {
			idx := make([]int, 0, len(calls))
			for i := range calls {
				idx = append(idx, i)
			}
			sort.Ints(idx)
			for _, i := range idx {
				c := calls[i]
				if c.Name == "" {
					continue
				}
				c.Input = rawInput(string(args[i]))
				if !yield(&Chunk{ToolCall: c}, nil) {
					return false
				}
			}
			calls = make(map[int]*domain.ToolCall)
			args = make(map[int][]byte)
			return true
		}

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				if !flush() || stopped {
					return
				}
				yield(&Chunk{StopReason: StopEndTurn}, nil)
				return
			}
			if err != nil {
				yield(nil, &ProviderError{Provider: "openai", Model: model, Err: err})
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			delta := choice.Delta

			if delta.ReasoningContent != "" && !yield(&Chunk{Reasoning: delta.ReasoningContent}, nil) {
				return
			}
			if delta.Content != "" && !yield(&Chunk{Text: delta.Content}, nil) {
				return
			}
			for _, tc := range delta.ToolCalls {
				i := 0
				if tc.Index != nil {
					i = *tc.Index
				}
				if calls[i] == nil {
					calls[i] = &domain.ToolCall{}
				}
				if tc.ID != "" {
					calls[i].ID = tc.ID
				}
				if tc.Function.Name != "" {
					calls[i].Name = tc.Function.Name
				}
				args[i] = append(args[i], tc.Function.Arguments...)
			}

			switch choice.FinishReason {
			case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
				stopped = true
				if !flush() || !yield(&Chunk{StopReason: StopToolUse}, nil) {
					return
				}
			case openai.FinishReasonLength:
				stopped = true
				if !flush() || !yield(&Chunk{StopReason: StopMaxTokens}, nil) {
					return
				}
			}
		}
	}
}

func openAIMessages(system string, messages []domain.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range messages {
		switch m.Role {
		case domain.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		case domain.RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, c := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   c.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      c.Name,
						Arguments: string(rawInput(string(c.Input))),
					},
				})
			}
			out = append(out, msg)
		default:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		}
	}
	return out
}
