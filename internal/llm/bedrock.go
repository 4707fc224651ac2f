package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/ashureev/sqlsight/internal/domain"
)

// DefaultBedrockModel is used when no model id is configured.
const DefaultBedrockModel = "us.anthropic.claude-3-7-sonnet-20250219-v1:0"

// BedrockConfig configures the Bedrock Converse client.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Model           string
}

// Bedrock streams from the Bedrock ConverseStream API.
type Bedrock struct {
	client *bedrockruntime.Client
	model  string
}

// NewBedrock loads AWS configuration and returns a Bedrock client. Static
// credentials are used when both key parts are set; otherwise the default
// credential chain applies.
func NewBedrock(ctx context.Context, cfg BedrockConfig) (*Bedrock, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Model == "" {
		cfg.Model = DefaultBedrockModel
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}

	return &Bedrock{client: bedrockruntime.NewFromConfig(awsCfg), model: cfg.Model}, nil
}

// Name implements Client.
func (b *Bedrock) Name() string { return "bedrock" }

// Stream implements Client.
func (b *Bedrock) Stream(ctx context.Context, req *Request) iter.Seq2[*Chunk, error] {
	return func(yield func(*Chunk, error) bool) {
		if b.client == nil {
			yield(nil, ErrNoClient)
			return
		}
		model := req.Model
		if model == "" {
			model = b.model
		}

		out, err := b.client.ConverseStream(ctx, b.converseInput(model, req))
		if err != nil {
			yield(nil, b.wrap(model, err))
			return
		}
		events := out.GetStream()
		defer events.Close()

		var (
			call  *domain.ToolCall
			input strings.Builder
		)
		for event := range events.Events() {
			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if tu, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					call = &domain.ToolCall{
						ID:   aws.ToString(tu.Value.ToolUseId),
						Name: aws.ToString(tu.Value.Name),
					}
					input.Reset()
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" && !yield(&Chunk{Text: delta.Value}, nil) {
						return
					}
				case *types.ContentBlockDeltaMemberReasoningContent:
					if text, ok := delta.Value.(*types.ReasoningContentBlockDeltaMemberText); ok && text.Value != "" {
						if !yield(&Chunk{Reasoning: text.Value}, nil) {
							return
						}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						input.WriteString(*delta.Value.Input)
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if call != nil {
					call.Input = rawInput(input.String())
					if !yield(&Chunk{ToolCall: call}, nil) {
						return
					}
					call = nil
					input.Reset()
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				if !yield(&Chunk{StopReason: bedrockStop(ev.Value.StopReason)}, nil) {
					return
				}
			}
		}
		if err := events.Err(); err != nil {
			yield(nil, b.wrap(model, err))
			return
		}
		if err := ctx.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func (b *Bedrock) converseInput(model string, req *Request) *bedrockruntime.ConverseStreamInput {
	in := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: bedrockMessages(req.Messages),
	}
	if req.System != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		in.InferenceConfig = &types.InferenceConfiguration{
			// #nosec G115 -- bounded by min above
			MaxTokens: aws.Int32(int32(maxTokens)),
		}
	}
	if len(req.Tools) > 0 {
		tools := make([]types.Tool, len(req.Tools))
		for i, t := range req.Tools {
			tools[i] = &types.ToolMemberToolSpec{
				Value: types.ToolSpecification{
					Name:        aws.String(t.Name),
					Description: aws.String(t.Description),
					InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schemaObject(t.Schema))},
				},
			}
		}
		in.ToolConfig = &types.ToolConfiguration{Tools: tools}
	}
	return in
}

func bedrockMessages(messages []domain.Message) []types.Message {
	turns := alternate(messages)
	out := make([]types.Message, 0, len(turns))
	for _, t := range turns {
		var content []types.ContentBlock
		for _, r := range t.results {
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(r.ToolCallID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: r.Content},
					},
				},
			})
		}
		for _, text := range t.text {
			content = append(content, &types.ContentBlockMemberText{Value: text})
		}
		for _, c := range t.calls {
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(c.ID),
					Name:      aws.String(c.Name),
					Input:     document.NewLazyDocument(toolInput(c.Input)),
				},
			})
		}
		if len(content) == 0 {
			continue
		}
		role := types.ConversationRoleUser
		if t.role == domain.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		out = append(out, types.Message{Role: role, Content: content})
	}
	return out
}

func bedrockStop(r types.StopReason) StopReason {
	switch r {
	case types.StopReasonToolUse:
		return StopToolUse
	case types.StopReasonMaxTokens:
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}

func (b *Bedrock) wrap(model string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		err = fmt.Errorf("%s: %s: %w", apiErr.ErrorCode(), apiErr.ErrorMessage(), err)
	}
	return &ProviderError{Provider: "bedrock", Model: model, Err: err}
}

func rawInput(s string) []byte {
	if strings.TrimSpace(s) == "" {
		return []byte("{}")
	}
	return []byte(s)
}
