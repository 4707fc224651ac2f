// Package agent implements the model loop shared by every agent, the
// agent-as-capability adapter and the coordinator that delegates to the
// research and visualization agents.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ashureev/sqlsight/internal/domain"
	"github.com/ashureev/sqlsight/internal/llm"
	"github.com/ashureev/sqlsight/internal/observability"
	"github.com/ashureev/sqlsight/internal/stream"
	"github.com/ashureev/sqlsight/internal/tools"
)

// DefaultMaxIterations bounds an agent loop when Config leaves it unset.
const DefaultMaxIterations = 10

// Output selects how an agent streams its answer text.
type Output int

const (
	// OutputReasoning streams answer text as reasoning attributed to the
	// agent. Delegates use it: their answers reach the user through the
	// coordinator.
	OutputReasoning Output = iota
	// OutputChunks streams answer text as user-facing chunks.
	OutputChunks
)

// Config describes one agent.
type Config struct {
	Name          string
	System        string
	Model         string
	MaxTokens     int
	MaxIterations int
	Output        Output
	Tools         []tools.Capability
	Metrics       *observability.Metrics
}

// Agent runs a bounded loop between the model and its tools.
type Agent struct {
	cfg      Config
	client   llm.Client
	registry *tools.Registry
	specs    []llm.ToolSpec
}

// New returns an agent using client for model calls.
func New(client llm.Client, cfg Config) *Agent {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	registry := tools.NewRegistry(cfg.Tools...)
	specs := make([]llm.ToolSpec, 0, len(cfg.Tools))
	for _, c := range registry.All() {
		specs = append(specs, llm.ToolSpec{Name: c.Name(), Description: c.Description(), Schema: c.Schema()})
	}
	return &Agent{cfg: cfg, client: client, registry: registry, specs: specs}
}

// Name is the agent's name, used as its capability name and as the agent
// field of its reasoning events.
func (a *Agent) Name() string { return a.cfg.Name }

// System is the agent's system prompt.
func (a *Agent) System() string { return a.cfg.System }

// ToolNames lists the agent's capabilities in registration order.
func (a *Agent) ToolNames() []string { return a.registry.Names() }

// RunOptions customises one run.
type RunOptions struct {
	// OnToolResult is called after every tool result, in order.
	OnToolResult func(ctx context.Context, call domain.ToolCall, result string)
}

// Outcome is the result of one run.
type Outcome struct {
	Text      string
	Artifacts []Artifact
	// Messages are the messages the run appended after the input history, in
	// causal order.
	Messages  []domain.Message
	Steps     int
	Truncated bool
}

// Error is a model loop failure.
type Error struct {
	Agent string
	Step  int
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("agent %s step %d: %v", e.Agent, e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Run loops until the model answers without tool calls or the iteration
// cap is reached. Reaching the cap is not an error: the last answer text is
// returned with Truncated set. An answer cut off by the token limit is also
// returned with Truncated set.
func (a *Agent) Run(ctx context.Context, history []domain.Message, opts RunOptions) (out *Outcome, err error) {
	ctx, span := observability.StartSpan(ctx, "agent.run", attribute.String("agent", a.cfg.Name))
	defer func() { observability.EndSpan(span, err) }()

	messages := append([]domain.Message(nil), history...)
	out = &Outcome{}
	record := func(m domain.Message) {
		messages = append(messages, m)
		out.Messages = append(out.Messages, m)
	}
	var seen map[string]bool
	collect := func(text string) {
		for _, p := range ExtractArtifactPaths(text) {
			if seen == nil {
				seen = map[string]bool{}
			}
			if !seen[p] {
				seen[p] = true
				out.Artifacts = append(out.Artifacts, NewArtifact(p))
			}
		}
	}

	for step := 1; step <= a.cfg.MaxIterations; step++ {
		out.Steps = step
		text, calls, reason, err := a.callModel(ctx, messages)
		if err != nil {
			return nil, &Error{Agent: a.cfg.Name, Step: step, Err: err}
		}
		record(domain.Message{Role: domain.RoleAssistant, Content: text, ToolCalls: calls})
		out.Text = text
		if len(calls) == 0 {
			collect(text)
			if reason == llm.StopMaxTokens {
				slog.Warn("Agent answer hit the token limit", "agent", a.cfg.Name, "max_tokens", a.cfg.MaxTokens)
				out.Truncated = true
			}
			return out, nil
		}

		for i, call := range calls {
			result, stop, err := a.invoke(ctx, call)
			if err != nil {
				return nil, &Error{Agent: a.cfg.Name, Step: step, Err: err}
			}
			record(domain.ToolResult(call, result))
			collect(result)
			if opts.OnToolResult != nil {
				opts.OnToolResult(ctx, call, result)
			}
			if stop {
				for _, skipped := range calls[i+1:] {
					record(domain.ToolResult(skipped, "Skipped: the turn was handed to the user."))
				}
				record(domain.AssistantMessage(result))
				out.Text = result
				return out, nil
			}
		}
	}

	slog.Warn("Agent reached iteration cap", "agent", a.cfg.Name, "max_iterations", a.cfg.MaxIterations)
	out.Truncated = true
	return out, nil
}

// callModel streams one model response, forwarding reasoning and answer text
// to the bound sink in generation order.
func (a *Agent) callModel(ctx context.Context, messages []domain.Message) (string, []domain.ToolCall, llm.StopReason, error) {
	start := time.Now()
	req := &llm.Request{
		Model:     a.cfg.Model,
		System:    a.cfg.System,
		Messages:  messages,
		Tools:     a.specs,
		MaxTokens: a.cfg.MaxTokens,
	}

	var text strings.Builder
	var calls []domain.ToolCall
	var reason llm.StopReason
	for chunk, err := range a.client.Stream(ctx, req) {
		if err != nil {
			a.cfg.Metrics.RecordModelCall(a.cfg.Name, "error", time.Since(start))
			return "", nil, "", err
		}
		if chunk.StopReason != "" {
			reason = chunk.StopReason
		}
		switch {
		case chunk.Reasoning != "":
			a.emit(ctx, stream.Reasoning(a.cfg.Name, chunk.Reasoning))
		case chunk.Text != "":
			text.WriteString(chunk.Text)
			if a.cfg.Output == OutputChunks {
				a.emit(ctx, stream.Chunk(chunk.Text))
			} else {
				a.emit(ctx, stream.Reasoning(a.cfg.Name, chunk.Text))
			}
		case chunk.ToolCall != nil:
			call := *chunk.ToolCall
			if call.ID == "" {
				call.ID = "call_" + uuid.NewString()
			}
			calls = append(calls, call)
		}
	}
	a.cfg.Metrics.RecordModelCall(a.cfg.Name, "success", time.Since(start))
	return text.String(), calls, reason, nil
}

func (a *Agent) emit(ctx context.Context, e stream.Event) {
	if err := stream.Emit(ctx, e); err != nil {
		slog.Debug("Dropped stream event", "agent", a.cfg.Name, "type", e.Type, "error", err)
	}
}

// invoke runs one tool call. Tool failures become "Error: ..." text for the
// model; only cancellation of ctx is returned as an error. stop reports that
// the tool ended the loop.
func (a *Agent) invoke(ctx context.Context, call domain.ToolCall) (result string, stop bool, err error) {
	start := time.Now()
	status := "success"
	ctx, span := observability.StartSpan(ctx, "agent.tool",
		attribute.String("agent", a.cfg.Name), attribute.String("tool", call.Name))
	defer func() {
		a.cfg.Metrics.RecordToolCall(call.Name, status, time.Since(start))
		observability.EndSpan(span, err)
	}()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Tool panicked", "agent", a.cfg.Name, "tool", call.Name, "panic", r)
			status = "error"
			result, stop, err = fmt.Sprintf("Error: %v", r), false, nil
		}
	}()

	c, ok := a.registry.Get(call.Name)
	if !ok {
		status = "unknown"
		return fmt.Sprintf("Error: unknown tool %q. Available tools: %s",
			call.Name, strings.Join(a.registry.Names(), ", ")), false, nil
	}
	if err := tools.Validate(c, call.Input); err != nil {
		status = "error"
		return "Error: " + err.Error(), false, nil
	}

	args := call.Input
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	slog.Debug("Invoking tool", "agent", a.cfg.Name, "tool", call.Name)
	out, err := c.Invoke(ctx, args)
	switch {
	case errors.Is(err, tools.ErrStop):
		return out, true, nil
	case err != nil && ctx.Err() != nil:
		status = "error"
		return "", false, ctx.Err()
	case err != nil:
		status = "error"
		slog.Info("Tool failed", "agent", a.cfg.Name, "tool", call.Name, "error", err)
		return "Error: " + err.Error(), false, nil
	}
	return out, false, nil
}
