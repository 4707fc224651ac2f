package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/sqlsight/internal/domain"
	"github.com/ashureev/sqlsight/internal/stream"
	"github.com/ashureev/sqlsight/internal/tools"
)

const delegateSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "The user's full question, verbatim."},
    "question": {"type": "string", "description": "Alias of query."}
  },
  "anyOf": [{"required": ["query"]}, {"required": ["question"]}]
}`

// Delegate exposes an agent as a capability of another agent. Every run is
// a fresh conversation holding only the question.
type Delegate struct {
	agent         *Agent
	description   string
	scanArtifacts bool
}

// DelegateOption configures a Delegate.
type DelegateOption func(*Delegate)

// WithArtifactScan makes the delegate announce every chart path found in its
// tool results as a chart event and list the paths ahead of its answer.
func WithArtifactScan() DelegateOption {
	return func(d *Delegate) { d.scanArtifacts = true }
}

// NewDelegate wraps a.
func NewDelegate(a *Agent, description string, opts ...DelegateOption) *Delegate {
	d := &Delegate{agent: a, description: description}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Delegate) Name() string            { return d.agent.Name() }
func (d *Delegate) Description() string     { return d.description }
func (d *Delegate) Schema() json.RawMessage { return json.RawMessage(delegateSchema) }

// Invoke runs the wrapped agent. Failures, panics included, are returned as
// "Error: <message>" text and never as an error.
func (d *Delegate) Invoke(ctx context.Context, raw json.RawMessage) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Delegate panicked", "agent", d.Name(), "panic", r)
			text, err = fmt.Sprintf("Error: %v", r), nil
		}
	}()

	var args struct {
		Query    string `json:"query"`
		Question string `json:"question"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return "Error: invalid arguments: " + err.Error(), nil
		}
	}
	question := args.Query
	if question == "" {
		question = args.Question
	}

	var opts RunOptions
	seen := map[string]bool{}
	announce := func(ctx context.Context, paths []string) {
		for _, p := range paths {
			if seen[p] {
				continue
			}
			seen[p] = true
			if err := stream.EmitChart(ctx, ArtifactURL(p)); err != nil {
				slog.Debug("Dropped chart event", "agent", d.Name(), "error", err)
			}
		}
	}
	if d.scanArtifacts {
		opts.OnToolResult = func(ctx context.Context, _ domain.ToolCall, result string) {
			announce(ctx, ExtractArtifactPaths(result))
		}
	}

	out, runErr := d.agent.Run(ctx, []domain.Message{domain.UserMessage(question)}, opts)
	if runErr != nil {
		slog.Warn("Delegate failed", "agent", d.Name(), "error", runErr)
		return "Error: " + runErr.Error(), nil
	}
	if !d.scanArtifacts || len(out.Artifacts) == 0 {
		return out.Text, nil
	}

	paths := make([]string, len(out.Artifacts))
	for i, a := range out.Artifacts {
		paths[i] = a.Path
	}
	announce(ctx, paths)
	return strings.Join(paths, "\n") + "\n\n" + out.Text, nil
}

var _ tools.Capability = (*Delegate)(nil)
