package agent

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/sqlsight/internal/config"
	"github.com/ashureev/sqlsight/internal/llm"
	"github.com/ashureev/sqlsight/internal/observability"
	"github.com/ashureev/sqlsight/internal/tools"
)

// Agent names.
const (
	CoordinatorName   = "main_agent"
	ResearchName      = "research_agent"
	VisualizationName = "visualization_agent"
)

//go:embed prompts.yaml
var promptsYAML []byte

// Prompts are the system prompts of the three agents.
type Prompts struct {
	Coordinator   string `yaml:"coordinator"`
	Research      string `yaml:"research"`
	Visualization string `yaml:"visualization"`
}

var (
	promptsOnce sync.Once
	prompts     Prompts
	promptsErr  error
)

// DefaultPrompts returns the embedded prompts.
func DefaultPrompts() (Prompts, error) {
	promptsOnce.Do(func() {
		if err := yaml.Unmarshal(promptsYAML, &prompts); err != nil {
			promptsErr = fmt.Errorf("parse prompts: %w", err)
			return
		}
		if prompts.Coordinator == "" || prompts.Research == "" || prompts.Visualization == "" {
			promptsErr = fmt.Errorf("parse prompts: missing prompt")
		}
	})
	return prompts, promptsErr
}

// Toolset holds the collaborators the leaf tools wrap.
type Toolset struct {
	Schema  tools.SchemaReader
	Queries tools.QueryRunner
	Charts  tools.ChartRenderer
}

// Options configures the agent tree.
type Options struct {
	Model     string
	MaxTokens int
	Limits    config.AgentConfig
	Prompts   *Prompts
	Metrics   *observability.Metrics
}

func (o Options) prompts() (Prompts, error) {
	if o.Prompts != nil {
		return *o.Prompts, nil
	}
	return DefaultPrompts()
}

// NewResearch builds the research agent: schema lookup and read-only SQL.
func NewResearch(client llm.Client, ts Toolset, opts Options) (*Agent, error) {
	p, err := opts.prompts()
	if err != nil {
		return nil, err
	}
	return New(client, Config{
		Name:          ResearchName,
		System:        strings.TrimSpace(p.Research),
		Model:         opts.Model,
		MaxTokens:     opts.MaxTokens,
		MaxIterations: opts.Limits.ResearchMaxIterations,
		Output:        OutputReasoning,
		Tools:         []tools.Capability{tools.GetTables(ts.Schema), tools.ReadSchema(ts.Schema), tools.ExecuteQuery(ts.Queries)},
		Metrics:       opts.Metrics,
	}), nil
}

// NewVisualization builds the visualization agent: schema lookup, SQL and
// every chart kind.
func NewVisualization(client llm.Client, ts Toolset, opts Options) (*Agent, error) {
	p, err := opts.prompts()
	if err != nil {
		return nil, err
	}
	charts := tools.Charts(ts.Charts)
	names := make([]string, len(charts))
	for i, c := range charts {
		names[i] = c.Name()
	}
	caps := append([]tools.Capability{tools.ReadSchema(ts.Schema), tools.ExecuteQuery(ts.Queries)}, charts...)
	return New(client, Config{
		Name:          VisualizationName,
		System:        strings.TrimSpace(strings.ReplaceAll(p.Visualization, "{{charts}}", strings.Join(names, ", "))),
		Model:         opts.Model,
		MaxTokens:     opts.MaxTokens,
		MaxIterations: opts.Limits.VisualizationMaxIterations,
		Output:        OutputReasoning,
		Tools:         caps,
		Metrics:       opts.Metrics,
	}), nil
}

// NewCoordinator builds the top-level agent. Its only capabilities are the
// two delegates and the human handoff, so it cannot reach the database
// itself.
func NewCoordinator(client llm.Client, ts Toolset, opts Options) (*Agent, error) {
	p, err := opts.prompts()
	if err != nil {
		return nil, err
	}
	research, err := NewResearch(client, ts, opts)
	if err != nil {
		return nil, err
	}
	viz, err := NewVisualization(client, ts, opts)
	if err != nil {
		return nil, err
	}
	return New(client, Config{
		Name:          CoordinatorName,
		System:        strings.TrimSpace(p.Coordinator),
		Model:         opts.Model,
		MaxTokens:     opts.MaxTokens,
		MaxIterations: opts.Limits.CoordinatorMaxIterations,
		Output:        OutputChunks,
		Tools: []tools.Capability{
			NewDelegate(research, "Answers data questions by inspecting the schema and running read-only SQL. Pass the user's full question as query."),
			NewDelegate(viz, "Creates charts from database data. Pass the user's full charting request as query.", WithArtifactScan()),
			tools.Handoff(),
		},
		Metrics: opts.Metrics,
	}), nil
}
