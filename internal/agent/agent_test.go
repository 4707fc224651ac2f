package agent

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/sqlsight/internal/config"
	"github.com/ashureev/sqlsight/internal/domain"
	"github.com/ashureev/sqlsight/internal/llm"
	"github.com/ashureev/sqlsight/internal/llm/llmtest"
	"github.com/ashureev/sqlsight/internal/schema"
	"github.com/ashureev/sqlsight/internal/stream"
	"github.com/ashureev/sqlsight/internal/tools"
)

func bound(t *testing.T) (context.Context, *stream.Recorder) {
	t.Helper()
	rec := &stream.Recorder{}
	ctx, b := stream.Bind(context.Background(), rec)
	t.Cleanup(b.Release)
	return ctx, rec
}

func echoTool(calls *[]string) tools.Capability {
	return tools.New("echo", "Echoes text.",
		`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`,
		func(_ context.Context, raw json.RawMessage) (string, error) {
			var args struct{ Text string }
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", err
			}
			*calls = append(*calls, args.Text)
			return "echo: " + args.Text, nil
		})
}

func TestRunStreamsInGenerationOrder(t *testing.T) {
	client := llmtest.NewScripted(llmtest.Step{Chunks: []llm.Chunk{
		{Reasoning: "think 1"},
		{Text: "The total "},
		{Reasoning: "think 2"},
		{Text: "is 42."},
	}})
	a := New(client, Config{Name: "main_agent", Output: OutputChunks})
	ctx, rec := bound(t)

	out, err := a.Run(ctx, []domain.Message{domain.UserMessage("total?")}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "The total is 42.", out.Text)
	assert.Equal(t, []stream.Event{
		stream.Reasoning("main_agent", "think 1"),
		stream.Chunk("The total "),
		stream.Reasoning("main_agent", "think 2"),
		stream.Chunk("is 42."),
	}, rec.Events())
}

func TestRunDelegateModeStreamsTextAsReasoning(t *testing.T) {
	a := New(llmtest.NewScripted(llmtest.Reply("rows found")), Config{Name: "research_agent"})
	ctx, rec := bound(t)

	_, err := a.Run(ctx, []domain.Message{domain.UserMessage("q")}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []stream.Event{stream.Reasoning("research_agent", "rows found")}, rec.Events())
}

func TestRunWithoutSinkIsSilent(t *testing.T) {
	a := New(llmtest.NewScripted(llmtest.Reply("ok")), Config{Name: "a"})
	out, err := a.Run(context.Background(), []domain.Message{domain.UserMessage("q")}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Text)
}

func TestRunExecutesToolsInOrder(t *testing.T) {
	var calls []string
	client := llmtest.NewScripted(
		llmtest.Step{Calls: []domain.ToolCall{
			llmtest.NewCall("c1", "echo", map[string]string{"text": "first"}),
			llmtest.NewCall("c2", "echo", map[string]string{"text": "second"}),
		}},
		llmtest.Reply("done"),
	)
	a := New(client, Config{Name: "a", Tools: []tools.Capability{echoTool(&calls)}})

	var observed []string
	out, err := a.Run(context.Background(), []domain.Message{domain.UserMessage("go")}, RunOptions{
		OnToolResult: func(_ context.Context, call domain.ToolCall, result string) {
			observed = append(observed, call.ID+"="+result)
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, calls)
	assert.Equal(t, []string{"c1=echo: first", "c2=echo: second"}, observed)
	assert.Equal(t, 2, out.Steps)
	require.Len(t, out.Messages, 4)
	assert.Equal(t, domain.RoleAssistant, out.Messages[0].Role)
	assert.Len(t, out.Messages[0].ToolCalls, 2)
	assert.Equal(t, domain.ToolResult(domain.ToolCall{ID: "c1", Name: "echo"}, "echo: first"), out.Messages[1])
	assert.Equal(t, "c2", out.Messages[2].ToolCallID)
	assert.Equal(t, domain.AssistantMessage("done"), out.Messages[3])

	reqs := client.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].Messages, 4, "second call sees the user message, the tool calls and both results")
	assert.Equal(t, []string{"echo"}, toolNames(reqs[0].Tools))
}

func toolNames(specs []llm.ToolSpec) []string {
	var out []string
	for _, s := range specs {
		out = append(out, s.Name)
	}
	return out
}

func TestRunIterationCapIsNotAFailure(t *testing.T) {
	var calls []string
	loop := llmtest.Step{Text: []string{"still working"}, Calls: []domain.ToolCall{llmtest.NewCall("", "echo", map[string]string{"text": "x"})}}
	a := New(llmtest.NewScripted(loop, loop, loop), Config{Name: "a", MaxIterations: 2, Tools: []tools.Capability{echoTool(&calls)}})

	out, err := a.Run(context.Background(), []domain.Message{domain.UserMessage("go")}, RunOptions{})
	require.NoError(t, err)
	assert.True(t, out.Truncated)
	assert.Equal(t, 2, out.Steps)
	assert.Equal(t, "still working", out.Text)
	assert.Len(t, calls, 2)
	assert.NotEmpty(t, out.Messages[0].ToolCalls[0].ID, "missing call ids are filled in")
}

func TestRunTokenLimitMarksTruncated(t *testing.T) {
	a := New(llmtest.NewScripted(llmtest.Step{Text: []string{"The top three services are"}, Stop: llm.StopMaxTokens}),
		Config{Name: "a", MaxIterations: 3, MaxTokens: 16})

	out, err := a.Run(context.Background(), []domain.Message{domain.UserMessage("go")}, RunOptions{})
	require.NoError(t, err)
	assert.True(t, out.Truncated)
	assert.Equal(t, 1, out.Steps)
	assert.Equal(t, "The top three services are", out.Text)

	out, err = New(llmtest.NewScripted(llmtest.Reply("complete")), Config{Name: "a", MaxIterations: 3}).
		Run(context.Background(), []domain.Message{domain.UserMessage("go")}, RunOptions{})
	require.NoError(t, err)
	assert.False(t, out.Truncated)
}

func TestRunToolFailuresAreSoft(t *testing.T) {
	failing := tools.New("fail", "Always fails.", `{"type":"object"}`,
		func(context.Context, json.RawMessage) (string, error) {
			return "", tools.Failf("fail", "connection refused")
		})
	panicking := tools.New("boom", "Panics.", `{"type":"object"}`,
		func(context.Context, json.RawMessage) (string, error) { panic("kaboom") })
	var calls []string
	client := llmtest.NewScripted(
		llmtest.Step{Calls: []domain.ToolCall{
			llmtest.NewCall("1", "missing", map[string]string{}),
			llmtest.NewCall("2", "echo", map[string]int{"text": 3}),
			llmtest.NewCall("3", "fail", map[string]string{}),
			llmtest.NewCall("4", "boom", map[string]string{}),
		}},
		llmtest.Reply("sorry"),
	)
	a := New(client, Config{Name: "a", Tools: []tools.Capability{echoTool(&calls), failing, panicking}})

	out, err := a.Run(context.Background(), []domain.Message{domain.UserMessage("go")}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "sorry", out.Text)
	assert.Empty(t, calls)

	results := out.Messages[1:5]
	assert.Contains(t, results[0].Content, `Error: unknown tool "missing"`)
	assert.Contains(t, results[1].Content, "Error: ")
	assert.Equal(t, "Error: connection refused", results[2].Content)
	assert.Equal(t, "Error: kaboom", results[3].Content)
}

func TestRunModelErrorIsAgentError(t *testing.T) {
	a := New(llmtest.NewScripted(llmtest.Step{Err: errors.New("throttled")}), Config{Name: "research_agent"})

	_, err := a.Run(context.Background(), []domain.Message{domain.UserMessage("q")}, RunOptions{})
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "research_agent", ae.Agent)
	assert.Equal(t, 1, ae.Step)
}

func TestRunStopsOnHandoffBreakout(t *testing.T) {
	client := llmtest.NewScripted(llmtest.Step{Calls: []domain.ToolCall{
		llmtest.NewCall("h", tools.HandoffName, map[string]any{"message": "Which account?", "breakout_of_loop": true}),
		llmtest.NewCall("e", "echo", map[string]string{"text": "never"}),
	}})
	var calls []string
	a := New(client, Config{Name: "main_agent", Output: OutputChunks, Tools: []tools.Capability{tools.Handoff(), echoTool(&calls)}})
	ctx, rec := bound(t)

	out, err := a.Run(ctx, []domain.Message{domain.UserMessage("costs")}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Which account?", out.Text)
	assert.Empty(t, calls)
	assert.Equal(t, []stream.Event{stream.Handoff("Which account?")}, rec.Events())
	last := out.Messages[len(out.Messages)-1]
	assert.Equal(t, domain.AssistantMessage("Which account?"), last)
	assert.Equal(t, "e", out.Messages[2].ToolCallID, "skipped calls still get a result")
}

func TestDelegateConvertsErrorsToText(t *testing.T) {
	a := New(llmtest.NewScripted(llmtest.Step{Err: errors.New("model down")}), Config{Name: "research_agent"})
	d := NewDelegate(a, "research")

	out, err := d.Invoke(context.Background(), json.RawMessage(`{"query":"total cost"}`))
	require.NoError(t, err)
	assert.Equal(t, "Error: agent research_agent step 1: model down", out)
}

type panicClient struct{}

func (panicClient) Name() string { return "panic" }
func (panicClient) Stream(context.Context, *llm.Request) iter.Seq2[*llm.Chunk, error] {
	panic("provider exploded")
}

func TestDelegateRecoversPanics(t *testing.T) {
	d := NewDelegate(New(panicClient{}, Config{Name: "visualization_agent"}), "viz")

	out, err := d.Invoke(context.Background(), json.RawMessage(`{"question":"chart it"}`))
	require.NoError(t, err)
	assert.Equal(t, "Error: provider exploded", out)
}

func TestDelegateForwardsQuestionVerbatim(t *testing.T) {
	client := llmtest.NewScripted(llmtest.Reply("ok"))
	d := NewDelegate(New(client, Config{Name: "research_agent"}), "research")

	_, err := d.Invoke(context.Background(), json.RawMessage(`{"query":"What is the total cost for EC2 instances"}`))
	require.NoError(t, err)
	reqs := client.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, []domain.Message{domain.UserMessage("What is the total cost for EC2 instances")}, reqs[0].Messages)
}

func TestDelegateScansArtifacts(t *testing.T) {
	chartTool := tools.New("generate_pie_chart", "Pie.", `{"type":"object"}`,
		func(context.Context, json.RawMessage) (string, error) {
			return "Chart saved to generated_charts/Share_1700000000.png", nil
		})
	client := llmtest.NewScripted(
		llmtest.Call("c1", "generate_pie_chart", map[string]string{"query": "select 1"}),
		llmtest.Reply("Here is the chart: generated_charts/Share_1700000000.png"),
	)
	d := NewDelegate(New(client, Config{Name: "visualization_agent", Tools: []tools.Capability{chartTool}}), "viz", WithArtifactScan())
	ctx, rec := bound(t)

	out, err := d.Invoke(ctx, json.RawMessage(`{"query":"pie of services"}`))
	require.NoError(t, err)
	assert.Equal(t, "generated_charts/Share_1700000000.png\n\nHere is the chart: generated_charts/Share_1700000000.png", out)
	assert.Equal(t, []stream.Event{stream.Chart("/charts/Share_1700000000.png")}, rec.OfType(stream.TypeChart))

	// The chart event precedes the agent's final text.
	events := rec.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, stream.TypeChart, events[0].Type)
}

func TestNewCoordinatorCapabilities(t *testing.T) {
	ts := Toolset{Schema: schema.NewStoreFromTables(nil)}
	coord, err := NewCoordinator(llmtest.NewScripted(), ts, Options{Limits: config.AgentConfig{
		ResearchMaxIterations: 10, VisualizationMaxIterations: 10, CoordinatorMaxIterations: 10,
	}})
	require.NoError(t, err)

	assert.Equal(t, CoordinatorName, coord.Name())
	assert.Equal(t, []string{ResearchName, VisualizationName, tools.HandoffName}, coord.ToolNames())
	assert.NotContains(t, coord.ToolNames(), "execute_query")

	viz, err := NewVisualization(llmtest.NewScripted(), ts, Options{})
	require.NoError(t, err)
	assert.Len(t, viz.ToolNames(), 18)
	assert.Contains(t, viz.System(), "generate_word_cloud_chart")
	assert.NotContains(t, viz.System(), "{{charts}}")
}

func TestDefaultPrompts(t *testing.T) {
	p, err := DefaultPrompts()
	require.NoError(t, err)
	assert.Contains(t, p.Coordinator, "handoff_to_user")
	assert.Contains(t, p.Research, "get_tables")
}
