package session

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/sqlsight/internal/agent"
	"github.com/ashureev/sqlsight/internal/chart"
	"github.com/ashureev/sqlsight/internal/config"
	"github.com/ashureev/sqlsight/internal/domain"
	"github.com/ashureev/sqlsight/internal/llm/llmtest"
	"github.com/ashureev/sqlsight/internal/query"
	"github.com/ashureev/sqlsight/internal/schema"
	"github.com/ashureev/sqlsight/internal/stream"
)

var testPrompts = &agent.Prompts{Coordinator: "coordinator", Research: "research", Visualization: "visualization"}

type runnerFunc func(ctx context.Context, history []domain.Message, opts agent.RunOptions) (*agent.Outcome, error)

func (f runnerFunc) Run(ctx context.Context, history []domain.Message, opts agent.RunOptions) (*agent.Outcome, error) {
	return f(ctx, history, opts)
}

type fakeCharts struct{ path string }

func (f fakeCharts) Render(context.Context, chart.Kind, chart.Request) (string, error) {
	return f.path, nil
}

type memStore struct {
	mu       sync.Mutex
	convs    []string
	messages []domain.Message
}

func (m *memStore) CreateConversation(_ context.Context, c *domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs = append(m.convs, c.ID)
	return nil
}

func (m *memStore) AppendMessages(_ context.Context, _ string, msgs []domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msgs...)
	return nil
}

func newCoordinator(t *testing.T, client *llmtest.Scripted, ts agent.Toolset) *agent.Agent {
	t.Helper()
	coord, err := agent.NewCoordinator(client, ts, agent.Options{
		Prompts: testPrompts,
		Limits:  config.AgentConfig{ResearchMaxIterations: 10, VisualizationMaxIterations: 10, CoordinatorMaxIterations: 10},
	})
	require.NoError(t, err)
	return coord
}

func costSchema() *schema.Store {
	return schema.NewStoreFromTables([]domain.TableSchema{{
		TableName:   "costs",
		Description: "Daily cloud cost per service.",
		Columns: []domain.ColumnSchema{
			{ColumnName: "service", DataType: "text"},
			{ColumnName: "cost", DataType: "numeric"},
		},
	}})
}

func chunks(events []stream.Event) string {
	var b strings.Builder
	for _, e := range events {
		if e.Type == stream.TypeChunk {
			b.WriteString(e.Data)
		}
	}
	return b.String()
}

func assertSingleTerminalLast(t *testing.T, events []stream.Event) {
	t.Helper()
	require.NotEmpty(t, events)
	terminals := 0
	for _, e := range events {
		if e.Terminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals, "exactly one terminal event")
	assert.True(t, events[len(events)-1].Terminal(), "terminal event is last")
}

func TestScenarioResearchAnswerStreamsChunks(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT SUM(cost) AS total FROM costs WHERE service = 'EC2'")).
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(1234.5))

	question := "What is the total cost for EC2 instances"
	client := llmtest.NewScripted().
		On("coordinator",
			llmtest.Call("c1", agent.ResearchName, map[string]string{"query": question}),
			llmtest.Reply("The total cost for EC2 instances ", "is 1234.5."),
		).
		On("research",
			llmtest.Call("r1", "get_tables", map[string]string{}),
			llmtest.Call("r2", "execute_query", map[string]string{"query": "SELECT SUM(cost) AS total FROM costs WHERE service = 'EC2'"}),
			llmtest.Reply("EC2 instances cost 1234.5 in total."),
		)
	coord := newCoordinator(t, client, agent.Toolset{Schema: costSchema(), Queries: query.NewExecutor(db)})

	rec := &stream.Recorder{}
	store := &memStore{}
	s := New("s1", coord, rec, Options{UserID: "u1", Store: store})
	require.NoError(t, s.RunTurn(context.Background(), question))

	events := rec.Events()
	assertSingleTerminalLast(t, events)
	assert.Equal(t, stream.Done(), events[len(events)-1])
	assert.Equal(t, "The total cost for EC2 instances is 1234.5.", chunks(events))
	assert.Contains(t, rec.OfType(stream.TypeReasoning), stream.Reasoning(agent.ResearchName, "EC2 instances cost 1234.5 in total."))
	assert.Empty(t, rec.OfType(stream.TypeChart))
	require.NoError(t, mock.ExpectationsWereMet())

	history := s.History()
	assert.Equal(t, domain.UserMessage(question), history[0])
	assert.Equal(t, domain.AssistantMessage("The total cost for EC2 instances is 1234.5."), history[len(history)-1])
	assert.Equal(t, []string{"s1"}, store.convs)
	assert.Equal(t, history, store.messages)
	assert.Equal(t, StateIdle, s.State())

	var sawRows bool
	for _, req := range client.Requests() {
		for _, m := range req.Messages {
			if m.Role == domain.RoleTool && strings.Contains(m.Content, "Row 1: (1234.5)") {
				sawRows = true
			}
		}
	}
	assert.True(t, sawRows, "research agent received the query rows")
}

func TestScenarioChartAfterConfirmation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	client := llmtest.NewScripted().
		On("coordinator",
			llmtest.Call("h1", "handoff_to_user", map[string]string{"message": "Shall I create a pie chart of cost by service?"}),
			llmtest.Call("v1", agent.VisualizationName, map[string]string{"query": "Pie chart of cost by service"}),
			llmtest.Reply("Here is your chart."),
		).
		On("visualization",
			llmtest.Call("p1", "generate_pie_chart", map[string]string{"query": "SELECT service AS type, SUM(cost) AS value FROM costs GROUP BY service"}),
			llmtest.Reply("Created generated_charts/Cost_by_service_1700000000.png"),
		)
	coord := newCoordinator(t, client, agent.Toolset{
		Schema:  costSchema(),
		Queries: query.NewExecutor(db),
		Charts:  fakeCharts{path: "generated_charts/Cost_by_service_1700000000.png"},
	})

	rec := &stream.Recorder{}
	s := New("s1", coord, rec, Options{UserID: "u1"})
	inbox := make(chan string)
	served := make(chan struct{})
	go func() {
		defer close(served)
		s.Serve(context.Background(), inbox)
	}()

	inbox <- "Chart the cost by service"
	require.Eventually(t, func() bool { return len(rec.OfType(stream.TypeHandoff)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.OfType(stream.TypeChart), "no chart before confirmation")

	inbox <- "yes"
	require.Eventually(t, func() bool { return len(rec.OfType(stream.TypeDone)) == 1 }, 2*time.Second, 5*time.Millisecond)
	close(inbox)
	<-served

	events := rec.Events()
	assertSingleTerminalLast(t, events)
	handoffAt, chartAt := -1, -1
	for i, e := range events {
		switch e.Type {
		case stream.TypeHandoff:
			handoffAt = i
		case stream.TypeChart:
			chartAt = i
		}
	}
	assert.Equal(t, []stream.Event{stream.Chart("/charts/Cost_by_service_1700000000.png")}, rec.OfType(stream.TypeChart))
	assert.Less(t, handoffAt, chartAt)
	assert.Equal(t, "Here is your chart.", chunks(events))
	require.NoError(t, mock.ExpectationsWereMet())

	reqs := client.Requests()
	var sawReply bool
	for _, req := range reqs {
		for _, m := range req.Messages {
			if m.Role == domain.RoleTool && m.Name == "handoff_to_user" && m.Content == "yes" {
				sawReply = true
			}
		}
	}
	assert.True(t, sawReply, "the confirmation reached the coordinator as the handoff result")
}

func TestScenarioUnsafeQueryNeverRuns(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	client := llmtest.NewScripted().
		On("coordinator",
			llmtest.Call("c1", agent.ResearchName, map[string]string{"query": "drop the costs table"}),
			llmtest.Reply("I can only read data."),
		).
		On("research",
			llmtest.Call("r1", "execute_query", map[string]string{"query": "DROP TABLE costs"}),
			llmtest.Reply("The query was refused."),
		)
	coord := newCoordinator(t, client, agent.Toolset{Schema: costSchema(), Queries: query.NewExecutor(db)})
	rec := &stream.Recorder{}
	s := New("s1", coord, rec, Options{})

	require.NoError(t, s.RunTurn(context.Background(), "drop the costs table"))
	require.NoError(t, mock.ExpectationsWereMet())

	var rejection string
	for _, req := range client.Requests() {
		for _, m := range req.Messages {
			if m.ToolCallID == "r1" {
				rejection = m.Content
			}
		}
	}
	assert.Equal(t, query.RejectionText, rejection)
	assert.Empty(t, rec.OfType(stream.TypeChart))
	assert.Equal(t, "I can only read data.", chunks(rec.Events()))
	assertSingleTerminalLast(t, rec.Events())
}

func TestRunTurnFailureEmitsErrorAndKeepsHistory(t *testing.T) {
	client := llmtest.NewScripted().On("coordinator", llmtest.Step{Err: errors.New("throttled")})
	coord := newCoordinator(t, client, agent.Toolset{Schema: costSchema()})
	rec := &stream.Recorder{}
	s := New("s1", coord, rec, Options{})

	require.NoError(t, s.RunTurn(context.Background(), "hi"))

	events := rec.Events()
	assertSingleTerminalLast(t, events)
	assert.Equal(t, stream.Failure("agent main_agent step 1: throttled"), events[len(events)-1])
	assert.Equal(t, []domain.Message{
		domain.UserMessage("hi"),
		domain.AssistantMessage("Error: agent main_agent step 1: throttled"),
	}, s.History())
	assert.Equal(t, StateIdle, s.State(), "the connection stays usable")
}

func TestRunTurnRecoversPanicAndReleasesBinding(t *testing.T) {
	var turnCtx context.Context
	coord := runnerFunc(func(ctx context.Context, _ []domain.Message, _ agent.RunOptions) (*agent.Outcome, error) {
		turnCtx = ctx
		_ = stream.EmitChunk(ctx, "partial")
		panic("boom")
	})
	rec := &stream.Recorder{}
	s := New("s1", coord, rec, Options{})

	require.NoError(t, s.RunTurn(context.Background(), "hi"))

	assert.Equal(t, []stream.Event{stream.Chunk("partial"), stream.Failure("internal error: boom")}, rec.Events())
	assert.Nil(t, stream.Current(turnCtx), "binding released")
	require.NoError(t, stream.EmitChunk(turnCtx, "late"))
	assert.Len(t, rec.Events(), 2, "emits after the turn are dropped")
}

func TestRunTurnDeduplicatesCharts(t *testing.T) {
	coord := runnerFunc(func(ctx context.Context, _ []domain.Message, opts agent.RunOptions) (*agent.Outcome, error) {
		_ = stream.EmitChart(ctx, "/charts/a.png")
		opts.OnToolResult(ctx, domain.ToolCall{ID: "1", Name: agent.VisualizationName},
			"generated_charts/a.png\ngenerated_charts/b.png\n\nDone")
		return &agent.Outcome{Text: "ok", Messages: []domain.Message{domain.AssistantMessage("ok")}}, nil
	})
	rec := &stream.Recorder{}
	s := New("s1", coord, rec, Options{})

	require.NoError(t, s.RunTurn(context.Background(), "chart"))
	assert.Equal(t, []stream.Event{stream.Chart("/charts/a.png"), stream.Chart("/charts/b.png")}, rec.OfType(stream.TypeChart))
}

func TestTurnsAreIndependentAcrossSessions(t *testing.T) {
	gate := make(chan struct{})
	coordFor := func(word string) runnerFunc {
		return func(ctx context.Context, _ []domain.Message, _ agent.RunOptions) (*agent.Outcome, error) {
			<-gate
			for i := 0; i < 20; i++ {
				_ = stream.EmitChunk(ctx, word)
			}
			return &agent.Outcome{Text: word}, nil
		}
	}
	recA, recB := &stream.Recorder{}, &stream.Recorder{}
	a := New("a", coordFor("alpha"), recA, Options{})
	b := New("b", coordFor("beta"), recB, Options{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); assert.NoError(t, a.RunTurn(context.Background(), "q")) }()
	go func() { defer wg.Done(); assert.NoError(t, b.RunTurn(context.Background(), "q")) }()
	close(gate)
	wg.Wait()

	assert.Equal(t, strings.Repeat("alpha", 20), chunks(recA.Events()))
	assert.Equal(t, strings.Repeat("beta", 20), chunks(recB.Events()))
	assertSingleTerminalLast(t, recA.Events())
	assertSingleTerminalLast(t, recB.Events())
}

func TestUndeliveredTerminalDisconnects(t *testing.T) {
	coord := runnerFunc(func(context.Context, []domain.Message, agent.RunOptions) (*agent.Outcome, error) {
		return &agent.Outcome{Text: "ok"}, nil
	})
	gone := errors.New("connection closed")
	out := stream.SinkFunc(func(context.Context, stream.Event) error { return gone })
	s := New("s1", coord, out, Options{})

	assert.ErrorIs(t, s.RunTurn(context.Background(), "hi"), gone)
	assert.Equal(t, StateDisconnected, s.State())
	assert.ErrorIs(t, s.RunTurn(context.Background(), "again"), ErrClosed)
}

func TestServeCancelsInFlightTurnOnDisconnect(t *testing.T) {
	started := make(chan struct{})
	var runErr error
	coord := runnerFunc(func(ctx context.Context, _ []domain.Message, _ agent.RunOptions) (*agent.Outcome, error) {
		close(started)
		<-ctx.Done()
		runErr = ctx.Err()
		return nil, ctx.Err()
	})
	rec := &stream.Recorder{}
	s := New("s1", coord, rec, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	inbox := make(chan string, 1)
	served := make(chan struct{})
	go func() {
		defer close(served)
		s.Serve(ctx, inbox)
	}()

	inbox <- "long question"
	<-started
	cancel()
	<-served

	assert.ErrorIs(t, runErr, context.Canceled)
	assert.Equal(t, StateDisconnected, s.State())
	assertSingleTerminalLast(t, rec.Events())
}

func TestRejectDuringTurnWaitsForTerminalEvent(t *testing.T) {
	rec := &stream.Recorder{}
	var s *Session
	coord := runnerFunc(func(ctx context.Context, _ []domain.Message, _ agent.RunOptions) (*agent.Outcome, error) {
		_ = stream.EmitChunk(ctx, "partial")
		require.NoError(t, s.Reject(ctx, "slow down"))
		_ = stream.EmitChunk(ctx, " answer")
		return &agent.Outcome{Text: "partial answer"}, nil
	})
	s = New("s1", coord, rec, Options{})

	require.NoError(t, s.RunTurn(context.Background(), "hi"))
	assert.Equal(t, []stream.Event{
		stream.Chunk("partial"),
		stream.Chunk(" answer"),
		stream.Done(),
		stream.Failure("slow down"),
	}, rec.Events())

	require.NoError(t, s.Reject(context.Background(), "still too fast"))
	events := rec.Events()
	assert.Equal(t, stream.Failure("still too fast"), events[len(events)-1])
}

func TestAwaitingReplyTracksHandoff(t *testing.T) {
	asked := make(chan struct{})
	coord := runnerFunc(func(ctx context.Context, _ []domain.Message, _ agent.RunOptions) (*agent.Outcome, error) {
		close(asked)
		reply, err := stream.AskerFrom(ctx).Ask(ctx, "Proceed?")
		if err != nil {
			return nil, err
		}
		return &agent.Outcome{Text: reply}, nil
	})
	s := New("s1", coord, &stream.Recorder{}, Options{})
	assert.False(t, s.AwaitingReply())

	done := make(chan error, 1)
	go func() { done <- s.RunTurn(context.Background(), "chart it") }()
	<-asked
	require.Eventually(t, s.AwaitingReply, 5*time.Second, 5*time.Millisecond)

	require.True(t, s.deliver("yes"))
	require.NoError(t, <-done)
	assert.False(t, s.AwaitingReply())
}
