// Package session owns one connection's conversation and runs its turns:
// it binds the per-turn event sink, invokes the coordinator and always ends a
// turn with exactly one terminal event.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ashureev/sqlsight/internal/agent"
	"github.com/ashureev/sqlsight/internal/domain"
	"github.com/ashureev/sqlsight/internal/observability"
	"github.com/ashureev/sqlsight/internal/stream"
)

// ErrClosed is returned by RunTurn once the session is disconnected.
var ErrClosed = errors.New("session closed")

// inboxBacklog bounds the messages queued behind a running turn.
const inboxBacklog = 32

// State is the turn lifecycle state of a session.
type State int32

const (
	StateIdle State = iota
	StateStreaming
	StateFinalizing
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Runner runs the coordinator over a conversation history.
type Runner interface {
	Run(ctx context.Context, history []domain.Message, opts agent.RunOptions) (*agent.Outcome, error)
}

// Persister stores the durable copy of a conversation.
type Persister interface {
	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	AppendMessages(ctx context.Context, conversationID string, messages []domain.Message) error
}

// Options configures a Session. Every field is optional.
type Options struct {
	UserID  string
	Store   Persister
	Log     ConversationLogger
	Metrics *observability.Metrics
}

// Session runs the turns of one connection. Turns never overlap.
type Session struct {
	id      string
	userID  string
	coord   Runner
	out     stream.Sink
	conv    *Conversation
	store   Persister
	log     ConversationLogger
	metrics *observability.Metrics

	state   atomic.Int32
	turnMu  sync.Mutex
	created bool

	mu      sync.Mutex
	pending chan string
	inTurn  bool
	notices []stream.Event
}

// New returns an idle session whose events are written to out.
func New(id string, coord Runner, out stream.Sink, opts Options) *Session {
	if opts.Log == nil {
		opts.Log = NoopConversationLogger()
	}
	return &Session{
		id:      id,
		userID:  opts.UserID,
		coord:   coord,
		out:     out,
		conv:    NewConversation(),
		store:   opts.Store,
		log:     opts.Log,
		metrics: opts.Metrics,
	}
}

// ID identifies the session and its conversation.
func (s *Session) ID() string { return s.id }

// UserID is the anonymous user owning the session.
func (s *Session) UserID() string { return s.userID }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// History returns a copy of the conversation.
func (s *Session) History() []domain.Message { return s.conv.Snapshot() }

func (s *Session) setState(st State) {
	for {
		cur := s.state.Load()
		if State(cur) == StateDisconnected {
			return
		}
		if s.state.CompareAndSwap(cur, int32(st)) {
			return
		}
	}
}

// Disconnect moves the session to its terminal state.
func (s *Session) Disconnect() {
	s.state.Store(int32(StateDisconnected))
}

// RunTurn answers one user message. The returned error is only ever the
// failure to deliver the terminal event; model and tool failures are reported
// to the client as an error event.
func (s *Session) RunTurn(ctx context.Context, text string) (err error) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()
	if s.State() == StateDisconnected {
		return ErrClosed
	}

	s.mu.Lock()
	s.inTurn = true
	s.mu.Unlock()
	defer s.flushNotices(ctx)

	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "session.turn", attribute.String("session_id", s.id))
	defer func() { observability.EndSpan(span, err) }()

	s.setState(StateStreaming)
	s.record(ctx, domain.UserMessage(text))
	s.logEvent("inbound", "user_message", text, nil)

	out, runErr := s.runCoordinator(ctx)

	s.setState(StateFinalizing)
	var terminal stream.Event
	outcome := "done"
	if runErr != nil {
		msg := runErr.Error()
		slog.Warn("Turn failed", "session_id", s.id, "error", runErr)
		s.record(ctx, domain.AssistantMessage("Error: "+msg))
		s.logEvent("outbound", "turn_error", msg, nil)
		terminal = stream.Failure(msg)
		outcome = "error"
	} else {
		s.record(ctx, out.Messages...)
		meta := map[string]any{"steps": out.Steps, "artifacts": len(out.Artifacts)}
		if out.Truncated {
			meta["truncated"] = true
			outcome = "truncated"
		}
		s.logEvent("outbound", "assistant_message", out.Text, meta)
		terminal = stream.Done()
	}

	err = s.out.Emit(context.WithoutCancel(ctx), terminal)
	s.metrics.RecordTurn(outcome, time.Since(start))
	if err != nil {
		slog.Debug("Terminal event not delivered", "session_id", s.id, "error", err)
		s.Disconnect()
		return err
	}
	s.setState(StateIdle)
	return nil
}

// runCoordinator binds a fresh sink for the turn and runs the coordinator.
// The binding is released on every path, panics included.
func (s *Session) runCoordinator(ctx context.Context) (out *agent.Outcome, err error) {
	ctx, binding := stream.Bind(ctx, newTurnSink(s.out))
	defer binding.Release()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Turn panicked", "session_id", s.id, "panic", r, "stack", string(debug.Stack()))
			out, err = nil, fmt.Errorf("internal error: %v", r)
		}
	}()
	ctx = stream.WithAsker(ctx, s)

	return s.coord.Run(ctx, s.conv.Snapshot(), agent.RunOptions{
		OnToolResult: func(ctx context.Context, _ domain.ToolCall, result string) {
			for _, p := range agent.ExtractArtifactPaths(result) {
				if err := stream.EmitChart(ctx, agent.ArtifactURL(p)); err != nil {
					slog.Debug("Dropped chart event", "session_id", s.id, "error", err)
				}
			}
		},
	})
}

// Ask implements stream.Asker: it sends question as a handoff event and waits
// for the next inbound message.
func (s *Session) Ask(ctx context.Context, question string) (string, error) {
	ch := make(chan string, 1)
	s.mu.Lock()
	s.pending = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.pending == ch {
			s.pending = nil
		}
		s.mu.Unlock()
	}()

	if err := stream.Emit(ctx, stream.Handoff(question)); err != nil {
		return "", fmt.Errorf("send handoff: %w", err)
	}
	s.logEvent("outbound", "handoff", question, nil)

	select {
	case reply := <-ch:
		s.logEvent("inbound", "handoff_reply", reply, nil)
		return reply, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// AwaitingReply reports whether a handoff question is waiting for the user.
func (s *Session) AwaitingReply() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Reject tells the client a message was refused. While a turn is running the
// error is held back until the turn's terminal event has been written.
func (s *Session) Reject(ctx context.Context, msg string) error {
	s.mu.Lock()
	if s.inTurn {
		s.notices = append(s.notices, stream.Failure(msg))
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.out.Emit(ctx, stream.Failure(msg))
}

func (s *Session) flushNotices(ctx context.Context) {
	s.mu.Lock()
	notices := s.notices
	s.notices = nil
	s.inTurn = false
	s.mu.Unlock()

	for _, ev := range notices {
		if err := s.out.Emit(context.WithoutCancel(ctx), ev); err != nil {
			slog.Debug("Dropped deferred notice", "session_id", s.id, "error", err)
			return
		}
	}
}

// deliver hands text to a waiting handoff, if any.
func (s *Session) deliver(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return false
	}
	s.pending <- text
	s.pending = nil
	return true
}

// Serve runs a turn for every message from inbox, one at a time, until inbox
// is closed or ctx is done. A message arriving while a handoff is pending is
// delivered to the handoff instead of starting a turn. When Serve returns the
// in-flight turn, if any, has been cancelled and has finished.
func (s *Session) Serve(ctx context.Context, inbox <-chan string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.Disconnect()

	turns := make(chan string, inboxBacklog)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for text := range turns {
			if ctx.Err() != nil {
				return
			}
			if err := s.RunTurn(ctx, text); err != nil {
				slog.Debug("Turn ended without delivery", "session_id", s.id, "error", err)
				cancel()
				return
			}
		}
	}()
	defer func() {
		cancel()
		close(turns)
		<-done
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case text, ok := <-inbox:
			if !ok {
				return
			}
			if s.deliver(text) {
				continue
			}
			select {
			case turns <- text:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Session) record(ctx context.Context, messages ...domain.Message) {
	if len(messages) == 0 {
		return
	}
	s.conv.Append(messages...)
	if s.store == nil {
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if !s.created {
		now := time.Now()
		if err := s.store.CreateConversation(pctx, &domain.Conversation{
			ID: s.id, UserID: s.userID, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			slog.Warn("Failed to persist conversation", "session_id", s.id, "error", err)
			return
		}
		s.created = true
	}
	if err := s.store.AppendMessages(pctx, s.id, messages); err != nil {
		slog.Warn("Failed to persist messages", "session_id", s.id, "count", len(messages), "error", err)
	}
}

func (s *Session) logEvent(direction, eventType, content string, meta map[string]any) {
	s.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     s.userID,
		SessionID:  s.id,
		Channel:    "ws",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta:       meta,
	})
}

// turnSink forwards events to the connection as they happen and drops
// repeated chart URLs within one turn.
type turnSink struct {
	out    stream.Sink
	mu     sync.Mutex
	charts map[string]bool
}

func newTurnSink(out stream.Sink) *turnSink {
	return &turnSink{out: out, charts: map[string]bool{}}
}

func (t *turnSink) Emit(ctx context.Context, e stream.Event) error {
	if e.Type == stream.TypeChart {
		t.mu.Lock()
		dup := t.charts[e.Data]
		t.charts[e.Data] = true
		t.mu.Unlock()
		if dup {
			return nil
		}
	}
	return t.out.Emit(ctx, e)
}
