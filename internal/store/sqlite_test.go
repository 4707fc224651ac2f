package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/sqlsight/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUserRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetUser(ctx, "anon_missing")
	if err != nil || got != nil {
		t.Fatalf("expected (nil, nil) for a missing user, got (%v, %v)", got, err)
	}

	now := time.Unix(1700000000, 0)
	if err := s.UpsertUser(ctx, &domain.User{UserID: "u1", Username: "anon-1", LastSeenAt: now, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
	later := now.Add(time.Hour)
	if err := s.UpdateLastSeen(ctx, "u1", later); err != nil {
		t.Fatalf("UpdateLastSeen failed: %v", err)
	}

	got, err = s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if got.Username != "anon-1" || !got.LastSeenAt.Equal(later) || !got.CreatedAt.Equal(now) {
		t.Fatalf("unexpected user %+v", got)
	}
}

func TestAppendAndListMessagesPreservesOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	if err := s.CreateConversation(ctx, &domain.Conversation{ID: "c1", UserID: "u1", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	call := domain.ToolCall{ID: "t1", Name: "research_agent", Input: json.RawMessage(`{"query":"total"}`)}
	first := []domain.Message{
		domain.UserMessage("What is the total cost?"),
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{call}},
		domain.ToolResult(call, "Total: 42"),
	}
	if err := s.AppendMessages(ctx, "c1", first); err != nil {
		t.Fatalf("AppendMessages failed: %v", err)
	}
	if err := s.AppendMessages(ctx, "c1", []domain.Message{domain.AssistantMessage("The total is 42.")}); err != nil {
		t.Fatalf("second AppendMessages failed: %v", err)
	}

	got, err := s.ListMessages(ctx, "c1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(got))
	}
	for i, sm := range got {
		if sm.Seq != i+1 {
			t.Errorf("message %d has seq %d", i, sm.Seq)
		}
	}
	if got[1].Message.ToolCalls[0].Name != "research_agent" || string(got[1].Message.ToolCalls[0].Input) != `{"query":"total"}` {
		t.Errorf("tool call not preserved: %+v", got[1].Message.ToolCalls)
	}
	if got[2].Message.ToolCallID != "t1" || got[2].Message.Role != domain.RoleTool {
		t.Errorf("tool result not preserved: %+v", got[2].Message)
	}
	if got[3].Message.Content != "The total is 42." {
		t.Errorf("unexpected final message %+v", got[3].Message)
	}
}

func TestConcurrentAppendsKeepDistinctSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	if err := s.CreateConversation(ctx, &domain.Conversation{ID: "c1", UserID: "u1", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.AppendMessages(ctx, "c1", []domain.Message{domain.UserMessage("hi")}); err != nil {
				t.Errorf("AppendMessages failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.ListMessages(ctx, "c1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(got) != 10 || got[9].Seq != 10 {
		t.Fatalf("expected seq 1..10, got %d messages", len(got))
	}
}

func TestListAndCleanupConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	for _, c := range []*domain.Conversation{
		{ID: "old", UserID: "u1", CreatedAt: old, UpdatedAt: old},
		{ID: "new", UserID: "u1", CreatedAt: recent, UpdatedAt: recent},
		{ID: "other", UserID: "u2", CreatedAt: recent, UpdatedAt: recent},
	} {
		if err := s.CreateConversation(ctx, c); err != nil {
			t.Fatalf("CreateConversation(%s) failed: %v", c.ID, err)
		}
	}

	convs, err := s.ListConversations(ctx, "u1")
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(convs) != 2 || convs[0].ID != "new" {
		t.Fatalf("expected [new old], got %d conversations", len(convs))
	}

	n, err := s.CleanupConversations(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupConversations failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 conversation removed, got %d", n)
	}
}

func TestPing(t *testing.T) {
	if err := newTestStore(t).Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}
