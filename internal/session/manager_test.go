package session

import (
	"strconv"
	"sync"
	"testing"

	"github.com/ashureev/sqlsight/internal/stream"
)

func newIdleSession(userID, id string) *Session {
	return New(id, nil, &stream.Recorder{}, Options{UserID: userID})
}

func TestManager_Register(t *testing.T) {
	m := NewManager(nil)
	s := newIdleSession("user123", "s1")

	m.Register(s)

	if m.CountUser("user123") != 1 {
		t.Errorf("Expected 1 session for user123, got %d", m.CountUser("user123"))
	}
	if m.Count() != 1 {
		t.Errorf("Expected 1 session, got %d", m.Count())
	}
}

func TestManager_Unregister(t *testing.T) {
	m := NewManager(nil)
	s := newIdleSession("user123", "s1")

	m.Register(s)
	m.Unregister(s)

	if m.CountUser("user123") != 0 {
		t.Errorf("Expected no sessions for user123, got %d", m.CountUser("user123"))
	}
	if m.Count() != 0 {
		t.Errorf("Expected 0 sessions, got %d", m.Count())
	}
}

func TestManager_UnregisterStale(t *testing.T) {
	m := NewManager(nil)
	stale := newIdleSession("user123", "s1")
	fresh := newIdleSession("user123", "s1")

	m.Register(stale)
	m.Register(fresh)
	m.Unregister(stale)

	if m.CountUser("user123") != 1 {
		t.Errorf("Expected replacement session to stay registered, got %d sessions", m.CountUser("user123"))
	}
	if fresh.State() == StateDisconnected {
		t.Error("Expected replacement session to stay live")
	}
	if stale.State() != StateDisconnected {
		t.Errorf("Expected replaced session to be disconnected, got %s", stale.State())
	}
}

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager(nil)
	var wg sync.WaitGroup
	wg.Add(2)

	sessions := make([]*Session, 1000)
	for i := range sessions {
		sessions[i] = newIdleSession("concurrentUser", "s-"+strconv.Itoa(i))
	}

	go func() {
		defer wg.Done()
		for _, s := range sessions {
			m.Register(s)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			m.CountUser("concurrentUser")
			m.Count()
		}
	}()

	wg.Wait()
	if m.CountUser("concurrentUser") != 1000 {
		t.Errorf("Expected 1000 sessions, got %d", m.CountUser("concurrentUser"))
	}
	m.DisconnectAll()
	if s := sessions[0]; s.State() != StateDisconnected {
		t.Errorf("Expected disconnected after DisconnectAll, got %s", s.State())
	}
}
