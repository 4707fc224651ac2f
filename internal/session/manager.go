package session

import (
	"log/slog"
	"sync"

	"github.com/ashureev/sqlsight/internal/observability"
)

// Manager tracks live sessions per user.
type Manager struct {
	mu      sync.RWMutex
	active  map[string]map[string]*Session
	metrics *observability.Metrics
}

// NewManager creates an empty manager.
func NewManager(metrics *observability.Metrics) *Manager {
	return &Manager{
		active:  make(map[string]map[string]*Session),
		metrics: metrics,
	}
}

// Register adds s. A different session already registered under the same id
// is disconnected and replaced.
func (m *Manager) Register(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	userID := s.UserID()
	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*Session)
	}
	if existing, exists := m.active[userID][s.ID()]; exists {
		if existing == s {
			return
		}
		existing.Disconnect()
		m.metrics.SessionClosed()
	}

	m.active[userID][s.ID()] = s
	m.metrics.SessionOpened()
	slog.Info("Chat session registered", "user_id", userID, "session_id", s.ID())
}

// Unregister removes s if it is still the registered session for its id.
func (m *Manager) Unregister(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.active[s.UserID()]
	if !ok {
		return
	}
	if current, exists := sessions[s.ID()]; exists && current == s {
		delete(sessions, s.ID())
		if len(sessions) == 0 {
			delete(m.active, s.UserID())
		}
		m.metrics.SessionClosed()
		slog.Info("Chat session unregistered", "user_id", s.UserID(), "session_id", s.ID())
	}
}

// Count is the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}

// CountUser is the number of live sessions of one user.
func (m *Manager) CountUser(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[userID])
}

// DisconnectAll marks every live session disconnected, for shutdown.
func (m *Manager) DisconnectAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for userID, sessions := range m.active {
		for sid, s := range sessions {
			s.Disconnect()
			slog.Info("Chat session closed", "user_id", userID, "session_id", sid)
		}
	}
}
