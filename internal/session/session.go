// Package session holds in-memory conversation state. Each chat session owns
// a bounded window of recent turns; when the window is full the oldest turn
// is evicted. The window is the source of truth for prompt assembly — the
// SQLite store only mirrors committed turns for persistence across restarts.
package session

import (
	"fmt"
	"sync"
	"time"
)

// DefaultID is the session used by the CLI and by API requests that do not
// specify a session of their own.
const DefaultID = "default"

// Turn is a completed question/answer exchange.
type Turn struct {
	// Question is the user's question text.
	Question string
	// Answer is the assistant's full answer text.
	Answer string
	// AskedAt is when the turn was committed.
	AskedAt time.Time
}

// Session is a bounded FIFO window of conversation turns. All methods are
// safe for concurrent use. Acquire/Release additionally serialize whole asks
// so two concurrent questions on the same session cannot interleave their
// read-assemble-commit sequences.
type Session struct {
	// id is the session identifier.
	id string
	// limit is the maximum number of turns retained.
	limit int

	// askMu serializes in-flight asks on this session.
	askMu sync.Mutex

	// mu guards turns.
	mu    sync.Mutex
	turns []Turn
}

// newSession constructs a Session retaining at most limit turns.
func newSession(id string, limit int) *Session {
	return &Session{id: id, limit: limit}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Acquire blocks until this session has no other ask in flight.
// Every Acquire must be paired with a Release.
func (s *Session) Acquire() { s.askMu.Lock() }

// Release ends the current ask, allowing the next one to proceed.
func (s *Session) Release() { s.askMu.Unlock() }

// Append commits a turn to the window, evicting the oldest turn when the
// window is already full.
func (s *Session) Append(t Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns = append(s.turns, t)
	if len(s.turns) > s.limit {
		// Shift rather than re-slice so evicted turns are released.
		copy(s.turns, s.turns[len(s.turns)-s.limit:])
		s.turns = s.turns[:s.limit]
	}
}

// Window returns a copy of the retained turns, oldest-first. Mutating the
// returned slice does not affect the session.
func (s *Session) Window() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Reset discards all retained turns.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
}

// Len returns the number of retained turns.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

// Manager owns all live sessions, creating each on first use. It is safe for
// concurrent use.
type Manager struct {
	// limit is the per-session turn window bound.
	limit int

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager constructs a Manager whose sessions retain at most historyTurns
// turns each.
func NewManager(historyTurns int) (*Manager, error) {
	if historyTurns < 1 {
		return nil, fmt.Errorf("session: history turns must be at least 1, got %d", historyTurns)
	}
	return &Manager{
		limit:    historyTurns,
		sessions: make(map[string]*Session),
	}, nil
}

// Get returns the session with the given ID, creating it if it does not
// exist. An empty ID resolves to DefaultID.
func (m *Manager) Get(id string) *Session {
	if id == "" {
		id = DefaultID
	}

	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	s = newSession(id, m.limit)
	m.sessions[id] = s
	return s
}

// Reset clears the window of the given session if it exists. Creating the
// session just to clear it would be pointless, so a missing session is a
// no-op.
func (m *Manager) Reset(id string) {
	if id == "" {
		id = DefaultID
	}
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		s.Reset()
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// TotalTurns returns the number of turns retained across all sessions.
// Used by the health endpoint.
func (m *Manager) TotalTurns() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, s := range m.sessions {
		total += s.Len()
	}
	return total
}
