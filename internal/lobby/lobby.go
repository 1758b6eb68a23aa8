// Package lobby keeps the registry of sessions hosted by this server.
package lobby

import (
	"sync"

	"github.com/google/uuid"

	"github.com/race/netplay/config"
	"github.com/race/netplay/internal/session"
)

// Lobby assigns players to sessions
type Lobby struct {
	mu        sync.RWMutex
	sessions  map[string]*session.Session
	antiCheat uint8
	setup     func(*session.Session)
}

// New creates a lobby whose sessions enforce the given anti-cheat bits.
func New(antiCheat uint8) *Lobby {
	return &Lobby{
		sessions:  make(map[string]*session.Session),
		antiCheat: antiCheat,
	}
}

// OnCreate registers a hook run on every new session before it starts.
func (l *Lobby) OnCreate(setup func(*session.Session)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setup = setup
}

// FindSession returns a session with a free slot, creating one if needed.
// Returns nil if the server is full.
func (l *Lobby) FindSession() *session.Session {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, s := range l.sessions {
		if s.PeerCount() < config.MaxNumberOfPlayers-1 {
			return s
		}
	}

	return l.createUnlocked(uuid.NewString())
}

// GetSession gets a session by ID
func (l *Lobby) GetSession(id string) *session.Session {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.sessions[id]
}

// GetOrCreateSession gets or creates a session with a specific ID.
// Returns nil if the server is full.
func (l *Lobby) GetOrCreateSession(id string) *session.Session {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.sessions[id]; ok {
		return s
	}
	return l.createUnlocked(id)
}

func (l *Lobby) createUnlocked(id string) *session.Session {
	if len(l.sessions) >= config.MaxSessionsPerServer {
		return nil
	}

	s := session.NewSession(id, l.antiCheat)
	if l.setup != nil {
		l.setup(s)
	}
	l.sessions[id] = s
	s.Start()

	return s
}

// RemoveSession stops and removes a session
func (l *Lobby) RemoveSession(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.sessions[id]; ok {
		s.Stop()
		delete(l.sessions, id)
	}
}

// CleanupEmptySessions removes all sessions without peers
func (l *Lobby) CleanupEmptySessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, s := range l.sessions {
		if s.IsEmpty() {
			s.Stop()
			delete(l.sessions, id)
			removed++
		}
	}

	return removed
}

// Shutdown stops every session.
func (l *Lobby) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, s := range l.sessions {
		s.Stop()
		delete(l.sessions, id)
	}
}

// GetStats returns lobby statistics
func (l *Lobby) GetStats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := Stats{
		TotalSessions: len(l.sessions),
		Sessions:      make([]SessionStats, 0, len(l.sessions)),
	}

	for id, s := range l.sessions {
		peers := s.PeerCount()
		stats.TotalPlayers += peers
		stats.Sessions = append(stats.Sessions, SessionStats{
			ID:          id,
			PlayerCount: peers,
			MaxPlayers:  config.MaxNumberOfPlayers - 1,
			Ticks:       s.TickCount(),
		})
	}

	return stats
}

// Stats contains lobby statistics
type Stats struct {
	TotalSessions int            `json:"totalSessions"`
	TotalPlayers  int            `json:"totalPlayers"`
	Sessions      []SessionStats `json:"sessions"`
}

// SessionStats contains session statistics
type SessionStats struct {
	ID          string `json:"id"`
	PlayerCount int    `json:"playerCount"`
	MaxPlayers  int    `json:"maxPlayers"`
	Ticks       uint64 `json:"ticks"`
}
