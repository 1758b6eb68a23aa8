package lobby

import (
	"testing"

	"github.com/google/uuid"

	"github.com/race/netplay/config"
	"github.com/race/netplay/internal/session"
)

type nopConn struct{}

func (nopConn) Send([]byte) error  { return nil }
func (nopConn) Close() error       { return nil }
func (nopConn) RemoteAddr() string { return "nop" }

func TestFindSessionReusesUntilFull(t *testing.T) {
	l := New(0)
	defer l.Shutdown()

	first := l.FindSession()
	if first == nil {
		t.Fatalf("FindSession returned nil")
	}
	if _, err := uuid.Parse(first.ID); err != nil {
		t.Fatalf("session ID %q is not a uuid: %v", first.ID, err)
	}

	for i := 0; i < config.MaxNumberOfPlayers-1; i++ {
		s := l.FindSession()
		if s != first {
			t.Fatalf("peer %d placed in a new session before the first was full", i)
		}
		if _, err := s.AddPeer("racer", nopConn{}); err != nil {
			t.Fatalf("AddPeer: %v", err)
		}
	}

	if second := l.FindSession(); second == first {
		t.Fatalf("full session returned")
	}
	if stats := l.GetStats(); stats.TotalSessions != 2 || stats.TotalPlayers != config.MaxNumberOfPlayers-1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestGetOrCreateSession(t *testing.T) {
	l := New(0)
	defer l.Shutdown()

	created := 0
	l.OnCreate(func(*session.Session) { created++ })

	a := l.GetOrCreateSession("race-1")
	b := l.GetOrCreateSession("race-1")
	if a == nil || a != b {
		t.Fatalf("GetOrCreateSession returned different sessions")
	}
	if created != 1 {
		t.Fatalf("setup hook ran %d times, want 1", created)
	}
	if l.GetSession("race-1") != a || l.GetSession("missing") != nil {
		t.Fatalf("GetSession mismatch")
	}

	l.RemoveSession("race-1")
	if l.GetSession("race-1") != nil {
		t.Fatalf("removed session still registered")
	}
}

func TestCleanupEmptySessions(t *testing.T) {
	l := New(0)
	defer l.Shutdown()

	busy := l.GetOrCreateSession("busy")
	if _, err := busy.AddPeer("racer", nopConn{}); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	l.GetOrCreateSession("idle")

	if removed := l.CleanupEmptySessions(); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if l.GetSession("busy") == nil {
		t.Fatalf("busy session removed")
	}
}

func TestSessionLimit(t *testing.T) {
	l := New(0)
	defer l.Shutdown()

	for i := 0; i < config.MaxSessionsPerServer; i++ {
		if l.GetOrCreateSession(uuid.NewString()) == nil {
			t.Fatalf("session %d refused", i)
		}
	}
	if l.GetOrCreateSession("one-too-many") != nil {
		t.Fatalf("session limit not enforced")
	}
}
