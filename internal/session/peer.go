package session

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/race/netplay/config"
	"github.com/race/netplay/internal/network"
)

// PeerConnection is the transport a peer is reached through.
type PeerConnection interface {
	Send(data []byte) error
	Close() error
	RemoteAddr() string
}

// Peer is a connected client occupying one host player index.
type Peer struct {
	mu sync.RWMutex

	// Identity
	Index      uint8
	Name       string
	Connection PeerConnection

	// Anti-cheat
	lastValid    network.Vector3
	lastValidAt  time.Time
	hasLastValid bool
	violations   int
	limiter      *rate.Limiter

	ConnectedAt time.Time
}

// NewPeer creates a peer for a host player index.
func NewPeer(index uint8, name string, conn PeerConnection) *Peer {
	return &Peer{
		Index:       index,
		Name:        name,
		Connection:  conn,
		limiter:     rate.NewLimiter(rate.Limit(config.MessagesPerSecond), config.MessageBurst),
		ConnectedAt: time.Now(),
	}
}

// Allow consumes one message from the peer's rate budget.
func (p *Peer) Allow(now time.Time) bool {
	return p.limiter.AllowN(now, 1)
}

// SaveValidPosition records the last position that passed validation and
// clears the violation count.
func (p *Peer) SaveValidPosition(pos *network.Vector3, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pos != nil {
		p.lastValid = *pos
		p.lastValidAt = now
		p.hasLastValid = true
	}
	p.violations = 0
}

// ResetValidPosition forgets the last valid position, e.g. when the race restarts
// and every racer is moved to the grid.
func (p *Peer) ResetValidPosition() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.hasLastValid = false
	p.lastValidAt = time.Time{}
}

// LastValidPosition returns the last validated position and when it was received.
func (p *Peer) LastValidPosition() (network.Vector3, time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastValid, p.lastValidAt, p.hasLastValid
}

// IncrementViolations adds a violation and returns the new count.
func (p *Peer) IncrementViolations() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.violations++
	return p.violations
}

// Violations returns the current violation count.
func (p *Peer) Violations() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.violations
}
