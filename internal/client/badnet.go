package client

import (
	"math/rand"
	"sync"
	"time"

	"github.com/race/netplay/config"
)

// BadInternet degrades outgoing unreliable traffic to test behaviour on poor links.
type BadInternet struct {
	mu       sync.Mutex
	settings config.SimulateBadInternet
	rnd      *rand.Rand
}

// NewBadInternet creates a simulator; seed makes the loss pattern reproducible.
func NewBadInternet(settings config.SimulateBadInternet, seed int64) *BadInternet {
	return &BadInternet{settings: settings, rnd: rand.New(rand.NewSource(seed))}
}

// Drop reports whether the next packet is lost.
func (b *BadInternet) Drop() bool {
	if !b.settings.SimulatesLoss() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rnd.Intn(100) < int(b.settings.PacketLoss)
}

// Delay returns the extra latency for the next packet.
func (b *BadInternet) Delay() time.Duration {
	if !b.settings.SimulatesLatency() {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	spread := b.settings.MaxLatency - b.settings.MinLatency
	return b.settings.MinLatency + time.Duration(b.rnd.Int63n(int64(spread)+1))
}
