package client

import (
	"sync"

	"github.com/race/netplay/internal/network"
)

// MenuSync applies rule menu input locally before the host confirms it.
//
// Local deltas are applied at once and remembered as speculative. When the
// host's RuleSettingsSync arrives the speculation is rolled back, the host's
// deltas are applied, and whatever the host has not seen yet is re-applied.
type MenuSync struct {
	mu          sync.Mutex
	rules       network.RaceRules
	pending     network.RuleSettingsLoop // Not yet sent
	speculative network.RuleSettingsLoop // Applied locally, not yet confirmed
}

// NewMenuSync creates a MenuSync editing rules.
func NewMenuSync(rules network.RaceRules) *MenuSync {
	return &MenuSync{rules: rules}
}

// Queue applies a local delta and schedules it for sending.
func (m *MenuSync) Queue(delta network.RuleSettingsLoop) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delta.Apply(m.rules)
	m.pending = m.pending.Add(delta)
	m.speculative = m.speculative.Add(delta)
}

// Flush returns the coalesced delta queued since the last call.
func (m *MenuSync) Flush() (network.RuleSettingsLoop, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending.IsDefault() {
		return network.RuleSettingsLoop{}, false
	}
	out := m.pending
	m.pending = network.RuleSettingsLoop{}
	return out, true
}

// OnAuthoritative reconciles with the host's deltas. selfIndex is this
// client's host player index, whose entry confirms part of the speculation.
func (m *MenuSync) OnAuthoritative(update network.RuleSettingsSync, selfIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.speculative.Undo(m.rules)
	update.Combined().Apply(m.rules)

	if selfIndex >= 0 && selfIndex < len(update.Loops) {
		m.speculative = m.speculative.Add(update.Loops[selfIndex].Negate())
	}
	m.speculative.Apply(m.rules)
}

// Speculative returns the locally applied delta the host has not confirmed.
func (m *MenuSync) Speculative() network.RuleSettingsLoop {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speculative
}

// Reset forgets all speculation without touching the rules.
func (m *MenuSync) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = network.RuleSettingsLoop{}
	m.speculative = network.RuleSettingsLoop{}
}
