package session

import (
	"sync"

	"github.com/race/netplay/config"
	"github.com/race/netplay/internal/network"
)

// Mirror is the host's stand-in simulation. It keeps the last known state of
// every racer and collects the events applied this tick for rebroadcast.
type Mirror struct {
	mu sync.Mutex

	players [config.MaxNumberOfPlayers]network.UnreliablePacketPlayer

	flags      [config.MaxNumberOfPlayers]network.MovementFlags
	flagsSent  [config.MaxNumberOfPlayers]network.MovementFlags
	flagsDirty bool

	attacks      [config.MaxNumberOfPlayers]network.SetAttack
	attacksDirty bool
}

// NewMirror creates an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{}
}

// ApplyPlayer overlays the fields present in player onto the slot's state.
func (m *Mirror) ApplyPlayer(index int, player network.UnreliablePacketPlayer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.players[index] = m.players[index].Merge(player)
}

// ApplyMovementFlags records a slot's movement flags for this tick.
func (m *Mirror) ApplyMovementFlags(index int, flags network.MovementFlags) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[index] = flags
	m.flagsDirty = true
}

// StartAttack records an attack for this tick.
func (m *Mirror) StartAttack(attacker, target int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attacks[attacker] = network.SetAttack{Valid: true, Target: uint8(target)}
	m.attacksDirty = true
}

// Player returns the last known state of a slot.
func (m *Mirror) Player(index int) network.UnreliablePacketPlayer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.players[index]
}

// Players returns the first count slots with every field present, so one
// packet mask covers them all.
func (m *Mirror) Players(count int) []network.UnreliablePacketPlayer {
	m.mu.Lock()
	defer m.mu.Unlock()

	players := make([]network.UnreliablePacketPlayer, count)
	for i := range players {
		players[i] = m.players[i].Full()
	}
	return players
}

// TakeMovementFlags returns the flags applied since the last call. Nothing is
// returned when no slot has active flags and none was released since the
// last broadcast; a released slot goes out once as zero.
func (m *Mirror) TakeMovementFlags(count int) ([]network.MovementFlags, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.flagsDirty && m.flags == m.flagsSent {
		return nil, false
	}
	flags := make([]network.MovementFlags, count)
	copy(flags, m.flags[:count])
	m.flagsSent = m.flags
	m.flags = [config.MaxNumberOfPlayers]network.MovementFlags{}
	m.flagsDirty = false
	return flags, true
}

// TakeAttacks returns the attacks started since the last call, if any.
func (m *Mirror) TakeAttacks(count int) ([]network.SetAttack, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.attacksDirty {
		return nil, false
	}
	attacks := make([]network.SetAttack, count)
	copy(attacks, m.attacks[:count])
	m.attacks = [config.MaxNumberOfPlayers]network.SetAttack{}
	m.attacksDirty = false
	return attacks, true
}

// Clear forgets everything about a slot.
func (m *Mirror) Clear(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.players[index] = network.UnreliablePacketPlayer{}
	m.flags[index] = 0
	m.attacks[index] = network.SetAttack{}
}
