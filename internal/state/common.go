package state

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/race/netplay/config"
	"github.com/race/netplay/internal/network"
)

var ErrInvalidSlot = errors.New("player slot out of range")

// Simulation is the game being kept in sync. Indices are local player slots,
// where slot 0 is always the local player.
type Simulation interface {
	ApplyPlayer(index int, player network.UnreliablePacketPlayer)
	ApplyMovementFlags(index int, flags network.MovementFlags)
	StartAttack(attacker, target int)
}

// PlayerData identifies a participant.
type PlayerData struct {
	Name        string
	PlayerIndex int // Host (global) player index
}

// CommonState is the per-session synchronization store shared by host and client.
//
// Network receive goroutines write slots through the Set* methods; the tick
// goroutine reads them through the Apply* methods. Every slot is written by a
// single remote peer and a write is visible to the next apply.
type CommonState struct {
	mu sync.Mutex // Protects the sync arrays, PlayerInfo and startSyncGo

	SelfInfo     PlayerData
	PlayerInfo   []PlayerData
	FrameCounter int

	MaxLatency       time.Duration // Values older than this are discarded
	HandshakeTimeout time.Duration
	AntiCheatMode    uint8

	RaceSync          [config.MaxNumberOfPlayers]Timestamped[network.UnreliablePacketPlayer]
	MovementFlagsSync [config.MaxNumberOfPlayers]Timestamped[network.MovementFlags]
	AttackSync        [config.MaxNumberOfPlayers]Timestamped[network.SetAttack]

	startSyncGo   *network.SyncStartGo
	processing    atomic.Bool // Replaying attacks received from the network
	defaultLogged [config.MaxNumberOfPlayers]bool
	now           func() time.Time
}

// NewCommonState creates the store for a session with the local player's identity.
func NewCommonState(self PlayerData) *CommonState {
	s := &CommonState{
		SelfInfo:         self,
		MaxLatency:       config.DefaultMaxLatency,
		HandshakeTimeout: config.DefaultHandshakeTimeout,
		now:              time.Now,
	}
	s.ResetRace()
	return s
}

// SetClock replaces the time source used to stamp and age values.
func (s *CommonState) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Now returns the store's current time.
func (s *CommonState) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

// ResetRace empties every sync slot. Called at race (re)start.
func (s *CommonState) ResetRace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetRaceUnlocked()
}

func (s *CommonState) resetRaceUnlocked() {
	for i := range s.RaceSync {
		s.RaceSync[i] = Timestamped[network.UnreliablePacketPlayer]{}
		s.MovementFlagsSync[i] = Timestamped[network.MovementFlags]{}
		s.AttackSync[i] = Timestamped[network.SetAttack]{Value: network.SetAttack{Valid: false}}
		s.defaultLogged[i] = false
	}
	s.startSyncGo = nil
}

// AdvanceFrame increments and returns the frame counter.
func (s *CommonState) AdvanceFrame() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FrameCounter++
	return s.FrameCounter
}

// SetRaceSync stores the latest telemetry for a slot, replacing what was there.
func (s *CommonState) SetRaceSync(slot int, player network.UnreliablePacketPlayer) error {
	if !validSlot(slot) {
		return ErrInvalidSlot
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RaceSync[slot] = Stamp(player, s.now())
	return nil
}

// SetMovementFlags stores the latest movement flags for a slot.
func (s *CommonState) SetMovementFlags(slot int, flags network.MovementFlags) error {
	if !validSlot(slot) {
		return ErrInvalidSlot
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MovementFlagsSync[slot] = Stamp(flags, s.now())
	return nil
}

// SetAttack stores an attack started by the player in slot.
func (s *CommonState) SetAttack(slot int, attack network.SetAttack) error {
	if !validSlot(slot) {
		return ErrInvalidSlot
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AttackSync[slot] = Stamp(attack, s.now())
	return nil
}

// RaceSyncFor returns the telemetry for a slot if it is fresh.
func (s *CommonState) RaceSyncFor(slot int) (network.UnreliablePacketPlayer, bool) {
	if !validSlot(slot) {
		return network.UnreliablePacketPlayer{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.RaceSync[slot]
	if entry.IsDiscard(s.now(), s.MaxLatency) {
		return network.UnreliablePacketPlayer{}, false
	}
	return entry.Value, true
}

// MovementFlagsFor returns the movement flags for a slot if they are fresh.
func (s *CommonState) MovementFlagsFor(slot int) (network.MovementFlags, bool) {
	if !validSlot(slot) {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.MovementFlagsSync[slot]
	if entry.IsDiscard(s.now(), s.MaxLatency) {
		return 0, false
	}
	return entry.Value, true
}

// ApplyRaceSync applies fresh, non-default telemetry of every remote slot to
// the simulation and returns how many slots were applied.
func (s *CommonState) ApplyRaceSync(sim Simulation) int {
	s.mu.Lock()
	now := s.now()
	slots := s.RaceSync
	s.mu.Unlock()

	applied := 0
	for x := 1; x < len(slots); x++ {
		entry := slots[x]
		if entry.IsDiscard(now, s.MaxLatency) {
			continue
		}

		if entry.Value.IsDefault() {
			s.logDefault(x)
			continue
		}
		s.clearDefault(x)

		sim.ApplyPlayer(x, entry.Value)
		applied++
	}
	return applied
}

// ApplyMovementFlags applies fresh, non-empty movement flags of every remote slot.
func (s *CommonState) ApplyMovementFlags(sim Simulation) int {
	s.mu.Lock()
	now := s.now()
	slots := s.MovementFlagsSync
	s.mu.Unlock()

	applied := 0
	for x := 1; x < len(slots); x++ {
		entry := slots[x]
		if entry.IsDiscard(now, s.MaxLatency) || entry.Value == 0 {
			continue
		}
		sim.ApplyMovementFlags(x, entry.Value)
		applied++
	}
	return applied
}

// HasAttacks reports whether any slot holds a fresh valid attack.
func (s *CommonState) HasAttacks() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, atk := range s.AttackSync {
		if !atk.IsDiscard(now, s.MaxLatency) && atk.Value.Valid {
			return true
		}
	}
	return false
}

// ProcessAttackTasks starts every fresh attack received from remote players
// and then clears all attack slots so none is replayed twice.
//
// While it runs, ShouldRejectAttack lets attacks through: the simulation is
// replaying network attacks rather than generating its own.
func (s *CommonState) ProcessAttackTasks(sim Simulation) int {
	s.processing.Store(true)
	defer s.processing.Store(false)

	s.mu.Lock()
	now := s.now()
	attacks := s.AttackSync
	for i := range s.AttackSync {
		s.AttackSync[i] = Timestamped[network.SetAttack]{Value: network.SetAttack{Valid: false}}
	}
	s.mu.Unlock()

	started := 0
	for x := 1; x < len(attacks); x++ {
		atk := attacks[x]
		if atk.IsDiscard(now, s.MaxLatency) || !atk.Value.Valid {
			continue
		}

		log.Printf("[State] Execute attack by %d on %d", x, atk.Value.Target)
		sim.StartAttack(x, int(atk.Value.Target))
		started++
	}
	return started
}

// IsProcessingAttacks reports whether network attacks are being replayed.
func (s *CommonState) IsProcessingAttacks() bool {
	return s.processing.Load()
}

// ShouldRejectAttack reports whether an attack raised by the simulation must be
// dropped. Outside of ProcessAttackTasks only the local player may attack;
// remote players' attacks arrive over the network.
func (s *CommonState) ShouldRejectAttack(attackerLocalIndex int) bool {
	if s.processing.Load() {
		return false
	}
	return attackerLocalIndex != 0
}

// SetStartSyncGo records the host's race start command.
func (s *CommonState) SetStartSyncGo(cmd network.SyncStartGo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startSyncGo = &cmd
}

// StartSyncGo returns the pending race start command, if any.
func (s *CommonState) StartSyncGo() (network.SyncStartGo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startSyncGo == nil {
		return network.SyncStartGo{}, false
	}
	return *s.startSyncGo, true
}

// AddPlayer records a remote participant, replacing any entry with the same index.
func (s *CommonState) AddPlayer(player PlayerData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.PlayerInfo {
		if p.PlayerIndex == player.PlayerIndex {
			s.PlayerInfo[i] = player
			return
		}
	}
	s.PlayerInfo = append(s.PlayerInfo, player)
}

// RemovePlayer forgets a remote participant.
func (s *CommonState) RemovePlayer(hostIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.PlayerInfo {
		if p.PlayerIndex == hostIndex {
			s.PlayerInfo = append(s.PlayerInfo[:i], s.PlayerInfo[i+1:]...)
			return
		}
	}
}

// PlayerCount returns the number of player slots in use.
func (s *CommonState) PlayerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := s.SelfInfo.PlayerIndex + 1
	for _, p := range s.PlayerInfo {
		count = max(count, p.PlayerIndex+1)
	}
	return count
}

// IsHuman reports whether a host player index belongs to a connected participant.
func (s *CommonState) IsHuman(hostIndex int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hostIndex == s.SelfInfo.PlayerIndex {
		return true
	}
	for _, p := range s.PlayerInfo {
		if p.PlayerIndex == hostIndex {
			return true
		}
	}
	return false
}

// HostPlayerIndex translates a local player slot into the host's numbering.
func (s *CommonState) HostPlayerIndex(localIndex int) int {
	self := s.SelfInfo.PlayerIndex
	switch {
	case localIndex == 0:
		return self
	case localIndex <= self:
		return localIndex - 1
	default:
		return localIndex
	}
}

// LocalPlayerIndex translates a host player index into a local player slot.
//
//	self = 2: host 0 -> 1, host 1 -> 2, host 2 -> 0, host 3 -> 3
func (s *CommonState) LocalPlayerIndex(hostIndex int) int {
	self := s.SelfInfo.PlayerIndex
	switch {
	case hostIndex == self:
		return 0
	case hostIndex < self:
		return hostIndex + 1
	default:
		return hostIndex
	}
}

func (s *CommonState) logDefault(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.defaultLogged[slot] {
		s.defaultLogged[slot] = true
		log.Printf("[State] Discarding race packet for slot %d due to default comparison", slot)
	}
}

func (s *CommonState) clearDefault(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultLogged[slot] = false
}

func validSlot(slot int) bool {
	return slot >= 0 && slot < config.MaxNumberOfPlayers
}
