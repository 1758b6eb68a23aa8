// Package session implements the host side of a netplay session: it relays
// every peer's telemetry and game-flow commands to the other peers.
package session

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/race/netplay/config"
	"github.com/race/netplay/internal/network"
	"github.com/race/netplay/internal/state"
)

// Session is one race lobby hosted by this server.
//
// The host takes player index 0 for itself without racing; peers are given
// indices 1..7. Received values are written into a CommonState by the
// connection goroutines and applied once per tick by the game loop, which
// then broadcasts the merged view to every peer.
//
// Methods ending in "Unlocked" expect the caller to hold mu.
type Session struct {
	mu sync.RWMutex // Protects peers and the pending menu state below

	ID    string
	peers map[uint8]*Peer

	state     *state.CommonState
	mirror    *Mirror
	validator *Validator
	protocol  *network.Protocol

	rules       network.RaceRulesState
	ruleDeltas  [config.MaxNumberOfPlayers]network.RuleSettingsLoop
	rulesDirty  bool
	charaSelect [config.MaxNumberOfPlayers]network.CharaSelectLoop
	charaDirty  bool

	pendingExit  *network.CharaSelectExit
	pendingStart *network.SyncStartGo

	serverNow func() time.Time

	tickCount atomic.Uint64
	running   atomic.Bool
	stopChan  chan struct{}

	onPeerKick func(peer *Peer, reason string)
}

// NewSession creates a session with the given ID and anti-cheat mode bits.
// The session is not started automatically - call Start() to begin the game loop.
func NewSession(id string, antiCheat uint8) *Session {
	cs := state.NewCommonState(state.PlayerData{Name: "host", PlayerIndex: config.HostPlayerIndex})
	cs.AntiCheatMode = antiCheat

	return &Session{
		ID:        id,
		peers:     make(map[uint8]*Peer),
		state:     cs,
		mirror:    NewMirror(),
		validator: NewValidator(antiCheat),
		protocol:  network.NewProtocol(),
		serverNow: time.Now,
		stopChan:  make(chan struct{}),
	}
}

// SetClock sets the reference clock used to schedule race starts.
func (s *Session) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverNow = now
}

// SetMaxLatency sets how long received values stay usable. Call before Start.
func (s *Session) SetMaxLatency(d time.Duration) {
	s.state.MaxLatency = d
	s.validator.MaxLatency = d
}

// State exposes the session's synchronization store.
func (s *Session) State() *state.CommonState {
	return s.state
}

// Mirror exposes the last known state of every racer.
func (s *Session) Mirror() *Mirror {
	return s.mirror
}

// Start begins the session's game loop in a separate goroutine.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Session) Start() {
	if s.running.Swap(true) {
		return
	}

	go s.gameLoop()
	log.Printf("[Session] %s started", s.ID)
}

// Stop stops the session's game loop.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Session) Stop() {
	if !s.running.Swap(false) {
		return
	}

	close(s.stopChan)
	log.Printf("[Session] %s stopped", s.ID)
}

// AddPeer gives a new peer the lowest free player index.
// Returns ErrSessionFull if all indices are taken.
func (s *Session) AddPeer(name string, conn PeerConnection) (*Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, ok := s.freeIndexUnlocked()
	if !ok {
		return nil, ErrSessionFull
	}

	peer := NewPeer(index, name, conn)
	s.peers[index] = peer
	s.state.AddPlayer(state.PlayerData{Name: name, PlayerIndex: int(index)})

	joinMsg := s.protocol.EncodePlayerJoin(index, name)
	s.broadcastExceptUnlocked(joinMsg, index)

	info := s.protocol.EncodeSessionInfo(network.SessionInfoMessage{
		SessionID:   s.ID,
		PlayerCount: uint8(len(s.peers)),
		MaxPlayers:  config.MaxNumberOfPlayers,
		YourIndex:   index,
	})
	conn.Send(info)

	// Introduce the peers already here
	for i, other := range s.peers {
		if i != index {
			conn.Send(s.protocol.EncodePlayerJoin(i, other.Name))
		}
	}

	log.Printf("[Session] Player %s (index %d) joined session %s", name, index, s.ID)
	return peer, nil
}

// RemovePeer removes a peer from the session and notifies the others.
// Safe to call with unknown indices.
func (s *Session) RemovePeer(index uint8) {
	s.mu.Lock()
	peer, exists := s.peers[index]
	if exists {
		delete(s.peers, index)
		s.charaSelect[index] = network.CharaSelectLoop{}
		s.ruleDeltas[index] = network.RuleSettingsLoop{}
	}
	s.mu.Unlock()

	if !exists {
		return
	}

	peer.Connection.Close()
	s.state.RemovePlayer(int(index))
	s.mirror.Clear(int(index))

	s.broadcast(s.protocol.EncodePlayerLeave(index))
	log.Printf("[Session] Player %s (index %d) left session %s", peer.Name, index, s.ID)
}

// Peer returns the peer at index, or nil.
func (s *Session) Peer(index uint8) *Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peers[index]
}

// PeerCount returns the number of connected peers.
func (s *Session) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// IsEmpty returns true if the session has no peers.
func (s *Session) IsEmpty() bool {
	return s.PeerCount() == 0
}

// Rules returns the authoritative race rules.
func (s *Session) Rules() network.RaceRulesState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules
}

// HandleUnreliable processes a telemetry message from a peer.
func (s *Session) HandleUnreliable(index uint8, data []byte) {
	peer := s.Peer(index)
	if peer == nil {
		return
	}

	now := s.state.Now()
	if !s.checkRate(peer, now) {
		return
	}

	packet, err := s.protocol.DecodeUnreliable(data)
	if err != nil {
		log.Printf("[Session] Dropping unreliable packet from %d: %v", index, err)
		return
	}
	player := packet.Players[0]

	result, kind := s.validator.ValidateTelemetry(peer, player, now)
	switch result {
	case ValidationKick:
		s.kickPeer(peer, "Cheat detected: "+kind.String())
		return
	case ValidationDrop:
		log.Printf("[Session] Dropping telemetry from %d: %s check failed", index, kind)
		return
	}

	if err := s.state.SetRaceSync(int(index), player); err != nil {
		log.Printf("[Session] Failed to store telemetry from %d: %v", index, err)
		return
	}
	s.validator.ApplyValidationResult(peer, player, result, now)
}

// HandleReliable processes a reliable command batch from a peer.
// Commands that fail to decode are logged and skipped.
func (s *Session) HandleReliable(index uint8, data []byte) {
	peer := s.Peer(index)
	if peer == nil {
		return
	}
	if !s.checkRate(peer, s.state.Now()) {
		return
	}

	cmds, cmdErrs, err := s.protocol.DecodeReliable(data)
	if err != nil {
		log.Printf("[Session] Dropping reliable message from %d: %v", index, err)
		return
	}
	for _, cmdErr := range cmdErrs {
		log.Printf("[Session] Dropping command from %d: %v", index, cmdErr)
	}

	for _, cmd := range cmds {
		s.handleCommand(index, cmd)
	}
}

func (s *Session) handleCommand(index uint8, cmd network.Command) {
	switch cmd := cmd.(type) {
	case network.CharaSelectLoop:
		s.mu.Lock()
		s.charaSelect[index] = cmd
		s.charaDirty = true
		s.mu.Unlock()

	case network.CharaSelectExit:
		s.handleExit(cmd)

	case network.RuleSettingsLoop:
		s.mu.Lock()
		cmd.Apply(&s.rules)
		s.ruleDeltas[index] = s.ruleDeltas[index].Add(cmd)
		s.rulesDirty = true
		s.mu.Unlock()

	case network.SetAttack:
		if err := s.state.SetAttack(int(index), cmd); err != nil {
			log.Printf("[Session] Failed to store attack from %d: %v", index, err)
		}

	case network.MovementFlagsMsg:
		if err := s.state.SetMovementFlags(int(index), cmd.Flags); err != nil {
			log.Printf("[Session] Failed to store movement flags from %d: %v", index, err)
		}

	default:
		log.Printf("[Session] Ignoring %s from %d", cmd.Kind(), index)
	}
}

// handleExit relays a menu exit. Starting the race resets all synchronized
// state and schedules a common start time.
func (s *Session) handleExit(exit network.CharaSelectExit) {
	s.mu.Lock()
	s.pendingExit = &exit
	now := s.serverNow
	peers := s.peersUnlocked()
	s.mu.Unlock()

	if exit.Type != network.ExitStart {
		return
	}

	s.state.ResetRace()
	for _, p := range peers {
		p.ResetValidPosition()
	}

	start := network.SyncStartGo{StartTime: now().Add(config.RaceStartDelay).UnixNano()}
	s.state.SetStartSyncGo(start)

	s.mu.Lock()
	s.pendingStart = &start
	s.mu.Unlock()
	log.Printf("[Session] Race in session %s starts at %s", s.ID, time.Unix(0, start.StartTime).Format(time.RFC3339Nano))
}

// Tick runs one iteration of the game loop.
func (s *Session) Tick() {
	s.state.AdvanceFrame()
	s.state.ApplyRaceSync(s.mirror)
	s.state.ApplyMovementFlags(s.mirror)
	if s.state.HasAttacks() {
		s.state.ProcessAttackTasks(s.mirror)
	}

	s.broadcastCommands()
	s.broadcastState()
	s.tickCount.Add(1)
}

// TickCount returns the number of ticks run.
func (s *Session) TickCount() uint64 {
	return s.tickCount.Load()
}

// gameLoop is the main loop running in its own goroutine.
func (s *Session) gameLoop() {
	ticker := time.NewTicker(config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// broadcastCommands sends the reliable commands gathered during the tick.
func (s *Session) broadcastCommands() {
	var cmds []network.Command

	s.mu.Lock()
	count := s.slotCountUnlocked()
	if s.charaDirty {
		loops := make([]network.CharaSelectLoop, count)
		copy(loops, s.charaSelect[:count])
		cmds = append(cmds, network.CharaSelectSync{Loops: loops})
		s.charaDirty = false
	}
	if s.rulesDirty {
		loops := make([]network.RuleSettingsLoop, count)
		copy(loops, s.ruleDeltas[:count])
		cmds = append(cmds, network.RuleSettingsSync{Loops: loops})
		s.ruleDeltas = [config.MaxNumberOfPlayers]network.RuleSettingsLoop{}
		s.rulesDirty = false
	}
	if s.pendingExit != nil {
		cmds = append(cmds, *s.pendingExit)
		s.pendingExit = nil
	}
	if s.pendingStart != nil {
		cmds = append(cmds, *s.pendingStart)
		s.pendingStart = nil
	}
	s.mu.Unlock()

	if flags, ok := s.mirror.TakeMovementFlags(count); ok {
		cmds = append(cmds, network.MovementFlagsSync{Flags: flags})
	}
	if attacks, ok := s.mirror.TakeAttacks(count); ok {
		cmds = append(cmds, network.AttackSync{Attacks: attacks})
	}

	if len(cmds) == 0 {
		return
	}

	msg, err := s.protocol.EncodeReliable(cmds...)
	if err != nil {
		log.Printf("[Session] Failed to encode commands: %v", err)
		return
	}
	s.broadcast(msg)
}

// broadcastState sends every racer's telemetry to all peers.
func (s *Session) broadcastState() {
	s.mu.RLock()
	count := s.slotCountUnlocked()
	empty := len(s.peers) == 0
	s.mu.RUnlock()

	if empty {
		return
	}

	msg, err := s.protocol.EncodeUnreliable(s.mirror.Players(count))
	if err != nil {
		log.Printf("[Session] Failed to encode state: %v", err)
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all peers in the session.
func (s *Session) broadcast(data []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.broadcastUnlocked(data)
}

// broadcastUnlocked sends a message to all peers.
func (s *Session) broadcastUnlocked(data []byte) {
	for _, p := range s.peers {
		if err := p.Connection.Send(data); err != nil {
			log.Printf("[Session] Failed to send to player %d: %v", p.Index, err)
		}
	}
}

// broadcastExceptUnlocked sends a message to all peers except one.
func (s *Session) broadcastExceptUnlocked(data []byte, except uint8) {
	for index, p := range s.peers {
		if index == except {
			continue
		}
		if err := p.Connection.Send(data); err != nil {
			log.Printf("[Session] Failed to send to player %d: %v", p.Index, err)
		}
	}
}

func (s *Session) checkRate(peer *Peer, now time.Time) bool {
	switch s.validator.ValidateRate(peer, now) {
	case ValidationKick:
		s.kickPeer(peer, "Cheat detected: "+CheatFlood.String())
		return false
	case ValidationDrop:
		return false
	}
	return true
}

// kickPeer removes a peer from the session due to an anti-cheat violation.
func (s *Session) kickPeer(p *Peer, reason string) {
	log.Printf("[Session] Kicking player %s (index %d): %s", p.Name, p.Index, reason)

	p.Connection.Send(s.protocol.EncodeError(network.ErrorCodeKicked, reason))
	s.RemovePeer(p.Index)

	if s.onPeerKick != nil {
		s.onPeerKick(p, reason)
	}
}

// SetOnPeerKick sets a callback function called when a peer is kicked.
func (s *Session) SetOnPeerKick(callback func(peer *Peer, reason string)) {
	s.onPeerKick = callback
}

// slotCountUnlocked returns how many player slots are in use: the host plus
// every index up to the highest connected peer.
func (s *Session) slotCountUnlocked() int {
	count := 1
	for index := range s.peers {
		count = max(count, int(index)+1)
	}
	return count
}

func (s *Session) freeIndexUnlocked() (uint8, bool) {
	for i := uint8(1); i < config.MaxNumberOfPlayers; i++ {
		if _, taken := s.peers[i]; !taken {
			return i, true
		}
	}
	return 0, false
}

func (s *Session) peersUnlocked() []*Peer {
	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	return peers
}

// Error definitions
var (
	ErrSessionFull = &SessionError{message: "session is full"}
)

// SessionError represents an error related to session operations.
type SessionError struct {
	message string
}

func (e *SessionError) Error() string {
	return e.message
}
