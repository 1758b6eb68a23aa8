// Package client implements a netplay participant: it connects to a host,
// keeps a synchronization store for the session, and exchanges the local
// racer's state with everyone else once per tick.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/race/netplay/config"
	"github.com/race/netplay/internal/clock"
	"github.com/race/netplay/internal/network"
	"github.com/race/netplay/internal/state"
)

var (
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrDisconnected     = errors.New("disconnected from host")
	ErrKicked           = errors.New("kicked by host")
)

// Game is the local simulation driven by the client.
type Game interface {
	state.Simulation

	// LocalPlayer returns the local racer's telemetry for this tick.
	LocalPlayer() network.UnreliablePacketPlayer
}

// JitterBuffered is implemented by games that buffer received telemetry
// before applying it. The client hands them the configured buffer settings.
type JitterBuffered interface {
	SetJitterBuffer(settings config.JitterBufferSettings)
}

// Client is one participant of a hosted session.
type Client struct {
	Name      string
	SessionID string // Session to join; empty lets the host choose

	cfg      *config.NetplayConfig
	game     Game
	protocol *network.Protocol
	timeSync *clock.TimeSync
	badnet   *BadInternet
	rules    *network.RaceRulesState
	menu     *MenuSync

	mu          sync.Mutex
	transport   Transport
	state       *state.CommonState // nil until the host accepted us
	pending     []network.Command
	flags       network.MovementFlags
	flagsDirty  bool
	charaSelect [config.MaxNumberOfPlayers]network.CharaSelectLoop
	lastExit    network.CharaSelectExit
	closeErr    error

	joined     chan struct{}
	joinedOnce sync.Once
	rtt        atomic.Int64
}

// New creates a client for the local game.
func New(cfg *config.NetplayConfig, game Game) *Client {
	if jb, ok := game.(JitterBuffered); ok {
		jb.SetJitterBuffer(cfg.BufferSettings)
	}

	rules := &network.RaceRulesState{}
	return &Client{
		Name:     cfg.PlayerName,
		cfg:      cfg,
		game:     game,
		protocol: network.NewProtocol(),
		timeSync: clock.New(cfg.NtpServer, clock.NTPQuerier{}),
		badnet:   NewBadInternet(cfg.BadInternet, time.Now().UnixNano()),
		rules:    rules,
		menu:     NewMenuSync(rules),
		joined:   make(chan struct{}),
	}
}

// Connect dials the host and waits until it has assigned a player index.
func (c *Client) Connect(ctx context.Context) error {
	target := c.endpoint()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}

	t := newWSTransport(ws, c.handleMessage)
	c.attach(t)
	go t.writePump()
	go t.readPump()

	if err := t.Send(c.protocol.EncodeJoin(c.Name)); err != nil {
		return err
	}

	select {
	case <-c.joined:
		return nil
	case <-t.Done():
		return c.disconnectErr()
	case <-ctx.Done():
		t.Close()
		return ErrHandshakeTimeout
	}
}

func (c *Client) endpoint() string {
	addr := c.cfg.HostAddr
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr + "/ws"
	}
	if c.SessionID == "" {
		return addr
	}
	return addr + "?session=" + url.QueryEscape(c.SessionID)
}

func (c *Client) attach(t Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = t
}

// Run drives the client at the tick rate until ctx is done or the host goes away.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return ErrDisconnected
	}

	if c.cfg.NtpEnabled {
		go c.timeSync.Run(ctx)
	}

	ticker := time.NewTicker(config.TickInterval)
	defer ticker.Stop()

	for frame := 0; ; frame++ {
		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		case <-t.Done():
			return c.disconnectErr()
		case <-ticker.C:
			c.Tick()
			if frame%config.TickRate == 0 {
				c.send(c.protocol.EncodePing(time.Now().UnixNano()))
			}
		}
	}
}

// Close leaves the session.
func (c *Client) Close() error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()

	if t == nil {
		return nil
	}
	t.Send(c.protocol.EncodeLeave())
	return t.Close()
}

// Tick applies fresh remote state to the game and sends the local state.
func (c *Client) Tick() {
	st := c.State()
	if st == nil {
		return
	}

	st.AdvanceFrame()
	st.ApplyRaceSync(c.game)
	st.ApplyMovementFlags(c.game)
	if st.HasAttacks() {
		st.ProcessAttackTasks(c.game)
	}

	c.sendTelemetry()
	c.flushCommands()
}

func (c *Client) sendTelemetry() {
	data, err := c.protocol.EncodeUnreliable([]network.UnreliablePacketPlayer{c.game.LocalPlayer()})
	if err != nil {
		log.Printf("[Client] Failed to encode telemetry: %v", err)
		return
	}

	if c.badnet.Drop() {
		return
	}
	if delay := c.badnet.Delay(); delay > 0 {
		time.AfterFunc(delay, func() { c.send(data) })
		return
	}
	c.send(data)
}

func (c *Client) flushCommands() {
	c.mu.Lock()
	cmds := c.pending
	c.pending = nil
	if c.flags != 0 || c.flagsDirty {
		cmds = append(cmds, network.MovementFlagsMsg{Flags: c.flags})
		c.flagsDirty = false
	}
	c.mu.Unlock()

	if delta, ok := c.menu.Flush(); ok {
		cmds = append(cmds, delta)
	}
	if len(cmds) == 0 {
		return
	}

	data, err := c.protocol.EncodeReliable(cmds...)
	if err != nil {
		log.Printf("[Client] Failed to encode commands: %v", err)
		return
	}
	c.send(data)
}

func (c *Client) send(data []byte) {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()

	if t == nil {
		return
	}
	if err := t.Send(data); err != nil {
		log.Printf("[Client] Failed to send: %v", err)
	}
}

func (c *Client) queue(cmd network.Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, cmd)
}

// RaiseAttack is called when the game starts an attack. It reports whether
// the game should go ahead with it.
func (c *Client) RaiseAttack(attackerLocal, targetLocal int) bool {
	st := c.State()
	if st == nil {
		return true
	}
	if st.ShouldRejectAttack(attackerLocal) {
		return false
	}
	if !st.IsProcessingAttacks() {
		c.queue(network.SetAttack{Valid: true, Target: uint8(st.HostPlayerIndex(targetLocal))})
	}
	return true
}

// SetMovementFlags reports the local racer's movement flags. Active flags are
// sent every tick; clearing them is sent once.
func (c *Client) SetMovementFlags(flags network.MovementFlags) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if flags != c.flags {
		c.flagsDirty = true
	}
	c.flags = flags
}

// SelectCharacter reports the local player's character select state.
func (c *Client) SelectCharacter(character uint8, status network.PlayerStatus) {
	st := c.State()
	if st == nil {
		return
	}
	c.queue(network.CharaSelectLoop{
		PlayerIndex: uint8(st.SelfInfo.PlayerIndex),
		Character:   character,
		Status:      status,
	})
}

// ExitMenu asks the host to leave character select.
func (c *Client) ExitMenu(kind network.ExitKind) {
	c.queue(network.CharaSelectExit{Type: kind})
}

// ChangeRules applies a rule menu change locally and sends it to the host.
func (c *Client) ChangeRules(delta network.RuleSettingsLoop) {
	c.menu.Queue(delta)
}

// Rules returns the race rules as currently known.
func (c *Client) Rules() network.RaceRulesState {
	c.menu.mu.Lock()
	defer c.menu.mu.Unlock()
	return *c.rules
}

// CharaSelect returns the last character select state of a local player slot.
func (c *Client) CharaSelect(local int) network.CharaSelectLoop {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.charaSelect[local]
}

// LastExit returns the last menu exit the host announced.
func (c *Client) LastExit() network.CharaSelectExit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastExit
}

// State returns the session store, or nil before joining.
func (c *Client) State() *state.CommonState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TimeSync exposes the clock synchronization service.
func (c *Client) TimeSync() *clock.TimeSync {
	return c.timeSync
}

// RaceStartLocal returns when the race starts on the local clock.
func (c *Client) RaceStartLocal() (time.Time, bool) {
	st := c.State()
	if st == nil {
		return time.Time{}, false
	}
	start, ok := st.StartSyncGo()
	if !ok {
		return time.Time{}, false
	}
	return c.timeSync.ToLocalTime(time.Unix(0, start.StartTime)), true
}

// RTT returns the last measured round trip time to the host.
func (c *Client) RTT() time.Duration {
	return time.Duration(c.rtt.Load())
}

func (c *Client) disconnectErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrDisconnected
}

// handleMessage processes one message from the host.
func (c *Client) handleMessage(data []byte) {
	if len(data) == 0 {
		return
	}

	if data[0] == network.MsgTypeSessionInfo {
		c.handleSessionInfo(data)
		return
	}
	if data[0] == network.MsgTypeError {
		c.handleError(data)
		return
	}

	st := c.State()
	if st == nil {
		return
	}

	switch data[0] {
	case network.MsgTypeUnreliable:
		c.handleUnreliable(st, data)

	case network.MsgTypeReliable, network.MsgTypeReliableLZ4:
		c.handleReliable(st, data)

	case network.MsgTypePlayerJoin:
		msg, err := c.protocol.DecodePlayerJoin(data)
		if err != nil {
			log.Printf("[Client] Invalid player join: %v", err)
			return
		}
		st.AddPlayer(state.PlayerData{Name: msg.Name, PlayerIndex: int(msg.Index)})
		log.Printf("[Client] Player %s joined as %d", msg.Name, msg.Index)

	case network.MsgTypePlayerLeave:
		msg, err := c.protocol.DecodePlayerLeave(data)
		if err != nil {
			log.Printf("[Client] Invalid player leave: %v", err)
			return
		}
		st.RemovePlayer(int(msg.Index))
		c.mu.Lock()
		c.charaSelect[st.LocalPlayerIndex(int(msg.Index))] = network.CharaSelectLoop{}
		c.mu.Unlock()

	case network.MsgTypePong:
		sent, err := c.protocol.DecodeTimestamp(data)
		if err != nil {
			return
		}
		c.rtt.Store(time.Now().UnixNano() - sent)

	default:
		log.Printf("[Client] Unknown message type %#x", data[0])
	}
}

func (c *Client) handleSessionInfo(data []byte) {
	info, err := c.protocol.DecodeSessionInfo(data)
	if err != nil {
		log.Printf("[Client] Invalid session info: %v", err)
		return
	}

	st := state.NewCommonState(state.PlayerData{Name: c.Name, PlayerIndex: int(info.YourIndex)})
	st.MaxLatency = c.cfg.MaxLatency
	st.HandshakeTimeout = c.cfg.HandshakeTimeout

	c.mu.Lock()
	c.state = st
	c.SessionID = info.SessionID
	c.mu.Unlock()

	log.Printf("[Client] Joined session %s as player %d", info.SessionID, info.YourIndex)
	c.joinedOnce.Do(func() { close(c.joined) })
}

func (c *Client) handleError(data []byte) {
	msg, err := c.protocol.DecodeError(data)
	if err != nil {
		log.Printf("[Client] Invalid error message: %v", err)
		return
	}
	log.Printf("[Client] Host error %d: %s", msg.Code, msg.Message)

	c.mu.Lock()
	switch msg.Code {
	case network.ErrorCodeKicked:
		c.closeErr = fmt.Errorf("%w: %s", ErrKicked, msg.Message)
	default:
		c.closeErr = fmt.Errorf("%w: %s", ErrDisconnected, msg.Message)
	}
	t := c.transport
	c.mu.Unlock()

	if t != nil {
		t.Close()
	}
}

// handleUnreliable stores every other racer's telemetry in its local slot.
func (c *Client) handleUnreliable(st *state.CommonState, data []byte) {
	packet, err := c.protocol.DecodeUnreliable(data)
	if err != nil {
		log.Printf("[Client] Dropping unreliable packet: %v", err)
		return
	}

	self := st.SelfInfo.PlayerIndex
	for hostIndex, player := range packet.Players {
		if hostIndex == self {
			continue
		}
		st.SetRaceSync(st.LocalPlayerIndex(hostIndex), player)
	}
}

func (c *Client) handleReliable(st *state.CommonState, data []byte) {
	cmds, cmdErrs, err := c.protocol.DecodeReliable(data)
	if err != nil {
		log.Printf("[Client] Dropping reliable message: %v", err)
		return
	}
	for _, cmdErr := range cmdErrs {
		log.Printf("[Client] Dropping command: %v", cmdErr)
	}

	self := st.SelfInfo.PlayerIndex
	for _, cmd := range cmds {
		switch cmd := cmd.(type) {
		case network.CharaSelectSync:
			c.mu.Lock()
			for hostIndex, loop := range cmd.Loops {
				c.charaSelect[st.LocalPlayerIndex(hostIndex)] = loop
			}
			c.mu.Unlock()

		case network.CharaSelectExit:
			c.mu.Lock()
			c.lastExit = cmd
			c.mu.Unlock()
			if cmd.Type == network.ExitStart {
				st.ResetRace()
				c.menu.Reset()
			}

		case network.RuleSettingsSync:
			c.menu.OnAuthoritative(cmd, self)

		case network.AttackSync:
			for hostIndex, atk := range cmd.Attacks {
				if hostIndex == self || !atk.Valid {
					continue
				}
				local := network.SetAttack{Valid: true, Target: uint8(st.LocalPlayerIndex(int(atk.Target)))}
				st.SetAttack(st.LocalPlayerIndex(hostIndex), local)
			}

		case network.MovementFlagsSync:
			for hostIndex, flags := range cmd.Flags {
				if hostIndex == self {
					continue
				}
				st.SetMovementFlags(st.LocalPlayerIndex(hostIndex), flags)
			}

		case network.SyncStartGo:
			st.SetStartSyncGo(cmd)
			start, _ := c.RaceStartLocal()
			log.Printf("[Client] Race starts at %s local time", start.Format(time.RFC3339Nano))

		default:
			log.Printf("[Client] Ignoring %s from host", cmd.Kind())
		}
	}
}
