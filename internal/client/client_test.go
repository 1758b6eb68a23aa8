package client

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/race/netplay/config"
	"github.com/race/netplay/internal/network"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	done   chan struct{}
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{done: make(chan struct{})}
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, data)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

func (t *fakeTransport) Done() <-chan struct{} { return t.done }

// take returns and forgets the messages of the given type.
func (t *fakeTransport) take(msgType uint8) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out, rest [][]byte
	for _, msg := range t.sent {
		if msg[0] == msgType {
			out = append(out, msg)
		} else {
			rest = append(rest, msg)
		}
	}
	t.sent = rest
	return out
}

func (t *fakeTransport) commands(tb testing.TB) []network.Command {
	tb.Helper()
	var cmds []network.Command
	for _, msg := range t.take(network.MsgTypeReliable) {
		decoded, cmdErrs, err := network.NewProtocol().DecodeReliable(msg)
		if err != nil || len(cmdErrs) != 0 {
			tb.Fatalf("DecodeReliable: %v %v", err, cmdErrs)
		}
		cmds = append(cmds, decoded...)
	}
	return cmds
}

type attack struct{ attacker, target int }

type fakeGame struct {
	local   network.UnreliablePacketPlayer
	players map[int]network.UnreliablePacketPlayer
	flags   map[int]network.MovementFlags
	attacks []attack
	allowed []bool
	client  *Client
	jitter  *config.JitterBufferSettings
}

func newFakeGame() *fakeGame {
	return &fakeGame{
		players: make(map[int]network.UnreliablePacketPlayer),
		flags:   make(map[int]network.MovementFlags),
	}
}

func (g *fakeGame) ApplyPlayer(index int, player network.UnreliablePacketPlayer) {
	g.players[index] = player
}

func (g *fakeGame) ApplyMovementFlags(index int, flags network.MovementFlags) {
	g.flags[index] = flags
}

func (g *fakeGame) StartAttack(attacker, target int) {
	g.attacks = append(g.attacks, attack{attacker, target})
	if g.client != nil {
		g.allowed = append(g.allowed, g.client.RaiseAttack(attacker, target))
	}
}

func (g *fakeGame) LocalPlayer() network.UnreliablePacketPlayer { return g.local }

func (g *fakeGame) SetJitterBuffer(settings config.JitterBufferSettings) { g.jitter = &settings }

func ptr[T any](v T) *T { return &v }

func testConfig() *config.NetplayConfig {
	cfg := config.DefaultNetplayConfig()
	cfg.NtpEnabled = false
	return cfg
}

func newJoinedClient(t *testing.T, cfg *config.NetplayConfig, selfIndex uint8) (*Client, *fakeGame, *fakeTransport) {
	t.Helper()
	game := newFakeGame()
	c := New(cfg, game)
	game.client = c
	tr := newFakeTransport()
	c.attach(tr)

	c.handleMessage(network.NewProtocol().EncodeSessionInfo(network.SessionInfoMessage{
		SessionID:   "session",
		PlayerCount: 2,
		MaxPlayers:  config.MaxNumberOfPlayers,
		YourIndex:   selfIndex,
	}))
	if c.State() == nil {
		t.Fatalf("no state after session info")
	}
	return c, game, tr
}

func hostReliable(t *testing.T, cmds ...network.Command) []byte {
	t.Helper()
	data, err := network.NewProtocol().EncodeReliable(cmds...)
	if err != nil {
		t.Fatalf("EncodeReliable: %v", err)
	}
	return data
}

func TestSessionInfoJoins(t *testing.T) {
	game := newFakeGame()
	c := New(testConfig(), game)
	c.attach(newFakeTransport())

	c.Tick() // not joined: no-op
	if c.State() != nil {
		t.Fatalf("state before joining")
	}

	c.handleMessage(network.NewProtocol().EncodeSessionInfo(network.SessionInfoMessage{SessionID: "abc", YourIndex: 3}))
	select {
	case <-c.joined:
	default:
		t.Fatalf("joined not signalled")
	}
	if c.State().SelfInfo.PlayerIndex != 3 || c.SessionID != "abc" {
		t.Fatalf("self = %+v, session = %q", c.State().SelfInfo, c.SessionID)
	}
	if c.State().MaxLatency != config.DefaultMaxLatency {
		t.Fatalf("MaxLatency = %v", c.State().MaxLatency)
	}
}

func TestJitterBufferSettingsReachGame(t *testing.T) {
	cfg := testConfig()
	cfg.BufferSettings.DefaultBufferSize = 5
	game := newFakeGame()
	New(cfg, game)

	if game.jitter == nil {
		t.Fatalf("jitter buffer settings not passed to game")
	}
	if *game.jitter != cfg.BufferSettings {
		t.Fatalf("settings = %+v, want %+v", *game.jitter, cfg.BufferSettings)
	}
}

func TestUnreliableAppliedToLocalSlots(t *testing.T) {
	c, game, _ := newJoinedClient(t, testConfig(), 2)

	players := []network.UnreliablePacketPlayer{
		network.UnreliablePacketPlayer{}.Full(),
		network.UnreliablePacketPlayer{Rings: ptr[uint8](5)}.Full(),
		network.UnreliablePacketPlayer{Rings: ptr[uint8](9)}.Full(),
	}
	data, err := network.NewProtocol().EncodeUnreliable(players)
	if err != nil {
		t.Fatalf("EncodeUnreliable: %v", err)
	}
	c.handleMessage(data)
	c.Tick()

	// self = 2: host 0 -> local 1, host 1 -> local 2, host 2 -> local 0
	if len(game.players) != 1 {
		t.Fatalf("applied players = %v, want only local 2", game.players)
	}
	if got := game.players[2]; *got.Rings != 5 {
		t.Fatalf("local 2 rings = %d, want 5", *got.Rings)
	}
}

func TestTickSendsTelemetryAndCommands(t *testing.T) {
	c, game, tr := newJoinedClient(t, testConfig(), 1)
	game.local = network.UnreliablePacketPlayer{Rings: ptr[uint8](3)}

	c.SetMovementFlags(network.MovementBoost)
	c.ChangeRules(network.RuleSettingsLoop{DeltaLevel: 1})
	c.Tick()

	telemetry := tr.take(network.MsgTypeUnreliable)
	if len(telemetry) != 1 {
		t.Fatalf("telemetry messages = %d, want 1", len(telemetry))
	}
	packet, err := network.NewProtocol().DecodeUnreliable(telemetry[0])
	if err != nil || *packet.Players[0].Rings != 3 {
		t.Fatalf("telemetry = %+v, %v", packet, err)
	}

	cmds := tr.commands(t)
	if len(cmds) != 2 {
		t.Fatalf("commands = %v", cmds)
	}
	if cmds[0] != (network.MovementFlagsMsg{Flags: network.MovementBoost}) {
		t.Fatalf("first command = %#v", cmds[0])
	}
	if cmds[1] != (network.RuleSettingsLoop{DeltaLevel: 1}) {
		t.Fatalf("second command = %#v", cmds[1])
	}
	rules := c.Rules()
	if rules.Rule(network.RuleLevel) != 1 {
		t.Fatalf("level = %d, want speculative 1", rules.Rule(network.RuleLevel))
	}

	// Held flags repeat, the rule change does not.
	c.Tick()
	cmds = tr.commands(t)
	if len(cmds) != 1 || cmds[0] != (network.MovementFlagsMsg{Flags: network.MovementBoost}) {
		t.Fatalf("second tick commands = %v", cmds)
	}

	// Releasing is sent once.
	c.SetMovementFlags(0)
	c.Tick()
	c.Tick()
	cmds = tr.commands(t)
	if len(cmds) != 1 || cmds[0] != (network.MovementFlagsMsg{}) {
		t.Fatalf("release commands = %v", cmds)
	}
}

func TestAttackSyncTranslatesIndices(t *testing.T) {
	c, game, tr := newJoinedClient(t, testConfig(), 2)

	c.handleMessage(hostReliable(t, network.AttackSync{Attacks: []network.SetAttack{
		{},
		{Valid: true, Target: 2},
		{Valid: true, Target: 1}, // our own attack, echoed
	}}))
	c.Tick()

	if len(game.attacks) != 1 || game.attacks[0] != (attack{2, 0}) {
		t.Fatalf("attacks = %+v, want [{2 0}]", game.attacks)
	}
	if !game.allowed[0] {
		t.Fatalf("network attack rejected during replay")
	}
	for _, cmd := range tr.commands(t) {
		if _, ok := cmd.(network.SetAttack); ok {
			t.Fatalf("replayed attack sent back to host")
		}
	}
}

func TestRaiseAttack(t *testing.T) {
	c, _, tr := newJoinedClient(t, testConfig(), 2)

	if c.RaiseAttack(3, 0) {
		t.Fatalf("attack by a remote slot allowed outside replay")
	}
	if !c.RaiseAttack(0, 1) {
		t.Fatalf("local attack rejected")
	}
	c.Tick()

	cmds := tr.commands(t)
	if len(cmds) != 1 || cmds[0] != (network.SetAttack{Valid: true, Target: 0}) {
		t.Fatalf("commands = %v, want attack on host index 0", cmds)
	}
}

func TestRaceStart(t *testing.T) {
	c, _, _ := newJoinedClient(t, testConfig(), 1)
	c.State().SetRaceSync(2, network.UnreliablePacketPlayer{Rings: ptr[uint8](1)})

	start := time.Unix(1700000003, 0)
	c.handleMessage(hostReliable(t,
		network.CharaSelectExit{Type: network.ExitStart},
		network.SyncStartGo{StartTime: start.UnixNano()},
	))

	if c.LastExit().Type != network.ExitStart {
		t.Fatalf("last exit = %+v", c.LastExit())
	}
	if _, ok := c.State().RaceSyncFor(2); ok {
		t.Fatalf("race state survived the restart")
	}
	got, ok := c.RaceStartLocal()
	if !ok || !got.Equal(start) {
		t.Fatalf("RaceStartLocal = %v, %v; want %v", got, ok, start)
	}
}

func TestRuleSettingsReconciled(t *testing.T) {
	c, _, _ := newJoinedClient(t, testConfig(), 2)

	c.ChangeRules(network.RuleSettingsLoop{DeltaLevel: 1})
	c.Tick()

	c.handleMessage(hostReliable(t, network.RuleSettingsSync{Loops: []network.RuleSettingsLoop{
		{},
		{DeltaItem: 1},
		{DeltaLevel: 1},
	}}))

	rules := c.Rules()
	if rules.Rule(network.RuleLevel) != 1 || rules.Rule(network.RuleItem) != 1 {
		t.Fatalf("rules = %v", rules)
	}
	if !c.menu.Speculative().IsDefault() {
		t.Fatalf("speculation left after confirmation: %+v", c.menu.Speculative())
	}
}

func TestCharaSelectAndLeave(t *testing.T) {
	c, _, _ := newJoinedClient(t, testConfig(), 1)
	p := network.NewProtocol()

	c.handleMessage(p.EncodePlayerJoin(3, "Tails"))
	if !c.State().IsHuman(3) {
		t.Fatalf("joined player unknown")
	}

	loop := network.CharaSelectLoop{PlayerIndex: 3, Character: 7, Status: network.StatusGearSelect}
	c.handleMessage(hostReliable(t, network.CharaSelectSync{Loops: []network.CharaSelectLoop{{}, {}, {}, loop}}))
	if c.CharaSelect(3) != loop {
		t.Fatalf("chara select = %+v", c.CharaSelect(3))
	}

	c.handleMessage(p.EncodePlayerLeave(3))
	if c.State().IsHuman(3) || c.CharaSelect(3) != (network.CharaSelectLoop{}) {
		t.Fatalf("left player still present")
	}
}

func TestKicked(t *testing.T) {
	c, _, tr := newJoinedClient(t, testConfig(), 1)

	c.handleMessage(network.NewProtocol().EncodeError(network.ErrorCodeKicked, "Cheat detected: flood"))

	select {
	case <-tr.Done():
	default:
		t.Fatalf("transport left open after kick")
	}
	if err := c.disconnectErr(); !errors.Is(err, ErrKicked) {
		t.Fatalf("err = %v, want ErrKicked", err)
	}
}

func TestPacketLossDropsTelemetry(t *testing.T) {
	cfg := testConfig()
	cfg.BadInternet = config.SimulateBadInternet{Enabled: true, PacketLoss: 100}
	c, _, tr := newJoinedClient(t, cfg, 1)

	for i := 0; i < 10; i++ {
		c.Tick()
	}
	if n := len(tr.take(network.MsgTypeUnreliable)); n != 0 {
		t.Fatalf("sent %d packets with 100%% loss", n)
	}
}

func TestBadInternetDelayRange(t *testing.T) {
	b := NewBadInternet(config.SimulateBadInternet{
		Enabled:    true,
		MinLatency: 20 * time.Millisecond,
		MaxLatency: 80 * time.Millisecond,
	}, 1)

	for i := 0; i < 100; i++ {
		if d := b.Delay(); d < 20*time.Millisecond || d > 80*time.Millisecond {
			t.Fatalf("delay %v outside [20ms, 80ms]", d)
		}
	}
	if b.Drop() {
		t.Fatalf("dropped without loss configured")
	}
}

func TestEndpoint(t *testing.T) {
	cfg := testConfig()
	cfg.HostAddr = "10.0.0.2:42069"
	c := New(cfg, newFakeGame())

	if got := c.endpoint(); got != "ws://10.0.0.2:42069/ws" {
		t.Fatalf("endpoint = %q", got)
	}
	c.SessionID = "race 1"
	if got := c.endpoint(); got != "ws://10.0.0.2:42069/ws?session=race+1" {
		t.Fatalf("endpoint = %q", got)
	}
}
