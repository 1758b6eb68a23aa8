package state

import (
	"errors"
	"testing"
	"time"

	"github.com/race/netplay/internal/network"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type attack struct{ attacker, target int }

type fakeSim struct {
	players  map[int]network.UnreliablePacketPlayer
	flags    map[int]network.MovementFlags
	attacks  []attack
	rejected []bool
	state    *CommonState
}

func newFakeSim() *fakeSim {
	return &fakeSim{
		players: make(map[int]network.UnreliablePacketPlayer),
		flags:   make(map[int]network.MovementFlags),
	}
}

func (f *fakeSim) ApplyPlayer(index int, player network.UnreliablePacketPlayer) {
	f.players[index] = player
}

func (f *fakeSim) ApplyMovementFlags(index int, flags network.MovementFlags) {
	f.flags[index] = flags
}

func (f *fakeSim) StartAttack(attacker, target int) {
	f.attacks = append(f.attacks, attack{attacker, target})
	if f.state != nil {
		// The game asks whether to reject the attack it is about to run.
		f.rejected = append(f.rejected, f.state.ShouldRejectAttack(attacker))
	}
}

func newTestState(selfIndex int) (*CommonState, *fakeClock) {
	s := NewCommonState(PlayerData{Name: "self", PlayerIndex: selfIndex})
	clock := &fakeClock{t: time.Unix(1000, 0)}
	s.SetClock(clock.now)
	return s, clock
}

func rings(n uint8) network.UnreliablePacketPlayer {
	return network.UnreliablePacketPlayer{Rings: &n}
}

func TestApplyRaceSyncStalenessWindow(t *testing.T) {
	s, clock := newTestState(0)
	s.MaxLatency = 1000 * time.Millisecond

	// Written at tick 100 (one tick per millisecond)
	clock.t = time.Unix(0, 0).Add(100 * time.Millisecond)
	if err := s.SetRaceSync(1, rings(20)); err != nil {
		t.Fatalf("SetRaceSync: %v", err)
	}

	clock.t = time.Unix(0, 0).Add((100 + 999) * time.Millisecond)
	sim := newFakeSim()
	if n := s.ApplyRaceSync(sim); n != 1 {
		t.Fatalf("applied at tick 1099 = %d, want 1", n)
	}
	if *sim.players[1].Rings != 20 {
		t.Fatalf("rings = %d, want 20", *sim.players[1].Rings)
	}

	clock.t = time.Unix(0, 0).Add((100 + 1001) * time.Millisecond)
	sim = newFakeSim()
	if n := s.ApplyRaceSync(sim); n != 0 {
		t.Fatalf("applied at tick 1101 = %d, want 0", n)
	}
	if len(sim.players) != 0 {
		t.Fatalf("stale slot modified the simulation: %v", sim.players)
	}
}

func TestApplyRaceSyncBoundaryIsNotDiscarded(t *testing.T) {
	s, clock := newTestState(0)
	_ = s.SetRaceSync(2, rings(1))

	clock.advance(s.MaxLatency)
	if n := s.ApplyRaceSync(newFakeSim()); n != 1 {
		t.Fatalf("applied at exactly MaxLatency = %d, want 1", n)
	}
}

func TestApplyRaceSyncSkipsSelfEmptyAndDefault(t *testing.T) {
	s, _ := newTestState(0)
	_ = s.SetRaceSync(0, rings(5))
	_ = s.SetRaceSync(3, network.UnreliablePacketPlayer{}.Full())
	_ = s.SetRaceSync(4, rings(9))

	sim := newFakeSim()
	if n := s.ApplyRaceSync(sim); n != 1 {
		t.Fatalf("applied = %d, want 1", n)
	}
	if _, ok := sim.players[4]; !ok {
		t.Fatalf("slot 4 not applied")
	}
}

func TestSetRaceSyncLastWriterWins(t *testing.T) {
	s, clock := newTestState(0)
	_ = s.SetRaceSync(1, rings(1))
	clock.advance(time.Millisecond)
	_ = s.SetRaceSync(1, rings(2))

	got, ok := s.RaceSyncFor(1)
	if !ok || *got.Rings != 2 {
		t.Fatalf("RaceSyncFor = %v, %v; want rings 2", got, ok)
	}
}

func TestSetInvalidSlot(t *testing.T) {
	s, _ := newTestState(0)
	if err := s.SetRaceSync(8, rings(1)); !errors.Is(err, ErrInvalidSlot) {
		t.Fatalf("SetRaceSync err = %v", err)
	}
	if err := s.SetAttack(-1, network.SetAttack{}); !errors.Is(err, ErrInvalidSlot) {
		t.Fatalf("SetAttack err = %v", err)
	}
	if err := s.SetMovementFlags(9, 0); !errors.Is(err, ErrInvalidSlot) {
		t.Fatalf("SetMovementFlags err = %v", err)
	}
}

func TestResetRaceEmptiesSlots(t *testing.T) {
	s, _ := newTestState(0)
	_ = s.SetRaceSync(1, rings(1))
	_ = s.SetMovementFlags(1, network.MovementBoost)
	_ = s.SetAttack(1, network.SetAttack{Valid: true, Target: 2})
	s.SetStartSyncGo(network.SyncStartGo{StartTime: 1})

	s.ResetRace()

	sim := newFakeSim()
	if s.ApplyRaceSync(sim)+s.ApplyMovementFlags(sim)+s.ProcessAttackTasks(sim) != 0 {
		t.Fatalf("reset slots were applied")
	}
	if s.HasAttacks() {
		t.Fatalf("HasAttacks after reset")
	}
	if _, ok := s.StartSyncGo(); ok {
		t.Fatalf("start command survived reset")
	}
}

func TestApplyMovementFlags(t *testing.T) {
	s, clock := newTestState(0)
	_ = s.SetMovementFlags(1, network.MovementBoost|network.MovementTornado)
	_ = s.SetMovementFlags(2, 0)

	sim := newFakeSim()
	if n := s.ApplyMovementFlags(sim); n != 1 {
		t.Fatalf("applied = %d, want 1", n)
	}
	if sim.flags[1] != network.MovementBoost|network.MovementTornado {
		t.Fatalf("flags = %b", sim.flags[1])
	}

	clock.advance(s.MaxLatency + time.Millisecond)
	if _, ok := s.MovementFlagsFor(1); ok {
		t.Fatalf("stale flags reported fresh")
	}
}

func TestProcessAttackTasks(t *testing.T) {
	s, _ := newTestState(0)
	_ = s.SetAttack(0, network.SetAttack{Valid: true, Target: 1}) // self, ignored
	_ = s.SetAttack(2, network.SetAttack{Valid: true, Target: 3})
	_ = s.SetAttack(5, network.SetAttack{Valid: false, Target: 1})

	if !s.HasAttacks() {
		t.Fatalf("HasAttacks = false, want true")
	}

	sim := newFakeSim()
	sim.state = s
	if n := s.ProcessAttackTasks(sim); n != 1 {
		t.Fatalf("started = %d, want 1", n)
	}
	if sim.attacks[0] != (attack{2, 3}) {
		t.Fatalf("attack = %+v, want {2 3}", sim.attacks[0])
	}
	if sim.rejected[0] {
		t.Fatalf("replayed network attack was rejected")
	}

	if s.IsProcessingAttacks() {
		t.Fatalf("processing flag left set")
	}
	if s.HasAttacks() {
		t.Fatalf("attack slots not cleared")
	}
	if n := s.ProcessAttackTasks(newFakeSim()); n != 0 {
		t.Fatalf("attack replayed twice")
	}
}

func TestShouldRejectAttackOutsideReplay(t *testing.T) {
	s, _ := newTestState(0)
	if s.ShouldRejectAttack(0) {
		t.Fatalf("local player's attack rejected")
	}
	if !s.ShouldRejectAttack(3) {
		t.Fatalf("remote player's local attack accepted")
	}
}

func TestPlayerIndexTranslation(t *testing.T) {
	s, _ := newTestState(2)

	wantLocal := map[int]int{0: 1, 1: 2, 2: 0, 3: 3, 7: 7}
	for host, local := range wantLocal {
		if got := s.LocalPlayerIndex(host); got != local {
			t.Fatalf("LocalPlayerIndex(%d) = %d, want %d", host, got, local)
		}
	}

	for selfIndex := 0; selfIndex < 8; selfIndex++ {
		s, _ := newTestState(selfIndex)
		seen := make(map[int]bool)
		for host := 0; host < 8; host++ {
			local := s.LocalPlayerIndex(host)
			if seen[local] {
				t.Fatalf("self %d: local index %d used twice", selfIndex, local)
			}
			seen[local] = true
			if back := s.HostPlayerIndex(local); back != host {
				t.Fatalf("self %d: HostPlayerIndex(LocalPlayerIndex(%d)) = %d", selfIndex, host, back)
			}
		}
	}
}

func TestPlayerInfoCountAndIsHuman(t *testing.T) {
	s, _ := newTestState(1)
	if s.PlayerCount() != 2 {
		t.Fatalf("PlayerCount = %d, want 2", s.PlayerCount())
	}

	s.AddPlayer(PlayerData{Name: "host", PlayerIndex: 0})
	s.AddPlayer(PlayerData{Name: "third", PlayerIndex: 3})
	if s.PlayerCount() != 4 {
		t.Fatalf("PlayerCount = %d, want 4", s.PlayerCount())
	}
	if !s.IsHuman(3) || !s.IsHuman(1) || s.IsHuman(2) {
		t.Fatalf("IsHuman mismatch")
	}

	s.RemovePlayer(3)
	if s.IsHuman(3) {
		t.Fatalf("removed player still human")
	}
}

func TestAdvanceFrame(t *testing.T) {
	s, _ := newTestState(0)
	s.AdvanceFrame()
	if got := s.AdvanceFrame(); got != 2 {
		t.Fatalf("FrameCounter = %d, want 2", got)
	}
}
