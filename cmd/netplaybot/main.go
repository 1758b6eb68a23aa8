// Package main implements a headless netplay participant. It drives a racer
// around a circular course and reports what it receives from the session.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/race/netplay/config"
	"github.com/race/netplay/internal/client"
	"github.com/race/netplay/internal/network"
)

const (
	courseRadius = 800.0
	lapTime      = 20 * time.Second
	boostEvery   = 3 * time.Second
)

// driver is a synthetic game: the local racer laps a circle and remote
// racers are only recorded.
type driver struct {
	mu      sync.Mutex
	started time.Time
	frame   int
	rings   uint8

	remote  [config.MaxNumberOfPlayers]network.UnreliablePacketPlayer
	seen    [config.MaxNumberOfPlayers]int
	attacks int
}

func newDriver() *driver {
	return &driver{started: time.Now()}
}

func (d *driver) ApplyPlayer(index int, player network.UnreliablePacketPlayer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remote[index] = d.remote[index].Merge(player)
	d.seen[index]++
}

func (d *driver) ApplyMovementFlags(index int, flags network.MovementFlags) {
	if flags&network.MovementAttack != 0 {
		log.Printf("[Bot] Player %d attacking", index)
	}
}

func (d *driver) StartAttack(attacker, target int) {
	d.mu.Lock()
	d.attacks++
	d.mu.Unlock()
	log.Printf("[Bot] Attack by %d on %d", attacker, target)
}

func (d *driver) SetJitterBuffer(settings config.JitterBufferSettings) {
	log.Printf("[Bot] Jitter buffer: type=%d size=%d ramp-down=%d samples=%d",
		settings.Type, settings.DefaultBufferSize, settings.MaxRampDownAmount, settings.NumJitterValuesSample)
}

func (d *driver) LocalPlayer() network.UnreliablePacketPlayer {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.frame++
	if d.frame%config.TickRate == 0 && d.rings < config.MaxRings {
		d.rings++
	}

	angle := 2 * math.Pi * time.Since(d.started).Seconds() / lapTime.Seconds()
	speed := 2 * math.Pi * courseRadius / lapTime.Seconds()
	pos := network.Vector3{
		X: float32(courseRadius * math.Cos(angle)),
		Z: float32(courseRadius * math.Sin(angle)),
	}
	rotation := float32(angle + math.Pi/2)
	vx := float32(speed)
	var vy float32
	rings := d.rings
	st := network.StateCruise

	return network.UnreliablePacketPlayer{
		Position:  &pos,
		RotationX: &rotation,
		VelocityX: &vx,
		VelocityY: &vy,
		Rings:     &rings,
		State:     &st,
	}
}

// report logs what arrived since the last call.
func (d *driver) report(c *client.Client) {
	d.mu.Lock()
	seen := d.seen
	d.seen = [config.MaxNumberOfPlayers]int{}
	attacks := d.attacks
	d.attacks = 0
	remote := d.remote
	d.mu.Unlock()

	st := c.State()
	if st == nil {
		return
	}
	log.Printf("[Bot] players=%d rtt=%v attacks=%d synced=%v",
		st.PlayerCount(), c.RTT(), attacks, c.TimeSync().Synchronized())
	for slot, n := range seen {
		if n == 0 || remote[slot].Position == nil {
			continue
		}
		p := remote[slot].Position
		log.Printf("[Bot]   slot %d: %d updates, at (%.0f, %.0f, %.0f)", slot, n, p.X, p.Y, p.Z)
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.Load()

	flag.StringVar(&cfg.HostAddr, "host", cfg.HostAddr, "host address (host:port or ws:// URL)")
	flag.StringVar(&cfg.PlayerName, "name", cfg.PlayerName, "player name")
	flag.BoolVar(&cfg.NtpEnabled, "ntp", cfg.NtpEnabled, "synchronize with the NTP server")
	sessionID := flag.String("session", "", "session to join (empty lets the host choose)")
	character := flag.Uint("character", 0, "character to select")
	start := flag.Bool("start", false, "start the race once joined")
	attack := flag.Int("attack", -1, "local slot to attack every boost (-1 disables)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	game := newDriver()
	c := client.New(cfg, game)
	c.SessionID = *sessionID

	if err := c.Connect(ctx); err != nil {
		log.Fatalf("Connect: %v", err)
	}
	log.Printf("[Bot] Connected to %s as %s (session %s)", cfg.HostAddr, cfg.PlayerName, c.SessionID)

	c.SelectCharacter(uint8(*character), network.StatusReady)
	if *start {
		c.ExitMenu(network.ExitStart)
	}

	go func() {
		reportTicker := time.NewTicker(5 * time.Second)
		boostTicker := time.NewTicker(boostEvery)
		defer reportTicker.Stop()
		defer boostTicker.Stop()

		boosting := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-reportTicker.C:
				game.report(c)
			case <-boostTicker.C:
				boosting = !boosting
				if boosting {
					c.SetMovementFlags(network.MovementBoost)
					if *attack > 0 && c.RaiseAttack(0, *attack) {
						log.Printf("[Bot] Attacking slot %d", *attack)
					}
				} else {
					c.SetMovementFlags(0)
				}
			}
		}
	}()

	err := c.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		log.Printf("[Bot] Shutting down")
	case errors.Is(err, client.ErrKicked):
		log.Fatalf("[Bot] %v", err)
	default:
		log.Printf("[Bot] Disconnected: %v", err)
	}
}
