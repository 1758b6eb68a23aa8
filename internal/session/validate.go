package session

import (
	"math"
	"strings"
	"time"

	"github.com/race/netplay/config"
	"github.com/race/netplay/internal/network"
)

// ValidationResult represents the result of anti-cheat validation
type ValidationResult int

const (
	ValidationValid ValidationResult = iota
	ValidationDrop                   // Ignore the message, keep the peer
	ValidationKick
)

// CheatKind selects which checks are enforced. Matches the AntiCheat config bits.
type CheatKind uint8

const (
	CheatTeleport CheatKind = 1 << iota
	CheatRings
	CheatFlood

	CheatNone CheatKind = 0
	CheatAll            = CheatTeleport | CheatRings | CheatFlood
)

func (k CheatKind) String() string {
	if k == CheatNone {
		return "none"
	}
	var names []string
	if k&CheatTeleport != 0 {
		names = append(names, "teleport")
	}
	if k&CheatRings != 0 {
		names = append(names, "rings")
	}
	if k&CheatFlood != 0 {
		names = append(names, "flood")
	}
	return strings.Join(names, "|")
}

// Validator checks peer traffic against the enabled cheat checks.
type Validator struct {
	Mode       CheatKind
	MaxLatency time.Duration // Positions older than this are not compared
}

// NewValidator creates a validator for the given anti-cheat mode bits.
func NewValidator(mode uint8) *Validator {
	return &Validator{
		Mode:       CheatKind(mode) & CheatAll,
		MaxLatency: config.DefaultMaxLatency,
	}
}

// ValidateRate checks whether the peer is flooding the host with messages.
func (v *Validator) ValidateRate(p *Peer, now time.Time) ValidationResult {
	if v.Mode&CheatFlood == 0 || p.Allow(now) {
		return ValidationValid
	}
	return v.violation(p)
}

// ValidateTelemetry checks one telemetry update sent by a peer.
// The returned kind names the check that failed.
func (v *Validator) ValidateTelemetry(p *Peer, player network.UnreliablePacketPlayer, now time.Time) (ValidationResult, CheatKind) {
	if v.Mode&CheatRings != 0 && player.Rings != nil && *player.Rings > config.MaxRings {
		return v.violation(p), CheatRings
	}

	if v.Mode&CheatTeleport != 0 && player.Position != nil {
		last, at, ok := p.LastValidPosition()
		if ok && now.Sub(at) <= v.MaxLatency && Distance(last, *player.Position) > config.MaxTeleportDistance {
			return v.violation(p), CheatTeleport
		}
	}

	return ValidationValid, CheatNone
}

// ApplyValidationResult records a valid update as the peer's new baseline.
func (v *Validator) ApplyValidationResult(p *Peer, player network.UnreliablePacketPlayer, result ValidationResult, now time.Time) {
	switch result {
	case ValidationValid:
		p.SaveValidPosition(player.Position, now)

	case ValidationDrop, ValidationKick:
		// Handled by caller
	}
}

func (v *Validator) violation(p *Peer) ValidationResult {
	if p.IncrementViolations() > config.MaxViolations {
		return ValidationKick
	}
	return ValidationDrop
}

// Distance returns the euclidean distance between two positions.
func Distance(a, b network.Vector3) float64 {
	dx := float64(a.X - b.X)
	dy := float64(a.Y - b.Y)
	dz := float64(a.Z - b.Z)
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
