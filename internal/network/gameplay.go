package network

import "encoding/binary"

// SetAttack is an attack started by the sending player on Target.
type SetAttack struct {
	Valid  bool
	Target uint8
}

func (SetAttack) Kind() CommandKind { return KindSetAttack }
func (SetAttack) command()          {}

func (a SetAttack) appendPayload(buf []byte) []byte {
	return appendSetAttack(buf, a)
}

func appendSetAttack(buf []byte, a SetAttack) []byte {
	var valid uint8
	if a.Valid {
		valid = 1
	}
	return append(buf, valid, a.Target)
}

func readSetAttack(r *reader) SetAttack {
	return SetAttack{
		Valid:  r.uint8() != 0,
		Target: r.uint8(),
	}
}

// AttackSync carries the attack of each player, indexed by host player index.
type AttackSync struct {
	Attacks []SetAttack
}

func (AttackSync) Kind() CommandKind { return KindAttackSync }
func (AttackSync) command()          {}

func (s AttackSync) appendPayload(buf []byte) []byte {
	return appendPack(buf, s.Attacks, appendSetAttack)
}

// MovementFlags are the one-shot movement actions pressed during a tick.
type MovementFlags uint8

const (
	MovementBoost MovementFlags = 1 << iota
	MovementTornado
	MovementAttack
	MovementDrift
)

// MovementFlagsMsg reports the sending player's movement flags.
type MovementFlagsMsg struct {
	Flags MovementFlags
}

func (MovementFlagsMsg) Kind() CommandKind { return KindMovementFlags }
func (MovementFlagsMsg) command()          {}

func (m MovementFlagsMsg) appendPayload(buf []byte) []byte {
	return append(buf, uint8(m.Flags))
}

// MovementFlagsSync carries every player's movement flags, indexed by host player index.
type MovementFlagsSync struct {
	Flags []MovementFlags
}

func (MovementFlagsSync) Kind() CommandKind { return KindMovementFlagsSync }
func (MovementFlagsSync) command()          {}

func (s MovementFlagsSync) appendPayload(buf []byte) []byte {
	return appendPack(buf, s.Flags, func(buf []byte, f MovementFlags) []byte {
		return append(buf, uint8(f))
	})
}

// SyncStartGo tells every peer when the race starts, in server (NTP) time.
type SyncStartGo struct {
	StartTime int64 // Unix nanoseconds
}

func (SyncStartGo) Kind() CommandKind { return KindSyncStartGo }
func (SyncStartGo) command()          {}

func (s SyncStartGo) appendPayload(buf []byte) []byte {
	return binary.LittleEndian.AppendUint64(buf, uint64(s.StartTime))
}
