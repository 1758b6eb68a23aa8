package network

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Vector3 is a world-space position.
type Vector3 struct {
	X, Y, Z float32
}

// PlayerState is the racer's movement state as reported by the game.
type PlayerState uint8

const (
	StateNone PlayerState = iota
	StateCruise
	StateJump
	StateFreeFalling
	StateGrinding
	StateFlying
	StateRunning
	StateAttacked
	StateElecShock
	StateRetire
)

// Wire sizes of each optional field
const (
	positionSize = 12
	rotationSize = 4
	velocitySize = 8 // X and Y
	ringsSize    = 1
	stateSize    = 1
)

// UnreliablePacketPlayer is one player's telemetry for a single tick.
// A nil field was not transmitted and means "unchanged", not zero.
type UnreliablePacketPlayer struct {
	Position  *Vector3
	RotationX *float32
	VelocityX *float32
	VelocityY *float32
	Rings     *uint8
	State     *PlayerState
}

// UnreliablePacket is a decoded unreliable message.
type UnreliablePacket struct {
	Header  UnreliablePacketHeader
	Players []UnreliablePacketPlayer
}

// IsDefault reports whether every transmitted field holds its zero value.
// A player with no fields at all is default.
func (p UnreliablePacketPlayer) IsDefault() bool {
	if p.Position != nil && *p.Position != (Vector3{}) {
		return false
	}
	if p.RotationX != nil && *p.RotationX != 0 {
		return false
	}
	if p.VelocityX != nil && *p.VelocityX != 0 {
		return false
	}
	if p.VelocityY != nil && *p.VelocityY != 0 {
		return false
	}
	if p.Rings != nil && *p.Rings != 0 {
		return false
	}
	if p.State != nil && *p.State != StateNone {
		return false
	}
	return true
}

// Merge overlays the fields present in update onto p and returns the result.
// Fields absent from update keep their previous value.
func (p UnreliablePacketPlayer) Merge(update UnreliablePacketPlayer) UnreliablePacketPlayer {
	if update.Position != nil {
		v := *update.Position
		p.Position = &v
	}
	if update.RotationX != nil {
		v := *update.RotationX
		p.RotationX = &v
	}
	if update.VelocityX != nil {
		v := *update.VelocityX
		p.VelocityX = &v
	}
	if update.VelocityY != nil {
		v := *update.VelocityY
		p.VelocityY = &v
	}
	if update.Rings != nil {
		v := *update.Rings
		p.Rings = &v
	}
	if update.State != nil {
		v := *update.State
		p.State = &v
	}
	return p
}

// Full returns a copy with every field present, zero-filling missing ones.
func (p UnreliablePacketPlayer) Full() UnreliablePacketPlayer {
	out := UnreliablePacketPlayer{
		Position:  new(Vector3),
		RotationX: new(float32),
		VelocityX: new(float32),
		VelocityY: new(float32),
		Rings:     new(uint8),
		State:     new(PlayerState),
	}
	return out.Merge(p)
}

// frameSize returns the encoded size of one player for a field mask.
func frameSize(fields HasData) int {
	size := 0
	if fields.Has(HasPosition) {
		size += positionSize
	}
	if fields.Has(HasRotation) {
		size += rotationSize
	}
	if fields.Has(HasVelocity) {
		size += velocitySize
	}
	if fields.Has(HasRings) {
		size += ringsSize
	}
	if fields.Has(HasState) {
		size += stateSize
	}
	return size
}

// EncodeUnreliablePacket serializes 1-8 players behind a header derived from the first player.
func EncodeUnreliablePacket(players []UnreliablePacketPlayer) ([]byte, error) {
	header, err := HeaderFromPlayers(players)
	if err != nil {
		return nil, err
	}

	perPlayer := frameSize(header.Fields)
	buf := make([]byte, UnreliableHeaderSize+perPlayer*len(players))

	hdr := header.Encode()
	copy(buf, hdr[:])

	offset := UnreliableHeaderSize
	for _, player := range players {
		encodePlayerFrame(buf[offset:offset+perPlayer], header.Fields, player)
		offset += perPlayer
	}

	return buf, nil
}

// encodePlayerFrame writes the fields selected by the mask.
// buf must be exactly frameSize(fields) bytes.
func encodePlayerFrame(buf []byte, fields HasData, player UnreliablePacketPlayer) {
	offset := 0

	if fields.Has(HasPosition) {
		var pos Vector3
		if player.Position != nil {
			pos = *player.Position
		}
		putFloat32(buf[offset:], pos.X)
		putFloat32(buf[offset+4:], pos.Y)
		putFloat32(buf[offset+8:], pos.Z)
		offset += positionSize
	}

	if fields.Has(HasRotation) {
		putFloat32(buf[offset:], deref(player.RotationX))
		offset += rotationSize
	}

	if fields.Has(HasVelocity) {
		putFloat32(buf[offset:], deref(player.VelocityX))
		putFloat32(buf[offset+4:], deref(player.VelocityY))
		offset += velocitySize
	}

	if fields.Has(HasRings) {
		buf[offset] = deref(player.Rings)
		offset += ringsSize
	}

	if fields.Has(HasState) {
		buf[offset] = uint8(deref(player.State))
	}
}

// DecodeUnreliablePacket parses a header followed by one frame per player.
// A header with reserved field bits set is rejected.
func DecodeUnreliablePacket(data []byte) (UnreliablePacket, error) {
	header, err := DecodeUnreliablePacketHeader(data)
	if err != nil {
		return UnreliablePacket{}, err
	}
	if reserved := header.Fields &^ HasAll; reserved != 0 {
		return UnreliablePacket{}, fmt.Errorf("%w: reserved header bits %#x", ErrInvalidMessage, uint16(reserved))
	}

	perPlayer := frameSize(header.Fields)
	want := UnreliableHeaderSize + perPlayer*int(header.NumberOfPlayers)
	if len(data) < want {
		return UnreliablePacket{}, ErrBufferTooSmall
	}
	if len(data) > want {
		return UnreliablePacket{}, ErrTrailingData
	}

	players := make([]UnreliablePacketPlayer, header.NumberOfPlayers)
	offset := UnreliableHeaderSize
	for i := range players {
		players[i] = decodePlayerFrame(data[offset:offset+perPlayer], header.Fields)
		offset += perPlayer
	}

	return UnreliablePacket{Header: header, Players: players}, nil
}

func decodePlayerFrame(buf []byte, fields HasData) UnreliablePacketPlayer {
	var player UnreliablePacketPlayer
	offset := 0

	if fields.Has(HasPosition) {
		player.Position = &Vector3{
			X: getFloat32(buf[offset:]),
			Y: getFloat32(buf[offset+4:]),
			Z: getFloat32(buf[offset+8:]),
		}
		offset += positionSize
	}

	if fields.Has(HasRotation) {
		rot := getFloat32(buf[offset:])
		player.RotationX = &rot
		offset += rotationSize
	}

	if fields.Has(HasVelocity) {
		vx := getFloat32(buf[offset:])
		vy := getFloat32(buf[offset+4:])
		player.VelocityX = &vx
		player.VelocityY = &vy
		offset += velocitySize
	}

	if fields.Has(HasRings) {
		rings := buf[offset]
		player.Rings = &rings
		offset += ringsSize
	}

	if fields.Has(HasState) {
		state := PlayerState(buf[offset])
		player.State = &state
	}

	return player
}

func putFloat32(buf []byte, v float32) {
	binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
}

func getFloat32(buf []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(buf))
}

func deref[T any](v *T) T {
	if v == nil {
		var zero T
		return zero
	}
	return *v
}
