package network

import (
	"encoding/binary"

	"github.com/race/netplay/config"
)

// HasData declares which optional player fields an unreliable packet carries.
// Only the low 13 bits are available; the remaining 3 hold the player count.
type HasData uint16

const (
	HasPosition HasData = 1 << iota
	HasRotation
	HasVelocity
	HasRings
	HasState

	// HasAll is every field currently defined by the protocol.
	HasAll = HasPosition | HasRotation | HasVelocity | HasRings | HasState

	// hasDataMask covers all 13 bits, reserved ones included.
	hasDataMask HasData = 0x1FFF
)

const (
	numPlayersMask = 0x0007
	fieldsShift    = 3

	// UnreliableHeaderSize is the encoded header size in bytes.
	UnreliableHeaderSize = 2
)

// Has reports whether all bits of flag are set.
func (d HasData) Has(flag HasData) bool {
	return d&flag == flag
}

// UnreliablePacketHeader is the 2-byte header of an unreliable packet.
//
// Layout of the little-endian word (f: fields, n: player count - 1):
//
//	ffff ffff ffff fnnn
type UnreliablePacketHeader struct {
	Fields          HasData
	NumberOfPlayers uint8
}

// NewUnreliablePacketHeader creates a header for 1-8 players.
// Bits above the 13-bit field mask are dropped.
func NewUnreliablePacketHeader(fields HasData, numberOfPlayers int) (UnreliablePacketHeader, error) {
	if numberOfPlayers < 1 || numberOfPlayers > config.MaxNumberOfPlayers {
		return UnreliablePacketHeader{}, ErrInvalidPlayerCount
	}

	return UnreliablePacketHeader{
		Fields:          fields & hasDataMask,
		NumberOfPlayers: uint8(numberOfPlayers),
	}, nil
}

// HeaderFromPlayers creates a header whose field mask is taken from the first player.
// All players in the packet are assumed to carry the same set of fields.
func HeaderFromPlayers(players []UnreliablePacketPlayer) (UnreliablePacketHeader, error) {
	if len(players) == 0 {
		return UnreliablePacketHeader{}, ErrInvalidPlayerCount
	}
	return NewUnreliablePacketHeader(DataFlagsFromPlayer(players[0]), len(players))
}

// DataFlagsFromPlayer returns the flags for the fields populated on a player.
func DataFlagsFromPlayer(player UnreliablePacketPlayer) HasData {
	var data HasData

	if player.Position != nil {
		data |= HasPosition
	}
	if player.RotationX != nil {
		data |= HasRotation
	}
	if player.VelocityX != nil || player.VelocityY != nil {
		data |= HasVelocity
	}
	if player.Rings != nil {
		data |= HasRings
	}
	if player.State != nil {
		data |= HasState
	}

	return data
}

// Encode packs the header into its 2-byte wire form.
func (h UnreliablePacketHeader) Encode() [UnreliableHeaderSize]byte {
	var buf [UnreliableHeaderSize]byte
	word := uint16(h.Fields&hasDataMask)<<fieldsShift | uint16(h.NumberOfPlayers-1)&numPlayersMask
	binary.LittleEndian.PutUint16(buf[:], word)
	return buf
}

// DecodeUnreliablePacketHeader unpacks a header from the first 2 bytes of data.
// Every 3-bit count maps to a valid player count, so only short input fails.
func DecodeUnreliablePacketHeader(data []byte) (UnreliablePacketHeader, error) {
	if len(data) < UnreliableHeaderSize {
		return UnreliablePacketHeader{}, ErrBufferTooSmall
	}

	word := binary.LittleEndian.Uint16(data[:UnreliableHeaderSize])
	return UnreliablePacketHeader{
		Fields:          HasData(word >> fieldsShift),
		NumberOfPlayers: uint8(word&numPlayersMask) + 1,
	}, nil
}
