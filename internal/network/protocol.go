package network

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"

	"github.com/race/netplay/config"
)

// Protocol handles the binary framing of websocket messages
type Protocol struct {
	compressThreshold int
}

// NewProtocol creates a new protocol handler
func NewProtocol() *Protocol {
	return &Protocol{compressThreshold: config.CompressThreshold}
}

// EncodeJoin encodes a join message
func (p *Protocol) EncodeJoin(name string) []byte {
	nameBytes := truncate(name)

	buf := make([]byte, 2+len(nameBytes))
	buf[0] = MsgTypeJoin
	buf[1] = uint8(len(nameBytes))
	copy(buf[2:], nameBytes)
	return buf
}

// DecodeJoin decodes a join message
func (p *Protocol) DecodeJoin(data []byte) (*JoinMessage, error) {
	if len(data) < 2 {
		return nil, ErrBufferTooSmall
	}
	if data[0] != MsgTypeJoin {
		return nil, ErrInvalidMessage
	}

	nameLen := int(data[1])
	if len(data) < 2+nameLen {
		return nil, ErrBufferTooSmall
	}

	return &JoinMessage{Name: string(data[2 : 2+nameLen])}, nil
}

// EncodeLeave encodes a leave message
func (p *Protocol) EncodeLeave() []byte {
	return []byte{MsgTypeLeave}
}

// EncodePing encodes a ping carrying the sender's timestamp
func (p *Protocol) EncodePing(timestamp int64) []byte {
	buf := make([]byte, 9)
	buf[0] = MsgTypePing
	binary.LittleEndian.PutUint64(buf[1:9], uint64(timestamp))
	return buf
}

// EncodePong echoes a ping timestamp
func (p *Protocol) EncodePong(timestamp int64) []byte {
	buf := make([]byte, 9)
	buf[0] = MsgTypePong
	binary.LittleEndian.PutUint64(buf[1:9], uint64(timestamp))
	return buf
}

// DecodeTimestamp decodes the timestamp of a ping or pong message
func (p *Protocol) DecodeTimestamp(data []byte) (int64, error) {
	if len(data) < 9 {
		return 0, ErrBufferTooSmall
	}
	if data[0] != MsgTypePing && data[0] != MsgTypePong {
		return 0, ErrInvalidMessage
	}
	return int64(binary.LittleEndian.Uint64(data[1:9])), nil
}

// EncodeUnreliable wraps player telemetry in an unreliable message
func (p *Protocol) EncodeUnreliable(players []UnreliablePacketPlayer) ([]byte, error) {
	packet, err := EncodeUnreliablePacket(players)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 1+len(packet))
	buf[0] = MsgTypeUnreliable
	copy(buf[1:], packet)
	return buf, nil
}

// DecodeUnreliable decodes an unreliable message
func (p *Protocol) DecodeUnreliable(data []byte) (UnreliablePacket, error) {
	if len(data) < 1 {
		return UnreliablePacket{}, ErrBufferTooSmall
	}
	if data[0] != MsgTypeUnreliable {
		return UnreliablePacket{}, ErrInvalidMessage
	}
	return DecodeUnreliablePacket(data[1:])
}

// EncodeReliable frames commands into a reliable message.
// Batches larger than the compression threshold are lz4 compressed.
func (p *Protocol) EncodeReliable(cmds ...Command) ([]byte, error) {
	batch := EncodeCommandBatch(cmds)
	if len(batch) <= p.compressThreshold {
		buf := make([]byte, 1+len(batch))
		buf[0] = MsgTypeReliable
		copy(buf[1:], batch)
		return buf, nil
	}

	var out bytes.Buffer
	out.WriteByte(MsgTypeReliableLZ4)
	zw := lz4.NewWriter(&out)
	if _, err := zw.Write(batch); err != nil {
		return nil, fmt.Errorf("compress reliable batch: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress reliable batch: %w", err)
	}
	return out.Bytes(), nil
}

// DecodeReliable decodes a reliable message into its commands.
// err is set only if the message as a whole is unusable; per-command
// failures are returned in cmdErrs and do not affect the other commands.
func (p *Protocol) DecodeReliable(data []byte) (cmds []Command, cmdErrs []error, err error) {
	if len(data) < 1 {
		return nil, nil, ErrBufferTooSmall
	}

	var batch []byte
	switch data[0] {
	case MsgTypeReliable:
		batch = data[1:]
	case MsgTypeReliableLZ4:
		zr := lz4.NewReader(bytes.NewReader(data[1:]))
		batch, err = io.ReadAll(io.LimitReader(zr, config.MaxMessageSize*16))
		if err != nil {
			return nil, nil, fmt.Errorf("decompress reliable batch: %w", err)
		}
	default:
		return nil, nil, ErrInvalidMessage
	}

	cmds, cmdErrs = DecodeCommandBatch(batch)
	return cmds, cmdErrs, nil
}

// EncodeSessionInfo encodes session info message
func (p *Protocol) EncodeSessionInfo(msg SessionInfoMessage) []byte {
	idBytes := truncate(msg.SessionID)

	buf := make([]byte, 5+len(idBytes))
	buf[0] = MsgTypeSessionInfo
	buf[1] = uint8(len(idBytes))
	copy(buf[2:], idBytes)
	offset := 2 + len(idBytes)
	buf[offset] = msg.PlayerCount
	buf[offset+1] = msg.MaxPlayers
	buf[offset+2] = msg.YourIndex
	return buf
}

// DecodeSessionInfo decodes session info message
func (p *Protocol) DecodeSessionInfo(data []byte) (*SessionInfoMessage, error) {
	if len(data) < 2 {
		return nil, ErrBufferTooSmall
	}
	if data[0] != MsgTypeSessionInfo {
		return nil, ErrInvalidMessage
	}

	idLen := int(data[1])
	if len(data) < 5+idLen {
		return nil, ErrBufferTooSmall
	}
	offset := 2 + idLen

	return &SessionInfoMessage{
		SessionID:   string(data[2:offset]),
		PlayerCount: data[offset],
		MaxPlayers:  data[offset+1],
		YourIndex:   data[offset+2],
	}, nil
}

// EncodePlayerJoin encodes a player join message
func (p *Protocol) EncodePlayerJoin(index uint8, name string) []byte {
	nameBytes := truncate(name)

	buf := make([]byte, 3+len(nameBytes))
	buf[0] = MsgTypePlayerJoin
	buf[1] = index
	buf[2] = uint8(len(nameBytes))
	copy(buf[3:], nameBytes)
	return buf
}

// DecodePlayerJoin decodes a player join message
func (p *Protocol) DecodePlayerJoin(data []byte) (*PlayerJoinMessage, error) {
	if len(data) < 3 {
		return nil, ErrBufferTooSmall
	}
	if data[0] != MsgTypePlayerJoin {
		return nil, ErrInvalidMessage
	}

	nameLen := int(data[2])
	if len(data) < 3+nameLen {
		return nil, ErrBufferTooSmall
	}

	return &PlayerJoinMessage{Index: data[1], Name: string(data[3 : 3+nameLen])}, nil
}

// EncodePlayerLeave encodes a player leave message
func (p *Protocol) EncodePlayerLeave(index uint8) []byte {
	return []byte{MsgTypePlayerLeave, index}
}

// DecodePlayerLeave decodes a player leave message
func (p *Protocol) DecodePlayerLeave(data []byte) (*PlayerLeaveMessage, error) {
	if len(data) < 2 {
		return nil, ErrBufferTooSmall
	}
	if data[0] != MsgTypePlayerLeave {
		return nil, ErrInvalidMessage
	}
	return &PlayerLeaveMessage{Index: data[1]}, nil
}

// EncodeError encodes an error message
func (p *Protocol) EncodeError(code uint8, message string) []byte {
	msgBytes := truncate(message)

	buf := make([]byte, 3+len(msgBytes))
	buf[0] = MsgTypeError
	buf[1] = code
	buf[2] = uint8(len(msgBytes))
	copy(buf[3:], msgBytes)
	return buf
}

// DecodeError decodes an error message
func (p *Protocol) DecodeError(data []byte) (*ErrorMessage, error) {
	if len(data) < 3 {
		return nil, ErrBufferTooSmall
	}
	if data[0] != MsgTypeError {
		return nil, ErrInvalidMessage
	}

	msgLen := int(data[2])
	if len(data) < 3+msgLen {
		return nil, ErrBufferTooSmall
	}
	return &ErrorMessage{Code: data[1], Message: string(data[3 : 3+msgLen])}, nil
}

// truncate limits a string to what fits behind a one-byte length prefix
func truncate(s string) []byte {
	b := []byte(s)
	if len(b) > 255 {
		b = b[:255]
	}
	return b
}
