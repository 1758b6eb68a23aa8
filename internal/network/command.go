package network

import (
	"encoding/binary"
	"fmt"

	"github.com/race/netplay/config"
)

// CommandKind tags the payload of a reliable command.
// The set is closed: new kinds need a protocol version bump on every peer.
type CommandKind uint8

const (
	KindNull CommandKind = iota
	KindCharaSelectLoop
	KindCharaSelectSync
	KindCharaSelectExit
	KindRuleSettingsLoop
	KindRuleSettingsSync
	KindSetAttack
	KindAttackSync
	KindMovementFlags
	KindMovementFlagsSync
	KindSyncStartGo
)

var commandKindNames = map[CommandKind]string{
	KindCharaSelectLoop:   "CharaSelectLoop",
	KindCharaSelectSync:   "CharaSelectSync",
	KindCharaSelectExit:   "CharaSelectExit",
	KindRuleSettingsLoop:  "RuleSettingsLoop",
	KindRuleSettingsSync:  "RuleSettingsSync",
	KindSetAttack:         "SetAttack",
	KindAttackSync:        "AttackSync",
	KindMovementFlags:     "MovementFlags",
	KindMovementFlagsSync: "MovementFlagsSync",
	KindSyncStartGo:       "SyncStartGo",
}

func (k CommandKind) String() string {
	if name, ok := commandKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("CommandKind(%d)", uint8(k))
}

// Command is a reliable protocol message. Only types in this package implement it.
type Command interface {
	Kind() CommandKind
	appendPayload(buf []byte) []byte
	command()
}

// EncodeCommand serializes a command as [kind:1][payload].
func EncodeCommand(cmd Command) []byte {
	buf := make([]byte, 1, 16)
	buf[0] = uint8(cmd.Kind())
	return cmd.appendPayload(buf)
}

// DecodeCommand parses a single command produced by EncodeCommand.
func DecodeCommand(data []byte) (Command, error) {
	if len(data) < 1 {
		return nil, ErrBufferTooSmall
	}

	r := &reader{buf: data, off: 1}
	var cmd Command

	switch kind := CommandKind(data[0]); kind {
	case KindCharaSelectLoop:
		cmd = readCharaSelectLoop(r)
	case KindCharaSelectSync:
		cmd = CharaSelectSync{Loops: readPack(r, readCharaSelectLoop)}
	case KindCharaSelectExit:
		cmd = CharaSelectExit{Type: ExitKind(r.uint8())}
	case KindRuleSettingsLoop:
		cmd = readRuleSettingsLoop(r)
	case KindRuleSettingsSync:
		cmd = RuleSettingsSync{Loops: readPack(r, readRuleSettingsLoop)}
	case KindSetAttack:
		cmd = readSetAttack(r)
	case KindAttackSync:
		cmd = AttackSync{Attacks: readPack(r, readSetAttack)}
	case KindMovementFlags:
		cmd = MovementFlagsMsg{Flags: MovementFlags(r.uint8())}
	case KindMovementFlagsSync:
		cmd = MovementFlagsSync{Flags: readPack(r, func(r *reader) MovementFlags {
			return MovementFlags(r.uint8())
		})}
	case KindSyncStartGo:
		cmd = SyncStartGo{StartTime: r.int64()}
	default:
		return nil, &UnknownCommandError{Kind: kind}
	}

	if r.err != nil {
		return nil, fmt.Errorf("%s: %w", CommandKind(data[0]), r.err)
	}
	if r.off != len(data) {
		return nil, fmt.Errorf("%s: %w", CommandKind(data[0]), ErrTrailingData)
	}
	return cmd, nil
}

// EncodeCommandBatch frames several commands into one reliable message.
// Each command is prefixed by its length (uint16, little-endian) so that a
// command the receiver cannot decode does not prevent reading the rest.
func EncodeCommandBatch(cmds []Command) []byte {
	buf := make([]byte, 0, 16*len(cmds))
	for _, cmd := range cmds {
		encoded := EncodeCommand(cmd)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(encoded)))
		buf = append(buf, encoded...)
	}
	return buf
}

// DecodeCommandBatch decodes every framed command in data.
// Frames that fail to decode are reported in errs and skipped; a length
// prefix running past the end of data stops decoding.
func DecodeCommandBatch(data []byte) (cmds []Command, errs []error) {
	offset := 0
	for offset < len(data) {
		if len(data)-offset < 2 {
			errs = append(errs, ErrBufferTooSmall)
			return cmds, errs
		}
		size := int(binary.LittleEndian.Uint16(data[offset:]))
		offset += 2

		if len(data)-offset < size {
			errs = append(errs, ErrBufferTooSmall)
			return cmds, errs
		}

		cmd, err := DecodeCommand(data[offset : offset+size])
		offset += size
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds, errs
}

func appendPack[T any](buf []byte, items []T, appendItem func([]byte, T) []byte) []byte {
	buf = append(buf, uint8(len(items)))
	for _, item := range items {
		buf = appendItem(buf, item)
	}
	return buf
}

func readPack[T any](r *reader, readItem func(*reader) T) []T {
	count := int(r.uint8())
	if r.err != nil {
		return nil
	}
	if count > config.MaxNumberOfPlayers {
		r.err = ErrInvalidPlayerCount
		return nil
	}

	items := make([]T, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		items = append(items, readItem(r))
	}
	return items
}

// reader is a bounds-checked little-endian cursor. The first short read sets
// err and every later read returns zero.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf)-r.off < n {
		r.err = ErrBufferTooSmall
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) int8() int8 {
	return int8(r.uint8())
}

func (r *reader) int64() int64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}
