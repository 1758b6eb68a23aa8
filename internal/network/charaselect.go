package network

// PlayerStatus is a player's progress through character select.
type PlayerStatus uint8

const (
	StatusInactive PlayerStatus = iota
	StatusActive
	StatusGearSelect
	StatusReady
)

// ExitKind says how character select was left.
type ExitKind uint8

const (
	ExitNull ExitKind = iota
	ExitMenu
	ExitStart
)

// CharaSelectLoop is one player's character select state.
type CharaSelectLoop struct {
	PlayerIndex uint8
	Character   uint8
	Status      PlayerStatus
}

func (CharaSelectLoop) Kind() CommandKind { return KindCharaSelectLoop }
func (CharaSelectLoop) command()          {}

func (l CharaSelectLoop) appendPayload(buf []byte) []byte {
	return appendCharaSelectLoop(buf, l)
}

func appendCharaSelectLoop(buf []byte, l CharaSelectLoop) []byte {
	return append(buf, l.PlayerIndex, l.Character, uint8(l.Status))
}

func readCharaSelectLoop(r *reader) CharaSelectLoop {
	return CharaSelectLoop{
		PlayerIndex: r.uint8(),
		Character:   r.uint8(),
		Status:      PlayerStatus(r.uint8()),
	}
}

// CharaSelectSync carries the character select state of every player.
type CharaSelectSync struct {
	Loops []CharaSelectLoop
}

func (CharaSelectSync) Kind() CommandKind { return KindCharaSelectSync }
func (CharaSelectSync) command()          {}

func (s CharaSelectSync) appendPayload(buf []byte) []byte {
	return appendPack(buf, s.Loops, appendCharaSelectLoop)
}

// CharaSelectExit leaves character select, either back to the menu or into a race.
type CharaSelectExit struct {
	Type ExitKind
}

func (CharaSelectExit) Kind() CommandKind { return KindCharaSelectExit }
func (CharaSelectExit) command()          {}

func (e CharaSelectExit) appendPayload(buf []byte) []byte {
	return append(buf, uint8(e.Type))
}
