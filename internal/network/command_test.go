package network

import (
	"errors"
	"reflect"
	"testing"
)

func TestCommandRoundTripStandardMessage(t *testing.T) {
	message := CharaSelectLoop{PlayerIndex: 0, Character: 5, Status: StatusGearSelect}
	data := EncodeCommand(message)

	if CommandKind(data[0]) != KindCharaSelectLoop {
		t.Fatalf("tag = %d, want %d", data[0], KindCharaSelectLoop)
	}

	cmd, err := DecodeCommand(data)
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	got, ok := cmd.(CharaSelectLoop)
	if !ok {
		t.Fatalf("decoded type = %T, want CharaSelectLoop", cmd)
	}
	if got != message {
		t.Fatalf("decoded = %+v, want %+v", got, message)
	}
}

func TestCommandRoundTripMessagePack(t *testing.T) {
	message := CharaSelectSync{Loops: []CharaSelectLoop{
		{PlayerIndex: 0, Character: 1, Status: StatusActive},
		{PlayerIndex: 1, Character: 2, Status: StatusGearSelect},
		{PlayerIndex: 2, Character: 3, Status: StatusInactive},
		{PlayerIndex: 3, Character: 4, Status: StatusReady},
	}}

	cmd, err := DecodeCommand(EncodeCommand(message))
	if err != nil {
		t.Fatalf("DecodeCommand: %v", err)
	}
	if cmd.Kind() != KindCharaSelectSync {
		t.Fatalf("kind = %v, want %v", cmd.Kind(), KindCharaSelectSync)
	}
	if !reflect.DeepEqual(cmd, message) {
		t.Fatalf("decoded = %+v, want %+v", cmd, message)
	}
}

func TestCommandRoundTripEveryKind(t *testing.T) {
	cmds := []Command{
		CharaSelectExit{Type: ExitStart},
		RuleSettingsLoop{DeltaLevel: -3, DeltaAir: 1, ExitingMenu: 1},
		RuleSettingsSync{Loops: []RuleSettingsLoop{{DeltaItem: 1}, {DeltaPit: -1}}},
		SetAttack{Valid: true, Target: 4},
		AttackSync{Attacks: []SetAttack{{}, {Valid: true, Target: 2}}},
		MovementFlagsMsg{Flags: MovementBoost | MovementDrift},
		MovementFlagsSync{Flags: []MovementFlags{0, MovementTornado, MovementAttack}},
		SyncStartGo{StartTime: 1700000000123456789},
	}

	for _, want := range cmds {
		got, err := DecodeCommand(EncodeCommand(want))
		if err != nil {
			t.Fatalf("%v: %v", want.Kind(), err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("%v: decoded = %+v, want %+v", want.Kind(), got, want)
		}
	}
}

func TestDecodeCommandUnknownKind(t *testing.T) {
	_, err := DecodeCommand([]byte{0xEE, 1, 2})
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("err = %v, want ErrUnknownCommand", err)
	}
	var unknown *UnknownCommandError
	if !errors.As(err, &unknown) || unknown.Kind != 0xEE {
		t.Fatalf("err = %#v, want UnknownCommandError{0xEE}", err)
	}
}

func TestDecodeCommandTruncatedAndTrailing(t *testing.T) {
	data := EncodeCommand(RuleSettingsLoop{DeltaLevel: 1})
	if _, err := DecodeCommand(data[:len(data)-1]); !errors.Is(err, ErrBufferTooSmall) {
		t.Fatalf("truncated err = %v", err)
	}
	if _, err := DecodeCommand(append(data, 0)); !errors.Is(err, ErrTrailingData) {
		t.Fatalf("trailing err = %v", err)
	}
	if _, err := DecodeCommand(nil); !errors.Is(err, ErrBufferTooSmall) {
		t.Fatalf("empty err = %v", err)
	}
}

func TestDecodeCommandPackTooLarge(t *testing.T) {
	data := []byte{uint8(KindMovementFlagsSync), 9, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	if _, err := DecodeCommand(data); !errors.Is(err, ErrInvalidPlayerCount) {
		t.Fatalf("err = %v, want ErrInvalidPlayerCount", err)
	}
}

func TestCommandBatchUnknownTagOnlyFailsItsFrame(t *testing.T) {
	first := RuleSettingsLoop{DeltaLevel: 1}
	last := CharaSelectExit{Type: ExitMenu}

	batch := EncodeCommandBatch([]Command{first})
	batch = append(batch, 3, 0, 0xEE, 0x01, 0x02) // framed command with an unknown tag
	batch = append(batch, EncodeCommandBatch([]Command{last})...)

	cmds, errs := DecodeCommandBatch(batch)
	if len(errs) != 1 || !errors.Is(errs[0], ErrUnknownCommand) {
		t.Fatalf("errs = %v, want one ErrUnknownCommand", errs)
	}
	if len(cmds) != 2 {
		t.Fatalf("decoded %d commands, want 2", len(cmds))
	}
	if cmds[0] != Command(first) || cmds[1] != Command(last) {
		t.Fatalf("cmds = %+v", cmds)
	}
}

func TestCommandBatchCorruptLength(t *testing.T) {
	batch := EncodeCommandBatch([]Command{SetAttack{Valid: true}})
	batch = append(batch, 0xFF, 0x00, 0x01)

	cmds, errs := DecodeCommandBatch(batch)
	if len(cmds) != 1 {
		t.Fatalf("decoded %d commands, want 1", len(cmds))
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrBufferTooSmall) {
		t.Fatalf("errs = %v, want ErrBufferTooSmall", errs)
	}
}

func TestRuleSettingsAddAndUndo(t *testing.T) {
	a := RuleSettingsLoop{DeltaLevel: 1}
	b := RuleSettingsLoop{DeltaLevel: 2}

	sum := a.Add(b)
	if sum != (RuleSettingsLoop{DeltaLevel: 3}) {
		t.Fatalf("Add = %+v, want DeltaLevel 3", sum)
	}

	var rules RaceRulesState
	rules.SetRule(RuleLevel, 5)
	sum.Undo(&rules)
	if got := rules.Rule(RuleLevel); got != 2 {
		t.Fatalf("Level after Undo = %d, want 2", got)
	}
}

func TestRuleSettingsUndoReversesCoalescedApply(t *testing.T) {
	deltas := []RuleSettingsLoop{
		{DeltaMenuSelectionX: 1, DeltaLevel: -1},
		{DeltaMenuSelectionY: 127, DeltaAir: -128},
		{DeltaLapCounter: -128, DeltaItem: 100, DeltaPit: -7, DeltaAnnouncer: 3},
		{DeltaMenuSelectionX: 127, DeltaMenuSelectionY: 127, ExitingMenu: 1},
	}
	start := RaceRulesState{3, 250, 0, 1, 5, 128, 255, 2}

	for _, d1 := range deltas {
		for _, d2 := range deltas {
			rules := start
			d1.Apply(&rules)
			d2.Apply(&rules)
			d1.Add(d2).Undo(&rules)
			if rules != start {
				t.Fatalf("d1=%+v d2=%+v: state = %v, want %v", d1, d2, rules, start)
			}
		}
	}
}

func TestRuleSettingsIsDefault(t *testing.T) {
	if !(RuleSettingsLoop{}).IsDefault() {
		t.Fatalf("zero delta should be default")
	}

	fields := []RuleSettingsLoop{
		{DeltaMenuSelectionX: 1}, {DeltaMenuSelectionY: 1}, {DeltaLapCounter: 1},
		{DeltaAnnouncer: 1}, {DeltaLevel: 1}, {DeltaItem: 1}, {DeltaPit: 1},
		{DeltaAir: 1}, {ExitingMenu: 1},
	}
	for _, l := range fields {
		if l.IsDefault() {
			t.Fatalf("%+v reported default", l)
		}
	}
}

func TestRuleSettingsUndoNilTarget(t *testing.T) {
	RuleSettingsLoop{DeltaLevel: 1}.Undo(nil)
}

func TestRuleSettingsSyncCombined(t *testing.T) {
	sync := RuleSettingsSync{Loops: []RuleSettingsLoop{{DeltaLevel: 1}, {}, {DeltaLevel: 2, DeltaPit: 1}}}
	if got := sync.Combined(); got != (RuleSettingsLoop{DeltaLevel: 3, DeltaPit: 1}) {
		t.Fatalf("Combined = %+v", got)
	}
}

func TestRuleSettingsNegate(t *testing.T) {
	l := RuleSettingsLoop{DeltaLevel: 3, DeltaItem: -128, ExitingMenu: 1}
	if sum := l.Add(l.Negate()); !sum.IsDefault() {
		t.Fatalf("l + -l = %+v, want zero", sum)
	}
}
