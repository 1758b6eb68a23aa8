package network

// RuleField identifies a value on the race rules menu.
type RuleField uint8

const (
	RuleMenuSelectionX RuleField = iota
	RuleMenuSelectionY
	RuleTotalLaps
	RuleAnnouncer
	RuleLevel
	RuleItem
	RulePit
	RuleAirLostAction

	numRuleFields
)

// RaceRules is the game's live race rules menu state.
type RaceRules interface {
	Rule(field RuleField) uint8
	SetRule(field RuleField, value uint8)
}

// RaceRulesState is an in-memory RaceRules.
type RaceRulesState [numRuleFields]uint8

func (s *RaceRulesState) Rule(field RuleField) uint8 {
	return s[field]
}

func (s *RaceRulesState) SetRule(field RuleField, value uint8) {
	s[field] = value
}

// RuleSettingsLoop is the cursor and selection movement on the rules menu
// since the last tick. Deltas are combined with Add and reversed with Undo.
type RuleSettingsLoop struct {
	DeltaMenuSelectionX int8
	DeltaMenuSelectionY int8
	DeltaLapCounter     int8
	DeltaAnnouncer      int8
	DeltaLevel          int8
	DeltaItem           int8
	DeltaPit            int8
	DeltaAir            int8
	ExitingMenu         int8
}

func (RuleSettingsLoop) Kind() CommandKind { return KindRuleSettingsLoop }
func (RuleSettingsLoop) command()          {}

func (l RuleSettingsLoop) appendPayload(buf []byte) []byte {
	return appendRuleSettingsLoop(buf, l)
}

// IsDefault reports whether the delta is a no-op.
func (l RuleSettingsLoop) IsDefault() bool {
	return l == RuleSettingsLoop{}
}

// Add returns the field-wise sum of two deltas. Values wrap; no clamping.
func (l RuleSettingsLoop) Add(other RuleSettingsLoop) RuleSettingsLoop {
	return RuleSettingsLoop{
		DeltaMenuSelectionX: l.DeltaMenuSelectionX + other.DeltaMenuSelectionX,
		DeltaMenuSelectionY: l.DeltaMenuSelectionY + other.DeltaMenuSelectionY,
		DeltaLapCounter:     l.DeltaLapCounter + other.DeltaLapCounter,
		DeltaAnnouncer:      l.DeltaAnnouncer + other.DeltaAnnouncer,
		DeltaLevel:          l.DeltaLevel + other.DeltaLevel,
		DeltaItem:           l.DeltaItem + other.DeltaItem,
		DeltaPit:            l.DeltaPit + other.DeltaPit,
		DeltaAir:            l.DeltaAir + other.DeltaAir,
		ExitingMenu:         l.ExitingMenu + other.ExitingMenu,
	}
}

// Negate returns the delta that cancels l under Add.
func (l RuleSettingsLoop) Negate() RuleSettingsLoop {
	return RuleSettingsLoop{
		DeltaMenuSelectionX: -l.DeltaMenuSelectionX,
		DeltaMenuSelectionY: -l.DeltaMenuSelectionY,
		DeltaLapCounter:     -l.DeltaLapCounter,
		DeltaAnnouncer:      -l.DeltaAnnouncer,
		DeltaLevel:          -l.DeltaLevel,
		DeltaItem:           -l.DeltaItem,
		DeltaPit:            -l.DeltaPit,
		DeltaAir:            -l.DeltaAir,
		ExitingMenu:         -l.ExitingMenu,
	}
}

// Apply adds the delta to the rules. ExitingMenu is a signal and is not applied.
func (l RuleSettingsLoop) Apply(rules RaceRules) {
	l.shift(rules, 1)
}

// Undo reverses the delta on the rules, rolling back a speculative Apply.
func (l RuleSettingsLoop) Undo(rules RaceRules) {
	l.shift(rules, -1)
}

func (l RuleSettingsLoop) shift(rules RaceRules, sign int8) {
	if rules == nil {
		return
	}

	deltas := [numRuleFields]int8{
		RuleMenuSelectionX: l.DeltaMenuSelectionX,
		RuleMenuSelectionY: l.DeltaMenuSelectionY,
		RuleTotalLaps:      l.DeltaLapCounter,
		RuleAnnouncer:      l.DeltaAnnouncer,
		RuleLevel:          l.DeltaLevel,
		RuleItem:           l.DeltaItem,
		RulePit:            l.DeltaPit,
		RuleAirLostAction:  l.DeltaAir,
	}
	for field, delta := range deltas {
		if delta == 0 {
			continue
		}
		f := RuleField(field)
		rules.SetRule(f, rules.Rule(f)+uint8(delta*sign))
	}
}

func appendRuleSettingsLoop(buf []byte, l RuleSettingsLoop) []byte {
	return append(buf,
		uint8(l.DeltaMenuSelectionX),
		uint8(l.DeltaMenuSelectionY),
		uint8(l.DeltaLapCounter),
		uint8(l.DeltaAnnouncer),
		uint8(l.DeltaLevel),
		uint8(l.DeltaItem),
		uint8(l.DeltaPit),
		uint8(l.DeltaAir),
		uint8(l.ExitingMenu),
	)
}

func readRuleSettingsLoop(r *reader) RuleSettingsLoop {
	return RuleSettingsLoop{
		DeltaMenuSelectionX: r.int8(),
		DeltaMenuSelectionY: r.int8(),
		DeltaLapCounter:     r.int8(),
		DeltaAnnouncer:      r.int8(),
		DeltaLevel:          r.int8(),
		DeltaItem:           r.int8(),
		DeltaPit:            r.int8(),
		DeltaAir:            r.int8(),
		ExitingMenu:         r.int8(),
	}
}

// RuleSettingsSync carries one rules delta per player, indexed by host player index.
type RuleSettingsSync struct {
	Loops []RuleSettingsLoop
}

func (RuleSettingsSync) Kind() CommandKind { return KindRuleSettingsSync }
func (RuleSettingsSync) command()          {}

func (s RuleSettingsSync) appendPayload(buf []byte) []byte {
	return appendPack(buf, s.Loops, appendRuleSettingsLoop)
}

// Combined returns the sum of every delta in the pack.
func (s RuleSettingsSync) Combined() RuleSettingsLoop {
	var total RuleSettingsLoop
	for _, l := range s.Loops {
		total = total.Add(l)
	}
	return total
}
