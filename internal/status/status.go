// Package status defines the lifecycle vocabulary shared by records, record
// types and queries.
//
// A Status is a bitmask made of exactly one core state (Empty, Ready,
// Destroyed, NonExistent) plus any number of orthogonal modifiers (Loading,
// Committing, New, Dirty, Obsolete). Use Of to build a value from a core
// state and modifiers; it refuses combinations that break the core
// exclusivity rule.
package status

import "strings"

// Status is a lifecycle bitmask.
type Status uint16

// Core states. Exactly one is set on any valid Status.
const (
	Empty Status = 1 << iota
	Ready
	Destroyed
	NonExistent
)

// Modifiers. Any combination may be set alongside a core state.
const (
	Loading Status = 1 << (iota + 4)
	Committing
	New
	Dirty
	Obsolete
)

const (
	// CoreMask selects the core state bits.
	CoreMask = Empty | Ready | Destroyed | NonExistent

	// ModifierMask selects the modifier bits.
	ModifierMask = Loading | Committing | New | Dirty | Obsolete

	// OverlayOnly are the modifiers that only make sense where the record's
	// data object is actually held. A nested store that has no local copy of
	// a record reports its parent's status with these bits cleared.
	OverlayOnly = New | Committing | Dirty
)

// Of builds a Status from a single core state and a set of modifiers.
// It panics if core is not exactly one core state; that is a programming
// error, not a runtime condition.
func Of(core Status, modifiers Status) Status {
	c := core & CoreMask
	if c == 0 || c&(c-1) != 0 || core&ModifierMask != 0 {
		panic("status: Of requires exactly one core state, got " + core.String())
	}
	return c | (modifiers & ModifierMask)
}

// Core returns the core state bit.
func (s Status) Core() Status {
	return s & CoreMask
}

// Is reports whether every bit of mask is set.
func (s Status) Is(mask Status) bool {
	return s&mask == mask
}

// Any reports whether at least one bit of mask is set.
func (s Status) Any(mask Status) bool {
	return s&mask != 0
}

// With returns s with the given modifiers added.
func (s Status) With(modifiers Status) Status {
	return s | (modifiers & ModifierMask)
}

// Without returns s with the given modifiers cleared.
func (s Status) Without(modifiers Status) Status {
	return s &^ (modifiers & ModifierMask)
}

// WithCore replaces the core state, keeping modifiers.
func (s Status) WithCore(core Status) Status {
	return Of(core, s&ModifierMask)
}

// Valid reports whether s has exactly one core state. In particular Ready and
// Destroyed are never both set.
func (s Status) Valid() bool {
	c := s & CoreMask
	return c != 0 && c&(c-1) == 0
}

var names = []struct {
	bit  Status
	name string
}{
	{Empty, "EMPTY"},
	{Ready, "READY"},
	{Destroyed, "DESTROYED"},
	{NonExistent, "NON_EXISTENT"},
	{Loading, "LOADING"},
	{Committing, "COMMITTING"},
	{New, "NEW"},
	{Dirty, "DIRTY"},
	{Obsolete, "OBSOLETE"},
}

// String renders the set bits joined by "|", e.g. "READY|DIRTY".
func (s Status) String() string {
	if s == 0 {
		return "0"
	}
	var parts []string
	for _, n := range names {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Parse converts a "|"-joined list of names back into a Status. Unknown names
// are reported through ok=false.
func Parse(text string) (s Status, ok bool) {
	for _, part := range strings.Split(text, "|") {
		part = strings.TrimSpace(strings.ToUpper(part))
		found := false
		for _, n := range names {
			if n.name == part {
				s |= n.bit
				found = true
				break
			}
		}
		if !found {
			return 0, false
		}
	}
	return s, true
}
