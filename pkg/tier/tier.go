package tier

import (
	"fmt"
	"strings"
)

// Tier identifies a backend model capability class.
//
// FAST, SMART and DEEP are text tiers ordered by capability. CREATIVE is a
// separate non-text variant: it has no ordinal and never takes part in
// escalation.
type Tier int

const (
	Unknown Tier = iota
	Fast
	Smart
	Deep
	Creative
)

var tierNames = map[Tier]string{
	Fast:     "FAST",
	Smart:    "SMART",
	Deep:     "DEEP",
	Creative: "CREATIVE",
}

// All returns every known tier in catalog order.
func All() []Tier {
	return []Tier{Fast, Smart, Deep, Creative}
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Tier(%d)", int(t))
}

// Parse converts a tier name (case-insensitive) into a Tier.
func Parse(s string) (Tier, error) {
	key := strings.ToUpper(strings.TrimSpace(s))
	for t, name := range tierNames {
		if name == key {
			return t, nil
		}
	}
	return Unknown, fmt.Errorf("unknown tier %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	if _, ok := tierNames[t]; !ok {
		return nil, fmt.Errorf("cannot marshal tier %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Ordered reports whether the tier takes part in escalation.
func (t Tier) Ordered() bool {
	return t == Fast || t == Smart || t == Deep
}

// Ordinal returns the escalation rank (FAST=0, SMART=1, DEEP=2) or -1 for
// tiers without one.
func (t Tier) Ordinal() int {
	switch t {
	case Fast:
		return 0
	case Smart:
		return 1
	case Deep:
		return 2
	default:
		return -1
	}
}

// Next returns the tier one ordinal step above t. The boolean is false when
// t is DEEP or unordered, in which case t is returned unchanged.
func (t Tier) Next() (Tier, bool) {
	switch t {
	case Fast:
		return Smart, true
	case Smart:
		return Deep, true
	default:
		return t, false
	}
}

// AtLeast raises t to floor when t is below it. An unordered tier is
// replaced by floor.
func AtLeast(t, floor Tier) Tier {
	if !t.Ordered() {
		return floor
	}
	if t.Ordinal() < floor.Ordinal() {
		return floor
	}
	return t
}
