package router

import (
	"fmt"
	"strings"
)

// Mode selects which backends are enabled.
type Mode int

const (
	// ModeLegacy enables only the legacy backend.
	ModeLegacy Mode = iota
	// ModeTarget enables only the target backend.
	ModeTarget
	// ModeHybrid enables both and prefers the target backend.
	ModeHybrid
)

// Modes lists every mode in declaration order.
var Modes = []Mode{ModeLegacy, ModeTarget, ModeHybrid}

func (m Mode) String() string {
	switch m {
	case ModeLegacy:
		return "legacy"
	case ModeTarget:
		return "target"
	case ModeHybrid:
		return "hybrid"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMode accepts the mode names plus the aliases used by older configs
// ("matrix" for target, "a"/"b").
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "legacy", "a", "backend_a":
		return ModeLegacy, nil
	case "target", "matrix", "b", "backend_b":
		return ModeTarget, nil
	case "hybrid":
		return ModeHybrid, nil
	}
	return 0, fmt.Errorf("unknown communication mode %q (want legacy, target or hybrid)", s)
}

// OptimalMode picks a mode from backend availability. An explicit preference
// always wins; with nothing available the target mode is chosen so setup can
// happen there.
func OptimalMode(legacyUp, targetUp bool, preference *Mode) Mode {
	if preference != nil {
		return *preference
	}
	switch {
	case legacyUp && targetUp:
		return ModeHybrid
	case legacyUp:
		return ModeLegacy
	default:
		return ModeTarget
	}
}

func (m Mode) wants() (legacy, target bool) {
	switch m {
	case ModeLegacy:
		return true, false
	case ModeTarget:
		return false, true
	case ModeHybrid:
		return true, true
	}
	return false, false
}
