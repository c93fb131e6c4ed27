package capability

import "fmt"

// SandboxLevel orders how much host access a component may receive.
type SandboxLevel uint8

const (
	LevelNone SandboxLevel = iota
	LevelFSRead
	LevelFSReadWrite
	LevelNetwork
	LevelFull
)

var levelNames = [...]string{"none", "fs-read", "fs-readwrite", "network", "full"}

func (l SandboxLevel) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("SandboxLevel(%d)", l)
}

// ParseSandboxLevel parses a level name.
func ParseSandboxLevel(s string) (SandboxLevel, error) {
	for i, name := range levelNames {
		if name == s {
			return SandboxLevel(i), nil
		}
	}
	return LevelNone, fmt.Errorf("unknown sandbox level %q", s)
}

// MinimumLevel is the lowest level that permits kind.
func (k Kind) MinimumLevel() SandboxLevel {
	switch k {
	case KindFSRead:
		return LevelFSRead
	case KindFSWrite:
		return LevelFSReadWrite
	case KindNetwork:
		return LevelNetwork
	case KindEnv:
		return LevelFull
	default:
		return LevelNone
	}
}

// AllowedKinds lists the requirement kinds permitted at l.
func (l SandboxLevel) AllowedKinds() []Kind {
	all := []Kind{KindMemory, KindTimeout, KindFSRead, KindFSWrite, KindNetwork, KindEnv}
	out := make([]Kind, 0, len(all))
	for _, k := range all {
		if k.MinimumLevel() <= l {
			out = append(out, k)
		}
	}
	return out
}

// Allows reports whether r is permitted at level l.
func (l SandboxLevel) Allows(r Requirement) bool {
	return r.MinimumLevel() <= l
}

// LevelFor returns the lowest level permitting every member of rs.
func LevelFor(rs Requirements) SandboxLevel {
	level := LevelNone
	for _, r := range rs {
		if m := r.MinimumLevel(); m > level {
			level = m
		}
	}
	return level
}
