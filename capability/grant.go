package capability

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Grant is an approved subset of a component's declared requirements.
// Grants are immutable and safe to share between goroutines. A nil *Grant
// behaves as the empty grant.
type Grant struct {
	approvedAt   time.Time
	componentID  string
	requirements Requirements
	declared     uint64
	level        SandboxLevel
}

func newGrant(componentID string, approved, declared Requirements, at time.Time) *Grant {
	return &Grant{
		componentID:  componentID,
		requirements: append(Requirements(nil), approved...),
		level:        LevelFor(approved),
		declared:     declared.Fingerprint(),
		approvedAt:   at.UTC().Truncate(time.Second),
	}
}

// ComponentID returns the component the grant was approved for.
func (g *Grant) ComponentID() string {
	if g == nil {
		return ""
	}
	return g.componentID
}

// Requirements returns a copy of the approved set.
func (g *Grant) Requirements() Requirements {
	if g == nil {
		return nil
	}
	return append(Requirements(nil), g.requirements...)
}

// Level is the sandbox level of the approved set.
func (g *Grant) Level() SandboxLevel {
	if g == nil {
		return LevelNone
	}
	return g.level
}

// DeclaredFingerprint identifies the declared set at approval time.
func (g *Grant) DeclaredFingerprint() uint64 {
	if g == nil {
		return 0
	}
	return g.declared
}

// ApprovedAt is when the grant was approved.
func (g *Grant) ApprovedAt() time.Time {
	if g == nil {
		return time.Time{}
	}
	return g.approvedAt
}

// IsEmpty reports whether nothing was granted.
func (g *Grant) IsEmpty() bool {
	return g == nil || len(g.requirements) == 0
}

// Allows reports whether the grant covers req.
func (g *Grant) Allows(req Requirement) bool {
	if g == nil {
		return false
	}
	return g.requirements.Covers(req)
}

// Key identifies the capability context a grant produces. Two grants with
// the same component and approved set share instances.
func (g *Grant) Key() string {
	if g.IsEmpty() {
		return "none"
	}
	h := xxhash.New()
	_, _ = h.WriteString(g.componentID)
	for _, r := range g.requirements {
		_, _ = h.WriteString("\n")
		_, _ = h.WriteString(r.String())
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// GrantRecord is the persisted form of a Grant.
type GrantRecord struct {
	ApprovedAt   time.Time `yaml:"approved_at" json:"approved_at"`
	Component    string    `yaml:"component" json:"component"`
	Level        string    `yaml:"level" json:"level"`
	Declared     string    `yaml:"declared" json:"declared"`
	Requirements []string  `yaml:"requirements,omitempty" json:"requirements,omitempty"`
}

// Record converts the grant to its persisted form.
func (g *Grant) Record() GrantRecord {
	return GrantRecord{
		Component:    g.ComponentID(),
		Requirements: g.Requirements().Strings(),
		Level:        g.Level().String(),
		Declared:     fmt.Sprintf("%016x", g.DeclaredFingerprint()),
		ApprovedAt:   g.ApprovedAt(),
	}
}

// GrantFromRecord rebuilds a grant. The stored level must match the
// requirements; a tampered level is rejected rather than trusted.
func GrantFromRecord(rec GrantRecord) (*Grant, error) {
	if rec.Component == "" {
		return nil, fmt.Errorf("grant record has no component")
	}
	reqs, err := ParseRequirements(rec.Requirements)
	if err != nil {
		return nil, fmt.Errorf("grant for %s: %w", rec.Component, err)
	}
	level, err := ParseSandboxLevel(rec.Level)
	if err != nil {
		return nil, fmt.Errorf("grant for %s: %w", rec.Component, err)
	}
	if level != LevelFor(reqs) {
		return nil, fmt.Errorf("grant for %s: level %s does not match requirements (%s)", rec.Component, level, LevelFor(reqs))
	}
	declared, err := strconv.ParseUint(rec.Declared, 16, 64)
	if err != nil {
		return nil, fmt.Errorf("grant for %s: invalid declared fingerprint %q", rec.Component, rec.Declared)
	}
	return &Grant{
		componentID:  rec.Component,
		requirements: reqs,
		level:        level,
		declared:     declared,
		approvedAt:   rec.ApprovedAt.UTC(),
	}, nil
}
