package capability

import (
	"fmt"
	"sync"
	"time"

	"github.com/reglet-dev/reglet-graph/component"
	"github.com/reglet-dev/reglet-graph/errdefs"
)

// ErrDenied is matched by every denial returned from this package.
var ErrDenied = errdefs.ErrCapabilityDenied

// Model records declared requirements per component and issues grants
// against them.
type Model struct {
	declared map[string]Requirements
	now      func() time.Time
	mu       sync.RWMutex
}

// ModelOption configures a Model.
type ModelOption func(*Model)

// WithClock overrides the approval timestamp source.
func WithClock(now func() time.Time) ModelOption {
	return func(m *Model) { m.now = now }
}

// NewModel creates an empty Model.
func NewModel(opts ...ModelOption) *Model {
	m := &Model{
		declared: make(map[string]Requirements),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Declare parses and records the requirements a descriptor declares.
// Declaring again replaces the previous set for that component.
func (m *Model) Declare(desc *component.Descriptor) (Requirements, error) {
	reqs, err := ParseRequirements(desc.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("component %s: %w", desc.ID, err)
	}
	m.mu.Lock()
	m.declared[desc.ID] = reqs
	m.mu.Unlock()
	return append(Requirements(nil), reqs...), nil
}

// Declared returns the recorded set for a component.
func (m *Model) Declared(componentID string) (Requirements, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reqs, ok := m.declared[componentID]
	return append(Requirements(nil), reqs...), ok
}

// Grant approves requested for a declared component. Every requested
// requirement must be covered by the declared set.
func (m *Model) Grant(componentID string, requested Requirements) (*Grant, error) {
	declared, ok := m.Declared(componentID)
	if !ok {
		return nil, &errdefs.CapabilityDeniedError{
			ComponentID: componentID,
			Reason:      "component has not declared its requirements",
		}
	}
	requested = NewRequirements(requested...)
	for _, r := range requested {
		if !declared.Covers(r) {
			return nil, &errdefs.CapabilityDeniedError{
				ComponentID: componentID,
				Requirement: r.String(),
				Reason:      "requested but not declared",
			}
		}
	}
	return newGrant(componentID, requested, declared, m.now()), nil
}

// Check reports whether grant covers req.
func (m *Model) Check(grant *Grant, req Requirement) bool {
	return grant.Allows(req)
}

// Fresh reports whether grant can still be used for desc without asking
// again: same component, same declared set, no level escalation.
func (m *Model) Fresh(grant *Grant, desc *component.Descriptor) bool {
	if grant == nil {
		return false
	}
	declared, err := ParseRequirements(desc.Capabilities)
	if err != nil {
		return false
	}
	return grant.ComponentID() == desc.ID &&
		grant.DeclaredFingerprint() == declared.Fingerprint() &&
		grant.Level() <= LevelFor(declared)
}

// Verify checks that grant may be used to instantiate desc. Declared limit
// requirements are optional; every other declared requirement must be
// granted, and nothing outside the declared set may be.
func (m *Model) Verify(grant *Grant, desc *component.Descriptor) error {
	declared, err := ParseRequirements(desc.Capabilities)
	if err != nil {
		return &errdefs.CapabilityDeniedError{ComponentID: desc.ID, Reason: err.Error()}
	}

	if grant != nil {
		if grant.ComponentID() != desc.ID {
			return &errdefs.CapabilityDeniedError{
				ComponentID: desc.ID,
				Reason:      fmt.Sprintf("grant was approved for %q", grant.ComponentID()),
			}
		}
		if grant.DeclaredFingerprint() != declared.Fingerprint() {
			return &errdefs.CapabilityDeniedError{
				ComponentID: desc.ID,
				Reason:      "declared requirements changed since approval; re-approval required",
			}
		}
		for _, r := range grant.Requirements() {
			if !declared.Covers(r) {
				return &errdefs.CapabilityDeniedError{
					ComponentID: desc.ID,
					Requirement: r.String(),
					Reason:      "granted but not declared",
				}
			}
		}
		if grant.Level() > LevelFor(declared) {
			return &errdefs.CapabilityDeniedError{
				ComponentID: desc.ID,
				Reason:      fmt.Sprintf("grant level %s exceeds declared level %s", grant.Level(), LevelFor(declared)),
			}
		}
	}

	for _, r := range declared {
		if r.Kind.IsLimit() {
			continue
		}
		if !grant.Allows(r) {
			return &errdefs.CapabilityDeniedError{
				ComponentID: desc.ID,
				Requirement: r.String(),
				Reason:      "not granted",
			}
		}
	}
	return nil
}
