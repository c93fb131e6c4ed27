// Package component describes registered components: their ports, declared
// capabilities and entry points, plus the registry that owns their binaries.
package component

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/reglet-dev/reglet-graph/value"
)

// Lifecycle selects how a component is driven.
type Lifecycle string

const (
	// LifecycleStandard components are invoked once per execution pass.
	LifecycleStandard Lifecycle = "standard"
	// LifecycleContinuous components are started, iterated and stopped by the supervisor.
	LifecycleContinuous Lifecycle = "continuous"
)

// Default entry point export names.
const (
	DefaultInvokeExport   = "invoke"
	DefaultSetupExport    = "setup"
	DefaultIterateExport  = "iterate"
	DefaultTeardownExport = "teardown"
	AllocateExport        = "allocate"
)

// PortSpec declares one input or output port.
type PortSpec struct {
	Default  value.Value
	Name     string
	Type     value.Kind
	Optional bool
}

// EntryPoints names the exported functions the host calls.
type EntryPoints struct {
	Invoke   string
	Setup    string
	Iterate  string
	Teardown string
}

// Descriptor is the immutable metadata of a registered component.
// Callers must not mutate a Descriptor obtained from the registry; use Clone.
type Descriptor struct {
	Digest       Digest
	ID           string
	Version      string
	Description  string
	Lifecycle    Lifecycle
	Inputs       []PortSpec
	Outputs      []PortSpec
	Capabilities []string
	EntryPoints  EntryPoints
}

// Key returns "id@version".
func (d *Descriptor) Key() string {
	return d.ID + "@" + d.Version
}

// IsContinuous reports whether the component is supervised.
func (d *Descriptor) IsContinuous() bool {
	return d.Lifecycle == LifecycleContinuous
}

// Input returns the input port with the given name.
func (d *Descriptor) Input(name string) (PortSpec, bool) {
	return findPort(d.Inputs, name)
}

// Output returns the output port with the given name.
func (d *Descriptor) Output(name string) (PortSpec, bool) {
	return findPort(d.Outputs, name)
}

func findPort(ports []PortSpec, name string) (PortSpec, bool) {
	for _, p := range ports {
		if p.Name == name {
			return p, true
		}
	}
	return PortSpec{}, false
}

// Clone returns a deep copy.
func (d *Descriptor) Clone() *Descriptor {
	out := *d
	out.Inputs = clonePorts(d.Inputs)
	out.Outputs = clonePorts(d.Outputs)
	out.Capabilities = append([]string(nil), d.Capabilities...)
	return &out
}

func clonePorts(in []PortSpec) []PortSpec {
	if in == nil {
		return nil
	}
	out := make([]PortSpec, len(in))
	for i, p := range in {
		out[i] = p
		out[i].Default = value.Clone(p.Default)
	}
	return out
}

// withDefaults fills unset lifecycle and entry point names.
func (d *Descriptor) withDefaults() {
	if d.Lifecycle == "" {
		d.Lifecycle = LifecycleStandard
	}
	if d.EntryPoints.Invoke == "" {
		d.EntryPoints.Invoke = DefaultInvokeExport
	}
	if d.IsContinuous() {
		if d.EntryPoints.Setup == "" {
			d.EntryPoints.Setup = DefaultSetupExport
		}
		if d.EntryPoints.Iterate == "" {
			d.EntryPoints.Iterate = DefaultIterateExport
		}
	}
}

// Validate checks descriptor invariants.
func (d *Descriptor) Validate() error {
	if err := ValidateID(d.ID); err != nil {
		return err
	}
	if _, err := semver.StrictNewVersion(d.Version); err != nil {
		return fmt.Errorf("component %s: invalid version %q: %w", d.ID, d.Version, err)
	}
	switch d.Lifecycle {
	case LifecycleStandard, LifecycleContinuous:
	default:
		return fmt.Errorf("component %s: unknown lifecycle %q", d.ID, d.Lifecycle)
	}
	if err := validatePorts(d.ID, "input", d.Inputs); err != nil {
		return err
	}
	if err := validatePorts(d.ID, "output", d.Outputs); err != nil {
		return err
	}
	seen := make(map[string]bool, len(d.Capabilities))
	for _, c := range d.Capabilities {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("component %s: empty capability requirement", d.ID)
		}
		if seen[c] {
			return fmt.Errorf("component %s: duplicate capability requirement %q", d.ID, c)
		}
		seen[c] = true
	}
	return nil
}

func validatePorts(id, dir string, ports []PortSpec) error {
	seen := make(map[string]bool, len(ports))
	for _, p := range ports {
		if p.Name == "" {
			return fmt.Errorf("component %s: %s port with empty name", id, dir)
		}
		if seen[p.Name] {
			return fmt.Errorf("component %s: duplicate %s port %q", id, dir, p.Name)
		}
		seen[p.Name] = true
		if !p.Type.Valid() {
			return fmt.Errorf("component %s: %s port %q has invalid type", id, dir, p.Name)
		}
		if p.Default != nil && p.Default.Kind() != p.Type {
			return fmt.Errorf("component %s: %s port %q default is %s, want %s", id, dir, p.Name, p.Default.Kind(), p.Type)
		}
	}
	return nil
}

// ValidateID checks a component identifier.
// A valid id is 1-128 characters of letters, digits, '-', '_', '.' and '/',
// does not start with '/' and has no ".." segment.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("component id cannot be empty")
	}
	if len(id) > 128 {
		return fmt.Errorf("component id too long (max 128 chars)")
	}
	if strings.HasPrefix(id, "/") || strings.Contains(id, "..") || strings.Contains(id, `\`) {
		return fmt.Errorf("invalid component id %q: must be a relative name without parent references", id)
	}
	for _, ch := range id {
		if !isValidIDChar(ch) {
			return fmt.Errorf("invalid component id %q: unexpected character %q", id, ch)
		}
	}
	return nil
}

func isValidIDChar(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r == '_' || r == '-' || r == '.' || r == '/'
}
