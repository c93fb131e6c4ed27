// Package capability models the resources a component may touch: declared
// requirements, sandbox levels, approved grants and the checks between them.
package capability

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"
)

// Kind is the resource class of a requirement.
type Kind string

const (
	KindMemory  Kind = "limit.memory"
	KindTimeout Kind = "limit.timeout"
	KindFSRead  Kind = "fs.read"
	KindFSWrite Kind = "fs.write"
	KindNetwork Kind = "network"
	KindEnv     Kind = "env"
)

var knownKinds = map[Kind]bool{
	KindMemory: true, KindTimeout: true, KindFSRead: true,
	KindFSWrite: true, KindNetwork: true, KindEnv: true,
}

// IsLimit reports whether the kind constrains resources rather than granting access.
func (k Kind) IsLimit() bool {
	return k == KindMemory || k == KindTimeout
}

// Requirement is one scoped resource, written "<kind>:<scope>".
type Requirement struct {
	Kind  Kind
	Scope string
}

// MustParseRequirement is ParseRequirement that panics on error.
func MustParseRequirement(s string) Requirement {
	r, err := ParseRequirement(s)
	if err != nil {
		panic(err)
	}
	return r
}

// ParseRequirement parses "<kind>:<scope>".
func ParseRequirement(s string) (Requirement, error) {
	kind, scope, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || scope == "" {
		return Requirement{}, fmt.Errorf("invalid requirement %q: want <kind>:<scope>", s)
	}
	r := Requirement{Kind: Kind(kind), Scope: scope}
	if !knownKinds[r.Kind] {
		return Requirement{}, fmt.Errorf("invalid requirement %q: unknown kind %q", s, kind)
	}
	if err := r.validateScope(); err != nil {
		return Requirement{}, fmt.Errorf("invalid requirement %q: %w", s, err)
	}
	if r.Kind == KindNetwork {
		r.Scope = strings.ToLower(r.Scope)
	}
	return r, nil
}

func (r Requirement) validateScope() error {
	switch r.Kind {
	case KindMemory:
		pages, err := strconv.ParseUint(r.Scope, 10, 32)
		if err != nil || pages == 0 || pages > 65536 {
			return fmt.Errorf("memory limit must be 1-65536 pages")
		}
	case KindTimeout:
		d, err := time.ParseDuration(r.Scope)
		if err != nil || d <= 0 {
			return fmt.Errorf("timeout must be a positive duration")
		}
	case KindFSRead, KindFSWrite:
		if !strings.HasPrefix(r.Scope, "/") {
			return fmt.Errorf("path must be absolute")
		}
		if !doublestar.ValidatePattern(r.Scope) {
			return fmt.Errorf("malformed path pattern")
		}
	case KindNetwork:
		host, port := splitHostPort(r.Scope)
		if host == "" || strings.ContainsAny(host, "/@") || !doublestar.ValidatePattern(host) {
			return fmt.Errorf("malformed host pattern")
		}
		if port != "" && port != "*" {
			if n, err := strconv.ParseUint(port, 10, 16); err != nil || n == 0 {
				return fmt.Errorf("malformed port %q", port)
			}
		}
	case KindEnv:
		if strings.Contains(r.Scope, "=") || !doublestar.ValidatePattern(r.Scope) {
			return fmt.Errorf("malformed variable pattern")
		}
	}
	return nil
}

// String returns the canonical "<kind>:<scope>" form.
func (r Requirement) String() string {
	return string(r.Kind) + ":" + r.Scope
}

// MinimumLevel is the lowest sandbox level that permits the requirement.
func (r Requirement) MinimumLevel() SandboxLevel {
	return r.Kind.MinimumLevel()
}

// IsBroad reports scopes that grant everything of their kind.
func (r Requirement) IsBroad() bool {
	switch r.Kind {
	case KindFSRead, KindFSWrite:
		return r.Scope == "/" || r.Scope == "/*" || r.Scope == "/**"
	case KindNetwork:
		host, _ := splitHostPort(r.Scope)
		return host == "*" || host == "**"
	case KindEnv:
		return r.Scope == "*" || r.Scope == "**"
	}
	return false
}

// Pages returns the page count of a limit.memory requirement.
func (r Requirement) Pages() uint32 {
	n, _ := strconv.ParseUint(r.Scope, 10, 32)
	return uint32(n)
}

// Duration returns the value of a limit.timeout requirement.
func (r Requirement) Duration() time.Duration {
	d, _ := time.ParseDuration(r.Scope)
	return d
}

// Covers reports whether holding r permits other. Limits cover any tighter
// limit of the same kind; scoped kinds match by doublestar glob.
func (r Requirement) Covers(other Requirement) bool {
	if r.Kind != other.Kind {
		return false
	}
	if r.Scope == other.Scope {
		return true
	}
	switch r.Kind {
	case KindMemory:
		return other.Pages() <= r.Pages()
	case KindTimeout:
		return other.Duration() <= r.Duration()
	case KindNetwork:
		host, port := splitHostPort(r.Scope)
		otherHost, otherPort := splitHostPort(other.Scope)
		if port != "" && port != "*" && port != otherPort {
			return false
		}
		return matchGlob(host, otherHost)
	default:
		return matchGlob(r.Scope, other.Scope)
	}
}

// AllowsHost reports whether a network requirement permits dialing host:port.
func (r Requirement) AllowsHost(host, port string) bool {
	if r.Kind != KindNetwork {
		return false
	}
	return r.Covers(Requirement{Kind: KindNetwork, Scope: strings.ToLower(net.JoinHostPort(host, port))})
}

func matchGlob(pattern, name string) bool {
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}

func splitHostPort(scope string) (string, string) {
	host, port, err := net.SplitHostPort(scope)
	if err != nil {
		return scope, ""
	}
	return host, port
}

// Requirements is a sorted, duplicate-free set.
type Requirements []Requirement

// NewRequirements sorts and deduplicates reqs.
func NewRequirements(reqs ...Requirement) Requirements {
	out := make(Requirements, 0, len(reqs))
	seen := make(map[Requirement]bool, len(reqs))
	for _, r := range reqs {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Scope < out[j].Scope
	})
	return out
}

// ParseRequirements parses a list of requirement strings. At most one
// requirement per limit kind is accepted.
func ParseRequirements(ss []string) (Requirements, error) {
	reqs := make([]Requirement, 0, len(ss))
	limits := make(map[Kind]bool)
	for _, s := range ss {
		r, err := ParseRequirement(s)
		if err != nil {
			return nil, err
		}
		if r.Kind.IsLimit() {
			if limits[r.Kind] {
				return nil, fmt.Errorf("duplicate %s requirement", r.Kind)
			}
			limits[r.Kind] = true
		}
		reqs = append(reqs, r)
	}
	return NewRequirements(reqs...), nil
}

// Strings returns the canonical string forms.
func (rs Requirements) Strings() []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.String()
	}
	return out
}

// Covers reports whether some member of rs covers req.
func (rs Requirements) Covers(req Requirement) bool {
	for _, r := range rs {
		if r.Covers(req) {
			return true
		}
	}
	return false
}

// Of returns the members of one kind.
func (rs Requirements) Of(kind Kind) Requirements {
	var out Requirements
	for _, r := range rs {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// MemoryPages returns the limit.memory value if present.
func (rs Requirements) MemoryPages() (uint32, bool) {
	if m := rs.Of(KindMemory); len(m) > 0 {
		return m[0].Pages(), true
	}
	return 0, false
}

// Timeout returns the limit.timeout value if present.
func (rs Requirements) Timeout() (time.Duration, bool) {
	if t := rs.Of(KindTimeout); len(t) > 0 {
		return t[0].Duration(), true
	}
	return 0, false
}

// Broad returns the members that grant everything of their kind.
func (rs Requirements) Broad() Requirements {
	var out Requirements
	for _, r := range rs {
		if r.IsBroad() {
			out = append(out, r)
		}
	}
	return out
}

// Fingerprint hashes the canonical form of the set.
func (rs Requirements) Fingerprint() uint64 {
	h := xxhash.New()
	for _, r := range rs {
		_, _ = h.WriteString(r.String())
		_, _ = h.WriteString("\n")
	}
	return h.Sum64()
}
