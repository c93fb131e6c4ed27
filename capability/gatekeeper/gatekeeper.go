// Package gatekeeper handles capability approval: reuses stored grants,
// asks an approver for new or grown requirement sets, applies the security
// level and persists decisions.
package gatekeeper

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/reglet-dev/reglet-graph/capability"
	"github.com/reglet-dev/reglet-graph/capability/grantstore"
	"github.com/reglet-dev/reglet-graph/component"
	"github.com/reglet-dev/reglet-graph/errdefs"
)

// SecurityLevel controls the gatekeeper's prompting behavior.
type SecurityLevel string

const (
	SecurityStrict     SecurityLevel = "strict"
	SecurityStandard   SecurityLevel = "standard"
	SecurityPermissive SecurityLevel = "permissive"
)

// ParseSecurityLevel validates a security level name.
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	switch l := SecurityLevel(s); l {
	case SecurityStrict, SecurityStandard, SecurityPermissive:
		return l, nil
	}
	return "", fmt.Errorf("unknown security level %q", s)
}

// Gatekeeper turns declared requirements into approved grants.
type Gatekeeper struct {
	model         *capability.Model
	store         capability.GrantStore
	approver      capability.Approver
	logger        *slog.Logger
	securityLevel SecurityLevel
}

// Option configures a Gatekeeper.
type Option func(*Gatekeeper)

// WithStore sets the grant store.
func WithStore(s capability.GrantStore) Option {
	return func(g *Gatekeeper) { g.store = s }
}

// WithApprover sets the approver.
func WithApprover(a capability.Approver) Option {
	return func(g *Gatekeeper) { g.approver = a }
}

// WithSecurityLevel sets the security policy level.
func WithSecurityLevel(level SecurityLevel) Option {
	return func(g *Gatekeeper) { g.securityLevel = level }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gatekeeper) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGatekeeper creates a gatekeeper issuing grants through model.
func NewGatekeeper(model *capability.Model, opts ...Option) *Gatekeeper {
	g := &Gatekeeper{
		model:         model,
		securityLevel: SecurityStandard,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.store == nil {
		g.store = grantstore.NewFileStore()
	}
	if g.approver == nil {
		g.approver = NewTerminalApprover()
	}
	return g
}

// Approve returns a grant usable for desc. previous (typically the grant
// persisted with the graph) and then the grant store are reused while they
// remain fresh; otherwise the security level and approver decide.
func (g *Gatekeeper) Approve(ctx context.Context, desc *component.Descriptor, previous *capability.Grant) (*capability.Grant, error) {
	declared, err := g.model.Declare(desc)
	if err != nil {
		return nil, err
	}

	if g.model.Fresh(previous, desc) {
		return previous, nil
	}
	if stored := g.lookupStored(desc); stored != nil {
		g.logger.Debug("reusing stored grant", "component", desc.ID)
		return stored, nil
	}

	if len(declared) == 0 {
		return g.model.Grant(desc.ID, nil)
	}

	decision, err := g.decide(ctx, desc, declared, previous)
	if err != nil {
		return nil, err
	}

	grant, err := g.model.Grant(desc.ID, decision.Approved)
	if err != nil {
		return nil, err
	}

	if decision.Remember {
		if err := g.persist(grant); err != nil {
			g.logger.Warn("failed to save grant", "component", desc.ID, "error", err)
		} else {
			g.logger.Info("grant saved", "component", desc.ID, "path", g.store.ConfigPath())
		}
	}
	return grant, nil
}

func (g *Gatekeeper) decide(ctx context.Context, desc *component.Descriptor, declared capability.Requirements, previous *capability.Grant) (capability.Decision, error) {
	broad := declared.Broad()
	risk := capability.AnalyzeRisk(declared)

	switch g.securityLevel {
	case SecurityStrict:
		if len(broad) > 0 {
			riskDesc := "broad access beyond what may be necessary"
			if len(risk.RiskFactors) > 0 {
				riskDesc = risk.RiskFactors[0].Description
			}
			g.logger.Error("broad capability denied by security policy",
				"level", "strict",
				"component", desc.ID,
				"capability", broad[0].String(),
				"risk", riskDesc)
			return capability.Decision{}, &errdefs.CapabilityDeniedError{
				ComponentID: desc.ID,
				Requirement: broad[0].String(),
				Reason:      "broad capability denied by strict security policy",
			}
		}
	case SecurityPermissive:
		for _, r := range broad {
			g.logger.Warn("auto-granting broad capability (permissive mode)", "component", desc.ID, "capability", r.String())
		}
		return capability.Decision{Approved: declared}, nil
	}

	if !g.approver.IsInteractive() {
		return capability.Decision{}, nonInteractiveError(desc.ID, declared)
	}

	decision, err := g.approver.Approve(ctx, capability.ApprovalRequest{
		ComponentID: desc.ID,
		Version:     desc.Version,
		Declared:    declared,
		Broad:       broad,
		Risk:        risk,
		Level:       capability.LevelFor(declared),
		Previous:    previous,
	})
	if err != nil {
		return capability.Decision{}, fmt.Errorf("approval for %s: %w", desc.ID, err)
	}
	return decision, nil
}

func (g *Gatekeeper) lookupStored(desc *component.Descriptor) *capability.Grant {
	grants, err := g.store.Load()
	if err != nil {
		g.logger.Warn("failed to load grant store", "path", g.store.ConfigPath(), "error", err)
		return nil
	}
	for _, grant := range grants {
		if grant.ComponentID() == desc.ID && g.model.Fresh(grant, desc) {
			return grant
		}
	}
	return nil
}

// persist replaces any stored grant for the same component.
func (g *Gatekeeper) persist(grant *capability.Grant) error {
	existing, err := g.store.Load()
	if err != nil {
		return err
	}
	out := make([]*capability.Grant, 0, len(existing)+1)
	for _, e := range existing {
		if e.ComponentID() != grant.ComponentID() {
			out = append(out, e)
		}
	}
	out = append(out, grant)
	sort.Slice(out, func(i, j int) bool { return out[i].ComponentID() < out[j].ComponentID() })
	return g.store.Save(out)
}

func nonInteractiveError(componentID string, declared capability.Requirements) error {
	return &errdefs.CapabilityDeniedError{
		ComponentID: componentID,
		Requirement: declared[0].String(),
		Reason:      fmt.Sprintf("approval required for %v (running in non-interactive mode)", declared.Strings()),
	}
}
