package capability

import "context"

// ApprovalRequest is presented to an Approver when a component needs a new grant.
type ApprovalRequest struct {
	Previous    *Grant
	ComponentID string
	Version     string
	Declared    Requirements
	Broad       Requirements
	Risk        RiskReport
	Level       SandboxLevel
}

// Decision is an approver's answer.
type Decision struct {
	// Approved must be a subset of the declared requirements.
	Approved Requirements
	// Remember persists the grant to the grant store.
	Remember bool
}

// Approver presents declared requirements to a user and returns the approved subset.
type Approver interface {
	Approve(ctx context.Context, req ApprovalRequest) (Decision, error)
	IsInteractive() bool
}

// GrantStore persists and retrieves approved grants.
type GrantStore interface {
	Load() ([]*Grant, error)
	Save(grants []*Grant) error
	ConfigPath() string
}
