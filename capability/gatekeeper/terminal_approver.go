package gatekeeper

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/reglet-dev/reglet-graph/capability"
)

// TerminalApprover asks for approval on an interactive terminal.
type TerminalApprover struct {
	out io.Writer
}

// NewTerminalApprover creates a TerminalApprover writing warnings to stderr.
func NewTerminalApprover() *TerminalApprover {
	return &TerminalApprover{out: os.Stderr}
}

// IsInteractive checks if we're running in an interactive terminal.
func (a *TerminalApprover) IsInteractive() bool {
	fileInfo, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// Approve lets the user pick the requirements to grant.
func (a *TerminalApprover) Approve(ctx context.Context, req capability.ApprovalRequest) (capability.Decision, error) {
	if len(req.Broad) > 0 {
		fmt.Fprintf(a.out, "\n\033[1;33mSecurity Warning: Broad Permission Requested\033[0m\n\n")
		for _, r := range req.Broad {
			fmt.Fprintf(a.out, "  %s\n", r)
		}
		fmt.Fprintf(a.out, "  Recommendation: Review if this broad access is necessary.\n\n")
	}

	options := make([]huh.Option[string], 0, len(req.Declared))
	for _, r := range req.Declared {
		options = append(options, huh.NewOption(describe(r, req.Risk), r.String()).Selected(true))
	}

	var (
		selected []string
		remember bool
	)
	title := fmt.Sprintf("Component %s@%s requests permissions", req.ComponentID, req.Version)
	if req.Previous != nil {
		title = fmt.Sprintf("Component %s@%s changed its permissions", req.ComponentID, req.Version)
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewMultiSelect[string]().
				Title(title).
				Description(fmt.Sprintf("sandbox level %s, risk %s", req.Level, req.Risk.Level)).
				Options(options...).
				Value(&selected),
			huh.NewConfirm().
				Title("Remember this decision?").
				Value(&remember),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		return capability.Decision{}, err
	}

	approved, err := capability.ParseRequirements(selected)
	if err != nil {
		return capability.Decision{}, err
	}
	return capability.Decision{Approved: approved, Remember: remember}, nil
}

func describe(r capability.Requirement, report capability.RiskReport) string {
	for _, f := range report.RiskFactors {
		if f.Rule == r.String() {
			return fmt.Sprintf("%s (%s risk: %s)", r, f.Level, f.Description)
		}
	}
	return r.String()
}

// StaticApprover answers without user interaction: it approves every
// declared requirement, or refuses.
type StaticApprover struct {
	Allow    bool
	Remember bool
}

// NewStaticApprover creates a StaticApprover.
func NewStaticApprover(allow bool) *StaticApprover {
	return &StaticApprover{Allow: allow}
}

// IsInteractive always reports true so the gatekeeper consults it.
func (a *StaticApprover) IsInteractive() bool { return true }

// Approve implements capability.Approver.
func (a *StaticApprover) Approve(_ context.Context, req capability.ApprovalRequest) (capability.Decision, error) {
	if !a.Allow {
		return capability.Decision{}, fmt.Errorf("capability approval refused for %s", req.ComponentID)
	}
	return capability.Decision{Approved: req.Declared, Remember: a.Remember}, nil
}
