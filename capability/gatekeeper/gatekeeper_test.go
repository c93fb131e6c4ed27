package gatekeeper_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/reglet-dev/reglet-graph/capability"
	"github.com/reglet-dev/reglet-graph/capability/gatekeeper"
	"github.com/reglet-dev/reglet-graph/capability/grantstore"
	"github.com/reglet-dev/reglet-graph/component"
	"github.com/reglet-dev/reglet-graph/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingApprover records approval requests.
type countingApprover struct {
	decision    capability.Decision
	err         error
	calls       int
	interactive bool
	last        capability.ApprovalRequest
}

func (a *countingApprover) IsInteractive() bool { return a.interactive }

func (a *countingApprover) Approve(_ context.Context, req capability.ApprovalRequest) (capability.Decision, error) {
	a.calls++
	a.last = req
	if a.err != nil {
		return capability.Decision{}, a.err
	}
	if a.decision.Approved == nil {
		return capability.Decision{Approved: req.Declared, Remember: a.decision.Remember}, nil
	}
	return a.decision, nil
}

func newGatekeeper(t *testing.T, approver capability.Approver, opts ...gatekeeper.Option) (*gatekeeper.Gatekeeper, *grantstore.FileStore) {
	t.Helper()
	store := grantstore.NewFileStore(grantstore.WithPath(filepath.Join(t.TempDir(), "grants.yaml")))
	opts = append([]gatekeeper.Option{
		gatekeeper.WithStore(store),
		gatekeeper.WithApprover(approver),
		gatekeeper.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return gatekeeper.NewGatekeeper(capability.NewModel(), opts...), store
}

func descriptor(caps ...string) *component.Descriptor {
	return &component.Descriptor{ID: "fetch", Version: "1.0.0", Lifecycle: component.LifecycleStandard, Capabilities: caps}
}

func TestGatekeeper_ReusesFreshGrant(t *testing.T) {
	t.Parallel()

	approver := &countingApprover{interactive: true}
	gk, _ := newGatekeeper(t, approver)
	ctx := context.Background()

	g1, err := gk.Approve(ctx, descriptor("network:example.com"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, approver.calls)

	g2, err := gk.Approve(ctx, descriptor("network:example.com"), g1)
	require.NoError(t, err)
	assert.Same(t, g1, g2)
	assert.Equal(t, 1, approver.calls, "unchanged requirements must not re-prompt")

	g3, err := gk.Approve(ctx, descriptor("network:example.com", "env:TOKEN"), g2)
	require.NoError(t, err)
	assert.Equal(t, 2, approver.calls, "grown requirements must re-prompt")
	assert.Same(t, g2, approver.last.Previous)
	assert.Equal(t, capability.LevelFull, g3.Level())
}

func TestGatekeeper_CapabilityFreeNeverPrompts(t *testing.T) {
	t.Parallel()

	approver := &countingApprover{}
	gk, _ := newGatekeeper(t, approver)

	g, err := gk.Approve(context.Background(), descriptor(), nil)
	require.NoError(t, err)
	assert.True(t, g.IsEmpty())
	assert.Zero(t, approver.calls)
}

func TestGatekeeper_RememberPersists(t *testing.T) {
	t.Parallel()

	approver := &countingApprover{interactive: true, decision: capability.Decision{Remember: true}}
	gk, store := newGatekeeper(t, approver)
	ctx := context.Background()

	_, err := gk.Approve(ctx, descriptor("fs.read:/data/**"), nil)
	require.NoError(t, err)

	stored, err := store.Load()
	require.NoError(t, err)
	require.Len(t, stored, 1)

	// a new session with no inline grant finds the stored one
	_, err = gk.Approve(ctx, descriptor("fs.read:/data/**"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, approver.calls)
}

func TestGatekeeper_SecurityLevels(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("strict refuses broad", func(t *testing.T) {
		approver := &countingApprover{interactive: true}
		gk, _ := newGatekeeper(t, approver, gatekeeper.WithSecurityLevel(gatekeeper.SecurityStrict))
		_, err := gk.Approve(ctx, descriptor("network:*"), nil)
		assert.ErrorIs(t, err, errdefs.ErrCapabilityDenied)
		assert.Zero(t, approver.calls)
	})

	t.Run("strict asks for narrow", func(t *testing.T) {
		approver := &countingApprover{interactive: true}
		gk, _ := newGatekeeper(t, approver, gatekeeper.WithSecurityLevel(gatekeeper.SecurityStrict))
		_, err := gk.Approve(ctx, descriptor("network:example.com"), nil)
		require.NoError(t, err)
		assert.Equal(t, 1, approver.calls)
	})

	t.Run("permissive auto approves", func(t *testing.T) {
		approver := &countingApprover{}
		gk, _ := newGatekeeper(t, approver, gatekeeper.WithSecurityLevel(gatekeeper.SecurityPermissive))
		g, err := gk.Approve(ctx, descriptor("network:*", "fs.write:/**"), nil)
		require.NoError(t, err)
		assert.Len(t, g.Requirements(), 2)
		assert.Zero(t, approver.calls)
	})

	t.Run("non interactive standard fails", func(t *testing.T) {
		approver := &countingApprover{interactive: false}
		gk, _ := newGatekeeper(t, approver)
		_, err := gk.Approve(ctx, descriptor("network:example.com"), nil)
		assert.ErrorIs(t, err, errdefs.ErrCapabilityDenied)
	})
}

func TestGatekeeper_ApproverCannotEscalate(t *testing.T) {
	t.Parallel()

	approver := &countingApprover{
		interactive: true,
		decision:    capability.Decision{Approved: capability.NewRequirements(capability.MustParseRequirement("network:evil.org"))},
	}
	gk, _ := newGatekeeper(t, approver)

	_, err := gk.Approve(context.Background(), descriptor("network:example.com"), nil)
	assert.ErrorIs(t, err, errdefs.ErrCapabilityDenied)
}

func TestStaticApprover(t *testing.T) {
	t.Parallel()

	gk, _ := newGatekeeper(t, gatekeeper.NewStaticApprover(false))
	_, err := gk.Approve(context.Background(), descriptor("network:example.com"), nil)
	assert.Error(t, err)

	gk, _ = newGatekeeper(t, gatekeeper.NewStaticApprover(true))
	g, err := gk.Approve(context.Background(), descriptor("network:example.com"), nil)
	require.NoError(t, err)
	assert.True(t, g.Allows(capability.MustParseRequirement("network:example.com")))
}

func TestParseSecurityLevel(t *testing.T) {
	t.Parallel()

	l, err := gatekeeper.ParseSecurityLevel("strict")
	require.NoError(t, err)
	assert.Equal(t, gatekeeper.SecurityStrict, l)
	_, err = gatekeeper.ParseSecurityLevel("lax")
	assert.Error(t, err)
}
