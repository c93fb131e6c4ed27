package capability_test

import (
	"testing"
	"time"

	"github.com/reglet-dev/reglet-graph/capability"
	"github.com/reglet-dev/reglet-graph/component"
	"github.com/reglet-dev/reglet-graph/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func desc(id string, caps ...string) *component.Descriptor {
	return &component.Descriptor{ID: id, Version: "1.0.0", Lifecycle: component.LifecycleStandard, Capabilities: caps}
}

func fixedClock() time.Time {
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
}

func TestModel_EmptyDeclaredEmptyRequestAlwaysGranted(t *testing.T) {
	t.Parallel()

	m := capability.NewModel()
	for _, id := range []string{"a", "b/c", "const.u64"} {
		declared, err := m.Declare(desc(id))
		require.NoError(t, err)
		assert.Empty(t, declared)

		g, err := m.Grant(id, nil)
		require.NoError(t, err)
		assert.True(t, g.IsEmpty())
		assert.Equal(t, "none", g.Key())
		assert.NoError(t, m.Verify(g, desc(id)))
		assert.NoError(t, m.Verify(nil, desc(id)))
	}
}

func TestModel_UndeclaredRequestDenied(t *testing.T) {
	t.Parallel()

	m := capability.NewModel()
	_, err := m.Declare(desc("fetch", "network:example.com", "fs.read:/data/**"))
	require.NoError(t, err)

	tests := []string{
		"network:other.org",
		"network:*.example.com",
		"fs.write:/data/out",
		"fs.read:/etc/passwd",
		"env:HOME",
		"limit.memory:4",
	}
	for _, s := range tests {
		t.Run(s, func(t *testing.T) {
			_, err := m.Grant("fetch", capability.NewRequirements(capability.MustParseRequirement(s)))
			require.Error(t, err)
			assert.ErrorIs(t, err, capability.ErrDenied)

			var denied *errdefs.CapabilityDeniedError
			require.ErrorAs(t, err, &denied)
			assert.Equal(t, s, denied.Requirement)
		})
	}

	_, err = m.Grant("never-declared", nil)
	assert.ErrorIs(t, err, capability.ErrDenied)
}

func TestModel_GrantNarrowerThanDeclared(t *testing.T) {
	t.Parallel()

	m := capability.NewModel(capability.WithClock(fixedClock))
	_, err := m.Declare(desc("reader", "fs.read:/data/**"))
	require.NoError(t, err)

	g, err := m.Grant("reader", capability.NewRequirements(capability.MustParseRequirement("fs.read:/data/in.csv")))
	require.NoError(t, err)
	assert.Equal(t, capability.LevelFSRead, g.Level())
	assert.Equal(t, fixedClock(), g.ApprovedAt())
	assert.True(t, m.Check(g, capability.MustParseRequirement("fs.read:/data/in.csv")))
	assert.False(t, m.Check(g, capability.MustParseRequirement("fs.read:/data/other.csv")))

	// the declared glob is not fully covered by the narrower grant
	err = m.Verify(g, desc("reader", "fs.read:/data/**"))
	assert.ErrorIs(t, err, errdefs.ErrCapabilityDenied)
}

func TestModel_Verify(t *testing.T) {
	t.Parallel()

	m := capability.NewModel()
	d := desc("fetch", "network:example.com", "limit.timeout:2s")
	declared, err := m.Declare(d)
	require.NoError(t, err)

	full, err := m.Grant("fetch", declared)
	require.NoError(t, err)
	assert.NoError(t, m.Verify(full, d))

	withoutLimit, err := m.Grant("fetch", declared.Of(capability.KindNetwork))
	require.NoError(t, err)
	assert.NoError(t, m.Verify(withoutLimit, d), "limits are optional")

	err = m.Verify(nil, d)
	var denied *errdefs.CapabilityDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "network:example.com", denied.Requirement)

	grown := desc("fetch", "network:example.com", "limit.timeout:2s", "env:TOKEN")
	err = m.Verify(full, grown)
	require.ErrorAs(t, err, &denied)
	assert.Contains(t, denied.Reason, "re-approval")

	assert.True(t, m.Fresh(full, d))
	assert.False(t, m.Fresh(full, grown))
	assert.False(t, m.Fresh(full, desc("other", "network:example.com", "limit.timeout:2s")))
	assert.Error(t, m.Verify(full, desc("other", "network:example.com", "limit.timeout:2s")))
}

func TestGrant_RecordRoundTrip(t *testing.T) {
	t.Parallel()

	m := capability.NewModel(capability.WithClock(fixedClock))
	declared, err := m.Declare(desc("w", "fs.write:/out/**", "fs.read:/in/**"))
	require.NoError(t, err)
	g, err := m.Grant("w", declared)
	require.NoError(t, err)

	rec := g.Record()
	assert.Equal(t, "fs-readwrite", rec.Level)

	back, err := capability.GrantFromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, g.Key(), back.Key())
	assert.Equal(t, g.DeclaredFingerprint(), back.DeclaredFingerprint())
	assert.Equal(t, g.ApprovedAt(), back.ApprovedAt())

	rec.Level = "none"
	_, err = capability.GrantFromRecord(rec)
	assert.Error(t, err, "tampered level must be rejected")
}

func TestGrant_KeyDependsOnRequirements(t *testing.T) {
	t.Parallel()

	m := capability.NewModel()
	declared, err := m.Declare(desc("n", "network:a.com", "network:b.com"))
	require.NoError(t, err)

	both, err := m.Grant("n", declared)
	require.NoError(t, err)
	onlyA, err := m.Grant("n", declared[:1])
	require.NoError(t, err)
	again, err := m.Grant("n", declared)
	require.NoError(t, err)

	assert.NotEqual(t, both.Key(), onlyA.Key())
	assert.Equal(t, both.Key(), again.Key())
}
