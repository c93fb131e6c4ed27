package component_test

import (
	"strings"
	"testing"

	"github.com/reglet-dev/reglet-graph/component"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigest(t *testing.T) {
	t.Parallel()

	data := []byte("hello")
	d := component.ComputeDigest(data)
	assert.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", d.String())
	require.NoError(t, d.Verify(data))
	assert.Error(t, d.Verify([]byte("world")))

	parsed, err := component.ParseDigest(d.String())
	require.NoError(t, err)
	assert.True(t, parsed.Equals(d))

	fromReader, err := component.ComputeDigestSHA256(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.True(t, fromReader.Equals(d))
}

func TestParseDigest_Invalid(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "sha256", "md5:abcd", "sha256:not-hex"} {
		_, err := component.ParseDigest(s)
		assert.Error(t, err, s)
	}
}

func TestDigest_Text(t *testing.T) {
	t.Parallel()

	var zero component.Digest
	assert.True(t, zero.IsZero())
	assert.Equal(t, "", zero.String())

	var d component.Digest
	require.NoError(t, d.UnmarshalText([]byte("sha256:ABCD")))
	assert.Equal(t, "abcd", d.Value())
	b, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "sha256:abcd", string(b))
}
