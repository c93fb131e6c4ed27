package repository_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/memory"

	"github.com/reglet-dev/reglet-graph/component"
	"github.com/reglet-dev/reglet-graph/component/repository"
)

func TestPackageAndPull(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()

	_, err := repository.Package(ctx, store, sampleDescriptor("math/add", "1.2.0"), []byte("wasm-add"))
	require.NoError(t, err)

	art, err := repository.PullFrom(ctx, store, "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, "math/add", art.Descriptor.ID)
	assert.Equal(t, "1.2.0", art.Descriptor.Version)
	assert.Equal(t, []byte("wasm-add"), art.Binary)
	assert.Equal(t, component.ComputeDigest([]byte("wasm-add")), art.Descriptor.Digest)

	// pulled artifacts can be stored and loaded back
	r := newRepo(t)
	_, err = r.Store(ctx, art.Descriptor, bytes.NewReader(art.Binary))
	require.NoError(t, err)
	_, binary, err := r.Find(ctx, "math/add", "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, art.Binary, binary)
}

func TestPullFrom_UnknownTag(t *testing.T) {
	t.Parallel()
	_, err := repository.PullFrom(context.Background(), memory.New(), "9.9.9")
	assert.Error(t, err)
}

func TestPullFrom_RejectsForeignArtifacts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memory.New()

	config, err := json.Marshal(map[string]string{"id": "add", "version": "1.0.0"})
	require.NoError(t, err)
	configDesc, err := oras.PushBytes(ctx, store, "application/vnd.example.config+json", config)
	require.NoError(t, err)
	layerDesc, err := oras.PushBytes(ctx, store, repository.BinaryLayerMediaType, []byte("wasm"))
	require.NoError(t, err)
	manifest, err := oras.PackManifest(ctx, store, oras.PackManifestVersion1_1, "application/vnd.example", oras.PackManifestOptions{
		ConfigDescriptor: &configDesc,
		Layers:           []ocispec.Descriptor{layerDesc},
	})
	require.NoError(t, err)
	require.NoError(t, store.Tag(ctx, manifest, "1.0.0"))

	_, err = repository.PullFrom(ctx, store, "1.0.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected config media type")
}
