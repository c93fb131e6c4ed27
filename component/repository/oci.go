package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/reglet-dev/reglet-graph/component"
)

// OCI media types of a packaged component. The config blob holds the
// descriptor document as JSON.
const (
	ArtifactType         = "application/vnd.reglet.component.v1"
	ConfigMediaType      = "application/vnd.reglet.component.config.v1+json"
	BinaryLayerMediaType = "application/vnd.reglet.component.wasm.v1"
)

// MaxBinarySize bounds the binary layer a pull accepts.
const MaxBinarySize = 256 << 20

// AuthProvider supplies registry credentials.
type AuthProvider interface {
	GetCredentials(ctx context.Context, registry string) (username, password string, err error)
}

// EnvAuthProvider reads REGISTRY_USERNAME and REGISTRY_PASSWORD.
type EnvAuthProvider struct{}

// GetCredentials returns the credentials from the environment.
func (EnvAuthProvider) GetCredentials(_ context.Context, _ string) (string, string, error) {
	return os.Getenv("REGISTRY_USERNAME"), os.Getenv("REGISTRY_PASSWORD"), nil
}

// Artifact is a pulled component.
type Artifact struct {
	Descriptor *component.Descriptor
	Binary     []byte
}

// Puller fetches components from OCI registries.
type Puller struct {
	auth      AuthProvider
	plainHTTP bool
}

// PullerOption configures a Puller.
type PullerOption func(*Puller)

// WithAuth sets the credential source.
func WithAuth(a AuthProvider) PullerOption {
	return func(p *Puller) { p.auth = a }
}

// WithPlainHTTP talks to registries over HTTP.
func WithPlainHTTP(plain bool) PullerOption {
	return func(p *Puller) { p.plainHTTP = plain }
}

// NewPuller creates a Puller using environment credentials by default.
func NewPuller(opts ...PullerOption) *Puller {
	p := &Puller{auth: EnvAuthProvider{}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Pull downloads the component at ref ("registry/repo:tag" or "@digest").
func (p *Puller) Pull(ctx context.Context, ref string) (*Artifact, error) {
	parsed, err := registry.ParseReference(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid reference %q: %w", ref, err)
	}
	if parsed.Reference == "" {
		parsed.Reference = "latest"
	}

	repo, err := remote.NewRepository(parsed.Registry + "/" + parsed.Repository)
	if err != nil {
		return nil, fmt.Errorf("create repository: %w", err)
	}
	repo.PlainHTTP = p.plainHTTP

	username, password, err := p.auth.GetCredentials(ctx, parsed.Registry)
	if err != nil {
		return nil, fmt.Errorf("credentials for %s: %w", parsed.Registry, err)
	}
	if username != "" {
		repo.Client = &auth.Client{
			Client: retry.DefaultClient,
			Credential: auth.StaticCredential(parsed.Registry, auth.Credential{
				Username: username,
				Password: password,
			}),
		}
	}
	return PullFrom(ctx, repo, parsed.Reference)
}

// PullFrom copies the component tagged tag out of src.
func PullFrom(ctx context.Context, src oras.ReadOnlyTarget, tag string) (*Artifact, error) {
	store := memory.New()
	manifestDesc, err := oras.Copy(ctx, src, tag, store, tag, oras.DefaultCopyOptions)
	if err != nil {
		return nil, fmt.Errorf("pull artifact: %w", err)
	}

	manifestBytes, err := content.FetchAll(ctx, store, manifestDesc)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest JSON: %w", err)
	}

	if manifest.Config.MediaType != ConfigMediaType {
		return nil, fmt.Errorf("unexpected config media type %q", manifest.Config.MediaType)
	}
	configBytes, err := content.FetchAll(ctx, store, manifest.Config)
	if err != nil {
		return nil, fmt.Errorf("fetch config: %w", err)
	}
	desc, err := component.NewJSONParser(nil).Parse(configBytes)
	if err != nil {
		return nil, fmt.Errorf("component descriptor: %w", err)
	}

	layer, err := findBinaryLayer(&manifest)
	if err != nil {
		return nil, err
	}
	if layer.Size > MaxBinarySize {
		return nil, fmt.Errorf("component binary is %d bytes, limit is %d", layer.Size, MaxBinarySize)
	}
	binary, err := content.FetchAll(ctx, store, layer)
	if err != nil {
		return nil, fmt.Errorf("fetch binary: %w", err)
	}

	digest, err := component.ParseDigest(layer.Digest.String())
	if err != nil {
		return nil, err
	}
	if !desc.Digest.IsZero() && !desc.Digest.Equals(digest) {
		return nil, &component.IntegrityError{Expected: desc.Digest, Actual: digest}
	}
	desc.Digest = digest
	return &Artifact{Descriptor: desc, Binary: binary}, nil
}

func findBinaryLayer(manifest *ocispec.Manifest) (ocispec.Descriptor, error) {
	for _, layer := range manifest.Layers {
		if layer.MediaType == BinaryLayerMediaType {
			return layer, nil
		}
	}
	return ocispec.Descriptor{}, fmt.Errorf("no %s layer found", BinaryLayerMediaType)
}

// Package pushes a component into dst and tags it with its version.
func Package(ctx context.Context, dst oras.Target, desc *component.Descriptor, binary []byte) (ocispec.Descriptor, error) {
	doc, err := component.DocumentOf(desc)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	doc.Digest = ""
	config, err := json.Marshal(doc)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("encode descriptor: %w", err)
	}

	configDesc, err := oras.PushBytes(ctx, dst, ConfigMediaType, config)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("push config: %w", err)
	}
	layerDesc, err := oras.PushBytes(ctx, dst, BinaryLayerMediaType, binary)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("push binary: %w", err)
	}
	manifestDesc, err := oras.PackManifest(ctx, dst, oras.PackManifestVersion1_1, ArtifactType, oras.PackManifestOptions{
		ConfigDescriptor: &configDesc,
		Layers:           []ocispec.Descriptor{layerDesc},
	})
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("pack manifest: %w", err)
	}
	if err := dst.Tag(ctx, manifestDesc, desc.Version); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("tag %s: %w", desc.Version, err)
	}
	return manifestDesc, nil
}
