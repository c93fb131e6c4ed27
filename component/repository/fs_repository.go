// Package repository stores component binaries with their descriptors, on
// disk and in OCI registries.
package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/reglet-dev/reglet-graph/component"
)

// File names inside a component version directory.
const (
	BinaryFile     = "component.wasm"
	DescriptorFile = "descriptor.yaml"
	DigestFile     = "digest.txt"
)

// FSRepository keeps components under <root>/<id>/<version>/. Ids may
// contain slashes, which become nested directories.
type FSRepository struct {
	logger *slog.Logger
	root   string
}

// FSOption configures an FSRepository.
type FSOption func(*FSRepository)

// WithLogger sets the repository logger.
func WithLogger(logger *slog.Logger) FSOption {
	return func(r *FSRepository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewFSRepository opens root, creating it if needed. An empty root means
// ~/.reglet/components.
func NewFSRepository(root string, opts ...FSOption) (*FSRepository, error) {
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		root = filepath.Join(home, ".reglet", "components")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create component directory: %w", err)
	}
	r := &FSRepository{root: root, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Root returns the repository directory.
func (r *FSRepository) Root() string { return r.root }

// Find loads one component version and checks its binary against the
// stored digest.
func (r *FSRepository) Find(_ context.Context, id, version string) (*component.Descriptor, []byte, error) {
	dir, err := r.componentPath(id, version)
	if err != nil {
		return nil, nil, err
	}

	binary, err := os.ReadFile(filepath.Join(dir, BinaryFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, &component.NotFoundError{ID: id, Constraint: version}
		}
		return nil, nil, fmt.Errorf("read binary: %w", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, DescriptorFile))
	if err != nil {
		return nil, nil, fmt.Errorf("read descriptor: %w", err)
	}
	desc, err := component.NewYAMLParser(nil).Parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%s@%s: %w", id, version, err)
	}
	if desc.ID != id || desc.Version != version {
		return nil, nil, fmt.Errorf("%s holds %s@%s, expected %s@%s", dir, desc.ID, desc.Version, id, version)
	}

	digest, err := r.loadDigest(dir)
	if err != nil {
		return nil, nil, err
	}
	if err := digest.Verify(binary); err != nil {
		return nil, nil, &component.IntegrityError{Expected: digest, Actual: component.ComputeDigest(binary)}
	}
	desc.Digest = digest
	return desc, binary, nil
}

// Store writes a component version, replacing any previous copy.
func (r *FSRepository) Store(_ context.Context, desc *component.Descriptor, binary io.Reader) (string, error) {
	stored := desc.Clone()
	if stored.Lifecycle == "" {
		stored.Lifecycle = component.LifecycleStandard
	}
	if err := stored.Validate(); err != nil {
		return "", err
	}
	dir, err := r.componentPath(desc.ID, desc.Version)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	digest, err := component.ComputeDigestSHA256(io.TeeReader(binary, &buf))
	if err != nil {
		return "", fmt.Errorf("read binary: %w", err)
	}
	if !desc.Digest.IsZero() && !desc.Digest.Equals(digest) {
		return "", &component.IntegrityError{Expected: desc.Digest, Actual: digest}
	}

	binPath := filepath.Join(dir, BinaryFile)
	if err := os.WriteFile(binPath, buf.Bytes(), 0o640); err != nil {
		return "", fmt.Errorf("write binary: %w", err)
	}
	stored.Digest = component.Digest{}
	doc, err := component.MarshalYAML(stored)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, DescriptorFile), doc, 0o640); err != nil {
		return "", fmt.Errorf("write descriptor: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, DigestFile), []byte(digest.String()), 0o600); err != nil {
		return "", fmt.Errorf("write digest: %w", err)
	}

	r.logger.Debug("component stored", "component", desc.ID, "version", desc.Version, "digest", digest.String())
	return binPath, nil
}

// List returns every stored component version that loads cleanly. Broken
// entries are logged and skipped.
func (r *FSRepository) List(ctx context.Context) ([]*component.Descriptor, error) {
	var out []*component.Descriptor
	err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != BinaryFile {
			return nil
		}
		rel, err := filepath.Rel(r.root, filepath.Dir(path))
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		i := strings.LastIndex(rel, "/")
		if i <= 0 {
			return nil
		}
		id, version := rel[:i], rel[i+1:]
		desc, _, err := r.Find(ctx, id, version)
		if err != nil {
			r.logger.Warn("skipping stored component", "path", filepath.Dir(path), "error", err)
			return nil
		}
		out = append(out, desc)
		return nil
	})
	return out, err
}

// Delete removes one component version.
func (r *FSRepository) Delete(_ context.Context, id, version string) error {
	dir, err := r.componentPath(id, version)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// Registrar receives loaded components. *component.Registry satisfies it.
type Registrar interface {
	Register(desc *component.Descriptor, binary []byte) (*component.Descriptor, error)
}

// LoadInto registers every stored component and returns how many were loaded.
func (r *FSRepository) LoadInto(ctx context.Context, reg Registrar) (int, error) {
	descs, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, d := range descs {
		_, binary, err := r.Find(ctx, d.ID, d.Version)
		if err != nil {
			return 0, err
		}
		if _, err := reg.Register(d, binary); err != nil {
			return 0, fmt.Errorf("register %s@%s: %w", d.ID, d.Version, err)
		}
	}
	return len(descs), nil
}

func (r *FSRepository) componentPath(id, version string) (string, error) {
	if id == "" || version == "" {
		return "", fmt.Errorf("component id and version are required")
	}
	rel := filepath.Join(id, version)
	if filepath.IsAbs(id) || filepath.IsAbs(version) {
		return "", fmt.Errorf("security violation: absolute path in component reference %q", rel)
	}

	cleanRoot := filepath.Clean(r.root)
	cleanPath := filepath.Clean(filepath.Join(r.root, rel))
	if !strings.HasPrefix(cleanPath, cleanRoot+string(os.PathSeparator)) {
		return "", fmt.Errorf("security violation: path traversal in component reference %q", rel)
	}
	if strings.ContainsAny(version, `/\`) {
		return "", fmt.Errorf("invalid component version %q", version)
	}
	return cleanPath, nil
}

func (r *FSRepository) loadDigest(dir string) (component.Digest, error) {
	data, err := os.ReadFile(filepath.Join(dir, DigestFile))
	if err != nil {
		return component.Digest{}, fmt.Errorf("read digest: %w", err)
	}
	return component.ParseDigest(strings.TrimSpace(string(data)))
}
