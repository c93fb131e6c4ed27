// Package grantstore provides file-based persistence for capability grants.
package grantstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/reglet-dev/reglet-graph/capability"
	"gopkg.in/yaml.v3"
)

// fileStoreConfig holds configuration for the FileStore.
type fileStoreConfig struct {
	path     string
	dirPerm  os.FileMode
	filePerm os.FileMode
}

func defaultFileStoreConfig() fileStoreConfig {
	return fileStoreConfig{
		path:     filepath.Join(os.Getenv("HOME"), ".reglet", "grants.yaml"),
		dirPerm:  0o755,
		filePerm: 0o600,
	}
}

// FileStoreOption configures a FileStore instance.
type FileStoreOption func(*fileStoreConfig)

// WithPath sets the path to the grants file.
func WithPath(path string) FileStoreOption {
	return func(c *fileStoreConfig) {
		if path != "" {
			c.path = path
		}
	}
}

// WithFilePermissions sets the file permissions for the grants file.
func WithFilePermissions(perm os.FileMode) FileStoreOption {
	return func(c *fileStoreConfig) {
		c.filePerm = perm
	}
}

// WithDirPermissions sets the directory permissions for the grants directory.
func WithDirPermissions(perm os.FileMode) FileStoreOption {
	return func(c *fileStoreConfig) {
		c.dirPerm = perm
	}
}

// document is the on-disk layout.
type document struct {
	Grants []capability.GrantRecord `yaml:"grants"`
}

// FileStore keeps grants in a YAML file.
type FileStore struct {
	config fileStoreConfig
}

// NewFileStore creates a new FileStore with the given options.
func NewFileStore(opts ...FileStoreOption) *FileStore {
	cfg := defaultFileStoreConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &FileStore{config: cfg}
}

// Load retrieves all stored grants. A missing file is an empty store.
func (s *FileStore) Load() ([]*capability.Grant, error) {
	data, err := os.ReadFile(s.config.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read grant store: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse grant store: %w", err)
	}
	grants := make([]*capability.Grant, 0, len(doc.Grants))
	for _, rec := range doc.Grants {
		g, err := capability.GrantFromRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to parse grant store: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, nil
}

// Save replaces the stored grants.
func (s *FileStore) Save(grants []*capability.Grant) error {
	doc := document{Grants: make([]capability.GrantRecord, 0, len(grants))}
	for _, g := range grants {
		doc.Grants = append(doc.Grants, g.Record())
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal grants: %w", err)
	}

	dir := filepath.Dir(s.config.path)
	if err := os.MkdirAll(dir, s.config.dirPerm); err != nil {
		return fmt.Errorf("failed to create grant store directory: %w", err)
	}

	if err := os.WriteFile(s.config.path, data, s.config.filePerm); err != nil {
		return fmt.Errorf("failed to write grant store: %w", err)
	}
	return nil
}

// ConfigPath returns the path to the backing store.
func (s *FileStore) ConfigPath() string {
	return s.config.path
}
