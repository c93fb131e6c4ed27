package component

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ChangeFunc is notified after a component version is replaced or removed.
type ChangeFunc func(id string, old Digest)

// Registry holds registered descriptors and their binaries, keyed by id and version.
type Registry struct {
	entries   map[string]map[string]*registration
	logger    *slog.Logger
	listeners []ChangeFunc
	mu        sync.RWMutex
}

type registration struct {
	desc   *Descriptor
	binary []byte
}

// RegistryOption configures the Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithChangeListener adds a listener called on replacement or removal.
func WithChangeListener(fn ChangeFunc) RegistryOption {
	return func(r *Registry) {
		r.listeners = append(r.listeners, fn)
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]map[string]*registration),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnChange adds a change listener after construction.
func (r *Registry) OnChange(fn ChangeFunc) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Register validates desc, stamps it with the binary digest and stores both.
// When desc carries a digest already, the binary must match it.
// Re-registering the same id and version with a different binary replaces it
// and notifies listeners so cached compilations are dropped.
func (r *Registry) Register(desc *Descriptor, binary []byte) (*Descriptor, error) {
	if desc == nil {
		return nil, fmt.Errorf("descriptor is nil")
	}
	if len(binary) == 0 {
		return nil, fmt.Errorf("component %s: empty binary", desc.ID)
	}
	d := desc.Clone()
	d.withDefaults()
	if err := d.Validate(); err != nil {
		return nil, err
	}

	computed := ComputeDigest(binary)
	if !d.Digest.IsZero() {
		if err := d.Digest.Verify(binary); err != nil {
			return nil, &IntegrityError{Expected: d.Digest, Actual: computed}
		}
	}
	d.Digest = computed

	r.mu.Lock()
	versions, ok := r.entries[d.ID]
	if !ok {
		versions = make(map[string]*registration)
		r.entries[d.ID] = versions
	}
	prev := versions[d.Version]
	versions[d.Version] = &registration{desc: d, binary: append([]byte(nil), binary...)}
	listeners := append([]ChangeFunc(nil), r.listeners...)
	r.mu.Unlock()

	r.logger.Info("component registered", "component", d.ID, "version", d.Version, "digest", d.Digest.String())
	if prev != nil && !prev.desc.Digest.Equals(d.Digest) {
		for _, fn := range listeners {
			fn(d.ID, prev.desc.Digest)
		}
	}
	return d.Clone(), nil
}

// Unregister removes one version of a component.
func (r *Registry) Unregister(id, version string) error {
	r.mu.Lock()
	versions := r.entries[id]
	prev, ok := versions[version]
	if !ok {
		r.mu.Unlock()
		return &NotFoundError{ID: id, Constraint: version}
	}
	delete(versions, version)
	if len(versions) == 0 {
		delete(r.entries, id)
	}
	listeners := append([]ChangeFunc(nil), r.listeners...)
	r.mu.Unlock()

	r.logger.Info("component unregistered", "component", id, "version", version)
	for _, fn := range listeners {
		fn(id, prev.desc.Digest)
	}
	return nil
}

// Resolve returns the highest registered version of id satisfying constraint.
func (r *Registry) Resolve(id, constraint string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.entries[id]
	if len(versions) == 0 {
		return nil, &NotFoundError{ID: id, Constraint: constraint}
	}
	available := make([]string, 0, len(versions))
	for v := range versions {
		available = append(available, v)
	}
	v, err := ResolveVersion(constraint, available)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", &NotFoundError{ID: id, Constraint: constraint}, err)
	}
	return versions[v].desc.Clone(), nil
}

// Binary returns the binary registered for desc's id and version. The
// registered digest must still match desc, otherwise desc is stale.
func (r *Registry) Binary(desc *Descriptor) ([]byte, error) {
	r.mu.RLock()
	reg, ok := r.entries[desc.ID][desc.Version]
	r.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{ID: desc.ID, Constraint: desc.Version}
	}
	if !desc.Digest.IsZero() && !desc.Digest.Equals(reg.desc.Digest) {
		return nil, &IntegrityError{Expected: desc.Digest, Actual: reg.desc.Digest}
	}
	return reg.binary, nil
}

// List returns every registered descriptor ordered by id then version.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Descriptor
	for _, versions := range r.entries {
		for _, reg := range versions {
			out = append(out, reg.desc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version < out[j].Version
	})
	return out
}
