package cache

import (
	"context"

	"github.com/reglet-dev/reglet-graph/capability"
	"github.com/reglet-dev/reglet-graph/component"
)

// Handle is one holder's claim on an instance.
type Handle struct {
	cache    *Cache
	entry    *entry
	released bool
}

// Instance returns the held instance.
func (h *Handle) Instance() Instance { return h.entry.inst }

// Descriptor returns the component the instance was created from.
func (h *Handle) Descriptor() *component.Descriptor { return h.entry.desc }

// Grant returns the grant the instance is bound to.
func (h *Handle) Grant() *capability.Grant { return h.entry.grant }

// Poison marks the instance unusable; Release destroys it instead of pooling.
func (h *Handle) Poison() {
	h.cache.mu.Lock()
	h.entry.poisoned = true
	h.cache.mu.Unlock()
}

// Abort poisons the instance and closes it immediately, interrupting any
// call in progress.
func (h *Handle) Abort(ctx context.Context) {
	h.Poison()
	h.entry.destroy(ctx, h.cache.logger)
}

// Release returns the handle to its cache.
func (h *Handle) Release() {
	h.cache.Release(h)
}
