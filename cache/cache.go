// Package cache owns compiled components and pooled instances: compilation
// is memoized per binary digest, instances are pooled per grant and idle
// instances are evicted least recently used first.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/reglet-dev/reglet-graph/capability"
	"github.com/reglet-dev/reglet-graph/component"
	"github.com/reglet-dev/reglet-graph/errdefs"
	"github.com/reglet-dev/reglet-graph/telemetry"
)

// DefaultMaxInstances bounds live instances when no option is given.
const DefaultMaxInstances = 64

type compileKey struct {
	id     string
	digest string
}

type poolKey struct {
	compileKey
	grant string
}

type compileEntry struct {
	compiled    Compiled
	err         error
	done        chan struct{}
	key         compileKey
	invalidated bool
}

type entry struct {
	inst      Instance
	desc      *component.Descriptor
	grant     *capability.Grant
	compile   *compileEntry
	closeOnce sync.Once
	pool      poolKey
	id        uint64
	refs      int
	poisoned  bool
}

func (e *entry) destroy(ctx context.Context, logger *slog.Logger) {
	e.closeOnce.Do(func() {
		if err := e.inst.Close(ctx); err != nil {
			logger.Debug("instance close failed", "component", e.desc.ID, "error", err)
		}
	})
}

// Cache is safe for concurrent use.
type Cache struct {
	backend      Backend
	source       Source
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	compiled     map[compileKey]*compileEntry
	idle         map[poolKey][]*entry
	lru          *simplelru.LRU[uint64, *entry]
	maxInstances int
	live         int
	nextID       uint64
	mu           sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxInstances sets the instance-count ceiling.
func WithMaxInstances(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxInstances = n
		}
	}
}

// WithLogger sets the cache logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a cache compiling binaries from source on backend.
func New(backend Backend, source Source, opts ...Option) *Cache {
	// idle ordering only; the ceiling is enforced by evictLocked
	lru, err := simplelru.NewLRU[uint64, *entry](math.MaxInt32, nil)
	if err != nil {
		panic(err)
	}
	c := &Cache{
		backend:      backend,
		source:       source,
		logger:       slog.Default(),
		compiled:     make(map[compileKey]*compileEntry),
		idle:         make(map[poolKey][]*entry),
		lru:          lru,
		maxInstances: DefaultMaxInstances,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire returns an instance of desc bound to grant, reusing an idle one
// when possible. The caller must Release the handle.
func (c *Cache) Acquire(ctx context.Context, desc *component.Descriptor, grant *capability.Grant) (*Handle, error) {
	ce, err := c.compiledFor(ctx, desc)
	if err != nil {
		return nil, err
	}
	pk := poolKey{compileKey: ce.key, grant: grant.Key()}

	c.mu.Lock()
	if e := c.popIdleLocked(pk); e != nil {
		e.refs = 1
		c.mu.Unlock()
		c.metrics.CacheHit()
		return &Handle{cache: c, entry: e}, nil
	}
	c.mu.Unlock()

	inst, err := c.instantiate(ctx, ce, desc, grant)
	if err != nil {
		return nil, err
	}
	c.metrics.CacheMiss()

	c.mu.Lock()
	c.nextID++
	e := &entry{
		id:      c.nextID,
		inst:    inst,
		desc:    desc,
		grant:   grant,
		compile: ce,
		pool:    pk,
		refs:    1,
	}
	c.live++
	victims := c.evictLocked()
	live := c.live
	c.mu.Unlock()

	c.metrics.LiveInstances(live)
	c.destroyAll(ctx, victims)
	return &Handle{cache: c, entry: e}, nil
}

func (c *Cache) instantiate(ctx context.Context, ce *compileEntry, desc *component.Descriptor, grant *capability.Grant) (Instance, error) {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		inst, err := c.backend.Instantiate(ctx, ce.compiled, desc, grant)
		if err == nil {
			return inst, nil
		}
		lastErr = err
		c.metrics.InstantiationFailure()
		c.logger.Warn("instantiation failed", "component", desc.ID, "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &errdefs.InstantiationError{Err: lastErr, ComponentID: desc.ID, Stage: "instantiate"}
}

// compiledFor returns the memoized compilation of desc, compiling on first
// use. Concurrent callers for the same binary wait for one compile.
func (c *Cache) compiledFor(ctx context.Context, desc *component.Descriptor) (*compileEntry, error) {
	key := compileKey{id: desc.ID, digest: desc.Digest.String()}

	c.mu.Lock()
	ce, ok := c.compiled[key]
	if !ok {
		ce = &compileEntry{key: key, done: make(chan struct{})}
		c.compiled[key] = ce
	}
	c.mu.Unlock()

	if !ok {
		c.compile(ctx, ce, desc)
	}

	select {
	case <-ce.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if ce.err != nil {
		return nil, &errdefs.InstantiationError{Err: ce.err, ComponentID: desc.ID, Stage: "compile", Permanent: true}
	}
	return ce, nil
}

func (c *Cache) compile(ctx context.Context, ce *compileEntry, desc *component.Descriptor) {
	defer close(ce.done)

	binary, err := c.source.Binary(desc)
	if err != nil {
		ce.err = fmt.Errorf("load binary: %w", err)
		c.metrics.CompileFailure()
		return
	}

	for attempt := 1; attempt <= 2; attempt++ {
		ce.compiled, err = c.backend.Compile(ctx, desc, binary)
		if err == nil {
			c.logger.Debug("component compiled", "component", desc.ID, "digest", ce.key.digest)
			return
		}
		c.logger.Warn("compilation failed", "component", desc.ID, "attempt", attempt, "error", err)
		if ctx.Err() != nil {
			break
		}
	}
	ce.err = err
	c.metrics.CompileFailure()

	// a cancelled compile says nothing about the binary
	if ctx.Err() != nil {
		c.mu.Lock()
		if c.compiled[ce.key] == ce {
			delete(c.compiled, ce.key)
		}
		c.mu.Unlock()
	}
}

// Release returns a handle's instance to the pool, or destroys it when it
// was poisoned or its component was invalidated. Releasing twice is a no-op.
func (c *Cache) Release(h *Handle) {
	if h == nil {
		return
	}
	c.mu.Lock()
	if h.released {
		c.mu.Unlock()
		return
	}
	h.released = true
	e := h.entry
	e.refs--

	var victims []*entry
	if e.refs <= 0 {
		if e.poisoned || e.compile.invalidated {
			c.live--
			victims = append(victims, e)
		} else {
			c.idle[e.pool] = append(c.idle[e.pool], e)
			c.lru.Add(e.id, e)
		}
		victims = append(victims, c.evictLocked()...)
	}
	live := c.live
	c.mu.Unlock()

	c.metrics.LiveInstances(live)
	c.destroyAll(context.Background(), victims)
}

// popIdleLocked takes the most recently released idle instance for pk.
func (c *Cache) popIdleLocked(pk poolKey) *entry {
	pool := c.idle[pk]
	if len(pool) == 0 {
		return nil
	}
	e := pool[len(pool)-1]
	if len(pool) == 1 {
		delete(c.idle, pk)
	} else {
		c.idle[pk] = pool[:len(pool)-1]
	}
	c.lru.Remove(e.id)
	return e
}

func (c *Cache) removeIdleLocked(e *entry) {
	pool := c.idle[e.pool]
	for i, p := range pool {
		if p == e {
			pool = append(pool[:i], pool[i+1:]...)
			break
		}
	}
	if len(pool) == 0 {
		delete(c.idle, e.pool)
	} else {
		c.idle[e.pool] = pool
	}
}

// evictLocked drops least recently used idle instances until the ceiling
// holds. Busy instances are never evicted, so the ceiling may be exceeded
// until they are released.
func (c *Cache) evictLocked() []*entry {
	var victims []*entry
	for c.live > c.maxInstances {
		_, e, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
		c.removeIdleLocked(e)
		c.live--
		victims = append(victims, e)
		c.metrics.CacheEviction()
	}
	return victims
}

func (c *Cache) destroyAll(ctx context.Context, victims []*entry) {
	for _, e := range victims {
		e.destroy(ctx, c.logger)
	}
}

// InvalidateComponent forgets every compilation of id, including cached
// failures, and destroys its idle instances. Busy instances are destroyed
// when released.
func (c *Cache) InvalidateComponent(ctx context.Context, id string) {
	c.mu.Lock()
	var (
		victims  []*entry
		compiled []Compiled
	)
	for key, ce := range c.compiled {
		if key.id != id {
			continue
		}
		ce.invalidated = true
		delete(c.compiled, key)
		select {
		case <-ce.done:
			if ce.compiled != nil {
				compiled = append(compiled, ce.compiled)
			}
		default:
		}
	}
	for pk, pool := range c.idle {
		if pk.id != id {
			continue
		}
		for _, e := range pool {
			c.lru.Remove(e.id)
			c.live--
			victims = append(victims, e)
		}
		delete(c.idle, pk)
	}
	live := c.live
	c.mu.Unlock()

	c.metrics.LiveInstances(live)
	c.destroyAll(ctx, victims)
	for _, cm := range compiled {
		_ = cm.Close(ctx)
	}
	c.logger.Info("component invalidated", "component", id, "destroyed", len(victims))
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Live     int
	Idle     int
	Compiled int
}

// Stats returns current counts.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Live: c.live, Idle: c.lru.Len(), Compiled: len(c.compiled)}
}

// Close destroys idle instances and compiled modules. Outstanding handles
// remain usable and are destroyed on release.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	var victims []*entry
	for _, pool := range c.idle {
		victims = append(victims, pool...)
	}
	c.live -= len(victims)
	c.idle = make(map[poolKey][]*entry)
	c.lru.Purge()
	compiled := c.compiled
	c.compiled = make(map[compileKey]*compileEntry)
	for _, ce := range compiled {
		ce.invalidated = true
	}
	c.mu.Unlock()

	c.destroyAll(ctx, victims)
	for _, ce := range compiled {
		select {
		case <-ce.done:
			if ce.compiled != nil {
				_ = ce.compiled.Close(ctx)
			}
		default:
		}
	}
	return nil
}
