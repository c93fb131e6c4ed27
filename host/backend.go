// Package host runs components on the wazero virtual machine: it compiles
// and instantiates them with their capability context, exposes the reglet
// host functions and drives the JSON calling convention.
package host

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/reglet-dev/reglet-graph/cache"
	"github.com/reglet-dev/reglet-graph/capability"
	"github.com/reglet-dev/reglet-graph/component"
	"github.com/reglet-dev/reglet-graph/netutil"
)

const wasmPageSize = 65536

// ErrMemoryLimitExceeded is returned by a call that grew guest memory past
// the instance's page limit.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// Backend implements cache.Backend on a wazero runtime.
type Backend struct {
	runtime       wazero.Runtime
	compileCache  wazero.CompilationCache
	sink          LogSink
	ownedSink     *AsyncSink
	logger        *slog.Logger
	environ       func() []string
	denialHandler DenialHandler
	instances     sync.Map // module name -> *instanceState
	cacheDir      string
	httpTimeout   time.Duration
	maxHTTPBody   int64
	seq           atomic.Uint64
	maxPages      uint32
}

var _ cache.Backend = (*Backend)(nil)

// NewBackend creates the runtime, instantiates WASI and registers the host module.
func NewBackend(ctx context.Context, opts ...Option) (*Backend, error) {
	b := &Backend{
		logger:      slog.Default(),
		environ:     os.Environ,
		httpTimeout: DefaultHTTPTimeout,
		maxHTTPBody: DefaultMaxHTTPBody,
		maxPages:    DefaultMaxMemoryPages,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.sink == nil {
		b.ownedSink = NewAsyncSink(SlogSink{Logger: b.logger}, 0, nil)
		b.sink = b.ownedSink
	}

	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(b.maxPages)
	if b.cacheDir != "" {
		cc, err := wazero.NewCompilationCacheWithDir(b.cacheDir)
		if err != nil {
			b.closeSink()
			return nil, fmt.Errorf("failed to open compilation cache %s: %w", b.cacheDir, err)
		}
		b.compileCache = cc
		cfg = cfg.WithCompilationCache(cc)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		b.closeSink()
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	b.runtime = rt

	if err := b.registerHostFunctions(ctx); err != nil {
		_ = rt.Close(ctx)
		b.closeSink()
		return nil, fmt.Errorf("failed to register host functions: %w", err)
	}
	return b, nil
}

// Close releases the runtime and every module in it, then flushes the
// default log sink. A sink passed with WithLogSink is left to the caller.
func (b *Backend) Close(ctx context.Context) error {
	err := b.runtime.Close(ctx)
	if b.compileCache != nil {
		err = errors.Join(err, b.compileCache.Close(ctx))
	}
	b.closeSink()
	return err
}

func (b *Backend) closeSink() {
	if b.ownedSink != nil {
		b.ownedSink.Close()
	}
}

type compiledModule struct {
	module wazero.CompiledModule
}

func (c *compiledModule) Close(ctx context.Context) error {
	return c.module.Close(ctx)
}

// Compile compiles binary and checks it exports what desc promises.
func (b *Backend) Compile(ctx context.Context, desc *component.Descriptor, binary []byte) (cache.Compiled, error) {
	cm, err := b.runtime.CompileModule(ctx, binary)
	if err != nil {
		return nil, fmt.Errorf("failed to compile module: %w", err)
	}
	if err := validateExports(cm, desc); err != nil {
		_ = cm.Close(ctx)
		return nil, err
	}
	return &compiledModule{module: cm}, nil
}

func validateExports(cm wazero.CompiledModule, desc *component.Descriptor) error {
	fns := cm.ExportedFunctions()

	alloc, ok := fns[component.AllocateExport]
	if !ok {
		return fmt.Errorf("module does not export %q", component.AllocateExport)
	}
	if len(alloc.ParamTypes()) != 1 || len(alloc.ResultTypes()) != 1 {
		return fmt.Errorf("export %q must take one argument and return one result", component.AllocateExport)
	}

	for _, name := range requiredEntries(desc) {
		def, ok := fns[name]
		if !ok {
			return fmt.Errorf("module does not export entry point %q", name)
		}
		if !isEntrySignature(def) {
			return fmt.Errorf("entry point %q must have signature (i64) -> i64", name)
		}
	}
	if desc.EntryPoints.Teardown != "" {
		if def, ok := fns[desc.EntryPoints.Teardown]; ok && !isEntrySignature(def) {
			return fmt.Errorf("entry point %q must have signature (i64) -> i64", desc.EntryPoints.Teardown)
		}
	}

	if _, ok := cm.ExportedMemories()["memory"]; !ok {
		return fmt.Errorf("module does not export memory")
	}
	return nil
}

func requiredEntries(desc *component.Descriptor) []string {
	if desc.IsContinuous() {
		return []string{
			entryOr(desc.EntryPoints.Setup, component.DefaultSetupExport),
			entryOr(desc.EntryPoints.Iterate, component.DefaultIterateExport),
		}
	}
	return []string{entryOr(desc.EntryPoints.Invoke, component.DefaultInvokeExport)}
}

func isEntrySignature(def api.FunctionDefinition) bool {
	params, results := def.ParamTypes(), def.ResultTypes()
	return len(params) == 1 && params[0] == api.ValueTypeI64 &&
		len(results) == 1 && results[0] == api.ValueTypeI64
}

func entryOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

// Instantiate creates a module instance carrying grant's capability context.
func (b *Backend) Instantiate(ctx context.Context, compiled cache.Compiled, desc *component.Descriptor, grant *capability.Grant) (cache.Instance, error) {
	cm, ok := compiled.(*compiledModule)
	if !ok {
		return nil, fmt.Errorf("compiled module of type %T does not belong to this backend", compiled)
	}

	pages := b.maxPages
	if granted, ok := grant.Requirements().MemoryPages(); ok && granted < pages {
		pages = granted
	}
	if def, ok := cm.module.ExportedMemories()["memory"]; ok && def.Min() > pages {
		return nil, fmt.Errorf("module needs %d memory pages, limit is %d", def.Min(), pages)
	}

	checker := &capabilityChecker{
		componentID:   desc.ID,
		grant:         grant,
		denialHandler: b.denialHandler,
	}
	state := &instanceState{
		componentID: desc.ID,
		checker:     checker,
		client: netutil.NewClient(netutil.ClientConfig{
			Allow:               checker.AllowHost,
			AllowPrivateNetwork: checker.AllowsPrivateNetwork(),
			Timeout:             b.httpTimeout,
			OnBlocked: func(addr, reason string) {
				checker.deny(context.Background(), string(capability.KindNetwork), addr, reason)
			},
		}),
	}

	name := fmt.Sprintf("%s#%d", desc.ID, b.seq.Add(1))
	modCfg := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions().
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader).
		WithFSConfig(b.fsConfig(grant))
	for k, v := range b.grantedEnv(grant) {
		modCfg = modCfg.WithEnv(k, v)
	}

	b.instances.Store(name, state)
	mod, err := b.runtime.InstantiateModule(ctx, cm.module, modCfg)
	if err != nil {
		b.instances.Delete(name)
		return nil, fmt.Errorf("failed to instantiate module: %w", err)
	}

	inst := &instance{module: mod, backend: b, pages: pages}
	if init := mod.ExportedFunction("_initialize"); init != nil {
		if _, err := init.Call(ctx); err != nil {
			_ = inst.Close(ctx)
			return nil, fmt.Errorf("failed to call _initialize: %w", err)
		}
	}
	return inst, nil
}

// fsConfig mounts the static base directory of every granted fs pattern.
// Write grants win over read grants on the same directory.
func (b *Backend) fsConfig(grant *capability.Grant) wazero.FSConfig {
	cfg := wazero.NewFSConfig()
	reqs := grant.Requirements()

	writable := make(map[string]bool)
	for _, req := range reqs.Of(capability.KindFSWrite) {
		writable[mountBase(req.Scope)] = true
	}
	for _, req := range reqs.Of(capability.KindFSRead) {
		base := mountBase(req.Scope)
		if !writable[base] && b.mountable(base) {
			cfg = cfg.WithReadOnlyDirMount(base, base)
		}
	}
	for base := range writable {
		if b.mountable(base) {
			cfg = cfg.WithDirMount(base, base)
		}
	}
	return cfg
}

func (b *Backend) mountable(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		b.logger.Debug("host: skipping mount of missing directory", "dir", dir)
		return false
	}
	return true
}

// mountBase returns the directory to mount for an fs scope. A literal
// directory mounts itself; a literal file or a glob mounts its static prefix.
func mountBase(scope string) string {
	base, pattern := doublestar.SplitPattern(scope)
	if !strings.ContainsAny(pattern, "*?[{") {
		if info, err := os.Stat(scope); err == nil && info.IsDir() {
			return scope
		}
	}
	return base
}

func (b *Backend) grantedEnv(grant *capability.Grant) map[string]string {
	reqs := grant.Requirements().Of(capability.KindEnv)
	if len(reqs) == 0 {
		return nil
	}
	env := make(map[string]string)
	for _, kv := range b.environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if reqs.Covers(capability.Requirement{Kind: capability.KindEnv, Scope: k}) {
			env[k] = v
		}
	}
	return env
}
