package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reglet-dev/reglet-graph/cache"
	"github.com/reglet-dev/reglet-graph/capability"
	"github.com/reglet-dev/reglet-graph/capability/gatekeeper"
	"github.com/reglet-dev/reglet-graph/capability/grantstore"
	"github.com/reglet-dev/reglet-graph/component"
	"github.com/reglet-dev/reglet-graph/component/repository"
	"github.com/reglet-dev/reglet-graph/config"
	"github.com/reglet-dev/reglet-graph/engine"
	"github.com/reglet-dev/reglet-graph/errdefs"
	"github.com/reglet-dev/reglet-graph/graph"
	"github.com/reglet-dev/reglet-graph/host"
	"github.com/reglet-dev/reglet-graph/netutil"
	"github.com/reglet-dev/reglet-graph/telemetry"
)

// vmBackend is the virtual machine the cache compiles and instantiates on.
type vmBackend interface {
	cache.Backend
	Close(ctx context.Context) error
}

// newBackend builds the wazero backend; tests swap in an in-process one.
var newBackend = func(ctx context.Context, cfg *config.Config, logger *slog.Logger, sink host.LogSink) (vmBackend, error) {
	return host.NewBackend(ctx,
		host.WithLogger(logger),
		host.WithLogSink(sink),
		host.WithCompilationCacheDir(cfg.Host.CompilationCacheDir),
		host.WithMaxMemoryPages(cfg.Host.MaxMemoryPages),
		host.WithHTTPTimeout(cfg.Host.HTTPTimeout.D()),
		host.WithMaxHTTPBody(cfg.Host.MaxHTTPBody),
		host.WithDenialHandler(logDenial(logger)),
	)
}

// logDenial reports runtime capability denials with credentials stripped
// from the target.
func logDenial(logger *slog.Logger) host.DenialHandler {
	return func(ctx context.Context, componentID, kind, target, message string) {
		logger.WarnContext(ctx, "capability denied", "component", componentID, "kind", kind, "target", netutil.StripCredentials(target), "reason", message)
	}
}

// app holds the wired runtime shared by the subcommands.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	registry   *component.Registry
	repo       *repository.FSRepository
	model      *capability.Model
	gatekeeper *gatekeeper.Gatekeeper
	sink       *host.AsyncSink
	backend    vmBackend
	cache      *cache.Cache
	invoker    *host.Invoker
	engine     *engine.Engine
	server     *http.Server
}

func newLogger(c config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(c.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Format)
	}
}

// newRepository opens the component repository without starting a VM.
func newRepository(cfg *config.Config, logger *slog.Logger) (*repository.FSRepository, error) {
	return repository.NewFSRepository(cfg.Components.Root, repository.WithLogger(logger))
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = telemetry.New(promReg)
	if cfg.Metrics.Listen != "" {
		a.serveMetrics(promReg)
	}

	a.registry = component.NewRegistry(component.WithLogger(logger))
	if a.repo, err = newRepository(cfg, logger); err != nil {
		return nil, err
	}
	n, err := a.repo.LoadInto(ctx, a.registry)
	if err != nil {
		return nil, err
	}
	logger.Debug("components loaded", "count", n, "root", a.repo.Root())

	level, err := gatekeeper.ParseSecurityLevel(cfg.Grants.SecurityLevel)
	if err != nil {
		return nil, err
	}
	var approver capability.Approver = gatekeeper.NewTerminalApprover()
	if !cfg.Grants.Interactive {
		approver = gatekeeper.NewStaticApprover(false)
	}
	a.model = capability.NewModel()
	a.gatekeeper = gatekeeper.NewGatekeeper(a.model,
		gatekeeper.WithStore(grantstore.NewFileStore(grantstore.WithPath(cfg.Grants.Path))),
		gatekeeper.WithApprover(approver),
		gatekeeper.WithSecurityLevel(level),
		gatekeeper.WithLogger(logger),
	)

	a.sink = host.NewAsyncSink(host.SlogSink{Logger: logger.With("source", "guest")}, cfg.Host.LogBuffer, a.metrics)
	a.backend, err = newBackend(ctx, cfg, logger, a.sink)
	if err != nil {
		a.sink.Close()
		return nil, err
	}

	a.cache = cache.New(a.backend, a.registry,
		cache.WithLogger(logger),
		cache.WithMetrics(a.metrics),
		cache.WithMaxInstances(cfg.Cache.MaxInstances),
	)
	a.registry.OnChange(func(id string, old component.Digest) {
		logger.Info("component replaced, dropping compiled code", "component", id, "previous", old.String())
		a.cache.InvalidateComponent(context.Background(), id)
	})

	a.invoker = host.NewInvoker(
		host.WithInvokerLogger(logger),
		host.WithInvokerMetrics(a.metrics),
		host.WithTimeout(cfg.Host.Timeout.D()),
	)
	a.engine = engine.New(a.cache, a.invoker, a.model,
		engine.WithLogger(logger),
		engine.WithMetrics(a.metrics),
		engine.WithMaxConcurrency(cfg.Engine.MaxConcurrency),
	)
	return a, nil
}

func (a *app) serveMetrics(reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	a.server = &http.Server{
		Addr:              a.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("metrics server starting", "address", a.cfg.Metrics.Listen)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// loadGraph decodes a graph file against the loaded components.
func (a *app) loadGraph(path string) (*graph.Graph, error) {
	return readGraph(path, a.registry)
}

func readGraph(path string, resolver graph.DescriptorResolver) (*graph.Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return graph.Decode(f, resolver)
}

func writeGraph(path string, g *graph.Graph) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := graph.Encode(f, g); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// approveGrants obtains a grant for every node, reusing the grant stored
// with the graph while it still covers the component's requirements. A
// node whose approval fails keeps its previous grant (possibly none); the
// engine then reports it as denied and skips only its dependents.
func (a *app) approveGrants(ctx context.Context, g *graph.Graph) error {
	for _, id := range g.NodeIDs() {
		n, _ := g.Node(id)
		grant, err := a.gatekeeper.Approve(ctx, n.Descriptor, n.Grant)
		if err != nil {
			a.logger.Warn("capability approval failed", "node", id, "component", n.Descriptor.ID, "error", err, "hint", errdefs.HintOf(err))
			continue
		}
		if grant != n.Grant {
			if err := g.SetGrant(id, grant); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		errs = append(errs, a.server.Shutdown(shutdownCtx))
		cancel()
	}
	errs = append(errs, a.cache.Close(ctx), a.backend.Close(ctx))
	a.sink.Close()
	return errors.Join(errs...)
}

// printErr writes err with its remediation hint when one is known.
func printErr(w io.Writer, prefix string, err error) {
	fmt.Fprintf(w, "%s%v\n", prefix, err)
	if hint := errdefs.HintOf(err); hint != "" {
		fmt.Fprintf(w, "%s  hint: %s\n", prefix, hint)
	}
}
