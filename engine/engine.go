// Package engine executes component graphs. Nodes run after every node they
// depend on, independent branches run concurrently, and only dirty nodes are
// invoked: the rest report their last outputs.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/reglet-dev/reglet-graph/cache"
	"github.com/reglet-dev/reglet-graph/capability"
	"github.com/reglet-dev/reglet-graph/component"
	"github.com/reglet-dev/reglet-graph/errdefs"
	"github.com/reglet-dev/reglet-graph/graph"
	"github.com/reglet-dev/reglet-graph/host"
	"github.com/reglet-dev/reglet-graph/telemetry"
	"github.com/reglet-dev/reglet-graph/value"
)

// DefaultMaxConcurrency bounds concurrent node invocations.
const DefaultMaxConcurrency = 4

// Verifier checks that a grant may be used with a component.
// *capability.Model satisfies it.
type Verifier interface {
	Verify(grant *capability.Grant, desc *component.Descriptor) error
}

// Observer receives node notifications. NodeStarted is called from worker
// goroutines and NodeFinished from the goroutine coordinating the run, so
// implementations must be safe for concurrent use.
type Observer interface {
	NodeStarted(runID, nodeID string)
	NodeFinished(runID string, result Result)
}

// Engine runs graphs. It is safe for concurrent use, but two runs over the
// same graph must not overlap.
type Engine struct {
	cache          *cache.Cache
	invoker        *host.Invoker
	verifier       Verifier
	logger         *slog.Logger
	metrics        *telemetry.Metrics
	observer       Observer
	now            func() time.Time
	maxConcurrency int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithObserver registers the observer notified of node progress.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithMaxConcurrency bounds how many nodes are invoked at once.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxConcurrency = n
		}
	}
}

// WithClock overrides the result timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine invoking components through c and invoker.
func New(c *cache.Cache, invoker *host.Invoker, verifier Verifier, opts ...Option) *Engine {
	e := &Engine{
		cache:          c,
		invoker:        invoker,
		verifier:       verifier,
		logger:         slog.Default(),
		now:            time.Now,
		maxConcurrency: DefaultMaxConcurrency,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes every sink of g and whatever they depend on. Nodes listed in
// dirty are marked dirty, with their descendants, before planning.
func (e *Engine) Run(ctx context.Context, g *graph.Graph, dirty ...string) (*Report, error) {
	return e.RunTargets(ctx, g, nil, dirty...)
}

// RunTargets executes targets and their ancestors; no targets means all sinks.
//
// A structurally invalid graph fails before anything runs. Node failures do
// not fail the run: they are recorded on the node's Result and its
// descendants are skipped. The returned error is non-nil only for integrity
// problems or when ctx ends the run early.
func (e *Engine) RunTargets(ctx context.Context, g *graph.Graph, targets []string, dirty ...string) (*Report, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if err := g.MarkDirty(dirty...); err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		targets = g.Sinks()
	}
	p, err := buildPlan(g, targets)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger := e.logger.With("run_id", runID)
	e.metrics.Run()
	report := newReport(runID, e.now(), p.order)
	logger.Info("run started", "nodes", len(p.order), "dirty", len(g.Dirty()))

	r := &run{
		engine: e,
		graph:  g,
		plan:   p,
		report: report,
		logger: logger,
		ids:    g.NodeIDs(),
	}
	runErr := r.execute(ctx)
	report.Finished = e.now()

	logger.Info("run finished", "summary", report.Summary(), "duration", report.Finished.Sub(report.Started))
	return report, runErr
}

// run is the state of one RunTargets call. Only the coordinating goroutine
// touches it; workers report back over done.
type run struct {
	engine *Engine
	graph  *graph.Graph
	plan   *plan
	report *Report
	logger *slog.Logger
	ids    []string
}

// execute schedules plan nodes by dependency counting. Ready nodes are
// dispatched lowest insertion index first.
func (r *run) execute(ctx context.Context) error {
	pending := make(map[string]int, len(r.plan.order))
	blockedBy := make(map[string]string)
	ready := roaring.New()
	for _, id := range r.plan.order {
		pending[id] = len(r.plan.preds[id])
		if pending[id] == 0 {
			ready.Add(r.indexOf(id))
		}
	}

	var eg errgroup.Group
	eg.SetLimit(r.engine.maxConcurrency)
	done := make(chan Result, len(r.plan.order))
	remaining := len(r.plan.order)
	inflight := 0

	finish := func(res Result) {
		r.record(res)
		remaining--
		for _, succ := range r.plan.succs[res.NodeID] {
			if res.Status == StatusFailed || res.Status == StatusSkipped {
				if _, ok := blockedBy[succ]; !ok {
					blockedBy[succ] = res.NodeID
				}
			}
			pending[succ]--
			if pending[succ] == 0 {
				ready.Add(r.indexOf(succ))
			}
		}
	}

	for remaining > 0 {
		for !ready.IsEmpty() {
			idx := ready.Minimum()
			ready.Remove(idx)
			id := r.nodeAt(idx)

			if upstream, ok := blockedBy[id]; ok {
				finish(r.skipped(id, fmt.Sprintf("upstream node %s did not produce outputs", upstream)))
				continue
			}
			if ctx.Err() != nil {
				finish(r.skipped(id, "run canceled"))
				continue
			}

			inflight++
			eg.Go(func() error {
				done <- r.runNode(ctx, id)
				return nil
			})
		}
		if inflight == 0 {
			break
		}
		res := <-done
		inflight--
		finish(res)
	}

	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run %s interrupted: %w", r.report.RunID, err)
	}
	return nil
}

func (r *run) indexOf(id string) uint32 {
	idx, _ := r.graph.Index(id)
	return uint32(idx)
}

func (r *run) nodeAt(idx uint32) string {
	return r.ids[idx]
}

func (r *run) record(res Result) {
	r.report.Results[r.report.index[res.NodeID]] = res
	r.engine.metrics.NodeResult(string(res.Status))

	attrs := []any{"node", res.NodeID, "status", res.Status}
	switch res.Status {
	case StatusFailed:
		r.logger.Warn("node failed", append(attrs, "error", res.Err, "hint", errdefs.HintOf(res.Err))...)
	case StatusSkipped:
		r.logger.Debug("node skipped", append(attrs, "reason", res.Reason)...)
	default:
		r.logger.Debug("node finished", append(attrs, "duration", res.Duration())...)
	}
	if r.engine.observer != nil {
		r.engine.observer.NodeFinished(r.report.RunID, res)
	}
}

func (r *run) skipped(id, reason string) Result {
	now := r.engine.now()
	return Result{NodeID: id, Status: StatusSkipped, Reason: reason, Started: now, Finished: now}
}

// runNode executes one node. Cancelling ctx aborts an invocation in flight.
func (r *run) runNode(ctx context.Context, id string) Result {
	res := Result{NodeID: id, Started: r.engine.now()}

	n, ok := r.graph.Node(id)
	if !ok {
		res.Status = StatusFailed
		res.Err = errdefs.NewGraphIntegrity(id, "node %s disappeared during the run", id)
		res.Finished = r.engine.now()
		return res
	}

	if n.Continuous {
		res.Finished = r.engine.now()
		if !n.Computed {
			res.Status = StatusSkipped
			res.Reason = "continuous node has not produced outputs yet"
			return res
		}
		res.Status = StatusCached
		res.Outputs = n.Outputs
		return res
	}
	if n.Computed && !n.Dirty {
		res.Status = StatusCached
		res.Outputs = n.Outputs
		res.Finished = r.engine.now()
		return res
	}

	if r.engine.observer != nil {
		r.engine.observer.NodeStarted(r.report.RunID, id)
	}
	outputs, err := r.invoke(ctx, n)
	res.Finished = r.engine.now()
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		return res
	}
	cleared, err := r.graph.StoreOutputsAt(id, n.Generation, outputs)
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		return res
	}
	if !cleared {
		r.logger.Debug("inputs changed during invocation, node stays dirty", "node", id)
	}
	res.Status = StatusSucceeded
	res.Outputs = outputs
	return res
}

func (r *run) invoke(ctx context.Context, n graph.Node) ([]value.Named, error) {
	if err := r.engine.verifier.Verify(n.Grant, n.Descriptor); err != nil {
		return nil, err
	}
	inputs, err := r.graph.ResolveInputs(n.ID)
	if err != nil {
		return nil, err
	}

	h, err := r.engine.cache.Acquire(ctx, n.Descriptor, n.Grant)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	ctx = host.WithCallContext(ctx, host.CallContext{Node: n.ID})
	return r.engine.invoker.Invoke(ctx, h, inputs)
}
