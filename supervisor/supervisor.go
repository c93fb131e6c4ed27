// Package supervisor drives continuous nodes through their lifecycle:
// setup, an iteration loop on its own goroutine, and a bounded stop that
// aborts a component which does not yield.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reglet-dev/reglet-graph/cache"
	"github.com/reglet-dev/reglet-graph/engine"
	"github.com/reglet-dev/reglet-graph/errdefs"
	"github.com/reglet-dev/reglet-graph/graph"
	"github.com/reglet-dev/reglet-graph/host"
	"github.com/reglet-dev/reglet-graph/telemetry"
)

// Defaults for Supervisor timing.
const (
	DefaultTickInterval     = 100 * time.Millisecond
	DefaultGracePeriod      = 2 * time.Second
	DefaultAbortPeriod      = time.Second
	DefaultMinRerunInterval = 250 * time.Millisecond
)

// RerunFunc re-executes the graph after a continuous node published new
// outputs. dirty lists the nodes those outputs invalidated.
type RerunFunc func(ctx context.Context, dirty []string)

// process is the supervised state of one node.
type process struct {
	handle *cache.Handle
	err    error
	cancel context.CancelFunc
	stop   chan struct{}
	done   chan struct{}
	state  State
}

// Supervisor is safe for concurrent use.
type Supervisor struct {
	graph    *graph.Graph
	cache    *cache.Cache
	invoker  *host.Invoker
	verifier engine.Verifier
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	observer StateObserver
	reruns   *coalescer
	nodes    map[string]*process

	tickInterval time.Duration
	gracePeriod  time.Duration
	abortPeriod  time.Duration
	minRerun     time.Duration
	rerun        RerunFunc

	mu sync.Mutex
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the supervisor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithStateObserver registers the lifecycle observer.
func WithStateObserver(o StateObserver) Option {
	return func(s *Supervisor) { s.observer = o }
}

// WithTickInterval sets the pause between iterations.
func WithTickInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithGracePeriod sets how long Stop waits for the loop to exit on its own.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.gracePeriod = d
		}
	}
}

// WithAbortPeriod sets how long Stop waits after aborting the instance.
func WithAbortPeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.abortPeriod = d
		}
	}
}

// WithMinRerunInterval bounds how often published outputs trigger a re-run.
func WithMinRerunInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d >= 0 {
			s.minRerun = d
		}
	}
}

// WithRerun sets the function re-running downstream nodes.
func WithRerun(fn RerunFunc) Option {
	return func(s *Supervisor) { s.rerun = fn }
}

// New creates a supervisor for the continuous nodes of g.
func New(g *graph.Graph, c *cache.Cache, invoker *host.Invoker, verifier engine.Verifier, opts ...Option) *Supervisor {
	s := &Supervisor{
		graph:        g,
		cache:        c,
		invoker:      invoker,
		verifier:     verifier,
		logger:       slog.Default(),
		nodes:        make(map[string]*process),
		tickInterval: DefaultTickInterval,
		gracePeriod:  DefaultGracePeriod,
		abortPeriod:  DefaultAbortPeriod,
		minRerun:     DefaultMinRerunInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reruns = newCoalescer(s.minRerun, s.runDownstream)
	return s
}

// State returns a node's lifecycle state. Unknown nodes are idle.
func (s *Supervisor) State(nodeID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.nodes[nodeID]; ok {
		return p.state
	}
	return StateIdle
}

// Err returns the error that moved a node to StateError.
func (s *Supervisor) Err(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.nodes[nodeID]; ok {
		return p.err
	}
	return nil
}

type notification struct {
	err      error
	nodeID   string
	from, to State
}

// transitionLocked moves p to state to and returns the notification to
// deliver once the lock is released.
func (s *Supervisor) transitionLocked(nodeID string, p *process, to State, err error) (notification, error) {
	if !CanTransition(p.state, to) {
		return notification{}, &TransitionError{NodeID: nodeID, From: p.state, To: to}
	}
	n := notification{nodeID: nodeID, from: p.state, to: to, err: err}
	p.state = to
	if to == StateError {
		p.err = err
	}
	return n, nil
}

func (s *Supervisor) notify(n notification) {
	if n.to == "" {
		return
	}
	s.metrics.Transition(string(n.to))
	logger := s.logger.With("node", n.nodeID, "from", n.from, "to", n.to)
	if n.err != nil {
		logger.Warn("continuous node failed", "error", n.err, "hint", errdefs.HintOf(n.err))
	} else {
		logger.Debug("continuous node state changed")
	}
	if s.observer != nil {
		s.observer.StateChanged(n.nodeID, n.from, n.to, n.err)
	}
}

// move applies a transition and delivers its notification.
func (s *Supervisor) move(nodeID string, p *process, to State, err error) error {
	s.mu.Lock()
	n, terr := s.transitionLocked(nodeID, p, to, err)
	s.mu.Unlock()
	if terr != nil {
		return terr
	}
	s.notify(n)
	return nil
}

// Start runs setup for a continuous node and, on success, starts its
// iteration loop. It returns once the node is Running or in Error.
func (s *Supervisor) Start(ctx context.Context, nodeID string) error {
	node, ok := s.graph.Node(nodeID)
	if !ok {
		return errdefs.NewGraphIntegrity(nodeID, "unknown node %q", nodeID)
	}
	if !node.Continuous {
		return fmt.Errorf("start %s: %w", nodeID, ErrNotContinuous)
	}

	s.mu.Lock()
	p, ok := s.nodes[nodeID]
	if !ok {
		p = &process{state: StateIdle}
		s.nodes[nodeID] = p
	}
	n, err := s.transitionLocked(nodeID, p, StateStarting, nil)
	if err == nil {
		p.err = nil
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(n)

	h, err := s.setup(ctx, node)
	if err != nil {
		serr := &errdefs.SupervisorError{NodeID: nodeID, Phase: "setup", Err: err}
		_ = s.move(nodeID, p, StateError, serr)
		return serr
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop, done := make(chan struct{}), make(chan struct{})
	s.mu.Lock()
	p.handle = h
	p.cancel = cancel
	p.stop = stop
	p.done = done
	s.mu.Unlock()

	if err := s.move(nodeID, p, StateRunning, nil); err != nil {
		cancel()
		h.Release()
		return err
	}
	go s.loop(loopCtx, nodeID, p, h, stop, done)
	return nil
}

func (s *Supervisor) setup(ctx context.Context, node graph.Node) (*cache.Handle, error) {
	if err := s.verifier.Verify(node.Grant, node.Descriptor); err != nil {
		return nil, err
	}
	inputs, err := s.graph.ResolveInputs(node.ID)
	if err != nil {
		return nil, err
	}
	h, err := s.cache.Acquire(ctx, node.Descriptor, node.Grant)
	if err != nil {
		return nil, err
	}
	ctx = host.WithCallContext(ctx, host.CallContext{Node: node.ID})
	if err := s.invoker.Setup(ctx, h, inputs); err != nil {
		h.Poison()
		h.Release()
		return nil, err
	}
	return h, nil
}

// loop iterates until stopped, cancelled or failed. A progress tick
// publishes outputs to the graph and requests a downstream re-run. The
// channels belong to this start of the node; a restart allocates new ones.
func (s *Supervisor) loop(ctx context.Context, nodeID string, p *process, h *cache.Handle, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ctx = host.WithCallContext(ctx, host.CallContext{Node: nodeID})
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		tick, err := s.invoker.Iterate(ctx, h)
		if err != nil {
			if ctx.Err() != nil || stopping(stop) {
				return
			}
			if host.IsRecoverable(err) {
				s.logger.Warn("iteration reported an error", "node", nodeID, "error", err)
			} else {
				s.fail(nodeID, p, err)
				return
			}
		} else if tick.Progress && ctx.Err() == nil {
			dirty, err := s.graph.PublishOutputs(nodeID, tick.Outputs)
			if err != nil {
				s.fail(nodeID, p, err)
				return
			}
			if len(dirty) > 0 {
				s.reruns.request(dirty)
			}
		}

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func stopping(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// fail moves a running node to Error and releases its instance. A node
// already stopping is left to Stop.
func (s *Supervisor) fail(nodeID string, p *process, cause error) {
	serr := &errdefs.SupervisorError{NodeID: nodeID, Phase: "iterate", Err: cause}

	s.mu.Lock()
	if p.state != StateRunning {
		s.mu.Unlock()
		return
	}
	n, _ := s.transitionLocked(nodeID, p, StateError, serr)
	h := p.handle
	p.handle = nil
	cancel := p.cancel
	s.mu.Unlock()

	cancel()
	h.Poison()
	h.Release()
	s.notify(n)
}

// Stop ends a running node. The loop gets GracePeriod to exit on its own;
// after that the instance is aborted and the loop gets AbortPeriod more.
// The node is Stopped when Stop returns, whether or not the component
// ever yielded.
func (s *Supervisor) Stop(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	p, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return &TransitionError{NodeID: nodeID, From: StateIdle, To: StateStopping}
	}
	n, err := s.transitionLocked(nodeID, p, StateStopping, nil)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	close(p.stop)
	h, cancel, done := p.handle, p.cancel, p.done
	p.handle = nil
	s.mu.Unlock()
	s.notify(n)

	logger := s.logger.With("node", nodeID)
	clean := wait(ctx, done, s.gracePeriod)
	if clean {
		s.teardown(ctx, nodeID, h)
	} else {
		logger.Warn("iteration did not return within the grace period, aborting", "grace", s.gracePeriod)
		cancel()
		h.Abort(ctx)
		if !wait(ctx, done, s.abortPeriod) {
			logger.Error("iteration did not return after abort", "abort_period", s.abortPeriod)
		}
	}
	cancel()
	h.Release()

	return s.move(nodeID, p, StateStopped, nil)
}

// teardown runs the optional teardown entry point; a failing teardown
// poisons the instance.
func (s *Supervisor) teardown(ctx context.Context, nodeID string, h *cache.Handle) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.abortPeriod)
	defer cancel()
	ctx = host.WithCallContext(ctx, host.CallContext{Node: nodeID})
	if err := s.invoker.Teardown(ctx, h); err != nil {
		s.logger.Warn("teardown failed", "node", nodeID, "error", err)
		h.Poison()
	}
}

func wait(ctx context.Context, done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Reset returns a node in Error or Stopped to Idle.
func (s *Supervisor) Reset(nodeID string) error {
	s.mu.Lock()
	p, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return &TransitionError{NodeID: nodeID, From: StateIdle, To: StateIdle}
	}
	n, err := s.transitionLocked(nodeID, p, StateIdle, nil)
	if err == nil {
		p.err = nil
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(n)
	return nil
}

// Running returns the nodes currently running, in graph insertion order.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, id := range s.graph.NodeIDs() {
		if p, ok := s.nodes[id]; ok && p.state == StateRunning {
			ids = append(ids, id)
		}
	}
	return ids
}

// Close stops every running node and waits for pending re-runs.
func (s *Supervisor) Close(ctx context.Context) error {
	var errs []error
	for _, id := range s.Running() {
		if err := s.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	s.reruns.close()
	return errors.Join(errs...)
}

func (s *Supervisor) runDownstream(dirty []string) {
	if s.rerun == nil {
		return
	}
	s.metrics.Rerun()
	s.logger.Debug("re-running downstream nodes", "dirty", dirty)
	s.rerun(context.Background(), dirty)
}
