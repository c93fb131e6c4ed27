package engine_test

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-graph/cache"
	"github.com/reglet-dev/reglet-graph/capability"
	"github.com/reglet-dev/reglet-graph/component"
	"github.com/reglet-dev/reglet-graph/engine"
	"github.com/reglet-dev/reglet-graph/errdefs"
	"github.com/reglet-dev/reglet-graph/graph"
	"github.com/reglet-dev/reglet-graph/host"
	"github.com/reglet-dev/reglet-graph/internal/fakevm"
	"github.com/reglet-dev/reglet-graph/value"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// calls counts invocations per node.
type calls struct {
	order []string
	count map[string]int
	mu    sync.Mutex
}

func (c *calls) add(node string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == nil {
		c.count = make(map[string]int)
	}
	c.count[node]++
	c.order = append(c.order, node)
}

func (c *calls) of(node string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count[node]
}

func (c *calls) sequence() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

type fixture struct {
	vm       *fakevm.Backend
	registry *component.Registry
	model    *capability.Model
	engine   *engine.Engine
	calls    *calls
	descs    map[string]*component.Descriptor
}

func newFixture(t *testing.T, opts ...engine.Option) *fixture {
	t.Helper()
	f := &fixture{
		vm:       fakevm.New(),
		registry: component.NewRegistry(component.WithLogger(discard())),
		model:    capability.NewModel(),
		calls:    &calls{},
		descs:    make(map[string]*component.Descriptor),
	}
	c := cache.New(f.vm, f.registry, cache.WithLogger(discard()))
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	invoker := host.NewInvoker(host.WithInvokerLogger(discard()), host.WithTimeout(5*time.Second))
	opts = append([]engine.Option{engine.WithLogger(discard())}, opts...)
	f.engine = engine.New(c, invoker, f.model, opts...)

	f.register(t, &component.Descriptor{
		ID:      "const",
		Version: "1.0.0",
		Inputs:  []component.PortSpec{{Name: "value", Type: value.KindU64}},
		Outputs: []component.PortSpec{{Name: "out", Type: value.KindU64}},
	}, fakevm.Component{Invoke: func(_ context.Context, call fakevm.Call) ([]value.Named, error) {
		f.calls.add(call.Context.Node)
		time.Sleep(time.Millisecond)
		return []value.Named{{Name: "out", Value: call.Input("value")}}, nil
	}})
	f.register(t, &component.Descriptor{
		ID:      "add",
		Version: "1.0.0",
		Inputs: []component.PortSpec{
			{Name: "a", Type: value.KindU64},
			{Name: "b", Type: value.KindU64, Default: value.U64(0)},
		},
		Outputs: []component.PortSpec{{Name: "sum", Type: value.KindU64}},
	}, fakevm.Component{Invoke: func(_ context.Context, call fakevm.Call) ([]value.Named, error) {
		f.calls.add(call.Context.Node)
		a, _ := call.Input("a").(value.U64)
		b, _ := call.Input("b").(value.U64)
		return []value.Named{{Name: "sum", Value: a + b}}, nil
	}})
	f.register(t, &component.Descriptor{
		ID:      "fail",
		Version: "1.0.0",
		Outputs: []component.PortSpec{{Name: "out", Type: value.KindU64}},
	}, fakevm.Component{Invoke: func(_ context.Context, call fakevm.Call) ([]value.Named, error) {
		f.calls.add(call.Context.Node)
		return nil, &host.GuestError{Message: "upstream service unavailable", Hint: "retry later"}
	}})
	f.register(t, &component.Descriptor{
		ID:           "fetch",
		Version:      "1.0.0",
		Inputs:       []component.PortSpec{{Name: "url", Type: value.KindString}},
		Outputs:      []component.PortSpec{{Name: "status", Type: value.KindU64}},
		Capabilities: []string{"network:example.com"},
	}, fakevm.Component{Invoke: func(_ context.Context, call fakevm.Call) ([]value.Named, error) {
		f.calls.add(call.Context.Node)
		raw, _ := call.Input("url").(value.String)
		u, err := url.Parse(string(raw))
		if err != nil {
			return nil, &host.GuestError{Message: err.Error(), Input: "url"}
		}
		if !call.Grant.Allows(capability.Requirement{Kind: capability.KindNetwork, Scope: u.Hostname()}) {
			return nil, &host.GuestError{
				Message: "host " + u.Hostname() + " is not granted",
				Input:   "url",
				Hint:    "request network access to " + u.Hostname(),
			}
		}
		return []value.Named{{Name: "status", Value: value.U64(200)}}, nil
	}})
	f.register(t, &component.Descriptor{
		ID:        "ticker",
		Version:   "1.0.0",
		Lifecycle: component.LifecycleContinuous,
		Outputs:   []component.PortSpec{{Name: "count", Type: value.KindU64}},
	}, fakevm.Component{})
	return f
}

func (f *fixture) register(t *testing.T, desc *component.Descriptor, impl fakevm.Component) {
	t.Helper()
	f.vm.Register(desc.ID, impl)
	registered, err := f.registry.Register(desc, []byte(desc.ID))
	require.NoError(t, err)
	_, err = f.model.Declare(registered)
	require.NoError(t, err)
	f.descs[desc.ID] = registered
}

func (f *fixture) grant(t *testing.T, componentID string, reqs ...string) *capability.Grant {
	t.Helper()
	requested, err := capability.ParseRequirements(reqs)
	require.NoError(t, err)
	g, err := f.model.Grant(componentID, requested)
	require.NoError(t, err)
	return g
}

func (f *fixture) node(t *testing.T, g *graph.Graph, id, componentID string, opts ...graph.NodeOption) {
	t.Helper()
	require.NoError(t, g.AddNode(id, f.descs[componentID], opts...))
}

func connect(t *testing.T, g *graph.Graph, from, fromPort, to, toPort string) {
	t.Helper()
	require.NoError(t, g.AddEdge(graph.Port{Node: from, Port: fromPort}, graph.Port{Node: to, Port: toPort}))
}

func output(t *testing.T, report *engine.Report, node, port string) value.Value {
	t.Helper()
	res, ok := report.Result(node)
	require.True(t, ok, "no result for %s", node)
	v, ok := value.Lookup(res.Outputs, port)
	require.True(t, ok, "%s has no output %s", node, port)
	return v
}

func status(t *testing.T, report *engine.Report, node string) engine.Status {
	t.Helper()
	res, ok := report.Result(node)
	require.True(t, ok, "no result for %s", node)
	return res.Status
}

func sumGraph(t *testing.T, f *fixture) *graph.Graph {
	t.Helper()
	g := graph.New()
	f.node(t, g, "A", "const")
	f.node(t, g, "B", "const")
	f.node(t, g, "C", "add")
	require.NoError(t, g.SetInput("A", "value", value.U64(2)))
	require.NoError(t, g.SetInput("B", "value", value.U64(3)))
	connect(t, g, "A", "out", "C", "a")
	connect(t, g, "B", "out", "C", "b")
	return g
}

func TestEngine_IncrementalSum(t *testing.T) {
	f := newFixture(t)
	g := sumGraph(t, f)

	report, err := f.engine.Run(context.Background(), g)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Equal(t, value.U64(5), output(t, report, "C", "sum"))
	assert.Equal(t, 3, report.Count(engine.StatusSucceeded))
	assert.NotEmpty(t, report.RunID)

	require.NoError(t, g.SetInput("A", "value", value.U64(10)))
	report, err = f.engine.Run(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, value.U64(13), output(t, report, "C", "sum"))
	assert.Equal(t, engine.StatusCached, status(t, report, "B"))
	assert.Equal(t, engine.StatusSucceeded, status(t, report, "A"))
	assert.Equal(t, 1, f.calls.of("B"))
	assert.Equal(t, 2, f.calls.of("A"))
	assert.Equal(t, 2, f.calls.of("C"))
}

func TestEngine_RerunWithoutChangesInvokesNothing(t *testing.T) {
	f := newFixture(t)
	g := sumGraph(t, f)

	first, err := f.engine.Run(context.Background(), g)
	require.NoError(t, err)
	calls := f.vm.Calls()

	second, err := f.engine.Run(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, calls, f.vm.Calls())
	assert.Equal(t, 3, second.Count(engine.StatusCached))
	for _, id := range []string{"A", "B", "C"} {
		a, _ := first.Result(id)
		b, _ := second.Result(id)
		assert.Equal(t, a.Outputs, b.Outputs, id)
	}
	assert.Equal(t, "3 cached", second.Summary())
}

func TestEngine_ExplicitDirtyReinvokes(t *testing.T) {
	f := newFixture(t)
	g := sumGraph(t, f)

	_, err := f.engine.Run(context.Background(), g)
	require.NoError(t, err)
	report, err := f.engine.Run(context.Background(), g, "B")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCached, status(t, report, "A"))
	assert.Equal(t, engine.StatusSucceeded, status(t, report, "B"))
	assert.Equal(t, engine.StatusSucceeded, status(t, report, "C"))
}

func TestEngine_RespectsDependencies(t *testing.T) {
	f := newFixture(t, engine.WithMaxConcurrency(8))
	g := graph.New()
	// two diamonds sharing nothing: A -> {B, C} -> D, E -> F
	for _, id := range []string{"A", "B", "C", "E", "F"} {
		f.node(t, g, id, "const")
	}
	f.node(t, g, "D", "add")
	require.NoError(t, g.SetInput("A", "value", value.U64(1)))
	require.NoError(t, g.SetInput("E", "value", value.U64(7)))
	connect(t, g, "A", "out", "B", "value")
	connect(t, g, "A", "out", "C", "value")
	connect(t, g, "B", "out", "D", "a")
	connect(t, g, "C", "out", "D", "b")
	connect(t, g, "E", "out", "F", "value")

	report, err := f.engine.Run(context.Background(), g)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Equal(t, value.U64(2), output(t, report, "D", "sum"))
	assert.Equal(t, value.U64(7), output(t, report, "F", "out"))

	for _, e := range g.Edges() {
		from, _ := report.Result(e.From.Node)
		to, _ := report.Result(e.To.Node)
		assert.False(t, to.Started.Before(from.Finished), "%s started before %s finished", e.To.Node, e.From.Node)
	}
}

func TestEngine_DispatchFollowsInsertionOrder(t *testing.T) {
	f := newFixture(t, engine.WithMaxConcurrency(1))
	g := graph.New()
	for _, id := range []string{"n3", "n1", "n2"} {
		f.node(t, g, id, "const")
		require.NoError(t, g.SetInput(id, "value", value.U64(1)))
	}

	for range 3 {
		f.calls = &calls{}
		_, err := f.engine.Run(context.Background(), g, "n3", "n1", "n2")
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"n3", "n1", "n2"}, f.calls.sequence())
}

func TestEngine_FailureSkipsOnlyDependents(t *testing.T) {
	f := newFixture(t)
	g := graph.New()
	f.node(t, g, "bad", "fail")
	f.node(t, g, "after", "add")
	f.node(t, g, "last", "const")
	f.node(t, g, "other", "const")
	require.NoError(t, g.SetInput("other", "value", value.U64(4)))
	connect(t, g, "bad", "out", "after", "a")
	connect(t, g, "after", "sum", "last", "value")

	report, err := f.engine.Run(context.Background(), g)
	require.NoError(t, err, "node failures do not fail the run")

	bad, _ := report.Result("bad")
	assert.Equal(t, engine.StatusFailed, bad.Status)
	assert.ErrorIs(t, bad.Err, errdefs.ErrExecution)
	assert.Equal(t, "retry later", errdefs.HintOf(bad.Err))

	after, _ := report.Result("after")
	assert.Equal(t, engine.StatusSkipped, after.Status)
	assert.Contains(t, after.Reason, "bad")
	assert.Equal(t, engine.StatusSkipped, status(t, report, "last"))
	assert.Equal(t, engine.StatusSucceeded, status(t, report, "other"))
	assert.Zero(t, f.calls.of("after"))

	require.Error(t, report.Err())
	assert.Contains(t, report.Err().Error(), "node bad")
	assert.True(t, g.IsDirty("after"))
}

func TestEngine_CapabilityDenied(t *testing.T) {
	f := newFixture(t)
	g := graph.New()
	f.node(t, g, "fetch", "fetch")
	require.NoError(t, g.SetInput("fetch", "url", value.String("https://example.com/")))

	report, err := f.engine.Run(context.Background(), g)
	require.NoError(t, err)
	res, _ := report.Result("fetch")
	assert.Equal(t, engine.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, errdefs.ErrCapabilityDenied)
	assert.Contains(t, res.Err.Error(), "network:example.com")
	assert.Zero(t, f.vm.Instantiations())
}

func TestEngine_PerCallTargetsAreCheckedByTheComponent(t *testing.T) {
	f := newFixture(t)
	g := graph.New()
	grant := f.grant(t, "fetch", "network:example.com")
	f.node(t, g, "ok", "fetch", graph.WithGrant(grant))
	f.node(t, g, "other", "fetch", graph.WithGrant(grant))
	require.NoError(t, g.SetInput("ok", "url", value.String("https://example.com/status")))
	require.NoError(t, g.SetInput("other", "url", value.String("https://other.org/")))

	report, err := f.engine.Run(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, value.U64(200), output(t, report, "ok", "status"))

	res, _ := report.Result("other")
	require.Equal(t, engine.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, errdefs.ErrExecution)
	assert.NotErrorIs(t, res.Err, errdefs.ErrCapabilityDenied)
	var execErr *errdefs.ExecutionError
	require.ErrorAs(t, res.Err, &execErr)
	assert.Equal(t, "url", execErr.Input)
	assert.Contains(t, execErr.Message, "other.org")
}

func TestEngine_InvalidGraphRunsNothing(t *testing.T) {
	f := newFixture(t)
	g := graph.New()
	f.node(t, g, "A", "const")

	report, err := f.engine.Run(context.Background(), g)
	require.Error(t, err)
	assert.Nil(t, report)
	assert.ErrorIs(t, err, errdefs.ErrGraphIntegrity)
	assert.Zero(t, f.vm.Calls())

	_, err = f.engine.RunTargets(context.Background(), sumGraph(t, f), []string{"missing"})
	assert.ErrorIs(t, err, errdefs.ErrGraphIntegrity)
}

func TestEngine_RunTargetsCoversAncestorsOnly(t *testing.T) {
	f := newFixture(t)
	g := sumGraph(t, f)
	f.node(t, g, "D", "const")
	require.NoError(t, g.SetInput("D", "value", value.U64(1)))

	report, err := f.engine.RunTargets(context.Background(), g, []string{"C"})
	require.NoError(t, err)
	assert.Len(t, report.Results, 3)
	_, ok := report.Result("D")
	assert.False(t, ok)
	assert.Zero(t, f.calls.of("D"))
	assert.True(t, g.IsDirty("D"))
}

func TestEngine_ContinuousNodesAreNotInvoked(t *testing.T) {
	f := newFixture(t)
	g := graph.New()
	f.node(t, g, "tick", "ticker")
	f.node(t, g, "sum", "add")
	connect(t, g, "tick", "count", "sum", "a")

	report, err := f.engine.Run(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusSkipped, status(t, report, "tick"))
	assert.Equal(t, engine.StatusSkipped, status(t, report, "sum"))
	assert.Zero(t, f.vm.Calls())

	_, err = g.PublishOutputs("tick", []value.Named{{Name: "count", Value: value.U64(3)}})
	require.NoError(t, err)
	report, err = f.engine.Run(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCached, status(t, report, "tick"))
	assert.Equal(t, value.U64(3), output(t, report, "sum", "sum"))
	assert.Equal(t, 1, f.vm.Calls())
}

type recordingObserver struct {
	started  []string
	finished []engine.Result
	mu       sync.Mutex
}

func (o *recordingObserver) NodeStarted(_, nodeID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, nodeID)
}

func (o *recordingObserver) NodeFinished(_ string, res engine.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, res)
}

func TestEngine_NotifiesObserver(t *testing.T) {
	obs := &recordingObserver{}
	f := newFixture(t, engine.WithObserver(obs))
	g := sumGraph(t, f)

	_, err := f.engine.Run(context.Background(), g)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, obs.started)
	require.Len(t, obs.finished, 3)
	assert.Equal(t, "C", obs.finished[2].NodeID)

	_, err = f.engine.Run(context.Background(), g)
	require.NoError(t, err)
	assert.Len(t, obs.started, 3, "cached nodes are not started")
	assert.Len(t, obs.finished, 6)
}

func TestEngine_CanceledRunSkipsRemainingNodes(t *testing.T) {
	f := newFixture(t)
	g := sumGraph(t, f)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.engine.Run(ctx, g)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Equal(t, 3, report.Count(engine.StatusSkipped))
	assert.Zero(t, f.vm.Calls())
}

func TestEngine_PublishDuringInvocationKeepsNodeDirty(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	f.register(t, &component.Descriptor{
		ID:      "gate",
		Version: "1.0.0",
		Inputs:  []component.PortSpec{{Name: "a", Type: value.KindU64}},
		Outputs: []component.PortSpec{{Name: "out", Type: value.KindU64}},
	}, fakevm.Component{Invoke: func(_ context.Context, call fakevm.Call) ([]value.Named, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return []value.Named{{Name: "out", Value: call.Input("a")}}, nil
	}})

	g := graph.New()
	f.node(t, g, "tick", "ticker")
	f.node(t, g, "C", "gate")
	connect(t, g, "tick", "count", "C", "a")
	_, err := g.PublishOutputs("tick", []value.Named{{Name: "count", Value: value.U64(1)}})
	require.NoError(t, err)

	type outcome struct {
		report *engine.Report
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		report, err := f.engine.Run(context.Background(), g)
		done <- outcome{report, err}
	}()

	<-entered
	_, err = g.PublishOutputs("tick", []value.Named{{Name: "count", Value: value.U64(2)}})
	require.NoError(t, err)
	close(release)

	first := <-done
	require.NoError(t, first.err)
	assert.Equal(t, engine.StatusSucceeded, status(t, first.report, "C"))
	assert.Equal(t, value.U64(1), output(t, first.report, "C", "out"))
	assert.True(t, g.IsDirty("C"), "inputs changed while C was running")

	second, err := f.engine.Run(context.Background(), g)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusSucceeded, status(t, second, "C"))
	assert.Equal(t, value.U64(2), output(t, second, "C", "out"))
	assert.False(t, g.IsDirty("C"))
}
