// Package fakevm is an in-process stand-in for the wazero backend. Components
// are plain Go functions; requests and responses still travel through the
// host JSON envelopes so the invoker's decoding paths are exercised.
package fakevm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/reglet-dev/reglet-graph/cache"
	"github.com/reglet-dev/reglet-graph/capability"
	"github.com/reglet-dev/reglet-graph/component"
	"github.com/reglet-dev/reglet-graph/host"
	"github.com/reglet-dev/reglet-graph/value"
)

// ErrClosed is returned by calls on a closed instance.
var ErrClosed = errors.New("fakevm: instance closed")

// Call is what a component function sees.
type Call struct {
	Grant    *capability.Grant
	Context  host.CallContext
	Inputs   []value.Named
	Instance int64
}

// Input returns the named input or nil.
func (c Call) Input(name string) value.Value {
	v, _ := value.Lookup(c.Inputs, name)
	return v
}

// Component is a component implemented in Go. Returning a *host.GuestError
// reports a component error; any other error or a panic is a trap.
type Component struct {
	Invoke   func(ctx context.Context, call Call) ([]value.Named, error)
	Setup    func(ctx context.Context, call Call) error
	Iterate  func(ctx context.Context, call Call) (host.TickResult, error)
	Teardown func(ctx context.Context, call Call) error
}

// Backend implements cache.Backend.
type Backend struct {
	components      map[string]Component
	failCompile     map[string]error
	live            map[int64]*Instance
	failInstantiate int
	seq             int64
	compiles        atomic.Int64
	instantiations  atomic.Int64
	calls           atomic.Int64
	closes          atomic.Int64
	mu              sync.Mutex
}

var _ cache.Backend = (*Backend)(nil)

// New creates an empty backend.
func New() *Backend {
	return &Backend{
		components:  make(map[string]Component),
		failCompile: make(map[string]error),
		live:        make(map[int64]*Instance),
	}
}

// Register makes a component available under id.
func (b *Backend) Register(id string, c Component) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.components[id] = c
}

// FailCompile makes every compile of id fail with err; nil clears it.
func (b *Backend) FailCompile(id string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failCompile, id)
		return
	}
	b.failCompile[id] = err
}

// FailInstantiate makes the next n instantiations fail.
func (b *Backend) FailInstantiate(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failInstantiate = n
}

// Compiles returns the number of compile attempts.
func (b *Backend) Compiles() int { return int(b.compiles.Load()) }

// Instantiations returns the number of instantiation attempts.
func (b *Backend) Instantiations() int { return int(b.instantiations.Load()) }

// Calls returns the number of entry point calls.
func (b *Backend) Calls() int { return int(b.calls.Load()) }

// Closes returns the number of destroyed instances.
func (b *Backend) Closes() int { return int(b.closes.Load()) }

// Live returns the number of instances not yet closed.
func (b *Backend) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.live)
}

type compiled struct {
	id string
}

func (compiled) Close(context.Context) error { return nil }

// Compile implements cache.Backend.
func (b *Backend) Compile(_ context.Context, desc *component.Descriptor, _ []byte) (cache.Compiled, error) {
	b.compiles.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.failCompile[desc.ID]; err != nil {
		return nil, err
	}
	if _, ok := b.components[desc.ID]; !ok {
		return nil, fmt.Errorf("fakevm: no component %q", desc.ID)
	}
	return compiled{id: desc.ID}, nil
}

// Instantiate implements cache.Backend.
func (b *Backend) Instantiate(_ context.Context, c cache.Compiled, desc *component.Descriptor, grant *capability.Grant) (cache.Instance, error) {
	b.instantiations.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failInstantiate > 0 {
		b.failInstantiate--
		return nil, errors.New("fakevm: instantiation failed")
	}
	cc, ok := c.(compiled)
	if !ok {
		return nil, fmt.Errorf("fakevm: foreign compiled module %T", c)
	}
	b.seq++
	inst := &Instance{
		backend: b,
		impl:    b.components[cc.id],
		desc:    desc,
		grant:   grant,
		id:      b.seq,
	}
	b.live[inst.id] = inst
	return inst, nil
}

// Instance is a live fake module.
type Instance struct {
	backend *Backend
	desc    *component.Descriptor
	grant   *capability.Grant
	impl    Component
	cancel  context.CancelFunc
	id      int64
	mu      sync.Mutex
	closed  bool
}

// ID identifies the instance within its backend.
func (i *Instance) ID() int64 { return i.id }

type callResult struct {
	payload []byte
	err     error
}

// Call implements cache.Instance. The component runs on its own goroutine
// so that Close interrupts even a component that never yields.
func (i *Instance) Call(ctx context.Context, entry string, payload []byte) ([]byte, error) {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil, ErrClosed
	}
	callCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.mu.Unlock()
	defer cancel()

	i.backend.calls.Add(1)
	cc, inputs, err := host.DecodeRequest(payload)
	if err != nil {
		return nil, err
	}
	call := Call{Context: cc, Inputs: inputs, Grant: i.grant, Instance: i.id}

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("fakevm: panic: %v", r)}
			}
		}()
		out, err := i.dispatch(callCtx, entry, call)
		done <- callResult{payload: out, err: err}
	}()

	select {
	case res := <-done:
		if i.isClosed() {
			return nil, ErrClosed
		}
		return res.payload, res.err
	case <-callCtx.Done():
		if i.isClosed() {
			return nil, ErrClosed
		}
		return nil, callCtx.Err()
	}
}

func (i *Instance) dispatch(ctx context.Context, entry string, call Call) ([]byte, error) {
	eps := i.desc.EntryPoints
	switch {
	case entry == orDefault(eps.Invoke, component.DefaultInvokeExport) && i.impl.Invoke != nil:
		out, err := i.impl.Invoke(ctx, call)
		return respond(host.StatusIdle, out, err)
	case entry == orDefault(eps.Setup, component.DefaultSetupExport) && i.impl.Setup != nil:
		return respond(host.StatusIdle, nil, i.impl.Setup(ctx, call))
	case entry == orDefault(eps.Iterate, component.DefaultIterateExport) && i.impl.Iterate != nil:
		tick, err := i.impl.Iterate(ctx, call)
		status := host.StatusIdle
		if tick.Progress {
			status = host.StatusProgress
		}
		return respond(status, tick.Outputs, err)
	case entry == orDefault(eps.Teardown, component.DefaultTeardownExport) && i.impl.Teardown != nil:
		return respond(host.StatusIdle, nil, i.impl.Teardown(ctx, call))
	}
	return nil, fmt.Errorf("function %q not found", entry)
}

func respond(status host.Status, outputs []value.Named, err error) ([]byte, error) {
	var guestErr *host.GuestError
	if err != nil {
		if !errors.As(err, &guestErr) {
			return nil, err
		}
		outputs = nil
	}
	return host.EncodeResponse(status, outputs, guestErr)
}

func orDefault(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

func (i *Instance) isClosed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// Close implements cache.Instance.
func (i *Instance) Close(context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	cancel := i.cancel
	i.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	i.backend.closes.Add(1)
	i.backend.mu.Lock()
	delete(i.backend.live, i.id)
	i.backend.mu.Unlock()
	return nil
}
