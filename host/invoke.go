package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/reglet-dev/reglet-graph/cache"
	"github.com/reglet-dev/reglet-graph/component"
	"github.com/reglet-dev/reglet-graph/errdefs"
	"github.com/reglet-dev/reglet-graph/telemetry"
	"github.com/reglet-dev/reglet-graph/value"
)

// Invocation outcomes recorded in metrics.
const (
	OutcomeOK         = "ok"
	OutcomeGuestError = "guest_error"
	OutcomeTrap       = "trap"
	OutcomeTimeout    = "timeout"
	OutcomeAborted    = "aborted"
	OutcomeBadOutput  = "bad_output"
)

// TickResult is the outcome of one continuous iteration.
type TickResult struct {
	Outputs  []value.Named
	Progress bool
}

// Invoker drives entry points on instances held through cache handles.
type Invoker struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics
	timeout time.Duration
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithInvokerLogger sets the invoker logger.
func WithInvokerLogger(logger *slog.Logger) InvokerOption {
	return func(v *Invoker) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithInvokerMetrics records invocation counts and durations.
func WithInvokerMetrics(m *telemetry.Metrics) InvokerOption {
	return func(v *Invoker) {
		v.metrics = m
	}
}

// WithTimeout sets the wall-clock limit of one call. A granted
// limit.timeout overrides it.
func WithTimeout(d time.Duration) InvokerOption {
	return func(v *Invoker) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// NewInvoker creates an Invoker.
func NewInvoker(opts ...InvokerOption) *Invoker {
	v := &Invoker{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Invoke runs the component's invoke entry point once.
func (v *Invoker) Invoke(ctx context.Context, h *cache.Handle, inputs []value.Named) ([]value.Named, error) {
	desc := h.Descriptor()
	if desc.IsContinuous() {
		return nil, &errdefs.ExecutionError{
			ComponentID: desc.ID,
			Message:     "continuous components are driven by the supervisor and cannot be invoked",
			Remedy:      "start the node instead of running it",
		}
	}

	entry := entryOr(desc.EntryPoints.Invoke, component.DefaultInvokeExport)
	resp, outputs, err := v.call(ctx, h, entry, inputs)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, v.guestFailure(h, entry, resp.Error)
	}
	ordered, err := checkOutputs(desc, outputs)
	if err != nil {
		h.Poison()
		return nil, err
	}
	return ordered, nil
}

// Setup runs the setup entry point of a continuous component.
func (v *Invoker) Setup(ctx context.Context, h *cache.Handle, inputs []value.Named) error {
	desc := h.Descriptor()
	entry := entryOr(desc.EntryPoints.Setup, component.DefaultSetupExport)
	resp, _, err := v.call(ctx, h, entry, inputs)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return v.guestFailure(h, entry, resp.Error)
	}
	return nil
}

// Iterate runs one iteration of a continuous component. Outputs are only
// reported for a progress tick, and must then be complete.
func (v *Invoker) Iterate(ctx context.Context, h *cache.Handle) (TickResult, error) {
	desc := h.Descriptor()
	entry := entryOr(desc.EntryPoints.Iterate, component.DefaultIterateExport)
	resp, outputs, err := v.call(ctx, h, entry, nil)
	if err != nil {
		return TickResult{}, err
	}
	if resp.Error != nil {
		return TickResult{}, v.guestFailure(h, entry, resp.Error)
	}
	if resp.Status != StatusProgress {
		return TickResult{}, nil
	}
	ordered, err := checkOutputs(desc, outputs)
	if err != nil {
		h.Poison()
		return TickResult{}, err
	}
	return TickResult{Progress: true, Outputs: ordered}, nil
}

// Teardown runs the optional teardown entry point.
func (v *Invoker) Teardown(ctx context.Context, h *cache.Handle) error {
	desc := h.Descriptor()
	if desc.EntryPoints.Teardown == "" {
		return nil
	}
	resp, _, err := v.call(ctx, h, desc.EntryPoints.Teardown, nil)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return v.guestFailure(h, desc.EntryPoints.Teardown, resp.Error)
	}
	return nil
}

// IsRecoverable reports whether err is a non-fatal failure reported by the
// component itself, after which the instance stays usable.
func IsRecoverable(err error) bool {
	var guestErr *GuestError
	return errors.As(err, &guestErr) && !guestErr.Fatal
}

func (v *Invoker) timeoutFor(h *cache.Handle) time.Duration {
	if d, ok := h.Grant().Requirements().Timeout(); ok {
		return d
	}
	return v.timeout
}

func (v *Invoker) call(ctx context.Context, h *cache.Handle, entry string, inputs []value.Named) (*Response, []value.Named, error) {
	desc := h.Descriptor()
	cc, _ := CallContextFrom(ctx)
	payload, err := EncodeRequest(cc, inputs)
	if err != nil {
		return nil, nil, &errdefs.ExecutionError{ComponentID: desc.ID, Message: err.Error(), Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, v.timeoutFor(h))
	defer cancel()

	start := time.Now()
	raw, err := h.Instance().Call(callCtx, entry, payload)
	elapsed := time.Since(start)
	if err != nil {
		h.Poison()
		execErr := &errdefs.ExecutionError{ComponentID: desc.ID, Err: err}
		outcome := OutcomeTrap
		switch {
		case ctx.Err() != nil:
			outcome = OutcomeAborted
			execErr.Message = "invocation aborted"
			execErr.Err = errors.Join(ctx.Err(), err)
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			outcome = OutcomeTimeout
			execErr.Timeout = true
			execErr.Message = fmt.Sprintf("%s timed out after %s", entry, v.timeoutFor(h))
		case errors.Is(err, ErrMemoryLimitExceeded):
			execErr.Message = err.Error()
			execErr.Remedy = "grant a larger limit.memory or reduce the input size"
		default:
			execErr.Message = fmt.Sprintf("%s trapped: %v", entry, err)
		}
		v.metrics.Invocation(desc.ID, entry, outcome, elapsed)
		v.logger.DebugContext(ctx, "host: invocation failed",
			"component", desc.ID, "node", cc.Node, "entry", entry, "outcome", outcome, "error", err)
		return nil, nil, execErr
	}

	resp, outputs, err := DecodeResponse(raw)
	if err != nil {
		h.Poison()
		v.metrics.Invocation(desc.ID, entry, OutcomeBadOutput, elapsed)
		return nil, nil, &errdefs.ExecutionError{ComponentID: desc.ID, Message: err.Error(), Err: err}
	}
	if resp.Error == nil {
		v.metrics.Invocation(desc.ID, entry, OutcomeOK, elapsed)
	} else {
		v.metrics.Invocation(desc.ID, entry, OutcomeGuestError, elapsed)
	}
	return resp, outputs, nil
}

func (v *Invoker) guestFailure(h *cache.Handle, entry string, guestErr *GuestError) error {
	desc := h.Descriptor()
	if guestErr.Fatal {
		h.Poison()
	}
	v.logger.Debug("host: component reported an error",
		"component", desc.ID, "entry", entry, "input", guestErr.Input, "fatal", guestErr.Fatal)
	msg := guestErr.Message
	if msg == "" {
		msg = "component reported an error"
	}
	return &errdefs.ExecutionError{
		ComponentID: desc.ID,
		Input:       guestErr.Input,
		Message:     msg,
		Remedy:      guestErr.Hint,
		Err:         guestErr,
	}
}

// checkOutputs returns outputs in declared order, rejecting undeclared,
// mistyped and missing required ports.
func checkOutputs(desc *component.Descriptor, outputs []value.Named) ([]value.Named, error) {
	got := make(map[string]value.Value, len(outputs))
	for _, out := range outputs {
		spec, ok := desc.Output(out.Name)
		if !ok {
			return nil, badOutput(desc, "undeclared output %q", out.Name)
		}
		if _, dup := got[out.Name]; dup {
			return nil, badOutput(desc, "output %q returned twice", out.Name)
		}
		if k := value.KindOf(out.Value); k != spec.Type {
			return nil, badOutput(desc, "output %q has type %s, want %s", out.Name, k, spec.Type)
		}
		got[out.Name] = out.Value
	}

	ordered := make([]value.Named, 0, len(desc.Outputs))
	for _, spec := range desc.Outputs {
		v, ok := got[spec.Name]
		if !ok {
			if !spec.Optional {
				return nil, badOutput(desc, "missing output %q", spec.Name)
			}
			continue
		}
		ordered = append(ordered, value.Named{Name: spec.Name, Value: v})
	}
	return ordered, nil
}

func badOutput(desc *component.Descriptor, format string, args ...any) error {
	return &errdefs.ExecutionError{
		ComponentID: desc.ID,
		Message:     fmt.Sprintf(format, args...),
		Remedy:      "the component broke its output contract; check its version against the descriptor",
	}
}
