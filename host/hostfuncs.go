package host

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/reglet-dev/reglet-graph/netutil"
	"github.com/tetratelabs/wazero/api"
)

// HostModule is the import module name of the reglet host functions.
const HostModule = "reglet"

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

func (b *Backend) registerHostFunctions(ctx context.Context) error {
	_, err := b.runtime.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithGoModuleFunction(b.guard("log_message", b.logMessage), []api.ValueType{i64}, []api.ValueType{}).
		Export("log_message").
		NewFunctionBuilder().
		WithGoModuleFunction(b.guard("capability_check", b.capabilityCheck), []api.ValueType{i64}, []api.ValueType{i32}).
		Export("capability_check").
		NewFunctionBuilder().
		WithGoModuleFunction(b.guard("http_request", b.httpRequest), []api.ValueType{i64}, []api.ValueType{i64}).
		Export("http_request").
		Instantiate(ctx)
	return err
}

// guard turns a panicking host function into a logged zero result instead
// of crashing the host.
func (b *Backend) guard(name string, fn api.GoModuleFunc) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.ErrorContext(ctx, "host: host function panicked", "function", name, "module", mod.Name(), "panic", r)
				for i := range stack {
					stack[i] = 0
				}
			}
		}()
		fn(ctx, mod, stack)
	}
}

func (b *Backend) stateOf(mod api.Module) (*instanceState, bool) {
	v, ok := b.instances.Load(mod.Name())
	if !ok {
		return nil, false
	}
	return v.(*instanceState), true
}

// logMessage implements log_message(packed) -> ().
func (b *Backend) logMessage(ctx context.Context, mod api.Module, stack []uint64) {
	state, ok := b.stateOf(mod)
	if !ok {
		return
	}
	payload, err := readGuest(mod, stack[0])
	if err != nil {
		b.logger.WarnContext(ctx, "host: failed to read log message", "component", state.componentID, "error", err)
		return
	}
	rec, err := decodeLogRecord(ctx, state.componentID, payload)
	if err != nil {
		b.logger.WarnContext(ctx, "host: dropping malformed log message", "component", state.componentID, "error", err)
		return
	}
	b.sink.Emit(rec)
}

// capabilityCheck implements capability_check(packed requirement) -> i32,
// returning 1 when granted.
func (b *Backend) capabilityCheck(ctx context.Context, mod api.Module, stack []uint64) {
	packed := stack[0]
	stack[0] = 0
	state, ok := b.stateOf(mod)
	if !ok {
		return
	}
	payload, err := readGuest(mod, packed)
	if err != nil {
		return
	}
	if state.checker.Check(ctx, string(payload)) {
		stack[0] = 1
	}
}

// httpRequest implements http_request(packed HTTPRequest) -> packed HTTPResponse.
func (b *Backend) httpRequest(ctx context.Context, mod api.Module, stack []uint64) {
	resp := b.doHTTPRequest(ctx, mod, stack[0])
	out, err := json.Marshal(resp)
	if err != nil {
		stack[0] = 0
		return
	}
	packed, err := writeGuest(ctx, mod, out)
	if err != nil {
		b.logger.WarnContext(ctx, "host: failed to return http response", "module", mod.Name(), "error", err)
		stack[0] = 0
		return
	}
	stack[0] = packed
}

func (b *Backend) doHTTPRequest(ctx context.Context, mod api.Module, packed uint64) HTTPResponse {
	state, ok := b.stateOf(mod)
	if !ok {
		return HTTPResponse{Error: &HTTPError{Code: HTTPCapabilityDenied, Message: "unknown module"}}
	}
	payload, err := readGuest(mod, packed)
	if err != nil {
		return HTTPResponse{Error: &HTTPError{Code: HTTPInvalidRequest, Message: err.Error()}}
	}
	var req HTTPRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return HTTPResponse{Error: &HTTPError{Code: HTTPInvalidRequest, Message: fmt.Sprintf("malformed request: %v", err)}}
	}
	if req.URL == "" {
		return HTTPResponse{Error: &HTTPError{Code: HTTPInvalidRequest, Message: "URL is required"}}
	}
	b.logger.DebugContext(ctx, "host: http_request", "module", mod.Name(), "method", req.Method, "url", netutil.StripCredentials(req.URL))
	if err := state.checker.CheckURL(ctx, req.URL); err != nil {
		return HTTPResponse{Error: &HTTPError{Code: HTTPCapabilityDenied, Message: err.Error()}}
	}
	return performHTTPRequest(ctx, state.client, req, b.httpTimeout, b.maxHTTPBody)
}
