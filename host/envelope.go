package host

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/reglet-dev/reglet-graph/value"
)

// Status reports whether a continuous iteration produced anything.
type Status string

const (
	StatusProgress Status = "progress"
	StatusIdle     Status = "idle"
)

// CallContext identifies a call in guest logs and host function requests.
type CallContext struct {
	Node      string `json:"node,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Request is the JSON document handed to an entry point.
type Request struct {
	Inputs  []value.NamedWire `json:"inputs"`
	Context CallContext       `json:"context"`
}

// Response is the JSON document an entry point returns.
type Response struct {
	Error   *GuestError       `json:"error,omitempty"`
	Status  Status            `json:"status,omitempty"`
	Outputs []value.NamedWire `json:"outputs,omitempty"`
}

// GuestError is a failure reported by the component itself.
type GuestError struct {
	Message string `json:"message"`
	Input   string `json:"input,omitempty"`
	Hint    string `json:"hint,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`
}

func (e *GuestError) Error() string {
	return e.Message
}

type callContextKey struct{}

// WithCallContext attaches the node id and request id used for the next calls.
// An empty request id is generated on use.
func WithCallContext(ctx context.Context, cc CallContext) context.Context {
	return context.WithValue(ctx, callContextKey{}, cc)
}

// CallContextFrom returns the call context attached to ctx, if any.
func CallContextFrom(ctx context.Context) (CallContext, bool) {
	cc, ok := ctx.Value(callContextKey{}).(CallContext)
	return cc, ok
}

// EncodeRequest builds the request document for an entry point.
func EncodeRequest(cc CallContext, inputs []value.Named) ([]byte, error) {
	wires, err := value.EncodeNamed(inputs)
	if err != nil {
		return nil, fmt.Errorf("encode inputs: %w", err)
	}
	if wires == nil {
		wires = []value.NamedWire{}
	}
	if cc.RequestID == "" {
		cc.RequestID = uuid.NewString()
	}
	return json.Marshal(Request{Inputs: wires, Context: cc})
}

// DecodeRequest parses a request document.
func DecodeRequest(payload []byte) (CallContext, []value.Named, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return CallContext{}, nil, fmt.Errorf("malformed request: %w", err)
	}
	inputs, err := value.DecodeNamed(req.Inputs)
	if err != nil {
		return CallContext{}, nil, fmt.Errorf("malformed request inputs: %w", err)
	}
	return req.Context, inputs, nil
}

// EncodeResponse builds a response document.
func EncodeResponse(status Status, outputs []value.Named, guestErr *GuestError) ([]byte, error) {
	wires, err := value.EncodeNamed(outputs)
	if err != nil {
		return nil, fmt.Errorf("encode outputs: %w", err)
	}
	return json.Marshal(Response{Outputs: wires, Status: status, Error: guestErr})
}

// DecodeResponse parses a response document.
func DecodeResponse(payload []byte) (*Response, []value.Named, error) {
	if len(payload) == 0 {
		return nil, nil, fmt.Errorf("empty response")
	}
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, nil, fmt.Errorf("malformed response: %w", err)
	}
	switch resp.Status {
	case "", StatusProgress, StatusIdle:
	default:
		return nil, nil, fmt.Errorf("malformed response: unknown status %q", resp.Status)
	}
	outputs, err := value.DecodeNamed(resp.Outputs)
	if err != nil {
		return nil, nil, fmt.Errorf("malformed response outputs: %w", err)
	}
	return &resp, outputs, nil
}
