package host

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/reglet-dev/reglet-graph/netutil"
)

// HTTPRequest is the document passed to the http_request host function.
type HTTPRequest struct {
	Headers map[string]string `json:"headers,omitempty"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Body    []byte            `json:"body,omitempty"`
	// TimeoutMs bounds this request. Default is the host's HTTP timeout.
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

// HTTPResponse is returned to the guest by http_request.
type HTTPResponse struct {
	Headers       map[string][]string `json:"headers,omitempty"`
	Error         *HTTPError          `json:"error,omitempty"`
	Proto         string              `json:"proto,omitempty"`
	Body          []byte              `json:"body,omitempty"`
	LatencyMs     int64               `json:"latency_ms,omitempty"`
	StatusCode    int                 `json:"status_code"`
	BodyTruncated bool                `json:"body_truncated,omitempty"`
}

// HTTPError describes a request the host could not complete.
type HTTPError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *HTTPError) Error() string {
	return e.Message
}

// Error codes reported in HTTPError.Code.
const (
	HTTPInvalidRequest   = "INVALID_REQUEST"
	HTTPCapabilityDenied = "CAPABILITY_DENIED"
	HTTPTimeout          = "TIMEOUT"
	HTTPHostNotFound     = "HOST_NOT_FOUND"
	HTTPRequestFailed    = "REQUEST_FAILED"
	HTTPReadBodyFailed   = "READ_BODY_FAILED"
)

// performHTTPRequest runs req through client, whose dialer enforces the grant.
func performHTTPRequest(ctx context.Context, client *http.Client, req HTTPRequest, timeout time.Duration, maxBody int64) HTTPResponse {
	if req.URL == "" {
		return HTTPResponse{Error: &HTTPError{Code: HTTPInvalidRequest, Message: "URL is required"}}
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), req.URL, body)
	if err != nil {
		return HTTPResponse{Error: &HTTPError{Code: HTTPInvalidRequest, Message: err.Error()}}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return HTTPResponse{LatencyMs: latency.Milliseconds(), Error: classifyHTTPError(ctx, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	out := HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		LatencyMs:  latency.Milliseconds(),
		Proto:      resp.Proto,
	}
	respBody, err := netutil.ReadAllLimited(resp.Body, maxBody)
	switch {
	case netutil.IsSizeLimitExceededError(err):
		out.Body = respBody
		out.BodyTruncated = true
	case err != nil:
		out.Error = &HTTPError{Code: HTTPReadBodyFailed, Message: err.Error()}
	default:
		out.Body = respBody
	}
	return out
}

func classifyHTTPError(ctx context.Context, err error) *HTTPError {
	code := HTTPRequestFailed
	var dnsErr *net.DNSError
	switch {
	case netutil.IsDialBlockedError(err):
		code = HTTPCapabilityDenied
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		code = HTTPTimeout
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		code = HTTPHostNotFound
	}
	return &HTTPError{Code: code, Message: err.Error()}
}
