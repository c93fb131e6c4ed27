package netutil_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reglet-dev/reglet-graph/netutil"
)

type scriptedTransport struct {
	responses []*http.Response
	errors    []error
	calls     int
}

func (m *scriptedTransport) RoundTrip(*http.Request) (*http.Response, error) {
	idx := m.calls
	m.calls++

	if idx < len(m.errors) && m.errors[idx] != nil {
		return nil, m.errors[idx]
	}
	if idx < len(m.responses) {
		return m.responses[idx], nil
	}
	return status(http.StatusOK), nil
}

func status(code int) *http.Response {
	return &http.Response{StatusCode: code, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(""))}
}

func Test_RetryTransport(t *testing.T) {
	tests := []struct {
		name       string
		responses  []*http.Response
		errors     []error
		maxRetries int
		wantStatus int
		wantCalls  int
		wantErr    bool
	}{
		{
			name:       "success first attempt",
			responses:  []*http.Response{status(http.StatusOK)},
			maxRetries: 3,
			wantStatus: http.StatusOK,
			wantCalls:  1,
		},
		{
			name:       "retries 429 then succeeds",
			responses:  []*http.Response{status(http.StatusTooManyRequests), status(http.StatusServiceUnavailable), status(http.StatusOK)},
			maxRetries: 3,
			wantStatus: http.StatusOK,
			wantCalls:  3,
		},
		{
			name:       "does not retry 404",
			responses:  []*http.Response{status(http.StatusNotFound)},
			maxRetries: 3,
			wantStatus: http.StatusNotFound,
			wantCalls:  1,
		},
		{
			name:       "gives up with last response",
			responses:  []*http.Response{status(http.StatusBadGateway), status(http.StatusBadGateway), status(http.StatusBadGateway)},
			maxRetries: 2,
			wantStatus: http.StatusBadGateway,
			wantCalls:  3,
		},
		{
			name:       "retries network errors",
			errors:     []error{errors.New("connection reset"), nil},
			maxRetries: 3,
			wantStatus: http.StatusOK,
			wantCalls:  2,
		},
		{
			name:       "never retries refused dials",
			errors:     []error{&netutil.DialBlockedError{Address: "other.org:443", Reason: "host is not granted"}},
			maxRetries: 3,
			wantCalls:  1,
			wantErr:    true,
		},
		{
			name:       "negative disables retries",
			responses:  []*http.Response{status(http.StatusServiceUnavailable)},
			maxRetries: -1,
			wantStatus: http.StatusServiceUnavailable,
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &scriptedTransport{responses: tt.responses, errors: tt.errors}
			transport := &netutil.RetryTransport{
				Base:           mock,
				MaxRetries:     tt.maxRetries,
				InitialBackoff: time.Millisecond,
			}

			req, err := http.NewRequest(http.MethodGet, "http://example.com", nil)
			require.NoError(t, err)

			resp, err := transport.RoundTrip(req)
			assert.Equal(t, tt.wantCalls, mock.calls)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func Test_RetryTransport_StopsOnCancel(t *testing.T) {
	mock := &scriptedTransport{responses: []*http.Response{status(http.StatusServiceUnavailable), status(http.StatusServiceUnavailable)}}
	transport := &netutil.RetryTransport{Base: mock, MaxRetries: 5, InitialBackoff: time.Hour}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.com", nil)
	require.NoError(t, err)

	_, err = transport.RoundTrip(req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, mock.calls)
}

func Test_RetryTransport_OnRetry(t *testing.T) {
	mock := &scriptedTransport{responses: []*http.Response{status(http.StatusTooManyRequests)}}
	var attempts []int
	var codes []int
	transport := &netutil.RetryTransport{
		Base:           mock,
		InitialBackoff: time.Millisecond,
		OnRetry: func(attempt int, _ time.Duration, code int) {
			attempts = append(attempts, attempt)
			codes = append(codes, code)
		},
	}

	req, err := http.NewRequest(http.MethodGet, "http://example.com", nil)
	require.NoError(t, err)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, []int{1}, attempts)
	assert.Equal(t, []int{http.StatusTooManyRequests}, codes)
}

func Test_IsRetryableStatus(t *testing.T) {
	for _, code := range []int{429, 502, 503, 504} {
		assert.True(t, netutil.IsRetryableStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 404, 500} {
		assert.False(t, netutil.IsRetryableStatus(code), code)
	}
}
