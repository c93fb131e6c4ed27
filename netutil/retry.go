package netutil

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// RetryTransport retries transient failures with exponential backoff,
// honouring Retry-After. Refused dials are never retried.
type RetryTransport struct {
	// Base defaults to http.DefaultTransport.
	Base http.RoundTripper

	// OnRetry is called before each retry with the 1-based attempt number.
	OnRetry func(attempt int, wait time.Duration, statusCode int)

	// MaxRetries defaults to 3. A negative value disables retries.
	MaxRetries int

	// InitialBackoff defaults to 1s.
	InitialBackoff time.Duration

	// MaxBackoff defaults to 30s.
	MaxBackoff time.Duration
}

// RoundTrip implements http.RoundTripper.
func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	maxRetries := t.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = 3
	case maxRetries < 0:
		maxRetries = 0
	}
	initial := t.InitialBackoff
	if initial == 0 {
		initial = time.Second
	}
	maxBackoff := t.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = 30 * time.Second
	}

	for attempt := 0; ; attempt++ {
		clone := req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			clone.Body = body
		}

		resp, err := base.RoundTrip(clone)
		status := 0
		switch {
		case err != nil:
			if IsDialBlockedError(err) || attempt >= maxRetries {
				return nil, err
			}
		case !IsRetryableStatus(resp.StatusCode) || attempt >= maxRetries:
			return resp, nil
		default:
			status = resp.StatusCode
		}

		wait := backoff(attempt, initial, maxBackoff, resp)
		if resp != nil {
			_ = resp.Body.Close()
		}
		if t.OnRetry != nil {
			t.OnRetry(attempt+1, wait, status)
		}
		if err := sleep(req.Context(), wait); err != nil {
			return nil, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func backoff(attempt int, initial, maxDuration time.Duration, resp *http.Response) time.Duration {
	if resp != nil {
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil {
				return min(time.Duration(seconds)*time.Second, maxDuration)
			}
			if at, err := http.ParseTime(retryAfter); err == nil {
				wait := time.Until(at)
				if wait < 0 {
					return initial
				}
				return min(wait, maxDuration)
			}
		}
	}
	return min(initial*(1<<attempt), maxDuration)
}

// IsRetryableStatus reports whether statusCode signals a transient failure.
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
