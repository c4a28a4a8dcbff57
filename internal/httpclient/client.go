// Package httpclient provides the shared HTTP client used for every outbound
// call (LLM endpoint, sandbox services, webhooks), with bounded retry on
// transient failures.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"docflow/internal/logging"
)

// New builds an HTTP client with the given timeout and transparent retry on
// transient failures.
func New(timeout time.Duration, logger logging.Logger) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &retryRoundTripper{
			base:       http.DefaultTransport,
			maxRetries: 2,
			backoff:    500 * time.Millisecond,
			logger:     logging.OrNop(logger),
		},
	}
}

// NewPlain builds an HTTP client without retry, for endpoints that stream.
func NewPlain(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

type retryRoundTripper struct {
	base       http.RoundTripper
	maxRetries int
	backoff    time.Duration
	logger     logging.Logger
}

func (t *retryRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			// GET and HEAD are safe; anything with a body needs GetBody to replay.
			if req.Body != nil && req.GetBody == nil {
				return nil, lastErr
			}
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("replay request body: %w", err)
				}
				req.Body = body
			}
			wait := t.backoff * time.Duration(1<<(attempt-1))
			t.logger.Debug("retrying %s %s after %v (attempt %d)", req.Method, req.URL.Path, wait, attempt)
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(wait):
			}
		}
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			if !isTransientNetErr(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		if isTransientStatus(resp.StatusCode) && attempt < t.maxRetries {
			resp.Body.Close()
			lastErr = fmt.Errorf("transient status %d from %s", resp.StatusCode, req.URL.Host)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isTransientNetErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
