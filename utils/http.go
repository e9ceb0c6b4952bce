package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	httpTimeout    = 30 * time.Second
	retryBackoff   = 100 * time.Millisecond
	socketProbeTTL = 2 * time.Second
)

// RetryAttempts bounds DoWithRetry. Total calls to fn is RetryAttempts+1.
const RetryAttempts = 3

// APIError is a response with an unexpected HTTP status. Anything else
// that goes wrong on the wire stays an ordinary error.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string { return e.Message }

// NewSocketHTTPClient returns a client whose every request dials the
// given Unix socket, whatever host the URL names. Used to reach xapi on
// its local socket when running inside the control domain.
func NewSocketHTTPClient(socketPath string) *http.Client {
	dialer := net.Dialer{}
	return &http.Client{
		Timeout: httpTimeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

// CheckSocket probes that a Unix socket exists and accepts connections.
func CheckSocket(socketPath string) error {
	conn, err := net.DialTimeout("unix", socketPath, socketProbeTTL)
	if err != nil {
		return err
	}
	return conn.Close()
}

// DoAPI performs one HTTP round trip and returns the response body.
// A status other than expectedStatus becomes an APIError carrying the
// code and the (possibly truncated by the server) body text.
func DoAPI(ctx context.Context, hc *http.Client, method, url string, body []byte, expectedStatus int) ([]byte, error) {
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, url, err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if resp.StatusCode != expectedStatus {
		return nil, &APIError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("%s %s: status %d: %s", method, url, resp.StatusCode, payload),
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, url, err)
	}
	return payload, nil
}

// DoWithRetry runs fn up to RetryAttempts+1 times with doubling backoff.
// Client errors (4xx APIError) fail immediately since repeating the same
// request cannot fix them; everything else is treated as transient.
func DoWithRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	backoff := retryBackoff
	for attempt := 0; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if !IsRetryable(err) || attempt == RetryAttempts {
			return zero, err
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// IsRetryable reports whether a request error is worth repeating:
// transport failures, 5xx responses, and 429.
func IsRetryable(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Code >= http.StatusInternalServerError || ae.Code == http.StatusTooManyRequests
	}
	return true
}
