package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	DefaultTimeout = 45 * time.Second
	maxAttempts    = 3
)

// StatusError is a non-2xx provider response.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.Status, e.Body)
}

func retryable(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}

// postJSON posts body and decodes a 2xx answer into out. Timeouts and
// 408/429/5xx answers are retried with exponential backoff.
func postJSON(ctx context.Context, hc *http.Client, provider, url string, headers map[string]string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", provider, err)
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt - 1)):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			return fmt.Errorf("%s: build request: %w", provider, err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		res, err := hc.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", provider, err)
			if isTimeout(err) {
				continue
			}
			return lastErr
		}
		raw, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return fmt.Errorf("%s: read response: %w", provider, err)
		}
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			if err := json.Unmarshal(raw, out); err != nil {
				return fmt.Errorf("%s: decode response: %w", provider, err)
			}
			return nil
		}
		lastErr = &StatusError{Provider: provider, Status: res.StatusCode, Body: truncate(string(raw), 500)}
		if !retryable(res.StatusCode) {
			return lastErr
		}
	}
	return lastErr
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func backoff(i int) time.Duration {
	return time.Duration(500*(1<<i)) * time.Millisecond
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
