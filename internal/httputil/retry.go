// Package httputil sends requests to the credential service.
package httputil

import (
	"bytes"
	"context"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/breeze-rmm/bioauth/internal/logging"
)

var log = logging.L("httputil")

// Backoff computes the wait before each retry.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64 // ±fraction of the delay, e.g. 0.3
}

// Delay returns the wait before retry n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	d := float64(b.Initial)
	for i := 1; i < n; i++ {
		d *= b.Factor
		if b.Max > 0 && d > float64(b.Max) {
			d = float64(b.Max)
			break
		}
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// RetryConfig controls retries of idempotent requests. Do never retries
// other methods: enrollment steps and sample uploads change server state.
type RetryConfig struct {
	MaxRetries int
	Backoff    Backoff
}

// NoRetry sends exactly one request.
func NoRetry() RetryConfig { return RetryConfig{} }

// ProbeRetryConfig is used for the reachability check in `status`.
func ProbeRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		Backoff:    Backoff{Initial: 250 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: 0.3},
	}
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retryAfter reads a seconds or HTTP-date Retry-After header.
func retryAfter(resp *http.Response, now time.Time) (time.Duration, bool) {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

// Do sends one request, plus retries per cfg when method is idempotent.
// The standard client headers are added to every attempt.
func Do(ctx context.Context, client *http.Client, method, url string, body []byte, headers http.Header, cfg RetryConfig) (*http.Response, error) {
	retries := cfg.MaxRetries
	if !idempotent(method) {
		retries = 0
	}

	var (
		lastErr error
		wait    time.Duration
	)
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Debug("retrying request", "attempt", attempt, "delay", wait, "url", url)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		resp, err := send(ctx, client, method, url, body, headers)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
		} else if attempt == retries || !isRetryableStatus(resp.StatusCode) {
			return resp, nil
		} else {
			lastErr = &StatusError{StatusCode: resp.StatusCode, URL: url}
		}

		if attempt == retries {
			break
		}
		wait = cfg.Backoff.Delay(attempt + 1)
		if resp != nil {
			if d, ok := retryAfter(resp, time.Now()); ok {
				if cfg.Backoff.Max > 0 && d > cfg.Backoff.Max {
					d = cfg.Backoff.Max
				}
				wait = d
			}
			resp.Body.Close()
		}
	}

	if retries > 0 {
		log.Warn("all retries exhausted", "method", method, "url", url, "attempts", retries+1, logging.KeyError, lastErr)
	}
	return nil, lastErr
}

func send(ctx context.Context, client *http.Client, method, url string, body []byte, headers http.Header) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, err
	}
	SetClientHeaders(req.Header)
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	return client.Do(req)
}

// StatusError is a non-2xx response. Detail is the server's explanation
// when it sent one.
type StatusError struct {
	StatusCode int
	URL        string
	Detail     string
}

func (e *StatusError) Error() string {
	msg := "request to " + e.URL + " failed with status " + http.StatusText(e.StatusCode)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}
