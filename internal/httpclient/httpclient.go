// Package httpclient provides the rate-limited, retrying HTTP layer
// shared by the external API clients. Every upstream call goes through
// a token-bucket limiter, a circuit breaker, and a bounded retry loop
// with per-provider backoff.
package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/chocops/chocofactory/internal/types"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultTimeout applies to every upstream request unless the client
// overrides it.
const DefaultTimeout = 30 * time.Second

const defaultMaxAttempts = 3

// BackoffFunc returns the sleep before retry number attempt (1-based).
// rateLimited is true when the previous response was HTTP 429, which
// some providers want handled with a different schedule.
type BackoffFunc func(attempt int, rateLimited bool) time.Duration

// ExponentialBackoff doubles the delay each attempt with jitter, capped
// at max. Used for both transient and 429 responses.
func ExponentialBackoff(base, max time.Duration) BackoffFunc {
	return func(attempt int, _ bool) time.Duration {
		d := base << (attempt - 1)
		if d > max {
			d = max
		}
		// Up to 25% jitter to avoid synchronized retries.
		return d + time.Duration(rand.Int63n(int64(d)/4+1))
	}
}

// FixedRangeBackoff sleeps a uniform random duration in [min, max] on
// 429 and falls back to exponential growth from min otherwise.
func FixedRangeBackoff(min, max time.Duration) BackoffFunc {
	return func(attempt int, rateLimited bool) time.Duration {
		if rateLimited {
			return min + time.Duration(rand.Int63n(int64(max-min)+1))
		}
		return min * time.Duration(attempt)
	}
}

// LinearBackoff sleeps attempt×step.
func LinearBackoff(step time.Duration) BackoffFunc {
	return func(attempt int, _ bool) time.Duration {
		return step * time.Duration(attempt)
	}
}

// Doer issues GET requests against one provider with that provider's
// rate limit, breaker and retry policy. A single Doer is shared by all
// callers of its client, so the limiter governs ingestion and backfill
// traffic together.
type Doer struct {
	provider    string
	client      *http.Client
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	backoff     BackoffFunc
	maxAttempts int
	logger      *zap.SugaredLogger
}

// New creates a Doer. requestsPerMinute feeds the token bucket; burst
// is fixed at a quarter of the per-minute budget so short fan-outs can
// proceed without letting a backfill drain a full minute of tokens.
func New(provider string, requestsPerMinute int, timeout time.Duration, backoff BackoffFunc, logger *zap.SugaredLogger) *Doer {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	burst := requestsPerMinute / 4
	if burst < 1 {
		burst = 1
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    provider,
		Timeout: 2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("%s circuit breaker %s -> %s", name, from, to)
		},
	})
	return &Doer{
		provider:    provider,
		client:      &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), burst),
		breaker:     breaker,
		backoff:     backoff,
		maxAttempts: defaultMaxAttempts,
		logger:      logger,
	}
}

// Get fetches url and returns the response body. Transient failures
// (network, 5xx, 429) are retried with the provider's backoff; other
// 4xx responses fail immediately. A 401 unwraps to ErrAuthExpired so
// the caller can refresh credentials and retry once at its own level.
func (d *Doer) Get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		// Block until a token is available; requests are never dropped
		// at the limiter.
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, err := d.attempt(ctx, url, headers)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if !types.IsTransientUpstream(err) {
			return nil, err
		}
		if attempt == d.maxAttempts {
			break
		}

		delay := d.backoff(attempt, types.IsRateLimited(err))
		d.logger.Warnf("%s request failed (attempt %d/%d), retrying in %v: %v",
			d.provider, attempt, d.maxAttempts, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// GetJSON fetches url and decodes the JSON response into out.
func (d *Doer) GetJSON(ctx context.Context, url string, headers map[string]string, out interface{}) error {
	body, err := d.Get(ctx, url, headers)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", d.provider, err)
	}
	return nil
}

func (d *Doer) attempt(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	result, err := d.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, &types.UpstreamError{Provider: d.provider, Err: err}
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return nil, &types.UpstreamError{Provider: d.provider, Transient: true, Err: err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &types.UpstreamError{Provider: d.provider, Transient: true, Err: err}
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, &types.UpstreamError{Provider: d.provider, Status: resp.StatusCode, Transient: true,
				Err: errors.New("rate limited")}
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, &types.UpstreamError{Provider: d.provider, Status: resp.StatusCode,
				Err: types.ErrAuthExpired}
		case resp.StatusCode >= 500:
			return nil, &types.UpstreamError{Provider: d.provider, Status: resp.StatusCode, Transient: true,
				Err: fmt.Errorf("server error: %s", resp.Status)}
		default:
			return nil, &types.UpstreamError{Provider: d.provider, Status: resp.StatusCode,
				Err: fmt.Errorf("unexpected status: %s", resp.Status)}
		}
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &types.UpstreamError{Provider: d.provider, Transient: true, Err: err}
		}
		return nil, err
	}
	return result.([]byte), nil
}
