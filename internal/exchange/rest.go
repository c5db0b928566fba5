package exchange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/openarb/tribot/internal/domain"
)

const (
	restTimeout     = 30 * time.Second
	limiterPollStep = 50 * time.Millisecond
)

// restResult carries an HTTP response through the breaker. Client-level
// failures (network errors, 5xx) count against the breaker; 4xx responses
// pass through as results for the venue client to map.
type restResult struct {
	Status int
	Body   []byte
}

// RestClient is the shared HTTP layer under every venue client. Each call
// first takes a slot from the distributed per-venue rate limiter, then runs
// through a connectivity circuit breaker so a dead venue fails fast without
// hammering it.
type RestClient struct {
	venue   string
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[restResult]
	limiter domain.RateLimiter
	limit   int
	logger  *slog.Logger
}

// NewRestClient creates a RestClient for one venue. limiter may be nil, in
// which case requests are not rate limited locally.
func NewRestClient(venue, baseURL string, limiter domain.RateLimiter, limitPerSec int, logger *slog.Logger) *RestClient {
	log := logger.With(slog.String("component", "rest"), slog.String("venue", venue))
	cb := gobreaker.NewCircuitBreaker[restResult](gobreaker.Settings{
		Name:    venue + "-rest",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	return &RestClient{
		venue:   venue,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: restTimeout},
		breaker: cb,
		limiter: limiter,
		limit:   limitPerSec,
		logger:  log,
	}
}

// Do performs one HTTP request against the venue. The returned status is
// always < 500; server errors and transport failures come back as errors
// wrapping domain.ErrConnectivity once the breaker opens.
func (c *RestClient) Do(ctx context.Context, method, path string, query url.Values, headers http.Header, body []byte) (int, []byte, error) {
	if err := c.waitForSlot(ctx); err != nil {
		return 0, nil, err
	}

	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	res, err := c.breaker.Execute(func() (restResult, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
		if err != nil {
			return restResult{}, fmt.Errorf("create request: %w", err)
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return restResult{}, fmt.Errorf("http request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return restResult{}, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode >= 500 {
			return restResult{}, fmt.Errorf("server error: HTTP %d: %s", resp.StatusCode, truncate(respBody, 200))
		}
		return restResult{Status: resp.StatusCode, Body: respBody}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, nil, fmt.Errorf("%s: venue breaker open: %w", c.venue, domain.ErrConnectivity)
		}
		return 0, nil, fmt.Errorf("%s: %w", c.venue, err)
	}
	return res.Status, res.Body, nil
}

// waitForSlot blocks until the per-venue rate limiter grants a slot or the
// context ends.
func (c *RestClient) waitForSlot(ctx context.Context) error {
	if c.limiter == nil || c.limit <= 0 {
		return nil
	}
	key := "rest:" + c.venue
	for {
		allowed, err := c.limiter.Allow(ctx, key, c.limit, time.Second)
		if err != nil {
			// A broken limiter must not take trading down with it.
			c.logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
			return nil
		}
		if allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: waiting for rate limit slot: %w", c.venue, ctx.Err())
		case <-time.After(limiterPollStep):
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
