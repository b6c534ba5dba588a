// Package client provides the ESI HTTP transport: retries with exponential
// backoff, error classification, request pacing and the shared error-budget
// gate. Caching and pagination live one layer up in pkg/pagination.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/esi-contract-ingest/pkg/logging"
)

// DefaultBaseURL is the public ESI host.
const DefaultBaseURL = "https://esi.evetech.net"

// BudgetGate guards requests against the shared ESI error budget.
// *ratelimit.Tracker implements it.
type BudgetGate interface {
	Wait(ctx context.Context) error
	Observe(ctx context.Context, headers http.Header) error
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is prefixed to every request path.
	BaseURL string

	// User-Agent header (REQUIRED by ESI)
	// Format: "AppName/Version (contact@example.com)"
	UserAgent string

	// Timeout bounds each HTTP attempt.
	Timeout time.Duration

	// RateLimit paces outbound requests per second. Zero disables pacing.
	RateLimit float64
	Burst     int

	Retry RetryConfig

	// ErrorBudget is optional.
	ErrorBudget BudgetGate

	// HTTPClient overrides the default client (tests, custom transports).
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		UserAgent: userAgent,
		Timeout:   30 * time.Second,
		RateLimit: 10,
		Burst:     10,
		Retry:     DefaultRetryConfig(),
	}
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client is the ESI transport.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	budget     BudgetGate
	config     Config
	logger     zerolog.Logger

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a new ESI client.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if err := cfg.Retry.validate(); err != nil {
		return nil, err
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		httpClient: httpClient,
		limiter:    limiter,
		budget:     cfg.ErrorBudget,
		config:     cfg,
		logger:     logging.Component(logger, "esi-client"),
		sleep:      sleepContext,
	}, nil
}

// Get performs a GET request to an ESI path. header may be nil.
func (c *Client) Get(ctx context.Context, path string, header http.Header) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, header, nil)
}

// PostJSON POSTs v encoded as JSON.
func (c *Client) PostJSON(ctx context.Context, path string, v any) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return c.Do(ctx, http.MethodPost, path, header, body)
}

// Do performs a request with retries. Responses below 500 are returned to the
// caller as-is, including 4xx; server errors, ESI 520 and network errors are
// retried up to Retry.MaxAttempts. When every attempt fails the returned
// *FetchError wraps ErrRetryExhausted.
func (c *Client) Do(ctx context.Context, method, path string, header http.Header, body []byte) (*Response, error) {
	endpoint := endpointLabel(path)
	url := strings.TrimRight(c.config.BaseURL, "/") + path

	var (
		lastStatus int
		lastClass  ErrorClass
		lastErr    error
	)

	for attempt := 1; attempt <= c.config.Retry.MaxAttempts; attempt++ {
		if c.budget != nil {
			if err := c.budget.Wait(ctx); err != nil {
				esiRequestsTotal.WithLabelValues(endpoint, "budget_blocked").Inc()
				return nil, fmt.Errorf("error budget gate: %w", err)
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limiter: %w", err)
			}
		}

		resp, err := c.attempt(ctx, method, url, endpoint, header, body)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("%s %s: %w", method, path, ctxErr)
			}
			lastStatus, lastClass, lastErr = 0, ErrorClassNetwork, err
			esiRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		default:
			class := classifyStatus(resp.StatusCode)
			esiRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
			if !shouldRetry(class) {
				if class != "" {
					esiErrorsTotal.WithLabelValues(string(class)).Inc()
				}
				if attempt > 1 {
					c.logger.Info().
						Str("endpoint", path).
						Int("attempt", attempt).
						Msg("Request succeeded after retry")
				}
				return resp, nil
			}
			lastStatus, lastClass = resp.StatusCode, class
			lastErr = errors.New(strings.TrimSpace(string(resp.Body)))
		}

		esiErrorsTotal.WithLabelValues(string(lastClass)).Inc()
		c.logger.Warn().
			Str("endpoint", path).
			Int("status_code", lastStatus).
			Str("error_class", string(lastClass)).
			Int("attempt", attempt).
			AnErr("cause", lastErr).
			Msg("ESI request failed")

		if attempt == c.config.Retry.MaxAttempts {
			break
		}

		backoff := c.config.Retry.withJitter(c.config.Retry.Backoff(attempt))
		esiRetriesTotal.WithLabelValues(string(lastClass)).Inc()
		esiRetryBackoffSeconds.WithLabelValues(string(lastClass)).Observe(backoff.Seconds())
		c.logger.Debug().
			Str("endpoint", path).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Retrying request after backoff")

		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}

	esiRetryExhaustedTotal.WithLabelValues(string(lastClass)).Inc()
	c.logger.Error().
		Str("endpoint", path).
		Int("status_code", lastStatus).
		Int("max_attempts", c.config.Retry.MaxAttempts).
		Msg("Retry attempts exhausted")

	message := http.StatusText(lastStatus)
	if lastStatus == 0 && lastErr != nil {
		message = lastErr.Error()
	}
	return nil, &FetchError{
		StatusCode: lastStatus,
		Class:      lastClass,
		Message:    fmt.Sprintf("%s %s: %s", method, path, message),
		Err:        ErrRetryExhausted,
	}
}

// attempt performs one HTTP round trip and reads the whole body.
func (c *Client) attempt(ctx context.Context, method, url, endpoint string, header http.Header, body []byte) (*Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	esiRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if c.budget != nil {
		if err := c.budget.Observe(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update error budget from headers")
		}
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
