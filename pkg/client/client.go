// Package client provides the Cliniko HTTP client with authentication,
// retries and rate limit backoff.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/cliniko-referrals/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for Cliniko client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cliniko_requests_total",
		Help: "Total Cliniko requests by resource and status",
	}, []string{"resource", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cliniko_request_duration_seconds",
		Help:    "Cliniko request duration in seconds by resource",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"resource"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cliniko_errors_total",
		Help: "Total Cliniko errors by class",
	}, []string{"class"})
)

// ErrorClass represents a classification of HTTP errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// maxErrorBody is how much of an error response body is kept in messages.
const maxErrorBody = 200

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root, e.g. https://api.au1.cliniko.com/v1
	BaseURL string

	// APIKey is sent as the Basic auth username with an empty password.
	APIKey string

	// User-Agent header (required by Cliniko)
	// Format: "AppName (contact@example.com)"
	UserAgent string

	// Retry
	Retry RetryConfig

	// RateLimitDefault is the wait used when a 429 has no Retry-After.
	RateLimitDefault time.Duration

	// MaxRateLimitWaits caps consecutive 429 waits per call; 0 means unlimited.
	MaxRateLimitWaits int

	// Timeout per HTTP request
	Timeout time.Duration
}

// BaseURLForShard returns the API root of a Cliniko shard.
func BaseURLForShard(shard string) string {
	return fmt.Sprintf("https://api.%s.cliniko.com/v1", shard)
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(apiKey, shard, userAgent string) Config {
	return Config{
		BaseURL:          BaseURLForShard(shard),
		APIKey:           apiKey,
		UserAgent:        userAgent,
		Retry:            DefaultRetryConfig(),
		RateLimitDefault: ratelimit.DefaultRetryAfter,
		Timeout:          30 * time.Second,
	}
}

// Client is the Cliniko API client.
type Client struct {
	httpClient *http.Client
	tracker    *ratelimit.Tracker
	config     Config
	base       *url.URL
	authHeader string
	logger     zerolog.Logger
}

// New creates a new Cliniko client. tracker may be nil, in which case 429
// backoff is only applied to the call that received it.
func New(cfg Config, tracker *ratelimit.Tracker) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}

	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if cfg.Retry.BaseBackoff <= 0 {
		cfg.Retry.BaseBackoff = DefaultRetryConfig().BaseBackoff
	}
	if cfg.RateLimitDefault <= 0 {
		cfg.RateLimitDefault = ratelimit.DefaultRetryAfter
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		tracker:    tracker,
		config:     cfg,
		base:       base,
		authHeader: "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.APIKey+":")),
		logger:     log.With().Str("component", "cliniko-client").Logger(),
	}, nil
}

// Fetch performs a GET against endpoint and returns the JSON body.
// endpoint is either a path relative to the base URL or an absolute URL
// as found in resource links.
func (c *Client) Fetch(ctx context.Context, endpoint string) (json.RawMessage, error) {
	target, err := c.resolve(endpoint)
	if err != nil {
		return nil, err
	}

	resource := resourceOf(target)
	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(resource).Observe(time.Since(startTime).Seconds())
	}()

	var body json.RawMessage
	err = retryWithBackoff(ctx, c.config.Retry, c.logger.With().Str("url", target).Logger(), func() error {
		var attemptErr error
		body, attemptErr = c.attempt(ctx, target, resource)
		return attemptErr
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// FetchInto performs Fetch and decodes the body into v.
func (c *Client) FetchInto(ctx context.Context, endpoint string, v any) error {
	body, err := c.Fetch(ctx, endpoint)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrInvalidResponse, endpoint, err)
	}
	return nil
}

// attempt issues one logical request. 429 responses are waited out and
// repeated here so they never count as a retry attempt.
func (c *Client) attempt(ctx context.Context, target, resource string) (json.RawMessage, error) {
	rateLimitWaits := 0

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", c.authHeader)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.config.UserAgent)

		c.logger.Debug().
			Str("url", target).
			Msg("Executing Cliniko request")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
			}
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			requestsTotal.WithLabelValues(resource, "network_error").Inc()
			return nil, &APIError{
				ErrorClass: ErrorClassNetwork,
				Message:    "request failed",
				Err:        err,
			}
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		requestsTotal.WithLabelValues(resource, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode == http.StatusTooManyRequests {
			errorsTotal.WithLabelValues(string(ErrorClassRateLimit)).Inc()
			rateLimitWaits++
			if c.config.MaxRateLimitWaits > 0 && rateLimitWaits > c.config.MaxRateLimitWaits {
				return nil, &APIError{
					StatusCode: resp.StatusCode,
					ErrorClass: ErrorClassRateLimit,
					Message:    fmt.Sprintf("still rate limited after %d waits", c.config.MaxRateLimitWaits),
				}
			}

			wait := ratelimit.ParseRetryAfter(resp.Header.Get(ratelimit.HeaderRetryAfter), c.config.RateLimitDefault)
			c.logger.Warn().
				Str("url", target).
				Dur("retry_after", wait).
				Msg("Rate limited, waiting")

			if c.tracker != nil {
				if err := c.tracker.RecordRateLimited(ctx, wait); err != nil {
					c.logger.Warn().Err(err).Msg("Failed to record rate limit state")
				}
			}
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if readErr != nil {
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			return nil, &APIError{
				StatusCode: resp.StatusCode,
				ErrorClass: ErrorClassNetwork,
				Message:    "read response body",
				Err:        readErr,
			}
		}

		if resp.StatusCode >= 400 {
			errClass := classifyStatus(resp.StatusCode)
			errorsTotal.WithLabelValues(string(errClass)).Inc()

			c.logger.Warn().
				Str("url", target).
				Int("status", resp.StatusCode).
				Str("error_class", string(errClass)).
				Msg("Cliniko request error")

			return nil, &APIError{
				StatusCode: resp.StatusCode,
				ErrorClass: errClass,
				Message:    truncate(strings.TrimSpace(string(body)), maxErrorBody),
			}
		}

		trimmed := bytes.TrimSpace(body)
		if len(trimmed) == 0 {
			return nil, ErrEmptyResponse
		}
		if !json.Valid(trimmed) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, truncate(string(trimmed), maxErrorBody))
		}

		return json.RawMessage(trimmed), nil
	}
}

// resolve turns endpoint into an absolute URL on the configured API root.
// Absolute URLs on another host are re-rooted so the credential is only
// ever sent to the configured host.
func (c *Client) resolve(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint is required")
	}

	base := c.base.String()
	if strings.HasPrefix(endpoint, base+"/") || strings.HasPrefix(endpoint, base+"?") {
		return endpoint, nil
	}

	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
		}
		path := u.Path
		if u.RawQuery != "" {
			path += "?" + u.RawQuery
		}
		endpoint = strings.TrimPrefix(path, c.base.Path)
	}

	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return base + endpoint, nil
}

// classifyStatus categorizes an error status for observability and handling.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// classOf returns the error class of err, or "" for errors that are not
// upstream or transport failures.
func classOf(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorClass
	}
	return ""
}

// resourceOf returns the first path segment below /v1 for metric labels.
func resourceOf(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return "unknown"
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if p == "v1" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	if len(parts) > 0 && parts[0] != "" {
		return parts[0]
	}
	return "unknown"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// SetHTTPClient replaces the HTTP client, e.g. to use a custom transport.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
