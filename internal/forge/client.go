// Package forge talks to the GitHub-compatible Forge: a typed HTTP client
// with rate-limit tracking, ETag-conditional GETs and retry, a domain
// gateway over it, and webhook payload verification/parsing.
package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"git.home.luguber.info/inful/imq/internal/version"
)

const (
	apiVersion       = "2022-11-28"
	acceptHeader     = "application/vnd.github+json"
	requestTimeout   = 30 * time.Second
	maxErrorBodySize = 1 << 20

	rateLimitWarnThreshold = 100
)

// Endpoint is a typed request descriptor. Path is a printf template filled
// with Args; UseETag enables conditional GETs against the client's ETag cache.
type Endpoint struct {
	Method  string
	Path    string
	Args    []any
	Body    any
	UseETag bool
}

// URLPath renders the endpoint path.
func (e Endpoint) URLPath() string { return fmt.Sprintf(e.Path, e.Args...) }

// Response carries the outcome of a successful request. NotModified reports
// that the Forge answered 304 and Body was served from the conditional cache.
// ETag is the validator currently held for the path, when one exists.
type Response struct {
	StatusCode  int
	Body        []byte
	NotModified bool
	ETag        string
}

// RateLimit is the last rate-limit state observed on any response.
type RateLimit struct {
	Remaining int
	Reset     time.Time
	Known     bool
}

// RequestObserver receives the outcome of every Forge request.
// The metrics collector implements it; a nil observer disables recording.
type RequestObserver interface {
	ObserveForgeRequest(outcome string, duration time.Duration)
}

// ClientOptions tune the retry policy. Zero values select the defaults.
type ClientOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	UserAgent   string
}

type cachedResponse struct {
	etag string
	body []byte
}

// Client is a long-lived, concurrency-safe Forge HTTP client.
type Client struct {
	httpClient *http.Client
	apiURL     string
	token      string
	userAgent  string

	maxAttempts uint64
	baseDelay   time.Duration
	maxDelay    time.Duration

	mu            sync.Mutex
	etags         map[string]cachedResponse
	rateRemaining int
	rateReset     time.Time
	rateKnown     bool

	observer RequestObserver
	logger   *slog.Logger
}

// NewClient builds a Forge client for the given API base URL and token.
func NewClient(apiURL, token string, opts ClientOptions, observer RequestObserver, logger *slog.Logger) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "imq/" + version.Version
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient:  &http.Client{Timeout: requestTimeout},
		apiURL:      strings.TrimRight(apiURL, "/"),
		token:       token,
		userAgent:   opts.UserAgent,
		maxAttempts: uint64(opts.MaxAttempts),
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		etags:       make(map[string]cachedResponse),
		observer:    observer,
		logger:      logger,
	}
}

// Do performs the request with retry. Network errors and 5xx responses are
// retried with exponential backoff and ±20% jitter; everything else surfaces
// immediately as a classified *APIError.
func (c *Client) Do(ctx context.Context, ep Endpoint) (*Response, error) {
	var res *Response

	backoff := retry.NewExponential(c.baseDelay)
	backoff = retry.WithJitterPercent(20, backoff)
	backoff = retry.WithCappedDuration(c.maxDelay, backoff)
	backoff = retry.WithMaxRetries(c.maxAttempts-1, backoff)

	start := time.Now()
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var attemptErr error
		res, attemptErr = c.once(ctx, ep)
		if attemptErr == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(attemptErr, &apiErr) && apiErr.Retryable() {
			return retry.RetryableError(attemptErr)
		}
		return attemptErr
	})
	c.observe(err, time.Since(start))
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Retryable() {
			return nil, fmt.Errorf("%w: %w", ErrAllAttemptsFailed, err)
		}
		return nil, err
	}
	return res, nil
}

// once performs a single request attempt.
func (c *Client) once(ctx context.Context, ep Endpoint) (*Response, error) {
	urlPath := ep.URLPath()

	var bodyReader io.Reader
	if ep.Body != nil {
		raw, err := json.Marshal(ep.Body)
		if err != nil {
			return nil, &APIError{Kind: KindDecode, Message: "encoding request body", cause: err}
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, ep.Method, c.apiURL+urlPath, bodyReader)
	if err != nil {
		return nil, &APIError{Kind: KindNetwork, cause: err}
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", c.userAgent)
	if ep.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ep.UseETag {
		if etag := c.cachedETag(urlPath); etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Kind: KindNetwork, cause: err}
	}
	defer resp.Body.Close()

	c.trackRateLimit(resp)

	if resp.StatusCode == http.StatusNotModified {
		body := c.cachedBody(urlPath)
		return &Response{StatusCode: resp.StatusCode, Body: body, NotModified: true, ETag: c.cachedETag(urlPath)}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return nil, &APIError{Kind: KindNetwork, Message: "reading response body", cause: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		etag := resp.Header.Get("ETag")
		if ep.UseETag && etag != "" {
			c.storeETag(urlPath, etag, body)
		}
		return &Response{StatusCode: resp.StatusCode, Body: body, ETag: etag}, nil
	}

	return nil, classifyStatus(resp.StatusCode, body)
}

// classifyStatus maps a non-2xx response onto the error taxonomy.
func classifyStatus(status int, body []byte) *APIError {
	msg := errorMessage(body)
	switch {
	case status == http.StatusUnauthorized:
		return &APIError{Kind: KindUnauthorized, StatusCode: status, Message: msg}
	case status == http.StatusForbidden:
		if strings.Contains(strings.ToLower(string(body)), "rate limit") {
			return &APIError{Kind: KindRateLimited, StatusCode: status, Message: msg}
		}
		return &APIError{Kind: KindForbidden, StatusCode: status, Message: msg}
	case status == http.StatusNotFound:
		return &APIError{Kind: KindNotFound, StatusCode: status, Message: msg}
	case status == http.StatusUnprocessableEntity:
		return &APIError{Kind: KindValidation, StatusCode: status, Message: msg}
	default:
		return &APIError{Kind: KindHTTP, StatusCode: status, Message: msg}
	}
}

// errorMessage extracts the "message" field from a Forge error body.
func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(string(body))
}

func (c *Client) trackRateLimit(resp *http.Response) {
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	if remaining == "" {
		return
	}
	n, err := strconv.Atoi(remaining)
	if err != nil {
		return
	}
	var reset time.Time
	if raw := resp.Header.Get("X-RateLimit-Reset"); raw != "" {
		if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil {
			reset = time.Unix(epoch, 0)
		}
	}

	c.mu.Lock()
	c.rateRemaining = n
	c.rateReset = reset
	c.rateKnown = true
	c.mu.Unlock()

	if n < rateLimitWarnThreshold {
		c.logger.Warn("forge rate limit low",
			slog.Int("remaining", n),
			slog.Time("reset", reset))
	}
}

// RateLimitSnapshot returns the last observed rate-limit state.
func (c *Client) RateLimitSnapshot() RateLimit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return RateLimit{Remaining: c.rateRemaining, Reset: c.rateReset, Known: c.rateKnown}
}

func (c *Client) cachedETag(path string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.etags[path].etag
}

func (c *Client) cachedBody(path string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.etags[path].body
}

func (c *Client) storeETag(path, etag string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.etags[path] = cachedResponse{etag: etag, body: body}
}

// SeedETag primes the conditional cache for a path, typically from a
// persisted cursor after restart. The cached body stays empty, so callers
// must treat a NotModified answer as "nothing new" rather than re-decode it.
func (c *Client) SeedETag(path, etag string) {
	if etag == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.etags[path]; !exists {
		c.etags[path] = cachedResponse{etag: etag}
	}
}

func (c *Client) observe(err error, d time.Duration) {
	if c.observer == nil {
		return
	}
	outcome := "success"
	if err != nil {
		if kind := kindOf(err); kind != "" {
			outcome = string(kind)
		} else {
			outcome = "error"
		}
	}
	c.observer.ObserveForgeRequest(outcome, d)
}

// decodeJSON unmarshals a response body, classifying failures as decode errors.
func decodeJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &APIError{Kind: KindDecode, Message: "decoding response", cause: err}
	}
	return nil
}
