// Package client provides the HTTP transport for the communications platform
// REST API with authentication, shared throttling, response caching, retries
// and error handling.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/comms-client/pkg/cache"
	"github.com/Sternrassler/comms-client/pkg/logging"
	"github.com/Sternrassler/comms-client/pkg/ratelimit"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultBaseURL is the public API endpoint.
const DefaultBaseURL = "https://api.twilio.com"

// Prometheus metrics for API client operations.
// Paths are not used as labels: they carry account and resource ids.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comms_requests_total",
		Help: "Total API requests by method and status",
	}, []string{"method", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "comms_request_duration_seconds",
		Help:    "API request duration in seconds by method, retries included",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"method"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "comms_errors_total",
		Help: "Total API errors by class",
	}, []string{"class"})
)

var validate = validator.New()

// Client is the platform API client.
type Client struct {
	httpClient *http.Client
	redis      *redis.Client
	throttle   *ratelimit.Tracker
	cache      *cache.Manager
	baseURL    *url.URL
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the API, DefaultBaseURL unless testing against a mock.
	BaseURL string `validate:"required,url"`

	// Account SID or API key SID, sent as the basic auth username.
	Username string `validate:"required"`

	// Auth token or API key secret.
	Password string `validate:"required"`

	// User-Agent header
	// Format: "AppName/Version (contact@example.com)"
	UserAgent string `validate:"required"`

	// Region and Edge select a regional endpoint, e.g. "ie1" and "dublin".
	Region string `validate:"omitempty,alphanum"`
	Edge   string `validate:"omitempty,alphanum"`

	// Redis client for caching and shared throttle state.
	// nil disables both.
	Redis *redis.Client `validate:"-"`

	// HTTP timeout per attempt
	Timeout time.Duration `validate:"gte=0"`

	// Retry
	MaxRetries     int           `validate:"gte=0,lte=10"` // retries after the first attempt
	InitialBackoff time.Duration `validate:"gte=0"`        // overrides server/network class defaults
	MaxBackoff     time.Duration `validate:"gte=0"`

	// Caching
	CacheEnabled   bool // store responses that carry validators (ETag/Last-Modified)
	RespectExpires bool // serve unexpired entries without contacting the API
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(redis *redis.Client, userAgent string) Config {
	return Config{
		BaseURL:        DefaultBaseURL,
		Redis:          redis,
		UserAgent:      userAgent,
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		CacheEnabled:   redis != nil,
		RespectExpires: false, // collection listings must stay current
	}
}

// New creates a new API client.
func New(cfg Config) (*Client, error) {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return nil, fmt.Errorf("invalid client config: %s", strings.Join(fields, ", "))
		}
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	if cfg.RespectExpires && !cfg.CacheEnabled {
		return nil, fmt.Errorf("respect expires requires caching to be enabled")
	}
	if cfg.CacheEnabled && cfg.Redis == nil {
		return nil, fmt.Errorf("redis client is required when caching is enabled")
	}

	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	logger := logging.NewLogger("comms-client")

	c := &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		redis:   cfg.Redis,
		baseURL: baseURL,
		config:  cfg,
		logger:  logger,
	}

	if cfg.Redis != nil {
		c.throttle = ratelimit.NewTracker(cfg.Redis, logger)
	}
	if cfg.CacheEnabled {
		c.cache = cache.NewManager(cfg.Redis)
	}

	return c, nil
}

// Do performs an HTTP request with throttling, caching, retries and error handling.
// This is the core request method that orchestrates all client features.
//
// Non-2xx responses that are not retried, or are no longer retryable, are
// returned to the caller with a nil error; use ParseAPIError to decode them.
// Retry exhaustion returns ErrRetryExhausted wrapping the last *APIError.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	method := req.Method

	c.resolveURL(req.URL)
	req.Host = req.URL.Host

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(method).Observe(time.Since(startTime).Seconds())
	}()

	// Step 1: Shared throttle
	if c.throttle != nil {
		allowed, err := c.throttle.ShouldAllowRequest(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
			}
			c.logger.Error().Err(err).Msg("Throttle check failed")
			return nil, fmt.Errorf("throttle check: %w", err)
		}
		if !allowed {
			c.logger.Error().
				Str("method", method).
				Str("path", req.URL.Path).
				Msg("Request blocked by throttle")
			requestsTotal.WithLabelValues(method, "blocked").Inc()
			return nil, ErrRequestBlocked
		}
	}

	// Step 2: Cache lookup
	var (
		cacheKey    cache.Key
		cachedEntry *cache.Entry
	)
	cacheable := c.cache != nil && method == http.MethodGet
	if cacheable {
		cacheKey = cache.Key{
			Host:        req.URL.Host,
			Endpoint:    req.URL.Path,
			QueryParams: req.URL.Query(),
			Account:     c.config.Username,
		}

		entry, err := c.cache.Get(ctx, cacheKey)
		if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("path", req.URL.Path).Msg("Cache get error")
		}
		cachedEntry = entry

		if cachedEntry != nil && c.config.RespectExpires {
			c.logger.Debug().
				Str("path", req.URL.Path).
				Dur("ttl", cachedEntry.TTL()).
				Msg("Serving unexpired cache entry")
			requestsTotal.WithLabelValues(method, "cached").Inc()
			return cache.EntryToResponse(cachedEntry, req), nil
		}

		// Step 3: Conditional request
		if cache.ShouldMakeConditionalRequest(cachedEntry) {
			cache.AddConditionalHeaders(req, cachedEntry)
			cache.ConditionalRequestsSent.Inc()
			c.logger.Debug().
				Str("path", req.URL.Path).
				Str("etag", cachedEntry.ETag).
				Msg("Making conditional request")
		}
	}

	// Step 4: Auth and headers
	req.SetBasicAuth(c.config.Username, c.config.Password)
	req.Header.Set("User-Agent", c.config.UserAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	c.logger.Debug().
		Str("method", method).
		Str("url", req.URL.Redacted()).
		Msg("Executing API request")

	// Step 5: Execute with retry
	idempotent := isIdempotent(method)
	attempt := 0
	var resp *http.Response

	retryErr := retryWithBackoff(ctx, c.retryPolicy, func() error {
		attempt++
		if attempt > 1 && req.Body != nil && req.Body != http.NoBody {
			if req.GetBody == nil {
				return backoff.Permanent(fmt.Errorf("request body cannot be replayed for retry"))
			}
			body, err := req.GetBody()
			if err != nil {
				return backoff.Permanent(fmt.Errorf("rewind request body: %w", err))
			}
			req.Body = body
		}

		r, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err()))
			}
			errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
			requestsTotal.WithLabelValues(method, "network_error").Inc()
			c.logger.Warn().Err(err).Str("method", method).Int("attempt", attempt).Msg("HTTP request failed")

			err = fmt.Errorf("http request: %w", err)
			if !idempotent {
				return backoff.Permanent(err)
			}
			return err
		}

		// Step 6: Update shared throttle
		c.updateThrottle(ctx, r)
		requestsTotal.WithLabelValues(method, strconv.Itoa(r.StatusCode)).Inc()

		errClass := classifyStatus(r.StatusCode)
		if errClass == "" {
			resp = r
			return nil
		}

		errorsTotal.WithLabelValues(string(errClass)).Inc()
		c.logger.Warn().
			Str("method", method).
			Str("path", req.URL.Path).
			Int("status", r.StatusCode).
			Str("error_class", string(errClass)).
			Int("attempt", attempt).
			Msg("API request error")

		// server errors on non-idempotent requests may have been applied
		if !shouldRetry(errClass) || (errClass == ErrorClassServer && !idempotent) {
			resp = r
			return nil
		}

		return ParseAPIError(r)
	}, classifyError)

	if retryErr != nil {
		return nil, retryErr
	}

	// Step 7: Handle 304 Not Modified
	if resp.StatusCode == http.StatusNotModified && cachedEntry != nil {
		c.logger.Debug().Str("path", req.URL.Path).Msg("304 Not Modified - using cache")
		cache.NotModifiedResponses.Inc()

		if err := c.cache.UpdateTTL(ctx, cacheKey, cache.ExpiresFromHeaders(resp.Header)); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update cache TTL")
		}

		resp.Body.Close()
		return cache.EntryToResponse(cachedEntry, req), nil
	}

	// Step 8: Update cache on success
	switch {
	case cacheable && resp.StatusCode == http.StatusOK:
		c.storeResponse(ctx, cacheKey, resp)
	case c.cache != nil && !isSafe(method) && resp.StatusCode < http.StatusMultipleChoices:
		c.invalidateCollections(ctx, req.URL)
	}

	return resp, nil
}

func (c *Client) storeResponse(ctx context.Context, key cache.Key, resp *http.Response) {
	entry, err := cache.ResponseToEntry(resp)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to create cache entry")
		return
	}
	if !entry.Revalidatable() && !c.config.RespectExpires {
		return
	}

	if err := c.cache.Set(ctx, key, entry); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to cache response")
		return
	}
	c.logger.Debug().
		Str("path", key.Endpoint).
		Dur("ttl", entry.TTL()).
		Msg("Cached response")
}

// invalidateCollections drops cached pages that a successful write to u
// made stale, for this client's account.
func (c *Client) invalidateCollections(ctx context.Context, u *url.URL) {
	for _, path := range collectionPaths(u.Path) {
		key := cache.Key{Host: u.Host, Endpoint: path, Account: c.config.Username}
		removed, err := c.cache.InvalidateCollection(ctx, key)
		if err != nil {
			c.logger.Warn().Err(err).Str("path", path).Msg("Failed to invalidate cached pages")
			continue
		}
		if removed > 0 {
			c.logger.Debug().
				Str("path", path).
				Int("entries", removed).
				Msg("Invalidated cached pages")
		}
	}
}

// collectionPaths returns the paths whose listings a write to path changes:
// path itself and its parent list ("/v1/Services/IS1" -> "/v1/Services",
// "/Accounts/AC1/Messages/SM1.json" -> "/Accounts/AC1/Messages.json").
func collectionPaths(path string) []string {
	paths := []string{path}

	trimmed := strings.TrimSuffix(path, "/")
	i := strings.LastIndexByte(trimmed, '/')
	if i <= 0 {
		return paths
	}
	parent := trimmed[:i]
	if strings.HasSuffix(trimmed, ".json") {
		parent += ".json"
	}
	return append(paths, parent)
}

func (c *Client) updateThrottle(ctx context.Context, resp *http.Response) {
	if c.throttle == nil {
		return
	}
	if err := c.throttle.UpdateFromResponse(ctx, resp.StatusCode, resp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update throttle state")
	}
}

// retryPolicy applies the configured retry budget to the per-class defaults.
// Rate limit backoff keeps its own schedule.
func (c *Client) retryPolicy(errorClass ErrorClass) RetryConfig {
	rc := RetryConfigForErrorClass(errorClass)
	rc.MaxAttempts = c.config.MaxRetries + 1
	if errorClass != ErrorClassRateLimit {
		if c.config.InitialBackoff > 0 {
			rc.InitialBackoff = c.config.InitialBackoff
		}
		if c.config.MaxBackoff > 0 {
			rc.MaxBackoff = c.config.MaxBackoff
		}
	}
	return rc
}

// classifyError categorizes a failed attempt for retry decisions.
func classifyError(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorClass
	}
	return ErrorClassNetwork
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	default:
		return false
	}
}

// isSafe reports whether method leaves server state unchanged.
func isSafe(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// AbsoluteURL resolves a reference against the base URL. Absolute URLs are
// returned as-is; relative page URIs are resolved against BaseURL.
func (c *Client) AbsoluteURL(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", ref, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	return c.baseURL.ResolveReference(u).String(), nil
}

// Get performs a GET request. path may be relative to BaseURL or absolute;
// query is merged into any query already present in path.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	target, err := c.AbsoluteURL(path)
	if err != nil {
		return nil, err
	}

	if len(query) > 0 {
		u, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("parse url %q: %w", target, err)
		}
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	return c.Do(req)
}

// Fetch follows a page reference returned by the API (next_page_uri or
// meta.next_page_url).
func (c *Client) Fetch(ctx context.Context, ref string) (*http.Response, error) {
	return c.Get(ctx, ref, nil)
}

// Post submits a form-encoded request body.
func (c *Client) Post(ctx context.Context, path string, form url.Values) (*http.Response, error) {
	target, err := c.AbsoluteURL(path)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return c.Do(req)
}

// Close closes the client and releases resources.
// The Redis client is owned by the caller and stays open.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// GetCache returns the cache manager, nil when caching is disabled.
func (c *Client) GetCache() *cache.Manager {
	return c.cache
}
