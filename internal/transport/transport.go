package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/dsoothill/weather-collector/internal/breaker"
	"github.com/dsoothill/weather-collector/internal/observability"
)

// Terminal request errors: the call is aborted immediately, no retry.
var (
	ErrAuthFailed       = errors.New("authentication failed")
	ErrForbidden        = errors.New("access forbidden")
	ErrClientError      = errors.New("client error")
	ErrResponseTooLarge = errors.New("response too large")
)

// Retryable request errors: retried per the backoff policy until attempts or
// the time budget run out.
var (
	ErrUpstream    = errors.New("upstream failure")
	ErrRateLimited = errors.New("rate limited")
)

// Retryable reports whether the transport may retry after err.
func Retryable(err error) bool {
	return errors.Is(err, ErrUpstream) || errors.Is(err, ErrRateLimited)
}

// Config holds the retry and safety parameters of a Client.
type Config struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	MaxTotalTime     time.Duration
	Timeout          time.Duration
	MaxResponseBytes int64
}

// Client performs HTTP GETs with bounded exponential-backoff retry behind a
// circuit breaker. One pooled http.Client is reused across calls on the same
// instance.
type Client struct {
	cfg    Config
	http   *http.Client
	cb     *breaker.Breaker
	logger *zap.Logger
}

// New creates a Client gated by cb. Zero config values get defaults.
func New(cfg Config, cb *breaker.Breaker, logger *zap.Logger) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.MaxTotalTime <= 0 {
		cfg.MaxTotalTime = 2 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 50 << 20
	}
	return &Client{
		cfg:    cfg,
		cb:     cb,
		logger: logger,
		http:   &http.Client{Timeout: cfg.Timeout},
	}
}

// Get fetches rawURL with the given headers and query, returning the response
// body. Every attempt passes through the circuit breaker. Terminal failures
// and breaker-open rejections return immediately; retryable failures sleep a
// doubling backoff capped at MaxBackoff, aborting early when the next sleep
// would push total elapsed time past MaxTotalTime.
func (c *Client) Get(ctx context.Context, rawURL string, headers map[string]string, query url.Values) ([]byte, error) {
	backoff := c.cfg.InitialBackoff
	start := time.Now()
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		c.logger.Info("attempting request",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", c.cfg.MaxAttempts),
			zap.String("url", rawURL))

		var body []byte
		err := c.cb.Call(func() error {
			b, reqErr := c.doRequest(ctx, rawURL, headers, query)
			if reqErr != nil {
				return reqErr
			}
			body = b
			return nil
		})
		if err == nil {
			return body, nil
		}
		lastErr = err

		if errors.Is(err, breaker.ErrOpen) {
			observability.BreakerRejectionsTotal.Inc()
			c.logger.Error("circuit breaker open, rejecting request", zap.String("url", rawURL))
			return nil, err
		}
		if !Retryable(err) {
			c.logger.Error("terminal request failure", zap.Error(err), zap.String("url", rawURL))
			return nil, err
		}
		c.logger.Warn("retryable request failure", zap.Error(err))

		if attempt+1 >= c.cfg.MaxAttempts {
			break
		}
		next := backoff
		if next > c.cfg.MaxBackoff {
			next = c.cfg.MaxBackoff
		}
		if elapsed := time.Since(start); elapsed+next > c.cfg.MaxTotalTime {
			c.logger.Error("retry time budget would be exceeded, aborting",
				zap.Duration("elapsed", elapsed),
				zap.Duration("next_backoff", next),
				zap.Duration("budget", c.cfg.MaxTotalTime))
			return nil, fmt.Errorf("retry budget exceeded: %w", lastErr)
		}

		observability.UpstreamRetriesTotal.Inc()
		c.logger.Info("retrying", zap.Duration("backoff", next))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(next):
		}
		backoff *= 2
	}

	return nil, fmt.Errorf("exhausted %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

func (c *Client) doRequest(ctx context.Context, rawURL string, headers map[string]string, query url.Values) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse url: %v", ErrClientError, err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrClientError, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	observability.UpstreamCallsTotal.WithLabelValues(statusLabel(resp.StatusCode)).Inc()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	// Reject oversized responses before buffering the whole body.
	if resp.ContentLength > c.cfg.MaxResponseBytes {
		return nil, fmt.Errorf("%w: content-length %d exceeds %d", ErrResponseTooLarge, resp.ContentLength, c.cfg.MaxResponseBytes)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}
	if int64(len(body)) > c.cfg.MaxResponseBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrResponseTooLarge, c.cfg.MaxResponseBytes)
	}
	return body, nil
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized:
		return fmt.Errorf("%w (401): check the API key", ErrAuthFailed)
	case code == http.StatusForbidden:
		return fmt.Errorf("%w (403): check API permissions", ErrForbidden)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w (429)", ErrRateLimited)
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: HTTP %d", ErrClientError, code)
	case code >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrUpstream, code)
	}
	return nil
}

func statusLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "success"
	case code == http.StatusTooManyRequests:
		return "rate_limited"
	case code >= 400 && code < 500:
		return "client_error"
	case code >= 500:
		return "server_error"
	default:
		return "error"
	}
}
