// Package transport provides the rate-limited, retrying HTTP client used
// for all REST access to the Mattermost API.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mattersync/mattersync/internal/metrics"
	"github.com/mattersync/mattersync/internal/ratelimit"
)

const userAgent = "mattersync/0.1.0"

// DefaultRetryStatus is the set of status codes retried by default.
var DefaultRetryStatus = []int{429, 500, 502, 503, 504}

// Config holds the transport parameters. Zero values fall back to the
// defaults noted per field.
type Config struct {
	BaseURL       string
	Token         string
	Timeout       time.Duration // default 30s
	MaxRetries    int           // additional attempts after the first
	BackoffFactor float64       // default 1.0
	RetryOnStatus []int         // default DefaultRetryStatus
	RatePerSecond float64       // default 10
	RateBurst     int           // default 20
}

// RequestOptions carries the optional parts of a request.
type RequestOptions struct {
	Body    any
	Params  url.Values
	Headers http.Header
}

// Client executes authenticated REST requests with rate limiting,
// bounded retry, and typed error classification.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	maxRetries     int
	backoffFactor  float64
	retryOn        map[int]bool
	limiter        *ratelimit.Limiter
	defaultHeaders http.Header
	logger         *zap.Logger
}

// NewClient creates a Client from cfg.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	backoff := cfg.BackoffFactor
	if backoff == 0 {
		backoff = 1.0
	}
	ratePerSec := cfg.RatePerSecond
	if ratePerSec == 0 {
		ratePerSec = 10
	}
	burst := cfg.RateBurst
	if burst == 0 {
		burst = 20
	}
	retryStatus := cfg.RetryOnStatus
	if retryStatus == nil {
		retryStatus = DefaultRetryStatus
	}
	retryOn := make(map[int]bool, len(retryStatus))
	for _, code := range retryStatus {
		retryOn[code] = true
	}

	headers := http.Header{}
	headers.Set("User-Agent", userAgent)
	headers.Set("Accept", "application/json")
	headers.Set("Content-Type", "application/json")
	if cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+cfg.Token)
	}

	transport := &http.Transport{
		MaxIdleConns:    100,
		MaxConnsPerHost: 10,
		IdleConnTimeout: 90 * time.Second,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		maxRetries:     cfg.MaxRetries,
		backoffFactor:  backoff,
		retryOn:        retryOn,
		limiter:        ratelimit.New(ratePerSec, burst),
		defaultHeaders: headers,
		logger:         logger,
	}
}

// Request executes one HTTP request and returns the raw response body.
// Responses with status >= 400 are returned as typed errors; network
// failures that survive the retry loop come back as *TransportError.
func (c *Client) Request(ctx context.Context, method, endpoint string, opt *RequestOptions) ([]byte, error) {
	if opt == nil {
		opt = &RequestOptions{}
	}

	start := time.Now()
	requestID := uuid.NewString()

	fullURL := c.buildURL(endpoint)
	headers := c.mergeHeaders(opt.Headers)
	payload, contentType := serializeBody(opt.Body)
	if contentType != "" {
		headers.Set("Content-Type", contentType)
	}
	if len(opt.Params) > 0 {
		sep := "?"
		if strings.Contains(fullURL, "?") {
			sep = "&"
		}
		fullURL += sep + opt.Params.Encode()
	}

	c.logger.Debug("making HTTP request",
		zap.String("method", method),
		zap.String("url", fullURL),
		zap.Bool("has_body", payload != nil),
		zap.String("request_id", requestID),
	)

	resp, body, err := c.doWithRetries(ctx, method, fullURL, headers, payload)

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if err == nil {
		body, err = c.handleResponse(ctx, resp, body)
	}
	c.record(method, endpoint, status, err, time.Since(start))

	if err != nil {
		c.logger.Error("HTTP request failed",
			zap.String("method", method),
			zap.String("url", fullURL),
			zap.Int("status_code", status),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return nil, err
	}

	c.logger.Debug("HTTP request completed",
		zap.String("method", method),
		zap.String("url", fullURL),
		zap.Int("status_code", status),
		zap.String("request_id", requestID),
	)
	return body, nil
}

// doWithRetries runs the attempt loop: rate limit, execute, retry on
// retryable status or network error while attempts remain. The response
// body is fully read before returning.
func (c *Client) doWithRetries(ctx context.Context, method, fullURL string, headers http.Header, payload []byte) (*http.Response, []byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(payload))
		if err != nil {
			return nil, nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header = headers.Clone()

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < c.maxRetries {
				c.retryDelay(ctx, attempt, 0, err)
				continue
			}
			break
		}

		body, readErr := readBody(resp)
		if readErr != nil {
			lastErr = readErr
			if attempt < c.maxRetries {
				c.retryDelay(ctx, attempt, resp.StatusCode, readErr)
				continue
			}
			break
		}

		if c.retryOn[resp.StatusCode] && attempt < c.maxRetries {
			c.retryDelay(ctx, attempt, resp.StatusCode, nil)
			continue
		}

		return resp, body, nil
	}

	return nil, nil, &TransportError{Method: method, URL: fullURL, Err: lastErr}
}

// retryDelay sleeps backoffFactor * 2^attempt seconds, or until ctx is
// cancelled.
func (c *Client) retryDelay(ctx context.Context, attempt, status int, cause error) {
	wait := time.Duration(c.backoffFactor * math.Pow(2, float64(attempt)) * float64(time.Second))
	c.logger.Warn("request failed, retrying",
		zap.Int("attempt", attempt+1),
		zap.Int("max_retries", c.maxRetries),
		zap.Int("status_code", status),
		zap.Duration("wait", wait),
		zap.Error(cause),
	)
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

// handleResponse interprets the final response: courtesy sleep plus
// typed error on 429, typed errors for other >=400 statuses, raw body
// otherwise.
func (c *Client) handleResponse(ctx context.Context, resp *http.Response, body []byte) ([]byte, error) {
	if resp.StatusCode == http.StatusTooManyRequests {
		err := newStatusError(resp, body)
		if rle, ok := err.(*RateLimitError); ok && rle.RetryAfter > 0 {
			c.logger.Warn("rate limited, honoring Retry-After",
				zap.Float64("retry_after_sec", rle.RetryAfter),
			)
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(rle.RetryAfter * float64(time.Second))):
			}
		}
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, newStatusError(resp, body)
	}

	return body, nil
}

func (c *Client) record(method, endpoint string, status int, err error, elapsed time.Duration) {
	if err != nil {
		var httpErr *HTTPError
		switch e := err.(type) {
		case *ValidationError:
			httpErr = &e.HTTPError
		case *AuthenticationError:
			httpErr = &e.HTTPError
		case *AuthorizationError:
			httpErr = &e.HTTPError
		case *NotFoundError:
			httpErr = &e.HTTPError
		case *ConflictError:
			httpErr = &e.HTTPError
		case *RateLimitError:
			httpErr = &e.HTTPError
		case *ServerError:
			httpErr = &e.HTTPError
		case *HTTPError:
			httpErr = e
		}
		if httpErr != nil {
			status = httpErr.StatusCode
		}
		metrics.ErrorsTotal.WithLabelValues(fmt.Sprintf("%T", err), endpoint).Inc()
	}

	code := strconv.Itoa(status)
	metrics.RequestDuration.WithLabelValues(method, endpoint, code).Observe(elapsed.Seconds())
	metrics.RequestsTotal.WithLabelValues(method, endpoint, code).Inc()
}

// buildURL passes absolute URLs through and joins relative endpoints to
// the configured base.
func (c *Client) buildURL(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	return c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
}

func (c *Client) mergeHeaders(overrides http.Header) http.Header {
	merged := c.defaultHeaders.Clone()
	for key, values := range overrides {
		merged[http.CanonicalHeaderKey(key)] = values
	}
	return merged
}

// serializeBody converts a request body to wire bytes. Maps, slices and
// structs become compact JSON; strings and byte slices pass through;
// anything else tries JSON and falls back to its string form.
func serializeBody(body any) ([]byte, string) {
	switch v := body.(type) {
	case nil:
		return nil, ""
	case string:
		return []byte(v), ""
	case []byte:
		return v, ""
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return []byte(fmt.Sprint(v)), ""
		}
		return encoded, "application/json"
	}
}

func readBody(resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return body, nil
}

// Get executes a GET and unmarshals the JSON response into out when out
// is non-nil.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values, out any) error {
	body, err := c.Request(ctx, http.MethodGet, endpoint, &RequestOptions{Params: params})
	if err != nil {
		return err
	}
	return decodeInto(body, out)
}

// Post executes a POST with a JSON body.
func (c *Client) Post(ctx context.Context, endpoint string, in, out any) error {
	body, err := c.Request(ctx, http.MethodPost, endpoint, &RequestOptions{Body: in})
	if err != nil {
		return err
	}
	return decodeInto(body, out)
}

// Put executes a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, endpoint string, in, out any) error {
	body, err := c.Request(ctx, http.MethodPut, endpoint, &RequestOptions{Body: in})
	if err != nil {
		return err
	}
	return decodeInto(body, out)
}

// Delete executes a DELETE.
func (c *Client) Delete(ctx context.Context, endpoint string, out any) error {
	body, err := c.Request(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	return decodeInto(body, out)
}

func decodeInto(body []byte, out any) error {
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
