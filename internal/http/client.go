package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// Common errors.
var (
	ErrRangeNotSupported = errors.New("http: server does not support range requests")
	ErrNotFound          = errors.New("http: resource not found")
	ErrForbidden         = errors.New("http: access forbidden")
	ErrUnauthorized      = errors.New("http: unauthorized")
	ErrServerError       = errors.New("http: server error")

	// ErrPreconditionFailed means the remote resource changed under the
	// stored validator. Not retried here; the orchestrator owns the
	// single restart.
	ErrPreconditionFailed = errors.New("http: precondition failed")
)

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 100
	MaxIdleConnsPerHost int

	// Timeout for individual requests.
	// Default: 30s
	Timeout time.Duration

	// RetryAttempts is the maximum number of retry attempts.
	// Default: 5
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 30s
	RetryMaxBackoff time.Duration
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 100,
		Timeout:             30 * time.Second,
		RetryAttempts:       5,
		RetryBackoff:        time.Second,
		RetryMaxBackoff:     30 * time.Second,
	}
}

// ProbeResult contains metadata about the remote resource.
type ProbeResult struct {
	Size          int64
	ETag          string
	AcceptsRanges bool
	Code          int
	Header        http.Header
}

// RangeResponse represents a response to a range request.
type RangeResponse struct {
	Body          io.ReadCloser
	ContentLength int64
	ETag          string
	Code          int
	Header        http.Header
}

// Client is an HTTP client for remote probes and block-range fetches.
// Transfer-level retry with exponential backoff lives here, not in the
// orchestrator.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	transport := &http.Transport{
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true, // raw bytes for range requests
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts: opts,
	}
}

// Probe performs a HEAD request to learn the remote length, validator
// and range support. header, when non-nil, is merged into the request.
func (c *Client) Probe(ctx context.Context, url string, header http.Header) (*ProbeResult, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		mergeHeader(req, header)

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("%w: %d %s", ErrServerError, resp.StatusCode, resp.Status)
			continue
		}

		if err := checkStatusCode(resp.StatusCode); err != nil {
			return nil, err
		}

		return &ProbeResult{
			Size:          resp.ContentLength,
			ETag:          cleanETag(resp.Header.Get("ETag")),
			AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
			Code:          resp.StatusCode,
			Header:        resp.Header,
		}, nil
	}

	return nil, fmt.Errorf("probe failed after %d attempts: %w", c.opts.RetryAttempts+1, lastErr)
}

// GetRange performs a range request for [startByte, endByte], both
// inclusive. A negative endByte requests an open-ended range. When etag
// is non-empty it is sent as If-Match so a replaced resource fails with
// ErrPreconditionFailed instead of silently corrupting the output.
func (c *Client) GetRange(ctx context.Context, url string, header http.Header, etag string, startByte, endByte int64) (*RangeResponse, error) {
	var lastErr error

	for attempt := 0; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		mergeHeader(req, header)

		if endByte < 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", startByte))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", startByte, endByte))
		}
		if etag != "" {
			req.Header.Set("If-Match", `"`+etag+`"`)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		// Server errors are retryable
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: %d %s", ErrServerError, resp.StatusCode, resp.Status)
			continue
		}

		switch resp.StatusCode {
		case http.StatusPreconditionFailed, http.StatusRequestedRangeNotSatisfiable:
			resp.Body.Close()
			return nil, fmt.Errorf("%w: %d %s", ErrPreconditionFailed, resp.StatusCode, resp.Status)
		case http.StatusPartialContent:
			// Expected for a honored range request.
		case http.StatusOK:
			// 200 instead of 206 means the server ignored the range,
			// unless it still reported the range explicitly.
			if resp.Header.Get("Content-Range") == "" && startByte > 0 {
				resp.Body.Close()
				return nil, ErrRangeNotSupported
			}
		default:
			resp.Body.Close()
			if err := checkStatusCode(resp.StatusCode); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}

		return &RangeResponse{
			Body:          resp.Body,
			ContentLength: resp.ContentLength,
			ETag:          cleanETag(resp.Header.Get("ETag")),
			Code:          resp.StatusCode,
			Header:        resp.Header,
		}, nil
	}

	return nil, fmt.Errorf("range request failed after %d attempts: %w", c.opts.RetryAttempts+1, lastErr)
}

// backoff waits for an exponentially increasing duration with jitter.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	backoff := c.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
	if backoff > c.opts.RetryMaxBackoff {
		backoff = c.opts.RetryMaxBackoff
	}

	// Add jitter: 0.5 to 1.5 of backoff
	jitter := time.Duration(float64(backoff) * (0.5 + rand.Float64()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jitter):
		return nil
	}
}

// mergeHeader copies extra header values onto the request.
func mergeHeader(req *http.Request, header http.Header) {
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

// checkStatusCode returns an appropriate error for non-success status codes.
func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("unexpected status code: %d", code)
	}
}

// cleanETag removes quotes from an ETag value.
func cleanETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	return etag
}
