// Package handlers provides the built-in job handlers shipped with the
// conveyor daemon. Handlers classify their failures into outcomes so the
// engine can retry, throttle, or dead-letter appropriately.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ferrule/conveyor/engine"
	"github.com/ferrule/conveyor/errors"
	"github.com/ferrule/conveyor/internal/httpclient"
	"github.com/ferrule/conveyor/logger"
)

const (
	// HTTPFetchType is the job type the HTTP fetch handler registers under.
	HTTPFetchType = "http.fetch"

	// NoopType is the job type of the no-op handler, useful for smoke
	// testing a queue end to end.
	NoopType = "noop"

	defaultFetchTimeout = 30 * time.Second

	// defaultThrottleDelay is used when a 429 carries no Retry-After.
	defaultThrottleDelay = time.Minute

	// maxResponseBytes bounds how much of a response body is drained so
	// keep-alive connections stay reusable without buffering huge bodies.
	maxResponseBytes = 1 << 20
)

// HTTPSession is a pooled HTTP client. Pooling sessions lets operators
// bound concurrent outbound fetches per queue while reusing keep-alive
// connections across jobs.
type HTTPSession struct {
	client *httpclient.SaferClient
}

// Client returns the session's SSRF-protected client.
func (s *HTTPSession) Client() *httpclient.SaferClient {
	return s.client
}

// Close releases the session's idle connections.
func (s *HTTPSession) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// NewHTTPSessionFactory returns a factory producing pooled HTTP sessions
// with full SSRF protection.
func NewHTTPSessionFactory() engine.ResourceFactory {
	return func(ctx context.Context) (engine.Resource, error) {
		return &HTTPSession{client: httpclient.New(defaultFetchTimeout)}, nil
	}
}

// FetchPayload is the payload schema for http.fetch jobs.
type FetchPayload struct {
	URL    string `json:"url"`
	Method string `json:"method,omitempty"` // Default: GET
}

// HTTPFetch fetches a URL and classifies the response status into an
// outcome: 2xx succeeds, 429 throttles until the server's Retry-After,
// 408 and 5xx retry, and any other 4xx is a permanent failure.
type HTTPFetch struct {
	client *httpclient.SaferClient
}

// NewHTTPFetch creates the handler with a default SSRF-protected client.
// The client is a fallback: when the worker hands the handler a pooled
// HTTPSession via the context, the session's client is used instead.
func NewHTTPFetch() *HTTPFetch {
	return &HTTPFetch{client: httpclient.New(defaultFetchTimeout)}
}

// NewHTTPFetchWithClient creates the handler with a caller-supplied client.
func NewHTTPFetchWithClient(client *httpclient.SaferClient) *HTTPFetch {
	return &HTTPFetch{client: client}
}

func (h *HTTPFetch) Name() string { return HTTPFetchType }

func (h *HTTPFetch) Execute(ctx context.Context, job *engine.Job) engine.Outcome {
	var payload FetchPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return engine.Permanent(errors.Wrap(err, "invalid http.fetch payload"))
	}
	if payload.URL == "" {
		return engine.Permanent(errors.New("http.fetch payload missing url"))
	}

	method := strings.ToUpper(payload.Method)
	if method == "" {
		method = http.MethodGet
	}

	client := h.client
	if res, ok := engine.ResourceFrom(ctx); ok {
		if session, ok := res.(*HTTPSession); ok {
			client = session.Client()
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, payload.URL, nil)
	if err != nil {
		return engine.Permanent(errors.Wrap(err, "invalid http.fetch request"))
	}

	resp, err := client.Do(req)
	if err != nil {
		// Network failures are transient until proven otherwise.
		return engine.Retry(errors.Wrapf(err, "fetch %s", payload.URL))
	}
	defer resp.Body.Close()

	// Drain a bounded amount so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		next := time.Now().UTC().Add(retryAfterDelay(resp))
		logger.Logger.Infow("Fetch rate limited by origin",
			"url", payload.URL,
			"next_run", next)
		return engine.Throttle(next)

	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return engine.Retry(errors.Newf("fetch %s: status %d", payload.URL, resp.StatusCode))

	case resp.StatusCode >= 400:
		return engine.Permanent(errors.Newf("fetch %s: status %d", payload.URL, resp.StatusCode))

	default:
		return engine.Success()
	}
}

// retryAfterDelay parses a Retry-After header, accepting both the
// delta-seconds and HTTP-date forms.
func retryAfterDelay(resp *http.Response) time.Duration {
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return defaultThrottleDelay
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if delay := time.Until(at); delay > 0 {
			return delay
		}
	}

	return defaultThrottleDelay
}

// Noop succeeds without doing anything.
type Noop struct{}

func (Noop) Name() string { return NoopType }

func (Noop) Execute(ctx context.Context, job *engine.Job) engine.Outcome {
	return engine.Success()
}

// RegisterBuiltins registers the handlers shipped with the daemon.
func RegisterBuiltins(registry *engine.Registry) {
	registry.Register(NewHTTPFetch())
	registry.Register(Noop{})
}
