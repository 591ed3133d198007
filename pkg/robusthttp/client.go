package robusthttp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type LeveledSlog struct {
	inner *slog.Logger
}

// re-writes HTTP client ERROR to WARN level (because of retries)
func (l LeveledSlog) Error(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Warn(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Info(msg string, keysAndValues ...any) {
	l.inner.Info(msg, keysAndValues...)
}

func (l LeveledSlog) Debug(msg string, keysAndValues ...any) {
	l.inner.Debug(msg, keysAndValues...)
}

type config struct {
	retry   *retryablehttp.Client
	timeout time.Duration
}

type Option func(*config)

func WithMaxRetries(maxRetries int) Option {
	return func(c *config) {
		c.retry.RetryMax = maxRetries
	}
}

func WithRetryWait(waitMin, waitMax time.Duration) Option {
	return func(c *config) {
		c.retry.RetryWaitMin = waitMin
		c.retry.RetryWaitMax = waitMax
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.retry.Logger = retryablehttp.LeveledLogger(LeveledSlog{inner: logger})
	}
}

func WithRetryPolicy(policy retryablehttp.CheckRetry) Option {
	return func(c *config) {
		c.retry.CheckRetry = policy
	}
}

// Overall per-request timeout, including retries.
func WithTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.timeout = timeout
	}
}

// Generates an HTTP client with decent general-purpose defaults around timeouts and retries. The returned client
// has the stdlib http.Client interface, but has Hashicorp retryablehttp logic internally.
//
// By default this client will retry on connection errors, 5xx status (except 501), and not 429. Clients which
// must not repeat a request the server may have acted on should use FireOncePolicy.
func NewClient(options ...Option) *http.Client {
	logger := LeveledSlog{inner: slog.Default().With("subsystem", "RobustHTTPClient")}
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Transport = otelhttp.NewTransport(cleanhttp.DefaultPooledTransport())
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(logger)
	retryClient.CheckRetry = DefaultRetryPolicy

	c := &config{retry: retryClient, timeout: 30 * time.Second}
	for _, option := range options {
		option(c)
	}

	client := retryClient.StandardClient()
	client.Timeout = c.timeout
	return client
}

// Wraps retryablehttp.DefaultRetryPolicy, treating 429 as non-retryable so the application can decide how to
// deal with rate-limiting.
func DefaultRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// Retries only when the connection could not be established, ie the server never saw the request. Any response,
// including 5xx, is final.
func FireOncePolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil {
		return false, nil
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true, nil
	}
	return false, nil
}
