package http

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/wesleyorama2/loadgen/internal/config"
)

// ClientConfig contains HTTP client configuration.
type ClientConfig struct {
	// MaxIdleConnsPerHost controls the maximum idle connections per host
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long idle connections are kept alive
	IdleConnTimeout time.Duration

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool
}

// DefaultClientConfig returns sensible defaults for load testing.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
}

// NewClient creates the HTTP client shared by every virtual user.
//
// The client has no overall timeout: each request carries its own deadline
// through its context so the deadline is measured per request.
func NewClient(cfg ClientConfig) *http.Client {
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = DefaultClientConfig().MaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = DefaultClientConfig().IdleConnTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.MaxIdleConnsPerHost,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in via insecureSkipTLSVerify
		},
		ForceAttemptHTTP2: true,
	}

	return &http.Client{
		Transport: transport,
		// Redirects are followed like a browser would; the final status is recorded.
	}
}

// Executor issues the configured GET request and reports its outcome.
//
// Executor is safe for concurrent use by all virtual users.
type Executor struct {
	client    *http.Client
	url       string
	timeout   time.Duration
	headers   map[string]string
	userAgent string
}

// NewExecutor builds an Executor for the test's target.
func NewExecutor(cfg config.TestConfig) *Executor {
	client := NewClient(ClientConfig{
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		InsecureSkipVerify:  cfg.SkipTLSVerify,
	})
	return NewExecutorWithClient(cfg, client)
}

// NewExecutorWithClient builds an Executor around an existing client.
func NewExecutorWithClient(cfg config.TestConfig, client *http.Client) *Executor {
	target := ""
	if cfg.TargetURL != nil {
		target = cfg.TargetURL.String()
	}
	return &Executor{
		client:    client,
		url:       target,
		timeout:   cfg.RequestTimeout,
		headers:   cfg.Headers,
		userAgent: cfg.UserAgent,
	}
}

// Execute performs one GET against the target.
//
// Failures never surface as errors; they are folded into the result. The
// request runs under its own timeout and is detached from ctx cancellation,
// so stopping a test lets in-flight requests finish or time out.
func (e *Executor) Execute(ctx context.Context) RequestResult {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	result := RequestResult{StartedAt: time.Now()}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, e.url, nil)
	if err != nil {
		result.Latency = time.Since(result.StartedAt)
		result.ErrorKind = ErrorKindRequest
		result.Err = err
		return result
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
	for key, value := range e.headers {
		req.Header.Set(key, value)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		result.Latency = time.Since(result.StartedAt)
		result.ErrorKind = Classify(err)
		result.Err = err
		return result
	}
	defer resp.Body.Close()

	// Drain the body so the connection goes back to the pool.
	n, err := io.Copy(io.Discard, resp.Body)
	result.Latency = time.Since(result.StartedAt)
	result.StatusCode = resp.StatusCode
	result.BytesReceived = n

	if err != nil {
		result.ErrorKind = Classify(err)
		result.Err = err
		return result
	}
	if resp.StatusCode >= http.StatusBadRequest {
		result.ErrorKind = ErrorKindHTTPStatus
	}
	return result
}

// Timeout returns the per-request timeout.
func (e *Executor) Timeout() time.Duration {
	return e.timeout
}

// Close releases idle pooled connections.
func (e *Executor) Close() {
	e.client.CloseIdleConnections()
}
