// Package httpkit builds the outbound HTTP clients used for the
// generative backend and the CRM data source. Every client shares the
// same dial and TLS timeouts, identifies itself with the HubPilot
// User-Agent, and can carry static credential headers so callers never
// set them per request.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/hubpilot/internal/buildinfo"
)

// Transport defaults.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	// DefaultResponseHeader bounds the wait for response headers. Model
	// calls can think for a while before the first byte, so this is
	// deliberately longer than a typical REST timeout.
	DefaultResponseHeader  = 90 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	DefaultMaxIdleConns    = 20
	DefaultMaxIdleConnsPer = 5
	DefaultClientTimeout   = 2 * time.Minute
)

// ClientOption configures a Client built by NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout    time.Duration
	userAgent  string
	headers    http.Header
	transport  *http.Transport
	dialRetry  int
	retryDelay time.Duration
	logger     *slog.Logger
}

// WithTimeout sets the overall request timeout on the http.Client.
// Zero disables it.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *clientConfig) { c.userAgent = ua }
}

// WithHeader adds a header to every request that does not already set
// it. Used for API keys and bearer tokens.
func WithHeader(key, value string) ClientOption {
	return func(c *clientConfig) {
		if c.headers == nil {
			c.headers = make(http.Header)
		}
		c.headers.Set(key, value)
	}
}

// WithTransport overrides the default transport.
func WithTransport(t *http.Transport) ClientOption {
	return func(c *clientConfig) { c.transport = t }
}

// WithDialRetry retries requests that failed before reaching the server
// (connection refused, host or network unreachable). Requests whose
// body cannot be rewound are never retried.
func WithDialRetry(count int, delay time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.dialRetry = count
		c.retryDelay = delay
	}
}

// WithLogger sets a logger for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// NewTransport creates an http.Transport with the package defaults.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPer,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client with the shared defaults.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := &clientConfig{
		timeout:   DefaultClientTimeout,
		userAgent: buildinfo.UserAgent(),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(cfg)
	}

	t := cfg.transport
	if t == nil {
		t = NewTransport()
	}

	hdr := cfg.headers.Clone()
	if hdr == nil {
		hdr = make(http.Header)
	}
	if cfg.userAgent != "" {
		hdr.Set("User-Agent", cfg.userAgent)
	}

	var rt http.RoundTripper = &headerTransport{base: t, headers: hdr}
	if cfg.dialRetry > 0 {
		rt = &dialRetryTransport{
			base:   rt,
			count:  cfg.dialRetry,
			delay:  cfg.retryDelay,
			logger: cfg.logger,
		}
	}

	return &http.Client{
		Timeout:   cfg.timeout,
		Transport: rt,
	}
}

// headerTransport sets default headers on requests that lack them.
type headerTransport struct {
	base    http.RoundTripper
	headers http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var cloned bool
	for k, vv := range t.headers {
		if req.Header.Get(k) != "" || len(vv) == 0 {
			continue
		}
		if !cloned {
			// RoundTripper must not modify the caller's request.
			req = req.Clone(req.Context())
			cloned = true
		}
		req.Header.Set(k, vv[0])
	}
	return t.base.RoundTrip(req)
}

type dialRetryTransport struct {
	base   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
}

func (t *dialRetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil || !IsDialError(err) {
		return resp, err
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, err
	}

	for attempt := 1; attempt <= t.count; attempt++ {
		t.logger.Debug("retrying request after dial failure",
			"method", req.Method,
			"host", req.URL.Host,
			"attempt", attempt,
			"error", err,
		)

		timer := time.NewTimer(t.delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		retryReq := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", bodyErr)
			}
			retryReq.Body = body
		}

		resp, err = t.base.RoundTrip(retryReq)
		if err == nil || !IsDialError(err) {
			return resp, err
		}
	}
	return resp, err
}

// IsDialError reports whether err is a connection failure that happened
// before any bytes reached the server.
func IsDialError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
		return true
	}
	return false
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads up to limit bytes from rc for error messages,
// then drains and closes the remainder.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
