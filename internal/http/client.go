package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Common errors.
var (
	ErrNotFound         = errors.New("http: resource not found")
	ErrForbidden        = errors.New("http: access forbidden")
	ErrUnauthorized     = errors.New("http: unauthorized")
	ErrProxyAuth        = errors.New("http: proxy authentication required")
	ErrServerError      = errors.New("http: server error")
	ErrUnexpectedStatus = errors.New("http: unexpected status code")
	ErrBodyTooLarge     = errors.New("http: response body too large")
)

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections kept per proxy.
	// Default: 100
	MaxIdleConnsPerHost int

	// Timeout for individual requests. Zero leaves requests bounded only by
	// the transport's own defaults and the request context.
	// Default: 0
	Timeout time.Duration

	// DialTimeout bounds establishing the TCP connection to a proxy.
	// Default: 30s
	DialTimeout time.Duration

	// UserAgent is sent with every request when set.
	UserAgent string

	// MaxBodySize caps the raw body size in bytes. Zero means unlimited.
	// Default: 0
	MaxBodySize int64
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 100,
		DialTimeout:         30 * time.Second,
	}
}

// Client fetches resources through forward proxies. It keeps one pooled
// transport per proxy endpoint so connections are reused across requests
// routed through the same proxy.
type Client struct {
	opts Options

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = 100
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	return &Client{
		opts:       opts,
		transports: make(map[string]*http.Transport),
	}
}

// Fetch performs a GET of target through proxy and returns the raw body.
// Compressed bodies are returned as received; the caller decides how to
// decode them.
func (c *Client) Fetch(ctx context.Context, proxy *url.URL, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	SetRequestHeaders(req.Header)
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	resp, err := c.client(proxy).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatusCode(resp.StatusCode); err != nil {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w (%s)", err, resp.Status)
	}

	var r io.Reader = resp.Body
	if c.opts.MaxBodySize > 0 {
		r = io.LimitReader(resp.Body, c.opts.MaxBodySize+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if c.opts.MaxBodySize > 0 && int64(len(body)) > c.opts.MaxBodySize {
		return nil, fmt.Errorf("%w: over %d bytes", ErrBodyTooLarge, c.opts.MaxBodySize)
	}
	return body, nil
}

// CloseIdleConnections closes idle connections on every proxy transport.
func (c *Client) CloseIdleConnections() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.transports {
		t.CloseIdleConnections()
	}
}

// SetRequestHeaders sets the headers sent with every fetch: gzip is
// accepted, and caches must revalidate rather than serve stale content.
func SetRequestHeaders(h http.Header) {
	h.Set("Accept-Encoding", "gzip")
	h.Set("Cache-Control", "must-revalidate")
}

func (c *Client) client(proxy *url.URL) *http.Client {
	return &http.Client{
		Transport: c.transport(proxy),
		Timeout:   c.opts.Timeout,
	}
}

func (c *Client) transport(proxy *url.URL) *http.Transport {
	key := proxy.String()

	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.transports[key]; ok {
		return t
	}

	t := &http.Transport{
		Proxy: http.ProxyURL(proxy),
		DialContext: (&net.Dialer{
			Timeout:   c.opts.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: c.opts.MaxIdleConnsPerHost,
		MaxIdleConns:        c.opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true, // gzip is detected from the body, not the header
	}
	c.transports[key] = t
	return t
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
	case code == http.StatusProxyAuthRequired:
		return ErrProxyAuth
	case code >= 500:
		return ErrServerError
	default:
		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, code)
	}
}
