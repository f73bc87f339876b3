package proxypool

import (
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync/atomic"
)

// Proxy errors.
var (
	ErrNoProxies    = errors.New("proxypool: no proxies configured")
	ErrInvalidProxy = errors.New("proxypool: invalid proxy endpoint")
)

var supportedProxySchemes = map[string]bool{
	"http":    true,
	"https":   true,
	"socks5":  true,
	"socks5h": true,
}

// ParseProxies parses proxy endpoints of the form scheme://host:port.
// Order is preserved.
func ParseProxies(raw []string) ([]*url.URL, error) {
	if len(raw) == 0 {
		return nil, ErrNoProxies
	}

	proxies := make([]*url.URL, 0, len(raw))
	for _, s := range raw {
		p, err := ParseProxy(s)
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, p)
	}
	return proxies, nil
}

// ParseProxy parses a single proxy endpoint.
func ParseProxy(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidProxy, raw, err)
	}
	if !supportedProxySchemes[strings.ToLower(u.Scheme)] {
		return nil, fmt.Errorf("%w %q: unsupported scheme %q", ErrInvalidProxy, raw, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w %q: missing host", ErrInvalidProxy, raw)
	}
	return u, nil
}

// ProxyStats holds outcome counters for one proxy.
type ProxyStats struct {
	Proxy     string
	Successes int64
	Failures  int64
}

type proxyCounters struct {
	successes atomic.Int64
	failures  atomic.Int64
}

// Selector picks proxies uniformly at random. It is safe for concurrent use.
//
// Outcomes passed to Report are kept for diagnostics only and never bias
// selection.
type Selector struct {
	proxies  []*url.URL
	counters map[string]*proxyCounters
	intn     func(n int) int
}

// NewSelector creates a selector over proxies. The slice must not be modified
// afterwards.
func NewSelector(proxies []*url.URL) (*Selector, error) {
	if len(proxies) == 0 {
		return nil, ErrNoProxies
	}

	counters := make(map[string]*proxyCounters, len(proxies))
	for _, p := range proxies {
		if p == nil {
			return nil, fmt.Errorf("%w: nil endpoint", ErrInvalidProxy)
		}
		counters[p.String()] = &proxyCounters{}
	}

	return &Selector{
		proxies:  proxies,
		counters: counters,
		intn:     rand.Intn,
	}, nil
}

// Select returns one proxy endpoint.
func (s *Selector) Select() *url.URL {
	if len(s.proxies) == 1 {
		return s.proxies[0]
	}
	return s.proxies[s.intn(len(s.proxies))]
}

// Len returns the number of configured proxies.
func (s *Selector) Len() int {
	return len(s.proxies)
}

// Report records the outcome of a request made through proxy.
func (s *Selector) Report(proxy *url.URL, ok bool) {
	if proxy == nil {
		return
	}
	c, found := s.counters[proxy.String()]
	if !found {
		return
	}
	if ok {
		c.successes.Add(1)
	} else {
		c.failures.Add(1)
	}
}

// Stats returns per-proxy counters in configuration order.
func (s *Selector) Stats() []ProxyStats {
	stats := make([]ProxyStats, 0, len(s.proxies))
	seen := make(map[string]bool, len(s.proxies))
	for _, p := range s.proxies {
		key := p.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		c := s.counters[key]
		stats = append(stats, ProxyStats{
			Proxy:     key,
			Successes: c.successes.Load(),
			Failures:  c.failures.Load(),
		})
	}
	return stats
}
