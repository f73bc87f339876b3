// Package testutils provides shared test infrastructure: a scripted origin
// server and an in-process forward proxy.
package testutils

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
)

// Resource describes one path served by an Origin.
type Resource struct {
	Path string
	Body []byte

	// Gzip serves Body gzip-compressed with Content-Encoding: gzip.
	Gzip bool

	// FailTimes makes the first N requests for Path return 503.
	FailTimes int

	// Status, if non-zero, is returned instead of 200 once FailTimes is
	// exhausted. The body is still written.
	Status int
}

// Origin is an HTTP server that serves Resources and records request
// counts and headers.
type Origin struct {
	*httptest.Server

	mu        sync.Mutex
	resources map[string]*Resource
	hits      map[string]int
	headers   map[string]http.Header
}

// StartOrigin starts an origin serving resources. It is closed on test
// cleanup.
func StartOrigin(t *testing.T, resources ...Resource) *Origin {
	t.Helper()

	o := &Origin{
		resources: make(map[string]*Resource, len(resources)),
		hits:      make(map[string]int),
		headers:   make(map[string]http.Header),
	}
	for i := range resources {
		r := resources[i]
		o.resources[r.Path] = &r
	}

	o.Server = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.Close)
	return o
}

// URL returns the absolute URL of path on this origin.
func (o *Origin) URL(path string) string {
	return o.Server.URL + path
}

// Hits returns how many requests were made for path.
func (o *Origin) Hits(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

// LastHeader returns the headers of the most recent request for path.
func (o *Origin) LastHeader(path string) http.Header {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.headers[path]
}

func (o *Origin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	res, ok := o.resources[r.URL.Path]
	o.hits[r.URL.Path]++
	hit := o.hits[r.URL.Path]
	o.headers[r.URL.Path] = r.Header.Clone()
	o.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if hit <= res.FailTimes {
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	body := res.Body
	if res.Gzip {
		body = GzipBytes(res.Body)
		w.Header().Set("Content-Encoding", "gzip")
	}
	if res.Status != 0 {
		w.WriteHeader(res.Status)
	}
	w.Write(body)
}

// GzipBytes compresses data with gzip.
func GzipBytes(data []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(data)
	zw.Close()
	return buf.Bytes()
}

// ForwardProxy is an in-process HTTP forward proxy for plain http targets.
type ForwardProxy struct {
	*httptest.Server
	requests atomic.Int64
}

// StartForwardProxy starts a forward proxy. It is closed on test cleanup.
func StartForwardProxy(t *testing.T) *ForwardProxy {
	t.Helper()

	p := &ForwardProxy{}
	rp := &httputil.ReverseProxy{
		// Proxy requests carry an absolute URI, which is already the
		// upstream target.
		Director: func(*http.Request) {},
		Transport: &http.Transport{
			DisableCompression: true,
		},
	}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.requests.Add(1)
		if !r.URL.IsAbs() {
			http.Error(w, "not a proxy request", http.StatusBadRequest)
			return
		}
		rp.ServeHTTP(w, r)
	}))
	t.Cleanup(p.Close)
	return p
}

// ProxyURL returns the proxy endpoint.
func (p *ForwardProxy) ProxyURL() *url.URL {
	u, _ := url.Parse(p.Server.URL)
	return u
}

// Requests returns the number of requests the proxy received.
func (p *ForwardProxy) Requests() int64 {
	return p.requests.Load()
}

// UnreachableProxy returns a proxy URL on a port nothing listens on.
func UnreachableProxy(t *testing.T) *url.URL {
	t.Helper()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	u, err := url.Parse(addr)
	if err != nil {
		t.Fatalf("parse proxy url: %v", err)
	}
	return u
}
