// Package http provides the proxy-aware HTTP client used to fetch batch URLs.
//
// This package handles:
//   - One pooled transport per proxy endpoint (http, https, socks5)
//   - The fixed request headers (Accept-Encoding: gzip, Cache-Control: must-revalidate)
//   - Mapping non-2xx statuses to errors
//   - Releasing idle connections at the end of a batch
//
// Bodies are returned raw. The transport's transparent decompression is
// disabled because callers sniff the gzip magic number themselves.
//
// # Usage
//
//	client := http.NewClient(http.DefaultOptions())
//	defer client.CloseIdleConnections()
//
//	proxy, _ := url.Parse("http://10.0.0.1:3128")
//	body, err := client.Fetch(ctx, proxy, "http://example.com/data.xml")
package http
