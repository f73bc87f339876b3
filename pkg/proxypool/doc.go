// Package proxypool fetches batches of URLs concurrently through a pool of
// forward proxies.
//
// Every request is routed through a proxy picked uniformly at random from the
// pool. Bodies that start with the gzip magic number (0x1F 0x8B) are
// decompressed transparently. Successful bodies are returned keyed by the URL
// they were requested with.
//
// # Usage
//
//	proxies, err := proxypool.ParseProxies([]string{"http://10.0.0.1:3128"})
//	if err != nil {
//	    return err
//	}
//	g, err := proxypool.New(proxies, proxypool.WithRetries(true))
//	if err != nil {
//	    return err
//	}
//	results, err := g.GetURLs(ctx, urls)
//
// # Retry and throttling
//
// With retries enabled, a failed URL is retried until it succeeds. Before each
// retry the batch-wide [Throttle] delay grows multiplicatively, and it never
// exceeds the soft ceiling of Budget / len(urls). Successes shrink the delay
// by one millisecond, 5% of the time. With retries disabled a failure is
// terminal and the URL is simply absent from the result. Callers diff the
// result keys against their input to find the missing URLs.
//
// # Components
//
//   - [Selector]: uniform random proxy choice
//   - [Throttle]: adaptive retry delay shared by the batch
//   - [Store]: URL to content mapping written by concurrent completions
//   - [Scheduler]: bounded worker pool that performs fetches and emits [Event]s
//   - [Getter]: coordinates one batch and owns the per-URL state machine
package proxypool
