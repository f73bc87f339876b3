// Package progress provides progress reporting for batch fetches.
//
// The Reporter implements proxypool.Observer and writes human-readable
// progress to stderr: completion percentage, transfer speed and per-URL
// outcome counts.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    Workers: 64,
//	    Proxies: len(proxies),
//	})
//
//	g, err := proxypool.New(proxies, proxypool.WithObserver(reporter))
//
// # Output Format
//
//	[proxyfetch] Fetching 1200 URLs | Proxies: 8 | Workers: 64
//	[proxyfetch] Progress: 45.2% | 542/1200 URLs | 1.1 GiB | Speed: 12 MiB/s
//	[proxyfetch] URLs: 530 succeeded | 12 failed | 64 active | 97 retries
package progress
