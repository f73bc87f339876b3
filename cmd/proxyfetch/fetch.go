package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/ligustah/proxyfetch/internal/config"
	"github.com/ligustah/proxyfetch/internal/downloader"
	"github.com/ligustah/proxyfetch/internal/progress"
	"github.com/ligustah/proxyfetch/internal/sink"
	"github.com/ligustah/proxyfetch/pkg/proxypool"
)

type fetchOptions struct {
	commonOptions
	proxyOptions

	URLs         []string      `short:"u" long:"url" description:"URL to fetch (repeatable, positional arguments also count)"`
	URLFile      string        `short:"f" long:"url-file" description:"File with one URL per line"`
	NoRetries    bool          `long:"no-retries" description:"Attempt each URL once"`
	Workers      int           `short:"w" long:"workers" description:"Concurrent requests (default: 64)"`
	MaxAttempts  int           `long:"max-attempts" description:"Attempts per URL before giving up (default: unbounded)"`
	RPS          float64       `long:"rps" description:"Dispatch rate limit in requests per second"`
	Burst        int           `long:"burst" description:"Dispatch rate limit burst"`
	Budget       time.Duration `long:"budget" description:"Throttle time budget per batch (default: 10m)"`
	Timeout      time.Duration `long:"timeout" description:"Per-request timeout (default: none)"`
	MaxBodySize  string        `long:"max-body-size" description:"Largest accepted response body, e.g. 64MiB (default: unlimited)"`
	OutputBucket string        `short:"o" long:"output-bucket" description:"Bucket URL to persist results into"`
	OutputPrefix string        `long:"output-prefix" description:"Object prefix for persisted results"`
	Progress     bool          `long:"progress" description:"Show progress output"`
	Verify       bool          `long:"verify" description:"Validate persisted objects after writing"`
}

// runFetch downloads a batch of URLs through the proxy pool and optionally
// persists the results to object storage.
func runFetch(args []string) int {
	var opts fetchOptions
	rest, code, ok := parseArgs("fetch", "[OPTIONS] [URL...]", &opts, args)
	if !ok {
		return code
	}

	var maxBody int64
	if opts.MaxBodySize != "" {
		size, err := progress.ParseBytes(opts.MaxBodySize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitInvalidArgs
		}
		maxBody = size
	}

	override := config.Config{
		URLs:        append(opts.URLs, rest...),
		URLFile:     opts.URLFile,
		Workers:     opts.Workers,
		MaxAttempts: opts.MaxAttempts,
		RateLimit:   config.RateLimitConfig{RPS: opts.RPS, Burst: opts.Burst},
		Throttle:    config.ThrottleConfig{Budget: opts.Budget},
		HTTP:        config.HTTPConfig{Timeout: opts.Timeout, MaxBodySize: maxBody},
		Output:      config.OutputConfig{Bucket: opts.OutputBucket, Prefix: opts.OutputPrefix},
		Progress:    opts.Progress,
	}
	opts.proxyOptions.apply(&override)

	cfg, err := loadConfig(opts.commonOptions, override)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	if opts.NoRetries {
		cfg.Retries = false
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	log := newLogger(os.Stderr, opts.commonOptions)

	ctx, cancel := signalContext(func() {
		fmt.Fprintln(os.Stderr, "\n[proxyfetch] Received interrupt, shutting down...")
	})
	defer cancel()

	proxies, err := downloader.LoadProxies(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading proxies: %v\n", err)
		return ExitProxyListError
	}

	var bkt *blob.Bucket
	if cfg.Output.Bucket != "" {
		bkt, err = blob.OpenBucket(ctx, cfg.Output.Bucket)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening bucket: %v\n", err)
			return ExitStorageError
		}
		defer bkt.Close()
	}

	var reporter *progress.Reporter
	if cfg.Progress {
		reporter = progress.NewReporter(progress.Options{
			Workers:        cfg.Workers,
			Proxies:        len(proxies),
			UpdateInterval: time.Second,
		})
	}

	res, err := downloader.Run(ctx, bkt, downloader.Options{
		Config:   cfg,
		Proxies:  proxies,
		Logger:   log,
		Progress: reporter,
		Verify:   opts.Verify,
	})
	return reportFetch(ctx, cfg, res, err)
}

func reportFetch(ctx context.Context, cfg config.Config, res *downloader.Result, err error) int {
	var partial *downloader.PartialError
	switch {
	case err == nil:
	case errors.As(err, &partial):
		fmt.Fprintf(os.Stderr, "[proxyfetch] %v\n", err)
		for _, u := range partial.Missing {
			fmt.Fprintf(os.Stderr, "  - %s\n", u)
		}
	case ctx.Err() != nil:
		fmt.Fprintln(os.Stderr, "[proxyfetch] Fetch interrupted")
		return ExitGeneralError
	case errors.Is(err, downloader.ErrNoURLs), errors.Is(err, proxypool.ErrInvalidURL):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	case errors.Is(err, downloader.ErrProxyList):
		fmt.Fprintf(os.Stderr, "Error loading proxies: %v\n", err)
		return ExitProxyListError
	case errors.Is(err, downloader.ErrStorage):
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}

	fmt.Fprintf(os.Stderr, "[proxyfetch] Fetched %d/%d URLs (batch %s)\n", len(res.Results), len(res.URLs), res.BatchID)
	if res.Manifest != nil {
		fmt.Fprintf(os.Stderr, "[proxyfetch] Manifest: %s/%s%s\n", cfg.Output.Bucket, res.Manifest.Prefix, sink.ManifestName)
	}

	if partial != nil {
		return ExitPartial
	}
	return ExitSuccess
}
