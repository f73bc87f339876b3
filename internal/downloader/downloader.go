package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gocloud.dev/blob"
	"golang.org/x/time/rate"

	"github.com/ligustah/proxyfetch/internal/config"
	proxyhttp "github.com/ligustah/proxyfetch/internal/http"
	"github.com/ligustah/proxyfetch/internal/progress"
	"github.com/ligustah/proxyfetch/internal/proxylist"
	"github.com/ligustah/proxyfetch/internal/sink"
	"github.com/ligustah/proxyfetch/pkg/proxypool"
)

// Errors returned by Run, usable with errors.Is.
var (
	ErrNoURLs    = errors.New("downloader: no URLs to fetch")
	ErrProxyList = errors.New("downloader: proxy list unavailable")
	ErrStorage   = errors.New("downloader: storage failure")
)

// Options configures a batch run.
type Options struct {
	// Config holds the merged configuration.
	Config config.Config

	// Proxies, if set, is used instead of loading the pool from Config.
	Proxies []*url.URL

	// Logger receives diagnostic messages.
	Logger zerolog.Logger

	// Progress is an optional progress reporter.
	Progress *progress.Reporter

	// Verify re-reads object attributes after persisting and fails the run
	// if any object is missing or has the wrong size.
	Verify bool

	// Fetcher replaces the HTTP client. Nil builds one from Config.HTTP.
	Fetcher proxypool.Fetcher
}

// Result summarizes a batch run.
type Result struct {
	BatchID    string
	URLs       []string
	Results    map[string][]byte
	Missing    []string
	Manifest   *sink.Manifest
	Validation *sink.ValidationResult
	Stats      []proxypool.ProxyStats
}

// PartialError is returned when some URLs have no content after the batch.
//
// Use errors.As to extract this error and inspect Missing.
type PartialError struct {
	Total   int      // Number of distinct URLs in the batch
	Missing []string // URLs without content
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("batch incomplete: %d of %d URLs missing", len(e.Missing), e.Total)
}

// LoadProxies collects the configured proxies: inline entries first, then
// the entries of the proxy list object.
func LoadProxies(ctx context.Context, cfg config.Config) ([]*url.URL, error) {
	raw := append([]string(nil), cfg.Proxies...)

	proxies, err := proxypool.ParseProxies(raw)
	if err != nil && !(errors.Is(err, proxypool.ErrNoProxies) && cfg.ProxyList.Bucket != "") {
		return nil, fmt.Errorf("%w: %w", ErrProxyList, err)
	}

	if cfg.ProxyList.Bucket != "" {
		listed, err := proxylist.Open(ctx, cfg.ProxyList.Bucket, cfg.ProxyList.Object)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProxyList, err)
		}
		proxies = append(proxies, listed...)
	}
	return proxies, nil
}

// LoadURLs collects the configured URLs: inline entries first, then the
// lines of the URL file.
func LoadURLs(cfg config.Config) ([]string, error) {
	urls := append([]string(nil), cfg.URLs...)

	if cfg.URLFile != "" {
		f, err := os.Open(cfg.URLFile)
		if err != nil {
			return nil, fmt.Errorf("open url file: %w", err)
		}
		defer f.Close()

		lines, err := proxylist.ReadLines(f)
		if err != nil {
			return nil, fmt.Errorf("read url file: %w", err)
		}
		urls = append(urls, lines...)
	}

	if len(urls) == 0 {
		return nil, ErrNoURLs
	}
	return urls, nil
}

// NewGetter builds a proxypool.Getter from the run options.
func NewGetter(proxies []*url.URL, opts Options) (*proxypool.Getter, error) {
	cfg := opts.Config

	fetcher := opts.Fetcher
	if fetcher == nil {
		httpOpts := proxyhttp.DefaultOptions()
		httpOpts.MaxIdleConnsPerHost = cfg.HTTP.MaxIdleConnsPerHost
		httpOpts.Timeout = cfg.HTTP.Timeout
		httpOpts.MaxBodySize = cfg.HTTP.MaxBodySize
		fetcher = proxyhttp.NewClient(httpOpts)
	}

	getterOpts := []proxypool.Option{
		proxypool.WithRetries(cfg.Retries),
		proxypool.WithWorkers(cfg.Workers),
		proxypool.WithMaxAttempts(cfg.MaxAttempts),
		proxypool.WithPollInterval(cfg.PollInterval),
		proxypool.WithThrottle(throttleConfig(cfg.Throttle)),
		proxypool.WithFetcher(fetcher),
		proxypool.WithLogger(opts.Logger),
	}
	if cfg.RateLimit.RPS > 0 {
		getterOpts = append(getterOpts, proxypool.WithRateLimit(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst))
	}
	if opts.Progress != nil {
		getterOpts = append(getterOpts, proxypool.WithObserver(opts.Progress))
	}

	return proxypool.New(proxies, getterOpts...)
}

// Run fetches every configured URL through the configured proxies. When
// bucket is non-nil the results are persisted under Config.Output.Prefix.
//
// Returns a *PartialError if some URLs have no content; the Result is
// populated in that case too. If ctx is cancelled mid-batch the partial
// Result is returned with the context error and nothing is persisted.
func Run(ctx context.Context, bucket *blob.Bucket, opts Options) (*Result, error) {
	cfg := opts.Config
	log := opts.Logger

	proxies := opts.Proxies
	if len(proxies) == 0 {
		var err error
		proxies, err = LoadProxies(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}
	urls, err := LoadURLs(cfg)
	if err != nil {
		return nil, err
	}

	g, err := NewGetter(proxies, opts)
	if err != nil {
		return nil, err
	}

	res := &Result{
		BatchID: uuid.NewString(),
		URLs:    dedupe(urls),
	}
	log = log.With().Str("batch_id", res.BatchID).Logger()

	res.Results, err = g.GetURLs(proxypool.ContextWithBatchID(ctx, res.BatchID), urls)
	res.Stats = g.Selector().Stats()
	for _, s := range res.Stats {
		log.Debug().
			Str("proxy", s.Proxy).
			Int64("successes", s.Successes).
			Int64("failures", s.Failures).
			Msg("Proxy stats")
	}
	if err != nil {
		return res, err
	}

	for _, u := range res.URLs {
		if _, ok := res.Results[u]; !ok {
			res.Missing = append(res.Missing, u)
		}
	}

	if bucket != nil {
		res.Manifest, err = sink.Write(ctx, bucket, cfg.Output.Prefix, res.BatchID, res.Results, res.Missing,
			sink.WithMetadata(map[string]string{
				"proxies": strconv.Itoa(len(proxies)),
				"retries": strconv.FormatBool(cfg.Retries),
			}),
		)
		if err != nil {
			return res, fmt.Errorf("%w: %w", ErrStorage, err)
		}
		log.Info().
			Str("prefix", cfg.Output.Prefix).
			Int("objects", len(res.Manifest.Objects)).
			Int64("bytes", res.Manifest.TotalSize).
			Msg("Batch persisted")

		if opts.Verify {
			res.Validation, err = sink.Validate(ctx, bucket, cfg.Output.Prefix)
			if err != nil {
				return res, fmt.Errorf("%w: %w", ErrStorage, err)
			}
			if !res.Validation.Valid {
				return res, fmt.Errorf("%w: validation failed: %d missing, %d size mismatches",
					ErrStorage, res.Validation.MissingObjects, res.Validation.SizeMismatches)
			}
		}
	}

	if len(res.Missing) > 0 {
		return res, &PartialError{Total: len(res.URLs), Missing: res.Missing}
	}
	return res, nil
}

// throttleConfig maps the validated config onto the core throttle. An
// explicit zero recovery probability disables recovery.
func throttleConfig(c config.ThrottleConfig) proxypool.ThrottleConfig {
	tc := proxypool.ThrottleConfig{
		Budget:              c.Budget,
		Growth:              c.Growth,
		RecoveryProbability: c.RecoveryProbability,
		InitialDelay:        c.InitialDelay,
	}
	if tc.RecoveryProbability == 0 {
		tc.RecoveryProbability = proxypool.NoRecovery
	}
	return tc
}

func dedupe(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}
