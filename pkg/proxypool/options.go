package proxypool

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Observer receives per-URL progress. Dispatched is called from worker
// goroutines once per attempt; the other methods are called from the
// coordinator goroutine. Implementations must not block.
type Observer interface {
	BatchStarted(total int)
	Dispatched(url string, attempt int)
	Succeeded(url string, size int)
	Retrying(url string, attempt int, delay time.Duration)
	Failed(url string, err error)
	BatchFinished()
}

type options struct {
	retries      bool
	workers      int
	pollInterval time.Duration
	maxAttempts  int
	limit        rate.Limit
	burst        int
	throttle     ThrottleConfig
	fetcher      Fetcher
	logger       zerolog.Logger
	observer     Observer
	random       func() float64
	intn         func(n int) int
}

func defaultOptions() options {
	return options{
		retries:      true,
		workers:      64,
		pollInterval: 100 * time.Millisecond,
		limit:        rate.Inf,
		throttle:     DefaultThrottleConfig(),
		logger:       zerolog.Nop(),
	}
}

// Option configures a Getter.
type Option func(*options)

// WithRetries enables or disables retrying failed URLs.
// Default: true
func WithRetries(enabled bool) Option {
	return func(o *options) {
		o.retries = enabled
	}
}

// WithWorkers bounds the number of concurrent requests.
// Default: 64
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithPollInterval sets how often the coordinator re-checks whether the
// batch has finished.
// Default: 100ms
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithMaxAttempts caps attempts per URL when retries are enabled. A URL that
// exhausts its attempts is treated as a terminal failure.
// Default: 0 (unbounded)
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxAttempts = n
		}
	}
}

// WithRateLimit paces request starts to limit per second with the given
// burst. rate.Inf disables pacing.
// Default: rate.Inf
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(o *options) {
		o.limit = limit
		o.burst = max(burst, 1)
	}
}

// WithThrottle overrides the throttle tuning values.
func WithThrottle(cfg ThrottleConfig) Option {
	return func(o *options) {
		o.throttle = cfg
	}
}

// WithFetcher replaces the HTTP fetcher, mainly for tests.
func WithFetcher(f Fetcher) Option {
	return func(o *options) {
		o.fetcher = f
	}
}

// WithLogger sets the logger for diagnostic messages.
// Default: zerolog.Nop()
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) {
		o.logger = log
	}
}

// WithObserver registers a progress observer.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// WithRand replaces the random sources used for throttle jitter and proxy
// selection. Both functions must be safe for concurrent use.
func WithRand(float func() float64, intn func(n int) int) Option {
	return func(o *options) {
		o.random = float
		o.intn = intn
	}
}
