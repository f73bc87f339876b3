package proxypool

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	proxyhttp "github.com/ligustah/proxyfetch/internal/http"
)

// ErrInvalidURL is returned by GetURLs when a URL is not absolute.
var ErrInvalidURL = errors.New("proxypool: invalid URL")

// URLState is the lifecycle state of one URL within a batch.
type URLState int

const (
	// StatePending means the URL has not been handed to the scheduler yet.
	StatePending URLState = iota
	// StateInFlight means a request for the URL is queued or running.
	StateInFlight
	// StateRetrying means the last attempt failed and the next attempt is
	// waiting on the throttle delay or already running.
	StateRetrying
	// StateSucceeded means the content is in the store.
	StateSucceeded
	// StateFailed means the URL failed and will not be retried.
	StateFailed
)

func (s URLState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("URLState(%d)", int(s))
	}
}

// Terminal reports whether no further transitions happen from s.
func (s URLState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Getter downloads batches of URLs through a proxy pool. Batches run one at
// a time; concurrent GetURLs calls are serialized.
type Getter struct {
	opts     options
	selector *Selector
	throttle *Throttle
	store    *Store
	fetcher  Fetcher

	batchMu sync.Mutex
}

// New creates a Getter over proxies.
func New(proxies []*url.URL, opts ...Option) (*Getter, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	selector, err := NewSelector(proxies)
	if err != nil {
		return nil, err
	}
	if o.intn != nil {
		selector.intn = o.intn
	}

	throttle := NewThrottle(o.throttle)
	if o.random != nil {
		throttle.random = o.random
	}

	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = proxyhttp.NewClient(proxyhttp.DefaultOptions())
	}

	return &Getter{
		opts:     o,
		selector: selector,
		throttle: throttle,
		store:    NewStore(),
		fetcher:  fetcher,
	}, nil
}

// Selector returns the proxy selector, e.g. to read per-proxy stats.
func (g *Getter) Selector() *Selector {
	return g.selector
}

// Throttle returns the batch throttle.
func (g *Getter) Throttle() *Throttle {
	return g.throttle
}

type batchIDKey struct{}

// ContextWithBatchID returns a context that makes GetURLs tag the batch
// with id instead of a random UUID.
func ContextWithBatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, batchIDKey{}, id)
}

// BatchIDFromContext returns the batch id set by ContextWithBatchID.
func BatchIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(batchIDKey{}).(string)
	return id, ok && id != ""
}

// batch tracks the state machine of every URL in one GetURLs call. It is
// owned by the coordinator goroutine.
type batch struct {
	id     string
	states map[string]URLState
	counts [StateFailed + 1]int
}

func newBatch(id string, urls []string) *batch {
	b := &batch{
		id:     id,
		states: make(map[string]URLState, len(urls)),
	}
	for _, u := range urls {
		b.states[u] = StatePending
	}
	b.counts[StatePending] = len(urls)
	return b
}

func (b *batch) set(url string, s URLState) {
	b.counts[b.states[url]]--
	b.states[url] = s
	b.counts[s]++
}

func (b *batch) resolved() int {
	return b.counts[StateSucceeded] + b.counts[StateFailed]
}

func (b *batch) active() int {
	return len(b.states) - b.resolved()
}

// GetURLs downloads every URL and returns the decoded bodies keyed by URL.
//
// With retries enabled it returns once every URL has succeeded (or exhausted
// WithMaxAttempts). With retries disabled it returns once every URL has been
// attempted; failed URLs are absent from the result. If ctx is done first,
// the partial result is returned together with ctx.Err().
func (g *Getter) GetURLs(ctx context.Context, urls []string) (map[string][]byte, error) {
	g.batchMu.Lock()
	defer g.batchMu.Unlock()

	urls, err := uniqueURLs(urls)
	if err != nil {
		return nil, err
	}

	g.store.Reset()
	g.throttle.Reset(len(urls))

	id, ok := BatchIDFromContext(ctx)
	if !ok {
		id = uuid.NewString()
	}
	b := newBatch(id, urls)
	log := g.opts.logger.With().Str("batch_id", b.id).Logger()

	if len(urls) == 0 {
		return g.store.Snapshot(), nil
	}

	log.Info().
		Int("urls", len(urls)).
		Int("proxies", g.selector.Len()).
		Bool("retries", g.opts.retries).
		Dur("ceiling", g.throttle.Ceiling()).
		Msg("Starting batch")
	if g.opts.observer != nil {
		g.opts.observer.BatchStarted(len(urls))
		defer g.opts.observer.BatchFinished()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	schedOpts := SchedulerOptions{
		Workers: g.opts.workers,
		Limiter: g.limiter(),
		Logger:  log,
	}
	if obs := g.opts.observer; obs != nil {
		schedOpts.OnDispatch = func(task Task) {
			obs.Dispatched(task.URL, task.Attempt)
		}
	}
	sched := NewScheduler(g.fetcher, g.selector, schedOpts)
	sched.Start(runCtx)
	defer func() {
		cancel()
		sched.Close()
	}()

	for _, u := range urls {
		if err := sched.Dispatch(u); err != nil {
			return g.store.Snapshot(), err
		}
		b.set(u, StateInFlight)
	}

	start := time.Now()
	ticker := time.NewTicker(g.opts.pollInterval)
	defer ticker.Stop()

	for b.resolved() < len(urls) {
		select {
		case ev := <-sched.Events():
			g.handle(log, b, sched, ev)
		case <-ticker.C:
			// A URL can only be unresolved while the scheduler still holds
			// work for it. Without retries nothing new is ever queued, so an
			// idle scheduler means the batch is over.
			if !g.opts.retries && !sched.Busy() {
				log.Warn().Int("unresolved", b.active()).Msg("Scheduler idle with unresolved URLs")
				return g.finish(log, b, start), nil
			}
		case <-ctx.Done():
			log.Warn().Err(ctx.Err()).Int("unresolved", b.active()).Msg("Batch cancelled")
			return g.finish(log, b, start), ctx.Err()
		}
	}

	return g.finish(log, b, start), nil
}

func (g *Getter) finish(log zerolog.Logger, b *batch, start time.Time) map[string][]byte {
	log.Info().
		Int("succeeded", b.counts[StateSucceeded]).
		Int("failed", b.counts[StateFailed]).
		Dur("elapsed", time.Since(start)).
		Dur("delay", g.throttle.Delay()).
		Msg("Batch finished")
	return g.store.Snapshot()
}

// handle applies one completion to the batch state.
func (g *Getter) handle(log zerolog.Logger, b *batch, sched *Scheduler, ev Event) {
	task := ev.Task
	if b.states[task.URL].Terminal() {
		log.Warn().Str("url", task.URL).Msg("Completion for resolved URL ignored")
		return
	}

	if ev.Err == nil {
		g.store.Insert(task.URL, ev.Content)
		b.set(task.URL, StateSucceeded)
		g.throttle.OnSuccess()
		if g.opts.observer != nil {
			g.opts.observer.Succeeded(task.URL, len(ev.Content))
		}
		return
	}

	if !g.opts.retries || (g.opts.maxAttempts > 0 && task.Attempt >= g.opts.maxAttempts) {
		log.Warn().
			Str("url", task.URL).
			Str("proxy", task.Proxy.Redacted()).
			Int("attempt", task.Attempt).
			Err(ev.Err).
			Msg("Download failed")
		b.set(task.URL, StateFailed)
		if g.opts.observer != nil {
			g.opts.observer.Failed(task.URL, ev.Err)
		}
		return
	}

	delay := g.throttle.OnFailure()
	log.Debug().
		Str("url", task.URL).
		Str("proxy", task.Proxy.Redacted()).
		Int("attempt", task.Attempt).
		Err(ev.Err).
		Dur("delay", delay).
		Dur("ceiling", g.throttle.Ceiling()).
		Msg("Download retrying")

	// Report before scheduling so the next Dispatched follows Retrying.
	if g.opts.observer != nil {
		g.opts.observer.Retrying(task.URL, task.Attempt, delay)
	}
	if err := sched.Retry(task, delay); err != nil {
		b.set(task.URL, StateFailed)
		if g.opts.observer != nil {
			g.opts.observer.Failed(task.URL, err)
		}
		return
	}
	b.set(task.URL, StateRetrying)
}

func (g *Getter) limiter() *rate.Limiter {
	if g.opts.limit == rate.Inf {
		return nil
	}
	return rate.NewLimiter(g.opts.limit, g.opts.burst)
}

// uniqueURLs validates urls and drops repeated entries, keeping the first.
func uniqueURLs(urls []string) ([]string, error) {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		if seen[raw] {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidURL, raw, err)
		}
		if !u.IsAbs() || u.Host == "" {
			return nil, fmt.Errorf("%w %q: must be absolute", ErrInvalidURL, raw)
		}
		seen[raw] = true
		out = append(out, raw)
	}
	return out, nil
}
