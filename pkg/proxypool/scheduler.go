package proxypool

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrSchedulerClosed is returned by Dispatch after Close.
var ErrSchedulerClosed = errors.New("proxypool: scheduler closed")

// Fetcher performs a single GET of target through proxy and returns the raw
// body. Any error, including a non-2xx status, is a failure.
type Fetcher interface {
	Fetch(ctx context.Context, proxy *url.URL, target string) ([]byte, error)
	// CloseIdleConnections releases pooled connections at the end of a batch.
	CloseIdleConnections()
}

// Task is one attempt to download a URL.
type Task struct {
	URL     string
	Proxy   *url.URL
	Attempt int
}

// Event is the completion of a Task. Err is nil on success, in which case
// Content holds the decoded body.
type Event struct {
	Task    Task
	Content []byte
	Size    int // raw bytes received
	Err     error
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// Workers bounds the number of concurrent fetches.
	// Default: 64
	Workers int

	// Limiter, if set, paces request starts across all workers. A Wait
	// error is delivered as the task's completion error.
	Limiter *rate.Limiter

	// OnDispatch, if set, is called from the worker goroutine each time a
	// task starts an attempt.
	OnDispatch func(Task)

	Logger zerolog.Logger
}

// Scheduler runs fetches on a bounded worker pool. Dispatched and retried
// tasks share one FIFO queue; completions are delivered on Events.
type Scheduler struct {
	fetcher  Fetcher
	selector *Selector
	opts     SchedulerOptions

	mu       sync.Mutex
	queue    []Task
	inFlight int
	timers   map[*time.Timer]struct{}
	closed   bool

	wake   chan struct{}
	stop   chan struct{}
	events chan Event
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. Call Start before dispatching.
func NewScheduler(fetcher Fetcher, selector *Selector, opts SchedulerOptions) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 64
	}
	return &Scheduler{
		fetcher:  fetcher,
		selector: selector,
		opts:     opts,
		timers:   make(map[*time.Timer]struct{}),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		events:   make(chan Event),
	}
}

// Start launches the workers. They exit when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				task, ok := s.next(ctx)
				if !ok {
					return
				}
				s.run(ctx, task)
			}
		}()
	}
}

// Events returns the completion channel. It is never closed; stop reading
// once the context passed to Start is done.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// Dispatch queues url for download. It never blocks on network I/O.
func (s *Scheduler) Dispatch(url string) error {
	return s.enqueue(Task{URL: url})
}

// Retry queues task again once delay has elapsed.
func (s *Scheduler) Retry(task Task, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchedulerClosed
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		// Queue before dropping the timer so Busy never sees a gap.
		s.queue = append(s.queue, task)
		delete(s.timers, t)
		s.mu.Unlock()
		s.signal()
	})
	s.timers[t] = struct{}{}
	return nil
}

// Busy reports whether any task is queued, running, or waiting on a retry
// timer.
func (s *Scheduler) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0 || s.inFlight > 0 || len(s.timers) > 0
}

// Close stops pending retry timers, rejects further work, and waits for the
// workers to exit. Workers blocked in a fetch only return once the context
// passed to Start is done, so cancel it first.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.stop)
	for t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	s.queue = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.fetcher.CloseIdleConnections()
}

func (s *Scheduler) enqueue(task Task) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.queue = append(s.queue, task)
	s.mu.Unlock()

	s.signal()
	return nil
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next pops the head of the queue, waiting until one is available.
func (s *Scheduler) next(ctx context.Context) (Task, bool) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Task{}, false
		}
		if len(s.queue) > 0 {
			task := s.queue[0]
			s.queue = s.queue[1:]
			s.inFlight++
			more := len(s.queue) > 0
			s.mu.Unlock()

			// Pass the wakeup on so other idle workers drain the rest.
			if more {
				s.signal()
			}
			return task, true
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.stop:
			return Task{}, false
		case <-ctx.Done():
			return Task{}, false
		}
	}
}

func (s *Scheduler) run(ctx context.Context, task Task) {
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	task.Proxy = s.selector.Select()
	task.Attempt++
	if s.opts.OnDispatch != nil {
		s.opts.OnDispatch(task)
	}

	ev := Event{Task: task}
	if s.opts.Limiter != nil {
		if err := s.opts.Limiter.Wait(ctx); err != nil {
			ev.Err = fmt.Errorf("rate limit: %w", err)
			s.opts.Logger.Debug().
				Str("url", task.URL).
				Int("attempt", task.Attempt).
				Err(err).
				Msg("Rate limiter rejected request")
			s.send(ctx, ev)
			return
		}
	}

	body, err := s.fetcher.Fetch(ctx, task.Proxy, task.URL)
	if err == nil {
		ev.Size = len(body)
		ev.Content, err = Decode(body)
	}
	ev.Err = err
	s.selector.Report(task.Proxy, err == nil)

	s.opts.Logger.Trace().
		Str("url", task.URL).
		Str("proxy", task.Proxy.Redacted()).
		Int("attempt", task.Attempt).
		Err(err).
		Msg("Request completed")

	s.send(ctx, ev)
}

func (s *Scheduler) send(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	case <-s.stop:
	case <-ctx.Done():
	}
}
