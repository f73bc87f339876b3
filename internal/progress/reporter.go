package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Options configures the progress reporter.
type Options struct {
	// Workers is the number of parallel workers (for display).
	Workers int

	// Proxies is the size of the proxy pool (for display).
	Proxies int

	// Output is where to write progress output.
	// Default: os.Stderr
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 500ms
	UpdateInterval time.Duration
}

// Reporter outputs human-readable batch progress. It satisfies
// proxypool.Observer. A reporter can be reused; each BatchStarted resets
// the counters.
type Reporter struct {
	opts Options

	total     atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	retries   atomic.Int64
	active    atomic.Int64
	bytes     atomic.Int64

	mu         sync.Mutex
	startTime  time.Time
	lastUpdate time.Time
	lastBytes  int64
	stopCh     chan struct{}
	doneCh     chan struct{}
	running    bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}

	return &Reporter{opts: opts}
}

// BatchStarted resets the counters, prints the header and begins periodic
// updates. A batch that is still running is stopped first.
func (r *Reporter) BatchStarted(total int) {
	r.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.total.Store(int64(total))
	r.succeeded.Store(0)
	r.failed.Store(0)
	r.retries.Store(0)
	r.active.Store(0)
	r.bytes.Store(0)
	r.startTime = time.Now()
	r.lastUpdate = r.startTime
	r.lastBytes = 0
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.running = true

	fmt.Fprintf(r.opts.Output, "[proxyfetch] Fetching %d URLs | Proxies: %d | Workers: %d\n",
		total,
		r.opts.Proxies,
		r.opts.Workers,
	)

	go r.updateLoop(r.stopCh, r.doneCh)
}

// Dispatched marks an attempt as active.
func (r *Reporter) Dispatched(url string, attempt int) {
	r.active.Add(1)
}

// Succeeded marks a URL as done.
func (r *Reporter) Succeeded(url string, size int) {
	r.bytes.Add(int64(size))
	r.succeeded.Add(1)
	r.active.Add(-1)
}

// Retrying counts a failed attempt that will be retried.
func (r *Reporter) Retrying(url string, attempt int, delay time.Duration) {
	r.retries.Add(1)
	r.active.Add(-1)
}

// Failed marks a URL as terminally failed.
func (r *Reporter) Failed(url string, err error) {
	r.failed.Add(1)
	r.active.Add(-1)
}

// BatchFinished stops the reporter and prints the final status.
func (r *Reporter) BatchFinished() {
	r.Stop()
}

// Stop stops the progress reporter and waits for the final status line.
// It is a no-op when no batch is running.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// updateLoop periodically updates the progress display.
func (r *Reporter) updateLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

// printProgress outputs the current progress.
func (r *Reporter) printProgress() {
	now := time.Now()
	completed := r.bytes.Load()
	total := r.total.Load()
	done := r.succeeded.Load() + r.failed.Load()

	elapsed := now.Sub(r.lastUpdate).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	speed := float64(completed-r.lastBytes) / elapsed

	r.lastUpdate = now
	r.lastBytes = completed

	var percent float64
	if total > 0 {
		percent = float64(done) / float64(total) * 100
	}

	fmt.Fprintf(r.opts.Output, "\r[proxyfetch] Progress: %.1f%% | %d/%d URLs | %s | Speed: %s/s    ",
		percent,
		done,
		total,
		FormatBytes(completed),
		FormatBytes(int64(speed)),
	)
	fmt.Fprintf(r.opts.Output, "\n[proxyfetch] URLs: %d succeeded | %d failed | %d active | %d retries    \033[A",
		r.succeeded.Load(),
		r.failed.Load(),
		r.active.Load(),
		r.retries.Load(),
	)
}

// printFinalStatus outputs the final status.
func (r *Reporter) printFinalStatus() {
	completed := r.bytes.Load()
	duration := time.Since(r.startTime)
	avgSpeed := float64(completed) / max(duration.Seconds(), 0.001)

	fmt.Fprintf(r.opts.Output, "\r[proxyfetch] Fetched %d/%d URLs | %s | Complete!    \n",
		r.succeeded.Load(),
		r.total.Load(),
		FormatBytes(completed),
	)
	fmt.Fprintf(r.opts.Output, "[proxyfetch] URLs: %d succeeded | %d failed | %d retries    \n",
		r.succeeded.Load(),
		r.failed.Load(),
		r.retries.Load(),
	)
	fmt.Fprintf(r.opts.Output, "[proxyfetch] Total time: %s | Average speed: %s/s\n",
		formatDuration(duration),
		FormatBytes(int64(avgSpeed)),
	)
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes formats bytes with IEC units, e.g. "1.5 KiB".
func FormatBytes(b int64) string {
	if b < 0 {
		b = 0
	}
	return humanize.IBytes(uint64(b))
}

// ParseBytes parses a human-readable byte string. IEC suffixes ("256MiB")
// are powers of 1024, SI suffixes ("256MB") powers of 1000.
func ParseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte string %q: %w", s, err)
	}
	return int64(n), nil
}
