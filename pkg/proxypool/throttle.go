package proxypool

import (
	"math"
	"math/rand"
	"sync/atomic"
	"time"
)

// ThrottleConfig holds the tuning values of the adaptive retry delay.
// The defaults are empirical, not derived.
type ThrottleConfig struct {
	// Budget is the total time budget divided across the URLs of a batch
	// to obtain the soft ceiling.
	// Default: 10m
	Budget time.Duration

	// Growth is added to a uniform [0,1) sample to get the multiplier
	// applied to the delay after a failure.
	// Default: 2.1
	Growth float64

	// RecoveryProbability is the chance that a success shrinks the delay
	// by one millisecond. Zero takes the default; use NoRecovery to keep
	// successes from ever shrinking the delay.
	// Default: 0.05
	RecoveryProbability float64

	// InitialDelay is the delay at the start of each batch. Growth restarts
	// from this value if the delay has decayed to zero.
	// Default: 1ms
	InitialDelay time.Duration
}

// NoRecovery is a RecoveryProbability that disables recovery on success.
const NoRecovery = -1.0

// DefaultThrottleConfig returns the default tuning values.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		Budget:              10 * time.Minute,
		Growth:              2.1,
		RecoveryProbability: 0.05,
		InitialDelay:        time.Millisecond,
	}
}

func (c ThrottleConfig) withDefaults() ThrottleConfig {
	def := DefaultThrottleConfig()
	if c.Budget <= 0 {
		c.Budget = def.Budget
	}
	if c.Growth <= 0 {
		c.Growth = def.Growth
	}
	switch {
	case c.RecoveryProbability == 0:
		c.RecoveryProbability = def.RecoveryProbability
	case c.RecoveryProbability < 0:
		c.RecoveryProbability = 0
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	return c
}

// Throttle is the batch-wide retry delay. Failures grow it multiplicatively
// up to a soft ceiling; successes occasionally shrink it by one millisecond.
//
// All methods are safe for concurrent use. State lives in atomics and every
// read-modify-write is a compare-and-swap loop.
type Throttle struct {
	cfg       ThrottleConfig
	initialMs int64
	random    func() float64

	delayMs   atomic.Int64
	ceilingMs atomic.Int64
}

// NewThrottle creates a throttle. Zero fields in cfg take their defaults.
func NewThrottle(cfg ThrottleConfig) *Throttle {
	cfg = cfg.withDefaults()
	t := &Throttle{
		cfg:       cfg,
		initialMs: max(cfg.InitialDelay.Milliseconds(), 1),
		random:    rand.Float64,
	}
	t.delayMs.Store(t.initialMs)
	t.ceilingMs.Store(cfg.Budget.Milliseconds())
	return t
}

// Reset prepares the throttle for a batch of batchSize URLs.
func (t *Throttle) Reset(batchSize int) {
	ceiling := t.cfg.Budget.Milliseconds()
	if batchSize > 0 {
		ceiling /= int64(batchSize)
	}
	t.ceilingMs.Store(ceiling)
	t.delayMs.Store(t.initialMs)
}

// OnFailure grows the delay if it is below the ceiling and returns the wait
// before the retry fires.
func (t *Throttle) OnFailure() time.Duration {
	for {
		d := t.delayMs.Load()
		c := t.ceilingMs.Load()
		if d >= c {
			return time.Duration(d) * time.Millisecond
		}

		base := d
		if base <= 0 {
			base = t.initialMs
		}
		next := int64(math.Round(float64(base) * (t.random() + t.cfg.Growth)))
		if next > c {
			next = c
		}
		if t.delayMs.CompareAndSwap(d, next) {
			return time.Duration(next) * time.Millisecond
		}
	}
}

// OnSuccess shrinks the delay by one millisecond with probability
// RecoveryProbability. The delay never drops below zero.
func (t *Throttle) OnSuccess() {
	if t.cfg.RecoveryProbability <= 0 || t.random() >= t.cfg.RecoveryProbability {
		return
	}
	for {
		d := t.delayMs.Load()
		if d <= 0 {
			return
		}
		if t.delayMs.CompareAndSwap(d, d-1) {
			return
		}
	}
}

// Delay returns the current delay.
func (t *Throttle) Delay() time.Duration {
	return time.Duration(t.delayMs.Load()) * time.Millisecond
}

// Ceiling returns the soft ceiling for the current batch.
func (t *Throttle) Ceiling() time.Duration {
	return time.Duration(t.ceilingMs.Load()) * time.Millisecond
}
