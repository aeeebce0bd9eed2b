// Package concurrency bounds how many reports are generated at once and sheds load
// when generation keeps failing.
package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned by Acquire while the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Metrics is a snapshot of limiter activity.
type Metrics struct {
	Capacity        int64
	Active          int64
	TotalAcquired   int64
	TotalReleased   int64
	TotalRejected   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// AverageWait is the mean time spent waiting for a slot.
func (m Metrics) AverageWait() time.Duration {
	if m.TotalAcquired == 0 {
		return 0
	}
	return time.Duration(m.TotalWaitTimeNs / m.TotalAcquired)
}

// Limiter is a semaphore with a circuit breaker in front of it.
type Limiter struct {
	sem            chan struct{}
	active         atomic.Int64
	acquired       atomic.Int64
	released       atomic.Int64
	rejected       atomic.Int64
	peak           atomic.Int64
	waitNs         atomic.Int64
	circuitBreaker *CircuitBreaker
	isFailure      func(error) bool
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCircuitBreaker replaces the default breaker. A nil breaker disables it.
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(l *Limiter) {
		l.circuitBreaker = cb
	}
}

// WithFailureFilter decides which errors from Do count against the breaker. By default
// every non-nil error does.
func WithFailureFilter(fn func(error) bool) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.isFailure = fn
		}
	}
}

// NewLimiter creates a limiter allowing maxConcurrent holders at once. The default
// breaker opens after 20 consecutive failures and retries after 30 seconds.
func NewLimiter(maxConcurrent int, opts ...Option) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	l := &Limiter{
		sem:            make(chan struct{}, maxConcurrent),
		circuitBreaker: NewCircuitBreaker(20, 30*time.Second),
		isFailure:      func(err error) bool { return err != nil },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire waits for a free slot. It fails fast while the breaker is open and returns
// ctx.Err() if the context ends first.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.circuitBreaker != nil && l.circuitBreaker.IsOpen() {
		l.rejected.Add(1)
		return ErrCircuitOpen
	}

	start := time.Now()
	select {
	case l.sem <- struct{}{}:
		l.waitNs.Add(time.Since(start).Nanoseconds())
		l.acquired.Add(1)
		l.updatePeak(l.active.Add(1))
		return nil
	case <-ctx.Done():
		l.rejected.Add(1)
		return ctx.Err()
	}
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		l.active.Add(-1)
		l.released.Add(1)
	default:
	}
}

// Do runs fn while holding a slot and reports its outcome to the breaker.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()

	err := fn(ctx)
	if l.circuitBreaker != nil {
		if l.isFailure(err) {
			l.circuitBreaker.RecordFailure()
		} else {
			l.circuitBreaker.RecordSuccess()
		}
	}
	return err
}

// CurrentActive returns the number of held slots.
func (l *Limiter) CurrentActive() int64 {
	return l.active.Load()
}

// Capacity returns the number of slots.
func (l *Limiter) Capacity() int {
	return cap(l.sem)
}

// GetMetrics returns a snapshot of the counters.
func (l *Limiter) GetMetrics() Metrics {
	return Metrics{
		Capacity:        int64(cap(l.sem)),
		Active:          l.active.Load(),
		TotalAcquired:   l.acquired.Load(),
		TotalReleased:   l.released.Load(),
		TotalRejected:   l.rejected.Load(),
		PeakConcurrent:  l.peak.Load(),
		TotalWaitTimeNs: l.waitNs.Load(),
	}
}

// CircuitState returns the breaker state, "disabled" when there is none.
func (l *Limiter) CircuitState() string {
	if l.circuitBreaker == nil {
		return "disabled"
	}
	// IsOpen moves an expired open breaker to half-open.
	l.circuitBreaker.IsOpen()
	return l.circuitBreaker.GetState().String()
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := l.peak.Load()
		if current <= peak || l.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}
