package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Delayer may be implemented by errors that know how long the caller should
// wait before the next attempt, e.g. a rate limiter's retry-after hint.
type Delayer interface {
	Delay() (time.Duration, bool)
}

// Jitter selects how randomness is applied to computed backoff delays.
type Jitter string

const (
	JitterNone Jitter = "none"
	JitterFull Jitter = "full"
)

// Backoff computes exponential delays between attempts.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     Jitter
}

// Delay returns the wait before retry number n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	multiplier := b.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	d := float64(b.Base) * math.Pow(multiplier, float64(n-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter == JitterFull && d > 0 {
		d = rand.Float64() * d
	}
	return time.Duration(d)
}

// OnRetryFunc is called before sleeping between attempts. Returning an error
// aborts the retry loop with that error.
type OnRetryFunc func(attempt int, err error, wait time.Duration) error

type options struct {
	maxRetries int
	backoff    Backoff
	onRetry    OnRetryFunc
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures Do.
type Option func(*options)

// WithMaxRetries sets how many retries follow the first attempt.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithBaseWait sets the first backoff delay.
func WithBaseWait(d time.Duration) Option {
	return func(o *options) { o.backoff.Base = d }
}

// WithMaxWait caps the backoff delay.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) { o.backoff.Max = d }
}

// WithBackoff replaces the backoff policy wholesale.
func WithBackoff(b Backoff) Option {
	return func(o *options) { o.backoff = b }
}

// WithOnRetry registers a hook invoked before each wait.
func WithOnRetry(fn OnRetryFunc) Option {
	return func(o *options) { o.onRetry = fn }
}

// WithSleep overrides how Do waits. Used by tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = fn }
}

// Do calls fn until it succeeds, returns a non-recoverable error, the retry
// budget is spent or ctx is done. The last error from fn is returned as-is.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := options{
		maxRetries: 3,
		backoff:    Backoff{Base: 100 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2},
		sleep:      Sleep,
	}
	for _, opt := range opts {
		opt(&o)
	}
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt > o.maxRetries || !IsRecoverable(err) {
			return err
		}
		wait := o.backoff.Delay(attempt)
		var delayer Delayer
		if errors.As(err, &delayer) {
			if d, ok := delayer.Delay(); ok {
				wait = d
			}
		}
		if o.onRetry != nil {
			if hookErr := o.onRetry(attempt, err, wait); hookErr != nil {
				return hookErr
			}
		}
		if sleepErr := o.sleep(ctx, wait); sleepErr != nil {
			return sleepErr
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
