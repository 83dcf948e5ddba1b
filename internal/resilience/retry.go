package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// SleepFunc waits for d or until ctx is done. It is the scheduler the retry
// loop suspends on, replaceable in tests.
type SleepFunc func(ctx context.Context, d time.Duration) error

// TimerSleep is the default SleepFunc backed by a real timer.
func TimerSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Defaults applied to zero RetryConfig fields.
const (
	defaultAttempts       = 4
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 8 * time.Second
	defaultMultiplier     = 2.0
)

// RetryConfig is an exponential backoff policy. Zero fields take the
// package defaults.
type RetryConfig struct {
	MaxAttempts    int // includes the first try; 1 disables retries
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// JitterFraction spreads each delay by ±fraction of itself.
	JitterFraction float64

	// AttemptTimeout bounds a single attempt. An attempt that only hits this
	// deadline is retried.
	AttemptTimeout time.Duration

	// Budget bounds the whole loop including sleeps. No attempt starts
	// after the budget deadline.
	Budget time.Duration

	ShouldRetry func(err error) bool // nil means IsTransient
	OnRetry     func(attempt int, err error)
	Sleep       SleepFunc // nil means TimerSleep
}

// DefaultRetryConfig returns the policy used for remote geo services.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    defaultAttempts,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
		Multiplier:     defaultMultiplier,
		JitterFraction: 0.25,
		AttemptTimeout: 10 * time.Second,
		Budget:         30 * time.Second,
	}
}

// Do runs fn under cfg, retrying errors ShouldRetry accepts.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is Do for calls that produce a value. It returns the last error once
// attempts run out, the caller cancels, or the next sleep would overrun the
// budget.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)

	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	if cfg.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Budget)
		defer cancel()
	}

	var zero T
	for attempt := 0; ; attempt++ {
		val, err := runAttempt(ctx, cfg.AttemptTimeout, fn)
		switch {
		case err == nil:
			return val, nil
		case ctx.Err() != nil, !shouldRetry(err), attempt+1 >= cfg.MaxAttempts:
			return zero, err
		}

		delay := computeBackoff(attempt, cfg)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
			return zero, err
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err)
		}
		if cfg.Sleep(ctx, delay) != nil {
			return zero, err
		}
	}
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	val, err := fn(attemptCtx)
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		// Only this attempt timed out, which is retryable.
		return val, NewTransientError(err, 0)
	}
	return val, err
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = defaultMultiplier
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	if cfg.Sleep == nil {
		cfg.Sleep = TimerSleep
	}
	return cfg
}

func computeBackoff(attempt int, cfg RetryConfig) time.Duration {
	delay := math.Min(
		float64(cfg.InitialBackoff)*math.Pow(cfg.Multiplier, float64(attempt)),
		float64(cfg.MaxBackoff),
	)
	if cfg.JitterFraction > 0 {
		delay += (rand.Float64()*2 - 1) * delay * cfg.JitterFraction
	}
	return time.Duration(math.Max(delay, 0))
}

// RetryLogger returns an OnRetry hook that logs at warn level.
func RetryLogger(service, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying remote call",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
