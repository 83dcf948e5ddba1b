package resilience

import (
	"time"
)

// FromRetrySettings converts config values to a RetryConfig. retries counts
// retries after the first attempt; zero values keep the defaults.
func FromRetrySettings(retries, initialBackoffMs, maxBackoffMs int, multiplier, jitterFraction float64, attemptTimeout, budget time.Duration) RetryConfig {
	cfg := DefaultRetryConfig()
	if retries >= 0 {
		cfg.MaxAttempts = retries + 1
	}
	if initialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	if multiplier > 0 {
		cfg.Multiplier = multiplier
	}
	if jitterFraction >= 0 {
		cfg.JitterFraction = jitterFraction
	}
	if attemptTimeout > 0 {
		cfg.AttemptTimeout = attemptTimeout
	}
	if budget > 0 {
		cfg.Budget = budget
	}
	return cfg
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(name string, failureThreshold int, cooldown time.Duration) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	cfg.Name = name
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if cooldown > 0 {
		cfg.ResetTimeout = cooldown
	}
	return cfg
}
