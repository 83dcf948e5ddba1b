package resilience

import (
	"context"
	"sync"
)

// Phase is the observable state of a guarded remote call.
//
//	Idle -> Retrying(n) -> Idle            transient failure recovered
//	Idle -> Retrying(n) -> CircuitOpen     failure threshold reached
//	CircuitOpen -> Idle                    half-open probe succeeded
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRetrying
	PhaseCircuitOpen
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRetrying:
		return "retrying"
	case PhaseCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// PhaseState is a snapshot of a Guard. Attempt is the retry number while
// Retrying.
type PhaseState struct {
	Phase   Phase `json:"phase"`
	Attempt int   `json:"attempt,omitempty"`
}

// Guard runs calls to one remote service through a circuit breaker wrapping
// a bounded retry loop.
type Guard struct {
	name    string
	retry   RetryConfig
	breaker *CircuitBreaker

	mu      sync.Mutex
	phase   Phase
	attempt int
}

// NewGuard builds a Guard. A nil breaker gets DefaultCircuitBreakerConfig.
func NewGuard(name string, retry RetryConfig, breaker *CircuitBreaker) *Guard {
	if breaker == nil {
		cfg := DefaultCircuitBreakerConfig()
		cfg.Name = name
		breaker = NewCircuitBreaker(cfg)
	}
	if retry.OnRetry == nil {
		retry.OnRetry = RetryLogger(name, "call")
	}
	return &Guard{name: name, retry: retry, breaker: breaker}
}

// Name returns the guarded service name.
func (g *Guard) Name() string { return g.name }

// Breaker exposes the underlying circuit breaker.
func (g *Guard) Breaker() *CircuitBreaker { return g.breaker }

// State returns the current phase.
func (g *Guard) State() PhaseState {
	if g.breaker.State() == CircuitOpen {
		return PhaseState{Phase: PhaseCircuitOpen}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return PhaseState{Phase: g.phase, Attempt: g.attempt}
}

func (g *Guard) set(p Phase, attempt int) {
	g.mu.Lock()
	g.phase = p
	g.attempt = attempt
	g.mu.Unlock()
}

func (g *Guard) settle() {
	if g.breaker.State() == CircuitOpen {
		g.set(PhaseCircuitOpen, 0)
		return
	}
	g.set(PhaseIdle, 0)
}

// Call runs fn under g. ErrCircuitOpen is returned without invoking fn while
// the breaker is open. The breaker records one outcome per Call, after
// retries are exhausted.
func Call[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg := g.retry
	onRetry := cfg.OnRetry
	cfg.OnRetry = func(attempt int, err error) {
		g.set(PhaseRetrying, attempt)
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}

	val, err := ExecuteVal(ctx, g.breaker, func(ctx context.Context) (T, error) {
		return DoVal(ctx, cfg, fn)
	})
	g.settle()
	return val, err
}
