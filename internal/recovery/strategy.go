package recovery

import (
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Strategy is one of the recovery strategies named in spec.md's glossary.
type Strategy string

const (
	StrategyImmediateRetry Strategy = "immediate_retry"
	StrategyBackoffRetry   Strategy = "backoff_retry"
	StrategyFailover       Strategy = "failover"
	StrategyCircuitBreak   Strategy = "circuit_break"
	StrategyAbandon        Strategy = "abandon"
	StrategyDegrade        Strategy = "degrade"
)

// maxAttempts is the per-kind attempt ceiling from spec.md §4.4's table;
// once attempt exceeds the ceiling the strategy degrades to abandon.
var maxAttempts = map[Kind]int{
	KindCommunication: 3,
	KindConnection:    5,
	KindTimeout:       3,
	KindCommand:       1, // "failover... once"
}

// SelectStrategy implements spec.md §4.4's deterministic
// (kind, severity, attempt) -> strategy table.
func SelectStrategy(kind Kind, severity Severity, attempt int) Strategy {
	if limit, ok := maxAttempts[kind]; ok && attempt > limit {
		return StrategyAbandon
	}

	switch kind {
	case KindCommunication:
		return StrategyImmediateRetry
	case KindConnection:
		if severity == SeverityCritical {
			return StrategyCircuitBreak
		}
		return StrategyBackoffRetry
	case KindTimeout:
		return StrategyBackoffRetry
	case KindCommand:
		return StrategyFailover
	case KindResource:
		return StrategyCircuitBreak
	case KindHealthCheck:
		return StrategyDegrade
	case KindSession, KindInitialization, KindSystem:
		return StrategyAbandon
	default:
		return StrategyAbandon
	}
}

// BackoffFamily names a supported delay shape (spec.md §4.4).
type BackoffFamily string

const (
	BackoffLinear             BackoffFamily = "linear"
	BackoffExponential        BackoffFamily = "exponential"
	BackoffFibonacci          BackoffFamily = "fibonacci"
	BackoffDecorrelatedJitter BackoffFamily = "decorrelated_jitter"
)

// BackoffConfig configures the delay shape used between attempts by the
// backoff_retry and failover strategies (spec.md §6's retry_* options).
// Circuit-breaker cool-downs come from BreakerConfig, not from here.
type BackoffConfig struct {
	Family    BackoffFamily
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    bool
	// Custom overrides Family when non-nil: a caller-supplied function of
	// attempt number, per spec.md §4.4's "or a caller-supplied function".
	Custom func(attempt int) time.Duration
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Family == "" {
		c.Family = BackoffExponential
	}
	return c
}

// Delay computes the backoff delay for the given attempt (1-indexed),
// clipped to MaxDelay, per spec.md §4.4: "All delays are clipped to max."
func (c BackoffConfig) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	if c.Custom != nil {
		return clip(c.Custom(attempt), c.MaxDelay)
	}

	var d time.Duration
	switch c.Family {
	case BackoffLinear:
		d = c.BaseDelay * time.Duration(attempt)
	case BackoffFibonacci:
		d = c.BaseDelay * time.Duration(fibonacci(attempt))
	case BackoffDecorrelatedJitter:
		// AWS-style decorrelated jitter: next = random(base, prev*3),
		// approximated per-call since callers ask for one attempt at a
		// time rather than threading state through.
		hi := float64(c.BaseDelay) * math.Pow(3, float64(attempt-1))
		d = time.Duration(c.BaseDelay) + time.Duration(rand.Float64()*(hi-float64(c.BaseDelay)))
	case BackoffExponential:
		fallthrough
	default:
		d = newExponential(c.BaseDelay, c.MaxDelay, c.Jitter).duration(attempt)
	}

	if c.Jitter && c.Family != BackoffDecorrelatedJitter {
		d = jitter(d)
	}
	return clip(d, c.MaxDelay)
}

func clip(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	if d < 0 {
		return 0
	}
	return d
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return time.Duration(float64(d) * (0.5 + rand.Float64()*0.5))
}

func fibonacci(n int) int64 {
	if n <= 1 {
		return 1
	}
	var a, b int64 = 1, 1
	for i := 2; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}

// exponential wraps cenkalti/backoff/v4's ExponentialBackOff to compute a
// per-attempt delay without needing to thread its stateful NextBackOff
// cursor through the orchestrator's attempt counter.
type exponential struct {
	base   time.Duration
	max    time.Duration
	jitter bool
}

func newExponential(base, max time.Duration, jitter bool) exponential {
	return exponential{base: base, max: max, jitter: jitter}
}

func (e exponential) duration(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.base
	b.MaxInterval = e.max
	b.Multiplier = 2.0
	if !e.jitter {
		b.RandomizationFactor = 0
	}
	b.Reset()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop {
		return e.max
	}
	return d
}
