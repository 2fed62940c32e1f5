package recovery

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig configures every per-resource circuit breaker a
// BreakerRegistry creates (spec.md §4.4, §6's circuit_threshold /
// circuit_cooldown).
type BreakerConfig struct {
	FailureThreshold uint32
	Cooldown         time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// BreakerRegistry holds one gobreaker.CircuitBreaker per named resource,
// keyed with fine-grained locking as spec.md §5 requires ("The circuit
// breaker and orchestrator tables use fine-grained locks keyed on
// resource name").
type BreakerRegistry struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry builds a registry that lazily creates one breaker
// per resource name on first use.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{cfg: cfg.withDefaults(), breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (r *BreakerRegistry) breaker(resource string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[resource]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        resource,
		MaxRequests: 1, // admit exactly one probe while half-open, per spec.md §4.4
		Interval:    0,
		Timeout:     r.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.FailureThreshold
		},
	})
	r.breakers[resource] = b
	return b
}

// Allow reports whether a call against resource would be admitted right
// now, without actually recording an attempt. Used by the scheduler to
// fail fast with circuit_open before even dispatching (spec.md §4.4).
func (r *BreakerRegistry) Allow(resource string) bool {
	return r.breaker(resource).State() != gobreaker.StateOpen
}

// Execute runs fn through resource's breaker, recording success/failure
// and translating an open breaker into ErrCircuitOpen.
func (r *BreakerRegistry) Execute(resource string, fn func() error) error {
	_, err := r.breaker(resource).Execute(func() (any, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return ErrCircuitOpen
	}
	return err
}

// State returns resource's current breaker state as a string
// (closed/open/half_open), for Status() reporting.
func (r *BreakerRegistry) State(resource string) string {
	switch r.breaker(resource).State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
