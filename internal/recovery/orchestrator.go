package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Record is the bounded in-memory bookkeeping entry for one in-flight
// recovery (spec.md §3's "Recovery record").
type Record struct {
	ID            uint64
	Originating   *Error
	Strategy      Strategy
	AttemptCount  int
	StartTime     time.Time
	Deadline      time.Time
}

// Attempt is the operation an Orchestrator retries. It receives the
// 1-indexed attempt number so a caller can, e.g., pick a different
// worker on a failover retry.
type Attempt func(ctx context.Context, attempt int) (json.RawMessage, error)

// Orchestrator classifies errors, selects strategies, and drives them to
// completion (spec.md §4.4).
type Orchestrator struct {
	capacity int
	backoff  BackoffConfig
	breakers *BreakerRegistry

	mu      sync.Mutex
	records map[uint64]*Record
	nextID  atomic.Uint64
}

// Config configures an Orchestrator.
type Config struct {
	MaxConcurrent int
	Backoff       BackoffConfig
	Breaker       BreakerConfig
}

// New builds an Orchestrator.
func New(cfg Config) *Orchestrator {
	capacity := cfg.MaxConcurrent
	if capacity <= 0 {
		capacity = 64
	}
	return &Orchestrator{
		capacity: capacity,
		backoff:  cfg.Backoff,
		breakers: NewBreakerRegistry(cfg.Breaker),
		records:  make(map[uint64]*Record),
	}
}

// Breakers exposes the orchestrator's circuit breaker registry so the
// scheduler can ask Allow() before even attempting a dispatch.
func (o *Orchestrator) Breakers() *BreakerRegistry { return o.breakers }

// ActiveCount returns the number of recoveries currently in flight.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.records)
}

// Recover classifies the originating error, selects a strategy, and
// drives it to completion, calling attempt as many times as the
// strategy allows. It returns the first successful result or the final
// user-visible error (spec.md §7).
func (o *Orchestrator) Recover(ctx context.Context, kind Kind, cause error, recCtx Context, deadline time.Time, attempt Attempt) (json.RawMessage, error) {
	o.mu.Lock()
	if len(o.records) >= o.capacity {
		o.mu.Unlock()
		return nil, ErrRecoveryCapacityExceeded
	}
	id := o.nextID.Add(1)
	recCtx.Attempt = 1
	recErr := New(kind, cause, recCtx)
	record := &Record{
		ID:          id,
		Originating: recErr,
		Strategy:    SelectStrategy(recErr.Kind, recErr.Severity, recCtx.Attempt),
		AttemptCount: 0,
		StartTime:   time.Now(),
		Deadline:    deadline,
	}
	o.records[id] = record
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.records, id)
		o.mu.Unlock()
	}()

	return o.drive(ctx, record, recCtx, attempt)
}

func (o *Orchestrator) drive(ctx context.Context, record *Record, recCtx Context, attempt Attempt) (json.RawMessage, error) {
	for {
		strategy := SelectStrategy(record.Originating.Kind, record.Originating.Severity, recCtx.Attempt)
		record.Strategy = strategy

		if !record.Deadline.IsZero() {
			if time.Now().After(record.Deadline) {
				return nil, ErrTimeout
			}
		}
		if ctx.Err() != nil {
			return nil, ErrTimeout
		}

		switch strategy {
		case StrategyAbandon:
			return nil, surfaceError(record.Originating)

		case StrategyDegrade:
			// health_check_error drives the worker's own state machine
			// directly (internal/workerproc); the orchestrator has
			// nothing further to retry and returns the wrapped cause.
			return nil, surfaceError(record.Originating)

		case StrategyCircuitBreak:
			if !o.breakers.Allow(record.Originating.Context.ResourceName) {
				return nil, ErrCircuitOpen
			}
			result, err := o.attemptOnce(ctx, record, recCtx, attempt)
			breakerErr := o.breakers.Execute(record.Originating.Context.ResourceName, func() error { return err })
			if err == nil {
				return result, nil
			}
			if breakerErr == ErrCircuitOpen {
				return nil, ErrCircuitOpen
			}
			recCtx = bumpAttempt(recCtx, record, err)
			continue

		case StrategyImmediateRetry:
			result, err := o.attemptOnce(ctx, record, recCtx, attempt)
			if err == nil {
				return result, nil
			}
			recCtx = bumpAttempt(recCtx, record, err)
			continue

		case StrategyFailover, StrategyBackoffRetry:
			if record.AttemptCount > 0 {
				if err := o.wait(ctx, record.AttemptCount, record.Deadline); err != nil {
					return nil, err
				}
			}
			result, err := o.attemptOnce(ctx, record, recCtx, attempt)
			if err == nil {
				return result, nil
			}
			recCtx = bumpAttempt(recCtx, record, err)
			continue

		default:
			return nil, surfaceError(record.Originating)
		}
	}
}

func (o *Orchestrator) attemptOnce(ctx context.Context, record *Record, recCtx Context, attempt Attempt) (json.RawMessage, error) {
	record.AttemptCount++
	return attempt(ctx, record.AttemptCount)
}

func bumpAttempt(recCtx Context, record *Record, err error) Context {
	recCtx.Attempt++
	if re, ok := err.(*Error); ok {
		record.Originating = re
	} else {
		record.Originating = New(record.Originating.Kind, err, recCtx)
	}
	return recCtx
}

func (o *Orchestrator) wait(ctx context.Context, attempt int, deadline time.Time) error {
	delay := o.backoff.Delay(attempt)
	if !deadline.IsZero() {
		if remaining := time.Until(deadline); remaining < delay {
			delay = remaining
		}
	}
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ErrTimeout
	}
}

// surfaceError collapses an internal recovery.Error into one of spec.md
// §7's user-visible categories for the session, resource, timeout,
// command and initialization kinds; any other kind is returned wrapped
// with its Kind name.
func surfaceError(e *Error) error {
	switch e.Kind {
	case KindSession:
		return ErrSessionNotFound
	case KindResource:
		return ErrPoolExhausted
	case KindTimeout:
		return ErrTimeout
	case KindCommand:
		if e.Cause != nil {
			return &CommandError{Message: e.Cause.Error()}
		}
		return &CommandError{Message: "command failed"}
	case KindInitialization:
		return ErrBridgeNotReady
	default:
		if e.Cause != nil {
			return fmt.Errorf("recovery: %s: %w", e.Kind, e.Cause)
		}
		return e
	}
}
