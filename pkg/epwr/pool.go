// Package epwr implements the scheduler/pool (spec.md §4.2) and the
// thin caller-facing API (spec.md §1) that wires it to the session
// store and recovery orchestrator.
package epwr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/YuminosukeSato/epwr/internal/epwrconfig"
	"github.com/YuminosukeSato/epwr/internal/epwrlog"
	"github.com/YuminosukeSato/epwr/internal/protocol"
	"github.com/YuminosukeSato/epwr/internal/recovery"
	"github.com/YuminosukeSato/epwr/internal/registry"
	"github.com/YuminosukeSato/epwr/internal/session"
	"github.com/YuminosukeSato/epwr/internal/workerproc"
)

// ExecOptions carries per-call overrides to Execute/ExecuteInSession.
type ExecOptions struct {
	Deadline time.Time
}

// affinityRecord is the scheduler's soft preference for a session
// (spec.md §4.2): "never session binding," always advisory.
type affinityRecord struct {
	workerID string
	lastUsed time.Time
}

// managedWorker pairs a workerproc.Worker with the pool-level bookkeeping
// the teacher's poolWorker wrapper carries (pkg/pyproc/pool.go).
type managedWorker struct {
	worker     *workerproc.Worker
	overflow   bool
	lastUsedAt atomic.Int64 // unix nanos, for overflow idle reaping
}

// Pool is the scheduler described in spec.md §4.2.
type Pool struct {
	cfg       epwrconfig.PoolConfig
	workerCfg workerproc.Config
	logger    *epwrlog.Logger

	sessions     *session.Store
	orchestrator *recovery.Orchestrator
	reg          *registry.Registry

	mu      sync.RWMutex
	workers map[string]*managedWorker

	affinity sync.Map // session_id -> affinityRecord

	wake chan struct{} // best-effort checkout wakeup, non-blocking send

	startedAt time.Time
	nextNum   atomic.Uint64
	shutdown  atomic.Bool

	metrics *Metrics
}

// Options configures NewPool.
type Options struct {
	Pool         epwrconfig.PoolConfig
	Worker       workerproc.Config
	Sessions     *session.Store
	Orchestrator *recovery.Orchestrator
	Registry     *registry.Registry // optional
}

// NewPool builds an (unstarted) Pool. Call Start to launch workers.
func NewPool(opts Options, logger *epwrlog.Logger) (*Pool, error) {
	if opts.Pool.Size <= 0 {
		return nil, errors.New("epwr: pool size must be > 0")
	}
	if logger == nil {
		logger = epwrlog.New(epwrlog.Config{Level: "info", Format: "text"})
	}
	if opts.Sessions == nil {
		opts.Sessions = session.New(60 * time.Second)
	}
	if opts.Orchestrator == nil {
		opts.Orchestrator = recovery.New(recovery.Config{})
	}

	return &Pool{
		cfg:          opts.Pool,
		workerCfg:    opts.Worker,
		logger:       logger,
		sessions:     opts.Sessions,
		orchestrator: opts.Orchestrator,
		reg:          opts.Registry,
		workers:      make(map[string]*managedWorker),
		wake:         make(chan struct{}, 1),
		metrics:      NewMetrics(),
	}, nil
}

// Start launches the steady-state worker set (spec.md §4.2: "Pool size is
// fixed at start").
func (p *Pool) Start(ctx context.Context) error {
	p.startedAt = time.Now()
	for i := 0; i < p.cfg.Size; i++ {
		if _, err := p.spawnWorker(ctx, false); err != nil {
			p.Shutdown(5 * time.Second)
			return fmt.Errorf("epwr: start worker %d: %w", i, err)
		}
	}
	go p.overflowReapLoop()
	return nil
}

func (p *Pool) spawnWorker(ctx context.Context, overflow bool) (*managedWorker, error) {
	id := fmt.Sprintf("worker-%d", p.nextNum.Add(1))
	cfg := p.workerCfg
	cfg.ID = id

	w := workerproc.New(cfg, p.logger)
	if err := w.Start(ctx); err != nil {
		return nil, err
	}

	mw := &managedWorker{worker: w, overflow: overflow}
	mw.lastUsedAt.Store(time.Now().UnixNano())

	p.mu.Lock()
	p.workers[id] = mw
	p.mu.Unlock()

	if p.reg != nil {
		p.reg.RegisterChild(registry.ChildRef{PID: w.PID(), Fingerprint: w.Fingerprint(), StartedAt: time.Now()})
	}

	p.signalWake()
	return mw, nil
}

func (p *Pool) signalWake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Status is the snapshot spec.md §4.2 names.
type Status struct {
	Size         int
	Available    int
	Busy         int
	Uptime       time.Duration
	Stats        MetricsSnapshot
	SessionCount int
}

// Status reports the pool's current shape.
func (p *Pool) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	available, busy := 0, 0
	for _, mw := range p.workers {
		switch mw.worker.State() {
		case workerproc.StateReady:
			available++
		case workerproc.StateBusy:
			busy++
		}
	}

	return Status{
		Size:         len(p.workers),
		Available:    available,
		Busy:         busy,
		Uptime:       time.Since(p.startedAt),
		Stats:        p.metrics.Snapshot(),
		SessionCount: p.sessions.Count(),
	}
}

// Execute dispatches a command with no session (spec.md §4.2).
func (p *Pool) Execute(ctx context.Context, command string, args map[string]any, opts ExecOptions) (json.RawMessage, error) {
	return p.dispatch(ctx, "", command, args, opts.Deadline)
}

// ExecuteInSession ensures sessionID exists in the store, then dispatches
// preferring a worker with recent affinity for it (spec.md §4.2).
func (p *Pool) ExecuteInSession(ctx context.Context, sessionID, command string, args map[string]any, opts ExecOptions) (json.RawMessage, error) {
	if sessionID == "" {
		return nil, errors.New("epwr: session id required")
	}
	if !p.sessions.Exists(sessionID) {
		if _, err := p.sessions.Create(sessionID, session.Options{}); err != nil && !errors.Is(err, session.ErrAlreadyExists) {
			return nil, fmt.Errorf("epwr: ensure session: %w", err)
		}
	}
	return p.dispatch(ctx, sessionID, command, args, opts.Deadline)
}

func (p *Pool) dispatch(ctx context.Context, sessionID, command string, args map[string]any, deadline time.Time) (json.RawMessage, error) {
	if p.shutdown.Load() {
		return nil, recovery.ErrPoolExhausted
	}

	if !p.orchestrator.Breakers().Allow(resourceName(command)) {
		return nil, recovery.ErrCircuitOpen
	}

	tried := make(map[string]bool)
	attempt := func(ctx context.Context, attemptNum int) (json.RawMessage, error) {
		return p.attemptOnce(ctx, sessionID, command, args, deadline, tried)
	}

	result, err := attempt(ctx, 1)
	if err == nil {
		return result, nil
	}

	var rerr *recovery.Error
	if !errors.As(err, &rerr) {
		// Already a user-visible sentinel (pool_exhausted, timeout, ...);
		// nothing for the orchestrator to classify or retry.
		return nil, err
	}

	return p.orchestrator.Recover(ctx, rerr.Kind, rerr.Cause, rerr.Context, deadline, func(ctx context.Context, attemptNum int) (json.RawMessage, error) {
		return attempt(ctx, attemptNum+1)
	})
}

func (p *Pool) attemptOnce(ctx context.Context, sessionID, command string, args map[string]any, deadline time.Time, tried map[string]bool) (json.RawMessage, error) {
	for {
		mw, err := p.checkout(ctx, sessionID, command, deadline, tried)
		if err != nil {
			return nil, err
		}

		p.metrics.Checkouts.Add(1)
		start := time.Now()
		result, execErr := mw.worker.Execute(ctx, command, args, deadline)
		mw.lastUsedAt.Store(time.Now().UnixNano())
		p.metrics.RecordLatency(time.Since(start))

		if errors.Is(execErr, workerproc.ErrNotReady) {
			// Lost the race for this worker to another caller; retry
			// checkout without counting it as a failed attempt.
			continue
		}

		tried[mw.worker.ID()] = true
		if sessionID != "" {
			p.affinity.Store(sessionID, affinityRecord{workerID: mw.worker.ID(), lastUsed: time.Now()})
		}
		p.signalWake()

		if execErr == nil {
			p.metrics.RequestsSucceeded.Add(1)
			return result, nil
		}
		p.metrics.RequestsFailed.Add(1)
		return nil, classify(execErr, mw.worker.ID(), sessionID)
	}
}

// checkout implements spec.md §4.2's admission/checkout algorithm: prefer
// an affinity match, else any ready worker, else wait until one becomes
// ready or the deadline elapses. Waiting callers re-poll on a 20ms ticker
// and on a single-slot wake signal; there is no wait queue, so waiters are
// not served in arrival order.
func (p *Pool) checkout(ctx context.Context, sessionID, command string, deadline time.Time, exclude map[string]bool) (*managedWorker, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if mw := p.selectWorker(sessionID, exclude); mw != nil {
			return mw, nil
		}
		p.maybeSpawnOverflow(ctx)

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			// resource_error, per spec.md §4.4's table, so dispatch's
			// errors.As(err, &rerr) hands it to Orchestrator.Recover.
			// The deadline has already passed by then, so Recover returns
			// ErrTimeout before its circuit-break strategy runs: pool
			// exhaustion is not recorded against the command's breaker.
			return nil, recovery.New(recovery.KindResource, recovery.ErrPoolExhausted, recovery.Context{
				Operation:    "checkout",
				SessionID:    sessionID,
				ResourceName: resourceName(command),
			})
		}
		select {
		case <-ctx.Done():
			return nil, recovery.ErrTimeout
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

func (p *Pool) selectWorker(sessionID string, exclude map[string]bool) *managedWorker {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if sessionID != "" {
		if v, ok := p.affinity.Load(sessionID); ok {
			rec := v.(affinityRecord)
			if time.Since(rec.lastUsed) <= p.affinityTTL() {
				if mw, ok := p.workers[rec.workerID]; ok && !exclude[rec.workerID] && mw.worker.State() == workerproc.StateReady {
					return mw
				}
			}
			// Falls through to any-ready-worker selection per spec.md §9's
			// open-question decision: affinity is advisory, never binding.
		}
	}

	for id, mw := range p.workers {
		if exclude[id] {
			continue
		}
		if mw.worker.State() == workerproc.StateReady {
			return mw
		}
	}
	return nil
}

func (p *Pool) affinityTTL() time.Duration {
	if p.cfg.AffinityTTL <= 0 {
		return 5 * time.Minute
	}
	return p.cfg.AffinityTTL
}

func (p *Pool) maybeSpawnOverflow(ctx context.Context) {
	if p.cfg.Overflow <= 0 {
		return
	}
	p.mu.RLock()
	total := len(p.workers)
	p.mu.RUnlock()
	if total >= p.cfg.Size+p.cfg.Overflow {
		return
	}
	go func() {
		if _, err := p.spawnWorker(ctx, true); err != nil {
			p.logger.Warn("epwr: overflow worker spawn failed", "error", err)
		}
	}()
}

func (p *Pool) overflowReapLoop() {
	idle := p.cfg.OverflowIdle
	if idle <= 0 {
		idle = time.Minute
	}
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for range ticker.C {
		if p.shutdown.Load() {
			return
		}
		p.reapIdleOverflow(idle)
	}
}

func (p *Pool) reapIdleOverflow(idle time.Duration) {
	now := time.Now()
	p.mu.Lock()
	removed := make([]*managedWorker, 0)
	for id, mw := range p.workers {
		if !mw.overflow || mw.worker.State() != workerproc.StateReady {
			continue
		}
		last := time.Unix(0, mw.lastUsedAt.Load())
		if now.Sub(last) >= idle {
			removed = append(removed, mw)
			delete(p.workers, id)
		}
	}
	p.mu.Unlock()

	// Stop blocks until the child is reaped; do it outside the lock.
	for _, mw := range removed {
		if err := mw.worker.Stop(); err != nil {
			p.logger.Warn("epwr: overflow worker stop error", "worker_id", mw.worker.ID(), "error", err)
		}
		if p.reg != nil {
			p.reg.UnregisterChild(mw.worker.PID())
		}
	}
}

// Shutdown stops accepting new work, drains in-flight requests up to
// gracefulTimeout, and reaps every worker (spec.md §4.2).
func (p *Pool) Shutdown(gracefulTimeout time.Duration) error {
	if !p.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	deadline := time.Now().Add(gracefulTimeout)
	for {
		p.mu.RLock()
		busy := 0
		for _, mw := range p.workers {
			if mw.worker.State() == workerproc.StateBusy {
				busy++
			}
		}
		p.mu.RUnlock()
		if busy == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	p.mu.Lock()
	workers := make([]*managedWorker, 0, len(p.workers))
	for _, mw := range p.workers {
		workers = append(workers, mw)
	}
	p.workers = make(map[string]*managedWorker)
	p.mu.Unlock()

	var errs error
	for _, mw := range workers {
		if err := mw.worker.Stop(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("worker %s: %w", mw.worker.ID(), err))
		}
		if p.reg != nil {
			p.reg.UnregisterChild(mw.worker.PID())
		}
	}
	p.sessions.Close()
	return errs
}

func resourceName(command string) string {
	return "command:" + command
}

// classify maps a workerproc-level failure into the recovery error
// taxonomy (spec.md §4.4, §7).
func classify(err error, workerID, sessionID string) error {
	ctx := recovery.Context{Operation: "execute", SessionID: sessionID, WorkerID: workerID, ResourceName: "worker:" + workerID}

	var framingErr *workerproc.FramingError
	switch {
	case errors.Is(err, workerproc.ErrTimeout):
		return recovery.New(recovery.KindTimeout, err, ctx)
	case errors.As(err, &framingErr):
		return recovery.New(recovery.KindCommunication, err, ctx)
	case errors.Is(err, workerproc.ErrStopped):
		return recovery.New(recovery.KindConnection, err, ctx)
	default:
		var respErr *protocol.ResponseError
		if errors.As(err, &respErr) {
			return recovery.New(recovery.KindCommand, err, ctx)
		}
		return recovery.New(recovery.KindSystem, err, ctx)
	}
}

// newFingerprintID returns a globally-unique id for a new pool, used as
// this runtime's pool_id in the orphan registry (spec.md §3).
func newFingerprintID() string { return uuid.NewString() }
