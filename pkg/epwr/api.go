package epwr

import (
	"context"
	"os"
	"time"

	"github.com/YuminosukeSato/epwr/internal/epwrconfig"
	"github.com/YuminosukeSato/epwr/internal/epwrlog"
	"github.com/YuminosukeSato/epwr/internal/protocol"
	"github.com/YuminosukeSato/epwr/internal/recovery"
	"github.com/YuminosukeSato/epwr/internal/registry"
	"github.com/YuminosukeSato/epwr/internal/session"
	"github.com/YuminosukeSato/epwr/internal/workerproc"
)

// Runtime is the thin caller-facing API spec.md §1 describes: a single
// entry point wiring the scheduler, session store, recovery orchestrator,
// and global orphan registry together.
type Runtime struct {
	pool     *Pool
	sessions *session.Store
	reg      *registry.Registry
	poolID   string
}

// New builds and starts a Runtime from cfg, launching its steady-state
// workers and (if cfg.Registry.Dir is set) registering with the global
// orphan registry.
func New(ctx context.Context, cfg *epwrconfig.Config, logger *epwrlog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = epwrlog.New(epwrlog.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, TraceEnabled: cfg.Logging.TraceEnabled})
	}

	codec, err := protocol.NewCodec(protocol.CodecType(cfg.Protocol.Codec))
	if err != nil {
		return nil, err
	}

	sessions := session.New(cfg.Session.SweepInterval)

	orchestrator := recovery.New(recovery.Config{
		MaxConcurrent: cfg.Recovery.MaxConcurrent,
		Backoff: recovery.BackoffConfig{
			Family:    recovery.BackoffFamily(cfg.Recovery.RetryBackoff),
			BaseDelay: cfg.Recovery.RetryBaseDelay,
			MaxDelay:  cfg.Recovery.RetryMaxDelay,
			Jitter:    cfg.Recovery.RetryJitter,
		},
		Breaker: recovery.BreakerConfig{
			FailureThreshold: cfg.Recovery.CircuitThreshold,
			Cooldown:         cfg.Recovery.CircuitCooldown,
		},
	})

	var reg *registry.Registry
	poolID := newFingerprintID()
	if cfg.Registry.Dir != "" {
		reg = registry.New(registry.Config{
			Dir:               cfg.Registry.Dir,
			HeartbeatInterval: cfg.Registry.HeartbeatInterval,
			LivenessMultiple:  cfg.Registry.LivenessMultiple,
		}, logger)
		host, _ := os.Hostname()
		if err := reg.Start(ctx, poolID, host, nil); err != nil {
			return nil, err
		}
	}

	pool, err := NewPool(Options{
		Pool: cfg.Pool,
		Worker: workerproc.Config{
			Path:                cfg.Worker.Path,
			Args:                cfg.Worker.Args,
			Env:                 cfg.Worker.Env,
			Codec:               codec,
			InitTimeout:         cfg.Worker.InitTimeout,
			HealthCheckInterval: cfg.Worker.HealthCheckInterval,
			HealthFailureLimit:  cfg.Worker.HealthFailureLimit,
			MaxFrameBytes:       cfg.Protocol.MaxFrameBytes,
		},
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Registry:     reg,
	}, logger)
	if err != nil {
		return nil, err
	}

	if err := pool.Start(ctx); err != nil {
		return nil, err
	}

	return &Runtime{pool: pool, sessions: sessions, reg: reg, poolID: poolID}, nil
}

// Execute is the caller-facing, session-less entry point (spec.md §4.2).
func (r *Runtime) Execute(ctx context.Context, command string, args map[string]any, deadline time.Time) ([]byte, error) {
	return r.pool.Execute(ctx, command, args, ExecOptions{Deadline: deadline})
}

// ExecuteInSession is the caller-facing, session-pinned entry point
// (spec.md §4.2).
func (r *Runtime) ExecuteInSession(ctx context.Context, sessionID, command string, args map[string]any, deadline time.Time) ([]byte, error) {
	return r.pool.ExecuteInSession(ctx, sessionID, command, args, ExecOptions{Deadline: deadline})
}

// Status reports the pool's current shape (spec.md §4.2).
func (r *Runtime) Status() Status { return r.pool.Status() }

// Sessions exposes the session store for callers that need direct
// Create/Update access beyond Execute's implicit session creation.
func (r *Runtime) Sessions() *session.Store { return r.sessions }

// Shutdown stops accepting new work, drains in-flight requests, reaps
// every worker, and removes this runtime's own orphan-registry record
// (spec.md §4.2, §4.5).
func (r *Runtime) Shutdown(gracefulTimeout time.Duration) error {
	err := r.pool.Shutdown(gracefulTimeout)
	if r.reg != nil {
		r.reg.Stop()
	}
	return err
}
