// Package registry implements the cross-pool global orphan registry
// (spec.md §4.5): a shared, lock-protected directory that lets any
// cooperating runtime on the same host reap another runtime's leaked
// children after it crashed without a clean shutdown.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/YuminosukeSato/epwr/internal/epwrlog"
	"github.com/YuminosukeSato/epwr/internal/workerproc"
)

// ChildRef identifies one child process a pool owns, for the registry's
// record (spec.md §3's "Global pool registry row").
type ChildRef struct {
	PID         int       `json:"os_pid"`
	Fingerprint string    `json:"fingerprint"`
	StartedAt   time.Time `json:"started_at"`
}

// record is one pool's on-disk registry row.
type record struct {
	PoolID        string     `json:"pool_id"`
	Host          string     `json:"host"`
	Children      []ChildRef `json:"children"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
}

// Config configures a Registry.
type Config struct {
	Dir               string
	HeartbeatInterval time.Duration
	LivenessMultiple  int // liveness threshold = LivenessMultiple * HeartbeatInterval, default 2
	DirPerms          os.FileMode
	FilePerms         os.FileMode
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.LivenessMultiple <= 0 {
		c.LivenessMultiple = 2
	}
	if c.DirPerms == 0 {
		c.DirPerms = 0750
	}
	if c.FilePerms == 0 {
		c.FilePerms = 0600
	}
	return c
}

// Registry manages one pool's presence in the shared directory.
type Registry struct {
	cfg    Config
	logger *epwrlog.Logger

	poolID string
	host   string
	lock   *flock.Flock

	mu       sync.Mutex
	children []ChildRef

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Registry bound to cfg.Dir. The directory is created (with
// restrictive permissions, mirroring the teacher's SecureSocketPath
// MkdirAll+Chmod discipline) on the first Start call.
func New(cfg Config, logger *epwrlog.Logger) *Registry {
	if logger == nil {
		logger = epwrlog.New(epwrlog.Config{Level: "info", Format: "text"})
	}
	return &Registry{cfg: cfg.withDefaults(), logger: logger}
}

func (r *Registry) recordPath(poolID string) string {
	return filepath.Join(r.cfg.Dir, fmt.Sprintf("pool-%s.json", poolID))
}

func (r *Registry) lockPath() string {
	return filepath.Join(r.cfg.Dir, ".registry.lock")
}

// Start acquires the directory's advisory lock, reaps any stale pool's
// leftover children, publishes this pool's own record, and begins the
// heartbeat loop (spec.md §4.5, steps 1-3).
func (r *Registry) Start(ctx context.Context, poolID, host string, children []ChildRef) error {
	if err := os.MkdirAll(r.cfg.Dir, r.cfg.DirPerms); err != nil {
		return fmt.Errorf("registry: create dir %s: %w", r.cfg.Dir, err)
	}
	if err := os.Chmod(r.cfg.Dir, r.cfg.DirPerms); err != nil {
		return fmt.Errorf("registry: chmod dir %s: %w", r.cfg.Dir, err)
	}

	r.poolID = poolID
	r.host = host
	r.children = children
	r.lock = flock.New(r.lockPath())
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	locked, err := r.lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil || !locked {
		return fmt.Errorf("registry: acquire directory lock: %w", err)
	}
	defer r.lock.Unlock()

	if err := r.sweepStale(ctx); err != nil {
		r.logger.Warn("registry: stale sweep encountered errors", "error", err)
	}

	if err := r.writeRecord(); err != nil {
		return fmt.Errorf("registry: write initial record: %w", err)
	}

	go r.heartbeatLoop()
	return nil
}

// RegisterChild adds one more child to this pool's record (spec.md §9's
// "overflow workers count against the registry heartbeat" decision: every
// child this runtime spawns, steady-state or overflow, is registered).
func (r *Registry) RegisterChild(ref ChildRef) {
	r.mu.Lock()
	r.children = append(r.children, ref)
	r.mu.Unlock()
}

// UnregisterChild removes a child (by pid) once its worker has been
// reaped normally, so it is never mistaken for an orphan later.
func (r *Registry) UnregisterChild(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.children[:0]
	for _, c := range r.children {
		if c.PID != pid {
			out = append(out, c)
		}
	}
	r.children = out
}

func (r *Registry) writeRecord() error {
	r.mu.Lock()
	rec := record{PoolID: r.poolID, Host: r.host, Children: append([]ChildRef{}, r.children...), LastHeartbeat: time.Now()}
	r.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	path := r.recordPath(r.poolID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, r.cfg.FilePerms); err != nil {
		return fmt.Errorf("registry: write temp record: %w", err)
	}
	// Atomic rename avoids any reader ever observing a partially written
	// record (spec.md §4.5 safety: "All file operations use atomic
	// rename / exclusive create to avoid TOCTOU races").
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("registry: rename record into place: %w", err)
	}
	return nil
}

func (r *Registry) heartbeatLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.writeRecord(); err != nil {
				r.logger.Error("registry: heartbeat write failed", "error", err)
			}
		}
	}
}

// Stop removes this pool's own record and halts the heartbeat (spec.md
// §4.5 step 4: "on clean shutdown, remove the record").
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	if r.doneCh != nil {
		<-r.doneCh
	}
	_ = os.Remove(r.recordPath(r.poolID))
}

// sweepStale scans every pool record in the directory and reaps any
// whose last heartbeat is older than the liveness threshold (spec.md
// §4.5 step 2). Must be called while holding r.lock.
func (r *Registry) sweepStale(ctx context.Context) error {
	entries, err := os.ReadDir(r.cfg.Dir)
	if err != nil {
		return fmt.Errorf("read registry dir: %w", err)
	}

	liveness := time.Duration(r.cfg.LivenessMultiple) * r.cfg.HeartbeatInterval
	now := time.Now()

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "pool-") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names) // deterministic sweep order

	var errs []error
	for _, name := range names {
		path := filepath.Join(r.cfg.Dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue // raced with another runtime deleting it; not an error
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			errs = append(errs, fmt.Errorf("%s: corrupt record: %w", name, err))
			continue
		}
		if rec.PoolID == r.poolID {
			continue // never reap our own (re)started record
		}
		if now.Sub(rec.LastHeartbeat) < liveness {
			continue // owning runtime still alive
		}

		r.logger.Warn("registry: found stale pool, reaping its children",
			"stale_pool_id", rec.PoolID, "host", rec.Host, "children", len(rec.Children))
		for _, c := range rec.Children {
			if err := r.killIfOurs(ctx, c); err != nil {
				errs = append(errs, err)
			}
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove stale record %s: %w", name, err))
		}
	}

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return nil
}

// killIfOurs verifies that the pid named by c is still running and that
// its command line still carries c.Fingerprint before killing it
// (spec.md §4.5 safety: "Never kill a process that does not carry this
// runtime's distinguishing fingerprint").
func (r *Registry) killIfOurs(ctx context.Context, c ChildRef) error {
	proc, err := process.NewProcessWithContext(ctx, int32(c.PID))
	if err != nil {
		return nil // process is already gone; nothing to kill
	}
	cmdline, err := proc.CmdlineWithContext(ctx)
	if err != nil {
		return nil
	}
	if !strings.Contains(cmdline, fmt.Sprintf("%s=%s", workerproc.FingerprintFlag, c.Fingerprint)) {
		// Pid was reused by an unrelated process since the stale record
		// was written; never touch it.
		return nil
	}
	if err := proc.KillWithContext(ctx); err != nil {
		return fmt.Errorf("kill orphan pid %d: %w", c.PID, err)
	}
	r.logger.Warn("registry: killed orphaned child", "pid", c.PID, "fingerprint", c.Fingerprint)
	return nil
}
