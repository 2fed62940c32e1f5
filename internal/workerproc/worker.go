package workerproc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/YuminosukeSato/epwr/internal/epwrlog"
	"github.com/YuminosukeSato/epwr/internal/framing"
	"github.com/YuminosukeSato/epwr/internal/protocol"
)

// FingerprintFlag is the command-line flag every child is launched with,
// carrying its worker's globally-unique fingerprint. The global orphan
// registry greps a candidate pid's command line for this flag to decide
// whether it belongs to this runtime before ever touching it.
const FingerprintFlag = "--epwr-fingerprint"

// Config configures a single worker's child process and probe behavior.
type Config struct {
	ID   string
	Path string
	Args []string
	Env  map[string]string

	Codec protocol.Codec

	InitTimeout         time.Duration
	HealthCheckInterval time.Duration
	HealthFailureLimit  int
	MaxFrameBytes       int
}

func (c Config) withDefaults() Config {
	if c.InitTimeout <= 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.HealthFailureLimit <= 0 {
		c.HealthFailureLimit = 3
	}
	if c.Codec == nil {
		c.Codec, _ = protocol.NewCodec(protocol.CodecJSON)
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = framing.DefaultMaxFrameSize
	}
	return c
}

// Worker owns exactly one child process and exposes Execute to a
// scheduler. See state.go for its lifecycle and errors.go for its
// failure taxonomy.
type Worker struct {
	cfg         Config
	logger      *epwrlog.Logger
	fingerprint string

	state          atomic.Int32
	pid            atomic.Int32
	healthFailures atomic.Int32
	requestID      atomic.Uint64

	checkouts   atomic.Uint64
	requestsOK  atomic.Uint64
	requestsErr atomic.Uint64

	cmdMu sync.RWMutex
	cmd   *exec.Cmd
	pipes *childPipes

	framer  *framing.Framer
	writeMu sync.Mutex

	// callMu serializes every round trip (Execute and the health probe
	// alike) so at most one request is ever in flight, per §3.
	callMu    sync.Mutex
	pendingMu sync.Mutex
	pendingID uint64
	pendingCh chan *protocol.Response
	errCh     chan error

	stopOnce sync.Once
	doneOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopErr  atomic.Pointer[error]
}

// New creates a worker bound to cfg. The child process is not started
// until Start is called.
func New(cfg Config, logger *epwrlog.Logger) *Worker {
	if logger == nil {
		logger = epwrlog.New(epwrlog.Config{Level: "info", Format: "text"})
	}
	cfg = cfg.withDefaults()
	return &Worker{
		cfg:         cfg,
		logger:      logger.WithWorker(cfg.ID),
		fingerprint: uuid.NewString(),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Fingerprint returns the globally-unique token baked into this worker's
// child's command line.
func (w *Worker) Fingerprint() string { return w.fingerprint }

// ID returns the worker's pool-assigned identifier.
func (w *Worker) ID() string { return w.cfg.ID }

// PID returns the child process's OS pid, or 0 if not running.
func (w *Worker) PID() int { return int(w.pid.Load()) }

// State returns the worker's current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Stats is a snapshot of a worker's cumulative request counters.
type Stats struct {
	Checkouts   uint64
	RequestsOK  uint64
	RequestsErr uint64
}

// StatsSnapshot returns the worker's cumulative counters.
func (w *Worker) StatsSnapshot() Stats {
	return Stats{
		Checkouts:   w.checkouts.Load(),
		RequestsOK:  w.requestsOK.Load(),
		RequestsErr: w.requestsErr.Load(),
	}
}

// Start launches the child process and blocks until the first health
// probe succeeds, the init timeout elapses, or ctx is canceled.
func (w *Worker) Start(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(StateInitializing), int32(StateInitializing)) {
		return fmt.Errorf("workerproc: worker %s already started", w.cfg.ID)
	}

	args := append(append([]string{}, w.cfg.Args...), fmt.Sprintf("%s=%s", FingerprintFlag, w.fingerprint))
	cmd := exec.CommandContext(ctx, w.cfg.Path, args...)

	cmd.Env = os.Environ()
	for k, v := range w.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = append(cmd.Env, fmt.Sprintf("EPWR_WORKER_ID=%s", w.cfg.ID))
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.terminate("failed to open stdin pipe")
		return fmt.Errorf("workerproc: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		w.terminate("failed to open stdout pipe")
		return fmt.Errorf("workerproc: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		w.terminate("failed to start child process")
		return fmt.Errorf("workerproc: start child: %w", err)
	}

	pipes := &childPipes{stdout: stdout, stdin: stdin}

	w.cmdMu.Lock()
	w.cmd = cmd
	w.pipes = pipes
	w.framer = framing.NewFramerWithMaxSize(pipes, w.cfg.MaxFrameBytes)
	w.cmdMu.Unlock()

	w.pid.Store(int32(cmd.Process.Pid))
	w.logger.InfoContext(ctx, "worker child started", "pid", cmd.Process.Pid, "fingerprint", w.fingerprint)

	go w.readLoop()
	go w.waitForExit()

	initErr := w.runInitProbe(ctx)
	if initErr != nil {
		w.logger.ErrorContext(ctx, "init probe failed", "error", initErr)
		w.terminate("init probe failed")
		<-w.doneCh
		return initErr
	}

	w.state.Store(int32(StateReady))
	go w.healthLoop()
	w.logger.InfoContext(ctx, "worker ready")
	return nil
}

// runInitProbe waits for the first successful ping, honoring InitTimeout.
func (w *Worker) runInitProbe(ctx context.Context) error {
	deadline := time.Now().Add(w.cfg.InitTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		w.callMu.Lock()
		_, err := w.roundTrip(ctx, protocol.PingCommand, nil, deadline)
		w.callMu.Unlock()
		if err == nil {
			return nil
		}
		if isFatal(err) {
			return fmt.Errorf("workerproc: init probe error: %w", err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("workerproc: init timeout after %v", w.cfg.InitTimeout)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return ErrStopped
		}
	}
}

// Execute assigns a request id, frames a request carrying command/args,
// and waits for the matching response or deadline. See §4.1.
func (w *Worker) Execute(ctx context.Context, command string, args map[string]any, deadline time.Time) (json.RawMessage, error) {
	w.callMu.Lock()
	if !w.state.CompareAndSwap(int32(StateReady), int32(StateBusy)) {
		state := w.State()
		w.callMu.Unlock()
		return nil, fmt.Errorf("%w: worker %s state=%s", ErrNotReady, w.cfg.ID, state)
	}
	w.checkouts.Add(1)

	result, err := w.roundTrip(ctx, command, args, deadline)
	w.callMu.Unlock()

	switch {
	case isFatal(err):
		w.requestsErr.Add(1)
		w.terminate(fmt.Sprintf("fatal error during execute: %v", err))
	case err != nil:
		w.requestsErr.Add(1)
		w.state.CompareAndSwap(int32(StateBusy), int32(StateReady))
	default:
		w.requestsOK.Add(1)
		w.state.CompareAndSwap(int32(StateBusy), int32(StateReady))
	}
	return result, err
}

// roundTrip performs one framed request/response exchange. Callers must
// hold callMu — it is the single point that enforces "at most one
// pending request per worker" across both Execute and the health probe.
func (w *Worker) roundTrip(ctx context.Context, command string, args map[string]any, deadline time.Time) (json.RawMessage, error) {
	id := w.requestID.Add(1)
	req := protocol.NewRequest(id, command, args)

	respCh := make(chan *protocol.Response, 1)
	errCh := make(chan error, 1)

	w.pendingMu.Lock()
	w.pendingID = id
	w.pendingCh = respCh
	w.errCh = errCh
	w.pendingMu.Unlock()
	defer func() {
		w.pendingMu.Lock()
		if w.pendingID == id {
			w.pendingID = 0
			w.pendingCh = nil
			w.errCh = nil
		}
		w.pendingMu.Unlock()
	}()

	data, err := w.cfg.Codec.Marshal(req)
	if err != nil {
		return nil, &FramingError{Err: fmt.Errorf("encode request: %w", err)}
	}

	w.cmdMu.RLock()
	fr := w.framer
	w.cmdMu.RUnlock()
	if fr == nil {
		return nil, &FramingError{Err: fmt.Errorf("worker not started")}
	}

	w.writeMu.Lock()
	writeErr := fr.WriteMessage(data)
	w.writeMu.Unlock()
	if writeErr != nil {
		return nil, &FramingError{Err: writeErr}
	}

	var timeoutCh <-chan time.Time
	if !deadline.IsZero() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case resp := <-respCh:
		if resp.ID != id {
			return nil, &FramingError{Err: fmt.Errorf("response id %d does not match request id %d", resp.ID, id)}
		}
		if !resp.Success {
			return nil, resp.Err()
		}
		return resp.Result, nil
	case err := <-errCh:
		return nil, &FramingError{Err: err}
	case <-timeoutCh:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ErrTimeout
	case <-w.stopCh:
		return nil, ErrStopped
	}
}

// readLoop continuously decodes frames off the child's stdout and
// delivers each to whichever request is currently pending.
func (w *Worker) readLoop() {
	for {
		w.cmdMu.RLock()
		fr := w.framer
		w.cmdMu.RUnlock()
		if fr == nil {
			return
		}

		data, err := fr.ReadMessage()
		if err != nil {
			w.deliverFatal(fmt.Errorf("read frame: %w", err))
			return
		}

		var resp protocol.Response
		if err := w.cfg.Codec.Unmarshal(data, &resp); err != nil {
			w.deliverFatal(fmt.Errorf("decode response: %w", err))
			return
		}
		w.deliver(&resp)
	}
}

func (w *Worker) deliver(resp *protocol.Response) {
	w.pendingMu.Lock()
	id := w.pendingID
	ch := w.pendingCh
	w.pendingMu.Unlock()

	if ch == nil || resp.ID != id {
		// A response with no matching pending request is the fatal
		// invariant violation called out in §7; the worker is removed.
		w.deliverFatal(fmt.Errorf("unexpected response id %d (pending=%d)", resp.ID, id))
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (w *Worker) deliverFatal(err error) {
	w.pendingMu.Lock()
	ch := w.errCh
	w.pendingMu.Unlock()
	if ch != nil {
		select {
		case ch <- err:
		default:
		}
	}
	w.terminate(err.Error())
}

// waitForExit watches the child process and treats an unexpected exit as
// fatal, per §4.1's "child process exit is fatal to the worker."
func (w *Worker) waitForExit() {
	w.cmdMu.RLock()
	cmd := w.cmd
	w.cmdMu.RUnlock()
	if cmd == nil {
		return
	}

	err := cmd.Wait()
	select {
	case <-w.stopCh:
		// Expected exit from Stop/terminate.
	default:
		if err != nil {
			w.logger.Error("child process exited unexpectedly", "error", err)
		} else {
			w.logger.Warn("child process exited unexpectedly with status 0")
		}
		w.terminate("child process exited")
	}
	// cmd.Wait returning means the child has been reaped.
	w.pid.Store(0)
	w.state.Store(int32(StateTerminated))
	w.doneOnce.Do(func() { close(w.doneCh) })
}

// terminate moves the worker into terminating (idempotently) and begins
// teardown: signal the stop channel, kill the child if still running,
// and mark terminated once reaped.
func (w *Worker) terminate(reason string) {
	old := State(w.state.Swap(int32(StateTerminating)))
	if old == StateTerminating || old == StateTerminated {
		return
	}
	w.logger.Warn("worker terminating", "reason", reason, "from_state", old.String())

	w.stopOnce.Do(func() { close(w.stopCh) })

	w.cmdMu.RLock()
	cmd := w.cmd
	w.cmdMu.RUnlock()
	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			w.stopErr.Store(&err)
		}
	}

	w.cmdMu.RLock()
	pipes := w.pipes
	w.cmdMu.RUnlock()
	if pipes != nil {
		_ = pipes.Close()
	}

	if cmd == nil {
		// Never started (failed before the child launched): nothing for
		// waitForExit to reap, so there's no goroutine to close doneCh.
		w.state.Store(int32(StateTerminated))
		w.doneOnce.Do(func() { close(w.doneCh) })
	}
}

// Stop terminates the worker, killing its child process, and blocks until
// the child has exited and been reaped. It returns any error encountered
// killing the child process other than os.ErrProcessDone.
func (w *Worker) Stop() error {
	w.terminate("explicit stop")
	<-w.doneCh
	if p := w.stopErr.Load(); p != nil {
		return *p
	}
	return nil
}
