package workerproc

import (
	"context"
	"time"

	"github.com/YuminosukeSato/epwr/internal/protocol"
)

// healthLoop runs for the life of a ready worker, sending a ping on
// HealthCheckInterval and driving the ready/degraded/terminating
// transitions described in §4.1.
func (w *Worker) healthLoop() {
	ticker := time.NewTicker(w.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.probe()
		}
	}
}

// probe sends one ping round trip if the worker is ready or degraded
// (skipping busy/initializing/terminating workers entirely), then applies
// the resulting state transition.
func (w *Worker) probe() {
	w.callMu.Lock()
	state := State(w.state.Load())
	if state != StateReady && state != StateDegraded {
		w.callMu.Unlock()
		return
	}

	deadline := time.Now().Add(w.cfg.HealthCheckInterval)
	result, err := w.roundTrip(context.Background(), protocol.PingCommand, nil, deadline)
	w.callMu.Unlock()

	if err != nil {
		w.onProbeFailure(state, err)
		return
	}
	if !protocol.IsPong(result) {
		w.onProbeFailure(state, errUnhealthyPong)
		return
	}
	w.onProbeSuccess(state)
}

func (w *Worker) onProbeFailure(fromState State, err error) {
	if isFatal(err) {
		// readLoop's deliverFatal already drove this worker to
		// terminating; nothing further to do here.
		return
	}

	failures := w.healthFailures.Add(1)
	if fromState == StateReady {
		w.state.CompareAndSwap(int32(StateReady), int32(StateDegraded))
		w.logger.Warn("health probe failed", "error", err, "consecutive_failures", failures)
	} else {
		w.logger.Warn("health probe failed while degraded", "error", err, "consecutive_failures", failures)
	}

	if int(failures) >= w.cfg.HealthFailureLimit {
		w.terminate("consecutive health check failures reached limit")
	}
}

func (w *Worker) onProbeSuccess(fromState State) {
	w.healthFailures.Store(0)
	if fromState == StateDegraded {
		w.state.CompareAndSwap(int32(StateDegraded), int32(StateReady))
		w.logger.Info("health probe recovered, worker ready again")
	}
}

var errUnhealthyPong = unhealthyPongError{}

type unhealthyPongError struct{}

func (unhealthyPongError) Error() string {
	return "workerproc: health probe response missing {\"status\":\"ok\"}"
}
