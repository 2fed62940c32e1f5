package registry

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/YuminosukeSato/epwr/internal/workerproc"
	"github.com/YuminosukeSato/epwr/internal/workerproc/fakechild"
)

// TestMain lets this binary re-exec itself as a hung fake child, exactly
// as internal/workerproc's own tests do.
func TestMain(m *testing.M) {
	if os.Getenv(fakechild.EnvMode) != "" {
		fakechild.Main()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestRegistry_StartWritesRecordAndHeartbeats(t *testing.T) {
	dir := t.TempDir()
	reg := New(Config{Dir: dir, HeartbeatInterval: 20 * time.Millisecond, LivenessMultiple: 2}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := reg.Start(ctx, "pool-a", "host-a", nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer reg.Stop()

	data, err := os.ReadFile(reg.recordPath("pool-a"))
	if err != nil {
		t.Fatalf("record file missing after Start(): %v", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.PoolID != "pool-a" || rec.Host != "host-a" {
		t.Errorf("record = %+v, want pool_id=pool-a host=host-a", rec)
	}

	first := rec.LastHeartbeat
	time.Sleep(100 * time.Millisecond)
	data, err = os.ReadFile(reg.recordPath("pool-a"))
	if err != nil {
		t.Fatalf("record file missing after heartbeat interval: %v", err)
	}
	var later record
	if err := json.Unmarshal(data, &later); err != nil {
		t.Fatalf("unmarshal record after heartbeat: %v", err)
	}
	if !later.LastHeartbeat.After(first) {
		t.Errorf("LastHeartbeat = %v after 100ms, want later than %v (heartbeat every 20ms)", later.LastHeartbeat, first)
	}
}

func TestRegistry_RegisterUnregisterChild(t *testing.T) {
	dir := t.TempDir()
	reg := New(Config{Dir: dir, HeartbeatInterval: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reg.Start(ctx, "pool-b", "host-b", nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer reg.Stop()

	reg.RegisterChild(ChildRef{PID: 123, Fingerprint: "fp-1"})
	if len(reg.children) != 1 {
		t.Fatalf("children after RegisterChild = %d, want 1", len(reg.children))
	}
	reg.UnregisterChild(123)
	if len(reg.children) != 0 {
		t.Errorf("children after UnregisterChild = %d, want 0", len(reg.children))
	}
}

func TestRegistry_StopRemovesRecord(t *testing.T) {
	dir := t.TempDir()
	reg := New(Config{Dir: dir, HeartbeatInterval: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reg.Start(ctx, "pool-c", "host-c", nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	reg.Stop()

	if _, err := os.Stat(reg.recordPath("pool-c")); !os.IsNotExist(err) {
		t.Errorf("record file still present after Stop(): err = %v", err)
	}
}

// TestRegistry_SweepKillsStaleVerifiedOrphan exercises the core safety
// property of spec.md §4.5: a child whose owning pool's heartbeat has
// gone stale, and whose command line still carries the fingerprint the
// stale record named, is reaped on the next Start's sweep.
func TestRegistry_SweepKillsStaleVerifiedOrphan(t *testing.T) {
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}

	fp := "orphan-fp-1"
	cmd := exec.Command(self, workerproc.FingerprintFlag+"="+fp)
	cmd.Env = append(os.Environ(), fakechild.EnvMode+"="+string(fakechild.ModeNeverReady))
	if err := cmd.Start(); err != nil {
		t.Fatalf("start hung child: %v", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	dir := t.TempDir()
	stale := record{
		PoolID:        "dead-pool",
		Host:          "dead-host",
		Children:      []ChildRef{{PID: cmd.Process.Pid, Fingerprint: fp, StartedAt: time.Now()}},
		LastHeartbeat: time.Now().Add(-time.Hour),
	}
	data, err := json.Marshal(stale)
	if err != nil {
		t.Fatalf("marshal stale record: %v", err)
	}
	if err := os.WriteFile(dir+"/pool-dead-pool.json", data, 0o600); err != nil {
		t.Fatalf("write stale record: %v", err)
	}

	reg := New(Config{Dir: dir, HeartbeatInterval: 10 * time.Millisecond, LivenessMultiple: 2}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := reg.Start(ctx, "live-pool", "live-host", nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer reg.Stop()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case <-waitErr:
		// The orphan was killed, as expected.
	case <-time.After(2 * time.Second):
		t.Fatal("orphan process was not killed by the stale sweep")
	}

	if _, err := os.Stat(dir + "/pool-dead-pool.json"); !os.IsNotExist(err) {
		t.Errorf("stale record file still present after sweep: err = %v", err)
	}
}
