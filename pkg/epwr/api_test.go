package epwr

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/YuminosukeSato/epwr/internal/epwrconfig"
	"github.com/YuminosukeSato/epwr/internal/workerproc/fakechild"
)

func testRuntimeConfig(t *testing.T) *epwrconfig.Config {
	t.Helper()
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	cfg := &epwrconfig.Config{
		Pool: epwrconfig.PoolConfig{Size: 2, AffinityTTL: time.Minute},
		Worker: epwrconfig.WorkerConfig{
			Path:                self,
			Env:                 map[string]string{fakechild.EnvMode: string(fakechild.ModeEcho)},
			InitTimeout:         2 * time.Second,
			HealthCheckInterval: 200 * time.Millisecond,
			HealthFailureLimit:  3,
		},
		Protocol: epwrconfig.ProtocolConfig{Codec: "json"},
		Session:  epwrconfig.SessionConfig{SweepInterval: time.Minute},
		Recovery: epwrconfig.RecoveryConfig{},
		Registry: epwrconfig.RegistryConfig{Dir: t.TempDir(), HeartbeatInterval: time.Hour},
		Logging:  epwrconfig.LoggingConfig{Level: "error", Format: "text"},
	}
	return cfg
}

func TestRuntime_ExecuteAndShutdown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rt, err := New(ctx, testRuntimeConfig(t), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	result, err := rt.Execute(ctx, "echo", map[string]any{"y": float64(3)}, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(result) != `{"y":3}` {
		t.Errorf("Execute() result = %s", result)
	}

	status := rt.Status()
	if status.Size != 2 {
		t.Errorf("Status().Size = %d, want 2", status.Size)
	}

	if err := rt.Shutdown(2 * time.Second); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestRuntime_ExecuteInSessionUsesSessionStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rt, err := New(ctx, testRuntimeConfig(t), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer rt.Shutdown(2 * time.Second)

	if _, err := rt.ExecuteInSession(ctx, "s1", "echo", nil, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("ExecuteInSession() error = %v", err)
	}
	if !rt.Sessions().Exists("s1") {
		t.Error("Sessions().Exists(\"s1\") = false after ExecuteInSession")
	}
}
