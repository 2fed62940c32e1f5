package epwr

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/YuminosukeSato/epwr/internal/epwrconfig"
	"github.com/YuminosukeSato/epwr/internal/workerproc"
	"github.com/YuminosukeSato/epwr/internal/workerproc/fakechild"
)

func benchWorkerConfig(b *testing.B) workerproc.Config {
	b.Helper()
	self, err := os.Executable()
	if err != nil {
		b.Fatalf("os.Executable: %v", err)
	}
	return workerproc.Config{
		Path:                self,
		Env:                 map[string]string{fakechild.EnvMode: string(fakechild.ModeEcho)},
		InitTimeout:         2 * time.Second,
		HealthCheckInterval: time.Second,
		HealthFailureLimit:  3,
	}
}

// BenchmarkPool_Execute mirrors the teacher's bench/pool_benchmark_test.go
// shape (table of pool sizes, b.ReportAllocs()), rewritten against the
// scheduler's Execute instead of a raw pyproc.Pool/socket connection.
func BenchmarkPool_Execute(b *testing.B) {
	for _, size := range []int{1, 2, 4, 8} {
		b.Run(fmt.Sprintf("workers=%d", size), func(b *testing.B) {
			p, err := NewPool(Options{
				Pool:   epwrconfig.PoolConfig{Size: size, AffinityTTL: time.Minute},
				Worker: benchWorkerConfig(b),
			}, nil)
			if err != nil {
				b.Fatalf("NewPool() error = %v", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := p.Start(ctx); err != nil {
				b.Fatalf("Start() error = %v", err)
			}
			defer p.Shutdown(2 * time.Second)

			input := map[string]any{"value": float64(42)}
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := p.Execute(ctx, "echo", input, ExecOptions{Deadline: time.Now().Add(5 * time.Second)}); err != nil {
					b.Fatalf("Execute() error = %v", err)
				}
			}
		})
	}
}

// BenchmarkPool_ExecuteConcurrent exercises the scheduler's checkout path
// under contention, grounded on the teacher's BenchmarkPool parallel
// shape (bench/pool_benchmark_test.go).
func BenchmarkPool_ExecuteConcurrent(b *testing.B) {
	p, err := NewPool(Options{
		Pool:   epwrconfig.PoolConfig{Size: 4, AffinityTTL: time.Minute},
		Worker: benchWorkerConfig(b),
	}, nil)
	if err != nil {
		b.Fatalf("NewPool() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.Start(ctx); err != nil {
		b.Fatalf("Start() error = %v", err)
	}
	defer p.Shutdown(2 * time.Second)

	input := map[string]any{"value": float64(1)}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := p.Execute(ctx, "echo", input, ExecOptions{Deadline: time.Now().Add(5 * time.Second)}); err != nil {
				b.Fatal(err)
			}
		}
	})
}
