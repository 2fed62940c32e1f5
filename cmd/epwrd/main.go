// Command epwrd is a small demo/daemon CLI exercising a pool against a
// sample child binary, grounded on the teacher's cmd/pyproc/main.go
// cobra wiring (minus its Python-project scaffolding, out of EPWR's
// scope).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/YuminosukeSato/epwr/internal/epwrconfig"
	"github.com/YuminosukeSato/epwr/internal/epwrlog"
	"github.com/YuminosukeSato/epwr/pkg/epwr"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "epwrd",
	Short:   "epwrd - External-Process Worker Pool Runtime",
	Long:    `epwrd drives a bounded pool of externally-spawned child processes over framed pipes, with session affinity, health checks, and crash recovery.`,
	Version: "0.1.0",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a pool and send sample pings against it",
	RunE:  runRun,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Start a pool just long enough to print its initial Status()",
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (default: ./config.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)

	runCmd.Flags().String("child", "", "path to the child executable (required)")
	runCmd.Flags().Int("requests", 10, "number of sample ping requests to send")

	statusCmd.Flags().String("child", "", "path to the child executable (required)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadRuntime(ctx context.Context, cmd *cobra.Command) (*epwr.Runtime, error) {
	cfg, err := epwrconfig.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	child, _ := cmd.Flags().GetString("child")
	if child == "" {
		return nil, fmt.Errorf("--child is required")
	}
	cfg.Worker.Path = child

	logger := epwrlog.New(epwrlog.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, TraceEnabled: cfg.Logging.TraceEnabled})
	return epwr.New(ctx, cfg, logger)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := loadRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Shutdown(10 * time.Second)

	n, _ := cmd.Flags().GetInt("requests")
	for i := 0; i < n; i++ {
		deadline := time.Now().Add(5 * time.Second)
		result, err := rt.Execute(ctx, "ping", nil, deadline)
		if err != nil {
			fmt.Fprintf(os.Stderr, "request %d failed: %v\n", i, err)
			continue
		}
		fmt.Printf("request %d: %s\n", i, string(result))
	}

	status := rt.Status()
	printStatus(status)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := loadRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Shutdown(5 * time.Second)

	printStatus(rt.Status())
	return nil
}

func printStatus(s epwr.Status) {
	out, err := json.MarshalIndent(map[string]any{
		"size":          s.Size,
		"available":     s.Available,
		"busy":          s.Busy,
		"uptime":        s.Uptime.String(),
		"session_count": s.SessionCount,
		"stats": map[string]any{
			"checkouts":          s.Stats.Checkouts,
			"requests_succeeded": s.Stats.RequestsSucceeded,
			"requests_failed":    s.Stats.RequestsFailed,
			"latency_p50":        s.Stats.LatencyP50.String(),
			"latency_p95":        s.Stats.LatencyP95.String(),
			"latency_p99":        s.Stats.LatencyP99.String(),
		},
	}, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(out))
}
