// Package epwrconfig loads and validates the runtime's configuration from
// file, environment, and defaults using spf13/viper, exactly as the
// teacher's pkg/pyproc/config.go does for its own options.
package epwrconfig

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the runtime (spec.md §6).
type Config struct {
	Pool     PoolConfig     `mapstructure:"pool"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Protocol ProtocolConfig `mapstructure:"protocol"`
	Session  SessionConfig  `mapstructure:"session"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Registry RegistryConfig `mapstructure:"registry"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// PoolConfig defines scheduler/pool settings (spec.md §4.2, §6).
type PoolConfig struct {
	Size          int           `mapstructure:"size"`
	Overflow      int           `mapstructure:"overflow"`
	OverflowIdle  time.Duration `mapstructure:"overflow_idle"`
	AffinityTTL   time.Duration `mapstructure:"affinity_ttl"`
	WaitQueueSize int           `mapstructure:"wait_queue_size"`
}

// WorkerConfig defines the child process launch and health-probe settings
// (spec.md §4.1, §6). Named WorkerConfig rather than the teacher's
// PythonConfig — EPWR's children are not assumed to be Python.
type WorkerConfig struct {
	Path                string            `mapstructure:"path"`
	Args                []string          `mapstructure:"args"`
	Env                 map[string]string `mapstructure:"env"`
	InitTimeout         time.Duration     `mapstructure:"init_timeout"`
	HealthCheckInterval time.Duration     `mapstructure:"health_check_interval"`
	HealthFailureLimit  int               `mapstructure:"health_failure_limit"`
}

// ProtocolConfig defines wire-protocol settings (spec.md §4.6, §6).
type ProtocolConfig struct {
	Codec         string `mapstructure:"codec"`
	MaxFrameBytes int    `mapstructure:"max_frame_bytes"`
}

// SessionConfig defines session-store settings (spec.md §4.3, §6).
type SessionConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	RecordCapacity int           `mapstructure:"record_capacity"`
}

// RecoveryConfig defines orchestrator/backoff/circuit-breaker settings
// (spec.md §4.4, §6).
type RecoveryConfig struct {
	MaxConcurrent     int           `mapstructure:"max_concurrent_recoveries"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	RetryBackoff      string        `mapstructure:"retry_backoff"`
	RetryJitter       bool          `mapstructure:"retry_jitter"`
	CircuitThreshold  uint32        `mapstructure:"circuit_threshold"`
	CircuitCooldown   time.Duration `mapstructure:"circuit_cooldown"`
	RecordsCapacity   int           `mapstructure:"records_capacity"`
}

// RegistryConfig defines the global orphan registry's settings (spec.md
// §4.5, §6).
type RegistryConfig struct {
	Dir               string        `mapstructure:"dir"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	LivenessMultiple  int           `mapstructure:"liveness_multiple"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	TraceEnabled bool   `mapstructure:"trace_enabled"`
}

// MetricsConfig defines metrics collection settings.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Path     string `mapstructure:"path"`
}

// Load reads configuration from configPath (if non-empty), the process
// environment (prefix EPWR_), and defaults, in that order of precedence.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/epwr")
	}

	v.SetEnvPrefix("EPWR")
	// The teacher's own config.go sets AutomaticEnv without a key
	// replacer, which only ever works for top-level keys; every EPWR
	// section is nested (pool.size, worker.path, ...), so an explicit
	// replacer is needed for e.g. EPWR_POOL_SIZE to reach "pool.size".
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("epwrconfig: read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("epwrconfig: unmarshal config: %w", err)
	}

	// Durations are read as bare integers in their natural unit (seconds
	// for most, milliseconds for backoff knobs) and converted here,
	// mirroring the teacher's post-unmarshal duration fixups.
	cfg.Pool.OverflowIdle *= time.Second
	cfg.Pool.AffinityTTL *= time.Second
	cfg.Worker.InitTimeout *= time.Second
	cfg.Worker.HealthCheckInterval *= time.Second
	cfg.Session.TTL *= time.Second
	cfg.Session.SweepInterval *= time.Second
	cfg.Recovery.RetryBaseDelay *= time.Millisecond
	cfg.Recovery.RetryMaxDelay *= time.Millisecond
	cfg.Recovery.CircuitCooldown *= time.Second
	cfg.Registry.HeartbeatInterval *= time.Second

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Pool defaults (spec.md §6 "pool_size"/"overflow"/"affinity_ttl").
	v.SetDefault("pool.size", 4)
	v.SetDefault("pool.overflow", 2)
	v.SetDefault("pool.overflow_idle", 60)
	v.SetDefault("pool.affinity_ttl", 300)
	v.SetDefault("pool.wait_queue_size", 0) // not read by the scheduler; waiters are never capped

	// Worker defaults (§6 "worker_init_timeout"/"health_check_interval"/
	// "health_failure_limit").
	v.SetDefault("worker.path", "")
	v.SetDefault("worker.init_timeout", 30)
	v.SetDefault("worker.health_check_interval", 30)
	v.SetDefault("worker.health_failure_limit", 3)

	// Protocol defaults (§6 "max_frame_bytes").
	v.SetDefault("protocol.codec", "json")
	v.SetDefault("protocol.max_frame_bytes", 67108864) // 64 MiB, per §4.6

	// Session defaults (§6 "session_ttl"/"session_sweep_interval").
	v.SetDefault("session.ttl", 3600)
	v.SetDefault("session.sweep_interval", 60)
	v.SetDefault("session.record_capacity", 0) // not read by the session store, which is unbounded

	// Recovery defaults (§6 "retry_*"/"circuit_*"/"max_concurrent_recoveries").
	v.SetDefault("recovery.max_concurrent_recoveries", 64)
	v.SetDefault("recovery.retry_base_delay", 100)
	v.SetDefault("recovery.retry_max_delay", 30000)
	v.SetDefault("recovery.retry_backoff", "exponential")
	v.SetDefault("recovery.retry_jitter", true)
	v.SetDefault("recovery.circuit_threshold", 5)
	v.SetDefault("recovery.circuit_cooldown", 30)
	v.SetDefault("recovery.records_capacity", 1024)

	// Registry defaults (§6 "global_registry_dir"/"heartbeat_interval").
	v.SetDefault("registry.dir", "/tmp/epwr-registry")
	v.SetDefault("registry.heartbeat_interval", 10)
	v.SetDefault("registry.liveness_multiple", 2)

	// Logging defaults.
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.trace_enabled", true)

	// Metrics defaults.
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.endpoint", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}
