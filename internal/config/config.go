// Package config assembles the server's tunables into one typed
// struct and a cobra-driven CLI surface. It is grounded on the
// teacher's cmd/server/main.go, which read a getenvInt-wrapped batch
// of WORKERS_*/QUEUE_* environment variables, one pair per demo
// handler type — generalized here into flags (with the same
// environment-variable fallback convention) over the single shared
// worker pool spec.md's AdaptiveWorkerPool describes, since per-
// handler-type pools were a teacher-specific layout this project's
// architecture no longer has a seat for (see DESIGN.md).
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// Config holds every runtime tunable the server's components need.
type Config struct {
	ListenAddr    string
	MetricsAddr   string
	LogLevel      string

	PoolMin            int
	PoolMax            int
	PoolQueueCapacity  int
	PoolResizeInterval time.Duration

	ProcessorSyncTimeout time.Duration

	AsyncContextTTL          time.Duration
	AsyncContextReapInterval time.Duration

	SwitchingMaxConcurrent int64

	ReactorPollTimeout time.Duration
	ShutdownGrace      time.Duration
}

// Default returns the teacher-flavored defaults: modest pool bounds,
// a 1s poll timeout per spec.md §5, and a 30s shutdown grace period.
func Default() Config {
	return Config{
		ListenAddr:    ":8080",
		MetricsAddr:   ":9090",
		LogLevel:      "info",

		PoolMin:            getenvInt("POOL_MIN_WORKERS", 4),
		PoolMax:            getenvInt("POOL_MAX_WORKERS", 32),
		PoolQueueCapacity:  getenvInt("POOL_QUEUE_CAPACITY", 256),
		PoolResizeInterval: getenvDuration("POOL_RESIZE_INTERVAL", 5*time.Second),

		ProcessorSyncTimeout: getenvDuration("PROCESSOR_SYNC_TIMEOUT", 30*time.Second),

		AsyncContextTTL:          getenvDuration("ASYNC_CONTEXT_TTL", 30*time.Second),
		AsyncContextReapInterval: getenvDuration("ASYNC_CONTEXT_REAP_INTERVAL", 10*time.Second),

		SwitchingMaxConcurrent: int64(getenvInt("SWITCHING_MAX_CONCURRENT", 1000)),

		ReactorPollTimeout: getenvDuration("REACTOR_POLL_TIMEOUT", time.Second),
		ShutdownGrace:      getenvDuration("SHUTDOWN_GRACE", 30*time.Second),
	}
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// BindFlags attaches every Config field to cmd's flag set, using
// Default() as the starting point so an unset flag still honors the
// environment-variable fallback.
func BindFlags(cmd *cobra.Command, cfg *Config) {
	def := Default()
	flags := cmd.Flags()

	flags.StringVar(&cfg.ListenAddr, "listen", def.ListenAddr, "address the HTTP/1.x reactor listens on")
	flags.StringVar(&cfg.MetricsAddr, "metrics-listen", def.MetricsAddr, "address the Prometheus /metrics listener binds to")
	flags.StringVar(&cfg.LogLevel, "log-level", def.LogLevel, "logrus level: trace, debug, info, warn, error")

	flags.IntVar(&cfg.PoolMin, "pool-min-workers", def.PoolMin, "worker pool minimum size")
	flags.IntVar(&cfg.PoolMax, "pool-max-workers", def.PoolMax, "worker pool maximum size")
	flags.IntVar(&cfg.PoolQueueCapacity, "pool-queue-capacity", def.PoolQueueCapacity, "worker pool task queue capacity")
	flags.DurationVar(&cfg.PoolResizeInterval, "pool-resize-interval", def.PoolResizeInterval, "interval between pool resize evaluations")

	flags.DurationVar(&cfg.ProcessorSyncTimeout, "processor-sync-timeout", def.ProcessorSyncTimeout, "timeout applied to synchronously dispatched requests")

	flags.DurationVar(&cfg.AsyncContextTTL, "async-context-ttl", def.AsyncContextTTL, "default time-to-live for suspended async contexts")
	flags.DurationVar(&cfg.AsyncContextReapInterval, "async-context-reap-interval", def.AsyncContextReapInterval, "interval between async-context reaper sweeps")

	flags.Int64Var(&cfg.SwitchingMaxConcurrent, "switching-max-concurrent", def.SwitchingMaxConcurrent, "maximum concurrent switch-out/switch-in pairs")

	flags.DurationVar(&cfg.ReactorPollTimeout, "reactor-poll-timeout", def.ReactorPollTimeout, "epoll_wait bound for the I/O reactor")
	flags.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", def.ShutdownGrace, "grace period for in-flight connections during shutdown")
}
