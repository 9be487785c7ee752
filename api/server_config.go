package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig contains the configuration of the HTTP server.
type HTTPServerConfig struct {
	// ListenAddr is the address the API listens on.
	ListenAddr string

	// MetricsAddr is the address of the metrics server. Empty disables it.
	MetricsAddr string

	// EnablePprof mounts the pprof API under /debug.
	EnablePprof bool

	Log *slog.Logger

	// DrainDuration is how long /drain waits before reporting the drain as
	// complete, so load balancers notice the readiness change.
	DrainDuration time.Duration

	// GracefulShutdownDuration bounds in-flight requests during shutdown.
	GracefulShutdownDuration time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxBodyBytes caps request bodies. Zero selects DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

// DefaultMaxBodyBytes is the request body cap when none is configured.
const DefaultMaxBodyBytes = 1 << 20
