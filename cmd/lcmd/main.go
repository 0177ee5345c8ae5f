// Command lcmd is the LCM daemon: it loads configuration, constructs a
// Context on the configured provider URL, serves Prometheus metrics and a
// periodic host-resource sample, and runs the Context's receive loop until
// asked to stop.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	_ "go.uber.org/automaxprocs"

	lcmconfig "github.com/odinlcm/lcm/internal/config"
	"github.com/odinlcm/lcm/internal/logging"
	"github.com/odinlcm/lcm/lcm"
	"github.com/odinlcm/lcm/transport"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	startupLogger := logging.New(logging.Config{Level: "info", Format: "json"})

	// automaxprocs automatically sets GOMAXPROCS based on container CPU
	// limits; it rounds down, which is correct for the Go scheduler.
	maxProcs := runtime.GOMAXPROCS(0)
	startupLogger.Info().Int("gomaxprocs", maxProcs).Msg("lcmd: GOMAXPROCS set via automaxprocs")

	cfg, err := lcmconfig.Load(&startupLogger)
	if err != nil {
		startupLogger.Fatal().Err(err).Msg("lcmd: failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	cfg.Print()

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	reg := transport.DefaultRegistry(logger)
	ctx, err := lcm.New(cfg.LCMURL, reg)
	if err != nil {
		logger.Fatal().Err(err).Msg("lcmd: failed to construct LCM context")
	}

	go serveMetrics(logger, cfg.MetricsAddr)
	go sampleHostResources(logger, cfg.HostSampleInterval)
	go handleLoop(logger, ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("lcmd: shutting down")
	if err := ctx.Destroy(); err != nil {
		logger.Error().Err(err).Msg("lcmd: error during shutdown")
	}
}

// serveMetrics runs the Prometheus /metrics endpoint. It logs and returns on
// failure rather than crashing the daemon; the receive loop keeps running
// either way.
func serveMetrics(logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info().Str("addr", addr).Msg("lcmd: serving /metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("lcmd: metrics server stopped")
	}
}

// handleLoop runs the Context's receive loop for as long as the process is
// alive, logging (but not exiting on) transient Handle errors.
func handleLoop(logger zerolog.Logger, ctx *lcm.Context) {
	for {
		if err := ctx.Handle(); err != nil {
			logger.Error().Err(err).Msg("lcmd: Handle error")
		}
	}
}

// sampleHostResources periodically logs process RSS (falling back to
// system-wide used memory if the process RSS can't be read), mirroring the
// teacher's monitorMemory loop. Operational visibility only — LCM has no
// connection-admission concept to gate on it.
func sampleHostResources(logger zerolog.Logger, interval string) {
	d, err := time.ParseDuration(interval)
	if err != nil || d <= 0 {
		d = 15 * time.Second
	}
	ticker := time.NewTicker(d)
	defer ticker.Stop()

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("lcmd: failed to get process handle, falling back to system memory")
		proc = nil
	}

	for range ticker.C {
		if proc != nil {
			if info, err := proc.MemoryInfo(); err == nil {
				logger.Info().Float64("rss_mb", float64(info.RSS)/1024/1024).Msg("lcmd: host resource sample")
				continue
			}
		}
		if vmem, err := mem.VirtualMemory(); err == nil {
			logger.Info().Float64("used_mb", float64(vmem.Used)/1024/1024).Msg("lcmd: host resource sample")
		}
	}
}
