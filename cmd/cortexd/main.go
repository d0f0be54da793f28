// Cortex Core Daemon
//
// Standalone orchestration daemon: bus, coordinator, and a demo echo domain,
// with the WebSocket bridge and Prometheus metrics exposed over HTTP.
//
// Usage:
//
//	go run ./cmd/cortexd                          # Defaults
//	go run ./cmd/cortexd -config cortex.yaml      # Config file
//	go run ./cmd/cortexd -bridge-addr :8080 -metrics-addr :9090
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mycelium-cortex/cortex-core/agent"
	"github.com/mycelium-cortex/cortex-core/bridge"
	"github.com/mycelium-cortex/cortex-core/bus"
	"github.com/mycelium-cortex/cortex-core/config"
	"github.com/mycelium-cortex/cortex-core/coordinator"
	"github.com/mycelium-cortex/cortex-core/logging"
	"github.com/mycelium-cortex/cortex-core/observability"
	"github.com/mycelium-cortex/cortex-core/supervisor"
)

// echoWorker is the demo execution agent: it returns its parameters.
type echoWorker struct{}

func (echoWorker) Execute(_ context.Context, action string, params map[string]any) (map[string]any, error) {
	return map[string]any{"action": action, "echo": params}, nil
}

func main() {
	configPath := flag.String("config", "", "path to YAML config (empty uses defaults)")
	bridgeAddr := flag.String("bridge-addr", ":8080", "WebSocket bridge listen address")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus metrics listen address")
	flag.Parse()

	cfg := config.DefaultCoreConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	config.SetCoreConfig(cfg)

	logger := logging.New(os.Stderr, strings.ToLower(cfg.LogLevel))
	logger.Info("cortexd_starting", "version", "1.0.0", "bridge_addr", *bridgeAddr, "metrics_addr", *metricsAddr)

	shutdownTracer, err := observability.InitTracer("cortexd", os.Stdout)
	if err != nil {
		log.Fatalf("Failed to init tracer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.New(bus.Options{
		MailboxCapacity: cfg.Bus.MailboxCapacity,
		DeadLetterLimit: cfg.Bus.DeadLetterLimit,
		Logger:          logger,
	})
	b.StartHealthMonitor(ctx, cfg.Bus.HealthInterval(), cfg.Bus.StaleAfter())

	// Strategic tier: one coordinator routing echo goals to the echo domain.
	coord, err := coordinator.New(b, "control-center", coordinator.Config{
		Thresholds: coordinator.Thresholds{
			MinSuccessRate:  cfg.Coordinator.MinSuccessRate,
			MaxAvgLatencyMS: int64(cfg.Coordinator.MaxAvgLatencyMs),
			MaxQueueDepth:   cfg.Coordinator.MaxQueueDepth,
		},
		HealthSweepInterval:    cfg.Coordinator.HealthSweepInterval(),
		SupervisorSilenceAfter: cfg.Coordinator.SupervisorSilenceAfter(),
		IntakePerSecond:        cfg.Coordinator.IntakePerSecond,
		IntakeBurst:            cfg.Coordinator.IntakeBurst,
	}, &coordinator.RouteDecomposer{
		Routes: map[string]string{"echo": "echoing"},
	}, logger)
	if err != nil {
		log.Fatalf("Failed to create coordinator: %v", err)
	}
	if err := coord.Start(ctx); err != nil {
		log.Fatalf("Failed to start coordinator: %v", err)
	}
	logger.Info("coordinator_started", "coordinator_id", coord.ID())

	// Tactical tier: the demo echo supervisor with two pooled children.
	sup, err := supervisor.New(b, "echo-sup", coord.ID(), supervisor.Config{
		Capability:         "echoing",
		PoolLimit:          cfg.Supervisor.PoolLimit,
		QueueDepth:         cfg.Supervisor.QueueDepth,
		MaxRetries:         cfg.Supervisor.MaxRetries,
		RetryBaseDelay:     cfg.Supervisor.RetryBaseDelay(),
		RetryMaxDelay:      cfg.Supervisor.RetryMaxDelay(),
		RetryOwner:         supervisor.RetryOwner(cfg.Supervisor.RetryOwner),
		BreakerThreshold:   uint32(cfg.Supervisor.BreakerThreshold),
		BreakerOpenTimeout: cfg.Supervisor.BreakerOpenTimeout(),
		AggregateEvery:     cfg.Supervisor.AggregateEvery,
		AggregateWindow:    cfg.Supervisor.AggregateWindow(),
	}, func(string) (agent.Handlers, error) {
		return agent.WrapWorker(echoWorker{}), nil
	}, logger)
	if err != nil {
		log.Fatalf("Failed to create supervisor: %v", err)
	}
	if err := sup.Start(ctx); err != nil {
		log.Fatalf("Failed to start supervisor: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := sup.SpawnChild(ctx); err != nil {
			log.Fatalf("Failed to spawn child: %v", err)
		}
	}
	if err := coord.RegisterSupervisor("echo-sup", "echoing"); err != nil {
		log.Fatalf("Failed to register supervisor: %v", err)
	}
	logger.Info("echo_domain_ready", "supervisor_id", "echo-sup", "children", 2)

	// HTTP surfaces: bridge for remote peers, metrics for scraping.
	bridgeMux := http.NewServeMux()
	bridgeMux.Handle("/bridge", bridge.NewServer(b, logger).Handler())
	bridgeServer := &http.Server{Addr: *bridgeAddr, Handler: bridgeMux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: *metricsAddr, Handler: metricsMux}

	go func() {
		if err := bridgeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("bridge_server_failed", "error", err)
		}
	}()
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics_server_failed", "error", err)
		}
	}()

	// Periodic system snapshot for operators tailing the log.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := b.Snapshot()
				logger.Info("system_snapshot",
					"registered_agents", stats.RegisteredAgents,
					"dead_letters", stats.DeadLetters,
					"echo_pool_size", sup.PoolSize(),
				)
			}
		}
	}()

	logger.Info("cortexd_ready")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown_signal_received", "signal", sig.String())

	// Graceful shutdown: close the outer surfaces first, then the hierarchy
	// top-down so children settle before their supervisors go away.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := bridgeServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("bridge_shutdown", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics_shutdown", "error", err)
	}
	if err := coord.Stop(shutdownCtx); err != nil {
		logger.Warn("coordinator_stop", "error", err)
	}
	if err := sup.Stop(shutdownCtx); err != nil {
		logger.Warn("supervisor_stop", "error", err)
	}
	cancel()
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer_shutdown", "error", err)
	}
	logger.Info("cortexd_stopped")
}
