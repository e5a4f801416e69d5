// Package main is the entry point for the vastar-runtime binary.
// It provides a CLI for starting the connector runtime daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vastar/connector-runtime/internal/policy"
	"github.com/vastar/connector-runtime/internal/pool"
	"github.com/vastar/connector-runtime/internal/resilience"
	"github.com/vastar/connector-runtime/pkg/config"
	"github.com/vastar/connector-runtime/pkg/logging"
	"github.com/vastar/connector-runtime/pkg/runtime"
	"github.com/vastar/connector-runtime/pkg/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for vastar-runtime
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vastar-runtime",
		Short: "Connector runtime daemon for Vastar SDKs",
		Long: `A local daemon that executes HTTP requests on behalf of connector SDKs.

SDK processes connect over a unix socket (or loopback TCP) and submit framed
execution requests; the runtime owns connection pooling, circuit breaking,
retries, timeouts, SSE relay, and egress policy for every request.

Example:
  vastar-runtime --socket /tmp/vastar-runtime.sock --config runtime.yaml`,
		RunE:          runDaemon,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.Flags().StringP("socket", "s", "", "Unix socket path to listen on")
	rootCmd.Flags().String("tcp", "", "Optional loopback TCP listen address")
	rootCmd.Flags().String("admin", "", "Admin listen address for /metrics and /healthz")
	rootCmd.Flags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("pretty", false, "Human-readable log output")

	return rootCmd
}

// buildConfig layers CLI flags over the configuration file and environment.
func buildConfig(cmd *cobra.Command) (*config.Config, string, error) {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}

	if v, _ := cmd.Flags().GetString("socket"); v != "" {
		cfg.Server.SocketPath = v
	}
	if v, _ := cmd.Flags().GetString("tcp"); v != "" {
		cfg.Server.TCPAddress = v
	}
	if v, _ := cmd.Flags().GetString("admin"); v != "" {
		cfg.Server.AdminAddress = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if cmd.Flags().Changed("pretty") {
		cfg.Logging.Pretty, _ = cmd.Flags().GetBool("pretty")
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, configPath, nil
}

// loadGate compiles the configured egress policy module, if any.
func loadGate(ctx context.Context, cfg config.PolicyConfig) (*policy.Gate, error) {
	if cfg.EgressModuleFile == "" {
		return nil, nil
	}
	module, err := os.ReadFile(cfg.EgressModuleFile)
	if err != nil {
		return nil, fmt.Errorf("read egress policy module: %w", err)
	}
	return policy.NewGate(ctx, string(module))
}

// runDaemon is the main entry point for the runtime command
func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, configPath, err := buildConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	gate, err := loadGate(ctx, cfg.Policy)
	if err != nil {
		logger.Error("Failed to load egress policy", "error", err)
		return err
	}

	metrics := runtime.NewMetrics()
	connPool := pool.New(pool.Config{
		MaxPerHost:    cfg.Pool.MaxPerHost,
		IdleTTL:       cfg.Pool.IdleTTL(),
		SweepInterval: cfg.Pool.SweepInterval(),
	}, logger)
	defer connPool.Close()

	breakers := resilience.NewBreakerManager(resilience.CircuitBreakerConfig{
		FailureThreshold:     cfg.CircuitBreaker.FailureThreshold,
		Cooldown:             cfg.CircuitBreaker.Cooldown(),
		Window:               cfg.CircuitBreaker.Window(),
		BucketCount:          cfg.CircuitBreaker.BucketCount,
		FailureRateThreshold: cfg.CircuitBreaker.FailureRateThreshold,
		MinSamples:           cfg.CircuitBreaker.MinSamples,
	})

	retry := resilience.NewRetryPolicy(resilience.RetryConfig{
		MaxRetries:        cfg.Retry.MaxRetries,
		InitialBackoff:    cfg.Retry.InitialBackoff(),
		MaxBackoff:        cfg.Retry.MaxBackoff(),
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		Jitter:            cfg.Retry.Jitter,
	})

	executor := runtime.NewExecutor(runtime.ExecutorConfig{
		DefaultTimeout: cfg.Runtime.DefaultTimeout(),
		MaxBodyBytes:   cfg.Runtime.MaxBodyBytes,
	}, connPool, breakers, retry, gate, metrics, logger)

	server := runtime.NewServer(cfg.Server, executor, breakers, metrics, logger)

	// Hot-reload resilience and policy settings when the config file changes.
	if configPath != "" {
		watcher, werr := config.NewWatcher(configPath, func(next *config.Config) {
			breakers.Configure(resilience.CircuitBreakerConfig{
				FailureThreshold:     next.CircuitBreaker.FailureThreshold,
				Cooldown:             next.CircuitBreaker.Cooldown(),
				Window:               next.CircuitBreaker.Window(),
				BucketCount:          next.CircuitBreaker.BucketCount,
				FailureRateThreshold: next.CircuitBreaker.FailureRateThreshold,
				MinSamples:           next.CircuitBreaker.MinSamples,
			})
			nextGate, gerr := loadGate(ctx, next.Policy)
			if gerr != nil {
				metrics.RecordConfigReload("error")
				logger.Error("Config reload: egress policy failed to compile", "error", gerr)
				return
			}
			executor.SetGate(nextGate)
			metrics.RecordConfigReload("success")
			logger.Info("Configuration reloaded")
		}, logger)
		if werr != nil {
			logger.Warn("Config watcher unavailable", "error", werr)
		} else if werr := watcher.Start(ctx); werr != nil {
			logger.Warn("Config watcher failed to start", "error", werr)
		} else {
			defer func() { _ = watcher.Stop() }()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("Starting vastar-runtime",
		"socket", cfg.Server.SocketPath,
		"tcp", cfg.Server.TCPAddress,
		"admin", cfg.Server.AdminAddress,
		"log_level", cfg.Logging.Level,
	)

	return server.Run(ctx)
}
