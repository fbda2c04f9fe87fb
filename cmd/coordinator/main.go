package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wheretheplow/plowfleet/pkg/coordinator"
	"github.com/wheretheplow/plowfleet/pkg/coordinator/membership"
	"github.com/wheretheplow/plowfleet/pkg/observability"
)

var (
	// Build information (set via ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	logger *zap.Logger

	rootCmd = &cobra.Command{
		Use:   "coordinator",
		Short: "plowfleet coordinator - schedules volunteer agents that poll the plow tracker",
		Long: `The plowfleet coordinator admits volunteer agents, hands each one a slot in a
shared polling schedule, ingests their reports, and falls back to polling the
upstream source itself when no agent is covering it.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig()
		},
		RunE: run,
	}

	tokenCmd = &cobra.Command{
		Use:   "token <operator>",
		Short: "Mint an operator token for the admin API",
		Args:  cobra.ExactArgs(1),
		RunE:  mintToken,
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file path")
	flags.String("bind-addr", "0.0.0.0:8080", "HTTP API bind address")
	flags.String("metrics-addr", "0.0.0.0:9090", "Metrics server bind address")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	flags.String("storage-driver", membership.DriverBolt, "Agent store driver (memory, bolt, sqlite, postgres)")
	flags.String("storage-path", "/var/lib/plowfleet/agents.db", "Agent store file for bolt and sqlite")
	flags.String("storage-dsn", "", "Postgres connection string")

	flags.Duration("global-interval", 6*time.Second, "Target spacing between fleet-wide upstream fetches")
	flags.Duration("liveness-window", 30*time.Second, "How recently an agent must have been seen to get a slot")
	flags.Duration("max-skew", 30*time.Second, "Maximum accepted age of a signed request timestamp")
	flags.String("provision-status", string(membership.StatusApproved), "Status given to provisioned agents (approved, pending)")

	flags.Bool("collector-enabled", true, "Poll upstream directly when no agent is covering it")
	flags.Duration("collector-interval", 0, "Direct collector poll interval (defaults to the global interval)")
	flags.Duration("collector-window", 30*time.Second, "How recently an agent must have been seen to stand the collector down")

	flags.String("upstream-url", "", "Upstream AVL query URL handed to agents")
	flags.String("upstream-referer", "", "Referer header sent with upstream fetches")
	flags.Duration("upstream-timeout", 10*time.Second, "Upstream fetch timeout")

	flags.String("admin-signing-key", "", "Base64-encoded HS256 key for operator tokens")
	flags.Duration("admin-token-ttl", coordinator.DefaultAdminTokenTTL, "Lifetime of minted operator tokens")

	flags.String("events-redis-addr", "", "Redis address for fleet event fan-out (disabled when empty)")
	flags.String("events-redis-channel", "plowfleet:events", "Redis channel for fleet events")

	flags.Bool("tracing-enabled", false, "Export traces over OTLP gRPC")
	flags.String("tracing-endpoint", "localhost:4317", "OTLP gRPC endpoint")
	flags.Float64("tracing-sample-rate", 1.0, "Trace sample rate")

	// Bind flags to viper
	for key, flag := range map[string]string{
		"config":                     "config",
		"bind_addr":                  "bind-addr",
		"metrics_addr":               "metrics-addr",
		"log_level":                  "log-level",
		"storage.driver":             "storage-driver",
		"storage.path":               "storage-path",
		"storage.dsn":                "storage-dsn",
		"schedule.global_interval":   "global-interval",
		"schedule.liveness_window":   "liveness-window",
		"auth.max_skew":              "max-skew",
		"admission.provision_status": "provision-status",
		"collector.enabled":          "collector-enabled",
		"collector.interval":         "collector-interval",
		"collector.window":           "collector-window",
		"upstream.url":               "upstream-url",
		"upstream.referer":           "upstream-referer",
		"upstream.timeout":           "upstream-timeout",
		"admin.signing_key":          "admin-signing-key",
		"admin.token_ttl":            "admin-token-ttl",
		"events.redis_addr":          "events-redis-addr",
		"events.redis_channel":       "events-redis-channel",
		"tracing.enabled":            "tracing-enabled",
		"tracing.endpoint":           "tracing-endpoint",
		"tracing.sample_rate":        "tracing-sample-rate",
	} {
		viper.BindPFlag(key, flags.Lookup(flag))
	}

	// Set up environment variable binding
	viper.SetEnvPrefix("PLOWFLEET")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("plowfleet coordinator\n")
			fmt.Printf("  Version:    %s\n", Version)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Git Commit: %s\n", GitCommit)
			fmt.Printf("  Go Version: %s\n", runtime.Version())
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() error {
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

func signingKey() ([]byte, error) {
	encoded := viper.GetString("admin.signing_key")
	if encoded == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("admin signing key is not valid base64: %w", err)
	}
	return key, nil
}

func run(cmd *cobra.Command, args []string) error {
	// Initialize logger
	var err error
	logger, err = observability.NewLogger(viper.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting plowfleet coordinator",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)
	gin.SetMode(gin.ReleaseMode)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	tracer, err := observability.NewTracerProvider(observability.TracerConfig{
		Enabled:        viper.GetBool("tracing.enabled"),
		Endpoint:       viper.GetString("tracing.endpoint"),
		ServiceName:    "plowfleet-coordinator",
		ServiceVersion: Version,
		SampleRate:     viper.GetFloat64("tracing.sample_rate"),
		Insecure:       true,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	key, err := signingKey()
	if err != nil {
		return err
	}

	config := &coordinator.Config{
		BindAddr: viper.GetString("bind_addr"),
		Logger:   logger,
		Storage: membership.StoreConfig{
			Driver: viper.GetString("storage.driver"),
			Path:   viper.GetString("storage.path"),
			DSN:    viper.GetString("storage.dsn"),
		},
		GlobalInterval:    viper.GetDuration("schedule.global_interval"),
		LivenessWindow:    viper.GetDuration("schedule.liveness_window"),
		MaxSkew:           viper.GetDuration("auth.max_skew"),
		ProvisionStatus:   membership.Status(viper.GetString("admission.provision_status")),
		UpstreamURL:       viper.GetString("upstream.url"),
		UpstreamReferer:   viper.GetString("upstream.referer"),
		UpstreamTimeout:   viper.GetDuration("upstream.timeout"),
		CollectorEnabled:  viper.GetBool("collector.enabled"),
		CollectorInterval: viper.GetDuration("collector.interval"),
		ArbitrationWindow: viper.GetDuration("collector.window"),
		AdminSigningKey:   key,
		AdminTokenTTL:     viper.GetDuration("admin.token_ttl"),
	}

	if addr := viper.GetString("events.redis_addr"); addr != "" {
		publisher, err := observability.NewRedisPublisher(observability.RedisPublisherConfig{
			Addr:    addr,
			Channel: viper.GetString("events.redis_channel"),
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect event publisher: %w", err)
		}
		defer publisher.Close()
		config.EventPublisher = publisher
	}

	// Create coordinator instance
	coord, err := coordinator.New(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	// Start metrics server
	metricsServer := observability.NewMetricsServer(viper.GetString("metrics_addr"), logger, coord.Ready)
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// Start coordinator
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	// Wait for shutdown signal
	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	// Graceful shutdown
	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := coord.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping coordinator", zap.Error(err))
	}
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping metrics server", zap.Error(err))
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping tracer provider", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return nil
}

func mintToken(cmd *cobra.Command, args []string) error {
	key, err := signingKey()
	if err != nil {
		return err
	}
	if len(key) == 0 {
		return fmt.Errorf("admin signing key is required to mint tokens (--admin-signing-key or PLOWFLEET_ADMIN_SIGNING_KEY)")
	}

	auth, err := coordinator.NewAdminAuthenticator(coordinator.AdminAuthenticatorConfig{
		SigningKey: key,
		TTL:        viper.GetDuration("admin.token_ttl"),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		return err
	}

	token, err := auth.Mint(args[0], 0)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
