package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wheretheplow/plowfleet/pkg/agent"
	"github.com/wheretheplow/plowfleet/pkg/observability"
)

var (
	// Build information (set via ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	logger *zap.Logger

	rootCmd = &cobra.Command{
		Use:   "agent",
		Short: "plowfleet agent - volunteer poller for the plow tracker",
		Long: `The plowfleet agent runs on a volunteer's machine. Once an operator approves
it, the agent polls the upstream plow tracker in the slot the coordinator
assigns and reports every outcome back.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig()
		},
		RunE: run,
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file path")
	flags.String("server", "http://localhost:8080", "Coordinator URL")
	flags.String("data-dir", "", "Directory holding key.pem and name (default $XDG_CONFIG_HOME/plowfleet-agent)")
	flags.String("name", "", "Display name sent at registration")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("metrics-addr", "", "Metrics server bind address (disabled when empty)")
	flags.Duration("request-timeout", agent.DefaultRequestTimeout, "Timeout for one coordinator exchange")
	flags.Duration("fetch-timeout", 10*time.Second, "Timeout for one upstream fetch")

	// Bind flags to viper
	viper.BindPFlag("config", flags.Lookup("config"))
	viper.BindPFlag("server", flags.Lookup("server"))
	viper.BindPFlag("data_dir", flags.Lookup("data-dir"))
	viper.BindPFlag("name", flags.Lookup("name"))
	viper.BindPFlag("log_level", flags.Lookup("log-level"))
	viper.BindPFlag("metrics_addr", flags.Lookup("metrics-addr"))
	viper.BindPFlag("request_timeout", flags.Lookup("request-timeout"))
	viper.BindPFlag("fetch_timeout", flags.Lookup("fetch-timeout"))

	// Set up environment variable binding
	viper.SetEnvPrefix("PLOWFLEET")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("plowfleet agent\n")
			fmt.Printf("  Version:    %s\n", Version)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Git Commit: %s\n", GitCommit)
			fmt.Printf("  Go Version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "id",
		Short: "Print this agent's id and public key",
		RunE:  printIdentity,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "keygen",
		Short: "Create the agent key if it does not exist, then print the id",
		RunE:  keygen,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "inspect",
		Short: "Print the system info sent at registration",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), agent.DetectHost(zap.NewNop()).String())
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

func dataDir() string {
	if dir := viper.GetString("data_dir"); dir != "" {
		return dir
	}
	return agent.DefaultDataDir()
}

func run(cmd *cobra.Command, args []string) error {
	// Initialize logger
	var err error
	logger, err = observability.NewLogger(viper.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting plowfleet agent",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := agent.New(&agent.Config{
		ServerURL:      viper.GetString("server"),
		DataDir:        dataDir(),
		Name:           viper.GetString("name"),
		RequestTimeout: viper.GetDuration("request_timeout"),
		FetchTimeout:   viper.GetDuration("fetch_timeout"),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	var metricsServer *observability.MetricsServer
	if addr := viper.GetString("metrics_addr"); addr != "" {
		metricsServer = observability.NewMetricsServer(addr, logger, nil)
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	err = a.Run(ctx)

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping metrics server", zap.Error(err))
		}
	}

	logger.Info("Shutdown complete")
	return err
}

func printIdentity(cmd *cobra.Command, args []string) error {
	creds, err := agent.LoadCredentials(dataDir())
	if err != nil {
		return fmt.Errorf("no agent key in %s (run keygen first): %w", dataDir(), err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Agent ID: %s\n", creds.Keys.ID)
	if creds.Name != "" {
		fmt.Fprintf(out, "Name:     %s\n", creds.Name)
	}
	fmt.Fprintf(out, "\n%s", creds.Keys.PublicPEM)
	return nil
}

func keygen(cmd *cobra.Command, args []string) error {
	creds, err := agent.LoadOrCreateCredentials(dataDir(), viper.GetString("name"))
	if err != nil {
		return err
	}
	if creds.Created {
		fmt.Fprintf(cmd.OutOrStdout(), "Generated %s\n", agent.KeyPath(creds.Dir))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Agent ID: %s\n", creds.Keys.ID)
	return nil
}
