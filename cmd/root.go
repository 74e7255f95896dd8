package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/baaaht/pktrelay/internal/config"
	"github.com/baaaht/pktrelay/internal/logger"
	"github.com/baaaht/pktrelay/pkg/daemon"
	grpcpkg "github.com/baaaht/pktrelay/pkg/grpc"
)

var (
	// CLI flags
	cfgFile         string
	logLevel        string
	logFormat       string
	logOutput       string
	socketPath      string
	relayWorkers    int
	grpcTimeout     string
	metricsEndpoint string
	versionFlag     bool

	// Global variables
	rootLog *logger.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pktrelayd",
	Short: "pktrelayd - local packet relay daemon",
	Long: `pktrelayd routes addressed packets between local processes.

Each process registers an identity over the daemon's Unix domain socket,
writes packets addressed to other identities and reads the packets
addressed to it. Packets from one sender reach a receiver in the order
they were written.`,
	Version:       grpcpkg.DefaultVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDaemon,
}

// serveCmd runs the daemon; it is also what the bare command does
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay daemon",
	Args:  cobra.NoArgs,
	RunE:  runDaemon,
}

// runDaemon starts the relay daemon and blocks until it is shut down
func runDaemon(cmd *cobra.Command, args []string) error {
	if versionFlag {
		fmt.Printf("pktrelayd version %s\n", grpcpkg.DefaultVersion)
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer rootLog.Close()
	rootLog.Info("Starting pktrelayd", "version", grpcpkg.DefaultVersion, "config", cfg.String())

	opts := []daemon.Option{daemon.WithVersion(grpcpkg.DefaultVersion)}
	if cfgFile != "" {
		opts = append(opts, daemon.WithConfigPath(cfgFile))
	}
	d, err := daemon.New(cfg, rootLog, opts...)
	if err != nil {
		return err
	}
	if err := d.Start(context.Background()); err != nil {
		rootLog.Error("Failed to start daemon", "error", err)
		return err
	}

	shutdown := daemon.NewShutdownManager(d, cfg.GRPC.ShutdownTimeout+cfg.Relay.ShutdownTimeout, rootLog)
	shutdown.AddPostHook(func(ctx context.Context) error {
		rootLog.Info("Daemon stopped", "socket_path", cfg.GRPC.SocketPath)
		return nil
	})
	shutdown.Start()
	defer shutdown.Stop()

	rootLog.Info("pktrelayd is running. Press Ctrl+C to stop.", "socket_path", d.SocketPath())

	// Blocks until a signal runs the shutdown.
	return shutdown.WaitCompletion(context.Background())
}

// initLogger initializes the global logger from the effective configuration
func initLogger(cfg config.LoggingConfig) error {
	log, err := logger.New(cfg)
	if err != nil {
		return err
	}
	rootLog = log
	logger.SetGlobal(log)
	return nil
}

// loadConfig loads the configuration file and environment, then applies
// the command line overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	cfg.ApplyOverrides(config.OverrideOptions{
		LogLevel:            logLevel,
		LogFormat:           logFormat,
		LogOutput:           logOutput,
		RelayWorkers:        relayWorkers,
		GRPCSocketPath:      socketPath,
		GRPCTimeout:         grpcTimeout,
		MetricsOTLPEndpoint: metricsEndpoint,
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: ~/.config/pktrelay/config.yaml if present)")

	// Logging flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")

	// Transport flags
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket-path", "",
		"Unix domain socket the daemon listens on")
	rootCmd.PersistentFlags().StringVar(&grpcTimeout, "grpc-timeout", "",
		"Per-RPC timeout, e.g. 30s")

	rootCmd.PersistentFlags().IntVar(&relayWorkers, "workers", 0,
		"Relay worker pool size (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&metricsEndpoint, "metrics-endpoint", "",
		"OTLP gRPC endpoint for metrics; setting it enables metrics")

	rootCmd.Flags().BoolVar(&versionFlag, "version", false,
		"Show version information")

	rootCmd.AddCommand(serveCmd, statsCmd)
}
