package main

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/baaaht/pktrelay/internal/config"
	"github.com/baaaht/pktrelay/internal/logger"
	"github.com/baaaht/pktrelay/pkg/client"
	"github.com/baaaht/pktrelay/pkg/console"
	grpcpkg "github.com/baaaht/pktrelay/pkg/grpc"
	"github.com/baaaht/pktrelay/pkg/types"
)

var (
	// CLI flags
	cfgFile    string
	socketPath string
	identity   uint64
	logLevel   string
	logOutput  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive console for pktrelayd",
	Long: `Console registers an identity with a running pktrelayd, prints every
packet addressed to it and sends typed text or bursts of ten random
messages to another identity.`,
	Version:       grpcpkg.DefaultVersion,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runConsole,
}

func runConsole(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.ApplyOverrides(config.OverrideOptions{
		LogLevel:       logLevel,
		LogOutput:      logOutput,
		GRPCSocketPath: socketPath,
	})
	// stdout belongs to the terminal UI.
	if cfg.Logging.Output == "stdout" {
		cfg.Logging.Output = "stderr"
	}
	if logLevel == "" {
		cfg.Logging.Level = "warn"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	id := types.Identity(identity)
	if !cmd.Flags().Changed("identity") {
		id = types.Identity(os.Getpid())
	}

	c, err := grpcpkg.NewClient(cfg.GRPC.SocketPath, grpcpkg.ClientConfigFrom(cfg), log)
	if err != nil {
		return err
	}
	if err := c.Dial(context.Background()); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.GRPC.SocketPath, err)
	}

	model := console.NewModel(console.Options{
		Transport: c,
		Closer:    c,
		Identity:  id,
		Session:   client.OptionsFrom(cfg.Client),
		Version:   grpcpkg.DefaultVersion,
		Logger:    log,
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("failed to run console: %w", err)
	}
	if m, ok := final.(console.Model); ok && m.Err() != nil {
		_ = c.Close()
		return m.Err()
	}
	return nil
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: ~/.config/pktrelay/config.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket-path", "",
		"pktrelayd socket path")
	rootCmd.PersistentFlags().Uint64Var(&identity, "identity", 0,
		"Identity to register (default: the process id)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stderr or file path")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
