package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	grpcpkg "github.com/baaaht/pktrelay/pkg/grpc"
	"github.com/baaaht/pktrelay/pkg/ipc"
)

var statsJSON bool

// statsCmd prints the counters of a running daemon
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the statistics of a running daemon",
	Long: `Stats connects to a running pktrelayd over its socket and prints the
number of registered ports, the write, read, relay and drop counters and
the queue depth of each port.`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.Logging.Output = "stderr"
	if err := initLogger(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer rootLog.Close()

	c, err := grpcpkg.NewClient(cfg.GRPC.SocketPath, grpcpkg.ClientConfigFrom(cfg), rootLog)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := c.Dial(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.GRPC.SocketPath, err)
	}
	defer c.Close()

	stats, err := c.BrokerStats(ctx)
	if err != nil {
		return err
	}
	if statsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
	return printStats(cmd.OutOrStdout(), stats)
}

// printStats writes the counters as an aligned two column table, followed
// by the queue depth of every registered port
func printStats(w io.Writer, stats ipc.BrokerStats) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	rows := []struct {
		name  string
		value int64
	}{
		{"ports", int64(stats.Ports)},
		{"sessions", int64(stats.Sessions)},
		{"sessions opened", stats.SessionsOpened},
		{"writes", stats.Writes},
		{"reads", stats.Reads},
		{"rejected", stats.Rejected},
		{"relayed", stats.Relay.Relayed},
		{"dropped", stats.Relay.Dropped},
		{"pending", stats.Relay.Pending},
		{"bytes written", stats.BytesWritten},
	}
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%d\n", r.name, r.value)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(stats.Queues) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTITY\tINBOUND\tOUTBOUND\tREGISTERED")
	for _, q := range stats.Queues {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", q.Identity, q.Inbound, q.Outbound, q.RegisteredAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Print the statistics as JSON")
}
