package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/relay"
	"github.com/1ureka/peerlink/internal/util"
)

const shutdownTimeout = 5 * time.Second

func newRelayCmd() *cobra.Command {
	var cfg *config.Config

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the signaling relay",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err = loadConfig(cmd, config.RoleRelay, map[string]string{
				"listen":          "relay.listen",
				"pin":             "relay.pin",
				"queue-size":      "relay.queue_size",
				"ping-interval":   "relay.ping_interval",
				"report-interval": "relay.report_interval",
			})
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.Context(), cfg.Relay)
		},
	}

	d := config.Default().Relay
	cmd.Flags().StringP("listen", "l", d.Listen, "HTTP listen address, \":0\" picks a free port")
	cmd.Flags().String("pin", d.PIN, "Access PIN required from clients, empty disables the check")
	cmd.Flags().Int("queue-size", d.QueueSize, "Outbound frame queue capacity per client link")
	cmd.Flags().Duration("ping-interval", d.PingInterval, "Heartbeat period, 0 disables heartbeats")
	cmd.Flags().Duration("report-interval", d.ReportInterval, "Stats report period, 0 disables the reporter")
	return cmd
}

// runRelay serves the relay until ctx is cancelled.
func runRelay(ctx context.Context, c config.RelayConfig) error {
	r := relay.New(relay.Options{
		QueueSize:    c.QueueSize,
		PingInterval: c.PingInterval,
		PIN:          c.PIN,
	})

	srv := relay.NewServer(r)
	port, err := srv.Start(c.Listen)
	if err != nil {
		return err
	}

	pin := c.PIN
	if pin == "" {
		pin = "(none)"
	}
	pterm.DefaultBox.WithTitle("Signaling Relay").Println(
		fmt.Sprintf("Port : %d\nPath : /ws\nPIN  : %s", port, pin),
	)
	util.LogSuccess("relay is accepting clients on port %d", port)

	util.StartStatsReporter(ctx, c.ReportInterval)

	<-ctx.Done()
	util.LogInfo("shutting down relay")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Close(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down relay: %w", err)
	}
	util.LogInfo("relay closed")
	return nil
}
