// Package commands holds the cobra command tree of the peerlink binary.
package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/util"
)

var version = "dev"

// NewRootCmd returns the root command with the relay and peer subcommands.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "peerlink",
		Short:         "WebRTC signaling relay and perfect-negotiation peer",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "Optional config file (yaml, toml or json)")
	cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	cmd.AddCommand(newRelayCmd(), newPeerCmd())
	return cmd
}

// loadConfig binds the flags of cmd to their config keys, then reads the
// config file and SIGNAL_* environment on top of the defaults. keys maps a
// flag name to its dotted config key.
func loadConfig(cmd *cobra.Command, role config.Role, keys map[string]string) (*config.Config, error) {
	v := viper.New()

	// cmd.Flags() includes the persistent flags inherited from the root.
	keys["debug"] = "debug"
	for name, key := range keys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return nil, err
		}
	}
	v.Set("role", string(role))

	file, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, file)
	if err != nil {
		return nil, err
	}

	if cfg.Debug {
		util.EnableDebug()
	}
	if file != "" {
		util.LogDebug("using config file %s", v.ConfigFileUsed())
	}

	pterm.Info.Println("Peerlink v" + version)
	pterm.Println()
	return cfg, nil
}
