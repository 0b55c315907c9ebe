// Package cli implements the transferd command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tutu-network/transferd/internal/api"
	"github.com/tutu-network/transferd/internal/daemon"
)

var (
	configPath string
	serverAddr string
)

var rootCmd = &cobra.Command{
	Use:   "transferd",
	Short: "Durable money transfers with approval and compensation",
	Long: `transferd runs money transfers as durable sagas: withdraw from the
source, wait for approval on large amounts, deposit to the target, and
refund the source if anything after the withdrawal fails.

Run 'transferd serve' to start the daemon, then use 'transferd transfer'
to start, approve and inspect transfers.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $TRANSFERD_HOME/config.toml)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "", "daemon URL (default from config, or $TRANSFERD_ADDR)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// client returns an API client for the configured daemon.
func client() (*api.Client, error) {
	addr := serverAddr
	if addr == "" {
		addr = os.Getenv("TRANSFERD_ADDR")
	}
	if addr == "" {
		cfg, err := daemon.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		host := cfg.API.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		addr = fmt.Sprintf("http://%s:%d", host, cfg.API.Port)
	}
	return api.NewClient(addr), nil
}
