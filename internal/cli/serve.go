package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tutu-network/transferd/internal/daemon"
	"github.com/tutu-network/transferd/internal/infra/logging"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("storage", "", "storage driver override (sqlite|pebble)")
	serveCmd.Flags().Int("port", 0, "API port override")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the transfer daemon",
	Long: `Start the transferd daemon: the HTTP API, the orchestration engine and
the simulated bank. Unfinished transfers are resumed from the store on start.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if driver, _ := cmd.Flags().GetString("storage"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if cmd.Flags().Changed("port") {
		cfg.API.Port, _ = cmd.Flags().GetInt("port")
	}
	if err := os.MkdirAll(cfg.DataDir(), 0700); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}
