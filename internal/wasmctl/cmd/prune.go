package cmd

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	serverconfig "github.com/sorenmh/infrastructure-shared/wasm-deploy/config"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/db"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/dispatch"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/internal/wasmctl/output"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/logging"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/pruner"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Run one reconciliation pass against the database",
	Long: `Run every pruner pass once against the database named in the server
configuration and report what was repaired. Teardowns of expired
deployments are sent to the execution network named in dispatcher.url.

Example:
  wasmctl prune --server-config /etc/wasm-deploy/config.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("server-config")
		cfg, err := serverconfig.Load(path)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger := zerolog.Nop()
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			logger = logging.New(serverconfig.LoggingConfig{Level: "debug", Format: "console"}, "wasmctl")
		}

		database, err := db.New(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer database.Close()

		transport := dispatch.NewNATSTransport(cfg.Dispatcher, logger)
		if err := transport.Initialize(cmd.Context()); err != nil {
			return err
		}
		defer transport.Stop()
		dispatcher := dispatch.New(database, transport, cfg.Dispatcher.Contract, logger)

		report := pruner.New(database, dispatcher, cfg.Pruner, logger).RunOnce(cmd.Context())

		return output.Print(format(), report, func() {
			passes := make([]string, 0, len(report))
			for pass := range report {
				passes = append(passes, pass)
			}
			sort.Strings(passes)
			rows := make([][]string, 0, len(passes))
			for _, pass := range passes {
				rows = append(rows, []string{pass, fmt.Sprint(report[pass])})
			}
			output.PrintTable([]string{"PASS", "REPAIRED"}, rows)
		})
	},
}

func init() {
	pruneCmd.Flags().String("server-config", "/etc/wasm-deploy/config.yaml", "wasm-deploy server configuration file")
	pruneCmd.Flags().BoolP("verbose", "v", false, "log every repair")

	rootCmd.AddCommand(pruneCmd)
}
