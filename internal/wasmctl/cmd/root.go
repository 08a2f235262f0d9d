package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/internal/wasmctl/client"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/internal/wasmctl/config"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/internal/wasmctl/output"
)

var (
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "wasmctl",
	Short: "wasm-deploy CLI for building modules and managing deployments",
	Long: `wasmctl is a command-line tool for operators of wasm-deploy.

It allows you to:
  - Register applications and their custom domains
  - Submit push events from CI
  - List, release, terminate and delete deployments
  - Compile an application locally the way the service does
  - Run a one-off reconciliation pass against the database

Configuration:
  Environment variables:
    WASMDEPLOY_URL      - wasm-deploy API endpoint
    WASMDEPLOY_API_KEY  - wasm-deploy API key

  Config file (~/.wasm-deploy/config.yaml):
    url: https://deploy.example.com
    apiKey: wd_live_abc123

  CLI flags override environment variables and config file.

Example usage:
  wasmctl apps register --slug widget --owner acme --repo widget --org acme
  wasmctl deployments list <app-id>
  wasmctl build ./apps/widget --out dist`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	config.InitConfig()
	config.AddFlags(rootCmd)

	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json, yaml)")
}

func format() output.Format {
	return output.Format(outputFormat)
}

// apiClient validates the connection settings and returns a client
func apiClient() (*client.Client, error) {
	if err := config.ValidateConfig(); err != nil {
		return nil, err
	}
	return client.NewClient(config.GetURL(), config.GetAPIKey()), nil
}
