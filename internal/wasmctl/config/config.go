package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	apiURL  string
	apiKey  string
)

// InitConfig initializes the configuration system
func InitConfig() {
	cobra.OnInitialize(loadConfig)
}

// AddFlags adds the connection flags to a cobra command
func AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.wasm-deploy/config.yaml)")
	cmd.PersistentFlags().StringVar(&apiURL, "url", "", "wasm-deploy API endpoint")
	cmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "wasm-deploy API key")

	viper.BindPFlag("url", cmd.PersistentFlags().Lookup("url"))
	viper.BindPFlag("apiKey", cmd.PersistentFlags().Lookup("api-key"))
}

// loadConfig loads configuration from file and environment
func loadConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		viper.AddConfigPath(filepath.Join(home, ".wasm-deploy"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("WASMDEPLOY")
	viper.BindEnv("apiKey", "WASMDEPLOY_API_KEY")
	viper.AutomaticEnv()

	// a missing config file is fine, flags and environment still apply
	_ = viper.ReadInConfig()
}

// GetURL returns the configured API URL
func GetURL() string {
	if apiURL != "" {
		return apiURL
	}
	return viper.GetString("url")
}

// GetAPIKey returns the configured API key
func GetAPIKey() string {
	if apiKey != "" {
		return apiKey
	}
	return viper.GetString("apiKey")
}

// ValidateConfig validates that required configuration is present
func ValidateConfig() error {
	if GetURL() == "" {
		return fmt.Errorf("API URL is required (set WASMDEPLOY_URL env var, --url flag, or url in config file)")
	}
	if GetAPIKey() == "" {
		return fmt.Errorf("API key is required (set WASMDEPLOY_API_KEY env var, --api-key flag, or apiKey in config file)")
	}
	return nil
}
