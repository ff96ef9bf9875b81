package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/joao-brasil/store-backend/internal/config"
	"github.com/joao-brasil/store-backend/internal/logx"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "storecore",
		Short: "store backend core services",
		Long: fmt.Sprintf(`storecore (%s)

Connection pools with retrying query execution for the store's SQL
backends, and a Redis backed task queue for notifications and
request/reply jobs.`, Version),
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of storecore",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "storecore %s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(loadEnvFiles)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/storecore.yaml",
		"path to the YAML configuration file (STORE_* environment variables override it)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadEnvFiles makes .env and .env.local visible as STORE_* overrides.
func loadEnvFiles() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
}

// loadConfig reads the configuration and installs the global logger.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	version := cfg.Service.Version
	if version == "" {
		version = Version
	}
	logger := logx.Setup(logx.Options{
		Level:       cfg.Logging.Level,
		Environment: cfg.Service.Environment,
		Service:     cfg.Service.Name,
		Version:     version,
	})
	return cfg, logger.With().Str("component", "main").Logger(), nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
