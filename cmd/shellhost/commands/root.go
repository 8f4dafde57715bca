// Package commands provides the CLI commands for shellhost.
package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/shellhost/shellhost/config"
)

// Version is set at build time.
var Version = "0.1.0"

// Flags shared by serve and worker. Empty values leave the environment
// setting in place.
var (
	sitesDir   string
	modulesDir string
	dataDir    string
)

var rootCmd = &cobra.Command{
	Use:   "shellhost",
	Short: "Multi-tenant content server",
	Long: `shellhost serves many tenant sites from one process, or from a
supervised pool of worker processes when RunInCluster is set.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sitesDir, "sites", "", "Tenant settings directory (overrides SITES_DIR)")
	rootCmd.PersistentFlags().StringVar(&modulesDir, "modules", "", "Module manifests directory (overrides MODULES_DIR)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "Data directory for the audit log (overrides DATA_DIR)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads .env and the environment, then applies flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	if sitesDir != "" {
		cfg.SitesDir = sitesDir
	}
	if modulesDir != "" {
		cfg.ModulesDir = modulesDir
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

// setupLogger installs the JSON logger on stdout as the default.
func setupLogger(cfg config.Config) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	return logger
}
