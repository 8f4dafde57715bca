package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/shellhost/shellhost/audit"
	"github.com/tomyedwab/shellhost/shellhost/cluster"
	"github.com/tomyedwab/shellhost/shellhost/config"
	"github.com/tomyedwab/shellhost/shellhost/listeners"
	"github.com/tomyedwab/shellhost/shellhost/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve every tenant under the sites directory",
	Long: `Serve discovers the tenants under the sites directory, binds their
listeners and serves them. With RunInCluster set it instead supervises
WorkerCount worker processes and replaces any worker that disconnects.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg)
	logger.Info("Starting shellhost", "version", Version, "sitesDir", cfg.SitesDir, "cluster", cfg.RunInCluster)

	if cfg.RunInCluster {
		return runSupervisor(cfg, logger)
	}
	return runWorker(cfg, logger, nil)
}

func runSupervisor(cfg config.Config, logger *slog.Logger) error {
	auditLogger, err := audit.Open(cfg.DataDir, "supervisor")
	if err != nil {
		return fmt.Errorf("failed to initialize audit logger: %w", err)
	}
	defer auditLogger.Close()

	// One socket per bind address, opened here and accepted on by every
	// worker.
	addrs, err := worker.Addresses(cfg, nil)
	if err != nil {
		return err
	}
	sockets, err := cluster.OpenSockets(addrs)
	if err != nil {
		return err
	}
	defer sockets.Close()
	logger.Info("Opened shared listening sockets", "addrs", addrs)

	// Workers re-read the environment, so flag overrides are passed on as
	// environment variables.
	spawner := &cluster.ExecSpawner{
		Args: []string{"worker"},
		Env: []string{
			"SITES_DIR=" + cfg.SitesDir,
			"MODULES_DIR=" + cfg.ModulesDir,
			"DATA_DIR=" + cfg.DataDir,
		},
		Sockets: sockets.Sockets(),
		Logger:  logger,
	}
	supervisor, err := cluster.NewSupervisor(cluster.Config{
		WorkerCount: cfg.WorkerCount,
		Spawner:     spawner,
		Logger:      logger,
		Audit:       auditLogger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger.Info("Running supervisor... Press Ctrl+C to exit.", "workers", cfg.WorkerCount)
	return supervisor.Run(ctx)
}

func runWorker(cfg config.Config, logger *slog.Logger, channel *cluster.Channel) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := worker.Boot(ctx, worker.Options{
		Config:  cfg,
		Logger:  logger,
		Channel: channel,
		Listen:  listeners.InheritedListen(cluster.InheritedSockets(), net.Listen),
	})
	if err != nil {
		logger.Error("Worker boot failed", "error", err)
		return err
	}

	err = w.Run(ctx)
	if errors.Is(err, worker.ErrDrained) {
		logger.Info("Worker exiting after drain")
		os.Exit(1)
	}
	return err
}
