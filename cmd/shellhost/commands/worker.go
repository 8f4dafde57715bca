package commands

import (
	"github.com/spf13/cobra"

	"github.com/tomyedwab/shellhost/shellhost/cluster"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one supervised worker",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := setupLogger(cfg)
		channel, supervised := cluster.Connect()
		if !supervised {
			logger.Warn("Worker started without a supervisor, running standalone")
		}
		return runWorker(cfg, logger, channel)
	},
}
