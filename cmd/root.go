package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gridharvest/coordinator/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Distributed data collection coordinator",
	Long:  "Schedules epoch-based work assignments to untrusted submitters, validates their reports by weighted consensus, and gates ground-truth spot checks behind a call budget.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
