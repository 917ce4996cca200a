package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [epoch-id]",
	Short: "Print the participation snapshot for an epoch (default: current)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initCoordinator(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		ep := env.Schedule.At(time.Now().UTC())
		if len(args) == 1 {
			ep, err = env.Schedule.ByID(args[0])
			if err != nil {
				return err
			}
		}

		snap, err := env.Collector.Collect(ctx, ep)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
