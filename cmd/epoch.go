package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var epochCmd = &cobra.Command{
	Use:   "epoch",
	Short: "Inspect the epoch schedule and assignment batches",
}

var epochCurrentCmd = &cobra.Command{
	Use:   "current",
	Short: "Show the current epoch window",
	RunE: func(cmd *cobra.Command, args []string) error {
		sched := cfg.Epoch.Schedule()
		if err := sched.Validate(); err != nil {
			return err
		}
		ep := sched.At(time.Now().UTC())
		fmt.Printf("epoch:    %s\n", ep.ID)
		fmt.Printf("start:    %s\n", ep.Start.Format(time.RFC3339))
		fmt.Printf("end:      %s\n", ep.End.Format(time.RFC3339))
		fmt.Printf("deadline: %s\n", ep.Deadline.Format(time.RFC3339))
		fmt.Printf("remaining: %s\n", time.Until(ep.End).Round(time.Second))
		return nil
	},
}

var epochBatchCmd = &cobra.Command{
	Use:   "batch [epoch-id]",
	Short: "Show the assignment batch for an epoch (default: current)",
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

		batch, err := env.Scheduler.EnsureBatch(ctx, ep)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(batch)
	},
}

func init() {
	epochCmd.AddCommand(epochCurrentCmd)
	epochCmd.AddCommand(epochBatchCmd)
	rootCmd.AddCommand(epochCmd)
}
