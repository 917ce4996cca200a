package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [epoch-id]",
	Short: "Run one consensus evaluation pass over an epoch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initCoordinator(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if _, err := env.Schedule.ByID(args[0]); err != nil {
			return err
		}

		n, err := env.Evaluator.EvaluateEpoch(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("evaluated %d units\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(evaluateCmd)
}
