package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var budgetResource string

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show spot-check budget usage for today and this month",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initCoordinator(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		resource := budgetResource
		if resource == "" {
			resource = cfg.Consensus.SpotCheckResource
		}

		d, err := env.Budget.Remaining(ctx, resource)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		fmt.Printf("resource:        %s\n", resource)
		fmt.Printf("daily budget:    %d\n", d.DailyBudget)
		fmt.Printf("emergency line:  %d\n", env.Budget.EmergencyThreshold(now))
		fmt.Printf("used today:      %d\n", d.DayUsed)
		fmt.Printf("used this month: %d / %d\n", d.MonthUsed, cfg.Budget.MonthlyCallAllowance)
		fmt.Printf("safe remaining:  %d\n", d.SafeRemaining)
		return nil
	},
}

func init() {
	budgetCmd.Flags().StringVar(&budgetResource, "resource", "", "ledger resource key (default from config)")
	rootCmd.AddCommand(budgetCmd)
}
