package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gridharvest/coordinator/internal/catalog"
	"github.com/gridharvest/coordinator/internal/model"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Validate the work unit catalog and print summary stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := catalog.Load(cfg.Catalog.Path)
		if err != nil {
			return err
		}

		units := cat.Units()
		byTier := make(map[model.MarketTier]int)
		var bounded int
		for _, u := range units {
			byTier[u.Tier]++
			if _, ok := catalog.Bounds(u); ok {
				bounded++
			}
		}

		fmt.Printf("units:       %d\n", cat.Len())
		fmt.Printf("total yield: %d\n", catalog.TotalYield(units))
		fmt.Printf("primary:     %d\n", byTier[model.TierPrimary])
		fmt.Printf("secondary:   %d\n", byTier[model.TierSecondary])
		fmt.Printf("tertiary:    %d\n", byTier[model.TierTertiary])
		fmt.Printf("with bounds: %d\n", bounded)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(catalogCmd)
}
