package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/mimir/internal/domain"
)

func newCostCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cost",
		Short: "Show this month's spend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, flags)
			if err != nil {
				return err
			}
			cost, err := a.api.CurrentMonthCost(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatCost(*cost))
			return nil
		},
	}
}

func formatCost(c domain.Cost) string {
	unit := c.Unit
	if unit == "" {
		unit = domain.CostUnitUSD
	}
	return fmt.Sprintf("%.4f %s this month", c.Amount, unit)
}
