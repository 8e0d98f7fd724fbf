package cli

import (
	"github.com/spf13/cobra"

	"pledge-intake/internal/app"
)

var (
	simulateCeiling string
	simulatePrice   string
	simulateMin     string
	simulateMax     string
	simulatePledges []string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the admission flow in memory with a fixed price",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Ceiling:   simulateCeiling,
			Price:     simulatePrice,
			MinAmount: simulateMin,
			MaxAmount: simulateMax,
			Pledges:   simulatePledges,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateCeiling, "ceiling", "100", "Round ceiling in USD")
	simulateCmd.Flags().StringVar(&simulatePrice, "price", "50000", "Fixed native asset price in USD")
	simulateCmd.Flags().StringVar(&simulateMin, "min", "0.0001", "Minimum pledge amount")
	simulateCmd.Flags().StringVar(&simulateMax, "max", "1", "Maximum pledge amount")
	simulateCmd.Flags().StringSliceVar(&simulatePledges, "pledge", nil, "Pledge amount in FCFS order (repeatable)")
}
