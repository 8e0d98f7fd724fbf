package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pledge-intake/internal/app"
)

var (
	enqueueID      string
	enqueueOwner   string
	enqueueAuction string
	enqueueAmount  string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Submit a pledge into a round's FCFS queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		if enqueueAuction == "" || enqueueOwner == "" || enqueueAmount == "" {
			return fmt.Errorf("--auction, --owner and --amount must be provided")
		}

		id := enqueueID
		if id == "" {
			id = uuid.NewString()
		}

		return getApp().Enqueue(cmd.Context(), app.EnqueueOptions{
			ID:         id,
			OwnerRef:   enqueueOwner,
			AuctionRef: enqueueAuction,
			Amount:     enqueueAmount,
		})
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueID, "id", "", "Pledge identifier (generated when omitted)")
	enqueueCmd.Flags().StringVar(&enqueueOwner, "owner", "", "Owner reference")
	enqueueCmd.Flags().StringVar(&enqueueAuction, "auction", "", "Auction round reference")
	enqueueCmd.Flags().StringVar(&enqueueAmount, "amount", "", "Pledge amount in native units")
}
