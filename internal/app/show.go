package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Show prints recent admission decisions.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	decisions, err := store.ListRecentDecisions(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(decisions) == 0 {
		fmt.Fprintln(os.Stdout, "no decisions found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Decided (UTC)\tAuction\tPledge\tOwner\tAmount\tPrice\tOutcome")

	for _, d := range decisions {
		outcome := "accepted"
		if !d.Accepted {
			outcome = "refunded"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.DecidedAt.UTC().Format(time.RFC3339),
			d.AuctionRef,
			d.PledgeID,
			d.OwnerRef,
			d.Amount.String(),
			formatDecimal(d.Price, 2),
			outcome,
		)
	}

	writer.Flush()
	return nil
}
