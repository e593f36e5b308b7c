package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aristath/rebalancer/internal/domain"
	"github.com/aristath/rebalancer/internal/modules/rebalancing"
)

func newDriftCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drift",
		Short: "Print the current drift table without trading",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			rows, err := a.service.CalculateDrift(ctx)
			if err != nil {
				return err
			}
			printDrift(cmd.OutOrStdout(), rows)

			maxDrift := rebalancing.MaxDrift(rows)
			threshold := a.strategy.AbsoluteDriftThreshold
			fmt.Fprintf(cmd.OutOrStdout(), "\nmax drift %s, threshold %s, rebalance needed: %t\n",
				maxDrift.StringFixed(4), threshold.String(), rebalancing.ExceedsThreshold(rows, threshold))
			return nil
		},
	}
}

func printDrift(w io.Writer, rows []domain.DriftRow) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "symbol\tquantity\tvalue\tweight\ttarget\ttarget value\tdrift\t")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
			r.Symbol,
			r.CurrentQuantity.String(),
			r.CurrentValue.StringFixed(2),
			r.CurrentWeight.StringFixed(4),
			r.TargetWeight.StringFixed(4),
			r.TargetValue.StringFixed(2),
			r.AbsoluteDrift.StringFixed(4),
		)
	}
	tw.Flush()
}
