package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aristath/rebalancer/internal/domain"
	"github.com/aristath/rebalancer/internal/modules/rebalancing"
)

func newRebalanceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebalance",
		Short: "Run one rebalancing cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.service.RunCycle(ctx)
			if report != nil {
				printCycle(cmd.OutOrStdout(), report)
			}
			return err
		},
	}
}

func printCycle(w io.Writer, report *rebalancing.CycleReport) {
	printDrift(w, report.Rows)
	fmt.Fprintf(w, "\nmax drift %s, threshold %s\n", report.MaxDrift.StringFixed(4), report.Threshold.String())
	if !report.Triggered {
		fmt.Fprintln(w, "within threshold, no orders placed")
		return
	}
	if report.Plan == nil {
		return
	}

	orders := make([]*domain.Order, 0, len(report.Plan.Sells)+len(report.Plan.Buys))
	orders = append(orders, report.Plan.Sells...)
	orders = append(orders, report.Plan.Buys...)
	for _, o := range orders {
		line := fmt.Sprintf("%-4s %-8s qty %-10s", o.Side, o.Asset.Symbol, o.Quantity.String())
		if o.LimitPrice != nil {
			line += " @ " + o.LimitPrice.String()
		}
		line += " " + string(o.Status)
		if o.Error != nil {
			line += " (" + o.Error.Error() + ")"
		}
		fmt.Fprintln(w, line)
	}
	for _, s := range report.Plan.Skipped {
		fmt.Fprintf(w, "skip %-4s %-8s %s\n", s.Side, s.Symbol, s.Reason)
	}
	fmt.Fprintf(w, "cash %s -> %s\n", report.Plan.StartingCash.StringFixed(2), report.Plan.RemainingCash.StringFixed(2))
}
