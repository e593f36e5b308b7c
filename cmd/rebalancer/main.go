// Package main is the entry point for the drift rebalancer.
//
// The binary runs either as a long-lived service (serve) that rebalances
// on a cron schedule and exposes a small HTTP API, or as one-shot commands
// (rebalance, drift) for manual operation.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
