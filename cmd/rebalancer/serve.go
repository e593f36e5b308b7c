package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/rebalancer/internal/clientdata"
	"github.com/aristath/rebalancer/internal/clients/objectstore"
	marketdatahandlers "github.com/aristath/rebalancer/internal/modules/marketdata/handlers"
	"github.com/aristath/rebalancer/internal/modules/rebalancing"
	rebalancinghandlers "github.com/aristath/rebalancer/internal/modules/rebalancing/handlers"
	"github.com/aristath/rebalancer/internal/modules/trading"
	tradinghandlers "github.com/aristath/rebalancer/internal/modules/trading/handlers"
	"github.com/aristath/rebalancer/internal/reliability"
	"github.com/aristath/rebalancer/internal/scheduler"
	"github.com/aristath/rebalancer/internal/server"
)

const (
	cycleTimeout           = 30 * time.Minute
	maintenanceSchedule    = "0 0 2 * * *"
	pruneSchedule          = "0 30 3 * * *"
	contractExpirySchedule = "0 0 4 * * *"
)

type scheduledJob struct {
	schedule string
	job      scheduler.Job
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var devMode bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Rebalance on a schedule and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.serve(ctx, devMode)
		},
	}
	cmd.Flags().BoolVar(&devMode, "dev", false, "disable response compression")
	return cmd
}

func (a *app) serve(ctx context.Context, devMode bool) error {
	sched := scheduler.New(a.log)
	jobs := []scheduledJob{
		{a.cfg.Schedule, rebalancing.NewCycleJob(a.service, cycleTimeout)},
		{pruneSchedule, trading.NewPruneJob(a.orders, a.strategy.OrderHorizon(), a.log)},
		{contractExpirySchedule, clientdata.NewContractExpiryJob(clientdata.NewContractCache(a.cache), a.log)},
		{maintenanceSchedule, scheduler.NewDatabaseMaintenanceJob(a.db, a.log)},
	}
	if a.cfg.Backup.Enabled() {
		store, err := objectstore.New(ctx, a.cfg.Backup, a.log)
		if err != nil {
			return err
		}
		backups := reliability.NewBackupService(a.db, store, a.cfg.DataDir, a.cfg.Backup.Prefix, version, a.log)
		jobs = append(jobs, scheduledJob{a.cfg.Backup.Schedule, reliability.NewBackupJob(backups, a.cfg.Backup.RetentionDays)})
	}
	for _, j := range jobs {
		if err := sched.AddJob(j.schedule, j.job); err != nil {
			return err
		}
	}

	srv := server.New(server.Config{
		Log:      a.log,
		Port:     a.cfg.Port,
		DevMode:  devMode,
		DataDir:  a.cfg.DataDir,
		Database: a.db,
		Session:  a.session,
		Modules: []server.RouteRegistrar{
			rebalancinghandlers.NewHandler(a.service, cycleTimeout, a.log),
			tradinghandlers.NewTradingHandlers(a.gateway, a.orders, a.log),
			marketdatahandlers.NewHandler(a.market, a.strategy.Assets(), a.log),
		},
	})

	sched.Start()

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info().Msg("Shutting down")
	case err, ok := <-serverErr:
		if ok {
			runErr = fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	sched.Stop()

	if err := a.db.WALCheckpoint("TRUNCATE"); err != nil {
		a.log.Warn().Err(err).Msg("WAL checkpoint on shutdown failed")
	}
	a.log.Info().Msg("Rebalancer stopped")
	return runErr
}
