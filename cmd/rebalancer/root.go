package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aristath/rebalancer/internal/clientdata"
	"github.com/aristath/rebalancer/internal/clients/ibkr"
	"github.com/aristath/rebalancer/internal/config"
	"github.com/aristath/rebalancer/internal/database"
	"github.com/aristath/rebalancer/internal/modules/rebalancing"
	"github.com/aristath/rebalancer/internal/modules/trading"
	"github.com/aristath/rebalancer/pkg/logger"
)

// Set at build time with -ldflags "-X main.version=..."
var version = "dev"

type rootOptions struct {
	strategyPath string
	logLevel     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "rebalancer",
		Short:         "Keeps a brokerage portfolio at its target weights",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&opts.strategyPath, "strategy", "", "strategy file (overrides REBALANCER_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")

	cmd.AddCommand(
		newServeCmd(opts),
		newRebalanceCmd(opts),
		newDriftCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// app holds every wired component
type app struct {
	cfg      *config.Config
	strategy *config.Strategy
	log      zerolog.Logger
	db       *database.DB
	cache    *clientdata.Repository
	session  *ibkr.Session
	market   *ibkr.MarketDataClient
	account  *ibkr.AccountClient
	orders   *trading.OrderRepository
	gateway  *trading.Gateway
	runs     *rebalancing.RunRepository
	service  *rebalancing.Service
}

// bootstrap loads configuration, opens the database and connects to the gateway
func bootstrap(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.strategyPath != "" {
		cfg.StrategyPath = opts.strategyPath
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})
	logger.SetGlobalLogger(log)

	strategy, err := config.LoadStrategy(cfg.StrategyPath)
	if err != nil {
		return nil, err
	}
	if err := strategy.Validate(log); err != nil {
		return nil, fmt.Errorf("invalid strategy %s: %w", cfg.StrategyPath, err)
	}

	db, err := database.New(database.Config{
		Path:    cfg.DatabasePath(),
		Profile: database.ProfileLedger,
		Name:    "rebalancer",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	a := &app{cfg: cfg, strategy: strategy, log: log, db: db}

	a.cache = clientdata.NewRepository(db.Conn())
	a.session = ibkr.NewSession(cfg.Gateway, log)
	if err := a.session.Connect(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to gateway: %w", err)
	}

	a.market = ibkr.NewMarketDataClient(a.session, clientdata.NewContractCache(a.cache), log)
	a.account = ibkr.NewAccountClient(a.session, log)
	orderClient := ibkr.NewOrderClient(a.session, a.market, log)

	a.orders = trading.NewOrderRepository(db.Conn(), log)
	a.gateway = trading.NewGateway(orderClient, a.orders, log)

	a.runs = rebalancing.NewRunRepository(db.Conn(), log)
	a.service = rebalancing.NewService(strategy, a.market, a.account, a.gateway, a.runs, log)

	log.Info().
		Str("version", version).
		Str("strategy", cfg.StrategyPath).
		Str("account", a.session.AccountID()).
		Int("targets", len(strategy.Targets)).
		Msg("Rebalancer ready")

	return a, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.log.Error().Err(err).Msg("Failed to close database")
	}
}
