// Package app assembles the engine from configuration and manages its
// lifecycle.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shizukutanaka/seisan/internal/audit"
	"github.com/shizukutanaka/seisan/internal/config"
	"github.com/shizukutanaka/seisan/internal/events"
	"github.com/shizukutanaka/seisan/internal/evm"
	"github.com/shizukutanaka/seisan/internal/health"
	"github.com/shizukutanaka/seisan/internal/liquidation"
	"github.com/shizukutanaka/seisan/internal/market"
	"github.com/shizukutanaka/seisan/internal/metrics"
	"github.com/shizukutanaka/seisan/internal/monitor"
	"github.com/shizukutanaka/seisan/internal/oracle"
	"github.com/shizukutanaka/seisan/internal/position"
)

// App owns every long-lived component and shuts them down in reverse
// order of construction.
type App struct {
	logger  *zap.Logger
	cfg     *config.Config
	client  *ethclient.Client
	oracle  *oracle.Client
	records *audit.Store
	emitter *events.Emitter
	metrics *metrics.Metrics
	engine  *monitor.Engine

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the full engine from configuration. The chain section must be
// populated; there is nothing to monitor without an endpoint.
func New(logger *zap.Logger, cfg *config.Config) (*App, error) {
	if cfg.Chain.RPCURL == "" {
		return nil, fmt.Errorf("chain.rpc_url is required")
	}

	client, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Chain.RPCURL, err)
	}

	poolAddr := common.HexToAddress(cfg.Chain.PoolAddress)

	pool, err := evm.NewPool(client, poolAddr)
	if err != nil {
		return nil, err
	}

	primary, err := evm.NewPriceFeed(client, cfg.Chain.ParsedPriceFeeds(), logger)
	if err != nil {
		return nil, err
	}
	var fallback *evm.PriceFeed
	if len(cfg.Chain.FallbackFeeds) > 0 {
		fallback, err = evm.NewPriceFeed(client, cfg.Chain.ParsedFallbackFeeds(), logger)
		if err != nil {
			return nil, err
		}
	}

	var oracleClient *oracle.Client
	if fallback != nil {
		oracleClient, err = oracle.New(primary, fallback, cfg.OracleClientConfig(), logger)
	} else {
		oracleClient, err = oracle.New(primary, nil, cfg.OracleClientConfig(), logger)
	}
	if err != nil {
		return nil, err
	}

	feed, err := evm.NewEventFeed(client, poolAddr, logger)
	if err != nil {
		return nil, err
	}

	lender, err := evm.NewFlashLender(client, common.HexToAddress(cfg.Chain.FlashLender))
	if err != nil {
		return nil, err
	}
	router, err := evm.NewSwapRouter(client, common.HexToAddress(cfg.Chain.SwapRouter))
	if err != nil {
		return nil, err
	}
	submitter, err := evm.NewSubmitter(
		client,
		common.HexToAddress(cfg.Chain.LiquidatorContract),
		cfg.Chain.PrivateKey,
		decimal.NewFromFloat(cfg.Planner.GasCostEstimate),
		logger,
	)
	if err != nil {
		return nil, err
	}

	records, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}

	m := metrics.New(logger)
	emitter := events.NewEmitter()
	store := position.NewStore(logger)

	engine := monitor.New(
		monitor.Config{
			TickInterval:     cfg.Engine.TickInterval,
			PriceMoveTrigger: cfg.Engine.PriceMoveTrigger,
			MaxConcurrency:   cfg.Engine.MaxConcurrency,
			ReplayCheckpoint: cfg.Engine.ReplayCheckpoint,
		},
		logger,
		store,
		feed,
		oracleClient,
		market.NewBuilder(oracleClient, pool, logger),
		health.NewEvaluator(logger),
		liquidation.NewPlanner(cfg.LiquidationPlannerConfig(), logger),
		liquidation.NewExecutor(lender, router, submitter, records, cfg.LiquidationExecutorConfig(), logger),
		emitter,
		m,
	)

	return &App{
		logger:  logger,
		cfg:     cfg,
		client:  client,
		oracle:  oracleClient,
		records: records,
		emitter: emitter,
		metrics: m,
		engine:  engine,
	}, nil
}

// Start brings up the metrics endpoint, the event log and the engine.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.metrics.Serve(runCtx, a.cfg.Metrics); err != nil {
			a.logger.Error("metrics endpoint failed", zap.Error(err))
		}
	}()

	a.wg.Add(1)
	go a.logEvents(runCtx)

	if err := a.engine.Start(runCtx); err != nil {
		cancel()
		a.wg.Wait()
		return err
	}

	a.logger.Info("seisan engine running",
		zap.String("pool", a.cfg.Chain.PoolAddress),
		zap.Duration("tick_interval", a.cfg.Engine.TickInterval),
	)
	return nil
}

// Stop shuts everything down and waits for the loops to drain.
func (a *App) Stop() {
	a.engine.Stop()
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if err := a.records.Close(); err != nil {
		a.logger.Warn("audit store close failed", zap.Error(err))
	}
	a.oracle.Close()
	a.client.Close()
	a.logger.Info("seisan stopped")
}

// logEvents mirrors the engine's event firehose into the structured log so
// operators see transitions and settlements without a separate consumer.
func (a *App) logEvents(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case ev := <-a.emitter.Events():
			switch e := ev.(type) {
			case events.HealthChanged:
				a.logger.Info("position health changed",
					zap.String("user", e.Ref.User.Hex()),
					zap.String("from", e.From),
					zap.String("to", e.To),
				)
			case events.PlanCreated:
				a.logger.Info("liquidation planned",
					zap.String("plan_id", e.PlanID.String()),
					zap.String("kind", e.Kind),
					zap.String("expected_profit", e.ExpectedProfit.StringFixed(4)),
				)
			case events.PlanSettled:
				a.logger.Info("liquidation settled",
					zap.String("plan_id", e.PlanID.String()),
					zap.String("state", e.State),
					zap.String("tx", e.TxHash),
				)
			case events.PositionSkipped:
				a.logger.Debug("position skipped",
					zap.String("user", e.Ref.User.Hex()),
					zap.String("reason", e.Reason),
				)
			}
		case <-ctx.Done():
			return
		}
	}
}
