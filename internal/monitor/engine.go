// Package monitor runs the tick loop that turns chain state into
// liquidation attempts.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shizukutanaka/seisan/internal/chain"
	"github.com/shizukutanaka/seisan/internal/events"
	"github.com/shizukutanaka/seisan/internal/health"
	"github.com/shizukutanaka/seisan/internal/liquidation"
	"github.com/shizukutanaka/seisan/internal/market"
	"github.com/shizukutanaka/seisan/internal/metrics"
	"github.com/shizukutanaka/seisan/internal/oracle"
	"github.com/shizukutanaka/seisan/internal/position"
)

// Config controls the monitor loop.
type Config struct {
	// TickInterval is the regular evaluation cadence.
	TickInterval time.Duration

	// PriceMoveTrigger fires an early tick when a tracked price moves by
	// more than this percentage since the last tick. Zero disables it.
	PriceMoveTrigger float64

	// MaxConcurrency bounds simultaneous liquidation executions.
	MaxConcurrency int

	// ReplayCheckpoint is the block replay starts from on boot.
	ReplayCheckpoint uint64
}

func DefaultConfig() Config {
	return Config{
		TickInterval:     15 * time.Second,
		PriceMoveTrigger: 0.5,
		MaxConcurrency:   4,
	}
}

// Engine wires the store, oracle, evaluator, planner and executor into a
// single monitoring loop.
type Engine struct {
	cfg       Config
	logger    *zap.Logger
	store     *position.Store
	source    chain.EventSource
	oracle    *oracle.Client
	builder   *market.Builder
	evaluator *health.Evaluator
	planner   *liquidation.Planner
	executor  *liquidation.Executor
	emitter   *events.Emitter
	metrics   *metrics.Metrics

	mu           sync.Mutex
	lastClass    map[chain.PositionRef]health.Classification
	lastPrices   map[common.Address]decimal.Decimal
	lastOracle   oracleCounters
	lastStore    storeCounters
	running      bool
	tickRequests chan struct{}
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	now          func() time.Time
}

type oracleCounters struct {
	hits, misses, fetchErrors, staleReads uint64
}

type storeCounters struct {
	applied, rejected uint64
}

// New assembles an engine. All collaborators are required except metrics
// and emitter, which may be nil in tests.
func New(
	cfg Config,
	logger *zap.Logger,
	store *position.Store,
	source chain.EventSource,
	oracleClient *oracle.Client,
	builder *market.Builder,
	evaluator *health.Evaluator,
	planner *liquidation.Planner,
	executor *liquidation.Executor,
	emitter *events.Emitter,
	m *metrics.Metrics,
) *Engine {
	return &Engine{
		cfg:          cfg,
		logger:       logger,
		store:        store,
		source:       source,
		oracle:       oracleClient,
		builder:      builder,
		evaluator:    evaluator,
		planner:      planner,
		executor:     executor,
		emitter:      emitter,
		metrics:      m,
		lastClass:    make(map[chain.PositionRef]health.Classification),
		lastPrices:   make(map[common.Address]decimal.Decimal),
		tickRequests: make(chan struct{}, 1),
		now:          time.Now,
	}
}

// Start replays history, subscribes to the live feed and begins ticking.
// It returns once the replay has completed and the loops are running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.logger.Info("replaying position history",
		zap.Uint64("from_block", e.cfg.ReplayCheckpoint),
	)
	if err := e.store.Load(runCtx, e.source, e.cfg.ReplayCheckpoint); err != nil {
		cancel()
		e.setStopped()
		return fmt.Errorf("replay failed: %w", err)
	}
	e.logger.Info("replay complete",
		zap.Int("open_positions", e.store.Len()),
		zap.Uint64("checkpoint", e.store.Checkpoint()),
	)

	evCh, errCh, err := e.source.Subscribe(runCtx, e.store.Checkpoint())
	if err != nil {
		cancel()
		e.setStopped()
		return fmt.Errorf("subscribe failed: %w", err)
	}

	e.wg.Add(2)
	go e.ingest(runCtx, evCh, errCh)
	go e.loop(runCtx)

	return nil
}

// Stop halts the loops and waits for in-flight work to drain.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.setStopped()
	e.logger.Info("monitor engine stopped")
}

func (e *Engine) setStopped() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

// RequestTick schedules an immediate evaluation pass. Duplicate requests
// while one is pending coalesce.
func (e *Engine) RequestTick() {
	select {
	case e.tickRequests <- struct{}{}:
	default:
	}
}

// ingest applies live chain events as they arrive. Out-of-order events are
// logged and queued by the store, never applied.
func (e *Engine) ingest(ctx context.Context, evCh <-chan chain.Event, errCh <-chan error) {
	defer e.wg.Done()

	for {
		select {
		case ev, ok := <-evCh:
			if !ok {
				return
			}
			if err := e.store.ApplyEvent(ev); err != nil {
				e.logger.Warn("event not applied",
					zap.Uint64("block", ev.Seq().Block),
					zap.String("user", ev.Ref.User.Hex()),
					zap.Error(err),
				)
			}
			e.syncStoreCounters()

		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				e.logger.Error("event subscription failed, shutting down", zap.Error(err))
				e.cancel()
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// loop drives periodic and price-triggered ticks.
func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	// First pass without waiting a full interval.
	e.runTick(ctx)

	for {
		select {
		case <-ticker.C:
			e.runTick(ctx)
		case <-e.tickRequests:
			e.runTick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) runTick(ctx context.Context) {
	start := e.now()
	if err := e.tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Error("tick aborted", zap.Error(err))
	}
	if e.metrics != nil {
		e.metrics.TickDuration.Observe(time.Since(start).Seconds())
		e.metrics.TicksTotal.Inc()
	}
}

// tick evaluates every open position against a fresh market snapshot and
// executes the profitable liquidation plans, most profitable first.
func (e *Engine) tick(ctx context.Context) error {
	positions, err := e.store.Snapshot()
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.OpenPositions.Set(float64(len(positions)))
	}
	if len(positions) == 0 {
		return nil
	}

	snap, err := e.builder.Build(ctx, positions)
	if err != nil {
		return fmt.Errorf("snapshot build: %w", err)
	}

	reports := make([]health.Report, 0, len(positions))
	counts := make(map[health.Classification]int)
	for _, pos := range positions {
		report := e.evaluator.Evaluate(pos, snap)
		reports = append(reports, report)
		counts[report.Classification]++
		e.observeClassification(report)
	}
	e.publishGauges(counts)

	plans := e.buildPlans(reports, snap)
	if len(plans) == 0 {
		e.finishTick(snap)
		return nil
	}

	sort.Slice(plans, func(i, j int) bool {
		return plans[i].ExpectedProfit.GreaterThan(plans[j].ExpectedProfit)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrency)
	for _, plan := range plans {
		plan := plan
		g.Go(func() error {
			e.executePlan(gctx, plan)
			// Failures are isolated; one reverted plan never cancels
			// the rest of the batch.
			return nil
		})
	}
	g.Wait()

	e.finishTick(snap)
	return nil
}

func (e *Engine) buildPlans(reports []health.Report, snap *market.Snapshot) []*liquidation.Plan {
	var plans []*liquidation.Plan
	for _, report := range reports {
		if report.Classification != health.Liquidatable {
			continue
		}
		if e.executor.InFlight(report.Ref) {
			continue
		}

		plan, err := e.planner.Plan(report, snap)
		if err != nil {
			if errors.Is(err, liquidation.ErrUnprofitable) {
				e.emit(events.PositionSkipped{
					Ref:       report.Ref,
					Reason:    "unprofitable",
					Timestamp: e.now(),
				})
			} else if !errors.Is(err, liquidation.ErrNotLiquidatable) {
				e.logger.Warn("planning failed",
					zap.String("user", report.Ref.User.Hex()),
					zap.Error(err),
				)
			}
			continue
		}

		if e.metrics != nil {
			e.metrics.PlansCreated.WithLabelValues(plan.Kind.String()).Inc()
		}
		e.emit(events.PlanCreated{
			PlanID:         plan.ID,
			Ref:            plan.Ref,
			Kind:           plan.Kind.String(),
			DebtToRepay:    plan.DebtToRepay,
			ExpectedProfit: plan.ExpectedProfit,
			Timestamp:      e.now(),
		})
		plans = append(plans, plan)
	}
	return plans
}

func (e *Engine) executePlan(ctx context.Context, plan *liquidation.Plan) {
	result, err := e.executor.Execute(ctx, plan)

	settled := events.PlanSettled{
		PlanID:    plan.ID,
		Ref:       plan.Ref,
		State:     result.State.String(),
		Timestamp: e.now(),
	}
	if result.Receipt != nil {
		settled.TxHash = result.Receipt.TxHash.Hex()
	}
	if result.Record != nil {
		settled.Profit = result.Record.Profit
	}
	if err != nil {
		settled.Err = err.Error()
	}
	e.emit(settled)

	if e.metrics != nil {
		e.metrics.PlanOutcomes.WithLabelValues(result.State.String()).Inc()
		if result.Record != nil && result.Record.Profit.IsPositive() {
			profit, _ := result.Record.Profit.Float64()
			e.metrics.ProfitTotal.Add(profit)
		}
	}

	switch {
	case err == nil:
		e.logger.Info("liquidation confirmed",
			zap.String("plan_id", plan.ID.String()),
			zap.String("user", plan.Ref.User.Hex()),
			zap.String("state", result.State.String()),
		)
	case errors.Is(err, liquidation.ErrSuperseded),
		errors.Is(err, liquidation.ErrPlanStale),
		errors.Is(err, liquidation.ErrPlanInFlight),
		errors.Is(err, liquidation.ErrAborted):
		e.logger.Debug("plan not executed",
			zap.String("plan_id", plan.ID.String()),
			zap.Error(err),
		)
	default:
		e.logger.Error("liquidation failed",
			zap.String("plan_id", plan.ID.String()),
			zap.String("user", plan.Ref.User.Hex()),
			zap.Error(err),
		)
	}
}

// observeClassification emits HealthChanged on transitions and
// PositionSkipped for positions that could not be evaluated.
func (e *Engine) observeClassification(report health.Report) {
	e.mu.Lock()
	prev, seen := e.lastClass[report.Ref]
	e.lastClass[report.Ref] = report.Classification
	e.mu.Unlock()

	if report.Classification == health.Unknown {
		e.emit(events.PositionSkipped{
			Ref:       report.Ref,
			Reason:    report.Reason,
			Timestamp: e.now(),
		})
		return
	}

	if seen && prev != report.Classification {
		e.emit(events.HealthChanged{
			Ref:          report.Ref,
			From:         prev.String(),
			To:           report.Classification.String(),
			HealthFactor: report.HealthFactor,
			Timestamp:    e.now(),
		})
		e.logger.Info("health transition",
			zap.String("user", report.Ref.User.Hex()),
			zap.String("from", prev.String()),
			zap.String("to", report.Classification.String()),
			zap.String("health_factor", report.HealthFactor.StringFixed(4)),
		)
	}
}

func (e *Engine) publishGauges(counts map[health.Classification]int) {
	if e.metrics == nil {
		return
	}
	for _, c := range []health.Classification{
		health.Unknown, health.Healthy, health.AtRisk,
		health.Critical, health.Liquidatable,
	} {
		e.metrics.Classifications.WithLabelValues(c.String()).Set(float64(counts[c]))
	}
}

// finishTick records the tick's prices for the move trigger and republishes
// cumulative counters.
func (e *Engine) finishTick(snap *market.Snapshot) {
	e.checkPriceMoves(snap)
	e.syncOracleStats()
	e.syncStoreCounters()
}

// checkPriceMoves compares this tick's prices against the previous tick's
// and schedules an early tick on a large enough move.
func (e *Engine) checkPriceMoves(snap *market.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	triggered := false
	seen := snap.Prices()
	for asset, price := range seen {
		prev, ok := e.lastPrices[asset]
		if ok && !prev.IsZero() && e.cfg.PriceMoveTrigger > 0 {
			movePct := price.Sub(prev).Abs().
				Div(prev).
				Mul(decimal.NewFromInt(100))
			if movePct.GreaterThan(decimal.NewFromFloat(e.cfg.PriceMoveTrigger)) {
				triggered = true
				e.logger.Info("price move trigger",
					zap.String("asset", asset.Hex()),
					zap.String("move_pct", movePct.StringFixed(2)),
				)
			}
		}
		e.lastPrices[asset] = price
	}

	if triggered {
		e.RequestTick()
	}
}

func (e *Engine) syncOracleStats() {
	if e.metrics == nil || e.oracle == nil {
		return
	}
	stats := e.oracle.Stats()
	cur := oracleCounters{
		hits:        stats.CacheHits.Load(),
		misses:      stats.CacheMisses.Load(),
		fetchErrors: stats.FetchErrors.Load(),
		staleReads:  stats.StaleReads.Load(),
	}

	e.mu.Lock()
	prev := e.lastOracle
	e.lastOracle = cur
	e.mu.Unlock()

	e.metrics.OracleCacheHits.Add(float64(cur.hits - prev.hits))
	e.metrics.OracleCacheMisses.Add(float64(cur.misses - prev.misses))
	e.metrics.OracleFetchErrors.Add(float64(cur.fetchErrors - prev.fetchErrors))
	e.metrics.OracleStaleReads.Add(float64(cur.staleReads - prev.staleReads))
}

func (e *Engine) syncStoreCounters() {
	if e.metrics == nil {
		return
	}
	applied, rejected := e.store.Counters()
	cur := storeCounters{applied: applied, rejected: rejected}

	e.mu.Lock()
	prev := e.lastStore
	e.lastStore = cur
	e.mu.Unlock()

	e.metrics.EventsApplied.Add(float64(cur.applied - prev.applied))
	e.metrics.EventsRejected.Add(float64(cur.rejected - prev.rejected))
}

func (e *Engine) emit(event any) {
	if e.emitter != nil {
		e.emitter.Emit(event)
	}
}
