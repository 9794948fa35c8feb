package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shizukutanaka/seisan/internal/audit"
	"github.com/shizukutanaka/seisan/internal/chain"
	"github.com/shizukutanaka/seisan/internal/events"
	"github.com/shizukutanaka/seisan/internal/health"
	"github.com/shizukutanaka/seisan/internal/liquidation"
	"github.com/shizukutanaka/seisan/internal/market"
	"github.com/shizukutanaka/seisan/internal/oracle"
	"github.com/shizukutanaka/seisan/internal/position"
)

var (
	testCollateral = common.HexToAddress("0xc1")
	testDebt       = common.HexToAddress("0xd1")
	testUser       = common.HexToAddress("0xa1")
)

func testRef() chain.PositionRef {
	return chain.PositionRef{
		PoolID:          1,
		CollateralAsset: testCollateral,
		DebtAsset:       testDebt,
		User:            testUser,
	}
}

// fakeEventSource replays a fixed history and lets tests push live events.
type fakeEventSource struct {
	history []chain.Event
	live    chan chain.Event
	errs    chan error
}

func newFakeEventSource(history ...chain.Event) *fakeEventSource {
	return &fakeEventSource{
		history: history,
		live:    make(chan chain.Event, 16),
		errs:    make(chan error, 1),
	}
}

func (s *fakeEventSource) Replay(ctx context.Context, fromBlock uint64, fn func(chain.Event) error) error {
	for _, ev := range s.history {
		if ev.Block < fromBlock {
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeEventSource) Subscribe(ctx context.Context, afterBlock uint64) (<-chan chain.Event, <-chan error, error) {
	return s.live, s.errs, nil
}

// fakePriceSource serves a mutable per-asset price.
type fakePriceSource struct {
	mu     sync.Mutex
	prices map[common.Address]decimal.Decimal
}

func newFakePriceSource() *fakePriceSource {
	return &fakePriceSource{prices: make(map[common.Address]decimal.Decimal)}
}

func (s *fakePriceSource) set(asset common.Address, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[asset] = price
}

func (s *fakePriceSource) FetchPrice(ctx context.Context, asset common.Address) (chain.PriceQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return chain.PriceQuote{
		Asset:       asset,
		Price:       s.prices[asset],
		LastUpdated: time.Now(),
		NumSources:  3,
	}, nil
}

func (s *fakePriceSource) Name() string { return "fake" }

// fakePool serves fixed pool parameters.
type fakePool struct {
	collateralFactor decimal.Decimal
	liquidationBonus decimal.Decimal
}

func (p *fakePool) AssetConfig(ctx context.Context, poolID uint64, asset common.Address) (chain.AssetConfig, error) {
	return chain.AssetConfig{
		Asset:                 asset,
		TotalCollateralShares: decimal.NewFromInt(100),
		LastRateAccumulator:   decimal.NewFromInt(1),
	}, nil
}

func (p *fakePool) TotalCollateralAssets(ctx context.Context, poolID uint64, asset common.Address) (decimal.Decimal, error) {
	return decimal.NewFromInt(100), nil
}

func (p *fakePool) CollateralFactor(ctx context.Context, poolID uint64, asset common.Address) (decimal.Decimal, error) {
	return p.collateralFactor, nil
}

func (p *fakePool) LiquidationBonus(ctx context.Context, poolID uint64, asset common.Address) (decimal.Decimal, error) {
	return p.liquidationBonus, nil
}

type fakeLender struct{ feeRate decimal.Decimal }

func (l *fakeLender) QuoteFee(ctx context.Context, asset common.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	return amount.Mul(l.feeRate), nil
}

// fakeRouter converts collateral to debt units at a fixed price.
type fakeRouter struct{ price decimal.Decimal }

func (r *fakeRouter) QuoteSwap(ctx context.Context, from, to common.Address, amountIn decimal.Decimal) (decimal.Decimal, error) {
	return amountIn.Mul(r.price), nil
}

type fakeSubmitter struct {
	mu      sync.Mutex
	bundles []chain.Bundle
}

func (s *fakeSubmitter) Submit(ctx context.Context, bundle chain.Bundle) (chain.Receipt, error) {
	s.mu.Lock()
	s.bundles = append(s.bundles, bundle)
	s.mu.Unlock()
	return chain.Receipt{
		Status:           chain.ReceiptConfirmed,
		TxHash:           common.HexToHash("0xbeef"),
		Block:            500,
		CollateralSeized: bundle.MinCollateralToReceive,
		// The swap realises the full collateral floor at the router price.
		SwapProceeds: bundle.MinCollateralToReceive.Mul(decimal.NewFromInt(1000)),
		DebtRepaid:   bundle.DebtToRepay,
		FlashFeePaid: bundle.DebtToRepay.Mul(decimal.NewFromFloat(0.0009)),
		GasCost:      decimal.NewFromInt(10),
		Timestamp:    time.Now(),
	}, nil
}

func (s *fakeSubmitter) LiquidatorAddress() common.Address {
	return common.HexToAddress("0xff")
}

func (s *fakeSubmitter) submitted() []chain.Bundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chain.Bundle, len(s.bundles))
	copy(out, s.bundles)
	return out
}

type testHarness struct {
	engine    *Engine
	source    *fakeEventSource
	prices    *fakePriceSource
	submitter *fakeSubmitter
	emitter   *events.Emitter
	store     *position.Store
	records   *audit.Store
}

func newHarness(t *testing.T, cfg Config, history ...chain.Event) *testHarness {
	t.Helper()
	logger := zap.NewNop()

	source := newFakeEventSource(history...)
	prices := newFakePriceSource()
	prices.set(testCollateral, decimal.NewFromInt(1000))
	prices.set(testDebt, decimal.NewFromInt(1))

	oracleCfg := oracle.DefaultConfig()
	oracleCfg.CacheTTL = time.Millisecond
	client, err := oracle.New(prices, nil, oracleCfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	pool := &fakePool{
		collateralFactor: decimal.NewFromFloat(0.8),
		liquidationBonus: decimal.NewFromFloat(0.05),
	}

	records, err := audit.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() })

	submitter := &fakeSubmitter{}
	executor := liquidation.NewExecutor(
		&fakeLender{feeRate: decimal.NewFromFloat(0.0009)},
		&fakeRouter{price: decimal.NewFromInt(1000)},
		submitter,
		records,
		liquidation.DefaultExecutorConfig(),
		logger,
	)

	store := position.NewStore(logger)
	emitter := events.NewEmitter()

	engine := New(
		cfg,
		logger,
		store,
		source,
		client,
		market.NewBuilder(client, pool, logger),
		health.NewEvaluator(logger),
		liquidation.NewPlanner(liquidation.DefaultPlannerConfig(), logger),
		executor,
		emitter,
		nil,
	)

	return &testHarness{
		engine:    engine,
		source:    source,
		prices:    prices,
		submitter: submitter,
		emitter:   emitter,
		store:     store,
		records:   records,
	}
}

func supplyAndBorrow(debt int64) []chain.Event {
	ref := testRef()
	return []chain.Event{
		{
			Block: 10, TxIndex: 0, LogIndex: 0,
			Kind:            chain.EventSupplied,
			Ref:             ref,
			CollateralDelta: decimal.NewFromInt(2),
			Timestamp:       time.Now(),
		},
		{
			Block: 11, TxIndex: 0, LogIndex: 0,
			Kind:      chain.EventBorrowed,
			Ref:       ref,
			DebtDelta: decimal.NewFromInt(debt),
			Timestamp: time.Now(),
		},
	}
}

func TestEngineLiquidatesUnderwaterPosition(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = time.Hour // first pass only

	// Collateral 2 at 1000 with factor 0.8 carries 1600 of debt capacity;
	// 1700 borrowed puts the position under water.
	h := newHarness(t, cfg, supplyAndBorrow(1700)...)

	settled := h.emitter.Subscribe("plan_settled")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.engine.Start(ctx))
	defer h.engine.Stop()

	select {
	case raw := <-settled:
		ev := raw.(events.PlanSettled)
		assert.Equal(t, "confirmed", ev.State)
		assert.Equal(t, testRef(), ev.Ref)
		assert.True(t, ev.Profit.IsPositive())
	case <-time.After(5 * time.Second):
		t.Fatal("no plan settled")
	}

	bundles := h.submitter.submitted()
	require.Len(t, bundles, 1)
	// Partial liquidation repays only what restores health.
	assert.True(t, bundles[0].DebtToRepay.LessThan(decimal.NewFromInt(1700)))
	assert.True(t, bundles[0].DebtToRepay.IsPositive())

	count, err := h.records.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestEngineLeavesHealthyPositionAlone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = time.Hour

	// 1200 of debt against 1600 of capacity is comfortably healthy.
	h := newHarness(t, cfg, supplyAndBorrow(1200)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.engine.Start(ctx))
	defer h.engine.Stop()

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, h.submitter.submitted())

	count, err := h.records.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
}

func TestEngineEmitsHealthChangedOnPriceDrop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = time.Hour

	h := newHarness(t, cfg, supplyAndBorrow(1200)...)

	changed := h.emitter.Subscribe("health_changed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.engine.Start(ctx))
	defer h.engine.Stop()

	// Collateral dropping to 800 moves the health factor from 1.33 into
	// the at-risk band. The cached quote has to age out first, so keep
	// requesting ticks until the transition lands.
	h.prices.set(testCollateral, decimal.NewFromInt(800))

	deadline := time.After(5 * time.Second)
	for {
		h.engine.RequestTick()
		select {
		case raw := <-changed:
			ev := raw.(events.HealthChanged)
			assert.Equal(t, "healthy", ev.From)
			assert.Equal(t, "at_risk", ev.To)
			return
		case <-deadline:
			t.Fatal("no health transition observed")
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func TestEngineIngestsLiveEvents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = time.Hour

	h := newHarness(t, cfg, supplyAndBorrow(1200)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.engine.Start(ctx))
	defer h.engine.Stop()

	h.source.live <- chain.Event{
		Block: 20, TxIndex: 0, LogIndex: 0,
		Kind:      chain.EventRepaid,
		Ref:       testRef(),
		DebtDelta: decimal.NewFromInt(-200),
		Timestamp: time.Now(),
	}

	require.Eventually(t, func() bool {
		pos, ok := h.store.Get(testRef())
		return ok && pos.NominalDebt.Equal(decimal.NewFromInt(1000))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRequestTickCoalesces(t *testing.T) {
	t.Parallel()

	e := &Engine{tickRequests: make(chan struct{}, 1)}
	e.RequestTick()
	e.RequestTick()
	e.RequestTick()

	assert.Len(t, e.tickRequests, 1)
}
