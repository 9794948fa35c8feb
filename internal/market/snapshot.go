// Package market assembles the per-tick snapshot of everything health and
// liquidation math needs: validated prices and pool accounting parameters.
// Evaluation always runs against one snapshot so every position in a tick sees
// the same prices and rates.
package market

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shizukutanaka/seisan/internal/chain"
	"github.com/shizukutanaka/seisan/internal/oracle"
	"github.com/shizukutanaka/seisan/internal/position"
)

// AssetKey identifies an asset within a pool.
type AssetKey struct {
	PoolID uint64
	Asset  common.Address
}

// Params carries one pool asset's conversion and risk parameters.
type Params struct {
	// CollateralRate is total collateral assets per collateral share.
	CollateralRate decimal.Decimal
	// RateAccumulator scales nominal debt to real debt.
	RateAccumulator  decimal.Decimal
	CollateralFactor decimal.Decimal
	LiquidationBonus decimal.Decimal
}

// Snapshot is a consistent read of prices and pool parameters.
type Snapshot struct {
	TakenAt time.Time

	prices    map[common.Address]oracle.PricePoint
	priceErrs map[common.Address]error
	params    map[AssetKey]Params
}

// Price returns the validated price for an asset, or the error that made it
// unavailable for this tick.
func (s *Snapshot) Price(asset common.Address) (oracle.PricePoint, error) {
	if err, ok := s.priceErrs[asset]; ok {
		return oracle.PricePoint{}, err
	}
	p, ok := s.prices[asset]
	if !ok {
		return oracle.PricePoint{}, fmt.Errorf("asset %s: %w", asset.Hex(), oracle.ErrUnavailable)
	}
	return p, nil
}

// Params returns the pool parameters for an asset.
func (s *Snapshot) Params(key AssetKey) (Params, bool) {
	p, ok := s.params[key]
	return p, ok
}

// Prices returns every successfully priced asset in this snapshot.
func (s *Snapshot) Prices() map[common.Address]decimal.Decimal {
	out := make(map[common.Address]decimal.Decimal, len(s.prices))
	for asset, p := range s.prices {
		out[asset] = p.Price
	}
	return out
}

// Builder constructs snapshots from the oracle and the pool contract.
type Builder struct {
	oracle *oracle.Client
	pool   chain.PoolReader
	logger *zap.Logger

	now func() time.Time
}

func NewBuilder(oracleClient *oracle.Client, pool chain.PoolReader, logger *zap.Logger) *Builder {
	return &Builder{oracle: oracleClient, pool: pool, logger: logger, now: time.Now}
}

// Build batch-fetches prices for every asset referenced by the open positions
// and reads the pool parameters those positions convert through. Price
// failures are recorded per asset, not fatal; pool read failures are fatal for
// the tick since no position in that pool can be priced without them.
func (b *Builder) Build(ctx context.Context, positions []position.Position) (*Snapshot, error) {
	snap := &Snapshot{
		TakenAt:   b.now(),
		prices:    make(map[common.Address]oracle.PricePoint),
		priceErrs: make(map[common.Address]error),
		params:    make(map[AssetKey]Params),
	}

	assetSet := make(map[common.Address]struct{})
	keySet := make(map[AssetKey]struct{})
	for _, pos := range positions {
		assetSet[pos.Ref.CollateralAsset] = struct{}{}
		assetSet[pos.Ref.DebtAsset] = struct{}{}
		keySet[AssetKey{pos.Ref.PoolID, pos.Ref.CollateralAsset}] = struct{}{}
		keySet[AssetKey{pos.Ref.PoolID, pos.Ref.DebtAsset}] = struct{}{}
	}

	assets := make([]common.Address, 0, len(assetSet))
	for asset := range assetSet {
		assets = append(assets, asset)
	}

	for asset, res := range b.oracle.GetPrices(ctx, assets) {
		if res.Err != nil {
			b.logger.Warn("price unavailable for tick",
				zap.String("asset", asset.Hex()), zap.Error(res.Err))
			snap.priceErrs[asset] = res.Err
			continue
		}
		snap.prices[asset] = res.Point
	}

	for key := range keySet {
		params, err := b.readParams(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("pool %d asset %s: %w", key.PoolID, key.Asset.Hex(), err)
		}
		snap.params[key] = params
	}

	return snap, nil
}

func (b *Builder) readParams(ctx context.Context, key AssetKey) (Params, error) {
	cfg, err := b.pool.AssetConfig(ctx, key.PoolID, key.Asset)
	if err != nil {
		return Params{}, fmt.Errorf("asset config: %w", err)
	}
	totalCollateral, err := b.pool.TotalCollateralAssets(ctx, key.PoolID, key.Asset)
	if err != nil {
		return Params{}, fmt.Errorf("total collateral assets: %w", err)
	}
	factor, err := b.pool.CollateralFactor(ctx, key.PoolID, key.Asset)
	if err != nil {
		return Params{}, fmt.Errorf("collateral factor: %w", err)
	}
	bonus, err := b.pool.LiquidationBonus(ctx, key.PoolID, key.Asset)
	if err != nil {
		return Params{}, fmt.Errorf("liquidation bonus: %w", err)
	}

	return Params{
		CollateralRate:   cfg.CollateralExchangeRate(totalCollateral),
		RateAccumulator:  cfg.LastRateAccumulator,
		CollateralFactor: factor,
		LiquidationBonus: bonus,
	}, nil
}

// NewSnapshotForTest builds a snapshot directly from maps. Test helper.
func NewSnapshotForTest(takenAt time.Time, prices map[common.Address]oracle.PricePoint, priceErrs map[common.Address]error, params map[AssetKey]Params) *Snapshot {
	if priceErrs == nil {
		priceErrs = make(map[common.Address]error)
	}
	return &Snapshot{TakenAt: takenAt, prices: prices, priceErrs: priceErrs, params: params}
}
