package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shizukutanaka/seisan/internal/chain"
	"github.com/shizukutanaka/seisan/internal/oracle"
	"github.com/shizukutanaka/seisan/internal/position"
)

var (
	collateralAsset = common.HexToAddress("0xc1")
	debtAsset       = common.HexToAddress("0xd1")
)

type stubPriceSource struct {
	prices map[common.Address]decimal.Decimal
	fail   map[common.Address]error
}

func (s *stubPriceSource) FetchPrice(ctx context.Context, asset common.Address) (chain.PriceQuote, error) {
	if err, ok := s.fail[asset]; ok {
		return chain.PriceQuote{}, err
	}
	return chain.PriceQuote{
		Asset:       asset,
		Price:       s.prices[asset],
		LastUpdated: time.Now(),
		NumSources:  3,
	}, nil
}

func (s *stubPriceSource) Name() string { return "stub" }

type stubPool struct {
	err error
}

func (p *stubPool) AssetConfig(ctx context.Context, poolID uint64, asset common.Address) (chain.AssetConfig, error) {
	if p.err != nil {
		return chain.AssetConfig{}, p.err
	}
	return chain.AssetConfig{
		Asset:                 asset,
		TotalCollateralShares: decimal.NewFromInt(80),
		LastRateAccumulator:   decimal.RequireFromString("1.05"),
	}, nil
}

func (p *stubPool) TotalCollateralAssets(ctx context.Context, poolID uint64, asset common.Address) (decimal.Decimal, error) {
	return decimal.NewFromInt(100), nil
}

func (p *stubPool) CollateralFactor(ctx context.Context, poolID uint64, asset common.Address) (decimal.Decimal, error) {
	return decimal.RequireFromString("0.8"), nil
}

func (p *stubPool) LiquidationBonus(ctx context.Context, poolID uint64, asset common.Address) (decimal.Decimal, error) {
	return decimal.RequireFromString("0.05"), nil
}

func testPositions() []position.Position {
	return []position.Position{{
		Ref: chain.PositionRef{
			PoolID:          1,
			CollateralAsset: collateralAsset,
			DebtAsset:       debtAsset,
			User:            common.HexToAddress("0xa1"),
		},
		CollateralShares: decimal.NewFromInt(2),
		NominalDebt:      decimal.NewFromInt(1500),
	}}
}

func newTestBuilder(t *testing.T, src *stubPriceSource, pool chain.PoolReader) *Builder {
	t.Helper()
	client, err := oracle.New(src, nil, oracle.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return NewBuilder(client, pool, zap.NewNop())
}

func TestBuildCollectsPricesAndParams(t *testing.T) {
	t.Parallel()

	src := &stubPriceSource{prices: map[common.Address]decimal.Decimal{
		collateralAsset: decimal.NewFromInt(1000),
		debtAsset:       decimal.NewFromInt(1),
	}}
	b := newTestBuilder(t, src, &stubPool{})

	snap, err := b.Build(context.Background(), testPositions())
	require.NoError(t, err)

	price, err := snap.Price(collateralAsset)
	require.NoError(t, err)
	assert.True(t, price.Price.Equal(decimal.NewFromInt(1000)))

	params, ok := snap.Params(AssetKey{PoolID: 1, Asset: collateralAsset})
	require.True(t, ok)
	// 100 assets over 80 shares.
	assert.True(t, params.CollateralRate.Equal(decimal.RequireFromString("1.25")), "got %s", params.CollateralRate)
	assert.True(t, params.RateAccumulator.Equal(decimal.RequireFromString("1.05")))
	assert.True(t, params.CollateralFactor.Equal(decimal.RequireFromString("0.8")))
	assert.True(t, params.LiquidationBonus.Equal(decimal.RequireFromString("0.05")))
}

func TestBuildRecordsPerAssetPriceFailure(t *testing.T) {
	t.Parallel()

	feedDown := errors.New("feed down")
	src := &stubPriceSource{
		prices: map[common.Address]decimal.Decimal{debtAsset: decimal.NewFromInt(1)},
		fail:   map[common.Address]error{collateralAsset: feedDown},
	}
	b := newTestBuilder(t, src, &stubPool{})

	snap, err := b.Build(context.Background(), testPositions())
	require.NoError(t, err, "one failing feed must not fail the snapshot")

	_, err = snap.Price(collateralAsset)
	assert.Error(t, err)

	_, err = snap.Price(debtAsset)
	assert.NoError(t, err)
}

func TestBuildFailsWhenPoolUnreadable(t *testing.T) {
	t.Parallel()

	src := &stubPriceSource{prices: map[common.Address]decimal.Decimal{
		collateralAsset: decimal.NewFromInt(1000),
		debtAsset:       decimal.NewFromInt(1),
	}}
	b := newTestBuilder(t, src, &stubPool{err: errors.New("rpc timeout")})

	_, err := b.Build(context.Background(), testPositions())
	assert.Error(t, err)
}

func TestPriceUnknownAsset(t *testing.T) {
	t.Parallel()

	snap := NewSnapshotForTest(time.Now(), nil, nil, nil)
	_, err := snap.Price(common.HexToAddress("0x99"))
	assert.ErrorIs(t, err, oracle.ErrUnavailable)
}
