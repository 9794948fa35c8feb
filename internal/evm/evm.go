// Package evm backs the engine's chain interfaces with an Ethereum RPC
// endpoint. Pool state is read through eth_call, position events through log
// filters, and liquidation bundles go through a deployed liquidator contract.
package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shizukutanaka/seisan/internal/chain"
)

// wadExp is the fixed-point scale pool contracts use for rates and factors.
const wadExp = -18

const poolABIJSON = `[
	{"type":"function","name":"assetConfig","stateMutability":"view",
	 "inputs":[{"name":"poolId","type":"uint256"},{"name":"asset","type":"address"}],
	 "outputs":[{"name":"totalCollateralShares","type":"uint256"},
	            {"name":"totalNominalDebt","type":"uint256"},
	            {"name":"reserve","type":"uint256"},
	            {"name":"lastRateAccumulator","type":"uint256"},
	            {"name":"lastUpdated","type":"uint64"}]},
	{"type":"function","name":"totalCollateralAssets","stateMutability":"view",
	 "inputs":[{"name":"poolId","type":"uint256"},{"name":"asset","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"collateralFactor","stateMutability":"view",
	 "inputs":[{"name":"poolId","type":"uint256"},{"name":"asset","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"liquidationBonus","stateMutability":"view",
	 "inputs":[{"name":"poolId","type":"uint256"},{"name":"asset","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

const feedABIJSON = `[
	{"type":"function","name":"latestRoundData","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"roundId","type":"uint80"},
	            {"name":"answer","type":"int256"},
	            {"name":"startedAt","type":"uint256"},
	            {"name":"updatedAt","type":"uint256"},
	            {"name":"answeredInRound","type":"uint80"}]},
	{"type":"function","name":"decimals","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"numSources","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

// caller is the slice of ethclient the read paths need, split out so tests
// can substitute a canned backend.
type caller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Pool reads lending pool state over eth_call.
type Pool struct {
	client   caller
	contract common.Address
	abi      abi.ABI
}

// NewPool binds the pool contract at addr.
func NewPool(client *ethclient.Client, addr common.Address) (*Pool, error) {
	return newPool(client, addr)
}

func newPool(client caller, addr common.Address) (*Pool, error) {
	parsed, err := abi.JSON(strings.NewReader(poolABIJSON))
	if err != nil {
		return nil, fmt.Errorf("pool abi: %w", err)
	}
	return &Pool{client: client, contract: addr, abi: parsed}, nil
}

func (p *Pool) call(ctx context.Context, method string, args ...any) ([]any, error) {
	input, err := p.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := p.client.CallContract(ctx, ethereum.CallMsg{To: &p.contract, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := p.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

func (p *Pool) AssetConfig(ctx context.Context, poolID uint64, asset common.Address) (chain.AssetConfig, error) {
	out, err := p.call(ctx, "assetConfig", new(big.Int).SetUint64(poolID), asset)
	if err != nil {
		return chain.AssetConfig{}, err
	}
	return chain.AssetConfig{
		Asset:                 asset,
		TotalCollateralShares: decimal.NewFromBigInt(out[0].(*big.Int), wadExp),
		TotalNominalDebt:      decimal.NewFromBigInt(out[1].(*big.Int), wadExp),
		Reserve:               decimal.NewFromBigInt(out[2].(*big.Int), wadExp),
		LastRateAccumulator:   decimal.NewFromBigInt(out[3].(*big.Int), wadExp),
		LastUpdated:           time.Unix(int64(out[4].(uint64)), 0),
	}, nil
}

func (p *Pool) TotalCollateralAssets(ctx context.Context, poolID uint64, asset common.Address) (decimal.Decimal, error) {
	out, err := p.call(ctx, "totalCollateralAssets", new(big.Int).SetUint64(poolID), asset)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(out[0].(*big.Int), wadExp), nil
}

func (p *Pool) CollateralFactor(ctx context.Context, poolID uint64, asset common.Address) (decimal.Decimal, error) {
	out, err := p.call(ctx, "collateralFactor", new(big.Int).SetUint64(poolID), asset)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(out[0].(*big.Int), wadExp), nil
}

func (p *Pool) LiquidationBonus(ctx context.Context, poolID uint64, asset common.Address) (decimal.Decimal, error) {
	out, err := p.call(ctx, "liquidationBonus", new(big.Int).SetUint64(poolID), asset)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(out[0].(*big.Int), wadExp), nil
}

// PriceFeed reads per-asset aggregator contracts.
type PriceFeed struct {
	client caller
	feeds  map[common.Address]common.Address
	abi    abi.ABI
	logger *zap.Logger
}

// NewPriceFeed maps each asset to its aggregator contract.
func NewPriceFeed(client *ethclient.Client, feeds map[common.Address]common.Address, logger *zap.Logger) (*PriceFeed, error) {
	return newPriceFeed(client, feeds, logger)
}

func newPriceFeed(client caller, feeds map[common.Address]common.Address, logger *zap.Logger) (*PriceFeed, error) {
	parsed, err := abi.JSON(strings.NewReader(feedABIJSON))
	if err != nil {
		return nil, fmt.Errorf("feed abi: %w", err)
	}
	return &PriceFeed{client: client, feeds: feeds, abi: parsed, logger: logger}, nil
}

func (f *PriceFeed) Name() string { return "aggregator" }

func (f *PriceFeed) FetchPrice(ctx context.Context, asset common.Address) (chain.PriceQuote, error) {
	feed, ok := f.feeds[asset]
	if !ok {
		return chain.PriceQuote{}, fmt.Errorf("no price feed configured for %s", asset.Hex())
	}

	decimals, err := f.feedDecimals(ctx, feed)
	if err != nil {
		return chain.PriceQuote{}, err
	}

	input, err := f.abi.Pack("latestRoundData")
	if err != nil {
		return chain.PriceQuote{}, fmt.Errorf("pack latestRoundData: %w", err)
	}
	raw, err := f.client.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: input}, nil)
	if err != nil {
		return chain.PriceQuote{}, fmt.Errorf("feed %s: %w", feed.Hex(), err)
	}
	out, err := f.abi.Unpack("latestRoundData", raw)
	if err != nil {
		return chain.PriceQuote{}, fmt.Errorf("unpack latestRoundData: %w", err)
	}

	answer := out[1].(*big.Int)
	updatedAt := out[3].(*big.Int)

	sources := f.sourceCount(ctx, feed)

	return chain.PriceQuote{
		Asset:       asset,
		Price:       decimal.NewFromBigInt(answer, -int32(decimals)),
		Decimals:    decimals,
		LastUpdated: time.Unix(updatedAt.Int64(), 0),
		NumSources:  sources,
	}, nil
}

func (f *PriceFeed) feedDecimals(ctx context.Context, feed common.Address) (uint8, error) {
	input, err := f.abi.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("pack decimals: %w", err)
	}
	raw, err := f.client.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: input}, nil)
	if err != nil {
		return 0, fmt.Errorf("feed %s decimals: %w", feed.Hex(), err)
	}
	out, err := f.abi.Unpack("decimals", raw)
	if err != nil {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	return out[0].(uint8), nil
}

// sourceCount is best effort; simple feeds do not expose it and count as one.
func (f *PriceFeed) sourceCount(ctx context.Context, feed common.Address) int {
	input, err := f.abi.Pack("numSources")
	if err != nil {
		return 1
	}
	raw, err := f.client.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: input}, nil)
	if err != nil {
		return 1
	}
	out, err := f.abi.Unpack("numSources", raw)
	if err != nil {
		return 1
	}
	n := out[0].(*big.Int)
	if !n.IsInt64() || n.Int64() < 1 {
		return 1
	}
	return int(n.Int64())
}

var (
	_ chain.PoolReader  = (*Pool)(nil)
	_ chain.PriceSource = (*PriceFeed)(nil)
)
