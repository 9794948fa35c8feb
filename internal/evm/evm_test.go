package evm

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shizukutanaka/seisan/internal/chain"
)

var (
	poolAddr   = common.HexToAddress("0x10")
	userAddr   = common.HexToAddress("0xa1")
	collateral = common.HexToAddress("0xc1")
	debtAsset  = common.HexToAddress("0xd1")
)

func wad(f float64) *big.Int {
	return decimal.NewFromFloat(f).Shift(18).Truncate(0).BigInt()
}

// fakeBackend serves canned logs and eth_call responses.
type fakeBackend struct {
	logs    []types.Log
	head    uint64
	returns map[string][]byte // 4-byte selector hex -> return data
	calls   []ethereum.CallMsg
}

func (b *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var out []types.Log
	for _, lg := range b.logs {
		if lg.BlockNumber >= q.FromBlock.Uint64() && lg.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (b *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	return b.head, nil
}

func (b *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b.calls = append(b.calls, call)
	return b.returns[common.Bytes2Hex(call.Data[:4])], nil
}

func newTestFeed(t *testing.T, backend *fakeBackend) *EventFeed {
	t.Helper()
	feed, err := newEventFeed(backend, poolAddr, zap.NewNop())
	require.NoError(t, err)
	return feed
}

// makeLog builds a pool log the way the contract emits it.
func makeLog(t *testing.T, feed *EventFeed, name string, block uint64, amounts ...*big.Int) types.Log {
	t.Helper()
	ev, ok := feed.abi.Events[name]
	require.True(t, ok)

	args := []any{collateral, debtAsset}
	for _, a := range amounts {
		args = append(args, a)
	}
	data, err := ev.Inputs.NonIndexed().Pack(args...)
	require.NoError(t, err)

	return types.Log{
		Address:     poolAddr,
		BlockNumber: block,
		TxIndex:     1,
		Index:       2,
		TxHash:      common.HexToHash("0xfeed"),
		Topics: []common.Hash{
			ev.ID,
			common.BigToHash(big.NewInt(7)),
			common.BytesToHash(userAddr.Bytes()),
		},
		Data: data,
	}
}

func TestParseSuppliedLog(t *testing.T) {
	t.Parallel()
	feed := newTestFeed(t, &fakeBackend{})

	ev, err := feed.parse(makeLog(t, feed, "Supplied", 100, wad(2.5)))
	require.NoError(t, err)

	assert.Equal(t, chain.EventSupplied, ev.Kind)
	assert.EqualValues(t, 7, ev.Ref.PoolID)
	assert.Equal(t, userAddr, ev.Ref.User)
	assert.Equal(t, collateral, ev.Ref.CollateralAsset)
	assert.Equal(t, debtAsset, ev.Ref.DebtAsset)
	assert.True(t, ev.CollateralDelta.Equal(decimal.NewFromFloat(2.5)))
	assert.True(t, ev.DebtDelta.IsZero())
	assert.EqualValues(t, 100, ev.Block)
}

func TestParseSignsDeltasByKind(t *testing.T) {
	t.Parallel()
	feed := newTestFeed(t, &fakeBackend{})

	withdrawn, err := feed.parse(makeLog(t, feed, "Withdrawn", 101, wad(1)))
	require.NoError(t, err)
	assert.True(t, withdrawn.CollateralDelta.Equal(decimal.NewFromInt(-1)))

	repaid, err := feed.parse(makeLog(t, feed, "Repaid", 102, wad(300)))
	require.NoError(t, err)
	assert.True(t, repaid.DebtDelta.Equal(decimal.NewFromInt(-300)))

	liquidated, err := feed.parse(makeLog(t, feed, "Liquidated", 103, wad(1), wad(900)))
	require.NoError(t, err)
	assert.Equal(t, chain.EventLiquidated, liquidated.Kind)
	assert.True(t, liquidated.CollateralDelta.Equal(decimal.NewFromInt(-1)))
	assert.True(t, liquidated.DebtDelta.Equal(decimal.NewFromInt(-900)))
}

func TestReplayWalksHistoryInOrder(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{head: 120}
	feed := newTestFeed(t, backend)
	backend.logs = []types.Log{
		makeLog(t, feed, "Supplied", 100, wad(2)),
		makeLog(t, feed, "Borrowed", 110, wad(1500)),
	}

	var got []chain.Event
	err := feed.Replay(context.Background(), 0, func(ev chain.Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, chain.EventSupplied, got[0].Kind)
	assert.Equal(t, chain.EventBorrowed, got[1].Kind)
	assert.True(t, got[1].DebtDelta.Equal(decimal.NewFromInt(1500)))
}

func TestReplayRespectsCheckpoint(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{head: 120}
	feed := newTestFeed(t, backend)
	backend.logs = []types.Log{
		makeLog(t, feed, "Supplied", 50, wad(2)),
		makeLog(t, feed, "Borrowed", 110, wad(1500)),
	}

	var got []chain.Event
	err := feed.Replay(context.Background(), 100, func(ev chain.Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, chain.EventBorrowed, got[0].Kind)
}

func TestPoolDecodesWadReads(t *testing.T) {
	t.Parallel()

	pool, err := newPool(nil, poolAddr)
	require.NoError(t, err)

	backend := &fakeBackend{returns: map[string][]byte{}}
	pool.client = backend

	cfOut, err := pool.abi.Methods["collateralFactor"].Outputs.Pack(wad(0.8))
	require.NoError(t, err)
	selector := common.Bytes2Hex(pool.abi.Methods["collateralFactor"].ID)
	backend.returns[selector] = cfOut

	cf, err := pool.CollateralFactor(context.Background(), 7, collateral)
	require.NoError(t, err)
	assert.True(t, cf.Equal(decimal.NewFromFloat(0.8)), "got %s", cf)

	require.Len(t, backend.calls, 1)
	assert.Equal(t, poolAddr, *backend.calls[0].To)
}

func TestPriceFeedDecodesLatestRound(t *testing.T) {
	t.Parallel()

	feedAddr := common.HexToAddress("0xfe")
	pf, err := newPriceFeed(nil, map[common.Address]common.Address{collateral: feedAddr}, zap.NewNop())
	require.NoError(t, err)

	backend := &fakeBackend{returns: map[string][]byte{}}
	pf.client = backend

	decOut, err := pf.abi.Methods["decimals"].Outputs.Pack(uint8(8))
	require.NoError(t, err)
	backend.returns[common.Bytes2Hex(pf.abi.Methods["decimals"].ID)] = decOut

	// 1850.12345678 with 8 feed decimals.
	roundOut, err := pf.abi.Methods["latestRoundData"].Outputs.Pack(
		big.NewInt(1), big.NewInt(185012345678), big.NewInt(0), big.NewInt(1_700_000_000), big.NewInt(1),
	)
	require.NoError(t, err)
	backend.returns[common.Bytes2Hex(pf.abi.Methods["latestRoundData"].ID)] = roundOut

	srcOut, err := pf.abi.Methods["numSources"].Outputs.Pack(big.NewInt(4))
	require.NoError(t, err)
	backend.returns[common.Bytes2Hex(pf.abi.Methods["numSources"].ID)] = srcOut

	quote, err := pf.FetchPrice(context.Background(), collateral)
	require.NoError(t, err)

	assert.True(t, quote.Price.Equal(decimal.RequireFromString("1850.12345678")), "got %s", quote.Price)
	assert.EqualValues(t, 8, quote.Decimals)
	assert.Equal(t, 4, quote.NumSources)
	assert.EqualValues(t, 1_700_000_000, quote.LastUpdated.Unix())
}

func TestPriceFeedUnknownAsset(t *testing.T) {
	t.Parallel()

	pf, err := newPriceFeed(&fakeBackend{}, map[common.Address]common.Address{}, zap.NewNop())
	require.NoError(t, err)

	_, err = pf.FetchPrice(context.Background(), collateral)
	assert.Error(t, err)
}

func TestToWadTruncates(t *testing.T) {
	t.Parallel()

	assert.Equal(t, wad(1.5), toWad(decimal.NewFromFloat(1.5)))
	assert.Equal(t, big.NewInt(0), toWad(decimal.Zero))

	// Sub-wei precision is dropped, never rounded up.
	fine := decimal.RequireFromString("1.0000000000000000019")
	expected := new(big.Int).Add(wad(1), big.NewInt(1))
	assert.Equal(t, expected, toWad(fine))
}
