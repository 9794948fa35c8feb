package position

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shizukutanaka/seisan/internal/chain"
)

var testRef = chain.PositionRef{
	PoolID:          1,
	CollateralAsset: common.HexToAddress("0xaa"),
	DebtAsset:       common.HexToAddress("0xbb"),
	User:            common.HexToAddress("0xcc"),
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func event(block uint64, txIdx uint, kind chain.EventKind, collDelta, debtDelta string) chain.Event {
	return chain.Event{
		Block:           block,
		TxIndex:         txIdx,
		Kind:            kind,
		Ref:             testRef,
		CollateralDelta: dec(collDelta),
		DebtDelta:       dec(debtDelta),
		Timestamp:       time.Unix(int64(block)*12, 0),
	}
}

func TestApplyEventLifecycle(t *testing.T) {
	t.Parallel()

	s := NewStore(zap.NewNop())

	require.NoError(t, s.ApplyEvent(event(100, 0, chain.EventSupplied, "1.5", "0")))
	require.NoError(t, s.ApplyEvent(event(101, 0, chain.EventBorrowed, "0", "2100")))

	pos, ok := s.Get(testRef)
	require.True(t, ok)
	assert.True(t, pos.CollateralShares.Equal(dec("1.5")))
	assert.True(t, pos.NominalDebt.Equal(dec("2100")))

	require.NoError(t, s.ApplyEvent(event(102, 0, chain.EventRepaid, "0", "-2100")))
	require.NoError(t, s.ApplyEvent(event(103, 0, chain.EventWithdrawn, "-1.5", "0")))

	// Fully repaid and withdrawn: gone from the active index.
	_, ok = s.Get(testRef)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, uint64(103), s.Checkpoint())
}

func TestApplyEventRejectsOutOfOrder(t *testing.T) {
	t.Parallel()

	s := NewStore(zap.NewNop())
	require.NoError(t, s.ApplyEvent(event(100, 3, chain.EventSupplied, "1", "0")))

	// Same block, lower tx index.
	err := s.ApplyEvent(event(100, 1, chain.EventBorrowed, "0", "10"))
	assert.ErrorIs(t, err, ErrOutOfOrder)

	// Lower block.
	err = s.ApplyEvent(event(99, 0, chain.EventBorrowed, "0", "10"))
	assert.ErrorIs(t, err, ErrOutOfOrder)

	// Duplicate of the last applied event.
	err = s.ApplyEvent(event(100, 3, chain.EventSupplied, "1", "0"))
	assert.ErrorIs(t, err, ErrOutOfOrder)

	// The position is untouched and the events are queued, not applied.
	pos, ok := s.Get(testRef)
	require.True(t, ok)
	assert.True(t, pos.CollateralShares.Equal(dec("1")))
	assert.True(t, pos.NominalDebt.IsZero())
	assert.Len(t, s.Rejected(), 3)

	_, rejected := s.Counters()
	assert.Equal(t, uint64(3), rejected)
}

func TestApplyEventRejectsNegativeBalance(t *testing.T) {
	t.Parallel()

	s := NewStore(zap.NewNop())
	require.NoError(t, s.ApplyEvent(event(100, 0, chain.EventSupplied, "1", "0")))

	err := s.ApplyEvent(event(101, 0, chain.EventWithdrawn, "-2", "0"))
	assert.ErrorIs(t, err, ErrNegativeBalance)
}

func TestApplyOrderedSortsBatch(t *testing.T) {
	t.Parallel()

	s := NewStore(zap.NewNop())
	batch := []chain.Event{
		event(101, 0, chain.EventBorrowed, "0", "500"),
		event(100, 0, chain.EventSupplied, "2", "0"),
		event(100, 1, chain.EventBorrowed, "0", "100"),
	}
	require.NoError(t, s.ApplyOrdered(batch))

	pos, ok := s.Get(testRef)
	require.True(t, ok)
	assert.True(t, pos.CollateralShares.Equal(dec("2")))
	assert.True(t, pos.NominalDebt.Equal(dec("600")))
}

type replaySource struct {
	events []chain.Event
}

func (r *replaySource) Replay(_ context.Context, fromBlock uint64, fn func(chain.Event) error) error {
	for _, ev := range r.events {
		if ev.Block < fromBlock {
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func (r *replaySource) Subscribe(context.Context, uint64) (<-chan chain.Event, <-chan error, error) {
	ch := make(chan chain.Event)
	close(ch)
	return ch, make(chan error, 1), nil
}

func TestLoadReplaysBeforeReady(t *testing.T) {
	t.Parallel()

	s := NewStore(zap.NewNop())

	// Not ready: snapshots refused.
	_, err := s.Snapshot()
	assert.ErrorIs(t, err, ErrNotReady)

	src := &replaySource{events: []chain.Event{
		event(100, 0, chain.EventSupplied, "1.5", "0"),
		event(101, 0, chain.EventBorrowed, "0", "2100"),
	}}
	require.NoError(t, s.Load(context.Background(), src, 0))
	assert.True(t, s.Ready())

	snap, err := s.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.True(t, snap[0].NominalDebt.Equal(dec("2100")))
}

func TestPositionsForPool(t *testing.T) {
	t.Parallel()

	s := NewStore(zap.NewNop())
	require.NoError(t, s.ApplyEvent(event(100, 0, chain.EventSupplied, "1", "0")))

	other := event(100, 1, chain.EventSupplied, "3", "0")
	other.Ref.PoolID = 2
	require.NoError(t, s.ApplyEvent(other))

	assert.Len(t, s.PositionsForPool(1), 1)
	assert.Len(t, s.PositionsForPool(2), 1)
	assert.Len(t, s.PositionsForPool(3), 0)
}
