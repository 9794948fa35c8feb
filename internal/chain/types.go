// Package chain defines the engine's view of its on-chain collaborators: the
// pool contract, the ordered event feed, the oracle contract, and the
// flash-loan/DEX bundle submitter. Implementations are injected; the engine
// never talks to an RPC endpoint directly.
package chain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// PositionRef identifies a position within a pool.
type PositionRef struct {
	PoolID          uint64
	CollateralAsset common.Address
	DebtAsset       common.Address
	User            common.Address
}

func (r PositionRef) String() string {
	return fmt.Sprintf("pool %d %s/%s user %s",
		r.PoolID, r.CollateralAsset.Hex(), r.DebtAsset.Hex(), r.User.Hex())
}

// EventKind enumerates position-modifying pool events.
type EventKind int

const (
	EventSupplied EventKind = iota
	EventBorrowed
	EventRepaid
	EventWithdrawn
	EventLiquidated
)

func (k EventKind) String() string {
	switch k {
	case EventSupplied:
		return "supplied"
	case EventBorrowed:
		return "borrowed"
	case EventRepaid:
		return "repaid"
	case EventWithdrawn:
		return "withdrawn"
	case EventLiquidated:
		return "liquidated"
	default:
		return "unknown"
	}
}

// Event is one position-modifying pool event. Deltas are in native units:
// CollateralDelta in collateral shares, DebtDelta in nominal debt. Positive
// deltas add to the position, negative deltas remove from it.
type Event struct {
	Block           uint64
	TxIndex         uint
	LogIndex        uint
	TxHash          common.Hash
	Kind            EventKind
	Ref             PositionRef
	CollateralDelta decimal.Decimal
	DebtDelta       decimal.Decimal
	Timestamp       time.Time
}

// Seq returns the event's chain-order key. Events compare by block, then
// transaction index, then log index.
func (e Event) Seq() Seq {
	return Seq{Block: e.Block, TxIndex: e.TxIndex, LogIndex: e.LogIndex}
}

// Seq is a total order over chain events.
type Seq struct {
	Block    uint64
	TxIndex  uint
	LogIndex uint
}

func (s Seq) Less(other Seq) bool {
	if s.Block != other.Block {
		return s.Block < other.Block
	}
	if s.TxIndex != other.TxIndex {
		return s.TxIndex < other.TxIndex
	}
	return s.LogIndex < other.LogIndex
}

func (s Seq) String() string {
	return fmt.Sprintf("%d/%d/%d", s.Block, s.TxIndex, s.LogIndex)
}

// AssetConfig is the pool's per-asset accounting state. LastRateAccumulator
// only ever increases; it scales nominal debt to real debt as interest accrues.
type AssetConfig struct {
	Asset                 common.Address
	TotalCollateralShares decimal.Decimal
	TotalNominalDebt      decimal.Decimal
	Reserve               decimal.Decimal
	MaxUtilization        decimal.Decimal
	FeeRate               decimal.Decimal
	LastRateAccumulator   decimal.Decimal
	LastUpdated           time.Time
}

// CollateralExchangeRate returns total collateral assets per share, or 1 when
// the pool holds no shares yet.
func (c AssetConfig) CollateralExchangeRate(totalCollateralAssets decimal.Decimal) decimal.Decimal {
	if c.TotalCollateralShares.Sign() <= 0 {
		return decimal.New(1, 0)
	}
	return totalCollateralAssets.DivRound(c.TotalCollateralShares, 36)
}
