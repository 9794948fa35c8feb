package chain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// EventSource yields position-modifying events in chain order and supports
// replay from a checkpoint for startup and recovery.
type EventSource interface {
	// Replay streams historical events from the checkpoint block (inclusive)
	// up to the current head, invoking fn for each. Used during startup; the
	// engine is not ready until Replay returns.
	Replay(ctx context.Context, fromBlock uint64, fn func(Event) error) error

	// Subscribe returns a live event feed starting after the given block.
	// The channel is closed when the subscription ends; a non-nil error is
	// then available on the error channel.
	Subscribe(ctx context.Context, afterBlock uint64) (<-chan Event, <-chan error, error)
}

// PriceSource is the oracle contract surface. Implementations fetch a price
// quote with its timestamp and the number of aggregated sources.
type PriceSource interface {
	FetchPrice(ctx context.Context, asset common.Address) (PriceQuote, error)
	Name() string
}

// PriceQuote is a raw oracle reading before validation.
type PriceQuote struct {
	Asset       common.Address
	Price       decimal.Decimal
	Decimals    uint8
	LastUpdated time.Time
	NumSources  int
}

// PoolReader reads pool contract state. Reads are eventually consistent with
// the event stream; callers reconcile rather than trusting either side alone.
type PoolReader interface {
	AssetConfig(ctx context.Context, poolID uint64, asset common.Address) (AssetConfig, error)
	TotalCollateralAssets(ctx context.Context, poolID uint64, asset common.Address) (decimal.Decimal, error)
	CollateralFactor(ctx context.Context, poolID uint64, asset common.Address) (decimal.Decimal, error)
	LiquidationBonus(ctx context.Context, poolID uint64, asset common.Address) (decimal.Decimal, error)
}

// FlashLender quotes the fee for flash-borrowing an asset amount. The borrow
// and repayment themselves happen inside the submitted bundle.
type FlashLender interface {
	QuoteFee(ctx context.Context, asset common.Address, amount decimal.Decimal) (decimal.Decimal, error)
}

// SwapRouter quotes a collateral-to-debt-asset swap. The swap itself happens
// inside the submitted bundle with the quoted minimum enforced on-chain.
type SwapRouter interface {
	QuoteSwap(ctx context.Context, from, to common.Address, amountIn decimal.Decimal) (decimal.Decimal, error)
}

// Bundle is the atomic liquidation transaction: flash-borrow the debt asset,
// call the pool's liquidation entry point, swap seized collateral back into
// the debt asset, repay the loan plus fee, keep the remainder. All steps
// succeed or the whole transaction reverts.
type Bundle struct {
	Ref                    PositionRef
	DebtToRepay            decimal.Decimal
	MinCollateralToReceive decimal.Decimal
	MinSwapOut             decimal.Decimal
	GasLimit               uint64
}

// ReceiptStatus is the terminal outcome of a submitted bundle.
type ReceiptStatus int

const (
	ReceiptConfirmed ReceiptStatus = iota
	ReceiptReverted
	// ReceiptAlreadyLiquidated means the pool rejected the call because the
	// position was closed by a competing liquidator first.
	ReceiptAlreadyLiquidated
)

// Receipt reports the on-chain outcome of a bundle. CollateralSeized is in
// collateral asset units; SwapProceeds, DebtRepaid, FlashFeePaid and GasCost
// are all in debt asset units.
type Receipt struct {
	Status           ReceiptStatus
	TxHash           common.Hash
	Block            uint64
	CollateralSeized decimal.Decimal
	SwapProceeds     decimal.Decimal
	DebtRepaid       decimal.Decimal
	FlashFeePaid     decimal.Decimal
	GasCost          decimal.Decimal
	Timestamp        time.Time
}

// BundleSubmitter signs and submits a liquidation bundle and waits for its
// confirmation. Submission carries the caller's context deadline; a timed-out
// wait is an error, never an assumed success.
type BundleSubmitter interface {
	Submit(ctx context.Context, bundle Bundle) (Receipt, error)
	LiquidatorAddress() common.Address
}
