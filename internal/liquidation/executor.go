package liquidation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shizukutanaka/seisan/internal/audit"
	"github.com/shizukutanaka/seisan/internal/chain"
)

// State tracks a plan through execution.
// Planned -> Submitted -> Confirmed | Reverted | Superseded, or
// Planned -> Aborted/Discarded when the plan never reaches the chain.
type State int

const (
	StatePlanned State = iota
	StateSubmitted
	StateConfirmed
	StateReverted
	StateSuperseded
	StateAborted
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StatePlanned:
		return "planned"
	case StateSubmitted:
		return "submitted"
	case StateConfirmed:
		return "confirmed"
	case StateReverted:
		return "reverted"
	case StateSuperseded:
		return "superseded"
	case StateAborted:
		return "aborted"
	case StateDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Result is the terminal outcome of executing one plan.
type Result struct {
	Plan    *Plan
	State   State
	Receipt *chain.Receipt
	Record  *audit.Record
}

// ExecutorConfig bounds execution timing.
type ExecutorConfig struct {
	// PlanMaxAge discards plans whose price snapshot has aged out; the
	// position is re-planned from fresh prices on the next tick instead.
	PlanMaxAge time.Duration `mapstructure:"plan_max_age"`

	// SubmitTimeout caps submission plus confirmation wait. A timed-out
	// submission is reported as failed, never assumed successful.
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`

	GasLimit uint64 `mapstructure:"gas_limit"`
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		PlanMaxAge:    30 * time.Second,
		SubmitTimeout: 90 * time.Second,
		GasLimit:      1_500_000,
	}
}

// Executor carries out liquidation plans as single atomic bundles:
// flash-borrow, liquidate, swap, repay, keep the remainder. Nothing is
// pre-funded and nothing partially executes.
type Executor struct {
	lender    chain.FlashLender
	router    chain.SwapRouter
	submitter chain.BundleSubmitter
	records   *audit.Store
	cfg       ExecutorConfig
	logger    *zap.Logger

	mu       sync.Mutex
	inflight map[chain.PositionRef]uuid.UUID

	now func() time.Time
}

func NewExecutor(
	lender chain.FlashLender,
	router chain.SwapRouter,
	submitter chain.BundleSubmitter,
	records *audit.Store,
	cfg ExecutorConfig,
	logger *zap.Logger,
) *Executor {
	return &Executor{
		lender:    lender,
		router:    router,
		submitter: submitter,
		records:   records,
		cfg:       cfg,
		logger:    logger,
		inflight:  make(map[chain.PositionRef]uuid.UUID),
		now:       time.Now,
	}
}

// Execute runs one plan to a terminal state. Plans for a position already
// in flight are rejected so the engine never races itself.
func (e *Executor) Execute(ctx context.Context, plan *Plan) (Result, error) {
	result := Result{Plan: plan, State: StatePlanned}

	if plan.ExpectedProfit.Sign() <= 0 {
		// The planner never produces these; refuse rather than burn gas.
		result.State = StateAborted
		return result, fmt.Errorf("plan %s has non-positive expected profit: %w",
			plan.ID, ErrAborted)
	}

	if !e.acquire(plan) {
		result.State = StateDiscarded
		return result, fmt.Errorf("plan %s for %s: %w", plan.ID, plan.Ref, ErrPlanInFlight)
	}
	defer e.release(plan.Ref)

	if age := e.now().Sub(plan.SnapshotAt); age > e.cfg.PlanMaxAge {
		result.State = StateDiscarded
		return result, fmt.Errorf("plan %s aged %s beyond %s: %w",
			plan.ID, age.Round(time.Millisecond), e.cfg.PlanMaxAge, ErrPlanStale)
	}

	bundle, err := e.prepare(ctx, plan)
	if err != nil {
		result.State = StateAborted
		return result, err
	}

	result.State = StateSubmitted
	e.logger.Info("submitting liquidation bundle",
		zap.String("plan_id", plan.ID.String()),
		zap.String("position", plan.Ref.String()),
		zap.String("debt_to_repay", bundle.DebtToRepay.String()),
		zap.String("min_collateral", bundle.MinCollateralToReceive.String()))

	submitCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()
	receipt, err := e.submitter.Submit(submitCtx, bundle)
	if err != nil {
		result.State = StateReverted
		return result, fmt.Errorf("plan %s: submit: %w: %v", plan.ID, ErrExecutionFailed, err)
	}
	result.Receipt = &receipt

	switch receipt.Status {
	case chain.ReceiptConfirmed:
		rec, err := e.record(ctx, plan, receipt)
		if err != nil {
			// The liquidation happened; a persistence failure must be loud
			// but the execution itself is confirmed.
			result.State = StateConfirmed
			return result, fmt.Errorf("plan %s confirmed but not recorded: %w", plan.ID, err)
		}
		result.State = StateConfirmed
		result.Record = rec
		return result, nil
	case chain.ReceiptAlreadyLiquidated:
		result.State = StateSuperseded
		return result, fmt.Errorf("plan %s: %w", plan.ID, ErrSuperseded)
	default:
		result.State = StateReverted
		return result, fmt.Errorf("plan %s reverted in tx %s: %w",
			plan.ID, receipt.TxHash.Hex(), ErrExecutionFailed)
	}
}

// InFlight reports whether a plan is currently executing for the position.
func (e *Executor) InFlight(ref chain.PositionRef) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[ref]
	return ok
}

// prepare re-quotes fees and the swap before anything touches the chain.
// Quote failures and quotes that no longer cover the repayment abort the plan
// with no on-chain attempt and no cost.
func (e *Executor) prepare(ctx context.Context, plan *Plan) (chain.Bundle, error) {
	fee, err := e.lender.QuoteFee(ctx, plan.Ref.DebtAsset, plan.DebtToRepay)
	if err != nil {
		return chain.Bundle{}, fmt.Errorf("plan %s: flash fee quote: %w: %v", plan.ID, ErrAborted, err)
	}

	swapOut, err := e.router.QuoteSwap(ctx,
		plan.Ref.CollateralAsset, plan.Ref.DebtAsset, plan.MinCollateralToReceive)
	if err != nil {
		return chain.Bundle{}, fmt.Errorf("plan %s: swap quote: %w: %v", plan.ID, ErrAborted, err)
	}

	// The swap of the collateral floor must repay the loan and its fee with
	// something left over, or the bundle would revert anyway.
	required := plan.DebtToRepay.Add(fee)
	if swapOut.LessThanOrEqual(required) {
		return chain.Bundle{}, fmt.Errorf(
			"plan %s: swap would return %s against %s owed: %w",
			plan.ID, swapOut, required, ErrAborted)
	}

	return chain.Bundle{
		Ref:                    plan.Ref,
		DebtToRepay:            plan.DebtToRepay,
		MinCollateralToReceive: plan.MinCollateralToReceive,
		MinSwapOut:             required,
		GasLimit:               e.cfg.GasLimit,
	}, nil
}

func (e *Executor) record(ctx context.Context, plan *Plan, receipt chain.Receipt) (*audit.Record, error) {
	profit := receiptProfit(receipt)
	rec := audit.Record{
		ID:               plan.ID,
		Ref:              plan.Ref,
		Liquidator:       e.submitter.LiquidatorAddress(),
		TxHash:           receipt.TxHash,
		Block:            receipt.Block,
		CollateralSeized: receipt.CollateralSeized,
		DebtRepaid:       receipt.DebtRepaid,
		LiquidationBonus: receipt.DebtRepaid.Mul(plan.BonusRate),
		Profit:           profit,
		Timestamp:        receipt.Timestamp,
	}
	if err := e.records.Append(ctx, rec); err != nil {
		return nil, err
	}
	e.logger.Info("liquidation confirmed",
		zap.String("plan_id", plan.ID.String()),
		zap.String("position", plan.Ref.String()),
		zap.String("tx", receipt.TxHash.Hex()),
		zap.String("collateral_seized", receipt.CollateralSeized.String()),
		zap.String("debt_repaid", receipt.DebtRepaid.String()),
		zap.String("profit", profit.String()))
	return &rec, nil
}

func (e *Executor) acquire(plan *Plan) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[plan.Ref]; busy {
		return false
	}
	e.inflight[plan.Ref] = plan.ID
	return true
}

func (e *Executor) release(ref chain.PositionRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, ref)
}

func receiptProfit(r chain.Receipt) decimal.Decimal {
	// What the swap realised minus the loan, its fee, and gas.
	return r.SwapProceeds.Sub(r.DebtRepaid).Sub(r.FlashFeePaid).Sub(r.GasCost)
}
