// Package liquidation decides what to do about an unhealthy position and
// carries it out: the Planner computes full or partial liquidation amounts and
// the profit they would yield, the Executor submits the atomic flash-loan
// bundle and records the outcome.
package liquidation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shizukutanaka/seisan/internal/chain"
	"github.com/shizukutanaka/seisan/internal/health"
	"github.com/shizukutanaka/seisan/internal/market"
	"github.com/shizukutanaka/seisan/internal/units"
)

// Kind distinguishes closing the whole debt from restoring health.
type Kind int

const (
	Full Kind = iota
	Partial
)

func (k Kind) String() string {
	if k == Full {
		return "full"
	}
	return "partial"
}

// Plan is an immutable liquidation decision. If market state moves after a
// plan is made, it is re-derived, never mutated.
type Plan struct {
	ID   uuid.UUID
	Ref  chain.PositionRef
	Kind Kind

	// DebtToRepay is in debt asset units, MinCollateralToReceive in
	// collateral asset units.
	DebtToRepay            decimal.Decimal
	MinCollateralToReceive decimal.Decimal

	// ExpectedProfit is in debt asset units, net of the flash-loan fee and
	// the gas estimate.
	ExpectedProfit decimal.Decimal

	BonusRate    decimal.Decimal
	HealthFactor decimal.Decimal
	SnapshotAt   time.Time
	CreatedAt    time.Time
}

// PlannerConfig holds the operator's economics.
type PlannerConfig struct {
	// TargetHealth is the post-liquidation health factor a partial
	// liquidation aims for, just above the liquidation line.
	TargetHealth decimal.Decimal `mapstructure:"target_health"`

	// SlippageTolerance shaves the collateral floor passed on-chain.
	SlippageTolerance decimal.Decimal `mapstructure:"slippage_tolerance"`

	// MinProfit is the smallest acceptable expected profit, in debt asset
	// units. Plans below it are not produced.
	MinProfit decimal.Decimal `mapstructure:"min_profit"`

	// FlashLoanFeeRate estimates the flash lender's fee on the borrow.
	FlashLoanFeeRate decimal.Decimal `mapstructure:"flash_loan_fee_rate"`

	// GasCostEstimate is the expected execution cost in debt asset units.
	GasCostEstimate decimal.Decimal `mapstructure:"gas_cost_estimate"`

	// DustThreshold promotes a partial liquidation to full when it would
	// leave less residual debt than this, in debt asset units.
	DustThreshold decimal.Decimal `mapstructure:"dust_threshold"`

	// EnablePartial turns partial liquidation on for pools that support it.
	EnablePartial bool `mapstructure:"enable_partial"`
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		TargetHealth:      decimal.RequireFromString("1.001"),
		SlippageTolerance: decimal.RequireFromString("0.005"),
		MinProfit:         decimal.Zero,
		FlashLoanFeeRate:  decimal.RequireFromString("0.0009"),
		GasCostEstimate:   decimal.RequireFromString("15"),
		DustThreshold:     decimal.RequireFromString("100"),
		EnablePartial:     true,
	}
}

// Planner turns liquidatable health reports into executable plans.
type Planner struct {
	cfg    PlannerConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewPlanner(cfg PlannerConfig, logger *zap.Logger) *Planner {
	return &Planner{cfg: cfg, logger: logger, now: time.Now}
}

// Plan computes the liquidation for a position already classified as
// liquidatable. It returns ErrNotLiquidatable for anything else and
// ErrUnprofitable when the numbers do not clear the operator's margin; both
// mean "no plan", not failure.
func (p *Planner) Plan(report health.Report, snap *market.Snapshot) (*Plan, error) {
	if report.Classification != health.Liquidatable {
		return nil, fmt.Errorf("%s is %s: %w",
			report.Ref, report.Classification, ErrNotLiquidatable)
	}
	if report.DebtAssets.Sign() <= 0 {
		return nil, fmt.Errorf("%s has no debt: %w", report.Ref, ErrNotLiquidatable)
	}

	collateralParams, ok := snap.Params(market.AssetKey{PoolID: report.Ref.PoolID, Asset: report.Ref.CollateralAsset})
	if !ok {
		return nil, fmt.Errorf("%s: collateral pool parameters missing: %w",
			report.Ref, ErrNotLiquidatable)
	}
	bonus := collateralParams.LiquidationBonus

	kind := Full
	debtToRepay := report.DebtAssets
	if p.cfg.EnablePartial {
		if partial, ok := p.partialRepayAmount(report, collateralParams); ok {
			kind = Partial
			debtToRepay = partial
		}
	}

	// Value flows, in the quote currency.
	repayValue := debtToRepay.Mul(report.DebtPrice)
	seizedValue := repayValue.Mul(decimal.New(1, 0).Add(bonus))

	collateralToReceive := seizedValue.DivRound(report.CollateralPrice, units.Precision)
	// The pool cannot hand over more collateral than the position holds.
	if collateralToReceive.GreaterThan(report.CollateralAssets) {
		collateralToReceive = report.CollateralAssets
	}
	minCollateral := collateralToReceive.
		Mul(decimal.New(1, 0).Sub(p.cfg.SlippageTolerance)).
		RoundDown(units.Precision)

	flashFee := repayValue.Mul(p.cfg.FlashLoanFeeRate)
	gas := p.cfg.GasCostEstimate.Mul(report.DebtPrice)
	floorValue := minCollateral.Mul(report.CollateralPrice)
	profitValue := floorValue.Sub(repayValue).Sub(flashFee).Sub(gas)
	profit := profitValue.DivRound(report.DebtPrice, units.Precision)

	if profit.LessThanOrEqual(p.cfg.MinProfit) {
		return nil, fmt.Errorf("%s: expected profit %s <= minimum %s: %w",
			report.Ref, profit, p.cfg.MinProfit, ErrUnprofitable)
	}

	plan := &Plan{
		ID:                     uuid.New(),
		Ref:                    report.Ref,
		Kind:                   kind,
		DebtToRepay:            debtToRepay,
		MinCollateralToReceive: minCollateral,
		ExpectedProfit:         profit,
		BonusRate:              bonus,
		HealthFactor:           report.HealthFactor,
		SnapshotAt:             snap.TakenAt,
		CreatedAt:              p.now(),
	}

	p.logger.Info("liquidation planned",
		zap.String("plan_id", plan.ID.String()),
		zap.String("position", plan.Ref.String()),
		zap.String("kind", plan.Kind.String()),
		zap.String("debt_to_repay", plan.DebtToRepay.String()),
		zap.String("min_collateral", plan.MinCollateralToReceive.String()),
		zap.String("expected_profit", plan.ExpectedProfit.String()),
		zap.String("health_factor", plan.HealthFactor.String()))
	return plan, nil
}

// partialRepayAmount solves for the debt repayment that lifts the health
// factor back to the target. Repaying value L cuts liabilities by L and
// risk-adjusted collateral by L*(1+bonus)*collateralFactor, so with target t:
//
//	L = (t*liabilities - riskAdjustedCollateral) / (t - (1+bonus)*collateralFactor)
//
// Returns false when a partial cannot work: the denominator is non-positive
// (the bonus outruns the collateral factor), the amount clamps to the whole
// debt, or the residual debt would be dust.
func (p *Planner) partialRepayAmount(report health.Report, params market.Params) (decimal.Decimal, bool) {
	t := p.cfg.TargetHealth
	liquidationFactor := decimal.New(1, 0).Add(params.LiquidationBonus).Mul(params.CollateralFactor)
	denom := t.Sub(liquidationFactor)
	if denom.Sign() <= 0 {
		return decimal.Zero, false
	}

	repayValue := t.Mul(report.Liabilities).
		Sub(report.RiskAdjustedCollateral).
		DivRound(denom, units.Precision)
	repay := repayValue.DivRound(report.DebtPrice, units.Precision)

	if repay.Sign() <= 0 {
		return decimal.Zero, false
	}
	if repay.GreaterThanOrEqual(report.DebtAssets) {
		return decimal.Zero, false
	}
	if report.DebtAssets.Sub(repay).LessThan(p.cfg.DustThreshold) {
		return decimal.Zero, false
	}
	return repay, true
}
