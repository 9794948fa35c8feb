// Package health computes position health factors and classifies them against
// the protocol's liquidation thresholds.
package health

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shizukutanaka/seisan/internal/chain"
	"github.com/shizukutanaka/seisan/internal/market"
	"github.com/shizukutanaka/seisan/internal/position"
	"github.com/shizukutanaka/seisan/internal/units"
)

// Classification buckets a position by health factor.
type Classification int

const (
	// Unknown means a required price or pool parameter was stale or missing.
	// The position is excluded from liquidation this tick, never guessed at.
	Unknown Classification = iota
	Healthy
	AtRisk
	// Critical is the alerting subset of AtRisk, health factor below 1.05.
	Critical
	Liquidatable
)

func (c Classification) String() string {
	switch c {
	case Healthy:
		return "healthy"
	case AtRisk:
		return "at_risk"
	case Critical:
		return "critical"
	case Liquidatable:
		return "liquidatable"
	default:
		return "unknown"
	}
}

// Classification thresholds.
var (
	healthyThreshold  = decimal.RequireFromString("1.2")
	criticalThreshold = decimal.RequireFromString("1.05")
	liquidationLine   = decimal.RequireFromString("1.0")
)

// Report is the evaluator's verdict on one position.
type Report struct {
	Ref            chain.PositionRef
	Classification Classification

	// HealthFactor is meaningless when Infinite (zero debt) or when the
	// classification is Unknown.
	HealthFactor decimal.Decimal
	Infinite     bool

	CollateralAssets       decimal.Decimal
	DebtAssets             decimal.Decimal
	RiskAdjustedCollateral decimal.Decimal
	Liabilities            decimal.Decimal
	CollateralPrice        decimal.Decimal
	DebtPrice              decimal.Decimal

	// Reason explains an Unknown classification for observability.
	Reason      string
	EvaluatedAt time.Time
}

// IsAtRisk reports whether the position needs operator attention.
func (r Report) IsAtRisk() bool {
	return r.Classification == AtRisk || r.Classification == Critical
}

// Evaluator combines converted balances, prices and collateral factors into a
// health factor.
type Evaluator struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewEvaluator(logger *zap.Logger) *Evaluator {
	return &Evaluator{logger: logger, now: time.Now}
}

// Evaluate computes the health report for one position against a snapshot.
func (e *Evaluator) Evaluate(pos position.Position, snap *market.Snapshot) Report {
	report := Report{Ref: pos.Ref, EvaluatedAt: e.now()}

	collateralParams, ok := snap.Params(market.AssetKey{PoolID: pos.Ref.PoolID, Asset: pos.Ref.CollateralAsset})
	if !ok {
		return e.unknown(report, "collateral pool parameters missing")
	}
	debtParams, ok := snap.Params(market.AssetKey{PoolID: pos.Ref.PoolID, Asset: pos.Ref.DebtAsset})
	if !ok {
		return e.unknown(report, "debt pool parameters missing")
	}

	collateralAssets, err := units.ToAssets(pos.CollateralShares, collateralParams.CollateralRate, units.Collateral)
	if err != nil {
		return e.unknown(report, "collateral conversion: "+err.Error())
	}
	debtAssets, err := units.ToAssets(pos.NominalDebt, debtParams.RateAccumulator, units.Debt)
	if err != nil {
		return e.unknown(report, "debt conversion: "+err.Error())
	}
	report.CollateralAssets = collateralAssets
	report.DebtAssets = debtAssets

	// A position with no debt is healthy no matter what its collateral is
	// worth, and needs no prices to say so.
	if pos.NominalDebt.Sign() == 0 {
		report.Classification = Healthy
		report.Infinite = true
		return report
	}

	collateralPrice, err := snap.Price(pos.Ref.CollateralAsset)
	if err != nil {
		return e.unknown(report, "collateral price: "+err.Error())
	}
	debtPrice, err := snap.Price(pos.Ref.DebtAsset)
	if err != nil {
		return e.unknown(report, "debt price: "+err.Error())
	}
	report.CollateralPrice = collateralPrice.Price
	report.DebtPrice = debtPrice.Price

	report.RiskAdjustedCollateral = collateralAssets.
		Mul(collateralPrice.Price).
		Mul(collateralParams.CollateralFactor)
	report.Liabilities = debtAssets.Mul(debtPrice.Price)

	report.HealthFactor = report.RiskAdjustedCollateral.DivRound(report.Liabilities, units.Precision)
	report.Classification = classify(report.HealthFactor)
	return report
}

func (e *Evaluator) unknown(report Report, reason string) Report {
	report.Classification = Unknown
	report.Reason = reason
	e.logger.Warn("position excluded from evaluation",
		zap.String("position", report.Ref.String()),
		zap.String("reason", reason))
	return report
}

func classify(hf decimal.Decimal) Classification {
	switch {
	case hf.LessThan(liquidationLine):
		return Liquidatable
	case hf.LessThan(criticalThreshold):
		return Critical
	case hf.LessThan(healthyThreshold):
		return AtRisk
	default:
		return Healthy
	}
}
