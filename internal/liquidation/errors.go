package liquidation

import "errors"

var (
	// Planner rejections. These are business-rule outcomes, not failures:
	// the monitor logs them and moves on.
	ErrNotLiquidatable = errors.New("position is not liquidatable")
	ErrUnprofitable    = errors.New("liquidation would not be profitable")

	// Executor outcomes.
	ErrPlanInFlight = errors.New("a plan for this position is already executing")
	ErrPlanStale    = errors.New("plan is older than its price snapshot allows")
	ErrAborted      = errors.New("execution aborted before submission")
	ErrSuperseded   = errors.New("position was liquidated by a competitor")
	ErrExecutionFailed = errors.New("liquidation transaction reverted")
)
