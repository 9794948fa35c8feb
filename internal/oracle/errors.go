package oracle

import "errors"

// Oracle errors. ErrUnavailable and ErrStalePrice are recoverable: the caller
// skips the affected position for the current tick and retries on the next.
var (
	ErrUnavailable   = errors.New("oracle unavailable")
	ErrStalePrice    = errors.New("price data is stale")
	ErrTooFewSources = errors.New("price aggregated from too few sources")
	ErrInvalidPrice  = errors.New("price is not positive")
)
