// Package units converts between real token amounts ("assets") and the
// protocol's internal accounting units ("native": collateral shares and
// nominal debt). All quantities are decimals; float64 is never used for money.
package units

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Precision is the number of fractional digits carried by every conversion.
// It matches the 18-decimal fixed point used by the protocol contracts.
const Precision = 18

var (
	ErrInvalidRate   = errors.New("rate must be positive")
	ErrNegativeValue = errors.New("value must not be negative")
)

// Denomination tags an Amount as real token units or internal units.
type Denomination int

const (
	Assets Denomination = iota
	Native
)

func (d Denomination) String() string {
	if d == Assets {
		return "assets"
	}
	return "native"
}

// Kind selects the conversion rule. Collateral converts through the share
// exchange rate, debt through the interest rate accumulator.
type Kind int

const (
	Collateral Kind = iota
	Debt
)

func (k Kind) String() string {
	if k == Collateral {
		return "collateral"
	}
	return "debt"
}

// Amount is a signed quantity with an explicit denomination. Positive values
// are deposits/borrows, negative values withdrawals/repayments.
type Amount struct {
	Value decimal.Decimal
	Denom Denomination
}

func NewAmount(value decimal.Decimal, denom Denomination) Amount {
	return Amount{Value: value, Denom: denom}
}

func (a Amount) IsZero() bool { return a.Value.IsZero() }

func (a Amount) String() string {
	return fmt.Sprintf("%s %s", a.Value.String(), a.Denom)
}

// ToNative converts an asset amount into native units at the given rate.
// Rounding always favours the protocol: collateral shares credited to a user
// round down, nominal debt charged to a user rounds up.
func ToNative(assets decimal.Decimal, rate decimal.Decimal, kind Kind) (decimal.Decimal, error) {
	if rate.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("to native (%s): %w", kind, ErrInvalidRate)
	}
	if assets.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("to native (%s): %w", kind, ErrNegativeValue)
	}
	q := assets.DivRound(rate, Precision+2)
	if kind == Collateral {
		return q.RoundDown(Precision), nil
	}
	return q.RoundUp(Precision), nil
}

// ToAssets converts native units back into asset amounts at the given rate.
// Collateral paid out to a user rounds down, debt owed by a user rounds up.
func ToAssets(native decimal.Decimal, rate decimal.Decimal, kind Kind) (decimal.Decimal, error) {
	if rate.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("to assets (%s): %w", kind, ErrInvalidRate)
	}
	if native.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("to assets (%s): %w", kind, ErrNegativeValue)
	}
	p := native.Mul(rate)
	if kind == Collateral {
		return p.RoundDown(Precision), nil
	}
	return p.RoundUp(Precision), nil
}
