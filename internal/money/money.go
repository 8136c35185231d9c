// Package money provides the single fixed-point decimal representation used
// for every capital amount in the engine. Floating point must never appear
// in balance arithmetic (see spec §9): this package is the only place a
// shopspring/decimal.Decimal is constructed from an external representation.
package money

import (
	"database/sql/driver"
	"fmt"

	"github.com/shopspring/decimal"
)

// InternalScale is the precision balances are stored and computed at
// internally. Display/persisted amounts use Scale (>=2); InternalScale gives
// headroom for percentage and fee math without repeated rounding.
const (
	Scale         = 2
	InternalScale = 6
)

func init() {
	decimal.DivisionPrecision = InternalScale
}

// Amount is a non-negative-by-convention fixed point decimal. Negativity is
// enforced by callers at the point balances are applied (see internal/ledger),
// not by this type, because signed deltas are legitimate intermediate values.
type Amount struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Amount{d: decimal.Zero}

// New builds an Amount from a decimal string. Returns an error for malformed
// input so callers can surface lpceerr.ValidationError.
func New(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("money: invalid amount %q: %w", s, err)
	}
	return Amount{d: d}, nil
}

// MustNew is New but panics on error; reserved for literal constants (tests,
// defaults), never for values derived from external input.
func MustNew(s string) Amount {
	a, err := New(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromInt builds an Amount representing a whole-unit integer, e.g.
// FromInt(50000) == 50000.00.
func FromInt(i int64) Amount {
	return Amount{d: decimal.NewFromInt(i)}
}

// FromFloat exists only for test fixtures and config defaults expressed as
// Go numeric literals; never call this with a value derived from user input
// or a monetary computation.
func FromFloat(f float64) Amount {
	return Amount{d: decimal.NewFromFloat(f)}
}

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }
func (a Amount) Sub(b Amount) Amount { return Amount{d: a.d.Sub(b.d)} }

// Mul multiplies by a dimensionless decimal factor (e.g. a percentage / 100).
func (a Amount) Mul(b Amount) Amount { return Amount{d: a.d.Mul(b.d)} }

// Div divides by a dimensionless decimal divisor.
func (a Amount) Div(b Amount) Amount { return Amount{d: a.d.Div(b.d)} }

// Neg returns the additive inverse.
func (a Amount) Neg() Amount { return Amount{d: a.d.Neg()} }

// Cmp returns -1, 0, 1 per decimal.Decimal.Cmp semantics.
func (a Amount) Cmp(b Amount) int { return a.d.Cmp(b.d) }

func (a Amount) IsZero() bool     { return a.d.IsZero() }
func (a Amount) IsNegative() bool { return a.d.Sign() < 0 }
func (a Amount) IsPositive() bool { return a.d.Sign() > 0 }

func (a Amount) GreaterThan(b Amount) bool        { return a.d.GreaterThan(b.d) }
func (a Amount) GreaterThanOrEqual(b Amount) bool { return a.d.GreaterThanOrEqual(b.d) }
func (a Amount) LessThan(b Amount) bool           { return a.d.LessThan(b.d) }
func (a Amount) LessThanOrEqual(b Amount) bool    { return a.d.LessThanOrEqual(b.d) }

// Max returns the greater of a and b.
func Max(a, b Amount) Amount {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Min returns the lesser of a and b.
func Min(a, b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Pct returns a*(pct/100), rounded to InternalScale using banker's rounding
// (round-half-to-even), per spec §6/§9.
func (a Amount) Pct(pct decimal.Decimal) Amount {
	hundred := decimal.NewFromInt(100)
	return Amount{d: a.d.Mul(pct).DivRound(hundred, InternalScale)}
}

// RoundToScale rounds to the externally-persisted scale using banker's
// rounding, for display and for values written to the ledger.
func (a Amount) RoundToScale() Amount {
	return Amount{d: a.d.RoundBank(Scale)}
}

func (a Amount) String() string { return a.RoundToScale().d.StringFixed(Scale) }

// Decimal exposes the underlying decimal for callers that need
// library-specific operations (e.g. percentiles in internal/performance).
func (a Amount) Decimal() decimal.Decimal { return a.d }

// FromDecimal wraps an already-computed decimal.Decimal value.
func FromDecimal(d decimal.Decimal) Amount { return Amount{d: d} }

// Value implements driver.Valuer for pgx/database-sql parameter binding.
func (a Amount) Value() (driver.Value, error) {
	return a.RoundToScale().d.StringFixed(Scale), nil
}

// Scan implements sql.Scanner so Amount can be read directly out of pgx rows.
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		a.d = decimal.Zero
		return nil
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return err
		}
		a.d = d
		return nil
	case []byte:
		d, err := decimal.NewFromString(string(v))
		if err != nil {
			return err
		}
		a.d = d
		return nil
	case float64:
		a.d = decimal.NewFromFloat(v)
		return nil
	default:
		return fmt.Errorf("money: unsupported scan source %T", src)
	}
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.RoundToScale().d.StringFixed(Scale) + `"`), nil
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("money: invalid JSON amount %q: %w", s, err)
	}
	a.d = d
	return nil
}
