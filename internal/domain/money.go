package domain

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// MicrosPerUSD is the number of microdollars in one US dollar.
const MicrosPerUSD = 1_000_000

// Micros is an amount in microdollars. Ledger and lease arithmetic is integer-only.
type Micros int64

// MicrosFromUSD converts a wire amount to microdollars, rounding half away from zero.
func MicrosFromUSD(usd float64) Micros {
	return Micros(decimal.NewFromFloat(usd).Shift(6).Round(0).IntPart())
}

// USD returns the amount as a float for wire encoding.
func (m Micros) USD() float64 {
	f, _ := decimal.New(int64(m), -6).Float64()
	return f
}

// String renders the amount with six decimals, e.g. "9.950000".
func (m Micros) String() string {
	return decimal.New(int64(m), -6).StringFixed(6)
}

// ParseMicros parses an integer microdollar string as stored in the ledger.
func ParseMicros(s string) (Micros, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return Micros(v), nil
}

// Format renders the raw integer for storage.
func (m Micros) Format() string {
	return strconv.FormatInt(int64(m), 10)
}

// Min returns the smaller of a and b.
func Min(a, b Micros) Micros {
	if a < b {
		return a
	}
	return b
}
