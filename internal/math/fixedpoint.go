package math

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

// AmountConfig is the precision of every raffle amount (fees, prices, payments).
var AmountConfig = DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000}

var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

// MulChecked returns a*b and false if the product does not fit in int64.
func MulChecked(a, b int64) (int64, bool) {
	x := getInt128()
	y := getInt128()
	defer putInt128(x)
	defer putInt128(y)

	x.SetInt64(a)
	y.SetInt64(b)
	x.Mul(x, y)
	if !x.IsInt64() {
		return 0, false
	}
	return x.Int64(), true
}

// AddChecked returns a+b and false on overflow.
func AddChecked(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

// ParseDecimal converts a decimal string ("0.75") to fixed-point units.
// Digits beyond the configured precision are rejected rather than rounded.
func ParseDecimal(s string, cfg DecimalConfig) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}

	intPart, fracPart, _ := strings.Cut(s, ".")
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > cfg.DecimalPrecision {
		return 0, fmt.Errorf("amount %q exceeds %d decimal places", s, cfg.DecimalPrecision)
	}
	fracPart += strings.Repeat("0", cfg.DecimalPrecision-len(fracPart))

	v, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("amount %q overflows", s)
	}

	out := v.Int64()
	if neg {
		out = -out
	}
	return out, nil
}

// FormatDecimal renders fixed-point units with trailing zeros trimmed.
func FormatDecimal(v int64, cfg DecimalConfig) string {
	sign := ""
	u := new(big.Int).SetInt64(v)
	if v < 0 {
		sign = "-"
		u.Neg(u)
	}

	q, r := new(big.Int).QuoRem(u, big.NewInt(cfg.Scale), new(big.Int))
	if r.Sign() == 0 {
		return sign + q.String()
	}

	frac := r.String()
	frac = strings.Repeat("0", cfg.DecimalPrecision-len(frac)) + frac
	return sign + q.String() + "." + strings.TrimRight(frac, "0")
}
