package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the number of decimal places of the native currency.
const NativeDecimals = 18

// maxUint256 bounds every amount so it fits an on-chain uint256.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

const (
	// maxAmountLen caps textual amounts before any parsing.
	maxAmountLen = 128
	// uint256Digits is the number of decimal digits in maxUint256.
	uint256Digits = 78
)

// ParseAmount parses a base-unit integer amount ("1000000000000000000").
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("amount is empty")
	}
	if len(s) > maxAmountLen {
		return nil, fmt.Errorf("amount is longer than %d characters", maxAmountLen)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a base-10 integer", s)
	}
	if v.Sign() < 0 || v.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("amount %q out of range", s)
	}
	return v, nil
}

// ParseNative converts a decimal amount of native units ("1.0") to base units.
// Fractions finer than NativeDecimals are rejected rather than rounded.
func ParseNative(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if len(s) > maxAmountLen {
		return nil, fmt.Errorf("native amount is longer than %d characters", maxAmountLen)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid native amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("native amount %q is negative", s)
	}
	if d.IsZero() {
		return new(big.Int), nil
	}
	// Shift and BigInt materialise 10^|exponent|; a non-zero coefficient of at
	// most maxAmountLen digits is out of range or too fine outside these bounds.
	if exp := d.Exponent(); exp > uint256Digits {
		return nil, fmt.Errorf("native amount %q out of range", s)
	} else if exp < -(NativeDecimals + maxAmountLen) {
		return nil, fmt.Errorf("native amount %q has more than %d decimals", s, NativeDecimals)
	}
	shifted := d.Shift(NativeDecimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("native amount %q has more than %d decimals", s, NativeDecimals)
	}
	v := shifted.BigInt()
	if v.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("native amount %q out of range", s)
	}
	return v, nil
}

// FormatNative renders base units as a decimal amount of native units.
func FormatNative(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -NativeDecimals).String()
}
