package utils

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

var decimalPattern = regexp.MustCompile(`^[0-9]+$`)

// ParseAmount parses a non-negative integer amount given as a decimal string.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if !decimalPattern.MatchString(s) {
		return nil, fmt.Errorf("invalid amount %q: expected a decimal integer", s)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return n, nil
}

// ScaleAmount rescales an integer amount between token decimal conventions.
// Scaling down truncates toward zero; bridged dust below the target precision
// is dropped rather than rounded up.
func ScaleAmount(amount *big.Int, fromDecimals, toDecimals int) *big.Int {
	if fromDecimals == toDecimals {
		return new(big.Int).Set(amount)
	}
	diff := toDecimals - fromDecimals
	if diff > 0 {
		factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(diff)), nil)
		return new(big.Int).Mul(amount, factor)
	}
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-diff)), nil)
	return new(big.Int).Quo(amount, factor)
}

// ApplySlippage reduces amount by the given fraction, truncating toward zero.
// A slippage of 0.003 keeps 99.7% of the amount.
func ApplySlippage(amount *big.Int, slippage float64) *big.Int {
	if slippage <= 0 {
		return new(big.Int).Set(amount)
	}
	keepBps := int64((1 - slippage) * 10000)
	if keepBps < 0 {
		keepBps = 0
	}
	out := new(big.Int).Mul(amount, big.NewInt(keepBps))
	return out.Quo(out, big.NewInt(10000))
}
