package units

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// etherDecimals is the number of wei decimal places in one ether.
const etherDecimals = 18

var errNegativeAmount = errors.New("amount must not be negative")

// ParseEther converts a decimal ether string such as "0.1" into wei.
// Fractions finer than one wei are rejected.
func ParseEther(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid ether amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, errNegativeAmount
	}
	wei := d.Shift(etherDecimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("invalid ether amount %q: more than %d decimals", s, etherDecimals)
	}
	return wei.BigInt(), nil
}

// FormatEther renders a wei amount as a decimal ether string.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -etherDecimals).String()
}

// ParseWei parses a base-10 integer string into a non-negative big.Int.
func ParseWei(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	if v.Sign() < 0 {
		return nil, errNegativeAmount
	}
	return v, nil
}
