package types

import (
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	// Ether is 1e18 wei.
	Ether = big.NewInt(1e18)
	// Gwei is 1e9 wei.
	Gwei = big.NewInt(1e9)
)

// FormatEther renders a wei amount in ether for logs and the journal.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -18).String()
}

// ParseEther converts an ether string (e.g. "0.02") to wei.
func ParseEther(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return d.Shift(18).BigInt(), nil
}

// EtherToWei converts a float ether amount, for tests and defaults.
func EtherToWei(eth float64) *big.Int {
	return decimal.NewFromFloat(eth).Shift(18).BigInt()
}
