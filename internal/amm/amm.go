// Package amm implements constant-product pool math on big integers.
package amm

import (
	"errors"
	"math/big"
)

const bpsDenom = 10_000

var (
	ErrZeroAmount            = errors.New("amm: zero amount")
	ErrInsufficientLiquidity = errors.New("amm: insufficient liquidity")
	ErrBadFee                = errors.New("amm: fee out of range")

	bigBps = big.NewInt(bpsDenom)
)

func feeFactor(feeBps uint32) (*big.Int, error) {
	if feeBps >= bpsDenom {
		return nil, ErrBadFee
	}
	return big.NewInt(int64(bpsDenom - feeBps)), nil
}

// AmountOut returns the output for amountIn against (reserveIn, reserveOut),
// rounding down as the pair contract does.
func AmountOut(amountIn, reserveIn, reserveOut *big.Int, feeBps uint32) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, ErrInsufficientLiquidity
	}
	f, err := feeFactor(feeBps)
	if err != nil {
		return nil, err
	}
	inWithFee := new(big.Int).Mul(amountIn, f)
	num := new(big.Int).Mul(inWithFee, reserveOut)
	den := new(big.Int).Mul(reserveIn, bigBps)
	den.Add(den, inWithFee)
	return num.Quo(num, den), nil
}

// AmountIn returns the minimum input that yields amountOut, rounding up.
func AmountIn(amountOut, reserveIn, reserveOut *big.Int, feeBps uint32) (*big.Int, error) {
	if amountOut == nil || amountOut.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if reserveIn.Sign() <= 0 || amountOut.Cmp(reserveOut) >= 0 {
		return nil, ErrInsufficientLiquidity
	}
	f, err := feeFactor(feeBps)
	if err != nil {
		return nil, err
	}
	num := new(big.Int).Mul(reserveIn, amountOut)
	num.Mul(num, bigBps)
	den := new(big.Int).Sub(reserveOut, amountOut)
	den.Mul(den, f)
	num.Quo(num, den)
	return num.Add(num, big.NewInt(1)), nil
}

// AmountsOut walks a multi-hop path. reserves[i] is (in, out) for hop i.
func AmountsOut(amountIn *big.Int, reserves [][2]*big.Int, fees []uint32) ([]*big.Int, error) {
	amounts := make([]*big.Int, len(reserves)+1)
	amounts[0] = amountIn
	for i, r := range reserves {
		out, err := AmountOut(amounts[i], r[0], r[1], fees[i])
		if err != nil {
			return nil, err
		}
		amounts[i+1] = out
	}
	return amounts, nil
}

// AmountsIn walks a multi-hop path backwards from amountOut.
func AmountsIn(amountOut *big.Int, reserves [][2]*big.Int, fees []uint32) ([]*big.Int, error) {
	amounts := make([]*big.Int, len(reserves)+1)
	amounts[len(reserves)] = amountOut
	for i := len(reserves) - 1; i >= 0; i-- {
		in, err := AmountIn(amounts[i+1], reserves[i][0], reserves[i][1], fees[i])
		if err != nil {
			return nil, err
		}
		amounts[i] = in
	}
	return amounts, nil
}

// PriceImpactBps is the fee-free execution price shortfall versus spot for
// a trade of amountIn into reserveIn: amountIn / (reserveIn + amountIn).
func PriceImpactBps(amountIn, reserveIn *big.Int) uint64 {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return 0
	}
	den := new(big.Int).Add(reserveIn, amountIn)
	num := new(big.Int).Mul(amountIn, bigBps)
	return num.Quo(num, den).Uint64()
}

// Quote converts amount at the spot price of (reserveIn, reserveOut).
func Quote(amount, reserveIn, reserveOut *big.Int) *big.Int {
	if amount == nil || reserveIn.Sign() <= 0 {
		return new(big.Int)
	}
	q := new(big.Int).Mul(amount, reserveOut)
	return q.Quo(q, reserveIn)
}

// ApplyBps returns amount * bps / 10000.
func ApplyBps(amount *big.Int, bps uint64) *big.Int {
	r := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return r.Quo(r, bigBps)
}

// CheckK reports whether a swap leaving (balance0, balance1) after inputs
// (in0, in1) preserves the fee-adjusted invariant of (reserve0, reserve1).
func CheckK(balance0, balance1, in0, in1, reserve0, reserve1 *big.Int, feeBps uint32) bool {
	fee := big.NewInt(int64(feeBps))
	b0 := new(big.Int).Mul(balance0, bigBps)
	b0.Sub(b0, new(big.Int).Mul(in0, fee))
	b1 := new(big.Int).Mul(balance1, bigBps)
	b1.Sub(b1, new(big.Int).Mul(in1, fee))
	if b0.Sign() < 0 || b1.Sign() < 0 {
		return false
	}
	req := new(big.Int).Mul(reserve0, reserve1)
	req.Mul(req, new(big.Int).Mul(bigBps, bigBps))
	return b0.Mul(b0, b1).Cmp(req) >= 0
}
