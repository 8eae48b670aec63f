// Package executor encodes calldata for the on-chain sandwich executor.
//
// Layout (big-endian, no selector):
//
//	[8]  target block number
//	then one 105-byte record per swap leg:
//	[1]  direction, 1 = token0 in (zeroForOne), 0 = token1 in
//	[20] pool
//	[20] token in
//	[32] amount in
//	[32] amount out
//
// The contract reverts when the block it executes in differs from the header.
package executor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	HeaderSize = 8
	RecordSize = 1 + common.AddressLength + common.AddressLength + 32 + 32
)

var (
	ErrShortCalldata = errors.New("executor: calldata shorter than header")
	ErrRecordLength  = errors.New("executor: trailing bytes do not form whole records")
	ErrNoRecords     = errors.New("executor: no swap records")
	ErrBadDirection  = errors.New("executor: direction byte must be 0 or 1")
	ErrAmountRange   = errors.New("executor: amount does not fit in 256 bits")
)

// Swap is one leg the executor performs against a pool.
type Swap struct {
	ZeroForOne bool
	Pool       common.Address
	TokenIn    common.Address
	AmountIn   *big.Int
	AmountOut  *big.Int
}

// Call is a decoded executor invocation.
type Call struct {
	Block uint64
	Swaps []Swap
}

// Encode packs a call. Amounts must be non-negative and fit in 256 bits.
func Encode(block uint64, swaps ...Swap) ([]byte, error) {
	if len(swaps) == 0 {
		return nil, ErrNoRecords
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(swaps)*RecordSize)
	binary.BigEndian.PutUint64(buf, block)

	for i, s := range swaps {
		if s.AmountIn == nil || s.AmountOut == nil {
			return nil, fmt.Errorf("leg %d: %w", i, ErrAmountRange)
		}
		in, overflow := uint256.FromBig(s.AmountIn)
		if overflow || s.AmountIn.Sign() < 0 {
			return nil, fmt.Errorf("leg %d amount in: %w", i, ErrAmountRange)
		}
		out, overflow := uint256.FromBig(s.AmountOut)
		if overflow || s.AmountOut.Sign() < 0 {
			return nil, fmt.Errorf("leg %d amount out: %w", i, ErrAmountRange)
		}

		var dir byte
		if s.ZeroForOne {
			dir = 1
		}
		buf = append(buf, dir)
		buf = append(buf, s.Pool.Bytes()...)
		buf = append(buf, s.TokenIn.Bytes()...)
		inBytes := in.Bytes32()
		outBytes := out.Bytes32()
		buf = append(buf, inBytes[:]...)
		buf = append(buf, outBytes[:]...)
	}
	return buf, nil
}

// Decode parses executor calldata. It is the exact inverse of Encode.
func Decode(data []byte) (*Call, error) {
	if len(data) < HeaderSize {
		return nil, ErrShortCalldata
	}
	body := data[HeaderSize:]
	if len(body) == 0 {
		return nil, ErrNoRecords
	}
	if len(body)%RecordSize != 0 {
		return nil, ErrRecordLength
	}

	call := &Call{
		Block: binary.BigEndian.Uint64(data[:HeaderSize]),
		Swaps: make([]Swap, 0, len(body)/RecordSize),
	}
	for off := 0; off < len(body); off += RecordSize {
		rec := body[off : off+RecordSize]
		if rec[0] > 1 {
			return nil, ErrBadDirection
		}
		p := 1
		pool := common.BytesToAddress(rec[p : p+common.AddressLength])
		p += common.AddressLength
		token := common.BytesToAddress(rec[p : p+common.AddressLength])
		p += common.AddressLength
		in := new(uint256.Int).SetBytes32(rec[p : p+32])
		p += 32
		out := new(uint256.Int).SetBytes32(rec[p : p+32])

		call.Swaps = append(call.Swaps, Swap{
			ZeroForOne: rec[0] == 1,
			Pool:       pool,
			TokenIn:    token,
			AmountIn:   in.ToBig(),
			AmountOut:  out.ToBig(),
		})
	}
	return call, nil
}

// Front builds the front-run leg: tokenIn into the pool in the victim's direction.
func Front(pool, tokenIn common.Address, zeroForOne bool, amountIn, amountOut *big.Int) Swap {
	return Swap{ZeroForOne: zeroForOne, Pool: pool, TokenIn: tokenIn, AmountIn: amountIn, AmountOut: amountOut}
}

// Back builds the back-run leg, selling tokenOut back through the same pool.
func Back(pool, tokenOut common.Address, zeroForOne bool, amountIn, amountOut *big.Int) Swap {
	return Swap{ZeroForOne: !zeroForOne, Pool: pool, TokenIn: tokenOut, AmountIn: amountIn, AmountOut: amountOut}
}
