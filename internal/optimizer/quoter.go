package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mev-protocol/sandwich/internal/amm"
	"github.com/mev-protocol/sandwich/pkg/types"
)

var ErrNoGasQuote = errors.New("optimizer: no WETH pool to price gas")

// GasQuoter converts a wei amount into units of token at a block.
type GasQuoter interface {
	Quote(ctx context.Context, token common.Address, wei *big.Int, block uint64) (*big.Int, error)
}

// StateReader is the slice of the pool registry the quoter needs.
type StateReader interface {
	FindPair(tokenA, tokenB common.Address) (types.PoolMeta, bool)
	StateAt(ctx context.Context, pool common.Address, block uint64) (*types.PoolState, error)
}

// RegistryQuoter prices gas through the token's WETH pool at spot.
type RegistryQuoter struct {
	WETH     common.Address
	Registry StateReader
}

func (q *RegistryQuoter) Quote(ctx context.Context, token common.Address, wei *big.Int, block uint64) (*big.Int, error) {
	if token == q.WETH {
		return new(big.Int).Set(wei), nil
	}
	meta, ok := q.Registry.FindPair(q.WETH, token)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoGasQuote, token.Hex())
	}
	st, err := q.Registry.StateAt(ctx, meta.Address, block)
	if err != nil {
		return nil, err
	}
	rWETH, rToken := st.Reserves(st.Token0 == q.WETH)
	return amm.Quote(wei, rWETH, rToken), nil
}
