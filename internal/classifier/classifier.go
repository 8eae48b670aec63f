// Package classifier labels pending transactions as swaps and extracts
// what they trade.
package classifier

import (
	"bytes"
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/mev-protocol/sandwich/internal/dex"
	"github.com/mev-protocol/sandwich/internal/pools"
	"github.com/mev-protocol/sandwich/pkg/types"
)

// Config for the classifier
type Config struct {
	// Routers extends dex.DefaultRouters.
	Routers map[common.Address]dex.Family
	Probe   ProbeConfig
}

// Classifier runs the tiers in order; the first match wins.
type Classifier struct {
	routers map[common.Address]dex.Family
	dir     pools.Directory
	prober  *Prober
}

// New creates a classifier over the pool directory.
func New(cfg Config, dir pools.Directory, code CodeSource) *Classifier {
	routers := make(map[common.Address]dex.Family, len(dex.DefaultRouters)+len(cfg.Routers))
	for a, f := range dex.DefaultRouters {
		routers[a] = f
	}
	for a, f := range cfg.Routers {
		routers[a] = f
	}
	return &Classifier{
		routers: routers,
		dir:     dir,
		prober:  NewProber(cfg.Probe, dir, code),
	}
}

// Routers returns the router table used by tier 1.
func (c *Classifier) Routers() map[common.Address]dex.Family { return c.routers }

// Classify returns the swap intent of tx, or false when tx is Other.
// Decode and probe faults make a transaction Other.
func (c *Classifier) Classify(ctx context.Context, tx *types.PendingTx) (*types.SwapIntent, bool) {
	if tx.To == nil || len(tx.Input) < 4 {
		return nil, false
	}
	to := *tx.To

	// Other router methods, multicall among them, fall through to the
	// bytecode tiers.
	if fam, ok := c.routers[to]; ok && dex.IsSwapSelector(fam, tx.Input) {
		intent, err := c.fromRouter(fam, tx)
		if err != nil {
			log.Debug().Err(err).Str("tx", tx.Hash.Hex()).Msg("Router call not classified")
			return nil, false
		}
		return intent, true
	}

	kind, meta, err := c.prober.Probe(ctx, to)
	if err != nil {
		log.Warn().Err(err).Str("address", to.Hex()).Msg("Contract probe failed")
		return nil, false
	}
	switch kind {
	case KindPool:
		return c.fromPool(meta, tx), true
	case KindRouter:
		return &types.SwapIntent{TxHash: tx.Hash, Tier: types.TierRouterLike, Unresolved: true}, true
	default:
		return nil, false
	}
}

func (c *Classifier) fromRouter(fam dex.Family, tx *types.PendingTx) (*types.SwapIntent, error) {
	call, err := dex.DecodeRouterCall(fam, tx.Input, tx.Value)
	if err != nil {
		return nil, err
	}
	// exactInputSingle trades in a concentrated-liquidity pool, never in
	// the constant-product pair of the same tokens.
	if call.Method == "exactInputSingle" {
		return nil, errConcentrated
	}

	hops := make([]common.Address, call.Hops())
	var first types.PoolMeta
	for i := range hops {
		meta, ok := c.dir.FindPair(call.Path[i], call.Path[i+1])
		if !ok {
			return nil, errUnknownPool
		}
		if i == 0 {
			first = meta
		}
		hops[i] = meta.Address
	}

	return &types.SwapIntent{
		TxHash:       tx.Hash,
		Path:         call.Path,
		Pools:        hops,
		Pool:         first.Address,
		TokenIn:      call.Path[0],
		TokenOut:     call.Path[1],
		ZeroForOne:   first.Token0 == call.Path[0],
		AmountIn:     call.AmountIn,
		MinAmountOut: call.AmountOutMin,
		ExactOut:     call.ExactOut,
		AmountOut:    call.AmountOut,
		AmountInMax:  call.AmountInMax,
		Deadline:     call.Deadline,
		Tier:         types.TierKnownRouter,
	}, nil
}

// fromPool handles calls straight into a pair. Only swap() carries a
// direction; any other call is left for the resolver.
func (c *Classifier) fromPool(meta types.PoolMeta, tx *types.PendingTx) *types.SwapIntent {
	intent := &types.SwapIntent{
		TxHash: tx.Hash,
		Path:   []common.Address{meta.Token0, meta.Token1},
		Pools:  []common.Address{meta.Address},
		Pool:   meta.Address,
		Tier:   types.TierPoolLike,
	}
	if !bytes.Equal(tx.Selector(), dex.PairSwapSelector[:]) {
		intent.Unresolved = true
		return intent
	}
	ps, err := dex.DecodePairSwap(tx.Input)
	if err != nil {
		intent.Unresolved = true
		return intent
	}
	intent.ZeroForOne = ps.ZeroForOne()
	intent.ExactOut = true
	if intent.ZeroForOne {
		intent.TokenIn, intent.TokenOut = meta.Token0, meta.Token1
		intent.AmountOut = ps.Amount1Out
	} else {
		intent.Path = []common.Address{meta.Token1, meta.Token0}
		intent.TokenIn, intent.TokenOut = meta.Token1, meta.Token0
		intent.AmountOut = ps.Amount0Out
	}
	return intent
}

type classifyError string

func (e classifyError) Error() string { return string(e) }

const (
	errUnknownPool  classifyError = "hop pool not in directory"
	errConcentrated classifyError = "concentrated-liquidity swap"
)
