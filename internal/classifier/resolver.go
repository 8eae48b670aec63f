package classifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/mev-protocol/sandwich/internal/amm"
	"github.com/mev-protocol/sandwich/internal/pools"
	"github.com/mev-protocol/sandwich/pkg/types"
)

var ErrNotSwap = errors.New("classifier: replay shows no swap through a known pool")

// Tracer replays a pending transaction at a block and returns its logs.
type Tracer interface {
	TraceCallLogs(ctx context.Context, tx *types.PendingTx, block uint64) ([]gethtypes.Log, error)
}

// Resolver fills in unresolved intents by replaying the transaction and
// reading the Swap logs of directory pools.
type Resolver struct {
	dir    pools.Directory
	tracer Tracer
	// slippageBps is assumed for the victim's minimum output, which a
	// replay cannot reveal.
	slippageBps uint64
}

// NewResolver creates a resolver.
func NewResolver(dir pools.Directory, tracer Tracer, assumedSlippageBps uint64) *Resolver {
	if assumedSlippageBps == 0 || assumedSlippageBps >= 10_000 {
		assumedSlippageBps = 50
	}
	return &Resolver{dir: dir, tracer: tracer, slippageBps: assumedSlippageBps}
}

// Resolve replays tx at block and returns a resolved copy of intent.
func (r *Resolver) Resolve(ctx context.Context, intent *types.SwapIntent, tx *types.PendingTx, block uint64) (*types.SwapIntent, error) {
	logs, err := r.tracer.TraceCallLogs(ctx, tx, block)
	if err != nil {
		return nil, fmt.Errorf("trace %s: %w", tx.Hash.Hex(), err)
	}
	return r.fromLogs(intent, logs, block)
}

func (r *Resolver) fromLogs(intent *types.SwapIntent, logs []gethtypes.Log, block uint64) (*types.SwapIntent, error) {
	var (
		path  []common.Address
		hops  []common.Address
		first pools.SwapLog
		last  pools.SwapLog
		metas []types.PoolMeta
	)
	for _, l := range logs {
		s, ok := pools.DecodeSwap(l)
		if !ok {
			continue
		}
		meta, ok := r.dir.Lookup(s.Pool)
		if !ok {
			continue
		}
		tokenIn, tokenOut := meta.Token1, meta.Token0
		if s.ZeroForOne() {
			tokenIn, tokenOut = meta.Token0, meta.Token1
		}
		// Only a contiguous chain of hops forms one path.
		if len(path) > 0 && path[len(path)-1] != tokenIn {
			break
		}
		if len(path) == 0 {
			path = append(path, tokenIn)
			first = s
		}
		path = append(path, tokenOut)
		hops = append(hops, s.Pool)
		metas = append(metas, meta)
		last = s
	}
	if len(hops) == 0 {
		return nil, ErrNotSwap
	}

	amountIn := first.Amount1In
	if first.ZeroForOne() {
		amountIn = first.Amount0In
	}
	amountOut := last.Amount0Out
	if last.ZeroForOne() {
		amountOut = last.Amount1Out
	}

	out := *intent
	out.Path = path
	out.Pools = hops
	out.Pool = hops[0]
	out.TokenIn, out.TokenOut = path[0], path[1]
	out.ZeroForOne = metas[0].Token0 == path[0]
	out.AmountIn = amountIn
	out.MinAmountOut = amm.ApplyBps(amountOut, 10_000-r.slippageBps)
	out.ExactOut = false
	out.AmountOut, out.AmountInMax = nil, nil
	out.Tier = types.TierTraced
	out.Unresolved = false
	out.PinnedBlock = block
	return &out, nil
}
