package simulator

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/mev-protocol/sandwich/internal/amm"
	"github.com/mev-protocol/sandwich/internal/dex"
	"github.com/mev-protocol/sandwich/internal/executor"
	"github.com/mev-protocol/sandwich/internal/pools"
	"github.com/mev-protocol/sandwich/pkg/types"
)

// runExecutor models the sandwich executor: it checks the embedded block,
// then performs each leg from its own balances.
func (s *Simulator) runExecutor(f *Session, tx *Tx) (*TxResult, error) {
	call, err := executor.Decode(tx.Data)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedTx, "executor calldata: %v", err)
	}
	if call.Block != f.snap.ExecBlock {
		return nil, revertf("block mismatch: want %d, executing %d", call.Block, f.snap.ExecBlock)
	}

	self := s.config.Executor
	res := &TxResult{}
	for i, leg := range call.Swaps {
		p, ok := f.pool(leg.Pool)
		if !ok {
			return nil, errors.Wrapf(ErrMissingState, "pool %s", leg.Pool.Hex())
		}
		tokenIn, tokenOut := p.Token1, p.Token0
		if leg.ZeroForOne {
			tokenIn, tokenOut = p.Token0, p.Token1
		}
		if leg.TokenIn != tokenIn {
			return nil, revertf("leg %d token mismatch", i)
		}
		if err := f.debit(self, tokenIn, leg.AmountIn); err != nil {
			return nil, err
		}
		if err := swapOnPair(f, p, leg.ZeroForOne, leg.AmountIn, leg.AmountOut, self, self); err != nil {
			return nil, err
		}
		f.credit(self, tokenOut, leg.AmountOut)

		if i == 0 {
			res.AmountIn = leg.AmountIn
		}
		res.AmountOut = leg.AmountOut
	}
	res.GasUsed = s.config.Gas.ExecutorBase + s.config.Gas.PerLeg*uint64(len(call.Swaps))
	return res, nil
}

// runRouter models V2-style router swaps, exact-in and exact-out, over
// constant-product pools in the snapshot.
func (s *Simulator) runRouter(f *Session, tx *Tx) (*TxResult, error) {
	family := f.snap.routers[tx.To]
	call, err := dex.DecodeRouterCall(family, tx.Data, tx.Value)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedTx, "router calldata: %v", err)
	}
	if call.Deadline != 0 && call.Deadline < f.snap.Timestamp {
		return nil, revertf("EXPIRED")
	}

	fee := uint32(0)
	if call.Method == "exactInputSingle" {
		fee = call.FeeBps
	}
	hops := make([]*types.PoolState, call.Hops())
	reserves := make([][2]*big.Int, call.Hops())
	fees := make([]uint32, call.Hops())
	for i := range hops {
		addr, ok := f.snap.poolFor(call.Path[i], call.Path[i+1], fee)
		if !ok {
			return nil, errors.Wrapf(ErrMissingState, "no pool for %s/%s", call.Path[i].Hex(), call.Path[i+1].Hex())
		}
		p, _ := f.pool(addr)
		hops[i] = p
		rIn, rOut := p.Reserves(p.Token0 == call.Path[i])
		reserves[i] = [2]*big.Int{rIn, rOut}
		fees[i] = p.FeeOrDefault()
	}

	var amounts []*big.Int
	if call.ExactOut {
		amounts, err = amm.AmountsIn(call.AmountOut, reserves, fees)
		if err != nil {
			return nil, revertf("%v", err)
		}
		if amounts[0].Cmp(call.AmountInMax) > 0 {
			return nil, revertf("EXCESSIVE_INPUT_AMOUNT")
		}
	} else {
		amounts, err = amm.AmountsOut(call.AmountIn, reserves, fees)
		if err != nil {
			return nil, revertf("%v", err)
		}
		if amounts[len(amounts)-1].Cmp(call.AmountOutMin) < 0 {
			return nil, revertf("INSUFFICIENT_OUTPUT_AMOUNT")
		}
	}

	if err := f.debit(tx.From, call.Path[0], amounts[0]); err != nil {
		return nil, err
	}
	payer := tx.From
	for i, p := range hops {
		recipient := call.Recipient
		if i+1 < len(hops) {
			recipient = hops[i+1].Address
		}
		if err := swapOnPair(f, p, p.Token0 == call.Path[i], amounts[i], amounts[i+1], payer, recipient); err != nil {
			return nil, err
		}
		payer = p.Address
	}
	last := amounts[len(amounts)-1]
	f.credit(call.Recipient, call.Path[len(call.Path)-1], last)

	return &TxResult{
		GasUsed:   s.config.Gas.RouterBase + s.config.Gas.PerHop*uint64(len(hops)),
		AmountIn:  amounts[0],
		AmountOut: last,
	}, nil
}

// runPairSwap models a direct pair.swap call. The caller sized its input
// against the pinned reserves, so the swap fails once the price has moved
// against it.
func (s *Simulator) runPairSwap(f *Session, tx *Tx) (*TxResult, error) {
	ps, err := dex.DecodePairSwap(tx.Data)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedTx, "pair calldata: %v", err)
	}
	zeroForOne := ps.ZeroForOne()
	amountOut := ps.Amount0Out
	if zeroForOne {
		amountOut = ps.Amount1Out
	}
	if amountOut.Sign() == 0 || (ps.Amount0Out.Sign() > 0 && ps.Amount1Out.Sign() > 0) {
		return nil, revertf("INSUFFICIENT_OUTPUT_AMOUNT")
	}

	base := f.snap.pools[tx.To]
	baseIn, baseOut := base.Reserves(zeroForOne)
	amountIn, err := amm.AmountIn(amountOut, baseIn, baseOut, base.FeeOrDefault())
	if err != nil {
		return nil, revertf("%v", err)
	}

	p, _ := f.pool(tx.To)
	tokenIn, tokenOut := p.Token1, p.Token0
	if zeroForOne {
		tokenIn, tokenOut = p.Token0, p.Token1
	}
	if err := f.debit(tx.From, tokenIn, amountIn); err != nil {
		return nil, err
	}
	if err := swapOnPair(f, p, zeroForOne, amountIn, amountOut, tx.From, ps.To); err != nil {
		return nil, err
	}
	f.credit(ps.To, tokenOut, amountOut)

	return &TxResult{GasUsed: s.config.Gas.PoolSwap, AmountIn: amountIn, AmountOut: amountOut}, nil
}

// swapOnPair moves amountIn into p and amountOut out of it, enforcing the
// pair's invariant check against its current reserves.
func swapOnPair(f *Session, p *types.PoolState, zeroForOne bool, amountIn, amountOut *big.Int, payer, recipient common.Address) error {
	if amountOut.Sign() <= 0 {
		return revertf("INSUFFICIENT_OUTPUT_AMOUNT")
	}
	rIn, rOut := p.Reserves(zeroForOne)
	if amountOut.Cmp(rOut) >= 0 {
		return revertf("INSUFFICIENT_LIQUIDITY")
	}

	next := p.Clone()
	zero := new(big.Int)
	in0, in1 := amountIn, zero
	if zeroForOne {
		next.Reserve0 = new(big.Int).Add(rIn, amountIn)
		next.Reserve1 = new(big.Int).Sub(rOut, amountOut)
	} else {
		next.Reserve1 = new(big.Int).Add(rIn, amountIn)
		next.Reserve0 = new(big.Int).Sub(rOut, amountOut)
		in0, in1 = zero, amountIn
	}
	if !amm.CheckK(next.Reserve0, next.Reserve1, in0, in1, p.Reserve0, p.Reserve1, p.FeeOrDefault()) {
		return revertf("K")
	}
	f.pools[p.Address] = next

	tokenIn, tokenOut := p.Token1, p.Token0
	out0, out1 := amountOut, zero
	if zeroForOne {
		tokenIn, tokenOut = p.Token0, p.Token1
		out0, out1 = zero, amountOut
	}
	f.logs = append(f.logs,
		transferLog(tokenIn, payer, p.Address, amountIn),
		transferLog(tokenOut, p.Address, recipient, amountOut),
		syncLog(p.Address, next.Reserve0, next.Reserve1),
		swapLog(p.Address, payer, recipient, in0, in1, out0, out1),
	)
	return nil
}

func word(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}

func addrTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func transferLog(token, from, to common.Address, amount *big.Int) gethtypes.Log {
	return gethtypes.Log{
		Address: token,
		Topics:  []common.Hash{pools.TransferTopic, addrTopic(from), addrTopic(to)},
		Data:    word(amount),
	}
}

func syncLog(pool common.Address, r0, r1 *big.Int) gethtypes.Log {
	return gethtypes.Log{
		Address: pool,
		Topics:  []common.Hash{pools.SyncTopic},
		Data:    append(word(r0), word(r1)...),
	}
}

func swapLog(pool, sender, to common.Address, in0, in1, out0, out1 *big.Int) gethtypes.Log {
	data := make([]byte, 0, 128)
	for _, v := range []*big.Int{in0, in1, out0, out1} {
		data = append(data, word(v)...)
	}
	return gethtypes.Log{
		Address: pool,
		Topics:  []common.Hash{pools.SwapTopic, addrTopic(sender), addrTopic(to)},
		Data:    data,
	}
}
