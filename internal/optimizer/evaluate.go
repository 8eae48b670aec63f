package optimizer

import (
	"bytes"
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/mev-protocol/sandwich/internal/amm"
	"github.com/mev-protocol/sandwich/internal/dex"
	"github.com/mev-protocol/sandwich/internal/executor"
	"github.com/mev-protocol/sandwich/internal/simulator"
	"github.com/mev-protocol/sandwich/pkg/types"
)

// syntheticRouter stands in for victims whose target the simulator cannot
// execute. The victim is replayed as a plain V2 router swap of its intent.
var syntheticRouter = common.HexToAddress("0x00000000000000000000000000000000005a4d01")

// evaluation is the simulated outcome of one front-run size.
type evaluation struct {
	x        *big.Int
	feasible bool
	reason   error

	frontOut  *big.Int
	backIn    *big.Int
	backOut   *big.Int
	flashFee  *big.Int
	gasCost   *big.Int
	profit    *big.Int
	frontGas  uint64
	backGas   uint64
	impactBps uint64
}

// score is the search objective. Infeasible points score zero.
func (e *evaluation) score() *big.Int {
	if !e.feasible {
		return new(big.Int)
	}
	return e.profit
}

type reasonCounts map[error]int

func (r reasonCounts) add(err error) {
	if err != nil {
		r[err]++
	}
}

// dominant returns the most frequent infeasibility reason.
func (r reasonCounts) dominant() error {
	best, n := ErrInfeasible, 0
	for _, err := range []error{ErrVictimReverts, ErrSlippage, ErrGasBudget, ErrInfeasible} {
		if r[err] > n {
			best, n = err, r[err]
		}
	}
	return best
}

type evaluator struct {
	o      *Optimizer
	req    *Request
	pool   *types.PoolState
	snap   *simulator.Snapshot
	victim *simulator.Tx

	// gasCost is the token-in cost of gasEstimate at the target block's fee.
	gasEstimate uint64
	gasCost     *big.Int
	reasons     reasonCounts
}

func (o *Optimizer) newEvaluator(ctx context.Context, req *Request, pool *types.PoolState) (*evaluator, error) {
	snap := simulator.NewSnapshot(req.Block, req.Timestamp, req.BaseFee)
	for _, p := range req.Pools {
		snap.WithPool(p)
	}
	exec := o.sim.Executor()
	if o.config.FlashLoan {
		snap.Track(exec)
	} else {
		inv := req.Inventory
		if inv == nil {
			inv = new(big.Int)
		}
		snap.WithBalance(exec, req.Intent.TokenIn, inv)
	}

	victim, err := o.victimTx(snap, req)
	if err != nil {
		return nil, err
	}

	gm := o.sim.Gas()
	estimate := 2 * (gm.ExecutorBase + gm.PerLeg)
	price := new(big.Int).Add(snap.BaseFee, o.config.PriorityFee)
	wei := new(big.Int).Mul(price, new(big.Int).SetUint64(estimate))
	cost, err := o.quoter.Quote(ctx, req.Intent.TokenIn, wei, req.Block)
	if err != nil {
		return nil, err
	}

	return &evaluator{
		o:           o,
		req:         req,
		pool:        pool,
		snap:        snap,
		victim:      victim,
		gasEstimate: estimate,
		gasCost:     cost,
		reasons:     reasonCounts{},
	}, nil
}

// victimTx replays the victim's own calldata when the simulator knows its
// target. Anything else is rebuilt from the intent.
func (o *Optimizer) victimTx(snap *simulator.Snapshot, req *Request) (*simulator.Tx, error) {
	v, in := req.Victim, req.Intent
	if v.To != nil {
		if fam, ok := o.config.Routers[*v.To]; ok && in.Tier == types.TierKnownRouter {
			call, err := dex.DecodeRouterCall(fam, v.Input, v.Value)
			if err == nil && call.Method != "exactInputSingle" {
				snap.WithRouter(*v.To, fam)
				return simulator.FromPending(v)
			}
		}
		if *v.To == in.Pool && bytes.Equal(v.Selector(), dex.PairSwapSelector[:]) {
			return simulator.FromPending(v)
		}
	}

	path := in.Path
	if len(path) < 2 {
		path = []common.Address{in.TokenIn, in.TokenOut}
	}
	var (
		data []byte
		err  error
	)
	deadline := new(big.Int).SetUint64(in.Deadline)
	if in.ExactOut {
		if in.AmountInMax == nil {
			return nil, fmt.Errorf("%w: exact-out victim without max input", ErrUnsupported)
		}
		data, err = dex.PackRouterCall(dex.FamilyV2, "swapTokensForExactTokens",
			in.AmountOut, in.AmountInMax, path, v.From, deadline)
	} else {
		minOut := in.MinAmountOut
		if minOut == nil {
			minOut = new(big.Int)
		}
		data, err = dex.PackRouterCall(dex.FamilyV2, "swapExactTokensForTokens",
			in.AmountIn, minOut, path, v.From, deadline)
	}
	if err != nil {
		return nil, err
	}
	snap.WithRouter(syntheticRouter, dex.FamilyV2)
	return &simulator.Tx{Hash: v.Hash, From: v.From, To: syntheticRouter, Value: new(big.Int), Data: data}, nil
}

func (e *evaluator) evaluateAll(ctx context.Context, points []*big.Int) ([]*evaluation, error) {
	evals := make([]*evaluation, len(points))
	g, gctx := errgroup.WithContext(ctx)
	for i, x := range points {
		i, x := i, x
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ev, err := e.evaluate(x)
			evals[i] = ev
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, ev := range evals {
		e.reasons.add(ev.reason)
	}
	return evals, nil
}

// evaluate simulates front, victim and back at front-run size x on a
// private fork of the pinned state.
func (e *evaluator) evaluate(x *big.Int) (*evaluation, error) {
	ev := &evaluation{x: x, profit: new(big.Int)}
	if x.Sign() <= 0 {
		return ev, nil
	}
	in := e.req.Intent
	zfo := in.ZeroForOne
	fee := e.pool.FeeOrDefault()
	exec := e.o.sim.Executor()
	execBlock := e.snap.ExecBlock

	rIn, rOut := e.pool.Reserves(zfo)
	frontOut, err := amm.AmountOut(x, rIn, rOut, fee)
	if err != nil || frontOut.Cmp(big.NewInt(1)) <= 0 {
		ev.reason = ErrInfeasible
		return ev, nil
	}
	ev.frontOut = frontOut
	ev.impactBps = amm.PriceImpactBps(x, rIn)
	if e.o.config.MaxSlippageBps > 0 && ev.impactBps > e.o.config.MaxSlippageBps {
		ev.reason = ErrSlippage
		return ev, nil
	}

	sess := e.o.sim.Fork(e.snap)
	if e.o.config.FlashLoan {
		sess.Fund(exec, in.TokenIn, x)
	}

	data, err := executor.Encode(execBlock, executor.Front(in.Pool, in.TokenIn, zfo, x, frontOut))
	if err != nil {
		return nil, err
	}
	front, err := sess.Apply(&simulator.Tx{From: exec, To: exec, Data: data})
	if err != nil {
		return nil, err
	}
	if !front.Success {
		ev.reason = ErrInfeasible
		return ev, nil
	}

	vres, err := sess.Apply(e.victim)
	if err != nil {
		return nil, fmt.Errorf("%w: victim: %v", ErrUnsupported, err)
	}
	if !vres.Success {
		ev.reason = ErrVictimReverts
		return ev, nil
	}

	post, _ := sess.Pool(in.Pool)
	// One wei of dust stays behind so the back leg never drains the balance.
	backIn := new(big.Int).Sub(frontOut, big.NewInt(1))
	bIn, bOut := post.Reserves(!zfo)
	backOut, err := amm.AmountOut(backIn, bIn, bOut, fee)
	if err != nil {
		ev.reason = ErrInfeasible
		return ev, nil
	}
	data, err = executor.Encode(execBlock, executor.Back(in.Pool, in.TokenOut, zfo, backIn, backOut))
	if err != nil {
		return nil, err
	}
	back, err := sess.Apply(&simulator.Tx{From: exec, To: exec, Data: data})
	if err != nil {
		return nil, err
	}
	if !back.Success {
		ev.reason = ErrInfeasible
		return ev, nil
	}

	ev.backIn, ev.backOut = backIn, backOut
	ev.frontGas, ev.backGas = front.GasUsed, back.GasUsed
	if limit := e.o.config.MaxBundleGas; limit > 0 && ev.frontGas+ev.backGas > limit {
		ev.reason = ErrGasBudget
		return ev, nil
	}

	ev.gasCost = e.costOf(ev.frontGas + ev.backGas)
	ev.flashFee = new(big.Int)
	if e.o.config.FlashLoan {
		ev.flashFee = amm.ApplyBps(x, e.o.config.FlashFeeBps)
	}
	ev.profit.Sub(backOut, x)
	ev.profit.Sub(ev.profit, ev.flashFee)
	ev.profit.Sub(ev.profit, ev.gasCost)
	ev.feasible = true
	return ev, nil
}

func (e *evaluator) costOf(gas uint64) *big.Int {
	if gas == e.gasEstimate {
		return new(big.Int).Set(e.gasCost)
	}
	c := new(big.Int).Mul(e.gasCost, new(big.Int).SetUint64(gas))
	return c.Quo(c, new(big.Int).SetUint64(e.gasEstimate))
}
