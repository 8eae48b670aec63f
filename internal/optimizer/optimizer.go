// Package optimizer sizes the front-run of a sandwich by a bounded search
// over simulated outcomes.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/mev-protocol/sandwich/internal/dex"
	"github.com/mev-protocol/sandwich/internal/simulator"
	"github.com/mev-protocol/sandwich/pkg/types"
)

var (
	ErrNoOpportunity = errors.New("no opportunity")
	ErrStaleBlock    = errors.New("head advanced past pinned block")

	ErrBelowThreshold = fmt.Errorf("%w: profit below threshold", ErrNoOpportunity)
	ErrSlippage       = fmt.Errorf("%w: front-run slippage over limit", ErrNoOpportunity)
	ErrGasBudget      = fmt.Errorf("%w: bundle gas over budget", ErrNoOpportunity)
	ErrVictimReverts  = fmt.Errorf("%w: victim reverts at every size", ErrNoOpportunity)
	ErrInfeasible     = fmt.Errorf("%w: no feasible size", ErrNoOpportunity)
	ErrSearchBudget   = fmt.Errorf("%w: search budget exhausted", ErrNoOpportunity)
	ErrUnsupported    = fmt.Errorf("%w: intent cannot be sandwiched", ErrNoOpportunity)
)

// Config for the optimizer. All search constants are tunable.
type Config struct {
	// Intervals splits the search range; each iteration samples Intervals+1 points.
	Intervals     int
	Tolerance     *big.Int
	MaxIterations int
	MaxAmountIn   *big.Int

	MinProfit      *big.Int
	MaxSlippageBps uint64
	MaxBundleGas   uint64
	PriorityFee    *big.Int

	// FlashLoan funds the front-run by borrowing, charged FlashFeeBps.
	FlashLoan   bool
	FlashFeeBps uint64

	SearchBudget time.Duration
	// Routers whose calldata the simulator can execute directly.
	Routers map[common.Address]dex.Family
}

// DefaultConfig mirrors the production search settings.
func DefaultConfig() Config {
	return Config{
		Intervals:      5,
		Tolerance:      big.NewInt(1e14),
		MaxIterations:  40,
		MaxAmountIn:    types.EtherToWei(100),
		MinProfit:      types.EtherToWei(0.02),
		MaxSlippageBps: 300,
		MaxBundleGas:   600_000,
		PriorityFee:    big.NewInt(2e9),
		FlashLoan:      true,
		FlashFeeBps:    9,
		SearchBudget:   150 * time.Millisecond,
		Routers:        dex.DefaultRouters,
	}
}

// HeadReader reports the current chain head.
type HeadReader interface {
	Current() uint64
}

// Request is one opportunity pinned to a block.
type Request struct {
	Intent *types.SwapIntent
	Victim *types.PendingTx
	// Block is the pinned block; Pools hold every pool the victim touches at it.
	Block     uint64
	Timestamp uint64
	BaseFee   *big.Int
	Pools     []*types.PoolState
	// Inventory is the executor's token-in balance when not flash-borrowing.
	Inventory *big.Int
}

func (r *Request) target() (*types.PoolState, error) {
	if r.Intent == nil || !r.Intent.Resolved() {
		return nil, ErrUnsupported
	}
	for _, p := range r.Pools {
		if p.Address == r.Intent.Pool {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: pool %s not loaded", ErrUnsupported, r.Intent.Pool.Hex())
}

// Optimizer finds the most profitable front-run size for a victim.
type Optimizer struct {
	config Config
	sim    *simulator.Simulator
	head   HeadReader
	quoter GasQuoter
}

// New creates an optimizer.
func New(cfg Config, sim *simulator.Simulator, head HeadReader, quoter GasQuoter) *Optimizer {
	if cfg.Intervals < 2 {
		cfg.Intervals = 5
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 40
	}
	if cfg.Tolerance == nil || cfg.Tolerance.Sign() <= 0 {
		cfg.Tolerance = big.NewInt(1)
	}
	if cfg.PriorityFee == nil {
		cfg.PriorityFee = new(big.Int)
	}
	if cfg.MinProfit == nil {
		cfg.MinProfit = new(big.Int)
	}
	return &Optimizer{config: cfg, sim: sim, head: head, quoter: quoter}
}

// Optimize runs the bounded unimodal search for req. It returns a plan only
// if the head is still at req.Block when the search ends.
func (o *Optimizer) Optimize(ctx context.Context, req *Request) (*types.SandwichPlan, error) {
	started := time.Now()
	pool, err := req.target()
	if err != nil {
		return nil, err
	}
	if o.config.SearchBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.SearchBudget)
		defer cancel()
	}

	ev, err := o.newEvaluator(ctx, req, pool)
	if err != nil {
		return nil, err
	}

	lo, hi := new(big.Int), o.upperBound(req)
	intervals := big.NewInt(int64(o.config.Intervals))
	var best *evaluation
	iterations := 0

	for iterations < o.config.MaxIterations {
		if err := o.live(ctx, req.Block); err != nil {
			return nil, err
		}
		iterations++

		points := samplePoints(lo, hi, o.config.Intervals)
		evals, err := ev.evaluateAll(ctx, points)
		if err != nil {
			if ctx.Err() != nil {
				return nil, o.live(ctx, req.Block)
			}
			return nil, err
		}

		for _, ev := range evals {
			if ev.feasible && (best == nil || ev.profit.Cmp(best.profit) > 0) {
				best = ev
			}
		}
		b := argmax(evals)

		step := new(big.Int).Sub(hi, lo)
		step.Quo(step, intervals)
		if step.Cmp(o.config.Tolerance) <= 0 {
			break
		}
		lo = points[max(b-1, 0)]
		hi = points[min(b+1, len(points)-1)]
	}

	if err := o.live(ctx, req.Block); err != nil {
		return nil, err
	}

	plan, err := o.accept(req, best, ev.reasons)
	log.Debug().
		Str("victim", req.Victim.Hash.Hex()).
		Uint64("block", req.Block).
		Int("iterations", iterations).
		Dur("elapsed", time.Since(started)).
		Err(err).
		Msg("Search finished")
	if err != nil {
		return nil, err
	}
	plan.Iterations = iterations
	return plan, nil
}

func (o *Optimizer) upperBound(req *Request) *big.Int {
	hi := new(big.Int).Set(o.config.MaxAmountIn)
	if !o.config.FlashLoan && req.Inventory != nil && req.Inventory.Cmp(hi) < 0 {
		hi.Set(req.Inventory)
	}
	return hi
}

// live fails once the head has moved or the budget ran out.
func (o *Optimizer) live(ctx context.Context, block uint64) error {
	if o.head != nil && o.head.Current() != block {
		return ErrStaleBlock
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrSearchBudget
		}
		return ErrStaleBlock
	}
	return nil
}

func (o *Optimizer) accept(req *Request, best *evaluation, reasons reasonCounts) (*types.SandwichPlan, error) {
	if best == nil {
		return nil, reasons.dominant()
	}
	if best.profit.Cmp(o.config.MinProfit) < 0 {
		return nil, fmt.Errorf("%w: best %s", ErrBelowThreshold, types.FormatEther(best.profit))
	}
	if best.impactBps > o.config.MaxSlippageBps {
		return nil, ErrSlippage
	}
	if o.config.MaxBundleGas > 0 && best.frontGas+best.backGas > o.config.MaxBundleGas {
		return nil, ErrGasBudget
	}

	in := req.Intent
	return &types.SandwichPlan{
		Victim:      req.Victim.Hash,
		Pool:        in.Pool,
		TokenIn:     in.TokenIn,
		TokenOut:    in.TokenOut,
		ZeroForOne:  in.ZeroForOne,
		PinnedBlock: req.Block,
		TargetBlock: req.Block + 1,
		FrontIn:     best.x,
		FrontOut:    best.frontOut,
		BackIn:      best.backIn,
		BackOut:     best.backOut,
		GrossProfit: new(big.Int).Sub(best.backOut, best.x),
		FlashFee:    best.flashFee,
		GasCost:     best.gasCost,
		NetProfit:   best.profit,
		FrontGas:    best.frontGas,
		BackGas:     best.backGas,
		ImpactBps:   best.impactBps,
	}, nil
}

// samplePoints returns n+1 evenly spaced points over [lo, hi].
func samplePoints(lo, hi *big.Int, n int) []*big.Int {
	step := new(big.Int).Sub(hi, lo)
	step.Quo(step, big.NewInt(int64(n)))
	points := make([]*big.Int, n+1)
	for i := 0; i < n; i++ {
		p := new(big.Int).Mul(step, big.NewInt(int64(i)))
		points[i] = p.Add(p, lo)
	}
	points[n] = new(big.Int).Set(hi)
	return points
}

// argmax picks the best score; ties go to the feasible, then lowest, index.
func argmax(evals []*evaluation) int {
	b := 0
	for i := 1; i < len(evals); i++ {
		c := evals[i].score().Cmp(evals[b].score())
		if c > 0 || (c == 0 && evals[i].feasible && !evals[b].feasible) {
			b = i
		}
	}
	return b
}
