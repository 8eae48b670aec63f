// Package strategy drives pending transactions through classification,
// search and bundling, pinned to the block each candidate was seen at.
package strategy

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/mev-protocol/sandwich/internal/bundle"
	"github.com/mev-protocol/sandwich/internal/metrics"
	"github.com/mev-protocol/sandwich/internal/optimizer"
	"github.com/mev-protocol/sandwich/internal/stream"
	"github.com/mev-protocol/sandwich/pkg/types"
)

// slot is the expected gap between the pinned block and the block a bundle lands in.
const slot = 12

// Config for the pipeline
type Config struct {
	Workers   int
	QueueSize int
	// MaxAge drops candidates that waited in the queue longer than this.
	MaxAge time.Duration
	// Executor holds the inventory traded when not flash-borrowing.
	Executor  common.Address
	FlashLoan bool
	// StatsInterval controls the throughput log line. Zero disables it.
	StatsInterval time.Duration
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxAge <= 0 {
		c.MaxAge = slot * time.Second
	}
}

// Classifier matches a pending tx to a swap intent.
type Classifier interface {
	Classify(ctx context.Context, tx *types.PendingTx) (*types.SwapIntent, bool)
}

// Resolver fills in intents the classifier could not decode.
type Resolver interface {
	Resolve(ctx context.Context, intent *types.SwapIntent, tx *types.PendingTx, block uint64) (*types.SwapIntent, error)
}

// PoolSource serves pool state by block. pools.Registry implements it.
type PoolSource interface {
	StateAt(ctx context.Context, pool common.Address, block uint64) (*types.PoolState, error)
	OnBlock(ev *types.BlockEvent)
}

// Planner sizes a sandwich. optimizer.Optimizer implements it.
type Planner interface {
	Optimize(ctx context.Context, req *optimizer.Request) (*types.SandwichPlan, error)
}

// Builder turns a plan into a bundle. bundle.Builder implements it.
type Builder interface {
	Build(plan *types.SandwichPlan, victim *types.PendingTx) (*types.Bundle, error)
}

// Submitter sends bundles and tracks them per block. submission.Manager implements it.
type Submitter interface {
	Submit(ctx context.Context, b *types.Bundle) error
	OnBlock(ctx context.Context, ev *types.BlockEvent)
}

// Inventory reads the executor's token balance. rpc.Pool implements it.
type Inventory interface {
	TokenBalance(ctx context.Context, token, owner common.Address, block uint64) (*big.Int, error)
}

// Deps are the pipeline collaborators. Resolver and Inventory are optional.
type Deps struct {
	Head       *stream.Head
	Classifier Classifier
	Resolver   Resolver
	Pools      PoolSource
	Planner    Planner
	Builder    Builder
	Submitter  Submitter
	Inventory  Inventory
}

// Pipeline evaluates candidates on a bounded worker pool.
type Pipeline struct {
	config  Config
	deps    Deps
	metrics *metrics.Metrics

	queue chan *types.PendingTx
	last  atomic.Pointer[types.BlockEvent]

	processed atomic.Uint64
	submitted atomic.Uint64

	wg sync.WaitGroup
}

// New creates a pipeline.
func New(cfg Config, deps Deps, m *metrics.Metrics) *Pipeline {
	cfg.defaults()
	return &Pipeline{
		config:  cfg,
		deps:    deps,
		metrics: m,
		queue:   make(chan *types.PendingTx, cfg.QueueSize),
	}
}

// Run consumes txs and blocks until ctx is cancelled or both channels close,
// then waits for in-flight evaluations.
func (p *Pipeline) Run(ctx context.Context, txs <-chan *types.PendingTx, blocks <-chan *types.BlockEvent) error {
	log.Info().Int("workers", p.config.Workers).Int("queue", p.config.QueueSize).Msg("Starting strategy pipeline")

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	defer func() {
		close(p.queue)
		p.wg.Wait()
		log.Info().Msg("Strategy pipeline stopped")
	}()

	var stats <-chan time.Time
	if p.config.StatsInterval > 0 {
		ticker := time.NewTicker(p.config.StatsInterval)
		defer ticker.Stop()
		stats = ticker.C
	}

	for txs != nil || blocks != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-blocks:
			if !ok {
				blocks = nil
				continue
			}
			p.OnBlock(ctx, ev)

		case tx, ok := <-txs:
			if !ok {
				txs = nil
				continue
			}
			p.Enqueue(tx)

		case <-stats:
			if n := p.processed.Swap(0); n > 0 {
				log.Info().
					Uint64("candidates", n).
					Uint64("bundles", p.submitted.Swap(0)).
					Int("queued", len(p.queue)).
					Msg("Candidates processed")
			}
		}
	}
	return nil
}

// Enqueue hands tx to a worker. It never blocks; a full queue drops the tx.
// It must not be called once Run has returned.
func (p *Pipeline) Enqueue(tx *types.PendingTx) bool {
	select {
	case p.queue <- tx:
		p.metrics.QueueLength.Set(float64(len(p.queue)))
		return true
	default:
		p.metrics.PendingDropped.WithLabelValues("queue_full").Inc()
		log.Debug().Str("hash", tx.Hash.Hex()).Msg("Candidate queue full, dropping transaction")
		return false
	}
}

// OnBlock applies a block event. Pool state is refreshed before the head
// advances so any evaluation pinned to the new head reads it.
func (p *Pipeline) OnBlock(ctx context.Context, ev *types.BlockEvent) {
	p.deps.Pools.OnBlock(ev)
	if ev.Reorg {
		log.Warn().Uint64("block", ev.Number).Str("hash", ev.Hash.Hex()).Msg("Reorg applied to pool state")
		return
	}

	p.last.Store(ev)
	if p.deps.Head.Advance(ev.Number) {
		p.metrics.Head.Set(float64(ev.Number))
	}
	p.deps.Submitter.OnBlock(ctx, ev)
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for tx := range p.queue {
		p.metrics.QueueLength.Set(float64(len(p.queue)))
		if ctx.Err() != nil {
			continue
		}
		p.Process(ctx, tx)
	}
}

// Process evaluates one candidate. A search made stale by a new head is
// restarted once against that head.
func (p *Pipeline) Process(ctx context.Context, tx *types.PendingTx) {
	p.processed.Add(1)
	if tx.Expired(time.Now(), p.config.MaxAge) {
		p.metrics.PendingDropped.WithLabelValues("stale").Inc()
		return
	}

	intent, ok := p.deps.Classifier.Classify(ctx, tx)
	if !ok {
		return
	}
	p.metrics.Classified.WithLabelValues(intent.Tier.String()).Inc()

	for attempt := 0; attempt < 2; attempt++ {
		err := p.evaluate(ctx, tx, intent)
		if !isStale(err) {
			return
		}
		log.Debug().Str("victim", tx.Hash.Hex()).Int("attempt", attempt+1).Msg("Head advanced during evaluation")
	}
}

func isStale(err error) bool {
	return errors.Is(err, optimizer.ErrStaleBlock) || errors.Is(err, bundle.ErrStalePlan)
}

// evaluate runs one pinned pass. It returns only stale-block errors; every
// other outcome is logged and counted here.
func (p *Pipeline) evaluate(parent context.Context, tx *types.PendingTx, intent *types.SwapIntent) error {
	block, ctx, cancel := p.deps.Head.Pin(parent)
	defer cancel()

	ev := p.last.Load()
	if ev == nil || ev.Number != block {
		return optimizer.ErrStaleBlock
	}

	if intent.Unresolved {
		if p.deps.Resolver == nil {
			return nil
		}
		resolved, err := p.deps.Resolver.Resolve(ctx, intent, tx, block)
		if err != nil {
			if ctx.Err() != nil && parent.Err() == nil {
				return optimizer.ErrStaleBlock
			}
			p.metrics.Resolved.WithLabelValues("failed").Inc()
			log.Debug().Err(err).Str("victim", tx.Hash.Hex()).Msg("Swap not resolved")
			return nil
		}
		p.metrics.Resolved.WithLabelValues("resolved").Inc()
		intent = resolved
	}

	states, err := p.loadPools(ctx, intent, block)
	if err != nil {
		if ctx.Err() != nil && parent.Err() == nil {
			return optimizer.ErrStaleBlock
		}
		log.Warn().Err(err).Str("victim", tx.Hash.Hex()).Msg("Pool state unavailable")
		return nil
	}

	req := &optimizer.Request{
		Intent:    intent,
		Victim:    tx,
		Block:     block,
		Timestamp: ev.Timestamp + slot,
		BaseFee:   ev.NextBaseFee,
		Pools:     states,
	}
	if !p.config.FlashLoan && p.deps.Inventory != nil {
		req.Inventory, err = p.deps.Inventory.TokenBalance(ctx, intent.TokenIn, p.config.Executor, block)
		if err != nil {
			log.Warn().Err(err).Str("token", intent.TokenIn.Hex()).Msg("Inventory balance unavailable")
			return nil
		}
	}

	start := time.Now()
	plan, err := p.deps.Planner.Optimize(ctx, req)
	p.metrics.SearchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, optimizer.ErrStaleBlock) {
			return err
		}
		p.metrics.Plans.WithLabelValues(planResult(err)).Inc()
		log.Debug().Err(err).Str("victim", tx.Hash.Hex()).Uint64("block", block).Msg("No opportunity")
		return nil
	}
	p.metrics.Plans.WithLabelValues("accepted").Inc()
	p.metrics.SearchProfit.Observe(metrics.Ether(plan.NetProfit))

	b, err := p.deps.Builder.Build(plan, tx)
	if err != nil {
		if errors.Is(err, bundle.ErrStalePlan) {
			return err
		}
		log.Error().Err(err).Str("victim", tx.Hash.Hex()).Msg("Failed to build bundle")
		return nil
	}

	if err := p.deps.Submitter.Submit(ctx, b); err != nil {
		log.Warn().Err(err).Str("bundle", b.ID).Str("victim", tx.Hash.Hex()).Msg("Bundle not submitted")
		return nil
	}
	p.submitted.Add(1)
	log.Info().
		Str("bundle", b.ID).
		Str("victim", tx.Hash.Hex()).
		Str("pool", plan.Pool.Hex()).
		Uint64("target", plan.TargetBlock).
		Str("front_in", plan.FrontIn.String()).
		Str("profit", types.FormatEther(plan.NetProfit)).
		Msg("Bundle submitted")
	return nil
}

// loadPools reads every pool the intent touches at block, target pool included.
func (p *Pipeline) loadPools(ctx context.Context, intent *types.SwapIntent, block uint64) ([]*types.PoolState, error) {
	addrs := make([]common.Address, 0, len(intent.Pools)+1)
	addrs = append(addrs, intent.Pools...)
	addrs = append(addrs, intent.Pool)

	seen := make(map[common.Address]bool, len(addrs))
	states := make([]*types.PoolState, 0, len(addrs))
	for _, addr := range addrs {
		if seen[addr] {
			continue
		}
		seen[addr] = true
		st, err := p.deps.Pools.StateAt(ctx, addr, block)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, nil
}

var planResults = []struct {
	err   error
	label string
}{
	{optimizer.ErrBelowThreshold, "below_threshold"},
	{optimizer.ErrSlippage, "slippage"},
	{optimizer.ErrGasBudget, "gas_budget"},
	{optimizer.ErrVictimReverts, "victim_reverts"},
	{optimizer.ErrInfeasible, "infeasible"},
	{optimizer.ErrSearchBudget, "search_budget"},
	{optimizer.ErrUnsupported, "unsupported"},
}

func planResult(err error) string {
	for _, r := range planResults {
		if errors.Is(err, r.err) {
			return r.label
		}
	}
	return "error"
}
