// Package submission signs bundles, sends them to the relay and follows each
// one to a terminal state.
package submission

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"github.com/mev-protocol/sandwich/internal/bundle"
	"github.com/mev-protocol/sandwich/internal/metrics"
	"github.com/mev-protocol/sandwich/internal/pools"
	"github.com/mev-protocol/sandwich/internal/relay"
	"github.com/mev-protocol/sandwich/internal/store"
	"github.com/mev-protocol/sandwich/pkg/types"
)

var (
	ErrPreflight     = errors.New("submission: relay simulation failed")
	ErrAlreadyActive = errors.New("submission: victim already has a bundle in flight")
)

// Relay is the bundle endpoint. relay.Client implements it.
type Relay interface {
	SendBundle(ctx context.Context, b *relay.Bundle) (*relay.BundleResponse, error)
	SimulateBundle(ctx context.Context, b *relay.Bundle) (*relay.SimulationResult, error)
}

// Chain is what the manager reads back from the chain. rpc.Pool implements it.
type Chain interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error)
	IsPending(ctx context.Context, hash common.Hash) (bool, error)
	ConfirmedNonce(ctx context.Context, addr common.Address) (uint64, error)
}

// Signer signs the bot's legs. bundle.Signer implements it.
type Signer interface {
	Address() common.Address
	Sign(b *types.Bundle, nonce uint64, fees bundle.Fees) error
}

// Rebuilder re-pins a bundle to the current head. bundle.Builder implements it.
type Rebuilder interface {
	Rebuild(prev *types.Bundle) (*types.Bundle, error)
}

// Config for the submission manager
type Config struct {
	// Tip is the priority fee of both legs.
	Tip *big.Int
	// Preflight runs eth_callBundle before every send.
	Preflight bool
	// WETH lets realized profit net out gas when the bundle trades it.
	WETH           common.Address
	Executor       common.Address
	ReceiptTimeout time.Duration
	Breaker        BreakerConfig
}

type tracked struct {
	bundle *types.Bundle
	lease  *Lease
	state  types.BundleState
}

// Manager owns the nonce tracker, the breaker and every bundle in flight.
type Manager struct {
	config  Config
	relay   Relay
	chain   Chain
	signer  Signer
	builder Rebuilder
	journal store.Journal
	metrics *metrics.Metrics

	nonces  *NonceTracker
	breaker *CircuitBreaker

	mu      sync.Mutex
	baseFee *big.Int
	active  map[string]*tracked
	victims map[common.Hash]string
}

// NewManager creates a submission manager.
func NewManager(cfg Config, r Relay, chain Chain, signer Signer, builder Rebuilder, journal store.Journal, m *metrics.Metrics) *Manager {
	if cfg.Tip == nil {
		cfg.Tip = big.NewInt(2e9)
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 3 * time.Second
	}
	if journal == nil {
		journal = store.NewMemory()
	}
	mgr := &Manager{
		config:  cfg,
		relay:   r,
		chain:   chain,
		signer:  signer,
		builder: builder,
		journal: journal,
		metrics: m,
		active:  make(map[string]*tracked),
		victims: make(map[common.Hash]string),
		nonces: NewNonceTracker(func(next uint64) {
			m.NonceNext.Set(float64(next))
		}),
		breaker: NewCircuitBreaker(cfg.Breaker),
	}
	mgr.breaker.OnChange(func(open bool) {
		if open {
			m.BreakerOpen.Set(1)
		} else {
			m.BreakerOpen.Set(0)
		}
	})
	return mgr
}

// Start loads the nonce baseline from the chain.
func (m *Manager) Start(ctx context.Context) error {
	nonce, err := m.chain.ConfirmedNonce(ctx, m.signer.Address())
	if err != nil {
		return fmt.Errorf("load bot nonce: %w", err)
	}
	m.nonces.Init(nonce)
	log.Info().
		Str("address", m.signer.Address().Hex()).
		Uint64("nonce", nonce).
		Msg("Submission manager started")
	return nil
}

// Breaker exposes the circuit breaker for the admin surface.
func (m *Manager) Breaker() *CircuitBreaker { return m.breaker }

// Nonces exposes the nonce tracker.
func (m *Manager) Nonces() *NonceTracker { return m.nonces }

// Active counts bundles awaiting an outcome.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// SetBaseFee sets the base fee expected in the next block.
func (m *Manager) SetBaseFee(fee *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baseFee = fee
}

func (m *Manager) fees() bundle.Fees {
	m.mu.Lock()
	defer m.mu.Unlock()
	return bundle.Fees{BaseFee: m.baseFee, Tip: m.config.Tip}
}

// Submit signs b with a fresh nonce lease and sends it to the relay.
func (m *Manager) Submit(ctx context.Context, b *types.Bundle) error {
	if err := m.breaker.Allow(); err != nil {
		return err
	}

	m.mu.Lock()
	if id, ok := m.victims[b.Victim.Hash]; ok && id != b.ID {
		m.mu.Unlock()
		return ErrAlreadyActive
	}
	m.victims[b.Victim.Hash] = b.ID
	m.mu.Unlock()

	lease, err := m.nonces.Claim(2)
	if err != nil {
		m.forgetVictim(b)
		return err
	}
	if err := m.send(ctx, b, lease); err != nil {
		if rerr := m.nonces.Release(lease); rerr != nil {
			log.Error().Err(rerr).Str("bundle", b.ID).Msg("Failed to release nonce lease")
		}
		m.forgetVictim(b)
		m.transition(ctx, b, types.BundleDiscarded, b.TargetBlock-1, err.Error(), nil)
		return err
	}

	state := types.BundleSubmitted
	if b.Attempt > 1 {
		state = types.BundleResubmitted
	}
	m.mu.Lock()
	m.active[b.ID] = &tracked{bundle: b, lease: lease, state: state}
	m.mu.Unlock()
	m.transition(ctx, b, state, b.TargetBlock-1, "", nil)
	return nil
}

func (m *Manager) send(ctx context.Context, b *types.Bundle, lease *Lease) error {
	if err := m.signer.Sign(b, lease.Base, m.fees()); err != nil {
		return err
	}
	payload, err := relay.NewBundle(b)
	if err != nil {
		return err
	}

	if m.config.Preflight {
		sim, err := m.relay.SimulateBundle(ctx, payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPreflight, err)
		}
		if failed, ok := sim.FirstFailure(); ok {
			return fmt.Errorf("%w: tx %s: %s%s", ErrPreflight, failed.TxHash.Hex(), failed.Error, failed.Revert)
		}
	}

	res, err := m.relay.SendBundle(ctx, payload)
	if err != nil {
		return err
	}
	b.RelayHash = res.BundleHash
	return nil
}

// OnBlock resolves every bundle whose target block is at or below ev.
// The head must already have advanced to ev so retries pin to it.
func (m *Manager) OnBlock(ctx context.Context, ev *types.BlockEvent) {
	if ev.NextBaseFee != nil && ev.NextBaseFee.Sign() > 0 {
		m.SetBaseFee(ev.NextBaseFee)
	}

	var due []*tracked
	m.mu.Lock()
	for id, t := range m.active {
		if t.bundle.TargetBlock <= ev.Number {
			due = append(due, t)
			delete(m.active, id)
		}
	}
	idle := len(m.active) == 0
	m.mu.Unlock()

	for _, t := range due {
		if ev.Contains(t.bundle.Front.Signed.Hash()) {
			m.landed(ctx, t, ev)
		} else {
			m.missed(ctx, t, ev)
		}
	}

	if idle && len(due) == 0 {
		m.reconcile(ctx)
	}
}

// landed handles a bundle whose front-run made it into ev.
func (m *Manager) landed(ctx context.Context, t *tracked, ev *types.BlockEvent) {
	b := t.bundle
	defer m.forgetVictim(b)
	if err := m.nonces.Commit(t.lease); err != nil {
		log.Error().Err(err).Str("bundle", b.ID).Msg("Failed to commit nonce lease")
	}

	rctx, cancel := context.WithTimeout(ctx, m.config.ReceiptTimeout)
	defer cancel()
	front, ferr := m.chain.TransactionReceipt(rctx, b.Front.Signed.Hash())
	back, berr := m.chain.TransactionReceipt(rctx, b.Back.Signed.Hash())
	if ferr != nil || berr != nil {
		// Both nonces are already committed on the front leg alone;
		// reconcile corrects the next nonce if the back leg did not land.
		log.Warn().
			AnErr("front", ferr).
			AnErr("back", berr).
			Str("bundle", b.ID).
			Uint64("nonce", t.lease.Base).
			Uint64("count", t.lease.Count).
			Bool("back_in_block", ev.Contains(b.Back.Signed.Hash())).
			Msg("Bundle landed but receipts are unavailable, assuming whole nonce lease used")
		m.transition(ctx, b, types.BundleIncluded, ev.Number, "receipts unavailable", nil)
		return
	}

	gasUsed := front.GasUsed + back.GasUsed
	gasCost := new(big.Int).Add(receiptCost(front), receiptCost(back))

	if front.Status != gethtypes.ReceiptStatusSuccessful || back.Status != gethtypes.ReceiptStatusSuccessful {
		m.breaker.Record(true, gasCost)
		m.metrics.Losses.Add(metrics.Ether(gasCost))
		log.Error().
			Str("bundle", b.ID).
			Uint64("block", ev.Number).
			Uint64("front_status", front.Status).
			Uint64("back_status", back.Status).
			Str("loss", types.FormatEther(gasCost)).
			Msg("Bundle reverted on chain")
		m.transition(ctx, b, types.BundleReverted, ev.Number, "leg reverted", func(o *store.Outcome) {
			o.Loss = gasCost
			o.GasUsed = gasUsed
		})
		return
	}

	m.breaker.Record(false, nil)
	profit := m.realizedProfit(b, front, back, gasCost)
	m.metrics.RealizedProfit.Add(metrics.Ether(profit))
	log.Info().
		Str("bundle", b.ID).
		Uint64("block", ev.Number).
		Int("attempt", b.Attempt).
		Str("profit", types.FormatEther(profit)).
		Msg("Bundle included")
	m.transition(ctx, b, types.BundleIncluded, ev.Number, "", func(o *store.Outcome) {
		o.RealizedProfit = profit
		o.GasUsed = gasUsed
	})
}

// missed handles a bundle that did not land by its target block. It is
// retried once if it would still be valid in the next block.
func (m *Manager) missed(ctx context.Context, t *tracked, ev *types.BlockEvent) {
	b := t.bundle
	if err := m.nonces.Release(t.lease); err != nil {
		log.Error().Err(err).Str("bundle", b.ID).Msg("Failed to release nonce lease")
	}
	m.transition(ctx, b, types.BundleNotIncluded, ev.Number, "", nil)

	reason := m.retryBlocker(ctx, b, ev)
	if reason == "" {
		next, err := m.builder.Rebuild(b)
		if err == nil {
			// A failed resubmission is journaled as discarded by Submit.
			if err := m.Submit(ctx, next); err != nil {
				log.Debug().Err(err).Str("bundle", b.ID).Msg("Resubmission failed")
			}
			return
		}
		reason = fmt.Sprintf("rebuild: %v", err)
	}

	m.forgetVictim(b)
	log.Debug().Str("bundle", b.ID).Str("reason", reason).Msg("Bundle discarded")
	m.transition(ctx, b, types.BundleDiscarded, ev.Number, reason, nil)
}

func (m *Manager) retryBlocker(ctx context.Context, b *types.Bundle, ev *types.BlockEvent) string {
	if b.Attempt > 1 {
		return "retry exhausted"
	}
	if err := m.breaker.Allow(); err != nil {
		return "circuit open"
	}
	if ev.Contains(b.Victim.Hash) {
		return "victim included without us"
	}
	if b.Plan != nil && ev.Touched(b.Plan.Pool) {
		return "pool state changed"
	}
	pending, err := m.chain.IsPending(ctx, b.Victim.Hash)
	if err != nil {
		return fmt.Sprintf("victim status: %v", err)
	}
	if !pending {
		return "victim no longer pending"
	}
	return ""
}

// realizedProfit nets the token flow of the executor across both legs.
// Gas is netted out only when the bundle trades WETH.
func (m *Manager) realizedProfit(b *types.Bundle, front, back *gethtypes.Receipt, gasCost *big.Int) *big.Int {
	if b.Plan == nil {
		return new(big.Int)
	}
	token := b.Plan.TokenIn
	profit := new(big.Int)
	for _, r := range []*gethtypes.Receipt{front, back} {
		for _, l := range r.Logs {
			tr, ok := pools.DecodeTransfer(*l)
			if !ok || tr.Token != token {
				continue
			}
			if tr.To == m.config.Executor {
				profit.Add(profit, tr.Amount)
			}
			if tr.From == m.config.Executor {
				profit.Sub(profit, tr.Amount)
			}
		}
	}
	if token == m.config.WETH {
		profit.Sub(profit, gasCost)
	}
	return profit
}

func (m *Manager) reconcile(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, m.config.ReceiptTimeout)
	defer cancel()
	nonce, err := m.chain.ConfirmedNonce(rctx, m.signer.Address())
	if err != nil {
		log.Debug().Err(err).Msg("Nonce reconcile skipped")
		return
	}
	before := m.nonces.Next()
	if m.nonces.Reconcile(nonce) {
		log.Warn().Uint64("tracked", before).Uint64("chain", nonce).Msg("Nonce drift corrected")
	}
}

func (m *Manager) forgetVictim(b *types.Bundle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.victims[b.Victim.Hash] == b.ID {
		delete(m.victims, b.Victim.Hash)
	}
}

func (m *Manager) transition(ctx context.Context, b *types.Bundle, state types.BundleState, block uint64, reason string, fill func(*store.Outcome)) {
	m.metrics.Bundles.WithLabelValues(state.String()).Inc()
	o := store.NewOutcome(b, state, block)
	o.Reason = reason
	if fill != nil {
		fill(o)
	}
	if err := m.journal.Record(ctx, o); err != nil {
		log.Warn().Err(err).Str("bundle", b.ID).Str("state", state.String()).Msg("Failed to journal outcome")
	}
}

func receiptCost(r *gethtypes.Receipt) *big.Int {
	price := r.EffectiveGasPrice
	if price == nil {
		price = new(big.Int)
	}
	return new(big.Int).Mul(price, new(big.Int).SetUint64(r.GasUsed))
}
