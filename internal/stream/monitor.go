// Package stream ingests pending transactions and new blocks from the chain
// and publishes the current head.
package stream

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus/misc/eip1559"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	"github.com/mev-protocol/sandwich/internal/metrics"
	"github.com/mev-protocol/sandwich/internal/pools"
	"github.com/mev-protocol/sandwich/pkg/types"
)

// Config for the stream monitor
type Config struct {
	BufferSize        int
	PendingTTL        time.Duration
	SeenCacheSize     int
	BlockCacheSize    int
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	// HeadPollInterval enables polling for heads the subscription missed.
	HeadPollInterval time.Duration
	// MaxGap bounds how many skipped blocks are backfilled at once.
	MaxGap      uint64
	ChainConfig *params.ChainConfig
}

func (c *Config) defaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 10_000
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = 2 * time.Minute
	}
	if c.SeenCacheSize <= 0 {
		c.SeenCacheSize = 200_000
	}
	if c.BlockCacheSize <= 0 {
		c.BlockCacheSize = 256
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.MaxGap == 0 {
		c.MaxGap = 8
	}
	if c.ChainConfig == nil {
		c.ChainConfig = params.MainnetChainConfig
	}
}

// Source is the chain data the monitor reads. rpc.Pool implements it.
type Source interface {
	SubscribePendingTransactions(ctx context.Context, ch chan<- *gethtypes.Transaction) (ethereum.Subscription, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *gethtypes.Header) (ethereum.Subscription, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	BlockByHash(ctx context.Context, hash common.Hash) (*gethtypes.Block, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// Monitor watches pending transactions and heads. Each is delivered once.
type Monitor struct {
	config  Config
	src     Source
	metrics *metrics.Metrics

	txChan    chan *types.PendingTx
	blockChan chan *types.BlockEvent

	seenTxs    *expirable.LRU[common.Hash, struct{}]
	seenBlocks *lru.Cache[common.Hash, struct{}]

	// blockMu serializes head handling between the subscription and the poller.
	blockMu   sync.Mutex
	delivered uint64

	wg sync.WaitGroup
}

// NewMonitor creates a new stream monitor
func NewMonitor(cfg Config, src Source, m *metrics.Metrics) *Monitor {
	cfg.defaults()
	blocks, _ := lru.New[common.Hash, struct{}](cfg.BlockCacheSize)
	return &Monitor{
		config:     cfg,
		src:        src,
		metrics:    m,
		txChan:     make(chan *types.PendingTx, cfg.BufferSize),
		blockChan:  make(chan *types.BlockEvent, 64),
		seenTxs:    expirable.NewLRU[common.Hash, struct{}](cfg.SeenCacheSize, nil, cfg.PendingTTL),
		seenBlocks: blocks,
	}
}

// Start begins streaming. from is the last block already processed; blocks
// at or below it are treated as reorgs.
func (m *Monitor) Start(ctx context.Context, from uint64) error {
	m.blockMu.Lock()
	m.delivered = from
	m.blockMu.Unlock()

	log.Info().Uint64("from", from).Msg("Starting stream monitor")

	m.wg.Add(2)
	go m.resubscribeLoop(ctx, "pending", m.subscribePending)
	go m.resubscribeLoop(ctx, "heads", m.subscribeHeads)

	if m.config.HeadPollInterval > 0 {
		m.wg.Add(1)
		go m.pollLoop(ctx)
	}
	return nil
}

// Stop waits for the loops to exit once ctx is cancelled.
func (m *Monitor) Stop(ctx context.Context) {
	log.Info().Msg("Stopping stream monitor")
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Stream monitor did not stop in time")
	}
}

// TxChan returns the channel of pending transactions
func (m *Monitor) TxChan() <-chan *types.PendingTx {
	return m.txChan
}

// BlockChan returns the channel of new blocks
func (m *Monitor) BlockChan() <-chan *types.BlockEvent {
	return m.blockChan
}

// resubscribeLoop keeps one subscription alive with capped exponential backoff.
func (m *Monitor) resubscribeLoop(ctx context.Context, name string, subscribe func(context.Context) error) {
	defer m.wg.Done()

	delay := m.config.ReconnectDelay
	for {
		started := time.Now()
		err := subscribe(ctx)
		if ctx.Err() != nil {
			return
		}
		m.metrics.Resubscribes.WithLabelValues(name).Inc()

		// A subscription that lived a while resets the backoff.
		if time.Since(started) > m.config.MaxReconnectDelay {
			delay = m.config.ReconnectDelay
		}
		log.Warn().Err(err).Str("source", name).Dur("retry_in", delay).Msg("Subscription lost, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, m.config.MaxReconnectDelay)
	}
}

func (m *Monitor) subscribePending(ctx context.Context) error {
	txs := make(chan *gethtypes.Transaction, 1_000)
	sub, err := m.src.SubscribePendingTransactions(ctx, txs)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	log.Info().Msg("Subscribed to pending transactions")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case tx := <-txs:
			m.handleTransaction(tx)
		}
	}
}

func (m *Monitor) handleTransaction(tx *gethtypes.Transaction) {
	hash := tx.Hash()
	if m.seenTxs.Contains(hash) {
		m.metrics.PendingDropped.WithLabelValues("duplicate").Inc()
		return
	}
	m.seenTxs.Add(hash, struct{}{})

	if tx.To() == nil {
		m.metrics.PendingDropped.WithLabelValues("creation").Inc()
		return
	}
	signer := gethtypes.LatestSignerForChainID(tx.ChainId())
	from, err := gethtypes.Sender(signer, tx)
	if err != nil {
		m.metrics.PendingDropped.WithLabelValues("sender").Inc()
		return
	}

	select {
	case m.txChan <- types.NewPendingTx(tx, from, time.Now()):
		m.metrics.PendingSeen.Inc()
	default:
		m.metrics.PendingDropped.WithLabelValues("full").Inc()
		log.Warn().Msg("Tx channel full, dropping transaction")
	}
}

func (m *Monitor) subscribeHeads(ctx context.Context) error {
	heads := make(chan *gethtypes.Header, 16)
	sub, err := m.src.SubscribeNewHead(ctx, heads)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	log.Info().Msg("Subscribed to new heads")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case h := <-heads:
			m.handleHeader(ctx, h)
		}
	}
}

func (m *Monitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.HeadPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h, err := m.src.HeaderByNumber(ctx, nil)
			if err != nil {
				log.Debug().Err(err).Msg("Head poll failed")
				continue
			}
			m.handleHeader(ctx, h)
		}
	}
}

// handleHeader delivers h, backfilling a bounded number of skipped blocks first.
func (m *Monitor) handleHeader(ctx context.Context, h *gethtypes.Header) {
	m.blockMu.Lock()
	defer m.blockMu.Unlock()

	n := h.Number.Uint64()
	if m.delivered > 0 && n > m.delivered+1 {
		start := m.delivered + 1
		if n-start > m.config.MaxGap {
			start = n - m.config.MaxGap
		}
		for i := start; i < n; i++ {
			missed, err := m.src.HeaderByNumber(ctx, new(big.Int).SetUint64(i))
			if err != nil {
				log.Warn().Err(err).Uint64("block", i).Msg("Failed to backfill block")
				break
			}
			m.deliver(ctx, missed)
		}
	}
	m.deliver(ctx, h)
}

func (m *Monitor) deliver(ctx context.Context, h *gethtypes.Header) {
	hash := h.Hash()
	if m.seenBlocks.Contains(hash) {
		return
	}

	ev, err := m.buildEvent(ctx, h)
	if err != nil {
		// Not marked seen, so the next head or poll retries it.
		log.Warn().Err(err).Uint64("block", h.Number.Uint64()).Msg("Failed to load block")
		return
	}
	m.seenBlocks.Add(hash, struct{}{})

	if ev.Number <= m.delivered {
		ev.Reorg = true
		m.metrics.Reorgs.Inc()
		log.Warn().
			Uint64("block", ev.Number).
			Str("hash", hash.Hex()).
			Uint64("delivered", m.delivered).
			Msg("Reorg detected")
	} else {
		m.delivered = ev.Number
	}

	select {
	case m.blockChan <- ev:
		m.metrics.Blocks.Inc()
	case <-ctx.Done():
	}
}

func (m *Monitor) buildEvent(ctx context.Context, h *gethtypes.Header) (*types.BlockEvent, error) {
	hash := h.Hash()
	block, err := m.src.BlockByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	logs, err := m.src.FilterLogs(ctx, ethereum.FilterQuery{
		BlockHash: &hash,
		Topics:    [][]common.Hash{{pools.SyncTopic}},
	})
	if err != nil {
		return nil, err
	}
	return NewBlockEvent(m.config.ChainConfig, h, block.Transactions(), logs), nil
}

// NewBlockEvent assembles the pipeline's view of a block.
func NewBlockEvent(cfg *params.ChainConfig, h *gethtypes.Header, txs gethtypes.Transactions, logs []gethtypes.Log) *types.BlockEvent {
	ev := &types.BlockEvent{
		Number:     h.Number.Uint64(),
		Hash:       h.Hash(),
		ParentHash: h.ParentHash,
		Timestamp:  h.Time,
		BaseFee:    new(big.Int),
		GasUsed:    h.GasUsed,
		GasLimit:   h.GasLimit,
		TxHashes:   make([]common.Hash, len(txs)),
	}
	for i, tx := range txs {
		ev.TxHashes[i] = tx.Hash()
	}
	for _, l := range logs {
		if l.Removed {
			continue
		}
		if s, ok := pools.DecodeSync(l); ok {
			ev.Syncs = append(ev.Syncs, s)
		}
	}

	ev.NextBaseFee = new(big.Int)
	if h.BaseFee != nil {
		ev.BaseFee.Set(h.BaseFee)
		ev.NextBaseFee.Set(h.BaseFee)
		if cfg != nil && cfg.IsLondon(h.Number) {
			ev.NextBaseFee = eip1559.CalcBaseFee(cfg, h)
		}
	}
	return ev
}
