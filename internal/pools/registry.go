// Package pools tracks reserves of known pools per block.
package pools

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mev-protocol/sandwich/pkg/types"
)

var ErrUnknownPool = errors.New("pools: unknown pool")

// ReserveFetcher reads pair reserves as of the end of a block.
type ReserveFetcher interface {
	Reserves(ctx context.Context, pool common.Address, block uint64) (*big.Int, *big.Int, error)
}

// Config for the pool registry
type Config struct {
	// HistoryDepth is how many past reserve records each pool keeps.
	HistoryDepth int
	// PrimeConcurrency bounds parallel fetches during Prime.
	PrimeConcurrency int
}

type record struct {
	state *types.PoolState
	from  uint64
}

type entry struct {
	meta    types.PoolMeta
	mu      sync.RWMutex
	refresh sync.Mutex
	history []record
}

// at returns the newest record valid at block.
func (e *entry) at(block uint64) (*types.PoolState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].from <= block {
			return e.history[i].state, true
		}
	}
	return nil, false
}

func (e *entry) exact(block uint64) (*types.PoolState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].from == block {
			return e.history[i].state, true
		}
	}
	return nil, false
}

func (e *entry) put(st *types.PoolState, depth int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := sort.Search(len(e.history), func(i int) bool { return e.history[i].from >= st.UpdatedAt })
	if i < len(e.history) && e.history[i].from == st.UpdatedAt {
		e.history[i].state = st
		return
	}
	e.history = append(e.history, record{})
	copy(e.history[i+1:], e.history[i:])
	e.history[i] = record{state: st, from: st.UpdatedAt}
	if depth > 0 && len(e.history) > depth {
		e.history = e.history[len(e.history)-depth:]
	}
}

// dropFrom forgets records at or after block, used when a block is replaced.
func (e *entry) dropFrom(block uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := sort.Search(len(e.history), func(i int) bool { return e.history[i].from >= block })
	e.history = e.history[:i]
}

// Registry is the process-wide pool state store. Each pool has its own lock
// so refreshing one pool never blocks readers of another.
type Registry struct {
	config  Config
	dir     Directory
	fetcher ReserveFetcher

	mu      sync.RWMutex
	entries map[common.Address]*entry

	// synced is the highest block whose Sync logs have been applied. Pools
	// without a newer record are unchanged through it.
	synced atomic.Uint64
}

// NewRegistry creates a registry over the pools in dir.
func NewRegistry(cfg Config, dir Directory, fetcher ReserveFetcher) *Registry {
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = 4
	}
	if cfg.PrimeConcurrency <= 0 {
		cfg.PrimeConcurrency = 16
	}
	r := &Registry{
		config:  cfg,
		dir:     dir,
		fetcher: fetcher,
		entries: make(map[common.Address]*entry),
	}
	for _, m := range dir.All() {
		r.Track(m)
	}
	return r
}

// Directory returns the metadata source.
func (r *Registry) Directory() Directory { return r.dir }

// Synced returns the last block applied by OnBlock or Prime.
func (r *Registry) Synced() uint64 { return r.synced.Load() }

// Track starts following a pool. It is a no-op for tracked pools.
func (r *Registry) Track(meta types.PoolMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[meta.Address]; !ok {
		r.entries[meta.Address] = &entry{meta: meta}
	}
}

func (r *Registry) entry(pool common.Address) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[pool]
	r.mu.RUnlock()
	if ok {
		return e, true
	}
	meta, known := r.dir.Lookup(pool)
	if !known {
		return nil, false
	}
	r.Track(meta)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[pool], true
}

// Meta returns the static description of a pool.
func (r *Registry) Meta(pool common.Address) (types.PoolMeta, bool) {
	e, ok := r.entry(pool)
	if !ok {
		return types.PoolMeta{}, false
	}
	return e.meta, true
}

// StateAt returns the pool's reserves as of the end of block. Blocks the
// registry has not synced yet are fetched synchronously, so the result is
// never older than block.
func (r *Registry) StateAt(ctx context.Context, pool common.Address, block uint64) (*types.PoolState, error) {
	e, ok := r.entry(pool)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, pool.Hex())
	}

	if block <= r.synced.Load() {
		if st, ok := e.at(block); ok {
			return st.Clone(), nil
		}
	}
	st, err := r.refresh(ctx, e, block)
	if err != nil {
		return nil, err
	}
	return st.Clone(), nil
}

func (r *Registry) refresh(ctx context.Context, e *entry, block uint64) (*types.PoolState, error) {
	e.refresh.Lock()
	defer e.refresh.Unlock()

	// Another caller may have loaded this block while we waited.
	if st, ok := e.exact(block); ok {
		return st, nil
	}

	r0, r1, err := r.fetcher.Reserves(ctx, e.meta.Address, block)
	if err != nil {
		return nil, fmt.Errorf("refresh %s at %d: %w", e.meta.Address.Hex(), block, err)
	}
	st := &types.PoolState{PoolMeta: e.meta, Reserve0: r0, Reserve1: r1, UpdatedAt: block}
	e.put(st, r.config.HistoryDepth)
	return st, nil
}

// OnBlock applies the block's Sync logs to the pools they touch and marks
// every other pool unchanged through the block. A block at or below the
// synced height replaces what was recorded for that height. A block past
// synced+1 skipped Sync logs, so all history is dropped and pools are
// refetched on their next read.
func (r *Registry) OnBlock(ev *types.BlockEvent) {
	switch synced := r.synced.Load(); {
	case ev.Number <= synced:
		log.Warn().Uint64("block", ev.Number).Str("hash", ev.Hash.Hex()).Msg("Replacing pool state for reorged block")
		r.dropFrom(ev.Number)
	case ev.Number > synced+1:
		log.Warn().Uint64("block", ev.Number).Uint64("synced", synced).Msg("Pool registry skipped blocks, dropping history")
		r.dropFrom(0)
	}

	updated := 0
	for addr, s := range LatestSyncs(ev.Syncs) {
		e, ok := r.entry(addr)
		if !ok {
			continue
		}
		e.refresh.Lock()
		e.put(&types.PoolState{
			PoolMeta:  e.meta,
			Reserve0:  new(big.Int).Set(s.Reserve0),
			Reserve1:  new(big.Int).Set(s.Reserve1),
			UpdatedAt: ev.Number,
		}, r.config.HistoryDepth)
		e.refresh.Unlock()
		updated++
	}
	r.synced.Store(ev.Number)

	log.Debug().
		Uint64("block", ev.Number).
		Int("syncs", len(ev.Syncs)).
		Int("updated", updated).
		Msg("Pool registry advanced")
}

func (r *Registry) dropFrom(block uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		e.dropFrom(block)
	}
}

// Prime loads every tracked pool at block and marks the registry synced there.
func (r *Registry) Prime(ctx context.Context, block uint64) error {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.PrimeConcurrency)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			_, err := r.refresh(gctx, e, block)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	r.synced.Store(block)

	log.Info().Int("pools", len(entries)).Uint64("block", block).Msg("Pool registry primed")
	return nil
}

// FindPair resolves the pool for a token pair through the directory.
func (r *Registry) FindPair(tokenA, tokenB common.Address) (types.PoolMeta, bool) {
	return r.dir.FindPair(tokenA, tokenB)
}
