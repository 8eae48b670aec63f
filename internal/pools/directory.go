package pools

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mev-protocol/sandwich/pkg/types"
)

// Directory answers which contracts are known pools and what they hold.
type Directory interface {
	Lookup(addr common.Address) (types.PoolMeta, bool)
	FindPair(tokenA, tokenB common.Address) (types.PoolMeta, bool)
	All() []types.PoolMeta
}

// Recorder is a Directory that accepts newly discovered pools.
type Recorder interface {
	Directory
	Add(ctx context.Context, meta types.PoolMeta) error
}

type pairKey [2]common.Address

func keyOf(a, b common.Address) pairKey {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	return pairKey{a, b}
}

// StaticDirectory is an in-memory Directory.
type StaticDirectory struct {
	mu     sync.RWMutex
	byAddr map[common.Address]types.PoolMeta
	byPair map[pairKey]types.PoolMeta
}

// NewStaticDirectory indexes the given pools. When two pools share a token
// pair, the lower fee wins FindPair.
func NewStaticDirectory(metas ...types.PoolMeta) *StaticDirectory {
	d := &StaticDirectory{
		byAddr: make(map[common.Address]types.PoolMeta, len(metas)),
		byPair: make(map[pairKey]types.PoolMeta, len(metas)),
	}
	for _, m := range metas {
		d.put(m)
	}
	return d
}

func (d *StaticDirectory) put(m types.PoolMeta) {
	d.byAddr[m.Address] = m
	k := keyOf(m.Token0, m.Token1)
	if cur, ok := d.byPair[k]; !ok || m.FeeBps < cur.FeeBps {
		d.byPair[k] = m
	}
}

func (d *StaticDirectory) Lookup(addr common.Address) (types.PoolMeta, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.byAddr[addr]
	return m, ok
}

func (d *StaticDirectory) FindPair(tokenA, tokenB common.Address) (types.PoolMeta, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.byPair[keyOf(tokenA, tokenB)]
	return m, ok
}

// All returns pools ordered by address.
func (d *StaticDirectory) All() []types.PoolMeta {
	d.mu.RLock()
	out := make([]types.PoolMeta, 0, len(d.byAddr))
	for _, m := range d.byAddr {
		out = append(out, m)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address.Bytes(), out[j].Address.Bytes()) < 0
	})
	return out
}

func (d *StaticDirectory) Add(_ context.Context, meta types.PoolMeta) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.put(meta)
	return nil
}

func (d *StaticDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byAddr)
}
