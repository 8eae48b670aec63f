package pools

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mev-protocol/sandwich/pkg/types"
)

var (
	poolA  = common.HexToAddress("0x000000000000000000000000000000000000aaaa")
	poolB  = common.HexToAddress("0x000000000000000000000000000000000000bbbb")
	weth   = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc   = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	dai    = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	metaA  = types.PoolMeta{Address: poolA, Token0: usdc, Token1: weth, FeeBps: 30}
	metaB  = types.PoolMeta{Address: poolB, Token0: dai, Token1: weth, FeeBps: 30}
	errRPC = errors.New("rpc down")
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls map[common.Address][]uint64
	delay time.Duration
	fail  bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: make(map[common.Address][]uint64)}
}

// Reserves returns (block, block*10) so tests can tell fetches apart.
func (f *fakeFetcher) Reserves(_ context.Context, pool common.Address, block uint64) (*big.Int, *big.Int, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, nil, errRPC
	}
	f.calls[pool] = append(f.calls[pool], block)
	b := new(big.Int).SetUint64(block)
	return b, new(big.Int).Mul(b, big.NewInt(10)), nil
}

func (f *fakeFetcher) count(pool common.Address) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls[pool])
}

func syncEvent(pool common.Address, r0, r1 int64, idx uint) types.SyncEvent {
	return types.SyncEvent{Pool: pool, Reserve0: big.NewInt(r0), Reserve1: big.NewInt(r1), LogIndex: idx}
}

func TestStateAtBeyondSyncedFetchesSynchronously(t *testing.T) {
	f := newFakeFetcher()
	r := NewRegistry(Config{}, NewStaticDirectory(metaA), f)
	ctx := context.Background()

	st, err := r.StateAt(ctx, poolA, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), st.UpdatedAt)
	assert.Equal(t, big.NewInt(100), st.Reserve0)
	assert.Equal(t, 1, f.count(poolA))

	// Same block again is served from history.
	_, err = r.StateAt(ctx, poolA, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, f.count(poolA))

	// A later block than synced forces another read.
	_, err = r.StateAt(ctx, poolA, 101)
	require.NoError(t, err)
	assert.Equal(t, 2, f.count(poolA))
}

func TestOnBlockOnlyUpdatesTouchedPools(t *testing.T) {
	f := newFakeFetcher()
	r := NewRegistry(Config{}, NewStaticDirectory(metaA, metaB), f)
	ctx := context.Background()
	require.NoError(t, r.Prime(ctx, 10))
	assert.Equal(t, uint64(10), r.Synced())

	r.OnBlock(&types.BlockEvent{
		Number: 11,
		Syncs:  []types.SyncEvent{syncEvent(poolA, 1, 2, 0), syncEvent(poolA, 5, 6, 4)},
	})
	assert.Equal(t, uint64(11), r.Synced())

	a, err := r.StateAt(ctx, poolA, 11)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(5), a.Reserve0, "last Sync in the block wins")
	assert.Equal(t, uint64(11), a.UpdatedAt)

	b, err := r.StateAt(ctx, poolB, 11)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), b.UpdatedAt, "untouched pool keeps its record")

	old, err := r.StateAt(ctx, poolA, 10)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10), old.Reserve0)

	assert.Equal(t, 1, f.count(poolA))
	assert.Equal(t, 1, f.count(poolB))
}

func TestOnBlockReplacesReorgedHeight(t *testing.T) {
	f := newFakeFetcher()
	r := NewRegistry(Config{}, NewStaticDirectory(metaA), f)
	require.NoError(t, r.Prime(context.Background(), 10))

	r.OnBlock(&types.BlockEvent{Number: 11, Syncs: []types.SyncEvent{syncEvent(poolA, 7, 7, 0)}})
	r.OnBlock(&types.BlockEvent{Number: 11, Hash: common.HexToHash("0x02")})

	st, err := r.StateAt(context.Background(), poolA, 11)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), st.UpdatedAt, "replacement block did not touch the pool")
}

func TestOnBlockAfterGapRefetches(t *testing.T) {
	f := newFakeFetcher()
	r := NewRegistry(Config{}, NewStaticDirectory(metaA, metaB), f)
	ctx := context.Background()
	require.NoError(t, r.Prime(ctx, 100))

	r.OnBlock(&types.BlockEvent{Number: 105, Syncs: []types.SyncEvent{syncEvent(poolB, 3, 4, 0)}})
	assert.Equal(t, uint64(105), r.Synced())

	a, err := r.StateAt(ctx, poolA, 105)
	require.NoError(t, err)
	assert.Equal(t, uint64(105), a.UpdatedAt)
	assert.Equal(t, big.NewInt(105), a.Reserve0)
	assert.Equal(t, []uint64{100, 105}, f.calls[poolA])

	b, err := r.StateAt(ctx, poolB, 105)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(3), b.Reserve0, "Sync logs of the delivered block still apply")
	assert.Equal(t, 1, f.count(poolB))

	// The next contiguous block keeps history.
	r.OnBlock(&types.BlockEvent{Number: 106})
	_, err = r.StateAt(ctx, poolA, 106)
	require.NoError(t, err)
	assert.Equal(t, 2, f.count(poolA))
}

func TestStateAtUnknownPool(t *testing.T) {
	r := NewRegistry(Config{}, NewStaticDirectory(), newFakeFetcher())
	_, err := r.StateAt(context.Background(), poolA, 1)
	assert.ErrorIs(t, err, ErrUnknownPool)
}

func TestStateAtTracksPoolsAddedToDirectory(t *testing.T) {
	dir := NewStaticDirectory()
	r := NewRegistry(Config{}, dir, newFakeFetcher())
	require.NoError(t, dir.Add(context.Background(), metaB))

	st, err := r.StateAt(context.Background(), poolB, 5)
	require.NoError(t, err)
	assert.Equal(t, dai, st.Token0)
}

func TestStateAtReturnsCopies(t *testing.T) {
	r := NewRegistry(Config{}, NewStaticDirectory(metaA), newFakeFetcher())
	st, err := r.StateAt(context.Background(), poolA, 3)
	require.NoError(t, err)
	st.Reserve0.SetInt64(-1)

	again, err := r.StateAt(context.Background(), poolA, 3)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(3), again.Reserve0)
}

func TestConcurrentRefreshIsSerializedPerPool(t *testing.T) {
	f := newFakeFetcher()
	f.delay = 10 * time.Millisecond
	r := NewRegistry(Config{}, NewStaticDirectory(metaA), f)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.StateAt(context.Background(), poolA, 42); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, 1, f.count(poolA))
}

func TestHistoryDepthPrunesOldest(t *testing.T) {
	f := newFakeFetcher()
	r := NewRegistry(Config{HistoryDepth: 2}, NewStaticDirectory(metaA), f)
	require.NoError(t, r.Prime(context.Background(), 1))
	r.OnBlock(&types.BlockEvent{Number: 2, Syncs: []types.SyncEvent{syncEvent(poolA, 2, 2, 0)}})
	r.OnBlock(&types.BlockEvent{Number: 3, Syncs: []types.SyncEvent{syncEvent(poolA, 3, 3, 0)}})

	// Block 1 fell out of history, so it is re-read.
	st, err := r.StateAt(context.Background(), poolA, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.UpdatedAt)
	assert.Equal(t, 2, f.count(poolA))
}

func TestFetchErrorPropagates(t *testing.T) {
	f := newFakeFetcher()
	f.fail = true
	r := NewRegistry(Config{}, NewStaticDirectory(metaA), f)

	_, err := r.StateAt(context.Background(), poolA, 9)
	assert.ErrorIs(t, err, errRPC)
	assert.ErrorIs(t, r.Prime(context.Background(), 9), errRPC)
	assert.Zero(t, r.Synced())
}
