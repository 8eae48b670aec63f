package submission

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimRequiresInit(t *testing.T) {
	_, err := NewNonceTracker(nil).Claim(2)
	assert.ErrorIs(t, err, ErrNonceUninitialized)
}

func TestClaimIsExclusive(t *testing.T) {
	tr := NewNonceTracker(nil)
	tr.Init(10)

	var (
		mu   sync.Mutex
		seen = make(map[uint64]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := tr.Claim(2)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for n := l.Base; n < l.Base+l.Count; n++ {
				assert.False(t, seen[n], "nonce %d leased twice", n)
				seen[n] = true
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 100)
	assert.Equal(t, uint64(110), tr.Next())
	assert.Equal(t, 50, tr.InFlight())
}

func TestReleaseExactlyOnce(t *testing.T) {
	tr := NewNonceTracker(nil)
	tr.Init(10)
	l, err := tr.Claim(2)
	require.NoError(t, err)

	require.NoError(t, tr.Release(l))
	assert.ErrorIs(t, tr.Release(l), ErrAlreadyReleased)
	assert.ErrorIs(t, tr.Commit(l), ErrAlreadyReleased)
	assert.Equal(t, uint64(10), tr.Next(), "top lease rewinds")

	c, err := tr.Claim(2)
	require.NoError(t, err)
	require.NoError(t, tr.Commit(c))
	assert.ErrorIs(t, tr.Release(c), ErrAlreadyReleased)
	assert.Equal(t, uint64(12), tr.Next())
	assert.Zero(t, tr.InFlight())
}

func TestReleasedRangeIsReusedFirst(t *testing.T) {
	tr := NewNonceTracker(nil)
	tr.Init(10)
	a, _ := tr.Claim(2) // 10,11
	b, _ := tr.Claim(2) // 12,13

	require.NoError(t, tr.Release(a))
	assert.Equal(t, uint64(14), tr.Next(), "lower lease is parked, not rewound")

	c, err := tr.Claim(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), c.Base)

	d, err := tr.Claim(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(14), d.Base)

	// Releasing the top lease rewinds through the parked spans below it.
	require.NoError(t, tr.Release(c))
	require.NoError(t, tr.Release(b))
	assert.Equal(t, uint64(16), tr.Next())
	require.NoError(t, tr.Release(d))
	assert.Equal(t, uint64(10), tr.Next())
}

func TestCommitDropsParkedNoncesBelow(t *testing.T) {
	tr := NewNonceTracker(nil)
	tr.Init(10)
	a, _ := tr.Claim(2)
	b, _ := tr.Claim(2)
	require.NoError(t, tr.Release(a))
	require.NoError(t, tr.Commit(b))

	c, err := tr.Claim(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(14), c.Base)
}

func TestReconcile(t *testing.T) {
	var marks []uint64
	tr := NewNonceTracker(func(n uint64) { marks = append(marks, n) })
	tr.Init(10)

	assert.False(t, tr.Reconcile(10))

	l, _ := tr.Claim(2)
	assert.False(t, tr.Reconcile(10), "in-flight lease keeps the local mark")
	assert.True(t, tr.Reconcile(15), "chain ahead always wins")
	assert.Equal(t, uint64(15), tr.Next())

	require.NoError(t, tr.Release(l))
	assert.Equal(t, uint64(15), tr.Next())
	assert.True(t, tr.Reconcile(13), "idle tracker follows the chain down")
	assert.Equal(t, uint64(13), tr.Next())

	assert.Equal(t, []uint64{10, 12, 15, 13}, marks)
}
