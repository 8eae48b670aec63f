package bundle

import (
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mev-protocol/sandwich/internal/executor"
	"github.com/mev-protocol/sandwich/pkg/types"
)

var (
	exec = common.HexToAddress("0x00000000000000000000000000000000000e0e0e")
	pair = common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc")
	weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
)

type head struct{ n atomic.Uint64 }

func newHead(n uint64) *head {
	h := &head{}
	h.n.Store(n)
	return h
}

func (h *head) Current() uint64 { return h.n.Load() }

func victimTx(t *testing.T) *types.PendingTx {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	tx, err := gethtypes.SignNewTx(key, gethtypes.LatestSignerForChainID(big.NewInt(1)), &gethtypes.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		GasTipCap: big.NewInt(1e9),
		GasFeeCap: big.NewInt(60e9),
		Gas:       180_000,
		To:        &to,
		Value:     new(big.Int),
		Data:      []byte{0x38, 0xed, 0x17, 0x39},
	})
	require.NoError(t, err)
	return types.NewPendingTx(tx, crypto.PubkeyToAddress(key.PublicKey), time.Now())
}

func testPlan(victim common.Hash, pinned uint64) *types.SandwichPlan {
	return &types.SandwichPlan{
		Victim:      victim,
		Pool:        pair,
		TokenIn:     weth,
		TokenOut:    usdc,
		ZeroForOne:  false,
		PinnedBlock: pinned,
		TargetBlock: pinned + 1,
		FrontIn:     big.NewInt(5e18),
		FrontOut:    big.NewInt(9_900_000_000),
		BackIn:      big.NewInt(9_899_999_999),
		BackOut:     big.NewInt(5_060_000_000_000_000_000),
		FrontGas:    120_000,
		BackGas:     110_000,
	}
}

func TestBuildOrdersAndEncodesLegs(t *testing.T) {
	victim := victimTx(t)
	b := NewBuilder(Config{Executor: exec}, newHead(100))

	plan := testPlan(victim.Hash, 100)
	bundle, err := b.Build(plan, victim)
	require.NoError(t, err)

	_, err = uuid.Parse(bundle.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, bundle.Attempt)
	assert.Equal(t, uint64(101), bundle.TargetBlock)
	assert.Same(t, victim, bundle.Victim)
	assert.Equal(t, exec, bundle.Front.To)
	assert.Equal(t, exec, bundle.Back.To)
	assert.Equal(t, uint64(180_000), bundle.Front.GasLimit)
	assert.Equal(t, uint64(165_000), bundle.Back.GasLimit)

	front, err := executor.Decode(bundle.Front.Data)
	require.NoError(t, err)
	assert.Equal(t, uint64(101), front.Block)
	require.Len(t, front.Swaps, 1)
	assert.Equal(t, executor.Swap{
		ZeroForOne: false, Pool: pair, TokenIn: weth, AmountIn: plan.FrontIn, AmountOut: plan.FrontOut,
	}, front.Swaps[0])

	back, err := executor.Decode(bundle.Back.Data)
	require.NoError(t, err)
	assert.Equal(t, uint64(101), back.Block)
	require.Len(t, back.Swaps, 1)
	assert.Equal(t, executor.Swap{
		ZeroForOne: true, Pool: pair, TokenIn: usdc, AmountIn: plan.BackIn, AmountOut: plan.BackOut,
	}, back.Swaps[0])
}

func TestBuildRejects(t *testing.T) {
	victim := victimTx(t)
	b := NewBuilder(Config{Executor: exec}, newHead(101))

	_, err := b.Build(testPlan(victim.Hash, 100), victim)
	assert.ErrorIs(t, err, ErrStalePlan)

	_, err = b.Build(testPlan(common.HexToHash("0x01"), 101), victim)
	assert.ErrorIs(t, err, ErrVictimMismatch)

	unsigned := *victim
	unsigned.Raw = nil
	_, err = b.Build(testPlan(victim.Hash, 101), &unsigned)
	assert.ErrorIs(t, err, ErrNoVictimTx)

	plan := testPlan(victim.Hash, 101)
	plan.BackOut = big.NewInt(-1)
	_, err = b.Build(plan, victim)
	assert.ErrorIs(t, err, executor.ErrAmountRange)
}

func TestRebuildRepinsToHead(t *testing.T) {
	victim := victimTx(t)
	h := newHead(100)
	b := NewBuilder(Config{Executor: exec}, h)

	first, err := b.Build(testPlan(victim.Hash, 100), victim)
	require.NoError(t, err)

	h.n.Store(101)
	second, err := b.Rebuild(first)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, uint64(102), second.TargetBlock)
	assert.Equal(t, uint64(101), second.Plan.PinnedBlock)
	assert.Equal(t, uint64(100), first.Plan.PinnedBlock, "previous plan is untouched")

	call, err := executor.Decode(second.Front.Data)
	require.NoError(t, err)
	assert.Equal(t, uint64(102), call.Block)
}

func TestSignLegs(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewSignerFromKey(key, big.NewInt(1))
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), signer.Address())

	victim := victimTx(t)
	b, err := NewBuilder(Config{Executor: exec}, newHead(100)).Build(testPlan(victim.Hash, 100), victim)
	require.NoError(t, err)
	assert.False(t, b.Signed())

	fees := Fees{BaseFee: big.NewInt(30e9), Tip: big.NewInt(2e9)}
	require.NoError(t, signer.Sign(b, 7, fees))
	require.True(t, b.Signed())

	txs := b.Transactions()
	require.Len(t, txs, 3)
	assert.Equal(t, victim.Hash, txs[1].Hash())

	ethSigner := gethtypes.LatestSignerForChainID(big.NewInt(1))
	for i, tx := range []*gethtypes.Transaction{b.Front.Signed, b.Back.Signed} {
		from, err := gethtypes.Sender(ethSigner, tx)
		require.NoError(t, err)
		assert.Equal(t, signer.Address(), from)
		assert.Equal(t, uint64(7+i), tx.Nonce())
		assert.Equal(t, big.NewInt(62e9), tx.GasFeeCap())
		assert.Equal(t, big.NewInt(2e9), tx.GasTipCap())
		assert.Equal(t, exec, *tx.To())
	}
	assert.Equal(t, b.Front.Data, b.Front.Signed.Data())

	raw, err := b.RawTransactions()
	require.NoError(t, err)
	assert.Len(t, raw, 3)

	assert.ErrorIs(t, signer.Sign(b, 7, Fees{}), ErrNoBaseFee)
}

func TestNewSignerRejectsBadKey(t *testing.T) {
	_, err := NewSigner("not-hex", big.NewInt(1))
	assert.Error(t, err)
}
