package classifier

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mev-protocol/sandwich/internal/dex"
	"github.com/mev-protocol/sandwich/internal/pools"
	"github.com/mev-protocol/sandwich/pkg/types"
)

var (
	weth    = common.HexToAddress("0x1000000000000000000000000000000000000001")
	usdc    = common.HexToAddress("0x2000000000000000000000000000000000000002")
	dai     = common.HexToAddress("0x2100000000000000000000000000000000000021")
	pairA   = common.HexToAddress("0x3000000000000000000000000000000000000003")
	pairB   = common.HexToAddress("0x3100000000000000000000000000000000000031")
	fresh   = common.HexToAddress("0x3200000000000000000000000000000000000032")
	proxy   = common.HexToAddress("0x4400000000000000000000000000000000000044")
	uniV2   = common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D")
	user    = common.HexToAddress("0x7000000000000000000000000000000000000007")
	wallet  = common.HexToAddress("0x7100000000000000000000000000000000000071")
	blocked = common.HexToAddress("0x7200000000000000000000000000000000000072")
)

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func directory() *pools.StaticDirectory {
	return pools.NewStaticDirectory(
		types.PoolMeta{Address: pairA, Token0: weth, Token1: usdc, FeeBps: 30},
		types.PoolMeta{Address: pairB, Token0: usdc, Token1: dai, FeeBps: 30},
	)
}

func poolCode() []byte {
	code := bytes.Repeat([]byte{byte(vm.JUMPDEST)}, 120)
	code = append(code, byte(vm.PUSH4))
	code = append(code, token0Selector[:]...)
	code = append(code, byte(vm.PUSH4))
	return append(code, token1Selector[:]...)
}

func routerCode() []byte {
	code := bytes.Repeat([]byte{byte(vm.JUMPDEST)}, 1_200)
	return append(code, byte(vm.DELEGATECALL))
}

type fakeChain struct {
	code   map[common.Address][]byte
	tokens map[common.Address][2]common.Address
	reads  int
}

func (f *fakeChain) CodeAt(_ context.Context, addr common.Address) ([]byte, error) {
	f.reads++
	if addr == blocked {
		return nil, errors.New("connection refused")
	}
	return f.code[addr], nil
}

func (f *fakeChain) Tokens(_ context.Context, pool common.Address) (common.Address, common.Address, error) {
	t, ok := f.tokens[pool]
	if !ok {
		return common.Address{}, common.Address{}, errors.New("execution reverted")
	}
	return t[0], t[1], nil
}

func newFixture() (*Classifier, *pools.StaticDirectory, *fakeChain) {
	dir := directory()
	chain := &fakeChain{
		code: map[common.Address][]byte{
			fresh: poolCode(),
			proxy: routerCode(),
		},
		tokens: map[common.Address][2]common.Address{fresh: {weth, dai}},
	}
	return New(Config{}, dir, chain), dir, chain
}

func pending(to common.Address, input []byte) *types.PendingTx {
	return &types.PendingTx{
		Hash:  common.HexToHash("0xabc"),
		From:  user,
		To:    &to,
		Value: new(big.Int),
		Input: input,
	}
}

func TestKnownRouterSwap(t *testing.T) {
	c, _, _ := newFixture()
	input, err := dex.PackRouterCall(dex.FamilyV2, "swapExactTokensForTokens",
		eth(10), eth(19_000), []common.Address{weth, usdc, dai}, user, big.NewInt(1_800_000_000))
	require.NoError(t, err)

	intent, ok := c.Classify(context.Background(), pending(uniV2, input))
	require.True(t, ok)
	assert.Equal(t, types.TierKnownRouter, intent.Tier)
	assert.Equal(t, []common.Address{pairA, pairB}, intent.Pools)
	assert.Equal(t, pairA, intent.Pool)
	assert.Equal(t, weth, intent.TokenIn)
	assert.Equal(t, usdc, intent.TokenOut)
	assert.True(t, intent.ZeroForOne)
	assert.Equal(t, eth(10), intent.AmountIn)
	assert.Equal(t, eth(19_000), intent.MinAmountOut)
	assert.Equal(t, uint64(1_800_000_000), intent.Deadline)
	assert.True(t, intent.Resolved())
}

func TestKnownRouterUnknownPoolIsOther(t *testing.T) {
	c, _, chain := newFixture()
	chain.code[uniV2] = routerCode()

	input, err := dex.PackRouterCall(dex.FamilyV2, "swapExactTokensForTokens",
		eth(1), big.NewInt(1), []common.Address{weth, common.HexToAddress("0x99")}, user, big.NewInt(0))
	require.NoError(t, err)
	_, ok := c.Classify(context.Background(), pending(uniV2, input))
	assert.False(t, ok, "hop through an unknown pool")
	assert.Zero(t, chain.reads, "decoded swaps stay in tier 1")
}

func TestKnownRouterOtherMethodFallsThrough(t *testing.T) {
	c, _, chain := newFixture()
	router02 := common.HexToAddress("0x68b3465833fb72A70ecDF485E0e4C7bD8665Fc45")

	// multicall(uint256,bytes[])
	multicall := []byte{0x5a, 0xe4, 0x01, 0xdc, 0x00, 0x01}

	chain.code[router02] = routerCode()

	intent, ok := c.Classify(context.Background(), pending(router02, multicall))
	require.True(t, ok)
	assert.Equal(t, types.TierRouterLike, intent.Tier)
	assert.True(t, intent.Unresolved)
	assert.Equal(t, 1, chain.reads)
}

func TestConcentratedSwapNotBoundToPair(t *testing.T) {
	c, _, _ := newFixture()
	v3Router := common.HexToAddress("0xE592427A0AEce92De3Edee1F18E0157C05861564")
	params := struct {
		TokenIn           common.Address
		TokenOut          common.Address
		Fee               *big.Int
		Recipient         common.Address
		Deadline          *big.Int
		AmountIn          *big.Int
		AmountOutMinimum  *big.Int
		SqrtPriceLimitX96 *big.Int
	}{weth, usdc, big.NewInt(3000), user, big.NewInt(1_800_000_000), eth(1), big.NewInt(1), big.NewInt(0)}

	input, err := dex.PackRouterCall(dex.FamilyV3, "exactInputSingle", params)
	require.NoError(t, err)

	intent, ok := c.Classify(context.Background(), pending(v3Router, input))
	assert.False(t, ok)
	assert.Nil(t, intent)
}

func TestDirectPairSwap(t *testing.T) {
	c, _, _ := newFixture()
	input, err := dex.PackPairSwap(eth(1), big.NewInt(0), user, nil)
	require.NoError(t, err)

	intent, ok := c.Classify(context.Background(), pending(pairA, input))
	require.True(t, ok)
	assert.Equal(t, types.TierPoolLike, intent.Tier)
	assert.False(t, intent.ZeroForOne)
	assert.Equal(t, usdc, intent.TokenIn)
	assert.Equal(t, weth, intent.TokenOut)
	assert.True(t, intent.ExactOut)
	assert.Equal(t, eth(1), intent.AmountOut)
	assert.True(t, intent.Resolved())

	intent, ok = c.Classify(context.Background(), pending(pairA, []byte{0xff, 0xf6, 0xca, 0xe9}))
	require.True(t, ok)
	assert.True(t, intent.Unresolved)
}

func TestDiscoveredPoolIsRecorded(t *testing.T) {
	c, dir, chain := newFixture()
	input, err := dex.PackPairSwap(big.NewInt(0), eth(5), user, nil)
	require.NoError(t, err)

	intent, ok := c.Classify(context.Background(), pending(fresh, input))
	require.True(t, ok)
	assert.Equal(t, fresh, intent.Pool)
	assert.True(t, intent.ZeroForOne)
	assert.Equal(t, weth, intent.TokenIn)

	meta, ok := dir.Lookup(fresh)
	require.True(t, ok)
	assert.Equal(t, dai, meta.Token1)

	_, ok = c.Classify(context.Background(), pending(fresh, input))
	require.True(t, ok)
	assert.Equal(t, 1, chain.reads)
}

func TestRouterLikeAndOther(t *testing.T) {
	c, _, chain := newFixture()

	intent, ok := c.Classify(context.Background(), pending(proxy, []byte{1, 2, 3, 4}))
	require.True(t, ok)
	assert.Equal(t, types.TierRouterLike, intent.Tier)
	assert.True(t, intent.Unresolved)
	assert.False(t, intent.Resolved())

	_, ok = c.Classify(context.Background(), pending(wallet, []byte{1, 2, 3, 4}))
	assert.False(t, ok, "account without code")

	_, ok = c.Classify(context.Background(), pending(blocked, []byte{1, 2, 3, 4}))
	assert.False(t, ok, "probe failure")

	_, ok = c.Classify(context.Background(), &types.PendingTx{Input: []byte{1, 2, 3, 4}})
	assert.False(t, ok, "contract creation")

	reads := chain.reads
	_, _ = c.Classify(context.Background(), pending(proxy, []byte{1, 2, 3, 4}))
	assert.Equal(t, reads, chain.reads, "probe is cached")
}

func TestKindOfSkipsPushData(t *testing.T) {
	p := NewProber(ProbeConfig{}, directory(), &fakeChain{})

	// DELEGATECALL bytes inside PUSH32 immediates are data, not code.
	var code []byte
	for len(code) < 1_200 {
		code = append(code, byte(vm.PUSH32))
		code = append(code, bytes.Repeat([]byte{byte(vm.DELEGATECALL)}, 32)...)
	}
	assert.Equal(t, KindOther, p.kindOf(code))

	code = append(code, byte(vm.CALL), byte(vm.CALL), byte(vm.CALL))
	assert.Equal(t, KindRouter, p.kindOf(code))

	assert.Equal(t, KindAccount, p.kindOf(nil))
	assert.Equal(t, KindPool, p.kindOf(poolCode()))
	assert.Equal(t, KindOther, p.kindOf(poolCode()[100:]), "too short for a pool")
}

type fakeTracer struct {
	logs []gethtypes.Log
	err  error
}

func (f *fakeTracer) TraceCallLogs(context.Context, *types.PendingTx, uint64) ([]gethtypes.Log, error) {
	return f.logs, f.err
}

func swapLog(pool common.Address, in0, in1, out0, out1 *big.Int) gethtypes.Log {
	data := make([]byte, 0, 128)
	for _, v := range []*big.Int{in0, in1, out0, out1} {
		data = append(data, common.LeftPadBytes(v.Bytes(), 32)...)
	}
	return gethtypes.Log{
		Address: pool,
		Topics:  []common.Hash{pools.SwapTopic, common.BytesToHash(proxy.Bytes()), common.BytesToHash(user.Bytes())},
		Data:    data,
	}
}

func TestResolverReadsSwapLogs(t *testing.T) {
	zero := new(big.Int)
	tracer := &fakeTracer{logs: []gethtypes.Log{
		swapLog(common.HexToAddress("0x77"), eth(1), zero, zero, eth(1)),
		swapLog(pairA, eth(2), zero, zero, eth(4_000)),
		swapLog(pairB, eth(4_000), zero, zero, eth(3_990)),
	}}
	r := NewResolver(directory(), tracer, 50)
	unresolved := &types.SwapIntent{TxHash: common.HexToHash("0xabc"), Tier: types.TierRouterLike, Unresolved: true}

	intent, err := r.Resolve(context.Background(), unresolved, pending(proxy, []byte{1, 2, 3, 4}), 100)
	require.NoError(t, err)
	assert.Equal(t, types.TierTraced, intent.Tier)
	assert.Equal(t, []common.Address{weth, usdc, dai}, intent.Path)
	assert.Equal(t, []common.Address{pairA, pairB}, intent.Pools)
	assert.Equal(t, pairA, intent.Pool)
	assert.True(t, intent.ZeroForOne)
	assert.Equal(t, eth(2), intent.AmountIn)
	assert.Equal(t, new(big.Int).Div(new(big.Int).Mul(eth(3_990), big.NewInt(9_950)), big.NewInt(10_000)), intent.MinAmountOut)
	assert.Equal(t, uint64(100), intent.PinnedBlock)
	assert.True(t, intent.Resolved())
	assert.True(t, unresolved.Unresolved, "input is not modified")

	tracer.logs = nil
	_, err = r.Resolve(context.Background(), unresolved, pending(proxy, nil), 100)
	assert.ErrorIs(t, err, ErrNotSwap)

	tracer.err = errors.New("method not found")
	_, err = r.Resolve(context.Background(), unresolved, pending(proxy, nil), 100)
	assert.Error(t, err)
}
