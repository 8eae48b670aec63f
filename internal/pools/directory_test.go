package pools

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mev-protocol/sandwich/pkg/types"
)

func TestStaticDirectoryFindPairPrefersLowerFee(t *testing.T) {
	cheap := types.PoolMeta{Address: common.HexToAddress("0x05"), Token0: usdc, Token1: weth, FeeBps: 5}
	d := NewStaticDirectory(metaA, cheap)

	m, ok := d.FindPair(weth, usdc)
	require.True(t, ok)
	assert.Equal(t, cheap.Address, m.Address)

	_, ok = d.FindPair(weth, common.HexToAddress("0x99"))
	assert.False(t, ok)
	assert.Len(t, d.All(), 2)
}

func TestSQLiteDirectoryPersistsAdds(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pools.db")

	d, err := OpenSQLiteDirectory(ctx, path)
	require.NoError(t, err)
	require.NoError(t, d.Add(ctx, metaA))
	require.NoError(t, d.Add(ctx, types.PoolMeta{Address: poolB, Token0: dai, Token1: weth}))

	m, ok := d.Lookup(poolA)
	require.True(t, ok)
	assert.Equal(t, usdc, m.Token0)
	require.NoError(t, d.Close())

	reopened, err := OpenSQLiteDirectory(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	all := reopened.All()
	require.Len(t, all, 2)
	b, ok := reopened.FindPair(weth, dai)
	require.True(t, ok)
	assert.Equal(t, uint32(types.DefaultFeeBps), b.FeeBps)
}

func TestSQLiteDirectorySkipsMalformedRows(t *testing.T) {
	ctx := context.Background()
	d, err := OpenSQLiteDirectory(ctx, filepath.Join(t.TempDir(), "pools.db"))
	require.NoError(t, err)
	defer d.Close()

	_, err = d.db.ExecContext(ctx, `INSERT INTO pools (address, token0, token1, fee_bps) VALUES ('nope', 'x', 'y', 30)`)
	require.NoError(t, err)
	require.NoError(t, d.Reload(ctx))
	assert.Empty(t, d.All())
}

func TestEventTopics(t *testing.T) {
	assert.Equal(t, "0x1c411e9a96e071241c2f21f7726b17ae89e3cab4c78be50e062b03a9fffbbad1", SyncTopic.Hex())
	assert.Equal(t, "0xd78ad95fa46c994b6551d0da85fc275fe613ce37657fb8d5e3d130840159d822", SwapTopic.Hex())
	assert.Equal(t, "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef", TransferTopic.Hex())
	assert.Equal(t, [4]byte{0x0d, 0xfe, 0x16, 0x81}, Selector("token0()"))
}

func TestDecodeLogs(t *testing.T) {
	data := append(common.LeftPadBytes(big.NewInt(7).Bytes(), 32), common.LeftPadBytes(big.NewInt(9).Bytes(), 32)...)
	s, ok := DecodeSync(gethtypes.Log{Address: poolA, Topics: []common.Hash{SyncTopic}, Data: data, Index: 3})
	require.True(t, ok)
	assert.Equal(t, big.NewInt(7), s.Reserve0)
	assert.Equal(t, big.NewInt(9), s.Reserve1)
	assert.Equal(t, uint(3), s.LogIndex)

	_, ok = DecodeSync(gethtypes.Log{Topics: []common.Hash{SwapTopic}, Data: data})
	assert.False(t, ok)

	swapData := make([]byte, 128)
	swapData[31] = 5
	swapData[127] = 8
	sw, ok := DecodeSwap(gethtypes.Log{Address: poolA, Topics: []common.Hash{SwapTopic, {}, {}}, Data: swapData})
	require.True(t, ok)
	assert.True(t, sw.ZeroForOne())
	assert.Equal(t, big.NewInt(8), sw.Amount1Out)

	tr, ok := DecodeTransfer(gethtypes.Log{
		Address: weth,
		Topics:  []common.Hash{TransferTopic, common.BytesToHash(poolA.Bytes()), common.BytesToHash(poolB.Bytes())},
		Data:    common.LeftPadBytes([]byte{1}, 32),
	})
	require.True(t, ok)
	assert.Equal(t, poolA, tr.From)
	assert.Equal(t, poolB, tr.To)
}
