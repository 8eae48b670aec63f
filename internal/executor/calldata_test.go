package executor

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pair = common.HexToAddress("0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc")
	weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
)

func TestEncodeLayout(t *testing.T) {
	data, err := Encode(0x0102030405060708, Front(pair, weth, false, big.NewInt(5), big.NewInt(0x0a0b)))
	require.NoError(t, err)
	require.Len(t, data, HeaderSize+RecordSize)

	assert.Equal(t, "0102030405060708", hex.EncodeToString(data[:8]))
	assert.Equal(t, byte(0), data[8])
	assert.Equal(t, pair.Bytes(), data[9:29])
	assert.Equal(t, weth.Bytes(), data[29:49])
	assert.Equal(t, byte(5), data[80])
	assert.Equal(t, []byte{0x0a, 0x0b}, data[111:113])
}

func TestRoundTrip(t *testing.T) {
	huge, _ := new(big.Int).SetString("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff", 16)
	swaps := []Swap{
		Front(pair, weth, true, new(big.Int).Mul(big.NewInt(3), big.NewInt(1e18)), big.NewInt(6_000_000_000)),
		Back(pair, usdc, true, big.NewInt(5_999_999_999), huge),
	}

	data, err := Encode(19_000_001, swaps...)
	require.NoError(t, err)

	call, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(19_000_001), call.Block)
	require.Len(t, call.Swaps, 2)
	for i := range swaps {
		assert.Equal(t, swaps[i].ZeroForOne, call.Swaps[i].ZeroForOne)
		assert.Equal(t, swaps[i].Pool, call.Swaps[i].Pool)
		assert.Equal(t, swaps[i].TokenIn, call.Swaps[i].TokenIn)
		assert.Zero(t, swaps[i].AmountIn.Cmp(call.Swaps[i].AmountIn))
		assert.Zero(t, swaps[i].AmountOut.Cmp(call.Swaps[i].AmountOut))
	}
	assert.False(t, call.Swaps[1].ZeroForOne, "back leg flips direction")

	again, err := Encode(call.Block, call.Swaps...)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestEncodeRejectsOutOfRange(t *testing.T) {
	tooBig := new(big.Int).Lsh(big.NewInt(1), 256)
	_, err := Encode(1, Front(pair, weth, true, tooBig, big.NewInt(1)))
	assert.ErrorIs(t, err, ErrAmountRange)

	_, err = Encode(1, Front(pair, weth, true, big.NewInt(-1), big.NewInt(1)))
	assert.ErrorIs(t, err, ErrAmountRange)

	_, err = Encode(1)
	assert.ErrorIs(t, err, ErrNoRecords)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortCalldata)

	_, err = Decode(make([]byte, HeaderSize))
	assert.ErrorIs(t, err, ErrNoRecords)

	_, err = Decode(make([]byte, HeaderSize+RecordSize-1))
	assert.ErrorIs(t, err, ErrRecordLength)

	bad := make([]byte, HeaderSize+RecordSize)
	bad[HeaderSize] = 2
	_, err = Decode(bad)
	assert.ErrorIs(t, err, ErrBadDirection)
}
