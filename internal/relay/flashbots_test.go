package relay

import (
	"context"
	"io"
	"math/big"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/mev-protocol/sandwich/internal/metrics"
	"github.com/mev-protocol/sandwich/pkg/types"
)

const relayURL = "https://relay.test"

const searcherKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func newClient(t *testing.T, retries int) *Client {
	t.Helper()
	c, err := New(Config{
		URL:        relayURL,
		SigningKey: searcherKey,
		MaxRetries: retries,
		RetryDelay: time.Millisecond,
	}, metrics.Nop())
	require.NoError(t, err)
	httpmock.ActivateNonDefault(c.httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func signedTx(t *testing.T, key string, nonce uint64) *gethtypes.Transaction {
	t.Helper()
	k, err := crypto.HexToECDSA(key)
	require.NoError(t, err)
	to := common.HexToAddress("0x00000000000000000000000000000000000e0e0e")
	tx, err := gethtypes.SignNewTx(k, gethtypes.LatestSignerForChainID(big.NewInt(1)), &gethtypes.DynamicFeeTx{
		ChainID: big.NewInt(1), Nonce: nonce, Gas: 200_000, To: &to,
		GasTipCap: big.NewInt(2e9), GasFeeCap: big.NewInt(62e9), Value: new(big.Int),
	})
	require.NoError(t, err)
	return tx
}

func testBundle(t *testing.T) *types.Bundle {
	victimKey := "8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63"
	return &types.Bundle{
		ID:          "5f0c8d3e-6a43-4b8e-9d2b-7b1e8e4f2a10",
		TargetBlock: 19_000_001,
		Front:       types.BundleLeg{Signed: signedTx(t, searcherKey, 7)},
		Victim:      &types.PendingTx{Raw: signedTx(t, victimKey, 0)},
		Back:        types.BundleLeg{Signed: signedTx(t, searcherKey, 8)},
	}
}

func TestNewBundle(t *testing.T) {
	b := testBundle(t)
	payload, err := NewBundle(b)
	require.NoError(t, err)

	assert.Equal(t, "0x121eac1", payload.BlockNumber)
	assert.Equal(t, b.ID, payload.ReplacementUUID)
	require.Len(t, payload.Txs, 3)
	for i, tx := range b.Transactions() {
		raw, err := tx.MarshalBinary()
		require.NoError(t, err)
		assert.Equal(t, hexutil.Encode(raw), payload.Txs[i])
	}

	b.Back.Signed = nil
	_, err = NewBundle(b)
	assert.ErrorIs(t, err, ErrBundleUnsigned)
}

func TestSendBundle(t *testing.T) {
	c := newClient(t, 0)
	httpmock.RegisterResponder(http.MethodPost, relayURL, func(req *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(req.Body)
		require.NoError(t, err)

		sig := req.Header.Get("X-Flashbots-Signature")
		addr, _, ok := strings.Cut(sig, ":")
		require.True(t, ok)
		assert.Equal(t, crypto.PubkeyToAddress(c.signingKey.PublicKey).Hex(), addr)

		req0 := gjson.ParseBytes(body)
		assert.Equal(t, "eth_sendBundle", req0.Get("method").String())
		assert.Equal(t, "0x121eac1", req0.Get("params.0.blockNumber").String())
		assert.Equal(t, int64(3), req0.Get("params.0.txs.#").Int())
		return httpmock.NewStringResponse(200, `{"jsonrpc":"2.0","id":1,"result":{"bundleHash":"0xabc"}}`), nil
	})

	payload, err := NewBundle(testBundle(t))
	require.NoError(t, err)
	res, err := c.SendBundle(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", res.BundleHash)
}

func TestSendBundleRejected(t *testing.T) {
	c := newClient(t, 3)
	httpmock.RegisterResponder(http.MethodPost, relayURL,
		httpmock.NewStringResponder(400, `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"bundle nonce too low"}}`))

	_, err := c.SendBundle(context.Background(), &Bundle{BlockNumber: "0x1"})
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "nonce too low")
	assert.Equal(t, 1, httpmock.GetTotalCallCount(), "rejections are not retried")
}

func TestTransientFailuresAreRetried(t *testing.T) {
	c := newClient(t, 2)
	calls := 0
	httpmock.RegisterResponder(http.MethodPost, relayURL, func(*http.Request) (*http.Response, error) {
		calls++
		if calls < 3 {
			return httpmock.NewStringResponse(503, "busy"), nil
		}
		return httpmock.NewStringResponse(200, `{"jsonrpc":"2.0","id":1,"result":{"bundleHash":"0xdef"}}`), nil
	})

	res, err := c.SendBundle(context.Background(), &Bundle{BlockNumber: "0x1"})
	require.NoError(t, err)
	assert.Equal(t, "0xdef", res.BundleHash)
	assert.Equal(t, 3, calls)
}

func TestRetriesExhausted(t *testing.T) {
	c := newClient(t, 1)
	httpmock.RegisterResponder(http.MethodPost, relayURL, httpmock.NewStringResponder(429, "slow down"))

	_, err := c.SendBundle(context.Background(), &Bundle{BlockNumber: "0x1"})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrRejected)
	assert.Equal(t, 2, httpmock.GetTotalCallCount())
}

func TestSimulateBundle(t *testing.T) {
	c := newClient(t, 0)
	httpmock.RegisterResponder(http.MethodPost, relayURL, func(req *http.Request) (*http.Response, error) {
		body, _ := io.ReadAll(req.Body)
		assert.Equal(t, "eth_callBundle", gjson.GetBytes(body, "method").String())
		assert.Equal(t, "latest", gjson.GetBytes(body, "params.0.stateBlockNumber").String())
		return httpmock.NewStringResponse(200, `{"jsonrpc":"2.0","id":1,"result":{
			"bundleHash":"0x01","totalGasUsed":310000,"stateBlockNumber":19000000,
			"results":[
				{"txHash":"0x0000000000000000000000000000000000000000000000000000000000000001","gasUsed":120000},
				{"txHash":"0x0000000000000000000000000000000000000000000000000000000000000002","gasUsed":90000},
				{"txHash":"0x0000000000000000000000000000000000000000000000000000000000000003","gasUsed":100000,"error":"execution reverted","revert":"stale block"}
			]}}`), nil
	})

	sim, err := c.SimulateBundle(context.Background(), &Bundle{BlockNumber: "0x1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(310_000), sim.TotalGasUsed)
	require.Len(t, sim.Results, 3)

	failed, ok := sim.FirstFailure()
	require.True(t, ok)
	assert.Equal(t, common.HexToHash("0x03"), failed.TxHash)
	assert.Equal(t, "stale block", failed.Revert)
}

func TestGetBundleStats(t *testing.T) {
	c := newClient(t, 0)
	httpmock.RegisterResponder(http.MethodPost, relayURL, httpmock.NewStringResponder(200, `{"jsonrpc":"2.0","id":1,"result":{
		"isSimulated":true,"isHighPriority":false,"simulatedAt":"2024-01-02T03:04:05Z",
		"consideredByBuildersAt":[{"pubkey":"0x01","timestamp":"2024-01-02T03:04:06Z"}]}}`))

	stats, err := c.GetBundleStats(context.Background(), "0xabc", 19_000_001)
	require.NoError(t, err)
	assert.True(t, stats.IsSimulated)
	assert.False(t, stats.IsHighPriority)
	assert.True(t, stats.SentToMiners)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), stats.SimulatedAt.UTC())
}

func TestNewRequiresSigningKey(t *testing.T) {
	_, err := New(Config{URL: relayURL}, metrics.Nop())
	assert.ErrorIs(t, err, ErrNoSigningKey)

	_, err = New(Config{URL: relayURL, SigningKey: "zz"}, metrics.Nop())
	assert.Error(t, err)
}
