package rpc

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetClientEmpty(t *testing.T) {
	p := NewPool(Config{})
	_, err := p.GetClient()
	assert.ErrorIs(t, err, ErrNoClients)

	_, err = p.GetWSClient()
	assert.ErrorIs(t, err, ErrNoSubscriptions)
}

func TestGetClientPrefersHeightThenLatency(t *testing.T) {
	p := NewPool(Config{})
	p.clients = []*Client{
		{endpoint: "a", healthy: true, height: 10, latency: time.Millisecond},
		{endpoint: "b", healthy: true, height: 11, latency: 50 * time.Millisecond},
		{endpoint: "c", healthy: true, height: 11, latency: 5 * time.Millisecond},
		{endpoint: "d", healthy: false, height: 99, latency: time.Microsecond},
	}

	c, err := p.GetClient()
	require.NoError(t, err)
	assert.Equal(t, "c", c.Endpoint())
}

func TestGetClientFallsBackWhenAllUnhealthy(t *testing.T) {
	p := NewPool(Config{})
	p.clients = []*Client{{endpoint: "a"}, {endpoint: "b"}}

	c, err := p.GetClient()
	require.NoError(t, err)
	assert.Equal(t, "a", c.Endpoint())
}

func TestGetWSClientSkipsHTTP(t *testing.T) {
	p := NewPool(Config{})
	p.clients = []*Client{
		{endpoint: "https://x", healthy: true},
		{endpoint: "wss://y", ws: true},
		{endpoint: "wss://z", ws: true, healthy: true},
	}

	c, err := p.GetWSClient()
	require.NoError(t, err)
	assert.Equal(t, "wss://z", c.Endpoint())
}

func TestParseCallTraceLogs(t *testing.T) {
	raw := `{
		"type": "CALL",
		"logs": [{"address": "0x0000000000000000000000000000000000000001", "topics": ["0x01"], "data": "0xabcd"}],
		"calls": [
			{"type": "CALL", "logs": [{"address": "0x0000000000000000000000000000000000000002", "topics": ["0x02", "0x03"], "data": "0x"}]},
			{"type": "CALL", "error": "execution reverted", "logs": [{"address": "0x0000000000000000000000000000000000000009", "topics": [], "data": "0x"}]}
		]
	}`

	logs := ParseCallTraceLogs([]byte(raw))
	require.Len(t, logs, 2)
	assert.Equal(t, common.HexToAddress("0x01"), logs[0].Address)
	assert.Equal(t, []byte{0xab, 0xcd}, logs[0].Data)
	assert.Equal(t, common.HexToHash("0x02"), logs[1].Topics[0])
	assert.Len(t, logs[1].Topics, 2)
}

func TestParseCallTraceLogsRevertedRoot(t *testing.T) {
	raw := `{"error": "out of gas", "logs": [{"address": "0x01", "topics": [], "data": "0x"}]}`
	assert.Empty(t, ParseCallTraceLogs([]byte(raw)))
}
