// Package relay submits bundles to Flashbots-compatible builder relays.
package relay

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/sugawarayuuta/sonnet"
	"github.com/tidwall/gjson"

	"github.com/mev-protocol/sandwich/internal/metrics"
	"github.com/mev-protocol/sandwich/pkg/types"
)

var (
	// ErrRejected is a JSON-RPC error returned by the relay. Retrying the
	// same payload will not help.
	ErrRejected = errors.New("relay: rejected")
	// ErrUnavailable wraps transport failures and 5xx/429 answers that
	// outlived the retries.
	ErrUnavailable    = errors.New("relay: unavailable")
	ErrNoSigningKey   = errors.New("relay: signing key not configured")
	ErrBundleUnsigned = errors.New("relay: bundle legs are not signed")
)

// Config for relay client
type Config struct {
	Name          string
	URL           string
	SigningKey    string
	MaxRetries    int
	RetryDelay    time.Duration
	SubmitTimeout time.Duration
}

// Bundle is the eth_sendBundle payload.
type Bundle struct {
	Txs               []string `json:"txs"`
	BlockNumber       string   `json:"blockNumber"`
	MinTimestamp      *uint64  `json:"minTimestamp,omitempty"`
	MaxTimestamp      *uint64  `json:"maxTimestamp,omitempty"`
	RevertingTxHashes []string `json:"revertingTxHashes,omitempty"`
	ReplacementUUID   string   `json:"replacementUuid,omitempty"`
}

// CallBundle is the eth_callBundle payload.
type CallBundle struct {
	Txs              []string `json:"txs"`
	BlockNumber      string   `json:"blockNumber"`
	StateBlockNumber string   `json:"stateBlockNumber"`
	Timestamp        *uint64  `json:"timestamp,omitempty"`
}

// BundleResponse from eth_sendBundle
type BundleResponse struct {
	BundleHash string `json:"bundleHash"`
}

// NewBundle converts a signed bundle to the relay payload. No leg may revert.
func NewBundle(b *types.Bundle) (*Bundle, error) {
	if !b.Signed() {
		return nil, ErrBundleUnsigned
	}
	raw, err := b.RawTransactions()
	if err != nil {
		return nil, fmt.Errorf("encode bundle %s: %w", b.ID, err)
	}
	txs := make([]string, len(raw))
	for i, r := range raw {
		txs[i] = hexutil.Encode(r)
	}
	return &Bundle{
		Txs:             txs,
		BlockNumber:     hexutil.EncodeUint64(b.TargetBlock),
		ReplacementUUID: b.ID,
	}, nil
}

// Client talks JSON-RPC to one relay.
type Client struct {
	config     Config
	httpClient *http.Client
	signingKey *ecdsa.PrivateKey
	metrics    *metrics.Metrics
}

// New creates a relay client. The signing key identifies the searcher to the
// relay and is independent of the key signing the bundle legs.
func New(cfg Config, m *metrics.Metrics) (*Client, error) {
	if cfg.Name == "" {
		cfg.Name = "flashbots"
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 2 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	if cfg.SigningKey == "" {
		return nil, ErrNoSigningKey
	}
	key, err := crypto.HexToECDSA(cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key: %w", err)
	}
	c := &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.SubmitTimeout},
		signingKey: key,
		metrics:    m,
	}

	log.Info().
		Str("relay", cfg.Name).
		Str("address", crypto.PubkeyToAddress(key.PublicKey).Hex()).
		Msg("Relay signing key loaded")
	return c, nil
}

// Name identifies the relay in logs.
func (c *Client) Name() string { return c.config.Name }

// SendBundle submits a bundle.
func (c *Client) SendBundle(ctx context.Context, bundle *Bundle) (*BundleResponse, error) {
	result, err := c.call(ctx, "eth_sendBundle", bundle)
	if err != nil {
		return nil, err
	}
	var res BundleResponse
	if err := sonnet.Unmarshal([]byte(result.Raw), &res); err != nil {
		return nil, fmt.Errorf("decode eth_sendBundle result: %w", err)
	}
	if res.BundleHash == "" {
		return nil, fmt.Errorf("%w: eth_sendBundle returned no bundle hash", ErrRejected)
	}
	log.Info().
		Str("relay", c.config.Name).
		Str("bundleHash", res.BundleHash).
		Str("block", bundle.BlockNumber).
		Int("txCount", len(bundle.Txs)).
		Msg("Bundle submitted")
	return &res, nil
}

// SimulateBundle runs the bundle with eth_callBundle on top of the latest state.
func (c *Client) SimulateBundle(ctx context.Context, bundle *Bundle) (*SimulationResult, error) {
	args := &CallBundle{
		Txs:              bundle.Txs,
		BlockNumber:      bundle.BlockNumber,
		StateBlockNumber: "latest",
	}
	result, err := c.call(ctx, "eth_callBundle", args)
	if err != nil {
		return nil, err
	}
	var res SimulationResult
	if err := sonnet.Unmarshal([]byte(result.Raw), &res); err != nil {
		return nil, fmt.Errorf("decode eth_callBundle result: %w", err)
	}
	return &res, nil
}

// SimulationResult from eth_callBundle
type SimulationResult struct {
	BundleGasPrice    string               `json:"bundleGasPrice"`
	BundleHash        string               `json:"bundleHash"`
	CoinbaseDiff      string               `json:"coinbaseDiff"`
	EthSentToCoinbase string               `json:"ethSentToCoinbase"`
	GasFees           string               `json:"gasFees"`
	Results           []TxSimulationResult `json:"results"`
	StateBlockNumber  uint64               `json:"stateBlockNumber"`
	TotalGasUsed      uint64               `json:"totalGasUsed"`
}

// TxSimulationResult for individual tx
type TxSimulationResult struct {
	FromAddress common.Address `json:"fromAddress"`
	ToAddress   common.Address `json:"toAddress"`
	TxHash      common.Hash    `json:"txHash"`
	GasUsed     uint64         `json:"gasUsed"`
	GasPrice    string         `json:"gasPrice"`
	Value       string         `json:"value"`
	Error       string         `json:"error,omitempty"`
	Revert      string         `json:"revert,omitempty"`
}

// FirstFailure returns the first transaction that errored or reverted.
func (r *SimulationResult) FirstFailure() (TxSimulationResult, bool) {
	for _, tx := range r.Results {
		if tx.Error != "" || tx.Revert != "" {
			return tx, true
		}
	}
	return TxSimulationResult{}, false
}

// BundleStats is the relay's view of a submitted bundle.
type BundleStats struct {
	IsSimulated    bool
	IsHighPriority bool
	SentToMiners   bool
	SimulatedAt    time.Time
}

// GetBundleStats retrieves bundle statistics
func (c *Client) GetBundleStats(ctx context.Context, bundleHash string, blockNumber uint64) (*BundleStats, error) {
	params := map[string]string{
		"bundleHash":  bundleHash,
		"blockNumber": hexutil.EncodeUint64(blockNumber),
	}
	res, err := c.call(ctx, "flashbots_getBundleStatsV2", params)
	if err != nil {
		return nil, err
	}
	stats := &BundleStats{
		IsSimulated:    res.Get("isSimulated").Bool(),
		IsHighPriority: res.Get("isHighPriority").Bool(),
		SentToMiners:   res.Get("sentToMiners").Bool() || res.Get("consideredByBuildersAt.#").Int() > 0,
	}
	if at := res.Get("simulatedAt"); at.Exists() {
		stats.SimulatedAt = at.Time()
	}
	return stats, nil
}

type request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// call performs one JSON-RPC request and returns its result, retrying
// transport failures and 5xx/429 answers. Relay errors wrap ErrRejected.
func (c *Client) call(ctx context.Context, method string, param interface{}) (gjson.Result, error) {
	body, err := sonnet.Marshal(request{JSONRPC: "2.0", ID: 1, Method: method, Params: []interface{}{param}})
	if err != nil {
		return gjson.Result{}, err
	}
	signature, err := c.signPayload(body)
	if err != nil {
		return gjson.Result{}, err
	}

	start := time.Now()
	defer func() {
		c.metrics.RelayLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	for i := 0; i <= c.config.MaxRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return gjson.Result{}, ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}

		payload, err := c.post(ctx, body, signature)
		if err != nil {
			lastErr = err
			log.Debug().Err(err).Str("relay", c.config.Name).Str("method", method).Int("attempt", i+1).Msg("Relay request failed")
			continue
		}

		res := gjson.ParseBytes(payload)
		if e := res.Get("error"); e.Exists() {
			return gjson.Result{}, fmt.Errorf("%w: %s: %s", ErrRejected, method, e.Get("message").String())
		}
		result := res.Get("result")
		if !result.Exists() {
			return gjson.Result{}, fmt.Errorf("%w: %s: response has no result", ErrRejected, method)
		}
		return result, nil
	}
	return gjson.Result{}, fmt.Errorf("%w: %s after %d attempts: %v", ErrUnavailable, method, c.config.MaxRetries+1, lastErr)
}

func (c *Client) post(ctx context.Context, body []byte, signature string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Flashbots-Signature", signature)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	// Relays answer JSON-RPC errors with 4xx; the body still carries the error.
	if resp.StatusCode != http.StatusOK && !gjson.GetBytes(payload, "error").Exists() {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return payload, nil
}

// signPayload produces the X-Flashbots-Signature header, an EIP-191
// signature over the hex keccak of the body.
func (c *Client) signPayload(body []byte) (string, error) {
	hashedBody := crypto.Keccak256Hash(body).Hex()
	signature, err := crypto.Sign(
		crypto.Keccak256([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(hashedBody), hashedBody))),
		c.signingKey,
	)
	if err != nil {
		return "", err
	}
	addr := crypto.PubkeyToAddress(c.signingKey.PublicKey)
	return fmt.Sprintf("%s:%s", addr.Hex(), hexutil.Encode(signature)), nil
}
