package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/tidwall/gjson"

	"github.com/mev-protocol/sandwich/pkg/types"
)

type traceCallArgs struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to"`
	Gas   hexutil.Uint64  `json:"gas"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Input hexutil.Bytes   `json:"input"`
}

// TraceCallLogs replays tx on top of block with the call tracer and returns
// every log emitted by the call tree, in emission order.
func (p *Pool) TraceCallLogs(ctx context.Context, tx *types.PendingTx, block uint64) ([]gethtypes.Log, error) {
	c, err := p.traceClient()
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	defer cancel()

	args := traceCallArgs{
		From:  tx.From,
		To:    tx.To,
		Gas:   hexutil.Uint64(tx.GasLimit),
		Input: tx.Input,
	}
	if tx.Value != nil {
		args.Value = (*hexutil.Big)(tx.Value)
	}
	opts := map[string]interface{}{
		"tracer":       "callTracer",
		"tracerConfig": map[string]interface{}{"withLog": true},
	}

	var raw json.RawMessage
	if err := c.Client.Client().CallContext(callCtx, &raw, "debug_traceCall", args, hexutil.EncodeUint64(block), opts); err != nil {
		return nil, fmt.Errorf("debug_traceCall %s: %w", tx.Hash.Hex(), err)
	}
	return ParseCallTraceLogs(raw), nil
}

// ParseCallTraceLogs flattens the logs of a callTracer frame tree. Frames
// that reverted are skipped along with their children.
func ParseCallTraceLogs(raw []byte) []gethtypes.Log {
	var logs []gethtypes.Log
	collectFrameLogs(gjson.ParseBytes(raw), &logs)
	return logs
}

func collectFrameLogs(frame gjson.Result, out *[]gethtypes.Log) {
	if frame.Get("error").Exists() {
		return
	}
	frame.Get("logs").ForEach(func(_, l gjson.Result) bool {
		entry := gethtypes.Log{
			Address: common.HexToAddress(l.Get("address").String()),
			Data:    common.FromHex(l.Get("data").String()),
		}
		l.Get("topics").ForEach(func(_, t gjson.Result) bool {
			entry.Topics = append(entry.Topics, common.HexToHash(t.String()))
			return true
		})
		*out = append(*out, entry)
		return true
	})
	frame.Get("calls").ForEach(func(_, child gjson.Result) bool {
		collectFrameLogs(child, out)
		return true
	})
}
