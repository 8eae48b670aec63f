package pools

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/crypto/sha3"

	"github.com/mev-protocol/sandwich/pkg/types"
)

// Event topics emitted by V2-style pairs and ERC-20 tokens.
var (
	SyncTopic     = EventTopic("Sync(uint112,uint112)")
	SwapTopic     = EventTopic("Swap(address,uint256,uint256,uint256,uint256,address)")
	TransferTopic = EventTopic("Transfer(address,address,uint256)")
)

// EventTopic hashes an event signature.
func EventTopic(sig string) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(sig))
	return common.BytesToHash(h.Sum(nil))
}

// Selector returns the 4-byte method id of a function signature.
func Selector(sig string) [4]byte {
	var s [4]byte
	copy(s[:], EventTopic(sig).Bytes()[:4])
	return s
}

func word(data []byte, i int) *big.Int {
	return new(big.Int).SetBytes(data[i*32 : (i+1)*32])
}

// DecodeSync parses a Sync log. ok is false for any other log.
func DecodeSync(l gethtypes.Log) (types.SyncEvent, bool) {
	if len(l.Topics) != 1 || l.Topics[0] != SyncTopic || len(l.Data) != 64 {
		return types.SyncEvent{}, false
	}
	return types.SyncEvent{
		Pool:     l.Address,
		Reserve0: word(l.Data, 0),
		Reserve1: word(l.Data, 1),
		LogIndex: l.Index,
	}, true
}

// SwapLog is a decoded pair Swap event.
type SwapLog struct {
	Pool       common.Address
	Amount0In  *big.Int
	Amount1In  *big.Int
	Amount0Out *big.Int
	Amount1Out *big.Int
}

// ZeroForOne reports whether token0 was paid in.
func (s SwapLog) ZeroForOne() bool {
	return s.Amount0In.Sign() > 0
}

// DecodeSwap parses a pair Swap log.
func DecodeSwap(l gethtypes.Log) (SwapLog, bool) {
	if len(l.Topics) != 3 || l.Topics[0] != SwapTopic || len(l.Data) != 128 {
		return SwapLog{}, false
	}
	return SwapLog{
		Pool:       l.Address,
		Amount0In:  word(l.Data, 0),
		Amount1In:  word(l.Data, 1),
		Amount0Out: word(l.Data, 2),
		Amount1Out: word(l.Data, 3),
	}, true
}

// TransferLog is a decoded ERC-20 Transfer event.
type TransferLog struct {
	Token  common.Address
	From   common.Address
	To     common.Address
	Amount *big.Int
}

// DecodeTransfer parses an ERC-20 Transfer log.
func DecodeTransfer(l gethtypes.Log) (TransferLog, bool) {
	if len(l.Topics) != 3 || l.Topics[0] != TransferTopic || len(l.Data) != 32 {
		return TransferLog{}, false
	}
	return TransferLog{
		Token:  l.Address,
		From:   common.BytesToAddress(l.Topics[1].Bytes()),
		To:     common.BytesToAddress(l.Topics[2].Bytes()),
		Amount: word(l.Data, 0),
	}, true
}

// LatestSyncs keeps the last Sync per pool, which holds the post-block reserves.
func LatestSyncs(syncs []types.SyncEvent) map[common.Address]types.SyncEvent {
	out := make(map[common.Address]types.SyncEvent, len(syncs))
	for _, s := range syncs {
		if cur, ok := out[s.Pool]; !ok || s.LogIndex >= cur.LogIndex {
			out[s.Pool] = s
		}
	}
	return out
}
