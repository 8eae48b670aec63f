package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// PendingTx is a transaction observed before inclusion.
type PendingTx struct {
	Hash       common.Hash
	From       common.Address
	To         *common.Address
	Nonce      uint64
	Value      *big.Int
	Input      []byte
	GasPrice   *big.Int
	GasFeeCap  *big.Int
	GasTipCap  *big.Int
	GasLimit   uint64
	ChainID    *big.Int
	ObservedAt time.Time

	// Raw is the original signed transaction. Bundles carry it unmodified.
	Raw *gethtypes.Transaction
}

// NewPendingTx converts a signed transaction with a recovered sender.
func NewPendingTx(tx *gethtypes.Transaction, from common.Address, observed time.Time) *PendingTx {
	return &PendingTx{
		Hash:       tx.Hash(),
		From:       from,
		To:         tx.To(),
		Nonce:      tx.Nonce(),
		Value:      tx.Value(),
		Input:      tx.Data(),
		GasPrice:   tx.GasPrice(),
		GasFeeCap:  tx.GasFeeCap(),
		GasTipCap:  tx.GasTipCap(),
		GasLimit:   tx.Gas(),
		ChainID:    tx.ChainId(),
		ObservedAt: observed,
		Raw:        tx,
	}
}

// Selector returns the 4-byte method id, or nil for short calldata.
func (p *PendingTx) Selector() []byte {
	if len(p.Input) < 4 {
		return nil
	}
	return p.Input[:4]
}

// Expired reports whether the tx has been pending longer than ttl.
func (p *PendingTx) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(p.ObservedAt) > ttl
}

// Tier identifies which classifier rule produced an intent.
type Tier int

const (
	TierNone Tier = iota
	TierKnownRouter
	TierPoolLike
	TierRouterLike
	TierTraced
)

func (t Tier) String() string {
	switch t {
	case TierKnownRouter:
		return "known_router"
	case TierPoolLike:
		return "pool_like"
	case TierRouterLike:
		return "router_like"
	case TierTraced:
		return "traced"
	default:
		return "none"
	}
}

// SwapIntent is a decoded victim swap.
type SwapIntent struct {
	TxHash common.Hash
	Path   []common.Address
	Pools  []common.Address

	// TokenIn/TokenOut and ZeroForOne describe the hop that gets sandwiched.
	Pool       common.Address
	TokenIn    common.Address
	TokenOut   common.Address
	ZeroForOne bool

	AmountIn     *big.Int
	MinAmountOut *big.Int
	// ExactOut swaps fix AmountOut and bound AmountInMax instead.
	ExactOut    bool
	AmountOut   *big.Int
	AmountInMax *big.Int
	Deadline    uint64

	Tier        Tier
	Unresolved  bool
	PinnedBlock uint64
}

// Resolved reports whether the intent names a concrete pool and amount.
func (s *SwapIntent) Resolved() bool {
	if s == nil || s.Unresolved || s.Pool == (common.Address{}) {
		return false
	}
	if s.ExactOut {
		return s.AmountOut != nil && s.AmountOut.Sign() > 0
	}
	return s.AmountIn != nil && s.AmountIn.Sign() > 0
}
