package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// SandwichPlan is an accepted opportunity, valid only for PinnedBlock.
type SandwichPlan struct {
	Victim      common.Hash
	Pool        common.Address
	TokenIn     common.Address
	TokenOut    common.Address
	ZeroForOne  bool
	PinnedBlock uint64
	TargetBlock uint64

	FrontIn  *big.Int
	FrontOut *big.Int
	BackIn   *big.Int
	BackOut  *big.Int

	GrossProfit *big.Int
	FlashFee    *big.Int
	GasCost     *big.Int
	NetProfit   *big.Int
	FrontGas    uint64
	BackGas     uint64
	ImpactBps   uint64
	Iterations  int
}

// Gas is the combined gas of both legs.
func (p *SandwichPlan) Gas() uint64 {
	return p.FrontGas + p.BackGas
}

// BundleState is a node in the per-bundle submission lifecycle.
type BundleState int

const (
	BundleBuilt BundleState = iota
	BundleSubmitted
	BundleIncluded
	BundleNotIncluded
	BundleResubmitted
	BundleReverted
	BundleDiscarded
)

func (s BundleState) String() string {
	switch s {
	case BundleBuilt:
		return "built"
	case BundleSubmitted:
		return "submitted"
	case BundleIncluded:
		return "included"
	case BundleNotIncluded:
		return "not_included"
	case BundleResubmitted:
		return "resubmitted"
	case BundleReverted:
		return "reverted"
	case BundleDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s BundleState) Terminal() bool {
	return s == BundleIncluded || s == BundleReverted || s == BundleDiscarded
}

// BundleLeg is one of the bot's own transactions in a bundle.
type BundleLeg struct {
	To       common.Address
	Data     []byte
	GasLimit uint64
	Signed   *gethtypes.Transaction
}

// Bundle is the ordered triple [front, victim, back] for one target block.
type Bundle struct {
	ID          string
	TargetBlock uint64
	Front       BundleLeg
	Victim      *PendingTx
	Back        BundleLeg
	Plan        *SandwichPlan
	Attempt     int
	RelayHash   string
}

// Signed reports whether both legs carry signatures.
func (b *Bundle) Signed() bool {
	return b.Front.Signed != nil && b.Back.Signed != nil
}

// Transactions returns the bundle in execution order.
func (b *Bundle) Transactions() []*gethtypes.Transaction {
	return []*gethtypes.Transaction{b.Front.Signed, b.Victim.Raw, b.Back.Signed}
}

// RawTransactions returns the RLP-encoded bundle in execution order.
func (b *Bundle) RawTransactions() ([][]byte, error) {
	txs := b.Transactions()
	out := make([][]byte, 0, len(txs))
	for _, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}
