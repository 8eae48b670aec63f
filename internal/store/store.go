// Package store journals bundle outcomes.
package store

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mev-protocol/sandwich/pkg/types"
)

var ErrNotFound = errors.New("store: not found")

// Outcome is one state transition of a bundle.
type Outcome struct {
	BundleID    string
	Attempt     int
	State       types.BundleState
	Victim      common.Hash
	Pool        common.Address
	TargetBlock uint64
	// Block is where the outcome was observed.
	Block     uint64
	RelayHash string

	ExpectedProfit *big.Int
	// RealizedProfit is set for included bundles, Loss for reverted ones.
	RealizedProfit *big.Int
	Loss           *big.Int
	GasUsed        uint64
	Reason         string
	RecordedAt     time.Time
}

// NewOutcome starts an outcome record from a bundle.
func NewOutcome(b *types.Bundle, state types.BundleState, block uint64) *Outcome {
	o := &Outcome{
		BundleID:    b.ID,
		Attempt:     b.Attempt,
		State:       state,
		TargetBlock: b.TargetBlock,
		Block:       block,
		RelayHash:   b.RelayHash,
		RecordedAt:  time.Now().UTC(),
	}
	if b.Victim != nil {
		o.Victim = b.Victim.Hash
	}
	if b.Plan != nil {
		o.Pool = b.Plan.Pool
		o.ExpectedProfit = b.Plan.NetProfit
	}
	return o
}

// Journal persists outcomes in arrival order.
type Journal interface {
	// Record appends an outcome.
	Record(ctx context.Context, o *Outcome) error

	// ByBundle returns every outcome of a bundle in the order recorded.
	// Returns ErrNotFound when the bundle is unknown.
	ByBundle(ctx context.Context, bundleID string) ([]*Outcome, error)

	// Recent returns up to limit outcomes, newest first.
	Recent(ctx context.Context, limit int) ([]*Outcome, error)
}
