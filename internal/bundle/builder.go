// Package bundle turns accepted plans into ordered, signed bundles.
package bundle

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/mev-protocol/sandwich/internal/executor"
	"github.com/mev-protocol/sandwich/pkg/types"
)

var (
	ErrStalePlan      = errors.New("bundle: plan not pinned to current head")
	ErrVictimMismatch = errors.New("bundle: victim does not match plan")
	ErrNoVictimTx     = errors.New("bundle: victim has no signed transaction")
)

// HeadReader reports the current chain head.
type HeadReader interface {
	Current() uint64
}

// Config for the builder
type Config struct {
	Executor common.Address
	// GasMarginBps is added on top of the simulated gas of each leg.
	GasMarginBps uint64
	MinLegGas    uint64
}

// Builder assembles bundles for the executor contract.
type Builder struct {
	config Config
	head   HeadReader
}

// NewBuilder creates a builder.
func NewBuilder(cfg Config, head HeadReader) *Builder {
	if cfg.GasMarginBps == 0 {
		cfg.GasMarginBps = 5_000
	}
	if cfg.MinLegGas == 0 {
		cfg.MinLegGas = 100_000
	}
	return &Builder{config: cfg, head: head}
}

// Build encodes plan as [front, victim, back]. Plans pinned to anything but
// the current head are rejected.
func (b *Builder) Build(plan *types.SandwichPlan, victim *types.PendingTx) (*types.Bundle, error) {
	if head := b.head.Current(); plan.PinnedBlock != head {
		return nil, fmt.Errorf("%w: pinned %d, head %d", ErrStalePlan, plan.PinnedBlock, head)
	}
	if victim == nil || victim.Hash != plan.Victim {
		return nil, ErrVictimMismatch
	}
	if victim.Raw == nil {
		return nil, ErrNoVictimTx
	}

	front, err := executor.Encode(plan.TargetBlock,
		executor.Front(plan.Pool, plan.TokenIn, plan.ZeroForOne, plan.FrontIn, plan.FrontOut))
	if err != nil {
		return nil, fmt.Errorf("encode front-run: %w", err)
	}
	back, err := executor.Encode(plan.TargetBlock,
		executor.Back(plan.Pool, plan.TokenOut, plan.ZeroForOne, plan.BackIn, plan.BackOut))
	if err != nil {
		return nil, fmt.Errorf("encode back-run: %w", err)
	}

	return &types.Bundle{
		ID:          uuid.NewString(),
		TargetBlock: plan.TargetBlock,
		Front:       types.BundleLeg{To: b.config.Executor, Data: front, GasLimit: b.legGas(plan.FrontGas)},
		Victim:      victim,
		Back:        types.BundleLeg{To: b.config.Executor, Data: back, GasLimit: b.legGas(plan.BackGas)},
		Plan:        plan,
		Attempt:     1,
	}, nil
}

// Rebuild re-pins an unchanged plan to the current head for a retry. The
// bundle keeps its id; legs must be signed again.
func (b *Builder) Rebuild(prev *types.Bundle) (*types.Bundle, error) {
	plan := *prev.Plan
	plan.PinnedBlock = b.head.Current()
	plan.TargetBlock = plan.PinnedBlock + 1

	next, err := b.Build(&plan, prev.Victim)
	if err != nil {
		return nil, err
	}
	next.ID = prev.ID
	next.Attempt = prev.Attempt + 1
	return next, nil
}

func (b *Builder) legGas(simulated uint64) uint64 {
	g := simulated + simulated*b.config.GasMarginBps/10_000
	return max(g, b.config.MinLegGas)
}
