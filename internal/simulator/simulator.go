package simulator

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/mev-protocol/sandwich/pkg/types"
)

var (
	// ErrMalformedTx marks input the simulator cannot interpret at all.
	ErrMalformedTx = errors.New("simulator: malformed transaction")
	// ErrMissingState marks a transaction touching a pool absent from the snapshot.
	ErrMissingState = errors.New("simulator: state missing from snapshot")
)

// GasModel prices each program. Reverts consume only the base cost.
type GasModel struct {
	ExecutorBase uint64
	PerLeg       uint64
	RouterBase   uint64
	PerHop       uint64
	PoolSwap     uint64
}

// DefaultGasModel approximates mainnet costs of V2 swaps.
func DefaultGasModel() GasModel {
	return GasModel{
		ExecutorBase: 40_000,
		PerLeg:       60_000,
		RouterBase:   60_000,
		PerHop:       45_000,
		PoolSwap:     75_000,
	}
}

// Config for the simulator
type Config struct {
	// Executor is the contract the bot's own legs call.
	Executor common.Address
	Gas      GasModel
}

// Simulator executes the programs of known contracts. It holds no state and
// is safe for concurrent use; sessions are not.
type Simulator struct {
	config Config
}

// New creates a simulator.
func New(cfg Config) *Simulator {
	if cfg.Gas == (GasModel{}) {
		cfg.Gas = DefaultGasModel()
	}
	return &Simulator{config: cfg}
}

// Executor returns the executor contract address.
func (s *Simulator) Executor() common.Address { return s.config.Executor }

// Gas returns the gas model.
func (s *Simulator) Gas() GasModel { return s.config.Gas }

// Fork starts a fresh copy-on-write session over snap.
func (s *Simulator) Fork(snap *Snapshot) *Session {
	return &Session{
		sim:      s,
		snap:     snap,
		pools:    make(map[common.Address]*types.PoolState),
		balances: make(map[BalanceKey]*big.Int),
	}
}

// Tx is a transaction to simulate.
type Tx struct {
	Hash     common.Hash
	From     common.Address
	To       common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64
}

// FromPending converts an observed transaction.
func FromPending(p *types.PendingTx) (*Tx, error) {
	if p.To == nil {
		return nil, errors.Wrapf(ErrMalformedTx, "contract creation %s", p.Hash.Hex())
	}
	return &Tx{
		Hash:     p.Hash,
		From:     p.From,
		To:       *p.To,
		Value:    p.Value,
		Data:     p.Input,
		GasLimit: p.GasLimit,
	}, nil
}

// TxResult is the outcome of one transaction.
type TxResult struct {
	Hash         common.Hash
	Success      bool
	RevertReason string
	GasUsed      uint64
	Logs         []gethtypes.Log
	// AmountIn and AmountOut are the first input and final output of the
	// transaction's swap path.
	AmountIn  *big.Int
	AmountOut *big.Int
}

// Result is the outcome of an ordered replay.
type Result struct {
	Txs    []*TxResult
	Deltas map[BalanceKey]*big.Int
}

// AllSucceeded reports whether no transaction reverted.
func (r *Result) AllSucceeded() bool {
	for _, t := range r.Txs {
		if !t.Success {
			return false
		}
	}
	return true
}

// Simulate replays txs in order on a fresh fork of snap. The same inputs
// always produce the same result.
func (s *Simulator) Simulate(snap *Snapshot, txs []*Tx, watch []BalanceKey) (*Result, error) {
	sess := s.Fork(snap)
	res := &Result{Txs: make([]*TxResult, 0, len(txs))}
	for i, tx := range txs {
		r, err := sess.Apply(tx)
		if err != nil {
			return nil, fmt.Errorf("tx %d (%s): %w", i, tx.Hash.Hex(), err)
		}
		res.Txs = append(res.Txs, r)
	}
	res.Deltas = sess.Deltas(watch)
	return res, nil
}

type program func(frame *Session, tx *Tx) (*TxResult, error)

type programKind int

const (
	progExecutor programKind = iota
	progRouter
	progPair
)

func (s *Simulator) programFor(snap *Snapshot, tx *Tx) (program, programKind, error) {
	switch {
	case tx.To == s.config.Executor:
		return s.runExecutor, progExecutor, nil
	case snap.routers[tx.To] != 0:
		return s.runRouter, progRouter, nil
	}
	if _, ok := snap.pools[tx.To]; ok {
		return s.runPairSwap, progPair, nil
	}
	return nil, 0, errors.Wrapf(ErrMalformedTx, "no program for %s", tx.To.Hex())
}

func (s *Simulator) baseGas(kind programKind) uint64 {
	switch kind {
	case progExecutor:
		return s.config.Gas.ExecutorBase
	case progRouter:
		return s.config.Gas.RouterBase
	default:
		return s.config.Gas.PoolSwap
	}
}

type revertError struct {
	reason string
}

func (e *revertError) Error() string { return "execution reverted: " + e.reason }

func revertf(format string, args ...interface{}) error {
	return &revertError{reason: fmt.Sprintf(format, args...)}
}
