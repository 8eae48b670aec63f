package simulator

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"

	"github.com/mev-protocol/sandwich/pkg/types"
)

// Session is a private, mutable fork of a Snapshot. Writes land in the
// session's own maps; the snapshot is never touched. A Session must not be
// shared between goroutines.
type Session struct {
	sim    *Simulator
	snap   *Snapshot
	parent *Session

	pools    map[common.Address]*types.PoolState
	balances map[BalanceKey]*big.Int
	logs     []gethtypes.Log
}

func (s *Session) child() *Session {
	return &Session{
		sim:      s.sim,
		snap:     s.snap,
		parent:   s,
		pools:    make(map[common.Address]*types.PoolState),
		balances: make(map[BalanceKey]*big.Int),
	}
}

// commit folds a successful child frame into s.
func (s *Session) commit(c *Session) {
	for k, v := range c.pools {
		s.pools[k] = v
	}
	for k, v := range c.balances {
		s.balances[k] = v
	}
}

// Snapshot returns the state the session was forked from.
func (s *Session) Snapshot() *Snapshot { return s.snap }

func (s *Session) pool(addr common.Address) (*types.PoolState, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if p, ok := cur.pools[addr]; ok {
			return p, true
		}
	}
	p, ok := s.snap.pools[addr]
	return p, ok
}

// Pool returns a copy of the pool's current state in this session.
func (s *Session) Pool(addr common.Address) (*types.PoolState, bool) {
	p, ok := s.pool(addr)
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// BalanceOf returns owner's balance of token in this session.
func (s *Session) BalanceOf(owner, token common.Address) *big.Int {
	k := BalanceKey{owner, token}
	for cur := s; cur != nil; cur = cur.parent {
		if b, ok := cur.balances[k]; ok {
			return new(big.Int).Set(b)
		}
	}
	if b, ok := s.snap.balances[k]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Fund credits owner with amount of token, e.g. a flash loan.
func (s *Session) Fund(owner, token common.Address, amount *big.Int) {
	s.credit(owner, token, amount)
}

func (s *Session) credit(owner, token common.Address, amount *big.Int) {
	b := s.BalanceOf(owner, token)
	s.balances[BalanceKey{owner, token}] = b.Add(b, amount)
}

// debit fails for tracked accounts that cannot cover amount. Untracked
// accounts are assumed to hold whatever they spend.
func (s *Session) debit(owner, token common.Address, amount *big.Int) error {
	b := s.BalanceOf(owner, token)
	if b.Cmp(amount) < 0 {
		if s.snap.tracked[owner] {
			return revertf("insufficient %s balance", token.Hex())
		}
		b.SetInt64(0)
	} else {
		b.Sub(b, amount)
	}
	s.balances[BalanceKey{owner, token}] = b
	return nil
}

// Apply executes one transaction. A revert leaves the session unchanged and
// is reported in the result; malformed input returns an error.
func (s *Session) Apply(tx *Tx) (*TxResult, error) {
	prog, kind, err := s.sim.programFor(s.snap, tx)
	if err != nil {
		return nil, err
	}

	frame := s.child()
	res, err := prog(frame, tx)
	if err != nil {
		var rv *revertError
		if !errors.As(err, &rv) {
			return nil, err
		}
		return &TxResult{
			Hash:         tx.Hash,
			RevertReason: rv.reason,
			GasUsed:      s.sim.baseGas(kind),
		}, nil
	}

	// Router and pair gas is modelled, so only the executor's own legs are
	// held to their limit.
	if kind == progExecutor && tx.GasLimit > 0 && res.GasUsed > tx.GasLimit {
		return &TxResult{Hash: tx.Hash, RevertReason: "out of gas", GasUsed: tx.GasLimit}, nil
	}

	s.commit(frame)
	res.Hash = tx.Hash
	res.Success = true
	res.Logs = frame.logs
	s.logs = append(s.logs, frame.logs...)
	return res, nil
}

// Logs returns every log emitted by successful transactions so far.
func (s *Session) Logs() []gethtypes.Log {
	return append([]gethtypes.Log(nil), s.logs...)
}

// Deltas returns balance changes against the snapshot for the given keys.
func (s *Session) Deltas(watch []BalanceKey) map[BalanceKey]*big.Int {
	out := make(map[BalanceKey]*big.Int, len(watch))
	for _, k := range watch {
		before := new(big.Int)
		if b, ok := s.snap.balances[k]; ok {
			before.Set(b)
		}
		out[k] = new(big.Int).Sub(s.BalanceOf(k.Owner, k.Token), before)
	}
	return out
}
