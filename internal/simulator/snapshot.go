// Package simulator replays transactions against a frozen view of pool
// reserves and token balances at a block.
package simulator

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mev-protocol/sandwich/internal/dex"
	"github.com/mev-protocol/sandwich/pkg/types"
)

// BalanceKey identifies a token balance.
type BalanceKey struct {
	Owner common.Address
	Token common.Address
}

// Snapshot is immutable world state at a block. Build it with NewSnapshot
// and the With* methods, then only Fork it.
type Snapshot struct {
	Block     uint64
	ExecBlock uint64
	// Timestamp is the expected timestamp of ExecBlock.
	Timestamp uint64
	BaseFee   *big.Int

	pools    map[common.Address]*types.PoolState
	byPair   map[[2]common.Address][]common.Address
	balances map[BalanceKey]*big.Int
	tracked  map[common.Address]bool
	routers  map[common.Address]dex.Family
}

// NewSnapshot pins state to block; transactions execute in block+1.
func NewSnapshot(block, timestamp uint64, baseFee *big.Int) *Snapshot {
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	return &Snapshot{
		Block:     block,
		ExecBlock: block + 1,
		Timestamp: timestamp,
		BaseFee:   baseFee,
		pools:     make(map[common.Address]*types.PoolState),
		byPair:    make(map[[2]common.Address][]common.Address),
		balances:  make(map[BalanceKey]*big.Int),
		tracked:   make(map[common.Address]bool),
		routers:   make(map[common.Address]dex.Family),
	}
}

// WithPool adds a pool. The state is copied.
func (s *Snapshot) WithPool(p *types.PoolState) *Snapshot {
	if _, ok := s.pools[p.Address]; !ok {
		k := pairOf(p.Token0, p.Token1)
		s.byPair[k] = append(s.byPair[k], p.Address)
	}
	s.pools[p.Address] = p.Clone()
	return s
}

// WithBalance sets an exact balance and makes owner a tracked account.
// Untracked accounts are funded on demand, which is how victims are modelled.
func (s *Snapshot) WithBalance(owner, token common.Address, amount *big.Int) *Snapshot {
	s.tracked[owner] = true
	s.balances[BalanceKey{owner, token}] = new(big.Int).Set(amount)
	return s
}

// WithRouter registers a router the simulator can execute calls against.
func (s *Snapshot) WithRouter(addr common.Address, f dex.Family) *Snapshot {
	s.routers[addr] = f
	return s
}

// Track marks owner as an account with exact balances, zero unless set.
func (s *Snapshot) Track(owner common.Address) *Snapshot {
	s.tracked[owner] = true
	return s
}

// Pool returns the pinned state of a pool.
func (s *Snapshot) Pool(addr common.Address) (*types.PoolState, bool) {
	p, ok := s.pools[addr]
	return p, ok
}

func pairOf(a, b common.Address) [2]common.Address {
	if bytes.Compare(a.Bytes(), b.Bytes()) > 0 {
		a, b = b, a
	}
	return [2]common.Address{a, b}
}

// poolFor finds the pool for a hop. A non-zero fee selects among pools of
// the same pair.
func (s *Snapshot) poolFor(a, b common.Address, feeBps uint32) (common.Address, bool) {
	cands := s.byPair[pairOf(a, b)]
	for _, addr := range cands {
		if feeBps == 0 || s.pools[addr].FeeOrDefault() == feeBps {
			return addr, true
		}
	}
	return common.Address{}, false
}
