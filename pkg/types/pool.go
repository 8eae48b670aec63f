package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultFeeBps is the Uniswap V2 swap fee.
const DefaultFeeBps = 30

// PoolMeta is the static description of a pool.
type PoolMeta struct {
	Address common.Address
	Token0  common.Address
	Token1  common.Address
	FeeBps  uint32
}

// Has reports whether token is one of the pool's tokens.
func (m PoolMeta) Has(token common.Address) bool {
	return token == m.Token0 || token == m.Token1
}

// Other returns the counterpart of token in the pool.
func (m PoolMeta) Other(token common.Address) common.Address {
	if token == m.Token0 {
		return m.Token1
	}
	return m.Token0
}

// PoolState is a pool's reserves as of a block.
type PoolState struct {
	PoolMeta
	Reserve0  *big.Int
	Reserve1  *big.Int
	UpdatedAt uint64
}

// Clone returns a deep copy.
func (p *PoolState) Clone() *PoolState {
	return &PoolState{
		PoolMeta:  p.PoolMeta,
		Reserve0:  new(big.Int).Set(p.Reserve0),
		Reserve1:  new(big.Int).Set(p.Reserve1),
		UpdatedAt: p.UpdatedAt,
	}
}

// Reserves returns (reserveIn, reserveOut) for a swap in the given direction.
func (p *PoolState) Reserves(zeroForOne bool) (*big.Int, *big.Int) {
	if zeroForOne {
		return p.Reserve0, p.Reserve1
	}
	return p.Reserve1, p.Reserve0
}

// FeeOrDefault returns the pool fee, falling back to DefaultFeeBps.
func (m PoolMeta) FeeOrDefault() uint32 {
	if m.FeeBps == 0 {
		return DefaultFeeBps
	}
	return m.FeeBps
}

// BlockEvent is a new head with the data the pipeline needs from it.
type BlockEvent struct {
	Number      uint64
	Hash        common.Hash
	ParentHash  common.Hash
	Timestamp   uint64
	BaseFee     *big.Int
	NextBaseFee *big.Int
	GasUsed     uint64
	GasLimit    uint64
	TxHashes    []common.Hash
	Syncs       []SyncEvent
	// Reorg marks a block replacing one already delivered at its height.
	Reorg bool
}

// Contains reports whether the block included the tx.
func (b *BlockEvent) Contains(hash common.Hash) bool {
	for _, h := range b.TxHashes {
		if h == hash {
			return true
		}
	}
	return false
}

// Touched reports whether the block emitted a Sync for pool.
func (b *BlockEvent) Touched(pool common.Address) bool {
	for _, s := range b.Syncs {
		if s.Pool == pool {
			return true
		}
	}
	return false
}

// SyncEvent is a decoded pair Sync(uint112,uint112) log.
type SyncEvent struct {
	Pool     common.Address
	Reserve0 *big.Int
	Reserve1 *big.Int
	LogIndex uint
}
