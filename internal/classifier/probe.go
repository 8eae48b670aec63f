package classifier

import (
	"bytes"
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/mev-protocol/sandwich/internal/pools"
	"github.com/mev-protocol/sandwich/pkg/types"
)

// Kind is what a contract looks like from its bytecode.
type Kind int

const (
	KindUnknown Kind = iota
	KindAccount
	KindPool
	KindRouter
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindAccount:
		return "account"
	case KindPool:
		return "pool"
	case KindRouter:
		return "router"
	case KindOther:
		return "other"
	default:
		return "unknown"
	}
}

var (
	token0Selector = pools.Selector("token0()")
	token1Selector = pools.Selector("token1()")
)

// CodeSource reads contract code and pair metadata from the chain.
type CodeSource interface {
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
	Tokens(ctx context.Context, pool common.Address) (common.Address, common.Address, error)
}

// ProbeConfig tunes contract detection.
type ProbeConfig struct {
	CacheSize         int
	MinPoolCodeSize   int
	MinRouterCodeSize int
	MinCallFanout     int
}

func (c *ProbeConfig) defaults() {
	if c.CacheSize <= 0 {
		c.CacheSize = 16_384
	}
	if c.MinPoolCodeSize <= 0 {
		c.MinPoolCodeSize = 100
	}
	if c.MinRouterCodeSize <= 0 {
		c.MinRouterCodeSize = 1_000
	}
	if c.MinCallFanout <= 0 {
		c.MinCallFanout = 3
	}
}

type probed struct {
	kind Kind
	meta types.PoolMeta
}

// Prober decides whether an address is a pool, a router or neither, and
// remembers the answer.
type Prober struct {
	config ProbeConfig
	dir    pools.Directory
	code   CodeSource
	cache  *lru.Cache[common.Address, probed]
}

// NewProber creates a prober. Pools it discovers are added to dir when dir
// is a pools.Recorder.
func NewProber(cfg ProbeConfig, dir pools.Directory, code CodeSource) *Prober {
	cfg.defaults()
	cache, _ := lru.New[common.Address, probed](cfg.CacheSize)
	return &Prober{config: cfg, dir: dir, code: code, cache: cache}
}

// Probe classifies addr. Directory pools never touch the network.
func (p *Prober) Probe(ctx context.Context, addr common.Address) (Kind, types.PoolMeta, error) {
	if meta, ok := p.dir.Lookup(addr); ok {
		return KindPool, meta, nil
	}
	if v, ok := p.cache.Get(addr); ok {
		return v.kind, v.meta, nil
	}

	code, err := p.code.CodeAt(ctx, addr)
	if err != nil {
		return KindUnknown, types.PoolMeta{}, err
	}
	res := probed{kind: p.kindOf(code)}
	if res.kind == KindPool {
		res.meta, err = p.discover(ctx, addr)
		if err != nil {
			// Has the selectors but does not answer like a pair.
			log.Debug().Err(err).Str("address", addr.Hex()).Msg("Pool probe failed")
			res.kind = KindOther
		}
	}
	p.cache.Add(addr, res)
	return res.kind, res.meta, nil
}

func (p *Prober) kindOf(code []byte) Kind {
	if len(code) == 0 {
		return KindAccount
	}
	if len(code) >= p.config.MinPoolCodeSize && hasSelector(code, token0Selector) && hasSelector(code, token1Selector) {
		return KindPool
	}
	if len(code) >= p.config.MinRouterCodeSize {
		delegates, calls := callProfile(code)
		if delegates > 0 || calls >= p.config.MinCallFanout {
			return KindRouter
		}
	}
	return KindOther
}

func (p *Prober) discover(ctx context.Context, addr common.Address) (types.PoolMeta, error) {
	t0, t1, err := p.code.Tokens(ctx, addr)
	if err != nil {
		return types.PoolMeta{}, err
	}
	meta := types.PoolMeta{Address: addr, Token0: t0, Token1: t1, FeeBps: types.DefaultFeeBps}
	if rec, ok := p.dir.(pools.Recorder); ok {
		if err := rec.Add(ctx, meta); err != nil {
			log.Warn().Err(err).Str("pool", addr.Hex()).Msg("Failed to record discovered pool")
		}
	}
	log.Info().
		Str("pool", addr.Hex()).
		Str("token0", t0.Hex()).
		Str("token1", t1.Hex()).
		Msg("Discovered pool")
	return meta, nil
}

// hasSelector looks for the dispatcher's PUSH4 of sel.
func hasSelector(code []byte, sel [4]byte) bool {
	return bytes.Contains(code, append([]byte{byte(vm.PUSH4)}, sel[:]...))
}

// callProfile counts DELEGATECALL and CALL opcodes, skipping push data.
func callProfile(code []byte) (delegates, calls int) {
	for i := 0; i < len(code); i++ {
		op := vm.OpCode(code[i])
		switch {
		case op == vm.DELEGATECALL:
			delegates++
		case op == vm.CALL:
			calls++
		case op.IsPush():
			i += int(op - vm.PUSH0)
		}
	}
	return delegates, calls
}
