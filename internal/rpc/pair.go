package rpc

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const pairABIJSON = `[
{"constant":true,"inputs":[],"name":"getReserves","outputs":[{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}],"stateMutability":"view","type":"function"},
{"constant":true,"inputs":[],"name":"token0","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
{"constant":true,"inputs":[],"name":"token1","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"}
]`

const erc20ABIJSON = `[
{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var (
	pairABI  = mustABI(pairABIJSON)
	erc20ABI = mustABI(erc20ABIJSON)
)

func mustABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

func (p *Pool) callPair(ctx context.Context, pool common.Address, method string, block *big.Int) ([]interface{}, error) {
	return p.callView(ctx, pairABI, pool, method, block)
}

func (p *Pool) callView(ctx context.Context, contract abi.ABI, to common.Address, method string, block *big.Int, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	c, callCtx, cancel, err := p.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	out, err := c.Client.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: data}, block)
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, to.Hex(), err)
	}
	return contract.Unpack(method, out)
}

// Reserves reads getReserves() on a pair as of block.
func (p *Pool) Reserves(ctx context.Context, pool common.Address, block uint64) (*big.Int, *big.Int, error) {
	vals, err := p.callPair(ctx, pool, "getReserves", new(big.Int).SetUint64(block))
	if err != nil {
		return nil, nil, err
	}
	if len(vals) != 3 {
		return nil, nil, fmt.Errorf("getReserves on %s: %d outputs", pool.Hex(), len(vals))
	}
	r0, ok0 := vals[0].(*big.Int)
	r1, ok1 := vals[1].(*big.Int)
	if !ok0 || !ok1 {
		return nil, nil, fmt.Errorf("getReserves on %s: unexpected output types", pool.Hex())
	}
	return r0, r1, nil
}

// Tokens reads token0() and token1() on a pair.
func (p *Pool) Tokens(ctx context.Context, pool common.Address) (common.Address, common.Address, error) {
	var tokens [2]common.Address
	for i, method := range []string{"token0", "token1"} {
		vals, err := p.callPair(ctx, pool, method, nil)
		if err != nil {
			return common.Address{}, common.Address{}, err
		}
		if len(vals) == 0 {
			return common.Address{}, common.Address{}, fmt.Errorf("%s on %s: no output", method, pool.Hex())
		}
		addr, ok := vals[0].(common.Address)
		if !ok {
			return common.Address{}, common.Address{}, fmt.Errorf("%s on %s: unexpected output type", method, pool.Hex())
		}
		tokens[i] = addr
	}
	return tokens[0], tokens[1], nil
}

// TokenBalance reads balanceOf(owner) on an ERC-20 token as of block.
func (p *Pool) TokenBalance(ctx context.Context, token, owner common.Address, block uint64) (*big.Int, error) {
	vals, err := p.callView(ctx, erc20ABI, token, "balanceOf", new(big.Int).SetUint64(block), owner)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("balanceOf on %s: %d outputs", token.Hex(), len(vals))
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf on %s: unexpected output type", token.Hex())
	}
	return bal, nil
}
