package rpc

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// The methods below route single calls through the best client so callers
// can depend on narrow interfaces instead of the pool.

func (p *Pool) call(ctx context.Context) (*Client, context.Context, context.CancelFunc, error) {
	c, err := p.GetClient()
	if err != nil {
		return nil, nil, nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	return c, callCtx, cancel, nil
}

// SubscribePendingTransactions streams full pending transactions.
func (p *Pool) SubscribePendingTransactions(ctx context.Context, ch chan<- *gethtypes.Transaction) (ethereum.Subscription, error) {
	c, err := p.GetWSClient()
	if err != nil {
		return nil, err
	}
	return c.Geth.SubscribeFullPendingTransactions(ctx, ch)
}

// SubscribeNewHead streams new chain heads.
func (p *Pool) SubscribeNewHead(ctx context.Context, ch chan<- *gethtypes.Header) (ethereum.Subscription, error) {
	c, err := p.GetWSClient()
	if err != nil {
		return nil, err
	}
	return c.Client.SubscribeNewHead(ctx, ch)
}

func (p *Pool) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	c, callCtx, cancel, err := p.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return c.Client.HeaderByNumber(callCtx, number)
}

func (p *Pool) BlockByHash(ctx context.Context, hash common.Hash) (*gethtypes.Block, error) {
	c, callCtx, cancel, err := p.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return c.Client.BlockByHash(callCtx, hash)
}

func (p *Pool) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	c, callCtx, cancel, err := p.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return c.Client.FilterLogs(callCtx, q)
}

// CodeAt returns the latest deployed code at addr.
func (p *Pool) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	c, callCtx, cancel, err := p.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return c.Client.CodeAt(callCtx, addr, nil)
}

func (p *Pool) TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	c, callCtx, cancel, err := p.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return c.Client.TransactionReceipt(callCtx, hash)
}

// IsPending reports whether the node still holds hash in its pool.
func (p *Pool) IsPending(ctx context.Context, hash common.Hash) (bool, error) {
	c, callCtx, cancel, err := p.call(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	_, pending, err := c.Client.TransactionByHash(callCtx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return pending, nil
}

// ConfirmedNonce returns the account nonce as of the latest block.
func (p *Pool) ConfirmedNonce(ctx context.Context, addr common.Address) (uint64, error) {
	c, callCtx, cancel, err := p.call(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	return c.Client.NonceAt(callCtx, addr, nil)
}

func (p *Pool) ChainID(ctx context.Context) (*big.Int, error) {
	c, callCtx, cancel, err := p.call(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return c.Client.ChainID(callCtx)
}
