// Package dex knows the swap entry points of the routers and pairs the
// pipeline targets and decodes calls to them.
package dex

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Family groups routers sharing an ABI.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyV2
	FamilyV3
	FamilyRouter02
)

func (f Family) String() string {
	switch f {
	case FamilyV2:
		return "v2"
	case FamilyV3:
		return "v3"
	case FamilyRouter02:
		return "router02"
	default:
		return "unknown"
	}
}

// DefaultRouters are the mainnet routers recognised without configuration.
var DefaultRouters = map[common.Address]Family{
	common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"): FamilyV2,       // Uniswap V2 Router02
	common.HexToAddress("0xd9e1cE17f2641f24aE83637ab66a2cca9C378B9F"): FamilyV2,       // SushiSwap
	common.HexToAddress("0xE592427A0AEce92De3Edee1F18E0157C05861564"): FamilyV3,       // Uniswap V3 SwapRouter
	common.HexToAddress("0x68b3465833fb72A70ecDF485E0e4C7bD8665Fc45"): FamilyRouter02, // Uniswap SwapRouter02
}

var (
	ErrUnknownSelector = errors.New("dex: selector is not a known swap")
	ErrShortInput      = errors.New("dex: calldata too short")
	ErrBadPath         = errors.New("dex: swap path needs at least two tokens")
)

// PairSwapSelector is swap(uint256,uint256,address,bytes) on a V2 pair.
var PairSwapSelector = [4]byte{0x02, 0x2c, 0x0d, 0x9f}

// Call is a decoded router swap.
type Call struct {
	Method    string
	Family    Family
	Path      []common.Address
	FeeBps    uint32
	Recipient common.Address
	Deadline  uint64

	ExactOut     bool
	AmountIn     *big.Int
	AmountOutMin *big.Int
	AmountOut    *big.Int
	AmountInMax  *big.Int
	// NativeIn is set when msg.value funds the input.
	NativeIn bool
}

// Hops is the number of pools the call trades through.
func (c *Call) Hops() int { return len(c.Path) - 1 }

func selectorOf(input []byte) ([]byte, error) {
	if len(input) < 4 {
		return nil, ErrShortInput
	}
	return input[:4], nil
}

// IsSwapSelector reports whether input starts with a swap method of family.
func IsSwapSelector(f Family, input []byte) bool {
	sel, err := selectorOf(input)
	if err != nil {
		return false
	}
	a, ok := familyABI(f)
	if !ok {
		return false
	}
	_, err = a.MethodById(sel)
	return err == nil
}

// DecodeRouterCall decodes a swap against a router of family f. value is the
// transaction's msg.value.
func DecodeRouterCall(f Family, input []byte, value *big.Int) (*Call, error) {
	sel, err := selectorOf(input)
	if err != nil {
		return nil, err
	}
	a, ok := familyABI(f)
	if !ok {
		return nil, ErrUnknownSelector
	}
	method, err := a.MethodById(sel)
	if err != nil {
		return nil, ErrUnknownSelector
	}

	if method.Name == "exactInputSingle" {
		return decodeExactInputSingle(f, method, input[4:])
	}

	args := make(map[string]interface{})
	if err := method.Inputs.UnpackIntoMap(args, input[4:]); err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method.Name, err)
	}

	path, _ := args["path"].([]common.Address)
	if len(path) < 2 {
		return nil, ErrBadPath
	}
	call := &Call{
		Method: method.Name,
		Family: f,
		Path:   path,
		FeeBps: 30,
	}
	call.Recipient, _ = args["to"].(common.Address)
	if d, ok := args["deadline"].(*big.Int); ok && d.IsUint64() {
		call.Deadline = d.Uint64()
	}

	call.NativeIn = strings.Contains(method.Name, "ETHFor")
	call.ExactOut = strings.HasPrefix(method.Name, "swapTokensForExact") || strings.HasPrefix(method.Name, "swapETHForExact")

	if call.ExactOut {
		call.AmountOut = bigArg(args, "amountOut")
		if call.NativeIn {
			call.AmountInMax = valueOrZero(value)
		} else {
			call.AmountInMax = bigArg(args, "amountInMax")
		}
	} else {
		call.AmountOutMin = bigArg(args, "amountOutMin")
		if call.NativeIn {
			call.AmountIn = valueOrZero(value)
		} else {
			call.AmountIn = bigArg(args, "amountIn")
		}
	}
	return call, nil
}

type exactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

type exactInputSingleParams02 struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

func decodeExactInputSingle(f Family, method *abi.Method, data []byte) (*Call, error) {
	vals, err := method.Inputs.Unpack(data)
	if err != nil || len(vals) != 1 {
		return nil, fmt.Errorf("unpack %s: %w", method.Name, err)
	}

	call := &Call{Method: method.Name, Family: f}
	var fee *big.Int
	if f == FamilyRouter02 {
		p := *abi.ConvertType(vals[0], new(exactInputSingleParams02)).(*exactInputSingleParams02)
		call.Path = []common.Address{p.TokenIn, p.TokenOut}
		call.Recipient = p.Recipient
		call.AmountIn = p.AmountIn
		call.AmountOutMin = p.AmountOutMinimum
		fee = p.Fee
	} else {
		p := *abi.ConvertType(vals[0], new(exactInputSingleParams)).(*exactInputSingleParams)
		call.Path = []common.Address{p.TokenIn, p.TokenOut}
		call.Recipient = p.Recipient
		call.AmountIn = p.AmountIn
		call.AmountOutMin = p.AmountOutMinimum
		if p.Deadline != nil && p.Deadline.IsUint64() {
			call.Deadline = p.Deadline.Uint64()
		}
		fee = p.Fee
	}
	// Pool fees are in hundredths of a bip.
	if fee != nil {
		call.FeeBps = uint32(fee.Uint64() / 100)
	}
	return call, nil
}

func bigArg(args map[string]interface{}, name string) *big.Int {
	if v, ok := args[name].(*big.Int); ok {
		return v
	}
	return new(big.Int)
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// PairSwap is a decoded direct call to a V2 pair's swap.
type PairSwap struct {
	Amount0Out *big.Int
	Amount1Out *big.Int
	To         common.Address
	Data       []byte
}

// ZeroForOne reports whether token1 is paid out, i.e. token0 comes in.
func (p *PairSwap) ZeroForOne() bool {
	return p.Amount1Out.Sign() > 0 && p.Amount0Out.Sign() == 0
}

// DecodePairSwap decodes swap(uint256,uint256,address,bytes).
func DecodePairSwap(input []byte) (*PairSwap, error) {
	sel, err := selectorOf(input)
	if err != nil {
		return nil, err
	}
	if [4]byte(sel) != PairSwapSelector {
		return nil, ErrUnknownSelector
	}
	vals, err := pairABI.Methods["swap"].Inputs.Unpack(input[4:])
	if err != nil {
		return nil, fmt.Errorf("unpack pair swap: %w", err)
	}
	return &PairSwap{
		Amount0Out: vals[0].(*big.Int),
		Amount1Out: vals[1].(*big.Int),
		To:         vals[2].(common.Address),
		Data:       vals[3].([]byte),
	}, nil
}

// PackPairSwap encodes a direct pair swap.
func PackPairSwap(amount0Out, amount1Out *big.Int, to common.Address, data []byte) ([]byte, error) {
	if data == nil {
		data = []byte{}
	}
	return pairABI.Pack("swap", amount0Out, amount1Out, to, data)
}

// PackRouterCall encodes a router method by name, for tests and tooling.
func PackRouterCall(f Family, method string, args ...interface{}) ([]byte, error) {
	a, ok := familyABI(f)
	if !ok {
		return nil, ErrUnknownSelector
	}
	return a.Pack(method, args...)
}
