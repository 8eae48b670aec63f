package bundle

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mev-protocol/sandwich/pkg/types"
)

var ErrNoBaseFee = errors.New("bundle: base fee unknown")

// Fees prices the bot's legs for the target block.
type Fees struct {
	// BaseFee is the expected base fee of the target block.
	BaseFee *big.Int
	Tip     *big.Int
}

// FeeCap allows the base fee to double before the legs become unincludable.
func (f Fees) FeeCap() *big.Int {
	c := new(big.Int).Lsh(f.BaseFee, 1)
	return c.Add(c, f.Tip)
}

// Signer signs bundle legs with the bot key.
type Signer struct {
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	signer  gethtypes.Signer
}

// NewSigner loads a hex private key for chainID.
func NewSigner(hexKey string, chainID *big.Int) (*Signer, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid bot key: %w", err)
	}
	return NewSignerFromKey(key, chainID), nil
}

// NewSignerFromKey wraps an already parsed key.
func NewSignerFromKey(key *ecdsa.PrivateKey, chainID *big.Int) *Signer {
	return &Signer{
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		signer:  gethtypes.LatestSignerForChainID(chainID),
	}
}

// Address is the bot's sending address.
func (s *Signer) Address() common.Address { return s.from }

// Sign signs the front leg with nonce and the back leg with nonce+1.
func (s *Signer) Sign(b *types.Bundle, nonce uint64, fees Fees) error {
	if fees.BaseFee == nil {
		return ErrNoBaseFee
	}
	if fees.Tip == nil {
		fees.Tip = new(big.Int)
	}
	front, err := s.signLeg(b.Front, nonce, fees)
	if err != nil {
		return fmt.Errorf("sign front-run: %w", err)
	}
	back, err := s.signLeg(b.Back, nonce+1, fees)
	if err != nil {
		return fmt.Errorf("sign back-run: %w", err)
	}
	b.Front.Signed, b.Back.Signed = front, back
	return nil
}

func (s *Signer) signLeg(leg types.BundleLeg, nonce uint64, fees Fees) (*gethtypes.Transaction, error) {
	to := leg.To
	return gethtypes.SignNewTx(s.key, s.signer, &gethtypes.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: fees.Tip,
		GasFeeCap: fees.FeeCap(),
		Gas:       leg.GasLimit,
		To:        &to,
		Value:     new(big.Int),
		Data:      leg.Data,
	})
}
