package signer

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/relayforge/relay-node/crypto/ethereum"
)

// Local signs with an in-process secp256k1 private key.
type Local struct {
	key *ethereum.Signer
}

var _ Signer = (*Local)(nil)

// NewLocal creates a Local signer from a hex-encoded private key.
func NewLocal(hexKey string) (*Local, error) {
	key, err := ethereum.NewSignerFromHex(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDenied, err)
	}
	return &Local{key: key}, nil
}

// NewLocalFromKey wraps an existing key, used by tests.
func NewLocalFromKey(key *ethereum.Signer) *Local {
	return &Local{key: key}
}

func (s *Local) Address() common.Address {
	return s.key.Address()
}

func (s *Local) SignTx(_ context.Context, chainID *big.Int, tx *gtypes.Transaction) (*gtypes.Transaction, error) {
	signed, err := gtypes.SignTx(tx, gtypes.LatestSignerForChainID(chainID), s.key.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDenied, err)
	}
	return signed, nil
}
