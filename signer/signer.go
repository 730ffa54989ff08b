// Package signer abstracts the relayer signing key behind a capability
// interface. Two variants are provided: a Local in-process secp256k1 key and
// a KMS-hosted key. No variant ever exposes raw key material to callers.
package signer

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrUnavailable marks transient signing backend failures; callers may
	// retry the request.
	ErrUnavailable = errors.New("signer unavailable")
	// ErrDenied marks a definitive refusal to sign; fatal for the request.
	ErrDenied = errors.New("signing denied")
)

// Signer produces signed wire-format transactions for the relayer account.
// Implementations must be deterministic per input under a fixed key.
type Signer interface {
	// Address returns the relayer account address.
	Address() common.Address
	// SignTx signs the given transaction for the given chain.
	SignTx(ctx context.Context, chainID *big.Int, tx *gtypes.Transaction) (*gtypes.Transaction, error)
}
