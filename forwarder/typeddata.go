// Package forwarder implements verification of signed meta-transaction
// requests against the MinimalForwarder EIP-712 domain. It reproduces the
// forwarder contract's typed-data hash bit-exactly; replay defence via the
// user nonce is owned by the contract itself, never checked here.
package forwarder

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/relayforge/relay-node/types"
)

const (
	// DomainName and DomainVersion identify the forwarder contract's
	// EIP-712 domain. Compatibility contract: do not change.
	DomainName    = "MinimalForwarder"
	DomainVersion = "0.0.1"
)

var forwardRequestTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"ForwardRequest": {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "gas", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "data", Type: "bytes"},
	},
}

// Domain binds requests to one network's forwarder contract.
type Domain struct {
	ChainID   uint64
	Forwarder common.Address
}

// TypedHash computes the EIP-712 digest a user must sign for the given
// request under this domain.
func (d Domain) TypedHash(req *types.ForwardRequest) ([]byte, error) {
	td := apitypes.TypedData{
		Types:       forwardRequestTypes,
		PrimaryType: "ForwardRequest",
		Domain: apitypes.TypedDataDomain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainId:           math.NewHexOrDecimal256(int64(d.ChainID)),
			VerifyingContract: d.Forwarder.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":  common.BytesToAddress(req.From).Hex(),
			"to":    common.BytesToAddress(req.To).Hex(),
			"value": (*math.HexOrDecimal256)(bigOrZero(req.Value)),
			"gas":   (*math.HexOrDecimal256)(bigOrZero(req.Gas)),
			"nonce": (*math.HexOrDecimal256)(bigOrZero(req.Nonce)),
			"data":  hexutil.Encode(req.Data),
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}
	return digest, nil
}

func bigOrZero(i *types.BigInt) *big.Int {
	if i == nil {
		return new(big.Int)
	}
	return i.MathBigInt()
}
