// Package ethereum provides ECDSA key handling and signature recovery
// helpers over secp256k1, as used by the relayer account and the forward
// request verifier.
package ethereum

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/relayforge/relay-node/types"
)

// Signer represents an ECDSA private key for signing. It is a wrapper around
// the go-ethereum ecdsa.PrivateKey type.
type Signer ecdsa.PrivateKey

// Address returns the Ethereum address derived from the public key of the signer.
func (s *Signer) Address() common.Address {
	return ethcrypto.PubkeyToAddress(s.PublicKey)
}

// PrivateKey returns the underlying ecdsa private key.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey {
	return (*ecdsa.PrivateKey)(s)
}

// HexPrivateKey returns the hex-encoded representation of the ECDSA private
// key.
func (s *Signer) HexPrivateKey() types.HexBytes {
	return types.HexBytes(ethcrypto.FromECDSA((*ecdsa.PrivateKey)(s)))
}

// SignDigest signs a 32-byte digest and returns the 65-byte (r, s, v)
// signature with v in {0, 1}.
func (s *Signer) SignDigest(digest []byte) ([]byte, error) {
	if len(digest) != HashLength {
		return nil, fmt.Errorf("digest must be %d bytes, got %d", HashLength, len(digest))
	}
	sig, err := ethcrypto.Sign(digest, (*ecdsa.PrivateKey)(s))
	if err != nil {
		return nil, fmt.Errorf("could not sign digest: %w", err)
	}
	return sig, nil
}

// NewSigner creates a new random ECDSA private key.
func NewSigner() (*Signer, error) {
	s, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("could not generate key: %w", err)
	}
	return (*Signer)(s), nil
}

// NewSignerFromHex creates a new ECDSA private key from a hex-encoded string.
func NewSignerFromHex(hexKey string) (*Signer, error) {
	if len(hexKey) >= 2 && hexKey[0] == '0' && (hexKey[1] == 'x' || hexKey[1] == 'X') {
		hexKey = hexKey[2:]
	}
	s, err := ethcrypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("could not parse private key: %w", err)
	}
	return (*Signer)(s), nil
}
