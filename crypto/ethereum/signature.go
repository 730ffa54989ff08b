package ethereum

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	// SignatureLength is the size of an ECDSA signature in bytes.
	SignatureLength = ethcrypto.SignatureLength
	// HashLength is the size of a keccak256 hash.
	HashLength = 32
)

// NormalizeV returns a copy of a 65-byte signature with the recovery byte
// normalized to {0, 1}. Wallets commonly emit v in Ethereum's legacy 27/28
// form.
func NormalizeV(sig []byte) ([]byte, error) {
	if len(sig) != SignatureLength {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	out := make([]byte, SignatureLength)
	copy(out, sig)
	if out[64] >= 27 {
		out[64] -= 27
	}
	if out[64] > 1 {
		return nil, fmt.Errorf("invalid recovery byte %d", sig[64])
	}
	return out, nil
}

// RecoverAddress recovers the signer address of a 32-byte digest from its
// 65-byte (r, s, v) signature.
func RecoverAddress(digest, sig []byte) (common.Address, error) {
	if len(digest) != HashLength {
		return common.Address{}, fmt.Errorf("digest must be %d bytes, got %d", HashLength, len(digest))
	}
	normalized, err := NormalizeV(sig)
	if err != nil {
		return common.Address{}, err
	}
	pubKey, err := ethcrypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("sigToPub: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pubKey), nil
}

// HashRaw hashes data with no prefix using Keccak256.
func HashRaw(data []byte) []byte {
	return ethcrypto.Keccak256(data)
}
