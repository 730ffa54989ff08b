// Package awskms implements a signer backed by an AWS KMS asymmetric key
// (ECC_SECG_P256K1). The private key never leaves KMS; signatures come back
// DER-encoded and are converted to the 65-byte Ethereum format here.
package awskms

import (
	"context"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/relayforge/relay-node/signer"
)

var secp256k1HalfN = new(big.Int).Rsh(ethcrypto.S256().Params().N, 1)

// KMS signs transactions with a key hosted in AWS KMS.
type KMS struct {
	client  *kms.Client
	keyID   string
	pubkey  []byte // uncompressed 65-byte point
	address common.Address
}

var _ signer.Signer = (*KMS)(nil)

// New resolves the key's public material and derives the relayer address.
func New(ctx context.Context, keyID string) (*KMS, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", signer.ErrUnavailable, err)
	}
	return NewWithClient(ctx, kms.NewFromConfig(cfg), keyID)
}

// NewWithClient is like New with a caller-provided KMS client.
func NewWithClient(ctx context.Context, client *kms.Client, keyID string) (*KMS, error) {
	out, err := client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, fmt.Errorf("%w: get public key: %v", signer.ErrUnavailable, err)
	}
	if out.KeySpec != kmstypes.KeySpecEccSecgP256k1 {
		return nil, fmt.Errorf("%w: key %s has spec %s, want %s",
			signer.ErrDenied, keyID, out.KeySpec, kmstypes.KeySpecEccSecgP256k1)
	}
	pub, err := parseSPKI(out.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", signer.ErrDenied, err)
	}
	pubkey, err := ethcrypto.UnmarshalPubkey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: unmarshal public key: %v", signer.ErrDenied, err)
	}
	return &KMS{
		client:  client,
		keyID:   keyID,
		pubkey:  pub,
		address: ethcrypto.PubkeyToAddress(*pubkey),
	}, nil
}

func (s *KMS) Address() common.Address {
	return s.address
}

func (s *KMS) SignTx(ctx context.Context, chainID *big.Int, tx *gtypes.Transaction) (*gtypes.Transaction, error) {
	gsigner := gtypes.LatestSignerForChainID(chainID)
	digest := gsigner.Hash(tx).Bytes()
	sig, err := s.signDigest(ctx, digest)
	if err != nil {
		return nil, err
	}
	return tx.WithSignature(gsigner, sig)
}

// signDigest asks KMS for a raw ECDSA signature and converts it to the
// 65-byte [R || S || V] form with a low S and a recovered V.
func (s *KMS) signDigest(ctx context.Context, digest []byte) ([]byte, error) {
	out, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keyID),
		Message:          digest,
		MessageType:      kmstypes.MessageTypeDigest,
		SigningAlgorithm: kmstypes.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		var denied *kmstypes.DisabledException
		if errors.As(err, &denied) {
			return nil, fmt.Errorf("%w: key %s disabled", signer.ErrDenied, s.keyID)
		}
		return nil, fmt.Errorf("%w: kms sign: %v", signer.ErrUnavailable, err)
	}
	r, ss, err := parseDERSignature(out.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", signer.ErrUnavailable, err)
	}
	// Ethereum requires the canonical low-S form.
	if ss.Cmp(secp256k1HalfN) > 0 {
		ss = new(big.Int).Sub(ethcrypto.S256().Params().N, ss)
	}
	sig := make([]byte, 65)
	r.FillBytes(sig[:32])
	ss.FillBytes(sig[32:64])
	// KMS does not return the recovery id; find it by recovering.
	for _, v := range []byte{0, 1} {
		sig[64] = v
		recovered, err := ethcrypto.Ecrecover(digest, sig)
		if err == nil && string(recovered) == string(s.pubkey) {
			return sig, nil
		}
	}
	return nil, fmt.Errorf("%w: no recovery id matches key %s", signer.ErrUnavailable, s.keyID)
}

func parseSPKI(der []byte) ([]byte, error) {
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, fmt.Errorf("parse spki: %v", err)
	}
	return spki.PublicKey.Bytes, nil
}

func parseDERSignature(der []byte) (r, s *big.Int, err error) {
	var sig struct {
		R, S *big.Int
	}
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, nil, fmt.Errorf("parse der signature: %v", err)
	}
	return sig.R, sig.S, nil
}
