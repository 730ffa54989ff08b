package forwarder

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/relayforge/relay-node/crypto/ethereum"
	"github.com/relayforge/relay-node/types"
)

// ErrUnsupportedNetwork is returned when a request names a network the
// verifier was not configured with.
var ErrUnsupportedNetwork = errors.New("unsupported network")

// InvalidRequestError is a typed validation failure carrying the offending
// field, so the API layer can report it without leaking internals.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request field %q: %s", e.Field, e.Reason)
}

func invalidField(field, format string, args ...any) error {
	return &InvalidRequestError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Ceilings are the hard upper bounds enforced by the verifier on every
// request, independent of (and before) any policy rule.
type Ceilings struct {
	MaxGasLimit uint64
	MaxTxValue  *big.Int
}

// Verifier validates forward requests: structure, network membership, hard
// ceilings, and the EIP-712 signature under the network's domain.
type Verifier struct {
	domains  map[string]Domain
	ceilings Ceilings
}

// NewVerifier creates a Verifier for the given per-network domains.
func NewVerifier(domains map[string]Domain, ceilings Ceilings) *Verifier {
	return &Verifier{domains: domains, ceilings: ceilings}
}

// Domain returns the EIP-712 domain for a network.
func (v *Verifier) Domain(network string) (Domain, bool) {
	d, ok := v.domains[network]
	return d, ok
}

// Verify runs the full validation pipeline on req and returns the recovered
// signer address. The returned address always equals req.From on success.
func (v *Verifier) Verify(req *types.ForwardRequest) (common.Address, error) {
	if err := v.validateShape(req); err != nil {
		return common.Address{}, err
	}
	domain, ok := v.domains[req.Network]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, req.Network)
	}
	if err := v.validateCeilings(req); err != nil {
		return common.Address{}, err
	}
	digest, err := domain.TypedHash(req)
	if err != nil {
		return common.Address{}, invalidField("signature", "cannot compute typed hash: %v", err)
	}
	recovered, err := ethereum.RecoverAddress(digest, req.Signature)
	if err != nil {
		return common.Address{}, invalidField("signature", "cannot recover signer: %v", err)
	}
	if !bytes.Equal(recovered.Bytes(), req.From) {
		return common.Address{}, invalidField("signature", "signer %s does not match from", recovered.Hex())
	}
	return recovered, nil
}

func (v *Verifier) validateShape(req *types.ForwardRequest) error {
	if len(req.From) != types.AddressLength {
		return invalidField("from", "must be %d bytes, got %d", types.AddressLength, len(req.From))
	}
	if len(req.To) != types.AddressLength {
		return invalidField("to", "must be %d bytes, got %d", types.AddressLength, len(req.To))
	}
	if len(req.Signature) != types.SignatureLength {
		return invalidField("signature", "must be %d bytes, got %d", types.SignatureLength, len(req.Signature))
	}
	if req.Value == nil || req.Value.Sign() < 0 {
		return invalidField("value", "must be a non-negative integer")
	}
	if req.Gas == nil || req.Gas.Sign() < 0 {
		return invalidField("gas", "must be a non-negative integer")
	}
	if req.Nonce == nil || req.Nonce.Sign() < 0 {
		return invalidField("nonce", "must be a non-negative integer")
	}
	if req.Network == "" {
		return invalidField("network", "missing")
	}
	if tok := req.Token; tok != nil {
		if len(tok.Address) != types.AddressLength {
			return invalidField("token.address", "must be %d bytes, got %d", types.AddressLength, len(tok.Address))
		}
		if !tok.Kind.Valid() {
			return invalidField("token.kind", "unknown kind %q", tok.Kind)
		}
		if tok.Amount != nil && tok.Amount.Sign() < 0 {
			return invalidField("token.amount", "must be a non-negative integer")
		}
		if tok.TokenID != nil && tok.TokenID.Sign() < 0 {
			return invalidField("token.tokenId", "must be a non-negative integer")
		}
	}
	return nil
}

func (v *Verifier) validateCeilings(req *types.ForwardRequest) error {
	if max := v.ceilings.MaxGasLimit; max > 0 {
		if !req.Gas.MathBigInt().IsUint64() || req.Gas.Uint64() > max {
			return invalidField("gas", "exceeds hard ceiling %d", max)
		}
	}
	if max := v.ceilings.MaxTxValue; max != nil && max.Sign() > 0 {
		if req.Value.MathBigInt().Cmp(max) > 0 {
			return invalidField("value", "exceeds hard ceiling %s", max.String())
		}
	}
	return nil
}
