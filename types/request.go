package types

// AddressLength is the size in bytes of an account identifier.
const AddressLength = 20

// SignatureLength is the size in bytes of an (r, s, v) ECDSA signature.
const SignatureLength = 65

// TokenKind enumerates the token standards a forwarded call may move.
type TokenKind string

const (
	TokenKindFungible    TokenKind = "fungible"
	TokenKindNonFungible TokenKind = "non-fungible"
	TokenKindMulti       TokenKind = "multi"
)

// Valid reports whether the token kind is one of the closed set.
func (k TokenKind) Valid() bool {
	switch k {
	case TokenKindFungible, TokenKindNonFungible, TokenKindMulti:
		return true
	}
	return false
}

// TokenTransfer describes the optional token movement declared by a forward
// request, used by token-cap policy rules.
type TokenTransfer struct {
	Address HexBytes  `json:"address"`
	Kind    TokenKind `json:"kind"`
	Amount  *BigInt   `json:"amount,omitempty"`
	TokenID *BigInt   `json:"tokenId,omitempty"`
}

// ForwardRequest is the signed meta-transaction payload submitted by a user.
// The signature covers the EIP-712 typed hash of {from, to, value, gas,
// nonce, data} under the MinimalForwarder domain of the target network.
type ForwardRequest struct {
	From      HexBytes       `json:"from"`
	To        HexBytes       `json:"to"`
	Value     *BigInt        `json:"value"`
	Gas       *BigInt        `json:"gas"`
	Nonce     *BigInt        `json:"nonce"`
	Data      HexBytes       `json:"data"`
	Signature HexBytes       `json:"signature"`
	Network   string         `json:"network"`
	Token     *TokenTransfer `json:"token,omitempty"`
}
