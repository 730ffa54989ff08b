package types

import "encoding/json"

// RuleKind enumerates the policy rule kinds.
type RuleKind string

const (
	RuleKindAllowlist RuleKind = "allowlist"
	RuleKindQuota     RuleKind = "quota"
	RuleKindGasCap    RuleKind = "gas-cap"
	RuleKindTokenCap  RuleKind = "token-cap"
)

// Valid reports whether the rule kind is one of the closed set.
func (k RuleKind) Valid() bool {
	switch k {
	case RuleKindAllowlist, RuleKindQuota, RuleKindGasCap, RuleKindTokenCap:
		return true
	}
	return false
}

// RuleTargetAll is the wildcard target matching every network and account.
const RuleTargetAll = "*"

// PolicyRule is a durable admission rule. The Value payload is opaque at the
// storage layer; the policy engine owns the per-kind schema and validates it
// on write. Rules are additive: a request must pass every enabled rule that
// applies to it.
type PolicyRule struct {
	ID      string          `json:"id" cbor:"1,keyasint"`
	Kind    RuleKind        `json:"kind" cbor:"2,keyasint"`
	Target  string          `json:"target" cbor:"3,keyasint"`
	Value   json.RawMessage `json:"value" cbor:"4,keyasint"`
	Enabled bool            `json:"enabled" cbor:"5,keyasint"`
}
