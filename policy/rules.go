package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/relayforge/relay-node/types"
)

// AllowlistValue is the structured value of an allowlist rule. An empty set
// on a wildcard rule denies every sender.
type AllowlistValue struct {
	Addresses []string `json:"addresses"`
}

// QuotaValue is the structured value of a quota rule. Zero or missing
// fields leave that limit unenforced.
type QuotaValue struct {
	MaxTxPerHour    uint64        `json:"maxTxPerHour,omitempty"`
	MaxTxPerDay     uint64        `json:"maxTxPerDay,omitempty"`
	MaxValuePerTx   *types.BigInt `json:"maxValuePerTx,omitempty"`
	MaxValuePerHour *types.BigInt `json:"maxValuePerHour,omitempty"`
	MaxValuePerDay  *types.BigInt `json:"maxValuePerDay,omitempty"`
}

// GasCapValue is the structured value of a gas-cap rule.
type GasCapValue struct {
	MaxGasLimit uint64        `json:"maxGasLimit,omitempty"`
	MaxGasPrice *types.BigInt `json:"maxGasPrice,omitempty"`
}

// TokenCapValue is the structured value of a token-cap rule. An empty
// AllowedTokens list admits any token; caps apply per token address.
type TokenCapValue struct {
	AllowedTokens    []string      `json:"allowedTokens,omitempty"`
	MaxAmountPerTx   *types.BigInt `json:"maxAmountPerTx,omitempty"`
	MaxAmountPerHour *types.BigInt `json:"maxAmountPerHour,omitempty"`
	MaxAmountPerDay  *types.BigInt `json:"maxAmountPerDay,omitempty"`
}

// ValidateRuleValue checks a rule's opaque value against its kind's schema.
// Called on every rule write.
func ValidateRuleValue(kind types.RuleKind, value json.RawMessage) error {
	switch kind {
	case types.RuleKindAllowlist:
		var v AllowlistValue
		if err := strictDecode(value, &v); err != nil {
			return err
		}
		for _, addr := range v.Addresses {
			if !common.IsHexAddress(addr) {
				return fmt.Errorf("allowlist entry %q is not an address", addr)
			}
		}
	case types.RuleKindQuota:
		var v QuotaValue
		if err := strictDecode(value, &v); err != nil {
			return err
		}
		for name, limit := range map[string]*types.BigInt{
			"maxValuePerTx":   v.MaxValuePerTx,
			"maxValuePerHour": v.MaxValuePerHour,
			"maxValuePerDay":  v.MaxValuePerDay,
		} {
			if limit != nil && limit.Sign() < 0 {
				return fmt.Errorf("%s must be non-negative", name)
			}
		}
	case types.RuleKindGasCap:
		var v GasCapValue
		if err := strictDecode(value, &v); err != nil {
			return err
		}
		if v.MaxGasPrice != nil && v.MaxGasPrice.Sign() < 0 {
			return fmt.Errorf("maxGasPrice must be non-negative")
		}
	case types.RuleKindTokenCap:
		var v TokenCapValue
		if err := strictDecode(value, &v); err != nil {
			return err
		}
		for _, addr := range v.AllowedTokens {
			if !common.IsHexAddress(addr) {
				return fmt.Errorf("allowed token %q is not an address", addr)
			}
		}
		for name, limit := range map[string]*types.BigInt{
			"maxAmountPerTx":   v.MaxAmountPerTx,
			"maxAmountPerHour": v.MaxAmountPerHour,
			"maxAmountPerDay":  v.MaxAmountPerDay,
		} {
			if limit != nil && limit.Sign() < 0 {
				return fmt.Errorf("%s must be non-negative", name)
			}
		}
	default:
		return fmt.Errorf("unknown rule kind %q", kind)
	}
	return nil
}

// ValidateTarget checks that a rule target is the wildcard, a known network,
// or an account address.
func ValidateTarget(target string, knownNetwork func(string) bool) error {
	if target == types.RuleTargetAll {
		return nil
	}
	if common.IsHexAddress(target) {
		return nil
	}
	if knownNetwork != nil && knownNetwork(target) {
		return nil
	}
	return fmt.Errorf("target %q is neither %q, a network, nor an address", target, types.RuleTargetAll)
}

func strictDecode(value json.RawMessage, out any) error {
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("malformed rule value: %w", err)
	}
	return nil
}

// normalizeAddr lowercases and strips the 0x prefix so checksummed,
// prefixed and raw-hex spellings of the same address compare equal.
func normalizeAddr(addr string) string {
	return strings.TrimPrefix(strings.ToLower(addr), "0x")
}
