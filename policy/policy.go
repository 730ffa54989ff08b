// Package policy evaluates admitted relay requests against the configured
// rule set: allowlist, quota, gas-cap and token-cap rules, in that order.
// Rules are additive and the first rejection wins. The active rule set is an
// immutable snapshot swapped atomically on reload, so evaluation never sees
// a partially updated set.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"

	"github.com/relayforge/relay-node/counters"
	"github.com/relayforge/relay-node/log"
	"github.com/relayforge/relay-node/storage"
	"github.com/relayforge/relay-node/types"
)

// DefaultReloadInterval is how often the engine refreshes its rule set from
// the store.
const DefaultReloadInterval = 10 * time.Second

// Rejection is a policy refusal. Kind names the rule kind, Reason the
// specific violated limit.
type Rejection struct {
	Kind   types.RuleKind
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Kind, r.Reason)
}

func reject(kind types.RuleKind, format string, args ...any) error {
	return &Rejection{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

type allowRule struct {
	target    string
	addresses map[string]struct{}
}

type quotaRule struct {
	target string
	value  QuotaValue
}

type gasCapRule struct {
	target string
	value  GasCapValue
}

type tokenCapRule struct {
	target  string
	allowed map[string]struct{} // empty means any token
	value   TokenCapValue
}

type ruleSet struct {
	allowlist []allowRule
	quotas    []quotaRule
	gasCaps   []gasCapRule
	tokenCaps []tokenCapRule
}

// Engine evaluates requests against the active rule set.
type Engine struct {
	store    *storage.Storage
	counters *counters.Store
	interval time.Duration
	rules    atomic.Pointer[ruleSet]
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewEngine creates an Engine and loads the initial rule set. A non-positive
// interval selects DefaultReloadInterval.
func NewEngine(store *storage.Storage, counterStore *counters.Store, interval time.Duration) (*Engine, error) {
	if interval <= 0 {
		interval = DefaultReloadInterval
	}
	e := &Engine{
		store:    store,
		counters: counterStore,
		interval: interval,
	}
	if err := e.Reload(); err != nil {
		return nil, fmt.Errorf("load policy rules: %w", err)
	}
	return e, nil
}

// Start begins the periodic rule reload loop.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.Reload(); err != nil {
					log.Errorw(err, "policy rule reload failed")
				}
			}
		}
	}()
}

// Close stops the reload loop.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Reload atomically replaces the active rule set with the store's current
// rules. Disabled and malformed rules are skipped.
func (e *Engine) Reload() error {
	stored, err := e.store.ListRules()
	if err != nil {
		return err
	}
	next := &ruleSet{}
	for _, rule := range stored {
		if !rule.Enabled {
			continue
		}
		if err := e.parseInto(next, rule); err != nil {
			log.Warnw("skipping malformed policy rule", "id", rule.ID, "kind", rule.Kind, "error", err.Error())
		}
	}
	e.rules.Store(next)
	return nil
}

func (e *Engine) parseInto(set *ruleSet, rule *types.PolicyRule) error {
	target := normalizeAddr(rule.Target)
	switch rule.Kind {
	case types.RuleKindAllowlist:
		var v AllowlistValue
		if err := json.Unmarshal(rule.Value, &v); err != nil {
			return err
		}
		addresses := make(map[string]struct{}, len(v.Addresses))
		for _, addr := range v.Addresses {
			addresses[normalizeAddr(addr)] = struct{}{}
		}
		set.allowlist = append(set.allowlist, allowRule{target: target, addresses: addresses})
	case types.RuleKindQuota:
		var v QuotaValue
		if err := json.Unmarshal(rule.Value, &v); err != nil {
			return err
		}
		set.quotas = append(set.quotas, quotaRule{target: target, value: v})
	case types.RuleKindGasCap:
		var v GasCapValue
		if err := json.Unmarshal(rule.Value, &v); err != nil {
			return err
		}
		set.gasCaps = append(set.gasCaps, gasCapRule{target: target, value: v})
	case types.RuleKindTokenCap:
		var v TokenCapValue
		if err := json.Unmarshal(rule.Value, &v); err != nil {
			return err
		}
		allowed := make(map[string]struct{}, len(v.AllowedTokens))
		for _, addr := range v.AllowedTokens {
			allowed[normalizeAddr(addr)] = struct{}{}
		}
		set.tokenCaps = append(set.tokenCaps, tokenCapRule{target: target, allowed: allowed, value: v})
	default:
		return fmt.Errorf("unknown rule kind %q", rule.Kind)
	}
	return nil
}

// applies reports whether a rule target covers the given request: the
// wildcard covers everything, a network name covers that network, an
// address covers requests from that sender.
func applies(target string, network, from string) bool {
	switch target {
	case types.RuleTargetAll, network:
		return true
	}
	return target == from
}

// Admit evaluates the request against the active rule set at the given
// time. It returns nil to admit or a *Rejection naming the violated rule.
// The gas-price half of gas-cap rules is enforced separately through
// MaxGasPrice once the pipeline knows the effective fee.
func (e *Engine) Admit(req *types.ForwardRequest, now time.Time) error {
	set := e.rules.Load()
	if set == nil {
		return fmt.Errorf("policy rule set not loaded")
	}
	from := normalizeAddr(req.From.Hex())
	network := req.Network

	for _, rule := range set.allowlist {
		if !applies(rule.target, network, from) {
			continue
		}
		if _, ok := rule.addresses[from]; !ok {
			return reject(types.RuleKindAllowlist, "sender %s is not allowlisted", from)
		}
	}

	if err := e.admitQuota(set, req, from, now); err != nil {
		return err
	}

	for _, rule := range set.gasCaps {
		if !applies(rule.target, network, from) {
			continue
		}
		if max := rule.value.MaxGasLimit; max > 0 {
			if !req.Gas.MathBigInt().IsUint64() || req.Gas.Uint64() > max {
				return reject(types.RuleKindGasCap, "declared gas %s exceeds gas limit cap %d", req.Gas, max)
			}
		}
	}

	return e.admitTokenCap(set, req, from, now)
}

func (e *Engine) admitQuota(set *ruleSet, req *types.ForwardRequest, from string, now time.Time) error {
	value, overflow := uint256.FromBig(req.Value.MathBigInt())
	if overflow {
		return reject(types.RuleKindQuota, "value does not fit 256 bits")
	}

	var (
		loaded     bool
		hourCount  uint64
		dayCount   uint64
		hourValue  *uint256.Int
		dayValue   *uint256.Int
		countScope = counters.Scope("tx-count", from, req.Network)
		valueScope = counters.Scope("tx-value", from, req.Network)
	)
	load := func() error {
		if loaded {
			return nil
		}
		var err error
		if hourCount, err = e.counters.Count(countScope, now.Add(-time.Hour)); err != nil {
			return err
		}
		if dayCount, err = e.counters.Count(countScope, now.Add(-24*time.Hour)); err != nil {
			return err
		}
		if hourValue, err = e.counters.Sum(valueScope, now.Add(-time.Hour)); err != nil {
			return err
		}
		if dayValue, err = e.counters.Sum(valueScope, now.Add(-24*time.Hour)); err != nil {
			return err
		}
		loaded = true
		return nil
	}

	for _, rule := range set.quotas {
		if !applies(rule.target, req.Network, from) {
			continue
		}
		v := rule.value
		if v.MaxValuePerTx != nil {
			if req.Value.MathBigInt().Cmp(v.MaxValuePerTx.MathBigInt()) > 0 {
				return reject(types.RuleKindQuota, "value exceeds per-transaction value limit %s", v.MaxValuePerTx)
			}
		}
		if v.MaxTxPerHour == 0 && v.MaxTxPerDay == 0 && v.MaxValuePerHour == nil && v.MaxValuePerDay == nil {
			continue
		}
		if err := load(); err != nil {
			return fmt.Errorf("load usage counters: %w", err)
		}
		// the request's own contribution is counted hypothetically
		if v.MaxTxPerHour > 0 && hourCount+1 > v.MaxTxPerHour {
			return reject(types.RuleKindQuota, "hourly transaction limit %d exceeded", v.MaxTxPerHour)
		}
		if v.MaxTxPerDay > 0 && dayCount+1 > v.MaxTxPerDay {
			return reject(types.RuleKindQuota, "daily transaction limit %d exceeded", v.MaxTxPerDay)
		}
		if v.MaxValuePerHour != nil {
			if exceedsLimit(hourValue, value, v.MaxValuePerHour) {
				return reject(types.RuleKindQuota, "hourly value limit %s exceeded", v.MaxValuePerHour)
			}
		}
		if v.MaxValuePerDay != nil {
			if exceedsLimit(dayValue, value, v.MaxValuePerDay) {
				return reject(types.RuleKindQuota, "daily value limit %s exceeded", v.MaxValuePerDay)
			}
		}
	}
	return nil
}

func (e *Engine) admitTokenCap(set *ruleSet, req *types.ForwardRequest, from string, now time.Time) error {
	if req.Token == nil {
		return nil
	}
	tokenAddr := normalizeAddr(req.Token.Address.Hex())
	amount := new(uint256.Int)
	if req.Token.Amount != nil {
		var overflow bool
		if amount, overflow = uint256.FromBig(req.Token.Amount.MathBigInt()); overflow {
			return reject(types.RuleKindTokenCap, "token amount does not fit 256 bits")
		}
	}

	var (
		loaded     bool
		hourAmount *uint256.Int
		dayAmount  *uint256.Int
		scope      = counters.Scope("token-amount/"+tokenAddr, from, req.Network)
	)
	load := func() error {
		if loaded {
			return nil
		}
		var err error
		if hourAmount, err = e.counters.Sum(scope, now.Add(-time.Hour)); err != nil {
			return err
		}
		if dayAmount, err = e.counters.Sum(scope, now.Add(-24*time.Hour)); err != nil {
			return err
		}
		loaded = true
		return nil
	}

	for _, rule := range set.tokenCaps {
		if !applies(rule.target, req.Network, from) {
			continue
		}
		if len(rule.allowed) > 0 {
			if _, ok := rule.allowed[tokenAddr]; !ok {
				return reject(types.RuleKindTokenCap, "token %s is not allowed", tokenAddr)
			}
		}
		v := rule.value
		if v.MaxAmountPerTx != nil {
			if amount.Cmp(mustUint256(v.MaxAmountPerTx)) > 0 {
				return reject(types.RuleKindTokenCap, "token amount exceeds per-transaction limit %s", v.MaxAmountPerTx)
			}
		}
		if v.MaxAmountPerHour == nil && v.MaxAmountPerDay == nil {
			continue
		}
		if err := load(); err != nil {
			return fmt.Errorf("load token counters: %w", err)
		}
		if v.MaxAmountPerHour != nil {
			if exceedsLimit(hourAmount, amount, v.MaxAmountPerHour) {
				return reject(types.RuleKindTokenCap, "hourly token amount limit %s exceeded", v.MaxAmountPerHour)
			}
		}
		if v.MaxAmountPerDay != nil {
			if exceedsLimit(dayAmount, amount, v.MaxAmountPerDay) {
				return reject(types.RuleKindTokenCap, "daily token amount limit %s exceeded", v.MaxAmountPerDay)
			}
		}
	}
	return nil
}

// MaxGasPrice returns the tightest max-gas-price across the gas-cap rules
// applicable to the request, or nil when none applies.
func (e *Engine) MaxGasPrice(req *types.ForwardRequest) *big.Int {
	set := e.rules.Load()
	if set == nil {
		return nil
	}
	from := normalizeAddr(req.From.Hex())
	var tightest *big.Int
	for _, rule := range set.gasCaps {
		if !applies(rule.target, req.Network, from) {
			continue
		}
		if rule.value.MaxGasPrice == nil {
			continue
		}
		price := rule.value.MaxGasPrice.MathBigInt()
		if tightest == nil || price.Cmp(tightest) < 0 {
			tightest = price
		}
	}
	return tightest
}

// RecordUsage updates the sliding-window counters after a successful
// broadcast: transaction count, native value, and token amount if present.
func (e *Engine) RecordUsage(req *types.ForwardRequest, now time.Time) error {
	from := normalizeAddr(req.From.Hex())
	if err := e.counters.Record(counters.Scope("tx-count", from, req.Network), uint256.NewInt(1), now); err != nil {
		return err
	}
	value, overflow := uint256.FromBig(req.Value.MathBigInt())
	if overflow {
		return fmt.Errorf("value does not fit 256 bits")
	}
	if err := e.counters.Record(counters.Scope("tx-value", from, req.Network), value, now); err != nil {
		return err
	}
	if req.Token != nil && req.Token.Amount != nil {
		tokenAddr := normalizeAddr(req.Token.Address.Hex())
		amount, overflow := uint256.FromBig(req.Token.Amount.MathBigInt())
		if overflow {
			return fmt.Errorf("token amount does not fit 256 bits")
		}
		if err := e.counters.Record(counters.Scope("token-amount/"+tokenAddr, from, req.Network), amount, now); err != nil {
			return err
		}
	}
	return nil
}

// exceedsLimit reports whether current + contribution > limit, in exact
// 256-bit arithmetic.
func exceedsLimit(current, contribution *uint256.Int, limit *types.BigInt) bool {
	projected := new(uint256.Int).Add(current, contribution)
	if projected.Lt(current) {
		// overflow, necessarily past any representable limit
		return true
	}
	return projected.Cmp(mustUint256(limit)) > 0
}

func mustUint256(i *types.BigInt) *uint256.Int {
	v, overflow := uint256.FromBig(i.MathBigInt())
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return v
}
