package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/relayforge/relay-node/counters"
	"github.com/relayforge/relay-node/db/inmemory"
	"github.com/relayforge/relay-node/storage"
	"github.com/relayforge/relay-node/types"
)

const (
	testFrom  = "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"
	testTo    = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"
	testToken = "0x9fe46736679d2d9a65f0992f2272de9f3c7fa6e0"
)

type testEnv struct {
	store    *storage.Storage
	counters *counters.Store
	engine   *Engine
}

func newTestEnv(t *testing.T, rules ...*types.PolicyRule) *testEnv {
	t.Helper()
	c := qt.New(t)
	store := storage.New(inmemory.New())
	t.Cleanup(store.Close)
	for _, rule := range rules {
		_, err := store.SetRule(rule)
		c.Assert(err, qt.IsNil)
	}
	counterStore := counters.NewStore(store.Database(), 0)
	engine, err := NewEngine(store, counterStore, 0)
	c.Assert(err, qt.IsNil)
	return &testEnv{store: store, counters: counterStore, engine: engine}
}

func testRequest(value uint64) *types.ForwardRequest {
	return &types.ForwardRequest{
		From:    types.HexStringToHexBytesMustUnmarshal(testFrom),
		To:      types.HexStringToHexBytesMustUnmarshal(testTo),
		Value:   new(types.BigInt).SetUint64(value),
		Gas:     new(types.BigInt).SetUint64(100_000),
		Nonce:   new(types.BigInt).SetUint64(0),
		Network: "localhost",
	}
}

func rule(kind types.RuleKind, target, value string) *types.PolicyRule {
	return &types.PolicyRule{
		Kind:    kind,
		Target:  target,
		Value:   json.RawMessage(value),
		Enabled: true,
	}
}

func TestAllowlist(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t, rule(types.RuleKindAllowlist, "*",
		fmt.Sprintf(`{"addresses":[%q]}`, testFrom)))

	c.Assert(env.engine.Admit(testRequest(1), time.Now()), qt.IsNil)

	req := testRequest(1)
	req.From = types.HexStringToHexBytesMustUnmarshal(testTo)
	err := env.engine.Admit(req, time.Now())
	var rej *Rejection
	c.Assert(errors.As(err, &rej), qt.IsTrue)
	c.Assert(rej.Kind, qt.Equals, types.RuleKindAllowlist)
}

func TestAllowlistEmptyWildcardDeniesAll(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t, rule(types.RuleKindAllowlist, "*", `{"addresses":[]}`))

	err := env.engine.Admit(testRequest(1), time.Now())
	var rej *Rejection
	c.Assert(errors.As(err, &rej), qt.IsTrue)
	c.Assert(rej.Kind, qt.Equals, types.RuleKindAllowlist)
}

func TestAllowlistNetworkScoped(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t, rule(types.RuleKindAllowlist, "sepolia",
		fmt.Sprintf(`{"addresses":[%q]}`, testTo)))

	// rule targets another network, so localhost requests pass
	c.Assert(env.engine.Admit(testRequest(1), time.Now()), qt.IsNil)

	req := testRequest(1)
	req.Network = "sepolia"
	err := env.engine.Admit(req, time.Now())
	var rej *Rejection
	c.Assert(errors.As(err, &rej), qt.IsTrue)
}

func TestQuotaTxCount(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t, rule(types.RuleKindQuota, "*", `{"maxTxPerHour":2}`))
	now := time.Now()

	req := testRequest(1)
	c.Assert(env.engine.Admit(req, now), qt.IsNil)
	c.Assert(env.engine.RecordUsage(req, now), qt.IsNil)
	c.Assert(env.engine.Admit(req, now), qt.IsNil)
	c.Assert(env.engine.RecordUsage(req, now), qt.IsNil)

	err := env.engine.Admit(req, now)
	var rej *Rejection
	c.Assert(errors.As(err, &rej), qt.IsTrue)
	c.Assert(rej.Kind, qt.Equals, types.RuleKindQuota)
	c.Assert(rej.Reason, qt.Contains, "hourly transaction")

	// the window slides: old usage stops counting an hour later
	c.Assert(env.engine.Admit(req, now.Add(2*time.Hour)), qt.IsNil)
}

func TestQuotaValueLimits(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t,
		rule(types.RuleKindQuota, "*", `{"maxValuePerTx":"100","maxValuePerHour":"150"}`))
	now := time.Now()

	err := env.engine.Admit(testRequest(101), now)
	var rej *Rejection
	c.Assert(errors.As(err, &rej), qt.IsTrue)
	c.Assert(rej.Reason, qt.Contains, "per-transaction value")

	req := testRequest(100)
	c.Assert(env.engine.Admit(req, now), qt.IsNil)
	c.Assert(env.engine.RecordUsage(req, now), qt.IsNil)

	// 100 spent, 60 more would project past the hourly 150
	err = env.engine.Admit(testRequest(60), now)
	c.Assert(errors.As(err, &rej), qt.IsTrue)
	c.Assert(rej.Reason, qt.Contains, "hourly value")

	c.Assert(env.engine.Admit(testRequest(50), now), qt.IsNil)
}

func TestGasCap(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t,
		rule(types.RuleKindGasCap, "*", `{"maxGasLimit":50000,"maxGasPrice":"2000000000"}`))

	err := env.engine.Admit(testRequest(1), time.Now())
	var rej *Rejection
	c.Assert(errors.As(err, &rej), qt.IsTrue)
	c.Assert(rej.Kind, qt.Equals, types.RuleKindGasCap)

	req := testRequest(1)
	req.Gas = new(types.BigInt).SetUint64(40_000)
	c.Assert(env.engine.Admit(req, time.Now()), qt.IsNil)

	price := env.engine.MaxGasPrice(req)
	c.Assert(price, qt.IsNotNil)
	c.Assert(price.String(), qt.Equals, "2000000000")

	// no gas-cap rule applicable means no price cap
	other := testRequest(1)
	other.Network = "sepolia"
	other.Gas = new(types.BigInt).SetUint64(40_000)
	env2 := newTestEnv(t)
	c.Assert(env2.engine.MaxGasPrice(other), qt.IsNil)
}

func TestTokenCap(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t, rule(types.RuleKindTokenCap, "*",
		fmt.Sprintf(`{"allowedTokens":[%q],"maxAmountPerTx":"1000","maxAmountPerDay":"1500"}`, testToken)))
	now := time.Now()

	// requests without token fields are untouched by token-cap rules
	c.Assert(env.engine.Admit(testRequest(1), now), qt.IsNil)

	tokenReq := func(amount uint64, addr string) *types.ForwardRequest {
		req := testRequest(0)
		req.Token = &types.TokenTransfer{
			Address: types.HexStringToHexBytesMustUnmarshal(addr),
			Kind:    types.TokenKindFungible,
			Amount:  new(types.BigInt).SetUint64(amount),
		}
		return req
	}

	var rej *Rejection
	err := env.engine.Admit(tokenReq(10, testTo), now)
	c.Assert(errors.As(err, &rej), qt.IsTrue)
	c.Assert(rej.Reason, qt.Contains, "not allowed")

	err = env.engine.Admit(tokenReq(1001, testToken), now)
	c.Assert(errors.As(err, &rej), qt.IsTrue)
	c.Assert(rej.Reason, qt.Contains, "per-transaction")

	req := tokenReq(1000, testToken)
	c.Assert(env.engine.Admit(req, now), qt.IsNil)
	c.Assert(env.engine.RecordUsage(req, now), qt.IsNil)

	err = env.engine.Admit(tokenReq(600, testToken), now)
	c.Assert(errors.As(err, &rej), qt.IsTrue)
	c.Assert(rej.Reason, qt.Contains, "daily token amount")

	c.Assert(env.engine.Admit(tokenReq(500, testToken), now), qt.IsNil)
}

func TestEvaluationOrder(t *testing.T) {
	c := qt.New(t)
	// the sender violates every rule; the allowlist one must win
	env := newTestEnv(t,
		rule(types.RuleKindTokenCap, "*", `{"allowedTokens":[]}`),
		rule(types.RuleKindGasCap, "*", `{"maxGasLimit":1}`),
		rule(types.RuleKindQuota, "*", `{"maxValuePerTx":"0"}`),
		rule(types.RuleKindAllowlist, "*", `{"addresses":[]}`),
	)

	err := env.engine.Admit(testRequest(5), time.Now())
	var rej *Rejection
	c.Assert(errors.As(err, &rej), qt.IsTrue)
	c.Assert(rej.Kind, qt.Equals, types.RuleKindAllowlist)
}

func TestReloadPicksUpChanges(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	c.Assert(env.engine.Admit(testRequest(1), time.Now()), qt.IsNil)

	_, err := env.store.SetRule(rule(types.RuleKindAllowlist, "*", `{"addresses":[]}`))
	c.Assert(err, qt.IsNil)

	// the old snapshot still admits until a reload happens
	c.Assert(env.engine.Admit(testRequest(1), time.Now()), qt.IsNil)
	c.Assert(env.engine.Reload(), qt.IsNil)
	c.Assert(env.engine.Admit(testRequest(1), time.Now()), qt.IsNotNil)
}

func TestDisabledRulesAreIgnored(t *testing.T) {
	c := qt.New(t)
	r := rule(types.RuleKindAllowlist, "*", `{"addresses":[]}`)
	r.Enabled = false
	env := newTestEnv(t, r)
	c.Assert(env.engine.Admit(testRequest(1), time.Now()), qt.IsNil)
}

func TestValidateRuleValue(t *testing.T) {
	c := qt.New(t)

	c.Assert(ValidateRuleValue(types.RuleKindAllowlist,
		json.RawMessage(fmt.Sprintf(`{"addresses":[%q]}`, testFrom))), qt.IsNil)
	c.Assert(ValidateRuleValue(types.RuleKindAllowlist,
		json.RawMessage(`{"addresses":["nope"]}`)), qt.IsNotNil)
	c.Assert(ValidateRuleValue(types.RuleKindAllowlist,
		json.RawMessage(`{"bogus":true}`)), qt.IsNotNil)

	c.Assert(ValidateRuleValue(types.RuleKindQuota,
		json.RawMessage(`{"maxTxPerHour":5,"maxValuePerDay":"1000"}`)), qt.IsNil)
	c.Assert(ValidateRuleValue(types.RuleKindQuota,
		json.RawMessage(`{"maxValuePerDay":"-1"}`)), qt.IsNotNil)

	c.Assert(ValidateRuleValue(types.RuleKindGasCap,
		json.RawMessage(`{"maxGasLimit":100000}`)), qt.IsNil)

	c.Assert(ValidateRuleValue(types.RuleKindTokenCap,
		json.RawMessage(fmt.Sprintf(`{"allowedTokens":[%q]}`, testToken))), qt.IsNil)
	c.Assert(ValidateRuleValue(types.RuleKindTokenCap,
		json.RawMessage(`{"allowedTokens":["xx"]}`)), qt.IsNotNil)

	c.Assert(ValidateRuleValue("bogus", json.RawMessage(`{}`)), qt.IsNotNil)
}

func TestValidateTarget(t *testing.T) {
	c := qt.New(t)
	known := func(n string) bool { return n == "localhost" }

	c.Assert(ValidateTarget("*", known), qt.IsNil)
	c.Assert(ValidateTarget("localhost", known), qt.IsNil)
	c.Assert(ValidateTarget(testFrom, known), qt.IsNil)
	c.Assert(ValidateTarget("mainnet", known), qt.IsNotNil)
}
