package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/relayforge/relay-node/counters"
	"github.com/relayforge/relay-node/db/inmemory"
	"github.com/relayforge/relay-node/forwarder"
	"github.com/relayforge/relay-node/nonce"
	"github.com/relayforge/relay-node/policy"
	"github.com/relayforge/relay-node/relay"
	"github.com/relayforge/relay-node/storage"
	"github.com/relayforge/relay-node/types"
)

type fakeRelayer struct {
	result *relay.Result
	err    error
	last   *types.ForwardRequest
}

func (f *fakeRelayer) Relay(_ context.Context, req *types.ForwardRequest) (*relay.Result, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type testEnv struct {
	api     *API
	relayer *fakeRelayer
	store   *storage.Storage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := storage.New(inmemory.New())
	t.Cleanup(store.Close)
	engine, err := policy.NewEngine(store, counters.NewStore(store.Database(), counters.DefaultRetention), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	relayer := &fakeRelayer{}
	a := &API{
		storage:      store,
		relayer:      relayer,
		policy:       engine,
		knownNetwork: func(n string) bool { return n == "sepolia" },
	}
	a.initRouter()
	return &testEnv{api: a, relayer: relayer, store: store}
}

func doRequest(c *qt.C, a *API, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		c.Assert(json.NewEncoder(&buf).Encode(body), qt.IsNil)
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, req)
	return w
}

func decodeRejection(c *qt.C, w *httptest.ResponseRecorder) RejectionResponse {
	var rej RejectionResponse
	c.Assert(json.Unmarshal(w.Body.Bytes(), &rej), qt.IsNil)
	c.Assert(rej.OK, qt.IsFalse)
	return rej
}

func forwardRequestBody() *types.ForwardRequest {
	return &types.ForwardRequest{
		From:      make(types.HexBytes, types.AddressLength),
		To:        make(types.HexBytes, types.AddressLength),
		Value:     new(types.BigInt).SetUint64(0),
		Gas:       new(types.BigInt).SetUint64(100_000),
		Nonce:     new(types.BigInt).SetUint64(0),
		Signature: make(types.HexBytes, types.SignatureLength),
		Network:   "sepolia",
	}
}

func TestRelayHandlerSuccess(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	hash := make(types.HexBytes, 32)
	hash[31] = 0xaa
	env.relayer.result = &relay.Result{
		TxHash:   hash,
		GasPrice: new(types.BigInt).SetUint64(2_000_000_000),
		GasLimit: 90_000,
	}

	w := doRequest(c, env.api, http.MethodPost, RelayEndpoint, forwardRequestBody())
	c.Assert(w.Code, qt.Equals, http.StatusOK)

	var res RelayResponse
	c.Assert(json.Unmarshal(w.Body.Bytes(), &res), qt.IsNil)
	c.Assert(res.OK, qt.IsTrue)
	c.Assert(res.TxHash.Equal(hash), qt.IsTrue)
	c.Assert(res.GasLimit, qt.Equals, uint64(90_000))
	c.Assert(env.relayer.last, qt.IsNotNil)
	c.Assert(env.relayer.last.Network, qt.Equals, "sepolia")
}

func TestRelayHandlerMalformedBody(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, RelayEndpoint, bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	env.api.Router().ServeHTTP(w, req)

	c.Assert(w.Code, qt.Equals, http.StatusBadRequest)
	c.Assert(decodeRejection(c, w).Code, qt.Equals, "invalid-request")
}

func TestRelayHandlerErrorMapping(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)

	for _, tc := range []struct {
		err    error
		code   string
		status int
	}{
		{&forwarder.InvalidRequestError{Field: "signature", Reason: "bad length"}, "invalid-request", http.StatusBadRequest},
		{fmt.Errorf("%w: %q", forwarder.ErrUnsupportedNetwork, "mainnet"), "unsupported-network", http.StatusBadRequest},
		{&policy.Rejection{Kind: types.RuleKindAllowlist, Reason: "sender not allowlisted"}, "not-allowlisted", http.StatusForbidden},
		{&policy.Rejection{Kind: types.RuleKindQuota, Reason: "hourly limit"}, "quota-exceeded", http.StatusTooManyRequests},
		{&policy.Rejection{Kind: types.RuleKindGasCap, Reason: "gas too high"}, "gas-cap-exceeded", http.StatusForbidden},
		{&policy.Rejection{Kind: types.RuleKindTokenCap, Reason: "token not allowed"}, "token-cap-exceeded", http.StatusForbidden},
		{fmt.Errorf("%w: out of gas", relay.ErrWouldRevert), "would-revert", http.StatusBadRequest},
		{relay.ErrFeeCapTooLow, "fee-cap-too-low", http.StatusServiceUnavailable},
		{relay.ErrGasLimitTooLow, "gas-limit-too-low", http.StatusBadRequest},
		{nonce.ErrSaturated, "relayer-saturated", http.StatusServiceUnavailable},
		{errors.New("kaboom"), "internal", http.StatusInternalServerError},
	} {
		env.relayer.err = tc.err
		w := doRequest(c, env.api, http.MethodPost, RelayEndpoint, forwardRequestBody())
		c.Assert(w.Code, qt.Equals, tc.status, qt.Commentf("error %v", tc.err))
		c.Assert(decodeRejection(c, w).Code, qt.Equals, tc.code, qt.Commentf("error %v", tc.err))
	}
}

func addRecord(c *qt.C, env *testEnv, hashByte byte, from, to types.HexBytes, age time.Duration) *types.TxRecord {
	h := make(types.HexBytes, 32)
	h[31] = hashByte
	at := time.Now().Add(-age)
	rec := &types.TxRecord{
		Hash:        h,
		From:        from,
		To:          to,
		Network:     "sepolia",
		Value:       new(types.BigInt).SetUint64(1),
		Status:      types.TxStatusPending,
		GasLimit:    100_000,
		Relayer:     make(types.HexBytes, types.AddressLength),
		SubmittedAt: at,
		UpdatedAt:   at,
	}
	c.Assert(env.store.AddTx(rec), qt.IsNil)
	return rec
}

func TestTransactionHandler(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	from := make(types.HexBytes, types.AddressLength)
	from[19] = 1
	to := make(types.HexBytes, types.AddressLength)
	to[19] = 2
	rec := addRecord(c, env, 0xbb, from, to, time.Minute)

	w := doRequest(c, env.api, http.MethodGet, TransactionsEndpoint+"/"+rec.Hash.String(), nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	var res TransactionResponse
	c.Assert(json.Unmarshal(w.Body.Bytes(), &res), qt.IsNil)
	c.Assert(res.Hash.Equal(rec.Hash), qt.IsTrue)
	c.Assert(res.Status, qt.Equals, types.TxStatusPending)

	// unknown hash
	unknown := make(types.HexBytes, 32)
	unknown[0] = 0xff
	w = doRequest(c, env.api, http.MethodGet, TransactionsEndpoint+"/"+unknown.String(), nil)
	c.Assert(w.Code, qt.Equals, http.StatusNotFound)
	c.Assert(decodeRejection(c, w).Code, qt.Equals, "not-found")

	// malformed hash
	w = doRequest(c, env.api, http.MethodGet, TransactionsEndpoint+"/0x1234", nil)
	c.Assert(w.Code, qt.Equals, http.StatusBadRequest)
	c.Assert(decodeRejection(c, w).Code, qt.Equals, "invalid-request")
}

func TestTransactionsByAddressHandler(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	from := make(types.HexBytes, types.AddressLength)
	from[19] = 1
	other := make(types.HexBytes, types.AddressLength)
	other[19] = 9
	for i := range 3 {
		addRecord(c, env, byte(i+1), from, other, time.Duration(3-i)*time.Minute)
	}

	w := doRequest(c, env.api, http.MethodGet, TransactionsEndpoint+"/address/"+from.String(), nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	var res TransactionListResponse
	c.Assert(json.Unmarshal(w.Body.Bytes(), &res), qt.IsNil)
	c.Assert(res.Transactions, qt.HasLen, 3)
	c.Assert(res.Limit, qt.Equals, DefaultListLimit)
	// newest first
	c.Assert(res.Transactions[0].Hash[31], qt.Equals, byte(3))

	// pagination
	w = doRequest(c, env.api, http.MethodGet, TransactionsEndpoint+"/address/"+from.String()+"?offset=1&limit=1", nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	res = TransactionListResponse{}
	c.Assert(json.Unmarshal(w.Body.Bytes(), &res), qt.IsNil)
	c.Assert(res.Transactions, qt.HasLen, 1)
	c.Assert(res.Transactions[0].Hash[31], qt.Equals, byte(2))

	// the counterparty sees the same records
	w = doRequest(c, env.api, http.MethodGet, TransactionsEndpoint+"/address/"+other.String(), nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	res = TransactionListResponse{}
	c.Assert(json.Unmarshal(w.Body.Bytes(), &res), qt.IsNil)
	c.Assert(res.Transactions, qt.HasLen, 3)

	// bad inputs
	w = doRequest(c, env.api, http.MethodGet, TransactionsEndpoint+"/address/0x1234", nil)
	c.Assert(w.Code, qt.Equals, http.StatusBadRequest)
	w = doRequest(c, env.api, http.MethodGet, TransactionsEndpoint+"/address/"+from.String()+"?limit=minusone", nil)
	c.Assert(w.Code, qt.Equals, http.StatusBadRequest)
}

func TestPolicyRuleHandlers(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)

	// create
	w := doRequest(c, env.api, http.MethodPost, PoliciesEndpoint, &PolicyRuleRequest{
		Kind:    types.RuleKindQuota,
		Target:  "sepolia",
		Value:   json.RawMessage(`{"maxTxPerHour": 10}`),
		Enabled: true,
	})
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	var created PolicyRuleResponse
	c.Assert(json.Unmarshal(w.Body.Bytes(), &created), qt.IsNil)
	c.Assert(created.ID, qt.Not(qt.Equals), "")

	// get
	w = doRequest(c, env.api, http.MethodGet, PoliciesEndpoint+"/"+created.ID, nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)

	// list
	w = doRequest(c, env.api, http.MethodGet, PoliciesEndpoint, nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	var list []*PolicyRuleResponse
	c.Assert(json.Unmarshal(w.Body.Bytes(), &list), qt.IsNil)
	c.Assert(list, qt.HasLen, 1)

	// update
	w = doRequest(c, env.api, http.MethodPut, PoliciesEndpoint+"/"+created.ID, &PolicyRuleRequest{
		Kind:    types.RuleKindQuota,
		Target:  "sepolia",
		Value:   json.RawMessage(`{"maxTxPerHour": 20}`),
		Enabled: true,
	})
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	rule, err := env.store.Rule(created.ID)
	c.Assert(err, qt.IsNil)
	c.Assert(string(rule.Value), qt.Contains, "20")

	// delete
	w = doRequest(c, env.api, http.MethodDelete, PoliciesEndpoint+"/"+created.ID, nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
	w = doRequest(c, env.api, http.MethodGet, PoliciesEndpoint+"/"+created.ID, nil)
	c.Assert(w.Code, qt.Equals, http.StatusNotFound)
}

func TestPolicyRuleValidation(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)

	// unknown kind
	w := doRequest(c, env.api, http.MethodPost, PoliciesEndpoint, &PolicyRuleRequest{
		Kind: "rate-limit", Target: "*", Value: json.RawMessage(`{}`), Enabled: true,
	})
	c.Assert(w.Code, qt.Equals, http.StatusBadRequest)

	// unknown target network
	w = doRequest(c, env.api, http.MethodPost, PoliciesEndpoint, &PolicyRuleRequest{
		Kind: types.RuleKindQuota, Target: "mainnet", Value: json.RawMessage(`{}`), Enabled: true,
	})
	c.Assert(w.Code, qt.Equals, http.StatusBadRequest)

	// value does not match the kind's schema
	w = doRequest(c, env.api, http.MethodPost, PoliciesEndpoint, &PolicyRuleRequest{
		Kind: types.RuleKindQuota, Target: "*", Value: json.RawMessage(`{"bogus": 1}`), Enabled: true,
	})
	c.Assert(w.Code, qt.Equals, http.StatusBadRequest)

	// update of an unknown rule does not create it
	w = doRequest(c, env.api, http.MethodPut, PoliciesEndpoint+"/nope", &PolicyRuleRequest{
		Kind: types.RuleKindQuota, Target: "*", Value: json.RawMessage(`{}`), Enabled: true,
	})
	c.Assert(w.Code, qt.Equals, http.StatusNotFound)

	// delete of an unknown rule
	w = doRequest(c, env.api, http.MethodDelete, PoliciesEndpoint+"/nope", nil)
	c.Assert(w.Code, qt.Equals, http.StatusNotFound)
}

func TestPolicyWriteReloadsEngine(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)

	w := doRequest(c, env.api, http.MethodPost, PoliciesEndpoint, &PolicyRuleRequest{
		Kind:    types.RuleKindAllowlist,
		Target:  "*",
		Value:   json.RawMessage(`{"addresses": []}`),
		Enabled: true,
	})
	c.Assert(w.Code, qt.Equals, http.StatusOK)

	// the empty allowlist took effect without waiting for the ticker
	err := env.api.policy.Admit(forwardRequestBody(), time.Now())
	var rejection *policy.Rejection
	c.Assert(errors.As(err, &rejection), qt.IsTrue)
	c.Assert(rejection.Kind, qt.Equals, types.RuleKindAllowlist)
}

func TestHealthHandlers(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)

	w := doRequest(c, env.api, http.MethodGet, HealthLiveEndpoint, nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)

	// no probe configured: ready
	w = doRequest(c, env.api, http.MethodGet, HealthReadyEndpoint, nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)

	// failing probe
	env.api.readyCheck = func(context.Context) error { return errors.New("rpc pool down") }
	w = doRequest(c, env.api, http.MethodGet, HealthReadyEndpoint, nil)
	c.Assert(w.Code, qt.Equals, http.StatusServiceUnavailable)
	c.Assert(decodeRejection(c, w).Code, qt.Equals, "not-ready")

	env.api.readyCheck = nil
	w = doRequest(c, env.api, http.MethodGet, PingEndpoint, nil)
	c.Assert(w.Code, qt.Equals, http.StatusOK)
}
