package relay

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	qt "github.com/frankban/quicktest"

	"github.com/relayforge/relay-node/counters"
	ethsigner "github.com/relayforge/relay-node/crypto/ethereum"
	"github.com/relayforge/relay-node/db/inmemory"
	"github.com/relayforge/relay-node/forwarder"
	"github.com/relayforge/relay-node/nonce"
	"github.com/relayforge/relay-node/policy"
	"github.com/relayforge/relay-node/signer"
	"github.com/relayforge/relay-node/storage"
	"github.com/relayforge/relay-node/types"
	"github.com/relayforge/relay-node/web3"
)

const (
	testNetwork       = "localhost"
	testChainID       = uint64(31337)
	testForwarderAddr = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
)

type fakeChain struct {
	pendingNonce    uint64
	pendingNonceErr error
	simulateErr     error
	estimate        uint64
	estimateErr     error
	fees            web3.FeeCaps
	sendErr         error
	sent            []*gtypes.Transaction
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		estimate: 60_000,
		fees: web3.FeeCaps{
			TipCap: big.NewInt(1_000_000_000),
			FeeCap: big.NewInt(3_000_000_000),
		},
	}
}

func (f *fakeChain) ChainID() uint64                  { return testChainID }
func (f *fakeChain) ForwarderAddress() common.Address { return common.HexToAddress(testForwarderAddr) }

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.pendingNonce, f.pendingNonceErr
}

func (f *fakeChain) SuggestFees(context.Context) (web3.FeeCaps, error) {
	return f.fees, nil
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.estimate, f.estimateErr
}

func (f *fakeChain) Simulate(context.Context, ethereum.CallMsg) error {
	return f.simulateErr
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *gtypes.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

type testEnv struct {
	pipeline *Pipeline
	chain    *fakeChain
	store    *storage.Storage
	userKey  *ethsigner.Signer
	verifier *forwarder.Verifier
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
	engine, err := policy.NewEngine(store, counterStore, 0)
	c.Assert(err, qt.IsNil)

	verifier := forwarder.NewVerifier(map[string]forwarder.Domain{
		testNetwork: {
			ChainID:   testChainID,
			Forwarder: common.HexToAddress(testForwarderAddr),
		},
	}, forwarder.Ceilings{MaxGasLimit: 10_000_000})

	relayerKey, err := ethsigner.NewSigner()
	c.Assert(err, qt.IsNil)
	userKey, err := ethsigner.NewSigner()
	c.Assert(err, qt.IsNil)

	chain := newFakeChain()
	pipeline := New(verifier, engine, nonce.NewAllocator(0), signer.NewLocalFromKey(relayerKey),
		map[string]ChainClient{testNetwork: chain}, store, Config{
			FeeMultiplierPercent: 100,
			GasHeadroomPercent:   20,
			RequestTimeout:       5 * time.Second,
		})

	return &testEnv{
		pipeline: pipeline,
		chain:    chain,
		store:    store,
		userKey:  userKey,
		verifier: verifier,
	}
}

func (env *testEnv) signedRequest(c *qt.C, userNonce uint64) *types.ForwardRequest {
	req := &types.ForwardRequest{
		From:    env.userKey.Address().Bytes(),
		To:      common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8").Bytes(),
		Value:   new(types.BigInt).SetUint64(0),
		Gas:     new(types.BigInt).SetUint64(100_000),
		Nonce:   new(types.BigInt).SetUint64(userNonce),
		Data:    types.HexBytes{},
		Network: testNetwork,
	}
	domain, ok := env.verifier.Domain(testNetwork)
	c.Assert(ok, qt.IsTrue)
	digest, err := domain.TypedHash(req)
	c.Assert(err, qt.IsNil)
	sig, err := env.userKey.SignDigest(digest)
	c.Assert(err, qt.IsNil)
	req.Signature = sig
	return req
}

func TestRelayHappyPath(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	env.chain.pendingNonce = 7

	res, err := env.pipeline.Relay(context.Background(), env.signedRequest(c, 0))
	c.Assert(err, qt.IsNil)
	c.Assert(res.TxHash, qt.HasLen, 32)
	c.Assert(res.GasLimit, qt.Equals, uint64(72_000)) // 60k estimate + 20% headroom
	c.Assert(res.GasPrice.String(), qt.Equals, "3000000000")

	c.Assert(env.chain.sent, qt.HasLen, 1)
	sent := env.chain.sent[0]
	c.Assert(sent.Nonce(), qt.Equals, uint64(7))
	c.Assert(sent.Hash().Bytes(), qt.DeepEquals, []byte(res.TxHash))

	rec, err := env.store.Tx(res.TxHash)
	c.Assert(err, qt.IsNil)
	c.Assert(rec.Status, qt.Equals, types.TxStatusPending)
	c.Assert(rec.Nonce, qt.Equals, uint64(7))
	c.Assert(rec.Network, qt.Equals, testNetwork)

	// nonces advance per broadcast
	res2, err := env.pipeline.Relay(context.Background(), env.signedRequest(c, 1))
	c.Assert(err, qt.IsNil)
	c.Assert(env.chain.sent, qt.HasLen, 2)
	c.Assert(env.chain.sent[1].Nonce(), qt.Equals, uint64(8))
	c.Assert(res2.TxHash.Equal(res.TxHash), qt.IsFalse)
}

func TestRelayRejectsBadSignature(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)

	req := env.signedRequest(c, 0)
	req.Signature[5] ^= 0x01
	_, err := env.pipeline.Relay(context.Background(), req)
	var invErr *forwarder.InvalidRequestError
	c.Assert(err, qt.ErrorAs, &invErr)
	c.Assert(env.chain.sent, qt.HasLen, 0)
}

func TestRelayWouldRevert(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	env.chain.simulateErr = errors.New("execution reverted: no allowance")

	_, err := env.pipeline.Relay(context.Background(), env.signedRequest(c, 0))
	c.Assert(err, qt.ErrorIs, ErrWouldRevert)

	// a soft rejection leaves no durable trace
	pending, err := env.store.PendingTxs(0)
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.HasLen, 0)
	c.Assert(env.chain.sent, qt.HasLen, 0)
}

func TestRelayGasLimitTooLow(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	env.chain.estimate = 150_000 // above the declared 100k

	_, err := env.pipeline.Relay(context.Background(), env.signedRequest(c, 0))
	c.Assert(err, qt.ErrorIs, ErrGasLimitTooLow)
	c.Assert(env.chain.sent, qt.HasLen, 0)
}

func TestRelayGasClampedToDeclared(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	env.chain.estimate = 90_000 // 20% headroom would exceed the declared 100k

	res, err := env.pipeline.Relay(context.Background(), env.signedRequest(c, 0))
	c.Assert(err, qt.IsNil)
	c.Assert(res.GasLimit, qt.Equals, uint64(100_000))
}

func TestRelayFeeCapTooLow(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t, &types.PolicyRule{
		Kind:    types.RuleKindGasCap,
		Target:  "*",
		Value:   []byte(`{"maxGasPrice":"1000000000"}`), // below the 3 gwei suggestion
		Enabled: true,
	})

	_, err := env.pipeline.Relay(context.Background(), env.signedRequest(c, 0))
	c.Assert(err, qt.ErrorIs, ErrFeeCapTooLow)
	c.Assert(env.chain.sent, qt.HasLen, 0)
}

func TestRelayFeeClampedToPolicyCap(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t, &types.PolicyRule{
		Kind:    types.RuleKindGasCap,
		Target:  "*",
		Value:   []byte(`{"maxGasPrice":"4000000000"}`),
		Enabled: true,
	})
	// 200% multiplier pushes 3 gwei to 6, the cap brings it back to 4
	env.pipeline.cfg.FeeMultiplierPercent = 200

	res, err := env.pipeline.Relay(context.Background(), env.signedRequest(c, 0))
	c.Assert(err, qt.IsNil)
	c.Assert(res.GasPrice.String(), qt.Equals, "4000000000")
}

func TestRelayQuotaEnforcedAcrossRequests(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t, &types.PolicyRule{
		Kind:    types.RuleKindQuota,
		Target:  "*",
		Value:   []byte(`{"maxTxPerHour":1}`),
		Enabled: true,
	})

	_, err := env.pipeline.Relay(context.Background(), env.signedRequest(c, 0))
	c.Assert(err, qt.IsNil)

	_, err = env.pipeline.Relay(context.Background(), env.signedRequest(c, 1))
	var rej *policy.Rejection
	c.Assert(errors.As(err, &rej), qt.IsTrue)
	c.Assert(rej.Kind, qt.Equals, types.RuleKindQuota)
	c.Assert(env.chain.sent, qt.HasLen, 1)
}

func TestRelayBroadcastFailureKeepsNonceConsumed(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	env.chain.sendErr = errors.New("connection refused")

	_, err := env.pipeline.Relay(context.Background(), env.signedRequest(c, 0))
	c.Assert(err, qt.IsNotNil)

	// the record was persisted before the broadcast and stays pending for
	// the tracker to reconcile
	pending, err := env.store.PendingTxs(0)
	c.Assert(err, qt.IsNil)
	c.Assert(pending, qt.HasLen, 1)
	c.Assert(pending[0].Nonce, qt.Equals, uint64(0))

	// the slot stays consumed: one pending record, one nonce. The next
	// broadcast moves on and the tracker later drops or recovers nonce 0.
	env.chain.sendErr = nil
	_, err = env.pipeline.Relay(context.Background(), env.signedRequest(c, 1))
	c.Assert(err, qt.IsNil)
	c.Assert(env.chain.sent, qt.HasLen, 1)
	c.Assert(env.chain.sent[0].Nonce(), qt.Equals, uint64(1))
}

func TestRelayTransientChainErrorIsNotWouldRevert(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)

	// RPC trouble during estimation must stay retryable
	env.chain.estimateErr = errors.New("502 bad gateway")
	_, err := env.pipeline.Relay(context.Background(), env.signedRequest(c, 0))
	c.Assert(err, qt.IsNotNil)
	c.Assert(errors.Is(err, ErrWouldRevert), qt.IsFalse)

	// a contract-level rejection is a revert
	env.chain.estimateErr = errors.New("execution reverted: no allowance")
	_, err = env.pipeline.Relay(context.Background(), env.signedRequest(c, 0))
	c.Assert(err, qt.ErrorIs, ErrWouldRevert)

	// same split on simulation
	env.chain.estimateErr = nil
	env.chain.simulateErr = errors.New("connection reset by peer")
	_, err = env.pipeline.Relay(context.Background(), env.signedRequest(c, 0))
	c.Assert(err, qt.IsNotNil)
	c.Assert(errors.Is(err, ErrWouldRevert), qt.IsFalse)
	c.Assert(env.chain.sent, qt.HasLen, 0)
}

func TestRelayStalledAllocator(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	env.chain.pendingNonceErr = errors.New("connection refused")

	_, err := env.pipeline.Relay(context.Background(), env.signedRequest(c, 0))
	c.Assert(err, qt.ErrorIs, nonce.ErrStalled)
	c.Assert(env.chain.sent, qt.HasLen, 0)

	// the chain recovering unblocks the allocator
	env.chain.pendingNonceErr = nil
	env.chain.pendingNonce = 3
	res, err := env.pipeline.Relay(context.Background(), env.signedRequest(c, 0))
	c.Assert(err, qt.IsNil)
	c.Assert(env.chain.sent, qt.HasLen, 1)
	c.Assert(env.chain.sent[0].Nonce(), qt.Equals, uint64(3))
	c.Assert(res.TxHash, qt.HasLen, 32)
}

func TestRelayUnsupportedNetwork(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)

	req := env.signedRequest(c, 0)
	req.Network = "mainnet"
	_, err := env.pipeline.Relay(context.Background(), req)
	c.Assert(err, qt.ErrorIs, forwarder.ErrUnsupportedNetwork)
}
