package tracker

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	qt "github.com/frankban/quicktest"

	"github.com/relayforge/relay-node/db/inmemory"
	"github.com/relayforge/relay-node/nonce"
	"github.com/relayforge/relay-node/storage"
	"github.com/relayforge/relay-node/types"
	"github.com/relayforge/relay-node/web3"
)

var testRelayer = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

type fakeChain struct {
	receipts     map[common.Hash]*gtypes.Receipt
	pendingNonce uint64
	bumpCalls    int
}

func newFakeChain() *fakeChain {
	return &fakeChain{receipts: make(map[common.Hash]*gtypes.Receipt)}
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*gtypes.Receipt, error) {
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, web3.ErrReceiptNotFound
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.pendingNonce, nil
}

func (f *fakeChain) BumpFees(_ context.Context, fees web3.FeeCaps) (web3.FeeCaps, error) {
	f.bumpCalls++
	return web3.FeeCaps{
		TipCap: big.NewInt(2_000_000_000),
		FeeCap: new(big.Int).Add(fees.FeeCap, big.NewInt(5_000_000_000)),
	}, nil
}

type testEnv struct {
	tracker *Tracker
	chain   *fakeChain
	store   *storage.Storage
	alloc   *nonce.Allocator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := storage.New(inmemory.New())
	t.Cleanup(store.Close)
	chain := newFakeChain()
	alloc := nonce.NewAllocator(0)
	tr := New(store, alloc, map[string]ChainClient{"localhost": chain}, Config{
		ScanInterval: time.Hour, // scans are driven by hand in tests
		GraceWindow:  5 * time.Minute,
	})
	return &testEnv{tracker: tr, chain: chain, store: store, alloc: alloc}
}

func pendingRecord(c *qt.C, env *testEnv, hashByte byte, nonce uint64, age time.Duration) *types.TxRecord {
	h := make(types.HexBytes, 32)
	h[31] = hashByte
	submittedAt := time.Now().Add(-age)
	rec := &types.TxRecord{
		Hash:        h,
		From:        make(types.HexBytes, 20),
		To:          make(types.HexBytes, 20),
		Network:     "localhost",
		Value:       new(types.BigInt).SetUint64(0),
		Status:      types.TxStatusPending,
		GasLimit:    100_000,
		Relayer:     testRelayer.Bytes(),
		Nonce:       nonce,
		SubmittedAt: submittedAt,
		UpdatedAt:   submittedAt,
	}
	c.Assert(env.store.AddTx(rec), qt.IsNil)
	return rec
}

func TestScanConfirmsOnSuccessReceipt(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	rec := pendingRecord(c, env, 1, 0, time.Minute)

	env.chain.receipts[common.BytesToHash(rec.Hash)] = &gtypes.Receipt{
		Status:            gtypes.ReceiptStatusSuccessful,
		GasUsed:           55_000,
		BlockNumber:       big.NewInt(1234),
		EffectiveGasPrice: big.NewInt(2_000_000_000),
	}

	env.tracker.Scan(context.Background())

	got, err := env.store.Tx(rec.Hash)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Status, qt.Equals, types.TxStatusConfirmed)
	c.Assert(got.GasUsed, qt.Equals, uint64(55_000))
	c.Assert(got.BlockNumber, qt.Equals, uint64(1234))
	c.Assert(got.GasPrice.String(), qt.Equals, "2000000000")
	c.Assert(env.store.IsTxReserved(rec.Hash), qt.IsFalse)
}

func TestScanFailsOnRevertReceipt(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	rec := pendingRecord(c, env, 1, 0, time.Minute)

	env.chain.receipts[common.BytesToHash(rec.Hash)] = &gtypes.Receipt{
		Status:      gtypes.ReceiptStatusFailed,
		GasUsed:     100_000,
		BlockNumber: big.NewInt(1235),
	}

	env.tracker.Scan(context.Background())

	got, err := env.store.Tx(rec.Hash)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Status, qt.Equals, types.TxStatusFailed)
}

func TestScanLeavesYoungPending(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	rec := pendingRecord(c, env, 1, 0, time.Minute) // inside the grace window

	env.tracker.Scan(context.Background())

	got, err := env.store.Tx(rec.Hash)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Status, qt.Equals, types.TxStatusPending)
	c.Assert(got.StuckSince, qt.IsNil)
	c.Assert(env.store.IsTxReserved(rec.Hash), qt.IsFalse)
}

func TestScanDropsWhenChainAdvanced(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	rec := pendingRecord(c, env, 1, 3, 10*time.Minute)
	env.chain.pendingNonce = 4 // past the record's nonce 3

	env.tracker.Scan(context.Background())

	got, err := env.store.Tx(rec.Hash)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Status, qt.Equals, types.TxStatusDropped)

	// the allocator cursor was resynced to the chain's pending nonce
	lease, err := env.alloc.Acquire(context.Background(), "localhost", testRelayer)
	c.Assert(err, qt.IsNil)
	c.Assert(lease.Value(), qt.Equals, uint64(4))
	lease.Broadcast()
}

func TestScanMarksStuckWhenChainStalled(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	rec := pendingRecord(c, env, 1, 3, 10*time.Minute)
	env.chain.pendingNonce = 3 // the chain has not consumed the nonce

	env.tracker.Scan(context.Background())

	got, err := env.store.Tx(rec.Hash)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Status, qt.Equals, types.TxStatusPending)
	c.Assert(got.StuckSince, qt.IsNotNil)
	c.Assert(env.store.IsTxReserved(rec.Hash), qt.IsFalse)

	// the operator signal carries replacement pricing, computed once
	c.Assert(env.chain.bumpCalls, qt.Equals, 1)

	// a stuck transaction is still tracked: a late receipt confirms it
	env.chain.receipts[common.BytesToHash(rec.Hash)] = &gtypes.Receipt{
		Status:      gtypes.ReceiptStatusSuccessful,
		GasUsed:     21_000,
		BlockNumber: big.NewInt(99),
	}
	env.tracker.Scan(context.Background())
	got, err = env.store.Tx(rec.Hash)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Status, qt.Equals, types.TxStatusConfirmed)
	c.Assert(got.StuckSince, qt.IsNil)
}

func TestScanSkipsReservedRecords(t *testing.T) {
	c := qt.New(t)
	env := newTestEnv(t)
	rec := pendingRecord(c, env, 1, 0, time.Minute)
	c.Assert(env.store.ReserveTx(rec.Hash), qt.IsNil)

	env.chain.receipts[common.BytesToHash(rec.Hash)] = &gtypes.Receipt{
		Status:      gtypes.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(1),
	}

	// another worker holds the reservation, this pass must not touch it
	env.tracker.Scan(context.Background())
	got, err := env.store.Tx(rec.Hash)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Status, qt.Equals, types.TxStatusPending)
}
