// Package tracker reconciles pending relayed transactions with chain state.
// A periodic scan fetches receipts for pending records and moves them to
// confirmed or failed; records past the grace window are marked dropped when
// the chain has moved past their nonce, or flagged stuck otherwise. Advisory
// reservations in the store keep concurrent scans from reconciling the same
// record twice.
package tracker

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/relayforge/relay-node/log"
	"github.com/relayforge/relay-node/nonce"
	"github.com/relayforge/relay-node/storage"
	"github.com/relayforge/relay-node/types"
	"github.com/relayforge/relay-node/web3"
)

const (
	// DefaultScanInterval is the pause between reconciliation passes.
	DefaultScanInterval = 15 * time.Second
	// DefaultGraceWindow is how long a receiptless transaction stays
	// quietly pending before drop detection kicks in.
	DefaultGraceWindow = 5 * time.Minute
	// scanBatchSize bounds how many pending records one pass handles.
	scanBatchSize = 200
	// staleReservationAge frees reservations abandoned by a dead worker.
	staleReservationAge = 10 * time.Minute
)

// ChainClient is the chain access the tracker needs per network.
type ChainClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gtypes.Receipt, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BumpFees(ctx context.Context, fees web3.FeeCaps) (web3.FeeCaps, error)
}

// Config tunes the tracker.
type Config struct {
	ScanInterval time.Duration
	GraceWindow  time.Duration
}

// Tracker runs the reconciliation loop.
type Tracker struct {
	store  *storage.Storage
	alloc  *nonce.Allocator
	chains map[string]ChainClient
	cfg    Config
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Tracker.
func New(store *storage.Storage, alloc *nonce.Allocator,
	chains map[string]ChainClient, cfg Config,
) *Tracker {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	return &Tracker{
		store:  store,
		alloc:  alloc,
		chains: chains,
		cfg:    cfg,
	}
}

// Start begins the periodic scan loop.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.cfg.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Scan(ctx)
				if released, err := t.store.ReleaseStaleTxReservations(staleReservationAge); err != nil {
					log.Errorw(err, "failed to release stale tracking reservations")
				} else if released > 0 {
					log.Warnw("released stale tracking reservations", "count", released)
				}
			}
		}
	}()
}

// Close stops the scan loop and waits for the current pass to finish.
func (t *Tracker) Close() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

// Scan runs one reconciliation pass over the pending records.
func (t *Tracker) Scan(ctx context.Context) {
	pending, err := t.store.PendingTxs(scanBatchSize)
	if err != nil {
		log.Errorw(err, "failed to list pending transactions")
		return
	}
	for _, rec := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := t.store.ReserveTx(rec.Hash); err != nil {
			if !errors.Is(err, storage.ErrKeyAlreadyExists) {
				log.Errorw(err, "failed to reserve pending transaction")
			}
			continue
		}
		if terminal := t.reconcile(ctx, rec); !terminal {
			// completion already drops the reservation; a record left
			// pending must be released by hand
			if err := t.store.ReleaseTx(rec.Hash); err != nil {
				log.Errorw(err, "failed to release tracking reservation")
			}
		}
	}
}

// reconcile inspects one pending record against the chain and reports
// whether it reached a terminal status.
func (t *Tracker) reconcile(ctx context.Context, rec *types.TxRecord) bool {
	chain, ok := t.chains[rec.Network]
	if !ok {
		log.Warnw("pending transaction on unconfigured network",
			"hash", rec.Hash.String(), "network", rec.Network)
		return false
	}

	receipt, err := chain.TransactionReceipt(ctx, common.BytesToHash(rec.Hash))
	if err == nil {
		return t.complete(rec, receipt)
	}
	if !errors.Is(err, web3.ErrReceiptNotFound) {
		log.Errorw(err, "failed to fetch transaction receipt")
		return false
	}

	age := time.Since(rec.SubmittedAt)
	if age < t.cfg.GraceWindow {
		return false
	}

	// past the grace window: decide between dropped and stuck from the
	// relayer account's pending nonce
	relayer := common.BytesToAddress(rec.Relayer)
	pendingNonce, err := chain.PendingNonceAt(ctx, relayer)
	if err != nil {
		log.Errorw(err, "failed to fetch relayer pending nonce")
		return false
	}
	if pendingNonce > rec.Nonce {
		// a sibling with this nonce landed, this submission is gone
		if err := t.store.CompleteTx(rec.Hash, types.TxStatusDropped, 0, nil, 0); err != nil {
			log.Errorw(err, "failed to mark transaction dropped")
			return false
		}
		if _, err := t.alloc.Resync(ctx, rec.Network, relayer, pendingNonce); err != nil {
			log.Errorw(err, "failed to resync nonce cursor after drop")
		}
		log.Warnw("transaction dropped",
			"hash", rec.Hash.String(),
			"network", rec.Network,
			"nonce", rec.Nonce,
			"pendingNonce", pendingNonce)
		return true
	}

	// the chain has not moved past this nonce: the transaction is stuck
	// and needs operator attention, but stays pending
	if err := t.store.MarkTxStuck(rec.Hash, time.Now()); err != nil {
		log.Errorw(err, "failed to mark transaction stuck")
		return false
	}
	if rec.StuckSince == nil {
		fields := []any{
			"hash", rec.Hash.String(),
			"network", rec.Network,
			"nonce", rec.Nonce,
			"age", age.String(),
		}
		// price a manual same-nonce replacement so the operator signal is
		// directly actionable
		current := web3.FeeCaps{TipCap: new(big.Int), FeeCap: new(big.Int)}
		if rec.GasPrice != nil {
			current.FeeCap = rec.GasPrice.MathBigInt()
		}
		if bumped, err := chain.BumpFees(ctx, current); err != nil {
			log.Errorw(err, "failed to price replacement fees")
		} else {
			fields = append(fields,
				"replacementFeeCap", bumped.FeeCap.String(),
				"replacementTipCap", bumped.TipCap.String())
		}
		log.Warnw("transaction stuck, operator action needed", fields...)
	}
	return false
}

func (t *Tracker) complete(rec *types.TxRecord, receipt *gtypes.Receipt) bool {
	status := types.TxStatusConfirmed
	if receipt.Status == gtypes.ReceiptStatusFailed {
		status = types.TxStatusFailed
	}
	var gasPrice *types.BigInt
	if receipt.EffectiveGasPrice != nil {
		gasPrice = (*types.BigInt)(receipt.EffectiveGasPrice)
	}
	var blockNumber uint64
	if receipt.BlockNumber != nil {
		blockNumber = receipt.BlockNumber.Uint64()
	}
	if err := t.store.CompleteTx(rec.Hash, status, receipt.GasUsed, gasPrice, blockNumber); err != nil {
		log.Errorw(err, "failed to complete transaction")
		return false
	}
	log.Infow("transaction finalized",
		"hash", rec.Hash.String(),
		"network", rec.Network,
		"status", string(status),
		"block", blockNumber,
		"gasUsed", receipt.GasUsed)
	return true
}
