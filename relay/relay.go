// Package relay implements the request pipeline: verify, admit, simulate,
// price, estimate, allocate a relayer nonce, sign, persist and broadcast.
// The per-account nonce lock is held from allocation until the signed bytes
// reach the chain client, so submissions leave in nonce order. Once the
// pending record is persisted its nonce slot stays consumed, broadcast
// failure or not; the confirmation tracker reconciles the record later.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/relayforge/relay-node/forwarder"
	"github.com/relayforge/relay-node/log"
	"github.com/relayforge/relay-node/nonce"
	"github.com/relayforge/relay-node/policy"
	"github.com/relayforge/relay-node/signer"
	"github.com/relayforge/relay-node/storage"
	"github.com/relayforge/relay-node/types"
	"github.com/relayforge/relay-node/web3"
	"github.com/relayforge/relay-node/web3/rpc"
)

var (
	// ErrWouldRevert marks a request whose simulated execution reverts.
	ErrWouldRevert = errors.New("transaction would revert")
	// ErrFeeCapTooLow marks a gas-price cap below the network's current
	// fee suggestion; an operator problem, not a user one.
	ErrFeeCapTooLow = errors.New("fee cap below network fee suggestion")
	// ErrGasLimitTooLow marks a declared gas limit below the node's
	// estimate for the call.
	ErrGasLimitTooLow = errors.New("declared gas limit below estimate")
	// ErrPersistFailed marks a storage failure after signing; the nonce is
	// returned and nothing was broadcast.
	ErrPersistFailed = errors.New("failed to persist transaction record")
)

// ChainClient is the chain access the pipeline needs per network.
type ChainClient interface {
	ChainID() uint64
	ForwarderAddress() common.Address
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestFees(ctx context.Context) (web3.FeeCaps, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	Simulate(ctx context.Context, msg ethereum.CallMsg) error
	SendTransaction(ctx context.Context, tx *gtypes.Transaction) error
}

// Config tunes the pipeline.
type Config struct {
	// FeeMultiplierPercent scales the network fee suggestion, e.g. 120
	// submits at 1.2x the suggested fee cap. Zero means 100.
	FeeMultiplierPercent uint64
	// GasHeadroomPercent is added on top of the node's gas estimate
	// before clamping to the declared limit.
	GasHeadroomPercent uint64
	// RequestTimeout bounds one pipeline run.
	RequestTimeout time.Duration
}

func (c Config) feeMultiplier() uint64 {
	if c.FeeMultiplierPercent == 0 {
		return 100
	}
	return c.FeeMultiplierPercent
}

// Result is the successful outcome of a relayed request.
type Result struct {
	TxHash   types.HexBytes
	GasPrice *types.BigInt
	GasLimit uint64
}

// Pipeline orchestrates one relay request end to end.
type Pipeline struct {
	verifier *forwarder.Verifier
	policy   *policy.Engine
	alloc    *nonce.Allocator
	signer   signer.Signer
	chains   map[string]ChainClient
	store    *storage.Storage
	cfg      Config
}

// New creates a Pipeline.
func New(verifier *forwarder.Verifier, policyEngine *policy.Engine,
	alloc *nonce.Allocator, sig signer.Signer, chains map[string]ChainClient,
	store *storage.Storage, cfg Config,
) *Pipeline {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Pipeline{
		verifier: verifier,
		policy:   policyEngine,
		alloc:    alloc,
		signer:   sig,
		chains:   chains,
		store:    store,
		cfg:      cfg,
	}
}

// Relay runs the full pipeline for one request and returns the transaction
// hash on success.
func (p *Pipeline) Relay(ctx context.Context, req *types.ForwardRequest) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	// 1. verify: structure, ceilings, domain-bound signature
	if _, err := p.verifier.Verify(req); err != nil {
		return nil, err
	}
	chain, ok := p.chains[req.Network]
	if !ok {
		return nil, fmt.Errorf("%w: %q", forwarder.ErrUnsupportedNetwork, req.Network)
	}

	// 2. admit: no allocation, no broadcast on rejection
	if err := p.policy.Admit(req, time.Now()); err != nil {
		return nil, err
	}

	// 3. simulate against current chain state
	calldata, err := forwarder.ExecuteCalldata(req)
	if err != nil {
		return nil, fmt.Errorf("build forwarder calldata: %w", err)
	}
	relayer := p.signer.Address()
	forwarderAddr := chain.ForwarderAddress()
	value := req.Value.MathBigInt()
	msg := ethereum.CallMsg{
		From:  relayer,
		To:    &forwarderAddr,
		Value: value,
		Data:  calldata,
	}
	if err := chain.Simulate(ctx, msg); err != nil {
		if rpc.IsPermanentError(err) {
			return nil, fmt.Errorf("%w: %v", ErrWouldRevert, err)
		}
		return nil, fmt.Errorf("simulate: %w", err)
	}

	// 4. effective fee: suggestion x multiplier, clamped to the policy cap
	fees, err := chain.SuggestFees(ctx)
	if err != nil {
		return nil, fmt.Errorf("fee suggestion: %w", err)
	}
	feeCap := new(big.Int).Mul(fees.FeeCap, new(big.Int).SetUint64(p.cfg.feeMultiplier()))
	feeCap.Div(feeCap, big.NewInt(100))
	if cap := p.policy.MaxGasPrice(req); cap != nil && feeCap.Cmp(cap) > 0 {
		if cap.Cmp(fees.FeeCap) < 0 {
			return nil, fmt.Errorf("%w: cap %s, suggestion %s", ErrFeeCapTooLow, cap, fees.FeeCap)
		}
		feeCap = new(big.Int).Set(cap)
	}
	tipCap := fees.TipCap
	if tipCap.Cmp(feeCap) > 0 {
		tipCap = new(big.Int).Set(feeCap)
	}

	// 5. gas estimate plus headroom, clamped to the declared limit
	estimate, err := chain.EstimateGas(ctx, msg)
	if err != nil {
		// only contract-level rejections count as would-revert; RPC
		// trouble stays retryable
		if rpc.IsPermanentError(err) {
			return nil, fmt.Errorf("%w: %v", ErrWouldRevert, err)
		}
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	declaredGas := req.Gas.Uint64()
	if estimate > declaredGas {
		return nil, fmt.Errorf("%w: estimate %d, declared %d", ErrGasLimitTooLow, estimate, declaredGas)
	}
	gasLimit := estimate + estimate*p.cfg.GasHeadroomPercent/100
	if gasLimit > declaredGas {
		gasLimit = declaredGas
	}

	// 6. acquire the relayer nonce; the lock stays held through broadcast
	lease, err := p.acquireNonce(ctx, chain, req.Network, relayer)
	if err != nil {
		return nil, err
	}

	// a deadline breach past this point must return the lease
	if err := ctx.Err(); err != nil {
		lease.Return()
		return nil, err
	}

	// 7. sign
	chainID := new(big.Int).SetUint64(chain.ChainID())
	unsigned := gtypes.NewTx(&gtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     lease.Value(),
		To:        &forwarderAddr,
		Value:     value,
		Gas:       gasLimit,
		GasFeeCap: feeCap,
		GasTipCap: tipCap,
		Data:      calldata,
	})
	signed, err := p.signer.SignTx(ctx, chainID, unsigned)
	if err != nil {
		lease.Return()
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	txHash := types.HexBytes(signed.Hash().Bytes())

	// 8. persist the pending record before broadcast
	now := time.Now()
	rec := &types.TxRecord{
		Hash:        txHash,
		From:        req.From,
		To:          req.To,
		Network:     req.Network,
		Value:       req.Value,
		Token:       req.Token,
		Status:      types.TxStatusPending,
		GasLimit:    gasLimit,
		GasPrice:    (*types.BigInt)(feeCap),
		Relayer:     types.HexBytes(relayer.Bytes()),
		Nonce:       lease.Value(),
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if err := p.store.AddTx(rec); err != nil {
		lease.Return()
		return nil, fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}

	// 9. broadcast; past persistence the nonce slot stays consumed even
	// on failure, the record is pending and the confirmation tracker owns
	// it: the transaction may still surface at the RPC, or it gets marked
	// dropped and the slot gap-filled
	if err := chain.SendTransaction(ctx, signed); err != nil {
		lease.Broadcast()
		return nil, fmt.Errorf("broadcast: %w", err)
	}
	lease.Broadcast()

	// 10. counters track admitted broadcasts, not settlements
	if err := p.policy.RecordUsage(req, now); err != nil {
		log.Errorw(err, "failed to record usage counters")
	}

	log.Infow("transaction relayed",
		"hash", txHash.String(),
		"network", req.Network,
		"from", req.From.String(),
		"nonce", rec.Nonce,
		"gasLimit", gasLimit)

	// 11. hand the hash back
	return &Result{
		TxHash:   txHash,
		GasPrice: (*types.BigInt)(feeCap),
		GasLimit: gasLimit,
	}, nil
}

// acquireNonce leases the next relayer nonce, syncing the cursor from the
// chain's pending count on first use. The pending-count read gets one retry
// before the allocator is declared stalled.
func (p *Pipeline) acquireNonce(ctx context.Context, chain ChainClient,
	network string, relayer common.Address,
) (*nonce.Lease, error) {
	lease, err := p.alloc.Acquire(ctx, network, relayer)
	if err == nil {
		return lease, nil
	}
	if !errors.Is(err, nonce.ErrNotInitialized) {
		return nil, err
	}
	pending, err := chain.PendingNonceAt(ctx, relayer)
	if err != nil {
		if pending, err = chain.PendingNonceAt(ctx, relayer); err != nil {
			return nil, fmt.Errorf("%w: %v", nonce.ErrStalled, err)
		}
	}
	if _, err := p.alloc.Resync(ctx, network, relayer, pending); err != nil {
		return nil, err
	}
	return p.alloc.Acquire(ctx, network, relayer)
}
