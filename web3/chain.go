// Package web3 provides per-network chain access for the relay pipeline and
// the confirmation tracker. Each Chain wraps a load-balanced RPC client and
// exposes only the handful of operations the node needs.
package web3

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/relayforge/relay-node/web3/rpc"
)

// ErrReceiptNotFound is returned by TransactionReceipt when the transaction
// is not mined yet.
var ErrReceiptNotFound = errors.New("receipt not found")

// Chain gives access to one configured network.
type Chain struct {
	cli       *rpc.Client
	network   string
	chainID   uint64
	forwarder common.Address
}

// NewChain binds a Chain to one network of the given pool.
func NewChain(pool *rpc.Web3Pool, network string, chainID uint64, forwarder common.Address) *Chain {
	return &Chain{
		cli:       pool.Client(network),
		network:   network,
		chainID:   chainID,
		forwarder: forwarder,
	}
}

// Network returns the network name this chain is bound to.
func (c *Chain) Network() string { return c.network }

// ChainID returns the network's chain ID.
func (c *Chain) ChainID() uint64 { return c.chainID }

// ForwarderAddress returns the forwarder contract address on this network.
func (c *Chain) ForwarderAddress() common.Address { return c.forwarder }

// HeadBlock returns the number of the most recent block.
func (c *Chain) HeadBlock(ctx context.Context) (uint64, error) {
	return c.cli.BlockNumber(ctx)
}

// PendingNonceAt returns the pending-state nonce of the given account.
func (c *Chain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return c.cli.PendingNonceAt(ctx, account)
}

// EstimateGas runs the node's gas estimation for a call from the relayer.
func (c *Chain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return c.cli.EstimateGas(ctx, msg)
}

// Simulate executes the call against the latest state without broadcasting.
// A revert surfaces as an error.
func (c *Chain) Simulate(ctx context.Context, msg ethereum.CallMsg) error {
	_, err := c.cli.CallContract(ctx, msg, nil)
	return err
}

// SendTransaction broadcasts a signed transaction. Benign node responses
// ("already known", "nonce too low") are treated as success since the
// transaction is on its way either way.
func (c *Chain) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	if err := c.cli.SendTransaction(ctx, tx); err != nil {
		if IsBenignSendErr(err) {
			return nil
		}
		return err
	}
	return nil
}

// TransactionReceipt returns the receipt of a mined transaction or
// ErrReceiptNotFound when it is still pending.
func (c *Chain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	receipt, err := c.cli.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrReceiptNotFound
		}
		return nil, err
	}
	return receipt, nil
}

// RelayerBalance returns the relayer account balance on this network.
func (c *Chain) RelayerBalance(ctx context.Context, relayer common.Address) (*big.Int, error) {
	return c.cli.BalanceAt(ctx, relayer, nil)
}

// Chains is the set of Chain facades for every configured network.
type Chains struct {
	byNetwork map[string]*Chain
}

// NewChains builds a Chain per network config, dialing every RPC endpoint
// into the shared pool.
func NewChains(ctx context.Context, pool *rpc.Web3Pool,
	networks map[string]NetworkParams,
) (*Chains, error) {
	byNetwork := make(map[string]*Chain, len(networks))
	for name, params := range networks {
		var dialed int
		for _, uri := range params.RPCEndpoints {
			if err := pool.AddEndpoint(ctx, name, params.ChainID, uri); err != nil {
				return nil, fmt.Errorf("network %q: %w", name, err)
			}
			dialed++
		}
		if dialed == 0 {
			return nil, fmt.Errorf("network %q has no RPC endpoints", name)
		}
		byNetwork[name] = NewChain(pool, name, params.ChainID, params.Forwarder)
	}
	return &Chains{byNetwork: byNetwork}, nil
}

// NetworkParams is the chain-level configuration of one network.
type NetworkParams struct {
	ChainID      uint64
	RPCEndpoints []string
	Forwarder    common.Address
}

// Get returns the Chain for a network, or nil if not configured.
func (cs *Chains) Get(network string) *Chain {
	return cs.byNetwork[network]
}

// Networks lists the configured network names.
func (cs *Chains) Networks() []string {
	names := make([]string, 0, len(cs.byNetwork))
	for name := range cs.byNetwork {
		names = append(names, name)
	}
	return names
}
