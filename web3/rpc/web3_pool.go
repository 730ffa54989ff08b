// Package rpc manages pools of web3 RPC endpoints per network. Each network
// keeps a rotation of providers; failing providers are benched for a
// cooldown and requests transparently fail over to the next one.
package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/relayforge/relay-node/log"
)

const dialTimeout = 10 * time.Second

// Web3Pool holds the endpoint iterators of every configured network.
type Web3Pool struct {
	mtx      sync.RWMutex
	networks map[string]*Web3Iterator
}

// NewWeb3Pool creates an empty pool.
func NewWeb3Pool() *Web3Pool {
	return &Web3Pool{networks: make(map[string]*Web3Iterator)}
}

// AddEndpoint dials the given URI, checks that the provider serves the
// expected chain ID, and adds it to the network's rotation.
func (p *Web3Pool) AddEndpoint(ctx context.Context, network string, chainID uint64, uri string) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	rpcClient, err := gethrpc.DialContext(dialCtx, uri)
	if err != nil {
		return fmt.Errorf("dial %s: %w", uri, err)
	}
	client := ethclient.NewClient(rpcClient)
	gotChainID, err := client.ChainID(dialCtx)
	if err != nil {
		rpcClient.Close()
		return fmt.Errorf("chain id of %s: %w", uri, err)
	}
	if gotChainID.Uint64() != chainID {
		rpcClient.Close()
		return fmt.Errorf("endpoint %s serves chain %d, network %q expects %d",
			uri, gotChainID.Uint64(), network, chainID)
	}

	ep := &Web3Endpoint{
		Network:   network,
		ChainID:   chainID,
		URI:       uri,
		client:    client,
		rpcClient: rpcClient,
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()
	iter, ok := p.networks[network]
	if !ok {
		iter = NewWeb3Iterator()
		p.networks[network] = iter
	}
	iter.Add(ep)
	log.Infow("web3 endpoint registered", "network", network, "chainID", chainID, "uri", uri)
	return nil
}

// Endpoint returns the next endpoint in the network's rotation.
func (p *Web3Pool) Endpoint(network string) (*Web3Endpoint, error) {
	p.mtx.RLock()
	iter, ok := p.networks[network]
	p.mtx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no endpoints for network %q", network)
	}
	return iter.Next()
}

// DisableEndpoint benches an endpoint of a network for the cooldown period.
func (p *Web3Pool) DisableEndpoint(network, uri string) {
	p.mtx.RLock()
	iter, ok := p.networks[network]
	p.mtx.RUnlock()
	if ok {
		iter.Disable(uri)
		log.Warnw("web3 endpoint disabled", "network", network, "uri", uri)
	}
}

// NumberOfEndpoints returns how many endpoints a network has. With
// onlyAvailable it counts only those currently in rotation.
func (p *Web3Pool) NumberOfEndpoints(network string, onlyAvailable bool) int {
	p.mtx.RLock()
	iter, ok := p.networks[network]
	p.mtx.RUnlock()
	if !ok {
		return 0
	}
	n := iter.Available()
	if !onlyAvailable {
		n += iter.Disabled()
	}
	return n
}

// Networks returns the names of all networks with at least one endpoint.
func (p *Web3Pool) Networks() []string {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	names := make([]string, 0, len(p.networks))
	for name := range p.networks {
		names = append(names, name)
	}
	return names
}

// Client returns a load-balanced client bound to one network of the pool.
func (p *Web3Pool) Client(network string) *Client {
	return &Client{w3p: p, network: network}
}
