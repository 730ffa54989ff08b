package rpc

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// endpointCooldownDuration is how long a failed endpoint stays out of
// rotation before it is retried.
const endpointCooldownDuration = 5 * time.Minute

// Web3Endpoint holds a dialed RPC provider for one network, identified by
// its URI.
type Web3Endpoint struct {
	Network    string `json:"network"`
	ChainID    uint64 `json:"chainId"`
	URI        string
	client     *ethclient.Client
	rpcClient  *gethrpc.Client
	disabledAt time.Time // zero if never disabled
}

// Web3Iterator is a pool of Web3Endpoint for one network that hands out
// endpoints round-robin and lets callers disable a failing one. Disabled
// endpoints return to rotation after a cooldown.
type Web3Iterator struct {
	nextIndex int
	available []*Web3Endpoint
	disabled  []*Web3Endpoint
	mtx       sync.Mutex
}

// NewWeb3Iterator creates a new Web3Iterator with the given endpoints.
func NewWeb3Iterator(endpoints ...*Web3Endpoint) *Web3Iterator {
	if endpoints == nil {
		endpoints = make([]*Web3Endpoint, 0)
	}
	return &Web3Iterator{
		available: endpoints,
		disabled:  make([]*Web3Endpoint, 0),
	}
}

// Available returns the number of available endpoints.
func (w3i *Web3Iterator) Available() int {
	w3i.mtx.Lock()
	defer w3i.mtx.Unlock()
	return len(w3i.available)
}

// Disabled returns the number of disabled endpoints.
func (w3i *Web3Iterator) Disabled() int {
	w3i.mtx.Lock()
	defer w3i.mtx.Unlock()
	return len(w3i.disabled)
}

// Add makes new endpoints available for the next requests.
func (w3i *Web3Iterator) Add(endpoint ...*Web3Endpoint) {
	w3i.mtx.Lock()
	defer w3i.mtx.Unlock()
	w3i.available = append(w3i.available, endpoint...)
}

// Next returns the next available endpoint round-robin. Before choosing it
// re-enables any disabled endpoint whose cooldown has expired. It fails only
// when the iterator holds no endpoints at all.
func (w3i *Web3Iterator) Next() (*Web3Endpoint, error) {
	if w3i == nil {
		return nil, fmt.Errorf("nil Web3Iterator")
	}
	w3i.mtx.Lock()
	defer w3i.mtx.Unlock()

	w3i.checkCooldowns()

	l := len(w3i.available)
	if l == 0 {
		return nil, fmt.Errorf("no registered endpoints")
	}
	// nextIndex is kept in bounds by Disable and by the wrap-around below,
	// so the indexed endpoint is always valid here.
	current := w3i.available[w3i.nextIndex]
	if w3i.nextIndex++; w3i.nextIndex >= l {
		w3i.nextIndex = 0
	}
	return current, nil
}

// checkCooldowns re-enables disabled endpoints whose cooldown period has
// passed. Must be called with the mutex held.
func (w3i *Web3Iterator) checkCooldowns() {
	if len(w3i.disabled) == 0 {
		return
	}
	now := time.Now()
	var stillDisabled []*Web3Endpoint
	for _, ep := range w3i.disabled {
		if now.Sub(ep.disabledAt) >= endpointCooldownDuration {
			ep.disabledAt = time.Time{}
			w3i.available = append(w3i.available, ep)
		} else {
			stillDisabled = append(stillDisabled, ep)
		}
	}
	w3i.disabled = stillDisabled
}

// Disable moves the endpoint with the given URI out of rotation and records
// the time for cooldown tracking. If that empties the pool, every disabled
// endpoint is put back immediately so the iterator never goes dry.
func (w3i *Web3Iterator) Disable(uri string) {
	w3i.mtx.Lock()
	defer w3i.mtx.Unlock()

	index := -1
	for i, e := range w3i.available {
		if e.URI == uri {
			index = i
			break
		}
	}
	if index == -1 {
		// already disabled or unknown
		return
	}

	ep := w3i.available[index]
	ep.disabledAt = time.Now()
	w3i.available = append(w3i.available[:index], w3i.available[index+1:]...)
	w3i.disabled = append(w3i.disabled, ep)

	if w3i.nextIndex == index {
		w3i.nextIndex++
	} else if w3i.nextIndex > index {
		w3i.nextIndex--
	}

	if len(w3i.available) == 0 {
		w3i.nextIndex = 0
		w3i.available = append(w3i.available, w3i.disabled...)
		w3i.disabled = make([]*Web3Endpoint, 0)
		for _, ep := range w3i.available {
			ep.disabledAt = time.Time{}
		}
	} else if w3i.nextIndex >= len(w3i.available) {
		w3i.nextIndex = 0
	}
}
