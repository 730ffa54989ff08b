package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/relayforge/relay-node/log"
)

const (
	// defaultRetries is how many times a call is retried on the same
	// endpoint before switching to the next one
	defaultRetries = 2
	// defaultRetrySleep is the pause between retries on the same endpoint
	defaultRetrySleep = 200 * time.Millisecond
)

var defaultTimeout = 3 * time.Second

// permanentErrorPatterns are error substrings that mark failures no retry or
// endpoint switch can fix, typically contract-level rejections.
var permanentErrorPatterns = []string{
	"execution reverted",
}

// IsPermanentError reports whether err is a permanent failure that should
// not be retried.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range permanentErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// Client is a load-balanced web3 client bound to one network of a Web3Pool.
// Every call is retried on the current endpoint and fails over through the
// rotation before giving up.
type Client struct {
	w3p     *Web3Pool
	network string
}

// Network returns the network this client is bound to.
func (c *Client) Network() string {
	return c.network
}

// HeaderByNumber returns the header of the given block, or the latest header
// when number is nil.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	res, err := c.retryAndCheckErr(func(endpoint *Web3Endpoint) (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
		return endpoint.client.HeaderByNumber(internalCtx, number)
	})
	if err != nil {
		return nil, err
	}
	return res.(*gethtypes.Header), err
}

// BlockNumber returns the number of the most recent block.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	res, err := c.retryAndCheckErr(func(endpoint *Web3Endpoint) (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
		return endpoint.client.BlockNumber(internalCtx)
	})
	if err != nil {
		return 0, err
	}
	return res.(uint64), err
}

// PendingNonceAt returns the pending-state account nonce of the given
// address.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	res, err := c.retryAndCheckErr(func(endpoint *Web3Endpoint) (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
		return endpoint.client.PendingNonceAt(internalCtx, account)
	})
	if err != nil {
		return 0, err
	}
	return res.(uint64), err
}

// SuggestGasTipCap returns the suggested priority fee.
func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	res, err := c.retryAndCheckErr(func(endpoint *Web3Endpoint) (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
		return endpoint.client.SuggestGasTipCap(internalCtx)
	})
	if err != nil {
		return nil, err
	}
	return res.(*big.Int), err
}

// SuggestGasPrice returns the suggested legacy gas price.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	res, err := c.retryAndCheckErr(func(endpoint *Web3Endpoint) (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
		return endpoint.client.SuggestGasPrice(internalCtx)
	})
	if err != nil {
		return nil, err
	}
	return res.(*big.Int), err
}

// EstimateGas runs the node's gas estimation for the given call.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	res, err := c.retryAndCheckErr(func(endpoint *Web3Endpoint) (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
		return endpoint.client.EstimateGas(internalCtx, msg)
	})
	if err != nil {
		return 0, err
	}
	return res.(uint64), err
}

// CallContract executes a read-only call against the given block.
func (c *Client) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	res, err := c.retryAndCheckErr(func(endpoint *Web3Endpoint) (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
		return endpoint.client.CallContract(internalCtx, call, blockNumber)
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), err
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	_, err := c.retryAndCheckErr(func(endpoint *Web3Endpoint) (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
		return nil, endpoint.client.SendTransaction(internalCtx, tx)
	})
	return err
}

// TransactionReceipt returns the receipt of a mined transaction, or
// ethereum.NotFound if it is not mined yet.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	res, err := c.retryAndCheckErr(func(endpoint *Web3Endpoint) (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
		return endpoint.client.TransactionReceipt(internalCtx, txHash)
	})
	if err != nil {
		return nil, err
	}
	return res.(*gethtypes.Receipt), err
}

// BalanceAt returns the balance of an account at the given block.
func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	res, err := c.retryAndCheckErr(func(endpoint *Web3Endpoint) (any, error) {
		internalCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
		defer cancel()
		return endpoint.client.BalanceAt(internalCtx, account, blockNumber)
	})
	if err != nil {
		return nil, err
	}
	return res.(*big.Int), err
}

// retryAndCheckErr retries fn with endpoint switching. It first retries on
// the current endpoint, then disables it and moves on to the next available
// one, until the call succeeds or the rotation is exhausted. Receipt lookups
// and sends both go through here so a single flaky provider never loses a
// request.
func (c *Client) retryAndCheckErr(fn func(*Web3Endpoint) (any, error)) (any, error) {
	triedEndpoints := make(map[string]bool)

	totalEndpoints := c.w3p.NumberOfEndpoints(c.network, false)
	if totalEndpoints == 0 {
		return nil, fmt.Errorf("no endpoints available for network %q", c.network)
	}

	var lastErr error
	endpointAttempts := 0

	for endpointAttempts < totalEndpoints {
		endpoint, err := c.w3p.Endpoint(c.network)
		if err != nil {
			return nil, fmt.Errorf("error getting endpoint for network %q: %w", c.network, err)
		}

		if triedEndpoints[endpoint.URI] {
			log.Errorw(lastErr, fmt.Sprintf("endpoint rotation returned already-tried endpoint %s for network %q",
				endpoint.URI, c.network))
			return nil, fmt.Errorf("endpoint rotation failed for network %q: %w", c.network, lastErr)
		}
		triedEndpoints[endpoint.URI] = true

		var res any
		for retry := range defaultRetries {
			res, err = fn(endpoint)
			if err == nil {
				if endpointAttempts > 0 {
					log.Infow("RPC call succeeded after endpoint switch",
						"network", c.network,
						"successfulURI", endpoint.URI,
						"endpointAttempts", endpointAttempts+1,
						"retriesOnEndpoint", retry+1)
				}
				return res, nil
			}
			if errors.Is(err, ethereum.NotFound) {
				// Not a provider failure, do not burn the endpoint.
				return nil, err
			}
			if rpcErr := ParseError(err); rpcErr != nil {
				lastErr = fmt.Errorf("%w (code: %d, data: %s)", err, rpcErr.Code, rpcErr.Data)
			} else {
				lastErr = err
			}
			if IsPermanentError(err) {
				log.Warnw("RPC returned permanent error, not retrying",
					"error", lastErr,
					"network", c.network,
					"failedURI", endpoint.URI)
				return nil, fmt.Errorf("RPC call failed with permanent error, not retrying: %w", err)
			}
			if retry < defaultRetries-1 {
				time.Sleep(defaultRetrySleep)
			}
		}

		log.Warnw("endpoint failed after retries, switching to next",
			"network", c.network,
			"failedURI", endpoint.URI,
			"error", err,
			"retries", defaultRetries,
			"endpointAttempt", endpointAttempts+1)

		c.w3p.DisableEndpoint(c.network, endpoint.URI)
		endpointAttempts++
	}

	log.Errorw(lastErr, fmt.Sprintf("no more endpoints available after failures for network %q, tried %d endpoints",
		c.network, len(triedEndpoints)))
	return nil, fmt.Errorf("all endpoints exhausted for network %q after %d attempts: %w",
		c.network, endpointAttempts, lastErr)
}

// RPCError is the error returned by the RPC server.
type RPCError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    hexutil.Bytes `json:"data"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s (code: %d, data: %s)", e.Message, e.Code, e.Data.String())
}

func (e *RPCError) ErrorCode() int {
	return e.Code
}

func (e *RPCError) ErrorData() any {
	return e.Data
}

// ParseError tries to extract Data and Code from err to reconstruct a
// *RPCError.
func ParseError(err error) *RPCError {
	if err == nil {
		return nil
	}
	if e, ok := err.(*RPCError); ok {
		return e
	}

	out := &RPCError{Message: err.Error()}

	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		out.Code = rpcErr.ErrorCode()
		out.Message = rpcErr.Error()
	}

	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) {
		switch v := dataErr.ErrorData().(type) {
		case []byte:
			out.Data = hexutil.Bytes(v)
		case string:
			if b, derr := hexutil.Decode(v); derr == nil {
				out.Data = hexutil.Bytes(b)
			}
		}
	}

	return out
}
