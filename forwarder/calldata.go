package forwarder

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/relayforge/relay-node/types"
)

// executeABI is the fragment of the MinimalForwarder contract the relayer
// calls: execute((address,address,uint256,uint256,uint256,bytes),bytes).
const executeABI = `[{
	"inputs": [
		{
			"components": [
				{"internalType": "address", "name": "from", "type": "address"},
				{"internalType": "address", "name": "to", "type": "address"},
				{"internalType": "uint256", "name": "value", "type": "uint256"},
				{"internalType": "uint256", "name": "gas", "type": "uint256"},
				{"internalType": "uint256", "name": "nonce", "type": "uint256"},
				{"internalType": "bytes", "name": "data", "type": "bytes"}
			],
			"internalType": "struct MinimalForwarder.ForwardRequest",
			"name": "req",
			"type": "tuple"
		},
		{"internalType": "bytes", "name": "signature", "type": "bytes"}
	],
	"name": "execute",
	"outputs": [
		{"internalType": "bool", "name": "", "type": "bool"},
		{"internalType": "bytes", "name": "", "type": "bytes"}
	],
	"stateMutability": "payable",
	"type": "function"
}]`

var (
	executeABIOnce   sync.Once
	executeABIParsed abi.ABI
	executeABIErr    error
)

func parsedExecuteABI() (abi.ABI, error) {
	executeABIOnce.Do(func() {
		executeABIParsed, executeABIErr = abi.JSON(strings.NewReader(executeABI))
	})
	return executeABIParsed, executeABIErr
}

// ExecuteCalldata encodes the calldata of the forwarder's execute call for
// the given verified request and its user signature.
func ExecuteCalldata(req *types.ForwardRequest) ([]byte, error) {
	parsed, err := parsedExecuteABI()
	if err != nil {
		return nil, fmt.Errorf("parse forwarder abi: %w", err)
	}
	wire := struct {
		From  common.Address
		To    common.Address
		Value *big.Int
		Gas   *big.Int
		Nonce *big.Int
		Data  []byte
	}{
		From:  common.BytesToAddress(req.From),
		To:    common.BytesToAddress(req.To),
		Value: bigOrZero(req.Value),
		Gas:   bigOrZero(req.Gas),
		Nonce: bigOrZero(req.Nonce),
		Data:  req.Data,
	}
	data, err := parsed.Pack("execute", wire, []byte(req.Signature))
	if err != nil {
		return nil, fmt.Errorf("pack execute calldata: %w", err)
	}
	return data, nil
}
