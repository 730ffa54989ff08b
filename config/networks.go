// Package config holds the built-in network registry and the immutable
// runtime configuration of the relay node.
package config

import (
	"fmt"
	"sort"
)

// NetworkConfig describes one supported blockchain network: its chain ID,
// the RPC endpoints to reach it and the trusted forwarder contract the
// relayed calls go through.
type NetworkConfig struct {
	ChainID       uint64   `json:"chainId" mapstructure:"chainid"`
	RPCEndpoints  []string `json:"rpc" mapstructure:"rpc"`
	ForwarderAddr string   `json:"forwarder" mapstructure:"forwarder"`
}

// DefaultNetworks contains the built-in network registry. Entries can be
// overridden or extended via the networks configuration file.
var DefaultNetworks = map[string]NetworkConfig{
	"mainnet": {
		ChainID:       1,
		ForwarderAddr: "0x4200AdvB32b2cdaAfF7E04Ec0d2aae425b5a8b3A",
	},
	"sepolia": {
		ChainID:       11155111,
		ForwarderAddr: "0xd9145CCE52D386f254917e481eB44e9943F39138",
	},
	"polygon": {
		ChainID:       137,
		ForwarderAddr: "0x86C80a8aa58e0A4fa09A69624c31Ab2a6CAD56b8",
	},
	"localhost": {
		ChainID:       31337,
		RPCEndpoints:  []string{"http://127.0.0.1:8545"},
		ForwarderAddr: "0x5FbDB2315678afecb367f032d93F642f64180aa3",
	},
}

// AvailableNetworks returns the sorted names of the configured networks.
func AvailableNetworks(networks map[string]NetworkConfig) []string {
	names := make([]string, 0, len(networks))
	for name := range networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that a network entry is usable.
func (n NetworkConfig) Validate(name string) error {
	if n.ChainID == 0 {
		return fmt.Errorf("network %s: missing chain id", name)
	}
	if len(n.RPCEndpoints) == 0 {
		return fmt.Errorf("network %s: no rpc endpoints", name)
	}
	if n.ForwarderAddr == "" {
		return fmt.Errorf("network %s: missing forwarder contract address", name)
	}
	return nil
}
