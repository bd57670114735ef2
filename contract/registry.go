// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package contract

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// Deployment is where a contract lives on one chain.
type Deployment struct {
	Address   common.Address `json:"address"`
	ChainID   uint64         `json:"chainId"`
	ChainName string         `json:"chainName"`
}

// Registry maps chain IDs to deployments.
type Registry struct {
	deployments map[uint64]Deployment
}

func NewRegistry(deployments ...Deployment) *Registry {
	r := &Registry{deployments: make(map[uint64]Deployment, len(deployments))}
	for _, d := range deployments {
		r.deployments[d.ChainID] = d
	}
	return r
}

// ParseRegistry reads an address book keyed by decimal chain ID, e.g.
//
//	{"31337": {"address": "0x...", "chainId": 31337, "chainName": "hardhat"}}
func ParseRegistry(data []byte) (*Registry, error) {
	var raw map[string]Deployment
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse deployments: %w", err)
	}
	r := &Registry{deployments: make(map[uint64]Deployment, len(raw))}
	for key, d := range raw {
		chainID, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chain id %q: %w", key, err)
		}
		if d.ChainID == 0 {
			d.ChainID = chainID
		}
		r.deployments[chainID] = d
	}
	return r, nil
}

// Lookup returns the deployment for chainID. Entries at the zero address
// are treated as not deployed.
func (r *Registry) Lookup(chainID uint64) (Deployment, bool) {
	d, ok := r.deployments[chainID]
	if !ok || d.Address == (common.Address{}) {
		return Deployment{ChainID: chainID}, false
	}
	return d, true
}
