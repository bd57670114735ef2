// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

// Package relayer talks to an encryption relayer over HTTP. The relayer
// encrypts inputs for the coprocessor and reencrypts ciphertexts to a
// requester's ephemeral key.
package relayer

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/luxfi/fheclient"
)

const (
	KeyURLPath      = "/v1/keyurl"
	InputProofPath  = "/v1/input-proof"
	UserDecryptPath = "/v1/user-decrypt"
)

// KeyURLResponse describes the coprocessor deployment behind the relayer.
type KeyURLResponse struct {
	ChainID           uint64         `json:"chainId"`
	InstanceID        hexutil.Bytes  `json:"instanceId"`
	VerifyingContract common.Address `json:"verifyingContract"`
}

type TypedValue struct {
	Type fheclient.FheType `json:"type"`
	// Value is a decimal string
	Value string `json:"value"`
}

type InputProofRequest struct {
	ContractAddress common.Address `json:"contractAddress"`
	UserAddress     common.Address `json:"userAddress"`
	Values          []TypedValue   `json:"values"`
}

type InputProofResponse struct {
	Handles    []fheclient.Handle `json:"handles"`
	InputProof hexutil.Bytes      `json:"inputProof"`
}

type HandleContractPair struct {
	Handle          fheclient.Handle `json:"handle"`
	ContractAddress common.Address   `json:"contractAddress"`
}

// UserDecryptRequest carries a signed decryption authorization. The private
// key never leaves the client.
type UserDecryptRequest struct {
	HandleContractPairs []HandleContractPair `json:"handleContractPairs"`
	PublicKey           hexutil.Bytes        `json:"publicKey"`
	Signature           hexutil.Bytes        `json:"signature"`
	ContractAddresses   []common.Address     `json:"contractAddresses"`
	UserAddress         common.Address       `json:"userAddress"`
	StartTimestamp      int64                `json:"startTimestamp"`
	DurationDays        int64                `json:"durationDays"`
}

// UserDecryptResponse holds every requested value sealed to the request's
// public key.
type UserDecryptResponse struct {
	Sealed map[fheclient.Handle]hexutil.Bytes `json:"sealed"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	// Kind is the error class, as reported by fheclient.Kind.
	Kind string `json:"kind"`
}
