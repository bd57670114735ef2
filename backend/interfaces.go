// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package backend

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/luxfi/ids"

	"github.com/luxfi/fheclient"
	"github.com/luxfi/fheclient/crypto/eip712"
)

// Network describes where an instance should be bound.
type Network struct {
	ChainID uint64
	// RPCURL is set for chains served by a local node.
	RPCURL string
	// Mock selects the in-process coprocessor instead of a relayer.
	Mock bool
	// Provider is the wallet's transport for chains without RPCURL. The
	// relayer factory talks to its configured base URL and only uses the
	// provider to check the wallet's chain.
	Provider any
}

// Keypair is an ephemeral keypair that decryption results are sealed to.
type Keypair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// EncryptedInput is the output of an InputBuilder. Handles are in the order
// values were added and must be submitted together with InputProof.
type EncryptedInput struct {
	Handles    []fheclient.Handle
	InputProof []byte
}

// HandleContractPair names a handle and the contract that holds it.
type HandleContractPair struct {
	Handle   fheclient.Handle
	Contract common.Address
}

// DecryptRequest asks the backend to reencrypt a batch of handles to the
// requester's ephemeral key.
type DecryptRequest struct {
	Pairs             []HandleContractPair
	PublicKey         []byte
	PrivateKey        []byte
	Signature         []byte
	ContractAddresses []common.Address
	UserAddress       common.Address
	StartTimestamp    int64
	DurationDays      int64
}

// Instance is a backend handle bound to one chain.
type Instance interface {
	// ID identifies the backend deployment. Authorizations signed for one
	// instance are never reused with another.
	ID() ids.ID
	ChainID() uint64
	// Domain is the EIP-712 domain decryption requests are signed under.
	Domain() eip712.Domain

	GenerateKeypair() (*Keypair, error)
	CreateEncryptedInput(contract, user common.Address) InputBuilder
	// UserDecrypt returns the clear value of every requested handle.
	UserDecrypt(ctx context.Context, req DecryptRequest) (map[fheclient.Handle]*uint256.Int, error)
}

// InputBuilder accumulates plaintexts for a single encrypted input.
type InputBuilder interface {
	AddBool(v bool) InputBuilder
	Add8(v uint8) InputBuilder
	Add32(v uint32) InputBuilder
	Add64(v uint64) InputBuilder
	Encrypt(ctx context.Context) (*EncryptedInput, error)
}

// Factory creates instances for a network.
type Factory interface {
	NewInstance(ctx context.Context, network Network) (Instance, error)
}

// FactoryFunc adapts a function to the Factory interface
type FactoryFunc func(ctx context.Context, network Network) (Instance, error)

func (f FactoryFunc) NewInstance(ctx context.Context, network Network) (Instance, error) {
	return f(ctx, network)
}
