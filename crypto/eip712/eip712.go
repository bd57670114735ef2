// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

// Package eip712 builds the typed message a user signs to let a client
// decrypt ciphertexts held by a set of contracts.
package eip712

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	// PrimaryType is the struct signed for user decryption
	PrimaryType = "UserDecryptRequestVerification"

	DomainName    = "Decryption"
	DomainVersion = "1"

	SignatureLen = crypto.SignatureLength
)

var ErrInvalidSignature = errors.New("invalid signature")

// Domain identifies the contract that verifies decryption requests.
type Domain struct {
	ChainID           uint64
	VerifyingContract common.Address
}

// UserDecrypt is the content of a decryption authorization.
type UserDecrypt struct {
	PublicKey         []byte
	ContractAddresses []common.Address
	StartTimestamp    int64
	DurationDays      int64
}

// TypedData renders the request as EIP-712 typed data. Contract addresses
// are encoded in the given order, so callers must canonicalize first.
func TypedData(domain Domain, req UserDecrypt) apitypes.TypedData {
	contracts := make([]interface{}, len(req.ContractAddresses))
	for i, addr := range req.ContractAddresses {
		contracts[i] = addr.Hex()
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			PrimaryType: {
				{Name: "publicKey", Type: "bytes"},
				{Name: "contractAddresses", Type: "address[]"},
				{Name: "startTimestamp", Type: "uint256"},
				{Name: "durationDays", Type: "uint256"},
			},
		},
		PrimaryType: PrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainId:           math.NewHexOrDecimal256(int64(domain.ChainID)),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"publicKey":         hexutil.Encode(req.PublicKey),
			"contractAddresses": contracts,
			"startTimestamp":    strconv.FormatInt(req.StartTimestamp, 10),
			"durationDays":      strconv.FormatInt(req.DurationDays, 10),
		},
	}
}

// Hash returns the EIP-712 digest of td.
func Hash(td apitypes.TypedData) (common.Hash, error) {
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return common.BytesToHash(digest), nil
}

// Sign produces a wallet-style signature (V in {27, 28}) over td.
func Sign(td apitypes.TypedData, sign func(digest []byte) ([]byte, error)) ([]byte, error) {
	digest, err := Hash(td)
	if err != nil {
		return nil, err
	}
	sig, err := sign(digest[:])
	if err != nil {
		return nil, err
	}
	if len(sig) != SignatureLen {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] < 27 {
		sig[crypto.RecoveryIDOffset] += 27
	}
	return sig, nil
}

// Recover returns the address that produced sig over td.
func Recover(td apitypes.TypedData, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLen {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	digest, err := Hash(td)
	if err != nil {
		return common.Address{}, err
	}
	normalized := make([]byte, SignatureLen)
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// ChainIDBig is a convenience for callers that deal in *big.Int chain IDs.
func ChainIDBig(d Domain) *big.Int {
	return new(big.Int).SetUint64(d.ChainID)
}
