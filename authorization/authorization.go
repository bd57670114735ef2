// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package authorization

import (
	"bytes"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/luxfi/fheclient/backend"
)

const (
	secondsPerDay = 24 * 60 * 60

	cacheKeyPrefix = "fhevm-authorization"
)

// Authorization is a signed, time-bounded permission for one user to decrypt
// the handles held by a set of contracts. It is never modified once signed.
type Authorization struct {
	UserAddress common.Address `json:"userAddress"`
	// ContractAddresses are sorted. The signature covers them in this order.
	ContractAddresses []common.Address `json:"contractAddresses"`
	PublicKey         hexutil.Bytes    `json:"publicKey"`
	PrivateKey        hexutil.Bytes    `json:"privateKey"`
	Signature         hexutil.Bytes    `json:"signature"`
	StartTimestamp    int64            `json:"startTimestamp"`
	DurationDays      int64            `json:"durationDays"`
}

// ExpiresAt is the last instant at which the authorization is valid.
func (a *Authorization) ExpiresAt() time.Time {
	return time.Unix(a.StartTimestamp+a.DurationDays*secondsPerDay, 0)
}

// IsValid reports whether the authorization can still be used at now.
func (a *Authorization) IsValid(now time.Time) bool {
	return now.Unix() <= a.StartTimestamp+a.DurationDays*secondsPerDay
}

// Covers reports whether every contract is part of the signed set.
func (a *Authorization) Covers(contracts []common.Address) bool {
	signed := set.Of(a.ContractAddresses...)
	for _, c := range contracts {
		if !signed.Contains(c) {
			return false
		}
	}
	return true
}

// DecryptRequest builds the backend request for pairs.
func (a *Authorization) DecryptRequest(pairs []backend.HandleContractPair) backend.DecryptRequest {
	return backend.DecryptRequest{
		Pairs:             pairs,
		PublicKey:         a.PublicKey,
		PrivateKey:        a.PrivateKey,
		Signature:         a.Signature,
		ContractAddresses: a.ContractAddresses,
		UserAddress:       a.UserAddress,
		StartTimestamp:    a.StartTimestamp,
		DurationDays:      a.DurationDays,
	}
}

// SortAddresses returns a sorted copy of addrs without duplicates.
func SortAddresses(addrs []common.Address) []common.Address {
	out := slices.Clone(addrs)
	slices.SortFunc(out, func(a, b common.Address) int {
		return bytes.Compare(a[:], b[:])
	})
	return slices.Compact(out)
}

// CacheKey derives the store key for (instance, user, contracts). The
// contract order does not affect the key.
func CacheKey(instanceID ids.ID, user common.Address, contracts []common.Address) string {
	parts := [][]byte{[]byte(cacheKeyPrefix), instanceID[:], user.Bytes()}
	for _, c := range SortAddresses(contracts) {
		parts = append(parts, c.Bytes())
	}
	return cacheKeyPrefix + ":" + crypto.Keccak256Hash(parts...).Hex()
}
