// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package eip712

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func testRequest() (Domain, UserDecrypt) {
	return Domain{
			ChainID:           31337,
			VerifyingContract: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		}, UserDecrypt{
			PublicKey: []byte{0x04, 0x01, 0x02},
			ContractAddresses: []common.Address{
				common.HexToAddress("0x0000000000000000000000000000000000000001"),
				common.HexToAddress("0x0000000000000000000000000000000000000002"),
			},
			StartTimestamp: 1_700_000_000,
			DurationDays:   365,
		}
}

func TestHashDeterministic(t *testing.T) {
	require := require.New(t)

	domain, req := testRequest()
	h1, err := Hash(TypedData(domain, req))
	require.NoError(err)
	h2, err := Hash(TypedData(domain, req))
	require.NoError(err)
	require.Equal(h1, h2)

	req.DurationDays = 1
	h3, err := Hash(TypedData(domain, req))
	require.NoError(err)
	require.NotEqual(h1, h3)

	domain.ChainID = 1
	_, req = testRequest()
	h4, err := Hash(TypedData(domain, req))
	require.NoError(err)
	require.NotEqual(h1, h4)
}

func TestSignRecover(t *testing.T) {
	require := require.New(t)

	key, err := crypto.GenerateKey()
	require.NoError(err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	domain, req := testRequest()
	td := TypedData(domain, req)

	sig, err := Sign(td, func(digest []byte) ([]byte, error) {
		return crypto.Sign(digest, key)
	})
	require.NoError(err)
	require.Len(sig, SignatureLen)
	require.GreaterOrEqual(sig[crypto.RecoveryIDOffset], byte(27))

	got, err := Recover(td, sig)
	require.NoError(err)
	require.Equal(addr, got)

	// A different message recovers to a different address.
	req.StartTimestamp++
	other, err := Recover(TypedData(domain, req), sig)
	require.NoError(err)
	require.NotEqual(addr, other)
}

func TestRecoverRejectsShortSignature(t *testing.T) {
	domain, req := testRequest()
	_, err := Recover(TypedData(domain, req), []byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidSignature)
}
