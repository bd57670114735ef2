// Copyright (C) 2019-2025, Lux Partners Limited. All rights reserved.
// See the file LICENSE for licensing terms.

package signer

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/luxfi/fheclient"
	"github.com/luxfi/fheclient/crypto/eip712"
)

var errNoAccounts = errors.New("wallet exposes no accounts")

// Signer signs EIP-712 typed data on behalf of a single account.
type Signer interface {
	Address() common.Address

	// SignTypedData returns a 65 byte signature with V in {27, 28}.
	SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error)
}

// LocalSigner signs with a key held in process
type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewLocalSigner creates a new local signer
func NewLocalSigner(key *ecdsa.PrivateKey) *LocalSigner {
	return &LocalSigner{
		key:  key,
		addr: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// NewLocalSignerFromHex parses a hex encoded secp256k1 key.
func NewLocalSignerFromHex(hexKey string) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(trim0x(hexKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return NewLocalSigner(key), nil
}

func (s *LocalSigner) Address() common.Address {
	return s.addr
}

func (s *LocalSigner) SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return eip712.Sign(td, func(digest []byte) ([]byte, error) {
		return crypto.Sign(digest, s.key)
	})
}

// SignerClient is the wallet's side of remote signing
type SignerClient interface {
	// Accounts returns the wallet's accounts, the active one first.
	Accounts(ctx context.Context) ([]common.Address, error)

	// SignTypedData asks the wallet to sign typedData (eth_signTypedData_v4).
	SignTypedData(ctx context.Context, account common.Address, typedData []byte) ([]byte, error)
}

// RemoteSigner signs via a connected wallet. Every call may prompt the user.
type RemoteSigner struct {
	client SignerClient
	addr   common.Address
}

// NewRemoteSigner creates a new remote signer for the wallet's active account
func NewRemoteSigner(ctx context.Context, client SignerClient) (*RemoteSigner, error) {
	accounts, err := client.Accounts(ctx)
	if err != nil {
		return nil, classify(err)
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("%w: %w", fheclient.ErrSignerUnavailable, errNoAccounts)
	}
	return &RemoteSigner{
		client: client,
		addr:   accounts[0],
	}, nil
}

func (s *RemoteSigner) Address() common.Address {
	return s.addr
}

func (s *RemoteSigner) SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error) {
	payload, err := json.Marshal(td)
	if err != nil {
		return nil, fmt.Errorf("failed to encode typed data: %w", err)
	}
	sig, err := s.client.SignTypedData(ctx, s.addr, payload)
	if err != nil {
		return nil, classify(err)
	}
	if len(sig) != eip712.SignatureLen {
		return nil, fmt.Errorf("%w: length %d", eip712.ErrInvalidSignature, len(sig))
	}
	out := append([]byte(nil), sig...)
	if out[crypto.RecoveryIDOffset] < 27 {
		out[crypto.RecoveryIDOffset] += 27
	}
	return out, nil
}

// classify maps wallet failures onto the error taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case fheclient.IsUserRejected(err):
		if errors.Is(err, fheclient.ErrUserRejected) {
			return err
		}
		return fmt.Errorf("%w: %w", fheclient.ErrUserRejected, err)
	case errors.Is(err, fheclient.ErrSignerUnavailable):
		return err
	}

	var (
		rpcErr rpc.Error
		netErr net.Error
	)
	if errors.As(err, &rpcErr) {
		switch int32(rpcErr.ErrorCode()) {
		case fheclient.CodeUnauthorized, fheclient.CodeDisconnected, fheclient.CodeChainDisconnected:
			return fmt.Errorf("%w: %w", fheclient.ErrSignerUnavailable, err)
		}
	}
	if errors.As(err, &netErr) || errors.Is(err, rpc.ErrClientQuit) {
		return fmt.Errorf("%w: %w", fheclient.ErrSignerUnavailable, err)
	}
	return err
}

var _ SignerClient = (*RPCClient)(nil)

// RPCClient talks to a wallet over JSON-RPC.
type RPCClient struct {
	client *rpc.Client
}

func NewRPCClient(client *rpc.Client) *RPCClient {
	return &RPCClient{client: client}
}

// DialRPCClient connects to the wallet endpoint at url.
func DialRPCClient(ctx context.Context, url string) (*RPCClient, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fheclient.ErrSignerUnavailable, err)
	}
	return NewRPCClient(client), nil
}

func (c *RPCClient) Accounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := c.client.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (c *RPCClient) SignTypedData(ctx context.Context, account common.Address, typedData []byte) ([]byte, error) {
	var sig hexutil.Bytes
	err := c.client.CallContext(ctx, &sig, "eth_signTypedData_v4", account, string(typedData))
	if err != nil {
		return nil, err
	}
	return sig, nil
}

func (c *RPCClient) Close() {
	c.client.Close()
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
