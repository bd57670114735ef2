// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/luxfi/fheclient/utils"
)

const (
	defaultBaseFeeFactor = 2

	// gas estimates are padded by gasPaddingPercent
	gasPaddingPercent = 20

	// DefaultRPCTimeout bounds each individual RPC made by a transactor.
	DefaultRPCTimeout = 10 * time.Second

	defaultInclusionTimeout = 2 * time.Minute
	receiptPollInterval     = 250 * time.Millisecond
)

// Client is the subset of an Ethereum RPC client a KeyedTransactor needs.
type Client interface {
	ethereum.ContractCaller
	ethereum.TransactionSender
	ethereum.GasEstimator

	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Client = (*ethclient.Client)(nil)

// Dial connects to the node at url.
func Dial(ctx context.Context, url string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return client, nil
}

var _ Transactor = (*KeyedTransactor)(nil)

// KeyedTransactor signs dynamic fee transactions with a local key.
type KeyedTransactor struct {
	logger  *zap.Logger
	client  Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	signer  types.Signer

	inclusionTimeout time.Duration
	pollInterval     time.Duration

	// nonceLock serializes nonce assignment so transactions are sent in order
	nonceLock sync.Mutex
}

func NewKeyedTransactor(
	ctx context.Context,
	logger *zap.Logger,
	client Client,
	key *ecdsa.PrivateKey,
) (*KeyedTransactor, error) {
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	return &KeyedTransactor{
		logger:           logger,
		client:           client,
		key:              key,
		from:             crypto.PubkeyToAddress(key.PublicKey),
		chainID:          chainID,
		signer:           types.LatestSignerForChainID(chainID),
		inclusionTimeout: defaultInclusionTimeout,
		pollInterval:     receiptPollInterval,
	}, nil
}

func (t *KeyedTransactor) From() common.Address {
	return t.from
}

// Send estimates gas and fees, signs and broadcasts a call to `to`.
func (t *KeyedTransactor) Send(ctx context.Context, to common.Address, data []byte) (PendingTx, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, DefaultRPCTimeout)
	defer cancel()

	head, err := t.client.HeaderByNumber(rpcCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get head: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	maxBaseFee := new(big.Int).Mul(baseFee, big.NewInt(defaultBaseFeeFactor))

	gasTipCap, err := t.client.SuggestGasTipCap(rpcCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas tip cap: %w", err)
	}
	gasFeeCap := new(big.Int).Add(maxBaseFee, gasTipCap)

	gas, err := t.client.EstimateGas(rpcCtx, ethereum.CallMsg{
		From: t.from,
		To:   &to,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}
	gas += gas * gasPaddingPercent / 100

	t.nonceLock.Lock()
	defer t.nonceLock.Unlock()

	nonce, err := t.client.PendingNonceAt(rpcCtx, t.from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   t.chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gas,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signedTx, err := types.SignTx(tx, t.signer, t.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := t.client.SendTransaction(rpcCtx, signedTx); err != nil {
		return nil, err
	}
	t.logger.Info(
		"Sent transaction",
		zap.Stringer("txID", signedTx.Hash()),
		zap.Uint64("nonce", nonce),
		zap.Stringer("to", to),
	)
	return &pendingTx{transactor: t, hash: signedTx.Hash()}, nil
}

type pendingTx struct {
	transactor *KeyedTransactor
	hash       common.Hash
}

func (p *pendingTx) Hash() common.Hash {
	return p.hash
}

func (p *pendingTx) Wait(ctx context.Context) (*types.Receipt, error) {
	return p.transactor.waitForReceipt(ctx, p.hash)
}

func (t *KeyedTransactor) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, t.inclusionTimeout)
	defer cancel()

	var receipt *types.Receipt
	operation := func() (err error) {
		callCtx, callCtxCancel := context.WithTimeout(ctx, DefaultRPCTimeout)
		defer callCtxCancel()
		receipt, err = t.client.TransactionReceipt(callCtx, txHash)
		return err
	}
	policy := utils.RetryPolicy{
		MaxRetries:      uint64(t.inclusionTimeout / t.pollInterval),
		InitialInterval: t.pollInterval,
		Multiplier:      1,
	}
	notFound := func(err error) bool {
		return errors.Is(err, ethereum.NotFound)
	}
	if err := utils.WithRetries(ctx, t.logger, policy, nil, notFound, operation); err != nil {
		t.logger.Error(
			"Failed to get transaction receipt",
			zap.Stringer("txID", txHash),
			zap.Error(err),
		)
		return nil, err
	}
	return receipt, nil
}
