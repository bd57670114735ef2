// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

// Package chain reads ciphertext handles from contracts and sends the
// transactions that carry encrypted inputs.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/luxfi/fheclient"
)

var (
	ErrReverted        = errors.New("transaction reverted")
	errUnexpectedValue = errors.New("unexpected return value")
)

// PendingTx is a transaction that was accepted by a node but may not be
// included yet.
type PendingTx interface {
	Hash() common.Hash
	// Wait blocks until the transaction is included and returns its receipt.
	Wait(ctx context.Context) (*types.Receipt, error)
}

// Transactor sends transactions from a single account.
type Transactor interface {
	From() common.Address
	Send(ctx context.Context, to common.Address, data []byte) (PendingTx, error)
}

// Reader performs read-only contract calls.
type Reader struct {
	caller ethereum.ContractCaller
}

func NewReader(caller ethereum.ContractCaller) *Reader {
	return &Reader{caller: caller}
}

// Call packs method and args with parsed, runs the call as from and unpacks
// the result.
func (r *Reader) Call(
	ctx context.Context,
	from common.Address,
	contract common.Address,
	parsed *abi.ABI,
	method string,
	args ...interface{},
) ([]interface{}, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{
		From: from,
		To:   &contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s on %s: %w", method, contract, err)
	}
	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return values, nil
}

// ReadHandle calls a view method that returns a single ciphertext handle.
// Contracts return the zero handle for values that were never written.
func (r *Reader) ReadHandle(
	ctx context.Context,
	from common.Address,
	contract common.Address,
	parsed *abi.ABI,
	method string,
) (fheclient.Handle, error) {
	values, err := r.Call(ctx, from, contract, parsed, method)
	if err != nil {
		return fheclient.ZeroHandle, err
	}
	if len(values) != 1 {
		return fheclient.ZeroHandle, fmt.Errorf("%w: %s returned %d values", errUnexpectedValue, method, len(values))
	}
	raw, ok := values[0].([32]byte)
	if !ok {
		return fheclient.ZeroHandle, fmt.Errorf("%w: %s returned %T", errUnexpectedValue, method, values[0])
	}
	return fheclient.Handle(raw), nil
}

// CheckReceipt returns ErrReverted for failed receipts.
func CheckReceipt(receipt *types.Receipt) error {
	if receipt == nil {
		return fmt.Errorf("%w: missing receipt", ErrReverted)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: tx %s in block %v", ErrReverted, receipt.TxHash, receipt.BlockNumber)
	}
	return nil
}
