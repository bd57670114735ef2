// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

// Package orchestrator runs the encrypted write, read and decrypt paths
// against a ready session.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/luxfi/fheclient"
	"github.com/luxfi/fheclient/authorization"
	"github.com/luxfi/fheclient/backend"
	"github.com/luxfi/fheclient/chain"
	"github.com/luxfi/fheclient/session"
	"github.com/luxfi/fheclient/signer"
	"github.com/luxfi/fheclient/utils"
)

// DefaultRange bounds a single daily intake, in ml.
var DefaultRange = fheclient.Range{Min: 1, Max: 10000}

// Generations reports the live session generation.
type Generations interface {
	Generation() uint64
}

// SubmitFunc sends an encrypted input to the contract.
type SubmitFunc func(ctx context.Context, input *backend.EncryptedInput) (chain.PendingTx, error)

// Contract is a confidential contract the orchestrator reads from.
type Contract struct {
	Address common.Address
	ABI     *abi.ABI
	Reader  *chain.Reader
}

type Config struct {
	Retry utils.RetryPolicy
	Range fheclient.Range
	// Timer drives retry waits. nil uses real time.
	Timer utils.Timer
	Now   func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Retry: utils.DefaultRetryPolicy(),
		Range: DefaultRange,
		Now:   time.Now,
	}
}

type Orchestrator struct {
	logger   *zap.Logger
	sessions Generations
	auths    *authorization.Manager
	metrics  *Metrics
	cfg      Config
}

func New(
	logger *zap.Logger,
	sessions Generations,
	auths *authorization.Manager,
	metrics *Metrics,
	cfg Config,
) *Orchestrator {
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		logger:   logger,
		sessions: sessions,
		auths:    auths,
		metrics:  metrics,
		cfg:      cfg,
	}
}

func (o *Orchestrator) superseded(snap session.Snapshot) bool {
	return snap.Generation != o.sessions.Generation()
}

// SubmitEncryptedValue encrypts value for (contract, user), hands it to
// submit and waits for the transaction to be included. Only encryption is
// retried; the submission is attempted at most once.
func (o *Orchestrator) SubmitEncryptedValue(
	ctx context.Context,
	snap session.Snapshot,
	contract common.Address,
	user common.Address,
	value uint64,
	submit SubmitFunc,
) (*types.Receipt, error) {
	if err := o.cfg.Range.Validate(value); err != nil {
		return nil, err
	}
	if value > uint64(^uint32(0)) {
		return nil, fmt.Errorf("%w: %d does not fit in 32 bits", fheclient.ErrOutOfRange, value)
	}
	if !snap.Ready() {
		return nil, fheclient.ErrSessionNotReady
	}

	logger := o.logger.With(
		zap.Stringer("contract", contract),
		zap.Stringer("user", user),
		zap.Uint64("generation", snap.Generation),
	)

	input, err := o.encrypt(ctx, logger, snap, contract, user, uint32(value))
	if err != nil {
		o.metrics.submissions.WithLabelValues(fheclient.Kind(err)).Inc()
		return nil, err
	}
	if o.superseded(snap) {
		o.metrics.submissions.WithLabelValues("superseded").Inc()
		return nil, fheclient.ErrSuperseded
	}

	pending, err := submit(ctx, input)
	if err != nil {
		if fheclient.IsUserRejected(err) && !errors.Is(err, fheclient.ErrUserRejected) {
			err = fmt.Errorf("%w: %w", fheclient.ErrUserRejected, err)
		}
		logger.Warn("Failed to submit encrypted value", zap.Error(err))
		o.metrics.submissions.WithLabelValues(fheclient.Kind(err)).Inc()
		return nil, err
	}
	logger.Info("Submitted encrypted value", zap.Stringer("txID", pending.Hash()))

	receipt, err := pending.Wait(ctx)
	if err == nil {
		err = chain.CheckReceipt(receipt)
	}
	if err != nil {
		logger.Warn("Encrypted value transaction failed",
			zap.Stringer("txID", pending.Hash()),
			zap.Error(err),
		)
		o.metrics.submissions.WithLabelValues("failed").Inc()
		return nil, err
	}
	o.metrics.submissions.WithLabelValues("success").Inc()
	return receipt, nil
}

func (o *Orchestrator) encrypt(
	ctx context.Context,
	logger *zap.Logger,
	snap session.Snapshot,
	contract common.Address,
	user common.Address,
	value uint32,
) (*backend.EncryptedInput, error) {
	var (
		input    *backend.EncryptedInput
		attempts int
	)
	operation := func() error {
		attempts++
		if attempts > 1 {
			o.metrics.encryptRetries.Inc()
		}
		var err error
		input, err = snap.Instance.CreateEncryptedInput(contract, user).Add32(value).Encrypt(ctx)
		err = fheclient.ClassifyBackendError(err)
		o.metrics.encryptAttempts.WithLabelValues(fheclient.Kind(err)).Inc()
		return err
	}
	retryable := func(err error) bool {
		return fheclient.IsTransient(err) && !fheclient.IsUserRejected(err)
	}
	if err := utils.WithRetries(ctx, logger, o.cfg.Retry, o.cfg.Timer, retryable, operation); err != nil {
		logger.Warn("Failed to encrypt value",
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return nil, err
	}
	if len(input.Handles) != 1 {
		return nil, fmt.Errorf("backend returned %d handles for one value", len(input.Handles))
	}
	return input, nil
}

// FetchCiphertextHandles reads one handle per field. Unset fields map to
// fheclient.ZeroHandle.
func (o *Orchestrator) FetchCiphertextHandles(
	ctx context.Context,
	snap session.Snapshot,
	c Contract,
	from common.Address,
	fields ...string,
) (map[string]fheclient.Handle, error) {
	handles := make(map[string]fheclient.Handle, len(fields))
	for _, field := range fields {
		h, err := c.Reader.ReadHandle(ctx, from, c.Address, c.ABI, field)
		if err != nil {
			return nil, err
		}
		handles[field] = h
	}
	if o.superseded(snap) {
		return nil, fheclient.ErrSuperseded
	}
	return handles, nil
}

// DecryptHandles decrypts pairs with auth. Zero handles are skipped and
// absent from the result. Handles of the same contract are decrypted in one
// backend call.
func (o *Orchestrator) DecryptHandles(
	ctx context.Context,
	snap session.Snapshot,
	auth *authorization.Authorization,
	pairs []backend.HandleContractPair,
) (map[fheclient.Handle]fheclient.ClearValue, error) {
	if !snap.Ready() {
		return nil, fheclient.ErrSessionNotReady
	}

	batches := groupByContract(pairs)
	out := make(map[fheclient.Handle]fheclient.ClearValue)
	if len(batches) == 0 {
		return out, nil
	}
	if !auth.IsValid(o.cfg.Now()) {
		return nil, fheclient.ErrAuthorizationExpired
	}

	contracts := make([]common.Address, 0, len(batches))
	for c := range batches {
		contracts = append(contracts, c)
	}
	slices.SortFunc(contracts, func(a, b common.Address) int {
		return bytes.Compare(a[:], b[:])
	})

	for _, contract := range contracts {
		batch := batches[contract]
		if !auth.Covers([]common.Address{contract}) {
			return nil, fmt.Errorf("%w: contract %s not covered by authorization", fheclient.ErrValidation, contract)
		}
		values, err := snap.Instance.UserDecrypt(ctx, auth.DecryptRequest(batch))
		if err != nil {
			err = fheclient.ClassifyBackendError(err)
			o.metrics.decryptBatches.WithLabelValues(fheclient.Kind(err)).Inc()
			return nil, err
		}
		for _, pair := range batch {
			v, ok := values[pair.Handle]
			if !ok || v == nil {
				o.metrics.decryptBatches.WithLabelValues("incomplete").Inc()
				return nil, fmt.Errorf("backend returned no value for handle %s", pair.Handle)
			}
			out[pair.Handle] = fheclient.NewClearValue(pair.Handle, v)
		}
		o.metrics.decryptBatches.WithLabelValues("success").Inc()
		o.metrics.decryptedHandles.Add(float64(len(batch)))
	}

	if o.superseded(snap) {
		return nil, fheclient.ErrSuperseded
	}
	return out, nil
}

// DecryptWithReauth loads an authorization covering every contract in pairs
// and decrypts. If the backend reports the authorization expired, a new one
// is signed and the decryption is retried once.
func (o *Orchestrator) DecryptWithReauth(
	ctx context.Context,
	snap session.Snapshot,
	user signer.Signer,
	pairs []backend.HandleContractPair,
) (map[fheclient.Handle]fheclient.ClearValue, error) {
	batches := groupByContract(pairs)
	if len(batches) == 0 {
		return map[fheclient.Handle]fheclient.ClearValue{}, nil
	}
	contracts := make([]common.Address, 0, len(batches))
	for c := range batches {
		contracts = append(contracts, c)
	}

	auth, err := o.authorize(ctx, snap, contracts, user)
	if err != nil {
		return nil, err
	}
	values, err := o.DecryptHandles(ctx, snap, auth, pairs)
	if !errors.Is(err, fheclient.ErrAuthorizationExpired) {
		return values, err
	}

	o.logger.Info("Decryption authorization expired, signing a new one",
		zap.Stringer("user", user.Address()),
	)
	o.metrics.reauthorizations.Inc()
	auth, err = o.authorize(ctx, snap, contracts, user, authorization.WithForceRenew())
	if err != nil {
		return nil, err
	}
	return o.DecryptHandles(ctx, snap, auth, pairs)
}

// authorize treats a failure to persist a fresh authorization as non-fatal.
func (o *Orchestrator) authorize(
	ctx context.Context,
	snap session.Snapshot,
	contracts []common.Address,
	user signer.Signer,
	opts ...authorization.Option,
) (*authorization.Authorization, error) {
	auth, err := o.auths.LoadOrCreate(ctx, snap, contracts, user, opts...)
	if err != nil {
		if auth != nil && errors.Is(err, fheclient.ErrPersistence) {
			o.logger.Warn("Using unpersisted decryption authorization", zap.Error(err))
			return auth, nil
		}
		return nil, err
	}
	return auth, nil
}

// groupByContract drops zero and duplicate handles and groups the rest by
// contract.
func groupByContract(pairs []backend.HandleContractPair) map[common.Address][]backend.HandleContractPair {
	batches := make(map[common.Address][]backend.HandleContractPair)
	seen := make(map[backend.HandleContractPair]struct{}, len(pairs))
	for _, pair := range pairs {
		if pair.Handle.IsZero() {
			continue
		}
		if _, ok := seen[pair]; ok {
			continue
		}
		seen[pair] = struct{}{}
		batches[pair.Contract] = append(batches[pair.Contract], pair)
	}
	return batches
}
