// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package authorization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/luxfi/fheclient"
	"github.com/luxfi/fheclient/crypto/eip712"
	"github.com/luxfi/fheclient/session"
	"github.com/luxfi/fheclient/signer"
	"github.com/luxfi/fheclient/store"
)

// DefaultDurationDays is how long a new authorization stays valid.
const DefaultDurationDays = 365

type Config struct {
	DurationDays int64
	// Now defaults to time.Now
	Now func() time.Time
}

type loadOptions struct {
	forceRenew bool
}

type Option func(*loadOptions)

// WithForceRenew skips the signature store and always signs a new
// authorization. Used after the backend rejected a cached one as expired.
func WithForceRenew() Option {
	return func(o *loadOptions) {
		o.forceRenew = true
	}
}

// Manager creates and caches decryption authorizations.
type Manager struct {
	logger       *zap.Logger
	store        store.Store
	metrics      *Metrics
	durationDays int64
	now          func() time.Time

	// prompts deduplicates concurrent signature requests for the same key.
	// Each caller waits on its own context.
	prompts singleflight.Group
}

func NewManager(logger *zap.Logger, s store.Store, metrics *Metrics, cfg Config) *Manager {
	if cfg.DurationDays <= 0 {
		cfg.DurationDays = DefaultDurationDays
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		logger:       logger,
		store:        s,
		metrics:      metrics,
		durationDays: cfg.DurationDays,
		now:          cfg.Now,
	}
}

type loadResult struct {
	auth       *Authorization
	persistErr error
}

// LoadOrCreate returns a valid authorization for the signer's user over
// contracts, reusing a stored one when possible. A new one is signed,
// stored and returned otherwise.
//
// If only storing the new authorization fails, the authorization is returned
// together with an error wrapping fheclient.ErrPersistence and can be used
// for the current call.
func (m *Manager) LoadOrCreate(
	ctx context.Context,
	snap session.Snapshot,
	contracts []common.Address,
	user signer.Signer,
	opts ...Option,
) (*Authorization, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	if len(contracts) == 0 {
		return nil, fheclient.ErrNoContracts
	}
	if !snap.Ready() {
		return nil, fheclient.ErrSessionNotReady
	}
	if user == nil {
		return nil, fmt.Errorf("%w: no signer", fheclient.ErrSignerUnavailable)
	}

	sorted := SortAddresses(contracts)
	key := CacheKey(snap.Instance.ID(), user.Address(), sorted)
	flightKey := key
	if o.forceRenew {
		flightKey += ":renew"
	}

	// The prompt is shared by every caller of flightKey and outlives the
	// caller that started it. A signature that arrives after every caller
	// left is still stored for the next request.
	flightCtx := context.WithoutCancel(ctx)
	results := m.prompts.DoChan(flightKey, func() (interface{}, error) {
		if !o.forceRenew {
			if auth, ok := m.load(flightCtx, key, user.Address(), sorted); ok {
				return &loadResult{auth: auth}, nil
			}
		} else {
			m.miss("forced")
		}
		return m.create(flightCtx, snap, key, sorted, user)
	})
	select {
	case r := <-results:
		if r.Err != nil {
			return nil, r.Err
		}
		res := r.Val.(*loadResult)
		return res.auth, res.persistErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// load returns a cached authorization if it is usable. Read failures count as
// a miss.
func (m *Manager) load(ctx context.Context, key string, user common.Address, contracts []common.Address) (*Authorization, bool) {
	data, ok, err := m.store.Get(ctx, key)
	if err != nil {
		m.logger.Warn("Failed to read authorization from store",
			zap.String("key", key),
			zap.Error(err),
		)
		m.persistenceFailure("read")
		m.miss("read_error")
		return nil, false
	}
	if !ok {
		m.miss("absent")
		return nil, false
	}

	var auth Authorization
	if err := json.Unmarshal(data, &auth); err != nil {
		m.logger.Warn("Discarding malformed authorization",
			zap.String("key", key),
			zap.Error(err),
		)
		m.miss("malformed")
		return nil, false
	}
	switch {
	case auth.UserAddress != user:
		m.miss("wrong_user")
		return nil, false
	case !auth.IsValid(m.now()):
		m.logger.Debug("Stored authorization expired",
			zap.String("key", key),
			zap.Time("expiresAt", auth.ExpiresAt()),
		)
		m.miss("expired")
		return nil, false
	case !auth.Covers(contracts):
		m.miss("contracts")
		return nil, false
	}
	if m.metrics != nil {
		m.metrics.cacheHits.Inc()
	}
	return &auth, true
}

func (m *Manager) create(
	ctx context.Context,
	snap session.Snapshot,
	key string,
	contracts []common.Address,
	user signer.Signer,
) (*loadResult, error) {
	kp, err := snap.Instance.GenerateKeypair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	auth := &Authorization{
		UserAddress:       user.Address(),
		ContractAddresses: contracts,
		PublicKey:         kp.PublicKey,
		PrivateKey:        kp.PrivateKey,
		StartTimestamp:    m.now().Unix(),
		DurationDays:      m.durationDays,
	}
	td := eip712.TypedData(snap.Instance.Domain(), eip712.UserDecrypt{
		PublicKey:         auth.PublicKey,
		ContractAddresses: auth.ContractAddresses,
		StartTimestamp:    auth.StartTimestamp,
		DurationDays:      auth.DurationDays,
	})

	sig, err := user.SignTypedData(ctx, td)
	if err != nil {
		err = classifySignerError(err)
		m.signatureRequest(fheclient.Kind(err))
		return nil, err
	}
	m.signatureRequest("signed")
	auth.Signature = sig

	m.logger.Info("Signed new decryption authorization",
		zap.Stringer("user", auth.UserAddress),
		zap.Int("contracts", len(contracts)),
		zap.Time("expiresAt", auth.ExpiresAt()),
	)

	res := &loadResult{auth: auth}
	if err := m.persist(ctx, key, auth); err != nil {
		m.logger.Warn("Failed to persist authorization, continuing without cache",
			zap.String("key", key),
			zap.Error(err),
		)
		m.persistenceFailure("write")
		res.persistErr = fmt.Errorf("%w: %w", fheclient.ErrPersistence, err)
	}
	return res, nil
}

func (m *Manager) persist(ctx context.Context, key string, auth *Authorization) error {
	data, err := json.Marshal(auth)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, key, data)
}

// classifySignerError keeps taxonomy errors and treats anything else the
// signer reports as the signer being unavailable.
func classifySignerError(err error) error {
	switch {
	case fheclient.IsUserRejected(err):
		if errors.Is(err, fheclient.ErrUserRejected) {
			return err
		}
		return fmt.Errorf("%w: %w", fheclient.ErrUserRejected, err)
	case errors.Is(err, fheclient.ErrSignerUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", fheclient.ErrSignerUnavailable, err)
	}
}

func (m *Manager) miss(reason string) {
	if m.metrics != nil {
		m.metrics.cacheMisses.WithLabelValues(reason).Inc()
	}
}

func (m *Manager) signatureRequest(outcome string) {
	if m.metrics != nil {
		m.metrics.signatureRequests.WithLabelValues(outcome).Inc()
	}
}

func (m *Manager) persistenceFailure(op string) {
	if m.metrics != nil {
		m.metrics.persistenceFailures.WithLabelValues(op).Inc()
	}
}
