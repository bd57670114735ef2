// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

// Package session owns the lifecycle of the encryption backend handle for
// the active chain and wallet.
//
// Every change of inputs starts a new generation. Work bound to an older
// generation is cancelled, and its result is dropped when it arrives.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luxfi/fheclient"
	"github.com/luxfi/fheclient/backend"
)

const (
	DefaultLocalChainID uint64 = 31337
	DefaultLocalRPCURL         = "http://localhost:8545"
)

// State of an encrypted session
type State uint8

const (
	Idle State = iota
	Loading
	Ready
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Wallet is the user's wallet context. Wallets are compared by identity, so
// implementations should be pointers.
type Wallet interface {
	// Provider is the wallet's chain transport, handed to the backend on
	// networks that are not local.
	Provider() any
}

// Snapshot is an immutable view of the session.
type Snapshot struct {
	State      State
	ChainID    uint64
	Instance   backend.Instance
	Err        error
	Generation uint64
}

// Ready reports whether the snapshot carries a usable instance.
func (s Snapshot) Ready() bool {
	return s.State == Ready && s.Instance != nil
}

// Config holds the network selection policy.
type Config struct {
	// LocalChainID is served by a local node at LocalRPCURL instead of the
	// wallet's provider.
	LocalChainID uint64
	LocalRPCURL  string
}

func DefaultConfig() Config {
	return Config{
		LocalChainID: DefaultLocalChainID,
		LocalRPCURL:  DefaultLocalRPCURL,
	}
}

// Manager keeps at most one live acquisition at a time.
type Manager struct {
	logger  *zap.Logger
	factory backend.Factory
	cfg     Config

	lock    sync.Mutex
	snap    Snapshot
	chainID uint64
	wallet  Wallet
	gen     uint64
	cancel  context.CancelFunc
	// done is closed when the current generation leaves Loading or is
	// superseded
	done   chan struct{}
	subs   map[chan Snapshot]struct{}
	closed bool

	wg sync.WaitGroup
}

func NewManager(logger *zap.Logger, factory backend.Factory, cfg Config) *Manager {
	return &Manager{
		logger:  logger,
		factory: factory,
		cfg:     cfg,
		subs:    make(map[chan Snapshot]struct{}),
	}
}

// Ensure binds the session to (chainID, wallet). A zero chainID or nil wallet
// discards the session. Calling Ensure again with the current inputs is a
// no-op, including after a failed acquisition; use Refresh to retry.
func (m *Manager) Ensure(chainID uint64, wallet Wallet) Snapshot {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.closed {
		return m.snap
	}
	if chainID == 0 || wallet == nil {
		m.chainID, m.wallet = 0, nil
		m.resetLocked()
		return m.snap
	}
	if chainID == m.chainID && wallet == m.wallet && m.snap.State != Idle {
		return m.snap
	}
	m.startLocked(chainID, wallet)
	return m.snap
}

// Refresh cancels in-flight work, resets to Idle and acquires again with the
// last inputs.
func (m *Manager) Refresh() Snapshot {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.closed {
		return m.snap
	}
	m.resetLocked()
	if m.wallet != nil {
		m.startLocked(m.chainID, m.wallet)
	}
	return m.snap
}

func (m *Manager) Snapshot() Snapshot {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.snap
}

// IsCurrent reports whether generation is still the live, ready session.
func (m *Manager) IsCurrent(generation uint64) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return generation == m.gen && m.snap.State == Ready
}

// Generation returns the current generation. It changes whenever the session
// is replaced or reset.
func (m *Manager) Generation() uint64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.gen
}

// Wait blocks until the session is not Loading and returns it.
func (m *Manager) Wait(ctx context.Context) (Snapshot, error) {
	for {
		m.lock.Lock()
		snap, done := m.snap, m.done
		m.lock.Unlock()

		if snap.State != Loading {
			return snap, nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

// Subscribe returns a channel that receives the latest snapshot after every
// transition. Slow readers only see the most recent one. The returned function
// unsubscribes.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	m.lock.Lock()
	defer m.lock.Unlock()

	ch := make(chan Snapshot, 1)
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	m.subs[ch] = struct{}{}
	ch <- m.snap
	return ch, func() {
		m.lock.Lock()
		defer m.lock.Unlock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
	}
}

// Close cancels in-flight work and waits for it to return.
func (m *Manager) Close() {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return
	}
	m.closed = true
	m.resetLocked()
	for ch := range m.subs {
		close(ch)
	}
	m.subs = nil
	m.lock.Unlock()

	m.wg.Wait()
}

// resetLocked retires the current generation and moves to Idle.
func (m *Manager) resetLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.closeDoneLocked()
	m.gen++
	m.setLocked(Snapshot{State: Idle, ChainID: m.chainID, Generation: m.gen})
}

func (m *Manager) startLocked(chainID uint64, wallet Wallet) {
	if m.cancel != nil {
		m.cancel()
	}
	m.closeDoneLocked()

	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.chainID, m.wallet = chainID, wallet
	m.done = make(chan struct{})
	m.setLocked(Snapshot{State: Loading, ChainID: chainID, Generation: gen})

	network := m.network(chainID, wallet)
	attemptID := uuid.NewString()

	m.wg.Add(1)
	go m.acquire(ctx, gen, attemptID, network)
}

func (m *Manager) network(chainID uint64, wallet Wallet) backend.Network {
	if chainID == m.cfg.LocalChainID {
		return backend.Network{
			ChainID: chainID,
			RPCURL:  m.cfg.LocalRPCURL,
			Mock:    true,
		}
	}
	return backend.Network{
		ChainID:  chainID,
		Provider: wallet.Provider(),
	}
}

func (m *Manager) acquire(ctx context.Context, gen uint64, attemptID string, network backend.Network) {
	defer m.wg.Done()

	logger := m.logger.With(
		zap.String("attemptID", attemptID),
		zap.Uint64("chainID", network.ChainID),
		zap.Uint64("generation", gen),
	)
	logger.Debug("Acquiring backend instance",
		zap.Bool("mock", network.Mock),
		zap.String("rpcURL", network.RPCURL),
	)

	instance, err := m.factory.NewInstance(ctx, network)

	m.lock.Lock()
	defer m.lock.Unlock()

	if gen != m.gen {
		logger.Debug("Discarding superseded backend instance", zap.Error(err))
		return
	}
	m.cancel()
	m.cancel = nil

	next := Snapshot{ChainID: network.ChainID, Generation: gen}
	if err != nil {
		logger.Warn("Failed to acquire backend instance", zap.Error(err))
		next.State = Error
		next.Err = fheclient.ClassifyBackendError(err)
	} else {
		logger.Info("Backend instance ready", zap.Stringer("instanceID", instance.ID()))
		next.State = Ready
		next.Instance = instance
	}
	m.closeDoneLocked()
	m.setLocked(next)
}

func (m *Manager) closeDoneLocked() {
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
}

func (m *Manager) setLocked(snap Snapshot) {
	m.snap = snap
	for ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
