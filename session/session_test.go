// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/luxfi/fheclient"
	"github.com/luxfi/fheclient/backend"
	"github.com/luxfi/fheclient/backend/relayer"
)

type testWallet struct {
	name string
}

func (w *testWallet) Provider() any {
	return w.name
}

type call struct {
	network backend.Network
	release chan error
}

// mockFactory blocks every NewInstance until the test releases it.
type mockFactory struct {
	lock  sync.Mutex
	calls []*call
	ch    chan *call
}

func newMockFactory() *mockFactory {
	return &mockFactory{ch: make(chan *call, 16)}
}

func (f *mockFactory) NewInstance(ctx context.Context, network backend.Network) (backend.Instance, error) {
	c := &call{network: network, release: make(chan error, 1)}
	f.lock.Lock()
	f.calls = append(f.calls, c)
	f.lock.Unlock()
	f.ch <- c

	// Ignore ctx to model transports that cannot abort mid-flight.
	if err := <-c.release; err != nil {
		return nil, err
	}
	return backend.NewMemoryBackend(network.ChainID).NewInstance(context.Background(), network)
}

func (f *mockFactory) next(t *testing.T) *call {
	t.Helper()
	select {
	case c := <-f.ch:
		return c
	case <-time.After(time.Second):
		require.FailNow(t, "no acquisition started")
		return nil
	}
}

func (f *mockFactory) numCalls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.calls)
}

func wait(t *testing.T, m *Manager) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := m.Wait(ctx)
	require.NoError(t, err)
	return snap
}

func TestEnsureReady(t *testing.T) {
	require := require.New(t)

	f := newMockFactory()
	m := NewManager(zap.NewNop(), f, DefaultConfig())
	defer m.Close()

	wallet := &testWallet{name: "w"}
	snap := m.Ensure(31337, wallet)
	require.Equal(Loading, snap.State)

	c := f.next(t)
	require.Equal(backend.Network{ChainID: 31337, RPCURL: DefaultLocalRPCURL, Mock: true}, c.network)
	c.release <- nil

	snap = wait(t, m)
	require.Equal(Ready, snap.State)
	require.True(snap.Ready())
	require.Equal(uint64(31337), snap.Instance.ChainID())
	require.True(m.IsCurrent(snap.Generation))

	// Same inputs while ready: no new acquisition.
	require.Equal(snap, m.Ensure(31337, wallet))
	require.Equal(1, f.numCalls())
}

func TestEnsureRemoteNetworkUsesWalletProvider(t *testing.T) {
	require := require.New(t)

	f := newMockFactory()
	m := NewManager(zap.NewNop(), f, DefaultConfig())
	defer m.Close()

	m.Ensure(11155111, &testWallet{name: "injected"})
	c := f.next(t)
	require.Equal(backend.Network{ChainID: 11155111, Provider: "injected"}, c.network)
	c.release <- nil
	require.Equal(Ready, wait(t, m).State)
}

func TestEnsureMissingInputs(t *testing.T) {
	require := require.New(t)

	f := newMockFactory()
	m := NewManager(zap.NewNop(), f, DefaultConfig())
	defer m.Close()

	require.Equal(Idle, m.Ensure(0, &testWallet{}).State)
	require.Equal(Idle, m.Ensure(31337, nil).State)
	require.Zero(f.numCalls())

	m.Ensure(31337, &testWallet{})
	c := f.next(t)
	c.release <- nil
	require.Equal(Ready, wait(t, m).State)

	// Disconnecting the wallet discards the session.
	snap := m.Ensure(31337, nil)
	require.Equal(Idle, snap.State)
	require.Nil(snap.Instance)
}

func TestSupersededResultDiscarded(t *testing.T) {
	require := require.New(t)

	f := newMockFactory()
	m := NewManager(zap.NewNop(), f, DefaultConfig())
	defer m.Close()

	first := m.Ensure(31337, &testWallet{name: "a"})
	slow := f.next(t)

	second := m.Ensure(11155111, &testWallet{name: "b"})
	require.Greater(second.Generation, first.Generation)
	fast := f.next(t)

	fast.release <- nil
	snap := wait(t, m)
	require.Equal(Ready, snap.State)
	require.Equal(uint64(11155111), snap.ChainID)

	// The first acquisition resolves late and must not replace the session.
	slow.release <- nil
	require.Never(func() bool {
		return m.Snapshot().ChainID != 11155111
	}, 50*time.Millisecond, 5*time.Millisecond)
	require.False(m.IsCurrent(first.Generation))
	require.True(m.IsCurrent(snap.Generation))
}

func TestSupersededErrorDiscarded(t *testing.T) {
	require := require.New(t)

	f := newMockFactory()
	m := NewManager(zap.NewNop(), f, DefaultConfig())
	defer m.Close()

	m.Ensure(31337, &testWallet{name: "a"})
	slow := f.next(t)
	m.Ensure(31337, &testWallet{name: "b"})
	fast := f.next(t)

	slow.release <- errors.New("backend connection lost")
	fast.release <- nil

	snap := wait(t, m)
	require.Equal(Ready, snap.State)
	require.NoError(snap.Err)
}

func TestSupersededRelayerAcquisition(t *testing.T) {
	require := require.New(t)

	const chainID = 11155111
	var keyURLs atomic.Int32
	release := make(chan struct{})
	handler := relayer.NewHandler(zap.NewNop(), backend.NewMemoryBackend(chainID))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == relayer.KeyURLPath && keyURLs.Add(1) == 1 {
			<-release
		}
		handler.ServeHTTP(w, r)
	}))
	defer server.Close()

	m := NewManager(zap.NewNop(), relayer.NewClient(zap.NewNop(), server.Client(), server.URL), DefaultConfig())
	defer m.Close()

	first := m.Ensure(chainID, &testWallet{name: "a"})
	require.Eventually(func() bool { return keyURLs.Load() == 1 }, time.Second, time.Millisecond)

	// The second acquisition joins the stalled metadata fetch while the first
	// one is cancelled.
	second := m.Ensure(chainID, &testWallet{name: "b"})
	require.Greater(second.Generation, first.Generation)
	time.Sleep(20 * time.Millisecond)
	close(release)

	snap := wait(t, m)
	require.Equal(Ready, snap.State)
	require.NoError(snap.Err)
	require.Equal(second.Generation, snap.Generation)
	require.Equal(uint64(chainID), snap.Instance.ChainID())
	require.Equal(int32(1), keyURLs.Load())
}

func TestErrorThenRefresh(t *testing.T) {
	require := require.New(t)

	f := newMockFactory()
	m := NewManager(zap.NewNop(), f, DefaultConfig())
	defer m.Close()

	wallet := &testWallet{}
	m.Ensure(31337, wallet)
	f.next(t).release <- errors.New("Relayer didn't respond")

	snap := wait(t, m)
	require.Equal(Error, snap.State)
	require.ErrorIs(snap.Err, fheclient.ErrBackendUnavailable)
	require.Nil(snap.Instance)

	// No automatic retry, not even when the same inputs are ensured again.
	require.Equal(snap, m.Ensure(31337, wallet))
	require.Never(func() bool { return f.numCalls() > 1 }, 30*time.Millisecond, 5*time.Millisecond)

	snap = m.Refresh()
	require.Equal(Loading, snap.State)
	f.next(t).release <- nil
	require.Equal(Ready, wait(t, m).State)
	require.Equal(2, f.numCalls())
}

func TestRefreshWhileLoading(t *testing.T) {
	require := require.New(t)

	f := newMockFactory()
	m := NewManager(zap.NewNop(), f, DefaultConfig())
	defer m.Close()

	first := m.Ensure(31337, &testWallet{})
	stale := f.next(t)
	refreshed := m.Refresh()
	require.Greater(refreshed.Generation, first.Generation)
	fresh := f.next(t)

	stale.release <- nil
	fresh.release <- errors.New("boom")

	snap := wait(t, m)
	require.Equal(Error, snap.State)
	require.Equal(refreshed.Generation, snap.Generation)
}

func TestSubscribe(t *testing.T) {
	require := require.New(t)

	f := newMockFactory()
	m := NewManager(zap.NewNop(), f, DefaultConfig())

	updates, unsubscribe := m.Subscribe()
	require.Equal(Idle, (<-updates).State)

	m.Ensure(31337, &testWallet{})
	f.next(t).release <- nil

	require.Eventually(func() bool {
		select {
		case snap := <-updates:
			return snap.State == Ready
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	unsubscribe()
	_, ok := <-updates
	require.False(ok)

	m.Close()
	require.Equal(Idle, m.Snapshot().State)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "ready", Ready.String())
	require.Equal(t, "state(9)", State(9).String())
}
