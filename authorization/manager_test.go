// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package authorization

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/luxfi/ids"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/luxfi/fheclient"
	"github.com/luxfi/fheclient/backend"
	"github.com/luxfi/fheclient/crypto/eip712"
	"github.com/luxfi/fheclient/session"
	"github.com/luxfi/fheclient/signer"
	"github.com/luxfi/fheclient/store"
)

var (
	contractA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	contractB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

// countingSigner wraps a LocalSigner, counting prompts and optionally failing.
type countingSigner struct {
	*signer.LocalSigner
	prompts atomic.Int32
	err     error
	block   chan struct{}
}

func newCountingSigner(t *testing.T) *countingSigner {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &countingSigner{LocalSigner: signer.NewLocalSigner(key)}
}

func (s *countingSigner) SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error) {
	s.prompts.Add(1)
	if s.block != nil {
		<-s.block
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.LocalSigner.SignTypedData(ctx, td)
}

type failingStore struct {
	getErr error
	setErr error
	sets   int
}

func (f *failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, f.getErr
}

func (f *failingStore) Set(context.Context, string, []byte) error {
	f.sets++
	return f.setErr
}

type testEnv struct {
	now     time.Time
	snap    session.Snapshot
	store   store.Store
	metrics *Metrics
	manager *Manager
}

func newTestEnv(t *testing.T, s store.Store) *testEnv {
	t.Helper()
	env := &testEnv{now: time.Unix(1_700_000_000, 0)}
	instance, err := backend.NewMemoryBackend(31337).NewInstance(
		context.Background(),
		backend.Network{ChainID: 31337, Mock: true},
	)
	require.NoError(t, err)
	env.snap = session.Snapshot{State: session.Ready, ChainID: 31337, Instance: instance, Generation: 1}

	if s == nil {
		s, err = store.NewMemoryStore(16)
		require.NoError(t, err)
	}
	env.store = s
	env.metrics = NewMetrics(prometheus.NewRegistry())
	env.manager = NewManager(zap.NewNop(), s, env.metrics, Config{
		DurationDays: 1,
		Now:          func() time.Time { return env.now },
	})
	return env
}

func TestCacheKeyOrderIndependent(t *testing.T) {
	require := require.New(t)

	id := ids.ID{1}
	user := common.HexToAddress("0x01")
	k1 := CacheKey(id, user, []common.Address{contractA, contractB})
	k2 := CacheKey(id, user, []common.Address{contractB, contractA, contractB})
	require.Equal(k1, k2)

	require.NotEqual(k1, CacheKey(ids.ID{2}, user, []common.Address{contractA, contractB}))
	require.NotEqual(k1, CacheKey(id, common.HexToAddress("0x02"), []common.Address{contractA, contractB}))
	require.NotEqual(k1, CacheKey(id, user, []common.Address{contractA}))
}

func TestSortAddresses(t *testing.T) {
	require.Equal(t,
		[]common.Address{contractA, contractB},
		SortAddresses([]common.Address{contractB, contractA, contractB}),
	)
}

func TestLoadOrCreateReusesWithinWindow(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, nil)
	user := newCountingSigner(t)
	ctx := context.Background()

	auth, err := env.manager.LoadOrCreate(ctx, env.snap, []common.Address{contractB, contractA}, user)
	require.NoError(err)
	require.Equal([]common.Address{contractA, contractB}, auth.ContractAddresses)
	require.Equal(env.now.Unix(), auth.StartTimestamp)
	require.Equal(int32(1), user.prompts.Load())

	// The signature verifies against the sorted contract list.
	td := eip712.TypedData(env.snap.Instance.Domain(), eip712.UserDecrypt{
		PublicKey:         auth.PublicKey,
		ContractAddresses: auth.ContractAddresses,
		StartTimestamp:    auth.StartTimestamp,
		DurationDays:      auth.DurationDays,
	})
	signerAddr, err := eip712.Recover(td, auth.Signature)
	require.NoError(err)
	require.Equal(user.Address(), signerAddr)

	// Reused at the last valid second, with contracts in another order.
	env.now = env.now.Add(24 * time.Hour)
	again, err := env.manager.LoadOrCreate(ctx, env.snap, []common.Address{contractA, contractB}, user)
	require.NoError(err)
	require.Equal(auth.Signature, again.Signature)
	require.Equal(int32(1), user.prompts.Load())
	require.InDelta(1, testutil.ToFloat64(env.metrics.cacheHits), 0)

	// One second later it must be signed again.
	env.now = env.now.Add(time.Second)
	renewed, err := env.manager.LoadOrCreate(ctx, env.snap, []common.Address{contractA, contractB}, user)
	require.NoError(err)
	require.NotEqual(auth.Signature, renewed.Signature)
	require.Equal(int32(2), user.prompts.Load())
	require.InDelta(1, testutil.ToFloat64(env.metrics.cacheMisses.WithLabelValues("expired")), 0)
}

func TestLoadOrCreateForceRenew(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, nil)
	user := newCountingSigner(t)

	first, err := env.manager.LoadOrCreate(context.Background(), env.snap, []common.Address{contractA}, user)
	require.NoError(err)
	second, err := env.manager.LoadOrCreate(context.Background(), env.snap, []common.Address{contractA}, user, WithForceRenew())
	require.NoError(err)
	require.NotEqual(first.PublicKey, second.PublicKey)
	require.Equal(int32(2), user.prompts.Load())

	// The renewed authorization replaced the old one.
	third, err := env.manager.LoadOrCreate(context.Background(), env.snap, []common.Address{contractA}, user)
	require.NoError(err)
	require.Equal(second.PublicKey, third.PublicKey)
}

func TestLoadOrCreateValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	user := newCountingSigner(t)

	tests := []struct {
		name      string
		snap      session.Snapshot
		contracts []common.Address
		signer    signer.Signer
		expected  error
	}{
		{
			name:     "no contracts",
			snap:     env.snap,
			signer:   user,
			expected: fheclient.ErrValidation,
		},
		{
			name:      "session loading",
			snap:      session.Snapshot{State: session.Loading},
			contracts: []common.Address{contractA},
			signer:    user,
			expected:  fheclient.ErrSessionNotReady,
		},
		{
			name:      "no signer",
			snap:      env.snap,
			contracts: []common.Address{contractA},
			expected:  fheclient.ErrSignerUnavailable,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := env.manager.LoadOrCreate(context.Background(), test.snap, test.contracts, test.signer)
			require.ErrorIs(t, err, test.expected)
		})
	}
	require.Zero(t, user.prompts.Load())
}

func TestLoadOrCreateSignerErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{
			name:     "rejected",
			err:      &fheclient.Error{Code: fheclient.CodeUserRejected, Message: "User rejected the request."},
			expected: fheclient.ErrUserRejected,
		},
		{
			name:     "unreachable",
			err:      errors.New("wallet bridge closed"),
			expected: fheclient.ErrSignerUnavailable,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require := require.New(t)

			env := newTestEnv(t, nil)
			user := newCountingSigner(t)
			user.err = test.err

			_, err := env.manager.LoadOrCreate(context.Background(), env.snap, []common.Address{contractA}, user)
			require.ErrorIs(err, test.expected)

			// Nothing was stored.
			_, ok, err := env.store.Get(context.Background(), CacheKey(env.snap.Instance.ID(), user.Address(), []common.Address{contractA}))
			require.NoError(err)
			require.False(ok)
		})
	}
}

func TestLoadOrCreatePersistenceFailure(t *testing.T) {
	require := require.New(t)

	fs := &failingStore{
		getErr: errors.New("disk unavailable"),
		setErr: errors.New("disk full"),
	}
	env := newTestEnv(t, fs)
	user := newCountingSigner(t)

	auth, err := env.manager.LoadOrCreate(context.Background(), env.snap, []common.Address{contractA}, user)
	require.ErrorIs(err, fheclient.ErrPersistence)
	require.NotNil(auth)
	require.NotEmpty(auth.Signature)
	require.Equal(1, fs.sets)
	require.InDelta(1, testutil.ToFloat64(env.metrics.persistenceFailures.WithLabelValues("read")), 0)
	require.InDelta(1, testutil.ToFloat64(env.metrics.persistenceFailures.WithLabelValues("write")), 0)
}

func TestLoadOrCreateDiscardsForeignEntries(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, nil)
	user := newCountingSigner(t)
	key := CacheKey(env.snap.Instance.ID(), user.Address(), []common.Address{contractA})

	require.NoError(env.store.Set(context.Background(), key, []byte("not json")))
	_, err := env.manager.LoadOrCreate(context.Background(), env.snap, []common.Address{contractA}, user)
	require.NoError(err)
	require.Equal(int32(1), user.prompts.Load())
	require.InDelta(1, testutil.ToFloat64(env.metrics.cacheMisses.WithLabelValues("malformed")), 0)
}

func TestLoadOrCreateSinglePrompt(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, nil)
	user := newCountingSigner(t)
	user.block = make(chan struct{})

	var (
		wg    sync.WaitGroup
		lock  sync.Mutex
		auths []*Authorization
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			auth, err := env.manager.LoadOrCreate(context.Background(), env.snap, []common.Address{contractA}, user)
			if err == nil {
				lock.Lock()
				auths = append(auths, auth)
				lock.Unlock()
			}
		}()
	}
	require.Eventually(func() bool { return user.prompts.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(user.block)
	wg.Wait()

	require.Len(auths, 4)
	require.Equal(int32(1), user.prompts.Load())
	for _, auth := range auths {
		require.Equal(auths[0].Signature, auth.Signature)
	}
}

func TestLoadOrCreateCancelledCallerLeavesPromptToOthers(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t, nil)
	user := newCountingSigner(t)
	user.block = make(chan struct{})
	contracts := []common.Address{contractA}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := env.manager.LoadOrCreate(firstCtx, env.snap, contracts, user)
		firstErr <- err
	}()
	require.Eventually(func() bool { return user.prompts.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		auth *Authorization
		err  error
	}
	second := make(chan result, 1)
	go func() {
		auth, err := env.manager.LoadOrCreate(context.Background(), env.snap, contracts, user)
		second <- result{auth: auth, err: err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	require.ErrorIs(<-firstErr, context.Canceled)

	// The wallet answers after the first caller left.
	close(user.block)
	res := <-second
	require.NoError(res.err)
	require.NotNil(res.auth)
	require.NotEmpty(res.auth.Signature)
	require.Equal(int32(1), user.prompts.Load())

	_, ok, err := env.store.Get(context.Background(), CacheKey(env.snap.Instance.ID(), user.Address(), contracts))
	require.NoError(err)
	require.True(ok)
}

func TestAuthorizationCovers(t *testing.T) {
	auth := &Authorization{ContractAddresses: []common.Address{contractA, contractB}}
	require.True(t, auth.Covers([]common.Address{contractB}))
	require.False(t, auth.Covers([]common.Address{common.HexToAddress("0x03")}))
}
