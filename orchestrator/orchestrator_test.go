// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/luxfi/fheclient"
	"github.com/luxfi/fheclient/authorization"
	"github.com/luxfi/fheclient/backend"
	"github.com/luxfi/fheclient/chain"
	"github.com/luxfi/fheclient/contract"
	"github.com/luxfi/fheclient/session"
	"github.com/luxfi/fheclient/signer"
	"github.com/luxfi/fheclient/store"
	"github.com/luxfi/fheclient/utils"
)

const testChainID = 31337

var intakeAddress = common.HexToAddress("0x00000000000000000000000000000000000c0ffe")

type generations struct {
	gen atomic.Uint64
}

func (g *generations) Generation() uint64 {
	return g.gen.Load()
}

type testEnv struct {
	now        time.Time
	backendNow time.Time

	backend   *backend.MemoryBackend
	contract  *contract.Simulated
	snap      session.Snapshot
	gens      *generations
	timer     *utils.RecordingTimer
	metrics   *Metrics
	user      *signer.LocalSigner
	orch      *Orchestrator
	intake    Contract
	submitted int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	require := require.New(t)

	env := &testEnv{now: time.Unix(1_700_000_000, 0)}
	env.backendNow = env.now
	env.backend = backend.NewMemoryBackend(testChainID, backend.WithClock(func() time.Time { return env.backendNow }))
	env.contract = contract.NewSimulated(intakeAddress, env.backend, func() time.Time { return env.now })

	instance, err := env.backend.NewInstance(context.Background(), backend.Network{ChainID: testChainID, Mock: true})
	require.NoError(err)
	env.gens = &generations{}
	env.gens.gen.Store(1)
	env.snap = session.Snapshot{State: session.Ready, ChainID: testChainID, Instance: instance, Generation: 1}

	key, err := crypto.GenerateKey()
	require.NoError(err)
	env.user = signer.NewLocalSigner(key)

	s, err := store.NewMemoryStore(16)
	require.NoError(err)
	clock := func() time.Time { return env.now }
	auths := authorization.NewManager(zap.NewNop(), s, nil, authorization.Config{
		DurationDays: 1,
		Now:          clock,
	})

	env.timer = utils.NewRecordingTimer()
	env.metrics = NewMetrics(prometheus.NewRegistry())
	cfg := DefaultConfig()
	cfg.Timer = env.timer
	cfg.Now = clock
	env.orch = New(zap.NewNop(), env.gens, auths, env.metrics, cfg)

	env.intake = Contract{
		Address: intakeAddress,
		ABI:     contract.WaterIntakeABI(),
		Reader:  chain.NewReader(env.contract),
	}
	return env
}

func (env *testEnv) submit(ctx context.Context, input *backend.EncryptedInput) (chain.PendingTx, error) {
	env.submitted++
	data, err := contract.PackAddDailyIntake(input.Handles[0], input.InputProof)
	if err != nil {
		return nil, err
	}
	return env.contract.Transactor(env.user.Address()).Send(ctx, intakeAddress, data)
}

func (env *testEnv) add(t *testing.T, ml uint64) {
	t.Helper()
	_, err := env.orch.SubmitEncryptedValue(context.Background(), env.snap, intakeAddress, env.user.Address(), ml, env.submit)
	require.NoError(t, err)
}

func (env *testEnv) handles(t *testing.T) []backend.HandleContractPair {
	t.Helper()
	handles, err := env.orch.FetchCiphertextHandles(
		context.Background(),
		env.snap,
		env.intake,
		env.user.Address(),
		contract.MethodGetTotalIntake,
		contract.MethodGetDayCount,
	)
	require.NoError(t, err)
	return []backend.HandleContractPair{
		{Handle: handles[contract.MethodGetTotalIntake], Contract: intakeAddress},
		{Handle: handles[contract.MethodGetDayCount], Contract: intakeAddress},
	}
}

func TestSubmitRetriesTransientEncryptFailures(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	env.backend.InjectEncryptFailures(2, errors.New("Relayer didn't response correctly. Bad status"))

	receipt, err := env.orch.SubmitEncryptedValue(context.Background(), env.snap, intakeAddress, env.user.Address(), 500, env.submit)
	require.NoError(err)
	require.NoError(chain.CheckReceipt(receipt))

	require.Equal([]time.Duration{time.Second, 2 * time.Second}, env.timer.Waits())
	require.Equal(3, env.backend.EncryptCalls())
	require.Equal(1, env.submitted)
	require.Equal(1, env.contract.Submissions())
	require.InDelta(2, testutil.ToFloat64(env.metrics.encryptRetries), 0)
	require.InDelta(1, testutil.ToFloat64(env.metrics.submissions.WithLabelValues("success")), 0)
}

func TestSubmitGivesUpAfterRetries(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	env.backend.InjectEncryptFailures(3, errors.New("backend connection lost"))

	_, err := env.orch.SubmitEncryptedValue(context.Background(), env.snap, intakeAddress, env.user.Address(), 500, env.submit)
	require.ErrorIs(err, fheclient.ErrBackendUnavailable)
	require.Equal(3, env.backend.EncryptCalls())
	require.Zero(env.submitted)
}

func TestSubmitDoesNotRetryPermanentFailures(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	env.backend.InjectEncryptFailures(1, errors.New("invalid contract address"))

	_, err := env.orch.SubmitEncryptedValue(context.Background(), env.snap, intakeAddress, env.user.Address(), 500, env.submit)
	require.Error(err)
	require.Equal(1, env.backend.EncryptCalls())
	require.Empty(env.timer.Waits())
	require.Zero(env.submitted)
}

func TestSubmitValidatesBeforeAnyCall(t *testing.T) {
	tests := []struct {
		name  string
		value uint64
	}{
		{name: "zero", value: 0},
		{name: "above max", value: 10001},
		{name: "overflow", value: 1 << 40},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require := require.New(t)

			env := newTestEnv(t)
			_, err := env.orch.SubmitEncryptedValue(context.Background(), env.snap, intakeAddress, env.user.Address(), test.value, env.submit)
			require.ErrorIs(err, fheclient.ErrOutOfRange)
			require.ErrorIs(err, fheclient.ErrValidation)
			require.Zero(env.backend.EncryptCalls())
			require.Zero(env.submitted)
		})
	}
}

func TestSubmitRequiresReadySession(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.orch.SubmitEncryptedValue(
		context.Background(),
		session.Snapshot{State: session.Loading},
		intakeAddress,
		env.user.Address(),
		500,
		env.submit,
	)
	require.ErrorIs(t, err, fheclient.ErrSessionNotReady)
	require.Zero(t, env.backend.EncryptCalls())
}

func TestSubmitUserRejected(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	reject := func(context.Context, *backend.EncryptedInput) (chain.PendingTx, error) {
		return nil, &fheclient.Error{Code: fheclient.CodeUserRejected, Message: "User denied transaction signature."}
	}
	_, err := env.orch.SubmitEncryptedValue(context.Background(), env.snap, intakeAddress, env.user.Address(), 500, reject)
	require.ErrorIs(err, fheclient.ErrUserRejected)
	require.Equal(1, env.backend.EncryptCalls())
	require.InDelta(1, testutil.ToFloat64(env.metrics.submissions.WithLabelValues("user_rejected")), 0)
}

func TestSubmitReverted(t *testing.T) {
	env := newTestEnv(t)
	forged := func(ctx context.Context, input *backend.EncryptedInput) (chain.PendingTx, error) {
		input.InputProof = make([]byte, common.HashLength)
		return env.submit(ctx, input)
	}
	_, err := env.orch.SubmitEncryptedValue(context.Background(), env.snap, intakeAddress, env.user.Address(), 500, forged)
	require.ErrorIs(t, err, chain.ErrReverted)
}

func TestSubmitSuperseded(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	env.backend.InjectEncryptFailures(1, errors.New("Relayer didn't response correctly. Bad status"))
	env.gens.gen.Store(2)

	_, err := env.orch.SubmitEncryptedValue(context.Background(), env.snap, intakeAddress, env.user.Address(), 500, env.submit)
	require.ErrorIs(err, fheclient.ErrSuperseded)
	require.Zero(env.submitted)
}

func TestFetchUnsetHandles(t *testing.T) {
	env := newTestEnv(t)
	for _, pair := range env.handles(t) {
		require.True(t, pair.Handle.IsZero())
	}
}

func TestDecryptHandles(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	env.add(t, 500)

	pairs := env.handles(t)
	values, err := env.orch.DecryptWithReauth(context.Background(), env.snap, env.user, pairs)
	require.NoError(err)
	require.Len(values, 2)
	require.Equal(uint64(500), values[pairs[0].Handle].Uint64())
	require.Equal(uint64(1), values[pairs[1].Handle].Uint64())
	require.Equal(fheclient.TypeUint32, values[pairs[0].Handle].Type)
	require.Equal(1, env.backend.DecryptCalls())
	require.InDelta(2, testutil.ToFloat64(env.metrics.decryptedHandles), 0)

	// Decrypting the same handles again yields the same values.
	again, err := env.orch.DecryptWithReauth(context.Background(), env.snap, env.user, pairs)
	require.NoError(err)
	require.Equal(values, again)
}

func TestDecryptSkipsZeroHandles(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	values, err := env.orch.DecryptWithReauth(context.Background(), env.snap, env.user, env.handles(t))
	require.NoError(err)
	require.Empty(values)
	require.Zero(env.backend.DecryptCalls())

	env.add(t, 250)
	pairs := env.handles(t)
	pairs = append(pairs,
		backend.HandleContractPair{Contract: intakeAddress},
		pairs[0],
	)
	values, err = env.orch.DecryptWithReauth(context.Background(), env.snap, env.user, pairs)
	require.NoError(err)
	require.Len(values, 2)
	require.Equal(1, env.backend.DecryptCalls())
}

func TestDecryptRenewsExpiredAuthorization(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	env.add(t, 500)
	pairs := env.handles(t)

	_, err := env.orch.DecryptWithReauth(context.Background(), env.snap, env.user, pairs)
	require.NoError(err)

	// Locally the stored authorization is still valid, but the backend clock
	// is ahead and rejects it.
	env.now = env.now.Add(23 * time.Hour)
	env.backendNow = env.now.Add(2 * time.Hour)

	values, err := env.orch.DecryptWithReauth(context.Background(), env.snap, env.user, pairs)
	require.NoError(err)
	require.Equal(uint64(500), values[pairs[0].Handle].Uint64())
	require.Equal(3, env.backend.DecryptCalls())
	require.InDelta(1, testutil.ToFloat64(env.metrics.reauthorizations), 0)
}

func TestDecryptExpiredLocally(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	auth := &authorization.Authorization{
		UserAddress:       env.user.Address(),
		ContractAddresses: []common.Address{intakeAddress},
		StartTimestamp:    env.now.Add(-48 * time.Hour).Unix(),
		DurationDays:      1,
	}
	env.add(t, 500)

	_, err := env.orch.DecryptHandles(context.Background(), env.snap, auth, env.handles(t))
	require.ErrorIs(err, fheclient.ErrAuthorizationExpired)
	require.Zero(env.backend.DecryptCalls())
}

func TestDecryptRejectsUncoveredContract(t *testing.T) {
	env := newTestEnv(t)
	auth := &authorization.Authorization{
		UserAddress:       env.user.Address(),
		ContractAddresses: []common.Address{common.HexToAddress("0x01")},
		StartTimestamp:    env.now.Unix(),
		DurationDays:      1,
	}
	env.add(t, 500)

	_, err := env.orch.DecryptHandles(context.Background(), env.snap, auth, env.handles(t))
	require.ErrorIs(t, err, fheclient.ErrValidation)
	require.Zero(t, env.backend.DecryptCalls())
}

func TestDecryptSuperseded(t *testing.T) {
	require := require.New(t)

	env := newTestEnv(t)
	env.add(t, 500)
	pairs := env.handles(t)

	env.gens.gen.Store(2)
	_, err := env.orch.DecryptWithReauth(context.Background(), env.snap, env.user, pairs)
	require.ErrorIs(err, fheclient.ErrSuperseded)

	_, err = env.orch.FetchCiphertextHandles(context.Background(), env.snap, env.intake, env.user.Address(), contract.MethodGetTotalIntake)
	require.ErrorIs(err, fheclient.ErrSuperseded)
}
