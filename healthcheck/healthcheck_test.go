// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package healthcheck

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/luxfi/fheclient"
	"github.com/luxfi/fheclient/backend"
	"github.com/luxfi/fheclient/session"
)

type staticSessions session.Snapshot

func (s staticSessions) Snapshot() session.Snapshot {
	return session.Snapshot(s)
}

type wallet struct{}

func (*wallet) Provider() any { return nil }

func status(t *testing.T, h http.Handler) int {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	return rec.Code
}

func TestSessionCheck(t *testing.T) {
	ctx := context.Background()

	err := SessionCheck(staticSessions{State: session.Loading}).Check(ctx)
	require.ErrorIs(t, err, fheclient.ErrSessionNotReady)

	failed := errors.New("backend connection lost")
	err = SessionCheck(staticSessions{State: session.Error, Err: failed}).Check(ctx)
	require.ErrorIs(t, err, failed)

	b := backend.NewMemoryBackend(session.DefaultLocalChainID)
	m := session.NewManager(zap.NewNop(), b, session.DefaultConfig())
	defer m.Close()
	m.Ensure(session.DefaultLocalChainID, &wallet{})
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = m.Wait(waitCtx)
	require.NoError(t, err)
	require.NoError(t, SessionCheck(m).Check(ctx))
}

func TestHandler(t *testing.T) {
	b := backend.NewMemoryBackend(session.DefaultLocalChainID)

	require.Equal(t, http.StatusOK, status(t, NewHandler(BackendCheck(b, session.DefaultLocalChainID))))
	require.Equal(t, http.StatusServiceUnavailable, status(t, NewHandler(
		BackendCheck(b, session.DefaultLocalChainID),
		SessionCheck(staticSessions{State: session.Idle}),
	)))
}
