// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fheclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyBackendError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		rejected  bool
	}{
		{
			name:      "relayer status",
			err:       errors.New("Relayer didn't respond correctly. Bad status 502"),
			transient: true,
		},
		{
			name:      "backend connection",
			err:       errors.New("Backend connection reset"),
			transient: true,
		},
		{
			name:      "network error",
			err:       &net.DNSError{Err: "no such host", Name: "relayer.invalid"},
			transient: true,
		},
		{
			name:      "deadline",
			err:       fmt.Errorf("encrypt: %w", context.DeadlineExceeded),
			transient: true,
		},
		{
			name: "canceled",
			err:  context.Canceled,
		},
		{
			name: "validation",
			err:  fmt.Errorf("%w: relayer rejected the proof", ErrValidation),
		},
		{
			name: "expired",
			err:  ErrAuthorizationExpired,
		},
		{
			name:     "provider rejection",
			err:      &Error{Code: CodeUserRejected, Message: "denied"},
			rejected: true,
		},
		{
			name:     "ethers rejection",
			err:      errors.New("ACTION_REJECTED: user rejected transaction"),
			rejected: true,
		},
		{
			name: "permanent",
			err:  errors.New("invalid contract address"),
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require := require.New(t)

			classified := ClassifyBackendError(test.err)
			require.ErrorIs(classified, test.err)
			require.Equal(test.transient, errors.Is(classified, ErrBackendUnavailable))
			require.Equal(test.transient, IsTransient(test.err))
			require.Equal(test.rejected, IsUserRejected(test.err))
			if test.rejected {
				require.ErrorIs(classified, ErrUserRejected)
			}
		})
	}
	require.NoError(t, ClassifyBackendError(nil))
}

func TestProviderError(t *testing.T) {
	require := require.New(t)

	rejected := fmt.Errorf("sign: %w", &Error{Code: CodeUserRejected, Message: "User denied message signature."})
	require.ErrorIs(rejected, ErrUserRejected)
	require.NotErrorIs(rejected, ErrSignerUnavailable)

	for _, code := range []int32{CodeUnauthorized, CodeDisconnected, CodeChainDisconnected} {
		err := &Error{Code: code, Message: "disconnected"}
		require.ErrorIs(err, ErrSignerUnavailable)
		require.False(IsUserRejected(err))
	}

	internal := &Error{Code: CodeInternalRPCFailure, Message: "execution reverted"}
	require.NotErrorIs(internal, ErrUserRejected)
	require.NotErrorIs(internal, ErrSignerUnavailable)
	require.Equal(int(CodeInternalRPCFailure), internal.ErrorCode())
	require.Equal("provider error -32603: execution reverted", internal.Error())
}

func TestKind(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{nil, "none"},
		{Range{Min: 1, Max: 10}.Validate(0), "validation"},
		{ErrNoContracts, "validation"},
		{&Error{Code: CodeUserRejected}, "user_rejected"},
		{&Error{Code: CodeDisconnected}, "signer_unavailable"},
		{fmt.Errorf("decrypt: %w", ErrAuthorizationExpired), "authorization_expired"},
		{fmt.Errorf("%w: disk full", ErrPersistence), "persistence"},
		{ErrSessionNotReady, "session_not_ready"},
		{ErrSuperseded, "superseded"},
		{errors.New("bad status 503"), "backend_unavailable"},
		{errors.New("boom"), "other"},
	}
	for _, test := range tests {
		require.Equal(t, test.expected, Kind(test.err), "%v", test.err)
	}
}
