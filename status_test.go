// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fheclient

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name: "success",
		},
		{
			name:     "out of range",
			err:      Range{Min: 1, Max: 10000}.Validate(0),
			expected: "Add intake: validation failed: value out of range: 0 not in [1, 10000]",
		},
		{
			name:     "rejected",
			err:      &Error{Code: CodeUserRejected},
			expected: "Add intake was cancelled in the wallet. Try again when you are ready.",
		},
		{
			name:     "signer gone",
			err:      fmt.Errorf("sign: %w", ErrSignerUnavailable),
			expected: "Add intake failed: the wallet is not reachable. Reconnect your wallet and try again.",
		},
		{
			name:     "not ready",
			err:      ErrSessionNotReady,
			expected: "Add intake skipped: the encryption backend is not ready yet.",
		},
		{
			name: "transient",
			err:  errors.New("Relayer didn't respond correctly. Bad status 502"),
			expected: "Add intake failed: the encryption relayer is temporarily unavailable. " +
				"Wait a few moments and try again, or switch to the local network.",
		},
		{
			name:     "permanent",
			err:      errors.New("execution reverted"),
			expected: "Add intake failed: execution reverted",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.expected, StatusMessage("Add intake", test.err))
		})
	}
}
