// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fheclient

import (
	"errors"
	"fmt"
)

// StatusMessage renders a terminal error for the user. Transient causes tell
// the user to wait and retry; permanent ones tell them to change their input,
// network or wallet.
func StatusMessage(action string, err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOutOfRange):
		return fmt.Sprintf("%s: %v", action, err)
	case errors.Is(err, ErrValidation):
		return fmt.Sprintf("%s: invalid input: %v", action, err)
	case IsUserRejected(err):
		return fmt.Sprintf("%s was cancelled in the wallet. Try again when you are ready.", action)
	case errors.Is(err, ErrSignerUnavailable):
		return fmt.Sprintf("%s failed: the wallet is not reachable. Reconnect your wallet and try again.", action)
	case errors.Is(err, ErrAuthorizationExpired):
		return fmt.Sprintf("%s failed: the decryption signature expired. Decrypt again to sign a new one.", action)
	case errors.Is(err, ErrSessionNotReady):
		return fmt.Sprintf("%s skipped: the encryption backend is not ready yet.", action)
	case IsTransient(err):
		return fmt.Sprintf("%s failed: the encryption relayer is temporarily unavailable. "+
			"Wait a few moments and try again, or switch to the local network.", action)
	default:
		return fmt.Sprintf("%s failed: %v", action, err)
	}
}
