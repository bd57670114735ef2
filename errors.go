// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fheclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrValidation is the parent of every local input error. Validation
	// errors are raised before any backend, signer or chain call.
	ErrValidation  = errors.New("validation failed")
	ErrOutOfRange  = fmt.Errorf("%w: value out of range", ErrValidation)
	ErrNoContracts = fmt.Errorf("%w: no contract addresses", ErrValidation)

	ErrUserRejected         = errors.New("user rejected the request")
	ErrSignerUnavailable    = errors.New("signer unavailable")
	ErrBackendUnavailable   = errors.New("backend unavailable")
	ErrAuthorizationExpired = errors.New("decryption authorization expired")
	ErrPersistence          = errors.New("signature store failure")
	ErrSessionNotReady      = errors.New("encrypted session not ready")

	// ErrSuperseded is returned by operations whose session was replaced
	// while they were in flight. Their results are discarded.
	ErrSuperseded = errors.New("session superseded")
)

// EIP-1193 provider error codes
const (
	CodeUserRejected       int32 = 4001
	CodeUnauthorized       int32 = 4100
	CodeUnsupportedMethod  int32 = 4200
	CodeDisconnected       int32 = 4900
	CodeChainDisconnected  int32 = 4901
	CodeInternalRPCFailure int32 = -32603
)

var _ rpc.Error = (*Error)(nil)

// Error is a coded error reported by a wallet provider
type Error struct {
	Code    int32
	Message string
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

// ErrorCode implements rpc.Error
func (e *Error) ErrorCode() int {
	return int(e.Code)
}

// Is matches coded errors against the taxonomy so that errors.Is works on
// raw provider errors.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUserRejected:
		return e.Code == CodeUserRejected
	case ErrSignerUnavailable:
		return e.Code == CodeDisconnected || e.Code == CodeChainDisconnected || e.Code == CodeUnauthorized
	}
	return false
}

// Messages the relayer and its SDK use for failures that clear up on their own.
var transientMarkers = []string{
	"relayer",
	"backend connection",
	"bad status",
	"failed to check contract code",
	"service unavailable",
	"connection refused",
}

var rejectionMarkers = []string{
	"action_rejected",
	"user rejected",
	"user denied",
}

// IsUserRejected reports whether err means the user declined a wallet prompt.
func IsUserRejected(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUserRejected) {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == int(CodeUserRejected) {
		return true
	}
	return containsAny(err.Error(), rejectionMarkers)
}

// ClassifyBackendError maps a raw backend failure onto the taxonomy. Errors
// that already belong to it are returned untouched; connection and
// service-availability failures are wrapped with ErrBackendUnavailable.
// Anything else is returned as is and treated as permanent.
func ClassifyBackendError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrBackendUnavailable),
		errors.Is(err, ErrAuthorizationExpired),
		errors.Is(err, ErrValidation),
		errors.Is(err, context.Canceled):
		return err
	case IsUserRejected(err):
		if errors.Is(err, ErrUserRejected) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrUserRejected, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		containsAny(err.Error(), transientMarkers) {
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	return err
}

// IsTransient reports whether err is expected to clear up on retry.
func IsTransient(err error) bool {
	return errors.Is(ClassifyBackendError(err), ErrBackendUnavailable)
}

// Kind returns a short, stable label for err, suitable for metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrValidation):
		return "validation"
	case IsUserRejected(err):
		return "user_rejected"
	case errors.Is(err, ErrSignerUnavailable):
		return "signer_unavailable"
	case errors.Is(err, ErrAuthorizationExpired):
		return "authorization_expired"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrSessionNotReady):
		return "session_not_ready"
	case errors.Is(err, ErrSuperseded):
		return "superseded"
	case IsTransient(err):
		return "backend_unavailable"
	default:
		return "other"
	}
}

func containsAny(s string, markers []string) bool {
	s = strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
