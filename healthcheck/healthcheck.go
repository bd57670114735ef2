// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package healthcheck

import (
	"context"
	"fmt"
	"net/http"

	"github.com/alexliesenfeld/health"

	"github.com/luxfi/fheclient"
	"github.com/luxfi/fheclient/backend"
	"github.com/luxfi/fheclient/session"
)

// NewHandler reports healthy while every check passes.
func NewHandler(checks ...health.Check) http.Handler {
	opts := make([]health.CheckerOption, 0, len(checks))
	for _, check := range checks {
		opts = append(opts, health.WithCheck(check))
	}
	return health.NewHandler(health.NewChecker(opts...))
}

// Sessions is the part of a session manager the check reads.
type Sessions interface {
	Snapshot() session.Snapshot
}

// SessionCheck fails unless the encrypted session is ready.
func SessionCheck(sessions Sessions) health.Check {
	return health.Check{
		Name: "encrypted-session",
		Check: func(context.Context) error {
			snap := sessions.Snapshot()
			switch {
			case snap.Ready():
				return nil
			case snap.Err != nil:
				return snap.Err
			default:
				return fmt.Errorf("%w: %s", fheclient.ErrSessionNotReady, snap.State)
			}
		},
	}
}

// BackendCheck fails unless factory can serve chainID.
func BackendCheck(factory backend.Factory, chainID uint64) health.Check {
	return health.Check{
		Name: "fhe-backend",
		Check: func(ctx context.Context) error {
			_, err := factory.NewInstance(ctx, backend.Network{ChainID: chainID, Mock: true})
			return err
		},
	}
}
