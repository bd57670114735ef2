// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package backend

import (
	"context"
	"fmt"

	"github.com/luxfi/fheclient"
)

// Router sends mock networks to Mock and everything else to Remote.
type Router struct {
	Mock   Factory
	Remote Factory
}

var _ Factory = (*Router)(nil)

func (r *Router) NewInstance(ctx context.Context, network Network) (Instance, error) {
	f := r.Remote
	if network.Mock {
		f = r.Mock
	}
	if f == nil {
		return nil, fmt.Errorf("%w: no backend for chain %d (mock=%t)",
			fheclient.ErrBackendUnavailable, network.ChainID, network.Mock)
	}
	instance, err := f.NewInstance(ctx, network)
	if err != nil {
		return nil, fheclient.ClassifyBackendError(err)
	}
	return instance, nil
}
