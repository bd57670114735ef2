// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luxfi/fheclient/backend"
	"github.com/luxfi/fheclient/backend/relayer"
	"github.com/luxfi/fheclient/healthcheck"
)

const shutdownTimeout = 5 * time.Second

func newServeRelayerCmd(a *app) *cobra.Command {
	var port uint16
	cmd := &cobra.Command{
		Use:   "serve-relayer",
		Short: "Serve the relayer API from an in-process backend",
		Long: `Serves the relayer API for --chain-id from an in-memory coprocessor.
Ciphertexts live only as long as the process. Metrics and health checks
are served on the same port.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serveRelayer(ctx, port)
		},
	}
	cmd.Flags().Uint16Var(&port, "port", 8080, "Port to listen on")
	return cmd
}

func (a *app) serveRelayer(ctx context.Context, port uint16) error {
	b := backend.NewMemoryBackend(a.cfg.ChainID)

	mux := http.NewServeMux()
	mux.Handle("/v1/", relayer.NewHandler(a.logger, b))
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.Handle("/health", healthcheck.NewHandler(healthcheck.BackendCheck(b, a.cfg.ChainID)))
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		a.logger.Info("Serving relayer API",
			zap.Uint16("port", port),
			zap.Uint64("chainID", a.cfg.ChainID),
			zap.Stringer("instanceID", b.Instance().ID()),
		)
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down relayer API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
