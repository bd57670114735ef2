// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/alexliesenfeld/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/luxfi/fheclient/config"
	"github.com/luxfi/fheclient/healthcheck"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// app is shared by every subcommand once the root command parsed the
// configuration.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "fhedemo",
		Short: "Confidential water intake tracker",
		Long: `fhedemo adds encrypted daily water intake values to a WaterIntake
contract and decrypts the running total with a signed authorization.`,
		Version:       fmt.Sprintf("%s (built %s)", version, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	fs := config.BuildFlagSet()
	// cobra owns --help and --version
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name != config.HelpKey && f.Name != config.VersionKey {
			cmd.PersistentFlags().AddFlag(f)
		}
	})

	cmd.AddCommand(newSimulateCmd(a))
	cmd.AddCommand(newServeRelayerCmd(a))
	cmd.AddCommand(newAddressCmd(a))
	cmd.AddCommand(newAddIntakeCmd(a))
	cmd.AddCommand(newDecryptCmd(a))
	return cmd
}

func (a *app) load(cmd *cobra.Command) error {
	v, err := config.BuildViper(cmd.Flags())
	if err != nil {
		return fmt.Errorf("couldn't configure flags: %w", err)
	}
	cfg, err := config.NewConfig(v)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	a.registry = prometheus.NewRegistry()
	a.logger.Debug("Initialized config", zap.Any("config", cfg))
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// serveMetrics exposes the registry and checks on the configured port until
// the server is closed.
func (a *app) serveMetrics(checks ...health.Check) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.Handle("/health", healthcheck.NewHandler(checks...))
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server stopped", zap.Error(err))
		}
	}()
	a.logger.Info("Serving metrics", zap.Uint16("port", a.cfg.MetricsPort))
	return server
}
