// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luxfi/fheclient/authorization"
	"github.com/luxfi/fheclient/backend"
	"github.com/luxfi/fheclient/contract"
	"github.com/luxfi/fheclient/healthcheck"
	"github.com/luxfi/fheclient/intake"
	"github.com/luxfi/fheclient/orchestrator"
	"github.com/luxfi/fheclient/session"
	"github.com/luxfi/fheclient/signer"
	"github.com/luxfi/fheclient/store"
)

var simulatedIntakeAddress = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

// simClock is a clock the simulation advances a day at a time.
type simClock struct {
	lock sync.Mutex
	now  time.Time
}

func (c *simClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *simClock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

// localWallet identifies the simulated user to the session.
type localWallet struct{}

func (*localWallet) Provider() any { return nil }

func newSimulateCmd(a *app) *cobra.Command {
	var (
		values       []uint
		serveMetrics bool
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the intake flow against an in-process chain",
		Long: `Deploys a simulated WaterIntake contract on the local chain, adds one
encrypted value per simulated day and decrypts the totals after each day.

Example:
  fhedemo simulate --ml 500 --ml 250`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ml := make([]uint64, len(values))
			for n, v := range values {
				ml[n] = uint64(v)
			}
			return a.simulate(cmd.Context(), cmd.OutOrStdout(), ml, serveMetrics)
		},
	}
	cmd.Flags().UintSliceVar(&values, "ml", []uint{500, 250}, "Intake in ml for each simulated day")
	cmd.Flags().BoolVar(&serveMetrics, "serve-metrics", false, "Expose metrics while the simulation runs")
	return cmd
}

func (a *app) simulate(ctx context.Context, out io.Writer, values []uint64, serveMetrics bool) error {
	clock := &simClock{now: time.Now()}
	chainID := a.cfg.LocalChainID

	b := backend.NewMemoryBackend(chainID, backend.WithClock(clock.Now))
	sim := contract.NewSimulated(simulatedIntakeAddress, b, clock.Now)
	registry := contract.NewRegistry(contract.Deployment{
		Address:   sim.Address(),
		ChainID:   chainID,
		ChainName: "simulated",
	})

	user, err := a.localSigner()
	if err != nil {
		return err
	}

	st, closeStore, err := store.New(a.cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("failed to open signature store: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			a.logger.Warn("Failed to close signature store", zap.Error(err))
		}
	}()

	sessions := session.NewManager(a.logger, &backend.Router{Mock: b}, a.cfg.SessionConfig())
	defer sessions.Close()
	sessions.Ensure(chainID, &localWallet{})
	snap, err := sessions.Wait(ctx)
	if err != nil {
		return err
	}
	if !snap.Ready() {
		return fmt.Errorf("session failed: %w", snap.Err)
	}
	if serveMetrics {
		server := a.serveMetrics(healthcheck.SessionCheck(sessions))
		defer server.Close()
	}

	authCfg := a.cfg.AuthorizationConfig()
	authCfg.Now = clock.Now
	auths := authorization.NewManager(a.logger, st, authorization.NewMetrics(a.registry), authCfg)

	orchCfg := a.cfg.OrchestratorConfig()
	orchCfg.Now = clock.Now
	orch := orchestrator.New(a.logger, sessions, auths, orchestrator.NewMetrics(a.registry), orchCfg)

	tracker := intake.NewTracker(a.logger, sessions, orch, intake.Config{
		Registry:   registry,
		Caller:     sim,
		Transactor: sim.Transactor(user.Address()),
		Signer:     user,
		Range:      a.cfg.Range(),
	})

	fmt.Fprintf(out, "user %s, contract %s on chain %d\n", user.Address(), sim.Address(), chainID)
	for day, ml := range values {
		if day > 0 {
			clock.Advance(24 * time.Hour)
		}
		prefix := fmt.Sprintf("day %d: ", day+1)
		if err := tracker.AddIntake(ctx, ml); err != nil {
			printView(out, prefix, tracker.View())
			return err
		}
		// Decrypt clears the add message on success.
		prefix += tracker.View().Message
		if err := tracker.Decrypt(ctx); err != nil {
			printView(out, prefix+" ", tracker.View())
			return err
		}
		printView(out, prefix, tracker.View())
	}
	return nil
}

func (a *app) localSigner() (*signer.LocalSigner, error) {
	if a.cfg.PrivateKey != "" {
		return signer.NewLocalSignerFromHex(a.cfg.PrivateKey)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	a.logger.Info("No private key configured, using an ephemeral account")
	return signer.NewLocalSigner(key), nil
}

func printView(out io.Writer, prefix string, v intake.View) {
	fmt.Fprintf(out, "%s%s\n", prefix, v.Message)
	if !v.IsDeployed {
		return
	}
	fmt.Fprintf(out, "  total handle:     %s\n", v.TotalHandle)
	fmt.Fprintf(out, "  day count handle: %s\n", v.DayCountHandle)
	if v.Decrypted {
		fmt.Fprintf(out, "  total %d ml over %d days, average %d ml/day\n", v.Total, v.DayCount, v.Average)
	}
}
