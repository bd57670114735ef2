// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luxfi/fheclient/authorization"
	"github.com/luxfi/fheclient/backend"
	"github.com/luxfi/fheclient/backend/relayer"
	"github.com/luxfi/fheclient/chain"
	"github.com/luxfi/fheclient/contract"
	"github.com/luxfi/fheclient/intake"
	"github.com/luxfi/fheclient/orchestrator"
	"github.com/luxfi/fheclient/session"
	"github.com/luxfi/fheclient/signer"
	"github.com/luxfi/fheclient/store"
)

var (
	errMissingRPCURL      = errors.New("rpc-url is required")
	errMissingRelayerURL  = errors.New("relayer-url is required")
	errMissingPrivateKey  = errors.New("private-key is required")
	errMissingDeployments = errors.New("deployments-file is required")
)

// rpcWallet hands the node connection to the backend on remote networks.
type rpcWallet struct {
	client *ethclient.Client
}

func (w *rpcWallet) Provider() any { return w.client }

// remote is a tracker bound to a live chain and relayer.
type remote struct {
	tracker *intake.Tracker
	closers []func()
}

func (r *remote) Close() {
	for n := len(r.closers) - 1; n >= 0; n-- {
		r.closers[n]()
	}
}

func (a *app) deployments() (*contract.Registry, error) {
	if a.cfg.DeploymentsFile == "" {
		return nil, errMissingDeployments
	}
	data, err := os.ReadFile(a.cfg.DeploymentsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read deployments: %w", err)
	}
	return contract.ParseRegistry(data)
}

func (a *app) dialRemote(ctx context.Context) (*remote, error) {
	switch {
	case a.cfg.RPCURL == "":
		return nil, errMissingRPCURL
	case a.cfg.RelayerURL == "":
		return nil, errMissingRelayerURL
	case a.cfg.PrivateKey == "":
		return nil, errMissingPrivateKey
	}
	registry, err := a.deployments()
	if err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(a.cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	r := &remote{}
	client, err := chain.Dial(ctx, a.cfg.RPCURL)
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, client.Close)

	transactor, err := chain.NewKeyedTransactor(ctx, a.logger, client, key)
	if err != nil {
		r.Close()
		return nil, err
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}

	st, closeStore, err := store.New(a.cfg.StoreConfig())
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to open signature store: %w", err)
	}
	r.closers = append(r.closers, func() {
		if err := closeStore(); err != nil {
			a.logger.Warn("Failed to close signature store", zap.Error(err))
		}
	})

	rc := relayer.NewClient(a.logger, nil, a.cfg.RelayerURL)
	sessions := session.NewManager(a.logger, &backend.Router{Mock: rc, Remote: rc}, a.cfg.SessionConfig())
	r.closers = append(r.closers, sessions.Close)
	sessions.Ensure(chainID.Uint64(), &rpcWallet{client: client})
	snap, err := sessions.Wait(ctx)
	if err != nil {
		r.Close()
		return nil, err
	}
	if !snap.Ready() {
		r.Close()
		return nil, fmt.Errorf("session failed: %w", snap.Err)
	}

	auths := authorization.NewManager(a.logger, st, authorization.NewMetrics(a.registry), a.cfg.AuthorizationConfig())
	orch := orchestrator.New(a.logger, sessions, auths, orchestrator.NewMetrics(a.registry), a.cfg.OrchestratorConfig())
	r.tracker = intake.NewTracker(a.logger, sessions, orch, intake.Config{
		Registry:   registry,
		Caller:     client,
		Transactor: transactor,
		Signer:     signer.NewLocalSigner(key),
		Range:      a.cfg.Range(),
	})
	return r, nil
}

func newAddressCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Print the WaterIntake deployment for --chain-id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry, err := a.deployments()
			if err != nil {
				return err
			}
			d, ok := registry.Lookup(a.cfg.ChainID)
			if !ok {
				return fmt.Errorf("%w: chainId=%d", intake.ErrNotDeployed, a.cfg.ChainID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s, chainId=%d)\n", d.Address, d.ChainName, d.ChainID)
			return nil
		},
	}
}

func newAddIntakeCmd(a *app) *cobra.Command {
	var ml uint64
	cmd := &cobra.Command{
		Use:   "add-intake",
		Short: "Encrypt and add today's intake",
		Long: `Encrypts --ml with the relayer and submits it to the WaterIntake
contract of the connected chain.

Example:
  fhedemo add-intake --rpc-url http://localhost:8545 --relayer-url http://localhost:8080 --ml 500`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.dialRemote(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			err = r.tracker.AddIntake(cmd.Context(), ml)
			printView(cmd.OutOrStdout(), "", r.tracker.View())
			return err
		},
	}
	cmd.Flags().Uint64Var(&ml, "ml", 0, "Intake in ml")
	_ = cmd.MarkFlagRequired("ml")
	return cmd
}

func newDecryptCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt the total and day count",
		Long: `Reads the encrypted total and day count of the configured account and
decrypts them. A decryption authorization is signed once and reused from the
signature store until it expires.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.dialRemote(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Close()

			if err := r.tracker.Refresh(cmd.Context()); err != nil {
				printView(cmd.OutOrStdout(), "", r.tracker.View())
				return err
			}
			err = r.tracker.Decrypt(cmd.Context())
			printView(cmd.OutOrStdout(), "", r.tracker.View())
			return err
		},
	}
}
