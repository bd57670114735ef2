// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

// Package intake is the view model of the confidential water-intake log. It
// tracks the user's encrypted total and day count, decrypts them on request
// and submits new daily intakes.
package intake

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/luxfi/fheclient"
	"github.com/luxfi/fheclient/backend"
	"github.com/luxfi/fheclient/chain"
	"github.com/luxfi/fheclient/contract"
	"github.com/luxfi/fheclient/orchestrator"
	"github.com/luxfi/fheclient/session"
	"github.com/luxfi/fheclient/signer"
)

var (
	ErrBusy        = errors.New("another operation is in progress")
	ErrNotDeployed = errors.New("WaterIntake not deployed")
)

// Activity is the single operation a Tracker may be running.
type Activity uint8

const (
	Idle Activity = iota
	Refreshing
	Decrypting
	Adding
)

func (a Activity) String() string {
	switch a {
	case Idle:
		return "idle"
	case Refreshing:
		return "refreshing"
	case Decrypting:
		return "decrypting"
	case Adding:
		return "adding"
	default:
		return fmt.Sprintf("activity(%d)", uint8(a))
	}
}

// Sessions is the view of the encrypted session the tracker needs.
type Sessions interface {
	Snapshot() session.Snapshot
}

// Config wires a Tracker to its collaborators.
type Config struct {
	Registry *contract.Registry
	// Caller serves the view calls.
	Caller ethereum.ContractCaller
	// Transactor sends addDailyIntake as the user.
	Transactor chain.Transactor
	// Signer signs decryption authorizations. It must be the same account as
	// Transactor.
	Signer signer.Signer
	Range  fheclient.Range
}

// View is what a UI renders.
type View struct {
	ChainID    uint64
	Contract   common.Address
	IsDeployed bool
	Activity   Activity
	CanRefresh bool
	CanDecrypt bool
	CanAdd     bool
	Message    string

	TotalHandle    fheclient.Handle
	DayCountHandle fheclient.Handle
	// Decrypted is set when both values are known for the latest handles.
	// Total, DayCount and Average are only meaningful then.
	Decrypted bool
	Total     uint64
	DayCount  uint64
	Average   uint64
}

type Tracker struct {
	logger   *zap.Logger
	sessions Sessions
	orch     *orchestrator.Orchestrator
	cfg      Config
	reader   *chain.Reader

	lock     sync.Mutex
	activity Activity
	message  string
	// chainID the handles were read on
	chainID  uint64
	fetched  bool
	total    fheclient.Handle
	dayCount fheclient.Handle
	clear    map[fheclient.Handle]fheclient.ClearValue
}

func NewTracker(logger *zap.Logger, sessions Sessions, orch *orchestrator.Orchestrator, cfg Config) *Tracker {
	if cfg.Range == (fheclient.Range{}) {
		cfg.Range = orchestrator.DefaultRange
	}
	return &Tracker{
		logger:   logger,
		sessions: sessions,
		orch:     orch,
		cfg:      cfg,
		reader:   chain.NewReader(cfg.Caller),
		clear:    make(map[fheclient.Handle]fheclient.ClearValue),
	}
}

func (t *Tracker) user() common.Address {
	if t.cfg.Signer != nil {
		return t.cfg.Signer.Address()
	}
	if t.cfg.Transactor != nil {
		return t.cfg.Transactor.From()
	}
	return common.Address{}
}

func (t *Tracker) deployment(chainID uint64) (contract.Deployment, bool) {
	if t.cfg.Registry == nil {
		return contract.Deployment{ChainID: chainID}, false
	}
	return t.cfg.Registry.Lookup(chainID)
}

func notDeployedMessage(chainID uint64) string {
	return fmt.Sprintf("WaterIntake deployment not found for chainId=%d.", chainID)
}

// begin claims the activity slot. It also resolves the deployment so that
// every operation fails the same way on an unsupported chain.
func (t *Tracker) begin(a Activity, snap session.Snapshot) (contract.Deployment, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	d, ok := t.deployment(snap.ChainID)
	if !ok {
		t.message = notDeployedMessage(snap.ChainID)
		return d, fmt.Errorf("%w: chainId=%d", ErrNotDeployed, snap.ChainID)
	}
	if t.activity != Idle {
		return d, fmt.Errorf("%w: %s", ErrBusy, t.activity)
	}
	if t.chainID != snap.ChainID {
		t.resetLocked(snap.ChainID)
	}
	t.activity = a
	return d, nil
}

func (t *Tracker) end(message string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.activity = Idle
	t.message = message
}

func (t *Tracker) resetLocked(chainID uint64) {
	t.chainID = chainID
	t.fetched = false
	t.total = fheclient.ZeroHandle
	t.dayCount = fheclient.ZeroHandle
	t.clear = make(map[fheclient.Handle]fheclient.ClearValue)
}

// finish ends the activity and renders err for the user. Results of a
// superseded session are dropped without a message.
func (t *Tracker) finish(action string, err error, success string) error {
	switch {
	case err == nil:
		t.end(success)
	case errors.Is(err, fheclient.ErrSuperseded):
		t.logger.Debug("Discarding superseded result", zap.String("action", action))
		t.end("")
	default:
		t.logger.Warn("Water intake operation failed",
			zap.String("action", action),
			zap.Error(err),
		)
		t.end(fheclient.StatusMessage(action, err))
	}
	return err
}

// Refresh reads the latest total and day count handles.
func (t *Tracker) Refresh(ctx context.Context) error {
	snap := t.sessions.Snapshot()
	d, err := t.begin(Refreshing, snap)
	if err != nil {
		return err
	}
	return t.finish("Refresh", t.refresh(ctx, snap, d), "")
}

func (t *Tracker) refresh(ctx context.Context, snap session.Snapshot, d contract.Deployment) error {
	handles, err := t.orch.FetchCiphertextHandles(
		ctx,
		snap,
		orchestrator.Contract{
			Address: d.Address,
			ABI:     contract.WaterIntakeABI(),
			Reader:  t.reader,
		},
		t.user(),
		contract.MethodGetTotalIntake,
		contract.MethodGetDayCount,
	)
	if err != nil {
		return err
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	t.fetched = true
	t.total = handles[contract.MethodGetTotalIntake]
	t.dayCount = handles[contract.MethodGetDayCount]
	return nil
}

// Decrypt decrypts the latest handles with a single authorization prompt at
// most.
func (t *Tracker) Decrypt(ctx context.Context) error {
	snap := t.sessions.Snapshot()
	d, err := t.begin(Decrypting, snap)
	if err != nil {
		return err
	}

	t.lock.Lock()
	pairs := []backend.HandleContractPair{
		{Handle: t.total, Contract: d.Address},
		{Handle: t.dayCount, Contract: d.Address},
	}
	t.lock.Unlock()

	values, err := t.orch.DecryptWithReauth(ctx, snap, t.cfg.Signer, pairs)
	if err == nil {
		t.lock.Lock()
		for h, v := range values {
			t.clear[h] = v
		}
		t.lock.Unlock()
	}
	return t.finish("Decryption", err, "")
}

// AddIntake records ml for today and refreshes the handles.
func (t *Tracker) AddIntake(ctx context.Context, ml uint64) error {
	if err := t.cfg.Range.Validate(ml); err != nil {
		t.lock.Lock()
		t.message = fheclient.StatusMessage("Add intake", err)
		t.lock.Unlock()
		return err
	}
	snap := t.sessions.Snapshot()
	d, err := t.begin(Adding, snap)
	if err != nil {
		return err
	}
	if t.cfg.Transactor == nil {
		return t.finish("Add intake", fheclient.ErrSignerUnavailable, "")
	}

	submit := func(ctx context.Context, input *backend.EncryptedInput) (chain.PendingTx, error) {
		data, err := contract.PackAddDailyIntake(input.Handles[0], input.InputProof)
		if err != nil {
			return nil, err
		}
		return t.cfg.Transactor.Send(ctx, d.Address, data)
	}
	receipt, err := t.orch.SubmitEncryptedValue(ctx, snap, d.Address, t.cfg.Transactor.From(), ml, submit)
	if err != nil {
		return t.finish("Add intake", err, "")
	}
	t.logger.Info("Added daily intake",
		zap.Uint64("chainID", snap.ChainID),
		zap.Stringer("txID", receipt.TxHash),
	)

	// Hand the activity over to the refresh.
	t.lock.Lock()
	t.activity = Refreshing
	t.lock.Unlock()
	return t.finish("Refresh", t.refresh(ctx, snap, d), fmt.Sprintf("Added %d ml.", ml))
}

// View returns the current state for rendering.
func (t *Tracker) View() View {
	snap := t.sessions.Snapshot()
	d, deployed := t.deployment(snap.ChainID)

	t.lock.Lock()
	defer t.lock.Unlock()

	v := View{
		ChainID:    snap.ChainID,
		Contract:   d.Address,
		IsDeployed: deployed,
		Activity:   t.activity,
		Message:    t.message,
	}
	if !deployed {
		if snap.ChainID != 0 {
			v.Message = notDeployedMessage(snap.ChainID)
		}
		return v
	}

	idle := t.activity == Idle
	canSign := snap.Ready() && t.cfg.Signer != nil
	v.CanRefresh = idle
	v.CanAdd = idle && canSign && t.cfg.Transactor != nil

	if !t.fetched || t.chainID != snap.ChainID {
		return v
	}
	v.TotalHandle = t.total
	v.DayCountHandle = t.dayCount

	total, totalOK := t.valueLocked(t.total)
	days, daysOK := t.valueLocked(t.dayCount)
	v.CanDecrypt = idle && canSign && (!totalOK || !daysOK)
	if totalOK && daysOK {
		v.Decrypted = true
		v.Total = total
		v.DayCount = days
		v.Average = Average(total, days)
	}
	return v
}

// valueLocked returns the clear value for the latest handle h. A zero handle
// reads as 0.
func (t *Tracker) valueLocked(h fheclient.Handle) (uint64, bool) {
	if h.IsZero() {
		return 0, true
	}
	c, ok := t.clear[h]
	if !ok || !c.IsCurrent(h) {
		return 0, false
	}
	return c.Uint64(), true
}

// Average returns total/days rounded half up, or 0 when no day was recorded.
func Average(total, days uint64) uint64 {
	if days == 0 {
		return 0
	}
	return (2*total + days) / (2 * days)
}
