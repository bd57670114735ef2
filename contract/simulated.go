// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/luxfi/fheclient"
	"github.com/luxfi/fheclient/backend"
	"github.com/luxfi/fheclient/chain"
	"github.com/luxfi/fheclient/crypto/fhe"
)

const secondsPerDay = 24 * 60 * 60

var errUnknownAddress = errors.New("no contract at address")

type intakeState struct {
	total    fheclient.Handle
	dayCount fheclient.Handle
	lastDay  int64
}

var _ ethereum.ContractCaller = (*Simulated)(nil)

// Simulated executes WaterIntake in process on top of a MemoryBackend. It
// stands in for a local node in tests and demos.
type Simulated struct {
	lock    sync.Mutex
	address common.Address
	backend *backend.MemoryBackend
	now     func() time.Time

	users    map[common.Address]*intakeState
	nonce    uint64
	sent     int
	blockNum int64
}

func NewSimulated(address common.Address, b *backend.MemoryBackend, now func() time.Time) *Simulated {
	if now == nil {
		now = time.Now
	}
	return &Simulated{
		address: address,
		backend: b,
		now:     now,
		users:   make(map[common.Address]*intakeState),
	}
}

func (s *Simulated) Address() common.Address {
	return s.address
}

// Submissions returns the number of transactions received.
func (s *Simulated) Submissions() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.sent
}

// CallContract implements ethereum.ContractCaller for the view methods. The
// caller is msg.From.
func (s *Simulated) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg.To == nil || *msg.To != s.address {
		return nil, fmt.Errorf("%w: %v", errUnknownAddress, msg.To)
	}
	if len(msg.Data) < 4 {
		return nil, fmt.Errorf("calldata too short: %d bytes", len(msg.Data))
	}
	method, err := waterIntakeABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}

	s.lock.Lock()
	state := s.users[msg.From]
	s.lock.Unlock()

	var h fheclient.Handle
	switch method.Name {
	case MethodGetTotalIntake:
		if state != nil {
			h = state.total
		}
	case MethodGetDayCount:
		if state != nil {
			h = state.dayCount
		}
	default:
		return nil, fmt.Errorf("method %s is not a view", method.Name)
	}
	return method.Outputs.Pack([32]byte(h))
}

// Transactor returns a transactor that sends as user.
func (s *Simulated) Transactor(user common.Address) chain.Transactor {
	return &simulatedTransactor{contract: s, from: user}
}

func (s *Simulated) execute(ctx context.Context, from common.Address, to common.Address, data []byte) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if to != s.address {
		return nil, fmt.Errorf("%w: %s", errUnknownAddress, to)
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	s.sent++
	s.nonce++
	s.blockNum++
	receipt := &types.Receipt{
		TxHash: crypto.Keccak256Hash(
			s.address.Bytes(),
			from.Bytes(),
			uint256.NewInt(s.nonce).Bytes(),
		),
		BlockNumber: big.NewInt(s.blockNum),
		Status:      types.ReceiptStatusSuccessful,
	}
	if err := s.addDailyIntakeLocked(from, data); err != nil {
		receipt.Status = types.ReceiptStatusFailed
	}
	return receipt, nil
}

func (s *Simulated) addDailyIntakeLocked(user common.Address, data []byte) error {
	input, proof, err := UnpackAddDailyIntake(data)
	if err != nil {
		return err
	}
	if err := s.backend.FromExternal(input, proof, s.address, user); err != nil {
		return err
	}

	state, ok := s.users[user]
	if !ok {
		state = &intakeState{lastDay: -1}
	}

	total, err := s.addLocked(state.total, input)
	if err != nil {
		return err
	}

	dayCount := state.dayCount
	today := s.now().Unix() / secondsPerDay
	if today != state.lastDay {
		one, err := s.constantLocked(1)
		if err != nil {
			return err
		}
		if dayCount, err = s.addLocked(dayCount, one); err != nil {
			return err
		}
	}

	for _, h := range []fheclient.Handle{total, dayCount} {
		if err := s.backend.Allow(h, user); err != nil {
			return err
		}
	}
	state.total = total
	state.dayCount = dayCount
	state.lastDay = today
	s.users[user] = state
	return nil
}

// addLocked returns acc + v, treating an unset accumulator as zero.
func (s *Simulated) addLocked(acc, v fheclient.Handle) (fheclient.Handle, error) {
	if acc.IsZero() {
		zero, err := s.constantLocked(0)
		if err != nil {
			return fheclient.ZeroHandle, err
		}
		acc = zero
	}
	return s.backend.Evaluate(fhe.OpAdd, acc, v, s.address)
}

func (s *Simulated) constantLocked(v uint64) (fheclient.Handle, error) {
	h, err := s.backend.TrivialEncrypt(fheclient.TypeUint32, uint256.NewInt(v))
	if err != nil {
		return fheclient.ZeroHandle, err
	}
	return h, s.backend.Allow(h, s.address)
}

type simulatedTransactor struct {
	contract *Simulated
	from     common.Address
}

func (t *simulatedTransactor) From() common.Address {
	return t.from
}

func (t *simulatedTransactor) Send(ctx context.Context, to common.Address, data []byte) (chain.PendingTx, error) {
	receipt, err := t.contract.execute(ctx, t.from, to, data)
	if err != nil {
		return nil, err
	}
	return minedTx{receipt: receipt}, nil
}

type minedTx struct {
	receipt *types.Receipt
}

func (m minedTx) Hash() common.Hash {
	return m.receipt.TxHash
}

func (m minedTx) Wait(ctx context.Context) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.receipt, nil
}
