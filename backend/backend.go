// Copyright (C) 2019-2025, Lux Partners Limited. All rights reserved.
// See the file LICENSE for licensing terms.

package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"

	"github.com/luxfi/fheclient"
	"github.com/luxfi/fheclient/crypto/eip712"
	"github.com/luxfi/fheclient/crypto/fhe"
)

const secondsPerDay = 24 * 60 * 60

// DefaultDecryptionContract is the verifying contract of the mock
// coprocessor's EIP-712 domain.
var DefaultDecryptionContract = common.HexToAddress("0x5ffdaAB0373E62E2ea2944776209aEf29E631A64")

var (
	ErrUnknownHandle     = errors.New("unknown handle")
	ErrInvalidProof      = errors.New("invalid input proof")
	ErrNotAllowed        = errors.New("address not allowed to access handle")
	ErrInvalidSigner     = errors.New("signature does not match user")
	ErrWrongChain        = errors.New("backend not deployed on chain")
	ErrContractNotSigned = errors.New("contract not covered by authorization")
)

type proofRecord struct {
	contract common.Address
	user     common.Address
	handles  set.Set[fheclient.Handle]
}

// MemoryBackend is an in-process coprocessor. It keeps ciphertexts in clear
// form, enforces the same ACL and authorization rules as a real deployment,
// and seals decrypted values to the requester's ephemeral key.
type MemoryBackend struct {
	mu      sync.RWMutex
	chainID uint64
	domain  eip712.Domain
	id      ids.ID
	now     func() time.Time

	nonce  uint64
	values map[fheclient.Handle]fhe.Ciphertext
	acl    map[fheclient.Handle]set.Set[common.Address]
	proofs map[common.Hash]proofRecord

	encryptFailures int
	encryptErr      error
	encryptCalls    int
	decryptCalls    int
}

// MemoryOption configures a MemoryBackend
type MemoryOption func(*MemoryBackend)

// WithClock replaces the clock used for authorization windows.
func WithClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBackend) {
		b.now = now
	}
}

// WithDecryptionContract sets the verifying contract of the EIP-712 domain.
func WithDecryptionContract(addr common.Address) MemoryOption {
	return func(b *MemoryBackend) {
		b.domain.VerifyingContract = addr
	}
}

// NewMemoryBackend creates a new memory backend for chainID
func NewMemoryBackend(chainID uint64, opts ...MemoryOption) *MemoryBackend {
	b := &MemoryBackend{
		chainID: chainID,
		domain: eip712.Domain{
			ChainID:           chainID,
			VerifyingContract: DefaultDecryptionContract,
		},
		now:    time.Now,
		values: make(map[fheclient.Handle]fhe.Ciphertext),
		acl:    make(map[fheclient.Handle]set.Set[common.Address]),
		proofs: make(map[common.Hash]proofRecord),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.id = ids.ID(crypto.Keccak256Hash(
		[]byte("mock-coprocessor"),
		uint256.NewInt(chainID).Bytes(),
		b.domain.VerifyingContract.Bytes(),
	))
	return b
}

// NewInstance implements Factory. The instance shares this backend's state.
func (b *MemoryBackend) NewInstance(ctx context.Context, network Network) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if network.ChainID != b.chainID {
		return nil, fmt.Errorf("%w: %d", ErrWrongChain, network.ChainID)
	}
	return b.Instance(), nil
}

// Instance returns an instance sharing this backend's state.
func (b *MemoryBackend) Instance() Instance {
	return &memoryInstance{backend: b}
}

// UserDecryptSealed is UserDecrypt without opening the results: every value
// stays sealed to req.PublicKey. It serves requesters that hold the private
// key themselves.
func (b *MemoryBackend) UserDecryptSealed(ctx context.Context, req DecryptRequest) (map[fheclient.Handle][]byte, error) {
	return b.reencrypt(ctx, req)
}

// InjectEncryptFailures makes the next n encryption requests fail with err.
func (b *MemoryBackend) InjectEncryptFailures(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.encryptFailures = n
	b.encryptErr = err
}

// EncryptCalls returns the number of encryption requests served or refused.
func (b *MemoryBackend) EncryptCalls() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.encryptCalls
}

// DecryptCalls returns the number of user decryption requests received.
func (b *MemoryBackend) DecryptCalls() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.decryptCalls
}

// FromExternal verifies that h was produced by an input encrypted for
// (contract, user) and grants contract access to it.
func (b *MemoryBackend) FromExternal(h fheclient.Handle, proof []byte, contract, user common.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.proofs[common.BytesToHash(proof)]
	if !ok || len(proof) != common.HashLength {
		return ErrInvalidProof
	}
	if rec.contract != contract || rec.user != user || !rec.handles.Contains(h) {
		return fmt.Errorf("%w: handle %s not bound to %s/%s", ErrInvalidProof, h, contract, user)
	}
	b.allowLocked(h, contract)
	return nil
}

// TrivialEncrypt stores a public constant as a ciphertext.
func (b *MemoryBackend) TrivialEncrypt(t fheclient.FheType, v *uint256.Int) (fheclient.Handle, error) {
	ct, err := fhe.NewCiphertext(t, v)
	if err != nil {
		return fheclient.ZeroHandle, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.storeLocked(ct), nil
}

// Evaluate applies op to the ciphertexts behind x and y and returns a handle
// to the result. caller must be allowed on both operands.
func (b *MemoryBackend) Evaluate(op fhe.Operation, x, y fheclient.Handle, caller common.Address) (fheclient.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	a, err := b.readLocked(x, caller)
	if err != nil {
		return fheclient.ZeroHandle, err
	}
	c, err := b.readLocked(y, caller)
	if err != nil {
		return fheclient.ZeroHandle, err
	}
	out, err := fhe.Evaluate(op, a, c)
	if err != nil {
		return fheclient.ZeroHandle, err
	}
	h := b.storeLocked(out)
	b.allowLocked(h, caller)
	return h, nil
}

// Allow grants addr access to h.
func (b *MemoryBackend) Allow(h fheclient.Handle, addr common.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.values[h]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	b.allowLocked(h, addr)
	return nil
}

// IsAllowed reports whether addr may access h.
func (b *MemoryBackend) IsAllowed(h fheclient.Handle, addr common.Address) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	acl, ok := b.acl[h]
	return ok && acl.Contains(addr)
}

func (b *MemoryBackend) encrypt(ctx context.Context, contract, user common.Address, cts []fhe.Ciphertext) (*EncryptedInput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.encryptCalls++
	if b.encryptFailures > 0 {
		b.encryptFailures--
		return nil, b.encryptErr
	}

	handles := make([]fheclient.Handle, len(cts))
	bound := set.NewSet[fheclient.Handle](len(cts))
	hashed := [][]byte{contract.Bytes(), user.Bytes()}
	for i, ct := range cts {
		handles[i] = b.storeLocked(ct)
		bound.Add(handles[i])
		hashed = append(hashed, handles[i][:])
	}
	proof := crypto.Keccak256Hash(hashed...)
	b.proofs[proof] = proofRecord{
		contract: contract,
		user:     user,
		handles:  bound,
	}
	return &EncryptedInput{
		Handles:    handles,
		InputProof: proof.Bytes(),
	}, nil
}

func (b *MemoryBackend) reencrypt(ctx context.Context, req DecryptRequest) (map[fheclient.Handle][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.decryptCalls++
	b.mu.Unlock()

	if len(req.ContractAddresses) == 0 {
		return nil, fheclient.ErrNoContracts
	}
	td := eip712.TypedData(b.domain, eip712.UserDecrypt{
		PublicKey:         req.PublicKey,
		ContractAddresses: req.ContractAddresses,
		StartTimestamp:    req.StartTimestamp,
		DurationDays:      req.DurationDays,
	})
	signer, err := eip712.Recover(td, req.Signature)
	if err != nil {
		return nil, err
	}
	if signer != req.UserAddress {
		return nil, fmt.Errorf("%w: recovered %s, user %s", ErrInvalidSigner, signer, req.UserAddress)
	}
	now := b.now().Unix()
	if now > req.StartTimestamp+req.DurationDays*secondsPerDay {
		return nil, fheclient.ErrAuthorizationExpired
	}

	signed := set.Of(req.ContractAddresses...)

	b.mu.RLock()
	defer b.mu.RUnlock()

	sealed := make(map[fheclient.Handle][]byte, len(req.Pairs))
	for _, pair := range req.Pairs {
		if !signed.Contains(pair.Contract) {
			return nil, fmt.Errorf("%w: %s", ErrContractNotSigned, pair.Contract)
		}
		ct, err := b.readLocked(pair.Handle, pair.Contract)
		if err != nil {
			return nil, err
		}
		if acl := b.acl[pair.Handle]; !acl.Contains(req.UserAddress) {
			return nil, fmt.Errorf("%w: %s for %s", ErrNotAllowed, pair.Handle, req.UserAddress)
		}
		out, err := fhe.Seal(req.PublicKey, ct.Value)
		if err != nil {
			return nil, err
		}
		sealed[pair.Handle] = out
	}
	return sealed, nil
}

func (b *MemoryBackend) readLocked(h fheclient.Handle, caller common.Address) (fhe.Ciphertext, error) {
	ct, ok := b.values[h]
	if !ok {
		return fhe.Ciphertext{}, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	if acl := b.acl[h]; !acl.Contains(caller) {
		return fhe.Ciphertext{}, fmt.Errorf("%w: %s for %s", ErrNotAllowed, h, caller)
	}
	return ct, nil
}

func (b *MemoryBackend) storeLocked(ct fhe.Ciphertext) fheclient.Handle {
	b.nonce++
	h := fheclient.Handle(crypto.Keccak256Hash(b.id[:], uint256.NewInt(b.nonce).Bytes()))
	h = h.WithType(ct.Type)
	h[fheclient.HandleLen-1] = 0
	b.values[h] = ct
	return h
}

func (b *MemoryBackend) allowLocked(h fheclient.Handle, addr common.Address) {
	acl, ok := b.acl[h]
	if !ok {
		acl = set.NewSet[common.Address](2)
		b.acl[h] = acl
	}
	acl.Add(addr)
}

type memoryInstance struct {
	backend *MemoryBackend
}

func (i *memoryInstance) ID() ids.ID {
	return i.backend.id
}

func (i *memoryInstance) ChainID() uint64 {
	return i.backend.chainID
}

func (i *memoryInstance) Domain() eip712.Domain {
	return i.backend.domain
}

func (*memoryInstance) GenerateKeypair() (*Keypair, error) {
	pub, priv, err := fhe.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	return &Keypair{PublicKey: pub, PrivateKey: priv}, nil
}

func (i *memoryInstance) CreateEncryptedInput(contract, user common.Address) InputBuilder {
	return &memoryInput{
		backend:  i.backend,
		contract: contract,
		user:     user,
	}
}

func (i *memoryInstance) UserDecrypt(ctx context.Context, req DecryptRequest) (map[fheclient.Handle]*uint256.Int, error) {
	sealed, err := i.backend.reencrypt(ctx, req)
	if err != nil {
		return nil, err
	}
	return OpenSealed(req.PrivateKey, sealed)
}

// OpenSealed decrypts values sealed to an ephemeral key.
func OpenSealed(privateKey []byte, sealed map[fheclient.Handle][]byte) (map[fheclient.Handle]*uint256.Int, error) {
	out := make(map[fheclient.Handle]*uint256.Int, len(sealed))
	for h, s := range sealed {
		v, err := fhe.Open(privateKey, s)
		if err != nil {
			return nil, fmt.Errorf("failed to open value for %s: %w", h, err)
		}
		out[h] = v
	}
	return out, nil
}

type memoryInput struct {
	backend  *MemoryBackend
	contract common.Address
	user     common.Address
	values   []fhe.Ciphertext
}

func (in *memoryInput) add(t fheclient.FheType, v *uint256.Int) InputBuilder {
	// Every type added here has a known width.
	ct, _ := fhe.NewCiphertext(t, v)
	in.values = append(in.values, ct)
	return in
}

func (in *memoryInput) AddBool(v bool) InputBuilder {
	n := uint64(0)
	if v {
		n = 1
	}
	return in.add(fheclient.TypeBool, uint256.NewInt(n))
}

func (in *memoryInput) Add8(v uint8) InputBuilder {
	return in.add(fheclient.TypeUint8, uint256.NewInt(uint64(v)))
}

func (in *memoryInput) Add32(v uint32) InputBuilder {
	return in.add(fheclient.TypeUint32, uint256.NewInt(uint64(v)))
}

func (in *memoryInput) Add64(v uint64) InputBuilder {
	return in.add(fheclient.TypeUint64, uint256.NewInt(v))
}

func (in *memoryInput) Encrypt(ctx context.Context) (*EncryptedInput, error) {
	if len(in.values) == 0 {
		return nil, fmt.Errorf("%w: empty encrypted input", fheclient.ErrValidation)
	}
	return in.backend.encrypt(ctx, in.contract, in.user, in.values)
}
