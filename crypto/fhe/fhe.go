// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

// Package fhe holds the typed plaintext arithmetic that homomorphic operations
// reduce to, and the ephemeral-key sealing used to hand decrypted values back
// to a single client.
package fhe

import (
	"errors"
	"fmt"

	ecies "github.com/ecies/go/v2"
	"github.com/holiman/uint256"

	"github.com/luxfi/fheclient"
)

var (
	// ErrInvalidCiphertext is returned when a sealed value is malformed
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrTypeMismatch is returned when operands have different types
	ErrTypeMismatch = errors.New("incompatible ciphertext types")

	ErrUnsupportedType = errors.New("unsupported encrypted type")
	ErrInvalidKey      = errors.New("invalid key material")
)

// Operation represents a homomorphic operation
type Operation int

const (
	OpAdd Operation = iota
	OpSub
	OpMul
	OpXOR
)

func (op Operation) String() string {
	switch op {
	case OpAdd:
		return "add"
	case OpSub:
		return "sub"
	case OpMul:
		return "mul"
	case OpXOR:
		return "xor"
	default:
		return fmt.Sprintf("op(%d)", int(op))
	}
}

// Ciphertext is a typed value as seen by a coprocessor running in mock mode.
type Ciphertext struct {
	Type  fheclient.FheType
	Value *uint256.Int
}

// NewCiphertext truncates value to the width of t.
func NewCiphertext(t fheclient.FheType, value *uint256.Int) (Ciphertext, error) {
	if t.Bits() == 0 {
		return Ciphertext{}, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	return Ciphertext{Type: t, Value: truncate(t, new(uint256.Int).Set(value))}, nil
}

// Evaluate applies op to a and b, wrapping around at the type's bit width
// the way encrypted integer arithmetic does.
func Evaluate(op Operation, a, b Ciphertext) (Ciphertext, error) {
	if a.Type != b.Type {
		return Ciphertext{}, fmt.Errorf("%w: %s and %s", ErrTypeMismatch, a.Type, b.Type)
	}
	out := new(uint256.Int)
	switch op {
	case OpAdd:
		out.Add(a.Value, b.Value)
	case OpSub:
		out.Sub(a.Value, b.Value)
	case OpMul:
		out.Mul(a.Value, b.Value)
	case OpXOR:
		out.Xor(a.Value, b.Value)
	default:
		return Ciphertext{}, fmt.Errorf("unsupported operation %s", op)
	}
	return NewCiphertext(a.Type, out)
}

func truncate(t fheclient.FheType, v *uint256.Int) *uint256.Int {
	bits := t.Bits()
	if bits >= 256 {
		return v
	}
	mask := new(uint256.Int).Lsh(uint256.NewInt(1), bits)
	mask.SubUint64(mask, 1)
	return v.And(v, mask)
}

// GenerateKeypair creates the ephemeral keypair a client uses to receive
// decrypted values. The public key is returned uncompressed.
func GenerateKeypair() (publicKey []byte, privateKey []byte, err error) {
	sk, err := ecies.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return sk.PublicKey.Bytes(false), sk.Bytes(), nil
}

// Seal encrypts value so that only the holder of publicKey's private key can
// read it.
func Seal(publicKey []byte, value *uint256.Int) ([]byte, error) {
	pk, err := ecies.NewPublicKeyFromBytes(publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	plain := value.Bytes32()
	return ecies.Encrypt(pk, plain[:])
}

// Open reverses Seal.
func Open(privateKey []byte, sealed []byte) (*uint256.Int, error) {
	if len(privateKey) == 0 {
		return nil, ErrInvalidKey
	}
	sk := ecies.NewPrivateKeyFromBytes(privateKey)
	plain, err := ecies.Decrypt(sk, sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCiphertext, err)
	}
	if len(plain) != 32 {
		return nil, fmt.Errorf("%w: plaintext length %d", ErrInvalidCiphertext, len(plain))
	}
	return new(uint256.Int).SetBytes(plain), nil
}
