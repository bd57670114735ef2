// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fheclient

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// HandleLen is the length of a ciphertext handle
const HandleLen = 32

// handleTypeIndex is the byte of a handle that carries its FheType
const handleTypeIndex = 30

var errInvalidHandle = errors.New("invalid handle")

// Handle is an opaque reference to a ciphertext held by a contract.
type Handle [HandleLen]byte

// ZeroHandle is returned by contracts for values that were never written.
var ZeroHandle = Handle{}

// HandleFromBytes copies b into a handle. b must be exactly HandleLen long.
func HandleFromBytes(b []byte) (Handle, error) {
	var h Handle
	if len(b) != HandleLen {
		return h, fmt.Errorf("%w: length %d", errInvalidHandle, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// HexToHandle parses a 0x-prefixed or bare hex handle.
func HexToHandle(s string) (Handle, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %w", errInvalidHandle, err)
	}
	return HandleFromBytes(b)
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool {
	return h == ZeroHandle
}

// Type returns the encrypted type encoded in the handle.
func (h Handle) Type() FheType {
	return FheType(h[handleTypeIndex])
}

// WithType returns a copy of h tagged with t.
func (h Handle) WithType(t FheType) Handle {
	h[handleTypeIndex] = byte(t)
	return h
}

func (h Handle) Hash() common.Hash {
	return common.Hash(h)
}

func (h Handle) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Handle) String() string {
	return h.Hex()
}

// MarshalText implements encoding.TextMarshaler
func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (h *Handle) UnmarshalText(text []byte) error {
	parsed, err := HexToHandle(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// FheType identifies the plaintext type behind a ciphertext.
type FheType uint8

const (
	TypeBool    FheType = 0
	TypeUint8   FheType = 2
	TypeUint16  FheType = 3
	TypeUint32  FheType = 4
	TypeUint64  FheType = 5
	TypeUint128 FheType = 6
	TypeAddress FheType = 7
	TypeUint256 FheType = 8
)

// Bits returns the plaintext width, or 0 for unknown types.
func (t FheType) Bits() uint {
	switch t {
	case TypeBool:
		return 1
	case TypeUint8:
		return 8
	case TypeUint16:
		return 16
	case TypeUint32:
		return 32
	case TypeUint64:
		return 64
	case TypeUint128:
		return 128
	case TypeAddress:
		return 160
	case TypeUint256:
		return 256
	default:
		return 0
	}
}

func (t FheType) String() string {
	switch t {
	case TypeBool:
		return "ebool"
	case TypeAddress:
		return "eaddress"
	default:
		if bits := t.Bits(); bits > 0 {
			return fmt.Sprintf("euint%d", bits)
		}
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}
