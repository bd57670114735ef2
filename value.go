// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package fheclient

import (
	"fmt"

	"github.com/holiman/uint256"
)

// ClearValue is the decrypted value of a ciphertext handle.
type ClearValue struct {
	Handle Handle
	Type   FheType
	Value  *uint256.Int
}

// NewClearValue returns the clear value for h
func NewClearValue(h Handle, value *uint256.Int) ClearValue {
	return ClearValue{
		Handle: h,
		Type:   h.Type(),
		Value:  new(uint256.Int).Set(value),
	}
}

// Bool interprets the value as an encrypted boolean.
func (c ClearValue) Bool() bool {
	return c.Value != nil && !c.Value.IsZero()
}

// Uint64 returns the value truncated to 64 bits.
func (c ClearValue) Uint64() uint64 {
	if c.Value == nil {
		return 0
	}
	return c.Value.Uint64()
}

// IsCurrent reports whether the value was decrypted from latest, the most
// recently fetched handle for its field. Values that are not current must not
// be shown as authoritative.
func (c ClearValue) IsCurrent(latest Handle) bool {
	return !latest.IsZero() && c.Handle == latest
}

func (c ClearValue) String() string {
	if c.Type == TypeBool {
		return fmt.Sprintf("%s=%t", c.Handle, c.Bool())
	}
	if c.Value == nil {
		return fmt.Sprintf("%s=<nil>", c.Handle)
	}
	return fmt.Sprintf("%s=%s", c.Handle, c.Value.Dec())
}

// Range is an inclusive bound for plaintext inputs.
type Range struct {
	Min uint64
	Max uint64
}

// Validate returns ErrOutOfRange when v falls outside r.
func (r Range) Validate(v uint64) error {
	if v < r.Min || v > r.Max {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrOutOfRange, v, r.Min, r.Max)
	}
	return nil
}
