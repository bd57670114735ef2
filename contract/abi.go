// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

// Package contract binds the WaterIntake contract: a confidential daily
// intake log that keeps an encrypted running total and an encrypted count of
// distinct days per user.
package contract

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/luxfi/fheclient"
)

const (
	MethodAddDailyIntake = "addDailyIntake"
	MethodGetTotalIntake = "getTotalIntake"
	MethodGetDayCount    = "getDayCount"
)

// WaterIntakeABIJSON is the ABI of the WaterIntake contract. externalEuint32
// and euint32 are both encoded as bytes32.
const WaterIntakeABIJSON = `[
	{
		"type": "function",
		"name": "addDailyIntake",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "inputEuint32", "type": "bytes32", "internalType": "externalEuint32"},
			{"name": "inputProof", "type": "bytes", "internalType": "bytes"}
		],
		"outputs": []
	},
	{
		"type": "function",
		"name": "getTotalIntake",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "bytes32", "internalType": "euint32"}]
	},
	{
		"type": "function",
		"name": "getDayCount",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "bytes32", "internalType": "euint32"}]
	}
]`

var waterIntakeABI = mustParseABI(WaterIntakeABIJSON)

func mustParseABI(s string) *abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return &parsed
}

// WaterIntakeABI returns the parsed WaterIntake ABI.
func WaterIntakeABI() *abi.ABI {
	return waterIntakeABI
}

// PackAddDailyIntake returns calldata for addDailyIntake.
func PackAddDailyIntake(h fheclient.Handle, inputProof []byte) ([]byte, error) {
	return waterIntakeABI.Pack(MethodAddDailyIntake, [32]byte(h), inputProof)
}

// UnpackAddDailyIntake decodes addDailyIntake calldata.
func UnpackAddDailyIntake(data []byte) (fheclient.Handle, []byte, error) {
	if len(data) < 4 {
		return fheclient.ZeroHandle, nil, fmt.Errorf("calldata too short: %d bytes", len(data))
	}
	method, err := waterIntakeABI.MethodById(data[:4])
	if err != nil {
		return fheclient.ZeroHandle, nil, err
	}
	if method.Name != MethodAddDailyIntake {
		return fheclient.ZeroHandle, nil, fmt.Errorf("unexpected method %s", method.Name)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return fheclient.ZeroHandle, nil, fmt.Errorf("failed to unpack %s: %w", method.Name, err)
	}
	h, ok := args[0].([32]byte)
	if !ok {
		return fheclient.ZeroHandle, nil, fmt.Errorf("unexpected handle type %T", args[0])
	}
	proof, ok := args[1].([]byte)
	if !ok {
		return fheclient.ZeroHandle, nil, fmt.Errorf("unexpected proof type %T", args[1])
	}
	return fheclient.Handle(h), proof, nil
}
