// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package relayer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/luxfi/fheclient"
	"github.com/luxfi/fheclient/backend"
	"github.com/luxfi/fheclient/crypto/eip712"
)

// maxRequestSize bounds request bodies accepted by the handler.
const maxRequestSize = 1 << 20

// NewHandler serves the relayer API from an in-process backend. It is used
// for local development networks and tests.
func NewHandler(logger *zap.Logger, b *backend.MemoryBackend) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET "+KeyURLPath, keyURLHandler(logger, b))
	mux.Handle("POST "+InputProofPath, inputProofHandler(logger, b))
	mux.Handle("POST "+UserDecryptPath, userDecryptHandler(logger, b))
	return mux
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, v any) {
	resp, err := json.Marshal(v)
	if err != nil {
		msg := "Error marshalling JSON response"
		logger.Error(msg, zap.Error(err))
		resp = []byte(msg)
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err = w.Write(resp); err != nil {
		logger.Error("Error writing response", zap.Error(err))
	}
}

func writeJSONError(logger *zap.Logger, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fheclient.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, fheclient.ErrAuthorizationExpired),
		errors.Is(err, backend.ErrInvalidSigner),
		errors.Is(err, eip712.ErrInvalidSignature),
		errors.Is(err, backend.ErrNotAllowed),
		errors.Is(err, backend.ErrContractNotSigned):
		status = http.StatusForbidden
	case errors.Is(err, backend.ErrUnknownHandle):
		status = http.StatusNotFound
	}
	writeJSON(logger, w, status, ErrorResponse{
		Error: err.Error(),
		Kind:  fheclient.Kind(err),
	})
}

func decodeRequest(r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestSize)).Decode(v); err != nil {
		return fmt.Errorf("%w: could not decode request body: %w", fheclient.ErrValidation, err)
	}
	return nil
}

func keyURLHandler(logger *zap.Logger, b *backend.MemoryBackend) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		instance := b.Instance()
		id := instance.ID()
		writeJSON(logger, w, http.StatusOK, KeyURLResponse{
			ChainID:           instance.ChainID(),
			InstanceID:        id[:],
			VerifyingContract: instance.Domain().VerifyingContract,
		})
	})
}

func inputProofHandler(logger *zap.Logger, b *backend.MemoryBackend) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req InputProofRequest
		if err := decodeRequest(r, &req); err != nil {
			logger.Warn("Invalid input proof request", zap.Error(err))
			writeJSONError(logger, w, err)
			return
		}

		builder := b.Instance().CreateEncryptedInput(req.ContractAddress, req.UserAddress)
		for _, tv := range req.Values {
			if err := addValue(builder, tv); err != nil {
				logger.Warn("Invalid input value",
					zap.Stringer("type", tv.Type),
					zap.String("value", tv.Value),
					zap.Error(err),
				)
				writeJSONError(logger, w, err)
				return
			}
		}
		input, err := builder.Encrypt(r.Context())
		if err != nil {
			logger.Warn("Failed to encrypt input", zap.Error(err))
			writeJSONError(logger, w, err)
			return
		}
		writeJSON(logger, w, http.StatusOK, InputProofResponse{
			Handles:    input.Handles,
			InputProof: input.InputProof,
		})
	})
}

func addValue(builder backend.InputBuilder, tv TypedValue) error {
	v, err := uint256.FromDecimal(tv.Value)
	if err != nil {
		return fmt.Errorf("%w: invalid value %q: %w", fheclient.ErrValidation, tv.Value, err)
	}
	if bits := tv.Type.Bits(); bits == 0 || uint(v.BitLen()) > bits {
		return fmt.Errorf("%w: %s does not fit %s", fheclient.ErrOutOfRange, tv.Value, tv.Type)
	}
	switch tv.Type {
	case fheclient.TypeBool:
		builder.AddBool(!v.IsZero())
	case fheclient.TypeUint8:
		builder.Add8(uint8(v.Uint64()))
	case fheclient.TypeUint32:
		builder.Add32(uint32(v.Uint64()))
	case fheclient.TypeUint64:
		builder.Add64(v.Uint64())
	default:
		return fmt.Errorf("%w: unsupported input type %s", fheclient.ErrValidation, tv.Type)
	}
	return nil
}

func userDecryptHandler(logger *zap.Logger, b *backend.MemoryBackend) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req UserDecryptRequest
		if err := decodeRequest(r, &req); err != nil {
			logger.Warn("Invalid user decrypt request", zap.Error(err))
			writeJSONError(logger, w, err)
			return
		}

		pairs := make([]backend.HandleContractPair, len(req.HandleContractPairs))
		for n, pair := range req.HandleContractPairs {
			pairs[n] = backend.HandleContractPair{
				Handle:   pair.Handle,
				Contract: pair.ContractAddress,
			}
		}
		sealed, err := b.UserDecryptSealed(r.Context(), backend.DecryptRequest{
			Pairs:             pairs,
			PublicKey:         req.PublicKey,
			Signature:         req.Signature,
			ContractAddresses: req.ContractAddresses,
			UserAddress:       req.UserAddress,
			StartTimestamp:    req.StartTimestamp,
			DurationDays:      req.DurationDays,
		})
		if err != nil {
			logger.Warn("User decryption refused",
				zap.Stringer("user", req.UserAddress),
				zap.Error(err),
			)
			writeJSONError(logger, w, err)
			return
		}

		resp := UserDecryptResponse{Sealed: make(map[fheclient.Handle]hexutil.Bytes, len(sealed))}
		for h, v := range sealed {
			resp.Sealed[h] = v
		}
		writeJSON(logger, w, http.StatusOK, resp)
	})
}
