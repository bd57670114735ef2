// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package relayer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/luxfi/ids"
	"go.uber.org/zap"

	"github.com/luxfi/fheclient"
	"github.com/luxfi/fheclient/backend"
	"github.com/luxfi/fheclient/cache"
	"github.com/luxfi/fheclient/crypto/eip712"
	"github.com/luxfi/fheclient/crypto/fhe"
)

const (
	defaultRequestTimeout = 30 * time.Second
	// keyURLTTL bounds how long deployment metadata is reused across
	// instances.
	keyURLTTL = 10 * time.Minute
	// maxResponseSize bounds the body read from the relayer.
	maxResponseSize = 4 << 20
)

var errChainMismatch = errors.New("relayer serves a different chain")

// Client is a Factory for instances served by a relayer at baseURL.
type Client struct {
	logger     *zap.Logger
	httpClient *http.Client
	baseURL    string
	keyURLs    *cache.TTLCache[string, KeyURLResponse]
}

var _ backend.Factory = (*Client)(nil)

// NewClient returns a client for the relayer at baseURL. A nil httpClient
// uses one with a default timeout.
func NewClient(logger *zap.Logger, httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{
		logger:     logger,
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		keyURLs:    cache.NewTTLCache[string, KeyURLResponse](keyURLTTL),
	}
}

// NewInstance implements backend.Factory. The relayer must serve
// network.ChainID. Requests go to the configured base URL; network.Provider is
// only used to check that the wallet is on the same chain.
func (c *Client) NewInstance(ctx context.Context, network backend.Network) (backend.Instance, error) {
	info, err := c.keyURLs.GetContext(ctx, c.baseURL, func(ctx context.Context, _ string) (KeyURLResponse, error) {
		// Shared with other instances, so bounded here rather than by a caller.
		ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()

		var resp KeyURLResponse
		err := c.do(ctx, http.MethodGet, KeyURLPath, nil, &resp)
		return resp, err
	}, false)
	if err != nil {
		return nil, err
	}
	if info.ChainID != network.ChainID {
		return nil, fmt.Errorf("%w: relayer chain %d, requested %d", errChainMismatch, info.ChainID, network.ChainID)
	}
	if err := checkProviderChain(ctx, network); err != nil {
		return nil, err
	}
	if len(info.InstanceID) != len(ids.ID{}) {
		return nil, fmt.Errorf("invalid relayer instance ID length %d", len(info.InstanceID))
	}

	i := &instance{
		client:  c,
		chainID: info.ChainID,
		domain: eip712.Domain{
			ChainID:           info.ChainID,
			VerifyingContract: info.VerifyingContract,
		},
	}
	copy(i.id[:], info.InstanceID)
	c.logger.Debug("Connected to relayer",
		zap.String("url", c.baseURL),
		zap.Uint64("chainID", i.chainID),
		zap.Stringer("instanceID", i.id),
	)
	return i, nil
}

// chainIDer is implemented by wallet providers that can report their chain,
// such as *ethclient.Client.
type chainIDer interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// checkProviderChain rejects a wallet provider connected to a chain other than
// the requested one. Providers that cannot report their chain are accepted.
func checkProviderChain(ctx context.Context, network backend.Network) error {
	p, ok := network.Provider.(chainIDer)
	if !ok {
		return nil
	}
	id, err := p.ChainID(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: failed to get wallet chain: %w", fheclient.ErrBackendUnavailable, err)
	}
	if !id.IsUint64() || id.Uint64() != network.ChainID {
		return fmt.Errorf("%w: wallet chain %s, requested %d", errChainMismatch, id, network.ChainID)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", fheclient.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%w: failed to read relayer response: %w", fheclient.ErrBackendUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode relayer response: %w", err)
	}
	return nil
}

// statusError maps a relayer error response onto the error taxonomy.
func statusError(status int, body []byte) error {
	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Error == "" {
		resp.Error = strings.TrimSpace(string(body))
	}

	switch {
	case status >= http.StatusInternalServerError, status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: Relayer didn't respond correctly. Bad status %d: %s",
			fheclient.ErrBackendUnavailable, status, resp.Error)
	case resp.Kind == "authorization_expired":
		return fmt.Errorf("%w: %s", fheclient.ErrAuthorizationExpired, resp.Error)
	case resp.Kind == "validation":
		return fmt.Errorf("%w: %s", fheclient.ErrValidation, resp.Error)
	default:
		return fmt.Errorf("request rejected (status %d): %s", status, resp.Error)
	}
}

type instance struct {
	client  *Client
	id      ids.ID
	chainID uint64
	domain  eip712.Domain
}

func (i *instance) ID() ids.ID {
	return i.id
}

func (i *instance) ChainID() uint64 {
	return i.chainID
}

func (i *instance) Domain() eip712.Domain {
	return i.domain
}

func (*instance) GenerateKeypair() (*backend.Keypair, error) {
	pub, priv, err := fhe.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	return &backend.Keypair{PublicKey: pub, PrivateKey: priv}, nil
}

func (i *instance) CreateEncryptedInput(contract, user common.Address) backend.InputBuilder {
	return &input{
		instance: i,
		req: InputProofRequest{
			ContractAddress: contract,
			UserAddress:     user,
		},
	}
}

func (i *instance) UserDecrypt(ctx context.Context, req backend.DecryptRequest) (map[fheclient.Handle]*uint256.Int, error) {
	body := UserDecryptRequest{
		HandleContractPairs: make([]HandleContractPair, len(req.Pairs)),
		PublicKey:           req.PublicKey,
		Signature:           req.Signature,
		ContractAddresses:   req.ContractAddresses,
		UserAddress:         req.UserAddress,
		StartTimestamp:      req.StartTimestamp,
		DurationDays:        req.DurationDays,
	}
	for n, pair := range req.Pairs {
		body.HandleContractPairs[n] = HandleContractPair{
			Handle:          pair.Handle,
			ContractAddress: pair.Contract,
		}
	}

	var resp UserDecryptResponse
	if err := i.client.do(ctx, http.MethodPost, UserDecryptPath, body, &resp); err != nil {
		return nil, err
	}
	sealed := make(map[fheclient.Handle][]byte, len(resp.Sealed))
	for h, v := range resp.Sealed {
		sealed[h] = v
	}
	return backend.OpenSealed(req.PrivateKey, sealed)
}

type input struct {
	instance *instance
	req      InputProofRequest
}

func (in *input) add(t fheclient.FheType, v uint64) backend.InputBuilder {
	in.req.Values = append(in.req.Values, TypedValue{
		Type:  t,
		Value: uint256.NewInt(v).Dec(),
	})
	return in
}

func (in *input) AddBool(v bool) backend.InputBuilder {
	n := uint64(0)
	if v {
		n = 1
	}
	return in.add(fheclient.TypeBool, n)
}

func (in *input) Add8(v uint8) backend.InputBuilder {
	return in.add(fheclient.TypeUint8, uint64(v))
}

func (in *input) Add32(v uint32) backend.InputBuilder {
	return in.add(fheclient.TypeUint32, uint64(v))
}

func (in *input) Add64(v uint64) backend.InputBuilder {
	return in.add(fheclient.TypeUint64, v)
}

func (in *input) Encrypt(ctx context.Context) (*backend.EncryptedInput, error) {
	if len(in.req.Values) == 0 {
		return nil, fmt.Errorf("%w: empty encrypted input", fheclient.ErrValidation)
	}
	var resp InputProofResponse
	if err := in.instance.client.do(ctx, http.MethodPost, InputProofPath, in.req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Handles) != len(in.req.Values) {
		return nil, fmt.Errorf("relayer returned %d handles for %d values", len(resp.Handles), len(in.req.Values))
	}
	return &backend.EncryptedInput{
		Handles:    resp.Handles,
		InputProof: resp.InputProof,
	}, nil
}
