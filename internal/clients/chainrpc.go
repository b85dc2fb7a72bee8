// Package clients holds the upstream adapters behind the leaf service
// ports: a chain JSON-RPC client and an HTTP price feed.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/skyduel/skyduel/pkg/observability"
)

const (
	rpcRetries       = 2
	rpcRetryInterval = 200 * time.Millisecond

	// lamportsScale shifts a raw lamport count to whole SOL.
	lamportsScale = -9
)

// ChainRPCClient speaks JSON-RPC 2.0 to a chain node. It backs both the
// chain connector probe and wallet balance lookups.
type ChainRPCClient struct {
	endpoint   string
	httpClient *http.Client
	logger     observability.Logger
}

// NewChainRPCClient builds a client against endpoint. Timeout bounds
// each HTTP attempt, not the whole retried call.
func NewChainRPCClient(endpoint string, timeout time.Duration, logger observability.Logger) *ChainRPCClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &ChainRPCClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.WithPrefix("chain-rpc"),
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// LatestSlot returns the node's most recent slot.
func (c *ChainRPCClient) LatestSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	if err := c.call(ctx, "getSlot", nil, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}

// Balance returns the wallet's balance in whole SOL.
func (c *ChainRPCClient) Balance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", []interface{}{wallet}, &result); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(new(big.Int).SetUint64(result.Value), lamportsScale), nil
}

// call posts one JSON-RPC request and decodes its result into out,
// retrying transport failures and 5xx answers.
func (c *ChainRPCClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if c.endpoint == "" {
		return errors.New("chain rpc endpoint not configured")
	}

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return errors.Wrap(err, "failed to encode rpc request")
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= http.StatusInternalServerError {
			return errors.Errorf("rpc endpoint returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(errors.Errorf("rpc endpoint returned %d", resp.StatusCode))
		}

		var envelope rpcResponse
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return backoff.Permanent(errors.Wrap(err, "failed to decode rpc response"))
		}
		if envelope.Error != nil {
			return backoff.Permanent(envelope.Error)
		}
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return backoff.Permanent(errors.Wrap(err, "failed to decode rpc result"))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = rpcRetryInterval
	retrier := backoff.WithContext(backoff.WithMaxRetries(policy, rpcRetries), ctx)
	if err := backoff.Retry(attempt, retrier); err != nil {
		return errors.Wrapf(err, "rpc %s failed", method)
	}
	return nil
}

// RPCBalanceSource feeds the wallet tracker from chain RPC, sweeping a
// fixed wallet set configured at boot.
type RPCBalanceSource struct {
	rpc     *ChainRPCClient
	wallets []string
}

// NewRPCBalanceSource copies wallets so later config mutation cannot
// change the sweep set.
func NewRPCBalanceSource(rpc *ChainRPCClient, wallets []string) *RPCBalanceSource {
	tracked := make([]string, len(wallets))
	copy(tracked, wallets)
	return &RPCBalanceSource{rpc: rpc, wallets: tracked}
}

// TrackedWallets returns the configured sweep set.
func (s *RPCBalanceSource) TrackedWallets(ctx context.Context) ([]string, error) {
	out := make([]string, len(s.wallets))
	copy(out, s.wallets)
	return out, nil
}

// Balance resolves one wallet through the RPC client.
func (s *RPCBalanceSource) Balance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	return s.rpc.Balance(ctx, wallet)
}
