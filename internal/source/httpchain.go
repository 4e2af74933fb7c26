package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/settlement-experiment/offchain/config"
	"github.com/settlement-experiment/offchain/internal/network"
	"github.com/settlement-experiment/offchain/internal/protocol"
)

const (
	// ChainClientTimeout bounds a single chain node request.
	ChainClientTimeout = 10 * time.Second

	// chainRequestAttempts is how many times a transient transport failure
	// is retried before surfacing SourceUnavailableError. Only the chain's
	// request layer retries; the ledger itself never does.
	chainRequestAttempts = 2
)

// HTTPChain talks to a chain node over its JSON HTTP interface. It is the
// production ChainClient implementation.
type HTTPChain struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPChain creates a chain client for the node at baseURL.
func NewHTTPChain(baseURL string, networkConfig config.NetworkConfig) *HTTPChain {
	return &HTTPChain{
		baseURL:    baseURL,
		httpClient: network.NewHTTPClient(networkConfig, ChainClientTimeout),
	}
}

type callRequest struct {
	Resource string         `json:"resource"`
	Function string         `json:"function"`
	Args     []protocol.Arg `json:"args"`
}

type callResponse struct {
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
	Value   *protocol.Arg `json:"value,omitempty"`
}

type broadcastResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	TxID    string `json:"tx_id,omitempty"`
}

type verifyRequest struct {
	Signature hexutil.Bytes  `json:"signature"`
	Sender    common.Address `json:"sender"`
	Digest    common.Hash    `json:"digest"`
}

type verifyResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Valid   bool   `json:"valid"`
}

// ReadOnlyCall executes a read-only contract function on the chain node.
func (c *HTTPChain) ReadOnlyCall(ctx context.Context, resource, function string, args []protocol.Arg) (protocol.Arg, error) {
	req := callRequest{Resource: resource, Function: function, Args: args}
	var resp callResponse
	if err := c.post(ctx, "/call", req, &resp); err != nil {
		return protocol.Arg{}, err
	}
	if !resp.Success {
		return protocol.Arg{}, fmt.Errorf("chain call %s.%s: %s", resource, function, resp.Error)
	}
	if resp.Value == nil {
		return protocol.NoneArg(), nil
	}
	return *resp.Value, nil
}

// Broadcast submits a signed write intent and returns the chain tx id.
func (c *HTTPChain) Broadcast(ctx context.Context, intent *protocol.Intent) (string, error) {
	var resp broadcastResponse
	if err := c.post(ctx, "/broadcast", intent, &resp); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("chain broadcast rejected: %s", resp.Error)
	}
	return resp.TxID, nil
}

// VerifySignature asks the chain node to verify a signature.
func (c *HTTPChain) VerifySignature(ctx context.Context, signature []byte, sender common.Address, digest common.Hash) (bool, error) {
	req := verifyRequest{Signature: signature, Sender: sender, Digest: digest}
	var resp verifyResponse
	if err := c.post(ctx, "/verify", req, &resp); err != nil {
		return false, err
	}
	if !resp.Success {
		return false, fmt.Errorf("chain verify: %s", resp.Error)
	}
	return resp.Valid, nil
}

// post sends a JSON request, retrying transient transport failures once.
// HTTP-level rejections (non-2xx) are not retried.
func (c *HTTPChain) post(ctx context.Context, path string, body, out interface{}) error {
	reqData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := c.baseURL + path
	var lastErr error
	for attempt := 0; attempt < chainRequestAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 0 {
			log.Printf("[HTTPChain] retrying POST %s after transport error: %v", url, lastErr)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqData))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return &protocol.SourceUnavailableError{
				Source: "chain",
				Err:    fmt.Errorf("POST %s: status %d: %s", url, resp.StatusCode, respBody),
			}
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response from %s: %w", url, err)
		}
		return nil
	}
	return &protocol.SourceUnavailableError{
		Source: "chain",
		Err:    fmt.Errorf("POST %s: %w", url, lastErr),
	}
}
