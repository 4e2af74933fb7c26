package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/settlement-experiment/offchain/config"
	"github.com/settlement-experiment/offchain/internal/network"
	"github.com/settlement-experiment/offchain/internal/protocol"
)

// AcceleratorClientTimeout bounds a single accelerator request. Kept
// shorter than the chain timeout: the accelerator is the fast path, and a
// slow accelerator should fall through rather than stall the read.
const AcceleratorClientTimeout = 3 * time.Second

// Accelerator is a remote off-chain source consulted before the chain. It
// may answer a query from its own ledger or decline with a miss, in which
// case the fallback chain advances.
type Accelerator struct {
	baseURL    string
	httpClient *http.Client
}

func NewAccelerator(baseURL string, networkConfig config.NetworkConfig) *Accelerator {
	return &Accelerator{
		baseURL:    baseURL,
		httpClient: network.NewHTTPClient(networkConfig, AcceleratorClientTimeout),
	}
}

func (a *Accelerator) Name() string { return "accelerator" }

type acceleratorQueryResponse struct {
	Found bool          `json:"found"`
	Value *protocol.Arg `json:"value,omitempty"`
	Error string        `json:"error,omitempty"`
}

type acceleratorSubmitResponse struct {
	Accepted bool   `json:"accepted"`
	ID       string `json:"id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Resolve forwards a read intent to the accelerator's /query endpoint.
func (a *Accelerator) Resolve(ctx context.Context, intent *protocol.Intent) (protocol.Arg, error) {
	if intent.Kind != protocol.IntentRead {
		return protocol.Arg{}, ErrMiss
	}

	var resp acceleratorQueryResponse
	if err := a.post(ctx, "/query", intent, &resp); err != nil {
		return protocol.Arg{}, err
	}
	if !resp.Found {
		return protocol.Arg{}, ErrMiss
	}
	if resp.Value == nil {
		return protocol.NoneArg(), nil
	}
	return *resp.Value, nil
}

// Submit forwards a write intent to the accelerator's /submit endpoint. An
// accelerator that accepts the write owns its settlement; one that declines
// returns a miss and the write falls through to the chain.
func (a *Accelerator) Submit(ctx context.Context, intent *protocol.Intent) (string, error) {
	if intent.Kind != protocol.IntentWrite {
		return "", ErrMiss
	}

	var resp acceleratorSubmitResponse
	if err := a.post(ctx, "/submit", intent, &resp); err != nil {
		return "", err
	}
	if !resp.Accepted {
		if resp.Error != "" {
			return "", fmt.Errorf("accelerator rejected submit: %s", resp.Error)
		}
		return "", ErrMiss
	}
	return resp.ID, nil
}

func (a *Accelerator) post(ctx context.Context, path string, body, out interface{}) error {
	reqData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	url := a.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqData))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &protocol.SourceUnavailableError{Source: a.Name(), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &protocol.SourceUnavailableError{Source: a.Name(), Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &protocol.SourceUnavailableError{
			Source: a.Name(),
			Err:    fmt.Errorf("POST %s: status %d: %s", url, resp.StatusCode, respBody),
		}
	}
	return json.Unmarshal(respBody, out)
}
