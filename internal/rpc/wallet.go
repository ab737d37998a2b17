package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WalletClient sends payout transactions through the wallet daemon's
// JSON-RPC API. UTXO selection, signing, and broadcast all happen wallet
// side; the pool only names outputs.
type WalletClient struct {
	endpoint string
	username string
	password string
	client   *http.Client
}

// NewWalletClient creates a wallet RPC client
func NewWalletClient(endpoint, username, password string) *WalletClient {
	return &WalletClient{
		endpoint: endpoint,
		username: username,
		password: password,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Output is a single payout destination
type Output struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
}

type walletRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type walletResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

func (w *WalletClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	req := walletRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", w.endpoint+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if w.username != "" || w.password != "" {
		httpReq.SetBasicAuth(w.username, w.password)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var walletResp walletResponse
	if err := json.Unmarshal(respBody, &walletResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if walletResp.Error != nil {
		return nil, walletResp.Error
	}

	return walletResp.Result, nil
}

type sendParams struct {
	Outputs []Output `json:"outputs"`
}

type sendResult struct {
	TxIDs []string `json:"txIds"`
}

// Send builds, signs, and broadcasts transactions paying the given
// outputs, returning the resulting transaction IDs
func (w *WalletClient) Send(ctx context.Context, outputs []Output) ([]string, error) {
	if len(outputs) == 0 {
		return nil, nil
	}

	result, err := w.call(ctx, "send", sendParams{Outputs: outputs})
	if err != nil {
		return nil, err
	}

	var sr sendResult
	if err := json.Unmarshal(result, &sr); err != nil {
		return nil, fmt.Errorf("failed to parse send result: %w", err)
	}
	if len(sr.TxIDs) == 0 {
		return nil, fmt.Errorf("wallet reported no transactions for %d outputs", len(outputs))
	}
	return sr.TxIDs, nil
}

// IsOnline checks wallet connectivity
func (w *WalletClient) IsOnline(ctx context.Context) (bool, error) {
	result, err := w.call(ctx, "status", nil)
	if err != nil {
		return false, err
	}

	var status struct {
		Synced bool `json:"synced"`
	}
	if err := json.Unmarshal(result, &status); err != nil {
		return false, err
	}
	return status.Synced, nil
}
