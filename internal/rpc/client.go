package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kas-network/kas-pool/internal/util"
)

// Client talks JSON-RPC to a node over HTTP
type Client struct {
	url       string
	timeout   time.Duration
	client    *http.Client
	requestID uint64

	// Health tracking
	mu           sync.RWMutex
	healthy      bool
	lastCheck    time.Time
	successCount int
	failCount    int
}

// NewClient creates a node RPC client
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		url:     url,
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
		healthy: true,
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      uint64      `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// rpcURL returns the full RPC endpoint URL
func (c *Client) rpcURL() string {
	url := c.url
	if !strings.HasSuffix(url, "/rpc") {
		url = strings.TrimSuffix(url, "/") + "/rpc"
	}
	return url
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddUint64(&c.requestID, 1)

	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.rpcURL(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		c.recordFailure()
		return nil, err
	}

	if rpcResp.Error != nil {
		c.recordFailure()
		return nil, rpcResp.Error
	}

	c.recordSuccess()
	return rpcResp.Result, nil
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successCount++
	c.failCount = 0
	c.healthy = true
	c.lastCheck = time.Now()
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount++
	if c.failCount >= 3 {
		c.healthy = false
		util.Warnf("node marked unhealthy after %d consecutive failures", c.failCount)
	}
	c.lastCheck = time.Now()
}

// IsHealthy returns whether the node has been responding
func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

type getBlockTemplateParams struct {
	PayAddress string `json:"payAddress"`
	ExtraData  string `json:"extraData"`
}

type getBlockTemplateResult struct {
	Block    *Block `json:"block"`
	IsSynced bool   `json:"isSynced"`
}

// GetBlockTemplate fetches a candidate block paying to payAddress
func (c *Client) GetBlockTemplate(ctx context.Context, payAddress, extraData string) (*Block, error) {
	result, err := c.call(ctx, "getBlockTemplate", getBlockTemplateParams{
		PayAddress: payAddress,
		ExtraData:  extraData,
	})
	if err != nil {
		return nil, err
	}

	var tplResult getBlockTemplateResult
	if err := json.Unmarshal(result, &tplResult); err != nil {
		return nil, fmt.Errorf("failed to parse block template: %w", err)
	}
	if tplResult.Block == nil {
		return nil, fmt.Errorf("node returned empty block template")
	}

	return tplResult.Block, nil
}

type submitBlockParams struct {
	Block             *Block `json:"block"`
	AllowNonDAABlocks bool   `json:"allowNonDAABlocks"`
}

type submitBlockResult struct {
	Report struct {
		Type   string `json:"type"` // "success" or "reject"
		Reason string `json:"reason,omitempty"`
	} `json:"report"`
}

// SubmitBlock submits a solved block and reports the node's verdict
func (c *Client) SubmitBlock(ctx context.Context, block *Block, allowNonDAABlocks bool) (*SubmitReport, error) {
	result, err := c.call(ctx, "submitBlock", submitBlockParams{
		Block:             block,
		AllowNonDAABlocks: allowNonDAABlocks,
	})
	if err != nil {
		return nil, err
	}

	var subResult submitBlockResult
	if err := json.Unmarshal(result, &subResult); err != nil {
		return nil, fmt.Errorf("failed to parse submit report: %w", err)
	}

	if subResult.Report.Type == "success" {
		return &SubmitReport{Accepted: true}, nil
	}

	reason := RejectReason(subResult.Report.Reason)
	switch reason {
	case RejectIsInIBD, RejectRouteIsFull:
	default:
		// Anything unrecognized is treated as a permanent rejection
		reason = RejectBlockInvalid
	}
	return &SubmitReport{Accepted: false, Reason: reason}, nil
}

type getBlockColorParams struct {
	Hash string `json:"hash"`
}

type getBlockColorResult struct {
	Blue bool `json:"blue"`
}

// GetCurrentBlockColor reports whether the block is blue (on the selected
// chain) or red (orphaned side block)
func (c *Client) GetCurrentBlockColor(ctx context.Context, blockHash string) (bool, error) {
	result, err := c.call(ctx, "getCurrentBlockColor", getBlockColorParams{Hash: blockHash})
	if err != nil {
		return false, err
	}

	var colorResult getBlockColorResult
	if err := json.Unmarshal(result, &colorResult); err != nil {
		return false, fmt.Errorf("failed to parse block color: %w", err)
	}
	return colorResult.Blue, nil
}

type getFeeEstimateResult struct {
	Estimate struct {
		NormalBuckets []struct {
			Feerate float64 `json:"feerate"`
		} `json:"normalBuckets"`
	} `json:"estimate"`
}

// GetFeeEstimate returns the node's normal-priority feerate estimate
func (c *Client) GetFeeEstimate(ctx context.Context) (float64, error) {
	result, err := c.call(ctx, "getFeeEstimate", nil)
	if err != nil {
		return 0, err
	}

	var feeResult getFeeEstimateResult
	if err := json.Unmarshal(result, &feeResult); err != nil {
		return 0, fmt.Errorf("failed to parse fee estimate: %w", err)
	}
	if len(feeResult.Estimate.NormalBuckets) == 0 {
		return 1, nil
	}
	return feeResult.Estimate.NormalBuckets[0].Feerate, nil
}
