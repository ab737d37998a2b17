package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// scriptedRPC serves canned JSON-RPC results keyed by method
func scriptedRPC(t *testing.T, results map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
			return
		}

		result, ok := results[req.Method]
		if !ok {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]interface{}{"code": -32601, "message": "method not found"},
			})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"jsonrpc":"2.0","id":` + jsonID(req.ID) + `,"result":` + result + `}`))
	}))
}

func jsonID(id uint64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

const templateJSON = `{
	"block": {
		"header": {
			"version": 1,
			"parents": [["3e8f2b9a7c1d4e5f3e8f2b9a7c1d4e5f3e8f2b9a7c1d4e5f3e8f2b9a7c1d4e5f"]],
			"hashMerkleRoot": "aa11223344556677aa11223344556677aa11223344556677aa11223344556677",
			"acceptedIdMerkleRoot": "bb11223344556677bb11223344556677bb11223344556677bb11223344556677",
			"utxoCommitment": "cc11223344556677cc11223344556677cc11223344556677cc11223344556677",
			"timestamp": 1722500000000,
			"bits": 486604799,
			"nonce": 0,
			"daaScore": 85000000,
			"blueScore": 84999000,
			"blueWork": "1a2b3c4d5e6f",
			"pruningPoint": "dd11223344556677dd11223344556677dd11223344556677dd11223344556677"
		},
		"transactions": [{"opaque": true}]
	},
	"isSynced": true
}`

func TestGetBlockTemplate(t *testing.T) {
	server := scriptedRPC(t, map[string]string{"getBlockTemplate": templateJSON})
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	block, err := client.GetBlockTemplate(context.Background(), "kaspa:qrtreasury", "kas-pool")
	if err != nil {
		t.Fatalf("GetBlockTemplate: %v", err)
	}

	if block.Header.DAAScore != 85000000 {
		t.Errorf("daaScore = %d", block.Header.DAAScore)
	}
	if block.Header.Bits != 486604799 {
		t.Errorf("bits = %d", block.Header.Bits)
	}
	if len(block.Transactions) == 0 {
		t.Error("transactions must pass through opaquely")
	}
	if !client.IsHealthy() {
		t.Error("client should be healthy after a success")
	}
}

func TestSubmitBlockVerdicts(t *testing.T) {
	tests := []struct {
		name         string
		result       string
		wantAccepted bool
		wantReason   RejectReason
	}{
		{"success", `{"report":{"type":"success"}}`, true, RejectNone},
		{"ibd", `{"report":{"type":"reject","reason":"IsInIBD"}}`, false, RejectIsInIBD},
		{"route full", `{"report":{"type":"reject","reason":"RouteIsFull"}}`, false, RejectRouteIsFull},
		{"invalid", `{"report":{"type":"reject","reason":"BlockInvalid"}}`, false, RejectBlockInvalid},
		{"unknown reason", `{"report":{"type":"reject","reason":"SomethingElse"}}`, false, RejectBlockInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := scriptedRPC(t, map[string]string{"submitBlock": tt.result})
			defer server.Close()

			client := NewClient(server.URL, 5*time.Second)
			report, err := client.SubmitBlock(context.Background(), &Block{}, false)
			if err != nil {
				t.Fatalf("SubmitBlock: %v", err)
			}
			if report.Accepted != tt.wantAccepted || report.Reason != tt.wantReason {
				t.Errorf("report = %+v, want accepted=%v reason=%s", report, tt.wantAccepted, tt.wantReason)
			}
		})
	}
}

func TestRejectReasonTransient(t *testing.T) {
	if !RejectIsInIBD.Transient() || !RejectRouteIsFull.Transient() {
		t.Error("IBD and RouteIsFull are transient")
	}
	if RejectBlockInvalid.Transient() || RejectNone.Transient() {
		t.Error("BlockInvalid and none are not transient")
	}
}

func TestGetCurrentBlockColor(t *testing.T) {
	server := scriptedRPC(t, map[string]string{"getCurrentBlockColor": `{"blue":true}`})
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	blue, err := client.GetCurrentBlockColor(context.Background(), "somehash")
	if err != nil {
		t.Fatalf("GetCurrentBlockColor: %v", err)
	}
	if !blue {
		t.Error("blue = false, want true")
	}
}

func TestGetFeeEstimate(t *testing.T) {
	server := scriptedRPC(t, map[string]string{
		"getFeeEstimate": `{"estimate":{"normalBuckets":[{"feerate":2.5}]}}`,
	})
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	fee, err := client.GetFeeEstimate(context.Background())
	if err != nil {
		t.Fatalf("GetFeeEstimate: %v", err)
	}
	if fee != 2.5 {
		t.Errorf("fee = %g, want 2.5", fee)
	}
}

func TestRPCErrorSurfaces(t *testing.T) {
	server := scriptedRPC(t, map[string]string{})
	defer server.Close()

	client := NewClient(server.URL, 5*time.Second)
	if _, err := client.GetBlockTemplate(context.Background(), "a", "b"); err == nil {
		t.Error("RPC error should surface to the caller")
	}
}

func TestClientUnhealthyAfterFailures(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", 100*time.Millisecond)

	for i := 0; i < 3; i++ {
		client.GetFeeEstimate(context.Background())
	}
	if client.IsHealthy() {
		t.Error("client should be unhealthy after 3 consecutive failures")
	}
}
