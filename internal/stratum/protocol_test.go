package stratum

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/kas-network/kas-pool/internal/pow"
)

func TestDetectEncoding(t *testing.T) {
	tests := []struct {
		agent string
		want  Encoding
	}{
		{"test/1.0", EncodingBigHeader},
		{"lolminer/1.77", EncodingBigHeader},
		{"BzMiner-v15", EncodingBigHeader},
		{"Antminer KS3/1.0", EncodingBitmain},
		{"bitmain-fw", EncodingBitmain},
		{"IceRiver KS5L", EncodingBitmain},
		{"", EncodingBigHeader},
	}

	for _, tt := range tests {
		t.Run(tt.agent, func(t *testing.T) {
			if got := DetectEncoding(tt.agent); got != tt.want {
				t.Errorf("DetectEncoding(%q) = %d, want %d", tt.agent, got, tt.want)
			}
		})
	}
}

func TestNotifyPayloadBigHeader(t *testing.T) {
	var hash pow.Hash
	hash[0] = 0xab
	hash[31] = 0xcd

	payload := NotifyPayload(hash, 1, EncodingBigHeader)
	if len(payload) != 80 {
		t.Fatalf("payload length = %d, want 80 (64 hash + 16 timestamp)", len(payload))
	}
	if !strings.HasPrefix(payload, "ab") {
		t.Errorf("payload should start with the hash hex: %s", payload)
	}
	if !strings.HasSuffix(payload, "0100000000000000") {
		t.Errorf("payload should end with the LE timestamp: %s", payload)
	}
}

func TestNotifyPayloadDeterministicPerEncoding(t *testing.T) {
	var hash pow.Hash
	for i := range hash {
		hash[i] = byte(i)
	}

	big1 := NotifyPayload(hash, 99, EncodingBigHeader)
	big2 := NotifyPayload(hash, 99, EncodingBigHeader)
	bitmain := NotifyPayload(hash, 99, EncodingBitmain)

	if big1 != big2 {
		t.Error("payload must be deterministic")
	}
	if big1 == bitmain {
		t.Error("encodings must reshape the payload")
	}
	if len(big1) != len(bitmain) {
		t.Error("encodings reshape bytes, never change the length")
	}

	// Bitmain swaps each 8-byte hash word to little-endian
	if !strings.HasPrefix(bitmain, "0706050403020100") {
		t.Errorf("bitmain payload word swap wrong: %s", bitmain[:16])
	}
	if !strings.HasSuffix(bitmain, "6300000000000000") {
		t.Errorf("bitmain payload timestamp wrong: %s", bitmain)
	}
}

func TestErrorResponseShape(t *testing.T) {
	resp := newErrorResponse(4, errDuplicateShare())

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}

	var decoded struct {
		ID     int           `json:"id"`
		Result interface{}   `json:"result"`
		Error  []interface{} `json:"error"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	if decoded.ID != 4 {
		t.Errorf("id = %d", decoded.ID)
	}
	if decoded.Result != nil {
		t.Errorf("result = %v, want null", decoded.Result)
	}
	if len(decoded.Error) != 3 {
		t.Fatalf("error tuple = %v", decoded.Error)
	}
	if code, ok := decoded.Error[0].(float64); !ok || int(code) != CodeDuplicateShare {
		t.Errorf("error code = %v, want %d", decoded.Error[0], CodeDuplicateShare)
	}
	if msg, ok := decoded.Error[1].(string); !ok || msg != "duplicate-share" {
		t.Errorf("error message = %v", decoded.Error[1])
	}
	if decoded.Error[2] != nil {
		t.Errorf("error trailer = %v, want null", decoded.Error[2])
	}
}

func TestSuccessResponseShape(t *testing.T) {
	data, err := json.Marshal(newResponse(3, true))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"id":3,"result":true,"error":null}`
	if string(data) != want {
		t.Errorf("response = %s, want %s", data, want)
	}
}

func TestNotificationHasNoID(t *testing.T) {
	data, err := json.Marshal(Notification{Method: "mining.notify", Params: []interface{}{"1", "aa"}})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), `"id"`) {
		t.Errorf("notification must not carry an id: %s", data)
	}
}

func TestParseSubmitParams(t *testing.T) {
	identity, jobID, nonce, ok := parseSubmitParams([]interface{}{"kaspa:qrx.w", "1", "00000000deadbeef"})
	if !ok || identity != "kaspa:qrx.w" || jobID != "1" || nonce != "00000000deadbeef" {
		t.Errorf("parseSubmitParams = (%q, %q, %q, %v)", identity, jobID, nonce, ok)
	}

	if _, _, _, ok := parseSubmitParams([]interface{}{"a", "b"}); ok {
		t.Error("two params should not parse")
	}
	if _, _, _, ok := parseSubmitParams([]interface{}{"a", 2, "c"}); ok {
		t.Error("non-string jobID should not parse")
	}
}
