// Package stratum implements the miner-facing server: per-connection
// session state machines over line-delimited JSON and the job broadcast
// fan-out.
package stratum

import (
	"encoding/json"
	"strings"

	"github.com/kas-network/kas-pool/internal/pow"
	"github.com/kas-network/kas-pool/internal/util"
)

// Stratum error codes sent to miners
const (
	CodeJobNotFound        = 20
	CodeDuplicateShare     = 21
	CodeLowDifficultyShare = 22
	CodeUnauthorized       = 24
	CodeInternalError      = 25
)

// Error is a stratum-level error reported to the miner; the session
// survives it
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func errJobNotFound() *Error        { return &Error{CodeJobNotFound, "job-not-found"} }
func errDuplicateShare() *Error     { return &Error{CodeDuplicateShare, "duplicate-share"} }
func errLowDifficultyShare() *Error { return &Error{CodeLowDifficultyShare, "low-difficulty-share"} }
func errUnauthorized() *Error       { return &Error{CodeUnauthorized, "unauthorized"} }
func errInternal() *Error           { return &Error{CodeInternalError, "internal-error"} }

// Request is a JSON-RPC request from a miner
type Request struct {
	ID     interface{}   `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// Response answers a request. Result and Error are both always present
// on the wire, one of them null.
type Response struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result"`
	Error  interface{} `json:"error"`
}

// Notification is a server-initiated message; it carries no id
type Notification struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

func newResponse(id interface{}, result interface{}) Response {
	return Response{ID: id, Result: result, Error: nil}
}

func newErrorResponse(id interface{}, e *Error) Response {
	return Response{ID: id, Result: nil, Error: []interface{}{e.Code, e.Message, nil}}
}

// Encoding selects the mining.notify payload shape for a session
type Encoding int

const (
	// EncodingBigHeader is the canonical payload: pre-PoW hash hex
	// followed by the little-endian timestamp hex
	EncodingBigHeader Encoding = iota

	// EncodingBitmain reorders the hash for ASIC firmware that consumes
	// it as four little-endian 64-bit words
	EncodingBitmain
)

// bitmainAgentMarkers are user-agent substrings that select the Bitmain
// payload shape
var bitmainAgentMarkers = []string{"bitmain", "antminer", "ks3", "ks5"}

// DetectEncoding derives the notify encoding from the subscribe agent
func DetectEncoding(agent string) Encoding {
	lowered := strings.ToLower(agent)
	for _, marker := range bitmainAgentMarkers {
		if strings.Contains(lowered, marker) {
			return EncodingBitmain
		}
	}
	return EncodingBigHeader
}

// NotifyPayload builds the mining.notify hex payload for a job. The
// payload is a pure function of (hash, timestamp, encoding): encodings
// reshape bytes, they never add or remove params.
func NotifyPayload(hash pow.Hash, timestamp uint64, encoding Encoding) string {
	hashBytes := hash[:]
	if encoding == EncodingBitmain {
		swapped := make([]byte, 32)
		for word := 0; word < 4; word++ {
			chunk := hashBytes[word*8 : word*8+8]
			copy(swapped[word*8:], util.ReverseBytesCopy(chunk))
		}
		hashBytes = swapped
	}
	return util.BytesToHex(hashBytes) + util.Uint64LEHex(timestamp)
}

// parseSubmitParams extracts (identity, jobID, nonceHex) from
// mining.submit params
func parseSubmitParams(params []interface{}) (identity, jobID, nonceHex string, ok bool) {
	if len(params) < 3 {
		return "", "", "", false
	}
	identity, ok1 := params[0].(string)
	jobID, ok2 := params[1].(string)
	nonceHex, ok3 := params[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return "", "", "", false
	}
	return identity, jobID, nonceHex, true
}

// marshalLine encodes a message followed by the line terminator
func marshalLine(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
