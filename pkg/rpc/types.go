// Package rpc provides JSON-RPC 2.0 types for the filter engine API.
package rpc

import (
	"encoding/json"
)

// JSON-RPC 2.0 constants.
const (
	JSONRPCVersion = "2.0"
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Encoding types for program and packet bytes.
type Encoding string

const (
	EncodingBase58     Encoding = "base58"
	EncodingBase64     Encoding = "base64"
	EncodingBase64Zstd Encoding = "base64+zstd"
)

// LoadFilterParams are the parameters for loadFilter.
type LoadFilterParams struct {
	// Name is the registration name for the filter.
	Name string `json:"name"`

	// Program holds the encoded filter program bytes.
	Program string `json:"program"`

	// Encoding is the encoding of Program (default base64).
	Encoding Encoding `json:"encoding,omitempty"`
}

// LoadFilterResult is the result of loadFilter.
type LoadFilterResult struct {
	// ID is the base58-encoded content hash of the program.
	ID string `json:"id"`

	// Instructions is the program length in instructions.
	Instructions int `json:"instructions"`
}

// FilterInfo describes a stored filter.
type FilterInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Instructions int    `json:"instructions"`
	WireSize     int    `json:"wireSize"`
	CreatedAt    int64  `json:"createdAt"`

	// Program holds the encoded program bytes, present only on getFilter.
	Program interface{} `json:"program,omitempty"`
}

// GetFilterParams are the parameters for getFilter and deleteFilter.
// Exactly one of ID and Name must be set.
type GetFilterParams struct {
	ID       string   `json:"id,omitempty"`
	Name     string   `json:"name,omitempty"`
	Encoding Encoding `json:"encoding,omitempty"`
}

// EvaluatePacketParams are the parameters for evaluatePacket.
type EvaluatePacketParams struct {
	// ID is the base58 filter ID. Either ID or Name selects the filter.
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`

	// Packet holds the encoded packet bytes.
	Packet string `json:"packet"`

	// Encoding is the encoding of Packet (default base64).
	Encoding Encoding `json:"encoding,omitempty"`
}

// EvaluatePacketResult is the result of evaluatePacket.
type EvaluatePacketResult struct {
	// Verdict is the value the filter returned.
	Verdict uint32 `json:"verdict"`

	// Accepted reports whether the verdict was nonzero.
	Accepted bool `json:"accepted"`

	// StepsUsed is the number of instructions executed.
	StepsUsed uint64 `json:"stepsUsed"`

	// Err holds the evaluation error, if any. Errors drop the packet.
	Err string `json:"err,omitempty"`
}

// StatsResult is the result of getStats.
type StatsResult struct {
	Filters        uint64 `json:"filters"`
	StoreSizeBytes int64  `json:"storeSizeBytes"`
	Evaluations    uint64 `json:"evaluations"`
	Accepted       uint64 `json:"accepted"`
	Dropped        uint64 `json:"dropped"`
	Errored        uint64 `json:"errored"`
}

// VersionResult is the result of getVersion.
type VersionResult struct {
	Version string `json:"version"`
}
