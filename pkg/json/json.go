package json

import (
	encjson "encoding/json"

	jsoniter "github.com/json-iterator/go"
)

// RawMessage aliases the standard raw message so callers can defer decoding
// without importing both json packages.
type RawMessage = encjson.RawMessage

var (
	// JSON is the instance of jsoniter.API used throughout the codebase.
	JSON = jsoniter.ConfigCompatibleWithStandardLibrary

	// Marshal is a shorthand for JSON.Marshal.
	Marshal = JSON.Marshal

	// Unmarshal is a shorthand for JSON.Unmarshal.
	Unmarshal = JSON.Unmarshal

	// NewDecoder is a shorthand for JSON.NewDecoder.
	NewDecoder = JSON.NewDecoder

	// NewEncoder is a shorthand for JSON.NewEncoder.
	NewEncoder = JSON.NewEncoder
)
