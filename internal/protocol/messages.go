// File: internal/protocol/messages.go
package protocol

import (
	"encoding/json"

	jsoniter "github.com/json-iterator/go"
)

// codec is the wire JSON codec. The transport sits on the hot path of every
// protocol call, so we use json-iterator in its stdlib-compatible mode.
var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// request is an outgoing protocol command: {id, method, params}.
type request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// envelope is any inbound frame. Responses carry an id and either a result or
// an error; events carry a method and params but no id.
type envelope struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

// wireError is the error object of a failed response.
type wireError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}
