package editor

import (
	"encoding/json"
	"strings"
)

// Wire format: one JSON-RPC 2.0 object per line in each direction.
const (
	jsonRPCVersion = "2.0"
	maxMessageSize = 12 * 1024 * 1024
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError carries the document error code in Data["error_code"].
type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

var errWorkerGone = &rpcError{Code: -32000, Message: CodeEditorUnavailable}

func mapRPCError(err *rpcError) error {
	if err == nil {
		return nil
	}
	code, _ := err.Data["error_code"].(string)
	if code == CodeEditorUnavailable || (code == "" && strings.EqualFold(err.Message, CodeEditorUnavailable)) {
		return ErrUnavailable
	}
	return &RemoteError{Code: code, Message: err.Message}
}
