package editor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/pbaille/problembank/internal/logging"
)

type serverRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Serve answers newline-delimited JSON-RPC requests from r on w, one at a
// time, until r is exhausted or ctx is done.
func Serve(ctx context.Context, client Client, r io.Reader, w io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.Nop()
	}
	reader := bufio.NewReaderSize(r, 64*1024)
	enc := json.NewEncoder(w)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if werr := serveLine(ctx, client, line, enc, logger); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read request: %w", err)
		}
	}
}

func serveLine(ctx context.Context, client Client, line []byte, enc *json.Encoder, logger *slog.Logger) error {
	var req serverRequest
	if err := json.Unmarshal(line, &req); err != nil {
		logger.Warn("editor.serve_invalid_json", "error", err.Error())
		return nil
	}
	if req.ID == 0 {
		return nil
	}

	var out json.RawMessage
	resp := rpcResponse{JSONRPC: jsonRPCVersion, ID: req.ID}
	if err := client.Call(ctx, req.Method, req.Params, &out); err != nil {
		resp.Error = toRPCError(err)
		logger.Debug("editor.serve_error", "method", req.Method, "error", err.Error())
	} else {
		resp.Result = out
	}
	if err := enc.Encode(resp); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

func toRPCError(err error) *rpcError {
	if errors.Is(err, ErrUnavailable) {
		return errWorkerGone
	}
	var re *RemoteError
	if errors.As(err, &re) {
		e := &rpcError{Code: -32000, Message: re.Message}
		if re.Code != "" {
			e.Data = map[string]any{"error_code": re.Code}
		}
		return e
	}
	return &rpcError{Code: -32000, Message: err.Error()}
}
