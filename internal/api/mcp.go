package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/pbaille/problembank/internal/bank"
	"github.com/pbaille/problembank/internal/domain"
	"github.com/pbaille/problembank/internal/extract"
	"github.com/pbaille/problembank/internal/tagschema"
)

// NewMCPServer builds an MCP server exposing the problem bank tools.
func NewMCPServer(svc *bank.Service, version string) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "problembank", Version: version}, nil)
	RegisterMCP(srv, svc)
	return srv
}

// ServeMCP serves the tools over stdio until ctx ends or the client hangs up.
func ServeMCP(ctx context.Context, svc *bank.Service, version string) error {
	return NewMCPServer(svc, version).Run(ctx, &mcp.StdioTransport{})
}

// RegisterMCP registers problem bank tools on an MCP server.
func RegisterMCP(srv *mcp.Server, svc *bank.Service) {
	v := validator.New(validator.WithRequiredStructEnabled())
	registerExtractTool(srv, svc, v)
	registerValidateTagsTool(srv, svc, v)
	registerComposeTool(srv, svc, v)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// addTool decodes the call arguments into Req, validates them and returns
// the endpoint's result as JSON text. Failures become tool errors.
func addTool[Req any](srv *mcp.Server, v *validator.Validate, tool *mcp.Tool, endpoint func(context.Context, *Req) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, call *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var req Req
		if len(call.Params.Arguments) > 0 {
			if err := json.Unmarshal(call.Params.Arguments, &req); err != nil {
				return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
			}
		}
		if err := v.Struct(&req); err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}
		resp, err := endpoint(ctx, &req)
		if err != nil {
			return toolError(err), nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return toolError(fmt.Errorf("marshal: %w", err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

func toolError(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(errors.New(err.Error()))
	return &res
}

// --- extract ---

type extractReq struct {
	Path string `json:"path" validate:"required"`
}

// ScanResponse is the JSON shape of a dry-run extraction.
type ScanResponse struct {
	Problems []domain.Problem    `json:"problems"`
	Failures []bank.BlockFailure `json:"failures,omitempty"`
	Warnings []string            `json:"warnings,omitempty"`
}

func newScanResponse(res extract.Result) ScanResponse {
	out := ScanResponse{Problems: res.Problems}
	if out.Problems == nil {
		out.Problems = []domain.Problem{}
	}
	for _, f := range res.Failures {
		out.Failures = append(out.Failures, bank.BlockFailure{Index: f.Index, Reason: f.Error()})
	}
	for _, w := range res.Warnings {
		out.Warnings = append(out.Warnings, w.String())
	}
	return out
}

func registerExtractTool(srv *mcp.Server, svc *bank.Service, v *validator.Validate) {
	tool := &mcp.Tool{
		Name:        "problembank_extract",
		Description: "Extract marker-delimited problems from a document (docx, txt, md, html) without storing them.",
		InputSchema: inputSchema(map[string]any{
			"path": map[string]any{"type": "string", "description": "Document path"},
		}, []string{"path"}),
	}
	addTool(srv, v, tool, func(ctx context.Context, r *extractReq) (any, error) {
		res, err := svc.Scan(ctx, r.Path)
		if err != nil {
			return nil, err
		}
		return newScanResponse(res), nil
	})
}

// --- validate tags ---

type validateTagsReq struct {
	Tags domain.Tags `json:"tags" validate:"required"`
}

func registerValidateTagsTool(srv *mcp.Server, svc *bank.Service, v *validator.Validate) {
	tool := &mcp.Tool{
		Name:        "problembank_validate_tags",
		Description: "Check a tag set against the configured tag schema.",
		InputSchema: inputSchema(map[string]any{
			"tags": map[string]any{
				"type":                 "object",
				"description":          "Category name to list of values",
				"additionalProperties": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
		}, []string{"tags"}),
	}
	addTool(srv, v, tool, func(_ context.Context, r *validateTagsReq) (any, error) {
		res := svc.ValidateTags(r.Tags)
		violations := res.Violations
		if violations == nil {
			violations = []tagschema.Violation{}
		}
		return map[string]any{"valid": res.Valid(), "violations": violations}, nil
	})
}

// --- compose ---

func registerComposeTool(srv *mcp.Server, svc *bank.Service, v *validator.Validate) {
	str := func(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }
	tool := &mcp.Tool{
		Name:        "problembank_compose",
		Description: "Fill a worksheet template with stored problems and save it to a new file.",
		InputSchema: inputSchema(map[string]any{
			"problem_ids": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Problem ids in worksheet order",
			},
			"title":         str("Worksheet title"),
			"teacher":       str("Teacher name"),
			"date":          str("Date text; defaults to today"),
			"template_path": str("Template document path; never modified"),
			"output_path":   str("Where to save the worksheet"),
		}, []string{"template_path", "output_path"}),
	}
	addTool(srv, v, tool, func(ctx context.Context, r *bank.WorksheetRequest) (any, error) {
		return svc.Compose(ctx, *r)
	})
}
