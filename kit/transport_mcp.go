package kit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPDecodeResult carries the typed request decoded from a tool call.
type MCPDecodeResult struct {
	Request any
}

// ToolDecoder extracts the typed request from req.Params.Arguments
// (json.RawMessage in the official SDK).
type ToolDecoder func(*mcp.CallToolRequest) (*MCPDecodeResult, error)

// RegisterMCPTool registers an Endpoint as an MCP tool on the given server.
// The endpoint's response is serialized as a JSON text part. Endpoint errors
// become tool errors in the result rather than protocol errors, so clients
// always get a well-formed response.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode ToolDecoder) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		decoded, err := decode(req)
		if err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}

		resp, err := endpoint(ctx, decoded.Request)
		if err != nil {
			return toolError(errors.New(err.Error())), nil
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
	res.SetError(err)
	return &res
}
