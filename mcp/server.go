// Package mcp exposes payment-gated tools to MCP hosts. Each registered
// tool proxies to a remote gateway endpoint through an Agent, so the
// 402 handshake and settlement happen transparently to the MCP caller.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agent402/agentpay"
	"github.com/agent402/agentpay/client"
)

// RemoteTool names one gateway endpoint to expose over MCP.
type RemoteTool struct {
	Name        string
	Description string
	URL         string
	// Schema is the tool's JSON Schema for arguments, nil for any object.
	Schema map[string]interface{}
}

// NewServer builds an MCP server whose tools pay per call via the agent.
func NewServer(agent *client.Agent, tools []RemoteTool) (*mcpsdk.Server, error) {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "agentpay",
		Version: "1.0.0",
	}, nil)

	for _, tool := range tools {
		schema := tool.Schema
		if schema == nil {
			schema = map[string]interface{}{"type": "object"}
		}
		schemaJSON, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", tool.Name, err)
		}

		url := tool.URL
		server.AddTool(&mcpsdk.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: json.RawMessage(schemaJSON),
		}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			args := make(map[string]interface{})
			if len(req.Params.Arguments) > 0 {
				if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
					return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
				}
			}

			result, err := agent.Call(ctx, url, args)
			if err != nil {
				// Busy means no funds moved; the host may simply retry.
				if agentpay.IsCode(err, agentpay.ErrCodeBusy) {
					return errorResult("all payment wallets are busy, retry shortly"), nil
				}
				return errorResult(err.Error()), nil
			}

			var structured interface{}
			if len(result.Data) > 0 {
				_ = json.Unmarshal(result.Data, &structured)
			}
			out := &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{
					&mcpsdk.TextContent{Text: string(result.Data)},
				},
				StructuredContent: structured,
			}
			return out, nil
		})
	}
	return server, nil
}

func errorResult(msg string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: msg}},
	}
}
