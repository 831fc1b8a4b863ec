// Package mcp manages connections to MCP tool servers over stdio transports
// using the official MCP Go SDK (github.com/modelcontextprotocol/go-sdk).
//
// Servers are spawned lazily as subprocesses on first use and reused for the
// lifetime of the [Client]. Tool catalogues are cached per server, and a
// failing server never takes the rest of the catalogue down with it: its
// tools simply stay unavailable until the next reconnect.
package mcp

import (
	"context"
	"errors"

	"github.com/ariavoice/aria/pkg/provider/llm"
)

// ErrToolNotFound is returned by [Client.CallTool] when no registered server
// advertises the requested tool.
var ErrToolNotFound = errors.New("mcp: tool not found")

// Tool describes a single tool advertised by an MCP server.
type Tool struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does.
	Description string

	// InputSchema is the JSON Schema for the tool's arguments.
	InputSchema map[string]any

	// Server is the name of the MCP server that owns this tool.
	Server string
}

// Definition converts the tool into the form offered to a language model.
func (t Tool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.InputSchema,
	}
}

// ToolResult is the outcome of a single tool invocation.
//
// IsError marks an application-level failure reported by the tool itself.
// Such results are returned to the model as content rather than raised as Go
// errors, so the model can react to them in conversation.
type ToolResult struct {
	Content string
	IsError bool
}

// Source is the tool surface the agent consumes. *Client implements it; the
// mock package provides a scriptable substitute for tests.
type Source interface {
	// Tools returns the aggregated tool catalogue across all reachable servers.
	Tools(ctx context.Context) ([]Tool, error)

	// CallTool invokes the named tool and returns its result. A Go error is
	// returned only for transport or protocol failures; tool-reported errors
	// come back as a ToolResult with IsError set.
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)

	// Close shuts down all server connections.
	Close() error
}
