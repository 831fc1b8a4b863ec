// Package mock provides a scriptable mcp.Source for tests.
package mock

import (
	"context"

	"github.com/ariavoice/aria/internal/mcp"
)

// Compile-time check: Source must implement mcp.Source.
var _ mcp.Source = (*Source)(nil)

// CallRecord captures one CallTool invocation.
type CallRecord struct {
	Name string
	Args map[string]any
}

// Source is a configurable mock implementation of mcp.Source.
type Source struct {
	// ToolsList is returned by Tools.
	ToolsList []mcp.Tool

	// ToolsErr, when non-nil, is returned by Tools.
	ToolsErr error

	// Results maps tool names to canned results. A name missing from the map
	// falls back to Result.
	Results map[string]*mcp.ToolResult

	// Result is returned by CallTool when Results has no entry for the name.
	Result *mcp.ToolResult

	// CallErr, when non-nil, is returned by CallTool.
	CallErr error

	// CloseErr is returned by Close.
	CloseErr error

	// CallCalls records every CallTool invocation in order.
	CallCalls []CallRecord

	// ToolsCallCount tracks the number of Tools invocations.
	ToolsCallCount int

	// CloseCallCount tracks the number of Close invocations.
	CloseCallCount int
}

// Tools implements mcp.Source.
func (s *Source) Tools(context.Context) ([]mcp.Tool, error) {
	s.ToolsCallCount++
	if s.ToolsErr != nil {
		return nil, s.ToolsErr
	}
	return s.ToolsList, nil
}

// CallTool implements mcp.Source.
func (s *Source) CallTool(_ context.Context, name string, args map[string]any) (*mcp.ToolResult, error) {
	s.CallCalls = append(s.CallCalls, CallRecord{Name: name, Args: args})
	if s.CallErr != nil {
		return nil, s.CallErr
	}
	if r, ok := s.Results[name]; ok {
		return r, nil
	}
	if s.Result != nil {
		return s.Result, nil
	}
	return &mcp.ToolResult{Content: "ok"}, nil
}

// Close implements mcp.Source.
func (s *Source) Close() error {
	s.CloseCallCount++
	return s.CloseErr
}
