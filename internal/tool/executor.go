// Package tool executes tool calls requested by a language model and shapes
// the results back into conversation messages.
//
// Two calling conventions are supported. Models with native tool calling get
// one role "tool" message per call, keyed by the provider-assigned call ID.
// Models without native support run in prompt mode: calls arrive as JSON in
// the completion text and all results are combined into a single role "user"
// message.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ariavoice/aria/internal/mcp"
	"github.com/ariavoice/aria/internal/observe"
	"github.com/ariavoice/aria/pkg/provider/llm"
)

// Status is the lifecycle state of a single tool call.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// StatusEvent is a progress notification emitted while a tool call runs.
// Events are forwarded to the client so the UI can show tool activity.
type StatusEvent struct {
	ToolID  string
	Name    string
	Status  Status
	Content string
}

// Result is the terminal outcome of one tool call.
type Result struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Executor runs tool calls against an mcp.Source.
type Executor struct {
	source  mcp.Source
	metrics *observe.Metrics
	log     *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger used for tool execution events.
func WithLogger(log *slog.Logger) Option {
	return func(e *Executor) { e.log = log }
}

// WithMetrics sets the metrics sink for tool call counters and latencies.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates an Executor backed by source.
func NewExecutor(source mcp.Source, opts ...Option) *Executor {
	e := &Executor{
		source:  source,
		metrics: observe.DefaultMetrics(),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs calls in order, invoking onStatus for each lifecycle event,
// and returns the terminal results. Tool failures are captured in the
// results rather than returned as errors, so the model can react to them;
// the only error Execute itself returns is context cancellation.
func (e *Executor) Execute(ctx context.Context, calls []llm.ToolCall, onStatus func(StatusEvent)) ([]Result, error) {
	if onStatus == nil {
		onStatus = func(StatusEvent) {}
	}

	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, e.executeOne(ctx, call, onStatus))
	}
	return results, nil
}

func (e *Executor) executeOne(ctx context.Context, call llm.ToolCall, onStatus func(StatusEvent)) Result {
	onStatus(StatusEvent{ToolID: call.ID, Name: call.Name, Status: StatusRunning})

	args, err := decodeArgs(call.Arguments)
	if err != nil {
		e.log.Warn("tool call has malformed arguments", "tool", call.Name, "error", err)
		return e.finish(ctx, call, onStatus, Result{
			CallID:  call.ID,
			Name:    call.Name,
			Content: fmt.Sprintf("Error parsing arguments for %s: %v", call.Name, err),
			IsError: true,
		}, 0)
	}

	start := time.Now()
	result, err := e.source.CallTool(ctx, call.Name, args)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		e.log.Error("tool call failed", "tool", call.Name, "error", err)
		return e.finish(ctx, call, onStatus, Result{
			CallID:  call.ID,
			Name:    call.Name,
			Content: fmt.Sprintf("Error calling %s: %v", call.Name, err),
			IsError: true,
		}, elapsed)
	case result.IsError:
		return e.finish(ctx, call, onStatus, Result{
			CallID:  call.ID,
			Name:    call.Name,
			Content: result.Content,
			IsError: true,
		}, elapsed)
	default:
		return e.finish(ctx, call, onStatus, Result{
			CallID:  call.ID,
			Name:    call.Name,
			Content: result.Content,
		}, elapsed)
	}
}

// finish records metrics and emits the terminal status event for one call.
func (e *Executor) finish(ctx context.Context, call llm.ToolCall, onStatus func(StatusEvent), res Result, elapsed time.Duration) Result {
	status := StatusCompleted
	if res.IsError {
		status = StatusError
	}

	if e.metrics != nil {
		e.metrics.RecordToolCall(ctx, call.Name, string(status))
		if elapsed > 0 {
			e.metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(observe.Attr("tool", call.Name)))
		}
	}

	onStatus(StatusEvent{ToolID: call.ID, Name: call.Name, Status: status, Content: res.Content})
	return res
}

// decodeArgs parses a JSON-encoded argument string into a map. Empty and
// whitespace-only strings decode to nil, valid for parameter-less tools.
func decodeArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// NativeMessages shapes results for models with native tool calling: one
// role "tool" message per result, keyed by the original call ID.
func NativeMessages(results []Result) []llm.Message {
	msgs := make([]llm.Message, len(results))
	for i, res := range results {
		msgs[i] = llm.Message{
			Role:       "tool",
			Content:    res.Content,
			ToolCallID: res.CallID,
		}
	}
	return msgs
}

// PromptMessage shapes results for prompt mode: all result contents combined
// into a single role "user" message, one per line.
func PromptMessage(results []Result) llm.Message {
	contents := make([]string, len(results))
	for i, res := range results {
		contents[i] = res.Content
	}
	return llm.Message{Role: "user", Content: strings.Join(contents, "\n")}
}

// ParsePromptCalls converts tool-call JSON objects detected in a prompt-mode
// completion into tool calls. Each object needs a "name" string; arguments
// may appear under "arguments" or "parameters" as either an object or a
// pre-encoded JSON string. Objects without a usable name are skipped.
func ParsePromptCalls(objects []map[string]any) []llm.ToolCall {
	var calls []llm.ToolCall
	for i, obj := range objects {
		name, _ := obj["name"].(string)
		if name == "" {
			continue
		}

		rawArgs, ok := obj["arguments"]
		if !ok {
			rawArgs = obj["parameters"]
		}

		var args string
		switch v := rawArgs.(type) {
		case string:
			args = v
		case map[string]any:
			if data, err := json.Marshal(v); err == nil {
				args = string(data)
			}
		}

		calls = append(calls, llm.ToolCall{
			ID:        fmt.Sprintf("prompt-%d", i+1),
			Name:      name,
			Arguments: args,
		})
	}
	return calls
}

// DescribeTools renders a tool catalogue as a JSON block for inclusion in a
// prompt-mode system prompt.
func DescribeTools(tools []mcp.Tool) string {
	type entry struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	}

	entries := make([]entry, len(tools))
	for i, t := range tools {
		entries[i] = entry{Name: t.Name, Description: t.Description, Parameters: t.InputSchema}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "[]"
	}
	return string(data)
}
