// Package agent implements the bounded-memory streaming conversation agent.
//
// The agent produces a stream of text deltas and tool status events for one
// turn. Providers with native tool calling run a tool-interaction loop over
// role "tool" messages; providers without it are latched into prompt mode,
// where tools are described in the system prompt and calls are detected by
// scanning the streamed text for a JSON envelope.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ariavoice/aria/internal/config"
	"github.com/ariavoice/aria/internal/history"
	"github.com/ariavoice/aria/internal/tool"
	"github.com/ariavoice/aria/pkg/provider/llm"
)

const (
	// maxMemoryMessages caps the in-memory conversation window to keep prompt
	// size and latency from growing over long sessions.
	maxMemoryMessages = 6

	defaultSystem = "You are a helpful assistant."

	// interruptMarker is stored in memory when the user barges in.
	interruptMarker = "[Interrupted by user]"

	// interruptHint teaches the model what the marker means. Appended to the
	// system prompt when the interrupt role is "user".
	interruptHint = "If you received `[interrupted by user]` signal, you were interrupted."
)

// EventKind discriminates the values on a Chat event stream.
type EventKind int

const (
	// EventText carries an incremental text delta.
	EventText EventKind = iota

	// EventToolStatus carries a tool call progress notification.
	EventToolStatus
)

// Event is one item produced by [Agent.Chat].
type Event struct {
	Kind   EventKind
	Text   string
	Status tool.StatusEvent
}

// SideChannelFunc receives out-of-band payloads surfaced by tool results
// (e.g. a video playback instruction) for direct delivery to the client.
type SideChannelFunc func(payload map[string]any)

// RecallFunc retrieves semantically similar past exchanges for the given
// user text, most relevant first.
type RecallFunc func(ctx context.Context, text string) ([]string, error)

// Agent is a stateful conversation agent with a bounded message memory.
//
// Memory mutation methods and Chat are safe for concurrent use; a single
// Chat stream must be consumed from one goroutine.
type Agent struct {
	provider    llm.Provider
	executor    *tool.Executor
	tools       []llm.ToolDefinition
	mcpPrompt   string
	sideChannel SideChannelFunc
	recall      RecallFunc
	log         *slog.Logger

	interruptRole config.InterruptRole

	mu               sync.Mutex
	system           string
	memory           []llm.Message
	interruptHandled bool

	// promptMode latches when the provider rejects native tool schemas and
	// stays set for the rest of the session.
	promptMode bool
	detector   streamJSONDetector
}

// Option configures an Agent.
type Option func(*Agent)

// WithSystem sets the base system prompt.
func WithSystem(system string) Option {
	return func(a *Agent) { a.SetSystem(system) }
}

// WithInterruptRole sets which role carries the interruption marker.
// Must be applied before WithSystem to affect the interrupt hint.
func WithInterruptRole(role config.InterruptRole) Option {
	return func(a *Agent) { a.interruptRole = role }
}

// WithTools enables tool calling. defs is the tool catalogue offered to the
// model; mcpPrompt is the prompt-mode addendum describing the same tools.
func WithTools(executor *tool.Executor, defs []llm.ToolDefinition, mcpPrompt string) Option {
	return func(a *Agent) {
		a.executor = executor
		a.tools = defs
		a.mcpPrompt = mcpPrompt
	}
}

// WithSideChannel sets the receiver for out-of-band tool payloads.
func WithSideChannel(fn SideChannelFunc) Option {
	return func(a *Agent) { a.sideChannel = fn }
}

// WithRecall enables long-term recall: before each provider call the agent
// asks fn for similar past exchanges and prepends them as context.
func WithRecall(fn RecallFunc) Option {
	return func(a *Agent) { a.recall = fn }
}

// WithLogger sets the agent's logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *Agent) { a.log = log }
}

// New creates an Agent talking to provider.
func New(provider llm.Provider, opts ...Option) *Agent {
	a := &Agent{
		provider:      provider,
		interruptRole: config.InterruptRoleUser,
		log:           slog.Default(),
	}
	a.SetSystem(defaultSystem)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ── System prompt and memory ─────────────────────────────────────────────────

// SetSystem replaces the base system prompt.
func (a *Agent) SetSystem(system string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.interruptRole == config.InterruptRoleUser {
		system = system + "\n\n" + interruptHint
	}
	a.system = system
}

// Memory returns a copy of the current conversation memory.
func (a *Agent) Memory() []llm.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]llm.Message, len(a.memory))
	copy(out, a.memory)
	return out
}

// SetMemoryFromHistory replaces the memory with persisted history messages.
// History roles "human" and "ai" map to "user" and "assistant"; empty
// messages are dropped.
func (a *Agent) SetMemoryFromHistory(msgs []history.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.memory = a.memory[:0]
	for _, msg := range msgs {
		if msg.Content == "" {
			continue
		}
		role := "assistant"
		if msg.Role == "human" {
			role = "user"
		}
		a.memory = append(a.memory, llm.Message{Role: role, Content: msg.Content})
	}
	a.trimMemoryLocked()
	a.log.Info("loaded memory from history", "messages", len(a.memory))
}

// addMessage appends to memory, skipping empty assistant text and duplicate
// consecutive same-role entries, then trims to the cap.
func (a *Agent) addMessage(role, content string) {
	if content == "" && role == "assistant" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.memory); n > 0 &&
		a.memory[n-1].Role == role && a.memory[n-1].Content == content {
		return
	}
	a.memory = append(a.memory, llm.Message{Role: role, Content: content})
	a.trimMemoryLocked()
}

func (a *Agent) trimMemoryLocked() {
	if len(a.memory) > maxMemoryMessages {
		a.memory = a.memory[len(a.memory)-maxMemoryMessages:]
	}
}

// ── Interrupts ───────────────────────────────────────────────────────────────

// HandleInterrupt records a user barge-in: the assistant's last memory entry
// is truncated to what was actually heard, followed by the interruption
// marker. Repeated calls before the next turn are no-ops.
func (a *Agent) HandleInterrupt(heard string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.interruptHandled {
		return
	}
	a.interruptHandled = true

	if n := len(a.memory); n > 0 && a.memory[n-1].Role == "assistant" {
		a.memory[n-1].Content = heard + "..."
	} else if heard != "" {
		a.memory = append(a.memory, llm.Message{Role: "assistant", Content: heard + "..."})
	}

	a.memory = append(a.memory, llm.Message{
		Role:    string(a.interruptRole),
		Content: interruptMarker,
	})
	a.trimMemoryLocked()
	a.log.Info("handled interrupt", "role", a.interruptRole)
}

// resetInterrupt re-arms interrupt handling at the start of a turn.
func (a *Agent) resetInterrupt() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interruptHandled = false
}

// ── Chat ─────────────────────────────────────────────────────────────────────

// Chat runs one conversation turn and returns the event stream. The stream
// is closed when the turn completes or ctx is cancelled. The user input is
// committed to memory unless input.Metadata.SkipMemory is set.
func (a *Agent) Chat(ctx context.Context, input BatchInput) <-chan Event {
	out := make(chan Event, 32)
	go func() {
		defer close(out)
		a.chat(ctx, input, out)
	}()
	return out
}

func (a *Agent) chat(ctx context.Context, input BatchInput, out chan<- Event) {
	a.resetInterrupt()
	a.mu.Lock()
	a.detector.Reset()
	a.mu.Unlock()

	userText := a.toTextPrompt(input)
	if userText == "" {
		a.log.Warn("chat called with empty input")
		return
	}

	messages := a.Memory()

	// Long-term recall: prepend similar past exchanges as context.
	if a.recall != nil && !input.Metadata.ProactiveSpeak {
		if snippets, err := a.recall(ctx, userText); err != nil {
			a.log.Warn("recall failed", "error", err)
		} else if len(snippets) > 0 {
			messages = append([]llm.Message{{
				Role:    "system",
				Content: "Relevant past exchanges:\n" + strings.Join(snippets, "\n"),
			}}, messages...)
		}
	}

	messages = append(messages, llm.Message{Role: "user", Content: userText, Images: input.Images})
	if !input.Metadata.SkipMemory {
		a.addMessage("user", userText)
	}

	if a.executor != nil && len(a.tools) > 0 {
		a.toolLoop(ctx, messages, out)
		return
	}
	a.simpleCompletion(ctx, messages, out)
}

// toTextPrompt flattens the batch input into a single prompt string.
func (a *Agent) toTextPrompt(input BatchInput) string {
	var parts []string
	for _, text := range input.Texts {
		switch text.Source {
		case SourceClipboard:
			parts = append(parts, fmt.Sprintf("[User shared content from clipboard: %s]", text.Content))
		default:
			parts = append(parts, text.Content)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// simpleCompletion streams a single completion without tool support.
func (a *Agent) simpleCompletion(ctx context.Context, messages []llm.Message, out chan<- Event) {
	a.mu.Lock()
	system := a.system
	a.mu.Unlock()

	stream, err := a.provider.StreamCompletion(ctx, llm.CompletionRequest{
		Messages:     messages,
		SystemPrompt: system,
	})
	if err != nil {
		a.log.Error("completion failed to start", "error", err)
		return
	}

	var response strings.Builder
	for chunk := range stream {
		if chunk.Text != "" && chunk.FinishReason != llm.FinishError {
			response.WriteString(chunk.Text)
			out <- Event{Kind: EventText, Text: chunk.Text}
		}
		if chunk.FinishReason == llm.FinishError {
			a.log.Error("completion stream failed", "error", chunk.Text)
		}
	}

	if ctx.Err() != nil {
		// Interrupted: HandleInterrupt owns the memory update.
		return
	}
	a.addMessage("assistant", response.String())
}

// toolLoop runs the tool-interaction loop: one iteration per provider call,
// re-entering after each round of tool execution until the model produces a
// final text-only answer.
func (a *Agent) toolLoop(ctx context.Context, messages []llm.Message, out chan<- Event) {
	for {
		a.mu.Lock()
		system := a.system
		promptMode := a.promptMode
		if promptMode && a.mcpPrompt != "" {
			system = system + "\n\n" + a.mcpPrompt
		}
		a.mu.Unlock()

		var toolsForAPI []llm.ToolDefinition
		if !promptMode {
			toolsForAPI = a.tools
		}

		stream, err := a.provider.StreamCompletion(ctx, llm.CompletionRequest{
			Messages:     messages,
			SystemPrompt: system,
			Tools:        toolsForAPI,
		})
		if err != nil {
			a.log.Error("completion failed to start", "error", err)
			return
		}

		var (
			turnText     strings.Builder
			withheld     strings.Builder
			pendingCalls []llm.ToolCall
			detected     []map[string]any
			restart      bool
		)

	consume:
		for chunk := range stream {
			if promptMode {
				if chunk.Text != "" && chunk.FinishReason != llm.FinishError {
					turnText.WriteString(chunk.Text)
					wasActive := a.detector.Active()
					if objects := a.detector.ProcessChunk(chunk.Text); objects != nil {
						detected = objects
						withheld.Reset()
						break consume
					}
					switch {
					case !wasActive && !a.detector.Active():
						out <- Event{Kind: EventText, Text: chunk.Text}
					case a.detector.Active():
						// Withhold text while a potential tool envelope
						// streams; it is released if the candidate turns out
						// to be plain prose.
						withheld.WriteString(chunk.Text)
					default:
						// The candidate closed but failed to parse as a tool
						// envelope: it was ordinary text with braces in it.
						withheld.WriteString(chunk.Text)
						out <- Event{Kind: EventText, Text: withheld.String()}
						withheld.Reset()
					}
				}
				if chunk.FinishReason == llm.FinishError {
					a.log.Error("completion stream failed", "error", chunk.Text)
				}
				continue
			}

			if chunk.Text != "" && chunk.FinishReason != llm.FinishError {
				turnText.WriteString(chunk.Text)
				out <- Event{Kind: EventText, Text: chunk.Text}
			}
			switch chunk.FinishReason {
			case llm.FinishToolCalls:
				pendingCalls = chunk.ToolCalls
				break consume
			case llm.FinishToolsUnsupported:
				a.log.Warn("provider has no native tool support, switching to prompt mode")
				a.mu.Lock()
				a.promptMode = true
				a.detector.Reset()
				a.mu.Unlock()
				restart = true
				break consume
			case llm.FinishError:
				a.log.Error("completion stream failed", "error", chunk.Text)
			}
		}
		drain(stream)

		if ctx.Err() != nil {
			return
		}
		if restart {
			continue
		}

		switch {
		case detected != nil:
			a.addMessage("assistant", turnText.String())
			calls := tool.ParsePromptCalls(detected)
			if len(calls) == 0 {
				return
			}
			results, err := a.runTools(ctx, calls, out)
			if err != nil {
				return
			}
			messages = append(messages, tool.PromptMessage(results))

		case len(pendingCalls) > 0:
			messages = append(messages, llm.Message{
				Role:      "assistant",
				Content:   turnText.String(),
				ToolCalls: pendingCalls,
			})
			a.addMessage("assistant", turnText.String())

			results, err := a.runTools(ctx, pendingCalls, out)
			if err != nil {
				return
			}
			messages = append(messages, tool.NativeMessages(results)...)

		default:
			// Stream ended with an unclosed candidate still buffered; it was
			// never a tool envelope, so the client gets it after all.
			if withheld.Len() > 0 {
				out <- Event{Kind: EventText, Text: withheld.String()}
			}
			a.addMessage("assistant", turnText.String())
			return
		}
	}
}

// runTools executes calls, forwarding status events and side channels.
func (a *Agent) runTools(ctx context.Context, calls []llm.ToolCall, out chan<- Event) ([]tool.Result, error) {
	results, err := a.executor.Execute(ctx, calls, func(ev tool.StatusEvent) {
		out <- Event{Kind: EventToolStatus, Status: ev}
	})
	if err != nil {
		return nil, err
	}
	a.forwardSideChannels(results)
	return results, nil
}

// forwardSideChannels delivers out-of-band payloads carried in tool results,
// such as video playback instructions, before the results re-enter the
// provider.
func (a *Agent) forwardSideChannels(results []tool.Result) {
	if a.sideChannel == nil {
		return
	}
	for _, res := range results {
		var payload map[string]any
		if err := json.Unmarshal([]byte(res.Content), &payload); err != nil {
			continue
		}
		if kind, _ := payload["type"].(string); kind == "video_response" {
			a.sideChannel(payload)
		}
	}
}

// drain consumes any remaining chunks so the provider goroutine can exit.
func drain(stream <-chan llm.Chunk) {
	go func() {
		for range stream {
		}
	}()
}
