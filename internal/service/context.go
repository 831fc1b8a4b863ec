// Package service binds one connection's configuration snapshot to live
// provider instances: ASR, TTS, VAD, embeddings, the LLM agent with its MCP
// tool client, and the conversation orchestrator driving them.
//
// A character switch has a fast path (identity changes applied in place and
// announced immediately) and a heavy path (provider re-initialisation on a
// cancellable background task; a newer switch cancels a pending one).
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ariavoice/aria/internal/agent"
	"github.com/ariavoice/aria/internal/config"
	"github.com/ariavoice/aria/internal/conversation"
	"github.com/ariavoice/aria/internal/history"
	"github.com/ariavoice/aria/internal/mcp"
	"github.com/ariavoice/aria/internal/observe"
	"github.com/ariavoice/aria/internal/tool"
	"github.com/ariavoice/aria/internal/wake"
	"github.com/ariavoice/aria/pkg/provider/asr"
	"github.com/ariavoice/aria/pkg/provider/embeddings"
	"github.com/ariavoice/aria/pkg/provider/llm"
	"github.com/ariavoice/aria/pkg/provider/tts"
	"github.com/ariavoice/aria/pkg/provider/vad"
)

// mcpListTimeout bounds the initial tool listing when building a context.
const mcpListTimeout = 15 * time.Second

// recallTopK is how many past exchanges long-term recall feeds the agent.
const recallTopK = 5

// Context is the per-connection service container.
type Context struct {
	log     *slog.Logger
	metrics *observe.Metrics

	registry  *config.Registry
	system    config.SystemConfig
	store     history.Store
	gate      *wake.Gate
	clientUID string
	send      conversation.SendFunc

	mu        sync.Mutex
	character config.CharacterConfig
	providers providerSet
	agent     *agent.Agent
	mcpClient *mcp.Client
	orch      *conversation.Orchestrator

	// Pending background character switch, cancelled by a newer switch or by
	// Close.
	bgCancel context.CancelFunc
	bgDone   chan struct{}

	closed bool
}

type providerSet struct {
	llm   llm.Provider
	asr   asr.Provider
	tts   tts.Provider
	vad   vad.Engine
	embed embeddings.Provider
}

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the context's logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Context) { c.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Context) { c.metrics = m }
}

// WithHistoryStore enables history persistence.
func WithHistoryStore(store history.Store) Option {
	return func(c *Context) { c.store = store }
}

// New builds a connection context from the config snapshot. The character's
// providers are instantiated through the registry; MCP servers are connected
// lazily with a warm-up in the background. An error means the connection
// cannot be served.
func New(ctx context.Context, cfg *config.Config, registry *config.Registry, gate *wake.Gate, clientUID string, send conversation.SendFunc, opts ...Option) (*Context, error) {
	c := &Context{
		log:       slog.Default(),
		metrics:   observe.DefaultMetrics(),
		registry:  registry,
		system:    cfg.System,
		gate:      gate,
		clientUID: clientUID,
		send:      send,
		character: cfg.Character,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("client", clientUID)

	providers, err := c.buildProviders(cfg.Character, providerSet{}, config.CharacterDiff{
		LLMChanged: true, ASRChanged: true, TTSChanged: true,
		VADChanged: true, EmbeddingsChanged: true,
	})
	if err != nil {
		return nil, err
	}
	c.providers = providers

	if err := c.assemble(ctx, cfg.Character); err != nil {
		return nil, err
	}

	if c.store != nil && c.system.EnableHistory {
		uid, err := c.store.Create(ctx, cfg.Character.ConfUID)
		if err != nil {
			c.log.Warn("could not create history conversation", "error", err)
		} else {
			c.orch.SetHistoryUID(uid)
		}
	}
	return c, nil
}

// buildProviders instantiates the providers the diff marks as changed,
// carrying the rest over from prev.
func (c *Context) buildProviders(char config.CharacterConfig, prev providerSet, diff config.CharacterDiff) (providerSet, error) {
	out := prev
	var err error

	if diff.LLMChanged {
		if out.llm, err = c.registry.CreateLLM(char.Agent.LLM); err != nil {
			return out, fmt.Errorf("service: build llm: %w", err)
		}
	}
	if diff.ASRChanged && char.ASR.Name != "" {
		if out.asr, err = c.registry.CreateASR(char.ASR); err != nil {
			return out, fmt.Errorf("service: build asr: %w", err)
		}
	}
	if diff.TTSChanged && char.TTS.Name != "" {
		if out.tts, err = c.registry.CreateTTS(char.TTS); err != nil {
			return out, fmt.Errorf("service: build tts: %w", err)
		}
	}
	if diff.VADChanged && char.VAD.Name != "" {
		if out.vad, err = c.registry.CreateVAD(char.VAD); err != nil {
			return out, fmt.Errorf("service: build vad: %w", err)
		}
	}
	if diff.EmbeddingsChanged && char.Embeddings.Name != "" {
		if out.embed, err = c.registry.CreateEmbeddings(char.Embeddings); err != nil {
			return out, fmt.Errorf("service: build embeddings: %w", err)
		}
	}
	return out, nil
}

// assemble wires the agent, MCP client, and orchestrator for the character.
// Called under no lock at construction and under c.mu during switches.
func (c *Context) assemble(ctx context.Context, char config.CharacterConfig) error {
	agentOpts := []agent.Option{
		agent.WithLogger(c.log),
		agent.WithInterruptRole(char.Agent.InterruptRole),
		agent.WithSystem(char.PersonaPrompt),
		agent.WithSideChannel(func(payload map[string]any) { c.send(payload) }),
	}

	var mcpClient *mcp.Client
	if char.Agent.UseMCP && len(c.system.MCP.Servers) > 0 {
		enabled := char.Agent.MCPEnabledServers
		if len(enabled) == 0 {
			for _, srv := range c.system.MCP.Servers {
				enabled = append(enabled, srv.Name)
			}
		}
		mcpClient = mcp.NewClient(c.system.MCP.Servers, enabled, mcp.WithLogger(c.log))

		listCtx, cancel := context.WithTimeout(ctx, mcpListTimeout)
		tools, err := mcpClient.Tools(listCtx)
		cancel()
		switch {
		case err != nil:
			c.log.Warn("tool listing failed, continuing without tools", "error", err)
		case len(tools) > 0:
			defs := make([]llm.ToolDefinition, len(tools))
			for i, t := range tools {
				defs[i] = t.Definition()
			}
			executor := tool.NewExecutor(mcpClient, tool.WithLogger(c.log), tool.WithMetrics(c.metrics))
			prompt := c.resolveToolPrompt("mcp_prompt")
			if prompt == "" {
				prompt = "You can use the following tools. To call one, reply with a JSON object {\"name\": ..., \"arguments\": {...}}."
			}
			agentOpts = append(agentOpts, agent.WithTools(executor, defs, prompt+"\n\n"+tool.DescribeTools(tools)))
		}
	}

	if c.store != nil && c.providers.embed != nil {
		agentOpts = append(agentOpts, agent.WithRecall(c.recallFunc(char.ConfUID)))
	}

	ag := agent.New(c.providers.llm, agentOpts...)

	c.gate.SetClientLanguage(c.clientUID, wake.Language(char.WakeLanguage))

	orchOpts := []conversation.Option{
		conversation.WithLogger(c.log),
		conversation.WithMetrics(c.metrics),
		conversation.WithCharacter(char.CharacterName, char.HumanName, char.Avatar),
		conversation.WithPipeline(conversation.PipelineConfig{
			SegmentMethod:       char.Agent.SegmentMethod,
			FasterFirstResponse: char.Agent.FasterFirstResponse,
			ValidTags:           validTags(char.Agent.ValidTags),
			Expressions:         char.Expressions,
			TTSPreprocessor:     char.TTSPreprocessor,
		}),
	}
	if c.providers.asr != nil {
		orchOpts = append(orchOpts, conversation.WithASR(c.providers.asr))
	}
	if c.providers.tts != nil {
		orchOpts = append(orchOpts, conversation.WithTTS(c.providers.tts, char.TTS.Voice))
	}
	if c.store != nil && c.system.EnableHistory {
		orchOpts = append(orchOpts, conversation.WithHistory(c.store, char.ConfUID))
		if c.providers.embed != nil {
			embed := c.providers.embed
			orchOpts = append(orchOpts, conversation.WithEmbed(
				func(ctx context.Context, text string) ([]float32, error) {
					return embed.Embed(ctx, text)
				},
			))
		}
	}
	if prompt := c.resolveToolPrompt("proactive_speak_prompt"); prompt != "" {
		orchOpts = append(orchOpts, conversation.WithProactivePrompt(prompt))
	}

	orch := conversation.New(ag, c.gate, orchOpts...)

	// Keep the selected conversation across an in-place rebuild.
	if c.orch != nil {
		orch.SetHistoryUID(c.orch.HistoryUID())
	}

	oldMCP := c.mcpClient
	c.agent = ag
	c.mcpClient = mcpClient
	c.orch = orch

	if mcpClient != nil {
		go mcpClient.Warm(context.WithoutCancel(ctx))
	}
	if oldMCP != nil {
		oldMCP.Close()
	}
	return nil
}

// validTags applies the default tag vocabulary. A nil list means the config
// left it unset; an explicit empty list disables tag handling.
func validTags(tags []string) []string {
	if tags == nil {
		return []string{"think"}
	}
	return tags
}

// recallFunc adapts the store and embedder into the agent's recall hook.
func (c *Context) recallFunc(confUID string) agent.RecallFunc {
	embed := c.providers.embed
	store := c.store
	return func(ctx context.Context, text string) ([]string, error) {
		vec, err := embed.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		recalled, err := store.Recall(ctx, confUID, vec, recallTopK)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(recalled))
		for i, r := range recalled {
			out[i] = r.Message.Role + ": " + r.Message.Content
		}
		return out, nil
	}
}

// resolveToolPrompt looks up a named prompt in the system config. The value
// may be a file path or inline text.
func (c *Context) resolveToolPrompt(name string) string {
	v := c.system.ToolPrompts[name]
	if v == "" {
		return ""
	}
	if data, err := os.ReadFile(v); err == nil {
		return strings.TrimSpace(string(data))
	}
	return v
}

// ── Accessors ────────────────────────────────────────────────────────────────

// Orchestrator returns the conversation orchestrator for this connection.
func (c *Context) Orchestrator() *conversation.Orchestrator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orch
}

// Agent returns the connection's agent.
func (c *Context) Agent() *agent.Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agent
}

// Character returns the active character config.
func (c *Context) Character() config.CharacterConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.character
}

// Store returns the history store, nil when history is disabled.
func (c *Context) Store() history.Store { return c.store }

// HistoryEnabled reports whether history persistence is active.
func (c *Context) HistoryEnabled() bool {
	return c.store != nil && c.system.EnableHistory
}

// MCP returns the MCP client, nil when tool calling is disabled.
func (c *Context) MCP() *mcp.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mcpClient
}

// NewVADSession creates an adaptive VAD session for the connection's raw
// audio stream, or nil when no VAD engine is configured.
func (c *Context) NewVADSession(sampleRate int) (*vad.Adaptive, error) {
	c.mu.Lock()
	engine := c.providers.vad
	vadCfg := c.character.VAD
	c.mu.Unlock()
	if engine == nil {
		return nil, nil
	}

	adaptiveCfg := vad.DefaultAdaptiveConfig()
	if vadCfg.ProbThreshold > 0 {
		adaptiveCfg.BaseProbThreshold = vadCfg.ProbThreshold
	}
	if vadCfg.DBThreshold > 0 {
		adaptiveCfg.BaseDBThreshold = vadCfg.DBThreshold
	}

	inner, err := engine.NewSession(vad.Config{
		SampleRate:    sampleRate,
		ProbThreshold: adaptiveCfg.BaseProbThreshold,
		DBThreshold:   adaptiveCfg.BaseDBThreshold,
		MinSilenceMs:  vadCfg.MinSilenceMs,
	})
	if err != nil {
		return nil, fmt.Errorf("service: vad session: %w", err)
	}
	return vad.NewAdaptive(inner, adaptiveCfg), nil
}

// InitFrame is the set-model-and-conf payload announcing the active
// character to the client.
func (c *Context) InitFrame() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return initFrame(c.character, c.clientUID)
}

func initFrame(char config.CharacterConfig, clientUID string) map[string]any {
	return map[string]any{
		"type":              "set-model-and-conf",
		"conf_name":         char.ConfName,
		"conf_uid":          char.ConfUID,
		"live2d_model_name": char.Live2DModelName,
		"character_name":    char.CharacterName,
		"human_name":        char.HumanName,
		"client_uid":        clientUID,
	}
}

// ── Character switching ──────────────────────────────────────────────────────

// SwitchCharacter loads the named alt config and applies it. Identity-only
// changes apply immediately; provider changes re-initialise on a background
// task, cancelling any switch still in flight. The client receives
// set-model-and-conf right away and config-switched when the switch is
// complete.
func (c *Context) SwitchCharacter(ctx context.Context, filename string) error {
	char, err := config.LoadAlt(c.system.ConfigAltsDir, filename)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("service: context closed")
	}
	old := c.character
	diff := config.DiffCharacter(&old, char)

	// Cancel a pending heavy switch; the newest request wins.
	if c.bgCancel != nil {
		c.bgCancel()
		c.bgCancel = nil
	}
	c.character = *char
	c.mu.Unlock()

	// Fast path first: announce the new identity immediately.
	c.send(initFrame(*char, c.clientUID))

	if diff.Empty() {
		c.send(map[string]any{"type": "config-switched", "conf_name": char.ConfName})
		return nil
	}

	if !diff.NeedsProviderInit() {
		// Agent and pipeline settings rebuild in place on existing providers.
		c.mu.Lock()
		err := c.assemble(ctx, *char)
		c.mu.Unlock()
		if err != nil {
			return err
		}
		c.send(map[string]any{"type": "config-switched", "conf_name": char.ConfName})
		c.log.Info("character switched", "conf", char.ConfName)
		return nil
	}

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.mu.Lock()
	c.bgCancel = cancel
	c.bgDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		c.heavySwitch(bgCtx, old, *char, diff)
	}()
	return nil
}

// heavySwitch rebuilds providers on a background task. On failure the
// previous character stays active and the client gets an error frame.
func (c *Context) heavySwitch(ctx context.Context, old, char config.CharacterConfig, diff config.CharacterDiff) {
	c.mu.Lock()
	prev := c.providers
	c.mu.Unlock()

	providers, err := c.buildProviders(char, prev, diff)
	if err != nil {
		c.log.Error("character switch failed", "conf", char.ConfName, "error", err)
		c.send(map[string]any{
			"type":    "error",
			"message": fmt.Sprintf("Failed to switch to %s: %v", char.ConfName, err),
		})
		c.mu.Lock()
		c.character = old
		c.mu.Unlock()
		c.send(initFrame(old, c.clientUID))
		return
	}
	if ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.providers = providers
	assembleErr := c.assemble(ctx, char)
	c.mu.Unlock()
	if assembleErr != nil {
		c.log.Error("character switch failed", "conf", char.ConfName, "error", assembleErr)
		c.send(map[string]any{
			"type":    "error",
			"message": fmt.Sprintf("Failed to switch to %s: %v", char.ConfName, assembleErr),
		})
		return
	}

	c.send(map[string]any{"type": "config-switched", "conf_name": char.ConfName})
	c.log.Info("character switched", "conf", char.ConfName)
}

// ── Shutdown ─────────────────────────────────────────────────────────────────

// Close tears the context down: the in-flight turn is cancelled, a pending
// character switch is abandoned, and the MCP subprocesses are shut down with
// their bounded per-session deadline. Errors are swallowed; Close is
// idempotent.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	bgCancel := c.bgCancel
	bgDone := c.bgDone
	orch := c.orch
	mcpClient := c.mcpClient
	c.mu.Unlock()

	if bgCancel != nil {
		bgCancel()
		<-bgDone
	}
	if orch != nil {
		orch.Close()
	}
	if mcpClient != nil {
		mcpClient.Close()
	}
	c.gate.CleanupClient(c.clientUID)
	c.log.Info("service context closed")
}
