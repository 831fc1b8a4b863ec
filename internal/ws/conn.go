package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ariavoice/aria/internal/config"
	"github.com/ariavoice/aria/internal/conversation"
	"github.com/ariavoice/aria/internal/service"
	"github.com/ariavoice/aria/internal/tool"
	"github.com/ariavoice/aria/pkg/provider/llm"
	"github.com/ariavoice/aria/pkg/provider/vad"
)

// socket is the transport surface the connection needs. *websocket.Conn
// implements it; tests substitute a scripted fake.
type socket interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

var _ socket = (*websocket.Conn)(nil)

// Conn is one client connection. A single reader goroutine owns the message
// loop, so handlers run serialized; only send, touch, and shutdown are called
// from other goroutines.
type Conn struct {
	hub  *Hub
	uid  string
	sock socket
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	svc    *service.Context

	writeMu sync.Mutex

	beatMu   sync.Mutex
	lastBeat time.Time

	// micBuf accumulates mic-audio-data samples until mic-audio-end.
	// Reader-goroutine only.
	micBuf []float32

	// vadSess detects speech in raw-audio-data, created on first use.
	// Reader-goroutine only except for adaptive-vad-control threshold calls,
	// which Adaptive locks internally.
	vadSess  *vad.Adaptive
	vadTried bool

	closeOnce sync.Once
}

func newConn(h *Hub, sock socket) *Conn {
	uid := uuid.NewString()
	return &Conn{
		hub:      h,
		uid:      uid,
		sock:     sock,
		log:      h.log.With("client", uid),
		lastBeat: time.Now(),
	}
}

// run builds the connection's service context, announces the active character,
// and reads frames until the socket drops or the hub shuts the connection
// down.
func (c *Conn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.ctx = ctx
	c.cancel = cancel
	defer c.shutdown("")

	c.hub.metrics.ActiveConnections.Add(ctx, 1)
	defer c.hub.metrics.ActiveConnections.Add(context.Background(), -1)

	svc, err := service.New(ctx, c.hub.cfg, c.hub.registry, c.hub.gate, c.uid, c.send,
		service.WithLogger(c.hub.log),
		service.WithMetrics(c.hub.metrics),
		service.WithHistoryStore(c.hub.store),
	)
	if err != nil {
		c.log.Error("could not build service context", "error", err)
		c.send(map[string]any{"type": "error", "message": "Server initialization failed: " + err.Error()})
		return
	}
	c.svc = svc
	c.log.Info("connection established")

	c.send(map[string]any{"type": "full-text", "text": "Connection established"})
	c.send(svc.InitFrame())
	c.send(map[string]any{"type": "control", "text": "start-mic"})

	for {
		typ, data, err := c.sock.Read(ctx)
		if err != nil {
			c.log.Debug("connection closed", "error", err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("malformed message", "error", err)
			c.send(map[string]any{"type": "error", "message": "Invalid message format"})
			continue
		}
		c.handle(ctx, msg)
	}
}

// send marshals one frame and writes it, best-effort. Safe for concurrent
// use.
func (c *Conn) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("could not marshal frame", "error", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.sock.Write(ctx, websocket.MessageText, data); err != nil {
		c.log.Debug("frame write failed", "error", err)
	}
}

// shutdown tears the connection down: the in-flight turn is cancelled through
// the service context before per-connection state is released.
func (c *Conn) shutdown(reason string) {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if c.svc != nil {
			c.svc.Close()
		}
		if c.vadSess != nil {
			c.vadSess.Close()
		}
		c.sock.Close(websocket.StatusNormalClosure, reason)
		c.hub.remove(c.uid)
	})
}

func (c *Conn) touch() {
	c.beatMu.Lock()
	defer c.beatMu.Unlock()
	c.lastBeat = time.Now()
}

func (c *Conn) lastSeen() time.Time {
	c.beatMu.Lock()
	defer c.beatMu.Unlock()
	return c.lastBeat
}

// ── Message routing ──────────────────────────────────────────────────────────

func (c *Conn) handle(ctx context.Context, msg Message) {
	switch msg.Type {
	case "mic-audio-data":
		c.micBuf = append(c.micBuf, msg.Audio...)

	case "mic-audio-end":
		samples := c.micBuf
		c.micBuf = nil
		if len(samples) == 0 {
			return
		}
		c.svc.Orchestrator().Trigger(ctx, c.uid, c.send, conversation.Input{
			Samples:    samples,
			SampleRate: micSampleRate,
		})

	case "raw-audio-data":
		c.handleRawAudio(ctx, msg.Audio)

	case "text-input":
		if strings.TrimSpace(msg.Text) == "" {
			return
		}
		c.svc.Orchestrator().Trigger(ctx, c.uid, c.send, conversation.Input{
			Text:   msg.Text,
			Images: msg.Images,
		})

	case "ai-speak-signal":
		c.svc.Orchestrator().Trigger(ctx, c.uid, c.send, conversation.Input{Proactive: true})

	case "interrupt-signal":
		c.svc.Orchestrator().Interrupt(ctx, msg.Text)

	case "heartbeat":
		c.touch()
		c.send(map[string]any{"type": "heartbeat-ack"})

	case "fetch-history-list":
		c.handleHistoryList(ctx)

	case "fetch-and-set-history":
		c.handleSetHistory(ctx, msg.HistoryUID)

	case "create-new-history":
		c.handleCreateHistory(ctx)

	case "delete-history":
		c.handleDeleteHistory(ctx, msg.HistoryUID)

	case "fetch-configs":
		c.handleFetchConfigs()

	case "switch-config":
		if err := c.svc.SwitchCharacter(ctx, msg.File); err != nil {
			c.log.Warn("config switch rejected", "file", msg.File, "error", err)
			c.send(map[string]any{"type": "error", "message": "Failed to switch config: " + err.Error()})
		}

	case "fetch-backgrounds":
		c.handleFetchBackgrounds()

	case "request-init-config":
		c.send(c.svc.InitFrame())

	case "mcp-tool-call":
		c.handleToolCall(ctx, msg)

	case "adaptive-vad-control":
		c.handleVADControl(msg)

	case "audio-play-start", "frontend-playback-complete":
		// Client-side playback notices; nothing to do.

	default:
		c.log.Warn("unknown message type", "type", msg.Type)
	}
}

// handleRawAudio feeds the continuous mic stream through server-side VAD.
// A speech onset tells the client to pause playback; a completed utterance
// becomes a turn.
func (c *Conn) handleRawAudio(ctx context.Context, samples []float32) {
	if sess := c.ensureVAD(); sess == nil {
		return
	}

	events, err := c.vadSess.Detect(samples)
	if err != nil {
		c.log.Warn("vad detection failed", "error", err)
		return
	}
	for _, ev := range events {
		switch ev.Kind {
		case vad.EventPause:
			c.send(map[string]any{"type": "control", "text": "interrupt"})
		case vad.EventSpeech:
			c.svc.Orchestrator().Trigger(ctx, c.uid, c.send, conversation.Input{
				Samples:    ev.Samples,
				SampleRate: micSampleRate,
			})
		}
	}
}

// ensureVAD lazily creates the adaptive VAD session. A missing engine is
// remembered so every chunk does not retry.
func (c *Conn) ensureVAD() *vad.Adaptive {
	if c.vadSess != nil || c.vadTried {
		return c.vadSess
	}
	c.vadTried = true

	sess, err := c.svc.NewVADSession(micSampleRate)
	if err != nil {
		c.log.Warn("could not create vad session", "error", err)
		return nil
	}
	if sess == nil {
		c.log.Debug("no vad engine configured, dropping raw audio")
		return nil
	}
	c.vadSess = sess
	return sess
}

// ── History operations ───────────────────────────────────────────────────────

func (c *Conn) handleHistoryList(ctx context.Context) {
	if !c.svc.HistoryEnabled() {
		c.send(map[string]any{"type": "history-list", "histories": []any{}})
		return
	}
	list, err := c.svc.Store().List(ctx, c.svc.Character().ConfUID)
	if err != nil {
		c.log.Error("history list failed", "error", err)
		c.send(map[string]any{"type": "error", "message": "Failed to fetch history list"})
		return
	}
	c.send(map[string]any{"type": "history-list", "histories": list})
}

func (c *Conn) handleSetHistory(ctx context.Context, historyUID string) {
	if !c.svc.HistoryEnabled() || historyUID == "" {
		return
	}
	msgs, err := c.svc.Store().Fetch(ctx, c.svc.Character().ConfUID, historyUID)
	if err != nil {
		c.log.Warn("history fetch failed", "history", historyUID, "error", err)
		c.send(map[string]any{"type": "error", "message": "Failed to fetch history"})
		return
	}

	c.svc.Agent().SetMemoryFromHistory(msgs)
	c.svc.Orchestrator().SetHistoryUID(historyUID)
	c.send(map[string]any{
		"type":        "history-data",
		"history_uid": historyUID,
		"messages":    msgs,
	})
}

func (c *Conn) handleCreateHistory(ctx context.Context) {
	if !c.svc.HistoryEnabled() {
		return
	}
	uid, err := c.svc.Store().Create(ctx, c.svc.Character().ConfUID)
	if err != nil {
		c.log.Error("history create failed", "error", err)
		c.send(map[string]any{"type": "error", "message": "Failed to create history"})
		return
	}

	c.svc.Agent().SetMemoryFromHistory(nil)
	c.svc.Orchestrator().SetHistoryUID(uid)
	c.send(map[string]any{"type": "new-history-created", "history_uid": uid})
}

func (c *Conn) handleDeleteHistory(ctx context.Context, historyUID string) {
	if !c.svc.HistoryEnabled() || historyUID == "" {
		return
	}
	err := c.svc.Store().Delete(ctx, c.svc.Character().ConfUID, historyUID)
	if err != nil {
		c.log.Warn("history delete failed", "history", historyUID, "error", err)
	}
	if c.svc.Orchestrator().HistoryUID() == historyUID {
		c.svc.Orchestrator().SetHistoryUID("")
	}
	c.send(map[string]any{
		"type":        "history-deleted",
		"history_uid": historyUID,
		"success":     err == nil,
	})
}

// ── Config and asset operations ──────────────────────────────────────────────

func (c *Conn) handleFetchConfigs() {
	alts, err := config.ScanAlts(c.hub.cfg.System.ConfigAltsDir)
	if err != nil {
		c.log.Warn("config scan failed", "error", err)
		c.send(map[string]any{"type": "error", "message": "Failed to scan config files"})
		return
	}
	c.send(map[string]any{"type": "config-files", "configs": alts})
}

func (c *Conn) handleFetchBackgrounds() {
	entries, err := os.ReadDir(c.hub.backgroundsDir)
	if err != nil {
		c.log.Debug("backgrounds dir unavailable", "dir", c.hub.backgroundsDir, "error", err)
		c.send(map[string]any{"type": "background-files", "files": []string{}})
		return
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	c.send(map[string]any{"type": "background-files", "files": files})
}

// ── Direct tool calls ────────────────────────────────────────────────────────

func (c *Conn) handleToolCall(ctx context.Context, msg Message) {
	client := c.svc.MCP()
	if client == nil {
		c.send(map[string]any{
			"type":      "mcp-tool-response",
			"tool_name": msg.ToolName,
			"error":     "tool calling is not enabled",
		})
		return
	}

	args, err := json.Marshal(msg.Arguments)
	if err != nil {
		c.send(map[string]any{
			"type":      "mcp-tool-response",
			"tool_name": msg.ToolName,
			"error":     "invalid arguments: " + err.Error(),
		})
		return
	}

	executor := tool.NewExecutor(client, tool.WithLogger(c.log), tool.WithMetrics(c.hub.metrics))
	call := llm.ToolCall{
		ID:        "client-" + uuid.NewString(),
		Name:      msg.ToolName,
		Arguments: string(args),
	}
	results, err := executor.Execute(ctx, []llm.ToolCall{call}, nil)
	if err != nil || len(results) == 0 {
		c.send(map[string]any{
			"type":      "mcp-tool-response",
			"tool_name": msg.ToolName,
			"error":     "tool call failed",
		})
		return
	}

	res := results[0]
	if res.IsError {
		c.send(map[string]any{
			"type":      "mcp-tool-response",
			"tool_name": msg.ToolName,
			"error":     res.Content,
		})
		return
	}
	c.send(map[string]any{
		"type":      "mcp-tool-response",
		"tool_name": msg.ToolName,
		"result":    res.Content,
	})
}

// ── Adaptive VAD control ─────────────────────────────────────────────────────

func (c *Conn) handleVADControl(msg Message) {
	sess := c.ensureVAD()
	if sess == nil {
		return
	}

	var prob, db float64
	switch msg.Action {
	case "start", "adjust":
		prob, db = sess.SetPlayback(true, msg.Volume)
	case "stop":
		prob, db = sess.SetPlayback(false, 0)
	case "reset":
		if err := sess.Reset(); err != nil {
			c.log.Warn("vad reset failed", "error", err)
		}
		prob, db = sess.Thresholds()
	default:
		c.log.Warn("unknown vad control action", "action", msg.Action)
		return
	}

	c.send(map[string]any{
		"type":           "adaptive-vad-response",
		"action":         msg.Action,
		"prob_threshold": prob,
		"db_threshold":   db,
		"noise_level":    sess.NoiseLevel(),
	})
}
