package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/ariavoice/aria/internal/config"
)

const (
	// spawnTimeout bounds subprocess startup plus the MCP initialize handshake.
	spawnTimeout = 10 * time.Second

	// defaultCallTimeout applies when a server config carries no timeout.
	defaultCallTimeout = 30 * time.Second

	// closeTimeout bounds the graceful shutdown of each server session.
	closeTimeout = 2 * time.Second

	// listToolsRetries is how often a tool listing is attempted per connect.
	listToolsRetries = 3
)

// session is the slice of an MCP client session the Client depends on.
// *mcpsdk.ClientSession is adapted to it via sdkSession.
type session interface {
	ListTools(ctx context.Context) ([]Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)
	Close() error
}

// server is one configured MCP server and its lazily established connection.
type server struct {
	cfg  config.MCPServerConfig
	dial func(ctx context.Context) (session, error)

	mu    sync.Mutex
	sess  session
	tools []Tool
}

// Compile-time check: Client must implement Source.
var _ Source = (*Client)(nil)

// Client manages a set of stdio MCP servers. Subprocesses are spawned on
// first use and live until [Client.Close]; all methods are safe for
// concurrent use.
//
// The zero value is not usable; create instances with [NewClient].
type Client struct {
	log     *slog.Logger
	servers []*server

	// rootCtx owns subprocess lifetimes: cancelling it kills every spawned
	// server that has not shut down gracefully.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	// listBackoff is the base delay between tool-listing retries.
	listBackoff time.Duration

	sdk *mcpsdk.Client

	closeOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for connection lifecycle events.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// NewClient creates a Client for the servers in cfgs whose names appear in
// enabled. An empty enabled list means no servers.
func NewClient(cfgs []config.MCPServerConfig, enabled []string, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		log:         slog.Default(),
		rootCtx:     ctx,
		rootCancel:  cancel,
		listBackoff: 500 * time.Millisecond,
		sdk: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "aria", Version: "1.0.0"},
			nil,
		),
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, cfg := range cfgs {
		if !slices.Contains(enabled, cfg.Name) {
			continue
		}
		srv := &server{cfg: cfg}
		srv.dial = func(ctx context.Context) (session, error) { return c.dialStdio(ctx, srv.cfg) }
		c.servers = append(c.servers, srv)
	}
	return c
}

// dialStdio spawns the server subprocess and performs the MCP handshake.
func (c *Client) dialStdio(ctx context.Context, cfg config.MCPServerConfig) (session, error) {
	// The command is bound to the client's root context, not the caller's:
	// the subprocess must outlive the request that first touched it.
	cmd := exec.CommandContext(c.rootCtx, cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	ctx, cancel := context.WithTimeout(ctx, spawnTimeout)
	defer cancel()

	sess, err := c.sdk.Connect(ctx, &mcpsdk.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp: connect to server %q: %w", cfg.Name, err)
	}
	return &sdkSession{sess: sess, server: cfg.Name}, nil
}

// connect establishes the server's session and caches its tool catalogue.
// It is a no-op when the server is already connected.
func (s *server) connect(ctx context.Context, backoff time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess != nil {
		return nil
	}

	sess, err := s.dial(ctx)
	if err != nil {
		return err
	}

	var tools []Tool
	for attempt := 0; attempt < listToolsRetries; attempt++ {
		tools, err = sess.ListTools(ctx)
		if err == nil {
			break
		}
		if attempt < listToolsRetries-1 {
			select {
			case <-ctx.Done():
				_ = sess.Close()
				return ctx.Err()
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	if err != nil {
		_ = sess.Close()
		return fmt.Errorf("mcp: list tools for server %q: %w", s.cfg.Name, err)
	}

	s.sess = sess
	s.tools = tools
	return nil
}

// reset drops the server's session and the tool catalogue learned from it so
// the next use reconnects and re-lists.
func (s *server) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != nil {
		_ = s.sess.Close()
		s.sess = nil
	}
	s.tools = nil
}

// cachedTools returns the server's tool catalogue, or nil when disconnected.
func (s *server) cachedTools() []Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tools
}

// Warm connects all configured servers concurrently. Failures are logged and
// tolerated: an unreachable server leaves its tools out of the catalogue but
// never blocks the others.
func (c *Client) Warm(ctx context.Context) {
	var g errgroup.Group
	for _, srv := range c.servers {
		g.Go(func() error {
			if err := srv.connect(ctx, c.listBackoff); err != nil {
				c.log.Warn("mcp server unavailable", "server", srv.cfg.Name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Tools implements Source. Servers that cannot be reached are skipped.
func (c *Client) Tools(ctx context.Context) ([]Tool, error) {
	var all []Tool
	for _, srv := range c.servers {
		if err := srv.connect(ctx, c.listBackoff); err != nil {
			c.log.Warn("mcp server unavailable", "server", srv.cfg.Name, "error", err)
			continue
		}
		all = append(all, srv.cachedTools()...)
	}
	return all, nil
}

// CallTool implements Source. The call is bounded by the owning server's
// configured timeout (30 s when unset). One reconnect is attempted when the
// session has gone away under us.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	srv := c.serverFor(name)
	if srv == nil {
		// The catalogue may simply not be populated yet.
		if _, err := c.Tools(ctx); err != nil {
			return nil, err
		}
		if srv = c.serverFor(name); srv == nil {
			return nil, fmt.Errorf("%w: %q", ErrToolNotFound, name)
		}
	}

	timeout := defaultCallTimeout
	if srv.cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(srv.cfg.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.callOn(ctx, srv, name, args)
	if err != nil && ctx.Err() == nil {
		// The subprocess may have died; reconnect once and retry.
		c.log.Warn("mcp call failed, reconnecting", "server", srv.cfg.Name, "tool", name, "error", err)
		srv.reset()
		result, err = c.callOn(ctx, srv, name, args)
	}
	if err != nil {
		return nil, fmt.Errorf("mcp: call tool %q on server %q: %w", name, srv.cfg.Name, err)
	}
	return result, nil
}

func (c *Client) callOn(ctx context.Context, srv *server, name string, args map[string]any) (*ToolResult, error) {
	if err := srv.connect(ctx, c.listBackoff); err != nil {
		return nil, err
	}
	srv.mu.Lock()
	sess := srv.sess
	srv.mu.Unlock()
	return sess.CallTool(ctx, name, args)
}

// serverFor returns the connected server advertising the named tool.
func (c *Client) serverFor(name string) *server {
	for _, srv := range c.servers {
		for _, t := range srv.cachedTools() {
			if t.Name == name {
				return srv
			}
		}
	}
	return nil
}

// Close implements Source. Each session gets closeTimeout to shut down
// gracefully; stragglers are killed via the root context. Close is
// idempotent and never fails.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		for _, srv := range c.servers {
			srv.mu.Lock()
			sess := srv.sess
			srv.sess = nil
			srv.mu.Unlock()
			if sess == nil {
				continue
			}

			done := make(chan struct{})
			go func() {
				_ = sess.Close()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(closeTimeout):
				c.log.Debug("mcp server close timed out", "server", srv.cfg.Name)
			}
		}
		c.rootCancel()
	})
	return nil
}

// ── SDK session adapter ──────────────────────────────────────────────────────

// sdkSession adapts *mcpsdk.ClientSession to the session interface.
type sdkSession struct {
	sess   *mcpsdk.ClientSession
	server string
}

func (s *sdkSession) ListTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	for tool, err := range s.sess.Tools(ctx, nil) {
		if err != nil {
			return nil, err
		}
		tools = append(tools, Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaToMap(tool.InputSchema),
			Server:      s.server,
		})
	}
	return tools, nil
}

func (s *sdkSession) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	result, err := s.sess.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return &ToolResult{Content: sb.String(), IsError: result.IsError}, nil
}

func (s *sdkSession) Close() error { return s.sess.Close() }

// schemaToMap converts any schema value to a map[string]any via a JSON
// round-trip, falling back to an empty object schema.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
