package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
)

// Host aggregates a named set of MCP connections. Each connection wraps one
// endpoint and carries cached views of the server's tools, resources, and
// prompts. The caches mirror the last server listing, refreshed whenever the
// server emits the corresponding list_changed notification, and are never
// treated as ground truth.
type Host struct {
	info          Info
	logger        *slog.Logger
	clientOptions []ClientOption

	mu    sync.Mutex
	conns map[string]*Connection
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithHostLogger sets the logger for host diagnostics and forwarded server
// log messages.
func WithHostLogger(logger *slog.Logger) HostOption {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithHostClientOptions sets ClientOptions applied to every endpoint the
// host constructs, such as a sampling handler or roots.
func WithHostClientOptions(options ...ClientOption) HostOption {
	return func(h *Host) {
		h.clientOptions = options
	}
}

// Connection is one named endpoint managed by a Host, together with its
// cached capability views and health bookkeeping.
type Connection struct {
	id     string
	client *Client
	logger *slog.Logger
	filter *toolFilter

	mu           sync.Mutex
	tools        []Tool
	resources    []Resource
	prompts      []Prompt
	lastActivity time.Time

	refreshingTools     atomic.Bool
	refreshingResources atomic.Bool
	refreshingPrompts   atomic.Bool

	listenerCancel context.CancelFunc
}

// ConnectionOption configures a single host connection.
type ConnectionOption func(*Connection) error

// WithToolFilter restricts which of the connection's tools appear in the
// host's aggregated views. Patterns are globs; deny patterns win over allow
// patterns, and an empty allow list permits everything.
func WithToolFilter(allow, deny []string) ConnectionOption {
	return func(c *Connection) error {
		f, err := newToolFilter(allow, deny)
		if err != nil {
			return err
		}
		c.filter = f
		return nil
	}
}

// HostTool is a tool available through a specific host connection.
type HostTool struct {
	ConnectionID string
	Tool         Tool
}

// HostResource is a resource available through a specific host connection.
type HostResource struct {
	ConnectionID string
	Resource     Resource
}

// HostPrompt is a prompt available through a specific host connection.
type HostPrompt struct {
	ConnectionID string
	Prompt       Prompt
}

// NewHost creates a host that identifies itself to servers with the given
// info.
func NewHost(info Info, options ...HostOption) *Host {
	h := &Host{
		info:   info,
		logger: slog.Default(),
		conns:  map[string]*Connection{},
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// Connect builds an endpoint over the transport, performs the handshake,
// primes the capability caches, and starts a listener that keeps them fresh.
// The id names the connection within the host and must be unused.
func (h *Host) Connect(ctx context.Context, id string, transport Transport, options ...ConnectionOption) (*Connection, error) {
	h.mu.Lock()
	if _, exists := h.conns[id]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("connection %q already exists", id)
	}
	h.mu.Unlock()

	clientOpts := append([]ClientOption{WithClientLogger(h.logger)}, h.clientOptions...)
	client := NewClient(h.info, transport, clientOpts...)

	conn := &Connection{
		id:     id,
		client: client,
		logger: h.logger,
	}
	for _, opt := range options {
		if err := opt(conn); err != nil {
			return nil, fmt.Errorf("configure connection %q: %w", id, err)
		}
	}

	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %q: %w", id, err)
	}

	conn.touch()

	h.mu.Lock()
	if _, exists := h.conns[id]; exists {
		h.mu.Unlock()
		client.Close()
		return nil, fmt.Errorf("connection %q already exists", id)
	}
	h.conns[id] = conn
	h.mu.Unlock()

	lCtx, lCancel := context.WithCancel(context.WithoutCancel(ctx))
	conn.listenerCancel = lCancel
	notifications := client.Notifications()
	go h.listen(lCtx, conn, notifications)

	h.primeCaches(ctx, conn)

	return conn, nil
}

// Disconnect stops the named endpoint, cancels its listener, and removes the
// entry from the host.
func (h *Host) Disconnect(id string) error {
	h.mu.Lock()
	conn, ok := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown connection %q", id)
	}

	if conn.listenerCancel != nil {
		conn.listenerCancel()
	}
	conn.client.Close()
	return nil
}

// Close disconnects every connection.
func (h *Host) Close() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		_ = h.Disconnect(id)
	}
}

// Connection returns the named connection.
func (h *Host) Connection(id string) (*Connection, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[id]
	return conn, ok
}

// Connections returns all connections ordered by id.
func (h *Host) Connections() []*Connection {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		out = append(out, conn)
	}
	slices.SortFunc(out, func(a, b *Connection) int {
		return strings.Compare(a.id, b.id)
	})
	return out
}

// AvailableTools returns the union of cached tools across connections,
// deduplicated by (connection, tool name) and filtered by each connection's
// tool filter.
func (h *Host) AvailableTools() []HostTool {
	var out []HostTool
	for _, conn := range h.Connections() {
		seen := map[string]bool{}
		for _, tool := range conn.Tools() {
			if seen[tool.Name] {
				continue
			}
			seen[tool.Name] = true
			if conn.filter != nil && !conn.filter.permits(tool.Name) {
				continue
			}
			out = append(out, HostTool{ConnectionID: conn.id, Tool: tool})
		}
	}
	return out
}

// AvailableResources returns the union of cached resources across connections.
func (h *Host) AvailableResources() []HostResource {
	var out []HostResource
	for _, conn := range h.Connections() {
		for _, res := range conn.Resources() {
			out = append(out, HostResource{ConnectionID: conn.id, Resource: res})
		}
	}
	return out
}

// AvailablePrompts returns the union of cached prompts across connections.
func (h *Host) AvailablePrompts() []HostPrompt {
	var out []HostPrompt
	for _, conn := range h.Connections() {
		for _, prompt := range conn.Prompts() {
			out = append(out, HostPrompt{ConnectionID: conn.id, Prompt: prompt})
		}
	}
	return out
}

// InactiveConnections returns the connections with no successful activity
// within the given timeout.
func (h *Host) InactiveConnections(timeout time.Duration) []*Connection {
	now := time.Now()
	var out []*Connection
	for _, conn := range h.Connections() {
		if now.Sub(conn.LastActivity()) > timeout {
			out = append(out, conn)
		}
	}
	return out
}

// FailedConnections returns the connections whose endpoint is in StateFailed.
func (h *Host) FailedConnections() []*Connection {
	var out []*Connection
	for _, conn := range h.Connections() {
		if conn.Status() == StateFailed {
			out = append(out, conn)
		}
	}
	return out
}

// ConnectionsSupporting returns the connections whose server advertised the
// given capability: "tools", "resources", "prompts", or "logging".
func (h *Host) ConnectionsSupporting(feature string) []*Connection {
	var out []*Connection
	for _, conn := range h.Connections() {
		caps := conn.client.ServerCapabilities()
		var ok bool
		switch feature {
		case "tools":
			ok = caps.Tools != nil
		case "resources":
			ok = caps.Resources != nil
		case "prompts":
			ok = caps.Prompts != nil
		case "logging":
			ok = caps.Logging != nil
		}
		if ok {
			out = append(out, conn)
		}
	}
	return out
}

// CallTool routes a tool invocation to the named connection and records the
// activity.
func (h *Host) CallTool(ctx context.Context, connID string, params CallToolParams, opts ...RequestOption) (CallToolResult, error) {
	conn, ok := h.Connection(connID)
	if !ok {
		return CallToolResult{}, fmt.Errorf("unknown connection %q", connID)
	}

	result, err := conn.client.CallTool(ctx, params, opts...)
	if err != nil {
		return CallToolResult{}, err
	}
	conn.touch()
	return result, nil
}

// ReadResource routes a resource read to the named connection and records
// the activity.
func (h *Host) ReadResource(ctx context.Context, connID string, params ReadResourceParams, opts ...RequestOption) (ReadResourceResult, error) {
	conn, ok := h.Connection(connID)
	if !ok {
		return ReadResourceResult{}, fmt.Errorf("unknown connection %q", connID)
	}

	result, err := conn.client.ReadResource(ctx, params, opts...)
	if err != nil {
		return ReadResourceResult{}, err
	}
	conn.touch()
	return result, nil
}

// GetPrompt routes a prompt retrieval to the named connection and records
// the activity.
func (h *Host) GetPrompt(ctx context.Context, connID string, params GetPromptParams, opts ...RequestOption) (GetPromptResult, error) {
	conn, ok := h.Connection(connID)
	if !ok {
		return GetPromptResult{}, fmt.Errorf("unknown connection %q", connID)
	}

	result, err := conn.client.GetPrompt(ctx, params, opts...)
	if err != nil {
		return GetPromptResult{}, err
	}
	conn.touch()
	return result, nil
}

// primeCaches performs the initial capability-gated refreshes after connect.
func (h *Host) primeCaches(ctx context.Context, conn *Connection) {
	if err := conn.RefreshTools(ctx); err != nil {
		h.logger.Error("initial tools refresh failed", "connection", conn.id, "err", err)
	}
	if err := conn.RefreshResources(ctx); err != nil {
		h.logger.Error("initial resources refresh failed", "connection", conn.id, "err", err)
	}
	if err := conn.RefreshPrompts(ctx); err != nil {
		h.logger.Error("initial prompts refresh failed", "connection", conn.id, "err", err)
	}
}

// listen drives notification-driven cache refreshes for one connection until
// its notification stream closes.
func (h *Host) listen(ctx context.Context, conn *Connection, notifications <-chan Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			h.handleNotification(ctx, conn, n)
		}
	}
}

func (h *Host) handleNotification(ctx context.Context, conn *Connection, n Notification) {
	switch n.Method {
	case methodNotificationsToolsListChanged:
		if err := conn.RefreshTools(ctx); err != nil {
			h.logger.Error("tools refresh failed", "connection", conn.id, "err", err)
		}
	case methodNotificationsResourcesListChanged, methodNotificationsResourcesUpdated:
		if err := conn.RefreshResources(ctx); err != nil {
			h.logger.Error("resources refresh failed", "connection", conn.id, "err", err)
		}
	case methodNotificationsPromptsListChanged:
		if err := conn.RefreshPrompts(ctx); err != nil {
			h.logger.Error("prompts refresh failed", "connection", conn.id, "err", err)
		}
	case methodNotificationsMessage:
		h.forwardLog(conn, n.Params)
	default:
		h.logger.Debug("unhandled notification", "connection", conn.id, "method", n.Method)
	}
}

// forwardLog surfaces a server log message through the host logger at the
// mapped level.
func (h *Host) forwardLog(conn *Connection, params json.RawMessage) {
	var lp LogParams
	if err := json.Unmarshal(params, &lp); err != nil {
		h.logger.Error("failed to unmarshal log params", "connection", conn.id, "err", err)
		return
	}

	h.logger.Log(context.Background(), slogLevel(lp.Level), "server log",
		"connection", conn.id,
		"logger", lp.Logger,
		"data", string(lp.Data),
	)
}

// ID returns the connection's name within its host.
func (c *Connection) ID() string { return c.id }

// Client returns the underlying endpoint.
func (c *Connection) Client() *Client { return c.client }

// ServerInfo returns the server identification captured at initialize.
func (c *Connection) ServerInfo() Info { return c.client.ServerInfo() }

// Capabilities returns the server capabilities negotiated at initialize.
func (c *Connection) Capabilities() ServerCapabilities { return c.client.ServerCapabilities() }

// Status returns the endpoint's current state.
func (c *Connection) Status() ClientState { return c.client.State() }

// Tools returns the cached tool list.
func (c *Connection) Tools() []Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.tools)
}

// Resources returns the cached resource list.
func (c *Connection) Resources() []Resource {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.resources)
}

// Prompts returns the cached prompt list.
func (c *Connection) Prompts() []Prompt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.prompts)
}

// LastActivity returns the time of the last successful request or refresh.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// RefreshTools re-lists the server's tools into the cache, following
// pagination cursors. The refresh is skipped when the server does not
// advertise tools, the endpoint is not running, or another tools refresh is
// already in flight.
func (c *Connection) RefreshTools(ctx context.Context) error {
	if c.client.ServerCapabilities().Tools == nil || c.client.State() != StateRunning {
		return nil
	}
	if !c.refreshingTools.CompareAndSwap(false, true) {
		return nil
	}
	defer c.refreshingTools.Store(false)

	var tools []Tool
	cursor := ""
	for {
		result, err := c.client.ListTools(ctx, ListToolsParams{Cursor: cursor})
		if err != nil {
			return err
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}

	c.mu.Lock()
	c.tools = tools
	c.lastActivity = time.Now()
	c.mu.Unlock()
	return nil
}

// RefreshResources re-lists the server's resources into the cache, following
// pagination cursors. Skipped under the same conditions as RefreshTools.
func (c *Connection) RefreshResources(ctx context.Context) error {
	if c.client.ServerCapabilities().Resources == nil || c.client.State() != StateRunning {
		return nil
	}
	if !c.refreshingResources.CompareAndSwap(false, true) {
		return nil
	}
	defer c.refreshingResources.Store(false)

	var resources []Resource
	cursor := ""
	for {
		result, err := c.client.ListResources(ctx, ListResourcesParams{Cursor: cursor})
		if err != nil {
			return err
		}
		resources = append(resources, result.Resources...)
		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}

	c.mu.Lock()
	c.resources = resources
	c.lastActivity = time.Now()
	c.mu.Unlock()
	return nil
}

// RefreshPrompts re-lists the server's prompts into the cache, following
// pagination cursors. Skipped under the same conditions as RefreshTools.
func (c *Connection) RefreshPrompts(ctx context.Context) error {
	if c.client.ServerCapabilities().Prompts == nil || c.client.State() != StateRunning {
		return nil
	}
	if !c.refreshingPrompts.CompareAndSwap(false, true) {
		return nil
	}
	defer c.refreshingPrompts.Store(false)

	var prompts []Prompt
	cursor := ""
	for {
		result, err := c.client.ListPrompts(ctx, ListPromptsParams{Cursor: cursor})
		if err != nil {
			return err
		}
		prompts = append(prompts, result.Prompts...)
		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}

	c.mu.Lock()
	c.prompts = prompts
	c.lastActivity = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// toolFilter applies allow/deny glob patterns to tool names. Deny wins; an
// empty allow list permits everything.
type toolFilter struct {
	allow []glob.Glob
	deny  []glob.Glob
}

func newToolFilter(allow, deny []string) (*toolFilter, error) {
	f := &toolFilter{}
	for _, pattern := range allow {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile allow pattern %q: %w", pattern, err)
		}
		f.allow = append(f.allow, g)
	}
	for _, pattern := range deny {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile deny pattern %q: %w", pattern, err)
		}
		f.deny = append(f.deny, g)
	}
	return f, nil
}

func (f *toolFilter) permits(name string) bool {
	for _, g := range f.deny {
		if g.Match(name) {
			return false
		}
	}
	if len(f.allow) == 0 {
		return true
	}
	for _, g := range f.allow {
		if g.Match(name) {
			return true
		}
	}
	return false
}

func slogLevel(level LogLevel) slog.Level {
	switch level {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo, LogLevelNotice:
		return slog.LevelInfo
	case LogLevelWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
