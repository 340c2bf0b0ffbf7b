package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientState enumerates the lifecycle phases of an endpoint.
type ClientState int

// Endpoint lifecycle phases. Only StateRunning accepts outbound requests,
// except for the initialize request itself, which is issued during
// StateInitializing.
const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateInitializing
	StateRunning
	StateFailed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ProgressFunc receives progress updates for a single in-flight request.
// total is zero when the server does not report an expected final value.
type ProgressFunc func(progress, total float64)

// RequestHandlerFunc serves one server-initiated request. The returned value
// is marshaled as the result; a returned *JSONRPCError is sent as-is, any
// other error becomes an InternalError response.
type RequestHandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// RootsListFunc dynamically computes the roots served to roots/list.
type RootsListFunc func(ctx context.Context) ([]Root, error)

// SamplingHandler provides an interface for generating model responses on
// the server's behalf. It handles the core sampling functionality including
// conversation context, model preferences, and token limits.
type SamplingHandler interface {
	// CreateSampleMessage generates a response message based on the provided
	// conversation history and parameters.
	CreateSampleMessage(ctx context.Context, params SamplingParams) (SamplingResult, error)
}

// Notification is a server notification published on the endpoint's
// notification stream. Progress and cancellation notifications are consumed
// internally and notifications with unknown methods are dropped; neither
// appears here.
type Notification struct {
	Method string
	Params json.RawMessage
}

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// RequestOption configures a single outbound request.
type RequestOption func(*requestOptions)

type requestOptions struct {
	progress ProgressFunc
}

// WithProgress registers a handler for progress notifications tied to this
// request. The client stamps the request's ID into _meta.progressToken; the
// handler stops firing once the request reaches a terminal state.
func WithProgress(fn ProgressFunc) RequestOption {
	return func(o *requestOptions) {
		o.progress = fn
	}
}

// Client implements a Model Context Protocol endpoint: one connection's
// protocol machine. It drives the initialize handshake, correlates typed
// requests with their responses over the transport, enforces the server's
// negotiated capabilities, routes progress notifications, serves
// server-initiated requests, and publishes the remaining notifications on a
// stream.
//
// A Client must be created using NewClient and requires Connect to be called
// before any operations can be performed. The client should be closed using
// Close when no longer needed. After a failure, Connect may be called again
// to establish a fresh session over the same transport.
type Client struct {
	info         Info
	capabilities ClientCapabilities
	transport    Transport
	logger       *slog.Logger

	connectTimeout       time.Duration
	writeTimeout         time.Duration
	readTimeout          time.Duration
	pingInterval         time.Duration
	pingTimeoutThreshold int

	samplingHandler SamplingHandler
	rootsFn         RootsListFunc
	handlers        map[string]RequestHandlerFunc

	mu                 sync.Mutex
	state              ClientState
	stateErr           error
	stateChanges       chan ClientState
	serverInfo         Info
	serverCapabilities ServerCapabilities
	instructions       string

	roots             []Root
	lastNotifiedRoots []Root

	pending  map[string]*pendingRequest
	progress map[string]ProgressFunc

	notifications chan Notification
	notifClosed   bool

	runCtx    context.Context
	runCancel context.CancelFunc
}

// pendingRequest tracks one outbound request awaiting its response. Exactly
// one completion fires per request: the record is deleted from the pending
// table under the client mutex before its channel is signaled, so late or
// duplicate responses find nothing to complete.
type pendingRequest struct {
	id     string
	method string
	resCh  chan JSONRPCMessage
}

var (
	defaultClientConnectTimeout = 30 * time.Second
	defaultClientWriteTimeout   = 30 * time.Second
	defaultClientReadTimeout    = 30 * time.Second

	defaultClientPingTimeoutThreshold = 3

	notificationBufferSize = 16
)

// WithSamplingHandler sets the sampling handler. Its presence advertises the
// sampling capability during the handshake.
func WithSamplingHandler(handler SamplingHandler) ClientOption {
	return func(c *Client) {
		c.samplingHandler = handler
	}
}

// WithRoots sets a static initial roots list. Its presence advertises the
// roots capability with listChanged during the handshake.
func WithRoots(roots []Root) ClientOption {
	return func(c *Client) {
		c.roots = roots
	}
}

// WithRootsFunc sets a dynamic roots callback consulted on every roots/list
// request. Its presence advertises the roots capability.
func WithRootsFunc(fn RootsListFunc) ClientOption {
	return func(c *Client) {
		c.rootsFn = fn
	}
}

// WithConnectTimeout caps the initialize handshake.
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.connectTimeout = timeout
	}
}

// WithWriteTimeout sets the per-send deadline for outbound frames.
func WithWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithReadTimeout sets the deadline for a request's response to arrive.
func WithReadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// WithPingInterval enables periodic pings for connection health monitoring.
// Zero, the default, disables the ping loop.
func WithPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithPingTimeoutThreshold sets how many consecutive ping failures are
// tolerated before the endpoint is torn down.
func WithPingTimeoutThreshold(threshold int) ClientOption {
	return func(c *Client) {
		c.pingTimeoutThreshold = threshold
	}
}

// WithClientLogger sets the logger used for endpoint diagnostics.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new Model Context Protocol client endpoint speaking
// over the given transport, per the protocol specification at
// https://spec.modelcontextprotocol.io/specification/.
//
// The info parameter provides client identification. Handlers for roots and
// sampling can be supplied through options; their presence determines the
// capabilities advertised during the handshake. The client is not connected
// until Connect is called.
func NewClient(info Info, transport Transport, options ...ClientOption) *Client {
	c := &Client{
		info:      info,
		transport: transport,
		logger:    slog.Default(),
		handlers:  map[string]RequestHandlerFunc{},
		pending:   map[string]*pendingRequest{},
		progress:  map[string]ProgressFunc{},

		stateChanges: make(chan ClientState, 1),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.connectTimeout == 0 {
		c.connectTimeout = defaultClientConnectTimeout
	}
	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	if c.readTimeout == 0 {
		c.readTimeout = defaultClientReadTimeout
	}
	if c.pingTimeoutThreshold == 0 {
		c.pingTimeoutThreshold = defaultClientPingTimeoutThreshold
	}

	if c.roots != nil || c.rootsFn != nil {
		c.capabilities.Roots = &RootsCapability{ListChanged: true}
	}
	if c.samplingHandler != nil {
		c.capabilities.Sampling = &SamplingCapability{}
	}

	c.handlers[methodPing] = func(context.Context, json.RawMessage) (any, error) {
		return struct{}{}, nil
	}
	if c.capabilities.Roots != nil {
		c.handlers[MethodRootsList] = c.handleRootsList
	}
	if c.samplingHandler != nil {
		c.handlers[MethodSamplingCreateMessage] = c.handleSampling
	}

	return c
}

// RegisterRequestHandler installs a handler for a server-initiated request
// method, replacing any existing one. Must be called before Connect.
func (c *Client) RegisterRequestHandler(method string, handler RequestHandlerFunc) {
	c.handlers[method] = handler
}

// Connect starts the transport, performs the initialize handshake, and moves
// the endpoint to StateRunning. It verifies that the server's protocol
// version is supported and sends the initialized notification before
// returning. Handshake failures move the endpoint to StateFailed and stop
// the transport.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateDisconnected, StateFailed:
	default:
		c.mu.Unlock()
		return &InvalidStateError{Reason: fmt.Sprintf("connect while %s", c.state)}
	}
	c.setStateLocked(StateConnecting, nil)
	c.notifications = make(chan Notification, notificationBufferSize)
	c.notifClosed = false
	c.runCtx, c.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Unlock()

	if err := c.transport.Start(ctx); err != nil {
		c.teardown(err)
		return fmt.Errorf("failed to start transport: %w", err)
	}

	c.mu.Lock()
	c.setStateLocked(StateInitializing, nil)
	c.mu.Unlock()

	go c.listen()

	if err := c.handshake(ctx); err != nil {
		c.teardown(err)
		return err
	}

	c.mu.Lock()
	c.setStateLocked(StateRunning, nil)
	pingInterval := c.pingInterval
	runCtx := c.runCtx
	c.mu.Unlock()

	if pingInterval > 0 {
		go c.pingLoop(runCtx, pingInterval)
	}

	return nil
}

// Close stops the endpoint: all pending requests are completed with
// ErrConnectionClosed, the notification stream is finalized, and the
// transport is stopped. Idempotent.
func (c *Client) Close() {
	c.teardownTo(StateDisconnected, nil)
}

// State returns the endpoint's current state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StateChanges returns a channel carrying state transitions. Slow receivers
// miss intermediate states; the channel always carries the latest one.
func (c *Client) StateChanges() <-chan ClientState {
	return c.stateChanges
}

// Err returns the terminal error when the endpoint is in StateFailed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateErr
}

// ServerInfo returns the server's identification captured at initialize.
func (c *Client) ServerInfo() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ServerCapabilities returns the capabilities negotiated at initialize.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCapabilities
}

// Instructions returns the optional usage instructions the server supplied
// at initialize.
func (c *Client) Instructions() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instructions
}

// Notifications returns the stream of server notifications for the current
// session. Progress and cancellation notifications are routed internally and
// notifications with unknown methods are dropped; neither appears here. When
// the subscriber is slow the stream drops new
// notifications rather than blocking the router; drops are logged. The
// channel is closed when the session ends.
func (c *Client) Notifications() <-chan Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifications
}

// SetRoots replaces the advertised roots set. When the roots capability was
// advertised with listChanged and the new set actually differs from the
// last-notified one, a roots/list_changed notification is emitted.
func (c *Client) SetRoots(ctx context.Context, roots []Root) error {
	c.mu.Lock()
	c.roots = roots
	changed := !rootSetsEqual(roots, c.lastNotifiedRoots)
	notify := changed && c.capabilities.Roots != nil && c.capabilities.Roots.ListChanged && c.state == StateRunning
	if notify {
		c.lastNotifiedRoots = roots
	}
	c.mu.Unlock()

	if !notify {
		return nil
	}
	return c.sendNotification(ctx, methodNotificationsRootsListChanged, nil)
}

// Ping sends a ping request and waits for the server's reply.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, methodPing, nil, nil)
}

// ListPrompts retrieves a paginated list of available prompts from the server.
//
// The request can be cancelled via the context. When cancelled, a
// cancellation notification is sent to the server to stop processing.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams, opts ...RequestOption) (ListPromptResult, error) {
	var result ListPromptResult
	err := c.call(ctx, MethodPromptsList, params, &result, opts...)
	return result, err
}

// GetPrompt retrieves a specific prompt by name with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams, opts ...RequestOption) (GetPromptResult, error) {
	var result GetPromptResult
	err := c.call(ctx, MethodPromptsGet, params, &result, opts...)
	return result, err
}

// CompletesPrompt requests completion suggestions for a prompt argument.
func (c *Client) CompletesPrompt(ctx context.Context, params CompletesCompletionParams, opts ...RequestOption) (CompletionResult, error) {
	var result CompletionResult
	if err := c.requireFeature("prompts"); err != nil {
		return result, err
	}
	err := c.call(ctx, MethodCompletionComplete, params, &result, opts...)
	return result, err
}

// ListResources retrieves a paginated list of available resources from the server.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams, opts ...RequestOption) (ListResourcesResult, error) {
	var result ListResourcesResult
	err := c.call(ctx, MethodResourcesList, params, &result, opts...)
	return result, err
}

// ReadResource retrieves the content of a specific resource by URI.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams, opts ...RequestOption) (ReadResourceResult, error) {
	var result ReadResourceResult
	err := c.call(ctx, MethodResourcesRead, params, &result, opts...)
	return result, err
}

// ListResourceTemplates retrieves the resource templates the server exposes.
func (c *Client) ListResourceTemplates(ctx context.Context, params ListResourceTemplatesParams, opts ...RequestOption) (ListResourceTemplatesResult, error) {
	var result ListResourceTemplatesResult
	err := c.call(ctx, MethodResourcesTemplatesList, params, &result, opts...)
	return result, err
}

// CompletesResourceTemplate requests completion suggestions for a resource
// template argument.
func (c *Client) CompletesResourceTemplate(ctx context.Context, params CompletesCompletionParams, opts ...RequestOption) (CompletionResult, error) {
	var result CompletionResult
	if err := c.requireFeature("resources"); err != nil {
		return result, err
	}
	err := c.call(ctx, MethodCompletionComplete, params, &result, opts...)
	return result, err
}

// SubscribeResource registers for change notifications about a resource.
// Requires the server's resources capability with the subscribe flag.
func (c *Client) SubscribeResource(ctx context.Context, params SubscribeResourceParams) error {
	return c.call(ctx, MethodResourcesSubscribe, params, nil)
}

// UnsubscribeResource unregisters from change notifications about a resource.
func (c *Client) UnsubscribeResource(ctx context.Context, params UnsubscribeResourceParams) error {
	return c.call(ctx, MethodResourcesUnsubscribe, params, nil)
}

// ListTools retrieves a paginated list of available tools from the server.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams, opts ...RequestOption) (ListToolsResult, error) {
	var result ListToolsResult
	err := c.call(ctx, MethodToolsList, params, &result, opts...)
	return result, err
}

// CallTool executes a specific tool and returns its result.
func (c *Client) CallTool(ctx context.Context, params CallToolParams, opts ...RequestOption) (CallToolResult, error) {
	var result CallToolResult
	err := c.call(ctx, MethodToolsCall, params, &result, opts...)
	return result, err
}

// SetLogLevel configures the minimum severity of log messages the server emits.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	return c.call(ctx, MethodLoggingSetLevel, LogParams{Level: level}, nil)
}

// Call issues a raw request by method name. Methods outside the known set
// pass through capability gating untouched, keeping the endpoint forward
// compatible with servers exposing newer methods.
func (c *Client) Call(ctx context.Context, method string, params, result any, opts ...RequestOption) error {
	return c.call(ctx, method, params, result, opts...)
}

func (c *Client) handshake(ctx context.Context) error {
	hCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	}

	var result initializeResult
	if err := c.call(hCtx, methodInitialize, params, &result); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	if !protocolVersionSupported(result.ProtocolVersion) {
		return &JSONRPCError{
			Code:    ErrCodeInvalidRequest,
			Message: errMsgUnsupportedProtocolVersion,
			Data:    map[string]any{"supported": supportedProtocolVersions, "received": result.ProtocolVersion},
		}
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.instructions = result.Instructions
	c.mu.Unlock()

	if err := c.sendNotification(ctx, methodNotificationsInitialized, nil); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}

	return nil
}

// call is the single outbound request path: capability gating, ID
// generation, progress registration, pending-table bookkeeping, and the
// await with its four completion paths (response, error, timeout, cancel).
func (c *Client) call(ctx context.Context, method string, params, result any, opts ...RequestOption) error {
	var ro requestOptions
	for _, opt := range opts {
		opt(&ro)
	}

	if err := c.gate(method); err != nil {
		return err
	}

	msgID := uuid.New().String()

	paramsBs, err := marshalParams(params, ro.progress != nil, msgID)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	p := &pendingRequest{
		id:     msgID,
		method: method,
		resCh:  make(chan JSONRPCMessage, 1),
	}

	c.mu.Lock()
	if c.state != StateRunning && !(c.state == StateInitializing && method == methodInitialize) {
		c.mu.Unlock()
		return &JSONRPCError{
			Code:    ErrCodeInternalError,
			Message: errMsgInternalError,
			Data:    map[string]any{"error": "client not running"},
		}
	}
	c.pending[msgID] = p
	if ro.progress != nil {
		c.progress[msgID] = ro.progress
	}
	c.mu.Unlock()

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(msgID),
		Method:  method,
		Params:  paramsBs,
	}

	if err := c.sendMessage(ctx, msg); err != nil {
		c.removePending(msgID)
		return fmt.Errorf("failed to send request: %w", err)
	}

	timer := time.NewTimer(c.readTimeout)
	defer timer.Stop()

	var res JSONRPCMessage
	select {
	case <-timer.C:
		if c.removePending(msgID) {
			// A timed-out request is cancelled server-side as well.
			c.notifyCancelled(msgID, requestTimedOutReason)
			return &JSONRPCError{
				Code:    ErrCodeRequestTimeout,
				Message: "Request timeout",
				Data:    map[string]any{"method": method, "timeout": c.readTimeout.String()},
			}
		}
		// The response raced the deadline and won; take it.
		res = <-p.resCh
	case <-ctx.Done():
		if c.removePending(msgID) {
			c.notifyCancelled(msgID, userCancelledReason)
			return ctx.Err()
		}
		res = <-p.resCh
	case res = <-p.resCh:
	}

	if res.Error != nil {
		return res.Error
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(res.Result, result); err != nil {
		return &JSONRPCError{
			Code:    ErrCodeInternalError,
			Message: errMsgInternalError,
			Data:    map[string]any{"error": fmt.Sprintf("unexpected response type: %v", err)},
		}
	}

	return nil
}

// marshalParams encodes the request params, stamping the request ID into
// _meta.progressToken when a progress handler rides along.
func marshalParams(params any, withProgress bool, msgID string) (json.RawMessage, error) {
	if params == nil && !withProgress {
		return nil, nil
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	if !withProgress {
		return paramsBs, nil
	}

	var m map[string]any
	if err := json.Unmarshal(paramsBs, &m); err != nil || m == nil {
		m = map[string]any{}
	}
	meta, _ := m["_meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["progressToken"] = msgID
	m["_meta"] = meta

	return json.Marshal(m)
}

// gate enforces the server capabilities negotiated at initialize before a
// request reaches the wire. Unknown methods pass through for forward
// compatibility; initialize and ping are always allowed.
func (c *Client) gate(method string) error {
	switch {
	case method == methodInitialize || method == methodPing:
		return nil
	case strings.HasPrefix(method, "prompts/"):
		return c.requireFeature("prompts")
	case method == MethodResourcesSubscribe:
		if err := c.requireFeature("resources"); err != nil {
			return err
		}
		c.mu.Lock()
		ok := c.serverCapabilities.Resources != nil && c.serverCapabilities.Resources.Subscribe
		c.mu.Unlock()
		if !ok {
			return c.unsupportedFeature("resources subscription")
		}
		return nil
	case strings.HasPrefix(method, "resources/"):
		return c.requireFeature("resources")
	case strings.HasPrefix(method, "tools/"):
		return c.requireFeature("tools")
	case method == MethodLoggingSetLevel:
		return c.requireFeature("logging")
	default:
		return nil
	}
}

func (c *Client) requireFeature(feature string) error {
	c.mu.Lock()
	caps := c.serverCapabilities
	c.mu.Unlock()

	var ok bool
	switch feature {
	case "prompts":
		ok = caps.Prompts != nil
	case "resources":
		ok = caps.Resources != nil
	case "tools":
		ok = caps.Tools != nil
	case "logging":
		ok = caps.Logging != nil
	}
	if !ok {
		return c.unsupportedFeature(feature)
	}
	return nil
}

func (c *Client) unsupportedFeature(feature string) error {
	return &JSONRPCError{
		Code:    ErrCodeInvalidRequest,
		Message: fmt.Sprintf("server does not support %s", feature),
	}
}

// listen consumes the transport's inbound stream for the lifetime of the
// session, routing each decoded envelope. When the stream ends, every
// pending request is completed with a single terminal error.
func (c *Client) listen() {
	for raw := range c.transport.Messages() {
		var msg JSONRPCMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Error("failed to unmarshal message", "err", err)
			continue
		}
		if err := msg.validate(); err != nil {
			c.logger.Error("dropping invalid message", "err", err)
			continue
		}

		switch msg.classify() {
		case kindRequest:
			go c.handleServerRequest(msg)
		case kindNotification:
			c.handleNotification(msg)
		case kindResponse, kindErrorResponse:
			c.completePending(msg)
		default:
			c.logger.Warn("dropping message with unrecognized shape")
		}
	}

	c.onStreamEnd()
}

// onStreamEnd reacts to the transport's inbound stream terminating outside
// an explicit Close: a transport failure moves the endpoint to StateFailed,
// a clean remote close leaves it Disconnected.
func (c *Client) onStreamEnd() {
	c.mu.Lock()
	terminal := c.state == StateDisconnected || c.state == StateFailed
	c.mu.Unlock()
	if terminal {
		return
	}

	ts := c.transport.State()
	if ts.Status == StatusFailed {
		c.teardownTo(StateFailed, ts.Err)
		return
	}
	c.teardownTo(StateDisconnected, nil)
}

func (c *Client) handleNotification(msg JSONRPCMessage) {
	switch msg.Method {
	case methodNotificationsCancelled:
		var params notificationsCancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal cancelled params", "err", err)
			return
		}
		c.completeCancelled(params)
	case methodNotificationsProgress:
		var params ProgressParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal progress params", "err", err)
			return
		}
		c.mu.Lock()
		fn := c.progress[string(params.ProgressToken)]
		c.mu.Unlock()
		if fn == nil {
			// Progress for an unknown or completed request never blocks the router.
			return
		}
		go fn(params.Progress, params.Total)
	case methodNotificationsMessage,
		methodNotificationsPromptsListChanged,
		methodNotificationsResourcesListChanged,
		methodNotificationsResourcesUpdated,
		methodNotificationsToolsListChanged:
		c.publishNotification(Notification{Method: msg.Method, Params: msg.Params})
	default:
		c.logger.Debug("dropping unknown notification", "method", msg.Method)
	}
}

func (c *Client) publishNotification(n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notifClosed || c.notifications == nil {
		return
	}
	select {
	case c.notifications <- n:
	default:
		c.logger.Warn("notification subscriber is slow, dropping", "method", n.Method)
	}
}

// completePending resolves an inbound response against the pending table.
// Responses whose id matches nothing, including late responses to cancelled
// requests, are dropped.
func (c *Client) completePending(msg JSONRPCMessage) {
	c.mu.Lock()
	p, ok := c.pending[string(msg.ID)]
	if ok {
		delete(c.pending, string(msg.ID))
		delete(c.progress, string(msg.ID))
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	p.resCh <- msg
}

// completeCancelled serves a remote cancellation: the matching pending
// request is completed with a cancellation error.
func (c *Client) completeCancelled(params notificationsCancelledParams) {
	reason := params.Reason
	if reason == "" {
		reason = "cancelled by server"
	}
	c.completePending(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(params.RequestID),
		Error: &JSONRPCError{
			Code:    ErrCodeInternalError,
			Message: "Request cancelled",
			Data:    map[string]any{"reason": reason},
		},
	})
}

// removePending unregisters a request and its progress handler, reporting
// whether the caller won the race against a concurrent completion.
func (c *Client) removePending(msgID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[msgID]
	if ok {
		delete(c.pending, msgID)
		delete(c.progress, msgID)
	}
	return ok
}

// handleServerRequest dispatches one server-initiated request to its
// registered handler. Unregistered methods get a MethodNotFound response;
// handler failures and panics become InternalError responses.
func (c *Client) handleServerRequest(msg JSONRPCMessage) {
	c.mu.Lock()
	handler := c.handlers[msg.Method]
	ctx := c.runCtx
	c.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	if handler == nil {
		c.sendError(ctx, msg.ID, methodNotFoundError(msg.Method))
		return
	}

	result, err := c.invokeHandler(ctx, handler, msg.Params)
	if err != nil {
		var rpcErr *JSONRPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = internalError(err)
		}
		c.sendError(ctx, msg.ID, rpcErr)
		return
	}

	c.sendResult(ctx, msg.ID, result)
}

func (c *Client) invokeHandler(ctx context.Context, handler RequestHandlerFunc, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, params)
}

func (c *Client) handleRootsList(ctx context.Context, _ json.RawMessage) (any, error) {
	if c.rootsFn != nil {
		roots, err := c.rootsFn(ctx)
		if err != nil {
			return nil, err
		}
		return RootList{Roots: roots}, nil
	}

	c.mu.Lock()
	roots := c.roots
	c.mu.Unlock()
	return RootList{Roots: roots}, nil
}

func (c *Client) handleSampling(ctx context.Context, params json.RawMessage) (any, error) {
	var sp SamplingParams
	if err := json.Unmarshal(params, &sp); err != nil {
		return nil, invalidParamsError(err)
	}
	return c.samplingHandler.CreateSampleMessage(ctx, sp)
}

func (c *Client) pingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Ping(ctx); err != nil {
				failures++
				c.logger.Error("ping failed", "err", err, "failures", failures)
				if failures > c.pingTimeoutThreshold {
					c.teardownTo(StateFailed, fmt.Errorf("too many ping failures: %d", failures))
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (c *Client) sendMessage(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	return c.transport.Send(sCtx, msgBs)
}

func (c *Client) sendNotification(ctx context.Context, method string, params any) error {
	var paramsBs json.RawMessage
	if params != nil {
		var err error
		paramsBs, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	return c.sendMessage(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	})
}

// notifyCancelled emits a best-effort cancellation notification for a
// request that was cancelled or timed out locally.
func (c *Client) notifyCancelled(msgID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()

	err := c.sendNotification(ctx, methodNotificationsCancelled, notificationsCancelledParams{
		RequestID: msgID,
		Reason:    reason,
	})
	if err != nil {
		c.logger.Error("failed to send cancellation notification", "err", err)
	}
}

func (c *Client) sendResult(ctx context.Context, id MustString, result any) {
	resBs, err := json.Marshal(result)
	if err != nil {
		c.sendError(ctx, id, internalError(err))
		return
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}
	if err := c.sendMessage(ctx, msg); err != nil {
		c.logger.Error("failed to send result", "err", err)
	}
}

func (c *Client) sendError(ctx context.Context, id MustString, rpcErr *JSONRPCError) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   rpcErr,
	}
	if err := c.sendMessage(ctx, msg); err != nil {
		c.logger.Error("failed to send error response", "err", err)
	}
}

func (c *Client) teardown(err error) {
	if err != nil {
		c.teardownTo(StateFailed, err)
		return
	}
	c.teardownTo(StateDisconnected, nil)
}

// teardownTo moves the endpoint to a terminal state exactly once per
// session: pending requests are all completed with ErrConnectionClosed,
// progress handlers are dropped, the notification stream is closed, and the
// transport is stopped.
func (c *Client) teardownTo(state ClientState, err error) {
	c.mu.Lock()
	if c.state == StateDisconnected || c.state == StateFailed {
		// Keep a failure sticky over a racing disconnect, but never
		// tear down the same session twice.
		c.mu.Unlock()
		return
	}
	c.setStateLocked(state, err)

	pending := c.pending
	c.pending = map[string]*pendingRequest{}
	c.progress = map[string]ProgressFunc{}

	if !c.notifClosed && c.notifications != nil {
		close(c.notifications)
		c.notifClosed = true
	}
	if c.runCancel != nil {
		c.runCancel()
	}
	c.mu.Unlock()

	for _, p := range pending {
		p.resCh <- JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      MustString(p.id),
			Error:   ErrConnectionClosed,
		}
	}

	c.transport.Stop()
}

func (c *Client) setStateLocked(state ClientState, err error) {
	c.state = state
	c.stateErr = err

	select {
	case c.stateChanges <- state:
	default:
		select {
		case <-c.stateChanges:
		default:
		}
		select {
		case c.stateChanges <- state:
		default:
		}
	}
}

func rootSetsEqual(a, b []Root) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[Root]struct{}, len(a))
	for _, r := range a {
		set[r] = struct{}{}
	}
	for _, r := range b {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

