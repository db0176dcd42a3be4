package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/mcphost/internal/buildinfo"
)

// LatestProtocolVersion is the MCP protocol version offered during
// initialization.
const LatestProtocolVersion = "2025-06-18"

// SupportedProtocolVersions lists every version the client accepts from
// a server, newest first.
var SupportedProtocolVersions = []string{
	LatestProtocolVersion,
	"2025-03-26",
	"2024-11-05",
}

// DefaultCallTimeout bounds a request when neither the caller nor the
// client options supply a timeout.
const DefaultCallTimeout = 60 * time.Second

// errClientClosed is the teardown cause after a deliberate Close.
var errClientClosed = errors.New("client closed")

// Implementation names a client or server in the handshake.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ListChangedCapability advertises list_changed notifications for a
// capability category.
type ListChangedCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability is the server's resources capability.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ServerCapabilities describes what an MCP server supports.
type ServerCapabilities struct {
	Tools     *ListChangedCapability `json:"tools,omitempty"`
	Resources *ResourcesCapability   `json:"resources,omitempty"`
	Prompts   *ListChangedCapability `json:"prompts,omitempty"`
	Logging   map[string]any         `json:"logging,omitempty"`
}

// InitializeResult is the full initialize response result.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// Root is a filesystem root offered to servers through roots/list.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// ServerNotification is a notification received from the server.
type ServerNotification struct {
	Method string
	Params json.RawMessage
}

// NotificationHandler receives server notifications. Handlers run on
// the client's dispatch goroutine, in arrival order, and never on the
// read loop, so a slow handler cannot stall a pending call.
type NotificationHandler func(ServerNotification)

// ClientOptions configures a Client.
type ClientOptions struct {
	// Logger is the parent logger. The client adds mcp_server.
	Logger *slog.Logger

	// CallTimeout is used when Call is given a non-positive timeout.
	CallTimeout time.Duration

	// ClientInfo is sent in the handshake. Empty uses build metadata.
	ClientInfo Implementation

	// Roots answers roots/list requests from the server.
	Roots []Root
}

// callOutcome resolves one pending request.
type callOutcome struct {
	result json.RawMessage
	err    error
}

// Client speaks MCP to a single server over a single transport. It
// owns the read loop and the pending-request table; when the transport
// ends every outstanding call fails with ErrServerUnavailable. A client
// is never reconnected: the session builds a new one.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	opts      ClientOptions
	nextID    atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan callOutcome
	closed   bool
	closeErr error

	handlersMu sync.RWMutex
	handlers   []NotificationHandler

	queueMu sync.Mutex
	queue   []ServerNotification
	signal  chan struct{}

	infoMu sync.RWMutex
	info   *InitializeResult

	done chan struct{}
}

// NewClient wraps transport and starts the read and dispatch loops. The
// handshake is not performed until Initialize.
func NewClient(name string, transport Transport, opts ClientOptions) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.ClientInfo.Name == "" {
		opts.ClientInfo = Implementation{Name: buildinfo.ClientName, Version: buildinfo.Version}
	}

	c := &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
		opts:      opts,
		pending:   make(map[int64]chan callOutcome),
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	go c.dispatchLoop()
	return c
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// Done is closed when the read loop has exited: the transport ended or
// the client was closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the client stopped, or nil while it is live.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Subscribe registers a handler for every server notification.
func (c *Client) Subscribe(fn NotificationHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// Info returns the handshake result, or nil before Initialize succeeds.
func (c *Client) Info() *InitializeResult {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.info
}

// Initialize performs the MCP handshake: sends an initialize request,
// checks the negotiated version, and then sends the
// notifications/initialized notification.
func (c *Client) Initialize(ctx context.Context, timeout time.Duration) (*InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": LatestProtocolVersion,
		"capabilities": map[string]any{
			"roots": map[string]any{"listChanged": false},
		},
		"clientInfo": c.opts.ClientInfo,
	}

	raw, err := c.call(ctx, "initialize", params, timeout, false)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ProtocolError{Msg: "malformed initialize result", Err: err}
	}
	if !slices.Contains(SupportedProtocolVersions, result.ProtocolVersion) {
		return nil, &ProtocolError{
			Msg: fmt.Sprintf("server negotiated %q", result.ProtocolVersion),
			Err: ErrVersionMismatch,
		}
	}

	if err := c.Notify(ctx, "notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}

	c.infoMu.Lock()
	c.info = &result
	c.infoMu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return &result, nil
}

// Call sends a request and waits for its response. A non-positive
// timeout uses the client default. On timeout or cancellation the
// pending entry is dropped and the server is told to stop working on
// the request; a response that arrives later is discarded.
func (c *Client) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return c.call(ctx, method, params, timeout, true)
}

func (c *Client) call(ctx context.Context, method string, params any, timeout time.Duration, cancellable bool) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.opts.CallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := c.nextID.Add(1)
	data, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		return nil, &ProtocolError{Msg: "encode " + method, Err: err}
	}

	ch := make(chan callOutcome, 1)
	c.mu.Lock()
	if c.closed {
		cause := c.closeErr
		c.mu.Unlock()
		return nil, unavailable(cause)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.transport.Send(ctx, data); err != nil {
		if !c.forget(id) {
			// Teardown won the race and already resolved the entry.
			out := <-ch
			return out.result, out.err
		}
		if ctx.Err() != nil {
			return nil, c.abandoned(ctx, method)
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		if !c.forget(id) {
			out := <-ch
			return out.result, out.err
		}
		if cancellable {
			c.cancelRemote(id, ctx.Err())
		}
		return nil, c.abandoned(ctx, method)
	}
}

// abandoned converts the end of ctx into ErrTimeout or ErrCancelled.
func (c *Client) abandoned(ctx context.Context, method string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.logger.Warn("MCP request timed out", "method", method)
		return fmt.Errorf("%s: %w", method, ErrTimeout)
	}
	c.logger.Debug("MCP request cancelled by caller", "method", method)
	return fmt.Errorf("%s: %w", method, ErrCancelled)
}

// forget removes a pending entry. It reports whether the caller now owns
// its resolution.
func (c *Client) forget(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// cancelRemote tells the server to abandon a request. Best effort: the
// caller has already moved on.
func (c *Client) cancelRemote(id int64, reason error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := c.Notify(ctx, "notifications/cancelled", map[string]any{
			"requestId": id,
			"reason":    reason.Error(),
		})
		if err != nil {
			c.logger.Debug("failed to send cancellation", "request_id", id, "error", err)
		}
	}()
}

// Notify sends a notification. There is no correlation and no reply.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	closed, cause := c.closed, c.closeErr
	c.mu.Unlock()
	if closed {
		return unavailable(cause)
	}

	data, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return &ProtocolError{Msg: "encode " + method, Err: err}
	}
	if err := c.transport.Send(ctx, data); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// Close fails every pending call with ErrServerUnavailable and then
// shuts the transport down.
func (c *Client) Close() error {
	c.logger.Info("closing MCP client")
	c.teardown(errClientClosed)
	return c.transport.Close()
}

// teardown marks the client closed and resolves every pending entry.
// Only the first cause is kept.
func (c *Client) teardown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	pending := c.pending
	c.pending = make(map[int64]chan callOutcome)
	c.mu.Unlock()

	if len(pending) > 0 {
		c.logger.Debug("failing pending requests", "count", len(pending), "cause", cause)
	}
	err := unavailable(cause)
	for _, ch := range pending {
		ch <- callOutcome{err: err}
	}
}

// readLoop is the only reader of the transport.
func (c *Client) readLoop() {
	defer close(c.done)
	defer c.wake()

	for frame := range c.transport.Frames() {
		c.handleFrame(frame)
	}

	cause := c.transport.Err()
	if cause == nil {
		cause = &TransportError{Op: "read", Err: errors.New("stream closed")}
	}
	c.teardown(cause)
}

func (c *Client) handleFrame(frame []byte) {
	msg, kind, err := decodeMessage(frame)
	if err != nil {
		c.logger.Warn("skipping malformed MCP frame", "error", err, "bytes", len(frame))
		return
	}

	switch kind {
	case kindResponse:
		c.resolve(msg)
	case kindNotification:
		c.enqueue(ServerNotification{Method: msg.Method, Params: msg.Params})
	case kindServerRequest:
		go c.answer(msg)
	}
}

// resolve completes the pending entry for a response. Whoever removes
// the entry from the table owns its resolution, so a response racing a
// timeout resolves the call at most once.
func (c *Client) resolve(msg *message) {
	id, err := responseID(msg.ID)
	if err != nil {
		c.logger.Warn("skipping MCP response", "error", err)
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		if id > 0 && id <= c.nextID.Load() {
			c.logger.Debug("dropping late MCP response", "request_id", id)
		} else {
			c.logger.Warn("skipping MCP response for unknown request",
				"error", &ProtocolError{Msg: fmt.Sprintf("unknown request id %d", id)})
		}
		return
	}

	if msg.Error != nil {
		ch <- callOutcome{err: msg.Error}
		return
	}
	ch <- callOutcome{result: msg.Result}
}

// answer replies to a server-initiated request.
func (c *Client) answer(msg *message) {
	resp := &Response{JSONRPC: jsonrpcVersion, ID: msg.ID}
	switch msg.Method {
	case "ping":
		resp.Result = map[string]any{}
	case "roots/list":
		roots := c.opts.Roots
		if roots == nil {
			roots = []Root{}
		}
		resp.Result = map[string]any{"roots": roots}
	default:
		c.logger.Debug("rejecting unsupported server request", "method", msg.Method)
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + msg.Method}
	}

	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Warn("failed to encode reply", "method", msg.Method, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.transport.Send(ctx, data); err != nil {
		c.logger.Debug("failed to send reply", "method", msg.Method, "error", err)
	}
}

// enqueue appends a notification for the dispatch loop. The queue is
// unbounded so the read loop never blocks on slow handlers.
func (c *Client) enqueue(n ServerNotification) {
	c.queueMu.Lock()
	c.queue = append(c.queue, n)
	c.queueMu.Unlock()
	c.wake()
}

func (c *Client) wake() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// dispatchLoop delivers queued notifications to handlers. It drains the
// queue one last time after the read loop exits.
func (c *Client) dispatchLoop() {
	for {
		select {
		case <-c.signal:
			c.drain()
		case <-c.done:
			c.drain()
			return
		}
	}
}

func (c *Client) drain() {
	for {
		c.queueMu.Lock()
		batch := c.queue
		c.queue = nil
		c.queueMu.Unlock()
		if len(batch) == 0 {
			return
		}

		c.handlersMu.RLock()
		handlers := slices.Clone(c.handlers)
		c.handlersMu.RUnlock()

		for _, n := range batch {
			for _, h := range handlers {
				h(n)
			}
		}
	}
}
