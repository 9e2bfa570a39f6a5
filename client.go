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

	"github.com/google/uuid"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements the client side of the protocol over any ClientTransport. The gateway
// keeps one Client per backend, and tests use it to drive a Server end to end.
//
// A Client must be created using NewClient() and requires Connect() to be called
// before any operations can be performed. The client should be properly closed
// using Close() when it's no longer needed.
type Client struct {
	info         Info
	capabilities ClientCapabilities
	transport    ClientTransport

	toolListWatcher  ToolListWatcher
	progressListener ProgressListener
	logReceiver      LogReceiver

	writeTimeout         time.Duration
	readTimeout          time.Duration
	pingInterval         time.Duration
	pingTimeoutThreshold int

	logger *slog.Logger

	session            Session
	serverInfo         Info
	serverCapabilities ServerCapabilities
	protocolVersion    string
	initialized        atomic.Bool

	resultsLock sync.Mutex
	results     map[RequestID]chan JSONRPCMessage

	done      chan struct{}
	closeOnce sync.Once
	listening chan struct{}
}

// ProgressListener receives progress notifications sent by the server.
type ProgressListener interface {
	OnProgress(params ProgressParams)
}

// LogReceiver receives log notifications sent by the server.
type LogReceiver interface {
	OnLog(params LogParams)
}

var (
	defaultClientWriteTimeout = 30 * time.Second
	defaultClientPingInterval = 30 * time.Second

	defaultClientPingTimeoutThreshold = 3
)

// WithToolListWatcher sets the tool list watcher for the client.
func WithToolListWatcher(watcher ToolListWatcher) ClientOption {
	return func(c *Client) {
		c.toolListWatcher = watcher
	}
}

// WithProgressListener sets the progress listener for the client.
func WithProgressListener(listener ProgressListener) ClientOption {
	return func(c *Client) {
		c.progressListener = listener
	}
}

// WithLogReceiver sets the log receiver for the client.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// WithClientWriteTimeout sets the write timeout for the client.
func WithClientWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithClientReadTimeout bounds how long a request waits for its response, on top of
// the caller's context. Zero, the default, leaves it to the context.
func WithClientReadTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// WithClientPingInterval sets the ping interval for the client.
func WithClientPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithClientPingTimeoutThreshold sets the ping timeout threshold for the client.
// If the number of consecutive ping failures reaches the threshold, the client closes itself.
func WithClientPingTimeoutThreshold(threshold int) ClientOption {
	return func(c *Client) {
		c.pingTimeoutThreshold = threshold
	}
}

// WithClientLogger sets the logger of the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "client"),
		)
	}
}

// NewClient creates a new client with the specified configuration. The info parameter
// provides client identification and version information. The transport parameter defines
// how the client communicates with the server.
//
// The client will not be connected until Connect() is called.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:         info,
		capabilities: ClientCapabilities{},
		transport:    transport,
		logger:       slog.Default(),
		results:      make(map[RequestID]chan JSONRPCMessage),
		done:         make(chan struct{}),
		listening:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.writeTimeout == 0 {
		c.writeTimeout = defaultClientWriteTimeout
	}
	if c.pingInterval == 0 {
		c.pingInterval = defaultClientPingInterval
	}
	if c.pingTimeoutThreshold == 0 {
		c.pingTimeoutThreshold = defaultClientPingTimeoutThreshold
	}

	return c
}

// Connect establishes a session with the server and performs the initialization
// handshake: initialize, then notifications/initialized. It starts background routines
// for message handling and server health checks through periodic pings.
//
// Connect must be called once, before any other client method.
func (c *Client) Connect(ctx context.Context) error {
	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.session = sess

	go c.listenMessages()

	paramsBs, err := json.Marshal(InitializeParams{
		ProtocolVersion: LatestProtocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	})
	if err != nil {
		c.Close()
		return fmt.Errorf("failed to marshal initialize params: %w", err)
	}

	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodInitialize,
		Params:  paramsBs,
	})
	if err != nil {
		c.Close()
		return fmt.Errorf("failed to send initialize request: %w", err)
	}
	if res.Error != nil {
		c.Close()
		return fmt.Errorf("initialize error: %w", *res.Error)
	}

	var result InitializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		c.Close()
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	if !slices.Contains(SupportedProtocolVersions, result.ProtocolVersion) {
		c.Close()
		return fmt.Errorf("unsupported protocol version from server: %q", result.ProtocolVersion)
	}

	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.protocolVersion = result.ProtocolVersion
	c.initialized.Store(true)

	if err := c.sendNotification(ctx, methodNotificationsInitialized, nil); err != nil {
		c.Close()
		return err
	}

	go c.pings()

	return nil
}

// ListTools retrieves the tools available on the server.
//
// The request can be cancelled via the context. When cancelled, a cancellation
// request will be sent to the server to stop processing.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if !c.initialized.Load() {
		return ListToolsResult{}, errors.New("client not initialized")
	}
	if c.serverCapabilities.Tools == nil {
		return ListToolsResult{}, errors.New("tools not supported by server")
	}

	var result ListToolsResult
	if err := c.call(ctx, MethodToolsList, params, &result); err != nil {
		return ListToolsResult{}, err
	}
	return result, nil
}

// CallTool executes a specific tool and returns its result. A tool that ran and failed
// is reported through CallToolResult.IsError, not through the returned error.
//
// The request can be cancelled via the context. When cancelled, a cancellation
// request will be sent to the server to stop processing.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if !c.initialized.Load() {
		return CallToolResult{}, errors.New("client not initialized")
	}
	if c.serverCapabilities.Tools == nil {
		return CallToolResult{}, errors.New("tools not supported by server")
	}

	var result CallToolResult
	if err := c.call(ctx, MethodToolsCall, params, &result); err != nil {
		return CallToolResult{}, err
	}
	return result, nil
}

// SetLogLevel configures the logging level of the server.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	if !c.initialized.Load() {
		return errors.New("client not initialized")
	}
	if c.serverCapabilities.Logging == nil {
		return errors.New("logging not supported by server")
	}
	return c.call(ctx, MethodLoggingSetLevel, SetLogLevelParams{Level: level}, nil)
}

// Ping sends a ping request and waits for the answer.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodPing,
	})
	if err != nil {
		return fmt.Errorf("failed to send ping: %w", err)
	}
	if res.Error != nil {
		return fmt.Errorf("error response: %w", *res.Error)
	}
	return nil
}

// ServerInfo returns the server's info.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

// ServerCapabilities returns the capability record the server advertised.
func (c *Client) ServerCapabilities() ServerCapabilities {
	return c.serverCapabilities
}

// ProtocolVersion returns the negotiated protocol version.
func (c *Client) ProtocolVersion() string {
	return c.protocolVersion
}

// Done is closed once the connection to the server is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close stops the session. Requests still waiting for a response fail with ErrCancelled.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	if c.session != nil {
		c.session.Stop()
		<-c.listening
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	})
	if err != nil {
		return err
	}
	if res.Error != nil {
		return fmt.Errorf("result error: %w", *res.Error)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(res.Result, result); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

func (c *Client) pings() {
	pingTicker := time.NewTicker(c.pingInterval)
	defer pingTicker.Stop()

	failedPings := 0
	for {
		select {
		case <-c.done:
			return
		case <-pingTicker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
		err := c.Ping(ctx)
		cancel()
		if err == nil {
			failedPings = 0
			continue
		}

		failedPings++
		c.logger.Warn("failed to ping server",
			slog.Int("failedPings", failedPings),
			slog.String("err", err.Error()))
		if failedPings >= c.pingTimeoutThreshold {
			c.logger.Error("too many ping failures, closing client")
			go c.Close()
			return
		}
	}
}

func (c *Client) listenMessages() {
	defer close(c.listening)
	defer c.closeOnce.Do(func() {
		close(c.done)
	})

	for msg := range c.session.Messages() {
		switch msg.Kind() {
		case KindResponse, KindErrorResponse:
			c.resultsLock.Lock()
			resChan, ok := c.results[msg.ID]
			delete(c.results, msg.ID)
			c.resultsLock.Unlock()
			if !ok {
				c.logger.Debug("dropping response without waiter", slog.String("id", msg.ID.String()))
				continue
			}
			resChan <- msg
		case KindRequest:
			if msg.Method == methodPing {
				go c.sendResult(msg.ID, struct{}{})
				continue
			}
			go c.sendError(msg.ID, JSONRPCError{
				Code:    CodeMethodNotFound,
				Message: fmt.Sprintf("method not found: %s", msg.Method),
			})
		case KindNotification:
			c.handleNotification(msg)
		default:
			c.logger.Warn("ignoring invalid message")
		}
	}
}

func (c *Client) handleNotification(msg JSONRPCMessage) {
	switch msg.Method {
	case methodNotificationsToolsListChanged:
		if c.toolListWatcher != nil {
			c.toolListWatcher.OnToolListChanged()
		}
	case methodNotificationsProgress:
		if c.progressListener == nil {
			return
		}
		var params ProgressParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal progress params", slog.String("err", err.Error()))
			return
		}
		c.progressListener.OnProgress(params)
	case methodNotificationsMessage:
		if c.logReceiver == nil {
			return
		}
		var params LogParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Error("failed to unmarshal log params", slog.String("err", err.Error()))
			return
		}
		c.logReceiver.OnLog(params)
	}
}

func (c *Client) sendRequest(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	msg.ID = StringID(uuid.New().String())

	results := make(chan JSONRPCMessage, 1)
	c.resultsLock.Lock()
	c.results[msg.ID] = results
	c.resultsLock.Unlock()

	forget := func() {
		c.resultsLock.Lock()
		delete(c.results, msg.ID)
		c.resultsLock.Unlock()
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	err := c.session.Send(sCtx, msg)
	sCancel()
	if err != nil {
		forget()
		return JSONRPCMessage{}, fmt.Errorf("failed to send request: %w", err)
	}

	var readTimeout <-chan time.Time
	if c.readTimeout > 0 {
		timer := time.NewTimer(c.readTimeout)
		defer timer.Stop()
		readTimeout = timer.C
	}

	select {
	case res := <-results:
		return res, nil
	case <-readTimeout:
		forget()
		c.cancelRequest(msg.ID, "request timed out")
		return JSONRPCMessage{}, fmt.Errorf("%w: no response within %s", ErrTimeout, c.readTimeout)
	case <-ctx.Done():
		forget()
		c.cancelRequest(msg.ID, userCancelledReason)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return JSONRPCMessage{}, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
		return JSONRPCMessage{}, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	case <-c.done:
		forget()
		return JSONRPCMessage{}, fmt.Errorf("%w: %w", ErrCancelled, ErrSessionClosed)
	}
}

// cancelRequest tells the server to stop working on id. Failures are only logged.
func (c *Client) cancelRequest(id RequestID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()

	err := c.sendNotification(ctx, methodNotificationsCancelled, notificationsCancelledParams{
		RequestID: id,
		Reason:    reason,
	})
	if err != nil {
		c.logger.Warn("failed to send cancellation", slog.String("err", err.Error()))
	}
}

func (c *Client) sendNotification(ctx context.Context, method string, params any) error {
	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = bs
	}

	sCtx, sCancel := context.WithTimeout(ctx, c.writeTimeout)
	defer sCancel()

	if err := c.session.Send(sCtx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	}); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}

	return nil
}

func (c *Client) sendResult(id RequestID, result any) {
	resBs, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("failed to marshal result", slog.String("err", err.Error()))
		return
	}

	sCtx, sCancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer sCancel()

	if err := c.session.Send(sCtx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}); err != nil {
		c.logger.Error("failed to send result", slog.String("err", err.Error()))
	}
}

func (c *Client) sendError(id RequestID, jsonErr JSONRPCError) {
	sCtx, sCancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer sCancel()

	if err := c.session.Send(sCtx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &jsonErr,
	}); err != nil {
		c.logger.Error("failed to send error", slog.String("err", err.Error()))
	}
}
