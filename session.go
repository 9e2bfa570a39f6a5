package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the protocol state of one session.
type State int32

// State values. A session only ever moves forward through them, except that a rejected
// initialize request returns it to StateUninitialized.
const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateDraining
	StateClosed
)

// serverSession runs the protocol state machine for one client session.
type serverSession struct {
	session Session
	logger  *slog.Logger
	server  *Server

	state    atomic.Int32
	pending  *pendingTable
	inflight sync.WaitGroup
	// admit orders dispatch's inflight.Add against drain's move to StateDraining.
	admit sync.Mutex

	baseCtx    context.Context
	baseCancel context.CancelFunc

	createdAt    time.Time
	lastActivity atomic.Int64

	pingIDs  chan RequestID
	broken   atomic.Bool
	stopOnce sync.Once
}

type transportKinder interface {
	TransportKind() string
}

type brokenReporter interface {
	Broken() bool
}

func newServerSession(sess Session, srv *Server) *serverSession {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	ss := &serverSession{
		session:    sess,
		logger:     srv.logger.With(slog.String("sessionID", sess.ID())),
		server:     srv,
		pending:    newPendingTable(srv.maxInFlight),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		createdAt:  time.Now(),
		pingIDs:    make(chan RequestID, 10),
	}
	ss.touch()
	return ss
}

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// start runs the session until its input ends or done is closed, then drains it.
func (s *serverSession) start(done <-chan struct{}) {
	inputClosed := make(chan struct{})
	drained := make(chan struct{})
	keepaliveDone := make(chan struct{})

	go s.keepalive(keepaliveDone)

	// Whichever comes first, server shutdown or end of input, moves the session to draining.
	go func() {
		defer close(drained)

		select {
		case <-done:
			s.logger.Info("server is shutting down, draining session")
		case <-inputClosed:
			s.logger.Debug("session input closed, draining session")
		}
		s.drain()
		s.stop()
	}()

	s.readLoop()
	close(inputClosed)

	<-drained
	close(keepaliveDone)
	s.baseCancel()
	s.state.Store(int32(StateClosed))
	s.logger.Info("session closed")
}

func (s *serverSession) readLoop() {
	defer func() {
		// A fault in one session must never take the process down.
		if r := recover(); r != nil {
			s.logger.Error("session loop panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	// This loops would break when the session is closed
	for msg := range s.session.Messages() {
		// Answers to our own pings say nothing about client activity.
		if kind := msg.Kind(); kind == KindRequest || kind == KindNotification {
			s.touch()
		}
		s.handleMessage(msg)
	}
}

func (s *serverSession) handleMessage(msg JSONRPCMessage) {
	switch msg.Kind() {
	case KindResponse, KindErrorResponse:
		// Only our pings expect an answer from the client.
		select {
		case s.pingIDs <- msg.ID:
		default:
		}
		return
	case KindNotification:
		s.handleNotification(msg)
		return
	case KindRequest:
	default:
		s.sendError(msg.ID, JSONRPCError{Code: CodeInvalidRequest, Message: "invalid envelope"})
		return
	}

	switch msg.Method {
	case methodPing:
		s.sendResult(msg.ID, struct{}{})
		return
	case methodInitialize:
		s.handleInitialize(msg)
		return
	}

	if state := s.State(); state != StateReady {
		s.sendError(msg.ID, JSONRPCError{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("cannot handle %q while session is %s", msg.Method, state),
		})
		return
	}

	switch msg.Method {
	case MethodToolsList, MethodToolsCall:
		if s.server.toolServer == nil {
			s.sendError(msg.ID, JSONRPCError{
				Code:    CodeMethodNotFound,
				Message: "tools not supported by server",
			})
			return
		}
		s.dispatch(msg)
	case MethodLoggingSetLevel:
		s.handleSetLogLevel(msg)
	default:
		s.sendError(msg.ID, JSONRPCError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		})
	}
}

func (s *serverSession) handleNotification(msg JSONRPCMessage) {
	switch msg.Method {
	case methodNotificationsInitialized:
		s.logger.Debug("client reported initialized")
	case methodNotificationsCancelled:
		var params notificationsCancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.logger.Warn("invalid cancellation notification", slog.String("err", err.Error()))
			return
		}
		if s.pending.cancel(params.RequestID) {
			s.logger.Info("request cancelled by client",
				slog.String("requestID", params.RequestID.String()),
				slog.String("reason", params.Reason))
		}
	default:
		s.logger.Debug("ignoring notification", slog.String("method", msg.Method))
	}
}

func (s *serverSession) handleInitialize(msg JSONRPCMessage) {
	if !s.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		s.sendError(msg.ID, JSONRPCError{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("cannot initialize while session is %s", s.State()),
		})
		return
	}

	res, err := s.initializationHandshake(msg)
	if err != nil {
		s.state.Store(int32(StateUninitialized))
		s.logger.Info("invalid initialization request", slog.String("err", err.Error()))
		s.sendError(msg.ID, NewJSONRPCError(err))
		return
	}

	if err := s.sendResult(msg.ID, res); err != nil {
		// The client never saw the handshake reply, so the session is not usable.
		return
	}

	s.state.CompareAndSwap(int32(StateInitializing), int32(StateReady))
	s.logger.Info("session initialized", slog.String("protocolVersion", res.ProtocolVersion))
}

func (s *serverSession) initializationHandshake(msg JSONRPCMessage) (InitializeResult, error) {
	var params InitializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return InitializeResult{}, JSONRPCError{
			Code:    CodeInvalidParams,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}
	}

	if !slices.Contains(s.server.supportedVersions, params.ProtocolVersion) {
		return InitializeResult{}, JSONRPCError{
			Code:    CodeInvalidParams,
			Message: fmt.Sprintf("unsupported protocol version %q", params.ProtocolVersion),
			Data: map[string]any{
				"requested": params.ProtocolVersion,
				"supported": s.server.supportedVersions,
			},
		}
	}

	return InitializeResult{
		ProtocolVersion: params.ProtocolVersion,
		Capabilities:    s.server.capabilities,
		ServerInfo:      s.server.info,
		Instructions:    s.server.instructions,
	}, nil
}

func (s *serverSession) handleSetLogLevel(msg JSONRPCMessage) {
	if s.server.logHandler == nil {
		s.sendError(msg.ID, JSONRPCError{
			Code:    CodeMethodNotFound,
			Message: "logging not supported by server",
		})
		return
	}

	var params SetLogLevelParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.sendError(msg.ID, JSONRPCError{
			Code:    CodeInvalidParams,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		})
		return
	}

	s.server.logHandler.SetLogLevel(params.Level)
	s.sendResult(msg.ID, struct{}{})
}

// dispatch runs a tool request in its own goroutine. The reply is written only if the
// request is still pending when the handler returns.
func (s *serverSession) dispatch(msg JSONRPCMessage) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	ctx = WithRequestID(ctx, msg.ID)

	s.admit.Lock()
	if state := s.State(); state != StateReady {
		s.admit.Unlock()
		cancel()
		s.sendError(msg.ID, JSONRPCError{
			Code:    CodeInvalidRequest,
			Message: fmt.Sprintf("cannot handle %q while session is %s", msg.Method, state),
		})
		return
	}
	if err := s.pending.add(msg.ID, msg.Method, cancel); err != nil {
		s.admit.Unlock()
		cancel()
		s.logger.Warn("rejecting request", slog.String("method", msg.Method), slog.String("err", err.Error()))
		if errors.Is(err, errIDInFlight) {
			// The id still belongs to the running call, which owns the only reply for it.
			s.sendError(RequestID{}, JSONRPCError{Code: CodeInvalidRequest, Message: err.Error()})
			return
		}
		s.sendError(msg.ID, NewJSONRPCError(err))
		return
	}
	s.inflight.Add(1)
	s.admit.Unlock()

	go func() {
		defer s.inflight.Done()

		result, err := s.callToolServer(ctx, msg)

		if !s.pending.complete(msg.ID) {
			s.logger.Debug("dropping reply of finished request",
				slog.String("method", msg.Method),
				slog.String("requestID", msg.ID.String()))
			return
		}

		if err != nil {
			s.logger.Warn("failed to call tool server",
				slog.String("method", msg.Method),
				slog.String("requestID", msg.ID.String()),
				slog.String("err", err.Error()))
			s.sendError(msg.ID, NewJSONRPCError(err))
			return
		}
		s.sendResult(msg.ID, result)
	}()
}

func (s *serverSession) callToolServer(ctx context.Context, msg JSONRPCMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tool server panicked",
				slog.String("method", msg.Method),
				slog.String("requestID", msg.ID.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("%w: %v", ErrToolFault, r)
		}
	}()

	switch msg.Method {
	case MethodToolsList:
		var params ListToolsParams
		if len(msg.Params) > 0 {
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
			}
		}
		return s.server.toolServer.ListTools(ctx, params)
	case MethodToolsCall:
		var params CallToolParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
		}
		if params.Name == "" {
			return nil, fmt.Errorf("%w: missing tool name", ErrInvalidParams)
		}
		return s.server.toolServer.CallTool(ctx, params, s.progressReporter(params.Meta))
	default:
		return nil, JSONRPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", msg.Method)}
	}
}

// drain stops accepting requests, gives in-flight calls the grace period, then cancels
// what is left. Cancelled calls get a cancellation error unless the transport is gone.
func (s *serverSession) drain() {
	s.admit.Lock()
	s.state.Store(int32(StateDraining))
	s.admit.Unlock()

	if br, ok := s.session.(brokenReporter); ok && br.Broken() {
		s.broken.Store(true)
	}

	if !s.broken.Load() {
		finished := make(chan struct{})
		go func() {
			s.inflight.Wait()
			close(finished)
		}()

		timer := time.NewTimer(s.server.drainGrace)
		select {
		case <-finished:
		case <-timer.C:
			s.logger.Warn("drain grace period expired, cancelling in-flight calls",
				slog.Int("pending", s.pending.len()))
		}
		timer.Stop()
	}

	for _, id := range s.pending.drain() {
		if s.broken.Load() {
			continue
		}
		s.sendError(id, JSONRPCError{
			Code:    CodeCancelled,
			Message: "request cancelled: session is closing",
		})
	}
}

func (s *serverSession) keepalive(done <-chan struct{}) {
	pingTicker := time.NewTicker(s.server.pingInterval)
	defer pingTicker.Stop()

	var idle <-chan time.Time
	var idleTimer *time.Timer
	if s.server.idleTimeout > 0 {
		idleTimer = time.NewTimer(s.server.idleTimeout)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}

	failedPings := 0
	awaiting := false
	var msgID RequestID

	for {
		select {
		case <-done:
			return
		case <-idle:
			if remaining := s.server.idleTimeout - time.Since(s.lastSeen()); remaining > 0 {
				idleTimer.Reset(remaining)
				continue
			}
			s.logger.Info("session idle for too long, closing",
				slog.Duration("idleTimeout", s.server.idleTimeout))
			s.stop()
			return
		case id := <-s.pingIDs:
			// Received id from client response, check whether it's the same as the one we sent.
			if id == msgID {
				s.logger.Debug("received ping response, resetting failed ping counter")
				failedPings = 0
				awaiting = false
			}
			continue
		case <-pingTicker.C:
		}

		// The previous ping went unanswered for a whole interval.
		if awaiting {
			failedPings++
			s.logger.Warn("ping went unanswered", slog.Int("failedPings", failedPings))
		}

		if s.State() != StateReady {
			continue
		}

		msgID = StringID(uuid.New().String())

		ctx, cancel := context.WithTimeout(context.Background(), s.server.pingTimeout)
		err := s.session.Send(ctx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msgID,
			Method:  methodPing,
		})
		cancel()

		if err != nil {
			failedPings++
			awaiting = false
			s.logger.Warn("failed to send ping to client",
				slog.Int("failedPings", failedPings),
				slog.String("err", err.Error()))
		} else {
			awaiting = true
		}
		if failedPings >= s.server.pingTimeoutThreshold {
			s.logger.Warn("too many pings failed, closing session")
			s.broken.Store(true)
			s.stop()
			return
		}
	}
}

func (s *serverSession) notify(msg JSONRPCMessage) {
	if s.State() != StateReady {
		return
	}
	s.send(msg)
}

func (s *serverSession) progressReporter(meta *ParamsMeta) ProgressReporter {
	if meta == nil || meta.ProgressToken.IsZero() {
		return func(ProgressParams) {}
	}
	return func(params ProgressParams) {
		params.ProgressToken = meta.ProgressToken
		paramsBs, err := json.Marshal(params)
		if err != nil {
			s.logger.Error("failed to marshal progress params", slog.String("err", err.Error()))
			return
		}
		s.send(JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsProgress,
			Params:  paramsBs,
		})
	}
}

func (s *serverSession) sendResult(id RequestID, result any) error {
	resBs, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("failed to marshal result", slog.String("err", err.Error()))
		return s.sendError(id, JSONRPCError{
			Code:    CodeInternalError,
			Message: fmt.Sprintf("failed to marshal result: %s", err.Error()),
		})
	}
	return s.send(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	})
}

func (s *serverSession) sendError(id RequestID, jsonErr JSONRPCError) error {
	return s.send(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &jsonErr,
	})
}

func (s *serverSession) send(msg JSONRPCMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.server.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, msg); err != nil {
		if !errors.Is(err, ErrSessionClosed) {
			s.logger.Error("failed to send message",
				slog.String("kind", msg.Kind().String()),
				slog.String("err", err.Error()))
		}
		return err
	}
	return nil
}

func (s *serverSession) stop() {
	s.stopOnce.Do(s.session.Stop)
}

func (s *serverSession) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *serverSession) lastSeen() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// State returns the current protocol state.
func (s *serverSession) State() State {
	return State(s.state.Load())
}

func (s *serverSession) info() SessionInfo {
	transport := "unknown"
	if tk, ok := s.session.(transportKinder); ok {
		transport = tk.TransportKind()
	}
	return SessionInfo{
		ID:           s.session.ID(),
		Transport:    transport,
		State:        s.State(),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastSeen(),
		InFlight:     s.pending.len(),
	}
}
