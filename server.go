package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server multiplexes the protocol over every session its transport produces. Each session
// gets its own protocol state machine, pending-call table and goroutines; nothing but the
// read-only configuration below is shared between them, so a failing session cannot
// disturb another.
//
// Instances must be created with NewServer, started with Serve and stopped with Shutdown.
type Server struct {
	info              Info
	instructions      string
	capabilities      ServerCapabilities
	supportedVersions []string
	transport         ServerTransport

	toolServer      ToolServer
	toolListUpdater ToolListUpdater
	logHandler      LogHandler

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration
	drainGrace           time.Duration
	idleTimeout          time.Duration
	maxInFlight          int

	logger *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	sessionsLock      *sync.Mutex
	sessions          map[string]*serverSession
	sessionsWaitGroup *sync.WaitGroup

	done         chan struct{}
	shutdownOnce sync.Once
}

// SessionInfo is a point-in-time view of one session.
type SessionInfo struct {
	ID           string
	Transport    string
	State        State
	CreatedAt    time.Time
	LastActivity time.Time
	InFlight     int
}

var (
	defaultServerPingInterval         = 30 * time.Second
	defaultServerPingTimeout          = 30 * time.Second
	defaultServerPingTimeoutThreshold = 3
	defaultServerSendTimeout          = 30 * time.Second
	defaultServerDrainGrace           = 5 * time.Second
	defaultServerMaxInFlight          = 64
)

// NewServer creates a new MCP server with the specified configuration. The capability
// record advertised to clients is computed here, once, from the configured handlers.
func NewServer(info Info, transport ServerTransport, options ...ServerOption) *Server {
	s := &Server{
		info:              info,
		transport:         transport,
		supportedVersions: SupportedProtocolVersions,
		logger:            slog.Default(),
		sessionsLock:      &sync.Mutex{},
		sessions:          make(map[string]*serverSession),
		sessionsWaitGroup: &sync.WaitGroup{},
		done:              make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.pingInterval == 0 {
		s.pingInterval = defaultServerPingInterval
	}
	if s.pingTimeout == 0 {
		s.pingTimeout = defaultServerPingTimeout
	}
	if s.pingTimeoutThreshold == 0 {
		s.pingTimeoutThreshold = defaultServerPingTimeoutThreshold
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}
	if s.drainGrace == 0 {
		s.drainGrace = defaultServerDrainGrace
	}
	if s.maxInFlight == 0 {
		s.maxInFlight = defaultServerMaxInFlight
	}

	s.capabilities = ServerCapabilities{}
	if s.toolServer != nil {
		s.capabilities.Tools = &ToolsCapability{}
		if s.toolListUpdater != nil {
			s.capabilities.Tools.ListChanged = true
		}
	}
	if s.logHandler != nil {
		s.capabilities.Logging = &LoggingCapability{}
	}

	return s
}

// WithToolServer sets the tool server, which enables the tools capability.
func WithToolServer(srv ToolServer) ServerOption {
	return func(s *Server) {
		s.toolServer = srv
	}
}

// WithToolListUpdater sets the source of tool list change notifications.
func WithToolListUpdater(updater ToolListUpdater) ServerOption {
	return func(s *Server) {
		s.toolListUpdater = updater
	}
}

// WithLogHandler sets the log handler, which enables the logging capability.
func WithLogHandler(handler LogHandler) ServerOption {
	return func(s *Server) {
		s.logHandler = handler
	}
}

// WithInstructions sets the instructions returned to clients on initialization.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithSupportedProtocolVersions replaces the protocol versions accepted by initialize.
func WithSupportedProtocolVersions(versions ...string) ServerOption {
	return func(s *Server) {
		s.supportedVersions = slices.Clone(versions)
	}
}

// WithServerPingInterval sets the interval between keepalive pings sent to clients.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerPingTimeout sets the timeout for a single ping send.
func WithServerPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.pingTimeout = timeout
	}
}

// WithServerPingTimeoutThreshold sets how many consecutive failed pings close a session.
func WithServerPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		s.pingTimeoutThreshold = threshold
	}
}

// WithServerSendTimeout sets the timeout for writing a reply or notification.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerDrainGrace sets how long in-flight calls may run after a session starts
// draining before they are cancelled.
func WithServerDrainGrace(grace time.Duration) ServerOption {
	return func(s *Server) {
		s.drainGrace = grace
	}
}

// WithServerIdleTimeout closes sessions that received nothing for the given duration.
// Zero disables the check.
func WithServerIdleTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.idleTimeout = timeout
	}
}

// WithServerMaxInFlight bounds the pending-call table of each session.
func WithServerMaxInFlight(limit int) ServerOption {
	return func(s *Server) {
		s.maxInFlight = limit
	}
}

// WithServerOnClientConnected sets a callback invoked when a session starts.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets a callback invoked when a session ends.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger of the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "server"),
		)
	}
}

// Capabilities returns the capability record advertised to clients.
func (s *Server) Capabilities() ServerCapabilities {
	return s.capabilities
}

// Serve starts accepting sessions from the transport. It blocks until the transport stops
// yielding sessions, which happens after Shutdown.
func (s *Server) Serve() {
	// The update listeners end with their source, or at the first update after Shutdown.
	if s.toolListUpdater != nil {
		go s.listenUpdates(methodNotificationsToolsListChanged, s.toolListUpdater.ToolListUpdates())
	}
	if s.logHandler != nil {
		go s.listenLogs()
	}

	s.start()
}

// Shutdown drains every session, then shuts the transport down. It may be called more
// than once.
func (s *Server) Shutdown(ctx context.Context) error {
	// Signal the server to shutdown and drain all sessions
	s.shutdownOnce.Do(func() {
		close(s.done)
	})

	sessionsDone := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(sessionsDone)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for sessions: %w", ctx.Err())
	case <-sessionsDone:
	}

	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	return nil
}

// Sessions returns a snapshot of the active sessions.
func (s *Server) Sessions() []SessionInfo {
	s.sessionsLock.Lock()
	defer s.sessionsLock.Unlock()

	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, ss := range s.sessions {
		infos = append(infos, ss.info())
	}
	slices.SortFunc(infos, func(a, b SessionInfo) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return infos
}

func (s *Server) start() {
	// This loop would break when the transport is closed.
	for sess := range s.transport.Sessions() {
		ss := newServerSession(sess, s)

		s.sessionsLock.Lock()
		s.sessions[sess.ID()] = ss
		s.sessionsLock.Unlock()

		s.sessionsWaitGroup.Add(1)

		go func() {
			defer s.sessionsWaitGroup.Done()

			if s.onClientConnected != nil {
				s.onClientConnected(ss.session.ID(), s.info)
			}

			ss.start(s.done)

			s.sessionsLock.Lock()
			delete(s.sessions, ss.session.ID())
			s.sessionsLock.Unlock()

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(ss.session.ID())
			}
		}()
	}
}

func (s *Server) broadcast(msg JSONRPCMessage) {
	s.sessionsLock.Lock()
	targets := make([]*serverSession, 0, len(s.sessions))
	for _, ss := range s.sessions {
		targets = append(targets, ss)
	}
	s.sessionsLock.Unlock()

	for _, ss := range targets {
		ss.notify(msg)
	}
}

func (s *Server) listenUpdates(method string, updates iter.Seq[struct{}]) {
	for range updates {
		select {
		case <-s.done:
			return
		default:
		}
		s.broadcast(JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  method,
		})
	}
}

func (s *Server) listenLogs() {
	for params := range s.logHandler.LogStreams() {
		select {
		case <-s.done:
			return
		default:
		}
		paramsBs, err := json.Marshal(params)
		if err != nil {
			s.logger.Error("failed to marshal log params", slog.String("err", err.Error()))
			continue
		}
		s.broadcast(JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsMessage,
			Params:  paramsBs,
		})
	}
}
