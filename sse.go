package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) server for managing
// bidirectional client communication. It handles server-to-client streaming through SSE
// and client-to-server messaging via HTTP POST endpoints.
//
// Each stream request is one session. The number of concurrent streams is capped: a stream
// request beyond the cap is answered with 503 and a Retry-After header, never queued. Idle
// streams receive a keepalive comment, and a stream whose writes fail three times in a row
// is torn down.
//
// The server exposes its endpoints as http.Handlers (HandleSSE, HandleMessage,
// HandleHealth) plus a CORS middleware, so they can be mounted on any router.
//
// Instances should be created using NewSSEServer and shut down using Shutdown.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	maxConnections    int
	keepaliveInterval time.Duration
	maxBodySize       int64
	retryAfter        time.Duration

	allowAllOrigins bool
	allowedOrigins  []glob.Glob

	active       atomic.Int64
	sessionsLock sync.Mutex
	sessionsMap  map[string]*sseServerSession

	sessions chan *sseServerSession

	done         chan struct{}
	closed       chan struct{}
	shutdownOnce sync.Once
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient implements a Server-Sent Events (SSE) client transport. StartSession opens the
// event stream, waits for the endpoint event, and returns a Session that posts outgoing
// messages to that endpoint.
//
// Instances should be created using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseServerSession struct {
	id         string
	sess       *sse.Session
	logger     *slog.Logger
	keepalive  time.Duration
	serverDone <-chan struct{}

	sendMsgs     chan sseServerSessionSendMsg
	receivedMsgs chan JSONRPCMessage

	done        chan struct{}
	sendClosed  chan struct{}
	readClosed  chan struct{}
	reading     atomic.Bool
	stopOnce    sync.Once
	stoppedByUs atomic.Bool
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan error
}

type sseClientSession struct {
	id         string
	httpClient *http.Client
	messageURL string
	logger     *slog.Logger

	messages chan JSONRPCMessage
	cancel   context.CancelFunc
	done     chan struct{}
	readDone chan struct{}
	stopOnce sync.Once
}

// Keepalive bounds for the SSE stream.
const (
	MinKeepaliveInterval = 100 * time.Millisecond
	MaxKeepaliveInterval = 30 * time.Second
)

const (
	defaultSSEKeepaliveInterval = 15 * time.Second
	defaultSSEMaxConnections    = 100
	defaultSSEMaxBodySize       = 1 << 20
	defaultSSERetryAfter        = 5 * time.Second
	sseMaxWriteFailures         = 3
	sseDecodeReplyTimeout       = 5 * time.Second
)

// NewSSEServer creates and initializes a new SSE server that hands out messageURL as the
// POST endpoint of every stream. The returned SSEServer must be shut down using Shutdown
// when no longer needed.
func NewSSEServer(messageURL string, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		messageURL:        messageURL,
		logger:            slog.Default(),
		maxConnections:    defaultSSEMaxConnections,
		keepaliveInterval: defaultSSEKeepaliveInterval,
		maxBodySize:       defaultSSEMaxBodySize,
		retryAfter:        defaultSSERetryAfter,
		sessionsMap:       make(map[string]*sseServerSession),
		sessions:          make(chan *sseServerSession, 5),
		done:              make(chan struct{}),
		closed:            make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With(
		slog.String("package", "mcp"),
		slog.String("component", "sse"),
	)
	return s
}

// WithSSEServerLogger sets the logger of the SSE server.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger
	}
}

// WithSSEServerMaxConnections caps the number of concurrent streams. Zero or a negative
// value removes the cap.
func WithSSEServerMaxConnections(limit int) SSEServerOption {
	return func(s *SSEServer) {
		s.maxConnections = limit
	}
}

// WithSSEServerKeepaliveInterval sets the keepalive interval of idle streams. The value is
// clamped to [MinKeepaliveInterval, MaxKeepaliveInterval].
func WithSSEServerKeepaliveInterval(interval time.Duration) SSEServerOption {
	return func(s *SSEServer) {
		s.keepaliveInterval = ClampKeepaliveInterval(interval)
	}
}

// WithSSEServerMaxBodySize sets the largest POST body accepted by HandleMessage.
func WithSSEServerMaxBodySize(size int64) SSEServerOption {
	return func(s *SSEServer) {
		s.maxBodySize = size
	}
}

// WithSSEServerRetryAfter sets the Retry-After hint sent with 503 responses.
func WithSSEServerRetryAfter(d time.Duration) SSEServerOption {
	return func(s *SSEServer) {
		s.retryAfter = d
	}
}

// WithSSEServerAllowedOrigins sets the CORS allow-list. Entries are exact origins, "*",
// or glob patterns such as "https://*.example.com". Invalid patterns are logged and skipped.
func WithSSEServerAllowedOrigins(origins ...string) SSEServerOption {
	return func(s *SSEServer) {
		for _, origin := range origins {
			if origin == "*" {
				s.allowAllOrigins = true
				continue
			}
			g, err := glob.Compile(origin, '.')
			if err != nil {
				s.logger.Warn("ignoring invalid origin pattern",
					slog.String("pattern", origin),
					slog.String("err", err.Error()))
				continue
			}
			s.allowedOrigins = append(s.allowedOrigins, g)
		}
	}
}

// ClampKeepaliveInterval bounds d to the supported keepalive range.
func ClampKeepaliveInterval(d time.Duration) time.Duration {
	return min(max(d, MinKeepaliveInterval), MaxKeepaliveInterval)
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used. The client must call StartSession to begin communication.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the error will be logged and
// the client will be disconnected.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger of the SSE client.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger
	}
}

// Sessions returns an iterator over client sessions. The iterator yields new Session
// instances as clients open streams, and ends when Shutdown is called.
func (s *SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown stops accepting streams and waits for the Sessions loop to end.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		close(s.done)
	})

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// ActiveConnections returns the number of open streams.
func (s *SSEServer) ActiveConnections() int {
	return int(s.active.Load())
}

// MaxConnections returns the stream cap, zero when uncapped.
func (s *SSEServer) MaxConnections() int {
	return max(s.maxConnections, 0)
}

// AtCapacity reports whether a new stream would be rejected.
func (s *SSEServer) AtCapacity() bool {
	return s.maxConnections > 0 && s.ActiveConnections() >= s.maxConnections
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests.
// The handler upgrades HTTP connections to SSE, assigns unique session IDs, and
// provides clients with their message endpoints. The connection remains active until
// either the client disconnects, the session is stopped, or the server shuts down.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if n := s.active.Add(1); s.maxConnections > 0 && n > int64(s.maxConnections) {
			s.active.Add(-1)
			s.logger.Warn("rejecting stream, connection limit reached",
				slog.Int("maxConnections", s.maxConnections))
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(s.retryAfter.Seconds()))))
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
		defer s.active.Add(-1)

		select {
		case <-s.done:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		// go-sse only sets the content type; the rest must go out with the first flush.
		h := w.Header()
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")

		sessID := uuid.New().String()

		// Use the type "endpoint" to indicate the endpoint URL.
		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID))
		if err := sess.Send(&msg); err != nil {
			s.logger.Error("failed to write SSE endpoint", slog.String("err", err.Error()))
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush SSE endpoint", slog.String("err", err.Error()))
			return
		}

		srvSession := &sseServerSession{
			id:           sessID,
			sess:         sess,
			logger:       s.logger.With(slog.String("sessionID", sessID)),
			keepalive:    s.keepaliveInterval,
			serverDone:   s.done,
			sendMsgs:     make(chan sseServerSessionSendMsg),
			receivedMsgs: make(chan JSONRPCMessage, 16),
			done:         make(chan struct{}),
			sendClosed:   make(chan struct{}),
			readClosed:   make(chan struct{}),
		}

		s.sessionsLock.Lock()
		s.sessionsMap[sessID] = srvSession
		s.sessionsLock.Unlock()

		defer func() {
			s.sessionsLock.Lock()
			delete(s.sessionsMap, sessID)
			s.sessionsLock.Unlock()
		}()

		// Feed the sessions channel that would be consumed in Sessions loop, so it can be forwarded to caller.
		select {
		case s.sessions <- srvSession:
		case <-s.done:
			return
		case <-r.Context().Done():
			return
		}

		// Block until the session ends, so the connection is left open.
		srvSession.processSendMessages(r.Context())
	})
}

// HandleMessage returns an http.Handler for processing client messages sent via POST
// requests. The handler expects a sessionID query parameter and a JSON-RPC envelope as
// body. Accepted messages get 202; the reply, if any, travels over the stream.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Received a request from client to one of our sessions.
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			s.logger.Warn("missing sessionID query parameter")
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		s.sessionsLock.Lock()
		sess, ok := s.sessionsMap[sessID]
		s.sessionsLock.Unlock()
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				s.logger.Warn("message body too large", slog.Int64("limit", maxErr.Limit))
				http.Error(w, "message body too large", http.StatusRequestEntityTooLarge)
				return
			}
			s.logger.Warn("failed to read message body", slog.String("err", err.Error()))
			http.Error(w, "failed to read message body", http.StatusBadRequest)
			return
		}

		msg, err := DecodeMessage(body)
		if err != nil {
			// Same recovery as the line transport: the error goes back over the stream.
			sess.replyDecodeError(err)
			w.WriteHeader(http.StatusAccepted)
			return
		}

		select {
		case sess.receivedMsgs <- msg:
			w.WriteHeader(http.StatusAccepted)
		case <-sess.done:
			http.Error(w, "session is closed", http.StatusNotFound)
		case <-sess.sendClosed:
			http.Error(w, "session is closed", http.StatusNotFound)
		case <-s.done:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		case <-r.Context().Done():
		}
	})
}

// HandleHealth returns an http.Handler reporting liveness: healthy below the connection
// cap, degraded (503) at it.
func (s *SSEServer) HandleHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status, code := "healthy", http.StatusOK
		if s.AtCapacity() {
			status, code = "degraded", http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":             status,
			"transport":          "sse",
			"active_connections": s.ActiveConnections(),
			"max_connections":    s.MaxConnections(),
		})
	})
}

// CORS wraps next with the allow-list of this server. Preflight requests from allowed
// origins are answered directly; preflights from other origins get 403.
func (s *SSEServer) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := origin != "" && s.originAllowed(origin)
		if allowed {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
		}

		if r.Method != http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if !allowed {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Accept, Cache-Control")
		h.Set("Access-Control-Max-Age", "86400")
		w.WriteHeader(http.StatusNoContent)
	})
}

func (s *SSEServer) originAllowed(origin string) bool {
	if s.allowAllOrigins {
		return true
	}
	for _, g := range s.allowedOrigins {
		if g.Match(origin) {
			return true
		}
	}
	return false
}

// StartSession opens the event stream and waits for the endpoint event. The stream stays
// open after ctx ends; it is closed by the returned session's Stop.
func (s *SSEClient) StartSession(ctx context.Context) (Session, error) {
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The connect request honours ctx until the endpoint arrives.
	stopOnCtx := context.AfterFunc(ctx, cancel)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		stopOnCtx()
		cancel()
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		stopOnCtx()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	sess := &sseClientSession{
		id:         uuid.New().String(),
		httpClient: s.httpClient,
		logger:     s.logger,
		messages:   make(chan JSONRPCMessage),
		cancel:     cancel,
		done:       make(chan struct{}),
		readDone:   make(chan struct{}),
	}

	ready := make(chan error, 1)
	go sess.listenSSEMessages(resp.Body, s.connectURL, s.maxPayloadSize, ready)

	select {
	case err := <-ready:
		if !stopOnCtx() {
			// ctx ended while we were reading; the stream is already being torn down.
			err = errors.Join(err, ctx.Err())
		}
		if err != nil {
			sess.Stop()
			return nil, err
		}
	case <-ctx.Done():
		sess.Stop()
		return nil, ctx.Err()
	}

	return sess, nil
}

func (s *sseServerSession) ID() string { return s.id }

func (s *sseServerSession) TransportKind() string { return "sse" }

// Broken reports whether the stream ended without the session being stopped.
func (s *sseServerSession) Broken() bool {
	select {
	case <-s.sendClosed:
		return !s.stoppedByUs.Load()
	default:
		return false
	}
}

func (s *sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	sm := sseServerSessionSendMsg{msg: sseMsg, errs: make(chan error, 1)}

	// Queue the message for sending to avoid race in the sse library
	select {
	case s.sendMsgs <- sm:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case <-s.sendClosed:
		return ErrSessionClosed
	}

	// Wait and return the error if any
	select {
	case err := <-sm.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.sendClosed:
		return ErrSessionClosed
	}
}

func (s *sseServerSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		if !s.reading.CompareAndSwap(false, true) {
			s.logger.Error("messages iterated more than once")
			return
		}
		defer close(s.readClosed)

		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			case <-s.sendClosed:
				return
			}
		}
	}
}

func (s *sseServerSession) Stop() {
	s.stopOnce.Do(func() {
		s.stoppedByUs.Store(true)
		close(s.done)
	})

	<-s.sendClosed
	if s.reading.Load() {
		<-s.readClosed
	}
}

func (s *sseServerSession) replyDecodeError(err error) {
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		s.logger.Error("unexpected decode failure", slog.String("err", err.Error()))
		return
	}
	s.logger.Warn("failed to decode message",
		slog.Int64("offset", decodeErr.Offset),
		slog.String("err", decodeErr.Err.Error()))

	ctx, cancel := context.WithTimeout(context.Background(), sseDecodeReplyTimeout)
	defer cancel()

	if err := s.Send(ctx, decodeErr.Response()); err != nil {
		s.logger.Error("failed to send decode error", slog.String("err", err.Error()))
	}
}

// processSendMessages owns the stream writer until the session ends. It runs on the
// handler goroutine, since the response writer is only valid there.
func (s *sseServerSession) processSendMessages(ctx context.Context) {
	defer close(s.sendClosed)

	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	failures := 0
	for {
		var err error
		select {
		case <-s.done:
			return
		case <-s.serverDone:
			s.logger.Debug("server is shutting down, closing stream")
			return
		case <-ctx.Done():
			s.logger.Info("client disconnected")
			return
		case sm := <-s.sendMsgs:
			err = s.write(sm.msg)
			sm.errs <- err
			keepalive.Reset(s.keepalive)
		case <-keepalive.C:
			ping := &sse.Message{}
			ping.AppendComment("ping")
			err = s.write(ping)
		}

		if err == nil {
			failures = 0
			continue
		}
		failures++
		s.logger.Warn("failed to write to stream",
			slog.Int("failures", failures),
			slog.String("err", err.Error()))
		if failures >= sseMaxWriteFailures {
			s.logger.Warn("too many failed writes, closing stream")
			return
		}
	}
}

func (s *sseServerSession) write(msg *sse.Message) error {
	if err := s.sess.Send(msg); err != nil {
		return err
	}
	return s.sess.Flush()
}

func (s *sseClientSession) ID() string { return s.id }

func (s *sseClientSession) TransportKind() string { return "sse" }

// Send transmits a message to the server through an HTTP POST request on the endpoint
// received from the stream.
func (s *sseClientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: server does not know session", ErrSessionClosed)
	default:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}

func (s *sseClientSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg, ok := <-s.messages:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *sseClientSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
	<-s.readDone
}

func (s *sseClientSession) listenSSEMessages(body io.ReadCloser, connectURL string, maxPayloadSize int, ready chan<- error) {
	defer func() {
		body.Close()
		close(s.messages)
		close(s.readDone)
	}()

	var config *sse.ReadConfig
	if maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: maxPayloadSize,
		}
	}

	endpointReceived := false
	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !endpointReceived {
				ready <- fmt.Errorf("failed to read endpoint event: %w", err)
				return
			}
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", slog.String("err", err.Error()))
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			u, err := resolveEndpoint(connectURL, ev.Data)
			if err != nil {
				if !endpointReceived {
					ready <- err
					return
				}
				s.logger.Error("ignoring invalid endpoint event", slog.String("err", err.Error()))
				continue
			}
			s.messageURL = u
			if !endpointReceived {
				endpointReceived = true
				ready <- nil
			}
		case "message", "":
			if !endpointReceived {
				s.logger.Error("received message before endpoint URL")
				continue
			}

			msg, err := DecodeMessage([]byte(ev.Data))
			if err != nil {
				s.logger.Error("failed to decode message", slog.String("err", err.Error()))
				continue
			}

			select {
			case s.messages <- msg:
			case <-s.done:
				return
			}
		default:
			s.logger.Debug("unhandled event type", slog.String("type", ev.Type))
		}
	}

	if !endpointReceived {
		ready <- errors.New("stream ended before endpoint event")
	}
}

// resolveEndpoint resolves the endpoint event against the stream URL, so servers may send
// either an absolute URL or a path.
func resolveEndpoint(connectURL, endpoint string) (string, error) {
	if endpoint == "" {
		return "", errors.New("empty endpoint URL")
	}
	base, err := url.Parse(connectURL)
	if err != nil {
		return "", fmt.Errorf("parse connect URL: %w", err)
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint URL: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}
