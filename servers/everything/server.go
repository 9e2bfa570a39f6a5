// Package everything is a small tool server used as a gateway backend in demos and tests.
// It exposes echo, add, a long running operation with progress and a tiny image, and
// streams its own log lines to clients through the logging capability.
package everything

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000"
	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000/internal/registry"
)

// Server is a tool server whose tools live in a registry. It implements mcp.ToolServer
// and mcp.LogHandler.
//
// Callers must call Close when finished to stop the log stream.
type Server struct {
	reg    *registry.Registry
	logger *slog.Logger

	levelLock sync.RWMutex
	logLevel  mcp.LogLevel

	logs      chan mcp.LogParams
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the process logger of the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates the server and registers its tools.
func NewServer(name, version string, options ...Option) (*Server, error) {
	s := &Server{
		logger:   slog.Default(),
		logLevel: mcp.LogLevelInfo,
		logs:     make(chan mcp.LogParams, 10),
		done:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With(
		slog.String("package", "everything"),
		slog.String("component", "server"),
	)

	s.reg = registry.New(&registry.Capabilities{
		Service:   name,
		Version:   version,
		StartedAt: time.Now(),
	}, registry.WithLogger(s.logger))
	if err := s.reg.Register(tools(s)...); err != nil {
		return nil, err
	}
	s.reg.Freeze()

	return s, nil
}

// ListTools implements mcp.ToolServer.
func (s *Server) ListTools(ctx context.Context, params mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	s.log(mcp.LogLevelDebug, "tools listed")
	return s.reg.ListTools(ctx, params)
}

// CallTool implements mcp.ToolServer.
func (s *Server) CallTool(ctx context.Context, params mcp.CallToolParams, progress mcp.ProgressReporter) (mcp.CallToolResult, error) {
	s.log(mcp.LogLevelDebug, "tool called: "+params.Name)
	return s.reg.CallTool(ctx, params, progress)
}

// Close stops the log stream.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
