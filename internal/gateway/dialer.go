package gateway

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"slices"
	"time"

	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000"
	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000/internal/config"
)

// Conn is an initialized connection to one backend.
type Conn interface {
	ListTools(ctx context.Context, params mcp.ListToolsParams) (mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error)
	// Done is closed when the connection is lost.
	Done() <-chan struct{}
	Close() error
}

// Dialer opens connections to backends of one kind. The watcher is told when the backend
// announces a tool list change.
type Dialer interface {
	Dial(ctx context.Context, backend config.Backend, watcher mcp.ToolListWatcher) (Conn, error)
}

// ProcessDialer spawns the backend command and speaks to it over its stdin and stdout.
// Whatever the child writes to stderr is logged, never parsed.
type ProcessDialer struct {
	ClientInfo mcp.Info
	Logger     *slog.Logger
	// KillGrace is how long Close waits for the child to exit after closing its stdin.
	KillGrace time.Duration
}

// NetworkDialer connects to a backend serving the SSE transport.
type NetworkDialer struct {
	ClientInfo mcp.Info
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type processConn struct {
	*mcp.Client
	cmd       *exec.Cmd
	stdin     io.Closer
	killGrace time.Duration
	exited    chan struct{}
}

type watcherFunc func()

func (f watcherFunc) OnToolListChanged() { f() }

const defaultKillGrace = 3 * time.Second

// Dial implements Dialer.
func (d *ProcessDialer) Dial(ctx context.Context, backend config.Backend, watcher mcp.ToolListWatcher) (Conn, error) {
	logger := loggerOr(d.Logger).With(slog.String("backend", backend.Name))

	cmd := exec.Command(backend.Command, backend.Args...)
	cmd.Dir = backend.WorkDir
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(backend.Env))
	for k := range backend.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+backend.Env[k])
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin of %s: %w", backend.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout of %s: %w", backend.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr of %s: %w", backend.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", backend.Name, err)
	}
	logger.Info("backend process started", slog.Int("pid", cmd.Process.Pid))

	go logStderr(logger, stderr)

	conn := &processConn{
		cmd:       cmd,
		stdin:     stdin,
		killGrace: d.KillGrace,
		exited:    make(chan struct{}),
	}
	if conn.killGrace == 0 {
		conn.killGrace = defaultKillGrace
	}
	go func() {
		err := cmd.Wait()
		logger.Info("backend process exited", slog.Any("err", err))
		close(conn.exited)
	}()

	transport := mcp.NewStdIO(stdout, stdin, mcp.WithStdIOLogger(logger))
	conn.Client = mcp.NewClient(d.ClientInfo, transport, clientOptions(logger, watcher)...)

	if err := conn.Client.Connect(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize %s: %w", backend.Name, err)
	}
	return conn, nil
}

// Close stops the session, closes the child's stdin and kills it if it does not exit
// within the grace period.
func (c *processConn) Close() error {
	c.Client.Close()
	c.stdin.Close()

	timer := time.NewTimer(c.killGrace)
	defer timer.Stop()

	select {
	case <-c.exited:
		return nil
	case <-timer.C:
	}

	if err := c.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill backend process: %w", err)
	}
	<-c.exited
	return nil
}

// Dial implements Dialer.
func (d *NetworkDialer) Dial(ctx context.Context, backend config.Backend, watcher mcp.ToolListWatcher) (Conn, error) {
	logger := loggerOr(d.Logger).With(slog.String("backend", backend.Name))

	transport := mcp.NewSSEClient(backend.URL, d.HTTPClient, mcp.WithSSEClientLogger(logger))
	cli := mcp.NewClient(d.ClientInfo, transport, clientOptions(logger, watcher)...)
	if err := cli.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize %s: %w", backend.Name, err)
	}
	return cli, nil
}

func clientOptions(logger *slog.Logger, watcher mcp.ToolListWatcher) []mcp.ClientOption {
	opts := []mcp.ClientOption{mcp.WithClientLogger(logger)}
	if watcher != nil {
		opts = append(opts, mcp.WithToolListWatcher(watcher))
	}
	return opts
}

func logStderr(logger *slog.Logger, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Info("backend stderr", slog.String("line", scanner.Text()))
	}
}

func loggerOr(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
