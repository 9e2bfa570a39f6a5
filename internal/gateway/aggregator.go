// Package gateway aggregates the tools of upstream backends into one catalog and routes
// calls to them. Backends are either spawned processes or network servers. Each one is
// supervised by its own goroutine that reconnects on a fixed interval; the merged catalog
// is rebuilt by a single refresh task and published through an atomic snapshot swap.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000"
	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000/internal/config"
	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/sync/errgroup"
)

// Aggregator merges the catalogs of its backends. Collisions are resolved by registration
// order: the first backend to register a name owns it, the others stay reachable through
// the qualified "backend.tool" name.
//
// Instances must be created with NewAggregator and driven by Run.
type Aggregator struct {
	backends []*backend
	dialers  map[string]Dialer
	logger   *slog.Logger

	reconnectInterval time.Duration
	connectTimeout    time.Duration
	callTimeout       time.Duration

	snapshot  atomic.Pointer[snapshot]
	refreshes chan struct{}
	updates   chan struct{}
	done      chan struct{}
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// BackendStatus is a point-in-time view of one backend.
type BackendStatus struct {
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Target      string    `json:"target"`
	Connected   bool      `json:"connected"`
	Tools       []string  `json:"tools"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

type backend struct {
	cfg     config.Backend
	changed chan struct{}

	lock        sync.Mutex
	conn        Conn
	tools       []mcp.Tool
	attempts    int
	lastErr     string
	connectedAt time.Time
}

type snapshot struct {
	catalog []mcp.Tool
	routes  map[string]route
	names   []string
}

type route struct {
	backend *backend
	tool    string
}

const (
	defaultReconnectInterval = 5 * time.Second
	defaultConnectTimeout    = 10 * time.Second
	defaultCallTimeout       = 60 * time.Second
)

// NewAggregator creates an aggregator over backends, in registration order.
func NewAggregator(backends []config.Backend, options ...Option) *Aggregator {
	a := &Aggregator{
		dialers: map[string]Dialer{
			config.BackendProcess: &ProcessDialer{},
			config.BackendNetwork: &NetworkDialer{},
		},
		logger:            slog.Default(),
		reconnectInterval: defaultReconnectInterval,
		connectTimeout:    defaultConnectTimeout,
		callTimeout:       defaultCallTimeout,
		refreshes:         make(chan struct{}, 1),
		updates:           make(chan struct{}, 1),
		done:              make(chan struct{}),
	}
	for _, b := range backends {
		a.backends = append(a.backends, &backend{
			cfg:     b,
			changed: make(chan struct{}, 1),
		})
	}
	for _, opt := range options {
		opt(a)
	}
	a.logger = a.logger.With(
		slog.String("package", "gateway"),
		slog.String("component", "aggregator"),
	)
	a.snapshot.Store(&snapshot{routes: map[string]route{}})
	return a
}

// WithLogger sets the logger of the aggregator.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// WithDialer replaces the dialer used for one backend kind.
func WithDialer(kind string, d Dialer) Option {
	return func(a *Aggregator) {
		a.dialers[kind] = d
	}
}

// WithReconnectInterval sets the fixed delay between connection attempts.
func WithReconnectInterval(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.reconnectInterval = d
		}
	}
}

// WithConnectTimeout bounds a single connection attempt, handshake included.
func WithConnectTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.connectTimeout = d
		}
	}
}

// WithCallTimeout bounds a single forwarded call.
func WithCallTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.callTimeout = d
		}
	}
}

// Run supervises every backend until ctx is done. It returns nil after a clean stop.
func (a *Aggregator) Run(ctx context.Context) error {
	defer close(a.done)

	g, ctx := errgroup.WithContext(ctx)
	for _, b := range a.backends {
		g.Go(func() error {
			a.supervise(ctx, b)
			return nil
		})
	}
	g.Go(func() error {
		a.refreshLoop(ctx)
		return nil
	})

	return g.Wait()
}

// ListTools implements mcp.ToolServer with the merged catalog.
func (a *Aggregator) ListTools(context.Context, mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{Tools: a.Catalog()}, nil
}

// Catalog returns the merged catalog in backend registration order.
func (a *Aggregator) Catalog() []mcp.Tool {
	snap := a.snapshot.Load()
	tools := make([]mcp.Tool, len(snap.catalog))
	copy(tools, snap.catalog)
	return tools
}

// Routes reports whether name, bare or qualified, can be routed.
func (a *Aggregator) Routes(name string) bool {
	_, ok := a.snapshot.Load().routes[name]
	return ok
}

// CallTool implements mcp.ToolServer by forwarding the call to the owning backend.
func (a *Aggregator) CallTool(ctx context.Context, params mcp.CallToolParams, _ mcp.ProgressReporter) (mcp.CallToolResult, error) {
	r, ok := a.snapshot.Load().routes[params.Name]
	if !ok {
		return mcp.CallToolResult{}, fmt.Errorf("%w: %s", mcp.ErrToolNotFound, params.Name)
	}

	conn := r.backend.connection()
	if conn == nil {
		return mcp.CallToolResult{}, fmt.Errorf("%w: backend %s is unavailable", mcp.ErrToolError, r.backend.cfg.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	res, err := conn.CallTool(ctx, mcp.CallToolParams{
		Name:      r.tool,
		Arguments: params.Arguments,
	})
	if err == nil {
		return res, nil
	}

	a.logger.Warn("backend call failed",
		slog.String("backend", r.backend.cfg.Name),
		slog.String("tool", r.tool),
		slog.String("err", err.Error()))

	var jsonErr mcp.JSONRPCError
	if errors.As(err, &jsonErr) {
		switch jsonErr.Code {
		case mcp.CodeValidationError, mcp.CodeInvalidParams, mcp.CodeTimeout, mcp.CodeToolNotFound:
			// The backend already classified the failure; keep its code and detail.
			return mcp.CallToolResult{}, jsonErr
		}
	}
	if errors.Is(err, mcp.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return mcp.CallToolResult{}, fmt.Errorf("%w: backend %s: tool %s", mcp.ErrTimeout, r.backend.cfg.Name, r.tool)
	}
	return mcp.CallToolResult{}, fmt.Errorf("%w: backend %s: %v", mcp.ErrToolError, r.backend.cfg.Name, err)
}

// ToolListUpdates implements mcp.ToolListUpdater. It yields whenever the merged catalog
// changes and ends when Run returns.
func (a *Aggregator) ToolListUpdates() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for {
			select {
			case <-a.done:
				return
			case <-a.updates:
				if !yield(struct{}{}) {
					return
				}
			}
		}
	}
}

// Status returns the state of every backend, in registration order.
func (a *Aggregator) Status() []BackendStatus {
	statuses := make([]BackendStatus, 0, len(a.backends))
	for _, b := range a.backends {
		statuses = append(statuses, b.status())
	}
	return statuses
}

func (a *Aggregator) supervise(ctx context.Context, b *backend) {
	logger := a.logger.With(slog.String("backend", b.cfg.Name))

	dialer, ok := a.dialers[b.cfg.Type]
	if !ok {
		logger.Error("no dialer for backend type", slog.String("type", b.cfg.Type))
		b.fail(fmt.Errorf("unsupported backend type %q", b.cfg.Type))
		return
	}

	watcher := watcherFunc(func() {
		select {
		case b.changed <- struct{}{}:
		default:
		}
	})

	for {
		conn, err := a.connect(ctx, dialer, b, watcher)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("backend unavailable, retrying",
				slog.Duration("interval", a.reconnectInterval),
				slog.String("err", err.Error()))
			b.fail(err)
			a.requestRefresh()
		} else {
			logger.Info("backend connected", slog.Int("tools", len(b.status().Tools)))
			a.requestRefresh()

			if !a.watch(ctx, logger, b, conn) {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(a.reconnectInterval):
		}
	}
}

func (a *Aggregator) connect(ctx context.Context, dialer Dialer, b *backend, watcher mcp.ToolListWatcher) (Conn, error) {
	b.lock.Lock()
	b.attempts++
	b.lock.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, a.connectTimeout)
	defer cancel()

	conn, err := dialer.Dial(dialCtx, b.cfg, watcher)
	if err != nil {
		return nil, err
	}

	tools, err := conn.ListTools(dialCtx, mcp.ListToolsParams{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	b.lock.Lock()
	b.conn = conn
	b.tools = tools.Tools
	b.lastErr = ""
	b.connectedAt = time.Now()
	b.lock.Unlock()

	return conn, nil
}

// watch holds the connection until it is lost or ctx is done. It returns false when the
// supervisor should stop.
func (a *Aggregator) watch(ctx context.Context, logger *slog.Logger, b *backend, conn Conn) bool {
	for {
		select {
		case <-ctx.Done():
			b.disconnect(nil)
			conn.Close()
			return false
		case <-conn.Done():
			logger.Warn("backend connection lost")
			b.disconnect(errors.New("connection lost"))
			conn.Close()
			a.requestRefresh()
			return true
		case <-b.changed:
			listCtx, cancel := context.WithTimeout(ctx, a.connectTimeout)
			tools, err := conn.ListTools(listCtx, mcp.ListToolsParams{})
			cancel()
			if err != nil {
				logger.Warn("failed to refresh backend tools", slog.String("err", err.Error()))
				continue
			}
			b.lock.Lock()
			b.tools = tools.Tools
			b.lock.Unlock()
			a.requestRefresh()
		}
	}
}

func (a *Aggregator) requestRefresh() {
	select {
	case a.refreshes <- struct{}{}:
	default:
	}
}

func (a *Aggregator) refreshLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.refreshes:
			a.refresh()
		}
	}
}

// refresh rebuilds the catalog from the connected backends and swaps it in.
func (a *Aggregator) refresh() {
	next := &snapshot{routes: make(map[string]route)}

	for _, b := range a.backends {
		b.lock.Lock()
		connected := b.conn != nil
		tools := b.tools
		b.lock.Unlock()
		if !connected {
			continue
		}

		for _, t := range tools {
			next.routes[b.cfg.Name+"."+t.Name] = route{backend: b, tool: t.Name}

			if owner, taken := next.routes[t.Name]; taken {
				a.logger.Warn("tool name collision, keeping first registered backend",
					slog.String("tool", t.Name),
					slog.String("owner", owner.backend.cfg.Name),
					slog.String("shadowed", b.cfg.Name))
				continue
			}
			next.routes[t.Name] = route{backend: b, tool: t.Name}
			next.catalog = append(next.catalog, t)
			next.names = append(next.names, t.Name)
		}
	}

	prev := a.snapshot.Swap(next)
	if slices.Equal(prev.names, next.names) {
		return
	}

	a.logger.Info("tool catalog changed",
		slog.Int("tools", len(next.names)),
		slog.String("diff", catalogDiff(prev.names, next.names)))

	select {
	case a.updates <- struct{}{}:
	default:
	}
}

func (b *backend) connection() Conn {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.conn
}

func (b *backend) fail(err error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.lastErr = err.Error()
}

func (b *backend) disconnect(err error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.conn = nil
	b.tools = nil
	b.connectedAt = time.Time{}
	if err != nil {
		b.lastErr = err.Error()
	}
}

func (b *backend) status() BackendStatus {
	b.lock.Lock()
	defer b.lock.Unlock()

	names := make([]string, 0, len(b.tools))
	for _, t := range b.tools {
		names = append(names, t.Name)
	}
	return BackendStatus{
		Name:        b.cfg.Name,
		Type:        b.cfg.Type,
		Target:      b.cfg.Target(),
		Connected:   b.conn != nil,
		Tools:       names,
		Attempts:    b.attempts,
		LastError:   b.lastErr,
		ConnectedAt: b.connectedAt,
	}
}

// catalogDiff renders the change between two name lists as "+name"/"-name" entries.
func catalogDiff(prev, next []string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(joinLines(prev), joinLines(next))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var changes []string
	for _, d := range diffs {
		var prefix string
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		default:
			continue
		}
		for _, name := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			changes = append(changes, prefix+name)
		}
	}
	return strings.Join(changes, " ")
}

func joinLines(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.Join(names, "\n") + "\n"
}
