// Package registry holds the tools served locally by the gateway and dispatches calls to
// them. The table is built at startup and frozen on first use; after that it is read without
// locks. Every call is validated against the tool's input schema, runs on a bounded worker
// pool under a deadline, and has its panics contained.
package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000"
	"github.com/qri-io/jsonschema"
	"golang.org/x/sync/semaphore"
)

// Handler executes one tool call. Returning an error marks the result as a tool error;
// the session is unaffected.
type Handler func(ctx context.Context, req Request) (mcp.CallToolResult, error)

// Request is what a Handler receives.
type Request struct {
	// Arguments are the validated arguments, with defaults applied.
	Arguments json.RawMessage
	// CorrelationID is the id of the protocol request being served, if any.
	CorrelationID string
	// Progress reports progress to the caller. It is never nil.
	Progress mcp.ProgressReporter
	// Capabilities is the immutable record the registry was created with.
	Capabilities *Capabilities
}

// Descriptor describes a tool.
type Descriptor struct {
	Name        string
	Description string
	// InputSchema is a JSON schema for the arguments. Empty means any object.
	InputSchema json.RawMessage
	// Defaults are merged into the arguments before validation.
	Defaults map[string]any
	// Timeout overrides the registry default for this tool.
	Timeout time.Duration
}

// Tool is a registered tool.
type Tool struct {
	Descriptor
	Handler Handler
}

// Capabilities is shared, read-only, with every handler.
type Capabilities struct {
	Service   string
	Version   string
	StartedAt time.Time
}

// Invocation is one call to Invoke.
type Invocation struct {
	Name      string
	Arguments json.RawMessage
	// Deadline, when set and earlier than the tool timeout, bounds the call.
	Deadline      time.Time
	CorrelationID string
	Progress      mcp.ProgressReporter
}

// Registry is the local tool table. Register tools, then Freeze (or just start serving,
// which freezes implicitly).
type Registry struct {
	caps           *Capabilities
	logger         *slog.Logger
	defaultTimeout time.Duration
	maxWorkers     int64
	workers        *semaphore.Weighted

	buildLock sync.Mutex
	building  []*entry
	table     atomic.Pointer[table]
}

// Option configures a Registry.
type Option func(*Registry)

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
	listed mcp.Tool
}

type table struct {
	order  []*entry
	byName map[string]*entry
}

type outcome struct {
	result mcp.CallToolResult
	err    error
}

var (
	// ErrFrozen is returned by Register once the registry serves calls.
	ErrFrozen = errors.New("registry is frozen")
	// ErrDuplicateTool is returned when a name is registered twice.
	ErrDuplicateTool = errors.New("duplicate tool")
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxWorkers = 32
	digestLength      = 12
)

var anyObjectSchema = json.RawMessage(`{"type":"object"}`)

// New creates an empty registry sharing caps with every handler.
func New(caps *Capabilities, options ...Option) *Registry {
	if caps == nil {
		caps = &Capabilities{}
	}
	r := &Registry{
		caps:           caps,
		logger:         slog.Default(),
		defaultTimeout: defaultTimeout,
		maxWorkers:     defaultMaxWorkers,
	}
	for _, opt := range options {
		opt(r)
	}
	r.logger = r.logger.With(
		slog.String("package", "registry"),
		slog.String("component", "dispatcher"),
	)
	r.workers = semaphore.NewWeighted(r.maxWorkers)
	return r
}

// WithLogger sets the logger of the registry.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithDefaultTimeout sets the deadline of tools without their own timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// WithMaxWorkers bounds the number of handlers running at once.
func WithMaxWorkers(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxWorkers = int64(n)
		}
	}
}

// Register adds tools. It fails after Freeze, on a duplicate name, a missing handler,
// or a schema that does not parse.
func (r *Registry) Register(tools ...Tool) error {
	r.buildLock.Lock()
	defer r.buildLock.Unlock()

	if r.table.Load() != nil {
		return ErrFrozen
	}

	for _, t := range tools {
		if t.Name == "" {
			return errors.New("tool name is required")
		}
		if t.Handler == nil {
			return fmt.Errorf("tool %q has no handler", t.Name)
		}
		for _, e := range r.building {
			if e.tool.Name == t.Name {
				return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
			}
		}

		rawSchema := t.InputSchema
		if len(bytes.TrimSpace(rawSchema)) == 0 {
			rawSchema = anyObjectSchema
		}
		schema := &jsonschema.Schema{}
		if err := json.Unmarshal(rawSchema, schema); err != nil {
			return fmt.Errorf("tool %q: invalid input schema: %w", t.Name, err)
		}

		r.building = append(r.building, &entry{
			tool:   t,
			schema: schema,
			listed: mcp.Tool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: rawSchema,
			},
		})
	}
	return nil
}

// Freeze makes the table read-only. Calling it more than once is harmless.
func (r *Registry) Freeze() {
	r.buildLock.Lock()
	defer r.buildLock.Unlock()

	if r.table.Load() != nil {
		return
	}
	t := &table{
		order:  r.building,
		byName: make(map[string]*entry, len(r.building)),
	}
	for _, e := range t.order {
		t.byName[e.tool.Name] = e
	}
	r.building = nil
	r.table.Store(t)
	r.logger.Info("registry frozen", slog.Int("tools", len(t.order)))
}

func (r *Registry) frozen() *table {
	if t := r.table.Load(); t != nil {
		return t
	}
	r.Freeze()
	return r.table.Load()
}

// List returns the tools in registration order.
func (r *Registry) List() []mcp.Tool {
	t := r.frozen()
	tools := make([]mcp.Tool, 0, len(t.order))
	for _, e := range t.order {
		tools = append(tools, e.listed)
	}
	return tools
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.frozen().byName[name]
	return ok
}

// Capabilities returns the record shared with handlers.
func (r *Registry) Capabilities() *Capabilities {
	return r.caps
}

// ListTools implements mcp.ToolServer.
func (r *Registry) ListTools(context.Context, mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{Tools: r.List()}, nil
}

// CallTool implements mcp.ToolServer.
func (r *Registry) CallTool(ctx context.Context, params mcp.CallToolParams, progress mcp.ProgressReporter) (mcp.CallToolResult, error) {
	return r.Invoke(ctx, Invocation{
		Name:      params.Name,
		Arguments: params.Arguments,
		Progress:  progress,
	})
}

// Invoke validates and runs one call. Unknown tools, invalid arguments, deadlines and
// handler panics are returned as errors; a handler error becomes an IsError result.
func (r *Registry) Invoke(ctx context.Context, inv Invocation) (mcp.CallToolResult, error) {
	e, ok := r.frozen().byName[inv.Name]
	if !ok {
		return mcp.CallToolResult{}, fmt.Errorf("%w: %s", mcp.ErrToolNotFound, inv.Name)
	}

	if inv.CorrelationID == "" {
		if id, ok := mcp.RequestIDFromContext(ctx); ok {
			inv.CorrelationID = id.String()
		}
	}
	progress := inv.Progress
	if progress == nil {
		progress = func(mcp.ProgressParams) {}
	}

	args, err := withDefaults(inv.Arguments, e.tool.Defaults)
	if err != nil {
		return mcp.CallToolResult{}, &ValidationError{
			Tool:   inv.Name,
			Errors: []FieldError{{Path: "/", Message: err.Error()}},
		}
	}
	if err := validate(ctx, e, args); err != nil {
		return mcp.CallToolResult{}, err
	}

	timeout := e.tool.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	deadline := time.Now().Add(timeout)
	if !inv.Deadline.IsZero() && inv.Deadline.Before(deadline) {
		deadline = inv.Deadline
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := r.workers.Acquire(ctx, 1); err != nil {
		return mcp.CallToolResult{}, interrupted(ctx, inv.Name)
	}

	req := Request{
		Arguments:     args,
		CorrelationID: inv.CorrelationID,
		Progress:      progress,
		Capabilities:  r.caps,
	}

	// Buffered, so a handler finishing after the deadline never blocks.
	results := make(chan outcome, 1)
	go r.run(ctx, e, req, results)

	select {
	case o := <-results:
		if o.err != nil && !errors.Is(o.err, mcp.ErrToolFault) {
			return errorResult(o.err), nil
		}
		return o.result, o.err
	case <-ctx.Done():
		r.logger.Warn("tool call interrupted",
			slog.String("tool", inv.Name),
			slog.String("correlation_id", inv.CorrelationID),
			slog.String("err", ctx.Err().Error()))
		return mcp.CallToolResult{}, interrupted(ctx, inv.Name)
	}
}

func (r *Registry) run(ctx context.Context, e *entry, req Request, results chan<- outcome) {
	defer r.workers.Release(1)
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool handler panicked",
				slog.String("tool", e.tool.Name),
				slog.String("args_digest", digest(req.Arguments)),
				slog.String("correlation_id", req.CorrelationID),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
			results <- outcome{err: fmt.Errorf("%w: %s", mcp.ErrToolFault, e.tool.Name)}
		}
	}()

	res, err := e.tool.Handler(ctx, req)
	results <- outcome{result: res, err: err}
}

func interrupted(ctx context.Context, name string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: tool %s did not finish in time", mcp.ErrTimeout, name)
	}
	return fmt.Errorf("%w: tool %s: %w", mcp.ErrCancelled, name, ctx.Err())
}

func errorResult(err error) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: err.Error()}},
		IsError: true,
	}
}

func withDefaults(args json.RawMessage, defaults map[string]any) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	if len(defaults) == 0 {
		return trimmed, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil || fields == nil {
		return nil, errors.New("arguments must be a JSON object")
	}
	for name, value := range defaults {
		if _, ok := fields[name]; ok {
			continue
		}
		bs, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("default for %q: %w", name, err)
		}
		fields[name] = bs
	}
	return json.Marshal(fields)
}

func validate(ctx context.Context, e *entry, args json.RawMessage) error {
	keyErrs, err := e.schema.ValidateBytes(ctx, args)
	if err != nil {
		return &ValidationError{
			Tool:   e.tool.Name,
			Errors: []FieldError{{Path: "/", Message: err.Error()}},
		}
	}
	if len(keyErrs) == 0 {
		return nil
	}
	fieldErrs := make([]FieldError, 0, len(keyErrs))
	for _, ke := range keyErrs {
		fieldErrs = append(fieldErrs, FieldError{Path: ke.PropertyPath, Message: ke.Message})
	}
	return &ValidationError{Tool: e.tool.Name, Errors: fieldErrs}
}

func digest(args json.RawMessage) string {
	sum := sha256.Sum256(args)
	return hex.EncodeToString(sum[:])[:digestLength]
}
