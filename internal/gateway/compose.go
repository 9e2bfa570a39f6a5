package gateway

import (
	"context"
	"iter"
	"log/slog"

	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000"
	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000/internal/registry"
)

// Frontend is the ToolServer the protocol core talks to: local tools first, then the
// aggregated backend catalog. A local tool shadows a backend tool of the same bare name.
type Frontend struct {
	local  *registry.Registry
	remote *Aggregator
	logger *slog.Logger
}

// Compose builds a Frontend. remote may be nil when no backend is configured.
func Compose(local *registry.Registry, remote *Aggregator, logger *slog.Logger) *Frontend {
	return &Frontend{
		local:  local,
		remote: remote,
		logger: loggerOr(logger).With(
			slog.String("package", "gateway"),
			slog.String("component", "frontend"),
		),
	}
}

// ListTools implements mcp.ToolServer.
func (f *Frontend) ListTools(context.Context, mcp.ListToolsParams) (mcp.ListToolsResult, error) {
	tools := f.local.List()
	if f.remote == nil {
		return mcp.ListToolsResult{Tools: tools}, nil
	}
	for _, t := range f.remote.Catalog() {
		if f.local.Has(t.Name) {
			f.logger.Debug("backend tool shadowed by local tool", slog.String("tool", t.Name))
			continue
		}
		tools = append(tools, t)
	}
	return mcp.ListToolsResult{Tools: tools}, nil
}

// CallTool implements mcp.ToolServer.
func (f *Frontend) CallTool(ctx context.Context, params mcp.CallToolParams, progress mcp.ProgressReporter) (mcp.CallToolResult, error) {
	if f.local.Has(params.Name) || f.remote == nil {
		return f.local.CallTool(ctx, params, progress)
	}
	return f.remote.CallTool(ctx, params, progress)
}

// ToolListUpdates implements mcp.ToolListUpdater. Only the backend catalog changes after
// startup.
func (f *Frontend) ToolListUpdates() iter.Seq[struct{}] {
	if f.remote == nil {
		return func(func(struct{}) bool) {}
	}
	return f.remote.ToolListUpdates()
}
