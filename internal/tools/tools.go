// Package tools provides the tools the gateway serves itself, next to the ones it
// aggregates from backends.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000"
	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000/internal/gateway"
	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000/internal/registry"
)

// StatusSource reports the state of the configured backends.
type StatusSource interface {
	Status() []gateway.BackendStatus
}

type getBackendInfoArgs struct {
	BackendName string `json:"backend_name"`
}

var healthCheckSchema = json.RawMessage(`{
  "type": "object",
  "properties": {},
  "additionalProperties": false
}`)

var listBackendsSchema = json.RawMessage(`{
  "type": "object",
  "properties": {},
  "additionalProperties": false
}`)

var getBackendInfoSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "backend_name": { "type": "string", "minLength": 1 }
  },
  "required": ["backend_name"],
  "additionalProperties": false
}`)

// Register adds the builtin tools to reg. backends may be nil when the gateway runs
// without upstream servers.
func Register(reg *registry.Registry, backends StatusSource) error {
	b := builtins{backends: backends}
	return reg.Register(
		registry.Tool{
			Descriptor: registry.Descriptor{
				Name:        "health_check",
				Description: "Reports whether the gateway is healthy and how many backends are available",
				InputSchema: healthCheckSchema,
				Timeout:     5 * time.Second,
			},
			Handler: b.healthCheck,
		},
		registry.Tool{
			Descriptor: registry.Descriptor{
				Name:        "list_backends",
				Description: "Lists the configured backends with their connection state",
				InputSchema: listBackendsSchema,
				Timeout:     5 * time.Second,
			},
			Handler: b.listBackends,
		},
		registry.Tool{
			Descriptor: registry.Descriptor{
				Name:        "get_backend_info",
				Description: "Returns the configuration and state of one backend",
				InputSchema: getBackendInfoSchema,
				Timeout:     5 * time.Second,
			},
			Handler: b.getBackendInfo,
		},
	)
}

type builtins struct {
	backends StatusSource
}

func (b builtins) status() []gateway.BackendStatus {
	if b.backends == nil {
		return nil
	}
	return b.backends.Status()
}

func (b builtins) healthCheck(_ context.Context, req registry.Request) (mcp.CallToolResult, error) {
	statuses := b.status()
	available := 0
	for _, s := range statuses {
		if s.Connected {
			available++
		}
	}
	return textResult(fmt.Sprintf("%s is healthy. Backends available: %d/%d",
		req.Capabilities.Service, available, len(statuses))), nil
}

func (b builtins) listBackends(context.Context, registry.Request) (mcp.CallToolResult, error) {
	type summary struct {
		Name      string `json:"name"`
		Type      string `json:"type"`
		Connected bool   `json:"connected"`
		Tools     int    `json:"tools"`
	}

	statuses := b.status()
	summaries := make([]summary, 0, len(statuses))
	for _, s := range statuses {
		summaries = append(summaries, summary{
			Name:      s.Name,
			Type:      s.Type,
			Connected: s.Connected,
			Tools:     len(s.Tools),
		})
	}
	return jsonResult(map[string]any{"backends": summaries})
}

func (b builtins) getBackendInfo(_ context.Context, req registry.Request) (mcp.CallToolResult, error) {
	var args getBackendInfoArgs
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to decode arguments: %w", err)
	}

	for _, s := range b.status() {
		if s.Name == args.BackendName {
			return jsonResult(s)
		}
	}
	return mcp.CallToolResult{}, fmt.Errorf("unknown backend %q", args.BackendName)
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: text}},
	}
}

func jsonResult(v any) (mcp.CallToolResult, error) {
	bs, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return textResult(string(bs)), nil
}
