package everything

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000"
	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000/internal/registry"
)

type echoArgs struct {
	Message string `json:"message"`
}

type addArgs struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

type longRunningOperationArgs struct {
	Duration float64 `json:"duration"`
	Steps    int     `json:"steps"`
}

var echoSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "message": { "type": "string" }
  },
  "required": ["message"]
}`)

var addSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "a": { "type": "number" },
    "b": { "type": "number" }
  },
  "required": ["a", "b"]
}`)

var longRunningOperationSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "duration": { "type": "number", "minimum": 0 },
    "steps": { "type": "integer", "minimum": 1 }
  }
}`)

// A 1x1 transparent PNG.
const tinyImage = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

func tools(s *Server) []registry.Tool {
	return []registry.Tool{
		{
			Descriptor: registry.Descriptor{
				Name:        "echo",
				Description: "Echoes back the input",
				InputSchema: echoSchema,
			},
			Handler: s.callEcho,
		},
		{
			Descriptor: registry.Descriptor{
				Name:        "add",
				Description: "Adds two numbers",
				InputSchema: addSchema,
			},
			Handler: s.callAdd,
		},
		{
			Descriptor: registry.Descriptor{
				Name:        "longRunningOperation",
				Description: "Demonstrates a long running operation with progress updates",
				InputSchema: longRunningOperationSchema,
				Defaults:    map[string]any{"duration": 10, "steps": 5},
				Timeout:     5 * time.Minute,
			},
			Handler: s.callLongRunningOperation,
		},
		{
			Descriptor: registry.Descriptor{
				Name:        "printEnv",
				Description: "Prints the environment variables of the server process, values of secrets masked",
			},
			Handler: s.callPrintEnv,
		},
		{
			Descriptor: registry.Descriptor{
				Name:        "getTinyImage",
				Description: "Returns a tiny PNG image",
			},
			Handler: s.callGetTinyImage,
		},
	}
}

func (s *Server) callEcho(_ context.Context, req registry.Request) (mcp.CallToolResult, error) {
	var args echoArgs
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to decode arguments: %w", err)
	}
	return text(args.Message), nil
}

func (s *Server) callAdd(_ context.Context, req registry.Request) (mcp.CallToolResult, error) {
	var args addArgs
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to decode arguments: %w", err)
	}
	return text(fmt.Sprintf("The sum of %g and %g is %g", args.A, args.B, args.A+args.B)), nil
}

func (s *Server) callLongRunningOperation(ctx context.Context, req registry.Request) (mcp.CallToolResult, error) {
	var args longRunningOperationArgs
	if err := json.Unmarshal(req.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to decode arguments: %w", err)
	}

	step := time.Duration(args.Duration / float64(args.Steps) * float64(time.Second))
	ticker := time.NewTicker(max(step, time.Millisecond))
	defer ticker.Stop()

	for i := 1; i <= args.Steps; i++ {
		select {
		case <-ctx.Done():
			return mcp.CallToolResult{}, ctx.Err()
		case <-s.done:
			return mcp.CallToolResult{}, fmt.Errorf("server closed")
		case <-ticker.C:
		}
		req.Progress(mcp.ProgressParams{Progress: float64(i), Total: float64(args.Steps)})
		s.log(mcp.LogLevelInfo, fmt.Sprintf("long running operation step %d/%d", i, args.Steps))
	}

	return text(fmt.Sprintf("Long running operation completed. Duration: %g seconds, Steps: %d",
		args.Duration, args.Steps)), nil
}

func (s *Server) callPrintEnv(context.Context, registry.Request) (mcp.CallToolResult, error) {
	env := os.Environ()
	slices.Sort(env)
	for i, kv := range env {
		k, _, _ := strings.Cut(kv, "=")
		if secretName(k) {
			env[i] = k + "=****"
		}
	}
	return text("Environment variables:\n" + strings.Join(env, "\n")), nil
}

func (s *Server) callGetTinyImage(context.Context, registry.Request) (mcp.CallToolResult, error) {
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{Type: mcp.ContentTypeText, Text: "This is a tiny image:"},
			{Type: mcp.ContentTypeImage, Data: tinyImage, MimeType: "image/png"},
		},
	}, nil
}

func secretName(name string) bool {
	upper := strings.ToUpper(name)
	for _, marker := range []string{"KEY", "TOKEN", "SECRET", "PASSWORD"} {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

func text(s string) mcp.CallToolResult {
	return mcp.CallToolResult{Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: s}}}
}
