package registry_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000"
	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000/internal/registry"
)

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: text}}}
}

func echoTool(name string) registry.Tool {
	return registry.Tool{
		Descriptor: registry.Descriptor{
			Name:        name,
			Description: "echoes its arguments",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`),
		},
		Handler: func(_ context.Context, req registry.Request) (mcp.CallToolResult, error) {
			return textResult(string(req.Arguments)), nil
		},
	}
}

func newRegistry(t *testing.T, tools ...registry.Tool) *registry.Registry {
	t.Helper()
	reg := registry.New(&registry.Capabilities{Service: "test", Version: "0.0.1", StartedAt: time.Now()})
	require.NoError(t, reg.Register(tools...))
	reg.Freeze()
	return reg
}

func TestRegisterRejections(t *testing.T) {
	handler := func(context.Context, registry.Request) (mcp.CallToolResult, error) {
		return mcp.CallToolResult{}, nil
	}

	tests := []struct {
		name  string
		tools []registry.Tool
		is    error
	}{
		{"empty name", []registry.Tool{{Handler: handler}}, nil},
		{"no handler", []registry.Tool{{Descriptor: registry.Descriptor{Name: "x"}}}, nil},
		{"bad schema", []registry.Tool{{
			Descriptor: registry.Descriptor{Name: "x", InputSchema: json.RawMessage(`{"type":`)},
			Handler:    handler,
		}}, nil},
		{"duplicate", []registry.Tool{echoTool("dup"), echoTool("dup")}, registry.ErrDuplicateTool},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reg := registry.New(nil)
			err := reg.Register(tc.tools...)
			require.Error(t, err)
			if tc.is != nil {
				assert.True(t, errors.Is(err, tc.is), "got %v", err)
			}
		})
	}
}

func TestRegisterAfterFreeze(t *testing.T) {
	reg := newRegistry(t, echoTool("echo"))
	err := reg.Register(echoTool("late"))
	assert.True(t, errors.Is(err, registry.ErrFrozen))
	assert.False(t, reg.Has("late"))

	// Freezing again changes nothing.
	reg.Freeze()
	assert.Len(t, reg.List(), 1)
}

func TestFirstUseFreezes(t *testing.T) {
	reg := registry.New(nil)
	require.NoError(t, reg.Register(echoTool("echo")))

	assert.True(t, reg.Has("echo"))
	assert.True(t, errors.Is(reg.Register(echoTool("other")), registry.ErrFrozen))
}

func TestListKeepsRegistrationOrder(t *testing.T) {
	noSchema := registry.Tool{
		Descriptor: registry.Descriptor{Name: "loose"},
		Handler: func(context.Context, registry.Request) (mcp.CallToolResult, error) {
			return mcp.CallToolResult{}, nil
		},
	}
	reg := newRegistry(t, echoTool("b"), echoTool("a"), noSchema)

	res, err := reg.ListTools(context.Background(), mcp.ListToolsParams{})
	require.NoError(t, err)
	require.Len(t, res.Tools, 3)
	assert.Equal(t, "b", res.Tools[0].Name)
	assert.Equal(t, "a", res.Tools[1].Name)
	assert.Equal(t, "echoes its arguments", res.Tools[0].Description)
	assert.JSONEq(t, `{"type":"object"}`, string(res.Tools[2].InputSchema))
}

func TestInvokeUnknownTool(t *testing.T) {
	reg := newRegistry(t)
	_, err := reg.Invoke(context.Background(), registry.Invocation{Name: "missing"})
	assert.True(t, errors.Is(err, mcp.ErrToolNotFound))
	assert.Equal(t, mcp.CodeToolNotFound, mcp.ErrorCode(err))
}

func TestInvokeValidation(t *testing.T) {
	var calls atomic.Int32
	tool := echoTool("echo")
	inner := tool.Handler
	tool.Handler = func(ctx context.Context, req registry.Request) (mcp.CallToolResult, error) {
		calls.Add(1)
		return inner(ctx, req)
	}
	reg := newRegistry(t, tool)

	tests := []struct {
		name    string
		args    string
		message string
	}{
		{"missing required", `{}`, `"msg" value is required`},
		{"null arguments", `null`, `"msg" value is required`},
		{"wrong type", `{"msg":3}`, "type should be string"},
		{"not an object", `[1]`, "type should be object"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.Invoke(context.Background(), registry.Invocation{
				Name:      "echo",
				Arguments: json.RawMessage(tc.args),
			})
			require.Error(t, err)
			assert.True(t, errors.Is(err, mcp.ErrValidation))
			assert.Equal(t, mcp.CodeValidationError, mcp.ErrorCode(err))

			var vErr *registry.ValidationError
			require.True(t, errors.As(err, &vErr))
			assert.Equal(t, "echo", vErr.Tool)
			require.NotEmpty(t, vErr.Errors)
			assert.Contains(t, vErr.Errors[0].Message, tc.message)

			data := vErr.ErrorData()
			assert.Equal(t, "echo", data["tool"])
		})
	}
	assert.Zero(t, calls.Load(), "handler must not run on invalid arguments")
}

func TestInvokeAppliesDefaults(t *testing.T) {
	tool := echoTool("echo")
	tool.Defaults = map[string]any{"msg": "hello", "count": 2}
	reg := newRegistry(t, tool)

	res, err := reg.Invoke(context.Background(), registry.Invocation{Name: "echo"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"hello","count":2}`, res.Content[0].Text)

	res, err = reg.Invoke(context.Background(), registry.Invocation{
		Name:      "echo",
		Arguments: json.RawMessage(`{"msg":"mine"}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":"mine","count":2}`, res.Content[0].Text)
}

func TestInvokeHandlerErrorBecomesToolResult(t *testing.T) {
	reg := newRegistry(t, registry.Tool{
		Descriptor: registry.Descriptor{Name: "fails"},
		Handler: func(context.Context, registry.Request) (mcp.CallToolResult, error) {
			return mcp.CallToolResult{}, errors.New("backend exploded")
		},
	})

	res, err := reg.Invoke(context.Background(), registry.Invocation{Name: "fails"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "backend exploded", res.Content[0].Text)
}

func TestInvokeRecoversPanics(t *testing.T) {
	reg := newRegistry(t,
		registry.Tool{
			Descriptor: registry.Descriptor{Name: "boom"},
			Handler: func(context.Context, registry.Request) (mcp.CallToolResult, error) {
				panic("kaboom")
			},
		},
		echoTool("echo"),
	)

	_, err := reg.Invoke(context.Background(), registry.Invocation{Name: "boom"})
	assert.True(t, errors.Is(err, mcp.ErrToolFault))
	assert.Equal(t, mcp.CodeInternalError, mcp.ErrorCode(err))

	// The worker slot was released and later calls still work.
	for range 3 {
		res, err := reg.Invoke(context.Background(), registry.Invocation{
			Name:      "echo",
			Arguments: json.RawMessage(`{"msg":"still alive"}`),
		})
		require.NoError(t, err)
		assert.False(t, res.IsError)
	}
}

func TestInvokeTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	reg := newRegistry(t, registry.Tool{
		Descriptor: registry.Descriptor{Name: "slow", Timeout: 50 * time.Millisecond},
		Handler: func(context.Context, registry.Request) (mcp.CallToolResult, error) {
			<-release
			return mcp.CallToolResult{}, nil
		},
	})

	start := time.Now()
	_, err := reg.Invoke(context.Background(), registry.Invocation{Name: "slow"})
	assert.True(t, errors.Is(err, mcp.ErrTimeout), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestInvokeDeadlineTightensTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	reg := newRegistry(t, registry.Tool{
		Descriptor: registry.Descriptor{Name: "slow", Timeout: time.Hour},
		Handler: func(context.Context, registry.Request) (mcp.CallToolResult, error) {
			<-release
			return mcp.CallToolResult{}, nil
		},
	})

	_, err := reg.Invoke(context.Background(), registry.Invocation{
		Name:     "slow",
		Deadline: time.Now().Add(50 * time.Millisecond),
	})
	assert.True(t, errors.Is(err, mcp.ErrTimeout), "got %v", err)
}

func TestInvokeCancelled(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	reg := newRegistry(t, registry.Tool{
		Descriptor: registry.Descriptor{Name: "slow"},
		Handler: func(context.Context, registry.Request) (mcp.CallToolResult, error) {
			close(started)
			<-release
			return mcp.CallToolResult{}, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := reg.Invoke(ctx, registry.Invocation{Name: "slow"})
	assert.True(t, errors.Is(err, mcp.ErrCancelled), "got %v", err)
	assert.Equal(t, mcp.CodeCancelled, mcp.ErrorCode(err))
}

func TestWorkerPoolBound(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})
	reg := registry.New(nil, registry.WithMaxWorkers(2))
	require.NoError(t, reg.Register(registry.Tool{
		Descriptor: registry.Descriptor{Name: "work"},
		Handler: func(context.Context, registry.Request) (mcp.CallToolResult, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return textResult("ok"), nil
		},
	}))

	var wg sync.WaitGroup
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := reg.Invoke(context.Background(), registry.Invocation{Name: "work"})
			assert.NoError(t, err)
			assert.False(t, res.IsError)
		}()
	}

	assert.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	// Give the queued calls a chance to misbehave.
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 2, running.Load())

	close(release)
	wg.Wait()
	assert.EqualValues(t, 2, peak.Load())
}

func TestRequestCarriesContext(t *testing.T) {
	caps := &registry.Capabilities{Service: "svc", Version: "9"}
	var got registry.Request
	reg := registry.New(caps)
	require.NoError(t, reg.Register(registry.Tool{
		Descriptor: registry.Descriptor{Name: "inspect"},
		Handler: func(_ context.Context, req registry.Request) (mcp.CallToolResult, error) {
			got = req
			req.Progress(mcp.ProgressParams{Progress: 1})
			return mcp.CallToolResult{}, nil
		},
	}))

	ctx := mcp.WithRequestID(context.Background(), mcp.NumberID(42))
	_, err := reg.Invoke(ctx, registry.Invocation{Name: "inspect"})
	require.NoError(t, err)

	assert.Equal(t, "42", got.CorrelationID)
	assert.Same(t, caps, got.Capabilities)
	assert.Same(t, caps, reg.Capabilities())
	assert.NotNil(t, got.Progress)

	_, err = reg.Invoke(ctx, registry.Invocation{Name: "inspect", CorrelationID: "explicit"})
	require.NoError(t, err)
	assert.Equal(t, "explicit", got.CorrelationID)
}

func TestCallToolForwardsProgress(t *testing.T) {
	reg := newRegistry(t, registry.Tool{
		Descriptor: registry.Descriptor{Name: "steps"},
		Handler: func(_ context.Context, req registry.Request) (mcp.CallToolResult, error) {
			req.Progress(mcp.ProgressParams{Progress: 1, Total: 2})
			req.Progress(mcp.ProgressParams{Progress: 2, Total: 2})
			return textResult("done"), nil
		},
	})

	var seen []float64
	res, err := reg.CallTool(context.Background(), mcp.CallToolParams{Name: "steps"}, func(p mcp.ProgressParams) {
		seen = append(seen, p.Progress)
	})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Content[0].Text)
	assert.Equal(t, []float64{1, 2}, seen)
}
