package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000"
	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000/internal/registry"
)

type mockToolListWatcher struct {
	changed chan struct{}
}

type mockProgressListener struct {
	lock    sync.Mutex
	updates []mcp.ProgressParams
}

type mockLogReceiver struct {
	logs chan mcp.LogParams
}

func (m *mockToolListWatcher) OnToolListChanged() {
	m.changed <- struct{}{}
}

func (m *mockProgressListener) OnProgress(params mcp.ProgressParams) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.updates = append(m.updates, params)
}

func (m *mockProgressListener) count() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.updates)
}

func (m *mockLogReceiver) OnLog(params mcp.LogParams) {
	m.logs <- params
}

var transports = []string{"SSE", "StdIO"}

func TestClientHandshake(t *testing.T) {
	for _, name := range transports {
		t.Run(name, func(t *testing.T) {
			s := newTestSuite(t, name, []mcp.ServerOption{mcp.WithToolServer(gatewayRegistry(t))})

			assert.Equal(t, "test-server", s.client.ServerInfo().Name)
			assert.Equal(t, mcp.LatestProtocolVersion, s.client.ProtocolVersion())
			assert.NotNil(t, s.client.ServerCapabilities().Tools)
			assert.Nil(t, s.client.ServerCapabilities().Logging)

			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()
			assert.NoError(t, s.client.Ping(ctx))
		})
	}
}

func TestClientListAndCallTools(t *testing.T) {
	for _, name := range transports {
		t.Run(name, func(t *testing.T) {
			s := newTestSuite(t, name, []mcp.ServerOption{mcp.WithToolServer(gatewayRegistry(t))})

			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()

			list, err := s.client.ListTools(ctx, mcp.ListToolsParams{})
			require.NoError(t, err)
			names := make([]string, 0, len(list.Tools))
			for _, tool := range list.Tools {
				names = append(names, tool.Name)
			}
			assert.Contains(t, names, "health_check")

			res, err := s.client.CallTool(ctx, mcp.CallToolParams{Name: "health_check"})
			require.NoError(t, err)
			assert.False(t, res.IsError)
			assert.Contains(t, textOf(t, res), "is healthy")

			_, err = s.client.CallTool(ctx, mcp.CallToolParams{Name: "no_such_tool"})
			var rpcErr mcp.JSONRPCError
			require.True(t, errors.As(err, &rpcErr))
			assert.Equal(t, mcp.CodeToolNotFound, rpcErr.Code)
		})
	}
}

func TestClientProgressListener(t *testing.T) {
	stepping := registry.Tool{
		Descriptor: registry.Descriptor{Name: "stepping"},
		Handler: func(_ context.Context, req registry.Request) (mcp.CallToolResult, error) {
			for i := 1; i <= 4; i++ {
				req.Progress(mcp.ProgressParams{Progress: float64(i), Total: 4})
			}
			return mcp.CallToolResult{Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: "done"}}}, nil
		},
	}

	for _, name := range transports {
		t.Run(name, func(t *testing.T) {
			listener := &mockProgressListener{}
			s := newTestSuite(t, name,
				[]mcp.ServerOption{mcp.WithToolServer(gatewayRegistry(t, stepping))},
				mcp.WithProgressListener(listener))

			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()
			res, err := s.client.CallTool(ctx, mcp.CallToolParams{
				Name: "stepping",
				Meta: &mcp.ParamsMeta{ProgressToken: mcp.StringID("steps")},
			})
			require.NoError(t, err)
			assert.Equal(t, "done", textOf(t, res))

			// Notifications are sent before the reply, but the listener runs on the
			// reading goroutine, so give it a moment.
			assert.Eventually(t, func() bool { return listener.count() == 4 }, waitTimeout, 10*time.Millisecond)
		})
	}
}

func TestClientLogReceiver(t *testing.T) {
	for _, name := range transports {
		t.Run(name, func(t *testing.T) {
			logs := &mockLogHandler{params: make(chan mcp.LogParams)}
			t.Cleanup(func() { close(logs.params) })
			receiver := &mockLogReceiver{logs: make(chan mcp.LogParams, 1)}

			s := newTestSuite(t, name,
				[]mcp.ServerOption{mcp.WithToolServer(gatewayRegistry(t)), mcp.WithLogHandler(logs)},
				mcp.WithLogReceiver(receiver))

			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()
			require.NoError(t, s.client.SetLogLevel(ctx, mcp.LogLevelDebug))
			assert.Equal(t, mcp.LogLevelDebug, logs.getLevel())

			logs.params <- mcp.LogParams{Level: mcp.LogLevelInfo, Logger: "test", Data: json.RawMessage(`{"message":"hi"}`)}
			select {
			case got := <-receiver.logs:
				assert.Equal(t, mcp.LogLevelInfo, got.Level)
				assert.Equal(t, "test", got.Logger)
				assert.JSONEq(t, `{"message":"hi"}`, string(got.Data))
			case <-time.After(waitTimeout):
				require.FailNow(t, "timed out waiting for log notification")
			}
		})
	}
}

func TestClientSetLogLevelUnsupported(t *testing.T) {
	s := newTestSuite(t, "StdIO", []mcp.ServerOption{mcp.WithToolServer(gatewayRegistry(t))})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	assert.Error(t, s.client.SetLogLevel(ctx, mcp.LogLevelDebug))
}

func TestClientToolListWatcher(t *testing.T) {
	for _, name := range transports {
		t.Run(name, func(t *testing.T) {
			updater := mockToolListUpdater{ch: make(chan struct{})}
			t.Cleanup(func() { close(updater.ch) })
			watcher := &mockToolListWatcher{changed: make(chan struct{}, 1)}

			newTestSuite(t, name,
				[]mcp.ServerOption{mcp.WithToolServer(gatewayRegistry(t)), mcp.WithToolListUpdater(updater)},
				mcp.WithToolListWatcher(watcher))

			updater.ch <- struct{}{}
			waitFor(t, watcher.changed, "tool list change")
		})
	}
}

func TestClientCancelPropagates(t *testing.T) {
	for _, name := range transports {
		t.Run(name, func(t *testing.T) {
			blocking := newBlockingTool()
			s := newTestSuite(t, name, []mcp.ServerOption{
				mcp.WithToolServer(gatewayRegistry(t, blocking.tool("block"))),
				mcp.WithServerDrainGrace(50 * time.Millisecond),
			})

			ctx, cancel := context.WithCancel(context.Background())
			errs := make(chan error, 1)
			go func() {
				_, err := s.client.CallTool(ctx, mcp.CallToolParams{Name: "block"})
				errs <- err
			}()

			waitFor(t, blocking.started, "tool start")
			cancel()

			select {
			case err := <-errs:
				assert.True(t, errors.Is(err, mcp.ErrCancelled), "got %v", err)
			case <-time.After(waitTimeout):
				require.FailNow(t, "call did not return after cancel")
			}
			// The cancellation notification reaches the server and ends the handler.
			waitFor(t, blocking.cancelled, "handler cancellation")
		})
	}
}

func TestClientCallDeadline(t *testing.T) {
	blocking := newBlockingTool()
	s := newTestSuite(t, "StdIO", []mcp.ServerOption{
		mcp.WithToolServer(gatewayRegistry(t, blocking.tool("block"))),
		mcp.WithServerDrainGrace(50 * time.Millisecond),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := s.client.CallTool(ctx, mcp.CallToolParams{Name: "block"})
	assert.True(t, errors.Is(err, mcp.ErrTimeout), "got %v", err)
	waitFor(t, blocking.cancelled, "handler cancellation")
}

func TestClientCloseFailsPendingCalls(t *testing.T) {
	blocking := newBlockingTool()
	s := newTestSuite(t, "StdIO", []mcp.ServerOption{
		mcp.WithToolServer(gatewayRegistry(t, blocking.tool("block"))),
		mcp.WithServerDrainGrace(50 * time.Millisecond),
	})

	errs := make(chan error, 1)
	go func() {
		_, err := s.client.CallTool(context.Background(), mcp.CallToolParams{Name: "block"})
		errs <- err
	}()
	waitFor(t, blocking.started, "tool start")

	require.NoError(t, s.client.Close())
	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, mcp.ErrCancelled), "got %v", err)
	case <-time.After(waitTimeout):
		require.FailNow(t, "pending call survived Close")
	}

	select {
	case <-s.client.Done():
	default:
		assert.Fail(t, "Done must be closed after Close")
	}
	// Closing twice is harmless.
	assert.NoError(t, s.client.Close())
}

func TestClientDoneWhenServerGoesAway(t *testing.T) {
	s := newTestSuite(t, "SSE", []mcp.ServerOption{mcp.WithToolServer(gatewayRegistry(t))})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, s.server.Shutdown(ctx))

	select {
	case <-s.client.Done():
	case <-time.After(waitTimeout):
		require.FailNow(t, "client did not notice the closed stream")
	}
}

func TestClientRequiresConnect(t *testing.T) {
	_, cliIO, closeIO := setupStdIO()
	defer closeIO()

	client := mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"}, cliIO)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	_, err := client.ListTools(ctx, mcp.ListToolsParams{})
	assert.Error(t, err)
	_, err = client.CallTool(ctx, mcp.CallToolParams{Name: "health_check"})
	assert.Error(t, err)
}
