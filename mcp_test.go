package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000"
	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000/internal/registry"
	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000/internal/tools"
)

const waitTimeout = 3 * time.Second

// linePeer drives a Server over the line transport with raw envelopes, the way a client
// process on the other end of a pipe would.
type linePeer struct {
	t      *testing.T
	server *mcp.Server
	in     *io.PipeWriter
	out    *io.PipeReader
	msgs   chan mcp.JSONRPCMessage
	done   chan struct{}
	nextID int
}

type testSuite struct {
	server     *mcp.Server
	client     *mcp.Client
	httpServer *httptest.Server
	sse        *mcp.SSEServer
	closeIO    func()
}

func newLinePeer(t *testing.T, options ...mcp.ServerOption) *linePeer {
	t.Helper()

	srvReader, cliWriter := io.Pipe()
	cliReader, srvWriter := io.Pipe()

	p := &linePeer{
		t:    t,
		in:   cliWriter,
		out:  cliReader,
		msgs: make(chan mcp.JSONRPCMessage, 64),
		done: make(chan struct{}),
	}
	// Calls left blocked by a test are cancelled quickly at cleanup.
	options = append([]mcp.ServerOption{mcp.WithServerDrainGrace(50 * time.Millisecond)}, options...)
	p.server = mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"},
		mcp.NewStdIO(srvReader, srvWriter), options...)
	go p.server.Serve()
	go p.read()

	t.Cleanup(func() {
		close(p.done)
		p.in.Close()
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = p.server.Shutdown(ctx)
		p.out.Close()
	})
	return p
}

// read keeps consuming the server output even after the test is over, so the server is
// never stuck on a write while shutting down.
func (p *linePeer) read() {
	reader := bufio.NewReader(p.out)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		msg, err := mcp.DecodeMessage(line)
		if err != nil {
			p.t.Errorf("server wrote an undecodable line %q: %v", line, err)
			continue
		}
		select {
		case p.msgs <- msg:
		case <-p.done:
		}
	}
}

func (p *linePeer) writeLine(line string) {
	p.t.Helper()
	_, err := io.WriteString(p.in, line+"\n")
	require.NoError(p.t, err)
}

// request sends a request with a fresh numeric id and returns that id.
func (p *linePeer) request(method string, params any) mcp.RequestID {
	p.t.Helper()
	p.nextID++
	id := mcp.NumberID(int64(p.nextID))
	p.send(mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: id, Method: method, Params: marshal(p.t, params)})
	return id
}

func (p *linePeer) notify(method string, params any) {
	p.t.Helper()
	p.send(mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: method, Params: marshal(p.t, params)})
}

func (p *linePeer) send(msg mcp.JSONRPCMessage) {
	p.t.Helper()
	bs, err := mcp.EncodeMessage(msg)
	require.NoError(p.t, err)
	p.writeLine(string(bs))
}

func (p *linePeer) next() mcp.JSONRPCMessage {
	p.t.Helper()
	select {
	case msg := <-p.msgs:
		return msg
	case <-time.After(waitTimeout):
		require.FailNow(p.t, "timed out waiting for a message from the server")
		return mcp.JSONRPCMessage{}
	}
}

// response returns the next reply, skipping notifications and server pings.
func (p *linePeer) response() mcp.JSONRPCMessage {
	p.t.Helper()
	for {
		msg := p.next()
		switch msg.Kind() {
		case mcp.KindResponse, mcp.KindErrorResponse:
			return msg
		case mcp.KindRequest:
			p.send(mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: msg.ID, Result: json.RawMessage(`{}`)})
		}
	}
}

// responseTo returns the reply to id, failing on a reply to anything else.
func (p *linePeer) responseTo(id mcp.RequestID) mcp.JSONRPCMessage {
	p.t.Helper()
	msg := p.response()
	require.Equal(p.t, id, msg.ID, "reply for an unexpected id")
	return msg
}

func (p *linePeer) initialize(version string) mcp.InitializeResult {
	p.t.Helper()
	id := p.request("initialize", mcp.InitializeParams{
		ProtocolVersion: version,
		ClientInfo:      mcp.Info{Name: "test-client", Version: "1.0"},
	})
	res := p.responseTo(id)
	require.Nil(p.t, res.Error, "initialize failed: %v", res.Error)
	p.notify("notifications/initialized", nil)

	var result mcp.InitializeResult
	require.NoError(p.t, json.Unmarshal(res.Result, &result))
	return result
}

func (p *linePeer) callTool(name string, args any) mcp.JSONRPCMessage {
	p.t.Helper()
	id := p.request(mcp.MethodToolsCall, map[string]any{"name": name, "arguments": args})
	return p.responseTo(id)
}

func marshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	bs, err := json.Marshal(v)
	require.NoError(t, err)
	return bs
}

func decodeResult[T any](t *testing.T, msg mcp.JSONRPCMessage) T {
	t.Helper()
	require.Nil(t, msg.Error, "unexpected error reply: %v", msg.Error)
	var v T
	require.NoError(t, json.Unmarshal(msg.Result, &v))
	return v
}

// gatewayRegistry builds the local tool table the gateway binary serves without backends,
// plus any extra tools.
func gatewayRegistry(t *testing.T, extra ...registry.Tool) *registry.Registry {
	t.Helper()
	reg := registry.New(&registry.Capabilities{
		Service:   "PMOVES BotZ Gateway",
		Version:   "0.1.0",
		StartedAt: time.Now(),
	})
	require.NoError(t, tools.Register(reg, nil))
	require.NoError(t, reg.Register(extra...))
	reg.Freeze()
	return reg
}

func setupSSE(t *testing.T, options ...mcp.SSEServerOption) (*mcp.SSEServer, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	httpSrv := httptest.NewServer(mux)

	sse := mcp.NewSSEServer(fmt.Sprintf("%s/message", httpSrv.URL), options...)
	mux.Handle("/sse", sse.HandleSSE())
	mux.Handle("/message", sse.HandleMessage())
	mux.Handle("/health", sse.HandleHealth())

	return sse, httpSrv
}

func setupStdIO() (srvIO mcp.StdIO, cliIO mcp.StdIO, closeIO func()) {
	srvReader, srvWriter := io.Pipe()
	cliReader, cliWriter := io.Pipe()

	// server's output is client's input
	srvIO = mcp.NewStdIO(srvReader, cliWriter)
	// client's output is server's input
	cliIO = mcp.NewStdIO(cliReader, srvWriter)

	return srvIO, cliIO, func() {
		srvWriter.Close()
		cliWriter.Close()
		srvReader.Close()
		cliReader.Close()
	}
}

// newTestSuite connects a Client to a Server over the named transport.
func newTestSuite(t *testing.T, transportName string, serverOptions []mcp.ServerOption,
	clientOptions ...mcp.ClientOption,
) *testSuite {
	t.Helper()

	s := &testSuite{}
	var clientTransport mcp.ClientTransport
	var serverTransport mcp.ServerTransport
	switch transportName {
	case "SSE":
		s.sse, s.httpServer = setupSSE(t)
		serverTransport = s.sse
		clientTransport = mcp.NewSSEClient(fmt.Sprintf("%s/sse", s.httpServer.URL), s.httpServer.Client())
	default:
		var srvIO, cliIO mcp.StdIO
		srvIO, cliIO, s.closeIO = setupStdIO()
		serverTransport, clientTransport = srvIO, cliIO
	}

	s.server = mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"}, serverTransport, serverOptions...)
	go s.server.Serve()

	s.client = mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"}, clientTransport, clientOptions...)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, s.client.Connect(ctx))

	t.Cleanup(s.teardown)
	return s
}

func (s *testSuite) teardown() {
	s.client.Close()
	if s.closeIO != nil {
		s.closeIO()
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_ = s.server.Shutdown(ctx)
	if s.httpServer != nil {
		s.httpServer.Close()
	}
}
