// Package mcp implements the Model Context Protocol (MCP) wire protocol used by the PMOVES
// tool gateway: JSON-RPC 2.0 envelopes, the stdio and SSE transports, the per-session
// protocol state machine, and a client used to reach upstream tool servers.
//
// A Server multiplexes one protocol core over every session a ServerTransport yields. Each
// session moves through Uninitialized, Initializing, Ready, Draining and Closed on its own;
// a fault in one session never reaches another. Tools are served by a ToolServer, which the
// gateway implements with a local registry composed with an aggregator of backends.
package mcp
