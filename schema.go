package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is the correlation id of a JSON-RPC request. The protocol allows both strings
// and integers; the original form is kept so a reply always echoes exactly what the peer
// sent. The zero value represents an absent id (notifications).
type RequestID struct {
	value   string
	numeric bool
}

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication in the MCP protocol.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
//
// Members the package does not know about are kept in Extra and written back unchanged
// by EncodeMessage.
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string
	// ID uniquely identifies request-response pairs
	ID RequestID
	// Method contains the RPC method name for requests and notifications
	Method string
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage
	// Error contains error details if the request failed
	Error *JSONRPCError
	// Extra holds unknown top-level members, keyed by member name
	Extra map[string]json.RawMessage
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred. See the Code constants.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// Info contains metadata about a server or client instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities represents the capability record a server advertises during
// initialization. It is computed once when the server is constructed.
type ServerCapabilities struct {
	Tools   *ToolsCapability   `json:"tools,omitempty"`
	Logging *LoggingCapability `json:"logging,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability represents logging-specific capabilities.
type LoggingCapability struct{}

// ClientCapabilities is kept opaque: the gateway does not rely on any client feature.
type ClientCapabilities map[string]any

// InitializeParams is the payload of the initialize request.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

// InitializeResult is the payload of the initialize response.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ParamsMeta contains optional metadata that can be included with request parameters.
type ParamsMeta struct {
	// ProgressToken is used to correlate progress notifications with the request.
	ProgressToken RequestID `json:"progressToken"`
}

// Tool defines a callable tool with its input schema.
type Tool struct {
	// Name is the unique identifier of the tool
	Name string `json:"name"`

	// Description explains the tool's purpose and functionality
	Description string `json:"description,omitempty"`

	// InputSchema defines the expected format of arguments for CallTool
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ListToolsParams contains parameters for listing available tools.
type ListToolsParams struct {
	// Cursor is a pagination cursor from previous ListTools call.
	Cursor string `json:"cursor,omitempty"`

	Meta *ParamsMeta `json:"_meta,omitempty"`
}

// ListToolsResult represents a list of tools returned by ListTools.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// Meta contains optional metadata including progressToken for tracking operation progress.
	Meta *ParamsMeta `json:"_meta,omitempty"`
}

// CallToolResult represents the outcome of a tool invocation. IsError reports a failure
// inside the tool itself; protocol failures are reported as JSON-RPC errors instead.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// Content represents a typed block of tool output.
type Content struct {
	Type ContentType `json:"type"`

	Text string `json:"text,omitempty"`

	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ContentType represents the type of content in messages.
type ContentType string

// ProgressParams represents the progress status of a long-running operation.
type ProgressParams struct {
	ProgressToken RequestID `json:"progressToken"`
	Progress      float64   `json:"progress"`
	Total         float64   `json:"total,omitempty"`
}

// LogParams represents the parameters for a log message.
type LogParams struct {
	Level  LogLevel        `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// LogLevel represents the severity of a log message, using the syslog names the protocol defines.
type LogLevel string

// SetLogLevelParams is the payload of logging/setLevel.
type SetLogLevelParams struct {
	Level LogLevel `json:"level"`
}

type notificationsCancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

// ContentType values.
const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
)

// LogLevel values, ordered from least to most severe.
const (
	LogLevelDebug     LogLevel = "debug"
	LogLevelInfo      LogLevel = "info"
	LogLevelNotice    LogLevel = "notice"
	LogLevelWarning   LogLevel = "warning"
	LogLevelError     LogLevel = "error"
	LogLevelCritical  LogLevel = "critical"
	LogLevelAlert     LogLevel = "alert"
	LogLevelEmergency LogLevel = "emergency"
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"
	// MethodLoggingSetLevel is the method name for setting the minimum severity level for emitted log messages.
	MethodLoggingSetLevel = "logging/setLevel"

	// LatestProtocolVersion is the newest protocol revision this package speaks. It is
	// what clients request and what servers answer with when the peer asks for a version
	// they do not know.
	LatestProtocolVersion = "2024-11-05"

	methodPing       = "ping"
	methodInitialize = "initialize"

	methodNotificationsInitialized      = "notifications/initialized"
	methodNotificationsCancelled        = "notifications/cancelled"
	methodNotificationsToolsListChanged = "notifications/tools/list_changed"
	methodNotificationsProgress         = "notifications/progress"
	methodNotificationsMessage          = "notifications/message"

	userCancelledReason = "User requested cancellation"
)

// SupportedProtocolVersions lists every protocol version accepted by initialize.
var SupportedProtocolVersions = []string{"1.0", LatestProtocolVersion}

// StringID returns a RequestID carrying a string.
func StringID(s string) RequestID {
	return RequestID{value: s}
}

// NumberID returns a RequestID carrying an integer.
func NumberID(n int64) RequestID {
	return RequestID{value: strconv.FormatInt(n, 10), numeric: true}
}

// IsZero reports whether the id is absent.
func (r RequestID) IsZero() bool {
	return r == RequestID{}
}

// String returns the id in its textual form. Numeric ids are rendered in decimal.
func (r RequestID) String() string {
	return r.value
}

// MarshalJSON implements json.Marshaler. Absent ids encode as null.
func (r RequestID) MarshalJSON() ([]byte, error) {
	if r.IsZero() {
		return []byte("null"), nil
	}
	if r.numeric {
		return []byte(r.value), nil
	}
	return json.Marshal(r.value)
}

// UnmarshalJSON implements json.Unmarshaler, accepting strings, integers and null.
func (r *RequestID) UnmarshalJSON(data []byte) error {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}

	switch v := v.(type) {
	case nil:
		*r = RequestID{}
	case string:
		*r = StringID(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return fmt.Errorf("invalid id: %s is not an integer", v)
		}
		*r = NumberID(n)
	default:
		return fmt.Errorf("invalid id type: %T", v)
	}

	return nil
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}
