package mcp

import (
	"context"
	"errors"
)

// Error codes carried by JSONRPCError. The first five are reserved by JSON-RPC 2.0, the
// rest are implementation-defined and live in the -32000 to -32099 server range.
const (
	CodeParseError      = -32700
	CodeInvalidRequest  = -32600
	CodeMethodNotFound  = -32601
	CodeInvalidParams   = -32602
	CodeInternalError   = -32603
	CodeToolNotFound    = -32001
	CodeToolError       = -32002
	CodeTimeout         = -32003
	CodeValidationError = -32004
	CodeCancelled       = -32005
)

var (
	// ErrInvalidEnvelope is wrapped by DecodeError when the input is JSON but not an envelope.
	ErrInvalidEnvelope = errors.New("invalid envelope")
	// ErrInvalidParams reports request params that cannot be decoded.
	ErrInvalidParams = errors.New("invalid params")
	// ErrToolNotFound reports a call to a tool nobody registered.
	ErrToolNotFound = errors.New("tool not found")
	// ErrToolError reports a tool that could not be executed, e.g. because its backend is gone.
	ErrToolError = errors.New("tool error")
	// ErrValidation reports arguments rejected by the tool's input schema.
	ErrValidation = errors.New("validation error")
	// ErrTimeout reports an invocation that did not finish before its deadline.
	ErrTimeout = errors.New("timeout")
	// ErrCancelled reports an invocation abandoned because its session or request was cancelled.
	ErrCancelled = errors.New("cancelled")
	// ErrToolFault reports a handler that panicked.
	ErrToolFault = errors.New("tool handler fault")
	// ErrTooManyInFlight reports a session whose pending-call table is full.
	ErrTooManyInFlight = errors.New("too many in-flight calls")
	// ErrSessionClosed reports an operation on a session that is gone.
	ErrSessionClosed = errors.New("session closed")
)

// ErrorData is implemented by errors that carry structured detail for the error envelope.
type ErrorData interface {
	ErrorData() map[string]any
}

// ErrorCode maps err onto the JSON-RPC error code it should be reported with.
func ErrorCode(err error) int {
	var jsonErr JSONRPCError
	if errors.As(err, &jsonErr) {
		return jsonErr.Code
	}
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return decodeErr.Code()
	}

	switch {
	case errors.Is(err, ErrToolNotFound):
		return CodeToolNotFound
	case errors.Is(err, ErrValidation):
		return CodeValidationError
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled), errors.Is(err, ErrSessionClosed):
		return CodeCancelled
	case errors.Is(err, ErrToolError):
		return CodeToolError
	case errors.Is(err, ErrInvalidParams):
		return CodeInvalidParams
	case errors.Is(err, ErrInvalidEnvelope):
		return CodeInvalidRequest
	default:
		return CodeInternalError
	}
}

// NewJSONRPCError converts err into the error object sent to the peer. A JSONRPCError
// anywhere in the chain is returned as is.
func NewJSONRPCError(err error) JSONRPCError {
	var jsonErr JSONRPCError
	if errors.As(err, &jsonErr) {
		return jsonErr
	}

	res := JSONRPCError{
		Code:    ErrorCode(err),
		Message: err.Error(),
	}
	var withData ErrorData
	if errors.As(err, &withData) {
		res.Data = withData.ErrorData()
	}
	return res
}
