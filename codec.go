package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// MessageKind classifies a JSONRPCMessage.
type MessageKind int

// DecodeError is returned by DecodeMessage when the input is not a valid envelope. It never
// carries more than a short fragment of the input around the failure so it is safe to log
// and to send back to the peer.
type DecodeError struct {
	// Offset is the byte offset into the input where decoding failed.
	Offset int64
	// Fragment is the input surrounding Offset.
	Fragment string
	// Err is the underlying error. It wraps ErrInvalidEnvelope when the input is valid JSON
	// but not a valid envelope.
	Err error
}

// MessageKind values.
const (
	KindInvalid MessageKind = iota
	KindRequest
	KindNotification
	KindResponse
	KindErrorResponse
)

const decodeFragmentRadius = 24

// EncodeMessage serializes msg into its wire form. Members are written in a fixed order
// (jsonrpc, id, method, params, result, error, then unknown members sorted by name), and raw
// payloads are copied verbatim, so encoding the same message always yields the same bytes.
func EncodeMessage(msg JSONRPCMessage) ([]byte, error) {
	var buf bytes.Buffer

	version := msg.JSONRPC
	if version == "" {
		version = JSONRPCVersion
	}

	buf.WriteString(`{"jsonrpc":`)
	if err := writeJSONValue(&buf, version); err != nil {
		return nil, err
	}

	// Responses to unreadable requests carry a null id.
	if !msg.ID.IsZero() || msg.Result != nil || msg.Error != nil {
		buf.WriteString(`,"id":`)
		if err := writeJSONValue(&buf, msg.ID); err != nil {
			return nil, err
		}
	}
	if msg.Method != "" {
		buf.WriteString(`,"method":`)
		if err := writeJSONValue(&buf, msg.Method); err != nil {
			return nil, err
		}
	}
	if err := writeRawMember(&buf, "params", msg.Params); err != nil {
		return nil, err
	}
	if err := writeRawMember(&buf, "result", msg.Result); err != nil {
		return nil, err
	}
	if msg.Error != nil {
		buf.WriteString(`,"error":`)
		if err := writeJSONValue(&buf, msg.Error); err != nil {
			return nil, err
		}
	}

	keys := make([]string, 0, len(msg.Extra))
	for k := range msg.Extra {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if err := writeRawMember(&buf, k, msg.Extra[k]); err != nil {
			return nil, err
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodeMessage parses one envelope. Any failure is reported as a *DecodeError; the function
// never panics on malformed input.
func DecodeMessage(data []byte) (JSONRPCMessage, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			// Well-formed JSON, just not an object.
			err = fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
		}
		return JSONRPCMessage{}, newDecodeError(data, err)
	}
	if members == nil {
		return JSONRPCMessage{}, newDecodeError(data, fmt.Errorf("%w: envelope is null", ErrInvalidEnvelope))
	}

	var msg JSONRPCMessage
	for name, raw := range members {
		var err error
		switch name {
		case "jsonrpc":
			err = json.Unmarshal(raw, &msg.JSONRPC)
		case "id":
			err = json.Unmarshal(raw, &msg.ID)
		case "method":
			err = json.Unmarshal(raw, &msg.Method)
		case "params":
			msg.Params = raw
		case "result":
			msg.Result = raw
		case "error":
			err = json.Unmarshal(raw, &msg.Error)
		default:
			if msg.Extra == nil {
				msg.Extra = make(map[string]json.RawMessage)
			}
			msg.Extra[name] = raw
		}
		if err != nil {
			return JSONRPCMessage{}, newDecodeError(data,
				fmt.Errorf("%w: member %q: %w", ErrInvalidEnvelope, name, err))
		}
	}

	if msg.JSONRPC != JSONRPCVersion {
		return JSONRPCMessage{}, newDecodeError(data,
			fmt.Errorf("%w: unsupported jsonrpc version %q", ErrInvalidEnvelope, msg.JSONRPC))
	}
	if msg.Kind() == KindInvalid {
		return JSONRPCMessage{}, newDecodeError(data,
			fmt.Errorf("%w: neither a request, a notification nor a response", ErrInvalidEnvelope))
	}

	return msg, nil
}

// Kind reports what the message is, based on which members are populated.
func (m JSONRPCMessage) Kind() MessageKind {
	switch {
	case m.Method != "" && (m.Result != nil || m.Error != nil):
		return KindInvalid
	case m.Method != "" && m.ID.IsZero():
		return KindNotification
	case m.Method != "":
		return KindRequest
	case m.Error != nil && m.Result == nil:
		return KindErrorResponse
	case m.Result != nil && m.Error == nil:
		return KindResponse
	default:
		return KindInvalid
	}
}

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindErrorResponse:
		return "error-response"
	default:
		return "invalid"
	}
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error at offset %d near %q: %v", e.Offset, e.Fragment, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Code returns the JSON-RPC error code the failure maps to: CodeInvalidRequest for well-formed
// JSON that is not an envelope, CodeParseError otherwise.
func (e *DecodeError) Code() int {
	if errors.Is(e.Err, ErrInvalidEnvelope) {
		return CodeInvalidRequest
	}
	return CodeParseError
}

// Response builds the error envelope sent back to the peer for this failure. The id is
// null because the offending input could not be trusted to carry one.
func (e *DecodeError) Response() JSONRPCMessage {
	message := "Parse error"
	if e.Code() == CodeInvalidRequest {
		message = "Invalid Request"
	}
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Error: &JSONRPCError{
			Code:    e.Code(),
			Message: message,
			Data: map[string]any{
				"offset":   e.Offset,
				"fragment": e.Fragment,
				"detail":   e.Err.Error(),
			},
		},
	}
}

func newDecodeError(data []byte, err error) *DecodeError {
	var offset int64

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr):
		offset = syntaxErr.Offset
	case errors.As(err, &typeErr):
		offset = typeErr.Offset
	}

	start := max(0, int(offset)-decodeFragmentRadius)
	end := min(len(data), int(offset)+decodeFragmentRadius)
	if start > end {
		start = end
	}

	return &DecodeError{
		Offset:   offset,
		Fragment: strings.ToValidUTF8(string(data[start:end]), "�"),
		Err:      err,
	}
}

func writeJSONValue(buf *bytes.Buffer, v any) error {
	bs, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	buf.Write(bs)
	return nil
}

func writeRawMember(buf *bytes.Buffer, name string, raw json.RawMessage) error {
	if raw == nil {
		return nil
	}
	if !json.Valid(raw) {
		return fmt.Errorf("member %q is not valid JSON", name)
	}
	buf.WriteByte(',')
	if err := writeJSONValue(buf, name); err != nil {
		return err
	}
	buf.WriteByte(':')
	buf.Write(raw)
	return nil
}
