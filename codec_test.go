package mcp_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000"
)

func TestEncodeMessageFieldOrder(t *testing.T) {
	msg := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.NumberID(1),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":  "health_check"}`),
		Extra: map[string]json.RawMessage{
			"zeta":  json.RawMessage(`1`),
			"alpha": json.RawMessage(`true`),
		},
	}

	bs, err := mcp.EncodeMessage(msg)
	require.NoError(t, err)
	assert.Equal(t,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":  "health_check"},"alpha":true,"zeta":1}`,
		string(bs))

	again, err := mcp.EncodeMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, bs, again, "encoding must be deterministic")
}

func TestEncodeMessageNullID(t *testing.T) {
	bs, err := mcp.EncodeMessage(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Error:   &mcp.JSONRPCError{Code: mcp.CodeParseError, Message: "Parse error"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Parse error"}}`, string(bs))
}

func TestEncodeMessageRejectsInvalidRaw(t *testing.T) {
	_, err := mcp.EncodeMessage(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "ping",
		Params:  json.RawMessage(`{broken`),
	})
	assert.Error(t, err)
}

func TestMessageKind(t *testing.T) {
	tests := []struct {
		name string
		msg  mcp.JSONRPCMessage
		want mcp.MessageKind
	}{
		{name: "request", msg: mcp.JSONRPCMessage{ID: mcp.NumberID(1), Method: "ping"}, want: mcp.KindRequest},
		{name: "notification", msg: mcp.JSONRPCMessage{Method: "notifications/initialized"}, want: mcp.KindNotification},
		{name: "response", msg: mcp.JSONRPCMessage{ID: mcp.NumberID(1), Result: json.RawMessage(`{}`)}, want: mcp.KindResponse},
		{
			name: "error response",
			msg:  mcp.JSONRPCMessage{ID: mcp.NumberID(1), Error: &mcp.JSONRPCError{Code: mcp.CodeInternalError}},
			want: mcp.KindErrorResponse,
		},
		{
			name: "result and error",
			msg: mcp.JSONRPCMessage{
				ID: mcp.NumberID(1), Result: json.RawMessage(`{}`), Error: &mcp.JSONRPCError{},
			},
			want: mcp.KindInvalid,
		},
		{name: "empty", msg: mcp.JSONRPCMessage{}, want: mcp.KindInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.Kind())
		})
	}
}

func TestDecodeMessageErrors(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantCode int
	}{
		{name: "truncated", input: `{"jsonrpc":"2.0","id":1,"method":`, wantCode: mcp.CodeParseError},
		{name: "garbage", input: `hello`, wantCode: mcp.CodeParseError},
		{name: "empty", input: ``, wantCode: mcp.CodeParseError},
		{name: "array", input: `[1,2]`, wantCode: mcp.CodeInvalidRequest},
		{name: "null", input: `null`, wantCode: mcp.CodeInvalidRequest},
		{name: "wrong version", input: `{"jsonrpc":"1.0","id":1,"method":"ping"}`, wantCode: mcp.CodeInvalidRequest},
		{name: "missing version", input: `{"id":1,"method":"ping"}`, wantCode: mcp.CodeInvalidRequest},
		{name: "no method nor result", input: `{"jsonrpc":"2.0","id":1}`, wantCode: mcp.CodeInvalidRequest},
		{name: "method is a number", input: `{"jsonrpc":"2.0","id":1,"method":5}`, wantCode: mcp.CodeInvalidRequest},
		{name: "id is an object", input: `{"jsonrpc":"2.0","id":{},"method":"ping"}`, wantCode: mcp.CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mcp.DecodeMessage([]byte(tt.input))
			require.Error(t, err)

			var decodeErr *mcp.DecodeError
			require.True(t, errors.As(err, &decodeErr))
			assert.Equal(t, tt.wantCode, decodeErr.Code())
			assert.Equal(t, tt.wantCode, mcp.ErrorCode(err))

			res := decodeErr.Response()
			assert.True(t, res.ID.IsZero())
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.wantCode, res.Error.Code)
		})
	}
}

func TestDecodeErrorCarriesOffset(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"ping",,}`
	_, err := mcp.DecodeMessage([]byte(input))

	var decodeErr *mcp.DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, int64(41), decodeErr.Offset)
	assert.Contains(t, decodeErr.Fragment, `"ping",,`)
	assert.LessOrEqual(t, len(decodeErr.Fragment), 48)
}

func TestDecodeMessagePreservesUnknownMembers(t *testing.T) {
	input := `{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":1},"x-trace":{"span":"abc"}}`
	msg, err := mcp.DecodeMessage([]byte(input))
	require.NoError(t, err)
	assert.JSONEq(t, `{"span":"abc"}`, string(msg.Extra["x-trace"]))

	bs, err := mcp.EncodeMessage(msg)
	require.NoError(t, err)
	assert.JSONEq(t, input, string(bs))
}

func TestCodecRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 500; i++ {
		msg := randomMessage(rng)
		t.Run(fmt.Sprintf("%d/%s", i, msg.Kind()), func(t *testing.T) {
			bs, err := mcp.EncodeMessage(msg)
			require.NoError(t, err)

			decoded, err := mcp.DecodeMessage(bs)
			require.NoError(t, err)
			assert.Equal(t, msg, decoded)

			again, err := mcp.EncodeMessage(decoded)
			require.NoError(t, err)
			assert.Equal(t, bs, again)
		})
	}
}

func FuzzDecodeMessage(f *testing.F) {
	f.Add([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	f.Add([]byte(`{"jsonrpc":"2.0","id":"a","result":{}}`))
	f.Add([]byte(`{"jsonrpc":"2.0","method":"x","params":[1,2,3],"extra":null}`))
	f.Add([]byte(`{"jsonrpc":"2.0","id":1,"method":`))
	f.Add([]byte("\xff\xfe"))

	f.Fuzz(func(t *testing.T, data []byte) {
		msg, err := mcp.DecodeMessage(data)
		if err != nil {
			var decodeErr *mcp.DecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("decode failure is not a DecodeError: %v", err)
			}
			return
		}
		if _, err := mcp.EncodeMessage(msg); err != nil {
			t.Fatalf("decoded message does not encode: %v", err)
		}
	})
}

var randomPayloads = []string{
	`{}`,
	`[]`,
	`{"name":"health_check","arguments":{}}`,
	`{"nested":{"deep":[1,2.5,"three",null,true]}}`,
	`"text"`,
	`42`,
	`{"unicode":"héllo ☃"}`,
	`{ "spaced" : [ 1 , 2 ] }`,
}

func randomMessage(rng *rand.Rand) mcp.JSONRPCMessage {
	msg := mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion}

	randomID := func() mcp.RequestID {
		if rng.Intn(2) == 0 {
			return mcp.NumberID(rng.Int63n(1 << 40))
		}
		return mcp.StringID(fmt.Sprintf("req-%d", rng.Intn(1000)))
	}
	payload := func() json.RawMessage {
		return json.RawMessage(randomPayloads[rng.Intn(len(randomPayloads))])
	}

	switch rng.Intn(4) {
	case 0:
		msg.ID = randomID()
		msg.Method = fmt.Sprintf("method/%d", rng.Intn(10))
		if rng.Intn(2) == 0 {
			msg.Params = payload()
		}
	case 1:
		msg.Method = fmt.Sprintf("notifications/%d", rng.Intn(10))
		if rng.Intn(2) == 0 {
			msg.Params = payload()
		}
	case 2:
		msg.ID = randomID()
		msg.Result = payload()
	default:
		msg.ID = randomID()
		msg.Error = &mcp.JSONRPCError{
			Code:    -32000 - rng.Intn(800),
			Message: fmt.Sprintf("failure %d", rng.Intn(100)),
		}
		if rng.Intn(2) == 0 {
			msg.Error.Data = map[string]any{"detail": "some detail", "ok": true}
		}
	}

	if rng.Intn(4) == 0 {
		msg.Extra = map[string]json.RawMessage{fmt.Sprintf("x-%d", rng.Intn(5)): payload()}
	}
	return msg
}
