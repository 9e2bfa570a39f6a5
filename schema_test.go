package mcp_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000"
)

func TestRequestID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    mcp.RequestID
		wantErr bool
	}{
		{name: "string input", input: `"test123"`, want: mcp.StringID("test123")},
		{name: "integer input", input: `42`, want: mcp.NumberID(42)},
		{name: "negative integer", input: `-7`, want: mcp.NumberID(-7)},
		{name: "numeric string stays a string", input: `"42"`, want: mcp.StringID("42")},
		{name: "null", input: `null`, want: mcp.RequestID{}},
		{name: "fractional number", input: `42.5`, wantErr: true},
		{name: "invalid type", input: `{"key": "value"}`, wantErr: true},
		{name: "invalid JSON", input: `invalid`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got mcp.RequestID
			err := json.Unmarshal([]byte(tt.input), &got)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRequestID_MarshalJSON(t *testing.T) {
	tests := []struct {
		name  string
		input mcp.RequestID
		want  string
	}{
		{name: "string value", input: mcp.StringID("test123"), want: `"test123"`},
		{name: "numeric string", input: mcp.StringID("123"), want: `"123"`},
		{name: "number", input: mcp.NumberID(123), want: `123`},
		{name: "absent", input: mcp.RequestID{}, want: `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestRequestIDIsComparable(t *testing.T) {
	assert.NotEqual(t, mcp.StringID("1"), mcp.NumberID(1))
	assert.Equal(t, "1", mcp.NumberID(1).String())
	assert.True(t, mcp.RequestID{}.IsZero())
	assert.False(t, mcp.NumberID(0).IsZero())
}

func TestJSONRPCErrorIsAnError(t *testing.T) {
	var err error = mcp.JSONRPCError{Code: mcp.CodeToolNotFound, Message: "tool not found: x"}
	assert.Contains(t, err.Error(), "-32001")
	assert.Equal(t, mcp.CodeToolNotFound, mcp.ErrorCode(err))
}
