package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		frame    string
		wantCode int
		want     Message
	}{
		{
			name:  "request with int id",
			frame: `{"protocolVersion":"2.0","method":"echo","params":{"x":1},"id":7}`,
			want:  &Request{Method: "echo", Params: json.RawMessage(`{"x":1}`), ID: IntID(7)},
		},
		{
			name:  "request with string id and array params",
			frame: `{"protocolVersion":"2.0","method":"sum","params":[1,2],"id":"a"}`,
			want:  &Request{Method: "sum", Params: json.RawMessage(`[1,2]`), ID: StringID("a")},
		},
		{
			name:  "notification without id",
			frame: `{"protocolVersion":"2.0","method":"tick"}`,
			want:  &Notification{Method: "tick"},
		},
		{
			name:  "notification with null id",
			frame: `{"protocolVersion":"2.0","method":"tick","id":null}`,
			want:  &Notification{Method: "tick"},
		},
		{
			name:  "result response",
			frame: `{"protocolVersion":"2.0","result":{"ok":true},"id":3}`,
			want:  &Response{ID: IntID(3), Result: json.RawMessage(`{"ok":true}`)},
		},
		{
			name:  "null result is still a result",
			frame: `{"protocolVersion":"2.0","result":null,"id":3}`,
			want:  &Response{ID: IntID(3), Result: json.RawMessage(`null`)},
		},
		{
			name:  "error response",
			frame: `{"protocolVersion":"2.0","error":{"code":-32601,"message":"Method not found"},"id":"q"}`,
			want:  &Response{ID: StringID("q"), Error: &Error{Code: CodeMethodNotFound, Message: "Method not found"}},
		},
		{name: "malformed json", frame: `{"protocolVersion":`, wantCode: CodeParseError},
		{name: "not an object", frame: `[1,2]`, wantCode: CodeInvalidRequest},
		{name: "missing version", frame: `{"method":"a","id":1}`, wantCode: CodeInvalidRequest},
		{name: "wrong version", frame: `{"protocolVersion":"1.0","method":"a","id":1}`, wantCode: CodeInvalidRequest},
		{name: "method not a string", frame: `{"protocolVersion":"2.0","method":5,"id":1}`, wantCode: CodeInvalidRequest},
		{name: "scalar params", frame: `{"protocolVersion":"2.0","method":"a","params":3,"id":1}`, wantCode: CodeInvalidRequest},
		{name: "null params", frame: `{"protocolVersion":"2.0","method":"a","params":null,"id":1}`, wantCode: CodeInvalidRequest},
		{name: "fractional id", frame: `{"protocolVersion":"2.0","method":"a","id":1.5}`, wantCode: CodeInvalidRequest},
		{name: "object id", frame: `{"protocolVersion":"2.0","method":"a","id":{}}`, wantCode: CodeInvalidRequest},
		{name: "both result and error", frame: `{"protocolVersion":"2.0","result":1,"error":{"code":1,"message":"x"},"id":1}`, wantCode: CodeInvalidRequest},
		{name: "neither method nor result", frame: `{"protocolVersion":"2.0","id":1}`, wantCode: CodeInvalidRequest},
		{name: "response without id", frame: `{"protocolVersion":"2.0","result":1}`, wantCode: CodeInvalidRequest},
		{name: "method and result", frame: `{"protocolVersion":"2.0","method":"a","result":1,"id":1}`, wantCode: CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.frame))
			if tt.wantCode != 0 {
				require.Error(t, err)
				var rpcErr *Error
				require.True(t, errors.As(err, &rpcErr))
				assert.Equal(t, tt.wantCode, rpcErr.Code)
				assert.Nil(t, msg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg)
		})
	}
}

func TestStandardDialect(t *testing.T) {
	frame := `{"jsonrpc":"2.0","method":"getVM","id":1}`

	_, err := Parse([]byte(frame))
	assert.Error(t, err, "default dialect rejects the jsonrpc key")

	msg, err := Standard.Parse([]byte(frame))
	require.NoError(t, err)
	assert.Equal(t, &Request{Method: "getVM", ID: IntID(1)}, msg)

	out, err := Standard.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, frame, string(out))
}

func TestMarshalEcho(t *testing.T) {
	req, err := Parse([]byte(`{"protocolVersion":"2.0","method":"echo","params":{"x":1},"id":7}`))
	require.NoError(t, err)
	r := req.(*Request)

	resp := &Response{ID: r.ID, Result: r.Params}
	out, err := Marshal(resp)
	require.NoError(t, err)
	assert.Equal(t, `{"protocolVersion":"2.0","result":{"x":1},"id":7}`, string(out))
}

func TestMarshalRejectsInvalidResponse(t *testing.T) {
	_, err := Marshal(&Response{ID: IntID(1)})
	assert.True(t, errors.Is(err, &Error{Code: CodeInvalidRequest}))

	_, err = Marshal(&Response{ID: IntID(1), Result: json.RawMessage(`1`), Error: NewError(CodeInternalError, "", nil)})
	assert.True(t, errors.Is(err, &Error{Code: CodeInvalidRequest}))
}

func TestMarshalRejectsRequestWithoutID(t *testing.T) {
	_, err := Marshal(&Request{Method: "a"})
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	withData := NewError(CodeInternalError, "", "boom")
	messages := []Message{
		&Request{Method: "getIsolate", Params: json.RawMessage(`{"isolateId":"isolates/1"}`), ID: IntID(42)},
		&Request{Method: "ping", ID: StringID("abc")},
		&Notification{Method: "streamNotify", Params: json.RawMessage(`{"streamId":"Extension","event":{}}`)},
		&Response{ID: IntID(9), Result: json.RawMessage(`[1,"two",null]`)},
		&Response{ID: NullID(), Error: NewError(CodeParseError, "", nil)},
		&Response{ID: StringID("x"), Error: withData},
	}

	for _, m := range messages {
		out, err := Marshal(m)
		require.NoError(t, err)
		back, err := Parse(out)
		require.NoError(t, err)
		assert.Equal(t, m, back, string(out))
	}
}

func TestConstructors(t *testing.T) {
	req, err := NewRequest(IntID(1), "getVM", nil)
	require.NoError(t, err)
	assert.Nil(t, req.Params)

	n, err := NewNotification("tick", map[string]int{"n": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(n.Params))

	resp, err := NewResult(IntID(1), nil)
	require.NoError(t, err)
	out, err := Marshal(resp)
	require.NoError(t, err)
	assert.Equal(t, `{"protocolVersion":"2.0","result":null,"id":1}`, string(out))

	errResp := NewErrorResponse(IntID(2), NewError(CodeMethodNotFound, "", "nope"))
	out, err = Marshal(errResp)
	require.NoError(t, err)
	assert.Equal(t, `{"protocolVersion":"2.0","error":{"code":-32601,"message":"Method not found","data":"nope"},"id":2}`, string(out))
}

func TestErrorSentinels(t *testing.T) {
	err := NewError(CodeTimeout, "call getVM timed out after 1s", nil)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, errors.Is(err, ErrConnectionClosed))

	wrapped := errors.Join(errors.New("outer"), NewError(CodeConnectionClosed, "", nil))
	assert.True(t, errors.Is(wrapped, ErrConnectionClosed))

	assert.Equal(t, "boom", NewError(CodeInternalError, "", "boom").DataString())
	assert.Equal(t, "Server error", DefaultMessage(-32099))
}

func TestID(t *testing.T) {
	var id ID
	assert.True(t, id.IsAbsent())
	assert.True(t, id.IsNotification())
	assert.True(t, NullID().IsNotification())
	assert.False(t, NullID().IsAbsent())

	n, ok := IntID(5).Int()
	assert.True(t, ok)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, "5", IntID(5).String())
	assert.Equal(t, "null", NullID().String())
	assert.NotEqual(t, IntID(1), StringID("1"))

	require.NoError(t, id.UnmarshalJSON([]byte(`"s"`)))
	assert.Equal(t, StringID("s"), id)
	assert.Error(t, id.UnmarshalJSON([]byte(`true`)))
}
