package flutterbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/flutterbridge/jsonrpc"
	"github.com/shaharia-lab/flutterbridge/observability"
)

const initializeFrame = `{"protocolVersion":"2.0","method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"1"}},"id":1}`

var locationSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"location": {
			"type": "string",
			"description": "The city and state, e.g. San Francisco, CA"
		}
	},
	"required": ["location"]
}`)

func noopTool(name string) Tool {
	return Tool{
		Name:        name,
		Description: "test description",
		InputSchema: locationSchema,
		Handler: func(ctx context.Context, params CallToolParams) (CallToolResult, error) {
			return CallToolResult{}, nil
		},
	}
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []string
}

func (r *frameRecorder) send(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, string(frame))
	return nil
}

func (r *frameRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func newTestServer(t *testing.T) *BaseServer {
	t.Helper()
	s, err := NewBaseServer(UseLogger(observability.NewNullLogger()), UseServerInfo("test-server", "9.9.9"))
	require.NoError(t, err)
	return s
}

func initialize(t *testing.T, s *BaseServer) {
	t.Helper()
	reply := decodeReply(t, s.Handle(context.Background(), []byte(initializeFrame)))
	require.Contains(t, reply, "result")
}

func TestInitialize(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	reply := decodeReply(t, s.Handle(ctx, []byte(initializeFrame)))
	var result InitializeResult
	require.NoError(t, json.Unmarshal(reply["result"], &result))
	assert.Equal(t, ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, ServerInfo{Name: "test-server", Version: "9.9.9"}, result.ServerInfo)
	assert.True(t, result.Capabilities.Tools.ListChanged)
	assert.Equal(t, Initialized, s.Dispatcher().State())

	code, _ := replyError(t, s.Handle(ctx, []byte(initializeFrame)))
	assert.Equal(t, jsonrpc.CodeInvalidRequest, code, "a second initialize fails")
}

func TestInitializeRejections(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{
			name:  "unsupported protocol version",
			frame: `{"protocolVersion":"2.0","method":"initialize","params":{"protocolVersion":"1999-01-01"},"id":1}`,
		},
		{
			name:  "missing params",
			frame: `{"protocolVersion":"2.0","method":"initialize","id":1}`,
		},
		{
			name:  "params of the wrong shape",
			frame: `{"protocolVersion":"2.0","method":"initialize","params":{"protocolVersion":5},"id":1}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			code, _ := replyError(t, s.Handle(context.Background(), []byte(tt.frame)))
			assert.Equal(t, jsonrpc.CodeInvalidParams, code)
			assert.Equal(t, Uninitialized, s.Dispatcher().State())
		})
	}
}

func TestRequestsBeforeInitialize(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	code, _ := replyError(t, s.Handle(ctx, []byte(`{"protocolVersion":"2.0","method":"tools/list","id":1}`)))
	assert.Equal(t, jsonrpc.CodeNotInitialized, code)

	assert.Equal(t, `{"protocolVersion":"2.0","result":{},"id":2}`,
		string(s.Handle(ctx, []byte(`{"protocolVersion":"2.0","method":"ping","id":2}`))))
}

func TestListTools(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.AddTools(noopTool("d_tool"), noopTool("a_tool"), noopTool("c_tool"), noopTool("b_tool")))
	ctx := context.Background()

	first := s.ListTools(ctx, "", 2)
	require.Len(t, first.Tools, 2)
	assert.Equal(t, "a_tool", first.Tools[0].Name)
	assert.Equal(t, "b_tool", first.Tools[1].Name)
	assert.Equal(t, "c_tool", first.NextCursor)

	second := s.ListTools(ctx, first.NextCursor, 2)
	require.Len(t, second.Tools, 2)
	assert.Equal(t, "c_tool", second.Tools[0].Name)
	assert.Equal(t, "d_tool", second.Tools[1].Name)
	assert.Empty(t, second.NextCursor)

	all := s.ListTools(ctx, "", 0)
	assert.Len(t, all.Tools, 4)
	assert.Nil(t, all.Tools[0].Handler, "listed tools carry metadata only")
}

func TestToolsListOverProtocol(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.AddTools(noopTool("only")))
	initialize(t, s)

	reply := decodeReply(t, s.Handle(context.Background(), []byte(`{"protocolVersion":"2.0","method":"tools/list","params":{},"id":2}`)))
	var result ListToolsResult
	require.NoError(t, json.Unmarshal(reply["result"], &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "only", result.Tools[0].Name)
	assert.JSONEq(t, string(locationSchema), string(result.Tools[0].InputSchema))
}

func TestAddToolsValidation(t *testing.T) {
	handler := noopTool("x").Handler
	tests := []struct {
		name string
		tool Tool
	}{
		{name: "empty name", tool: Tool{Description: "d", Handler: handler}},
		{name: "empty description", tool: Tool{Name: "n", Handler: handler}},
		{name: "nil handler", tool: Tool{Name: "n", Description: "d"}},
		{name: "broken schema", tool: Tool{Name: "n", Description: "d", Handler: handler, InputSchema: json.RawMessage(`{"type": 12}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			assert.Error(t, s.AddTools(tt.tool))
		})
	}

	s := newTestServer(t)
	require.NoError(t, s.AddTools(noopTool("dup")))
	assert.ErrorContains(t, s.AddTools(noopTool("dup")), "duplicate tool")

	assert.True(t, s.RemoveTool("dup"))
	assert.False(t, s.RemoveTool("dup"))
	require.NoError(t, s.AddTools(noopTool("dup")))
}

func TestCallTool(t *testing.T) {
	s := newTestServer(t)
	weather := Tool{
		Name:        "get_weather",
		Description: "Get the current weather for a given location.",
		InputSchema: locationSchema,
		Handler: func(ctx context.Context, params CallToolParams) (CallToolResult, error) {
			var input struct {
				Location string `json:"location"`
			}
			if err := json.Unmarshal(params.Arguments, &input); err != nil {
				return CallToolResult{}, err
			}
			if input.Location == "Atlantis" {
				return CallToolResult{}, errors.New("location is under water")
			}
			return CallToolResult{
				Content: []ToolResultContent{{Type: "text", Text: fmt.Sprintf("Weather in %s: Sunny", input.Location)}},
			}, nil
		},
	}
	require.NoError(t, s.AddTools(weather))
	ctx := context.Background()

	tests := []struct {
		name      string
		args      string
		wantError bool
		wantText  string
	}{
		{name: "valid", args: `{"location":"Berlin"}`, wantText: "Weather in Berlin: Sunny"},
		{name: "missing required field", args: `{}`, wantError: true, wantText: "Schema validation failed"},
		{name: "no arguments at all", args: ``, wantError: true, wantText: "location is required"},
		{name: "wrong type", args: `{"location":3}`, wantError: true, wantText: "Schema validation failed"},
		{name: "handler error", args: `{"location":"Atlantis"}`, wantError: true, wantText: "location is under water"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := s.CallTool(ctx, CallToolParams{Name: "get_weather", Arguments: json.RawMessage(tt.args)})
			require.NoError(t, err)
			assert.Equal(t, tt.wantError, result.IsError)
			require.Len(t, result.Content, 1)
			assert.Contains(t, result.Content[0].Text, tt.wantText)
		})
	}

	_, err := s.CallTool(ctx, CallToolParams{Name: "missing"})
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestToolsCallOverProtocol(t *testing.T) {
	s := newTestServer(t)
	var calls int
	require.NoError(t, s.AddTools(Tool{
		Name:        "count",
		Description: "counts calls",
		Handler: func(ctx context.Context, params CallToolParams) (CallToolResult, error) {
			calls++
			return CallToolResult{Content: []ToolResultContent{{Type: "text", Text: "ok"}}}, nil
		},
	}))
	initialize(t, s)
	ctx := context.Background()

	reply := s.Handle(ctx, []byte(`{"protocolVersion":"2.0","method":"tools/call","params":{"name":"count"},"id":5}`))
	assert.Equal(t, `{"protocolVersion":"2.0","result":{"content":[{"type":"text","text":"ok"}],"isError":false},"id":5}`, string(reply))
	assert.Equal(t, 1, calls)

	code, id := replyError(t, s.Handle(ctx, []byte(`{"protocolVersion":"2.0","method":"tools/call","params":{"name":"nope"},"id":6}`)))
	assert.Equal(t, jsonrpc.CodeInvalidParams, code)
	assert.Equal(t, "6", id)

	code, _ = replyError(t, s.Handle(ctx, []byte(`{"protocolVersion":"2.0","method":"tools/call","params":["count"],"id":7}`)))
	assert.Equal(t, jsonrpc.CodeInvalidParams, code)
}

func TestLogMessageRespectsLevel(t *testing.T) {
	s := newTestServer(t)
	rec := &frameRecorder{}
	s.Dispatcher().SetSender(rec.send)
	initialize(t, s)
	ctx := context.Background()

	s.LogMessage(LogLevelDebug, "test", "dropped at the default info level")
	s.LogMessage(LogLevelInfo, "test", "kept")
	require.Len(t, rec.all(), 1)
	assert.Equal(t, `{"protocolVersion":"2.0","method":"notifications/message","params":{"level":"info","logger":"test","data":"kept"}}`, rec.all()[0])

	assert.Equal(t, `{"protocolVersion":"2.0","result":{},"id":2}`,
		string(s.Handle(ctx, []byte(`{"protocolVersion":"2.0","method":"logging/setLevel","params":{"level":"error"},"id":2}`))))

	s.LogMessage(LogLevelWarning, "test", "now dropped")
	s.LogMessage(LogLevelCritical, "test", "kept")
	assert.Len(t, rec.all(), 2)

	code, _ := replyError(t, s.Handle(ctx, []byte(`{"protocolVersion":"2.0","method":"logging/setLevel","params":{"level":"loud"},"id":3}`)))
	assert.Equal(t, jsonrpc.CodeInvalidParams, code)
}

func TestToolListChangedNotification(t *testing.T) {
	s := newTestServer(t)
	rec := &frameRecorder{}
	s.Dispatcher().SetSender(rec.send)

	require.NoError(t, s.AddTools(noopTool("before")))
	assert.Empty(t, rec.all(), "no notifications before the handshake")

	initialize(t, s)
	require.NoError(t, s.AddTools(noopTool("after")))
	s.RemoveTool("after")

	frames := rec.all()
	require.Len(t, frames, 2)
	for _, f := range frames {
		assert.True(t, strings.Contains(f, `"method":"notifications/tools/list_changed"`), f)
	}
}

func TestNotificationsAfterInitialize(t *testing.T) {
	s := newTestServer(t)
	initialize(t, s)
	ctx := context.Background()

	assert.Nil(t, s.Handle(ctx, []byte(`{"protocolVersion":"2.0","method":"notifications/initialized"}`)))
	assert.Nil(t, s.Handle(ctx, []byte(`{"protocolVersion":"2.0","method":"notifications/cancelled","params":{"requestId":4,"reason":"user"}}`)))
}

func TestNewBaseServerRejectsUnknownLevel(t *testing.T) {
	_, err := NewBaseServer(UseLogLevel("chatty"))
	assert.Error(t, err)
}
