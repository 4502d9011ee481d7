package vmservice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/flutterbridge/jsonrpc"
)

type fakeCaller struct {
	results map[string]string
	calls   []string
	params  []any
}

func (f *fakeCaller) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	f.calls = append(f.calls, method)
	f.params = append(f.params, params)
	if r, ok := f.results[method]; ok {
		return json.RawMessage(r), nil
	}
	return nil, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "", method)
}

func TestMainIsolateID(t *testing.T) {
	tests := []struct {
		name    string
		vm      string
		want    string
		wantErr error
	}{
		{
			name: "prefers isolate named main",
			vm:   `{"type":"VM","name":"vm","isolates":[{"id":"isolates/1","name":"background"},{"id":"isolates/2","name":"main"}]}`,
			want: "isolates/2",
		},
		{
			name: "falls back to first isolate",
			vm:   `{"type":"VM","name":"vm","isolates":[{"id":"isolates/7","name":"worker"},{"id":"isolates/8","name":"other"}]}`,
			want: "isolates/7",
		},
		{
			name:    "no isolates",
			vm:      `{"type":"VM","name":"vm","isolates":[]}`,
			wantErr: ErrNoIsolates,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &fakeCaller{results: map[string]string{"getVM": tt.vm}}
			id, err := MainIsolateID(context.Background(), c)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestIsolateIDs(t *testing.T) {
	c := &fakeCaller{results: map[string]string{
		"getVM": `{"type":"VM","name":"vm","isolates":[{"id":"isolates/1"},{"id":"isolates/2"}]}`,
	}}
	ids, err := IsolateIDs(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, []string{"isolates/1", "isolates/2"}, ids)
}

func TestCallExtension(t *testing.T) {
	c := &fakeCaller{results: map[string]string{"ext.flutter.debugDumpApp": `{"data":"tree"}`}}

	raw, err := CallExtension(context.Background(), c, "isolates/1", "ext.flutter.debugDumpApp", map[string]any{"depth": 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":"tree"}`, string(raw))
	assert.Equal(t, map[string]any{"depth": 2, "isolateId": "isolates/1"}, c.params[0])

	_, err = CallExtension(context.Background(), c, "isolates/1", "getVM", nil)
	assert.Error(t, err)
}

func TestStreamListenError(t *testing.T) {
	c := &fakeCaller{results: map[string]string{}}
	err := StreamListen(context.Background(), c, "Extension")
	assert.ErrorContains(t, err, "Extension")
}

// newVMServiceServer serves a minimal Dart VM service over WebSocket using the
// stock jsonrpc envelope.
func newVMServiceServer(t *testing.T, token string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" && r.URL.Query().Get(AuthTokenParam) != token {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				ID     int64  `json:"id"`
				Method string `json:"method"`
			}
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			switch req.Method {
			case "getVM":
				result := `{"type":"VM","name":"vm","version":"3.4.0","isolates":[{"type":"@Isolate","id":"isolates/42","name":"main"}]}`
				_ = ws.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"jsonrpc":"2.0","result":%s,"id":%d}`, result, req.ID)))
			case "streamListen":
				_ = ws.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"jsonrpc":"2.0","result":{"type":"Success"},"id":%d}`, req.ID)))
				event := `{"jsonrpc":"2.0","method":"streamNotify","params":{"streamId":"Extension","event":{"kind":"Extension","extensionKind":"Flutter.Frame"}}}`
				_ = ws.WriteMessage(websocket.TextMessage, []byte(event))
			default:
				_ = ws.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(
					`{"jsonrpc":"2.0","error":{"code":-32601,"message":"Method not found"},"id":%d}`, req.ID)))
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestWebSocketClient(t *testing.T) {
	srv := newVMServiceServer(t, "s3cr3t")

	c := NewClient(NewWebSocketDialer(), UseDialect(jsonrpc.Standard), UseCallTimeout(2*time.Second))
	require.NoError(t, c.Connect(context.Background(), wsURL(srv), "s3cr3t"))
	defer c.Disconnect()

	vm, err := GetVM(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "vm", vm.Name)
	assert.Equal(t, "3.4.0", vm.Version)

	id, err := MainIsolateID(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "isolates/42", id)

	_, err = c.Call(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound})

	events := make(chan Event, 1)
	c.Subscribe(func(ev Event) { events <- ev })
	require.NoError(t, StreamListen(context.Background(), c, "Extension"))

	select {
	case ev := <-events:
		assert.Equal(t, "Extension", ev.StreamID)
		assert.Equal(t, "Extension", ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestWebSocketClientRejectedCredentials(t *testing.T) {
	srv := newVMServiceServer(t, "s3cr3t")

	c := NewClient(NewWebSocketDialer(), UseDialect(jsonrpc.Standard))
	err := c.Connect(context.Background(), wsURL(srv), "wrong")
	assert.Error(t, err)
	assert.Equal(t, Disconnected, c.State())
}

func TestWithCredentials(t *testing.T) {
	u, err := withCredentials("ws://127.0.0.1:8181/abc=/ws?x=1", "tok")
	require.NoError(t, err)
	assert.Contains(t, u, "authentication_token=tok")
	assert.Contains(t, u, "x=1")

	u, err = withCredentials("ws://127.0.0.1:8181/ws", "")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8181/ws", u)
}
