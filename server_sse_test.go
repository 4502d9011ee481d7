package flutterbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"
)

type sseEvent struct {
	typ  string
	data string
}

// openStream connects to /events and forwards every event it reads.
func openStream(t *testing.T, baseURL string) <-chan sseEvent {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := make(chan sseEvent, 16)
	go func() {
		defer resp.Body.Close()
		defer close(events)
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return
			}
			events <- sseEvent{typ: ev.Type, data: ev.Data}
		}
	}()
	return events
}

func nextEvent(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return sseEvent{}
	}
}

func post(t *testing.T, url, body string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestSSEServerSession(t *testing.T) {
	base := newTestServer(t)
	server := NewSSEServer(base)
	httpSrv := httptest.NewServer(server.Handler())
	t.Cleanup(httpSrv.Close)
	t.Cleanup(server.Close)

	events := openStream(t, httpSrv.URL)

	endpoint := nextEvent(t, events)
	require.Equal(t, "endpoint", endpoint.typ)
	require.True(t, strings.HasPrefix(endpoint.data, "/message?sessionID="), endpoint.data)
	assert.Equal(t, 1, server.SessionCount())

	assert.Equal(t, http.StatusAccepted, post(t, httpSrv.URL+endpoint.data, initializeFrame))
	reply := nextEvent(t, events)
	assert.Equal(t, "message", reply.typ)
	assert.Contains(t, reply.data, `"protocolVersion":"2024-11-05"`)
	assert.Contains(t, reply.data, `"id":1`)

	assert.Equal(t, http.StatusAccepted, post(t, httpSrv.URL+endpoint.data, `{"protocolVersion":"2.0","method":"notifications/initialized"}`))

	base.LogMessage(LogLevelWarning, "vm_service", "hot reload")
	note := nextEvent(t, events)
	assert.Equal(t, `{"protocolVersion":"2.0","method":"notifications/message","params":{"level":"warning","logger":"vm_service","data":"hot reload"}}`, note.data)
}

func TestSSEServerHandshakePerSession(t *testing.T) {
	server := NewSSEServer(newTestServer(t))
	httpSrv := httptest.NewServer(server.Handler())
	t.Cleanup(httpSrv.Close)
	t.Cleanup(server.Close)

	first := openStream(t, httpSrv.URL)
	firstEndpoint := nextEvent(t, first).data
	second := openStream(t, httpSrv.URL)
	secondEndpoint := nextEvent(t, second).data
	require.NotEqual(t, firstEndpoint, secondEndpoint)

	require.Equal(t, http.StatusAccepted, post(t, httpSrv.URL+firstEndpoint, initializeFrame))
	assert.Contains(t, nextEvent(t, first).data, `"serverInfo"`)

	require.Equal(t, http.StatusAccepted, post(t, httpSrv.URL+secondEndpoint, `{"protocolVersion":"2.0","method":"tools/list","id":2}`))
	assert.Contains(t, nextEvent(t, second).data, `"code":-32000`, "the first session's handshake does not open the second")

	require.Equal(t, http.StatusAccepted, post(t, httpSrv.URL+secondEndpoint, initializeFrame))
	assert.Contains(t, nextEvent(t, second).data, `"serverInfo"`)

	require.Equal(t, http.StatusAccepted, post(t, httpSrv.URL+firstEndpoint, initializeFrame))
	assert.Contains(t, nextEvent(t, first).data, `"code":-32600`, "a session initializes only once")
}

func TestSSEServerMessageErrors(t *testing.T) {
	server := NewSSEServer(newTestServer(t))
	httpSrv := httptest.NewServer(server.Handler())
	t.Cleanup(httpSrv.Close)
	t.Cleanup(server.Close)

	assert.Equal(t, http.StatusBadRequest, post(t, httpSrv.URL+"/message", `{}`))
	assert.Equal(t, http.StatusNotFound, post(t, httpSrv.URL+"/message?sessionID=unknown", `{}`))

	resp, err := http.Get(httpSrv.URL + "/message?sessionID=x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSSEServerCloseEndsStreams(t *testing.T) {
	server := NewSSEServer(newTestServer(t))
	httpSrv := httptest.NewServer(server.Handler())
	t.Cleanup(httpSrv.Close)

	events := openStream(t, httpSrv.URL)
	nextEvent(t, events)

	server.Close()
	select {
	case _, ok := <-events:
		assert.False(t, ok, "stream should end")
	case <-time.After(2 * time.Second):
		t.Fatal("stream still open after Close")
	}
	assert.Eventually(t, func() bool { return server.SessionCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSSEServerRun(t *testing.T) {
	base, err := NewBaseServer(UseSSEServerAddress("127.0.0.1:0"))
	require.NoError(t, err)
	server := NewSSEServer(base)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(sseShutdownWait + time.Second):
		t.Fatal("Run did not stop")
	}
}
