package vmservice

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one open duplex connection carrying whole frames.
type Conn interface {
	// ReadFrame blocks until the next frame arrives. Any error means the
	// connection is closed or failed.
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// Dialer opens connections. Dial returning a Conn is the "open" signal; an error
// or ctx expiry is the "fail" signal.
type Dialer interface {
	Dial(ctx context.Context, endpoint, credentials string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, endpoint, credentials string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint, credentials string) (Conn, error) {
	return f(ctx, endpoint, credentials)
}

// AuthTokenParam is the query parameter carrying VM service credentials.
const AuthTokenParam = "authentication_token"

// WebSocketDialer dials VM service endpoints over WebSocket.
type WebSocketDialer struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	WriteTimeout time.Duration
	ReadLimit    int64
}

// NewWebSocketDialer returns a dialer with gorilla's default settings.
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		Dialer:       websocket.DefaultDialer,
		WriteTimeout: 10 * time.Second,
		ReadLimit:    64 << 20,
	}
}

// Dial implements Dialer. Non-empty credentials are appended to the endpoint
// query as authentication_token.
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint, credentials string) (Conn, error) {
	target, err := withCredentials(endpoint, credentials)
	if err != nil {
		return nil, err
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, resp, err := dialer.DialContext(ctx, target, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", endpoint, err)
	}
	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{ws: ws, writeTimeout: d.WriteTimeout}, nil
}

func withCredentials(endpoint, credentials string) (string, error) {
	if credentials == "" {
		return endpoint, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set(AuthTokenParam, credentials)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// wsConn serialises writes; gorilla allows one concurrent writer per connection.
type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.ws.Close()
}
