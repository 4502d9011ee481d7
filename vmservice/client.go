package vmservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaharia-lab/flutterbridge/jsonrpc"
	"github.com/shaharia-lab/flutterbridge/observability"
)

// ConnectionState represents the lifecycle of a Client connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Closing
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

var (
	ErrNotConnected     = errors.New("vm service client is not connected")
	ErrAlreadyConnected = errors.New("vm service client is already connected")
)

// Event is one pushed stream notification.
type Event struct {
	StreamID string
	Kind     string
	Event    json.RawMessage
	Params   json.RawMessage
}

// EventSink receives events on the connection's I/O goroutine, in arrival
// order. A sink must not block on Call or Disconnect against the same Client;
// it may call DisconnectAsync.
type EventSink func(Event)

type session struct {
	conn Conn
	done chan struct{}
}

type subscription struct {
	id   uint64
	sink EventSink
}

// Client correlates requests with replies over one connection at a time. Every
// open connection is served by exactly one I/O goroutine that reads frames,
// resolves pending calls and delivers events.
type Client struct {
	cfg    clientConfig
	dialer Dialer

	mu       sync.Mutex
	state    ConnectionState
	endpoint string
	sess     *session
	closing  *session
	nextID   int64
	pending  map[int64]*Future

	sinkMu  sync.RWMutex
	sinks   []subscription
	sinkSeq uint64
}

// NewClient creates a disconnected client.
func NewClient(dialer Dialer, opts ...ClientOption) *Client {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if dialer == nil {
		dialer = NewWebSocketDialer()
	}
	return &Client{
		cfg:     cfg,
		dialer:  dialer,
		state:   Disconnected,
		pending: make(map[int64]*Future),
	}
}

// Connect opens a connection to endpoint and starts its I/O goroutine. It waits
// at most the connect timeout for the transport to open; on failure the client
// is left Disconnected with nothing half-open.
func (c *Client) Connect(ctx context.Context, endpoint, credentials string) error {
	ctx, span := observability.StartSpan(ctx, "vmservice.Connect",
		trace.WithAttributes(attribute.String("endpoint", endpoint)))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	c.mu.Lock()
	c.settle()
	if c.state != Disconnected {
		current := c.endpoint
		c.mu.Unlock()
		err = fmt.Errorf("%w: %s", ErrAlreadyConnected, current)
		return err
	}
	c.state = Connecting
	c.endpoint = endpoint
	c.mu.Unlock()

	logger := c.cfg.logger.WithFields(map[string]interface{}{"endpoint": endpoint})
	logger.Debug("Connecting to VM service")

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.connectTimeout)
	defer cancel()

	conn, dialErr := c.dial(dialCtx, endpoint, credentials)
	if dialErr != nil {
		c.mu.Lock()
		if c.state == Connecting {
			c.state = Disconnected
			c.endpoint = ""
		}
		c.mu.Unlock()
		err = fmt.Errorf("failed to connect to %s: %w", endpoint, dialErr)
		logger.WithErr(dialErr).Debug("Connection failed")
		return err
	}

	s := &session{conn: conn, done: make(chan struct{})}

	c.mu.Lock()
	if c.state != Connecting {
		// Disconnect was called while the dial was in flight.
		c.mu.Unlock()
		_ = conn.Close()
		err = jsonrpc.NewError(jsonrpc.CodeConnectionClosed, "", "disconnected while connecting")
		return err
	}
	c.sess = s
	c.state = Connected
	c.nextID = 0
	c.pending = make(map[int64]*Future)
	c.mu.Unlock()

	go c.readLoop(s)

	logger.Info("Connected to VM service")
	return nil
}

func (c *Client) dial(ctx context.Context, endpoint, credentials string) (Conn, error) {
	type dialResult struct {
		conn Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := c.dialer.Dial(ctx, endpoint, credentials)
		ch <- dialResult{conn: conn, err: err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, jsonrpc.NewError(jsonrpc.CodeTimeout, fmt.Sprintf("connect timed out after %s", c.cfg.connectTimeout), nil)
		}
		return nil, ctx.Err()
	}
}

// Call sends a request and blocks until its reply, a timeout, a disconnect or
// the cancellation of ctx. The deadline is ctx's when it has one, otherwise the
// configured call timeout.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, span := observability.StartSpan(ctx, "vmservice.Call",
		trace.WithAttributes(attribute.String("method", method)))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	var result json.RawMessage
	result, err = c.CallAsync(ctx, method, params).Result()
	return result, err
}

// CallAsync sends a request and returns immediately. The Future resolves with
// the same outcomes as Call.
func (c *Client) CallAsync(ctx context.Context, method string, params any) *Future {
	f := newFuture(method)

	if err := ctx.Err(); err != nil {
		f.resolve(nil, err)
		return f
	}

	raw, err := marshalParams(params)
	if err != nil {
		f.resolve(nil, err)
		return f
	}

	c.mu.Lock()
	if c.state != Connected || c.sess == nil {
		c.mu.Unlock()
		f.resolve(nil, fmt.Errorf("%w: cannot call %s", ErrNotConnected, method))
		return f
	}
	c.nextID++
	id := c.nextID
	s := c.sess

	frame, err := c.cfg.dialect.Marshal(&jsonrpc.Request{Method: method, Params: raw, ID: jsonrpc.IntID(id)})
	if err != nil {
		c.mu.Unlock()
		f.resolve(nil, err)
		return f
	}

	// The entry and its expiry hooks are installed under the table lock, so
	// neither a reply nor an expiry can observe a half-registered call.
	c.pending[id] = f
	c.armExpiry(ctx, id, f)
	c.mu.Unlock()

	c.cfg.logger.WithFields(map[string]interface{}{"method": method, "id": id}).Debug("Sending request")

	if err := s.conn.WriteFrame(frame); err != nil {
		c.expire(id, f, fmt.Errorf("failed to send %s: %w", method, err))
	}
	return f
}

func (c *Client) armExpiry(ctx context.Context, id int64, f *Future) {
	if _, ok := ctx.Deadline(); !ok {
		timeout := c.cfg.callTimeout
		t := time.AfterFunc(timeout, func() {
			c.expire(id, f, timeoutError(f.method, timeout))
		})
		f.stops = append(f.stops, func() bool { return t.Stop() })
	}
	f.stops = append(f.stops, context.AfterFunc(ctx, func() {
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = timeoutError(f.method, 0)
		}
		c.expire(id, f, err)
	}))
}

// expire removes a still-pending call and fails it with cause. A call that has
// already left the table is being resolved elsewhere and is left alone.
func (c *Client) expire(id int64, f *Future, cause error) {
	c.mu.Lock()
	current, ok := c.pending[id]
	if ok && current == f {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok && current == f {
		c.cfg.logger.WithFields(map[string]interface{}{"method": f.method, "id": id}).
			WithErr(cause).Debug("Pending call abandoned")
		f.resolve(nil, cause)
	}
}

func timeoutError(method string, after time.Duration) *jsonrpc.Error {
	if after > 0 {
		return jsonrpc.NewError(jsonrpc.CodeTimeout, fmt.Sprintf("call %s timed out after %s", method, after), nil)
	}
	return jsonrpc.NewError(jsonrpc.CodeTimeout, fmt.Sprintf("call %s timed out", method), nil)
}

// Subscribe registers sink for event notifications. The returned function
// removes it.
func (c *Client) Subscribe(sink EventSink) func() {
	c.sinkMu.Lock()
	c.sinkSeq++
	id := c.sinkSeq
	c.sinks = append(c.sinks, subscription{id: id, sink: sink})
	c.sinkMu.Unlock()

	return func() {
		c.sinkMu.Lock()
		defer c.sinkMu.Unlock()
		for i, s := range c.sinks {
			if s.id == id {
				c.sinks = append(c.sinks[:i:i], c.sinks[i+1:]...)
				return
			}
		}
	}
}

// Disconnect closes the connection, fails every pending call with a
// connection-closed error and waits for the I/O goroutine to exit. It is
// idempotent. An EventSink must use DisconnectAsync instead, since the I/O
// goroutine cannot wait for itself.
func (c *Client) Disconnect() error {
	done := c.DisconnectAsync()
	<-done

	c.mu.Lock()
	c.settle()
	c.mu.Unlock()
	return nil
}

// DisconnectAsync tears the connection down like Disconnect but does not wait
// for the I/O goroutine. The returned channel is closed once it has exited;
// from then on the client is Disconnected and Connect may be called again.
func (c *Client) DisconnectAsync() <-chan struct{} {
	c.mu.Lock()
	s := c.sess
	if s == nil {
		if c.state == Connecting {
			c.state = Disconnected
			c.endpoint = ""
		}
		closing := c.closing
		c.mu.Unlock()
		if closing != nil {
			return closing.done
		}
		return closedChan
	}
	endpoint := c.endpoint
	c.state = Closing
	c.sess = nil
	c.closing = s
	pending := c.pending
	c.pending = make(map[int64]*Future)
	c.mu.Unlock()

	if err := s.conn.Close(); err != nil {
		c.cfg.logger.WithErr(err).Debug("Error closing connection")
	}
	failAll(pending, endpoint)

	c.cfg.logger.WithFields(map[string]interface{}{"endpoint": endpoint}).Info("Disconnected from VM service")
	return s.done
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// settle moves a Closing client whose I/O goroutine has exited to
// Disconnected. c.mu must be held.
func (c *Client) settle() {
	if c.closing == nil {
		return
	}
	select {
	case <-c.closing.done:
	default:
		return
	}
	c.closing = nil
	if c.state == Closing && c.sess == nil {
		c.state = Disconnected
		c.endpoint = ""
	}
}

func failAll(pending map[int64]*Future, endpoint string) {
	for _, f := range pending {
		f.resolve(nil, jsonrpc.NewError(jsonrpc.CodeConnectionClosed, "", endpoint))
	}
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Endpoint returns the endpoint of the current or in-progress connection.
func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// Pending returns the number of outstanding calls.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) readLoop(s *session) {
	defer func() {
		close(s.done)
		c.mu.Lock()
		c.settle()
		c.mu.Unlock()
	}()

	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			c.connectionLost(s, err)
			return
		}
		c.handleFrame(s, frame)
	}
}

// connectionLost tears down s after a read failure unless Disconnect already did.
func (c *Client) connectionLost(s *session, cause error) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	endpoint := c.endpoint
	c.sess = nil
	c.state = Disconnected
	c.endpoint = ""
	pending := c.pending
	c.pending = make(map[int64]*Future)
	c.mu.Unlock()

	_ = s.conn.Close()
	failAll(pending, endpoint)

	c.cfg.logger.WithFields(map[string]interface{}{"endpoint": endpoint, "failedCalls": len(pending)}).
		WithErr(cause).Warn("Connection to VM service lost")
}

func (c *Client) handleFrame(s *session, frame []byte) {
	msg, err := c.cfg.dialect.Parse(frame)
	if err != nil {
		c.cfg.logger.WithErr(err).Warn("Discarding unparsable frame")
		return
	}

	switch m := msg.(type) {
	case *jsonrpc.Response:
		c.resolve(m)
	case *jsonrpc.Notification:
		if m.Method != c.cfg.eventMethod {
			c.cfg.logger.WithFields(map[string]interface{}{"method": m.Method}).Debug("Discarding notification")
			return
		}
		c.deliver(s, m)
	default:
		c.cfg.logger.Debug("Discarding unexpected inbound request")
	}
}

func (c *Client) resolve(resp *jsonrpc.Response) {
	id, ok := resp.ID.Int()
	if !ok {
		c.cfg.logger.WithFields(map[string]interface{}{"id": resp.ID.String()}).Debug("Discarding response with foreign id")
		return
	}

	c.mu.Lock()
	f, found := c.pending[id]
	if found {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !found {
		c.cfg.logger.WithFields(map[string]interface{}{"id": id}).Debug("Dropping reply for unknown or expired call")
		return
	}

	if resp.Error != nil {
		f.resolve(nil, resp.Error)
		return
	}
	f.resolve(resp.Result, nil)
}

func (c *Client) deliver(s *session, n *jsonrpc.Notification) {
	var params struct {
		StreamID string          `json:"streamId"`
		Event    json.RawMessage `json:"event"`
	}
	_ = json.Unmarshal(n.Params, &params)
	var kind struct {
		Kind string `json:"kind"`
	}
	_ = json.Unmarshal(params.Event, &kind)

	ev := Event{StreamID: params.StreamID, Kind: kind.Kind, Event: params.Event, Params: n.Params}

	c.sinkMu.RLock()
	sinks := make([]subscription, len(c.sinks))
	copy(sinks, c.sinks)
	c.sinkMu.RUnlock()

	for _, sub := range sinks {
		c.invokeSink(sub.sink, ev)
	}
}

func (c *Client) invokeSink(sink EventSink, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.cfg.logger.WithFields(map[string]interface{}{"streamID": ev.StreamID, "panic": r}).Error("Event sink panicked")
		}
	}()
	sink(ev)
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		return raw, nil
	}
}

// Future is the handle returned by CallAsync.
type Future struct {
	method string
	done   chan struct{}
	once   sync.Once
	stops  []func() bool
	result json.RawMessage
	err    error
}

func newFuture(method string) *Future {
	return &Future{method: method, done: make(chan struct{})}
}

// Done is closed once the call reaches a terminal state.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the call completes.
func (f *Future) Result() (json.RawMessage, error) {
	<-f.done
	return f.result, f.err
}

func (f *Future) resolve(result json.RawMessage, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		for _, stop := range f.stops {
			stop()
		}
		close(f.done)
	})
}
