package flutterbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"

	"github.com/shaharia-lab/flutterbridge/jsonrpc"
	"github.com/shaharia-lab/flutterbridge/observability"
)

// MethodHandler serves one method. Returning a *jsonrpc.Error sends that error
// unchanged; any other error is reported as an internal error.
type MethodHandler func(ctx context.Context, params json.RawMessage) (any, error)

// HandshakeState is the one-way gate a Dispatcher passes through once.
type HandshakeState int32

const (
	Uninitialized HandshakeState = iota
	Initialized
)

func (s HandshakeState) String() string {
	if s == Initialized {
		return "initialized"
	}
	return "uninitialized"
}

var (
	ErrAlreadyInitialized = errors.New("server already initialized")
	ErrNoTransport        = errors.New("no transport attached")
)

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func UseDispatcherLogger(logger observability.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// UseAllowList replaces the methods accepted before the handshake completes.
func UseAllowList(methods ...string) DispatcherOption {
	return func(d *Dispatcher) {
		d.allow = make(map[string]struct{}, len(methods))
		for _, m := range methods {
			d.allow[m] = struct{}{}
		}
	}
}

func UseDispatcherDialect(dialect jsonrpc.Dialect) DispatcherOption {
	return func(d *Dispatcher) {
		d.dialect = dialect
	}
}

type registry map[string]MethodHandler

// registryStore is the copy-on-write method table. Forked dispatchers share it.
type registryStore struct {
	mu      sync.Mutex
	methods atomic.Pointer[registry]
}

func (r *registryStore) load() registry {
	return *r.methods.Load()
}

type dispatcherKey struct{}

// DispatcherFromContext returns the Dispatcher handling the current frame, or
// nil outside of Handle.
func DispatcherFromContext(ctx context.Context) *Dispatcher {
	d, _ := ctx.Value(dispatcherKey{}).(*Dispatcher)
	return d
}

// Dispatcher is the server-side engine: it decodes one frame, routes it through
// the handshake gate and the method registry and encodes the reply. Handle is
// safe for concurrent use, also while methods are being registered.
type Dispatcher struct {
	logger  observability.Logger
	dialect jsonrpc.Dialect
	allow   map[string]struct{}

	reg *registryStore

	state  atomic.Int32
	sender atomic.Pointer[func([]byte) error]
}

// NewDispatcher returns an Uninitialized dispatcher with an empty registry.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		logger:  observability.NewNullLogger(),
		dialect: jsonrpc.Default,
		allow: map[string]struct{}{
			"initialize": {},
			"ping":       {},
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	empty := registry{}
	d.reg = &registryStore{}
	d.reg.methods.Store(&empty)
	return d
}

// Fork returns an Uninitialized dispatcher with its own handshake gate that
// shares d's method registry, so registrations on either are seen by both. The
// fork starts with d's current sender.
func (d *Dispatcher) Fork() *Dispatcher {
	f := &Dispatcher{
		logger:  d.logger,
		dialect: d.dialect,
		allow:   d.allow,
		reg:     d.reg,
	}
	f.sender.Store(d.sender.Load())
	return f
}

// Register adds or replaces the handler for name.
func (d *Dispatcher) Register(name string, handler MethodHandler) {
	d.mutate(func(r registry) { r[name] = handler })
}

// Unregister removes name. Unknown names are ignored.
func (d *Dispatcher) Unregister(name string) {
	d.mutate(func(r registry) { delete(r, name) })
}

func (d *Dispatcher) mutate(fn func(registry)) {
	d.reg.mu.Lock()
	defer d.reg.mu.Unlock()

	current := d.reg.load()
	next := make(registry, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	fn(next)
	d.reg.methods.Store(&next)
}

// Has reports whether name is registered.
func (d *Dispatcher) Has(name string) bool {
	_, ok := d.reg.load()[name]
	return ok
}

// Methods returns the registered method names in sorted order.
func (d *Dispatcher) Methods() []string {
	r := d.reg.load()
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarkInitialized moves the gate to Initialized. It fails if the gate is
// already open.
func (d *Dispatcher) MarkInitialized() error {
	if !d.state.CompareAndSwap(int32(Uninitialized), int32(Initialized)) {
		return ErrAlreadyInitialized
	}
	return nil
}

// State returns the handshake state.
func (d *Dispatcher) State() HandshakeState {
	return HandshakeState(d.state.Load())
}

// SetSender attaches the transport used by Notify.
func (d *Dispatcher) SetSender(send func(frame []byte) error) {
	if send == nil {
		d.sender.Store(nil)
		return
	}
	d.sender.Store(&send)
}

// Notify pushes a notification through the attached transport without waiting
// for any acknowledgement.
func (d *Dispatcher) Notify(method string, params any) error {
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	frame, err := d.dialect.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification %s: %w", method, err)
	}
	send := d.sender.Load()
	if send == nil {
		return ErrNoTransport
	}
	return (*send)(frame)
}

func (d *Dispatcher) allowed(method string) bool {
	if d.State() == Initialized {
		return true
	}
	_, ok := d.allow[method]
	return ok
}

// Handle processes one inbound frame and returns the reply frame, or nil when
// no reply is due (notifications and stray responses).
func (d *Dispatcher) Handle(ctx context.Context, frame []byte) []byte {
	ctx, span := observability.StartSpan(ctx, "Dispatcher.Handle")
	ctx = context.WithValue(ctx, dispatcherKey{}, d)
	var err error
	defer func() { observability.EndSpan(span, err) }()

	msg, parseErr := d.dialect.Parse(frame)
	if parseErr != nil {
		err = parseErr
		d.logger.WithErr(parseErr).Warn("Rejecting malformed frame")
		return d.encode(jsonrpc.NewErrorResponse(jsonrpc.NullID(), parseFailure(parseErr)))
	}

	switch m := msg.(type) {
	case *jsonrpc.Request:
		span.SetAttributes(attribute.String("method", m.Method), attribute.String("id", m.ID.String()))
		resp := d.handleRequest(ctx, m)
		if resp.Error != nil {
			err = resp.Error
		}
		return d.encode(resp)
	case *jsonrpc.Notification:
		span.SetAttributes(attribute.String("method", m.Method))
		d.handleNotification(ctx, m)
		return nil
	default:
		d.logger.Debug("Ignoring response frame sent to the server")
		return nil
	}
}

func (d *Dispatcher) handleRequest(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	logger := d.logger.WithFields(map[string]interface{}{"method": req.Method, "id": req.ID.String()})

	if !d.allowed(req.Method) {
		logger.Warn("Rejecting request before initialization")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeNotInitialized, "", nil))
	}

	handler, ok := d.reg.load()[req.Method]
	if !ok {
		logger.Warn("Method not found")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "", req.Method))
	}

	logger.Debug("Dispatching request")
	result, err := invoke(ctx, handler, req.Params)
	if err != nil {
		logger.WithErr(err).Error("Request handler failed")
		return jsonrpc.NewErrorResponse(req.ID, asRPCError(err))
	}

	resp, err := jsonrpc.NewResult(req.ID, result)
	if err != nil {
		logger.WithErr(err).Error("Failed to encode handler result")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.NewError(jsonrpc.CodeInternalError, "", err.Error()))
	}
	return resp
}

func (d *Dispatcher) handleNotification(ctx context.Context, n *jsonrpc.Notification) {
	logger := d.logger.WithFields(map[string]interface{}{"method": n.Method})

	if !d.allowed(n.Method) {
		logger.Debug("Dropping notification before initialization")
		return
	}
	handler, ok := d.reg.load()[n.Method]
	if !ok {
		logger.Debug("No handler for notification")
		return
	}
	if _, err := invoke(ctx, handler, n.Params); err != nil {
		logger.WithErr(err).Warn("Notification handler failed")
	}
}

// invoke runs handler and converts a panic into an error.
func invoke(ctx context.Context, handler MethodHandler, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, params)
}

// asRPCError sends a *jsonrpc.Error returned by the handler itself unchanged.
// Anything else, including a wrapped downstream *jsonrpc.Error, is an internal
// error carrying the full failure text as data.
func asRPCError(err error) *jsonrpc.Error {
	if rpcErr, ok := err.(*jsonrpc.Error); ok {
		return rpcErr
	}
	return jsonrpc.NewError(jsonrpc.CodeInternalError, "", err.Error())
}

// parseFailure reports any frame that does not decode into a message as a
// parse error, with the reason as data.
func parseFailure(err error) *jsonrpc.Error {
	reason := err.Error()
	if rpcErr, ok := err.(*jsonrpc.Error); ok {
		if r := rpcErr.DataString(); r != "" {
			reason = r
		}
	}
	return jsonrpc.NewError(jsonrpc.CodeParseError, "", reason)
}

func (d *Dispatcher) encode(resp *jsonrpc.Response) []byte {
	out, err := d.dialect.Marshal(resp)
	if err != nil {
		d.logger.WithErr(err).Error("Failed to encode response")
		out, _ = d.dialect.Marshal(jsonrpc.NewErrorResponse(resp.ID, jsonrpc.NewError(jsonrpc.CodeInternalError, "", nil)))
	}
	return out
}
