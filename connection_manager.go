package flutterbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/shaharia-lab/flutterbridge/observability"
	"github.com/shaharia-lab/flutterbridge/vmservice"
)

// DefaultConnection is the slot the Flutter tools use.
const DefaultConnection = "default"

var ErrNoConnection = errors.New("not connected to any Flutter instance")

// VMClient is the part of *vmservice.Client the connection manager needs.
type VMClient interface {
	Connect(ctx context.Context, endpoint, credentials string) error
	Disconnect() error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Endpoint() string
	State() vmservice.ConnectionState
	Subscribe(sink vmservice.EventSink) func()
}

type slot struct {
	id     string
	client VMClient
}

// ManagerOption configures a ConnectionManager.
type ManagerOption func(*ConnectionManager)

func UseManagerLogger(logger observability.Logger) ManagerOption {
	return func(m *ConnectionManager) {
		m.logger = logger
	}
}

// UseEventSink subscribes sink on every client the manager creates.
func UseEventSink(sink vmservice.EventSink) ManagerOption {
	return func(m *ConnectionManager) {
		m.sinks = append(m.sinks, sink)
	}
}

// ConnectionManager owns named VM service connections so tools share one
// connection per slot instead of a process-wide singleton.
type ConnectionManager struct {
	factory func() VMClient
	logger  observability.Logger
	sinks   []vmservice.EventSink

	mu    sync.Mutex
	slots map[string]*slot
}

// NewConnectionManager creates an empty manager. factory builds a fresh,
// disconnected client for each new connection.
func NewConnectionManager(factory func() VMClient, opts ...ManagerOption) *ConnectionManager {
	m := &ConnectionManager{
		factory: factory,
		logger:  observability.NewNullLogger(),
		slots:   make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ensure returns a connected client for name. A live connection to the same
// endpoint is reused; anything else in the slot is disconnected and replaced.
func (m *ConnectionManager) Ensure(ctx context.Context, name, endpoint, credentials string) (VMClient, bool, error) {
	ctx, span := observability.StartSpan(ctx, "ConnectionManager.Ensure")
	var err error
	defer func() { observability.EndSpan(span, err) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.slots[name]; ok {
		if current.client.State() == vmservice.Connected && current.client.Endpoint() == endpoint {
			return current.client, true, nil
		}
		m.logger.WithFields(map[string]interface{}{
			"slot":         name,
			"connectionID": current.id,
			"endpoint":     current.client.Endpoint(),
		}).Info("Replacing connection")
		_ = current.client.Disconnect()
		delete(m.slots, name)
	}

	client := m.factory()
	if err = client.Connect(ctx, endpoint, credentials); err != nil {
		return nil, false, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	for _, sink := range m.sinks {
		client.Subscribe(sink)
	}

	s := &slot{id: uuid.NewString(), client: client}
	m.slots[name] = s
	m.logger.WithFields(map[string]interface{}{
		"slot":         name,
		"connectionID": s.id,
		"endpoint":     endpoint,
	}).Info("Connected to VM service")
	return client, false, nil
}

// Get returns the client in name if it is still connected.
func (m *ConnectionManager) Get(name string) (VMClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[name]
	if !ok || s.client.State() != vmservice.Connected {
		return nil, ErrNoConnection
	}
	return s.client, nil
}

// Release disconnects and clears name. It reports whether the slot held a
// connected client.
func (m *ConnectionManager) Release(name string) (bool, error) {
	m.mu.Lock()
	s, ok := m.slots[name]
	delete(m.slots, name)
	m.mu.Unlock()

	if !ok {
		return false, nil
	}
	wasConnected := s.client.State() == vmservice.Connected
	if err := s.client.Disconnect(); err != nil {
		return wasConnected, fmt.Errorf("failed to disconnect %s: %w", name, err)
	}
	m.logger.WithFields(map[string]interface{}{
		"slot":         name,
		"connectionID": s.id,
	}).Info("Released connection")
	return wasConnected, nil
}

// Names returns the occupied slot names in sorted order.
func (m *ConnectionManager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.slots))
	for name := range m.slots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases every slot.
func (m *ConnectionManager) Close() error {
	var errs []error
	for _, name := range m.Names() {
		if _, err := m.Release(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
