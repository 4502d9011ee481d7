package flutterbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/shaharia-lab/flutterbridge/observability"
)

const (
	sseSessionBuffer = 32
	sseEnqueueWait   = 100 * time.Millisecond
	sseShutdownWait  = 5 * time.Second
)

var ErrSessionNotFound = errors.New("session not found")

type sseSession struct {
	id         string
	out        chan []byte
	dispatcher *Dispatcher
}

// SSEServer serves the tool protocol over Server-Sent Events: clients open a
// stream on /events and POST frames to the endpoint announced on it.
type SSEServer struct {
	*BaseServer
	address string

	sessionsMu sync.RWMutex
	sessions   map[string]*sseSession

	done      chan struct{}
	closeOnce sync.Once
}

// NewSSEServer creates a new SSEServer listening on the base server's SSE
// address and attaches it as the notification transport.
func NewSSEServer(baseServer *BaseServer) *SSEServer {
	s := &SSEServer{
		BaseServer: baseServer,
		address:    baseServer.sseServerAddress,
		sessions:   make(map[string]*sseSession),
		done:       make(chan struct{}),
	}
	baseServer.dispatcher.SetSender(s.broadcast)
	return s
}

// SetAddress allows setting the server's listening address.
func (s *SSEServer) SetAddress(address string) {
	s.address = address
}

// Handler returns the HTTP routes of the server.
func (s *SSEServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/message", s.handleMessage)
	return withCORS(mux)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled, then closes every stream and shuts the
// HTTP server down.
func (s *SSEServer) Run(ctx context.Context) (err error) {
	ctx, span := observability.StartSpan(ctx, "SSEServer.Run")
	defer func() { observability.EndSpan(span, err) }()

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.WithFields(map[string]interface{}{"address": listener.Addr().String()}).Info("SSE server listening")
		serveErr <- srv.Serve(listener)
	}()

	select {
	case err = <-serveErr:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("sse server failed: %w", err)
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), sseShutdownWait)
	defer cancel()
	if err = srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down sse server: %w", err)
	}
	return nil
}

// Close ends every open stream. It is safe to call more than once.
func (s *SSEServer) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// SessionCount returns the number of open streams.
func (s *SSEServer) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

func (s *SSEServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		s.logger.WithErr(err).Error("Failed to upgrade SSE session")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Every stream passes the handshake on its own gate.
	session := &sseSession{
		id:         uuid.NewString(),
		out:        make(chan []byte, sseSessionBuffer),
		dispatcher: s.dispatcher.Fork(),
	}
	logger := s.logger.WithFields(map[string]interface{}{"clientID": session.id})

	// Registered before the endpoint is announced so an immediate POST finds it.
	s.sessionsMu.Lock()
	s.sessions[session.id] = session
	s.sessionsMu.Unlock()
	logger.Info("SSE client connected")

	defer func() {
		s.sessionsMu.Lock()
		delete(s.sessions, session.id)
		s.sessionsMu.Unlock()
		logger.Info("SSE client disconnected")
	}()

	endpoint := sse.Message{Type: sse.Type("endpoint")}
	endpoint.AppendData(fmt.Sprintf("/message?sessionID=%s", session.id))
	if err := sess.Send(&endpoint); err != nil {
		logger.WithErr(err).Error("Failed to send endpoint event")
		return
	}
	if err := sess.Flush(); err != nil {
		logger.WithErr(err).Error("Failed to flush endpoint event")
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case frame := <-session.out:
			msg := sse.Message{Type: sse.Type("message")}
			msg.AppendData(string(frame))
			if err := sess.Send(&msg); err != nil {
				logger.WithErr(err).Error("Failed to send message event")
				return
			}
			if err := sess.Flush(); err != nil {
				logger.WithErr(err).Error("Failed to flush message event")
				return
			}
		}
	}
}

func (s *SSEServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx, span := observability.StartSpan(r.Context(), "SSEServer.handleMessage")
	var err error
	defer func() { observability.EndSpan(span, err) }()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("sessionID")
	if sessionID == "" {
		err = errors.New("missing sessionID")
		http.Error(w, "Missing sessionID", http.StatusBadRequest)
		return
	}
	session, ok := s.session(sessionID)
	if !ok {
		err = fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, stdioMaxFrame))
	if err != nil {
		s.logger.WithErr(err).Error("Error reading request body")
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	s.logger.WithFields(map[string]interface{}{
		"clientID":       sessionID,
		"message_length": len(body),
	}).Debug("Received message from client")

	if reply := session.dispatcher.Handle(ctx, body); reply != nil {
		if err = s.enqueue(session, reply); err != nil {
			s.logger.WithFields(map[string]interface{}{"clientID": sessionID}).WithErr(err).Warn("Dropping reply")
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *SSEServer) session(id string) (*sseSession, bool) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

func (s *SSEServer) enqueue(session *sseSession, frame []byte) error {
	timer := time.NewTimer(sseEnqueueWait)
	defer timer.Stop()
	select {
	case session.out <- frame:
		return nil
	case <-s.done:
		return errors.New("server closed")
	case <-timer.C:
		return fmt.Errorf("session %s buffer full", session.id)
	}
}

// broadcast hands a notification to every open stream without blocking.
func (s *SSEServer) broadcast(frame []byte) error {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	for _, session := range s.sessions {
		select {
		case session.out <- frame:
		default:
			s.logger.WithFields(map[string]interface{}{"clientID": session.id}).Warn("Client message buffer full, dropping notification")
		}
	}
	return nil
}
