// Package sse implements the spec's §4.J transport: one exclusive SSE event
// stream per client connection, plus the POST/GET/DELETE endpoint table that
// drives it, grounded in the teacher's HTTP layer idiom (go-chi routing)
// generalized from request/response to a long-lived stream with out-of-band
// replies for confirmation/question round-trips.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/xonecas/snowcore/internal/session"
)

// Event is one message pushed down a connection's stream: JSON-encoded,
// "data: "-prefixed, blank-line-terminated, matching the spec's wire shape.
type Event struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
	RequestID string `json:"requestId,omitempty"`
}

// Connection is one open SSE stream: its outbound event channel, the
// session it's bound to (if any), and the pending out-of-band requests
// (confirmation/question) a POST /message can resolve.
type Connection struct {
	ID        string
	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	sessionID string
	projectID string

	pendingMu sync.Mutex
	pending   map[string]chan pendingReply
}

type pendingReply struct {
	decision string
	text     string
}

func newConnection() *Connection {
	return &Connection{
		ID:      uuid.NewString(),
		events:  make(chan Event, 64),
		closed:  make(chan struct{}),
		pending: make(map[string]chan pendingReply),
	}
}

// Send enqueues an event, dropping it if the connection's buffer is full and
// the client isn't draining (a stalled client shouldn't block the turn).
func (c *Connection) Send(eventType string, data any) {
	evt := Event{Type: eventType, Data: data, Timestamp: time.Now().UnixMilli()}
	select {
	case c.events <- evt:
	case <-c.closed:
	default:
		log.Warn().Str("connection", c.ID).Str("event", eventType).Msg("sse: dropping event, buffer full")
	}
}

// SendRequest enqueues an event carrying a requestId the client is expected
// to answer via POST /message, and registers a reply channel for it.
func (c *Connection) SendRequest(eventType string, data any, requestID string) {
	evt := Event{Type: eventType, Data: data, Timestamp: time.Now().UnixMilli(), RequestID: requestID}
	c.pendingMu.Lock()
	c.pending[requestID] = make(chan pendingReply, 1)
	c.pendingMu.Unlock()
	select {
	case c.events <- evt:
	case <-c.closed:
	}
}

// AwaitReply blocks until requestID's reply arrives or ctx is done.
func (c *Connection) AwaitReply(ctx context.Context, requestID string) (decision, text string, err error) {
	c.pendingMu.Lock()
	ch, ok := c.pending[requestID]
	c.pendingMu.Unlock()
	if !ok {
		return "", "", fmt.Errorf("sse: no pending request %s", requestID)
	}
	select {
	case r := <-ch:
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
		return r.decision, r.text, nil
	case <-ctx.Done():
		return "", "", ctx.Err()
	case <-c.closed:
		return "", "", fmt.Errorf("sse: connection %s closed while awaiting reply", c.ID)
	}
}

// Resolve delivers a reply for a pending request, used by POST /message's
// tool_confirmation_response / user_question_response handling.
func (c *Connection) Resolve(requestID, decision, text string) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[requestID]
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- pendingReply{decision: decision, text: text}:
		return true
	default:
		return false
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// BoundSession returns the session/project id this connection is bound to,
// if any.
func (c *Connection) BoundSession() (sessionID, projectID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.projectID, c.sessionID != ""
}

// Bind associates this connection with a session.
func (c *Connection) Bind(sessionID, projectID string) {
	c.mu.Lock()
	c.sessionID, c.projectID = sessionID, projectID
	c.mu.Unlock()
}

// Hub tracks every open connection, mirroring the spec's "each connection
// has an exclusive event stream" model.
type Hub struct {
	mu    sync.Mutex
	conns map[string]*Connection
}

// NewHub builds an empty connection registry.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Connection)}
}

// Register opens a new connection and tracks it.
func (h *Hub) Register() *Connection {
	c := newConnection()
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
	return c
}

// Unregister removes and closes a connection.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	c, ok := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()
	if ok {
		c.close()
	}
}

// Get returns the connection for id, if open.
func (h *Hub) Get(id string) (*Connection, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[id]
	return c, ok
}

// ByBoundSession finds the connection currently bound to sessionID, if any.
func (h *Hub) ByBoundSession(sessionID string) (*Connection, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		if sid, _, ok := c.BoundSession(); ok && sid == sessionID {
			return c, true
		}
	}
	return nil, false
}

// Count returns the number of open connections, for GET /health.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Engine is the subset of the agent core the transport drives. cmd/snow
// supplies the concrete implementation wiring agentloop/scheduler/hooks;
// this package stays free of that dependency graph so it can be tested in
// isolation with a fake.
type Engine interface {
	CreateSession(ctx context.Context, projectID, title string) (*session.Session, error)
	LoadSession(ctx context.Context, projectID, sessionID string) (*session.Session, error)
	ListSessions(ctx context.Context, projectID string, page, pageSize int, query string) ([]session.Header, int, error)
	DeleteSession(ctx context.Context, projectID, sessionID string) error
	RollbackPoints(ctx context.Context, sessionID string) (map[int]int, error)
	Rollback(ctx context.Context, projectID, sessionID string, target int) ([]string, error)

	// Chat runs one user turn against the given connection, streaming
	// message/tool_call/tool_result/thinking/usage/complete events onto it.
	Chat(ctx context.Context, conn *Connection, sess *session.Session, text string, images []session.Image) error
	Abort(sessionID string)
	SwitchAgent(ctx context.Context, conn *Connection, agentID string) error
	CompressContext(ctx context.Context, sessionID string, messages []session.Message) (string, error)
}

// Server wires the Hub and Engine into an http.Handler matching spec §4.J.
type Server struct {
	hub    *Hub
	engine Engine
	router chi.Router
}

// NewServer builds the router. allowedOrigins configures CORS for the
// SSE/POST endpoints (empty = same-origin only).
func NewServer(hub *Hub, engine Engine, allowedOrigins []string) *Server {
	s := &Server{hub: hub, engine: engine}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/events", s.handleEvents)
	r.Post("/session/create", s.handleSessionCreate)
	r.Post("/session/load", s.handleSessionLoad)
	r.Get("/session/list", s.handleSessionList)
	r.Delete("/session/{id}", s.handleSessionDelete)
	r.Post("/message", s.handleMessage)
	r.Post("/context/compress", s.handleCompress)
	r.Get("/session/rollback-points", s.handleRollbackPoints)
	r.Get("/health", s.handleHealth)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func connFromRequest(r *http.Request, hub *Hub) (*Connection, bool) {
	connID := r.Header.Get("X-Connection-Id")
	if connID == "" {
		connID = r.URL.Query().Get("connectionId")
	}
	if connID == "" {
		return nil, false
	}
	return hub.Get(connID)
}
