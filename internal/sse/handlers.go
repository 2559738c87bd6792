package sse

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/xonecas/snowcore/internal/session"
)

// handleEvents opens the exclusive SSE stream for one client: registers a
// connection, emits `connected`, and relays every subsequently-sent event
// until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	conn := s.hub.Register()
	defer s.hub.Unregister(conn.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Connection-Id", conn.ID)

	conn.Send("connected", map[string]string{"connectionId": conn.ID})

	ctx := r.Context()
	for {
		select {
		case evt := <-conn.events:
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

type sessionCreateRequest struct {
	ProjectID string `json:"projectId"`
	Title     string `json:"title"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "projectId is required")
		return
	}

	sess, err := s.engine.CreateSession(r.Context(), req.ProjectID, req.Title)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if conn, ok := connFromRequest(r, s.hub); ok {
		conn.Bind(sess.ID, sess.ProjectID)
	}
	writeJSON(w, http.StatusOK, sess)
}

type sessionLoadRequest struct {
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleSessionLoad(w http.ResponseWriter, r *http.Request) {
	var req sessionLoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	sess, err := s.engine.LoadSession(r.Context(), req.ProjectID, req.SessionID)
	if err != nil {
		if err == session.ErrNotFound {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if conn, ok := connFromRequest(r, s.hub); ok {
		conn.Bind(sess.ID, sess.ProjectID)
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	projectID := q.Get("projectId")
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("pageSize"))
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	headers, total, err := s.engine.ListSessions(r.Context(), projectID, page, pageSize, q.Get("q"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": headers,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}
	projectID := r.URL.Query().Get("projectId")

	if err := s.engine.DeleteSession(r.Context(), projectID, id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if conn, ok := s.hub.ByBoundSession(id); ok {
		conn.Bind("", "")
	}
	w.WriteHeader(http.StatusNoContent)
}

// messageEnvelope is the POST /message body: routed by Type.
type messageEnvelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	conn, ok := connFromRequest(r, s.hub)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown or missing connectionId")
		return
	}

	var env messageEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	switch env.Type {
	case "chat":
		s.handleChatMessage(w, r, conn, env)
	case "image":
		s.handleChatMessage(w, r, conn, env) // images ride the same chat path
	case "abort":
		sessionID, _, _ := conn.BoundSession()
		s.engine.Abort(sessionID)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "aborting"})
	case "rollback":
		s.handleRollbackMessage(w, r, conn, env)
	case "switch_agent":
		s.handleSwitchAgent(w, r, conn, env)
	case "tool_confirmation_response":
		s.handleConfirmationResponse(w, env)
	case "user_question_response":
		s.handleQuestionResponse(w, env)
	default:
		writeError(w, http.StatusBadRequest, "unknown message type: "+env.Type)
	}
}

type chatPayload struct {
	Text      string          `json:"text"`
	Images    []session.Image `json:"images,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

func (s *Server) handleChatMessage(w http.ResponseWriter, r *http.Request, conn *Connection, env messageEnvelope) {
	var payload chatPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid chat payload: "+err.Error())
		return
	}

	sessionID, projectID, bound := conn.BoundSession()
	if payload.SessionID != "" {
		sessionID = payload.SessionID
	}
	if !bound && sessionID == "" {
		writeError(w, http.StatusBadRequest, "no session bound to this connection")
		return
	}

	sess, err := s.engine.LoadSession(r.Context(), projectID, sessionID)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	go func() {
		if err := s.engine.Chat(r.Context(), conn, sess, payload.Text, payload.Images); err != nil {
			conn.Send("error", map[string]string{"message": err.Error()})
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "processing"})
}

type rollbackPayload struct {
	MessageIndex int `json:"messageIndex"`
}

func (s *Server) handleRollbackMessage(w http.ResponseWriter, r *http.Request, conn *Connection, env messageEnvelope) {
	var payload rollbackPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rollback payload: "+err.Error())
		return
	}
	sessionID, projectID, ok := conn.BoundSession()
	if !ok {
		writeError(w, http.StatusBadRequest, "no session bound to this connection")
		return
	}

	touched, err := s.engine.Rollback(r.Context(), projectID, sessionID, payload.MessageIndex)
	if err != nil {
		conn.Send("error", map[string]string{"message": err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	conn.Send("rollback_result", map[string]any{"touched": touched})
	writeJSON(w, http.StatusOK, map[string]any{"touched": touched})
}

type switchAgentPayload struct {
	AgentID string `json:"agentId"`
}

func (s *Server) handleSwitchAgent(w http.ResponseWriter, r *http.Request, conn *Connection, env messageEnvelope) {
	var payload switchAgentPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid switch_agent payload: "+err.Error())
		return
	}
	if err := s.engine.SwitchAgent(r.Context(), conn, payload.AgentID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conn.Send("agent_switched", map[string]string{"agentId": payload.AgentID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "switched"})
}

type confirmationResponsePayload struct {
	Decision string `json:"decision"` // approve | approve_always | reject | reject_with_reply
	Reply    string `json:"reply,omitempty"`
}

func (s *Server) handleConfirmationResponse(w http.ResponseWriter, env messageEnvelope) {
	var payload confirmationResponsePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid confirmation payload: "+err.Error())
		return
	}
	if env.RequestID == "" {
		writeError(w, http.StatusBadRequest, "requestId is required")
		return
	}
	conn, ok := connFromHub(s, env.RequestID)
	if !ok {
		writeError(w, http.StatusNotFound, "no pending request with that id")
		return
	}
	conn.Resolve(env.RequestID, payload.Decision, payload.Reply)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

type questionResponsePayload struct {
	Answer string `json:"answer"`
}

func (s *Server) handleQuestionResponse(w http.ResponseWriter, env messageEnvelope) {
	var payload questionResponsePayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid question payload: "+err.Error())
		return
	}
	if env.RequestID == "" {
		writeError(w, http.StatusBadRequest, "requestId is required")
		return
	}
	conn, ok := connFromHub(s, env.RequestID)
	if !ok {
		writeError(w, http.StatusNotFound, "no pending request with that id")
		return
	}
	conn.Resolve(env.RequestID, "answer", payload.Answer)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// connFromHub finds whichever open connection is holding requestID pending.
// A request id is only ever outstanding on the connection that issued it, so
// a linear scan over open connections is cheap and avoids a separate global
// request registry.
func connFromHub(s *Server, requestID string) (*Connection, bool) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	for _, c := range s.hub.conns {
		c.pendingMu.Lock()
		_, ok := c.pending[requestID]
		c.pendingMu.Unlock()
		if ok {
			return c, true
		}
	}
	return nil, false
}

type compressPayload struct {
	SessionID string            `json:"sessionId,omitempty"`
	Messages  []session.Message `json:"messages,omitempty"`
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	var payload compressPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	summary, err := s.engine.CompressContext(r.Context(), payload.SessionID, payload.Messages)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"summary": summary})
}

func (s *Server) handleRollbackPoints(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	points, err := s.engine.RollbackPoints(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rollbackPoints": points})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.hub.Count(),
	})
}
