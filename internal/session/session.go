// Package session persists conversation sessions as one JSON file per
// session under ~/.snow/sessions/<project-id>/<session-id>.json, grounded in
// the teacher's atomic write-temp-then-rename pattern, replacing the
// teacher's SQLite-backed store now that sessions are small, human-readable
// documents rather than a relational store's rows.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a session id has no file on disk.
var ErrNotFound = errors.New("session: not found")

// Role mirrors the message-model roles from the spec's data model.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Image is an ordered image attachment on a message.
type Image struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// ToolCall is the assistant-issued request a tool message responds to.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one entry in a session's ordered history.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Images     []Image    `json:"images,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	Thinking   string     `json:"thinking,omitempty"`
	Timestamp  int64      `json:"timestamp"`
}

// HasToolCalls reports whether this assistant message opens a tool-call
// block.
func (m Message) HasToolCalls() bool { return len(m.ToolCalls) > 0 }

// Session is the full persisted document for one conversation.
type Session struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"projectId"`
	Title          string    `json:"title"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Messages       []Message `json:"messages"`
	AlwaysApproved []string  `json:"alwaysApproved"`
	AgentID        string    `json:"agentId,omitempty"` // active sub-agent persona; "" is the root agent
}

// Header is the subset of fields a listing reads without parsing the full
// message body.
type Header struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store owns the on-disk session documents under <dataDir>/sessions. The
// content-addressed file snapshot blobs are kept by the separate Snapshots
// type.
type Store struct {
	root string // <user-home>/.snow

	mu       sync.Mutex
	writeMus map[string]*sync.Mutex // per-session single-writer
}

// New opens a store rooted at dataDir (typically ~/.snow).
func New(dataDir string) *Store {
	return &Store{root: dataDir, writeMus: make(map[string]*sync.Mutex)}
}

func (s *Store) sessionPath(projectID, sessionID string) string {
	return filepath.Join(s.root, "sessions", projectID, sessionID+".json")
}

func (s *Store) lockFor(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.writeMus[sessionID]
	if !ok {
		m = &sync.Mutex{}
		s.writeMus[sessionID] = m
	}
	return m
}

// Create makes a new empty session for a project.
func (s *Store) Create(ctx context.Context, projectID, title string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []Message{},
	}
	if err := s.Save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Load reads the session sessions/<projectID>/<sessionID>.json. Only that
// project's directory is read; a missing file yields ErrNotFound.
func (s *Store) Load(ctx context.Context, projectID, sessionID string) (*Session, error) {
	path := s.sessionPath(projectID, sessionID)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: read %s: %w", path, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", path, err)
	}
	return &sess, nil
}

// Save writes the session atomically (write-temp + rename), serialized per
// session id so concurrent turns on the same session can't interleave
// writes.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	mu := s.lockFor(sess.ID)
	mu.Lock()
	defer mu.Unlock()

	sess.UpdatedAt = time.Now()
	path := s.sessionPath(sess.ProjectID, sess.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("session: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("session: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("session: rename: %w", err)
	}
	return nil
}

// Delete removes a session's file.
func (s *Store) Delete(ctx context.Context, projectID, sessionID string) error {
	path := s.sessionPath(projectID, sessionID)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("session: delete %s: %w", path, err)
	}
	return nil
}

// List returns a page of session headers for a project, ordered by
// updatedAt descending, optionally filtered by a substring match against
// title or the last user message's content.
func (s *Store) List(ctx context.Context, projectID string, page, pageSize int, query string) ([]Header, int, error) {
	dir := filepath.Join(s.root, "sessions", projectID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("session: list %s: %w", dir, err)
	}

	var headers []Header
	query = strings.ToLower(query)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		sess, err := s.Load(ctx, projectID, id)
		if err != nil {
			continue
		}
		if query != "" && !matchesQuery(sess, query) {
			continue
		}
		headers = append(headers, Header{ID: sess.ID, ProjectID: sess.ProjectID, Title: sess.Title, CreatedAt: sess.CreatedAt, UpdatedAt: sess.UpdatedAt})
	}

	sort.Slice(headers, func(i, j int) bool { return headers[i].UpdatedAt.After(headers[j].UpdatedAt) })

	total := len(headers)
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	start := (page - 1) * pageSize
	if start >= total {
		return []Header{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return headers[start:end], total, nil
}

func matchesQuery(sess *Session, query string) bool {
	if strings.Contains(strings.ToLower(sess.Title), query) {
		return true
	}
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		if sess.Messages[i].Role == RoleUser {
			return strings.Contains(strings.ToLower(sess.Messages[i].Content), query)
		}
	}
	return false
}

// FindToolCallBlock returns [start, end) covering the assistant message at
// idx (which must carry tool_calls) through its full set of matching tool
// responses, for the insertion-safety helper in agentloop.
func FindToolCallBlock(messages []Message, idx int) (start, end int) {
	if idx < 0 || idx >= len(messages) || !messages[idx].HasToolCalls() {
		return idx, idx
	}
	start = idx
	end = idx + 1
	want := len(messages[idx].ToolCalls)
	seen := 0
	for end < len(messages) && messages[end].Role == RoleTool && seen < want {
		seen++
		end++
	}
	return start, end
}
