package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xonecas/snowcore/internal/agentloop"
	"github.com/xonecas/snowcore/internal/approval"
	"github.com/xonecas/snowcore/internal/compress"
	"github.com/xonecas/snowcore/internal/config"
	"github.com/xonecas/snowcore/internal/hooks"
	"github.com/xonecas/snowcore/internal/mcp"
	"github.com/xonecas/snowcore/internal/mcppool"
	"github.com/xonecas/snowcore/internal/metrics"
	"github.com/xonecas/snowcore/internal/provider"
	"github.com/xonecas/snowcore/internal/scheduler"
	"github.com/xonecas/snowcore/internal/session"
	"github.com/xonecas/snowcore/internal/sse"
	"github.com/xonecas/snowcore/internal/subagent"
	"github.com/xonecas/snowcore/internal/toolregistry"
	"github.com/xonecas/snowcore/internal/tools"
)

// Engine implements sse.Engine, wiring every package into the operations
// the transport (and the CLI REPL) drive. One Engine serves every session
// in the process; per-turn state (approver, snapshot function) is built
// fresh for each Chat call from the session's own persisted settings.
type Engine struct {
	cfg           *config.Config
	provider      provider.Provider
	basicProvider provider.Provider
	registry      *toolregistry.Registry
	pool          *mcppool.Pool
	hooks         *hooks.Pipeline
	classifier    *approval.Classifier
	sessions      *session.Store
	snapshots     *session.Snapshots
	tracker       *subagent.Tracker
	runtime       *subagent.Runtime
	agents        []subagent.Agent
	todos         *tools.TodoList
	metrics       *metrics.Metrics
	yolo          bool
	dataDir       string
	hub           *sse.Hub
	escWatcher    scheduler.EscWatcher

	mu       sync.Mutex
	cancelBy map[string]context.CancelFunc
}

var _ sse.Engine = (*Engine)(nil)

func (e *Engine) CreateSession(ctx context.Context, projectID, title string) (*session.Session, error) {
	e.metrics.SessionOpened()
	return e.sessions.Create(ctx, projectID, title)
}

func (e *Engine) LoadSession(ctx context.Context, projectID, sessionID string) (*session.Session, error) {
	e.metrics.SessionOpened()
	return e.sessions.Load(ctx, projectID, sessionID)
}

func (e *Engine) ListSessions(ctx context.Context, projectID string, page, pageSize int, query string) ([]session.Header, int, error) {
	return e.sessions.List(ctx, projectID, page, pageSize, query)
}

func (e *Engine) DeleteSession(ctx context.Context, projectID, sessionID string) error {
	e.metrics.SessionClosed()
	return e.sessions.Delete(ctx, projectID, sessionID)
}

func (e *Engine) RollbackPoints(ctx context.Context, sessionID string) (map[int]int, error) {
	return e.snapshots.RollbackPoints(sessionID)
}

func (e *Engine) Rollback(ctx context.Context, projectID, sessionID string, target int) ([]string, error) {
	return e.snapshots.Rollback(sessionID, projectID, target)
}

// SwitchAgent changes which configured persona (system prompt + allowed
// tool set) the session's root turn loop runs as. An empty agentID
// switches back to the default root agent. The switch is persisted
// immediately so it survives a reconnect.
func (e *Engine) SwitchAgent(ctx context.Context, conn *sse.Connection, agentID string) error {
	if agentID != "" && e.findAgent(agentID) == nil {
		return fmt.Errorf("switch-agent: no such agent %q", agentID)
	}
	sessionID, projectID, ok := conn.BoundSession()
	if !ok {
		return fmt.Errorf("switch-agent: connection has no bound session")
	}
	sess, err := e.sessions.Load(ctx, projectID, sessionID)
	if err != nil {
		return fmt.Errorf("switch-agent: %w", err)
	}
	sess.AgentID = agentID
	if err := e.sessions.Save(ctx, sess); err != nil {
		return fmt.Errorf("switch-agent: %w", err)
	}
	conn.Send("agent_switched", map[string]string{"agentId": agentID})
	return nil
}

func (e *Engine) findAgent(agentID string) *subagent.Agent {
	for i := range e.agents {
		if e.agents[i].ID == agentID {
			return &e.agents[i]
		}
	}
	return nil
}

// CompressContext runs the context compressor over the supplied history and
// returns the resulting summary text, without mutating any session on disk
// — the caller (SSE handler, or the CLI) decides whether to persist it.
func (e *Engine) CompressContext(ctx context.Context, sessionID string, messages []session.Message) (string, error) {
	provMsgs := toProviderMessages(messages)
	result, compacted, err := compress.Compress(ctx, e.provider, provMsgs, compress.Options{
		TokenCeiling:    e.cfg.MaxContextTokens,
		KeepRecentTurns: compress.DefaultKeepRecentTurns,
		Model:           e.cfg.AdvancedModel,
	}, e.hooks)
	if err != nil {
		return "", err
	}
	if !compacted || len(result) == 0 {
		return "", nil
	}
	// Compress keeps the leading system messages and puts the summary
	// right after them.
	summaryIdx := 0
	for summaryIdx < len(provMsgs) && provMsgs[summaryIdx].Role == "system" {
		summaryIdx++
	}
	return result[summaryIdx].Content, nil
}

// connection is the minimal surface Chat needs from either an SSE
// *sse.Connection or the local CLI REPL's stand-in.
type connection interface {
	Send(eventType string, data any)
	SendRequest(eventType string, data any, requestID string)
	AwaitReply(ctx context.Context, requestID string) (decision, text string, err error)
}

// Chat runs one user turn against the given connection. It appends the
// user's message, builds a fresh session-scoped approver and snapshot
// function, runs agentloop.ProcessTurn, persists the resulting history, and
// streams assistant/tool events onto the connection as they occur.
func (e *Engine) Chat(ctx context.Context, conn *sse.Connection, sess *session.Session, text string, images []session.Image) error {
	return e.chat(ctx, conn, sess, text, images)
}

func (e *Engine) chat(ctx context.Context, conn connection, sess *session.Session, text string, images []session.Image) error {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	if e.cancelBy == nil {
		e.cancelBy = make(map[string]context.CancelFunc)
	}
	e.cancelBy[sess.ID] = cancel
	e.mu.Unlock()
	defer cancel()

	sess.Messages = append(sess.Messages, session.Message{
		Role:      session.RoleUser,
		Content:   text,
		Images:    images,
		Timestamp: time.Now().Unix(),
	})

	history := toProviderMessages(sess.Messages)
	if compress.ShouldCompress(history, e.cfg.MaxContextTokens) {
		newHistory, didCompress, err := compress.Compress(ctx, e.provider, history, compress.Options{
			TokenCeiling:    e.cfg.MaxContextTokens,
			KeepRecentTurns: compress.DefaultKeepRecentTurns,
			Model:           e.cfg.AdvancedModel,
		}, e.hooks)
		if err == nil && didCompress {
			history = newHistory
			conn.Send("context_compressed", map[string]any{"messageCount": len(history)})
		}
	}

	confirm := func(ctx context.Context, call scheduler.ToolCall, siblings []scheduler.ToolCall, sensitive bool) (scheduler.ApprovalDecision, string, error) {
		return e.confirmOverConnection(ctx, conn, call, siblings, sensitive)
	}
	approver := approval.New(sess.AlwaysApproved, e.classifier, confirm, e.yolo, func(name string) {
		sess.AlwaysApproved = append(sess.AlwaysApproved, name)
	})

	scratchpad := todoScratchpad{list: e.todos}

	// prevWalk tracks project state as of the last snapshot point; each
	// call diffs the project's current state against it (capturing any
	// edits the previous round made) before tools for the new round run,
	// then advances prevWalk so the next round diffs from here.
	prevWalk := session.WalkProject(sess.ProjectID)
	snapshotFn := func(ctx context.Context, messageIndex int) ([]string, error) {
		post := session.WalkProject(sess.ProjectID)
		touched, err := e.snapshots.SnapshotTouchedFiles(ctx, sess.ID, sess.ProjectID, messageIndex, prevWalk, post)
		prevWalk = post
		return touched, err
	}

	e.registry.RefreshIfStale(ctx, configHashFor(e.dataDir))

	turnTools := e.registry.ListTools()
	if agent := e.findAgent(sess.AgentID); agent != nil {
		filtered := make([]mcp.Tool, 0, len(turnTools))
		for _, t := range turnTools {
			if agent.Matches(t.Name) {
				filtered = append(filtered, t)
			}
		}
		turnTools = filtered
		history = append([]provider.Message{{Role: "system", Content: agent.SystemPrompt, CreatedAt: time.Now()}}, history...)
	}

	opts := agentloop.ProcessTurnOptions{
		Provider: e.provider,
		Registry: e.registry,
		Hooks:    e.hooks,
		Approver: approver,
		Tools:    turnTools,
		History:  history,
		EscWatcher: e.escWatcher,
		OnMessage: func(msg provider.Message) {
			sess.Messages = append(sess.Messages, fromProviderMessage(msg))
			conn.Send("message", msg)
		},
		OnDelta: func(evt provider.StreamEvent) {
			if evt.Type == provider.EventContentDelta {
				conn.Send("content_delta", evt.Content)
			}
			if evt.Type == provider.EventReasoningDelta {
				conn.Send("thinking_delta", evt.Content)
			}
		},
		OnToolCall: func(calls []provider.ToolCall) {
			conn.Send("tool_call", calls)
			for _, c := range calls {
				e.metrics.RecordToolCall(c.Name, "dispatched", 0)
			}
		},
		OnUsage: func(in, out int) {
			conn.Send("usage", map[string]int{"inputTokens": in, "outputTokens": out})
		},
		OnHookFailure: func(ev agentloop.HookFailedEvent) {
			e.metrics.RecordHookFailure(ev.ToolName)
			conn.Send("hook_failed", ev)
		},
		OnUserQuestion: func(ctx context.Context, question string, options []string) (string, error) {
			requestID := fmt.Sprintf("q-%d", time.Now().UnixNano())
			conn.SendRequest("user_question", map[string]any{"question": question, "options": options}, requestID)
			_, answer, err := conn.AwaitReply(ctx, requestID)
			return answer, err
		},
		Snapshot:         snapshotFn,
		NextMessageIndex: func() int { return len(sess.Messages) },
		DrainSpawned:     e.tracker.DrainSpawnedResults,
		Scratchpad:       scratchpad,
		MaxToolRounds:    60,
		Depth:            0,
	}

	err := agentloop.ProcessTurn(ctx, opts)
	e.metrics.TurnCompleted()
	saveErr := e.sessions.Save(ctx, sess)
	conn.Send("complete", map[string]any{"sessionId": sess.ID})
	if err != nil {
		return err
	}
	return saveErr
}

// Abort cancels the in-flight turn for a session, if any.
func (e *Engine) Abort(sessionID string) {
	e.mu.Lock()
	cancel, ok := e.cancelBy[sessionID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

func (e *Engine) confirmOverConnection(ctx context.Context, conn connection, call scheduler.ToolCall, siblings []scheduler.ToolCall, sensitive bool) (scheduler.ApprovalDecision, string, error) {
	if e.hooks != nil {
		res := e.hooks.Run(ctx, hooks.Event{Kind: hooks.KindToolConfirmation, ToolName: call.Name, Arguments: call.Arguments})
		if res.Outcome == hooks.OutcomeAbort {
			return scheduler.RejectWithReply, res.Output, nil
		}
	}

	requestID := fmt.Sprintf("c-%d", time.Now().UnixNano())
	conn.SendRequest("tool_confirmation_request", map[string]any{
		"call":      call,
		"siblings":  siblings,
		"sensitive": sensitive,
	}, requestID)
	decision, text, err := conn.AwaitReply(ctx, requestID)
	if err != nil {
		return scheduler.Reject, "", err
	}
	switch decision {
	case "approve":
		return scheduler.Approve, "", nil
	case "approve_always":
		return scheduler.ApproveAlways, "", nil
	case "reject_with_reply":
		return scheduler.RejectWithReply, text, nil
	default:
		return scheduler.Reject, "", nil
	}
}

// subAgentConfirm is the sub-agent runtime's approval path: sensitive calls
// are always rejected (no human is attached to a sub-agent's turn loop to
// confirm them), everything else auto-approves, matching the spec's
// depth-limited, non-interactive sub-agent model.
func subAgentConfirm(_ context.Context, call scheduler.ToolCall, _ []scheduler.ToolCall, sensitive bool) (scheduler.ApprovalDecision, string, error) {
	if sensitive {
		return scheduler.RejectWithReply, "sensitive commands require a human in the loop; this tool is unavailable to sub-agents", nil
	}
	return scheduler.Approve, "", nil
}

// agentSpawnTool builds the mcp.Tool definition for one configured agent's
// spawn entry point, named per subagent.ToolName's "subagent-<id>" scheme.
func agentSpawnTool(a subagent.Agent) mcp.Tool {
	desc := a.SystemPrompt
	if desc == "" {
		desc = fmt.Sprintf("Spawn the %q sub-agent with a task prompt.", a.Name)
	}
	return mcp.Tool{
		Name:        subagent.ToolName(a.ID),
		Description: desc,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"prompt": {"type": "string", "description": "The task for this sub-agent to complete."},
				"max_iterations": {"type": "integer", "description": "Optional tool-round cap; 0 uses the default."}
			},
			"required": ["prompt"]
		}`),
	}
}

// todoScratchpad adapts tools.TodoList to agentloop.ScratchpadReader.
type todoScratchpad struct {
	list *tools.TodoList
}

func (s todoScratchpad) Content() string {
	items := s.list.Items()
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Current plan:\n")
	for _, it := range items {
		fmt.Fprintf(&b, "- [%s] %s\n", it.Status, it.Content)
	}
	return b.String()
}

func toProviderMessages(messages []session.Message) []provider.Message {
	out := make([]provider.Message, len(messages))
	for i, m := range messages {
		out[i] = provider.Message{
			Role:       string(m.Role),
			Content:    m.Content,
			Reasoning:  m.Thinking,
			ToolCallID: m.ToolCallID,
			CreatedAt:  time.Unix(m.Timestamp, 0),
		}
		for _, tc := range m.ToolCalls {
			out[i].ToolCalls = append(out[i].ToolCalls, provider.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		if len(m.Images) > 0 {
			// Multimodal image input isn't threaded through provider.Message
			// (no dialect encoder for it yet); note the attachment count in
			// text so the model at least knows images were present.
			out[i].Content = fmt.Sprintf("%s\n[%d image attachment(s) omitted: not yet supported by the provider layer]", out[i].Content, len(m.Images))
		}
	}
	return out
}

func fromProviderMessage(m provider.Message) session.Message {
	out := session.Message{
		Role:       session.Role(m.Role),
		Content:    m.Content,
		Thinking:   m.Reasoning,
		ToolCallID: m.ToolCallID,
		Timestamp:  m.CreatedAt.Unix(),
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, session.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	return out
}
