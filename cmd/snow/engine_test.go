package main

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/xonecas/snowcore/internal/scheduler"
	"github.com/xonecas/snowcore/internal/session"
	"github.com/xonecas/snowcore/internal/subagent"
	"github.com/xonecas/snowcore/internal/tools"
)

func TestToProviderMessagesAndBackRoundTrip(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	in := []session.Message{
		{
			Role:      session.RoleUser,
			Content:   "hello",
			Timestamp: ts.Unix(),
		},
		{
			Role:      session.RoleAssistant,
			Content:   "calling a tool",
			Timestamp: ts.Unix(),
			ToolCalls: []session.ToolCall{{ID: "tc-1", Name: "filesystem-read", Arguments: json.RawMessage(`{"filePath":"a.txt"}`)}},
		},
		{
			Role:       session.RoleTool,
			Content:    "file contents",
			ToolCallID: "tc-1",
			Timestamp:  ts.Unix(),
		},
	}

	out := toProviderMessages(in)
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}
	if out[1].ToolCalls[0].ID != "tc-1" || out[1].ToolCalls[0].Name != "filesystem-read" {
		t.Fatalf("tool call not carried over: %+v", out[1].ToolCalls)
	}
	if out[2].ToolCallID != "tc-1" {
		t.Fatalf("tool call id not carried over: %q", out[2].ToolCallID)
	}

	back := fromProviderMessage(out[1])
	if back.Role != session.RoleAssistant || len(back.ToolCalls) != 1 || back.ToolCalls[0].ID != "tc-1" {
		t.Fatalf("round trip lost tool call: %+v", back)
	}
}

func TestToProviderMessagesNotesImageAttachments(t *testing.T) {
	in := []session.Message{
		{
			Role:    session.RoleUser,
			Content: "look at this",
			Images:  []session.Image{{MimeType: "image/png", Data: []byte{1, 2, 3}}},
		},
	}
	out := toProviderMessages(in)
	if !strings.Contains(out[0].Content, "1 image attachment") {
		t.Fatalf("content = %q, want image attachment note", out[0].Content)
	}
}

func TestSubAgentConfirmRejectsSensitiveApprovesOthers(t *testing.T) {
	decision, reply, err := subAgentConfirm(context.Background(), scheduler.ToolCall{Name: "terminal-execute"}, nil, true)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if decision != scheduler.RejectWithReply || reply == "" {
		t.Fatalf("sensitive call: decision=%v reply=%q, want RejectWithReply with explanation", decision, reply)
	}

	decision, _, err = subAgentConfirm(context.Background(), scheduler.ToolCall{Name: "filesystem-read"}, nil, false)
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if decision != scheduler.Approve {
		t.Fatalf("non-sensitive call: decision=%v, want Approve", decision)
	}
}

func TestAgentSpawnToolUsesSubagentNamingScheme(t *testing.T) {
	agent := subagent.Agent{ID: "planner", Name: "Planner", SystemPrompt: "You plan things."}
	tool := agentSpawnTool(agent)
	if tool.Name != "subagent-planner" {
		t.Fatalf("tool name = %q, want subagent-planner", tool.Name)
	}
	if tool.Description != "You plan things." {
		t.Fatalf("description = %q", tool.Description)
	}
	var schema map[string]any
	if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
		t.Fatalf("schema not valid JSON: %v", err)
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok || props["prompt"] == nil {
		t.Fatalf("schema missing prompt property: %v", schema)
	}
}

func TestAgentSpawnToolFallsBackToDefaultDescription(t *testing.T) {
	agent := subagent.Agent{ID: "noop", Name: "Noop"}
	tool := agentSpawnTool(agent)
	if !strings.Contains(tool.Description, "Noop") {
		t.Fatalf("description = %q, want it to mention agent name", tool.Description)
	}
}

// fakeConn is a minimal stand-in for the connection interface, letting
// confirmOverConnection be exercised without a real SSE transport.
type fakeConn struct {
	sent     []string
	requests []string
	reply    func(requestID string) (string, string, error)
}

func (f *fakeConn) Send(eventType string, data any) { f.sent = append(f.sent, eventType) }
func (f *fakeConn) SendRequest(eventType string, data any, requestID string) {
	f.requests = append(f.requests, requestID)
}
func (f *fakeConn) AwaitReply(ctx context.Context, requestID string) (string, string, error) {
	return f.reply(requestID)
}

func TestConfirmOverConnectionMapsDecisions(t *testing.T) {
	eng := &Engine{}
	cases := []struct {
		reply string
		text  string
		want  scheduler.ApprovalDecision
	}{
		{"approve", "", scheduler.Approve},
		{"approve_always", "", scheduler.ApproveAlways},
		{"reject", "", scheduler.Reject},
		{"reject_with_reply", "try narrower args", scheduler.RejectWithReply},
	}
	for _, tc := range cases {
		conn := &fakeConn{reply: func(requestID string) (string, string, error) {
			return tc.reply, tc.text, nil
		}}
		decision, text, err := eng.confirmOverConnection(context.Background(), conn, scheduler.ToolCall{Name: "terminal-execute"}, nil, true)
		if err != nil {
			t.Fatalf("%s: err = %v", tc.reply, err)
		}
		if decision != tc.want {
			t.Fatalf("%s: decision = %v, want %v", tc.reply, decision, tc.want)
		}
		if text != tc.text {
			t.Fatalf("%s: text = %q, want %q", tc.reply, text, tc.text)
		}
		if len(conn.requests) != 1 {
			t.Fatalf("%s: expected exactly one pending request registered", tc.reply)
		}
	}
}

func TestConfirmOverConnectionPropagatesAwaitError(t *testing.T) {
	eng := &Engine{}
	conn := &fakeConn{reply: func(requestID string) (string, string, error) {
		return "", "", context.DeadlineExceeded
	}}
	decision, _, err := eng.confirmOverConnection(context.Background(), conn, scheduler.ToolCall{Name: "x"}, nil, false)
	if err == nil {
		t.Fatal("expected error to propagate")
	}
	if decision != scheduler.Reject {
		t.Fatalf("decision = %v, want Reject on error", decision)
	}
}

func TestTodoScratchpadFormatsItems(t *testing.T) {
	pad := todoScratchpad{list: tools.NewTodoList("")}
	if pad.Content() != "" {
		t.Fatalf("empty list should produce empty content, got %q", pad.Content())
	}

	if err := pad.list.Write([]tools.TodoItem{{Content: "write tests", Status: "pending"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := pad.Content()
	if !strings.Contains(got, "write tests") || !strings.Contains(got, "pending") {
		t.Fatalf("content = %q, want it to mention the item", got)
	}
}
