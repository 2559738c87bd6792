package agentloop

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/xonecas/snowcore/internal/hooks"
	"github.com/xonecas/snowcore/internal/mcp"
	"github.com/xonecas/snowcore/internal/mcppool"
	"github.com/xonecas/snowcore/internal/provider"
	"github.com/xonecas/snowcore/internal/scheduler"
	"github.com/xonecas/snowcore/internal/toolregistry"
)

// scriptedProvider returns a different scripted response on each successive
// ChatStream call, so a test can drive a multi-round tool loop.
type scriptedProvider struct {
	responses []*provider.ChatResponse
	call      int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) ChatStream(ctx context.Context, messages []provider.Message, tools []provider.Tool) (<-chan provider.StreamEvent, error) {
	idx := p.call
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	p.call++
	resp := p.responses[idx]

	ch := make(chan provider.StreamEvent, 8)
	go func() {
		defer close(ch)
		if resp.Content != "" {
			ch <- provider.StreamEvent{Type: provider.EventContentDelta, Content: resp.Content}
		}
		for i, tc := range resp.ToolCalls {
			ch <- provider.StreamEvent{Type: provider.EventToolCallBegin, ToolCallIndex: i, ToolCallID: tc.ID, ToolCallName: tc.Name}
			ch <- provider.StreamEvent{Type: provider.EventToolCallDelta, ToolCallIndex: i, ToolCallArgs: string(tc.Arguments)}
		}
		ch <- provider.StreamEvent{Type: provider.EventDone}
	}()
	return ch, nil
}

func (p *scriptedProvider) ListModels(ctx context.Context) ([]provider.Model, error) { return nil, nil }
func (p *scriptedProvider) Close() error                                            { return nil }

func allowAllApprover() scheduler.Approver {
	return testApprover{}
}

type testApprover struct{}

func (testApprover) IsPreApproved(scheduler.ToolCall) bool { return true }
func (testApprover) Confirm(context.Context, scheduler.ToolCall, []scheduler.ToolCall) (scheduler.ApprovalDecision, string, error) {
	return scheduler.Approve, "", nil
}
func (testApprover) RememberAlways(string) {}

func TestProcessTurnSimpleTextTurn(t *testing.T) {
	mock := provider.NewMock("mock", "hello there")
	var messages []provider.Message
	err := ProcessTurn(context.Background(), ProcessTurnOptions{
		Provider: mock,
		Registry: toolregistry.New(mcppool.New()),
		Approver: allowAllApprover(),
		History:  []provider.Message{{Role: "user", Content: "hi"}},
		OnMessage: func(m provider.Message) {
			messages = append(messages, m)
		},
	})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if len(messages) != 1 || messages[0].Role != "assistant" || messages[0].Content != "hello there" {
		t.Fatalf("expected a single assistant message, got %+v", messages)
	}
}

func TestProcessTurnRunsToolCallsThenCompletes(t *testing.T) {
	registry := toolregistry.New(mcppool.New())
	var toolCalled bool
	registry.RegisterBuiltin(mcp.Tool{Name: "filesystem-read"}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		toolCalled = true
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "file contents"}}}, nil
	})

	prov := &scriptedProvider{responses: []*provider.ChatResponse{
		{ToolCalls: []provider.ToolCall{{ID: "1", Name: "filesystem-read", Arguments: json.RawMessage(`{"filePath":"a.txt"}`)}}},
		{Content: "done reading"},
	}}

	var messages []provider.Message
	err := ProcessTurn(context.Background(), ProcessTurnOptions{
		Provider: prov,
		Registry: registry,
		Approver: allowAllApprover(),
		History:  []provider.Message{{Role: "user", Content: "read a.txt"}},
		OnMessage: func(m provider.Message) {
			messages = append(messages, m)
		},
	})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if !toolCalled {
		t.Fatal("expected the tool to be invoked")
	}

	// Expect: assistant(tool_calls) -> tool(result) -> assistant(final text)
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d: %+v", len(messages), messages)
	}
	if messages[0].Role != "assistant" || len(messages[0].ToolCalls) != 1 {
		t.Errorf("expected first message to carry tool_calls, got %+v", messages[0])
	}
	if messages[1].Role != "tool" || messages[1].ToolCallID != "1" || messages[1].Content != "file contents" {
		t.Errorf("expected tool result message, got %+v", messages[1])
	}
	if messages[2].Role != "assistant" || messages[2].Content != "done reading" {
		t.Errorf("expected final assistant summary, got %+v", messages[2])
	}
}

func TestProcessTurnHookAbortStopsTurn(t *testing.T) {
	registry := toolregistry.New(mcppool.New())
	registry.RegisterBuiltin(mcp.Tool{Name: "terminal-execute"}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		t.Fatal("tool should never run when beforeToolCall aborts")
		return nil, nil
	})

	pipeline := hooks.New(map[hooks.Kind][]hooks.Entry{
		hooks.KindBeforeToolCall: {{Command: "echo blocked; exit 2"}},
	})

	prov := &scriptedProvider{responses: []*provider.ChatResponse{
		{ToolCalls: []provider.ToolCall{{ID: "1", Name: "terminal-execute", Arguments: json.RawMessage(`{"command":"ls"}`)}}},
	}}

	var hookEvents []HookFailedEvent
	err := ProcessTurn(context.Background(), ProcessTurnOptions{
		Provider: prov,
		Registry: registry,
		Hooks:    pipeline,
		Approver: allowAllApprover(),
		History:  []provider.Message{{Role: "user", Content: "run something"}},
		OnHookFailure: func(ev HookFailedEvent) {
			hookEvents = append(hookEvents, ev)
		},
	})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if len(hookEvents) != 1 {
		t.Fatalf("expected exactly one hook-failure event, got %d", len(hookEvents))
	}
}

func TestProcessTurnRejectsDepthBeyondMax(t *testing.T) {
	mock := provider.NewMock("mock", "hi")
	err := ProcessTurn(context.Background(), ProcessTurnOptions{
		Provider: mock,
		Registry: toolregistry.New(mcppool.New()),
		Approver: allowAllApprover(),
		Depth:    MaxDepth + 1,
		History:  []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected an error when depth exceeds MaxDepth")
	}
}

func TestSafeInsertionIndexAtEndNoToolBlock(t *testing.T) {
	history := []provider.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	idx := safeInsertionIndex(history, 0)
	if idx != len(history) {
		t.Errorf("expected insertion at end (%d), got %d", len(history), idx)
	}
}

func TestSafeInsertionIndexMovesBeforeToolCallBlock(t *testing.T) {
	history := []provider.Message{
		{Role: "user", Content: "do it"},
		{Role: "assistant", ToolCalls: []provider.ToolCall{{ID: "1"}, {ID: "2"}}},
		{Role: "tool", ToolCallID: "1"},
		{Role: "tool", ToolCallID: "2"},
	}
	// fromEnd=1 would land at index 3, inside the tool-call block (1..4).
	idx := safeInsertionIndex(history, 1)
	if idx != 1 {
		t.Errorf("expected insertion moved before the tool-call block at index 1, got %d", idx)
	}
}

func TestSafeInsertionIndexAllowsPositionAfterBlock(t *testing.T) {
	history := []provider.Message{
		{Role: "assistant", ToolCalls: []provider.ToolCall{{ID: "1"}}},
		{Role: "tool", ToolCallID: "1"},
		{Role: "assistant", Content: "done"},
	}
	idx := safeInsertionIndex(history, 0)
	if idx != len(history) {
		t.Errorf("expected insertion at end since it's past the block, got %d", idx)
	}
}

func TestInsertAtSplicesCorrectly(t *testing.T) {
	history := []provider.Message{
		{Role: "user", Content: "a"},
		{Role: "assistant", Content: "b"},
	}
	msg := provider.Message{Role: "user", Content: "inserted"}
	out := insertAt(history, 1, msg)
	if len(out) != 3 || out[1].Content != "inserted" {
		t.Fatalf("unexpected splice result: %+v", out)
	}
	if out[0].Content != "a" || out[2].Content != "b" {
		t.Errorf("expected surrounding messages preserved, got %+v", out)
	}
}
