package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xonecas/snowcore/internal/mcp"
)

// fakeApprover approves everything without prompting.
type fakeApprover struct{}

func (fakeApprover) IsPreApproved(ToolCall) bool { return true }
func (fakeApprover) Confirm(context.Context, ToolCall, []ToolCall) (ApprovalDecision, string, error) {
	return Approve, "", nil
}
func (fakeApprover) RememberAlways(string) {}

// recordingExecutor tracks concurrent-overlap and per-resource serialization
// by recording start/end order and simulating latency.
type recordingExecutor struct {
	mu       sync.Mutex
	active   map[string]bool // resource -> currently running
	overlaps []string
	delay    time.Duration
	fn       func(call ToolCall) (*mcp.ToolResult, error)
	resource func(call ToolCall) string
}

func (e *recordingExecutor) Execute(ctx context.Context, call ToolCall) (*mcp.ToolResult, error) {
	res := ""
	if e.resource != nil {
		res = e.resource(call)
	}
	if res != "" {
		e.mu.Lock()
		if e.active == nil {
			e.active = make(map[string]bool)
		}
		if e.active[res] {
			e.overlaps = append(e.overlaps, res)
		}
		e.active[res] = true
		e.mu.Unlock()
	}

	if e.delay > 0 {
		time.Sleep(e.delay)
	}

	var result *mcp.ToolResult
	var err error
	if e.fn != nil {
		result, err = e.fn(call)
	} else {
		result = &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: call.ID}}}
	}

	if res != "" {
		e.mu.Lock()
		e.active[res] = false
		e.mu.Unlock()
	}
	return result, err
}

func textOf(r *mcp.ToolResult) string {
	if r == nil || len(r.Content) == 0 {
		return ""
	}
	return r.Content[0].Text
}

func TestRunOrderingPreservesBatchOrder(t *testing.T) {
	calls := []ToolCall{
		{ID: "a", Name: "filesystem-read", Arguments: json.RawMessage(`{}`)},
		{ID: "b", Name: "filesystem-read", Arguments: json.RawMessage(`{}`)},
		{ID: "c", Name: "filesystem-read", Arguments: json.RawMessage(`{}`)},
	}
	exec := &recordingExecutor{}
	results, err := Run(context.Background(), calls, fakeApprover{}, exec, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, c := range calls {
		if results[i].Call.ID != c.ID {
			t.Errorf("result %d: expected call id %s, got %s", i, c.ID, results[i].Call.ID)
		}
		if textOf(results[i].Result) != c.ID {
			t.Errorf("result %d: expected text %s, got %s", i, c.ID, textOf(results[i].Result))
		}
	}
}

func TestRunSerializesSameFilesystemPath(t *testing.T) {
	calls := []ToolCall{
		{ID: "1", Name: "filesystem-edit", Arguments: json.RawMessage(`{"filePath":"x.ts"}`)},
		{ID: "2", Name: "filesystem-edit", Arguments: json.RawMessage(`{"filePath":"x.ts"}`)},
	}
	exec := &recordingExecutor{
		delay: 10 * time.Millisecond,
		resource: func(call ToolCall) string {
			return "filesystem:x.ts"
		},
	}
	results, err := Run(context.Background(), calls, fakeApprover{}, exec, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(exec.overlaps) != 0 {
		t.Errorf("same-path edits overlapped: %v", exec.overlaps)
	}
	if results[0].Call.ID != "1" || results[1].Call.ID != "2" {
		t.Errorf("order not preserved: %+v", results)
	}
}

func TestRunParallelAcrossIndependentResources(t *testing.T) {
	calls := []ToolCall{
		{ID: "a", Name: "filesystem-read", Arguments: json.RawMessage(`{"filePath":"a.txt"}`)},
		{ID: "b", Name: "filesystem-read", Arguments: json.RawMessage(`{"filePath":"b.txt"}`)},
	}
	const delay = 50 * time.Millisecond
	exec := &recordingExecutor{delay: delay}

	start := time.Now()
	_, err := Run(context.Background(), calls, fakeApprover{}, exec, nil)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// Independent reads should run concurrently: elapsed should be well under
	// the sum of both delays (2x) and close to a single delay.
	if elapsed >= 2*delay {
		t.Errorf("calls did not run in parallel: took %v for two %v-delay calls", elapsed, delay)
	}
}

func TestRunTodoToolsSerialize(t *testing.T) {
	calls := []ToolCall{
		{ID: "1", Name: "todo-write", Arguments: json.RawMessage(`{}`)},
		{ID: "2", Name: "todo-read", Arguments: json.RawMessage(`{}`)},
	}
	exec := &recordingExecutor{
		delay: 5 * time.Millisecond,
		resource: func(call ToolCall) string {
			return "todo-state"
		},
	}
	_, err := Run(context.Background(), calls, fakeApprover{}, exec, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(exec.overlaps) != 0 {
		t.Errorf("todo tools overlapped: %v", exec.overlaps)
	}
}

func TestRunRejection(t *testing.T) {
	calls := []ToolCall{{ID: "1", Name: "terminal-execute", Arguments: json.RawMessage(`{"command":"rm -rf /"}`)}}
	approver := rejectingApprover{}
	exec := &recordingExecutor{}
	results, err := Run(context.Background(), calls, approver, exec, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !results[0].Result.IsError {
		t.Fatalf("expected rejection to produce an error result")
	}
}

type rejectingApprover struct{}

func (rejectingApprover) IsPreApproved(ToolCall) bool { return false }
func (rejectingApprover) Confirm(context.Context, ToolCall, []ToolCall) (ApprovalDecision, string, error) {
	return Reject, "", nil
}
func (rejectingApprover) RememberAlways(string) {}

func TestRunRejectWithReply(t *testing.T) {
	calls := []ToolCall{{ID: "1", Name: "terminal-execute", Arguments: json.RawMessage(`{}`)}}
	approver := replyApprover{reply: "not allowed: use a narrower command"}
	exec := &recordingExecutor{}
	results, err := Run(context.Background(), calls, approver, exec, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if textOf(results[0].Result) != approver.reply {
		t.Errorf("expected reply text %q, got %q", approver.reply, textOf(results[0].Result))
	}
}

type replyApprover struct{ reply string }

func (a replyApprover) IsPreApproved(ToolCall) bool { return false }
func (a replyApprover) Confirm(context.Context, ToolCall, []ToolCall) (ApprovalDecision, string, error) {
	return RejectWithReply, a.reply, nil
}
func (replyApprover) RememberAlways(string) {}

func TestRunHookAbortSkipsRestOfPartitionOnly(t *testing.T) {
	// Three calls sharing one resource; the first aborts via hook failure,
	// the remaining two in that same partition must be skipped. A fourth,
	// independent call must still complete.
	calls := []ToolCall{
		{ID: "1", Name: "filesystem-edit", Arguments: json.RawMessage(`{"filePath":"x.ts"}`)},
		{ID: "2", Name: "filesystem-edit", Arguments: json.RawMessage(`{"filePath":"x.ts"}`)},
		{ID: "3", Name: "filesystem-edit", Arguments: json.RawMessage(`{"filePath":"x.ts"}`)},
		{ID: "4", Name: "filesystem-read", Arguments: json.RawMessage(`{"filePath":"y.txt"}`)},
	}
	var ran int32
	exec := &recordingExecutor{
		fn: func(call ToolCall) (*mcp.ToolResult, error) {
			atomic.AddInt32(&ran, 1)
			if call.ID == "1" {
				return nil, NewHookFailedError("pre-commit", "lint failed", "", 2)
			}
			return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: call.ID}}}, nil
		},
	}
	results, err := Run(context.Background(), calls, fakeApprover{}, exec, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !results[0].HookFailed {
		t.Errorf("call 1 should be marked HookFailed")
	}
	if !results[1].HookFailed || !results[2].HookFailed {
		t.Errorf("calls 2 and 3 in the same partition should be skipped as HookFailed")
	}
	if results[3].HookFailed {
		t.Errorf("call 4 is in an independent partition and should not be skipped")
	}
	if textOf(results[3].Result) != "4" {
		t.Errorf("call 4 should have executed, got %+v", results[3])
	}
	if atomic.LoadInt32(&ran) != 2 {
		t.Errorf("expected exactly 2 executor invocations (call 1 and call 4), got %d", ran)
	}
}

func TestResourceKeyFilesystemBatch(t *testing.T) {
	call := ToolCall{ID: "abc", Name: "filesystem-edit", Arguments: json.RawMessage(`{"files":["a.txt","b.txt"]}`)}
	key := resourceKey(call, extractPaths(call.Arguments))
	if key != "filesystem-batch:abc" {
		t.Errorf("expected filesystem-batch partition, got %q", key)
	}
}

func TestResourceKeyIndependentDefault(t *testing.T) {
	call := ToolCall{ID: "xyz", Name: "web-fetch", Arguments: json.RawMessage(`{}`)}
	key := resourceKey(call, nil)
	if key != "independent:xyz" {
		t.Errorf("expected independent partition, got %q", key)
	}
}
