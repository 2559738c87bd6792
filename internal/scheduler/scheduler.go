// Package scheduler runs one assistant turn's batch of tool calls,
// partitioning them by resource identifier so calls touching the same
// resource serialize while independent calls run concurrently, grounded in
// the teacher's errgroup-based concurrent dispatch idiom generalized from a
// flat worker pool to resource-keyed partitions.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/xonecas/snowcore/internal/mcp"
)

// ToolCall is one call the provider asked for within a single assistant
// response.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ApprovalDecision is the outcome of consulting the approval path for one
// call.
type ApprovalDecision int

const (
	Approve ApprovalDecision = iota
	ApproveAlways
	Reject
	RejectWithReply
)

// Approver decides whether a tool call may run without prompting, and
// resolves the confirmation callback when it may not.
type Approver interface {
	// IsPreApproved reports whether call needs no prompt: either its name is
	// already on the always-approved set (session, process-local, or YOLO
	// mode), or not applicable because the call itself is flagged sensitive,
	// in which case implementations must return false regardless of YOLO so
	// Confirm still runs (spec §4.F: sensitive calls always confirm).
	IsPreApproved(call ToolCall) bool
	// Confirm blocks on the UI callback for one call, given its siblings in
	// the same batch for context.
	Confirm(ctx context.Context, call ToolCall, siblings []ToolCall) (ApprovalDecision, string, error)
	// RememberAlways records an approve_always decision.
	RememberAlways(name string)
}

// Executor runs one tool call's built-in/external dispatch plus the
// before/after hook pair, returning the tool-message result.
type Executor interface {
	Execute(ctx context.Context, call ToolCall) (*mcp.ToolResult, error)
}

// EscWatcher implements spec §4.F's "while a terminal-execute runs, the
// scheduler sets the terminal to raw mode and listens for ESC; an ESC
// aborts the child via cancellation". Watch derives a child context from
// ctx that is canceled the moment ESC is read from the terminal, and
// returns a stop func the caller must invoke (win or lose) to stop
// listening and restore the terminal's prior mode. A nil EscWatcher
// (the default) leaves terminal-execute calls cancelable only through the
// enclosing turn's own context, same as every other tool.
type EscWatcher interface {
	Watch(ctx context.Context) (watched context.Context, stop func())
}

// CallResult pairs a tool call with its outcome in original batch order.
type CallResult struct {
	Call        ToolCall
	Result      *mcp.ToolResult
	Err         error
	HookFailed  bool
	HookMessage string
}

var (
	todoRe             = regexp.MustCompile(`^todo-`)
	terminalExecuteName = "terminal-execute"
)

// resourceKey implements the §4.F partition table.
func resourceKey(call ToolCall, paths []string) string {
	switch {
	case todoRe.MatchString(call.Name):
		return "todo-state"
	case call.Name == terminalExecuteName:
		return "terminal-execution"
	case isFilesystemEdit(call.Name) && len(paths) == 1:
		return "filesystem:" + paths[0]
	case isFilesystemEdit(call.Name) && len(paths) > 1:
		return "filesystem-batch:" + call.ID
	default:
		return "independent:" + call.ID
	}
}

func isFilesystemEdit(name string) bool {
	return name == "filesystem-edit" || name == "filesystem-edit_search"
}

// extractPaths pulls filePath (single) or files/paths (array) from a call's
// arguments for resource-key computation. Best-effort: a call whose
// arguments don't parse falls through to the independent partition.
func extractPaths(raw json.RawMessage) []string {
	var args struct {
		FilePath string   `json:"filePath"`
		Files    []string `json:"files"`
		Paths    []string `json:"paths"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil
	}
	if args.FilePath != "" {
		return []string{args.FilePath}
	}
	if len(args.Files) > 0 {
		return args.Files
	}
	return args.Paths
}

// Run partitions calls by resource, runs each partition's calls serially in
// array order, runs partitions concurrently, and returns results in the
// original batch order. If a hook aborts one call, remaining calls in the
// same partition are skipped (marked HookFailed with no result); other
// partitions run to completion.
func Run(ctx context.Context, calls []ToolCall, approver Approver, exec Executor, escWatcher EscWatcher) ([]CallResult, error) {
	results := make([]CallResult, len(calls))
	indexByID := make(map[string]int, len(calls))
	for i, c := range calls {
		indexByID[c.ID] = i
	}

	partitions := make(map[string][]ToolCall)
	order := make([]string, 0)
	for _, c := range calls {
		key := resourceKey(c, extractPaths(c.Arguments))
		if _, ok := partitions[key]; !ok {
			order = append(order, key)
		}
		partitions[key] = append(partitions[key], c)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, key := range order {
		batch := partitions[key]
		g.Go(func() error {
			runPartition(gctx, batch, calls, approver, exec, escWatcher, results, indexByID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func runPartition(ctx context.Context, batch []ToolCall, all []ToolCall, approver Approver, exec Executor, escWatcher EscWatcher, results []CallResult, indexByID map[string]int) {
	aborted := false
	for _, call := range batch {
		idx := indexByID[call.ID]
		if aborted {
			results[idx] = CallResult{Call: call, HookFailed: true, HookMessage: "skipped: earlier tool in this batch aborted the turn"}
			continue
		}

		if err := ctx.Err(); err != nil {
			results[idx] = CallResult{Call: call, Err: err}
			continue
		}

		if !approver.IsPreApproved(call) {
			decision, reply, err := approver.Confirm(ctx, call, all)
			if err != nil {
				results[idx] = CallResult{Call: call, Err: err}
				continue
			}
			switch decision {
			case ApproveAlways:
				approver.RememberAlways(call.Name)
			case Reject:
				results[idx] = CallResult{Call: call, Result: rejectionResult("rejected by user")}
				continue
			case RejectWithReply:
				results[idx] = CallResult{Call: call, Result: rejectionResult(reply)}
				continue
			}
		}

		execCtx := ctx
		stop := func() {}
		if escWatcher != nil && call.Name == terminalExecuteName {
			execCtx, stop = escWatcher.Watch(ctx)
		}

		result, err := exec.Execute(execCtx, call)
		stop()
		results[idx] = CallResult{Call: call, Result: result, Err: err}

		var hf *hookFailedError
		if errAs(err, &hf) {
			results[idx] = CallResult{Call: call, HookFailed: true, HookMessage: hf.Error()}
			aborted = true
		}
	}
}

func rejectionResult(message string) *mcp.ToolResult {
	return &mcp.ToolResult{
		IsError: true,
		Content: []mcp.ContentBlock{{Type: "text", Text: message}},
	}
}

// hookFailedError is returned by an Executor when a before/after hook
// aborted this call.
type hookFailedError struct {
	Command  string
	Output   string
	ErrText  string
	ExitCode int
}

func (e *hookFailedError) Error() string {
	return fmt.Sprintf("hook %q aborted (exit %d): %s", e.Command, e.ExitCode, strings.TrimSpace(e.Output+" "+e.ErrText))
}

// NewHookFailedError lets an Executor implementation report a hook abort in
// a way runPartition recognizes.
func NewHookFailedError(command, output, errText string, exitCode int) error {
	return &hookFailedError{Command: command, Output: output, ErrText: errText, ExitCode: exitCode}
}

func errAs(err error, target **hookFailedError) bool {
	if err == nil {
		return false
	}
	hf, ok := err.(*hookFailedError)
	if !ok {
		return false
	}
	*target = hf
	return true
}
