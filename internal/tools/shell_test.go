package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/xonecas/snowcore/internal/shell"
)

func callShell(t *testing.T, h *ShellHandler, args ShellArgs) (string, bool) {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	result, err := h.Handle(context.Background(), raw)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(result.Content) == 0 {
		t.Fatal("expected at least one content block")
	}
	return result.Content[0].Text, result.IsError
}

func TestShellRunsCommandAndCapturesStdout(t *testing.T) {
	dir := chdirTemp(t)
	h := NewShellHandler(shell.New(dir, nil))

	out, isErr := callShell(t, h, ShellArgs{Command: "echo hello", Description: "say hello"})
	if isErr {
		t.Fatalf("unexpected error result: %s", out)
	}
	if !strings.Contains(out, "hello") {
		t.Errorf("expected output to contain 'hello', got %q", out)
	}
}

func TestShellNonZeroExitIsErrorResult(t *testing.T) {
	dir := chdirTemp(t)
	h := NewShellHandler(shell.New(dir, nil))

	out, isErr := callShell(t, h, ShellArgs{Command: "exit 3", Description: "fail on purpose"})
	if !isErr {
		t.Fatal("expected an error result for a nonzero exit code")
	}
	if !strings.Contains(out, "exit code: 3") {
		t.Errorf("expected exit code noted in output, got %q", out)
	}
}

func TestShellMissingCommandErrors(t *testing.T) {
	dir := chdirTemp(t)
	h := NewShellHandler(shell.New(dir, nil))

	raw, _ := json.Marshal(ShellArgs{Description: "no command"})
	result, err := h.Handle(context.Background(), raw)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !result.IsError {
		t.Error("expected an error result when command is empty")
	}
}

func TestShellStreamsOutputChunks(t *testing.T) {
	dir := chdirTemp(t)
	h := NewShellHandler(shell.New(dir, nil))
	var chunks []string
	h.OnOutput = func(chunk string) { chunks = append(chunks, chunk) }

	_, isErr := callShell(t, h, ShellArgs{Command: "echo streamed", Description: "stream output"})
	if isErr {
		t.Fatal("unexpected error result")
	}
	if len(chunks) == 0 {
		t.Error("expected at least one streamed output chunk")
	}
}

func TestFormatShellOutputIncludesExitCodeAndTimeout(t *testing.T) {
	out := formatShellOutput("out\n", "err\n", 2, context.DeadlineExceeded)
	if !strings.Contains(out, "out") || !strings.Contains(out, "err") {
		t.Errorf("expected both stdout and stderr present, got %q", out)
	}
	if !strings.Contains(out, "[timed out]") {
		t.Errorf("expected timeout marker, got %q", out)
	}
	if !strings.Contains(out, "[exit code: 2]") {
		t.Errorf("expected exit code marker, got %q", out)
	}
}

func TestTruncateMiddleKeepsHeadAndTail(t *testing.T) {
	s := strings.Repeat("a", 50) + strings.Repeat("b", 50)
	out := truncateMiddle(s, 20)
	if !strings.HasPrefix(out, strings.Repeat("a", 10)) {
		t.Errorf("expected head preserved, got prefix %q", out[:20])
	}
	if !strings.HasSuffix(out, strings.Repeat("b", 10)) {
		t.Errorf("expected tail preserved, got suffix %q", out[len(out)-20:])
	}
	if !strings.Contains(out, "truncated") {
		t.Error("expected a truncation marker")
	}
}

func TestTruncateMiddleNoopUnderLimit(t *testing.T) {
	s := "short"
	if out := truncateMiddle(s, 100); out != s {
		t.Errorf("expected unchanged string under the limit, got %q", out)
	}
}
