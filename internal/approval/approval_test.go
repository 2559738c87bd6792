package approval

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/xonecas/snowcore/internal/scheduler"
)

func TestClassifierIsSensitive(t *testing.T) {
	c := NewClassifier(DefaultSensitivePatterns)
	cases := []struct {
		cmd  string
		want bool
	}{
		{"rm -rf dist", true},
		{"rm -rf /", true},
		{"ls -la", false},
		{"git push origin main --force", true},
		{"git push origin main", false},
		{"DROP TABLE users", true},
	}
	for _, c2 := range cases {
		if got := c.IsSensitive(c2.cmd); got != c2.want {
			t.Errorf("IsSensitive(%q) = %v, want %v", c2.cmd, got, c2.want)
		}
	}
}

func TestClassifierSkipsInvalidPattern(t *testing.T) {
	c := NewClassifier([]SensitivePattern{{Pattern: "(unclosed", Enabled: true}})
	if c.IsSensitive("anything") {
		t.Error("invalid pattern should never match")
	}
}

func TestClassifierSkipsDisabledPattern(t *testing.T) {
	c := NewClassifier([]SensitivePattern{{Pattern: `rm\s+-rf`, Enabled: false}})
	if c.IsSensitive("rm -rf /") {
		t.Error("disabled pattern should not match")
	}
}

func TestLoadSensitivePatternsMissingFileFallsBack(t *testing.T) {
	dir := t.TempDir()
	patterns, err := LoadSensitivePatterns(filepath.Join(dir, "missing.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(patterns) != len(DefaultSensitivePatterns) {
		t.Errorf("expected default patterns, got %d entries", len(patterns))
	}
}

func TestSaveAndLoadSensitivePatterns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "sensitive-commands.json")
	want := []SensitivePattern{{Pattern: `curl .*\| sh`, Enabled: true}}
	if err := SaveSensitivePatterns(path, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadSensitivePatterns(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got[0].Pattern != want[0].Pattern {
		t.Errorf("round-trip mismatch: %+v", got)
	}
}

func TestApproverIsPreApproved(t *testing.T) {
	a := New([]string{"filesystem-read"}, nil, nil, false, nil)
	if !a.IsPreApproved(scheduler.ToolCall{Name: "filesystem-read"}) {
		t.Error("filesystem-read should be pre-approved")
	}
	if a.IsPreApproved(scheduler.ToolCall{Name: "terminal-execute"}) {
		t.Error("terminal-execute should not be pre-approved")
	}
}

func TestApproverYoloPreApprovesEverything(t *testing.T) {
	a := New(nil, nil, nil, true, nil)
	if !a.IsPreApproved(scheduler.ToolCall{Name: "anything-at-all"}) {
		t.Error("YOLO mode should pre-approve everything")
	}
}

func TestApproverYoloDoesNotPreApproveSensitive(t *testing.T) {
	classifier := NewClassifier(DefaultSensitivePatterns)
	a := New(nil, classifier, nil, true, nil)
	call := scheduler.ToolCall{Name: "terminal-execute", Arguments: json.RawMessage(`{"command":"rm -rf /"}`)}
	if a.IsPreApproved(call) {
		t.Error("a sensitive call must never be pre-approved, even under YOLO, so Confirm still runs")
	}
	if !a.IsPreApproved(scheduler.ToolCall{Name: "terminal-execute", Arguments: json.RawMessage(`{"command":"ls -la"}`)}) {
		t.Error("a non-sensitive call should remain pre-approved under YOLO")
	}
}

func TestApproverNilConfirmApprovesUnconditionally(t *testing.T) {
	a := New(nil, nil, nil, false, nil)
	call := scheduler.ToolCall{Name: "terminal-execute", Arguments: json.RawMessage(`{"command":"rm -rf dist"}`)}
	decision, _, err := a.Confirm(context.Background(), call, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != scheduler.Approve {
		t.Errorf("expected approve with nil confirm func, got %v", decision)
	}
}

func TestApproverYoloStillConfirmsSensitive(t *testing.T) {
	classifier := NewClassifier(DefaultSensitivePatterns)
	confirmed := false
	confirm := func(ctx context.Context, call scheduler.ToolCall, siblings []scheduler.ToolCall, sensitive bool) (scheduler.ApprovalDecision, string, error) {
		confirmed = true
		if !sensitive {
			t.Error("expected sensitive=true for rm -rf")
		}
		return scheduler.Reject, "", nil
	}
	a := New(nil, classifier, confirm, true, nil)
	call := scheduler.ToolCall{Name: "terminal-execute", Arguments: json.RawMessage(`{"command":"rm -rf /"}`)}
	decision, _, err := a.Confirm(context.Background(), call, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !confirmed {
		t.Error("YOLO mode should still invoke confirm for sensitive commands")
	}
	if decision != scheduler.Reject {
		t.Errorf("expected reject decision to pass through, got %v", decision)
	}
}

func TestApproverYoloBypassesNonSensitive(t *testing.T) {
	classifier := NewClassifier(DefaultSensitivePatterns)
	confirm := func(ctx context.Context, call scheduler.ToolCall, siblings []scheduler.ToolCall, sensitive bool) (scheduler.ApprovalDecision, string, error) {
		t.Fatal("confirm should not be invoked for non-sensitive command under YOLO")
		return scheduler.Reject, "", nil
	}
	a := New(nil, classifier, confirm, true, nil)
	call := scheduler.ToolCall{Name: "terminal-execute", Arguments: json.RawMessage(`{"command":"ls -la"}`)}
	decision, _, err := a.Confirm(context.Background(), call, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != scheduler.Approve {
		t.Errorf("expected approve, got %v", decision)
	}
}

func TestApproverRememberAlwaysPersists(t *testing.T) {
	var persisted []string
	a := New(nil, nil, nil, false, func(name string) { persisted = append(persisted, name) })
	a.RememberAlways("filesystem-read")
	if !a.IsPreApproved(scheduler.ToolCall{Name: "filesystem-read"}) {
		t.Error("remembered tool should be pre-approved")
	}
	if len(persisted) != 1 || persisted[0] != "filesystem-read" {
		t.Errorf("expected persist callback with tool name, got %v", persisted)
	}
}

func TestApproverConfirmApproveAlwaysRemembers(t *testing.T) {
	confirm := func(ctx context.Context, call scheduler.ToolCall, siblings []scheduler.ToolCall, sensitive bool) (scheduler.ApprovalDecision, string, error) {
		return scheduler.ApproveAlways, "", nil
	}
	a := New(nil, nil, confirm, false, nil)
	call := scheduler.ToolCall{Name: "filesystem-edit"}
	if _, _, err := a.Confirm(context.Background(), call, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !a.IsPreApproved(scheduler.ToolCall{Name: "filesystem-edit"}) {
		t.Error("approve_always should add the tool to the always-approved set")
	}
}
