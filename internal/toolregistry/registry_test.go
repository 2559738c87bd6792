package toolregistry

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/xonecas/snowcore/internal/mcp"
	"github.com/xonecas/snowcore/internal/mcppool"
)

func newTestRegistry() *Registry {
	return New(mcppool.New())
}

func TestRegisterBuiltinAndCall(t *testing.T) {
	r := newTestRegistry()
	called := false
	r.RegisterBuiltin(mcp.Tool{Name: "filesystem-read", Description: "read a file"}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		called = true
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "hello"}}}, nil
	})

	result, err := r.Call(context.Background(), "filesystem-read", json.RawMessage(`{"filePath":"a.txt"}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !called {
		t.Error("builtin handler should have been invoked")
	}
	if result.Content[0].Text != "hello" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestHasBuiltin(t *testing.T) {
	r := newTestRegistry()
	if r.HasBuiltin("filesystem-read") {
		t.Error("should not yet be registered")
	}
	r.RegisterBuiltin(mcp.Tool{Name: "filesystem-read"}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{}, nil
	})
	if !r.HasBuiltin("filesystem-read") {
		t.Error("should be registered now")
	}
}

func TestCallUnknownTool(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Call(context.Background(), "nonexistent-tool", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
	if !strings.Contains(err.Error(), "unknown tool") {
		t.Errorf("expected 'unknown tool' error, got %v", err)
	}
}

func TestCallEnforcesTokenCeiling(t *testing.T) {
	r := newTestRegistry()
	r.SetResultTokenLimit(10) // tiny ceiling forces overflow
	r.RegisterBuiltin(mcp.Tool{Name: "big-tool"}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: strings.Repeat("x", 1000)}}}, nil
	})
	_, err := r.Call(context.Background(), "big-tool", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected oversize result error")
	}
	if _, ok := err.(*ErrResultTooLarge); !ok {
		t.Errorf("expected *ErrResultTooLarge, got %T: %v", err, err)
	}
}

func TestSetResultTokenLimitRejectsNonPositive(t *testing.T) {
	r := newTestRegistry()
	r.SetResultTokenLimit(0)
	r.RegisterBuiltin(mcp.Tool{Name: "ok-tool"}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "small"}}}, nil
	})
	_, err := r.Call(context.Background(), "ok-tool", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("expected default ceiling to allow a small result, got %v", err)
	}
}

func TestListToolsIncludesBuiltins(t *testing.T) {
	r := newTestRegistry()
	r.RegisterBuiltin(mcp.Tool{Name: "a"}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{}, nil
	})
	r.RegisterBuiltin(mcp.Tool{Name: "b"}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{}, nil
	})
	tools := r.ListTools()
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
}

func TestNormalizeArgumentsParsesWhitelistedJSONString(t *testing.T) {
	raw := json.RawMessage(`{"files":"[\"a.txt\",\"b.txt\"]","other":"not json"}`)
	out, err := NormalizeArguments(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("unmarshal normalized: %v", err)
	}
	files, ok := m["files"].([]any)
	if !ok || len(files) != 2 {
		t.Errorf("expected files to be parsed into an array, got %#v", m["files"])
	}
	if m["other"] != "not json" {
		t.Errorf("non-whitelisted field should pass through unchanged, got %#v", m["other"])
	}
}

func TestNormalizeArgumentsLeavesNonWhitelistedStringsAlone(t *testing.T) {
	raw := json.RawMessage(`{"command":"[1,2,3]"}`)
	out, err := NormalizeArguments(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	var m map[string]any
	json.Unmarshal(out, &m) //nolint:errcheck
	if m["command"] != "[1,2,3]" {
		t.Errorf("non-whitelisted field that looks like JSON should stay a string, got %#v", m["command"])
	}
}

func TestNormalizeArgumentsNonObjectPassesThrough(t *testing.T) {
	raw := json.RawMessage(`[1,2,3]`)
	out, err := NormalizeArguments(raw)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if string(out) != string(raw) {
		t.Errorf("expected passthrough for non-object input, got %s", out)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("empty string should estimate 0 tokens, got %d", got)
	}
	if got := EstimateTokens("abcd"); got != 1 {
		t.Errorf("4 chars should estimate ~1 token, got %d", got)
	}
	if got := EstimateTokens(strings.Repeat("a", 400)); got != 100 {
		t.Errorf("400 chars should estimate 100 tokens, got %d", got)
	}
}

func TestRefreshIfStaleSkipsWhenFresh(t *testing.T) {
	r := newTestRegistry()
	r.Refresh(context.Background(), "hash1")
	before := r.lastUpdate
	r.RefreshIfStale(context.Background(), "hash1")
	if !r.lastUpdate.Equal(before) {
		t.Error("refresh should be skipped when hash unchanged and not stale")
	}
}

func TestRefreshIfStaleRefreshesOnHashChange(t *testing.T) {
	r := newTestRegistry()
	r.Refresh(context.Background(), "hash1")
	before := r.lastUpdate
	r.RefreshIfStale(context.Background(), "hash2")
	if r.configHash != "hash2" {
		t.Errorf("expected configHash to update to hash2, got %q", r.configHash)
	}
	_ = before
}
