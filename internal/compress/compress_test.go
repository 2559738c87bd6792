package compress

import (
	"context"
	"testing"

	"github.com/xonecas/snowcore/internal/hooks"
	"github.com/xonecas/snowcore/internal/provider"
)

func msgs(roles ...string) []provider.Message {
	out := make([]provider.Message, 0, len(roles))
	for _, r := range roles {
		out = append(out, provider.Message{Role: r, Content: "some content for the message body here"})
	}
	return out
}

func TestShouldCompressBelowCeiling(t *testing.T) {
	if ShouldCompress(msgs("user", "assistant"), 100000) {
		t.Error("small history under a large ceiling should not trigger compaction")
	}
}

func TestShouldCompressZeroCeilingDisabled(t *testing.T) {
	if ShouldCompress(msgs("user", "assistant"), 0) {
		t.Error("zero ceiling should disable compaction entirely")
	}
}

func TestShouldCompressAboveCeiling(t *testing.T) {
	big := make([]provider.Message, 0, 50)
	for i := 0; i < 50; i++ {
		big = append(big, provider.Message{Role: "user", Content: "word word word word word word word word word word"})
	}
	if !ShouldCompress(big, 10) {
		t.Error("large history over a tiny ceiling should trigger compaction")
	}
}

func TestCompressNoopUnderCeiling(t *testing.T) {
	history := msgs("system", "user", "assistant")
	prov := provider.NewMock("mock", "summary text")
	out, compacted, err := Compress(context.Background(), prov, history, Options{TokenCeiling: 1_000_000}, nil)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if compacted {
		t.Error("should not compact under ceiling")
	}
	if len(out) != len(history) {
		t.Errorf("expected unchanged history, got %d messages", len(out))
	}
}

func TestCompressSplicesSummaryKeepingSystemAndRecentTurns(t *testing.T) {
	history := []provider.Message{
		{Role: "system", Content: "you are an assistant"},
		{Role: "user", Content: "old turn 1"},
		{Role: "assistant", Content: "old reply 1"},
		{Role: "user", Content: "old turn 2"},
		{Role: "assistant", Content: "old reply 2"},
		{Role: "user", Content: "recent turn"},
		{Role: "assistant", Content: "recent reply"},
	}
	prov := provider.NewMock("mock", "a dense summary of the old turns")
	out, compacted, err := Compress(context.Background(), prov, history, Options{TokenCeiling: 1, KeepRecentTurns: 1}, nil)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if !compacted {
		t.Fatal("expected compaction to occur")
	}
	if out[0].Role != "system" {
		t.Errorf("expected leading system message preserved, got %q", out[0].Role)
	}
	if out[1].Role != "assistant" || out[1].Content != "a dense summary of the old turns" {
		t.Errorf("expected summary spliced in as assistant message, got %+v", out[1])
	}
	last := out[len(out)-1]
	if last.Content != "recent reply" {
		t.Errorf("expected the most recent turn preserved at the tail, got %+v", last)
	}
}

func TestCompressHookAbortLeavesHistoryUncompressed(t *testing.T) {
	history := []provider.Message{
		{Role: "user", Content: "old turn 1"},
		{Role: "assistant", Content: "old reply 1"},
		{Role: "user", Content: "old turn 2"},
		{Role: "assistant", Content: "old reply 2"},
		{Role: "user", Content: "recent turn"},
	}
	pipeline := hooks.New(map[hooks.Kind][]hooks.Entry{
		hooks.KindCompaction: {{Command: "exit 2"}},
	})
	prov := provider.NewMock("mock", "should not be used")
	out, compacted, err := Compress(context.Background(), prov, history, Options{TokenCeiling: 1, KeepRecentTurns: 1}, pipeline)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if compacted {
		t.Error("hook-aborted compaction should report compacted=false")
	}
	if len(out) != len(history) {
		t.Errorf("expected original history returned unchanged, got %d messages", len(out))
	}
}

func TestCompressNothingOldEnoughToSummarize(t *testing.T) {
	// All messages are within the keep-recent window; compaction can't help.
	history := []provider.Message{
		{Role: "user", Content: "only turn"},
		{Role: "assistant", Content: "only reply"},
	}
	prov := provider.NewMock("mock", "unused")
	out, compacted, err := Compress(context.Background(), prov, history, Options{TokenCeiling: 1, KeepRecentTurns: 4}, nil)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if compacted {
		t.Error("should not report compacted when nothing old enough exists")
	}
	if len(out) != len(history) {
		t.Errorf("expected unchanged history, got %d", len(out))
	}
}

func TestCompressSummarizeErrorPropagates(t *testing.T) {
	history := []provider.Message{
		{Role: "user", Content: "old turn 1"},
		{Role: "assistant", Content: "old reply 1"},
		{Role: "user", Content: "old turn 2"},
		{Role: "assistant", Content: "old reply 2"},
		{Role: "user", Content: "recent"},
	}
	prov := provider.NewMock("mock", "")
	_, compacted, err := Compress(context.Background(), prov, history, Options{TokenCeiling: 1, KeepRecentTurns: 1}, nil)
	if err == nil {
		t.Fatal("expected an error from an empty summary response")
	}
	if compacted {
		t.Error("should not report compacted on error")
	}
}
