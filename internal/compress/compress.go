// Package compress implements spec §4.L's context compactor: when the
// running token estimate for the next turn exceeds a configured ceiling,
// a prefix of the history (system messages and the most recent N turns
// excluded) is replaced with a single summary message produced by a
// single-shot call through the same provider path used for the turn
// itself, grounded in the teacher's own turn-streaming idiom
// (internal/agentloop's streamAndCollect) but collapsed to one blocking
// call with no tool calls in play.
package compress

import (
	"context"
	"fmt"
	"strings"

	"github.com/xonecas/snowcore/internal/hooks"
	"github.com/xonecas/snowcore/internal/provider"
	"github.com/xonecas/snowcore/internal/toolregistry"
)

// DefaultKeepRecentTurns is the number of trailing user turns kept
// uncompressed when no override is configured.
const DefaultKeepRecentTurns = 4

const summaryPrompt = `Summarize the conversation above in a dense but complete paragraph,
preserving concrete facts, decisions, file paths, and open tasks a continuing assistant
would need. Do not add commentary about the summarization itself.`

// Options configures one compaction attempt.
type Options struct {
	// TokenCeiling is the running-estimate threshold that triggers
	// compaction; zero or negative disables it.
	TokenCeiling int
	// KeepRecentTurns is the number of trailing user turns (and their
	// assistant/tool responses) left untouched.
	KeepRecentTurns int
	// Model is the provider model used for the summary call, typically
	// the config's basic-tier model.
	Model string
}

// EstimateMessages sums toolregistry.EstimateTokens over every message's
// content, reasoning, and tool-call arguments.
func EstimateMessages(messages []provider.Message) int {
	total := 0
	for _, m := range messages {
		total += toolregistry.EstimateTokens(m.Content)
		total += toolregistry.EstimateTokens(m.Reasoning)
		for _, tc := range m.ToolCalls {
			total += toolregistry.EstimateTokens(string(tc.Arguments))
		}
	}
	return total
}

// ShouldCompress reports whether messages' estimated size exceeds ceiling.
func ShouldCompress(messages []provider.Message, ceiling int) bool {
	if ceiling <= 0 {
		return false
	}
	return EstimateMessages(messages) > ceiling
}

// splitPrefix returns the index where the compressible prefix ends: past
// any leading system messages, and far enough from the end to leave
// keepRecentTurns full user turns intact. It never lands inside a
// tool-call block (an assistant message with tool_calls through its
// matching tool responses), matching the loop's own insertion-safety
// rule for synthetic messages.
func splitPrefix(messages []provider.Message, keepRecentTurns int) int {
	if keepRecentTurns <= 0 {
		keepRecentTurns = DefaultKeepRecentTurns
	}
	start := 0
	for start < len(messages) && messages[start].Role == "system" {
		start++
	}

	cut := len(messages)
	turns := 0
	for i := len(messages) - 1; i >= start; i-- {
		if messages[i].Role == "user" {
			turns++
			if turns > keepRecentTurns {
				cut = i + 1
				break
			}
		}
		cut = i
	}
	if cut < start {
		cut = start
	}
	for cut > start && messages[cut].Role == "tool" {
		cut--
	}
	return cut
}

// Compress applies one compaction pass if the ceiling is exceeded. If a
// hook pipeline is given and its KindCompaction entries abort, messages
// is returned unchanged with compacted=false and no error, matching the
// spec's "turn proceeds uncompressed, caller is informed" rule.
func Compress(ctx context.Context, prov provider.Provider, messages []provider.Message, opts Options, pipeline *hooks.Pipeline) (result []provider.Message, compacted bool, err error) {
	if !ShouldCompress(messages, opts.TokenCeiling) {
		return messages, false, nil
	}

	cut := splitPrefix(messages, opts.KeepRecentTurns)
	start := 0
	for start < cut && messages[start].Role == "system" {
		start++
	}
	if cut <= start {
		// Nothing old enough to summarize; recent turns alone exceed the
		// ceiling, which compaction can't help with.
		return messages, false, nil
	}

	if pipeline != nil {
		res := pipeline.Run(ctx, hooks.Event{Kind: hooks.KindCompaction})
		if res.Outcome == hooks.OutcomeAbort {
			return messages, false, nil
		}
	}

	summary, err := summarize(ctx, prov, opts.Model, messages[start:cut])
	if err != nil {
		return messages, false, fmt.Errorf("compress: summarize: %w", err)
	}

	out := make([]provider.Message, 0, len(messages)-cut+start+1)
	out = append(out, messages[:start]...)
	out = append(out, provider.Message{Role: "assistant", Content: summary})
	out = append(out, messages[cut:]...)
	return out, true, nil
}

// summarize runs one blocking, tool-free call through prov and collects
// the full text response.
func summarize(ctx context.Context, prov provider.Provider, model string, prefix []provider.Message) (string, error) {
	req := make([]provider.Message, 0, len(prefix)+1)
	req = append(req, prefix...)
	req = append(req, provider.Message{Role: "user", Content: summaryPrompt})

	events, err := prov.ChatStream(ctx, req, nil)
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for ev := range events {
		switch ev.Type {
		case provider.EventContentDelta:
			text.WriteString(ev.Content)
		case provider.EventError:
			return "", ev.Err
		case provider.EventDone:
		}
	}
	if text.Len() == 0 {
		return "", fmt.Errorf("compress: empty summary from model %q", model)
	}
	return text.String(), nil
}
