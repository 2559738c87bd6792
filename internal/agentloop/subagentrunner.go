package agentloop

import (
	"context"
	"fmt"
	"time"

	"github.com/xonecas/snowcore/internal/hooks"
	"github.com/xonecas/snowcore/internal/provider"
	"github.com/xonecas/snowcore/internal/scheduler"
	"github.com/xonecas/snowcore/internal/subagent"
	"github.com/xonecas/snowcore/internal/toolregistry"
)

// SubAgentRunner adapts ProcessTurn into subagent.TurnRunner, so the
// sub-agent runtime can drive the same conversation loop as the root agent
// without importing this package (which itself imports subagent, to wire
// send_message_to_agent and spawned results).
type SubAgentRunner struct {
	Provider provider.Provider
	Registry *toolregistry.Registry
	Hooks    *hooks.Pipeline
	Approver scheduler.Approver
}

// RunTurn implements subagent.TurnRunner. It runs an isolated history
// (system prompt + task), draining the instance's injected-message queues
// at the top of each iteration as synthetic user turns, with an
// empty-response guard that retries up to three times with a one-second
// spacing before giving up, per the spec's sub-agent iteration rule.
func (r *SubAgentRunner) RunTurn(ctx context.Context, topts subagent.TurnOptions) (subagent.TurnResult, error) {
	history := []provider.Message{
		{Role: "system", Content: topts.SystemPrompt, CreatedAt: time.Now()},
		{Role: "user", Content: topts.UserPrompt, CreatedAt: time.Now()},
	}

	var totalIn, totalOut int
	var lastAssistantText string

	const maxEmptyGuard = 3
	emptyStreak := 0

	for emptyStreak <= maxEmptyGuard {
		opts := ProcessTurnOptions{
			Provider:      r.Provider,
			Registry:      r.Registry,
			Hooks:         r.Hooks,
			Approver:      r.Approver,
			Tools:         topts.AllowedTools,
			History:       history,
			MaxToolRounds: topts.MaxToolRounds,
			Depth:         topts.Depth,
			OnUsage: func(in, out int) {
				totalIn += in
				totalOut += out
			},
			OnMessage: func(msg provider.Message) {
				if msg.Role == "assistant" && msg.Content != "" {
					lastAssistantText = msg.Content
				}
			},
		}
		if topts.DrainInjections != nil {
			for _, injected := range topts.DrainInjections() {
				opts.History = append(opts.History, provider.Message{Role: "user", Content: injected, CreatedAt: time.Now()})
			}
		}

		if err := ProcessTurn(ctx, opts); err != nil {
			return subagent.TurnResult{}, err
		}
		history = opts.History

		if lastAssistantText != "" {
			return subagent.TurnResult{FinalText: lastAssistantText, PromptTokens: totalIn, CompletionTokens: totalOut}, nil
		}

		emptyStreak++
		if emptyStreak > maxEmptyGuard {
			break
		}
		select {
		case <-ctx.Done():
			return subagent.TurnResult{}, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	return subagent.TurnResult{}, fmt.Errorf("agentloop: sub-agent produced no output after %d empty retries", maxEmptyGuard)
}
