// Package agentloop implements the main conversation loop: it streams one
// LLM turn, hands any tool calls to the scheduler (which partitions them by
// resource and runs the hook pipeline around each), appends results, and
// repeats until the model stops calling tools. The same loop, parameterized
// differently, backs both the root agent and every sub-agent instance.
package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/snowcore/internal/hooks"
	"github.com/xonecas/snowcore/internal/mcp"
	"github.com/xonecas/snowcore/internal/provider"
	"github.com/xonecas/snowcore/internal/scheduler"
	"github.com/xonecas/snowcore/internal/subagent"
	"github.com/xonecas/snowcore/internal/toolregistry"
)

// MaxDepth is the maximum recursion depth: 0 = root agent, 1 = sub-agent.
// Sub-agents cannot spawn further sub-agents.
const MaxDepth = 1

// MessageCallback is called when a complete message should be added to history.
type MessageCallback func(msg provider.Message)

// DeltaCallback is called for each streaming event (content/reasoning deltas).
type DeltaCallback func(evt provider.StreamEvent)

// ToolCallCallback is called when tool calls are about to be executed.
type ToolCallCallback func(calls []provider.ToolCall)

// UsageCallback is called with accumulated token usage after each LLM call.
type UsageCallback func(inputTokens, outputTokens int)

// ScratchpadReader provides read access to the agent's working plan.
type ScratchpadReader interface {
	Content() string
}

// SnapshotFunc is invoked once per tool round, before results are appended,
// with the message index the round's results will be keyed under. It is not
// handed a path list: the func decides itself which files to snapshot, and
// reports which files it recorded. Optional — a nil func disables snapshotting (e.g. in a
// sub-agent, which shares the parent's project but not its session).
type SnapshotFunc func(ctx context.Context, messageIndex int) (touched []string, err error)

// SpawnedResultDrainer pulls queued results from sub-agents spawned by
// other sub-agents (subagent.Tracker.DrainSpawnedResults), so the main loop
// can inject each as a user message between tool rounds.
type SpawnedResultDrainer func() []subagent.SpawnedResult

// HookFailedEvent is reported via OnHookFailure when a before/after hook
// aborts a tool call mid-turn.
type HookFailedEvent struct {
	ToolName string
	Command  string
	Output   string
	Error    string
	ExitCode int
}

// ProcessTurnOptions configures one run of the loop.
type ProcessTurnOptions struct {
	Provider provider.Provider
	Registry *toolregistry.Registry
	Hooks    *hooks.Pipeline
	Approver scheduler.Approver

	Tools   []mcp.Tool
	History []provider.Message

	// EscWatcher implements the spec's per-call ESC-aborts-terminal-execute
	// behavior (§4.F). Optional; nil leaves terminal-execute calls
	// cancelable only via the turn's own context, like every other tool.
	EscWatcher scheduler.EscWatcher

	OnMessage     MessageCallback
	OnDelta       DeltaCallback
	OnToolCall    ToolCallCallback
	OnUsage       UsageCallback
	OnHookFailure func(HookFailedEvent)
	// OnUserQuestion answers an askuser-ask_question call: it's handed the
	// question and its fixed option list, and blocks until the UI replies.
	// A nil callback makes the tool report that no UI is attached, rather
	// than hanging the turn.
	OnUserQuestion func(ctx context.Context, question string, options []string) (answer string, err error)
	Snapshot       SnapshotFunc
	DrainSpawned   SpawnedResultDrainer

	Scratchpad    ScratchpadReader
	MaxToolRounds int
	Depth         int

	// NextMessageIndex returns the message index the next tool-result batch
	// will occupy in the persisted session, for snapshot keying. Required
	// only when Snapshot is set.
	NextMessageIndex func() int
}

func toProviderTools(tools []mcp.Tool) []provider.Tool {
	out := make([]provider.Tool, len(tools))
	for i, t := range tools {
		out[i] = provider.Tool{Name: t.Name, Description: t.Description, Parameters: t.InputSchema}
	}
	return out
}

// streamAndCollect runs one LLM call: streams events, collects the
// response, reports usage, and retries once on an empty response.
func streamAndCollect(ctx context.Context, opts *ProcessTurnOptions, tools []provider.Tool) (*provider.ChatResponse, error) {
	const maxEmptyRetries = 1

	for attempt := 0; attempt <= maxEmptyRetries; attempt++ {
		stream, err := opts.Provider.ChatStream(ctx, opts.History, tools)
		if err != nil {
			return nil, err
		}
		resp, err := collectWithDeltas(stream, opts.OnDelta)
		if err != nil {
			return nil, err
		}
		if opts.OnUsage != nil && (resp.InputTokens > 0 || resp.OutputTokens > 0) {
			opts.OnUsage(resp.InputTokens, resp.OutputTokens)
		}
		if !isEmptyResponse(resp) {
			return resp, nil
		}
		log.Warn().Str("provider", opts.Provider.Name()).Int("attempt", attempt+1).Msg("agentloop: empty response from provider")
	}

	return nil, fmt.Errorf("empty response from provider %s", opts.Provider.Name())
}

func isEmptyResponse(resp *provider.ChatResponse) bool {
	return resp == nil || (resp.Content == "" && resp.Reasoning == "" && len(resp.ToolCalls) == 0)
}

func emitAssistant(opts *ProcessTurnOptions, resp *provider.ChatResponse) {
	msg := provider.Message{
		Role:         "assistant",
		Content:      resp.Content,
		Reasoning:    resp.Reasoning,
		ToolCalls:    resp.ToolCalls,
		CreatedAt:    time.Now(),
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}
	if opts.OnMessage != nil {
		opts.OnMessage(msg)
	}
	opts.History = append(opts.History, msg)
}

type recentCall struct {
	Name string
	Args string
}

// ProcessTurn runs the conversation loop to completion: one or more
// provider calls, with tool rounds dispatched through the scheduler,
// until the model stops issuing tool calls or the round limit is reached.
func ProcessTurn(ctx context.Context, opts ProcessTurnOptions) error {
	if opts.Depth > MaxDepth {
		return fmt.Errorf("agentloop: max sub-agent depth exceeded: %d > %d", opts.Depth, MaxDepth)
	}
	if opts.MaxToolRounds == 0 {
		opts.MaxToolRounds = 60
	}

	providerTools := toProviderTools(opts.Tools)
	exec := &registryExecutor{registry: opts.Registry, hooks: opts.Hooks, onQuestion: opts.OnUserQuestion}

	var recent []recentCall
	for round := 0; round < opts.MaxToolRounds; round++ {
		injectRecitation(opts.History, opts.Scratchpad, round)

		if opts.DrainSpawned != nil {
			for _, r := range opts.DrainSpawned() {
				msg := provider.Message{
					Role:      "user",
					Content:   fmt.Sprintf("[spawned sub-agent %s result]\n%s", r.AgentID, r.Text),
					CreatedAt: time.Now(),
				}
				idx := safeInsertionIndex(opts.History, 0)
				opts.History = insertAt(opts.History, idx, msg)
				if opts.OnMessage != nil {
					opts.OnMessage(msg)
				}
			}
		}

		resp, err := streamAndCollect(ctx, &opts, providerTools)
		if err != nil {
			return fmt.Errorf("agentloop: LLM stream failed: %w", err)
		}

		emitAssistant(&opts, resp)

		if len(resp.ToolCalls) == 0 {
			return nil
		}

		if opts.OnToolCall != nil {
			opts.OnToolCall(resp.ToolCalls)
		}

		if opts.Snapshot != nil && opts.NextMessageIndex != nil {
			if _, err := opts.Snapshot(ctx, opts.NextMessageIndex()); err != nil {
				log.Warn().Err(err).Msg("agentloop: snapshot failed")
			}
		}

		calls := make([]scheduler.ToolCall, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			calls[i] = scheduler.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
		}
		results, err := scheduler.Run(ctx, calls, opts.Approver, exec, opts.EscWatcher)
		if err != nil {
			return fmt.Errorf("agentloop: scheduler: %w", err)
		}

		toolMsgs := resultsToMessages(results)
		opts.History = append(opts.History, toolMsgs...)
		for _, m := range toolMsgs {
			if opts.OnMessage != nil {
				opts.OnMessage(m)
			}
		}

		var hookFailed bool
		for _, r := range results {
			if r.HookFailed {
				hookFailed = true
				if opts.OnHookFailure != nil {
					opts.OnHookFailure(HookFailedEvent{ToolName: r.Call.Name, Error: r.HookMessage})
				}
			}
		}
		if hookFailed {
			return nil
		}

		for _, tc := range resp.ToolCalls {
			recent = append(recent, recentCall{Name: tc.Name, Args: string(tc.Arguments)})
		}
		if len(recent) >= 3 {
			last3 := recent[len(recent)-3:]
			if last3[0] == last3[1] && last3[1] == last3[2] && len(toolMsgs) > 0 {
				last := &opts.History[len(opts.History)-1]
				last.Content += "\n\n<system-reminder>WARNING: You are repeating the same tool call with the same arguments. This is wasteful. Stop and either try a different approach, summarize what you know, or ask the user for help.</system-reminder>"
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	limitMsg := provider.Message{
		Role:      "user",
		Content:   "You have exhausted your tool call limit for this turn. Respond in text only. Summarize what you accomplished and what remains.",
		CreatedAt: time.Now(),
	}
	if opts.OnMessage != nil {
		opts.OnMessage(limitMsg)
	}
	opts.History = append(opts.History, limitMsg)

	resp, err := streamAndCollect(ctx, &opts, nil)
	if err != nil {
		return fmt.Errorf("agentloop: final text-only LLM stream failed: %w", err)
	}
	emitAssistant(&opts, resp)
	return nil
}

func resultsToMessages(results []scheduler.CallResult) []provider.Message {
	out := make([]provider.Message, 0, len(results))
	for _, r := range results {
		content := ""
		switch {
		case r.HookFailed:
			content = "Tool call aborted by hook: " + r.HookMessage
		case r.Err != nil:
			content = fmt.Sprintf("Error: %v", r.Err)
		case r.Result != nil:
			content = extractTextFromContent(r.Result.Content)
		}
		out = append(out, provider.Message{
			Role:       "tool",
			Content:    content,
			ToolCallID: r.Call.ID,
			CreatedAt:  time.Now(),
		})
	}
	return out
}

// registryExecutor adapts toolregistry+hooks into the scheduler's Executor
// interface: run beforeToolCall, dispatch, run afterToolCall.
type registryExecutor struct {
	registry   *toolregistry.Registry
	hooks      *hooks.Pipeline
	onQuestion func(ctx context.Context, question string, options []string) (string, error)
}

func (e *registryExecutor) Execute(ctx context.Context, call scheduler.ToolCall) (*mcp.ToolResult, error) {
	if e.hooks != nil {
		before := e.hooks.Run(ctx, hooks.Event{Kind: hooks.KindBeforeToolCall, ToolName: call.Name, Arguments: call.Arguments})
		if before.Outcome == hooks.OutcomeAbort {
			return nil, scheduler.NewHookFailedError("beforeToolCall", before.Output, before.Error, before.ExitCode)
		}
	}

	result, err := e.registry.Call(ctx, call.Name, call.Arguments)
	if err != nil {
		var askErr *toolregistry.ErrUserInteractionNeeded
		if errors.As(err, &askErr) {
			return e.answerQuestion(ctx, askErr)
		}
		return nil, err
	}

	if e.hooks != nil {
		resultJSON, _ := json.Marshal(result)
		after := e.hooks.Run(ctx, hooks.Event{Kind: hooks.KindAfterToolCall, ToolName: call.Name, Arguments: call.Arguments, Result: resultJSON})
		if after.Outcome == hooks.OutcomeAbort {
			return nil, scheduler.NewHookFailedError("afterToolCall", after.Output, after.Error, after.ExitCode)
		}
		if after.Outcome == hooks.OutcomeWarn && after.Output != "" {
			result.Content = append(result.Content, mcp.ContentBlock{Type: "text", Text: "\n[hook warning] " + after.Output})
		}
	}

	return result, nil
}

// answerQuestion routes an askuser-ask_question call to the UI callback and
// folds its reply back in as the tool's result text, rather than letting
// the question surface to the model as an ordinary tool error.
func (e *registryExecutor) answerQuestion(ctx context.Context, ask *toolregistry.ErrUserInteractionNeeded) (*mcp.ToolResult, error) {
	if e.onQuestion == nil {
		return &mcp.ToolResult{
			IsError: true,
			Content: []mcp.ContentBlock{{Type: "text", Text: "no UI is attached to answer this question"}},
		}, nil
	}
	answer, err := e.onQuestion(ctx, ask.Question, ask.Options)
	if err != nil {
		return nil, fmt.Errorf("askuser: %w", err)
	}
	return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: answer}}}, nil
}

// toolCallAccumulator tracks tool calls as they stream in.
type toolCallAccumulator struct {
	byIndex     map[int]int
	calls       []provider.ToolCall
	argBuilders []string
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIndex: make(map[int]int)}
}

func (a *toolCallAccumulator) begin(evt provider.StreamEvent) {
	pos := len(a.calls)
	a.byIndex[evt.ToolCallIndex] = pos
	a.calls = append(a.calls, provider.ToolCall{ID: evt.ToolCallID, Name: evt.ToolCallName, ThoughtSignature: evt.ToolCallSignature})
	a.argBuilders = append(a.argBuilders, "")
}

func (a *toolCallAccumulator) delta(evt provider.StreamEvent) {
	if pos, ok := a.byIndex[evt.ToolCallIndex]; ok {
		a.argBuilders[pos] += evt.ToolCallArgs
	}
}

func (a *toolCallAccumulator) finalize() []provider.ToolCall {
	for i := range a.calls {
		if i < len(a.argBuilders) {
			a.calls[i].Arguments = json.RawMessage(a.argBuilders[i])
		}
	}
	return a.calls
}

func collectWithDeltas(ch <-chan provider.StreamEvent, onDelta DeltaCallback) (*provider.ChatResponse, error) {
	var result provider.ChatResponse
	tca := newToolCallAccumulator()

	for evt := range ch {
		if onDelta != nil {
			onDelta(evt)
		}
		switch evt.Type {
		case provider.EventContentDelta:
			result.Content += evt.Content
		case provider.EventReasoningDelta:
			result.Reasoning += evt.Content
		case provider.EventToolCallBegin:
			tca.begin(evt)
		case provider.EventToolCallDelta:
			tca.delta(evt)
		case provider.EventUsage:
			if evt.InputTokens > result.InputTokens {
				result.InputTokens = evt.InputTokens
			}
			if evt.OutputTokens > result.OutputTokens {
				result.OutputTokens = evt.OutputTokens
			}
		case provider.EventError:
			return nil, evt.Err
		case provider.EventDone:
		}
	}

	if calls := tca.finalize(); len(calls) > 0 {
		result.ToolCalls = calls
	}
	return &result, nil
}

const reminderInterval = 10

func injectRecitation(history []provider.Message, pad ScratchpadReader, round int) {
	if round == 0 || round%reminderInterval != 0 {
		return
	}

	var reminder string
	if pad != nil {
		if plan := pad.Content(); plan != "" {
			reminder = plan
		}
	}
	if reminder == "" {
		for _, m := range history {
			if m.Role == "user" {
				reminder = "The user's request: " + m.Content
				break
			}
		}
	}
	if reminder == "" {
		return
	}

	tag := "\n\n<system-reminder>\n"
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "tool" {
			if idx := strings.Index(history[i].Content, tag); idx >= 0 {
				history[i].Content = history[i].Content[:idx]
			}
			history[i].Content += tag + reminder + "\n</system-reminder>"
			return
		}
	}
}

func extractTextFromContent(content []mcp.ContentBlock) string {
	var text string
	for _, block := range content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text
}

// safeInsertionIndex computes a position fromEnd messages from the end of
// history and, if that position falls inside a tool-call block, moves it
// before that block — so a synthetic insertion never lands between an
// assistant's tool_calls and its matching tool responses.
func safeInsertionIndex(history []provider.Message, fromEnd int) int {
	idx := len(history) - fromEnd
	if idx < 0 {
		idx = 0
	}
	if idx > len(history) {
		idx = len(history)
	}
	for i := 0; i < idx; i++ {
		if history[i].Role != "assistant" || len(history[i].ToolCalls) == 0 {
			continue
		}
		want := len(history[i].ToolCalls)
		end := i + 1
		seen := 0
		for end < len(history) && history[end].Role == "tool" && seen < want {
			seen++
			end++
		}
		if idx > i && idx < end {
			return i
		}
	}
	return idx
}

func insertAt(history []provider.Message, idx int, msg provider.Message) []provider.Message {
	out := make([]provider.Message, 0, len(history)+1)
	out = append(out, history[:idx]...)
	out = append(out, msg)
	out = append(out, history[idx:]...)
	return out
}
