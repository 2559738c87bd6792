package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/xonecas/snowcore/internal/mcp"
)

// Agent is a named sub-agent configuration: its role prompt, the glob list
// of tools it may use, and an optional config-profile override.
type Agent struct {
	ID             string
	Name           string
	SystemPrompt   string
	AllowedTools   []string // glob patterns, matched with '_'/'-' normalized
	ConfigProfile  string
}

// Matches reports whether toolName is allowed for this agent, normalizing
// '_' and '-' so "web_search" matches a "web-search" glob and vice versa.
func (a Agent) Matches(toolName string) bool {
	normalized := normalize(toolName)
	for _, pattern := range a.AllowedTools {
		if ok, _ := path.Match(normalize(pattern), normalized); ok {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.ReplaceAll(s, "_", "-")
}

// TurnResult is what one sub-agent conversation loop run produced.
type TurnResult struct {
	FinalText      string
	PromptTokens   int
	CompletionTokens int
}

// TurnRunner runs one isolated conversation loop to completion. Supplied by
// internal/agentloop at wiring time; kept as an interface here so this
// package doesn't import agentloop (which imports this package to spawn
// sub-agents), avoiding a cycle.
type TurnRunner interface {
	RunTurn(ctx context.Context, opts TurnOptions) (TurnResult, error)
}

// TurnOptions is everything a sub-agent conversation loop needs that the
// parent doesn't share: its own system prompt + task, its own tool set, and
// injected-message draining hooks.
type TurnOptions struct {
	SystemPrompt  string
	UserPrompt    string
	AllowedTools  []mcp.Tool
	MaxToolRounds int
	Depth         int
	ConfigProfile string
	// DrainInjections is polled at the top of every iteration for synthetic
	// user turns (instance inbox + inter-agent queue).
	DrainInjections func() []string
}

// Runtime spawns and tracks sub-agent instances.
type Runtime struct {
	tracker *Tracker
	runner  TurnRunner
	agents  map[string]Agent
	hooks   OnCompleteHook
}

// OnCompleteHook runs the onSubAgentComplete hook kind; its "continue"
// response causes the loop to re-enter with the injected message rather
// than returning. A nil hook is a no-op.
type OnCompleteHook func(ctx context.Context, finalText string, usage map[string]int) (inject string, again bool)

// NewRuntime builds a sub-agent runtime over a set of named agent configs.
func NewRuntime(tracker *Tracker, runner TurnRunner, agents []Agent, onComplete OnCompleteHook) *Runtime {
	byID := make(map[string]Agent, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}
	return &Runtime{tracker: tracker, runner: runner, agents: byID, hooks: onComplete}
}

// Spawn runs agentID's conversation loop in isolation with prompt as the
// user's task, honoring maxIterations (0 = the agent's default). allTools
// is the full catalog to filter down to the agent's allowed-tool globs.
// spawnedByInstance, if non-empty, means this spawn was itself requested by
// a running sub-agent: the result goes to the spawned-result queue instead
// of being returned directly.
func (r *Runtime) Spawn(ctx context.Context, agentID, prompt string, maxIterations int, allTools []mcp.Tool, spawnedByInstance string) (string, error) {
	agent, ok := r.agents[agentID]
	if !ok {
		return "", fmt.Errorf("subagent: unknown agent %q", agentID)
	}

	filtered := make([]mcp.Tool, 0, len(allTools))
	for _, t := range allTools {
		if agent.Matches(t.Name) {
			filtered = append(filtered, t)
		}
	}
	if len(filtered) == 0 {
		return "", fmt.Errorf("subagent: agent %q has no matching tools in its allowed list", agentID)
	}

	instanceID := "spawn-" + uuid.NewString()
	inst := r.tracker.Register(instanceID, agentID, agent.Name, prompt)
	defer r.tracker.Unregister(instanceID)

	text, usage, err := r.runLoop(ctx, agent, prompt, maxIterations, filtered, inst)
	if err != nil {
		return "", err
	}

	if spawnedByInstance != "" {
		r.tracker.PushSpawnedResult(SpawnedResult{InstanceID: instanceID, AgentID: agentID, Text: text})
		return "", nil
	}
	_ = usage
	return text, nil
}

func (r *Runtime) runLoop(ctx context.Context, agent Agent, prompt string, maxIterations int, tools []mcp.Tool, inst *Instance) (string, map[string]int, error) {
	result, err := r.runner.RunTurn(ctx, TurnOptions{
		SystemPrompt:    agent.SystemPrompt,
		UserPrompt:      prompt,
		AllowedTools:    tools,
		MaxToolRounds:   maxIterations,
		Depth:           1,
		ConfigProfile:   agent.ConfigProfile,
		DrainInjections: inst.DrainQueues,
	})
	if err != nil {
		return "", nil, fmt.Errorf("subagent %s: %w", agent.ID, err)
	}

	usage := map[string]int{"promptTokens": result.PromptTokens, "completionTokens": result.CompletionTokens}
	finalText := result.FinalText

	if r.hooks != nil {
		for {
			inject, again := r.hooks(ctx, finalText, usage)
			if !again {
				break
			}
			next, err := r.runner.RunTurn(ctx, TurnOptions{
				SystemPrompt:    agent.SystemPrompt,
				UserPrompt:      inject,
				AllowedTools:    tools,
				MaxToolRounds:   maxIterations,
				Depth:           1,
				ConfigProfile:   agent.ConfigProfile,
				DrainInjections: inst.DrainQueues,
			})
			if err != nil {
				return finalText, usage, nil
			}
			finalText = next.FinalText
			usage["promptTokens"] += next.PromptTokens
			usage["completionTokens"] += next.CompletionTokens
		}
	}

	return finalText, usage, nil
}

// ToolName is the tool name the scheduler routes to this package: the
// spawn protocol's entry point is "subagent-<id>".
func ToolName(agentID string) string { return "subagent-" + agentID }

// ParseToolName extracts the agent id from a "subagent-<id>" tool name.
func ParseToolName(name string) (agentID string, ok bool) {
	const prefix = "subagent-"
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}
	return strings.TrimPrefix(name, prefix), true
}

// SpawnArgs is the JSON argument shape every subagent-<id> tool call takes.
type SpawnArgs struct {
	Prompt        string `json:"prompt"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// Handle is the mcp.ToolHandler adapter for one agent's spawn tool,
// suitable for direct registration in the tool registry's built-ins.
func (r *Runtime) Handle(agentID string, allTools []mcp.Tool) mcp.ToolHandler {
	return func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args SpawnArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return errorResult("invalid arguments: %v", err), nil
		}
		if args.Prompt == "" {
			return errorResult("prompt is required"), nil
		}
		text, err := r.Spawn(ctx, agentID, args.Prompt, args.MaxIterations, allTools, "")
		if err != nil {
			return errorResult("%v", err), nil
		}
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}}, nil
	}
}

func errorResult(format string, args ...any) *mcp.ToolResult {
	return &mcp.ToolResult{IsError: true, Content: []mcp.ContentBlock{{Type: "text", Text: fmt.Sprintf(format, args...)}}}
}

// SendMessageArgs is the argument shape for a sub-agent's
// send_message_to_agent tool.
type SendMessageArgs struct {
	AgentID string `json:"agentId"`
	Message string `json:"message"`
}

// NewSendMessageTool defines the inter-agent messaging tool every
// sub-agent instance gets access to, regardless of its own allowed-tool
// glob list.
func NewSendMessageTool() mcp.Tool {
	return mcp.Tool{
		Name: "subagent-send_message_to_agent",
		Description: `Send a message to a running instance of another sub-agent type. Resolves by
agent type to its first running instance; delivery happens at that instance's next iteration
boundary, not immediately.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"agentId": {"type": "string", "description": "The target agent's type id."},
				"message": {"type": "string", "description": "The message to enqueue for the target instance."}
			},
			"required": ["agentId", "message"]
		}`),
	}
}

// MakeSendMessageHandler builds the inter-agent messaging tool: resolves
// the target by agent type (first running instance), enqueues, and reports
// delivery. Messages never bypass the target's iteration boundary.
func MakeSendMessageHandler(tracker *Tracker) mcp.ToolHandler {
	return func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args SendMessageArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return errorResult("invalid arguments: %v", err), nil
		}
		if !tracker.SendToAgent(args.AgentID, args.Message) {
			return errorResult("no running instance of agent %q", args.AgentID), nil
		}
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "message delivered"}}}, nil
	}
}
