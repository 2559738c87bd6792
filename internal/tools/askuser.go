package tools

import (
	"context"
	"encoding/json"

	"github.com/xonecas/snowcore/internal/mcp"
	"github.com/xonecas/snowcore/internal/toolregistry"
)

// AskUserArgs represents arguments for the askuser-ask_question tool.
type AskUserArgs struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// NewAskUserTool creates the askuser-ask_question tool definition.
func NewAskUserTool() mcp.Tool {
	return mcp.Tool{
		Name: "askuser-ask_question",
		Description: `Ask the user a clarifying question with a fixed set of choices, when the task
cannot safely proceed without their input. Pauses tool execution until the user responds.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"question": {"type": "string", "description": "The question to ask the user."},
				"options":  {"type": "array", "items": {"type": "string"}, "minItems": 2, "description": "At least two choices the user can pick from."}
			},
			"required": ["question", "options"]
		}`),
	}
}

// MakeAskUserHandler creates a handler for the askuser-ask_question tool.
// Unlike other built-ins, a valid call never returns a normal result: it
// raises toolregistry.ErrUserInteractionNeeded, which the agent loop's tool
// executor catches and hands off to the UI/transport layer to resolve out
// of band.
func MakeAskUserHandler() mcp.ToolHandler {
	return func(_ context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args AskUserArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return toolError("Invalid arguments: %v", err), nil
		}
		if args.Question == "" {
			return toolError("question cannot be empty"), nil
		}
		if len(args.Options) < 2 {
			return toolError("options must contain at least two choices"), nil
		}

		return nil, &toolregistry.ErrUserInteractionNeeded{
			Question: args.Question,
			Options:  args.Options,
		}
	}
}
