package agentloop

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// basePrompt is the dialect-agnostic system prompt shared across models.
// Per-dialect framing (thinking-block handling, cache-breakpoint hints) is
// the provider adapter's job, not the prompt's — this text only sets the
// assistant's working agreement with the tool surface.
const basePrompt = `You are a terminal-based coding assistant. You have access to tools for
reading and editing files, running shell commands, searching code, and
spawning focused sub-agents for self-contained sub-tasks.

Guidelines:
- Prefer the smallest change that satisfies the request.
- Read before you edit; don't guess at file contents.
- Use Shell for commands, not as a substitute for the Read/Edit tools.
- When a task decomposes into independent pieces, consider a sub-agent
  rather than doing everything serially yourself.
- State what you changed and why only when it isn't obvious from the diff.`

// SelectPrompt returns the base system prompt. Unlike the teacher's
// per-dialect embedded files, one prompt covers every wire dialect here:
// dialect-specific framing (thinking blocks, cache breakpoints) is handled
// by the provider adapter, not duplicated per model family in the prompt.
func SelectPrompt(modelID string) string {
	return basePrompt
}

// LoadAgentInstructions searches for AGENTS.md files from the working
// directory up to the filesystem root, then the user's global config, and
// returns their concatenated contents with project-level instructions
// taking precedence.
func LoadAgentInstructions() string {
	var instructions []string

	cwd, err := os.Getwd()
	if err == nil {
		dir := cwd
		for {
			path := filepath.Join(dir, "AGENTS.md")
			if content := readFileIfExists(path); content != "" {
				instructions = append(instructions, fmt.Sprintf("Instructions from: %s\n%s", path, content))
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		path := filepath.Join(home, ".snow", "AGENTS.md")
		if content := readFileIfExists(path); content != "" {
			instructions = append(instructions, fmt.Sprintf("Instructions from: %s\n%s", path, content))
		}
	}

	for i, j := 0, len(instructions)-1; i < j; i, j = i+1, j-1 {
		instructions[i], instructions[j] = instructions[j], instructions[i]
	}

	return strings.Join(instructions, "\n\n")
}

// BuildSystemPrompt combines the base prompt with any AGENTS.md
// instructions found for the current project/user.
func BuildSystemPrompt(modelID string) string {
	base := SelectPrompt(modelID)
	agentInstructions := LoadAgentInstructions()

	if agentInstructions == "" {
		return base
	}
	return agentInstructions + "\n\n---\n\n" + base
}

func readFileIfExists(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
