package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xonecas/snowcore/internal/hashline"
	"github.com/xonecas/snowcore/internal/mcp"
)

// EditSearchArgs represents arguments for the filesystem-edit_search tool:
// a fuzzy-match variant of filesystem-edit for when the model doesn't have
// fresh hashline anchors (e.g. after a sub-agent edited the file).
type EditSearchArgs struct {
	File    string `json:"filePath"`
	Search  string `json:"search"`  // block of text to locate, matched fuzzily
	Replace string `json:"replace"` // replacement text
}

// NewEditSearchTool creates the filesystem-edit_search tool definition.
func NewEditSearchTool() mcp.Tool {
	return mcp.Tool{
		Name: "filesystem-edit_search",
		Description: `Edit a file by fuzzy-matching a block of text rather than hash anchors. Use this
when you don't have fresh line hashes (e.g. the file may have changed since your last read).
Matches the best-scoring contiguous block of lines against "search" and replaces it with "replace".`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"filePath": {"type": "string", "description": "Path to the file to edit"},
				"search":   {"type": "string", "description": "Block of text to locate (fuzzy match)"},
				"replace":  {"type": "string", "description": "Replacement text"}
			},
			"required": ["filePath", "search", "replace"]
		}`),
	}
}

// EditSearchHandler handles filesystem-edit_search tool calls.
type EditSearchHandler struct {
	tracker   *FileReadTracker
	threshold float64
}

// NewEditSearchHandler creates a handler using the configured similarity
// threshold (config's editSimilarityThreshold, spec §6).
func NewEditSearchHandler(tracker *FileReadTracker, threshold float64) *EditSearchHandler {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.85
	}
	return &EditSearchHandler{tracker: tracker, threshold: threshold}
}

// Handle implements the mcp.ToolHandler interface.
func (h *EditSearchHandler) Handle(_ context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	var args EditSearchArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return toolError("Invalid arguments: %v", err), nil
	}
	if args.File == "" || args.Search == "" {
		return toolError("filePath and search are required"), nil
	}

	absPath, err := validatePath(args.File)
	if err != nil {
		return toolError("%v", err), nil
	}
	if !h.tracker.WasRead(absPath) {
		return toolError("You must filesystem-read the file before editing it. Read %s first.", args.File), nil
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return toolError("Failed to read file: %v", err), nil
	}

	lines := strings.Split(string(content), "\n")
	searchLines := strings.Split(args.Search, "\n")

	start, end, score := bestFuzzyMatch(lines, searchLines)
	if score < h.threshold {
		return toolError("No sufficiently similar block found (best match scored %.2f, need >= %.2f); re-read the file and try filesystem-edit instead", score, h.threshold), nil
	}

	newLines := make([]string, 0, len(lines))
	newLines = append(newLines, lines[:start]...)
	newLines = append(newLines, strings.Split(args.Replace, "\n")...)
	newLines = append(newLines, lines[end+1:]...)
	result := strings.Join(newLines, "\n")

	if err := os.WriteFile(absPath, []byte(result), 0600); err != nil {
		return toolError("Failed to write file: %v", err), nil
	}

	tagged := hashline.TagLines(result, 1)
	text := fmt.Sprintf("Edited %s via fuzzy match (score %.2f, %d lines):\n\n%s", args.File, score, len(tagged), hashline.FormatTagged(tagged))

	return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: text}}}, nil
}

// bestFuzzyMatch slides a window the height of searchLines over lines and
// returns the [start,end] (0-indexed, inclusive) of the best-scoring window
// by line-wise similarity ratio, plus its score in [0,1].
func bestFuzzyMatch(lines, searchLines []string) (start, end int, score float64) {
	n := len(searchLines)
	if n == 0 || n > len(lines) {
		return 0, 0, 0
	}
	best := -1.0
	bestStart := 0
	for i := 0; i+n <= len(lines); i++ {
		total := 0.0
		for j := 0; j < n; j++ {
			total += lineSimilarity(lines[i+j], searchLines[j])
		}
		avg := total / float64(n)
		if avg > best {
			best = avg
			bestStart = i
		}
	}
	return bestStart, bestStart + n - 1, best
}

// lineSimilarity is a cheap character-level similarity ratio (1 - normalized
// Levenshtein-ish edit distance via longest-common-subsequence length),
// adequate for locating a shifted block without pulling in a diff library.
func lineSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	lcs := longestCommonSubsequence(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 0
	}
	return float64(lcs) / float64(maxLen)
}

func longestCommonSubsequence(a, b string) int {
	m, n := len(a), len(b)
	prev := make([]int, n+1)
	cur := make([]int, n+1)
	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
			} else if prev[j] >= cur[j-1] {
				cur[j] = prev[j]
			} else {
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[n]
}
