// Package approval implements the scheduler's approval decision path (spec
// §4.C): an always-approved set shared across the session and its running
// sub-agents, plus a ConfirmFunc callback through which a transport layer
// (SSE or CLI prompt) asks the user, grounded in the teacher's own
// shell command blocker (internal/shell.DefaultBlockFuncs) generalized from
// a hard block into a softer "ask first" sensitive-pattern list.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/xonecas/snowcore/internal/scheduler"
)

// SensitivePattern is one regex rule from ~/.snow/sensitive-commands.json
// matched against a terminal-execute call's command string.
type SensitivePattern struct {
	Pattern string `json:"pattern"`
	Enabled bool   `json:"enabled"`
}

// DefaultSensitivePatterns mirrors the spec's S4 example (`rm -rf`) plus the
// other common destructive-by-default shapes; the user can add/disable more
// via sensitive-commands.json.
var DefaultSensitivePatterns = []SensitivePattern{
	{Pattern: `\brm\s+-rf\b`, Enabled: true},
	{Pattern: `\bgit\s+push\s+.*--force\b`, Enabled: true},
	{Pattern: `\bgit\s+reset\s+--hard\b`, Enabled: true},
	{Pattern: `(?i)\bdrop\s+table\b`, Enabled: true},
	{Pattern: `>\s*/dev/sd`, Enabled: true},
}

// LoadSensitivePatterns reads path (spec's ~/.snow/sensitive-commands.json),
// falling back to DefaultSensitivePatterns when the file doesn't exist.
func LoadSensitivePatterns(path string) ([]SensitivePattern, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultSensitivePatterns, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sensitive-commands.json: %w", err)
	}
	var patterns []SensitivePattern
	if err := json.Unmarshal(data, &patterns); err != nil {
		return nil, fmt.Errorf("parse sensitive-commands.json: %w", err)
	}
	return patterns, nil
}

// SaveSensitivePatterns persists patterns to path.
func SaveSensitivePatterns(path string, patterns []SensitivePattern) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(patterns, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Classifier reports whether a tool call is "sensitive" and needs an
// explicit confirmation even when the tool itself is pre-approved.
type Classifier struct {
	compiled []*regexp.Regexp
}

// NewClassifier compiles the enabled patterns, skipping invalid ones.
func NewClassifier(patterns []SensitivePattern) *Classifier {
	c := &Classifier{}
	for _, p := range patterns {
		if !p.Enabled {
			continue
		}
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			continue
		}
		c.compiled = append(c.compiled, re)
	}
	return c
}

// IsSensitive reports whether command matches any enabled pattern.
func (c *Classifier) IsSensitive(command string) bool {
	for _, re := range c.compiled {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// ConfirmFunc presents one pending tool call to the user (via SSE
// tool_confirmation_request or a CLI prompt) and blocks for the reply.
type ConfirmFunc func(ctx context.Context, call scheduler.ToolCall, siblings []scheduler.ToolCall, sensitive bool) (scheduler.ApprovalDecision, string, error)

// Approver implements scheduler.Approver. YOLO bypasses the confirm step for
// everything except sensitive calls; a sensitive call always confirms even
// under YOLO or with its name already on the always-approved set, matching
// spec §4.C's "isSensitive" carve-out.
type Approver struct {
	mu          sync.Mutex
	alwaysSet   map[string]struct{} // session + process-local, merged
	classifier  *Classifier
	confirm     ConfirmFunc
	yolo        bool
	persistFunc func(name string) // called on RememberAlways, to persist to the session
}

// New builds an Approver. alwaysApproved seeds the set from the session's
// persisted alwaysApproved[] (spec §6). persist is called with each newly
// remembered tool name so the caller can append it back to the session and
// save; it may be nil.
func New(alwaysApproved []string, classifier *Classifier, confirm ConfirmFunc, yolo bool, persist func(name string)) *Approver {
	set := make(map[string]struct{}, len(alwaysApproved))
	for _, n := range alwaysApproved {
		set[n] = struct{}{}
	}
	return &Approver{alwaysSet: set, classifier: classifier, confirm: confirm, yolo: yolo, persistFunc: persist}
}

// IsPreApproved implements scheduler.Approver. A sensitive call always
// returns false here, regardless of YOLO or the always-approved set, so
// Confirm is guaranteed to run for it.
func (a *Approver) IsPreApproved(call scheduler.ToolCall) bool {
	if a.classifier != nil && a.classifier.IsSensitive(commandArg(call)) {
		return false
	}
	if a.yolo {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.alwaysSet[call.Name]
	return ok
}

// Confirm implements scheduler.Approver.
func (a *Approver) Confirm(ctx context.Context, call scheduler.ToolCall, siblings []scheduler.ToolCall) (scheduler.ApprovalDecision, string, error) {
	sensitive := a.classifier != nil && a.classifier.IsSensitive(commandArg(call))
	if a.yolo && !sensitive {
		return scheduler.Approve, "", nil
	}
	if a.confirm == nil {
		return scheduler.Approve, "", nil
	}
	decision, reply, err := a.confirm(ctx, call, siblings, sensitive)
	if err != nil {
		return scheduler.Reject, "", err
	}
	if decision == scheduler.ApproveAlways {
		a.RememberAlways(call.Name)
	}
	return decision, reply, nil
}

// RememberAlways implements scheduler.Approver.
func (a *Approver) RememberAlways(name string) {
	a.mu.Lock()
	a.alwaysSet[name] = struct{}{}
	a.mu.Unlock()
	if a.persistFunc != nil {
		a.persistFunc(name)
	}
}

// commandArg extracts the "command" string argument from a terminal-execute
// call, for sensitive-pattern matching; other tools never match.
func commandArg(call scheduler.ToolCall) string {
	if call.Name != "terminal-execute" {
		return ""
	}
	var args struct {
		Command string `json:"command"`
	}
	_ = json.Unmarshal(call.Arguments, &args)
	return args.Command
}
