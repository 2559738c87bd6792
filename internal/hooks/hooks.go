// Package hooks runs the configured side-channel commands/prompts around
// tool execution and sub-agent completion, grading their outcome by exit
// code the way the teacher's shell command blocker grades banned commands,
// generalized from a single yes/no gate to a continue/warn/abort policy.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/rs/zerolog/log"
)

// Kind names the points in the turn where hooks run.
type Kind string

const (
	KindToolConfirmation   Kind = "toolConfirmation"
	KindBeforeToolCall     Kind = "beforeToolCall"
	KindAfterToolCall      Kind = "afterToolCall"
	KindOnSubAgentComplete Kind = "onSubAgentComplete"
	// KindCompaction runs before internal/compress replaces a history
	// prefix with a summary; an abort leaves the turn uncompressed.
	KindCompaction Kind = "compaction"
)

// Outcome is the graded effect of running one hook entry.
type Outcome int

const (
	OutcomeContinue Outcome = iota
	OutcomeWarn
	OutcomeAbort
)

// Entry is one configured hook: either a shell command or a declarative
// prompt template. Exactly one of Command/Prompt should be set.
type Entry struct {
	Command string
	Prompt  string
	Timeout time.Duration
}

// Event carries the data a hook inspects and, on the prompt path, responds
// to. ToolName/Arguments/Result apply to before/after hooks; FinalText/Usage
// apply to onSubAgentComplete.
type Event struct {
	Kind      Kind
	ToolName  string
	Arguments json.RawMessage
	Result    json.RawMessage
	FinalText string
	Usage     map[string]int
}

// Result is what running one hook entry produced.
type Result struct {
	Outcome Outcome
	Output  string
	Error   string
	ExitCode int

	// Inject, when non-empty, is a message a prompt hook asked to be sent
	// back to the model as a new user turn instead of simply continuing.
	Inject string
}

// PromptResponder answers a declarative prompt hook; wired to the config's
// basic-tier model in practice but kept as an interface so the pipeline
// doesn't depend on the provider package directly. A pipeline with prompt
// entries but no responder treats them as a no-op continue.
type PromptResponder func(ctx context.Context, ev Event, template string) (inject string, abort bool, err error)

// Pipeline runs the configured entries for each hook kind in sequence.
type Pipeline struct {
	entries   map[Kind][]Entry
	Responder PromptResponder
}

// New builds a pipeline from a kind→entries configuration map.
func New(entries map[Kind][]Entry) *Pipeline {
	if entries == nil {
		entries = make(map[Kind][]Entry)
	}
	return &Pipeline{entries: entries}
}

// Run executes every entry registered for ev.Kind in order, stopping at the
// first abort (later entries in the same kind are skipped, matching the
// spec's "the turn halts after the current tool" rule — callers decide what
// "after the current tool" means for the enclosing operation).
func (p *Pipeline) Run(ctx context.Context, ev Event) Result {
	entries := p.entries[ev.Kind]
	if len(entries) == 0 {
		return Result{Outcome: OutcomeContinue}
	}

	combined := Result{Outcome: OutcomeContinue}
	for _, e := range entries {
		r := p.runEntry(ctx, ev, e)
		if r.Output != "" {
			if combined.Output != "" {
				combined.Output += "\n"
			}
			combined.Output += r.Output
		}
		if r.Outcome > combined.Outcome {
			combined = Result{Outcome: r.Outcome, Output: combined.Output, Error: r.Error, ExitCode: r.ExitCode, Inject: r.Inject}
		}
		if r.Outcome == OutcomeAbort {
			break
		}
	}
	return combined
}

func (p *Pipeline) runEntry(ctx context.Context, ev Event, e Entry) Result {
	if e.Prompt != "" {
		return p.runPrompt(ctx, ev, e)
	}
	return p.runCommand(ctx, ev, e)
}

func (p *Pipeline) runCommand(ctx context.Context, ev Event, e Entry) Result {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, _ := json.Marshal(ev)
	cmd := exec.CommandContext(cctx, "/bin/sh", "-c", e.Command)
	cmd.Stdin = bytes.NewReader(payload)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()

	exitCode := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			// context deadline or spawn failure: treat as abort.
			log.Warn().Str("kind", string(ev.Kind)).Err(err).Msg("hooks: command failed to run")
			return Result{Outcome: OutcomeAbort, Error: err.Error(), ExitCode: -1}
		}
	}

	switch {
	case exitCode == 0:
		return Result{Outcome: OutcomeContinue, Output: out.String(), ExitCode: 0}
	case exitCode == 1:
		return Result{Outcome: OutcomeWarn, Output: out.String(), ExitCode: 1}
	default:
		return Result{Outcome: OutcomeAbort, Output: out.String(), Error: fmt.Sprintf("hook exited %d", exitCode), ExitCode: exitCode}
	}
}

func (p *Pipeline) runPrompt(ctx context.Context, ev Event, e Entry) Result {
	if p.Responder == nil {
		return Result{Outcome: OutcomeContinue}
	}
	inject, abort, err := p.Responder(ctx, ev, e.Prompt)
	if err != nil {
		return Result{Outcome: OutcomeWarn, Error: err.Error()}
	}
	if abort {
		return Result{Outcome: OutcomeAbort, Inject: inject}
	}
	if inject != "" {
		return Result{Outcome: OutcomeContinue, Inject: inject}
	}
	return Result{Outcome: OutcomeContinue}
}
