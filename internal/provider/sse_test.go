package provider

import (
	"context"
	"strings"
	"testing"
)

func drain(ch chan StreamEvent, reader *strings.Reader) []StreamEvent {
	ctx := context.Background()
	done := make(chan struct{})
	var events []StreamEvent
	go func() {
		parseSSEStream(ctx, reader, ch)
		close(done)
	}()
	<-done
	close(ch)
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestParseSSEStreamContentDeltas(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"hello\"}}]}\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n" +
		"data: [DONE]\n"
	ch := make(chan StreamEvent, 10)
	events := drain(ch, strings.NewReader(body))

	var texts []string
	for _, e := range events {
		if e.Type == EventContentDelta {
			texts = append(texts, e.Content)
		}
	}
	if strings.Join(texts, "") != "hello world" {
		t.Errorf("expected concatenated content 'hello world', got %q", strings.Join(texts, ""))
	}
	if events[len(events)-1].Type != EventDone {
		t.Errorf("expected trailing EventDone, got %v", events[len(events)-1].Type)
	}
}

func TestParseSSEStreamUsage(t *testing.T) {
	body := "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":5}}\n" +
		"data: [DONE]\n"
	ch := make(chan StreamEvent, 10)
	events := drain(ch, strings.NewReader(body))

	found := false
	for _, e := range events {
		if e.Type == EventUsage {
			found = true
			if e.InputTokens != 10 || e.OutputTokens != 5 {
				t.Errorf("unexpected usage: %+v", e)
			}
		}
	}
	if !found {
		t.Error("expected a usage event")
	}
}

func TestParseSSEStreamToolCalls(t *testing.T) {
	body := `data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"filesystem-read"}}]}}]}` + "\n" +
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"filePath\":\"a.txt\"}"}}]}}]}` + "\n" +
		"data: [DONE]\n"
	ch := make(chan StreamEvent, 10)
	events := drain(ch, strings.NewReader(body))

	var begin, delta *StreamEvent
	for i := range events {
		if events[i].Type == EventToolCallBegin {
			begin = &events[i]
		}
		if events[i].Type == EventToolCallDelta {
			delta = &events[i]
		}
	}
	if begin == nil || begin.ToolCallID != "call_1" || begin.ToolCallName != "filesystem-read" {
		t.Fatalf("expected tool call begin event, got %+v", begin)
	}
	if delta == nil || delta.ToolCallArgs != `{"filePath":"a.txt"}` {
		t.Fatalf("expected tool call args delta, got %+v", delta)
	}
}

func TestParseSSEStreamReasoningDelta(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"reasoning\":\"thinking...\"}}]}\n" +
		"data: [DONE]\n"
	ch := make(chan StreamEvent, 10)
	events := drain(ch, strings.NewReader(body))

	found := false
	for _, e := range events {
		if e.Type == EventReasoningDelta && e.Content == "thinking..." {
			found = true
		}
	}
	if !found {
		t.Error("expected a reasoning delta event")
	}
}

func TestParseSSEStreamIgnoresMalformedChunk(t *testing.T) {
	body := "data: {not valid json\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n" +
		"data: [DONE]\n"
	ch := make(chan StreamEvent, 10)
	events := drain(ch, strings.NewReader(body))

	var texts []string
	for _, e := range events {
		if e.Type == EventContentDelta {
			texts = append(texts, e.Content)
		}
	}
	if strings.Join(texts, "") != "ok" {
		t.Errorf("expected malformed chunk skipped and valid one parsed, got %v", texts)
	}
}

func TestParseSSEStreamNoDoneSentinelStillEmitsDone(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n"
	ch := make(chan StreamEvent, 10)
	events := drain(ch, strings.NewReader(body))

	if events[len(events)-1].Type != EventDone {
		t.Errorf("expected stream end without [DONE] to still emit EventDone, got %v", events[len(events)-1].Type)
	}
}

func TestParseSSEStreamIgnoresNonDataLines(t *testing.T) {
	body := ": comment line\n" +
		"event: ping\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n" +
		"data: [DONE]\n"
	ch := make(chan StreamEvent, 10)
	events := drain(ch, strings.NewReader(body))

	var texts []string
	for _, e := range events {
		if e.Type == EventContentDelta {
			texts = append(texts, e.Content)
		}
	}
	if strings.Join(texts, "") != "hi" {
		t.Errorf("expected only the data: line parsed, got %v", texts)
	}
}
