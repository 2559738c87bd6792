package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/xonecas/snowcore/internal/provider"
)

// cliConnection is the REPL's stand-in for an *sse.Connection: events print
// to stdout as they arrive, and a reply request blocks on a line read from
// stdin instead of an out-of-band POST /message call.
type cliConnection struct {
	mu       sync.Mutex
	pending  map[string]chan cliReply
	reader   *bufio.Reader
	printing sync.Mutex
}

type cliReply struct {
	decision string
	text     string
}

func newCLIConnection() *cliConnection {
	return &cliConnection{pending: make(map[string]chan cliReply), reader: bufio.NewReader(os.Stdin)}
}

// Send prints one event to stdout. content_delta/thinking_delta stream
// inline without a newline; everything else prints as a labeled line.
func (c *cliConnection) Send(eventType string, data any) {
	c.printing.Lock()
	defer c.printing.Unlock()

	switch eventType {
	case "content_delta":
		if s, ok := data.(string); ok {
			fmt.Print(s)
		}
	case "thinking_delta":
		// thinking deltas are never printed in the plain REPL; cmd/snow keeps
		// the CLI minimal and skips them here.
	case "complete":
		fmt.Println()
	case "tool_call":
		if calls, ok := data.([]provider.ToolCall); ok {
			for _, tc := range calls {
				fmt.Printf("\n[tool] %s %s\n", tc.Name, compactJSON(tc.Arguments))
			}
		}
	case "message":
		// assistant/tool messages are already reflected via content_delta and
		// [tool] lines; avoid double-printing the same text here.
	default:
		fmt.Printf("\n[%s] %v\n", eventType, data)
	}
}

// SendRequest prints the request, reads the answer from stdin synchronously
// and parks it on a buffered reply channel; AwaitReply only receives from
// that channel, so in practice the reply is already resolved by the time
// AwaitReply is called from the same goroutine. The channel exists only to satisfy the shared connection
// interface with sse.Connection.
func (c *cliConnection) SendRequest(eventType string, data any, requestID string) {
	c.mu.Lock()
	c.pending[requestID] = make(chan cliReply, 1)
	c.mu.Unlock()

	c.printing.Lock()
	defer c.printing.Unlock()

	switch eventType {
	case "tool_confirmation_request":
		fmt.Printf("\n[confirm] %v\nApprove? [y/N/a=always/reply]: ", data)
	case "user_question":
		fmt.Printf("\n[question] %v\n> ", data)
	default:
		fmt.Printf("\n[%s] %v\n> ", eventType, data)
	}

	line, _ := c.reader.ReadString('\n')
	line = strings.TrimSpace(line)

	decision, text := "reject", ""
	switch eventType {
	case "tool_confirmation_request":
		switch strings.ToLower(line) {
		case "y", "yes":
			decision = "approve"
		case "a", "always":
			decision = "approve_always"
		case "n", "no", "":
			decision = "reject"
		default:
			decision, text = "reject_with_reply", line
		}
	case "user_question":
		decision, text = "approve", line
	default:
		decision, text = "approve", line
	}

	c.mu.Lock()
	ch := c.pending[requestID]
	c.mu.Unlock()
	ch <- cliReply{decision: decision, text: text}
}

func (c *cliConnection) AwaitReply(ctx context.Context, requestID string) (decision, text string, err error) {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		return "", "", fmt.Errorf("cli: no pending request %s", requestID)
	}
	select {
	case r := <-ch:
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return r.decision, r.text, nil
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func compactJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(b)
}
