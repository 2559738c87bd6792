package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/xonecas/snowcore/internal/mcp"
)

// TodoStatus is the lifecycle state of a single todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// TodoItem is one entry in the agent's working plan.
type TodoItem struct {
	ID      string     `json:"id"`
	Content string     `json:"content"`
	Status  TodoStatus `json:"status"`
}

// TodoList holds the agent's current plan and persists it to
// ~/.snow/todos/<project-id>/<session-id>.json (spec §6) so a session can be
// resumed with its todo state intact. Every write calls onUpdate (if set) so
// a transport layer can emit a todo_update / todos event.
type TodoList struct {
	mu       sync.RWMutex
	items    []TodoItem
	path     string
	onUpdate func([]TodoItem)
}

// NewTodoList creates a TodoList backed by path, loading any existing
// content. path may be empty, in which case the list is in-memory only.
func NewTodoList(path string) *TodoList {
	l := &TodoList{path: path}
	if path == "" {
		return l
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return l
	}
	_ = json.Unmarshal(data, &l.items)
	return l
}

// OnUpdate registers a callback invoked after every successful write.
func (l *TodoList) OnUpdate(fn func([]TodoItem)) {
	l.mu.Lock()
	l.onUpdate = fn
	l.mu.Unlock()
}

// Items returns a copy of the current todo list.
func (l *TodoList) Items() []TodoItem {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]TodoItem, len(l.items))
	copy(out, l.items)
	return out
}

// Write replaces the todo list and persists it.
func (l *TodoList) Write(items []TodoItem) error {
	l.mu.Lock()
	l.items = items
	cb := l.onUpdate
	path := l.path
	l.mu.Unlock()

	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create todos dir: %w", err)
		}
		data, err := json.MarshalIndent(items, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal todos: %w", err)
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fmt.Errorf("write todos: %w", err)
		}
	}
	if cb != nil {
		cb(items)
	}
	return nil
}

// TodoWriteArgs represents arguments for the todo-write tool: a full
// replacement of the working plan. Items without an id are assigned one.
type TodoWriteArgs struct {
	Todos []TodoWriteItem `json:"todos"`
}

// TodoWriteItem is a single todo entry as submitted by the model.
type TodoWriteItem struct {
	ID      string `json:"id,omitempty"`
	Content string `json:"content"`
	Status  string `json:"status,omitempty"` // pending | in_progress | completed; default pending
}

// NewTodoWriteTool creates the todo-write tool definition.
func NewTodoWriteTool() mcp.Tool {
	return mcp.Tool{
		Name: "todo-write",
		Description: `Write or update your working plan. The full list of todos replaces any
previous plan. Use this to track goals, progress, and next steps for tasks with 3+ steps;
mark items in_progress as you start them and completed as you finish. Skip for simple
single-step tasks.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"todos": {
					"type": "array",
					"description": "The complete, updated todo list. This replaces the previous list entirely.",
					"items": {
						"type": "object",
						"properties": {
							"id":      {"type": "string", "description": "Stable identifier; omit to have one assigned"},
							"content": {"type": "string", "description": "What this todo item is"},
							"status":  {"type": "string", "enum": ["pending", "in_progress", "completed"], "description": "Default: pending"}
						},
						"required": ["content"]
					}
				}
			},
			"required": ["todos"]
		}`),
	}
}

// MakeTodoWriteHandler creates a handler that replaces the todo list.
func MakeTodoWriteHandler(list *TodoList) mcp.ToolHandler {
	return func(_ context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args TodoWriteArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return toolError("Invalid arguments: %v", err), nil
		}
		if len(args.Todos) == 0 {
			return toolError("todos cannot be empty"), nil
		}

		items := make([]TodoItem, len(args.Todos))
		for i, t := range args.Todos {
			if t.Content == "" {
				return toolError("todos[%d].content cannot be empty", i), nil
			}
			status := TodoStatus(t.Status)
			switch status {
			case "":
				status = TodoPending
			case TodoPending, TodoInProgress, TodoCompleted:
			default:
				return toolError("todos[%d].status must be one of pending, in_progress, completed", i), nil
			}
			id := t.ID
			if id == "" {
				id = fmt.Sprintf("todo-%d", i+1)
			}
			items[i] = TodoItem{ID: id, Content: t.Content, Status: status}
		}

		if err := list.Write(items); err != nil {
			return toolError("Failed to persist todos: %v", err), nil
		}

		return toolText(fmt.Sprintf("Plan updated (%d item(s)).", len(items))), nil
	}
}
