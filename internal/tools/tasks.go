package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// Task is one tracked work item for the current session.
type Task struct {
	ID     int    `json:"id"`
	Text   string `json:"text"`
	Status string `json:"status"` // open, done
}

// TaskList is a process-local task board shared by the task tools.
type TaskList struct {
	mu     sync.Mutex
	nextID int
	tasks  []Task
}

// NewTaskList creates an empty board.
func NewTaskList() *TaskList {
	return &TaskList{nextID: 1}
}

// Add appends an open task and returns it.
func (l *TaskList) Add(text string) Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	task := Task{ID: l.nextID, Text: text, Status: "open"}
	l.nextID++
	l.tasks = append(l.tasks, task)
	return task
}

// Complete marks a task done.
func (l *TaskList) Complete(id int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.tasks {
		if l.tasks[i].ID == id {
			l.tasks[i].Status = "done"
			return true
		}
	}
	return false
}

// All returns a snapshot of the board.
func (l *TaskList) All() []Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Task, len(l.tasks))
	copy(out, l.tasks)
	return out
}

// AddTaskTool records a work item.
type AddTaskTool struct {
	List *TaskList
}

func (t *AddTaskTool) Name() string           { return "add_task" }
func (t *AddTaskTool) Description() string    { return "Record a work item to track during this operation." }
func (t *AddTaskTool) Capability() Capability { return CapTaskManagement }

func (t *AddTaskTool) Schema() json.RawMessage {
	return StrictObjectSchema(map[string]any{
		"text": map[string]any{
			"type":        "string",
			"description": "Task description",
		},
	})
}

func (t *AddTaskTool) Execute(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if params.Text == "" {
		return nil, errors.New("text is required")
	}
	return json.Marshal(t.List.Add(params.Text))
}

// ListTasksTool returns the board.
type ListTasksTool struct {
	List *TaskList
}

func (t *ListTasksTool) Name() string           { return "list_tasks" }
func (t *ListTasksTool) Description() string    { return "List tracked work items." }
func (t *ListTasksTool) Capability() Capability { return CapTaskManagement }

func (t *ListTasksTool) Schema() json.RawMessage {
	return ObjectSchema(map[string]any{}, nil)
}

func (t *ListTasksTool) Execute(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]any{"tasks": t.List.All()})
}

// CompleteTaskTool marks a work item done.
type CompleteTaskTool struct {
	List *TaskList
}

func (t *CompleteTaskTool) Name() string           { return "complete_task" }
func (t *CompleteTaskTool) Description() string    { return "Mark a tracked work item as done." }
func (t *CompleteTaskTool) Capability() Capability { return CapTaskManagement }

func (t *CompleteTaskTool) Schema() json.RawMessage {
	return StrictObjectSchema(map[string]any{
		"id": map[string]any{
			"type":        "integer",
			"description": "Task id",
		},
	})
}

func (t *CompleteTaskTool) Execute(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var params struct {
		ID int `json:"id"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, err
	}
	if !t.List.Complete(params.ID) {
		return nil, errors.New("no such task")
	}
	return json.Marshal(map[string]any{"id": params.ID, "status": "done"})
}
