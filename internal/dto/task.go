package dto

import (
	"encoding/json"
	"time"

	"task-orchestrator/internal/model"
)

type CreateTaskRequest struct {
	APIKey    string          `json:"api_key" validate:"required"`
	Processor string          `json:"processor" validate:"required"`
	Input     string          `json:"input" validate:"required"`
	TaskSpec  json.RawMessage `json:"task_spec,omitempty"`
}

type CreateTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TaskSummary is the list-endpoint shape: input is truncated for
// preview, result and events are omitted.
type TaskSummary struct {
	ID          string           `json:"id"`
	Processor   string           `json:"processor"`
	Input       string           `json:"input"`
	RunID       string           `json:"run_id,omitempty"`
	Status      model.TaskStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

type TaskEventDetail struct {
	Sequence  uint            `json:"sequence"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type TaskDetail struct {
	ID           string            `json:"id"`
	Processor    string            `json:"processor"`
	Input        string            `json:"input"`
	TaskSpec     json.RawMessage   `json:"task_spec,omitempty"`
	RunID        string            `json:"run_id,omitempty"`
	Status       model.TaskStatus  `json:"status"`
	Result       json.RawMessage   `json:"result,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Events       []TaskEventDetail `json:"events"`
}
