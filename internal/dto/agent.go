package dto

import (
	"encoding/json"

	"task-orchestrator/internal/model"
)

// Wire types for the remote task-execution API. Remote statuses share
// the orchestrator's enum, so they map one-to-one onto model.TaskStatus.

type CreateRunRequest struct {
	Processor string          `json:"processor"`
	Input     string          `json:"input"`
	TaskSpec  json.RawMessage `json:"task_spec,omitempty"`
}

type RunError struct {
	Message string `json:"message"`
}

type RunResponse struct {
	RunID    string    `json:"run_id"`
	Status   string    `json:"status"`
	IsActive bool      `json:"is_active"`
	Error    *RunError `json:"error,omitempty"`
}

func (r *RunResponse) TaskStatus() model.TaskStatus {
	return model.TaskStatus(r.Status)
}

func (r *RunResponse) ErrorMessage() string {
	if r.Error != nil {
		return r.Error.Message
	}
	return ""
}

type RunResult struct {
	RunID  string          `json:"run_id"`
	Output json.RawMessage `json:"output"`
}

// StreamEvent is one newline-delimited JSON record from the run event
// stream. Type discriminates; terminal records nest the run snapshot.
type StreamEvent struct {
	Type string       `json:"type"`
	Run  *RunResponse `json:"run,omitempty"`

	// Raw keeps the original line so it can be recorded verbatim.
	Raw json.RawMessage `json:"-"`
}

// Terminal reports whether this event carries a terminal run status.
func (e *StreamEvent) Terminal() bool {
	if e.Run == nil {
		return false
	}
	return !e.Run.IsActive && e.Run.TaskStatus().IsTerminal()
}
