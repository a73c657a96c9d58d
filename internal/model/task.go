package model

import (
	"database/sql"
	"time"

	"gorm.io/datatypes"
)

type TaskStatus string

const (
	StatusPending        TaskStatus = "pending"
	StatusQueued         TaskStatus = "queued"
	StatusActionRequired TaskStatus = "action_required"
	StatusRunning        TaskStatus = "running"
	StatusCompleted      TaskStatus = "completed"
	StatusFailed         TaskStatus = "failed"
	StatusCancelling     TaskStatus = "cancelling"
	StatusCancelled      TaskStatus = "cancelled"
)

// TerminalStatuses are the statuses a task can never leave.
var TerminalStatuses = []TaskStatus{StatusCompleted, StatusFailed, StatusCancelled}

func (s TaskStatus) IsTerminal() bool {
	for _, t := range TerminalStatuses {
		if s == t {
			return true
		}
	}
	return false
}

type Task struct {
	ID           string         `gorm:"type:uuid;primaryKey"`
	APIKey       string         `gorm:"type:text;not null" json:"-"`
	Processor    string         `gorm:"type:varchar(100);not null"`
	Input        string         `gorm:"type:text;not null"`
	TaskSpec     datatypes.JSON `gorm:"type:jsonb"`
	RunID        sql.NullString `gorm:"type:varchar(255)"`
	Status       TaskStatus     `gorm:"type:varchar(50);not null;default:'pending'"`
	Result       datatypes.JSON `gorm:"type:jsonb"`
	ErrorMessage sql.NullString `gorm:"type:text"`
	CreatedAt    time.Time      `gorm:"autoCreateTime"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime"`
	CompletedAt  sql.NullTime

	Events []TaskEvent `gorm:"foreignKey:TaskID"`
}

func (Task) TableName() string {
	return "tasks"
}

type GetTaskParam struct {
	IDs        []string     `json:"ids"`
	Statuses   []TaskStatus `json:"statuses"`
	Limit      *int         `json:"limit"`
	WithEvents bool         `json:"with_events"`
}
