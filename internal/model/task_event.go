package model

import (
	"time"

	"gorm.io/datatypes"
)

const (
	EventTaskCreated        = "task_created"
	EventRunCreated         = "run_created"
	EventStatusUpdate       = "status_update"
	EventStreamEvent        = "stream_event"
	EventStreamParseError   = "stream_parse_error"
	EventStreamDisconnected = "stream_disconnected"
	EventTransientError     = "transient_error"
	EventMaxRetriesExceeded = "max_retries_exceeded"
	EventCancelRequested    = "cancel_requested"
	EventTaskFinished       = "task_finished"
)

// TaskEvent is one append-only log entry for a task. The primary key
// doubles as the per-task ordering sequence.
type TaskEvent struct {
	ID        uint           `gorm:"primaryKey"`
	TaskID    string         `gorm:"type:uuid;not null;index"`
	Kind      string         `gorm:"type:varchar(100);not null"`
	Payload   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"autoCreateTime"`
}

func (TaskEvent) TableName() string {
	return "task_events"
}
