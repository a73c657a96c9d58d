package model

import (
	"database/sql"
	"time"

	"gorm.io/datatypes"
)

type RunnerPhase string

const (
	PhaseInitializing RunnerPhase = "initializing"
	PhaseMonitoring   RunnerPhase = "monitoring"
	PhaseStreaming    RunnerPhase = "streaming"
	PhaseCompleted    RunnerPhase = "completed"
)

// RunnerState is the durable checkpoint for one task's runner. It
// carries a denormalized copy of the submission so the runner can
// rebuild its work after a restart without consulting the task row.
// Exactly one row exists per active task; it is deleted on teardown.
type RunnerState struct {
	TaskID           string         `gorm:"type:uuid;primaryKey"`
	APIKey           string         `gorm:"type:text;not null" json:"-"`
	Processor        string         `gorm:"type:varchar(100);not null"`
	Input            string         `gorm:"type:text;not null"`
	TaskSpec         datatypes.JSON `gorm:"type:jsonb"`
	Phase            RunnerPhase    `gorm:"type:varchar(50);not null"`
	Attempts         int            `gorm:"not null;default:0"`
	StreamReconnects int            `gorm:"not null;default:0"`
	RunID            sql.NullString `gorm:"type:varchar(255)"`
	FinalStatus      sql.NullString `gorm:"type:varchar(50)"`
	CancelRequested  bool           `gorm:"not null;default:false"`
	LastActivityAt   time.Time      `gorm:"not null"`
	CreatedAt        time.Time      `gorm:"autoCreateTime"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime"`
}

func (RunnerState) TableName() string {
	return "runner_states"
}
