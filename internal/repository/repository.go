package repository

import (
	"task-orchestrator/config"
	"task-orchestrator/pkg/logger"

	"gorm.io/gorm"
)

type Repository struct {
	TaskRepo        TaskRepository
	RunnerStateRepo RunnerStateRepository
	AgentAPIRepo    AgentAPIRepository
}

func NewRepository(cfg *config.Config, db *gorm.DB, log *logger.Logger) (*Repository, error) {
	return &Repository{
		TaskRepo:        NewTaskRepository(db),
		RunnerStateRepo: NewRunnerStateRepository(db),
		AgentAPIRepo:    NewAgentAPIRepository(cfg, log),
	}, nil
}
