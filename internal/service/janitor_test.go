package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"task-orchestrator/internal/dto"
	"task-orchestrator/internal/model"
	"task-orchestrator/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJanitorServiceRejectsBadCron(t *testing.T) {
	log, err := logger.New("error", "console")
	require.NoError(t, err)

	cfg := testRunnerConfig()
	cfg.Janitor.CronExpression = "not a cron expression"

	_, err = NewJanitorService(cfg, log, newFakeTaskRepo(), newFakeStateRepo(), nil)
	assert.Error(t, err)
}

func TestJanitorSweepReArmsOrphanedRunners(t *testing.T) {
	ctx := context.Background()

	agent := &fakeAgentAPI{
		getRun: func(ctx context.Context, apiKey, runID string) (*dto.RunResponse, error) {
			return &dto.RunResponse{RunID: "r1", Status: "queued", IsActive: false}, nil
		},
	}
	runner, stateRepo, _ := newTestRunner(t, agent)
	defer runner.Stop()

	// Checkpoint with no live timer, as after a partial crash.
	require.NoError(t, stateRepo.Save(ctx, &model.RunnerState{
		TaskID: "t1",
		APIKey: "secret",
		Phase:  model.PhaseMonitoring,
		RunID:  sql.NullString{String: "r1", Valid: true},
	}))
	require.False(t, runner.Tracks("t1"))

	log, err := logger.New("error", "console")
	require.NoError(t, err)

	cfg := testRunnerConfig()
	cfg.Janitor.CronExpression = "* * * * *"
	cfg.Janitor.EventRetention = time.Hour

	taskRepo := newFakeTaskRepo()
	janitor, err := NewJanitorService(cfg, log, taskRepo, stateRepo, runner)
	require.NoError(t, err)

	janitor.sweep(ctx)
	assert.True(t, runner.Tracks("t1"))

	// A second sweep leaves the live runner alone.
	janitor.sweep(ctx)
	assert.True(t, runner.Tracks("t1"))
}

func TestJanitorSweepPrunesOldEventsOfFinishedTasks(t *testing.T) {
	ctx := context.Background()

	runner, stateRepo, _ := newTestRunner(t, &fakeAgentAPI{})
	defer runner.Stop()

	log, err := logger.New("error", "console")
	require.NoError(t, err)

	cfg := testRunnerConfig()
	cfg.Janitor.CronExpression = "* * * * *"
	cfg.Janitor.EventRetention = time.Hour

	taskRepo := newFakeTaskRepo()
	require.NoError(t, taskRepo.Create(ctx, &model.Task{ID: "done", Status: model.StatusCompleted}))
	require.NoError(t, taskRepo.Create(ctx, &model.Task{ID: "live", Status: model.StatusRunning}))

	old := time.Now().Add(-2 * time.Hour)
	taskRepo.events = []model.TaskEvent{
		{ID: 1, TaskID: "done", Kind: model.EventTaskFinished, CreatedAt: old},
		{ID: 2, TaskID: "done", Kind: model.EventTaskFinished, CreatedAt: time.Now()},
		{ID: 3, TaskID: "live", Kind: model.EventStreamEvent, CreatedAt: old},
	}

	janitor, err := NewJanitorService(cfg, log, taskRepo, stateRepo, runner)
	require.NoError(t, err)

	janitor.sweep(ctx)

	// Only the old event of the finished task is gone: recent events
	// and events of still-running tasks are kept.
	assert.Len(t, taskRepo.eventsFor("done"), 1)
	assert.Len(t, taskRepo.eventsFor("live"), 1)
}
