package service

import (
	"context"
	"fmt"
	"time"

	"task-orchestrator/config"
	"task-orchestrator/internal/repository"
	"task-orchestrator/pkg/logger"
	"task-orchestrator/pkg/utils"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// JanitorService runs a periodic sweep: it re-arms runners for any
// checkpoint that lost its in-process timer (covers crash windows the
// startup resume cannot see) and prunes old events of finished tasks.
type JanitorService struct {
	cfg       *config.Config
	log       *logger.Logger
	taskRepo  repository.TaskRepository
	stateRepo repository.RunnerStateRepository
	runner    *RunnerService
	schedule  cron.Schedule
}

func NewJanitorService(
	cfg *config.Config,
	log *logger.Logger,
	taskRepo repository.TaskRepository,
	stateRepo repository.RunnerStateRepository,
	runner *RunnerService,
) (*JanitorService, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(cfg.Janitor.CronExpression)
	if err != nil {
		return nil, fmt.Errorf("invalid janitor cron expression %q: %w", cfg.Janitor.CronExpression, err)
	}

	return &JanitorService{
		cfg:       cfg,
		log:       log,
		taskRepo:  taskRepo,
		stateRepo: stateRepo,
		runner:    runner,
		schedule:  schedule,
	}, nil
}

func (j *JanitorService) Start(ctx context.Context) {
	utils.GoSafe(func() {
		for {
			next := j.schedule.Next(time.Now())
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Until(next)):
			}
			j.sweep(ctx)
		}
	})
}

func (j *JanitorService) sweep(ctx context.Context) {
	states, err := j.stateRepo.List(ctx)
	if err != nil {
		j.log.ErrorContext(ctx, "Janitor failed to list runner states", zap.Error(err))
		return
	}

	for i := range states {
		state := states[i]
		if j.runner.Tracks(state.TaskID) {
			continue
		}
		if err := j.runner.Spawn(ctx, &state); err != nil {
			j.log.ErrorContext(ctx, "Janitor failed to re-arm runner",
				zap.String("task_id", state.TaskID), zap.Error(err))
			continue
		}
		j.log.InfoContext(ctx, "Janitor re-armed orphaned runner",
			zap.String("task_id", state.TaskID),
			zap.String("phase", string(state.Phase)))
	}

	if j.cfg.Janitor.EventRetention > 0 {
		cutoff := time.Now().Add(-j.cfg.Janitor.EventRetention)
		deleted, err := j.taskRepo.DeleteEventsOlderThan(ctx, cutoff)
		if err != nil {
			j.log.ErrorContext(ctx, "Janitor failed to prune task events", zap.Error(err))
		} else if deleted > 0 {
			j.log.InfoContext(ctx, "Janitor pruned task events", zap.Int64("deleted", deleted))
		}
	}
}
