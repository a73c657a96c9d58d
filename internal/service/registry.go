package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"task-orchestrator/config"
	"task-orchestrator/internal/dto"
	"task-orchestrator/internal/model"
	"task-orchestrator/internal/repository"
	"task-orchestrator/pkg/cache"
	"task-orchestrator/pkg/logger"
	"task-orchestrator/pkg/telegram"
	"task-orchestrator/pkg/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	taskListCacheKey  = "tasks:list"
	inputPreviewRunes = 120
)

var (
	ErrTaskNotFound  = repository.ErrTaskNotFound
	ErrTaskFinalized = repository.ErrTaskFinalized
)

// TaskSpawner starts driving a freshly checkpointed task. Implemented
// by the runner service.
type TaskSpawner interface {
	Spawn(ctx context.Context, state *model.RunnerState) error
	Wake(taskID string)
}

// RegistryService is the single source of truth for task existence,
// status, and history. Write primitives beyond Submit/CancelTask are
// used exclusively by runners.
type RegistryService interface {
	Submit(ctx context.Context, req *dto.CreateTaskRequest) (string, error)
	ListTasks(ctx context.Context) ([]dto.TaskSummary, error)
	GetTask(ctx context.Context, id string) (*dto.TaskDetail, error)
	CancelTask(ctx context.Context, id string) error

	RegistryWriter
}

type registryService struct {
	cfg       *config.Config
	log       *logger.Logger
	taskRepo  repository.TaskRepository
	stateRepo repository.RunnerStateRepository
	cache     cache.Cache
	notifier  *telegram.Notifier
	spawner   TaskSpawner
}

func NewRegistryService(
	cfg *config.Config,
	log *logger.Logger,
	taskRepo repository.TaskRepository,
	stateRepo repository.RunnerStateRepository,
	inmemoryCache cache.Cache,
	notifier *telegram.Notifier,
	spawner TaskSpawner,
) RegistryService {
	return &registryService{
		cfg:       cfg,
		log:       log,
		taskRepo:  taskRepo,
		stateRepo: stateRepo,
		cache:     inmemoryCache,
		notifier:  notifier,
		spawner:   spawner,
	}
}

// Submit persists the task, writes the initial event, checkpoints a
// runner and spawns it. The spawner confirms acceptance before this
// returns, so a successful Submit means the task is being driven.
func (s *registryService) Submit(ctx context.Context, req *dto.CreateTaskRequest) (string, error) {
	task := &model.Task{
		ID:        uuid.NewString(),
		APIKey:    req.APIKey,
		Processor: req.Processor,
		Input:     req.Input,
		TaskSpec:  datatypes.JSON(req.TaskSpec),
		Status:    model.StatusPending,
	}
	if err := s.taskRepo.Create(ctx, task); err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	if err := s.RecordEvent(ctx, task.ID, model.EventTaskCreated, map[string]interface{}{
		"processor": task.Processor,
	}); err != nil {
		s.log.WarnContext(ctx, "Failed to record creation event",
			zap.String("task_id", task.ID), zap.Error(err))
	}

	state := &model.RunnerState{
		TaskID:    task.ID,
		APIKey:    req.APIKey,
		Processor: req.Processor,
		Input:     req.Input,
		TaskSpec:  datatypes.JSON(req.TaskSpec),
		Phase:     model.PhaseInitializing,
	}
	if err := s.stateRepo.Save(ctx, state); err != nil {
		return "", fmt.Errorf("failed to checkpoint runner state: %w", err)
	}
	if err := s.spawner.Spawn(ctx, state); err != nil {
		return "", fmt.Errorf("failed to spawn runner: %w", err)
	}

	s.cache.Delete(taskListCacheKey)
	s.log.InfoContext(ctx, "Task submitted",
		zap.String("task_id", task.ID), zap.String("processor", task.Processor))
	return task.ID, nil
}

func (s *registryService) ListTasks(ctx context.Context) ([]dto.TaskSummary, error) {
	if cached, found := s.cache.Get(taskListCacheKey); found {
		if summaries, ok := cached.([]dto.TaskSummary); ok {
			return summaries, nil
		}
	}

	tasks, err := s.taskRepo.Get(ctx, &model.GetTaskParam{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	summaries := make([]dto.TaskSummary, 0, len(tasks))
	for _, task := range tasks {
		summary := dto.TaskSummary{
			ID:        task.ID,
			Processor: task.Processor,
			Input:     utils.Truncate(task.Input, inputPreviewRunes),
			Status:    task.Status,
			CreatedAt: task.CreatedAt,
		}
		if task.RunID.Valid {
			summary.RunID = task.RunID.String
		}
		if task.CompletedAt.Valid {
			summary.CompletedAt = utils.ToPointer(task.CompletedAt.Time)
		}
		summaries = append(summaries, summary)
	}

	s.cache.Set(taskListCacheKey, summaries, s.cfg.Cache.DefaultExpiration)
	return summaries, nil
}

func (s *registryService) GetTask(ctx context.Context, id string) (*dto.TaskDetail, error) {
	task, err := s.taskRepo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &dto.TaskDetail{
		ID:        task.ID,
		Processor: task.Processor,
		Input:     task.Input,
		TaskSpec:  json.RawMessage(task.TaskSpec),
		Status:    task.Status,
		Result:    json.RawMessage(task.Result),
		CreatedAt: task.CreatedAt,
		Events:    make([]dto.TaskEventDetail, 0, len(task.Events)),
	}
	if task.RunID.Valid {
		detail.RunID = task.RunID.String
	}
	if task.ErrorMessage.Valid {
		detail.ErrorMessage = task.ErrorMessage.String
	}
	if task.CompletedAt.Valid {
		detail.CompletedAt = utils.ToPointer(task.CompletedAt.Time)
	}
	for _, event := range task.Events {
		detail.Events = append(detail.Events, dto.TaskEventDetail{
			Sequence:  event.ID,
			Kind:      event.Kind,
			Payload:   json.RawMessage(event.Payload),
			CreatedAt: event.CreatedAt,
		})
	}
	return detail, nil
}

// CancelTask marks a non-terminal task as cancelling and flags the
// runner checkpoint; the runner performs the actual teardown on its
// next wake-up.
func (s *registryService) CancelTask(ctx context.Context, id string) error {
	task, err := s.taskRepo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return ErrTaskFinalized
	}

	if err := s.taskRepo.SetStatus(ctx, id, model.StatusCancelling, nil, ""); err != nil {
		if errors.Is(err, repository.ErrTaskFinalized) {
			return ErrTaskFinalized
		}
		return fmt.Errorf("failed to mark task cancelling: %w", err)
	}
	if err := s.RecordEvent(ctx, id, model.EventCancelRequested, nil); err != nil {
		s.log.WarnContext(ctx, "Failed to record cancel event",
			zap.String("task_id", id), zap.Error(err))
	}

	if err := s.stateRepo.SetCancelRequested(ctx, id); err != nil {
		if errors.Is(err, repository.ErrRunnerStateNotFound) {
			// Runner already tore down between the status check and
			// here; the terminal write above loses to its guard, so
			// nothing else to do.
			s.log.WarnContext(ctx, "Cancel requested for task with no runner checkpoint",
				zap.String("task_id", id))
			s.cache.Delete(taskListCacheKey)
			return nil
		}
		return fmt.Errorf("failed to flag runner checkpoint: %w", err)
	}

	s.spawner.Wake(id)
	s.cache.Delete(taskListCacheKey)
	return nil
}

// RecordEvent appends one immutable event. An unknown task id is
// swallowed with a diagnostic so a runner racing ahead of (or
// outliving) its registry row can never crash the scheduling loop.
func (s *registryService) RecordEvent(ctx context.Context, taskID, kind string, payload interface{}) error {
	var body datatypes.JSON
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal event payload: %w", err)
		}
		body = datatypes.JSON(raw)
	}

	err := s.taskRepo.AppendEvent(ctx, &model.TaskEvent{
		TaskID:  taskID,
		Kind:    kind,
		Payload: body,
	})
	if errors.Is(err, repository.ErrTaskNotFound) {
		s.log.WarnContext(ctx, "Dropping event for unknown task",
			zap.String("task_id", taskID), zap.String("kind", kind))
		return nil
	}
	return err
}

func (s *registryService) SetRunID(ctx context.Context, taskID, runID string) error {
	if err := s.taskRepo.SetRunID(ctx, taskID, runID); err != nil {
		return err
	}
	s.cache.Delete(taskListCacheKey)
	return nil
}

// SetStatus updates the public status. A late write against an
// already-terminal task is dropped silently; terminal transitions
// notify the configured channel.
func (s *registryService) SetStatus(ctx context.Context, taskID string, status model.TaskStatus, result []byte, errorMessage string) error {
	wasTerminal := false
	task, err := s.taskRepo.FindByID(ctx, taskID)
	if err == nil {
		wasTerminal = task.Status.IsTerminal()
	}

	if err := s.taskRepo.SetStatus(ctx, taskID, status, result, errorMessage); err != nil {
		if errors.Is(err, repository.ErrTaskFinalized) {
			s.log.WarnContext(ctx, "Dropping status update for finalized task",
				zap.String("task_id", taskID), zap.String("status", string(status)))
			return nil
		}
		return err
	}
	s.cache.Delete(taskListCacheKey)

	if status.IsTerminal() && !wasTerminal && task != nil {
		processor := task.Processor
		notifyCtx := context.WithoutCancel(ctx)
		utils.GoSafe(func() {
			notifyTimeout, cancel := context.WithTimeout(notifyCtx, 30*time.Second)
			defer cancel()
			s.notifier.NotifyTaskFinished(notifyTimeout, taskID, processor, string(status), errorMessage)
		})
	}
	return nil
}
