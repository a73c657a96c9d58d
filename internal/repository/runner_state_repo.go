package repository

import (
	"context"
	"errors"
	"time"

	"task-orchestrator/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrRunnerStateNotFound = errors.New("runner state not found")

// RunnerStateRepository persists the per-task checkpoints that make
// runners resumable across restarts.
type RunnerStateRepository interface {
	Save(ctx context.Context, state *model.RunnerState) error
	FindByTaskID(ctx context.Context, taskID string) (*model.RunnerState, error)
	List(ctx context.Context) ([]model.RunnerState, error)
	Delete(ctx context.Context, taskID string) error
	SetCancelRequested(ctx context.Context, taskID string) error
}

type runnerStateRepository struct {
	db *gorm.DB
}

func NewRunnerStateRepository(db *gorm.DB) RunnerStateRepository {
	return &runnerStateRepository{db: db}
}

// Save upserts the checkpoint. The runner persists before re-arming
// its wake-up, so the row always reflects the last finished unit of
// work.
func (r *runnerStateRepository) Save(ctx context.Context, state *model.RunnerState) error {
	state.LastActivityAt = time.Now()
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "task_id"}},
			UpdateAll: true,
		}).
		Create(state).Error
}

func (r *runnerStateRepository) FindByTaskID(ctx context.Context, taskID string) (*model.RunnerState, error) {
	var state model.RunnerState
	err := r.db.WithContext(ctx).First(&state, "task_id = ?", taskID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunnerStateNotFound
		}
		return nil, err
	}
	return &state, nil
}

func (r *runnerStateRepository) List(ctx context.Context) ([]model.RunnerState, error) {
	var states []model.RunnerState
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&states).Error; err != nil {
		return nil, err
	}
	return states, nil
}

func (r *runnerStateRepository) Delete(ctx context.Context, taskID string) error {
	return r.db.WithContext(ctx).Delete(&model.RunnerState{}, "task_id = ?", taskID).Error
}

func (r *runnerStateRepository) SetCancelRequested(ctx context.Context, taskID string) error {
	tx := r.db.WithContext(ctx).Model(&model.RunnerState{}).
		Where("task_id = ?", taskID).
		Update("cancel_requested", true)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrRunnerStateNotFound
	}
	return nil
}
