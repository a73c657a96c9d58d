package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"task-orchestrator/internal/model"
	"task-orchestrator/pkg/utils"

	"gorm.io/gorm"
)

var (
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskFinalized is returned when a status write targets a task
	// that already holds a terminal status.
	ErrTaskFinalized = errors.New("task already finalized")
)

type TaskRepository interface {
	Create(ctx context.Context, task *model.Task, opts ...utils.DBOption) error
	FindByID(ctx context.Context, id string) (*model.Task, error)
	Get(ctx context.Context, param *model.GetTaskParam, opts ...utils.DBOption) ([]model.Task, error)
	AppendEvent(ctx context.Context, event *model.TaskEvent, opts ...utils.DBOption) error
	SetRunID(ctx context.Context, taskID, runID string) error
	SetStatus(ctx context.Context, taskID string, status model.TaskStatus, result []byte, errorMessage string) error
	DeleteEventsOlderThan(ctx context.Context, date time.Time, opts ...utils.DBOption) (int64, error)
}

type taskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &taskRepository{db: db}
}

func (r *taskRepository) Create(ctx context.Context, task *model.Task, opts ...utils.DBOption) error {
	return utils.ApplyOptions(r.db.WithContext(ctx), opts...).Create(task).Error
}

func (r *taskRepository) FindByID(ctx context.Context, id string) (*model.Task, error) {
	var task model.Task
	err := r.db.WithContext(ctx).
		Preload("Events", func(db *gorm.DB) *gorm.DB {
			return db.Order("id ASC")
		}).
		First(&task, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

func (r *taskRepository) Get(ctx context.Context, param *model.GetTaskParam, opts ...utils.DBOption) ([]model.Task, error) {
	var tasks []model.Task
	db := utils.ApplyOptions(r.db.WithContext(ctx), opts...).Model(&model.Task{})
	if len(param.IDs) > 0 {
		db = db.Where("id IN ?", param.IDs)
	}
	if len(param.Statuses) > 0 {
		db = db.Where("status IN ?", param.Statuses)
	}
	if param.Limit != nil {
		db = db.Limit(*param.Limit)
	}
	if param.WithEvents {
		db = db.Preload("Events", func(db *gorm.DB) *gorm.DB {
			return db.Order("id ASC")
		})
	}
	if err := db.Order("created_at DESC").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// AppendEvent writes one immutable log entry. The owning task row must
// exist; a dangling event is rejected with ErrTaskNotFound so the
// caller can decide whether that is fatal.
func (r *taskRepository) AppendEvent(ctx context.Context, event *model.TaskEvent, opts ...utils.DBOption) error {
	db := utils.ApplyOptions(r.db.WithContext(ctx), opts...)

	var count int64
	if err := db.Model(&model.Task{}).Where("id = ?", event.TaskID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check task existence: %w", err)
	}
	if count == 0 {
		return ErrTaskNotFound
	}
	return db.Create(event).Error
}

// SetRunID is a one-shot transition; repeated calls with the same
// value are no-ops.
func (r *taskRepository) SetRunID(ctx context.Context, taskID, runID string) error {
	tx := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ?", taskID).
		Where("run_id IS NULL OR run_id = ?", runID).
		Update("run_id", runID)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return r.translateMissing(ctx, taskID, fmt.Errorf("run id already set for task %s", taskID))
	}
	return nil
}

// SetStatus mirrors a lifecycle status onto the task row. Terminal
// statuses stamp completed_at and optionally store the result. The
// update is guarded so a terminal status can never change to another
// status, regardless of how late a callback arrives; re-writing the
// same terminal status is allowed so the result can still be attached.
func (r *taskRepository) SetStatus(ctx context.Context, taskID string, status model.TaskStatus, result []byte, errorMessage string) error {
	updates := map[string]interface{}{"status": status}
	if status.IsTerminal() {
		updates["completed_at"] = sql.NullTime{Time: time.Now(), Valid: true}
	}
	if len(result) > 0 {
		updates["result"] = result
	}
	if errorMessage != "" {
		updates["error_message"] = sql.NullString{String: errorMessage, Valid: true}
	}

	tx := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ?", taskID).
		Where("status NOT IN ? OR status = ?", model.TerminalStatuses, status).
		Updates(updates)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return r.translateMissing(ctx, taskID, ErrTaskFinalized)
	}
	return nil
}

func (r *taskRepository) DeleteEventsOlderThan(ctx context.Context, date time.Time, opts ...utils.DBOption) (int64, error) {
	tx := utils.ApplyOptions(r.db.WithContext(ctx), opts...).
		Where("created_at < ?", date).
		Where("task_id IN (?)", r.db.Model(&model.Task{}).Select("id").Where("status IN ?", model.TerminalStatuses)).
		Delete(&model.TaskEvent{})
	return tx.RowsAffected, tx.Error
}

// translateMissing distinguishes "row is gone" from guarded updates
// that matched nothing.
func (r *taskRepository) translateMissing(ctx context.Context, taskID string, fallback error) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.Task{}).Where("id = ?", taskID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrTaskNotFound
	}
	return fallback
}
