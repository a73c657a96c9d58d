package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"task-orchestrator/config"
	"task-orchestrator/internal/dto"
	"task-orchestrator/internal/model"
	"task-orchestrator/internal/repository"
	"task-orchestrator/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// RegistryWriter is the narrow callback surface runners use to report
// progress. Implemented by the registry service.
type RegistryWriter interface {
	RecordEvent(ctx context.Context, taskID, kind string, payload interface{}) error
	SetRunID(ctx context.Context, taskID, runID string) error
	SetStatus(ctx context.Context, taskID string, status model.TaskStatus, result []byte, errorMessage string) error
}

// RunnerService drives one state machine per task. Each runner is a
// sequence of timer-armed wake-ups: a wake-up loads the checkpoint,
// performs one bounded unit of work for the current phase, persists
// the checkpoint, and re-arms itself. Per-task execution is strictly
// serialized because the next timer is only armed when the previous
// wake-up finishes; tasks are independent of each other.
type RunnerService struct {
	cfg       *config.Config
	log       *logger.Logger
	agentRepo repository.AgentAPIRepository
	stateRepo repository.RunnerStateRepository
	registry  RegistryWriter
	sem       *semaphore.Weighted

	baseCtx context.Context
	mu      sync.Mutex
	timers  map[string]*time.Timer
	closed  bool
	wg      sync.WaitGroup
}

func NewRunnerService(
	cfg *config.Config,
	log *logger.Logger,
	agentRepo repository.AgentAPIRepository,
	stateRepo repository.RunnerStateRepository,
) *RunnerService {
	return &RunnerService{
		cfg:       cfg,
		log:       log,
		agentRepo: agentRepo,
		stateRepo: stateRepo,
		sem:       semaphore.NewWeighted(cfg.Runner.MaxConcurrency),
		baseCtx:   context.Background(),
		timers:    make(map[string]*time.Timer),
	}
}

// AttachRegistry breaks the construction cycle between the registry
// (which spawns runners) and the runners (which report back).
func (r *RunnerService) AttachRegistry(registry RegistryWriter) {
	r.registry = registry
}

// Start installs the base context used by wake-ups and resumes every
// surviving checkpoint from a previous process.
func (r *RunnerService) Start(ctx context.Context) error {
	r.baseCtx = ctx
	return r.Resume(ctx)
}

// Resume re-arms a runner for every persisted checkpoint. Restarted
// runners fall back into the phase dispatch for whatever phase was
// last recorded; nothing is re-created remotely.
func (r *RunnerService) Resume(ctx context.Context) error {
	states, err := r.stateRepo.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list runner states: %w", err)
	}

	for i := range states {
		state := states[i]
		if err := r.Spawn(ctx, &state); err != nil {
			r.log.ErrorContext(ctx, "Failed to resume runner",
				zap.String("task_id", state.TaskID), zap.Error(err))
			continue
		}
		r.log.InfoContext(ctx, "Resumed runner from checkpoint",
			zap.String("task_id", state.TaskID),
			zap.String("phase", string(state.Phase)))
	}
	return nil
}

// Spawn registers a runner for the task and arms its first wake-up.
// Returning without error means the task is being driven, not merely
// queued.
func (r *RunnerService) Spawn(ctx context.Context, state *model.RunnerState) error {
	if r.registry == nil {
		return errors.New("runner service has no registry attached")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("runner service is stopped")
	}
	if _, ok := r.timers[state.TaskID]; ok {
		return nil
	}
	taskID := state.TaskID
	r.timers[taskID] = time.AfterFunc(0, func() { r.wake(taskID) })
	return nil
}

// Tracks reports whether a live runner exists for the task.
func (r *RunnerService) Tracks(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[taskID]
	return ok
}

// Wake forces an immediate wake-up, used to make cancellation prompt.
func (r *RunnerService) Wake(taskID string) {
	r.schedule(taskID, 0)
}

// Stop prevents new wake-ups and waits for in-flight ones to finish.
func (r *RunnerService) Stop() {
	r.mu.Lock()
	r.closed = true
	for _, t := range r.timers {
		t.Stop()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *RunnerService) schedule(taskID string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, ok := r.timers[taskID]; !ok {
		return
	}
	r.timers[taskID].Stop()
	r.timers[taskID] = time.AfterFunc(delay, func() { r.wake(taskID) })
}

func (r *RunnerService) forget(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[taskID]; ok {
		t.Stop()
		delete(r.timers, taskID)
	}
}

// wake is the scheduling boundary: whatever happens inside a phase
// handler, the loop either re-arms or tears down deliberately. A panic
// must not kill the task's scheduling.
func (r *RunnerService) wake(taskID string) {
	r.wg.Add(1)
	defer r.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Recovered panic in runner wake-up",
				zap.String("task_id", taskID), zap.Any("panic", rec))
			r.schedule(taskID, r.cfg.Runner.TickInterval)
		}
	}()

	ctx := r.baseCtx
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer r.sem.Release(1)

	state, err := r.stateRepo.FindByTaskID(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrRunnerStateNotFound) {
			// Checkpoint already torn down, nothing left to drive.
			r.forget(taskID)
			return
		}
		r.log.ErrorContext(ctx, "Failed to load runner state",
			zap.String("task_id", taskID), zap.Error(err))
		r.schedule(taskID, r.cfg.Runner.TickInterval)
		return
	}

	delay, done := r.processTask(ctx, state)
	if done {
		r.forget(taskID)
		return
	}
	r.schedule(taskID, delay)
}

// processTask dispatches one bounded unit of work for the current
// phase and reports the delay until the next wake-up, or done when the
// checkpoint has been torn down.
func (r *RunnerService) processTask(ctx context.Context, state *model.RunnerState) (time.Duration, bool) {
	if state.CancelRequested {
		return r.handleCancel(ctx, state)
	}

	switch state.Phase {
	case model.PhaseInitializing:
		return r.handleInitializing(ctx, state)
	case model.PhaseMonitoring:
		return r.handleMonitoring(ctx, state)
	case model.PhaseStreaming:
		return r.handleStreaming(ctx, state)
	case model.PhaseCompleted:
		return r.handleCompletion(ctx, state)
	default:
		return r.failTask(ctx, state, fmt.Errorf("unknown runner phase %q", state.Phase))
	}
}

// handleInitializing creates the remote run, or verifies a run id kept
// from a previous attempt so a restart never creates a duplicate.
func (r *RunnerService) handleInitializing(ctx context.Context, state *model.RunnerState) (time.Duration, bool) {
	var (
		run *dto.RunResponse
		err error
	)
	if state.RunID.Valid {
		run, err = r.agentRepo.GetRun(ctx, state.APIKey, state.RunID.String)
	} else {
		run, err = r.agentRepo.CreateRun(ctx, state.APIKey, &dto.CreateRunRequest{
			Processor: state.Processor,
			Input:     state.Input,
			TaskSpec:  json.RawMessage(state.TaskSpec),
		})
	}
	if err != nil {
		return r.retry(ctx, state, err)
	}

	if err := r.registry.SetRunID(ctx, state.TaskID, run.RunID); err != nil {
		return r.retry(ctx, state, err)
	}

	state.RunID = sql.NullString{String: run.RunID, Valid: true}
	state.Phase = model.PhaseMonitoring
	state.Attempts = 0
	if err := r.stateRepo.Save(ctx, state); err != nil {
		return r.retry(ctx, state, err)
	}

	r.recordEvent(ctx, state.TaskID, model.EventRunCreated, map[string]interface{}{
		"run_id": run.RunID,
		"status": run.Status,
	})
	return r.cfg.Runner.TickInterval, false
}

// handleMonitoring polls the remote status once and mirrors it onto
// the task row. Active runs switch to streaming; terminal runs switch
// to completion handling.
func (r *RunnerService) handleMonitoring(ctx context.Context, state *model.RunnerState) (time.Duration, bool) {
	run, err := r.agentRepo.GetRun(ctx, state.APIKey, state.RunID.String)
	if err != nil {
		return r.retry(ctx, state, err)
	}

	status := run.TaskStatus()
	errorMessage := ""
	if status == model.StatusFailed {
		errorMessage = run.ErrorMessage()
	}
	if err := r.registry.SetStatus(ctx, state.TaskID, status, nil, errorMessage); err != nil {
		r.log.WarnContext(ctx, "Failed to mirror run status",
			zap.String("task_id", state.TaskID), zap.Error(err))
	}

	state.Attempts = 0
	switch {
	case status.IsTerminal():
		state.Phase = model.PhaseCompleted
		state.FinalStatus = sql.NullString{String: string(status), Valid: true}
	case run.IsActive && state.StreamReconnects <= r.cfg.Runner.MaxStreamReconnects:
		// Past the reconnect ceiling the runner stays on slow polls
		// instead of opening yet another stream.
		state.Phase = model.PhaseStreaming
	}
	if err := r.stateRepo.Save(ctx, state); err != nil {
		return r.retry(ctx, state, err)
	}

	if state.Phase != model.PhaseMonitoring {
		return r.cfg.Runner.TickInterval, false
	}
	return r.pollDelay(state), false
}

// handleStreaming consumes the live event stream until a terminal
// event, a disconnect, or the stream deadline. Disconnects fall back
// to monitoring; after too many consecutive reconnects the runner
// degrades to slow polling instead of hot-looping against a
// misbehaving stream.
func (r *RunnerService) handleStreaming(ctx context.Context, state *model.RunnerState) (time.Duration, bool) {
	terminal, streamErr := r.agentRepo.StreamRunEvents(ctx, state.APIKey, state.RunID.String, repository.StreamHandler{
		OnEvent: func(event *dto.StreamEvent) {
			r.recordEvent(ctx, state.TaskID, model.EventStreamEvent, event.Raw)
		},
		OnMalformed: func(line string) {
			r.recordEvent(ctx, state.TaskID, model.EventStreamParseError, map[string]interface{}{
				"line": line,
			})
		},
	})

	if terminal != nil {
		status := terminal.TaskStatus()
		errorMessage := ""
		if status == model.StatusFailed {
			errorMessage = terminal.ErrorMessage()
		}
		if err := r.registry.SetStatus(ctx, state.TaskID, status, nil, errorMessage); err != nil {
			r.log.WarnContext(ctx, "Failed to mirror terminal run status",
				zap.String("task_id", state.TaskID), zap.Error(err))
		}

		state.Phase = model.PhaseCompleted
		state.FinalStatus = sql.NullString{String: string(status), Valid: true}
		state.Attempts = 0
		if err := r.stateRepo.Save(ctx, state); err != nil {
			return r.retry(ctx, state, err)
		}
		return r.cfg.Runner.TickInterval, false
	}

	// Stream ended without a terminal event: disconnect, timeout, or
	// remote error. Not counted against the retry budget; the stream
	// has its own reconnect ceiling.
	state.StreamReconnects++
	state.Phase = model.PhaseMonitoring
	payload := map[string]interface{}{"reconnects": state.StreamReconnects}
	if streamErr != nil {
		payload["error"] = streamErr.Error()
	}
	r.recordEvent(ctx, state.TaskID, model.EventStreamDisconnected, payload)

	if err := r.stateRepo.Save(ctx, state); err != nil {
		return r.retry(ctx, state, err)
	}
	return r.pollDelay(state), false
}

// handleCompletion performs the single terminal write (with the
// fetched result on success) and tears down the checkpoint. This is
// the only phase that deletes the checkpoint on the happy path.
func (r *RunnerService) handleCompletion(ctx context.Context, state *model.RunnerState) (time.Duration, bool) {
	final := model.TaskStatus(state.FinalStatus.String)

	if final == model.StatusCompleted {
		result, err := r.agentRepo.GetRunResult(ctx, state.APIKey, state.RunID.String)
		if err != nil {
			return r.retry(ctx, state, err)
		}
		if err := r.registry.SetStatus(ctx, state.TaskID, model.StatusCompleted, result.Output, ""); err != nil {
			return r.retry(ctx, state, err)
		}
	} else {
		if err := r.registry.SetStatus(ctx, state.TaskID, final, nil, ""); err != nil {
			return r.retry(ctx, state, err)
		}
	}

	r.recordEvent(ctx, state.TaskID, model.EventTaskFinished, map[string]interface{}{
		"status": final,
	})
	if err := r.stateRepo.Delete(ctx, state.TaskID); err != nil {
		r.log.ErrorContext(ctx, "Failed to delete runner state",
			zap.String("task_id", state.TaskID), zap.Error(err))
		return r.cfg.Runner.TickInterval, false
	}

	r.log.InfoContext(ctx, "Task finished",
		zap.String("task_id", state.TaskID), zap.String("status", string(final)))
	return 0, true
}

// handleCancel honors a cancellation request observed on wake-up:
// best-effort remote cancel, terminal status, checkpoint teardown.
func (r *RunnerService) handleCancel(ctx context.Context, state *model.RunnerState) (time.Duration, bool) {
	if state.RunID.Valid {
		if err := r.agentRepo.CancelRun(ctx, state.APIKey, state.RunID.String); err != nil {
			r.log.WarnContext(ctx, "Failed to cancel remote run",
				zap.String("task_id", state.TaskID),
				zap.String("run_id", state.RunID.String),
				zap.Error(err))
		}
	}

	if err := r.registry.SetStatus(ctx, state.TaskID, model.StatusCancelled, nil, ""); err != nil {
		r.log.WarnContext(ctx, "Failed to set cancelled status",
			zap.String("task_id", state.TaskID), zap.Error(err))
	}
	r.recordEvent(ctx, state.TaskID, model.EventTaskFinished, map[string]interface{}{
		"status": model.StatusCancelled,
	})

	if err := r.stateRepo.Delete(ctx, state.TaskID); err != nil {
		r.log.ErrorContext(ctx, "Failed to delete runner state",
			zap.String("task_id", state.TaskID), zap.Error(err))
		return r.cfg.Runner.TickInterval, false
	}
	return 0, true
}

// retry applies the transient-error policy: exponential backoff until
// the attempt ceiling, then forced terminal failure.
func (r *RunnerService) retry(ctx context.Context, state *model.RunnerState, cause error) (time.Duration, bool) {
	state.Attempts++
	attempt := state.Attempts

	r.log.WarnContext(ctx, "Runner phase attempt failed",
		zap.String("task_id", state.TaskID),
		zap.String("phase", string(state.Phase)),
		zap.Int("attempt", attempt),
		zap.Error(cause))
	r.recordEvent(ctx, state.TaskID, model.EventTransientError, map[string]interface{}{
		"phase":   state.Phase,
		"attempt": attempt,
		"error":   cause.Error(),
	})

	if attempt >= r.cfg.Runner.MaxAttempts {
		return r.failTask(ctx, state, cause)
	}

	if err := r.stateRepo.Save(ctx, state); err != nil {
		r.log.ErrorContext(ctx, "Failed to persist attempt counter",
			zap.String("task_id", state.TaskID), zap.Error(err))
	}
	return r.backoffDelay(attempt), false
}

// failTask is the one fatal, non-retryable outcome.
func (r *RunnerService) failTask(ctx context.Context, state *model.RunnerState, cause error) (time.Duration, bool) {
	message := fmt.Sprintf("task failed after %d attempts in phase %s: %v", state.Attempts, state.Phase, cause)
	if err := r.registry.SetStatus(ctx, state.TaskID, model.StatusFailed, nil, message); err != nil {
		r.log.ErrorContext(ctx, "Failed to set failed status",
			zap.String("task_id", state.TaskID), zap.Error(err))
	}
	r.recordEvent(ctx, state.TaskID, model.EventMaxRetriesExceeded, map[string]interface{}{
		"phase":      state.Phase,
		"attempts":   state.Attempts,
		"last_error": cause.Error(),
	})

	if err := r.stateRepo.Delete(ctx, state.TaskID); err != nil {
		r.log.ErrorContext(ctx, "Failed to delete runner state",
			zap.String("task_id", state.TaskID), zap.Error(err))
	}
	return 0, true
}

// recordEvent forwards a diagnostic to the registry; failures are
// logged and never interrupt the phase.
func (r *RunnerService) recordEvent(ctx context.Context, taskID, kind string, payload interface{}) {
	if err := r.registry.RecordEvent(ctx, taskID, kind, payload); err != nil {
		r.log.WarnContext(ctx, "Failed to record task event",
			zap.String("task_id", taskID), zap.String("kind", kind), zap.Error(err))
	}
}

func (r *RunnerService) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	delay := r.cfg.Runner.BackoffBase * time.Duration(1<<(attempt-1))
	if delay > r.cfg.Runner.BackoffCeiling {
		delay = r.cfg.Runner.BackoffCeiling
	}
	return delay
}

func (r *RunnerService) pollDelay(state *model.RunnerState) time.Duration {
	if state.StreamReconnects > r.cfg.Runner.MaxStreamReconnects {
		return r.cfg.Runner.SlowPollInterval
	}
	return r.cfg.Runner.TickInterval
}
