package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"task-orchestrator/config"
	"task-orchestrator/internal/dto"
	"task-orchestrator/internal/model"
	"task-orchestrator/internal/repository"
	"task-orchestrator/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgentAPI struct {
	createRun func(ctx context.Context, apiKey string, req *dto.CreateRunRequest) (*dto.RunResponse, error)
	getRun    func(ctx context.Context, apiKey, runID string) (*dto.RunResponse, error)
	getResult func(ctx context.Context, apiKey, runID string) (*dto.RunResult, error)
	cancelRun func(ctx context.Context, apiKey, runID string) error
	streamRun func(ctx context.Context, apiKey, runID string, handler repository.StreamHandler) (*dto.RunResponse, error)
}

func (f *fakeAgentAPI) CreateRun(ctx context.Context, apiKey string, req *dto.CreateRunRequest) (*dto.RunResponse, error) {
	return f.createRun(ctx, apiKey, req)
}

func (f *fakeAgentAPI) GetRun(ctx context.Context, apiKey, runID string) (*dto.RunResponse, error) {
	return f.getRun(ctx, apiKey, runID)
}

func (f *fakeAgentAPI) GetRunResult(ctx context.Context, apiKey, runID string) (*dto.RunResult, error) {
	return f.getResult(ctx, apiKey, runID)
}

func (f *fakeAgentAPI) CancelRun(ctx context.Context, apiKey, runID string) error {
	return f.cancelRun(ctx, apiKey, runID)
}

func (f *fakeAgentAPI) StreamRunEvents(ctx context.Context, apiKey, runID string, handler repository.StreamHandler) (*dto.RunResponse, error) {
	return f.streamRun(ctx, apiKey, runID, handler)
}

type fakeStateRepo struct {
	mu     sync.Mutex
	states map[string]model.RunnerState
}

func newFakeStateRepo() *fakeStateRepo {
	return &fakeStateRepo{states: make(map[string]model.RunnerState)}
}

func (f *fakeStateRepo) Save(ctx context.Context, state *model.RunnerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state.LastActivityAt = time.Now()
	f.states[state.TaskID] = *state
	return nil
}

func (f *fakeStateRepo) FindByTaskID(ctx context.Context, taskID string) (*model.RunnerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[taskID]
	if !ok {
		return nil, repository.ErrRunnerStateNotFound
	}
	copied := state
	return &copied, nil
}

func (f *fakeStateRepo) List(ctx context.Context) ([]model.RunnerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	states := make([]model.RunnerState, 0, len(f.states))
	for _, state := range f.states {
		states = append(states, state)
	}
	return states, nil
}

func (f *fakeStateRepo) Delete(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, taskID)
	return nil
}

func (f *fakeStateRepo) SetCancelRequested(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[taskID]
	if !ok {
		return repository.ErrRunnerStateNotFound
	}
	state.CancelRequested = true
	f.states[taskID] = state
	return nil
}

type recordedEvent struct {
	taskID  string
	kind    string
	payload interface{}
}

type recordedStatus struct {
	taskID       string
	status       model.TaskStatus
	result       []byte
	errorMessage string
}

type fakeRegistryWriter struct {
	mu       sync.Mutex
	events   []recordedEvent
	runIDs   map[string]string
	statuses []recordedStatus
}

func newFakeRegistryWriter() *fakeRegistryWriter {
	return &fakeRegistryWriter{runIDs: make(map[string]string)}
}

func (f *fakeRegistryWriter) RecordEvent(ctx context.Context, taskID, kind string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{taskID: taskID, kind: kind, payload: payload})
	return nil
}

func (f *fakeRegistryWriter) SetRunID(ctx context.Context, taskID, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runIDs[taskID] = runID
	return nil
}

func (f *fakeRegistryWriter) SetStatus(ctx context.Context, taskID string, status model.TaskStatus, result []byte, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, recordedStatus{taskID: taskID, status: status, result: result, errorMessage: errorMessage})
	return nil
}

func (f *fakeRegistryWriter) lastStatus() *recordedStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return nil
	}
	return &f.statuses[len(f.statuses)-1]
}

func (f *fakeRegistryWriter) eventKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]string, 0, len(f.events))
	for _, event := range f.events {
		kinds = append(kinds, event.kind)
	}
	return kinds
}

func testRunnerConfig() *config.Config {
	return &config.Config{
		Agent: config.AgentAPI{StreamTimeout: 570 * time.Second},
		Runner: config.Runner{
			MaxConcurrency:      4,
			TickInterval:        time.Second,
			SlowPollInterval:    10 * time.Second,
			BackoffBase:         time.Second,
			BackoffCeiling:      30 * time.Second,
			MaxAttempts:         10,
			MaxStreamReconnects: 5,
		},
	}
}

func newTestRunner(t *testing.T, agent *fakeAgentAPI) (*RunnerService, *fakeStateRepo, *fakeRegistryWriter) {
	t.Helper()
	log, err := logger.New("error", "console")
	require.NoError(t, err)

	stateRepo := newFakeStateRepo()
	registry := newFakeRegistryWriter()
	runner := NewRunnerService(testRunnerConfig(), log, agent, stateRepo)
	runner.AttachRegistry(registry)
	return runner, stateRepo, registry
}

func mustState(t *testing.T, repo *fakeStateRepo, taskID string) *model.RunnerState {
	t.Helper()
	state, err := repo.FindByTaskID(context.Background(), taskID)
	require.NoError(t, err)
	return state
}

func TestRunnerHappyPath(t *testing.T) {
	ctx := context.Background()
	resultCalls := 0

	agent := &fakeAgentAPI{
		createRun: func(ctx context.Context, apiKey string, req *dto.CreateRunRequest) (*dto.RunResponse, error) {
			assert.Equal(t, "secret", apiKey)
			assert.Equal(t, "base", req.Processor)
			assert.Equal(t, "x", req.Input)
			return &dto.RunResponse{RunID: "r1", Status: "queued"}, nil
		},
		getRun: func(ctx context.Context, apiKey, runID string) (*dto.RunResponse, error) {
			assert.Equal(t, "r1", runID)
			return &dto.RunResponse{RunID: "r1", Status: "completed", IsActive: false}, nil
		},
		getResult: func(ctx context.Context, apiKey, runID string) (*dto.RunResult, error) {
			resultCalls++
			return &dto.RunResult{RunID: "r1", Output: json.RawMessage(`{"answer":42}`)}, nil
		},
	}
	runner, stateRepo, registry := newTestRunner(t, agent)

	state := &model.RunnerState{
		TaskID:    "t1",
		APIKey:    "secret",
		Processor: "base",
		Input:     "x",
		Phase:     model.PhaseInitializing,
	}
	require.NoError(t, stateRepo.Save(ctx, state))

	// initializing: remote run is created, run id reported, phase advances
	delay, done := runner.processTask(ctx, mustState(t, stateRepo, "t1"))
	assert.False(t, done)
	assert.Equal(t, time.Second, delay)
	assert.Equal(t, "r1", registry.runIDs["t1"])
	assert.Equal(t, model.PhaseMonitoring, mustState(t, stateRepo, "t1").Phase)

	// monitoring: remote reports terminal status
	delay, done = runner.processTask(ctx, mustState(t, stateRepo, "t1"))
	assert.False(t, done)
	assert.Equal(t, time.Second, delay)
	assert.Equal(t, model.PhaseCompleted, mustState(t, stateRepo, "t1").Phase)

	// completion: result fetched once, terminal write, checkpoint gone
	_, done = runner.processTask(ctx, mustState(t, stateRepo, "t1"))
	assert.True(t, done)
	assert.Equal(t, 1, resultCalls)

	last := registry.lastStatus()
	require.NotNil(t, last)
	assert.Equal(t, model.StatusCompleted, last.status)
	assert.JSONEq(t, `{"answer":42}`, string(last.result))

	_, err := stateRepo.FindByTaskID(ctx, "t1")
	assert.ErrorIs(t, err, repository.ErrRunnerStateNotFound)

	assert.Contains(t, registry.eventKinds(), model.EventRunCreated)
	assert.Contains(t, registry.eventKinds(), model.EventTaskFinished)
}

func TestRunnerInitializingVerifiesExistingRun(t *testing.T) {
	ctx := context.Background()

	agent := &fakeAgentAPI{
		createRun: func(ctx context.Context, apiKey string, req *dto.CreateRunRequest) (*dto.RunResponse, error) {
			t.Fatal("createRun must not be called when a run id is already known")
			return nil, nil
		},
		getRun: func(ctx context.Context, apiKey, runID string) (*dto.RunResponse, error) {
			assert.Equal(t, "r9", runID)
			return &dto.RunResponse{RunID: "r9", Status: "running", IsActive: true}, nil
		},
	}
	runner, stateRepo, registry := newTestRunner(t, agent)

	state := &model.RunnerState{
		TaskID: "t1",
		APIKey: "secret",
		Phase:  model.PhaseInitializing,
		RunID:  sql.NullString{String: "r9", Valid: true},
	}
	require.NoError(t, stateRepo.Save(ctx, state))

	_, done := runner.processTask(ctx, mustState(t, stateRepo, "t1"))
	assert.False(t, done)
	assert.Equal(t, model.PhaseMonitoring, mustState(t, stateRepo, "t1").Phase)
	assert.Equal(t, "r9", registry.runIDs["t1"])
}

func TestRunnerResumesMonitoringAfterRestart(t *testing.T) {
	ctx := context.Background()

	agent := &fakeAgentAPI{
		createRun: func(ctx context.Context, apiKey string, req *dto.CreateRunRequest) (*dto.RunResponse, error) {
			t.Fatal("restarted runner must not re-create the remote run")
			return nil, nil
		},
		getRun: func(ctx context.Context, apiKey, runID string) (*dto.RunResponse, error) {
			return &dto.RunResponse{RunID: "r1", Status: "queued", IsActive: false}, nil
		},
	}
	runner, stateRepo, _ := newTestRunner(t, agent)

	// Checkpoint as left behind by an interrupted process.
	require.NoError(t, stateRepo.Save(ctx, &model.RunnerState{
		TaskID: "t1",
		APIKey: "secret",
		Phase:  model.PhaseMonitoring,
		RunID:  sql.NullString{String: "r1", Valid: true},
	}))

	require.NoError(t, runner.Resume(ctx))
	assert.True(t, runner.Tracks("t1"))

	_, done := runner.processTask(ctx, mustState(t, stateRepo, "t1"))
	assert.False(t, done)
	assert.Equal(t, model.PhaseMonitoring, mustState(t, stateRepo, "t1").Phase)

	runner.Stop()
}

func TestRunnerRetryBackoffAndExhaustion(t *testing.T) {
	ctx := context.Background()

	agent := &fakeAgentAPI{
		createRun: func(ctx context.Context, apiKey string, req *dto.CreateRunRequest) (*dto.RunResponse, error) {
			return nil, assert.AnError
		},
	}
	runner, stateRepo, registry := newTestRunner(t, agent)

	require.NoError(t, stateRepo.Save(ctx, &model.RunnerState{
		TaskID: "t1",
		APIKey: "secret",
		Phase:  model.PhaseInitializing,
	}))

	expectedDelays := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 16 * time.Second, 30 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, expected := range expectedDelays {
		delay, done := runner.processTask(ctx, mustState(t, stateRepo, "t1"))
		require.False(t, done, "attempt %d must not be fatal", i+1)
		assert.Equal(t, expected, delay, "backoff for attempt %d", i+1)
	}

	// The 10th failed attempt is the exhaustion point.
	_, done := runner.processTask(ctx, mustState(t, stateRepo, "t1"))
	assert.True(t, done)

	last := registry.lastStatus()
	require.NotNil(t, last)
	assert.Equal(t, model.StatusFailed, last.status)
	assert.Contains(t, last.errorMessage, "10 attempts")

	var exhausted *recordedEvent
	for i := range registry.events {
		if registry.events[i].kind == model.EventMaxRetriesExceeded {
			exhausted = &registry.events[i]
		}
	}
	require.NotNil(t, exhausted)
	payload, ok := exhausted.payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 10, payload["attempts"])

	_, err := stateRepo.FindByTaskID(ctx, "t1")
	assert.ErrorIs(t, err, repository.ErrRunnerStateNotFound)
}

func TestRunnerStreamDisconnectsDegradeToSlowPolling(t *testing.T) {
	ctx := context.Background()

	agent := &fakeAgentAPI{
		getRun: func(ctx context.Context, apiKey, runID string) (*dto.RunResponse, error) {
			return &dto.RunResponse{RunID: "r1", Status: "running", IsActive: true}, nil
		},
		streamRun: func(ctx context.Context, apiKey, runID string, handler repository.StreamHandler) (*dto.RunResponse, error) {
			return nil, nil // remote closes without a terminal event
		},
	}
	runner, stateRepo, _ := newTestRunner(t, agent)

	require.NoError(t, stateRepo.Save(ctx, &model.RunnerState{
		TaskID: "t1",
		APIKey: "secret",
		Phase:  model.PhaseStreaming,
		RunID:  sql.NullString{String: "r1", Valid: true},
	}))

	// Six consecutive disconnects: bounce streaming -> monitoring ->
	// streaming until the ceiling is exceeded.
	for i := 0; i < 6; i++ {
		state := mustState(t, stateRepo, "t1")
		require.Equal(t, model.PhaseStreaming, state.Phase, "iteration %d", i)
		_, done := runner.processTask(ctx, state)
		require.False(t, done)

		state = mustState(t, stateRepo, "t1")
		require.Equal(t, model.PhaseMonitoring, state.Phase)
		if state.StreamReconnects > 5 {
			break
		}
		_, done = runner.processTask(ctx, state)
		require.False(t, done)
	}

	state := mustState(t, stateRepo, "t1")
	assert.Equal(t, 6, state.StreamReconnects)
	assert.Equal(t, model.PhaseMonitoring, state.Phase)

	// Past the ceiling the runner stays on slow polls, no new stream.
	delay, done := runner.processTask(ctx, state)
	assert.False(t, done)
	assert.Equal(t, 10*time.Second, delay)
	assert.Equal(t, model.PhaseMonitoring, mustState(t, stateRepo, "t1").Phase)
}

func TestRunnerStreamTerminalEvent(t *testing.T) {
	ctx := context.Background()

	agent := &fakeAgentAPI{
		streamRun: func(ctx context.Context, apiKey, runID string, handler repository.StreamHandler) (*dto.RunResponse, error) {
			handler.OnEvent(&dto.StreamEvent{
				Type: "task_run.progress",
				Raw:  json.RawMessage(`{"type":"task_run.progress"}`),
			})
			terminal := &dto.RunResponse{RunID: "r1", Status: "completed", IsActive: false}
			handler.OnEvent(&dto.StreamEvent{
				Type: "task_run.state",
				Run:  terminal,
				Raw:  json.RawMessage(`{"type":"task_run.state"}`),
			})
			return terminal, nil
		},
	}
	runner, stateRepo, registry := newTestRunner(t, agent)

	require.NoError(t, stateRepo.Save(ctx, &model.RunnerState{
		TaskID: "t1",
		APIKey: "secret",
		Phase:  model.PhaseStreaming,
		RunID:  sql.NullString{String: "r1", Valid: true},
	}))

	_, done := runner.processTask(ctx, mustState(t, stateRepo, "t1"))
	assert.False(t, done)

	state := mustState(t, stateRepo, "t1")
	assert.Equal(t, model.PhaseCompleted, state.Phase)
	assert.Equal(t, string(model.StatusCompleted), state.FinalStatus.String)

	kinds := registry.eventKinds()
	assert.Equal(t, []string{model.EventStreamEvent, model.EventStreamEvent}, kinds)
}

func TestRunnerCancelTearsDown(t *testing.T) {
	ctx := context.Background()
	cancelCalls := 0

	agent := &fakeAgentAPI{
		cancelRun: func(ctx context.Context, apiKey, runID string) error {
			cancelCalls++
			assert.Equal(t, "r1", runID)
			return nil
		},
	}
	runner, stateRepo, registry := newTestRunner(t, agent)

	require.NoError(t, stateRepo.Save(ctx, &model.RunnerState{
		TaskID:          "t1",
		APIKey:          "secret",
		Phase:           model.PhaseStreaming,
		RunID:           sql.NullString{String: "r1", Valid: true},
		CancelRequested: true,
	}))

	_, done := runner.processTask(ctx, mustState(t, stateRepo, "t1"))
	assert.True(t, done)
	assert.Equal(t, 1, cancelCalls)

	last := registry.lastStatus()
	require.NotNil(t, last)
	assert.Equal(t, model.StatusCancelled, last.status)

	_, err := stateRepo.FindByTaskID(ctx, "t1")
	assert.ErrorIs(t, err, repository.ErrRunnerStateNotFound)
}

func TestBackoffDelay(t *testing.T) {
	runner, _, _ := newTestRunner(t, &fakeAgentAPI{})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 1 * time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 5, want: 16 * time.Second},
		{attempt: 6, want: 30 * time.Second},
		{attempt: 10, want: 30 * time.Second},
		{attempt: 100, want: 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, runner.backoffDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}
