package repository

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"task-orchestrator/config"
	"task-orchestrator/internal/dto"
	"task-orchestrator/pkg/httpclient"
	"task-orchestrator/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AgentAPIRepository talks to the remote task-execution API. The API
// key is an opaque caller-supplied credential forwarded per request.
type AgentAPIRepository interface {
	CreateRun(ctx context.Context, apiKey string, req *dto.CreateRunRequest) (*dto.RunResponse, error)
	GetRun(ctx context.Context, apiKey, runID string) (*dto.RunResponse, error)
	GetRunResult(ctx context.Context, apiKey, runID string) (*dto.RunResult, error)
	CancelRun(ctx context.Context, apiKey, runID string) error
	StreamRunEvents(ctx context.Context, apiKey, runID string, handler StreamHandler) (*dto.RunResponse, error)
}

// StreamHandler receives run events as they arrive. OnMalformed is
// called for lines that fail to parse; the stream keeps going.
type StreamHandler struct {
	OnEvent     func(event *dto.StreamEvent)
	OnMalformed func(line string)
}

type agentAPIRepository struct {
	httpClient     httpclient.HTTPClient
	cfg            *config.Config
	log            *logger.Logger
	requestLimiter *rate.Limiter
}

func NewAgentAPIRepository(cfg *config.Config, log *logger.Logger) AgentAPIRepository {
	secondsPerRequest := time.Minute / time.Duration(cfg.Agent.MaxRequestPerMinute)
	return &agentAPIRepository{
		httpClient:     httpclient.New(cfg.Agent.BaseURL, cfg.Agent.Timeout),
		cfg:            cfg,
		log:            log,
		requestLimiter: rate.NewLimiter(rate.Every(secondsPerRequest), 1),
	}
}

func authHeaders(apiKey string) map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + apiKey,
		"Content-Type":  "application/json",
	}
}

func (r *agentAPIRepository) CreateRun(ctx context.Context, apiKey string, req *dto.CreateRunRequest) (*dto.RunResponse, error) {
	if err := r.requestLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	var run dto.RunResponse
	resp, err := r.httpClient.Post(ctx, "/v1/tasks/runs", req, authHeaders(apiKey), &run)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("create run returned status %d: %s", resp.StatusCode, string(resp.Body))
	}
	if run.RunID == "" {
		return nil, fmt.Errorf("create run response missing run id")
	}
	return &run, nil
}

func (r *agentAPIRepository) GetRun(ctx context.Context, apiKey, runID string) (*dto.RunResponse, error) {
	if err := r.requestLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	var run dto.RunResponse
	resp, err := r.httpClient.Get(ctx, fmt.Sprintf("/v1/tasks/runs/%s", runID), nil, authHeaders(apiKey), &run)
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("get run %s returned status %d: %s", runID, resp.StatusCode, string(resp.Body))
	}
	return &run, nil
}

func (r *agentAPIRepository) GetRunResult(ctx context.Context, apiKey, runID string) (*dto.RunResult, error) {
	if err := r.requestLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	var result dto.RunResult
	resp, err := r.httpClient.Get(ctx, fmt.Sprintf("/v1/tasks/runs/%s/result", runID), nil, authHeaders(apiKey), &result)
	if err != nil {
		return nil, fmt.Errorf("failed to get run result %s: %w", runID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("get run result %s returned status %d: %s", runID, resp.StatusCode, string(resp.Body))
	}
	return &result, nil
}

// CancelRun is best effort: a 404 or 405 from the remote means the
// run is gone or the API has no cancel surface, both fine to ignore.
func (r *agentAPIRepository) CancelRun(ctx context.Context, apiKey, runID string) error {
	if err := r.requestLimiter.Wait(ctx); err != nil {
		return err
	}

	resp, err := r.httpClient.Post(ctx, fmt.Sprintf("/v1/tasks/runs/%s/cancel", runID), nil, authHeaders(apiKey), nil)
	if err != nil {
		return fmt.Errorf("failed to cancel run %s: %w", runID, err)
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed:
		return nil
	default:
		return fmt.Errorf("cancel run %s returned status %d", runID, resp.StatusCode)
	}
}

// StreamRunEvents consumes the newline-delimited JSON event stream for
// one run until a terminal event arrives, the remote closes the
// connection, or the stream deadline passes. It returns the run
// snapshot from the terminal event, or nil if the stream ended without
// one.
func (r *agentAPIRepository) StreamRunEvents(ctx context.Context, apiKey, runID string, handler StreamHandler) (*dto.RunResponse, error) {
	streamCtx, cancel := context.WithTimeout(ctx, r.cfg.Agent.StreamTimeout)
	defer cancel()

	body, statusCode, err := r.httpClient.Stream(streamCtx, fmt.Sprintf("/v1/tasks/runs/%s/events", runID), authHeaders(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to open event stream for run %s: %w", runID, err)
	}
	defer body.Close()

	if statusCode < 200 || statusCode >= 300 {
		return nil, fmt.Errorf("event stream for run %s returned status %d", runID, statusCode)
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var event dto.StreamEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil || event.Type == "" {
			r.log.WarnContext(ctx, "Malformed stream event",
				zap.String("run_id", runID), zap.String("line", line))
			if handler.OnMalformed != nil {
				handler.OnMalformed(line)
			}
			continue
		}
		event.Raw = json.RawMessage(line)

		if handler.OnEvent != nil {
			handler.OnEvent(&event)
		}

		if event.Terminal() {
			return event.Run, nil
		}
	}

	if err := scanner.Err(); err != nil {
		// Deadline or disconnect mid-stream; the caller falls back to
		// polling either way.
		return nil, fmt.Errorf("event stream for run %s interrupted: %w", runID, err)
	}
	return nil, nil
}
