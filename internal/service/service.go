package service

import (
	"task-orchestrator/config"
	"task-orchestrator/internal/repository"
	"task-orchestrator/pkg/cache"
	"task-orchestrator/pkg/logger"
	"task-orchestrator/pkg/telegram"
)

type Service struct {
	Registry RegistryService
	Runner   *RunnerService
	Janitor  *JanitorService
}

func NewService(
	cfg *config.Config,
	log *logger.Logger,
	repo *repository.Repository,
	inmemoryCache cache.Cache,
	notifier *telegram.Notifier,
) (*Service, error) {
	runner := NewRunnerService(cfg, log, repo.AgentAPIRepo, repo.RunnerStateRepo)
	registry := NewRegistryService(cfg, log, repo.TaskRepo, repo.RunnerStateRepo, inmemoryCache, notifier, runner)
	runner.AttachRegistry(registry)

	janitor, err := NewJanitorService(cfg, log, repo.TaskRepo, repo.RunnerStateRepo, runner)
	if err != nil {
		return nil, err
	}

	return &Service{
		Registry: registry,
		Runner:   runner,
		Janitor:  janitor,
	}, nil
}
