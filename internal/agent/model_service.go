package agent

import (
	"context"
	"sync"

	"github.com/coderelay/agentd/internal/config"
	"github.com/coderelay/agentd/internal/provider"
)

// ModelService is the control surface for model selection: list what the
// kit offers, read the active policy, and swap it at runtime. Policy
// changes propagate to both executors and persist to the settings file.
type ModelService struct {
	Kit *provider.Kit

	settingsPath  string
	runner        *Runner
	sessionRunner *SessionRunner

	mu     sync.RWMutex
	policy config.ModelPolicy
}

// NewModelService builds the service. settingsPath may be empty; policy
// changes are then kept in memory only.
func NewModelService(kit *provider.Kit, settingsPath string, runner *Runner, sessionRunner *SessionRunner, policy config.ModelPolicy) *ModelService {
	return &ModelService{
		Kit:           kit,
		settingsPath:  settingsPath,
		runner:        runner,
		sessionRunner: sessionRunner,
		policy:        policy,
	}
}

// ListModels returns every model the configured providers offer.
func (m *ModelService) ListModels(ctx context.Context) ([]provider.ModelRecord, error) {
	return m.Kit.ListModelRecords(ctx)
}

// GetPolicy returns the active model policy.
func (m *ModelService) GetPolicy() config.ModelPolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

// SetPolicy swaps the active policy, pushes it to both executors, and
// writes it through to the settings file.
func (m *ModelService) SetPolicy(policy config.ModelPolicy) error {
	m.ApplyPolicy(policy)
	if m.settingsPath == "" {
		return nil
	}
	return config.SaveSettings(m.settingsPath, config.Settings{ModelPolicy: policy})
}

// ApplyPolicy is SetPolicy without the write-through. The settings
// watcher uses it when the file itself changed on disk, so a reload
// never rewrites the file it was triggered by.
func (m *ModelService) ApplyPolicy(policy config.ModelPolicy) {
	m.mu.Lock()
	m.policy = policy
	m.mu.Unlock()

	if m.runner != nil {
		m.runner.SetPolicy(policy)
	}
	if m.sessionRunner != nil {
		m.sessionRunner.SetPolicy(policy)
	}
}
