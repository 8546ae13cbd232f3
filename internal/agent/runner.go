package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coderelay/agentd/internal/config"
	"github.com/coderelay/agentd/internal/observability"
	"github.com/coderelay/agentd/internal/provider"
	"github.com/coderelay/agentd/internal/repocontext"
	"github.com/coderelay/agentd/internal/store"
	"github.com/coderelay/agentd/internal/workspace"
	"github.com/coderelay/agentd/pkg/models"
)

// ErrRunAlreadyRunning is returned when a run's background worker is
// still live.
var ErrRunAlreadyRunning = errors.New("run already running")

// Runner executes spec-driven runs: load spec, gather context, plan,
// then execute steps with per-step approval gates.
type Runner struct {
	Logger  *slog.Logger
	Store   *store.Store
	Kit     *provider.Kit
	Router  *provider.Router
	Metrics *observability.Metrics

	policyMu sync.RWMutex
	policy   config.ModelPolicy

	mu      sync.Mutex
	running map[string]struct{}
}

// NewRunner builds a run executor.
func NewRunner(logger *slog.Logger, st *store.Store, kit *provider.Kit, router *provider.Router, policy config.ModelPolicy) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		Logger:  logger,
		Store:   st,
		Kit:     kit,
		Router:  router,
		policy:  policy,
		running: map[string]struct{}{},
	}
}

// SetPolicy swaps the model policy for subsequent runs.
func (r *Runner) SetPolicy(policy config.ModelPolicy) {
	r.policyMu.Lock()
	r.policy = policy
	r.policyMu.Unlock()
}

func (r *Runner) policySnapshot() config.ModelPolicy {
	r.policyMu.RLock()
	defer r.policyMu.RUnlock()
	return r.policy
}

// StartRun spawns the background worker for the run. At most one worker
// per run; a second start while the first is live is an error.
func (r *Runner) StartRun(ctx context.Context, runID string) error {
	r.mu.Lock()
	if _, ok := r.running[runID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunAlreadyRunning, runID)
	}
	r.running[runID] = struct{}{}
	r.mu.Unlock()

	if r.Metrics != nil {
		r.Metrics.RunsStarted.Inc()
	}

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.running, runID)
			r.mu.Unlock()
		}()

		runCtx, cancel := context.WithCancel(context.Background())
		r.Store.SetRunCancel(runID, cancel)
		defer cancel()

		if err := r.execute(runCtx, runID); err != nil {
			r.Logger.Error("run failed", "run_id", runID, "err", err)
		}
	}()
	return nil
}

func (r *Runner) execute(ctx context.Context, runID string) error {
	run, err := r.Store.GetRun(runID)
	if err != nil {
		return err
	}

	run.Status = models.RunRunning
	_ = r.Store.UpdateRun(run)
	_ = r.Store.AppendEvent(runID, models.Event{
		RunID:   runID,
		Type:    models.EventRunStarted,
		Message: "run started",
	})

	specBytes, err := os.ReadFile(run.SpecPath)
	if err != nil {
		return r.failRun(runID, fmt.Errorf("read spec: %w", err))
	}
	specText := string(specBytes)
	_ = r.Store.AppendEvent(runID, models.Event{
		RunID: runID,
		Type:  models.EventSpecLoaded,
		Data:  map[string]any{"bytes": len(specBytes)},
	})

	bundle, err := repocontext.Gather(ctx, run.WorkspacePath)
	if err != nil {
		return r.failRun(runID, fmt.Errorf("gather context: %w", err))
	}
	_ = r.Store.AppendEvent(runID, models.Event{
		RunID: runID,
		Type:  models.EventContextGathered,
		Data: map[string]any{
			"has_agents_md": bundle.AgentsMD != "",
			"repo_tree_len": len(bundle.RepoTree),
			"repo_map_len":  len(bundle.RepoMap),
		},
	})

	model, err := resolveModel(ctx, r.Kit, r.Router, r.policySnapshot())
	if err != nil {
		return r.failRun(runID, fmt.Errorf("resolve model: %w", err))
	}
	run.ModelCanonical = model.ID
	_ = r.Store.UpdateRun(run)
	_ = r.Store.AppendEvent(runID, models.Event{
		RunID: runID,
		Type:  models.EventModelResolved,
		Data:  map[string]any{"model": model.ID},
	})

	// Plan generation is the one model call with a fallback: any
	// failure leaves us with the static two-step plan.
	plan, err := GeneratePlan(ctx, r.Kit, model, specText, bundle)
	if err != nil {
		r.Logger.Warn("plan generation failed, using fallback", "run_id", runID, "err", err)
	}
	_ = r.Store.AppendEvent(runID, models.Event{
		RunID: runID,
		Type:  models.EventPlanGenerated,
		Data:  map[string]any{"steps": len(plan.Steps)},
	})

	runSteps := make([]models.Step, 0, len(plan.Steps))
	for _, ps := range plan.Steps {
		runSteps = append(runSteps, models.Step{
			ID:            ps.ID,
			Title:         ps.Title,
			Type:          models.StepType(ps.Type),
			NeedsApproval: ps.NeedsApproval,
			Command:       ps.Command,
			Status:        models.StepPending,
		})
	}
	run.Steps = runSteps
	_ = r.Store.UpdateRun(run)

	anyFailed := false
	for i := range plan.Steps {
		select {
		case <-ctx.Done():
			return r.cancelRun(runID, ctx.Err())
		default:
		}
		ok, err := r.executeStep(ctx, runID, &plan.Steps[i])
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return r.cancelRun(runID, err)
			}
			return r.failRun(runID, err)
		}
		if !ok {
			anyFailed = true
			// Approval-tagged infrastructure failing is terminal.
			if plan.Steps[i].NeedsApproval {
				return r.failRun(runID, fmt.Errorf("approved step failed: %s", plan.Steps[i].Title))
			}
		}
	}

	run, _ = r.Store.GetRun(runID)
	if anyFailed {
		run.Status = models.RunFailed
		run.Error = "one or more steps failed"
		_ = r.Store.UpdateRun(run)
		_ = r.Store.AppendEvent(runID, models.Event{
			RunID:   runID,
			Type:    models.EventRunFailed,
			Message: run.Error,
		})
		r.Metrics.RecordRunCompleted("failed")
		return nil
	}
	run.Status = models.RunSucceeded
	run.Error = ""
	_ = r.Store.UpdateRun(run)
	_ = r.Store.AppendEvent(runID, models.Event{
		RunID:   runID,
		Type:    models.EventRunSucceeded,
		Message: "run completed successfully",
	})
	r.Metrics.RecordRunCompleted("succeeded")
	return nil
}

// executeStep runs one step. The bool reports step success; the error
// is reserved for infrastructure failures (store errors, cancellation)
// that abort the whole run.
func (r *Runner) executeStep(ctx context.Context, runID string, step *PlanStep) (bool, error) {
	if step == nil {
		return false, errors.New("step is nil")
	}

	_ = r.Store.AppendEvent(runID, models.Event{
		RunID: runID,
		Type:  models.EventStepStarted,
		Data: map[string]any{
			"step_id": step.ID,
			"title":   step.Title,
			"type":    step.Type,
		},
	})

	run, _ := r.Store.GetRun(runID)
	now := time.Now().UTC()
	if s := run.StepByID(step.ID); s != nil {
		s.Status = models.StepRunning
		s.StartedAt = &now
	}
	_ = r.Store.UpdateRun(run)

	if step.NeedsApproval {
		run.Status = models.RunWaitingApproval
		if s := run.StepByID(step.ID); s != nil {
			s.Status = models.StepWaiting
		}
		_ = r.Store.UpdateRun(run)

		if _, err := r.Store.RequireRunApproval(runID, step.ID); err != nil {
			return false, err
		}
		_ = r.Store.AppendEvent(runID, models.Event{
			RunID: runID,
			Type:  models.EventApprovalRequested,
			Data: map[string]any{
				"step_id": step.ID,
				"title":   step.Title,
			},
		})

		waitStart := time.Now()
		decision, err := r.Store.WaitForRunApproval(ctx, runID, step.ID)
		r.Metrics.RecordApprovalWait(time.Since(waitStart).Seconds())
		if err != nil {
			return false, err
		}
		if !decision.Approved() {
			_ = r.Store.AppendEvent(runID, models.Event{
				RunID: runID,
				Type:  models.EventApprovalDenied,
				Data: map[string]any{
					"step_id": step.ID,
					"reason":  decision.Reason,
				},
			})
			return r.skipStep(runID, step.ID, "approval denied")
		}
		_ = r.Store.AppendEvent(runID, models.Event{
			RunID: runID,
			Type:  models.EventApprovalGranted,
			Data: map[string]any{
				"step_id": step.ID,
				"reason":  decision.Reason,
			},
		})

		run, _ = r.Store.GetRun(runID)
		run.Status = models.RunRunning
		if s := run.StepByID(step.ID); s != nil {
			s.Status = models.StepRunning
		}
		_ = r.Store.UpdateRun(run)
	}

	switch strings.ToLower(step.Type) {
	case "command":
		return r.execCommandStep(ctx, runID, *step)
	case "patch":
		return r.execPatchStep(ctx, runID, *step)
	case "diagram":
		return r.execCommandStep(ctx, runID, PlanStep{
			ID:            step.ID,
			Title:         step.Title,
			Type:          "command",
			NeedsApproval: step.NeedsApproval,
			Command:       "make diagrams",
		})
	default:
		// note/noop
	}

	return r.completeStep(runID, step.ID, true, "")
}

func (r *Runner) execCommandStep(ctx context.Context, runID string, step PlanStep) (bool, error) {
	run, err := r.Store.GetRun(runID)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(step.Command) == "" {
		return r.completeStep(runID, step.ID, true, "no command (skipped)")
	}
	res, cmdErr := workspace.RunCommand(ctx, step.Command, workspace.ExecOptions{
		Dir:     run.WorkspacePath,
		Timeout: 30 * time.Minute,
	})
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	artifactRel, _ := r.Store.SaveRunArtifact(runID, step.ID, "command.json", mustJSON(res))
	_ = r.Store.AppendEvent(runID, models.Event{
		RunID: runID,
		Type:  models.EventCommandExecuted,
		Data: map[string]any{
			"step_id":      step.ID,
			"cmd":          step.Command,
			"exit_code":    res.ExitCode,
			"artifact_rel": artifactRel,
		},
	})

	if cmdErr != nil {
		return r.completeStep(runID, step.ID, false, fmt.Sprintf("command failed (exit %d)", res.ExitCode))
	}
	return r.completeStep(runID, step.ID, true, "")
}

func (r *Runner) execPatchStep(ctx context.Context, runID string, step PlanStep) (bool, error) {
	run, err := r.Store.GetRun(runID)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(step.Patch) == "" {
		return r.completeStep(runID, step.ID, true, "no patch (skipped)")
	}
	res, applyErr := workspace.ApplyUnifiedDiff(ctx, run.WorkspacePath, step.Patch)
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	artifactRel, _ := r.Store.SaveRunArtifact(runID, step.ID, "patch_apply.json", mustJSON(res))
	_ = r.Store.AppendEvent(runID, models.Event{
		RunID: runID,
		Type:  models.EventPatchApplied,
		Data: map[string]any{
			"step_id":      step.ID,
			"applied":      res.Applied,
			"artifact_rel": artifactRel,
		},
	})
	if applyErr != nil {
		return r.completeStep(runID, step.ID, false, fmt.Sprintf("patch apply error: %v", applyErr))
	}
	return r.completeStep(runID, step.ID, true, "")
}

func (r *Runner) completeStep(runID, stepID string, ok bool, msg string) (bool, error) {
	run, err := r.Store.GetRun(runID)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	if s := run.StepByID(stepID); s != nil {
		s.CompletedAt = &now
		if ok {
			s.Status = models.StepSucceeded
		} else {
			s.Status = models.StepFailed
		}
	}
	_ = r.Store.UpdateRun(run)

	evType := models.EventStepCompleted
	if !ok {
		evType = models.EventStepFailed
	}
	_ = r.Store.AppendEvent(runID, models.Event{
		RunID:   runID,
		Type:    evType,
		Message: msg,
		Data: map[string]any{
			"step_id": stepID,
			"ok":      ok,
		},
	})
	return ok, nil
}

// skipStep marks a denied step skipped; the run moves on.
func (r *Runner) skipStep(runID, stepID, msg string) (bool, error) {
	run, err := r.Store.GetRun(runID)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	run.Status = models.RunRunning
	if s := run.StepByID(stepID); s != nil {
		s.Status = models.StepSkipped
		s.CompletedAt = &now
	}
	_ = r.Store.UpdateRun(run)
	_ = r.Store.AppendEvent(runID, models.Event{
		RunID:   runID,
		Type:    models.EventStepSkipped,
		Message: msg,
		Data:    map[string]any{"step_id": stepID},
	})
	return true, nil
}

func mustJSON(v any) []byte {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return []byte("{}")
	}
	return append(b, '\n')
}

func (r *Runner) failRun(runID string, err error) error {
	run, getErr := r.Store.GetRun(runID)
	if getErr != nil {
		return err
	}
	run.Status = models.RunFailed
	run.Error = err.Error()
	_ = r.Store.UpdateRun(run)
	_ = r.Store.AppendEvent(runID, models.Event{
		RunID:   runID,
		Type:    models.EventRunFailed,
		Message: err.Error(),
	})
	r.Metrics.RecordRunCompleted("failed")
	return err
}

func (r *Runner) cancelRun(runID string, err error) error {
	run, getErr := r.Store.GetRun(runID)
	if getErr != nil {
		return err
	}
	run.Status = models.RunCanceled
	run.Error = ""
	_ = r.Store.UpdateRun(run)
	_ = r.Store.AppendEvent(runID, models.Event{
		RunID:   runID,
		Type:    models.EventRunCanceled,
		Message: err.Error(),
	})
	r.Metrics.RecordRunCompleted("canceled")
	return err
}
