// Package store persists runs and sessions as event-sourced aggregates on
// disk: a materialized JSON head plus an append-only NDJSON event log per
// aggregate, with in-process fan-out to live subscribers.
package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/agentd/internal/workspace"
	"github.com/coderelay/agentd/pkg/models"
)

// subscriberBuffer is the per-subscriber channel depth. When a subscriber
// falls more than this far behind, events are dropped for that subscriber
// only; transports re-sync via ReadEvents on reconnect.
const subscriberBuffer = 256

// Store is the event-sourced file store. Heads are cached in memory and
// written through on every mutation; event logs are append-only.
type Store struct {
	dataDir string

	mu   sync.RWMutex
	runs map[string]*models.Run

	sessionsMu sync.RWMutex
	sessions   map[string]*models.Session

	subsMu      sync.Mutex
	runSubs     map[string]map[string]chan models.Event
	sessionSubs map[string]map[string]chan models.SessionEvent

	approvalMu       sync.Mutex
	runApprovals     map[string]map[string]chan models.ApprovalDecision
	sessionApprovals map[string]map[string]chan models.ApprovalDecision

	cancelMu       sync.Mutex
	runCancels     map[string]context.CancelFunc
	sessionCancels map[string]context.CancelFunc
}

// New creates a store rooted at dataDir ("~" expands). Call Init before use.
func New(dataDir string) *Store {
	return &Store{
		dataDir:          workspace.ExpandHome(dataDir),
		runs:             map[string]*models.Run{},
		sessions:         map[string]*models.Session{},
		runSubs:          map[string]map[string]chan models.Event{},
		sessionSubs:      map[string]map[string]chan models.SessionEvent{},
		runApprovals:     map[string]map[string]chan models.ApprovalDecision{},
		sessionApprovals: map[string]map[string]chan models.ApprovalDecision{},
		runCancels:       map[string]context.CancelFunc{},
		sessionCancels:   map[string]context.CancelFunc{},
	}
}

// Init creates the on-disk layout and loads existing aggregate heads.
// Corrupt or unreadable heads are skipped, not fatal.
func (s *Store) Init() error {
	if s.dataDir == "" {
		return errors.New("dataDir is empty")
	}
	for _, sub := range []string{"runs", "sessions"} {
		if err := os.MkdirAll(filepath.Join(s.dataDir, sub), 0o755); err != nil {
			return err
		}
	}
	if err := s.loadRuns(); err != nil {
		return err
	}
	return s.loadSessions()
}

func (s *Store) loadRuns() error {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, "runs"))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := os.ReadFile(s.runPath(e.Name()))
		if err != nil {
			continue
		}
		var run models.Run
		if err := json.Unmarshal(b, &run); err != nil {
			continue
		}
		s.mu.Lock()
		s.runs[run.ID] = &run
		s.mu.Unlock()
	}
	return nil
}

// DataDir returns the expanded store root.
func (s *Store) DataDir() string { return s.dataDir }

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.dataDir, "runs", runID)
}

func (s *Store) runPath(runID string) string {
	return filepath.Join(s.runDir(runID), "run.json")
}

func (s *Store) runEventsPath(runID string) string {
	return filepath.Join(s.runDir(runID), "events.ndjson")
}

func (s *Store) runArtifactsDir(runID, stepID string) string {
	return filepath.Join(s.runDir(runID), "artifacts", stepID)
}

// CreateRun mints a run, persists its head and empty event log, and appends
// the run_created event.
func (s *Store) CreateRun(workspacePath, specPath string) (*models.Run, error) {
	if strings.TrimSpace(workspacePath) == "" {
		return nil, errors.New("workspacePath is empty")
	}
	if strings.TrimSpace(specPath) == "" {
		return nil, errors.New("specPath is empty")
	}
	now := time.Now().UTC()
	run := &models.Run{
		ID:            models.NewRunID(),
		CreatedAt:     now,
		UpdatedAt:     now,
		Status:        models.RunQueued,
		WorkspacePath: workspacePath,
		SpecPath:      specPath,
	}
	if err := os.MkdirAll(s.runDir(run.ID), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(s.runEventsPath(run.ID), []byte{}, 0o644); err != nil {
		return nil, err
	}
	if err := s.saveRun(run); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()

	_ = s.AppendEvent(run.ID, models.Event{
		Type: models.EventRunCreated,
		Data: map[string]any{
			"workspace_path": workspacePath,
			"spec_path":      specPath,
		},
	})
	return run, nil
}

// saveRun writes the head as pretty-printed JSON with a trailing newline.
func (s *Store) saveRun(run *models.Run) error {
	run.UpdatedAt = time.Now().UTC()
	b, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.runPath(run.ID), append(b, '\n'), 0o644)
}

// UpdateRun replaces the cached head and writes it through.
func (s *Store) UpdateRun(run *models.Run) error {
	if run == nil {
		return errors.New("run is nil")
	}
	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()
	return s.saveRun(run)
}

// GetRun returns a copy of the run head.
func (s *Store) GetRun(runID string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	cp := *r
	cp.Steps = append([]models.Step(nil), r.Steps...)
	return &cp, nil
}

// ListRuns returns run heads newest first.
func (s *Store) ListRuns() ([]models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// AppendEvent appends one minified JSON line to the run's event log and
// fans it out to live subscribers.
func (s *Store) AppendEvent(runID string, ev models.Event) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}
	ev.TS = ev.TS.UTC()
	if ev.RunID == "" {
		ev.RunID = runID
	}

	f, err := os.OpenFile(s.runEventsPath(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.runSubs[runID] {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop for this subscriber only.
		}
	}
	return nil
}

// Subscribe registers a live event channel for the run. The returned cancel
// must be called exactly once; it closes the channel.
func (s *Store) Subscribe(runID string) (<-chan models.Event, func()) {
	ch := make(chan models.Event, subscriberBuffer)
	handle := uuid.NewString()

	s.subsMu.Lock()
	if s.runSubs[runID] == nil {
		s.runSubs[runID] = map[string]chan models.Event{}
	}
	s.runSubs[runID][handle] = ch
	s.subsMu.Unlock()

	cancel := func() {
		s.subsMu.Lock()
		if m := s.runSubs[runID]; m != nil {
			delete(m, handle)
		}
		s.subsMu.Unlock()
		close(ch)
	}
	return ch, cancel
}

// ReadEvents reads up to max events from the run's log (0 means all).
// Malformed lines are skipped.
func (s *Store) ReadEvents(runID string, max int) ([]models.Event, error) {
	f, err := os.Open(s.runEventsPath(runID))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []models.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var ev models.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			continue
		}
		out = append(out, ev)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, sc.Err()
}

// SaveRunArtifact writes a step artifact and returns its path relative to
// the run directory (suitable for the artifact_rel event field).
func (s *Store) SaveRunArtifact(runID, stepID, name string, content []byte) (string, error) {
	if runID == "" || stepID == "" || name == "" {
		return "", errors.New("runID, stepID and name required")
	}
	dir := s.runArtifactsDir(runID, stepID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name = filepath.Base(name)
	if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
		return "", err
	}
	return filepath.ToSlash(filepath.Join("artifacts", stepID, name)), nil
}

// RequireRunApproval registers a one-shot decision channel for a step.
// Registering twice for the same step is an error.
func (s *Store) RequireRunApproval(runID, stepID string) (<-chan models.ApprovalDecision, error) {
	if runID == "" || stepID == "" {
		return nil, errors.New("runID and stepID required")
	}
	s.approvalMu.Lock()
	defer s.approvalMu.Unlock()
	if s.runApprovals[runID] == nil {
		s.runApprovals[runID] = map[string]chan models.ApprovalDecision{}
	}
	if _, ok := s.runApprovals[runID][stepID]; ok {
		return nil, fmt.Errorf("approval already pending for step %s", stepID)
	}
	ch := make(chan models.ApprovalDecision, 1)
	s.runApprovals[runID][stepID] = ch
	return ch, nil
}

// ResolveRunApproval delivers the decision to the waiting executor and
// removes the pending entry. Resolving an unknown step is an error.
func (s *Store) ResolveRunApproval(runID, stepID string, decision models.ApprovalDecision) error {
	s.approvalMu.Lock()
	defer s.approvalMu.Unlock()
	m := s.runApprovals[runID]
	if m == nil {
		return fmt.Errorf("no approvals pending for run %s", runID)
	}
	ch, ok := m[stepID]
	if !ok {
		return fmt.Errorf("no approval pending for step %s", stepID)
	}
	ch <- decision
	close(ch)
	delete(m, stepID)
	return nil
}

// WaitForRunApproval blocks until the step's approval is resolved or ctx is
// done. Cancellation removes the pending entry so a later resolve fails fast.
func (s *Store) WaitForRunApproval(ctx context.Context, runID, stepID string) (models.ApprovalDecision, error) {
	s.approvalMu.Lock()
	ch := s.runApprovals[runID][stepID]
	s.approvalMu.Unlock()

	if ch == nil {
		return models.ApprovalDecision{}, fmt.Errorf("no approval pending for step %s", stepID)
	}
	select {
	case <-ctx.Done():
		s.approvalMu.Lock()
		if m := s.runApprovals[runID]; m != nil {
			delete(m, stepID)
		}
		s.approvalMu.Unlock()
		return models.ApprovalDecision{}, ctx.Err()
	case decision := <-ch:
		return decision, nil
	}
}

// SetRunCancel registers the executor's cancel func for CancelRun.
func (s *Store) SetRunCancel(runID string, cancel context.CancelFunc) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	s.runCancels[runID] = cancel
}

// CancelRun invokes the registered cancel func, if any. The executor owns
// the resulting status transition.
func (s *Store) CancelRun(runID string) {
	s.cancelMu.Lock()
	cancel := s.runCancels[runID]
	s.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}
