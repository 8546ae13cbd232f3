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
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/agentd/pkg/models"
)

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.dataDir, "sessions", sessionID)
}

func (s *Store) sessionPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "session.json")
}

func (s *Store) sessionEventsPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "events.ndjson")
}

func (s *Store) sessionAttachmentsDir(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "attachments")
}

func (s *Store) sessionArtifactsDir(sessionID, turnID string) string {
	return filepath.Join(s.sessionDir(sessionID), "artifacts", turnID)
}

func (s *Store) loadSessions() error {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, "sessions"))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := os.ReadFile(s.sessionPath(e.Name()))
		if err != nil {
			continue
		}
		var session models.Session
		if err := json.Unmarshal(b, &session); err != nil {
			continue
		}
		s.sessionsMu.Lock()
		s.sessions[session.ID] = &session
		s.sessionsMu.Unlock()
	}
	return nil
}

// CreateSession mints a session, persists its head and empty event log,
// and appends the session_created event. Mode defaults to chat.
func (s *Store) CreateSession(workspacePath, systemPrompt, mode, specPath string) (*models.Session, error) {
	if strings.TrimSpace(workspacePath) == "" {
		return nil, errors.New("workspacePath is empty")
	}
	if strings.TrimSpace(mode) == "" {
		mode = string(models.SessionModeChat)
	}
	now := time.Now().UTC()
	session := &models.Session{
		ID:            models.NewSessionID(),
		CreatedAt:     now,
		UpdatedAt:     now,
		Status:        models.SessionActive,
		Mode:          models.SessionMode(mode),
		WorkspacePath: workspacePath,
		SystemPrompt:  strings.TrimSpace(systemPrompt),
		SpecPath:      strings.TrimSpace(specPath),
	}
	if err := os.MkdirAll(s.sessionDir(session.ID), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(s.sessionEventsPath(session.ID), []byte{}, 0o644); err != nil {
		return nil, err
	}
	if err := s.saveSession(session); err != nil {
		return nil, err
	}

	s.sessionsMu.Lock()
	s.sessions[session.ID] = session
	s.sessionsMu.Unlock()

	_ = s.AppendSessionEvent(session.ID, models.SessionEvent{
		Type: models.EventSessionCreated,
		Data: map[string]any{
			"workspace_path": workspacePath,
		},
	})
	return session, nil
}

func (s *Store) saveSession(session *models.Session) error {
	session.UpdatedAt = time.Now().UTC()
	b, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.sessionPath(session.ID), append(b, '\n'), 0o644)
}

// UpdateSession replaces the cached head and writes it through.
func (s *Store) UpdateSession(session *models.Session) error {
	if session == nil {
		return errors.New("session is nil")
	}
	s.sessionsMu.Lock()
	s.sessions[session.ID] = session
	s.sessionsMu.Unlock()
	return s.saveSession(session)
}

// GetSession returns a copy of the session head.
func (s *Store) GetSession(sessionID string) (*models.Session, error) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	cp := *session
	cp.Messages = append([]models.Message(nil), session.Messages...)
	cp.Turns = append([]models.Turn(nil), session.Turns...)
	return &cp, nil
}

// ListSessions returns session heads newest first.
func (s *Store) ListSessions() ([]models.Session, error) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	out := make([]models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, *session)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// AppendMessage appends a message to the session head and returns the
// updated session.
func (s *Store) AppendMessage(sessionID string, msg models.Message) (*models.Session, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	session.Messages = append(session.Messages, msg)
	if err := s.UpdateSession(session); err != nil {
		return nil, err
	}
	return session, nil
}

// AddTurn appends a pending turn, updates LastTurnID, and returns the new
// turn's id.
func (s *Store) AddTurn(sessionID string) (string, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return "", err
	}
	turn := models.Turn{
		ID:     models.NewTurnID(),
		Status: models.TurnPending,
	}
	session.Turns = append(session.Turns, turn)
	session.LastTurnID = turn.ID
	if err := s.UpdateSession(session); err != nil {
		return "", err
	}
	return turn.ID, nil
}

// AppendSessionEvent appends one minified JSON line to the session's event
// log and fans it out to live subscribers.
func (s *Store) AppendSessionEvent(sessionID string, ev models.SessionEvent) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}
	ev.TS = ev.TS.UTC()
	if ev.SessionID == "" {
		ev.SessionID = sessionID
	}

	f, err := os.OpenFile(s.sessionEventsPath(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
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
	for _, ch := range s.sessionSubs[sessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// SubscribeSession registers a live event channel for the session.
func (s *Store) SubscribeSession(sessionID string) (<-chan models.SessionEvent, func()) {
	ch := make(chan models.SessionEvent, subscriberBuffer)
	handle := uuid.NewString()

	s.subsMu.Lock()
	if s.sessionSubs[sessionID] == nil {
		s.sessionSubs[sessionID] = map[string]chan models.SessionEvent{}
	}
	s.sessionSubs[sessionID][handle] = ch
	s.subsMu.Unlock()

	cancel := func() {
		s.subsMu.Lock()
		if m := s.sessionSubs[sessionID]; m != nil {
			delete(m, handle)
		}
		s.subsMu.Unlock()
		close(ch)
	}
	return ch, cancel
}

// ReadSessionEvents reads up to max events from the session's log (0 means
// all). Malformed lines are skipped.
func (s *Store) ReadSessionEvents(sessionID string, max int) ([]models.SessionEvent, error) {
	f, err := os.Open(s.sessionEventsPath(sessionID))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []models.SessionEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var ev models.SessionEvent
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

// SaveSessionAttachment stores uploaded content under the session's
// attachments dir and returns the relative ref plus the effective mime
// type. Filename collisions get a fresh attachment id.
func (s *Store) SaveSessionAttachment(sessionID, filename, mimeType string, content []byte) (string, string, error) {
	if sessionID == "" {
		return "", "", errors.New("sessionID required")
	}
	dir := s.sessionAttachmentsDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	name := strings.TrimSpace(filename)
	if name == "" {
		name = models.NewAttachmentID()
	}
	name = filepath.Base(name)
	if name == "." || name == string(os.PathSeparator) {
		name = models.NewAttachmentID()
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if filepath.Ext(name) == "" {
		name += ".bin"
	}
	ext := filepath.Ext(name)

	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		name = models.NewAttachmentID() + ext
		path = filepath.Join(dir, name)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", "", err
	}
	return filepath.ToSlash(filepath.Join("attachments", name)), mimeType, nil
}

// SaveTurnArtifact writes a per-turn artifact and returns its path relative
// to the session directory.
func (s *Store) SaveTurnArtifact(sessionID, turnID, name string, content []byte) (string, error) {
	if sessionID == "" || turnID == "" || name == "" {
		return "", errors.New("sessionID, turnID and name required")
	}
	dir := s.sessionArtifactsDir(sessionID, turnID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name = filepath.Base(name)
	if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
		return "", err
	}
	return filepath.ToSlash(filepath.Join("artifacts", turnID, name)), nil
}

// RequireSessionApproval registers a one-shot decision channel for a tool
// call. Registering twice for the same call is an error.
func (s *Store) RequireSessionApproval(sessionID, toolCallID string) (<-chan models.ApprovalDecision, error) {
	if sessionID == "" || toolCallID == "" {
		return nil, errors.New("sessionID and toolCallID required")
	}
	s.approvalMu.Lock()
	defer s.approvalMu.Unlock()
	if s.sessionApprovals[sessionID] == nil {
		s.sessionApprovals[sessionID] = map[string]chan models.ApprovalDecision{}
	}
	if _, ok := s.sessionApprovals[sessionID][toolCallID]; ok {
		return nil, fmt.Errorf("approval already pending for tool call %s", toolCallID)
	}
	ch := make(chan models.ApprovalDecision, 1)
	s.sessionApprovals[sessionID][toolCallID] = ch
	return ch, nil
}

// ResolveSessionApproval delivers the decision to the waiting executor.
func (s *Store) ResolveSessionApproval(sessionID, toolCallID string, decision models.ApprovalDecision) error {
	s.approvalMu.Lock()
	defer s.approvalMu.Unlock()
	m := s.sessionApprovals[sessionID]
	if m == nil {
		return fmt.Errorf("no approvals pending for session %s", sessionID)
	}
	ch, ok := m[toolCallID]
	if !ok {
		return fmt.Errorf("no approval pending for tool call %s", toolCallID)
	}
	ch <- decision
	close(ch)
	delete(m, toolCallID)
	return nil
}

// WaitForSessionApproval blocks until the tool call's approval is resolved
// or ctx is done.
func (s *Store) WaitForSessionApproval(ctx context.Context, sessionID, toolCallID string) (models.ApprovalDecision, error) {
	s.approvalMu.Lock()
	ch := s.sessionApprovals[sessionID][toolCallID]
	s.approvalMu.Unlock()

	if ch == nil {
		return models.ApprovalDecision{}, fmt.Errorf("no approval pending for tool call %s", toolCallID)
	}
	select {
	case <-ctx.Done():
		s.approvalMu.Lock()
		if m := s.sessionApprovals[sessionID]; m != nil {
			delete(m, toolCallID)
		}
		s.approvalMu.Unlock()
		return models.ApprovalDecision{}, ctx.Err()
	case decision := <-ch:
		return decision, nil
	}
}

// SetSessionCancel registers the executor's cancel func for CancelSession.
func (s *Store) SetSessionCancel(sessionID string, cancel context.CancelFunc) {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	s.sessionCancels[sessionID] = cancel
}

// CancelSession invokes the registered cancel func and marks a still-active
// session canceled.
func (s *Store) CancelSession(sessionID string) {
	s.cancelMu.Lock()
	cancel := s.sessionCancels[sessionID]
	s.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
	session, err := s.GetSession(sessionID)
	if err != nil {
		return
	}
	if session.Status == models.SessionActive || session.Status == models.SessionWaitingApproval {
		session.Status = models.SessionCanceled
		if session.Error == "" {
			session.Error = "canceled"
		}
		_ = s.UpdateSession(session)
	}
}
