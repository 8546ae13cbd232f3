// Package api is the HTTP + SSE transport over the store and executors.
// Handlers stay thin: validation and serialization here, semantics in
// the agent package and the store.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coderelay/agentd/internal/config"
	"github.com/coderelay/agentd/internal/observability"
	"github.com/coderelay/agentd/internal/provider"
	"github.com/coderelay/agentd/internal/store"
	"github.com/coderelay/agentd/internal/workspace"
	"github.com/coderelay/agentd/pkg/models"
)

// RunStarter kicks off the background run executor.
type RunStarter interface {
	StartRun(ctx context.Context, runID string) error
}

// SessionTurnStarter kicks off the background session executor.
type SessionTurnStarter interface {
	StartTurn(ctx context.Context, sessionID, turnID string) error
}

// SpecGenerator drafts spec.md content from a prompt.
type SpecGenerator interface {
	GenerateSpec(ctx context.Context, workspacePath, specName, prompt string) (string, error)
}

// ModelService exposes model listing and the mutable model policy.
type ModelService interface {
	ListModels(ctx context.Context) ([]provider.ModelRecord, error)
	GetPolicy() config.ModelPolicy
	SetPolicy(policy config.ModelPolicy) error
}

// Server wires the HTTP surface. All collaborator fields are optional
// except Store; missing ones turn their routes into 500s.
type Server struct {
	Logger        *slog.Logger
	Store         *store.Store
	Runner        RunStarter
	SessionRunner SessionTurnStarter
	SpecGen       SpecGenerator
	ModelSvc      ModelService
	Metrics       *observability.Metrics
	AuthToken     string
	Tokens        *TokenService
}

// Handler assembles the route table and middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"ok": true})
	})

	mux.HandleFunc("/v1/runs", s.handleRuns)
	mux.HandleFunc("/v1/runs/", s.handleRun)
	mux.HandleFunc("/v1/sessions", s.handleSessions)
	mux.HandleFunc("/v1/sessions/", s.handleSession)
	mux.HandleFunc("/v1/specs/generate", s.handleSpecGenerate)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/v1/model-policy", s.handleModelPolicy)

	var h http.Handler = mux
	h = CORSMiddleware()(h)
	h = AuthMiddleware(s.AuthToken, s.Tokens)(h)
	h = MetricsMiddleware(s.Metrics)(h)
	h = LoggingMiddleware(s.Logger)(h)
	h = RequestIDMiddleware()(h)
	h = RecoverMiddleware(s.Logger)(h)
	return h
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		runs, err := s.Store.ListRuns()
		if err != nil {
			writeError(w, 500, err.Error())
			return
		}
		writeJSON(w, 200, runs)
	case http.MethodPost:
		var req CreateRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, "invalid json")
			return
		}
		run, err := s.Store.CreateRun(req.WorkspacePath, req.SpecPath)
		if err != nil {
			writeError(w, 400, err.Error())
			return
		}
		if s.Runner != nil {
			_ = s.Runner.StartRun(r.Context(), run.ID)
		}
		writeJSON(w, 200, CreateRunResponse{RunID: run.ID})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	// path: /v1/runs/{runID}[/...]
	rest := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, 404, "run id required")
		return
	}
	runID := parts[0]
	if len(parts) == 1 || parts[1] == "" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		run, err := s.Store.GetRun(runID)
		if err != nil {
			writeError(w, 404, err.Error())
			return
		}
		writeJSON(w, 200, run)
		return
	}

	switch parts[1] {
	case "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleRunEvents(w, r, runID)
	case "approve":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req RunApproveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.StepID) == "" {
			writeError(w, 400, "step_id required")
			return
		}
		if strings.TrimSpace(req.Action) == "" {
			req.Action = "approve"
		}
		err := s.Store.ResolveRunApproval(runID, req.StepID, models.ApprovalDecision{
			Action: req.Action,
			Reason: req.Reason,
		})
		if err != nil {
			writeError(w, 400, err.Error())
			return
		}
		writeJSON(w, 200, map[string]any{"ok": true})
	case "cancel":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.Store.CancelRun(runID)
		writeJSON(w, 200, map[string]any{"ok": true})
	case "export":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", runID+".zip"))
		if err := s.Store.ExportRun(runID, w); err != nil {
			writeError(w, 500, err.Error())
			return
		}
	default:
		writeError(w, 404, "unknown endpoint")
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessions, err := s.Store.ListSessions()
		if err != nil {
			writeError(w, 500, err.Error())
			return
		}
		writeJSON(w, 200, sessions)
	case http.MethodPost:
		var req CreateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, "invalid json")
			return
		}
		mode := strings.TrimSpace(req.Mode)
		if mode == "" {
			mode = string(models.SessionModeChat)
		}
		specPath := strings.TrimSpace(req.SpecPath)
		if specPath != "" {
			abs, err := resolveSpecPath(req.WorkspacePath, specPath)
			if err != nil {
				writeError(w, 400, err.Error())
				return
			}
			specPath = abs
		}

		session, err := s.Store.CreateSession(req.WorkspacePath, req.SystemPrompt, mode, specPath)
		if err != nil {
			writeError(w, 400, err.Error())
			return
		}
		// Spec-mode sessions get their spec path and skeleton up front so
		// the client can show it before the first turn runs.
		if session.Mode == models.SessionModeSpec && strings.TrimSpace(session.SpecPath) == "" {
			if err := s.defaultSessionSpec(session); err != nil {
				writeError(w, 500, err.Error())
				return
			}
		}
		writeJSON(w, 200, CreateSessionResponse{SessionID: session.ID, SpecPath: session.SpecPath})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) defaultSessionSpec(session *models.Session) error {
	path, err := workspace.DefaultSpecPath(session.WorkspacePath, "session-"+session.ID)
	if err != nil {
		return err
	}
	session.SpecPath = path
	if err := s.Store.UpdateSession(session); err != nil {
		return err
	}
	_ = s.Store.AppendSessionEvent(session.ID, models.SessionEvent{
		Type: models.EventSpecPathSet,
		Data: map[string]any{"spec_path": path},
	})
	created, err := workspace.EnsureSpecFile(path)
	if err != nil {
		return err
	}
	if created {
		_ = s.Store.AppendSessionEvent(session.ID, models.SessionEvent{
			Type: models.EventSpecCreated,
			Data: map[string]any{"spec_path": path},
		})
	}
	return nil
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	// path: /v1/sessions/{sessionID}[/...]
	rest := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, 404, "session id required")
		return
	}
	sessionID := parts[0]
	if len(parts) == 1 || parts[1] == "" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		session, err := s.Store.GetSession(sessionID)
		if err != nil {
			writeError(w, 404, err.Error())
			return
		}
		writeJSON(w, 200, session)
		return
	}

	switch parts[1] {
	case "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleSessionEvents(w, r, sessionID)
	case "messages":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleSessionMessage(w, r, sessionID)
	case "mode":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleSessionMode(w, r, sessionID)
	case "approve":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req SessionApproveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.ToolCallID) == "" {
			writeError(w, 400, "tool_call_id required")
			return
		}
		if strings.TrimSpace(req.Action) == "" {
			req.Action = "approve"
		}
		err := s.Store.ResolveSessionApproval(sessionID, req.ToolCallID, models.ApprovalDecision{
			Action: req.Action,
			Reason: req.Reason,
		})
		if err != nil {
			writeError(w, 400, err.Error())
			return
		}
		writeJSON(w, 200, map[string]any{"ok": true})
	case "cancel":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.Store.CancelSession(sessionID)
		writeJSON(w, 200, map[string]any{"ok": true})
	case "attachments":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleSessionAttachment(w, r, sessionID)
	case "export":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sessionID+".zip"))
		if err := s.Store.ExportSession(sessionID, w); err != nil {
			writeError(w, 500, err.Error())
			return
		}
	case "turns":
		// /v1/sessions/{id}/turns/{turnID}/retry
		if len(parts) < 4 || parts[3] != "retry" {
			writeError(w, 404, "unknown endpoint")
			return
		}
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if s.SessionRunner == nil {
			writeError(w, 500, "session runner not configured")
			return
		}
		if err := s.SessionRunner.StartTurn(r.Context(), sessionID, parts[2]); err != nil {
			writeError(w, 409, err.Error())
			return
		}
		writeJSON(w, 200, map[string]any{"ok": true})
	default:
		writeError(w, 404, "unknown endpoint")
	}
}

func (s *Server) handleSessionMessage(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req AddMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	role := strings.TrimSpace(req.Role)
	if role == "" {
		writeError(w, 400, "role required")
		return
	}
	parts := make([]models.MessagePart, 0, len(req.Parts))
	for _, part := range req.Parts {
		parts = append(parts, models.MessagePart{
			Type:     part.Type,
			Text:     part.Text,
			Ref:      part.Ref,
			MimeType: part.MimeType,
		})
	}
	msg := models.Message{
		ID:        models.NewMessageID(),
		Role:      role,
		Parts:     parts,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.Store.AppendMessage(sessionID, msg); err != nil {
		writeError(w, 400, err.Error())
		return
	}
	_ = s.Store.AppendSessionEvent(sessionID, models.SessionEvent{
		Type: models.EventMessageAdded,
		Data: map[string]any{
			"message_id": msg.ID,
			"role":       msg.Role,
		},
	})

	turnID, err := s.Store.AddTurn(sessionID)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}

	if req.AutoRun {
		if s.SessionRunner == nil {
			writeError(w, 500, "session runner not configured")
			return
		}
		if err := s.SessionRunner.StartTurn(r.Context(), sessionID, turnID); err != nil {
			writeError(w, 409, err.Error())
			return
		}
	}

	writeJSON(w, 200, AddMessageResponse{MessageID: msg.ID, TurnID: turnID})
}

func (s *Server) handleSessionMode(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req UpdateSessionModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	mode := strings.TrimSpace(req.Mode)
	if mode != string(models.SessionModeChat) && mode != string(models.SessionModeSpec) {
		writeError(w, 400, "mode must be chat or spec")
		return
	}
	session, err := s.Store.GetSession(sessionID)
	if err != nil {
		writeError(w, 404, err.Error())
		return
	}
	if specPath := strings.TrimSpace(req.SpecPath); specPath != "" {
		abs, err := resolveSpecPath(session.WorkspacePath, specPath)
		if err != nil {
			writeError(w, 400, err.Error())
			return
		}
		session.SpecPath = abs
	}
	session.Mode = models.SessionMode(mode)
	if err := s.Store.UpdateSession(session); err != nil {
		writeError(w, 500, err.Error())
		return
	}
	if session.Mode == models.SessionModeSpec && strings.TrimSpace(session.SpecPath) == "" {
		if err := s.defaultSessionSpec(session); err != nil {
			writeError(w, 500, err.Error())
			return
		}
	}
	writeJSON(w, 200, UpdateSessionModeResponse{
		SessionID: session.ID,
		Mode:      string(session.Mode),
		SpecPath:  session.SpecPath,
	})
}

func (s *Server) handleSessionAttachment(w http.ResponseWriter, r *http.Request, sessionID string) {
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseMultipartForm(25 << 20); err != nil {
			writeError(w, 400, "invalid multipart form")
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, 400, "file required")
			return
		}
		defer file.Close()

		content, err := io.ReadAll(file)
		if err != nil {
			writeError(w, 500, err.Error())
			return
		}
		ref, mimeType, err := s.Store.SaveSessionAttachment(sessionID, header.Filename, header.Header.Get("Content-Type"), content)
		if err != nil {
			writeError(w, 500, err.Error())
			return
		}
		writeJSON(w, 200, AttachmentUploadResponse{Ref: ref, MimeType: mimeType})
		return
	}

	var req AttachmentUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.ContentBase64) == "" {
		writeError(w, 400, "content_base64 required")
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		writeError(w, 400, "invalid base64 content")
		return
	}
	ref, mimeType, err := s.Store.SaveSessionAttachment(sessionID, req.Name, req.MimeType, content)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, AttachmentUploadResponse{Ref: ref, MimeType: mimeType})
}

func (s *Server) handleSpecGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.SpecGen == nil {
		writeError(w, 500, "spec generator not configured")
		return
	}
	var req GenerateSpecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 400, "invalid json")
		return
	}
	ws := strings.TrimSpace(req.WorkspacePath)
	specName := strings.TrimSpace(req.SpecName)
	prompt := strings.TrimSpace(req.Prompt)
	if ws == "" || specName == "" || prompt == "" {
		writeError(w, 400, "workspace_path, spec_name, and prompt are required")
		return
	}
	if !isSafeSpecName(specName) {
		writeError(w, 400, "spec_name must be alphanumeric with dashes or underscores")
		return
	}
	if info, err := os.Stat(ws); err != nil || !info.IsDir() {
		writeError(w, 400, "workspace_path must be a directory")
		return
	}
	specAbs, err := workspace.SafeJoin(ws, filepath.Join("specs", specName, "spec.md"))
	if err != nil {
		writeError(w, 400, err.Error())
		return
	}
	if !req.Overwrite {
		if _, err := os.Stat(specAbs); err == nil {
			writeError(w, 409, "spec already exists")
			return
		}
	}

	content, err := s.SpecGen.GenerateSpec(r.Context(), ws, specName, prompt)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	if err := os.MkdirAll(filepath.Dir(specAbs), 0o755); err != nil {
		writeError(w, 500, err.Error())
		return
	}
	if err := os.WriteFile(specAbs, []byte(content), 0o644); err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, GenerateSpecResponse{SpecPath: specAbs, Content: content})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.ModelSvc == nil {
		writeError(w, 500, "model service not configured")
		return
	}
	records, err := s.ModelSvc.ListModels(r.Context())
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, map[string]any{
		"models": records,
		"policy": s.ModelSvc.GetPolicy(),
	})
}

func (s *Server) handleModelPolicy(w http.ResponseWriter, r *http.Request) {
	if s.ModelSvc == nil {
		writeError(w, 500, "model service not configured")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, 200, s.ModelSvc.GetPolicy())
	case http.MethodPost:
		var policy config.ModelPolicy
		if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
			writeError(w, 400, "invalid json")
			return
		}
		if err := s.ModelSvc.SetPolicy(policy); err != nil {
			writeError(w, 500, err.Error())
			return
		}
		writeJSON(w, 200, s.ModelSvc.GetPolicy())
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func isSafeSpecName(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return name != ""
}

// resolveSpecPath confines a caller-supplied spec path to the workspace.
// SafeJoin accepts absolute paths only when they are already inside it.
func resolveSpecPath(workspacePath, specPath string) (string, error) {
	return workspace.SafeJoin(workspacePath, specPath)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
